package irc

import (
	"bytes"
	"strings"
)

// MaxLineLength is the protocol cap per message, terminator included.
const MaxLineLength = 512

// maxMiddleParams bounds the middle parameters of one message.
const maxMiddleParams = 14

// Message is one parsed protocol line.
type Message struct {
	Source  string
	Command string
	Params  []string
}

// ParseMessage tokenizes one wire line: optional :source, upper-cased verb,
// up to 14 middle parameters and an optional :trailing. The source is
// captured but client connections ignore it. Returns nil for lines with no
// verb.
func ParseMessage(line string) *Message {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil
	}

	msg := &Message{}

	if line[0] == ':' {
		parts := strings.SplitN(line[1:], " ", 2)
		if len(parts) < 2 {
			return nil
		}
		msg.Source = parts[0]
		line = strings.TrimLeft(parts[1], " ")
	}
	if line == "" {
		return nil
	}

	parts := strings.SplitN(line, " ", 2)
	msg.Command = strings.ToUpper(parts[0])
	if len(parts) == 1 {
		return msg
	}

	rest := parts[1]
	for rest != "" {
		if rest[0] == ':' || len(msg.Params) == maxMiddleParams {
			msg.Params = append(msg.Params, strings.TrimPrefix(rest, ":"))
			break
		}
		next := strings.SplitN(rest, " ", 2)
		if next[0] != "" {
			msg.Params = append(msg.Params, next[0])
		}
		if len(next) == 1 {
			break
		}
		rest = next[1]
	}

	return msg
}

// String renders the message back into wire form, without the terminator.
func (m *Message) String() string {
	var sb strings.Builder
	if m.Source != "" {
		sb.WriteString(":")
		sb.WriteString(m.Source)
		sb.WriteString(" ")
	}
	sb.WriteString(m.Command)
	for i, param := range m.Params {
		sb.WriteString(" ")
		if i == len(m.Params)-1 && (param == "" || strings.Contains(param, " ") || strings.HasPrefix(param, ":")) {
			sb.WriteString(":")
		}
		sb.WriteString(param)
	}
	return sb.String()
}

// SplitLines consumes complete lines from buf, accepting both CRLF and bare
// LF terminators and truncating anything over MaxLineLength. It returns the
// complete lines and the unconsumed remainder.
func SplitLines(buf []byte) (lines []string, rest []byte) {
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			return lines, buf
		}
		line := buf[:idx]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) > MaxLineLength-2 {
			line = line[:MaxLineLength-2]
		}
		if len(line) > 0 {
			lines = append(lines, string(line))
		}
		buf = buf[idx+1:]
	}
}

// ParseHostmask splits nick!user@host; missing pieces come back empty.
func ParseHostmask(hostmask string) (nick, user, host string) {
	nickParts := strings.SplitN(hostmask, "!", 2)
	if len(nickParts) < 2 {
		return hostmask, "", ""
	}
	nick = nickParts[0]
	userHost := strings.SplitN(nickParts[1], "@", 2)
	if len(userHost) < 2 {
		return nick, nickParts[1], ""
	}
	return nick, userHost[0], userHost[1]
}

// FormatHostmask renders nick!user@host.
func FormatHostmask(nick, user, host string) string {
	return nick + "!" + user + "@" + host
}
