package irc

import (
	"fmt"
	"strconv"
	"strings"
)

// UserModes is the per-user mode set the core understands.
type UserModes struct {
	Invisible bool // +i
	Wallops   bool // +w
	Operator  bool // +o
}

// String renders the active modes as "+iwo", or "" when none are set.
func (m UserModes) String() string {
	var sb strings.Builder
	if m.Invisible {
		sb.WriteByte('i')
	}
	if m.Wallops {
		sb.WriteByte('w')
	}
	if m.Operator {
		sb.WriteByte('o')
	}
	if sb.Len() == 0 {
		return ""
	}
	return "+" + sb.String()
}

// ChannelModes is the per-channel mode set.
type ChannelModes struct {
	NoExtMsg   bool   // +n
	TopicLock  bool   // +t
	Moderated  bool   // +m
	InviteOnly bool   // +i
	Key        string // +k
	Limit      int    // +l
}

// String renders the modes with their arguments, e.g. "+ntkl secret 20".
func (m ChannelModes) String() string {
	var flags strings.Builder
	var args []string
	if m.NoExtMsg {
		flags.WriteByte('n')
	}
	if m.TopicLock {
		flags.WriteByte('t')
	}
	if m.Moderated {
		flags.WriteByte('m')
	}
	if m.InviteOnly {
		flags.WriteByte('i')
	}
	if m.Key != "" {
		flags.WriteByte('k')
		args = append(args, m.Key)
	}
	if m.Limit > 0 {
		flags.WriteByte('l')
		args = append(args, strconv.Itoa(m.Limit))
	}
	if flags.Len() == 0 {
		return "+"
	}
	out := "+" + flags.String()
	if len(args) > 0 {
		out += " " + strings.Join(args, " ")
	}
	return out
}

// modeName maps a channel mode character to the name used in mode-refusal
// numerics.
func modeName(mode rune) string {
	switch mode {
	case 'n':
		return "noextmsg"
	case 't':
		return "topiclock"
	case 'm':
		return "moderated"
	case 'i':
		return "inviteonly"
	case 'k':
		return "key"
	case 'l':
		return "limit"
	case 'o':
		return "op"
	case 'v':
		return "voice"
	}
	return string(mode)
}

// invalidModeSyntax renders the refusal message for a rejected mode
// argument, with its syntax hint.
func invalidModeSyntax(mode rune, syntax string) string {
	return fmt.Sprintf("Invalid %s mode parameter. Syntax: %s.", modeName(mode), syntax)
}
