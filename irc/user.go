package irc

import (
	"strings"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"golang.org/x/sys/unix"

	"github.com/hexwell/ircd/events"
	"github.com/hexwell/ircd/ext"
	"github.com/hexwell/ircd/logging"
)

// UserState is the connection lifecycle position.
type UserState int

const (
	StateConnecting UserState = iota
	StateNickSet
	StateUserSet
	StateRegistered
	StateQuitting
	StateClosed
)

// User is one client connection and its protocol state. It is an
// events.EventHandler on its own socket and an ext.Extensible container.
type User struct {
	ext.Extensible

	server *Server

	// SessionID is stable for the life of the connection, independent of
	// nick changes.
	SessionID string

	fd    int
	ip    string
	state UserState

	nick     string
	ident    string
	host     string
	realname string

	hasNick  bool
	hasUser  bool
	hostDone bool

	Modes UserModes

	channels map[*Channel]*Membership

	inbuf        []byte
	sendq        *queue.Queue
	partialWrite []byte
}

func newUser(server *Server, fd int, ip string) *User {
	u := &User{
		Extensible: ext.NewExtensible(ext.ExtUser),
		server:     server,
		SessionID:  uuid.NewString(),
		fd:         fd,
		ip:         ip,
		host:       ip,
		channels:   make(map[*Channel]*Membership),
		sendq:      queue.New(),
	}
	server.Exts.Attach(&u.Extensible)
	return u
}

// Fd implements events.EventHandler.
func (u *User) Fd() int { return u.fd }

// Nick returns the current nickname, or "*" before NICK succeeds. This is
// the target field of every numeric sent to the user.
func (u *User) Nick() string {
	if u.nick == "" {
		return "*"
	}
	return u.nick
}

// Hostmask renders nick!ident@host.
func (u *User) Hostmask() string {
	return FormatHostmask(u.Nick(), u.ident, u.host)
}

// IP returns the textual peer address.
func (u *User) IP() string { return u.ip }

// State returns the lifecycle position.
func (u *User) State() UserState { return u.state }

// Registered reports whether the connection completed registration.
func (u *User) Registered() bool { return u.state == StateRegistered }

// IsOper reports operator status.
func (u *User) IsOper() bool { return u.Modes.Operator }

// OnReadable drains the socket and dispatches every complete line.
func (u *User) OnReadable() {
	buf := make([]byte, 2048)
	for {
		n, err := unix.Read(u.fd, buf)
		if n > 0 {
			u.inbuf = append(u.inbuf, buf[:n]...)
			// A peer that refuses to terminate its line does not get to
			// grow the buffer forever.
			if len(u.inbuf) > MaxLineLength*4 {
				u.server.QuitUser(u, "Excess flood")
				return
			}
		}
		if err == unix.EAGAIN {
			mask := u.server.Engine.Mask(u)
			u.server.Engine.SetMask(u, mask|events.ReadWillBlock)
			break
		}
		if err != nil || n == 0 {
			u.server.QuitUser(u, "Connection closed")
			return
		}
	}

	lines, rest := SplitLines(u.inbuf)
	u.inbuf = rest
	for _, line := range lines {
		if u.state == StateQuitting || u.state == StateClosed {
			return
		}
		u.server.Dispatch(u, line)
	}
}

// OnWritable flushes the send queue after an earlier short write.
func (u *User) OnWritable() {
	u.flush()
}

// OnError tears the connection down; errcode 0 is a hang-up.
func (u *User) OnError(errcode int) {
	if errcode == 0 {
		u.server.QuitUser(u, "Connection closed")
		return
	}
	u.server.QuitUser(u, "Read error")
}

// SendNumeric queues one structured reply.
func (u *User) SendNumeric(n Numeric) {
	u.SendRaw(":" + u.server.Name() + " " + n.Format(u.Nick()))
}

// SendCommand queues a server-sourced command line, e.g. PONG.
func (u *User) SendCommand(command string, params ...string) {
	msg := &Message{Source: u.server.Name(), Command: command, Params: params}
	u.SendRaw(msg.String())
}

// SendFrom queues a line sourced from another user's hostmask.
func (u *User) SendFrom(source *User, command string, params ...string) {
	msg := &Message{Source: source.Hostmask(), Command: command, Params: params}
	u.SendRaw(msg.String())
}

// SendRaw appends the terminator and queues the line for write.
func (u *User) SendRaw(line string) {
	if u.state == StateClosed {
		return
	}
	u.sendq.Add([]byte(line + "\r\n"))
	u.server.Stats.Sent.Inc()
	u.flush()
}

// flush writes queued lines until the socket pushes back. On EAGAIN the
// remainder stays queued and the engine is asked for a one-shot write event.
func (u *User) flush() {
	for {
		chunk := u.partialWrite
		if chunk == nil {
			if u.sendq.Length() == 0 {
				return
			}
			chunk = u.sendq.Remove().([]byte)
		}
		u.partialWrite = nil

		n, err := unix.Write(u.fd, chunk)
		if err == unix.EAGAIN || (err == nil && n < len(chunk)) {
			if n < 0 {
				n = 0
			}
			u.partialWrite = chunk[n:]
			mask := u.server.Engine.Mask(u)
			u.server.Engine.SetMask(u, mask|events.WriteWillBlock|events.WantFastWrite)
			return
		}
		if err != nil {
			u.server.Log.Log("USERS", logging.Debug, "Write error to %s: %v", u.Hostmask(), err)
			return
		}
	}
}

// setNick applies a validated nickname and advances the state machine.
func (u *User) setNick(nick string) {
	u.nick = nick
	u.hasNick = true
	if u.state == StateConnecting {
		u.state = StateNickSet
	}
}

// setIdent applies USER parameters and advances the state machine.
func (u *User) setIdent(ident, realname string) {
	u.ident = ident
	u.realname = realname
	u.hasUser = true
	if u.state == StateConnecting {
		u.state = StateUserSet
	}
}

// isValidNickname checks the nickname grammar: 1-30 chars, no leading
// digit, letters, digits and -_[]{}|\ allowed.
func isValidNickname(nick string) bool {
	if len(nick) < 1 || len(nick) > 30 {
		return false
	}
	for i, ch := range nick {
		if i == 0 && ch >= '0' && ch <= '9' {
			return false
		}
		if !((ch >= 'A' && ch <= 'Z') ||
			(ch >= 'a' && ch <= 'z') ||
			(ch >= '0' && ch <= '9') ||
			strings.ContainsRune("-_[]{}|\\", ch)) {
			return false
		}
	}
	return true
}
