package irc

import (
	"strings"

	"github.com/hexwell/ircd/ext"
)

// Channel is one chat channel and an ext.Extensible container.
type Channel struct {
	ext.Extensible

	server *Server

	name  string
	topic string
	Modes ChannelModes

	members map[*User]*Membership
}

// Membership ties one user to one channel, with its own extension store so
// modules can attach per-membership state.
type Membership struct {
	ext.Extensible

	User    *User
	Channel *Channel

	Op    bool // prefix @
	Voice bool // prefix +
}

func newChannel(server *Server, name string) *Channel {
	c := &Channel{
		Extensible: ext.NewExtensible(ext.ExtChannel),
		server:     server,
		name:       name,
		members:    make(map[*User]*Membership),
	}
	// New channels start +nt, matching what every major daemon defaults to.
	c.Modes.NoExtMsg = true
	c.Modes.TopicLock = true
	server.Exts.Attach(&c.Extensible)
	return c
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Topic returns the channel topic.
func (c *Channel) Topic() string { return c.topic }

// Len returns the member count.
func (c *Channel) Len() int { return len(c.members) }

// Membership returns the user's membership, or nil.
func (c *Channel) Membership(u *User) *Membership {
	return c.members[u]
}

// join adds the user, making the first member an operator.
func (c *Channel) join(u *User) *Membership {
	m := &Membership{
		Extensible: ext.NewExtensible(ext.ExtMembership),
		User:       u,
		Channel:    c,
		Op:         len(c.members) == 0,
	}
	c.server.Exts.Attach(&m.Extensible)
	c.members[u] = m
	u.channels[c] = m
	return m
}

// part removes the user; the caller is responsible for announcements and for
// reaping the channel once empty.
func (c *Channel) part(u *User) {
	if m, ok := c.members[u]; ok {
		c.server.Exts.Detach(&m.Extensible)
		m.FreeAllExtItems()
	}
	delete(c.members, u)
	delete(u.channels, c)
}

// Broadcast queues a line for every member, optionally skipping the source.
func (c *Channel) Broadcast(source *User, command string, skipSource bool, params ...string) {
	for member := range c.members {
		if skipSource && member == source {
			continue
		}
		member.SendFrom(source, command, params...)
	}
}

// namesList renders members with their highest prefix.
func (c *Channel) namesList() string {
	var sb strings.Builder
	for user, m := range c.members {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		if m.Op {
			sb.WriteByte('@')
		} else if m.Voice {
			sb.WriteByte('+')
		}
		sb.WriteString(user.Nick())
	}
	return sb.String()
}

// isValidChannelName requires a # or & sigil and bans separators and control
// characters.
func isValidChannelName(name string) bool {
	if len(name) < 2 {
		return false
	}
	if name[0] != '#' && name[0] != '&' {
		return false
	}
	return !strings.ContainsAny(name, " ,:\x00\x07")
}
