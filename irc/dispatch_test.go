package irc

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sys/unix"

	"github.com/hexwell/ircd/events"
	"github.com/hexwell/ircd/ext"
	"github.com/hexwell/ircd/irc/config"
	"github.com/hexwell/ircd/logging"
	"github.com/hexwell/ircd/stats"
	"github.com/hexwell/ircd/timers"
)

// stubEngine keeps the handler/mask table without a kernel backend; tests
// feed lines straight into Dispatch.
type stubEngine struct {
	masks map[int]int
}

func newStubEngine() *stubEngine { return &stubEngine{masks: make(map[int]int)} }

func (s *stubEngine) Add(eh events.EventHandler, mask int) error {
	s.masks[eh.Fd()] = mask
	return nil
}
func (s *stubEngine) Del(eh events.EventHandler, force bool) error {
	delete(s.masks, eh.Fd())
	return nil
}
func (s *stubEngine) SetMask(eh events.EventHandler, mask int) { s.masks[eh.Fd()] = mask }
func (s *stubEngine) Mask(eh events.EventHandler) int          { return s.masks[eh.Fd()] }
func (s *stubEngine) Dispatch(int) int                         { return 0 }
func (s *stubEngine) Len() int                                 { return len(s.masks) }
func (s *stubEngine) Name() string                             { return "stub" }
func (s *stubEngine) Close() error                             { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	clock := &timers.ManualClock{Current: time.Unix(400000, 0)}
	s := &Server{
		Config:   config.Defaults(),
		Log:      logging.Nop{},
		Clock:    clock,
		Stats:    stats.New(),
		Engine:   newStubEngine(),
		Timers:   timers.NewManager(clock),
		Exts:     ext.NewRegistry(),
		Commands: NewCommandTable(),
		Hooks:    NewHooks(),
		users:    make(map[int]*User),
		nicks:    make(map[string]*User),
		channels: make(map[string]*Channel),
	}
	s.registerCoreExtensions()
	s.registerCoreCommands()
	return s
}

// testClient owns the peer end of the user's socketpair to read what the
// server wrote.
type testClient struct {
	t    *testing.T
	user *User
	peer int
	buf  []byte
}

func connect(t *testing.T, s *Server) *testClient {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))

	user, err := s.AddUser(fds[0], "192.0.2.10")
	require.NoError(t, err)

	c := &testClient{t: t, user: user, peer: fds[1]}
	t.Cleanup(func() { unix.Close(fds[1]) })
	return c
}

func register(t *testing.T, s *Server, c *testClient, nick string) {
	t.Helper()
	s.Dispatch(c.user, "NICK "+nick)
	s.Dispatch(c.user, "USER ident 0 * :Real Name")
	require.True(t, c.user.Registered())
	c.drain() // discard the welcome burst
}

// drain reads everything currently queued to the client.
func (c *testClient) drain() []string {
	buf := make([]byte, 65536)
	for {
		n, err := unix.Read(c.peer, buf)
		if n > 0 {
			c.buf = append(c.buf, buf[:n]...)
		}
		if err != nil || n <= 0 {
			break
		}
	}
	var lines []string
	raw, rest := SplitLines(c.buf)
	c.buf = rest
	lines = append(lines, raw...)
	return lines
}

// expect drains and returns the first line containing want.
func (c *testClient) expect(want string) string {
	c.t.Helper()
	for _, line := range c.drain() {
		if strings.Contains(line, want) {
			return line
		}
	}
	c.t.Fatalf("no line containing %q", want)
	return ""
}

// expectNone asserts nothing queued mentions fragment.
func (c *testClient) expectNone(fragment string) {
	c.t.Helper()
	for _, line := range c.drain() {
		if strings.Contains(line, fragment) {
			c.t.Fatalf("unexpected line %q", line)
		}
	}
}

func TestRegistrationStateMachine(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)

	assert.Equal(t, StateConnecting, c.user.State())

	s.Dispatch(c.user, "NICK alice")
	assert.Equal(t, StateNickSet, c.user.State())
	assert.False(t, c.user.Registered())

	s.Dispatch(c.user, "USER ident 0 * :Alice")
	require.True(t, c.user.Registered())

	welcome := c.expect("001")
	assert.Contains(t, welcome, "Welcome to the HexNet IRC Network")
	assert.True(t, strings.HasPrefix(welcome, ":irc.hexwell.local 001 alice "))
}

func TestRegistrationUserFirst(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)

	s.Dispatch(c.user, "USER ident 0 * :Alice")
	assert.Equal(t, StateUserSet, c.user.State())

	s.Dispatch(c.user, "NICK alice")
	assert.True(t, c.user.Registered())
}

func TestRegistrationGatedOnHostLookup(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)

	// Simulate an unresolved connect-time PTR query.
	c.user.hostDone = false

	s.Dispatch(c.user, "NICK alice")
	s.Dispatch(c.user, "USER ident 0 * :Alice")
	assert.False(t, c.user.Registered(), "registration waits for the DNS challenge")

	lookup := &hostLookup{server: s, user: c.user}
	lookup.OnLookupComplete("client.example.net", 300, false)
	assert.True(t, c.user.Registered())
	assert.Equal(t, "alice!ident@client.example.net", c.user.Hostmask())
}

func TestHostLookupFailureFallsBackToIP(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)
	c.user.hostDone = false

	s.Dispatch(c.user, "NICK alice")
	s.Dispatch(c.user, "USER ident 0 * :Alice")

	lookup := &hostLookup{server: s, user: c.user}
	lookup.OnError(0, "Request timed out")
	assert.True(t, c.user.Registered())
	assert.Equal(t, "alice!ident@192.0.2.10", c.user.Hostmask())
}

func TestUnknownCommandPreRegIsSilent(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)

	s.Dispatch(c.user, "BOGUS")
	c.expectNone("421")
}

func TestUnknownCommandPostReg(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)
	register(t, s, c, "alice")

	s.Dispatch(c.user, "BOGUS x y")
	line := c.expect("421")
	assert.Contains(t, line, "BOGUS")
	assert.Contains(t, line, "Unknown command")
}

func TestCommandBeforeRegistration(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)

	s.Dispatch(c.user, "JOIN #test")
	assert.Contains(t, c.expect("451"), "You have not registered")
}

func TestArityCheck(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)
	register(t, s, c, "alice")

	s.Dispatch(c.user, "KICK #chan")
	line := c.expect("461")
	assert.Contains(t, line, "KICK")
	assert.Contains(t, line, "Not enough parameters")
}

func TestOperOnlyCommand(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)
	register(t, s, c, "alice")

	s.Dispatch(c.user, "USERIP alice")
	assert.Contains(t, c.expect("481"), "You're not an IRC operator")
}

func TestLeadingSourceIsIgnored(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)

	s.Dispatch(c.user, ":spoofed!a@b NICK alice")
	assert.Equal(t, "alice", c.user.nick)
}

func TestNickCollision(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	register(t, s, a, "alice")

	b := connect(t, s)
	s.Dispatch(b.user, "NICK alice")
	assert.Contains(t, b.expect("433"), "Nickname is already in use")
}

func TestJoinAndChannelMessage(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	register(t, s, a, "alice")
	b := connect(t, s)
	register(t, s, b, "bob")

	s.Dispatch(a.user, "JOIN #test")
	assert.Contains(t, a.expect("JOIN"), "#test")
	a.drain()

	s.Dispatch(b.user, "JOIN #test")
	b.drain()

	s.Dispatch(a.user, "PRIVMSG #test :hello world")
	line := b.expect("PRIVMSG")
	assert.True(t, strings.HasPrefix(line, ":alice!ident@"))
	assert.Contains(t, line, "#test :hello world")

	// The sender must not hear their own message back.
	a.expectNone("hello world")
}

func TestFirstJoinerIsOp(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	register(t, s, a, "alice")

	s.Dispatch(a.user, "JOIN #test")
	ch, ok := s.FindChannel("#test")
	require.True(t, ok)
	m := ch.Membership(a.user)
	require.NotNil(t, m)
	assert.True(t, m.Op)

	names := a.expect("353")
	assert.Contains(t, names, "@alice")
}

func TestExternalMessageBlockedByNoExtMsg(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	register(t, s, a, "alice")
	b := connect(t, s)
	register(t, s, b, "bob")

	s.Dispatch(a.user, "JOIN #test")
	a.drain()

	// bob is not on #test; new channels default to +n.
	s.Dispatch(b.user, "PRIVMSG #test :sneaky")
	line := b.expect("404")
	assert.Contains(t, line,
		"#test :You cannot send messages to this channel whilst the +n (noextmsg) mode is set.")
	a.expectNone("sneaky")
}

func TestModeratedChannelBlocksUnvoiced(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	register(t, s, a, "alice")
	b := connect(t, s)
	register(t, s, b, "bob")

	s.Dispatch(a.user, "JOIN #test")
	s.Dispatch(b.user, "JOIN #test")
	s.Dispatch(a.user, "MODE #test +m")
	a.drain()
	b.drain()

	s.Dispatch(b.user, "PRIVMSG #test :quiet please")
	assert.Contains(t, b.expect("404"), "+m (moderated)")

	s.Dispatch(a.user, "MODE #test +v bob")
	b.drain()
	s.Dispatch(b.user, "PRIVMSG #test :now voiced")
	assert.Contains(t, a.expect("PRIVMSG"), "now voiced")
}

func TestChannelModeRequiresOp(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	register(t, s, a, "alice")
	b := connect(t, s)
	register(t, s, b, "bob")

	s.Dispatch(a.user, "JOIN #test")
	s.Dispatch(b.user, "JOIN #test")
	b.drain()

	s.Dispatch(b.user, "MODE #test +t")
	assert.Contains(t, b.expect("482"),
		"You must be a channel operator or higher to change channel modes.")
}

func TestInvalidLimitParam(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	register(t, s, a, "alice")

	s.Dispatch(a.user, "JOIN #test")
	a.drain()

	s.Dispatch(a.user, "MODE #test +l banana")
	line := a.expect("696")
	assert.Contains(t, line, "#test l banana :Invalid limit mode parameter. Syntax: <limit>.")
}

func TestChannelKeyEnforced(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	register(t, s, a, "alice")
	b := connect(t, s)
	register(t, s, b, "bob")

	s.Dispatch(a.user, "JOIN #locked")
	s.Dispatch(a.user, "MODE #locked +k sekrit")
	a.drain()

	s.Dispatch(b.user, "JOIN #locked")
	assert.Contains(t, b.expect("475"), "Cannot join channel (+k)")

	s.Dispatch(b.user, "JOIN #locked sekrit")
	b.expect("JOIN")
}

func TestTopicLock(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	register(t, s, a, "alice")
	b := connect(t, s)
	register(t, s, b, "bob")

	s.Dispatch(a.user, "JOIN #test")
	s.Dispatch(b.user, "JOIN #test")
	b.drain()

	s.Dispatch(b.user, "TOPIC #test :new topic")
	assert.Contains(t, b.expect("482"), "change the topic")

	s.Dispatch(a.user, "TOPIC #test :proper topic")
	assert.Contains(t, b.expect("TOPIC"), "proper topic")

	b.drain()
	s.Dispatch(b.user, "TOPIC #test")
	assert.Contains(t, b.expect("332"), "proper topic")
}

func TestKick(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	register(t, s, a, "alice")
	b := connect(t, s)
	register(t, s, b, "bob")

	s.Dispatch(a.user, "JOIN #test")
	s.Dispatch(b.user, "JOIN #test")
	a.drain()
	b.drain()

	s.Dispatch(b.user, "KICK #test alice :be gone")
	assert.Contains(t, b.expect("482"), "kick users")

	s.Dispatch(a.user, "KICK #test bob :flooding")
	line := b.expect("KICK")
	assert.Contains(t, line, "#test bob flooding")

	ch, ok := s.FindChannel("#test")
	require.True(t, ok)
	assert.Nil(t, ch.Membership(b.user))
}

func TestAwayUsesExtensionItem(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	register(t, s, a, "alice")
	b := connect(t, s)
	register(t, s, b, "bob")

	s.Dispatch(b.user, "AWAY :gone fishing")
	assert.Contains(t, b.expect("306"), "You have been marked as being away")

	stored, ok := s.Away.Get(&b.user.Extensible)
	require.True(t, ok)
	assert.Equal(t, "gone fishing", stored)
	assert.Equal(t, "gone fishing", s.Away.ExtensionItem.Network(&b.user.Extensible))

	s.Dispatch(a.user, "PRIVMSG bob :you there?")
	assert.Contains(t, a.expect("301"), "bob :gone fishing")

	s.Dispatch(b.user, "AWAY")
	assert.Contains(t, b.expect("305"), "no longer marked as being away")
	_, ok = s.Away.Get(&b.user.Extensible)
	assert.False(t, ok)
}

func TestOperWithBcryptCredentials(t *testing.T) {
	s := newTestServer(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	s.Config.Operators = []config.Operator{{Name: "admin", PasswordHash: string(hash)}}
	s.Config.OperModes = "iw"

	var postOperRan bool
	s.Hooks.PostOper.Subscribe("test", func(u *User) error {
		postOperRan = true
		return nil
	})

	c := connect(t, s)
	register(t, s, c, "alice")

	s.Dispatch(c.user, "OPER admin wrongpass")
	assert.Contains(t, c.expect("464"), "Password incorrect")
	assert.False(t, c.user.IsOper())

	s.Dispatch(c.user, "OPER admin hunter2")
	assert.Contains(t, c.expect("381"), "You are now an IRC operator")
	assert.True(t, c.user.IsOper())
	assert.True(t, c.user.Modes.Invisible, "configured oper modes applied")
	assert.True(t, c.user.Modes.Wallops)
	assert.True(t, postOperRan)
}

func TestUserIP(t *testing.T) {
	s := newTestServer(t)
	hash, _ := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	s.Config.Operators = []config.Operator{{Name: "admin", PasswordHash: string(hash)}}

	a := connect(t, s)
	register(t, s, a, "alice")
	s.Dispatch(a.user, "OPER admin pw")
	a.drain()

	b := connect(t, s)
	register(t, s, b, "bob")

	result := s.Dispatch(a.user, "USERIP bob,alice,ghost")
	line := a.expect("340")
	assert.Contains(t, line, "bob=+ident@192.0.2.10")
	assert.Contains(t, line, "alice*=+ident@192.0.2.10")
	assert.NotContains(t, line, "ghost")
	assert.Equal(t, CmdFailure, result, "USERIP never propagates")
}

func TestQuitTearsDownMemberships(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	register(t, s, a, "alice")
	b := connect(t, s)
	register(t, s, b, "bob")

	s.Dispatch(a.user, "JOIN #test")
	s.Dispatch(b.user, "JOIN #test")
	b.drain()

	s.Dispatch(a.user, "QUIT :bye now")
	assert.Contains(t, b.expect("QUIT"), "bye now")
	assert.Equal(t, StateClosed, a.user.State())

	_, found := s.FindUser("alice")
	assert.False(t, found)

	ch, ok := s.FindChannel("#test")
	require.True(t, ok)
	assert.Equal(t, 1, ch.Len())

	// The channel disappears with its last member.
	s.Dispatch(b.user, "PART #test")
	_, ok = s.FindChannel("#test")
	assert.False(t, ok)
}

func TestNickChangeAnnounced(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	register(t, s, a, "alice")
	b := connect(t, s)
	register(t, s, b, "bob")

	s.Dispatch(a.user, "JOIN #test")
	s.Dispatch(b.user, "JOIN #test")
	a.drain()
	b.drain()

	s.Dispatch(a.user, "NICK alicia")
	line := b.expect("NICK")
	assert.True(t, strings.HasPrefix(line, ":alice!ident@"))
	assert.Contains(t, line, "alicia")

	_, oldGone := s.FindUser("alice")
	assert.False(t, oldGone)
	renamed, found := s.FindUser("alicia")
	require.True(t, found)
	assert.Equal(t, a.user, renamed)
}

func TestModuleLoadUnload(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)
	register(t, s, c, "alice")

	mod, err := s.LoadModule("m_hello", func(m *Module) error {
		return m.RegisterCommand(&Command{
			Name:      "HELLO",
			MinParams: 0,
			Handler: func(u *User, params []string) CmdResult {
				u.SendCommand("NOTICE", u.Nick(), "hello back")
				return CmdSuccess
			},
		})
	})
	require.NoError(t, err)

	s.Dispatch(c.user, "HELLO")
	c.expect("hello back")

	_, err = s.LoadModule("m_hello", func(m *Module) error { return nil })
	assert.ErrorIs(t, err, ErrModuleLoaded)

	s.UnloadModule(mod)
	s.Dispatch(c.user, "HELLO")
	assert.Contains(t, c.expect("421"), "Unknown command")
}

func TestClientReadPath(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)

	_, err := unix.Write(c.peer, []byte("NICK alice\r\nUSER ident 0 * :Alice\r\n"))
	require.NoError(t, err)

	c.user.OnReadable()
	assert.True(t, c.user.Registered())
}

func TestClientReadPathPartialLine(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)

	_, err := unix.Write(c.peer, []byte("NICK al"))
	require.NoError(t, err)
	c.user.OnReadable()
	assert.Empty(t, c.user.nick, "incomplete lines wait for their terminator")

	_, err = unix.Write(c.peer, []byte("ice\r\n"))
	require.NoError(t, err)
	c.user.OnReadable()
	assert.Equal(t, "alice", c.user.nick)
}

func TestUnterminatedFloodDisconnects(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)

	junk := make([]byte, MaxLineLength*5)
	for i := range junk {
		junk[i] = 'a'
	}
	unix.Write(c.peer, junk)

	c.user.OnReadable()
	assert.Equal(t, StateClosed, c.user.State())
}

func TestModuleExtensionSweptOnUnload(t *testing.T) {
	s := newTestServer(t)
	c := connect(t, s)
	register(t, s, c, "alice")

	item := ext.NewStringExtItem("", "badge", ext.ExtUser, false)
	deletions := 0
	item.Delete = func(any) { deletions++ }

	mod, err := s.LoadModule("m_badge", func(m *Module) error {
		return m.RegisterExtensionItem(item.ExtensionItem)
	})
	require.NoError(t, err)

	item.Set(&c.user.Extensible, "gold")
	s.UnloadModule(mod)
	assert.Equal(t, 1, deletions)
	_, ok := item.Get(&c.user.Extensible)
	assert.False(t, ok)
}
