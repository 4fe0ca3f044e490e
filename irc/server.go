package irc

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/hexwell/ircd/dnsresolver"
	"github.com/hexwell/ircd/events"
	"github.com/hexwell/ircd/ext"
	"github.com/hexwell/ircd/irc/config"
	"github.com/hexwell/ircd/logging"
	"github.com/hexwell/ircd/stats"
	"github.com/hexwell/ircd/timers"
)

// Server is the explicit context every subsystem hangs off: no singletons,
// tests build a fresh one per case. One goroutine owns it; nothing in here
// is safe for concurrent use.
type Server struct {
	Config *config.Config
	Log    logging.Logger
	Clock  timers.Clock
	Stats  *stats.ServerStats

	Engine   events.Engine
	Timers   *timers.Manager
	DNS      *dnsresolver.Resolver
	Exts     *ext.Registry
	Commands *CommandTable
	Hooks    *Hooks

	// Away is the core-owned syncable away-message extension.
	Away ext.StringExtItem

	users    map[int]*User
	nicks    map[string]*User
	channels map[string]*Channel

	listener *listenHandler
	modules  moduleTable
	stopping bool
	stopped  bool

	// snap is the only state the web portal goroutine may read; the
	// dispatch thread refreshes it whenever the underlying maps change.
	snap struct {
		mu         sync.RWMutex
		name       string
		network    string
		users      int
		channels   int
		extensions []ExtensionInfo
	}
}

// ExtensionInfo describes one registered extension item for inspection.
type ExtensionInfo struct {
	Key    string `json:"key"`
	Owner  string `json:"owner"`
	Type   string `json:"type"`
	Synced bool   `json:"synced"`
}

// NewServer assembles a server context. A socket engine that cannot
// initialize is fatal and surfaces as an error; a resolver that cannot open
// its socket only costs hostname resolution and is logged instead.
func NewServer(cfg *config.Config, log logging.Logger) (*Server, error) {
	engine, err := events.New(cfg.Engine.Backend)
	if err != nil {
		return nil, fmt.Errorf("irc: socket engine: %w", err)
	}

	clock := timers.SystemClock{}
	s := &Server{
		Config:   cfg,
		Log:      log,
		Clock:    clock,
		Stats:    stats.New(),
		Engine:   engine,
		Timers:   timers.NewManager(clock),
		Exts:     ext.NewRegistry(),
		Commands: NewCommandTable(),
		Hooks:    NewHooks(),
		users:    make(map[int]*User),
		nicks:    make(map[string]*User),
		channels: make(map[string]*Channel),
	}

	s.DNS, err = dnsresolver.New(dnsresolver.Config{
		Server:      cfg.DNS.Server,
		Port:        cfg.DNS.Port,
		TimeoutSecs: cfg.DNS.Timeout,
	}, s.Engine, s.Timers, s.Clock, s.Log, s.Stats)
	if err != nil {
		s.Log.Log("RESOLVER", logging.Default, "Error starting DNS - hostnames will NOT resolve: %v", err)
		s.DNS = nil
	}

	s.registerCoreExtensions()
	s.registerCoreCommands()
	s.syncIdentity()
	return s, nil
}

// syncIdentity publishes the configured server identity for the portal
// goroutine; refreshed after every rehash.
func (s *Server) syncIdentity() {
	s.snap.mu.Lock()
	s.snap.name = s.Config.Server.Name
	s.snap.network = s.Config.Server.Network
	s.snap.mu.Unlock()
}

// SnapshotIdentity returns the published server name and network. Safe from
// any goroutine.
func (s *Server) SnapshotIdentity() (name, network string) {
	s.snap.mu.RLock()
	defer s.snap.mu.RUnlock()
	return s.snap.name, s.snap.network
}

// registerCoreExtensions installs the extension items the core itself owns.
func (s *Server) registerCoreExtensions() {
	s.Away = ext.NewStringExtItem("core", "away-message", ext.ExtUser, true)
	if err := s.Exts.Register(s.Away.ExtensionItem); err != nil {
		panic(err) // core keys are unique by construction
	}
	s.refreshExtensionSnapshot()
}

// syncCounts publishes the current map sizes for the portal goroutine.
func (s *Server) syncCounts() {
	s.snap.mu.Lock()
	s.snap.users = len(s.users)
	s.snap.channels = len(s.channels)
	s.snap.mu.Unlock()
}

// refreshExtensionSnapshot republishes the registered extension items.
// Called after every registration change; the registry itself is only ever
// touched on the dispatch thread.
func (s *Server) refreshExtensionSnapshot() {
	items := s.Exts.Items()
	fresh := make([]ExtensionInfo, 0, len(items))
	for key, item := range items {
		owner := item.Owner
		if owner == "" {
			owner = "core"
		}
		fresh = append(fresh, ExtensionInfo{
			Key:    key,
			Owner:  owner,
			Type:   item.Type.String(),
			Synced: item.Synced,
		})
	}
	s.snap.mu.Lock()
	s.snap.extensions = fresh
	s.snap.mu.Unlock()
}

// SnapshotCounts returns the published user and channel counts. Safe from
// any goroutine.
func (s *Server) SnapshotCounts() (users, channels int) {
	s.snap.mu.RLock()
	defer s.snap.mu.RUnlock()
	return s.snap.users, s.snap.channels
}

// SnapshotExtensions returns the published extension listing. Safe from any
// goroutine.
func (s *Server) SnapshotExtensions() []ExtensionInfo {
	s.snap.mu.RLock()
	defer s.snap.mu.RUnlock()
	out := make([]ExtensionInfo, len(s.snap.extensions))
	copy(out, s.snap.extensions)
	return out
}

// Name returns the server's configured name, used as the prefix on every
// line it originates.
func (s *Server) Name() string { return s.Config.Server.Name }

// Listen opens the client listener and hooks it into the engine.
func (s *Server) Listen() error {
	fd, err := openListener(s.Config.Server.Host, s.Config.Server.Port)
	if err != nil {
		return err
	}
	s.listener = &listenHandler{server: s, fd: fd}
	if err := s.Engine.Add(s.listener, events.WantPollRead); err != nil {
		unix.Close(fd)
		s.listener = nil
		return fmt.Errorf("irc: registering listener: %w", err)
	}
	s.Log.Log("SOCKET", logging.Default, "Listening on %s", s.Config.ListenAddress())
	return nil
}

// Run drives the daemon: one dispatch pass, then due timers, until a stop is
// requested. Timer callbacks interleave between I/O passes, never within
// one. Teardown happens here, on the owning thread.
func (s *Server) Run() {
	for !s.stopping {
		s.Engine.Dispatch(1000)
		s.Timers.TickTimers()
	}
	s.Stop()
}

// RequestStop asks the dispatch loop to exit; safe to call from a signal
// goroutine since it only raises a flag.
func (s *Server) RequestStop() { s.stopping = true }

// Stop shuts the daemon down: all clients get a quit, then the sockets and
// the engine close.
func (s *Server) Stop() {
	if s.stopped {
		return
	}
	s.stopping = true
	s.stopped = true

	for _, u := range s.users {
		u.SendCommand("ERROR", "Server shutting down")
		s.QuitUser(u, "Server shutting down")
	}
	if s.listener != nil {
		s.Engine.Del(s.listener, true)
		unix.Close(s.listener.fd)
		s.listener = nil
	}
	if s.DNS != nil {
		s.DNS.Close()
	}
	s.Engine.Close()
}

// Rehash reloads configuration and re-opens the resolver socket, then runs
// the rehash hooks.
func (s *Server) Rehash() error {
	fresh, err := s.Config.Reload()
	if err != nil {
		return err
	}
	*s.Config = *fresh
	s.syncIdentity()

	if s.DNS != nil {
		if err := s.DNS.Rehash(s.Config.DNS.Server); err != nil {
			s.Log.Log("RESOLVER", logging.Default, "Rehash: resolver restart failed: %v", err)
		}
	}
	s.Hooks.Rehash.Run(s)
	return nil
}

// FindUser resolves a nickname, case-insensitively.
func (s *Server) FindUser(nick string) (*User, bool) {
	u, ok := s.nicks[strings.ToLower(nick)]
	return u, ok
}

// FindChannel resolves a channel name, case-insensitively.
func (s *Server) FindChannel(name string) (*Channel, bool) {
	c, ok := s.channels[strings.ToLower(name)]
	return c, ok
}

// getOrCreateChannel returns the channel, creating it on first join.
func (s *Server) getOrCreateChannel(name string) *Channel {
	if c, ok := s.FindChannel(name); ok {
		return c
	}
	c := newChannel(s, name)
	s.channels[strings.ToLower(name)] = c
	s.syncCounts()
	return c
}

// reapChannel drops an empty channel.
func (s *Server) reapChannel(c *Channel) {
	if c.Len() > 0 {
		return
	}
	s.Exts.Detach(&c.Extensible)
	c.FreeAllExtItems()
	delete(s.channels, strings.ToLower(c.name))
	s.syncCounts()
}

// UserCount returns the number of connections, registered or not.
func (s *Server) UserCount() int { return len(s.users) }

// ChannelCount returns the number of live channels.
func (s *Server) ChannelCount() int { return len(s.channels) }

// Users visits every connection.
func (s *Server) Users(visit func(*User)) {
	for _, u := range s.users {
		visit(u)
	}
}

// Channels visits every channel.
func (s *Server) Channels(visit func(*Channel)) {
	for _, c := range s.channels {
		visit(c)
	}
}

// AddUser wires an accepted descriptor into the engine and starts the
// connect-time reverse lookup that gates registration.
func (s *Server) AddUser(fd int, ip string) (*User, error) {
	u := newUser(s, fd, ip)
	if err := s.Engine.Add(u, events.WantPollRead); err != nil {
		s.Exts.Detach(&u.Extensible)
		return nil, fmt.Errorf("irc: registering client fd %d: %w", fd, err)
	}
	s.users[fd] = u
	s.syncCounts()
	s.Stats.Accepts.Inc()

	s.startHostLookup(u)
	return u, nil
}

// startHostLookup issues the PTR query for the peer address. Without a
// resolver the IP stands in for the hostname and registration is not gated.
func (s *Server) startHostLookup(u *User) {
	if s.DNS == nil {
		u.hostDone = true
		return
	}
	u.SendCommand("NOTICE", u.Nick(), "*** Looking up your hostname...")
	err := s.DNS.Resolve(u.ip, dnsresolver.QueryPTR, func(id int) dnsresolver.Consumer {
		return &hostLookup{id: id, server: s, user: u}
	})
	if err != nil {
		u.hostDone = true
		s.tryRegister(u)
	}
}

// tryRegister completes registration once NICK, USER and the hostname
// challenge have all been satisfied.
func (s *Server) tryRegister(u *User) {
	if u.state == StateRegistered || u.state == StateQuitting || u.state == StateClosed {
		return
	}
	if !u.hasNick || !u.hasUser || !u.hostDone {
		return
	}
	u.state = StateRegistered

	u.SendNumeric(NewNumeric(RPL_WELCOME,
		fmt.Sprintf("Welcome to the %s IRC Network %s", s.Config.Server.Network, u.Hostmask())))
	u.SendNumeric(NewNumeric(RPL_YOURHOST,
		fmt.Sprintf("Your host is %s, running version %s", s.Name(), Version)))
	u.SendNumeric(NewNumeric(RPL_CREATED, "This server was created recently"))
	u.SendNumeric(NewNumeric(RPL_MYINFO, s.Name(), Version, "iwo", "ntmikl"))

	s.Hooks.UserRegistered.Run(u)
}

// QuitUser disconnects a user: announcement, channel teardown, engine
// removal, extension cleanup.
func (s *Server) QuitUser(u *User, reason string) {
	if u.state == StateQuitting || u.state == StateClosed {
		return
	}
	wasRegistered := u.Registered()
	u.state = StateQuitting

	s.Hooks.UserQuit.Run(u)

	if wasRegistered {
		// Each peer sharing a channel hears the quit exactly once.
		notified := make(map[*User]bool)
		for c := range u.channels {
			for member := range c.members {
				if member != u && !notified[member] {
					notified[member] = true
					member.SendFrom(u, "QUIT", reason)
				}
			}
		}
	}

	for c := range u.channels {
		c.part(u)
		s.reapChannel(c)
	}

	if u.nick != "" {
		delete(s.nicks, strings.ToLower(u.nick))
	}
	delete(s.users, u.fd)
	s.syncCounts()

	s.Engine.Del(u, true)
	if u.fd >= 0 {
		unix.Close(u.fd)
	}

	s.Exts.Detach(&u.Extensible)
	u.FreeAllExtItems()
	u.state = StateClosed
}

// changeNick moves a user in the nick table.
func (s *Server) changeNick(u *User, nick string) {
	if u.nick != "" {
		delete(s.nicks, strings.ToLower(u.nick))
	}
	u.setNick(nick)
	s.nicks[strings.ToLower(nick)] = u
}

// listenHandler accepts inbound connections; it is the third kind of
// handler on the engine besides clients and the resolver.
type listenHandler struct {
	server *Server
	fd     int
}

func (l *listenHandler) Fd() int { return l.fd }

func (l *listenHandler) OnReadable() {
	for {
		nfd, sa, err := unix.Accept(l.fd)
		if err != nil {
			// EAGAIN means the backlog is drained.
			return
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}
		ip := sockaddrIP(sa)
		if _, err := l.server.AddUser(nfd, ip); err != nil {
			l.server.Log.Log("SOCKET", logging.Default, "Dropping connection from %s: %v", ip, err)
			unix.Close(nfd)
		}
	}
}

func (l *listenHandler) OnWritable() {}

func (l *listenHandler) OnError(code int) {
	l.server.Log.Log("SOCKET", logging.Default, "Listener error %d", code)
}

// openListener creates the nonblocking TCP listener socket.
func openListener(host string, port int) (int, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return -1, fmt.Errorf("irc: invalid listen address %q", host)
	}

	family := unix.AF_INET
	if ip.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("irc: listener socket: %w", err)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var sa unix.Sockaddr
	if family == unix.AF_INET6 {
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	} else {
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], ip.To4())
		sa = sa4
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("irc: bind %s:%d: %w", host, port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("irc: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("irc: listener nonblocking: %w", err)
	}
	return fd, nil
}

func sockaddrIP(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String()
	}
	return "unknown"
}

// hostLookup is the resolver consumer gating registration on the
// connect-time PTR query.
type hostLookup struct {
	id     int
	server *Server
	user   *User
}

func (h *hostLookup) ID() int { return h.id }

func (h *hostLookup) Creator() string { return "" }

func (h *hostLookup) OnLookupComplete(result string, ttl uint32, cached bool) {
	u := h.user
	if u.state == StateQuitting || u.state == StateClosed {
		return
	}
	if isValidHostname(result) {
		u.host = result
		u.SendCommand("NOTICE", u.Nick(), "*** Found your hostname ("+result+")")
	} else {
		u.SendCommand("NOTICE", u.Nick(), "*** Your hostname is invalid, using your IP address instead")
	}
	u.hostDone = true
	h.server.tryRegister(u)
}

func (h *hostLookup) OnError(kind dnsresolver.ResolverError, message string) {
	u := h.user
	if u.state == StateQuitting || u.state == StateClosed {
		return
	}
	u.SendCommand("NOTICE", u.Nick(), "*** Could not resolve your hostname, using your IP address instead")
	u.hostDone = true
	h.server.tryRegister(u)
}

// isValidHostname bounds resolved names before they replace the IP.
func isValidHostname(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, ch := range name {
		if !((ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') || ch == '-' || ch == '.') {
			return false
		}
	}
	return true
}

// Version identifies the daemon in RPL_YOURHOST and RPL_MYINFO.
const Version = "hexwell-ircd-1.0"
