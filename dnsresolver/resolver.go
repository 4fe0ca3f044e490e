package dnsresolver

import (
	crand "crypto/rand"
	"errors"
	"fmt"
	randv2 "math/rand/v2"
	"net"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/hexwell/ircd/events"
	"github.com/hexwell/ircd/logging"
	"github.com/hexwell/ircd/stats"
	"github.com/hexwell/ircd/timers"
)

// ResolverError classifies the terminal failure handed to a consumer.
type ResolverError int

const (
	// NSDown: the resolver socket could not be opened or the send failed.
	NSDown ResolverError = iota
	// NXDomain: authoritative negative answer, or an unparseable reply.
	NXDomain
	// Timeout: no reply arrived within the configured window.
	Timeout
	// ForceUnload: the consumer's owning module is being unloaded.
	ForceUnload
)

// Consumer receives exactly one terminal callback per lookup: either
// OnLookupComplete or OnError, never both, never twice. The resolver owns the
// consumer until that callback returns.
type Consumer interface {
	// ID is the request id this consumer is bound to.
	ID() int

	// OnLookupComplete delivers the answer. cached reports whether it came
	// from the reply cache without a network round trip.
	OnLookupComplete(result string, ttl uint32, cached bool)

	// OnError delivers a terminal failure with a loggable reason.
	OnError(kind ResolverError, message string)

	// Creator names the owning module; the empty string marks core lookups.
	Creator() string
}

// Config carries the collaborator-supplied resolver settings.
type Config struct {
	// Server is the nameserver IP. Required.
	Server string

	// Port overrides the nameserver port; 0 means 53.
	Port int

	// TimeoutSecs is the per-request timeout; 0 means 5.
	TimeoutSecs int64
}

const (
	defaultQueryPort   = 53
	defaultTimeoutSecs = 5
	cachePruneInterval = 3600
)

var (
	// ErrSocketClosed means the resolver has no open nameserver socket.
	ErrSocketClosed = errors.New("dnsresolver: socket not open")

	// ErrSlotOccupied means a consumer is already bound to the request id.
	ErrSlotOccupied = errors.New("dnsresolver: consumer slot occupied")

	// ErrBadID rejects consumers with out-of-range ids.
	ErrBadID = errors.New("dnsresolver: invalid request id")
)

// request is one in-flight query.
type request struct {
	id      uint16
	qtype   QueryType
	orig    string
	timeout *timers.Timer
}

// Resolver owns the UDP socket, the sparse in-flight table, the consumer
// slots and the reply cache. It is an events.EventHandler registered for
// level-triggered reads.
type Resolver struct {
	engine  events.Engine
	timerMg *timers.Manager
	clock   timers.Clock
	log     logging.Logger
	stats   *stats.ServerStats

	fd         int
	server     net.IP
	port       int
	family     int
	ip6munge   bool
	timeoutSec int64

	requests  []*request
	consumers []Consumer
	cache     *Cache
	prng      *randv2.Rand
	inflight  atomic.Int64

	pruneTimer *timers.Timer
}

// New opens the resolver socket against cfg.Server and hooks it into the
// engine. The cache prune timer is armed for every hour.
func New(cfg Config, engine events.Engine, timerMg *timers.Manager, clock timers.Clock, log logging.Logger, st *stats.ServerStats) (*Resolver, error) {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("dnsresolver: seeding prng: %w", err)
	}

	r := &Resolver{
		engine:     engine,
		timerMg:    timerMg,
		clock:      clock,
		log:        log,
		stats:      st,
		fd:         -1,
		port:       cfg.Port,
		timeoutSec: cfg.TimeoutSecs,
		requests:   make([]*request, maxRequestID+1),
		consumers:  make([]Consumer, maxRequestID+1),
		cache:      NewCache(clock),
		prng:       randv2.New(randv2.NewChaCha8(seed)),
	}
	if r.port == 0 {
		r.port = defaultQueryPort
	}
	if r.timeoutSec == 0 {
		r.timeoutSec = defaultTimeoutSecs
	}

	if err := r.Rehash(cfg.Server); err != nil {
		return nil, err
	}

	r.pruneTimer = timerMg.AddTimer(cachePruneInterval, true, func() {
		dropped := r.cache.Prune()
		r.log.Log("RESOLVER", logging.Debug, "Pruned %d expired cache entries", dropped)
	})
	return r, nil
}

// Rehash (re)opens the nameserver socket. Used at startup and when the
// configuration is reloaded; a live cache survives a rehash after a prune.
func (r *Resolver) Rehash(server string) error {
	if r.fd >= 0 {
		r.engine.Del(r, true)
		unix.Close(r.fd)
		r.fd = -1
		r.cache.Prune()
	}

	ip := net.ParseIP(server)
	if ip == nil {
		return fmt.Errorf("dnsresolver: invalid nameserver address %q", server)
	}
	r.server = ip

	// Using IPv4 addresses bridged over IPv6 disables the reply source
	// check, which cannot see through the mapping.
	r.ip6munge = strings.HasPrefix(strings.ToLower(server), "::ffff:")

	r.family = unix.AF_INET
	if ip.To4() == nil {
		r.family = unix.AF_INET6
	}

	fd, err := unix.Socket(r.family, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("dnsresolver: creating socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("dnsresolver: setting nonblocking: %w", err)
	}
	r.fd = fd

	if err := r.engine.Add(r, events.WantPollRead); err != nil {
		unix.Close(fd)
		r.fd = -1
		return fmt.Errorf("dnsresolver: registering socket: %w", err)
	}

	r.log.Log("RESOLVER", logging.Debug, "Resolver socket open against %s:%d", server, r.port)
	return nil
}

// Close tears the resolver down. In-flight consumers are not notified; the
// daemon only closes the resolver at exit.
func (r *Resolver) Close() {
	if r.pruneTimer != nil {
		r.timerMg.DelTimer(r.pruneTimer)
		r.pruneTimer = nil
	}
	if r.fd >= 0 {
		r.engine.Del(r, true)
		unix.Close(r.fd)
		r.fd = -1
	}
}

// Fd implements events.EventHandler.
func (r *Resolver) Fd() int { return r.fd }

// OnWritable implements events.EventHandler; the resolver never asks for
// write readiness.
func (r *Resolver) OnWritable() {}

// OnError implements events.EventHandler.
func (r *Resolver) OnError(code int) {
	r.log.Log("RESOLVER", logging.Default, "Resolver socket error %d", code)
}

// LookupA starts a forward IPv4 lookup and returns the request id.
func (r *Resolver) LookupA(name string) (int, error) {
	return r.send(name, name, QueryA)
}

// LookupAAAA starts a forward IPv6 lookup.
func (r *Resolver) LookupAAAA(name string) (int, error) {
	return r.send(name, name, QueryAAAA)
}

// LookupCNAME starts an alias lookup.
func (r *Resolver) LookupCNAME(alias string) (int, error) {
	return r.send(alias, alias, QueryCNAME)
}

// LookupPTR starts a reverse lookup for the given textual IP. The original
// IP, not the arpa name, keys the request and the cache.
func (r *Resolver) LookupPTR(ip string) (int, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return -1, fmt.Errorf("dnsresolver: invalid IP %q", ip)
	}
	var arpa string
	if parsed.To4() != nil {
		arpa = reverseDomainV4(parsed)
	} else {
		arpa = reverseDomainV6(parsed)
	}
	return r.send(arpa, ip, QueryPTR)
}

// send allocates an id, builds the datagram, records the in-flight request
// and arms its timeout timer.
func (r *Resolver) send(wireName, orig string, qt QueryType) (int, error) {
	if r.fd < 0 {
		return -1, ErrSocketClosed
	}

	id := r.allocateID()
	msg, err := encodeQuery(id, wireName, qt)
	if err != nil {
		return -1, err
	}

	req := &request{id: id, qtype: qt, orig: orig}
	r.requests[id] = req
	r.inflight.Add(1)
	req.timeout = r.timerMg.AddTimer(r.timeoutSec, false, func() {
		r.expire(req)
	})

	if err := unix.Sendto(r.fd, msg, 0, r.serverSockaddr()); err != nil {
		r.timerMg.DelTimer(req.timeout)
		r.requests[id] = nil
		r.inflight.Add(-1)
		return -1, fmt.Errorf("dnsresolver: send: %w", err)
	}
	return int(id), nil
}

// allocateID draws ids from the seeded PRNG until it finds a free slot. The
// id space is 65536 wide and the daemon never keeps anywhere near that many
// lookups in flight.
func (r *Resolver) allocateID() uint16 {
	id := uint16(r.prng.Uint64() & maxRequestID)
	for r.requests[id] != nil {
		id = uint16(r.prng.Uint64() & maxRequestID)
	}
	return id
}

func (r *Resolver) serverSockaddr() unix.Sockaddr {
	if r.family == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: r.port}
		copy(sa.Addr[:], r.server.To16())
		return sa
	}
	sa := &unix.SockaddrInet4{Port: r.port}
	copy(sa.Addr[:], r.server.To4())
	return sa
}

// AddResolver binds a consumer to its request id. The slot must be free.
func (r *Resolver) AddResolver(c Consumer) error {
	id := c.ID()
	if id < 0 || id > maxRequestID {
		return ErrBadID
	}
	if r.consumers[id] != nil {
		return fmt.Errorf("%w: id %d", ErrSlotOccupied, id)
	}
	r.consumers[id] = c
	return nil
}

// Resolve is the high-level entry point: it consults the cache and either
// triggers the consumer immediately with cached=true, or starts the network
// lookup and binds the consumer built by mk to the allocated id. mk receives
// -1 for cache hits.
func (r *Resolver) Resolve(source string, qt QueryType, mk func(id int) Consumer) error {
	if answer, ttl, ok := r.cache.Lookup(source); ok {
		mk(-1).OnLookupComplete(answer, ttl, true)
		return nil
	}

	var id int
	var err error
	switch qt {
	case QueryA:
		id, err = r.LookupA(source)
	case QueryAAAA:
		id, err = r.LookupAAAA(source)
	case QueryCNAME:
		id, err = r.LookupCNAME(source)
	case QueryPTR:
		id, err = r.LookupPTR(source)
	default:
		return fmt.Errorf("dnsresolver: unsupported query type %s", qt)
	}
	if err != nil {
		mk(-1).OnError(NSDown, "Nameserver is down")
		return err
	}
	return r.AddResolver(mk(id))
}

// CacheLookup exposes the reply cache.
func (r *Resolver) CacheLookup(source string) (string, uint32, bool) {
	return r.cache.Lookup(source)
}

// CacheDelete drops one cache entry.
func (r *Resolver) CacheDelete(source string) { r.cache.Delete(source) }

// PruneCache drops expired entries and returns the number removed.
func (r *Resolver) PruneCache() int { return r.cache.Prune() }

// ClearCache empties the cache and returns the number of entries removed.
func (r *Resolver) ClearCache() int { return r.cache.Clear() }

// InFlight returns the number of outstanding requests. Tracked atomically
// so the web portal may read it from its own goroutine.
func (r *Resolver) InFlight() int {
	return int(r.inflight.Load())
}

// OnReadable drains one reply datagram. Short datagrams, datagrams from
// another source and replies with an unknown id are dropped silently. A reply
// for a pending request frees it; if that reply does not parse, the consumer
// gets an NXDomain error.
func (r *Resolver) OnReadable() {
	buf := make([]byte, 1024)
	n, from, err := unix.Recvfrom(r.fd, buf, 0)
	if err != nil {
		return
	}
	if n < headerLen {
		return
	}

	// Replies must come from the nameserver we queried, on the port the
	// query went to (53 unless configured otherwise). An
	// off-path attacker then still has to guess the unpredictable id, but
	// this stops the trivial spoof. The check cannot work under 4-in-6
	// bridging.
	if !r.ip6munge && !r.sourceIsServer(from) {
		return
	}

	h := decodeHeader(buf[:n])
	req := r.requests[h.id]
	if req == nil {
		// A reply for a request we never made, or one that already timed
		// out.
		return
	}
	r.requests[h.id] = nil
	r.inflight.Add(-1)
	r.timerMg.DelTimer(req.timeout)

	consumer := r.consumers[h.id]
	r.consumers[h.id] = nil

	result, ttl, perr := parseReply(h, req.qtype)

	if consumer == nil {
		return
	}
	if perr != nil {
		r.stats.DNSBad.Inc()
		r.stats.DNSTotal.Inc()
		consumer.OnError(NXDomain, perr.Error())
		return
	}

	r.stats.DNSGood.Inc()
	r.stats.DNSTotal.Inc()
	r.cache.Insert(req.orig, result, ttl)
	consumer.OnLookupComplete(result, ttl, false)
}

func (r *Resolver) sourceIsServer(from unix.Sockaddr) bool {
	switch sa := from.(type) {
	case *unix.SockaddrInet4:
		return sa.Port == r.port && net.IP(sa.Addr[:]).Equal(r.server)
	case *unix.SockaddrInet6:
		return sa.Port == r.port && net.IP(sa.Addr[:]).Equal(r.server)
	}
	return false
}

// expire fires when a request's timeout timer goes off. The slot is checked
// against the exact request instance so a recycled id never mis-fires.
func (r *Resolver) expire(req *request) {
	if r.requests[req.id] != req {
		return
	}
	r.requests[req.id] = nil
	r.inflight.Add(-1)

	consumer := r.consumers[req.id]
	r.consumers[req.id] = nil
	if consumer != nil {
		r.stats.DNSBad.Inc()
		r.stats.DNSTotal.Inc()
		consumer.OnError(Timeout, "Request timed out")
	}
}

// CleanResolvers fires ForceUnload on every consumer belonging to the named
// module and frees their slots. Called while the module is being unloaded.
func (r *Resolver) CleanResolvers(module string) {
	for id, consumer := range r.consumers {
		if consumer == nil || consumer.Creator() != module {
			continue
		}
		r.consumers[id] = nil
		if req := r.requests[id]; req != nil {
			r.timerMg.DelTimer(req.timeout)
			r.requests[id] = nil
			r.inflight.Add(-1)
		}
		consumer.OnError(ForceUnload, "Parent module is unloading")
	}
}
