// Package stats holds the daemon's increment-only counters, exported through
// a per-instance prometheus registry so tests and multiple servers in one
// process never collide.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerStats is the set of counters the core maintains. Counters only go up;
// gauges are derived by the web portal from live state instead.
type ServerStats struct {
	Registry *prometheus.Registry

	Accepts    prometheus.Counter
	Sent       prometheus.Counter
	Recv       prometheus.Counter
	DNSGood    prometheus.Counter
	DNSBad     prometheus.Counter
	DNSTotal   prometheus.Counter
	Collisions prometheus.Counter
}

// New creates a fresh counter set on its own registry.
func New() *ServerStats {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &ServerStats{
		Registry: reg,
		Accepts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ircd_accepts_total",
			Help: "Connections accepted.",
		}),
		Sent: factory.NewCounter(prometheus.CounterOpts{
			Name: "ircd_lines_sent_total",
			Help: "Protocol lines written to clients.",
		}),
		Recv: factory.NewCounter(prometheus.CounterOpts{
			Name: "ircd_lines_recv_total",
			Help: "Protocol lines read from clients.",
		}),
		DNSGood: factory.NewCounter(prometheus.CounterOpts{
			Name: "ircd_dns_good_total",
			Help: "DNS lookups answered successfully.",
		}),
		DNSBad: factory.NewCounter(prometheus.CounterOpts{
			Name: "ircd_dns_bad_total",
			Help: "DNS lookups that failed.",
		}),
		DNSTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ircd_dns_total",
			Help: "DNS lookups completed, success or failure.",
		}),
		Collisions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ircd_nick_collisions_total",
			Help: "Nickname collisions observed.",
		}),
	}
}
