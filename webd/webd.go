// Package webd is the operator inspection portal: a small HTTP surface for
// daemon state, extension dumps and prometheus metrics. It runs on its own
// goroutine, so it never touches the core's maps directly — it reads the
// snapshots the dispatch thread publishes (and the prometheus registry,
// which is concurrency-safe).
package webd

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hexwell/ircd/irc"
)

// Portal serves the operator endpoints for one server instance.
type Portal struct {
	server *irc.Server
	echo   *echo.Echo
}

// New builds the portal routes.
func New(server *irc.Server) *Portal {
	p := &Portal{
		server: server,
		echo:   echo.New(),
	}
	p.echo.HideBanner = true
	p.echo.GET("/stats", p.getStats)
	p.echo.GET("/extensions", p.getExtensions)
	p.echo.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(server.Stats.Registry, promhttp.HandlerOpts{})))
	return p
}

// Start begins serving; blocks, so callers run it in its own goroutine.
func (p *Portal) Start(address string) error {
	return p.echo.Start(address)
}

// Handler exposes the route tree for tests.
func (p *Portal) Handler() http.Handler { return p.echo }

type statsResponse struct {
	ServerName string `json:"server_name"`
	Network    string `json:"network"`
	Users      int    `json:"users"`
	Channels   int    `json:"channels"`
	DNSPending int    `json:"dns_pending"`
}

func (p *Portal) getStats(c echo.Context) error {
	name, network := p.server.SnapshotIdentity()
	users, channels := p.server.SnapshotCounts()
	resp := statsResponse{
		ServerName: name,
		Network:    network,
		Users:      users,
		Channels:   channels,
	}
	if p.server.DNS != nil {
		resp.DNSPending = p.server.DNS.InFlight()
	}
	return c.JSON(http.StatusOK, resp)
}

func (p *Portal) getExtensions(c echo.Context) error {
	out := p.server.SnapshotExtensions()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return c.JSON(http.StatusOK, out)
}
