//go:build linux

package events

import "fmt"

// New creates the engine for the named backend; the empty string selects the
// platform default.
func New(backend string) (Engine, error) {
	switch backend {
	case "", "epoll":
		return NewEpoll()
	case "poll":
		return NewPoll()
	default:
		return nil, fmt.Errorf("events: unknown backend %q", backend)
	}
}
