//go:build linux

package events

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pollEngine is a purely level-triggered backend over poll(2). Edge interest
// degrades to level notification, which is honest for every consumer that
// drains before returning. Selected with engine backend "poll".
type pollEngine struct {
	fdTable
	pollfds []unix.PollFd
	dirty   bool
}

// NewPoll creates a poll(2) engine sized from RLIMIT_NOFILE.
func NewPoll() (Engine, error) {
	max, err := maxDescriptors()
	if err != nil {
		return nil, err
	}
	return &pollEngine{fdTable: newFdTable(max)}, nil
}

// maskToPoll translates an event mask into poll(2) bits. Every Want bit maps
// to level-triggered interest.
func maskToPoll(mask int) int16 {
	var ev int16
	if mask&WantRead != 0 {
		ev |= unix.POLLIN
	}
	if mask&WantWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func (e *pollEngine) Add(eh EventHandler, mask int) error {
	if err := e.attach(eh, mask); err != nil {
		return err
	}
	e.dirty = true
	return nil
}

func (e *pollEngine) Del(eh EventHandler, force bool) error {
	fd := eh.Fd()
	if !e.inRange(fd) || e.refs[fd] == nil {
		if force {
			return nil
		}
		return fmt.Errorf("%w: fd %d", ErrNotRegistered, fd)
	}
	e.detach(fd)
	e.dirty = true
	return nil
}

func (e *pollEngine) SetMask(eh EventHandler, mask int) {
	fd := eh.Fd()
	if !e.inRange(fd) || e.refs[fd] == nil {
		return
	}
	if maskToPoll(e.masks[fd]) != maskToPoll(mask) {
		e.dirty = true
	}
	e.masks[fd] = mask
}

func (e *pollEngine) Mask(eh EventHandler) int { return e.mask(eh) }

// rebuild regenerates the pollfd set from the descriptor table.
func (e *pollEngine) rebuild() {
	e.pollfds = e.pollfds[:0]
	for fd, eh := range e.refs {
		if eh == nil {
			continue
		}
		ev := maskToPoll(e.masks[fd])
		if ev == 0 {
			continue
		}
		e.pollfds = append(e.pollfds, unix.PollFd{Fd: int32(fd), Events: ev})
	}
	e.dirty = false
}

func (e *pollEngine) Dispatch(maxWaitMs int) int {
	if e.dirty {
		e.rebuild()
	}
	if len(e.pollfds) == 0 {
		return 0
	}
	n, err := unix.Poll(e.pollfds, maxWaitMs)
	if err != nil || n == 0 {
		return 0
	}

	for i := range e.pollfds {
		revents := e.pollfds[i].Revents
		if revents == 0 {
			continue
		}
		fd := int(e.pollfds[i].Fd)
		eh := e.get(fd)
		if eh == nil {
			continue
		}
		if revents&unix.POLLHUP != 0 {
			eh.OnError(0)
			continue
		}
		if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			errcode, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
			if serr != nil {
				errcode = int(unix.EIO)
			}
			eh.OnError(errcode)
			continue
		}
		if revents&unix.POLLIN != 0 {
			if e.get(fd) != eh {
				continue
			}
			e.clearForDelivery(eh, fd, false)
			eh.OnReadable()
		}
		if revents&unix.POLLOUT != 0 {
			if e.get(fd) != eh {
				continue
			}
			e.clearForDelivery(eh, fd, true)
			eh.OnWritable()
		}
	}
	return n
}

func (e *pollEngine) clearForDelivery(eh EventHandler, fd int, write bool) {
	mask := e.masks[fd]
	var next int
	if write {
		next = mask &^ (WriteWillBlock | WantFastWrite)
	} else {
		next = mask &^ (ReadWillBlock | WantFastRead)
	}
	if next != mask {
		e.SetMask(eh, next)
	}
}

func (e *pollEngine) Len() int { return e.count }

func (e *pollEngine) Name() string { return "poll" }

func (e *pollEngine) Close() error { return nil }
