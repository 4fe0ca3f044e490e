//go:build linux

package events

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epollEngine is the default Linux backend. Descriptors with only fast/edge
// interest run in edge-triggered mode; any poll interest on a descriptor
// forces level mode for that descriptor.
type epollEngine struct {
	fdTable
	epfd   int
	events []unix.EpollEvent
}

// NewEpoll creates an edge-capable epoll engine sized from RLIMIT_NOFILE.
func NewEpoll() (Engine, error) {
	max, err := maxDescriptors()
	if err != nil {
		return nil, err
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("events: epoll_create: %w", err)
	}
	return &epollEngine{
		fdTable: newFdTable(max),
		epfd:    epfd,
		events:  make([]unix.EpollEvent, 128),
	}, nil
}

// maskToEpoll translates an event mask into native epoll bits. Edge mode is
// only usable when no level-triggered interest exists for the descriptor.
func maskToEpoll(mask int) uint32 {
	var ev uint32
	if mask&(WantPollRead|WantPollWrite) != 0 {
		if mask&(WantPollRead|WantFastRead) != 0 {
			ev |= unix.EPOLLIN
		}
		if mask&(WantPollWrite|WantFastWrite) != 0 {
			ev |= unix.EPOLLOUT
		}
	} else {
		ev = unix.EPOLLET
		if mask&(WantFastRead|WantEdgeRead) != 0 {
			ev |= unix.EPOLLIN
		}
		if mask&(WantFastWrite|WantEdgeWrite) != 0 {
			ev |= unix.EPOLLOUT
		}
	}
	return ev
}

func (e *epollEngine) Add(eh EventHandler, mask int) error {
	if err := e.attach(eh, mask); err != nil {
		return err
	}
	fd := eh.Fd()
	ev := unix.EpollEvent{Events: maskToEpoll(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		e.detach(fd)
		return fmt.Errorf("events: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (e *epollEngine) Del(eh EventHandler, force bool) error {
	fd := eh.Fd()
	if !e.inRange(fd) || e.refs[fd] == nil {
		if force {
			return nil
		}
		return fmt.Errorf("%w: fd %d", ErrNotRegistered, fd)
	}
	err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !force {
		return fmt.Errorf("events: epoll_ctl del fd %d: %w", fd, err)
	}
	e.detach(fd)
	return nil
}

func (e *epollEngine) SetMask(eh EventHandler, mask int) {
	fd := eh.Fd()
	if !e.inRange(fd) || e.refs[fd] == nil {
		return
	}
	old := e.masks[fd]
	e.masks[fd] = mask
	oldEv, newEv := maskToEpoll(old), maskToEpoll(mask)
	if oldEv == newEv {
		return
	}
	ev := unix.EpollEvent{Events: newEv, Fd: int32(fd)}
	unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (e *epollEngine) Mask(eh EventHandler) int { return e.mask(eh) }

func (e *epollEngine) Dispatch(maxWaitMs int) int {
	n, err := unix.EpollWait(e.epfd, e.events, maxWaitMs)
	if err != nil {
		// EINTR is routine; the caller loops around.
		return 0
	}

	for i := 0; i < n; i++ {
		fd := int(e.events[i].Fd)
		bits := e.events[i].Events

		eh := e.get(fd)
		if eh == nil {
			continue
		}
		if bits&unix.EPOLLHUP != 0 {
			eh.OnError(0)
			continue
		}
		if bits&unix.EPOLLERR != 0 {
			errcode, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
			if serr != nil {
				errcode = int(unix.EIO)
			}
			eh.OnError(errcode)
			continue
		}
		if bits&unix.EPOLLIN != 0 {
			if e.get(fd) != eh {
				continue
			}
			e.clearForDelivery(eh, fd, false)
			eh.OnReadable()
		}
		if bits&unix.EPOLLOUT != 0 {
			if e.get(fd) != eh {
				continue
			}
			e.clearForDelivery(eh, fd, true)
			eh.OnWritable()
		}
	}
	return n
}

// clearForDelivery drops the will-block bit for the direction about to be
// delivered and consumes a one-shot fast bit if one is set.
func (e *epollEngine) clearForDelivery(eh EventHandler, fd int, write bool) {
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

func (e *epollEngine) Len() int { return e.count }

func (e *epollEngine) Name() string { return "epoll" }

func (e *epollEngine) Close() error {
	return unix.Close(e.epfd)
}
