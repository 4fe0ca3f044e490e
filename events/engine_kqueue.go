//go:build darwin || freebsd || openbsd

package events

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// kqueueEngine is the BSD backend. Fast and edge interest map onto EV_CLEAR;
// poll interest runs level-triggered.
type kqueueEngine struct {
	fdTable
	kq     int
	events []unix.Kevent_t
}

// NewKqueue creates a kqueue engine sized from RLIMIT_NOFILE.
func NewKqueue() (Engine, error) {
	max, err := maxDescriptors()
	if err != nil {
		return nil, err
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("events: kqueue: %w", err)
	}
	return &kqueueEngine{
		fdTable: newFdTable(max),
		kq:      kq,
		events:  make([]unix.Kevent_t, 128),
	}, nil
}

// filterChanges builds the kevent changelist taking the mask from old to new.
func filterChanges(fd, old, next int) []unix.Kevent_t {
	var changes []unix.Kevent_t

	oldRead, newRead := old&WantRead != 0, next&WantRead != 0
	oldWrite, newWrite := old&WantWrite != 0, next&WantWrite != 0

	flagsFor := func(mask, pollBit int) uint16 {
		flags := uint16(unix.EV_ADD)
		if mask&pollBit == 0 {
			flags |= unix.EV_CLEAR
		}
		return flags
	}

	switch {
	case newRead:
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flagsFor(next, WantPollRead),
		})
	case oldRead:
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE,
		})
	}
	switch {
	case newWrite:
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flagsFor(next, WantPollWrite),
		})
	case oldWrite:
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE,
		})
	}
	return changes
}

func (e *kqueueEngine) Add(eh EventHandler, mask int) error {
	if err := e.attach(eh, mask); err != nil {
		return err
	}
	fd := eh.Fd()
	changes := filterChanges(fd, 0, mask)
	if len(changes) > 0 {
		if _, err := unix.Kevent(e.kq, changes, nil, nil); err != nil {
			e.detach(fd)
			return fmt.Errorf("events: kevent add fd %d: %w", fd, err)
		}
	}
	return nil
}

func (e *kqueueEngine) Del(eh EventHandler, force bool) error {
	fd := eh.Fd()
	if !e.inRange(fd) || e.refs[fd] == nil {
		if force {
			return nil
		}
		return fmt.Errorf("%w: fd %d", ErrNotRegistered, fd)
	}
	changes := filterChanges(fd, e.masks[fd], 0)
	if len(changes) > 0 {
		if _, err := unix.Kevent(e.kq, changes, nil, nil); err != nil && !force {
			return fmt.Errorf("events: kevent del fd %d: %w", fd, err)
		}
	}
	e.detach(fd)
	return nil
}

func (e *kqueueEngine) SetMask(eh EventHandler, mask int) {
	fd := eh.Fd()
	if !e.inRange(fd) || e.refs[fd] == nil {
		return
	}
	old := e.masks[fd]
	e.masks[fd] = mask
	changes := filterChanges(fd, old, mask)
	if len(changes) > 0 {
		unix.Kevent(e.kq, changes, nil, nil)
	}
}

func (e *kqueueEngine) Mask(eh EventHandler) int { return e.mask(eh) }

func (e *kqueueEngine) Dispatch(maxWaitMs int) int {
	ts := unix.NsecToTimespec(int64(maxWaitMs) * 1e6)
	n, err := unix.Kevent(e.kq, nil, e.events, &ts)
	if err != nil {
		return 0
	}

	for i := 0; i < n; i++ {
		ev := e.events[i]
		fd := int(ev.Ident)
		eh := e.get(fd)
		if eh == nil {
			continue
		}
		if ev.Flags&unix.EV_EOF != 0 {
			eh.OnError(0)
			continue
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			eh.OnError(int(ev.Data))
			continue
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			e.clearForDelivery(eh, fd, false)
			eh.OnReadable()
		case unix.EVFILT_WRITE:
			e.clearForDelivery(eh, fd, true)
			eh.OnWritable()
		}
	}
	return n
}

func (e *kqueueEngine) clearForDelivery(eh EventHandler, fd int, write bool) {
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

func (e *kqueueEngine) Len() int { return e.count }

func (e *kqueueEngine) Name() string { return "kqueue" }

func (e *kqueueEngine) Close() error { return unix.Close(e.kq) }
