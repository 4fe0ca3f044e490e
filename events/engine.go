package events

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Engine multiplexes readiness events over registered handlers. Exactly one
// goroutine may call Dispatch; handlers may call Add, Del and SetMask from
// inside their callbacks.
type Engine interface {
	// Add registers a handler with the given initial mask. It fails if the
	// descriptor is out of range, already registered, or rejected by the
	// backend.
	Add(eh EventHandler, mask int) error

	// Del removes a handler. With force set, backend errors are suppressed;
	// used during teardown when the descriptor may already be closed.
	Del(eh EventHandler, force bool) error

	// SetMask replaces the handler's mask, issuing at most one backend call
	// and none at all if the translated native event set is unchanged.
	SetMask(eh EventHandler, mask int)

	// Mask returns the handler's current mask, or 0 if unregistered.
	Mask(eh EventHandler) int

	// Dispatch waits up to maxWaitMs for events and invokes callbacks.
	// Returns the number of descriptors that had events.
	Dispatch(maxWaitMs int) int

	// Len returns the number of registered descriptors.
	Len() int

	// Name identifies the backend ("epoll", "poll", "kqueue").
	Name() string

	// Close releases the backend. Registered handlers are not closed.
	Close() error
}

var (
	// ErrOutOfRange is returned when a descriptor does not fit the table.
	ErrOutOfRange = errors.New("events: descriptor out of range")

	// ErrDuplicate is returned when the descriptor is already registered.
	ErrDuplicate = errors.New("events: descriptor already registered")

	// ErrNotRegistered is returned by Del for an unknown descriptor.
	ErrNotRegistered = errors.New("events: descriptor not registered")
)

// maxDescriptors sizes the handler table from the process's open-file limit.
func maxDescriptors() (int, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, fmt.Errorf("events: cannot determine descriptor limit: %w", err)
	}
	max := int(rl.Cur)
	if max <= 0 {
		return 0, errors.New("events: cannot determine descriptor limit")
	}
	return max, nil
}

// fdTable is the descriptor -> handler association shared by every backend.
// The engine holds handlers by association only; it never closes them.
type fdTable struct {
	refs  []EventHandler
	masks []int
	count int
}

func newFdTable(size int) fdTable {
	return fdTable{
		refs:  make([]EventHandler, size),
		masks: make([]int, size),
	}
}

func (t *fdTable) inRange(fd int) bool {
	return fd >= 0 && fd < len(t.refs)
}

// get returns the registered handler for fd, or nil. Dispatch loops re-check
// this before every callback so that a handler removed mid-pass receives no
// further events.
func (t *fdTable) get(fd int) EventHandler {
	if !t.inRange(fd) {
		return nil
	}
	return t.refs[fd]
}

func (t *fdTable) attach(eh EventHandler, mask int) error {
	fd := eh.Fd()
	if !t.inRange(fd) {
		return fmt.Errorf("%w: fd %d, max %d", ErrOutOfRange, fd, len(t.refs))
	}
	if t.refs[fd] != nil {
		return fmt.Errorf("%w: fd %d", ErrDuplicate, fd)
	}
	t.refs[fd] = eh
	t.masks[fd] = mask
	t.count++
	return nil
}

func (t *fdTable) detach(fd int) {
	if !t.inRange(fd) || t.refs[fd] == nil {
		return
	}
	t.refs[fd] = nil
	t.masks[fd] = 0
	t.count--
}

func (t *fdTable) mask(eh EventHandler) int {
	fd := eh.Fd()
	if !t.inRange(fd) || t.refs[fd] == nil {
		return 0
	}
	return t.masks[fd]
}
