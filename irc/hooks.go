package irc

import (
	"fmt"
	"sort"
)

// HookFn observes one core event. Returning an error is recorded but never
// stops the remaining hooks.
type HookFn[T any] func(ctx T) error

type hookEntry[T any] struct {
	owner    string
	priority int64
	fn       HookFn[T]
	seq      int
}

// HookRegistry is a priority-ordered list of subscribers for one event kind.
// Lower priority values run first; ties run in registration order.
type HookRegistry[T any] struct {
	entries []hookEntry[T]
	nextSeq int
}

// NewHookRegistry creates an empty registry.
func NewHookRegistry[T any]() *HookRegistry[T] {
	return &HookRegistry[T]{}
}

// Subscribe registers a hook with default priority.
func (r *HookRegistry[T]) Subscribe(owner string, fn HookFn[T]) {
	r.SubscribeWithPriority(owner, 0, fn)
}

// SubscribeWithPriority registers a hook; lower values run first, like nice.
func (r *HookRegistry[T]) SubscribeWithPriority(owner string, priority int64, fn HookFn[T]) {
	r.entries = append(r.entries, hookEntry[T]{
		owner:    owner,
		priority: priority,
		fn:       fn,
		seq:      r.nextSeq,
	})
	r.nextSeq++
}

// RemoveOwned drops every hook the named module subscribed.
func (r *HookRegistry[T]) RemoveOwned(owner string) {
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.owner != owner {
			kept = append(kept, e)
		}
	}
	r.entries = kept
}

// Run executes all hooks in priority order. Panics are contained and
// converted to errors; the returned map is nil when everything succeeded.
func (r *HookRegistry[T]) Run(ctx T) map[string]error {
	snapshot := make([]hookEntry[T], len(r.entries))
	copy(snapshot, r.entries)
	sort.SliceStable(snapshot, func(i, j int) bool {
		if snapshot[i].priority != snapshot[j].priority {
			return snapshot[i].priority < snapshot[j].priority
		}
		return snapshot[i].seq < snapshot[j].seq
	})

	var failures map[string]error
	record := func(owner string, err error) {
		if failures == nil {
			failures = make(map[string]error)
		}
		failures[owner] = err
	}

	for _, entry := range snapshot {
		err := func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("panic in hook owned by %s: %v", entry.owner, rec)
				}
			}()
			return entry.fn(ctx)
		}()
		if err != nil {
			record(entry.owner, err)
		}
	}
	return failures
}

// Len returns the number of subscribers.
func (r *HookRegistry[T]) Len() int { return len(r.entries) }

// Hooks collects the event surfaces modules may subscribe to.
type Hooks struct {
	// PostOper runs after a user gains operator status.
	PostOper *HookRegistry[*User]

	// Rehash runs after a configuration reload.
	Rehash *HookRegistry[*Server]

	// UserRegistered runs when registration completes.
	UserRegistered *HookRegistry[*User]

	// UserQuit runs as a user disconnects, before teardown.
	UserQuit *HookRegistry[*User]
}

// NewHooks creates the full hook set.
func NewHooks() *Hooks {
	return &Hooks{
		PostOper:       NewHookRegistry[*User](),
		Rehash:         NewHookRegistry[*Server](),
		UserRegistered: NewHookRegistry[*User](),
		UserQuit:       NewHookRegistry[*User](),
	}
}

// RemoveOwned drops a module's subscriptions across every event surface.
func (h *Hooks) RemoveOwned(owner string) {
	h.PostOper.RemoveOwned(owner)
	h.Rehash.RemoveOwned(owner)
	h.UserRegistered.RemoveOwned(owner)
	h.UserQuit.RemoveOwned(owner)
}
