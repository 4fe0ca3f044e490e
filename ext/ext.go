// Package ext is the extension registry: modules attach typed, optionally
// network-synchronized state to users, channels and channel memberships
// without those core types knowing anything about the module.
package ext

import (
	"errors"
	"fmt"
)

// ExtensionType discriminates what kind of core object an extension applies
// to.
type ExtensionType int

const (
	ExtUser ExtensionType = iota
	ExtChannel
	ExtMembership
)

func (t ExtensionType) String() string {
	switch t {
	case ExtUser:
		return "user"
	case ExtChannel:
		return "channel"
	case ExtMembership:
		return "membership"
	}
	return "unknown"
}

// Extensible is embedded in every core object that carries extension values.
// Attachment counts are tiny, so the store is a small slice scanned linearly
// rather than a map.
type Extensible struct {
	extype ExtensionType
	values []attachment
}

type attachment struct {
	item  *ExtensionItem
	value any
}

// NewExtensible initializes the embedded part of a container. The container
// constructor must also call Registry.Attach on the embedded value so
// unregistration sweeps can find it.
func NewExtensible(t ExtensionType) Extensible {
	return Extensible{extype: t}
}

// Type returns the container's discriminator.
func (e *Extensible) Type() ExtensionType { return e.extype }

func (e *Extensible) getRaw(item *ExtensionItem) (any, bool) {
	for _, att := range e.values {
		if att.item == item {
			return att.value, true
		}
	}
	return nil, false
}

// setRaw stores a value and returns the previous one, if any.
func (e *Extensible) setRaw(item *ExtensionItem, value any) (any, bool) {
	for i, att := range e.values {
		if att.item == item {
			old := att.value
			e.values[i].value = value
			return old, true
		}
	}
	e.values = append(e.values, attachment{item: item, value: value})
	return nil, false
}

// unsetRaw removes a value and returns it, if it was set.
func (e *Extensible) unsetRaw(item *ExtensionItem) (any, bool) {
	for i, att := range e.values {
		if att.item == item {
			e.values[i] = e.values[len(e.values)-1]
			e.values = e.values[:len(e.values)-1]
			return att.value, true
		}
	}
	return nil, false
}

// FreeAllExtItems runs every attached item's deleter and empties the store.
// Called when the container itself is being destroyed.
func (e *Extensible) FreeAllExtItems() {
	for _, att := range e.values {
		if att.item.Delete != nil {
			att.item.Delete(att.value)
		}
	}
	e.values = nil
}

// ExtensionItem is one registered extension definition. Instead of an
// inheritance tower there is a single concrete record carrying the
// serializer functions; typed wrappers fill them in generically.
//
// A serializer returning "" means "nothing to emit". Synced items must
// implement internal, network and human forms; non-synced items leave
// ToNetwork nil and are never broadcast.
type ExtensionItem struct {
	// Owner names the module that registered the item.
	Owner string

	// Key is the globally unique identifier, e.g. "away-message".
	Key string

	// Type restricts which containers the item may be set on.
	Type ExtensionType

	// Synced marks values for broadcast to peer servers on change.
	Synced bool

	Delete       func(value any)
	ToInternal   func(value any) string
	FromInternal func(container *Extensible, serialized string)
	ToNetwork    func(value any) string
	FromNetwork  func(container *Extensible, serialized string)
	ToHuman      func(value any) string

	registry *Registry
}

// Get returns the raw stored value.
func (item *ExtensionItem) Get(c *Extensible) (any, bool) {
	return c.getRaw(item)
}

// Set attaches a value, deleting any previous one. Containers of the wrong
// extype are refused. Synced items broadcast through the registry hook.
func (item *ExtensionItem) Set(c *Extensible, value any) {
	if c.extype != item.Type {
		return
	}
	old, had := c.setRaw(item, value)
	if had && item.Delete != nil {
		item.Delete(old)
	}
	item.sync(c, value, false)
}

// Unset removes the value, running the deleter on it.
func (item *ExtensionItem) Unset(c *Extensible) {
	if c.extype != item.Type {
		return
	}
	old, had := c.unsetRaw(item)
	if !had {
		return
	}
	if item.Delete != nil {
		item.Delete(old)
	}
	item.sync(c, nil, true)
}

func (item *ExtensionItem) sync(c *Extensible, value any, unset bool) {
	if !item.Synced || item.registry == nil || item.registry.Broadcast == nil {
		return
	}
	serialized := ""
	if !unset && item.ToNetwork != nil {
		serialized = item.ToNetwork(value)
	}
	item.registry.Broadcast(c, item, serialized, unset)
}

// Network renders the value in its broadcast form; empty for non-synced
// items or absent values.
func (item *ExtensionItem) Network(c *Extensible) string {
	value, ok := c.getRaw(item)
	if !ok || item.ToNetwork == nil {
		return ""
	}
	return item.ToNetwork(value)
}

// Human renders the value for operator inspection.
func (item *ExtensionItem) Human(c *Extensible) string {
	value, ok := c.getRaw(item)
	if !ok || item.ToHuman == nil {
		return ""
	}
	return item.ToHuman(value)
}

// BroadcastFunc pushes one extension change to peer servers. Installed by a
// linking module; nil means changes stay local.
type BroadcastFunc func(c *Extensible, item *ExtensionItem, serialized string, unset bool)

// Registry is the process-wide extension table plus the set of live
// containers it must sweep on unregistration.
type Registry struct {
	items      map[string]*ExtensionItem
	containers map[*Extensible]struct{}

	// Broadcast, when set, receives every synced change.
	Broadcast BroadcastFunc
}

// ErrDuplicateKey rejects a second registration under the same key.
var ErrDuplicateKey = errors.New("ext: duplicate extension key")

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		items:      make(map[string]*ExtensionItem),
		containers: make(map[*Extensible]struct{}),
	}
}

// Register adds an item under its key. Fails on duplicates.
func (r *Registry) Register(item *ExtensionItem) error {
	if _, exists := r.items[item.Key]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, item.Key)
	}
	item.registry = r
	r.items[item.Key] = item
	return nil
}

// Unregister removes an item: the registration disappears first, then every
// live container of the matching extype has its value deleted (deleter runs
// exactly once per value). Set and Unset do not check registration, so a
// value set through the item after Unregister stays attached and is not swept.
func (r *Registry) Unregister(key string) {
	item, exists := r.items[key]
	if !exists {
		return
	}
	delete(r.items, key)
	item.registry = nil

	for c := range r.containers {
		if c.extype != item.Type {
			continue
		}
		if old, had := c.unsetRaw(item); had && item.Delete != nil {
			item.Delete(old)
		}
	}
}

// UnregisterOwned unregisters every item the named module registered.
// The module-unload path.
func (r *Registry) UnregisterOwned(owner string) {
	for key, item := range r.items {
		if item.Owner == owner {
			r.Unregister(key)
		}
	}
}

// Find returns a registered item by key.
func (r *Registry) Find(key string) (*ExtensionItem, bool) {
	item, ok := r.items[key]
	return item, ok
}

// Attach records a live container for unregistration sweeps.
func (r *Registry) Attach(c *Extensible) {
	r.containers[c] = struct{}{}
}

// Detach forgets a container. The caller frees its values separately via
// FreeAllExtItems.
func (r *Registry) Detach(c *Extensible) {
	delete(r.containers, c)
}

// WalkSynced serializes every synced value on the container through its
// network form; the burst path server-linking modules use.
func (r *Registry) WalkSynced(c *Extensible, visit func(item *ExtensionItem, serialized string)) {
	for _, item := range r.items {
		if !item.Synced || item.Type != c.extype {
			continue
		}
		value, ok := c.getRaw(item)
		if !ok || item.ToNetwork == nil {
			continue
		}
		visit(item, item.ToNetwork(value))
	}
}

// Items returns the registered items keyed by extension key.
func (r *Registry) Items() map[string]*ExtensionItem {
	out := make(map[string]*ExtensionItem, len(r.items))
	for k, v := range r.items {
		out[k] = v
	}
	return out
}
