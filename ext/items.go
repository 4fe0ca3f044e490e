package ext

import "strconv"

// SimpleExtItem builds an ExtensionItem for a value type with textual
// (de)serializers. The network form of a synced item is its internal form; a
// non-synced item never broadcasts.
type SimpleExtItem[T any] struct {
	*ExtensionItem
}

// NewSimpleExtItem wires the serializer functions for T. encode/decode
// convert to and from the internal textual form; decode reports failure and
// a failed decode leaves the container untouched.
func NewSimpleExtItem[T any](owner, key string, extype ExtensionType, synced bool,
	encode func(T) string, decode func(string) (T, bool)) SimpleExtItem[T] {

	item := &ExtensionItem{
		Owner:  owner,
		Key:    key,
		Type:   extype,
		Synced: synced,
		Delete: func(any) {},
	}
	item.ToInternal = func(value any) string {
		return encode(value.(T))
	}
	item.FromInternal = func(c *Extensible, serialized string) {
		if value, ok := decode(serialized); ok {
			item.Set(c, value)
		}
	}
	item.ToHuman = item.ToInternal
	if synced {
		item.ToNetwork = item.ToInternal
		item.FromNetwork = item.FromInternal
	}
	return SimpleExtItem[T]{ExtensionItem: item}
}

// Get returns the typed value.
func (item SimpleExtItem[T]) Get(c *Extensible) (T, bool) {
	raw, ok := item.ExtensionItem.Get(c)
	if !ok {
		var zero T
		return zero, false
	}
	return raw.(T), true
}

// Set attaches the typed value.
func (item SimpleExtItem[T]) Set(c *Extensible, value T) {
	item.ExtensionItem.Set(c, value)
}

// StringExtItem is an extension carrying a string.
type StringExtItem struct {
	SimpleExtItem[string]
}

// NewStringExtItem builds a string extension.
func NewStringExtItem(owner, key string, extype ExtensionType, synced bool) StringExtItem {
	return StringExtItem{NewSimpleExtItem(owner, key, extype, synced,
		func(s string) string { return s },
		func(s string) (string, bool) { return s, s != "" },
	)}
}

// IntExtItem is an extension carrying an int64.
type IntExtItem struct {
	SimpleExtItem[int64]
}

// NewIntExtItem builds an integer extension.
func NewIntExtItem(owner, key string, extype ExtensionType, synced bool) IntExtItem {
	return IntExtItem{NewSimpleExtItem(owner, key, extype, synced,
		func(v int64) string { return strconv.FormatInt(v, 10) },
		func(s string) (int64, bool) {
			v, err := strconv.ParseInt(s, 10, 64)
			return v, err == nil
		},
	)}
}

// BoolExtItem is a presence flag: setting it stores true, the serialized
// form is "1".
type BoolExtItem struct {
	*ExtensionItem
}

// NewBoolExtItem builds a flag extension.
func NewBoolExtItem(owner, key string, extype ExtensionType, synced bool) BoolExtItem {
	item := &ExtensionItem{
		Owner:  owner,
		Key:    key,
		Type:   extype,
		Synced: synced,
		Delete: func(any) {},
	}
	item.ToInternal = func(any) string { return "1" }
	item.FromInternal = func(c *Extensible, serialized string) {
		if serialized != "" {
			item.Set(c, true)
		}
	}
	item.ToHuman = item.ToInternal
	if synced {
		item.ToNetwork = item.ToInternal
		item.FromNetwork = item.FromInternal
	}
	return BoolExtItem{ExtensionItem: item}
}

// Get reports whether the flag is set.
func (item BoolExtItem) Get(c *Extensible) bool {
	_, ok := item.ExtensionItem.Get(c)
	return ok
}

// Set raises the flag.
func (item BoolExtItem) Set(c *Extensible) {
	item.ExtensionItem.Set(c, true)
}
