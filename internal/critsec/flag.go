package critsec

import "sync/atomic"

// Flag is a plain atomic boolean. The accept-data gate is the one piece
// of shared state that takes no critical section, just an atomic word.
type Flag struct {
	v atomic.Bool
}

// NewFlag creates a Flag with the given initial value.
func NewFlag(initial bool) *Flag {
	f := &Flag{}
	f.v.Store(initial)
	return f
}

// Get returns the current value.
func (f *Flag) Get() bool {
	return f.v.Load()
}

// Set replaces the current value.
func (f *Flag) Set(v bool) {
	f.v.Store(v)
}
