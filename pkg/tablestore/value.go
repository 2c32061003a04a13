package tablestore

import (
	"sync/atomic"
	"unsafe"
)

// Value is a handle to one 64-bit slot inside a table store's mapping.
//
// All operations are atomic and immediately visible to every process
// mapping the same file. A Value is owned by the store that returned it and
// stays valid until that store's reference count reaches zero; using it
// afterwards faults.
type Value struct {
	p *atomic.Int64
}

// newValue binds a handle to the first 8 bytes of buf, which must be
// 8-byte aligned inside a live mapping.
func newValue(buf []byte) *Value {
	_ = buf[7]

	return &Value{p: (*atomic.Int64)(unsafe.Pointer(&buf[0]))}
}

// Load returns the current value.
func (v *Value) Load() int64 {
	return v.p.Load()
}

// Store sets the value.
func (v *Value) Store(val int64) {
	v.p.Store(val)
}

// Add atomically adds delta and returns the new value.
func (v *Value) Add(delta int64) int64 {
	return v.p.Add(delta)
}

// CompareAndSwap sets the value to new if it currently equals old.
func (v *Value) CompareAndSwap(old, new int64) bool {
	return v.p.CompareAndSwap(old, new)
}
