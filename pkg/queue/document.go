package queue

import (
	"sync/atomic"
	"unsafe"
)

// Document framing inside a segment.
//
// Each document is a little-endian uint32 header followed by its payload,
// padded to 4 bytes. The header holds the payload length; bit 31 is set
// while the document is being written. A zero header marks the end of
// written data, and an all-ones header marks a cycle its appender rolled
// past.
const (
	docHeaderSize = 4

	headerNotComplete uint32 = 1 << 31
	headerLengthMask  uint32 = headerNotComplete - 1
	headerEndOfCycle  uint32 = 0xFFFFFFFF
)

func align4(n int64) int64 { return (n + 3) &^ 3 }

// loadHeader atomically reads the header at the start of buf.
func loadHeader(buf []byte) uint32 {
	_ = buf[3]

	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&buf[0])))
}

// storeHeader atomically publishes the header at the start of buf.
func storeHeader(buf []byte, h uint32) {
	_ = buf[3]

	atomic.StoreUint32((*uint32)(unsafe.Pointer(&buf[0])), h)
}

// touchWord faults in the page under buf without changing its contents.
func touchWord(buf []byte) {
	_ = buf[3]

	atomic.CompareAndSwapUint32((*uint32)(unsafe.Pointer(&buf[0])), 0, 0)
}
