package tablestore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// isLittleEndian is true if the CPU uses little-endian byte order.
// Atomic ops on mapped memory use native order, while the file format is
// little-endian.
var isLittleEndian = func() bool {
	var buf [2]byte
	buf[0] = 0x01

	return binary.NativeEndian.Uint16(buf[:]) == 0x01
}()

// is64Bit is true if the architecture has 64-bit pointers.
// Required for atomic 64-bit operations across processes.
var is64Bit = bits.UintSize == 64

// TBS1 file format constants.
const (
	tbs1Version    = 1
	tbs1HeaderSize = 256

	// entrySize is fixed: value(8) + keyLen(4) + pad(4) + key(48).
	entrySize = 64

	entryValueOffset  = 0
	entryKeyLenOffset = 8
	entryKeyOffset    = 16

	// MaxKeySize is the longest key a table store accepts.
	MaxKeySize = entrySize - entryKeyOffset

	// MetadataSize is the size of the caller-owned metadata blob.
	MetadataSize = 64

	// minRegionSize keeps region 0 large enough for the header and a
	// useful number of entries on 4K-page systems.
	minRegionSize = 4096

	// maxRegions bounds growth; 1<<16 regions of 4K is 256MiB of counters.
	maxRegions = 1 << 16
)

// Header field offsets (bytes from file start).
const (
	offMagic           = 0x000 // [4]byte
	offVersion         = 0x004 // uint32
	offHeaderSize      = 0x008 // uint32
	offEntrySize       = 0x00C // uint32
	offMaxKeySize      = 0x010 // uint32
	offRegionSize      = 0x014 // uint32
	offFlags           = 0x018 // uint32
	offHeaderCRC32C    = 0x01C // uint32
	offRegionCount     = 0x020 // uint64 (mutable, atomic)
	offEntryCount      = 0x028 // uint64 (mutable, atomic)
	offMetadataVersion = 0x030 // uint64
	offMetadata        = 0x038 // [64]byte
	offReservedStart   = 0x078 // reserved bytes through 0x0FF
)

// Metadata is the caller-owned header record of a table store.
//
// It is written once when the file is created and never changes afterwards.
// The table store does not interpret it.
type Metadata struct {
	Version uint64
	Data    [MetadataSize]byte
}

// tbs1Header represents the 256-byte TBS1 file header.
type tbs1Header struct {
	Magic        [4]byte
	Version      uint32
	HeaderSize   uint32
	EntrySize    uint32
	MaxKeySize   uint32
	RegionSize   uint32
	Flags        uint32
	HeaderCRC32C uint32
	RegionCount  uint64
	EntryCount   uint64
	Metadata     Metadata
}

func newHeader(regionSize uint32, regionCount uint64, meta Metadata) tbs1Header {
	return tbs1Header{
		Magic:       [4]byte{'T', 'B', 'S', '1'},
		Version:     tbs1Version,
		HeaderSize:  tbs1HeaderSize,
		EntrySize:   entrySize,
		MaxKeySize:  MaxKeySize,
		RegionSize:  regionSize,
		RegionCount: regionCount,
		EntryCount:  0,
		Metadata:    meta,
	}
}

// encodeHeader serializes the header to a 256-byte slice with its CRC.
func encodeHeader(header *tbs1Header) []byte {
	buf := make([]byte, tbs1HeaderSize)

	copy(buf[offMagic:], header.Magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], header.Version)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], header.HeaderSize)
	binary.LittleEndian.PutUint32(buf[offEntrySize:], header.EntrySize)
	binary.LittleEndian.PutUint32(buf[offMaxKeySize:], header.MaxKeySize)
	binary.LittleEndian.PutUint32(buf[offRegionSize:], header.RegionSize)
	binary.LittleEndian.PutUint32(buf[offFlags:], header.Flags)
	binary.LittleEndian.PutUint64(buf[offRegionCount:], header.RegionCount)
	binary.LittleEndian.PutUint64(buf[offEntryCount:], header.EntryCount)
	binary.LittleEndian.PutUint64(buf[offMetadataVersion:], header.Metadata.Version)
	copy(buf[offMetadata:offMetadata+MetadataSize], header.Metadata.Data[:])

	crc := computeHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC32C:], crc)

	return buf
}

// decodeHeader parses a header buffer. It does not validate.
func decodeHeader(buf []byte) tbs1Header {
	var h tbs1Header

	copy(h.Magic[:], buf[offMagic:offMagic+4])
	h.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	h.HeaderSize = binary.LittleEndian.Uint32(buf[offHeaderSize:])
	h.EntrySize = binary.LittleEndian.Uint32(buf[offEntrySize:])
	h.MaxKeySize = binary.LittleEndian.Uint32(buf[offMaxKeySize:])
	h.RegionSize = binary.LittleEndian.Uint32(buf[offRegionSize:])
	h.Flags = binary.LittleEndian.Uint32(buf[offFlags:])
	h.HeaderCRC32C = binary.LittleEndian.Uint32(buf[offHeaderCRC32C:])
	h.RegionCount = binary.LittleEndian.Uint64(buf[offRegionCount:])
	h.EntryCount = binary.LittleEndian.Uint64(buf[offEntryCount:])
	h.Metadata.Version = binary.LittleEndian.Uint64(buf[offMetadataVersion:])
	copy(h.Metadata.Data[:], buf[offMetadata:offMetadata+MetadataSize])

	return h
}

// computeHeaderCRC calculates the CRC32-C of the header with the mutable
// counters and the crc field treated as zero.
func computeHeaderCRC(buf []byte) uint32 {
	tmp := make([]byte, tbs1HeaderSize)
	copy(tmp, buf)

	clear(tmp[offHeaderCRC32C : offHeaderCRC32C+4])
	clear(tmp[offRegionCount : offRegionCount+8])
	clear(tmp[offEntryCount : offEntryCount+8])

	return crc32.Checksum(tmp, crc32.MakeTable(crc32.Castagnoli))
}

func validateHeaderCRC(buf []byte) bool {
	return binary.LittleEndian.Uint32(buf[offHeaderCRC32C:]) == computeHeaderCRC(buf)
}

func hasReservedBytesSet(buf []byte) bool {
	for i := offReservedStart; i < tbs1HeaderSize; i++ {
		if buf[i] != 0 {
			return true
		}
	}

	return false
}

// validateHeader checks a raw header buffer against the TBS1 rules.
//
// Possible errors: [ErrIncompatible], [ErrCorrupt].
func validateHeader(buf []byte) (tbs1Header, error) {
	h := decodeHeader(buf)

	if h.Magic != [4]byte{'T', 'B', 'S', '1'} {
		return tbs1Header{}, fmt.Errorf("bad magic %q: %w", h.Magic[:], ErrIncompatible)
	}

	if h.Version != tbs1Version {
		return tbs1Header{}, fmt.Errorf("unsupported version %d: %w", h.Version, ErrIncompatible)
	}

	if h.HeaderSize != tbs1HeaderSize || h.EntrySize != entrySize || h.MaxKeySize != MaxKeySize {
		return tbs1Header{}, fmt.Errorf("layout header=%d entry=%d key=%d: %w",
			h.HeaderSize, h.EntrySize, h.MaxKeySize, ErrIncompatible)
	}

	if !validateHeaderCRC(buf) {
		return tbs1Header{}, fmt.Errorf("header crc mismatch: %w", ErrCorrupt)
	}

	if hasReservedBytesSet(buf) {
		return tbs1Header{}, fmt.Errorf("reserved header bytes set: %w", ErrCorrupt)
	}

	if h.RegionSize < minRegionSize || h.RegionSize%uint32(pageSize) != 0 {
		return tbs1Header{}, fmt.Errorf("region size %d is not a multiple of page size %d: %w",
			h.RegionSize, pageSize, ErrIncompatible)
	}

	if h.RegionCount < 1 || h.RegionCount > maxRegions {
		return tbs1Header{}, fmt.Errorf("region count %d out of range: %w", h.RegionCount, ErrCorrupt)
	}

	if h.EntryCount > entryCapacity(int(h.RegionSize), int(h.RegionCount)) {
		return tbs1Header{}, fmt.Errorf("entry count %d exceeds capacity of %d regions: %w",
			h.EntryCount, h.RegionCount, ErrCorrupt)
	}

	return h, nil
}

// Entry addressing.
//
// Region 0 holds the header followed by entries; every later region holds
// entries only. Entry i lives at a fixed (region, offset) so handles never
// move once published.

func entriesInFirstRegion(regionSize int) int {
	return (regionSize - tbs1HeaderSize) / entrySize
}

func entriesPerRegion(regionSize int) int {
	return regionSize / entrySize
}

func entryCapacity(regionSize, regionCount int) uint64 {
	if regionCount < 1 {
		return 0
	}

	return uint64(entriesInFirstRegion(regionSize)) + uint64(regionCount-1)*uint64(entriesPerRegion(regionSize))
}

func entryLocation(regionSize int, i int) (region, offset int) {
	first := entriesInFirstRegion(regionSize)
	if i < first {
		return 0, tbs1HeaderSize + i*entrySize
	}

	j := i - first
	per := entriesPerRegion(regionSize)

	return 1 + j/per, (j % per) * entrySize
}

// atomicLoadUint64 performs an atomic 64-bit load from an 8-byte-aligned
// position in the buffer.
//
// Go's sync/atomic operations are sequentially consistent, which gives other
// processes mapping the same file acquire/release ordering.
func atomicLoadUint64(buf []byte) uint64 {
	_ = buf[7]

	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[0])))
}

// atomicStoreUint64 performs an atomic 64-bit store to an 8-byte-aligned
// position in the buffer.
func atomicStoreUint64(buf []byte, val uint64) {
	_ = buf[7]

	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[0])), val)
}

// pageSize is the system page size. mmap offsets must be multiples of it.
var pageSize = unix.Getpagesize()

// regionSizeForPlatform returns the region size used for new files.
func regionSizeForPlatform() int {
	return max(minRegionSize, pageSize)
}
