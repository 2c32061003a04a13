package tablestore_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/rollq/internal/fs"
	"github.com/calvinalkan/rollq/pkg/tablestore"
)

const (
	headerSize       = 256
	offMagic         = 0x000
	offRegionCount   = 0x020
	offEntryCount    = 0x028
	offMetadata      = 0x038
	entriesInRegion0 = (4096 - headerSize) / 64
)

func openStore(tb testing.TB, path string) *tablestore.Store {
	tb.Helper()

	s, err := tablestore.Open(tablestore.Options{Path: path})
	require.NoError(tb, err)

	tb.Cleanup(func() { _ = s.Close() })

	return s
}

func acquire(tb testing.TB, s tablestore.TableStore, key string, def int64) *tablestore.Value {
	tb.Helper()

	var v *tablestore.Value

	err := s.DoWithExclusiveLock(func(ts tablestore.TableStore) error {
		var err error

		v, err = ts.AcquireValueFor(tablestore.StringKey(key), def)

		return err
	})
	require.NoError(tb, err)

	return v
}

func Test_Open_Creates_File_With_One_Reservation_When_Path_Is_Missing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata.cq4t")
	s := openStore(t, path)

	n, err := s.RefCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "TBS1", string(data[offMagic:offMagic+4]))
	assert.Zero(t, len(data)%4096)

	file, err := s.File()
	require.NoError(t, err)
	assert.Equal(t, path, file)
}

func Test_Open_Returns_ErrInvalidInput_When_Options_Are_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cases := []struct {
		name string
		opts tablestore.Options
	}{
		{name: "EmptyPath", opts: tablestore.Options{}},
		{name: "NegativeRegions", opts: tablestore.Options{Path: filepath.Join(dir, "a"), InitialRegions: -1}},
		{name: "TooManyRegions", opts: tablestore.Options{Path: filepath.Join(dir, "b"), InitialRegions: 1<<16 + 1}},
		{name: "NegativeTimeout", opts: tablestore.Options{Path: filepath.Join(dir, "c"), LockTimeout: -time.Second}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := tablestore.Open(tc.opts)
			if !errors.Is(err, tablestore.ErrInvalidInput) {
				t.Fatalf("Open: err=%v, want ErrInvalidInput", err)
			}
		})
	}
}

func Test_AcquireValueFor_Returns_ErrLockNotHeld_When_Called_Outside_Lock(t *testing.T) {
	t.Parallel()

	s := openStore(t, filepath.Join(t.TempDir(), "metadata.cq4t"))

	_, err := s.AcquireValueFor(tablestore.StringKey("1"), 0)
	if !errors.Is(err, tablestore.ErrLockNotHeld) {
		t.Fatalf("AcquireValueFor: err=%v, want ErrLockNotHeld", err)
	}
}

func Test_AcquireValueFor_Returns_ErrInvalidInput_When_Key_Length_Is_Out_Of_Range(t *testing.T) {
	t.Parallel()

	s := openStore(t, filepath.Join(t.TempDir(), "metadata.cq4t"))

	for _, key := range []string{"", strings.Repeat("k", tablestore.MaxKeySize+1)} {
		err := s.DoWithExclusiveLock(func(ts tablestore.TableStore) error {
			_, err := ts.AcquireValueFor(tablestore.StringKey(key), 0)

			return err
		})
		if !errors.Is(err, tablestore.ErrInvalidInput) {
			t.Fatalf("AcquireValueFor(len=%d): err=%v, want ErrInvalidInput", len(key), err)
		}
	}
}

func Test_AcquireValueFor_Returns_Same_Slot_When_Key_Already_Exists(t *testing.T) {
	t.Parallel()

	s := openStore(t, filepath.Join(t.TempDir(), "metadata.cq4t"))

	first := acquire(t, s, "42", 7)
	assert.Equal(t, int64(7), first.Load())

	first.Add(3)

	second := acquire(t, s, "42", 99)
	assert.Equal(t, int64(10), second.Load(), "default must not overwrite an existing entry")

	second.Add(1)
	assert.Equal(t, int64(11), first.Load(), "handles must share one slot")

	entries, err := s.Entries()
	require.NoError(t, err)
	assert.Equal(t, []tablestore.Entry{{Key: "42", Value: 11}}, entries)
}

func Test_Value_CompareAndSwap_Succeeds_Once_When_Racing(t *testing.T) {
	t.Parallel()

	s := openStore(t, filepath.Join(t.TempDir(), "metadata.cq4t"))
	v := acquire(t, s, "7", -1)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for range 16 {
		wg.Go(func() {
			if v.CompareAndSwap(-1, 0) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		})
	}

	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, int64(0), v.Load())
}

func Test_AcquireValueFor_Grows_File_When_Region_Is_Full(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata.cq4t")
	s := openStore(t, path)

	handles := make([]*tablestore.Value, 0, entriesInRegion0+70)

	for i := range entriesInRegion0 + 70 {
		handles = append(handles, acquire(t, s, fmt.Sprintf("key-%d", i), int64(i)))
	}

	// Handles taken before growth must still point at their slots.
	for i, h := range handles {
		if got := h.Load(); got != int64(i) {
			t.Fatalf("handle %d: got %d, want %d", i, got, i)
		}
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	regions := binary.LittleEndian.Uint64(data[offRegionCount:])
	assert.Equal(t, uint64(4), regions)
	assert.Equal(t, int(regions)*4096, len(data))
	assert.Equal(t, uint64(entriesInRegion0+70), binary.LittleEndian.Uint64(data[offEntryCount:]))
}

func Test_Store_Sees_Entries_From_Other_Handle_When_Other_Handle_Grew_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata.cq4t")
	a := openStore(t, path)
	b := openStore(t, path)

	for i := range entriesInRegion0 + 10 {
		acquire(t, a, fmt.Sprintf("k%d", i), int64(i*10))
	}

	last := fmt.Sprintf("k%d", entriesInRegion0+9)
	v := acquire(t, b, last, -5)
	assert.Equal(t, int64((entriesInRegion0+9)*10), v.Load())

	v.Add(1)

	va := acquire(t, a, last, 0)
	assert.Equal(t, v.Load(), va.Load())

	entries, err := b.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, entriesInRegion0+10)
}

func Test_Open_Keeps_Stored_Metadata_When_Reopened_With_Different_Metadata(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata.cq4t")

	var meta tablestore.Metadata
	meta.Version = 3
	copy(meta.Data[:], "hourly")

	s, err := tablestore.Open(tablestore.Options{Path: path, Metadata: meta})
	require.NoError(t, err)

	acquire(t, s, "1", 5)
	require.NoError(t, s.Close())

	var other tablestore.Metadata
	other.Version = 9

	reopened, err := tablestore.Open(tablestore.Options{Path: path, Metadata: other})
	require.NoError(t, err)

	defer reopened.Close()

	assert.Equal(t, meta, reopened.Metadata())
	assert.Equal(t, int64(5), acquire(t, reopened, "1", 0).Load())

	read, err := tablestore.ReadMetadata(nil, path)
	require.NoError(t, err)
	assert.Equal(t, meta, read)
}

func Test_Open_Rejects_File_When_Header_Is_Damaged(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{
			name:   "BadMagic",
			mutate: func(b []byte) []byte { b[offMagic] = 'X'; return b },
			want:   tablestore.ErrIncompatible,
		},
		{
			name:   "MetadataFlipped",
			mutate: func(b []byte) []byte { b[offMetadata] ^= 0xFF; return b },
			want:   tablestore.ErrCorrupt,
		},
		{
			name: "RegionCountPastEOF",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint64(b[offRegionCount:], 2)
				return b
			},
			want: tablestore.ErrCorrupt,
		},
		{
			name: "EntryCountPastCapacity",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint64(b[offEntryCount:], entriesInRegion0+1)
				return b
			},
			want: tablestore.ErrCorrupt,
		},
		{
			name:   "Truncated",
			mutate: func(b []byte) []byte { return b[:100] },
			want:   tablestore.ErrCorrupt,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "metadata.cq4t")

			s, err := tablestore.Open(tablestore.Options{Path: path})
			require.NoError(t, err)
			require.NoError(t, s.Close())

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, tc.mutate(data), 0o644))

			_, err = tablestore.Open(tablestore.Options{Path: path})
			if !errors.Is(err, tc.want) {
				t.Fatalf("Open: err=%v, want %v", err, tc.want)
			}
		})
	}
}

func Test_DoWithExclusiveLock_Releases_Lock_When_Fn_Fails_Or_Panics(t *testing.T) {
	t.Parallel()

	s := openStore(t, filepath.Join(t.TempDir(), "metadata.cq4t"))
	boom := errors.New("boom")

	err := s.DoWithExclusiveLock(func(tablestore.TableStore) error { return boom })
	require.ErrorIs(t, err, boom)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()

		_ = s.DoWithExclusiveLock(func(tablestore.TableStore) error { panic("fn") })
	}()

	_, err = s.AcquireValueFor(tablestore.StringKey("x"), 0)
	require.ErrorIs(t, err, tablestore.ErrLockNotHeld)

	// Lock must be free again, for this handle and for a second one.
	acquire(t, s, "x", 1)

	n, err := s.RefCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "locked sections must not leak reservations")
}

func Test_AcquireValueFor_Returns_ErrLockNotHeld_When_Other_Goroutine_Holds_Lock(t *testing.T) {
	t.Parallel()

	s := openStore(t, filepath.Join(t.TempDir(), "metadata.cq4t"))

	inside := make(chan struct{})
	checked := make(chan struct{})

	var escaped tablestore.TableStore

	done := make(chan error, 1)

	go func() {
		done <- s.DoWithExclusiveLock(func(ts tablestore.TableStore) error {
			escaped = ts

			close(inside)
			<-checked

			return nil
		})
	}()

	<-inside

	_, err := s.AcquireValueFor(tablestore.StringKey("outside"), 0)
	close(checked)
	require.ErrorIs(t, err, tablestore.ErrLockNotHeld)

	require.NoError(t, <-done)

	_, err = escaped.AcquireValueFor(tablestore.StringKey("escaped"), 0)
	require.ErrorIs(t, err, tablestore.ErrLockNotHeld, "view used after its section returned")

	entries, err := s.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func Test_DoWithExclusiveLock_Returns_ErrWouldBlock_When_Lock_Is_Held_Elsewhere(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata.cq4t")

	s, err := tablestore.Open(tablestore.Options{Path: path, LockTimeout: 30 * time.Millisecond})
	require.NoError(t, err)

	defer s.Close()

	held, err := fs.NewLocker(fs.NewReal()).TryLock(path + ".lock")
	require.NoError(t, err)

	defer held.Close()

	ran := false

	err = s.DoWithExclusiveLock(func(tablestore.TableStore) error {
		ran = true

		return nil
	})
	if !errors.Is(err, fs.ErrWouldBlock) {
		t.Fatalf("DoWithExclusiveLock: err=%v, want ErrWouldBlock", err)
	}

	assert.False(t, ran)
}

func Test_Reservation_Fails_With_ErrIllegalState_When_Misused(t *testing.T) {
	t.Parallel()

	s, err := tablestore.Open(tablestore.Options{Path: filepath.Join(t.TempDir(), "metadata.cq4t")})
	require.NoError(t, err)

	require.NoError(t, s.Reserve())
	assert.True(t, s.TryReserve())

	n, err := s.RefCount()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close must be idempotent")

	require.ErrorIs(t, s.Release(), tablestore.ErrIllegalState)
	require.ErrorIs(t, s.Reserve(), tablestore.ErrIllegalState)
	assert.False(t, s.TryReserve())

	err = s.DoWithExclusiveLock(func(tablestore.TableStore) error { return nil })
	require.ErrorIs(t, err, tablestore.ErrClosed)

	_, err = s.Entries()
	require.ErrorIs(t, err, tablestore.ErrClosed)
}

func Test_Dump_And_WriteTo_Reflect_Current_Values(t *testing.T) {
	t.Parallel()

	s := openStore(t, filepath.Join(t.TempDir(), "metadata.cq4t"))

	acquire(t, s, "1", 4)
	acquire(t, s, "2", 0).Add(-2)

	dump, err := s.Dump()
	require.NoError(t, err)
	assert.Contains(t, dump, "entries: 2\n")
	assert.Contains(t, dump, "  1: 4\n")
	assert.Contains(t, dump, "  2: -2\n")

	var buf bytes.Buffer

	n, err := s.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), n)

	snapshot := buf.Bytes()
	assert.Equal(t, "TBS1", string(snapshot[:4]))
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(snapshot[offEntryCount:]))
	assert.Equal(t, int64(4), int64(binary.LittleEndian.Uint64(snapshot[headerSize:])))
}

func Test_AcquireValueFor_Creates_Each_Key_Once_When_Handles_Race(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metadata.cq4t")
	stores := []*tablestore.Store{openStore(t, path), openStore(t, path), openStore(t, path)}

	var wg sync.WaitGroup

	errs := make([]error, len(stores))

	for n, s := range stores {
		wg.Go(func() {
			for i := range 40 {
				errs[n] = s.DoWithExclusiveLock(func(ts tablestore.TableStore) error {
					v, err := ts.AcquireValueFor(tablestore.StringKey(fmt.Sprintf("c%d", i)), 0)
					if err != nil {
						return err
					}

					v.Add(1)

					return nil
				})
				if errs[n] != nil {
					return
				}
			}
		})
	}

	wg.Wait()
	require.NoError(t, errors.Join(errs...))

	entries, err := stores[0].Entries()
	require.NoError(t, err)
	require.Len(t, entries, 40)

	for _, e := range entries {
		assert.Equal(t, int64(len(stores)), e.Value, "key %s", e.Key)
	}
}
