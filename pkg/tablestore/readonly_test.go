package tablestore_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/calvinalkan/rollq/pkg/tablestore"
)

func Test_ReadOnlyStore_Fails_Every_Mutation_When_Called(t *testing.T) {
	t.Parallel()

	var meta tablestore.Metadata
	meta.Version = 2

	s := tablestore.NewReadOnly(meta)

	if s.Metadata() != meta {
		t.Fatalf("Metadata = %+v, want %+v", s.Metadata(), meta)
	}

	if s.TryReserve() {
		t.Fatal("TryReserve: got true, want false")
	}

	ran := false

	_, acquireErr := s.AcquireValueFor(tablestore.StringKey("1"), 0)
	_, refErr := s.RefCount()
	_, fileErr := s.File()
	_, dumpErr := s.Dump()
	_, writeErr := s.WriteTo(&bytes.Buffer{})

	errs := map[string]error{
		"AcquireValueFor": acquireErr,
		"DoWithExclusiveLock": s.DoWithExclusiveLock(func(tablestore.TableStore) error {
			ran = true

			return nil
		}),
		"Reserve":  s.Reserve(),
		"Release":  s.Release(),
		"RefCount": refErr,
		"File":     fileErr,
		"Dump":     dumpErr,
		"WriteTo":  writeErr,
	}

	for op, err := range errs {
		if !errors.Is(err, tablestore.ErrReadOnly) {
			t.Errorf("%s: err=%v, want ErrReadOnly", op, err)
		}
	}

	if ran {
		t.Fatal("DoWithExclusiveLock ran fn on a read-only store")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
