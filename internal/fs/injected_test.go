package fs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func Test_Faulty_Fails_Matching_Paths_The_Configured_Number_Of_Times(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := NewFaulty(NewReal())
	f.Fail(OpRemove, func(p string) bool { return strings.HasSuffix(p, ".cq4") }, syscall.EIO, 1)

	keep := filepath.Join(dir, "a.cq4")
	other := filepath.Join(dir, "b.txt")

	for _, p := range []string{keep, other} {
		if err := os.WriteFile(p, nil, 0o600); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	err := f.Remove(keep)
	if !IsInjected(err) || !errors.Is(err, syscall.EIO) {
		t.Fatalf("Remove(%s) = %v, want injected EIO", keep, err)
	}

	if err := f.Remove(other); err != nil {
		t.Fatalf("Remove(%s) = %v, want nil", other, err)
	}

	if err := f.Remove(keep); err != nil {
		t.Fatalf("second Remove(%s) = %v, want nil", keep, err)
	}

	if got, want := f.Hits(OpRemove), 1; got != want {
		t.Fatalf("Hits(remove) = %d, want %d", got, want)
	}
}

func Test_Faulty_Passes_Through_When_Reset(t *testing.T) {
	t.Parallel()

	f := NewFaulty(NewReal())
	f.Fail(OpMkdirAll, nil, syscall.ENOSPC, -1)

	dir := filepath.Join(t.TempDir(), "q")

	err := f.MkdirAll(dir, 0o755)
	if !errors.Is(err, syscall.ENOSPC) {
		t.Fatalf("MkdirAll = %v, want ENOSPC", err)
	}

	f.Reset()

	if err := f.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll after reset = %v", err)
	}
}

func Test_IsInjected_Returns_False_When_Error_Is_Real(t *testing.T) {
	t.Parallel()

	_, err := NewReal().Stat(filepath.Join(t.TempDir(), "missing"))
	if err == nil || IsInjected(err) {
		t.Fatalf("IsInjected(%v) = true, want false", err)
	}

	if IsInjected(nil) {
		t.Fatal("IsInjected(nil) = true")
	}
}
