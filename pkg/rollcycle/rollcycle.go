// Package rollcycle maps wall-clock time onto cycle numbers.
//
// A cycle is the index of a fixed-length time bucket counted from an epoch
// (milliseconds since the Unix epoch, usually 0). Each cycle corresponds to
// one segment file whose name is the bucket's UTC start time.
package rollcycle

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FileSuffix is appended to every segment file name.
const FileSuffix = ".cq4"

var (
	// ErrUnknown is returned by [ByName] for a name no roll cycle uses.
	ErrUnknown = errors.New("rollcycle: unknown roll cycle")

	// ErrBadFileName is returned by [RollCycle.ParseFileName] when the name
	// does not match the roll cycle's layout.
	ErrBadFileName = errors.New("rollcycle: bad file name")
)

// RollCycle is a time bucketing policy. The zero value is not usable; use
// one of the package-level values or [ByName].
type RollCycle struct {
	name   string
	layout string
	length time.Duration
}

// Predefined roll cycles.
var (
	TestSecondly = RollCycle{name: "TEST_SECONDLY", layout: "20060102-150405", length: time.Second}
	Minutely     = RollCycle{name: "MINUTELY", layout: "20060102-1504", length: time.Minute}
	FiveMinutely = RollCycle{name: "FIVE_MINUTELY", layout: "20060102-1504", length: 5 * time.Minute}
	Hourly       = RollCycle{name: "HOURLY", layout: "20060102-15", length: time.Hour}
	Daily        = RollCycle{name: "DAILY", layout: "20060102", length: 24 * time.Hour}
)

var all = []RollCycle{TestSecondly, Minutely, FiveMinutely, Hourly, Daily}

// ByName returns the roll cycle with the given name, case-insensitively.
func ByName(name string) (RollCycle, error) {
	for _, rc := range all {
		if strings.EqualFold(rc.name, name) {
			return rc, nil
		}
	}

	return RollCycle{}, fmt.Errorf("%q: %w", name, ErrUnknown)
}

// Name returns the roll cycle's canonical name, e.g. "HOURLY".
func (rc RollCycle) Name() string { return rc.name }

// Length returns the duration of one cycle.
func (rc RollCycle) Length() time.Duration { return rc.length }

// IsZero reports whether rc is the zero value.
func (rc RollCycle) IsZero() bool { return rc.length == 0 }

func (rc RollCycle) String() string { return rc.name }

// Cycle returns the cycle containing t. Times before the epoch give
// negative cycles.
func (rc RollCycle) Cycle(t time.Time, epochMillis int64) int {
	ms := t.UnixMilli() - epochMillis
	length := rc.length.Milliseconds()

	c := ms / length
	if ms < 0 && ms%length != 0 {
		c--
	}

	return int(c)
}

// Start returns the first instant of cycle.
func (rc RollCycle) Start(cycle int, epochMillis int64) time.Time {
	return time.UnixMilli(epochMillis + int64(cycle)*rc.length.Milliseconds()).UTC()
}

// FileName returns the segment file name of cycle, e.g. "20261014-09.cq4".
func (rc RollCycle) FileName(cycle int, epochMillis int64) string {
	return rc.Start(cycle, epochMillis).Format(rc.layout) + FileSuffix
}

// ParseFileName returns the cycle whose segment file is called name.
func (rc RollCycle) ParseFileName(name string, epochMillis int64) (int, error) {
	stem, ok := strings.CutSuffix(name, FileSuffix)
	if !ok {
		return 0, fmt.Errorf("%q has no %s suffix: %w", name, FileSuffix, ErrBadFileName)
	}

	t, err := time.ParseInLocation(rc.layout, stem, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("%q: %w: %w", name, ErrBadFileName, err)
	}

	cycle := rc.Cycle(t, epochMillis)
	if rc.FileName(cycle, epochMillis) != name {
		return 0, fmt.Errorf("%q is not a %s boundary: %w", name, rc.name, ErrBadFileName)
	}

	return cycle, nil
}
