package types

import (
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_InstantTimeOrdering validates that lexicographic order of
// formatted instant times always matches chronological order, which the
// persisted timeline depends on for reconstruction.
func TestProperty_InstantTimeOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("later wall-clock times format lexicographically greater", prop.ForAll(
		func(t1Ms, t2Ms int64) bool {
			if t1Ms >= t2Ms {
				t1Ms, t2Ms = t2Ms, t1Ms+1
			}
			s1 := FormatInstantTime(time.UnixMilli(t1Ms))
			s2 := FormatInstantTime(time.UnixMilli(t2Ms))
			return s1 < s2
		},
		gen.Int64Range(1000000000000, 2000000000000), // 2001-2033
		gen.Int64Range(1000000000000, 2000000000000),
	))

	properties.Property("formatted times roundtrip through parse", prop.ForAll(
		func(tMs int64) bool {
			s := FormatInstantTime(time.UnixMilli(tMs))
			parsed, err := ParseInstantTime(s)
			return err == nil && parsed.UnixMilli() == tMs
		},
		gen.Int64Range(1000000000000, 2000000000000),
	))

	properties.TestingRun(t)
}

// TestProperty_TimeGeneratorMonotonic validates that a generator emits
// strictly increasing instant times even when its clock stalls or jumps
// backwards between readings.
func TestProperty_TimeGeneratorMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("generated times are strictly increasing under clock jitter", prop.ForAll(
		func(jitters []int64) bool {
			base := time.UnixMilli(1700000000000)
			i := 0
			g := NewTimeGeneratorWithClock(0, func() time.Time {
				if i >= len(jitters) {
					return base
				}
				r := base.Add(time.Duration(jitters[i]) * time.Millisecond)
				i++
				return r
			})

			out := make([]string, 0, len(jitters)+1)
			for range jitters {
				out = append(out, g.Next())
			}
			if !sort.StringsAreSorted(out) {
				return false
			}
			for j := 1; j < len(out); j++ {
				if out[j] == out[j-1] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(-5000, 5000)),
	))

	properties.TestingRun(t)
}
