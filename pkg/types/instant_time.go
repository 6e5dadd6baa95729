// Package types holds the value types shared across tidelake components:
// instant times, file identities, and the immutable record value.
package types

import (
	"fmt"
	"sync"
	"time"
)

// InstantTimeLen is the length of a formatted instant time:
// yyyyMMddHHmmssSSS (UTC, millisecond precision).
const InstantTimeLen = 17

const instantTimeSecondsLayout = "20060102150405"

// Instant times are strings so they sort lexicographically the same way they
// sort numerically; the persisted timeline relies on this for reconstruction.

// FormatInstantTime renders t as a 17-digit UTC instant time.
func FormatInstantTime(t time.Time) string {
	t = t.UTC()
	return t.Format(instantTimeSecondsLayout) + fmt.Sprintf("%03d", t.Nanosecond()/int(time.Millisecond))
}

// ParseInstantTime parses a 17-digit instant time back into a time.Time.
func ParseInstantTime(s string) (time.Time, error) {
	if len(s) != InstantTimeLen {
		return time.Time{}, fmt.Errorf("types: invalid instant time length %d: %q", len(s), s)
	}
	base, err := time.Parse(instantTimeSecondsLayout, s[:14])
	if err != nil {
		return time.Time{}, fmt.Errorf("types: invalid instant time %q: %w", s, err)
	}
	ms := 0
	for _, c := range s[14:] {
		// Sscanf-style parsing accepts a partial digit match; every one of
		// the three millisecond characters must be a digit.
		if c < '0' || c > '9' {
			return time.Time{}, fmt.Errorf("types: invalid instant time millis %q", s)
		}
		ms = ms*10 + int(c-'0')
	}
	return base.Add(time.Duration(ms) * time.Millisecond), nil
}

// ValidInstantTime reports whether s parses as an instant time.
func ValidInstantTime(s string) bool {
	_, err := ParseInstantTime(s)
	return err == nil
}

// TimeGenerator produces strictly increasing instant times from a
// skew-corrected wall clock. Generators on different writers stay globally
// comparable because the format is a UTC timestamp; strict per-writer
// ordering is enforced by bumping into the next millisecond whenever the
// wall clock stalls or regresses.
type TimeGenerator struct {
	mu   sync.Mutex
	skew time.Duration
	last string
	now  func() time.Time
}

// NewTimeGenerator creates a generator. skew is added to every reading to
// compensate for the configured maximum clock skew between writers.
func NewTimeGenerator(skew time.Duration) *TimeGenerator {
	return &TimeGenerator{skew: skew, now: time.Now}
}

// NewTimeGeneratorWithClock creates a generator with an injected clock.
// Used by tests to produce deterministic instant times.
func NewTimeGeneratorWithClock(skew time.Duration, now func() time.Time) *TimeGenerator {
	return &TimeGenerator{skew: skew, now: now}
}

// Next returns a new instant time strictly greater than any previously
// returned by this generator.
func (g *TimeGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	candidate := FormatInstantTime(g.now().Add(g.skew))
	if g.last != "" && candidate <= g.last {
		lastT, err := ParseInstantTime(g.last)
		if err != nil {
			// last was produced by FormatInstantTime, so this cannot happen
			panic(err)
		}
		candidate = FormatInstantTime(lastT.Add(time.Millisecond))
	}
	g.last = candidate
	return candidate
}
