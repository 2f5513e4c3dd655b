package timeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrOutOfOrderTick indicates a write targeting anything other than the
	// currently open tick. Out-of-order writes are a programming error and are
	// rejected rather than reordered.
	ErrOutOfOrderTick = errors.New("tick write out of order")
	// ErrSlotAlreadyWritten indicates a second write to the same series within
	// one tick window.
	ErrSlotAlreadyWritten = errors.New("series slot already written for this tick")
	// ErrSeriesTickMismatch indicates a series whose length diverged from the
	// committed tick count.
	ErrSeriesTickMismatch = errors.New("series length does not match tick count")
	// ErrInvalidKey indicates a malformed series key string.
	ErrInvalidKey = errors.New("invalid series key")
)

// SeriesKey identifies one series by entity kind, identifier, and metric.
type SeriesKey struct {
	Kind   string
	ID     string
	Metric string
}

// String renders the key in its canonical kind:id:metric form.
func (k SeriesKey) String() string {
	return k.Kind + ":" + k.ID + ":" + k.Metric
}

// ParseSeriesKey parses a canonical kind:id:metric key string.
func ParseSeriesKey(s string) (SeriesKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return SeriesKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return SeriesKey{Kind: parts[0], ID: parts[1], Metric: parts[2]}, nil
}

// Timeline is an append-only, tick-indexed store of named series. All series
// share one fixed tick interval. Writes land in the currently open tick;
// CommitTick closes it, padding unwritten series with nil gaps, so committed
// series always have exactly TickCount values.
//
// Timeline is not safe for concurrent use; the session orchestrator serializes
// access under its single-writer discipline.
type Timeline struct {
	tickIntervalMs int
	tickCount      int
	series         map[string][]any
}

// New creates an empty Timeline with the given tick interval.
func New(tickIntervalMs int) *Timeline {
	return &Timeline{
		tickIntervalMs: tickIntervalMs,
		series:         make(map[string][]any),
	}
}

// TickIntervalMs returns the fixed tick width in milliseconds.
func (t *Timeline) TickIntervalMs() int { return t.tickIntervalMs }

// TickCount returns the number of committed ticks.
func (t *Timeline) TickCount() int { return t.tickCount }

// RecordTick writes a value into the open tick for the given series. The tick
// argument must equal TickCount; anything else is rejected.
func (t *Timeline) RecordTick(key SeriesKey, tick int, value any) error {
	if tick != t.tickCount {
		return fmt.Errorf("%w: got tick %d, open tick is %d", ErrOutOfOrderTick, tick, t.tickCount)
	}

	normalized, err := normalizeValue(value)
	if err != nil {
		return err
	}

	name := key.String()
	series := t.series[name]
	if len(series) > t.tickCount {
		return fmt.Errorf("%w: %s tick %d", ErrSlotAlreadyWritten, name, tick)
	}
	for len(series) < t.tickCount {
		series = append(series, nil)
	}
	t.series[name] = append(series, normalized)
	return nil
}

// CommitTick closes the open tick. Series that received no write this tick are
// padded with a nil gap so every series stays aligned with the tick count.
func (t *Timeline) CommitTick() {
	t.tickCount++
	for name, series := range t.series {
		for len(series) < t.tickCount {
			series = append(series, nil)
		}
		t.series[name] = series
	}
}

// Series returns a copy of the named series, safe from later mutation. The
// second return reports whether the series exists.
func (t *Timeline) Series(key SeriesKey) ([]any, bool) {
	series, ok := t.series[key.String()]
	if !ok {
		return nil, false
	}
	return append([]any(nil), series...), true
}

// ValueAt returns the committed value of a series at a given tick, or nil when
// the series or tick is absent.
func (t *Timeline) ValueAt(key SeriesKey, tick int) any {
	series, ok := t.series[key.String()]
	if !ok || tick < 0 || tick >= len(series) {
		return nil
	}
	return series[tick]
}

// Keys returns the sorted key strings of all series.
func (t *Timeline) Keys() []string {
	keys := make([]string, 0, len(t.series))
	for name := range t.series {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}

// Points returns the total number of stored series points.
func (t *Timeline) Points() int {
	total := 0
	for _, series := range t.series {
		total += len(series)
	}
	return total
}

// Snapshot is an immutable, run-length-encoded copy of a Timeline suitable for
// handing to the persistence boundary.
type Snapshot struct {
	TickIntervalMs int               `json:"tick_interval_ms"`
	TickCount      int               `json:"tick_count"`
	Encoding       string            `json:"encoding"`
	Series         map[string]string `json:"series"`
	Points         int               `json:"-"`
}

// Snapshot encodes every committed series. Series that are entirely nil are
// omitted; readers must treat a missing key as all-null. Any series whose
// length disagrees with the tick count fails the snapshot.
func (t *Timeline) Snapshot() (Snapshot, error) {
	snap := Snapshot{
		TickIntervalMs: t.tickIntervalMs,
		TickCount:      t.tickCount,
		Encoding:       "rle",
		Series:         make(map[string]string, len(t.series)),
	}

	for _, name := range t.Keys() {
		series := t.series[name]
		if len(series) != t.tickCount {
			return Snapshot{}, fmt.Errorf("%w: %s has %d values for %d ticks", ErrSeriesTickMismatch, name, len(series), t.tickCount)
		}
		snap.Points += len(series)
		if AllNull(series) {
			continue
		}
		encoded, err := Encode(series)
		if err != nil {
			return Snapshot{}, fmt.Errorf("encode %s: %w", name, err)
		}
		snap.Series[name] = encoded
	}
	return snap, nil
}

// Clone returns an independent deep copy of the Timeline.
func (t *Timeline) Clone() *Timeline {
	clone := New(t.tickIntervalMs)
	clone.tickCount = t.tickCount
	for name, series := range t.series {
		clone.series[name] = append([]any(nil), series...)
	}
	return clone
}
