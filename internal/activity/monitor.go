// Package activity tracks participant active/inactive transitions and the
// dropout events shown as historical badges on the race chart.
//
// The monitor is a cache, not a source of truth: every dropout it records is
// reconstructible from the Timeline's heart-rate and coin series alone, which
// is what lets badge state survive a process restart.
package activity

import "time"

// DefaultMaxEvents caps the dropout list kept per participant.
const DefaultMaxEvents = 3

// DropoutEvent marks the moment a participant's signal vanished. Tick is the
// last tick the participant was confirmed active and never changes once the
// event is created.
type DropoutEvent struct {
	ParticipantID string    `json:"participant_id"`
	Tick          int       `json:"tick"`
	Value         float64   `json:"value"` // coin total at the dropout tick
	Timestamp     time.Time `json:"timestamp"`
}

// Monitor holds dropout events keyed by participant and the last observed
// activity state. Not safe for concurrent use; the orchestrator serializes
// access.
type Monitor struct {
	maxEvents int
	events    map[string][]DropoutEvent
	active    map[string]bool
}

// NewMonitor creates a Monitor keeping at most maxEvents dropouts per
// participant. Values below one fall back to DefaultMaxEvents.
func NewMonitor(maxEvents int) *Monitor {
	if maxEvents < 1 {
		maxEvents = DefaultMaxEvents
	}
	return &Monitor{
		maxEvents: maxEvents,
		events:    make(map[string][]DropoutEvent),
		active:    make(map[string]bool),
	}
}

// Observe records the participant's activity state for the tick that just
// closed. An active-to-inactive transition records a dropout at the previous
// tick with the participant's coin total there. The created event is returned,
// nil otherwise.
func (m *Monitor) Observe(participantID string, active bool, tick int, coinsAtLastActive float64, at time.Time) *DropoutEvent {
	wasActive := m.active[participantID]
	m.active[participantID] = active

	if !wasActive || active || tick == 0 {
		return nil
	}

	event := DropoutEvent{
		ParticipantID: participantID,
		Tick:          tick - 1,
		Value:         coinsAtLastActive,
		Timestamp:     at,
	}
	m.RecordDropout(event)
	return &event
}

// RecordDropout appends the event to the participant's list. Lists are
// append-only; when the cap is exceeded the oldest entry is evicted, since the
// most recent dropouts are the ones worth displaying.
func (m *Monitor) RecordDropout(event DropoutEvent) {
	list := append(m.events[event.ParticipantID], event)
	if len(list) > m.maxEvents {
		list = list[len(list)-m.maxEvents:]
	}
	m.events[event.ParticipantID] = list
}

// Events returns a copy of the participant's dropout list, oldest first.
func (m *Monitor) Events(participantID string) []DropoutEvent {
	return append([]DropoutEvent(nil), m.events[participantID]...)
}

// AllEvents returns a copy of every participant's dropout list.
func (m *Monitor) AllEvents() map[string][]DropoutEvent {
	out := make(map[string][]DropoutEvent, len(m.events))
	for id, list := range m.events {
		out[id] = append([]DropoutEvent(nil), list...)
	}
	return out
}

// SeriesGetter resolves a participant's committed series from the Timeline. A
// nil or empty result means no data.
type SeriesGetter func(participantID string) []any

// ReconstructFromTimeline rebuilds dropout history for participants that have
// no recorded events, scanning each heart-rate series once. A dropout is any
// index i>0 where the previous value is non-nil and the current one is nil;
// the event takes the previous tick and the coin total there. Timestamps are
// derived from the session start and tick interval.
//
// Reconstruction is idempotent, and participants with live-observed events are
// left untouched.
func (m *Monitor) ReconstructFromTimeline(heartRate, coins SeriesGetter, participantIDs []string, tickIntervalMs int, startedAt time.Time) {
	for _, id := range participantIDs {
		if len(m.events[id]) > 0 {
			continue
		}

		series := heartRate(id)
		coinSeries := coins(id)
		lastActive := false
		for i, value := range series {
			active := value != nil
			if i > 0 && lastActive && !active {
				event := DropoutEvent{
					ParticipantID: id,
					Tick:          i - 1,
					Value:         coinValueAt(coinSeries, i-1),
					Timestamp:     startedAt.Add(time.Duration(i-1) * time.Duration(tickIntervalMs) * time.Millisecond),
				}
				m.RecordDropout(event)
			}
			lastActive = active
		}
		m.active[id] = lastActive
	}
}

func coinValueAt(series []any, tick int) float64 {
	if tick < 0 || tick >= len(series) {
		return 0
	}
	if value, ok := series[tick].(float64); ok {
		return value
	}
	return 0
}
