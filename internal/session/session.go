// Package session owns the workout session lifecycle: the entity roster with
// its grace-period handoff rules, the tick-collection and autosave loops, and
// the serialized record handed to the persistence boundary.
package session

import (
	"encoding/json"
	"time"

	"example.com/sessiontimeline/internal/timeline"
)

// State is the orchestrator lifecycle state.
type State string

const (
	// StateIdle means the session exists but no device activity has arrived.
	StateIdle State = "idle"
	// StateActive means tick collection is running.
	StateActive State = "active"
	// StateEnded is terminal; the session record is immutable afterwards.
	StateEnded State = "ended"
)

// MetricHeartRate is the device metric recorded into participant series.
const MetricHeartRate = "heartRate"

// Session describes one workout occurrence.
type Session struct {
	ID             string
	TenantID       string
	StartedAt      time.Time
	EndedAt        *time.Time
	TickIntervalMs int
}

// Reading is one per-tick device reading delivered by an external transport.
// Absence of a reading within a tick window records a nil gap.
type Reading struct {
	DeviceID  string    `json:"device_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// RosterEntry pairs a participant profile with the device streaming for it.
type RosterEntry struct {
	ProfileID string `json:"profile_id"`
	DeviceID  string `json:"device_id"`
}

// OpaqueRecord is a timestamped pass-through payload (voice memos, camera
// snapshots) stored on the session record without interpretation.
type OpaqueRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Config carries the orchestrator tunables. Zero fields fall back to the
// documented defaults.
type Config struct {
	TickInterval       time.Duration
	AutosaveInterval   time.Duration
	GracePeriod        time.Duration
	InactivityTimeout  time.Duration
	EmptyRosterTimeout time.Duration
	MinSessionDuration time.Duration
	MaxSeriesPoints    int
	MaxDropoutEvents   int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.AutosaveInterval <= 0 {
		c.AutosaveInterval = 15 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = time.Minute
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 3 * time.Minute
	}
	if c.EmptyRosterTimeout <= 0 {
		c.EmptyRosterTimeout = time.Minute
	}
	if c.MinSessionDuration <= 0 {
		c.MinSessionDuration = time.Minute
	}
	if c.MaxSeriesPoints <= 0 {
		c.MaxSeriesPoints = 200_000
	}
	if c.MaxDropoutEvents <= 0 {
		c.MaxDropoutEvents = 3
	}
	return c
}

// Series key constructors. Participant series are keyed by profile so the
// chart stays continuous across entity handoffs.

func participantKey(profileID, metric string) timeline.SeriesKey {
	return timeline.SeriesKey{Kind: "participant", ID: profileID, Metric: metric}
}

// HeartRateKey returns the per-participant heart-rate series key.
func HeartRateKey(profileID string) timeline.SeriesKey {
	return participantKey(profileID, MetricHeartRate)
}

// CoinsKey returns the per-participant cumulative coin series key.
func CoinsKey(profileID string) timeline.SeriesKey {
	return participantKey(profileID, "coins")
}

// ZoneKey returns the per-participant zone enum series key.
func ZoneKey(profileID string) timeline.SeriesKey {
	return participantKey(profileID, "zone")
}

// SessionCoinsKey returns the session-wide cumulative coin series key.
func SessionCoinsKey(sessionID string) timeline.SeriesKey {
	return timeline.SeriesKey{Kind: "session", ID: sessionID, Metric: "coins"}
}
