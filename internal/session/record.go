package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"example.com/sessiontimeline/internal/timeline"
	"example.com/sessiontimeline/internal/zones"
)

// SchemaVersion tags the persisted record layout. Readers reject unknown
// versions instead of silently defaulting missing fields.
const SchemaVersion = "1"

// Validation codes surfaced to the persistence boundary. A failed code aborts
// only the current persist attempt; the session keeps running and the next
// autosave retries.
const (
	CodeMissingSession     = "missing-session"
	CodeInvalidStartTime   = "invalid-startTime"
	CodeRosterRequired     = "roster-required"
	CodeTooShortAndEmpty   = "session-too-short-and-empty"
	CodeSeriesTickMismatch = "series-tick-mismatch"
	CodeSeriesSizeCap      = "series-size-cap"
)

// ValidationError is a coded persist-validation failure.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Code + ": " + e.Message
}

func validationErrorf(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SessionInfo is the session header inside a Record.
type SessionInfo struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	TickIntervalMs int        `json:"tick_interval_ms"`
}

// Totals aggregates coin accrual for the whole session.
type Totals struct {
	Coins   float64              `json:"coins"`
	PerZone map[zones.ID]float64 `json:"per_zone"`
}

// EntityRecord is one reportable participation in the persisted record.
type EntityRecord struct {
	EntityID  string       `json:"entity_id"`
	ProfileID string       `json:"profile_id"`
	DeviceID  string       `json:"device_id"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Status    EntityStatus `json:"status"`
	Coins     float64      `json:"coins"`
	JoinOrder int          `json:"join_order"`
}

// Record is the serialized session handed to the persistence boundary on
// every autosave and at session end.
type Record struct {
	SchemaVersion string            `json:"schema_version"`
	Session       SessionInfo       `json:"session"`
	Totals        Totals            `json:"totals"`
	Entities      []EntityRecord    `json:"entities"`
	Timeline      timeline.Snapshot `json:"timeline"`
	Events        []OpaqueRecord    `json:"events,omitempty"`
	Snapshots     []OpaqueRecord    `json:"snapshots,omitempty"`
}

// Limits bounds record validation.
type Limits struct {
	MaxSeriesPoints    int
	MinSessionDuration time.Duration
}

// Validate checks the record against the persist contract. The returned error,
// if any, is a *ValidationError carrying one of the documented codes.
func (r Record) Validate(limits Limits, now time.Time) error {
	if strings.TrimSpace(r.Session.ID) == "" {
		return validationErrorf(CodeMissingSession, "record has no session id")
	}
	if r.Session.StartedAt.IsZero() {
		return validationErrorf(CodeInvalidStartTime, "session start time is unset")
	}
	if r.Session.EndedAt != nil && r.Session.StartedAt.After(*r.Session.EndedAt) {
		return validationErrorf(CodeInvalidStartTime, "session starts after it ends")
	}

	hasParticipantSeries := false
	points := 0
	for name, encoded := range r.Timeline.Series {
		if strings.HasPrefix(name, "participant:") {
			hasParticipantSeries = true
		}
		values, err := timeline.Decode(encoded)
		if err != nil {
			return validationErrorf(CodeSeriesTickMismatch, "series %s undecodable: %v", name, err)
		}
		if len(values) != r.Timeline.TickCount {
			return validationErrorf(CodeSeriesTickMismatch, "series %s has %d values for %d ticks", name, len(values), r.Timeline.TickCount)
		}
		points += len(values)
	}
	if r.Timeline.Points > points {
		points = r.Timeline.Points
	}

	if hasParticipantSeries && len(r.Entities) == 0 {
		return validationErrorf(CodeRosterRequired, "participant series present with empty roster")
	}

	end := now
	if r.Session.EndedAt != nil {
		end = *r.Session.EndedAt
	}
	if points == 0 && end.Sub(r.Session.StartedAt) < limits.MinSessionDuration {
		return validationErrorf(CodeTooShortAndEmpty, "session below %s with no data points", limits.MinSessionDuration)
	}

	if limits.MaxSeriesPoints > 0 && points > limits.MaxSeriesPoints {
		return validationErrorf(CodeSeriesSizeCap, "%d series points exceed cap %d", points, limits.MaxSeriesPoints)
	}
	return nil
}

// DecodeRecord parses a persisted record, rejecting unknown schema versions.
func DecodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode session record: %w", err)
	}
	if rec.SchemaVersion != SchemaVersion {
		return Record{}, fmt.Errorf("unsupported session record schema version %q", rec.SchemaVersion)
	}
	return rec, nil
}
