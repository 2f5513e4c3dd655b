package session

import "time"

// EntityStatus tracks a participation instance through its terminal states.
type EntityStatus string

const (
	// EntityActive means the entity currently holds its device slot.
	EntityActive EntityStatus = "active"
	// EntityDropped means the participation ended for good; the entity stays
	// in the persisted record.
	EntityDropped EntityStatus = "dropped"
	// EntityTransferred means a grace-period handoff folded this entity into
	// its successor. Transferred entities are bookkeeping artifacts and are
	// excluded from the persisted entity list.
	EntityTransferred EntityStatus = "transferred"
)

// Entity is one participation instance. A profile may map to several entities
// over a session's life; entity IDs are never reused.
type Entity struct {
	ID           string
	ProfileID    string
	DeviceID     string
	StartedAt    time.Time
	EndedAt      *time.Time
	Status       EntityStatus
	Coins        float64
	LastActiveAt time.Time
	JoinOrder    int
}

// Terminal reports whether the entity reached a terminal status.
func (e *Entity) Terminal() bool {
	return e.Status == EntityDropped || e.Status == EntityTransferred
}

func (e *Entity) markDropped(at time.Time) {
	e.Status = EntityDropped
	ended := at
	e.EndedAt = &ended
}

func (e *Entity) markTransferred(at time.Time) {
	e.Status = EntityTransferred
	ended := at
	e.EndedAt = &ended
}
