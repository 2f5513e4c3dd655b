package session

import (
	"sort"

	"example.com/sessiontimeline/internal/activity"
)

// ParticipantFrame is one participant's current position data for the race
// chart: the live coin total and the latest committed heart rate.
type ParticipantFrame struct {
	ProfileID string
	EntityID  string
	Coins     float64
	HeartRate *float64
	Active    bool
	JoinOrder int
}

// FrameData is an atomic read of everything the renderer needs to derive
// layout elements: live participants become avatars at the current tick,
// dropout events become frozen badges.
type FrameData struct {
	SessionID    string
	State        State
	Tick         int // committed tick count; avatars sit at Tick-1
	Coins        float64
	Participants []ParticipantFrame
	Dropouts     []activity.DropoutEvent
}

// Frame returns an atomic snapshot of current chart state.
func (o *Orchestrator) Frame() FrameData {
	o.mu.Lock()
	defer o.mu.Unlock()

	frame := FrameData{
		SessionID: o.session.ID,
		State:     o.state,
		Tick:      o.tl.TickCount(),
		Coins:     o.box.Total(),
	}

	latestTick := o.tl.TickCount() - 1
	for _, entity := range o.activeEntitiesLocked() {
		pf := ParticipantFrame{
			ProfileID: entity.ProfileID,
			EntityID:  entity.ID,
			Coins:     o.box.EntityTotal(entity.ID),
			JoinOrder: entity.JoinOrder,
		}
		if value := o.tl.ValueAt(HeartRateKey(entity.ProfileID), latestTick); value != nil {
			if hr, ok := value.(float64); ok {
				pf.HeartRate = &hr
				pf.Active = true
			}
		}
		frame.Participants = append(frame.Participants, pf)
	}

	for _, profileID := range o.profileIDsLocked() {
		frame.Dropouts = append(frame.Dropouts, o.monitor.Events(profileID)...)
	}
	sort.Slice(frame.Dropouts, func(i, j int) bool {
		a, b := frame.Dropouts[i], frame.Dropouts[j]
		if a.ParticipantID != b.ParticipantID {
			return a.ParticipantID < b.ParticipantID
		}
		return a.Tick < b.Tick
	})

	return frame
}
