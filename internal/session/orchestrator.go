package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/sessiontimeline/internal/activity"
	"example.com/sessiontimeline/internal/observability"
	"example.com/sessiontimeline/internal/timeline"
	"example.com/sessiontimeline/internal/zones"
)

var (
	// ErrSessionEnded is returned for any mutation after the session ended.
	ErrSessionEnded = errors.New("session already ended")
	// ErrUnknownDevice is returned for readings from a device with no bound
	// entity. Pairing happens before readings flow.
	ErrUnknownDevice = errors.New("device not bound to any entity")
	// ErrEntityNotFound is returned when an entity id does not exist.
	ErrEntityNotFound = errors.New("entity not found")
)

// Persister is the persistence boundary: one call per autosave or end,
// receiving the serialized session record.
type Persister interface {
	SaveSession(ctx context.Context, rec Record) error
}

// Option configures optional orchestrator behaviour.
type Option func(*Orchestrator)

// WithLogger overrides the logger used by the periodic loops.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithIDGenerator overrides entity/session id generation, for tests.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// Orchestrator owns one session: its Timeline, TreasureBox, entity roster, and
// the two periodic loops (tick collection, autosave). All state mutation goes
// through the internal mutex; the tick-collection path is the only Timeline
// writer, and autosave works on an immutable record built atomically under the
// same lock.
type Orchestrator struct {
	cfg        Config
	classifier *zones.Classifier
	persister  Persister
	logger     *log.Logger
	clock      func() time.Time
	newID      func() string

	mu       sync.Mutex
	session  Session
	state    State
	tl       *timeline.Timeline
	box      *zones.TreasureBox
	monitor  *activity.Monitor
	entities map[string]*Entity
	slots    map[string]string  // device id -> holding entity id
	latest   map[string]Reading // device id -> latest reading in the open window
	joinSeq  int

	lastActivityAt   time.Time
	emptyRosterSince time.Time

	events    []OpaqueRecord
	snapshots []OpaqueRecord

	autosaveBusy bool
	autosaveDone chan struct{}
	finalRecord  *Record

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates an idle orchestrator for a fresh session.
func New(tenantID string, cfg Config, classifier *zones.Classifier, persister Persister, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:        cfg,
		classifier: classifier,
		persister:  persister,
		logger:     log.New(log.Writer(), "[session] ", log.LstdFlags),
		clock:      time.Now,
		newID:      uuid.NewString,
		state:      StateIdle,
		tl:         timeline.New(int(cfg.TickInterval / time.Millisecond)),
		box:        zones.NewTreasureBox(),
		monitor:    activity.NewMonitor(cfg.MaxDropoutEvents),
		entities:   make(map[string]*Entity),
		slots:      make(map[string]string),
		latest:     make(map[string]Reading),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.session = Session{
		ID:             o.newID(),
		TenantID:       tenantID,
		TickIntervalMs: int(cfg.TickInterval / time.Millisecond),
	}
	return o
}

// ID returns the session identifier.
func (o *Orchestrator) ID() string { return o.session.ID }

// TenantID returns the owning tenant.
func (o *Orchestrator) TenantID() string { return o.session.TenantID }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Join binds a device slot to a new participation entity and returns its id.
// If another entity currently holds the slot, the grace-period rule applies:
// a holder seen active within GracePeriod transfers its coins and start time
// to the newcomer and disappears from the reportable roster; a stale holder is
// dropped and the newcomer starts fresh.
func (o *Orchestrator) Join(profileID, deviceID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateEnded {
		return "", ErrSessionEnded
	}

	now := o.clock()
	entity := &Entity{
		ID:           o.newID(),
		ProfileID:    profileID,
		DeviceID:     deviceID,
		StartedAt:    now,
		Status:       EntityActive,
		LastActiveAt: now,
		JoinOrder:    o.joinSeq,
	}
	o.joinSeq++

	if holderID, held := o.slots[deviceID]; held {
		holder := o.entities[holderID]
		if holder != nil && !holder.Terminal() {
			if now.Sub(holder.LastActiveAt) < o.cfg.GracePeriod {
				entity.StartedAt = holder.StartedAt
				o.box.Transfer(holder.ID, entity.ID)
				entity.Coins = o.box.EntityTotal(entity.ID)
				holder.Coins = 0
				holder.markTransferred(now)
			} else {
				holder.markDropped(now)
			}
		}
	}

	o.entities[entity.ID] = entity
	o.slots[deviceID] = entity.ID
	o.emptyRosterSince = time.Time{}
	return entity.ID, nil
}

// Leave marks the entity dropped and frees its device slot.
func (o *Orchestrator) Leave(entityID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateEnded {
		return ErrSessionEnded
	}
	entity, ok := o.entities[entityID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	if entity.Terminal() {
		return nil
	}
	entity.markDropped(o.clock())
	if o.slots[entity.DeviceID] == entityID {
		delete(o.slots, entity.DeviceID)
	}
	return nil
}

// Deliver handles one device reading synchronously. The first reading moves
// the session from idle to active and stamps its start time.
func (o *Orchestrator) Deliver(r Reading) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateEnded {
		return ErrSessionEnded
	}

	holderID, held := o.slots[r.DeviceID]
	if !held {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, r.DeviceID)
	}

	now := o.clock()
	if o.state == StateIdle {
		o.state = StateActive
		o.session.StartedAt = now
	}
	o.lastActivityAt = now
	if holder := o.entities[holderID]; holder != nil {
		holder.LastActiveAt = now
	}
	// Only heart-rate readings occupy the liveness slot; other metrics count
	// as device activity but must not displace an HR reading already waiting
	// in the open tick window.
	if r.Metric == MetricHeartRate {
		o.latest[r.DeviceID] = r
	}
	return nil
}

// AddEvent appends an opaque timestamped payload to the session's event log.
func (o *Orchestrator) AddEvent(payload json.RawMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateEnded {
		return ErrSessionEnded
	}
	o.events = append(o.events, OpaqueRecord{Timestamp: o.clock(), Payload: payload})
	return nil
}

// AddSnapshot appends an opaque pass-through snapshot record.
func (o *Orchestrator) AddSnapshot(payload json.RawMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateEnded {
		return ErrSessionEnded
	}
	o.snapshots = append(o.snapshots, OpaqueRecord{Timestamp: o.clock(), Payload: payload})
	return nil
}

// Run drives the tick-collection and autosave loops until the context is
// cancelled or the session ends. It should be called in a goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	tick := time.NewTicker(o.cfg.TickInterval)
	save := time.NewTicker(o.cfg.AutosaveInterval)
	defer func() {
		tick.Stop()
		save.Stop()
		close(o.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-tick.C:
			if reason := o.collectTick(); reason != "" {
				o.logger.Printf("session %s auto-ending: %s", o.session.ID, reason)
				if _, err := o.End(ctx); err != nil && !errors.Is(err, ErrSessionEnded) {
					o.logger.Printf("session %s auto-end persist failed: %v", o.session.ID, err)
				}
				return
			}
		case <-save.C:
			o.autosave(ctx)
		}
	}
}

// Wait blocks until the Run loop has fully stopped.
func (o *Orchestrator) Wait() {
	<-o.done
}

// collectTick runs one tick-collection pass and returns a non-empty reason
// when an auto-end condition has been met.
func (o *Orchestrator) collectTick() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateActive {
		return ""
	}
	o.collectTickLocked()
	return o.autoEndReasonLocked()
}

func (o *Orchestrator) collectTickLocked() {
	now := o.clock()
	tick := o.tl.TickCount()

	for _, entity := range o.activeEntitiesLocked() {
		reading, present := o.latest[entity.DeviceID]
		live := present && reading.Metric == MetricHeartRate && o.slots[entity.DeviceID] == entity.ID

		var hr any
		var zoneValue any
		if live {
			hr = reading.Value
			zone := o.classifier.Classify(reading.Value)
			entity.Coins = o.box.Accrue(zone, entity.ID)
			entity.LastActiveAt = now
			zoneValue = string(zone.ID)
		}

		o.record(HeartRateKey(entity.ProfileID), tick, hr)
		o.record(ZoneKey(entity.ProfileID), tick, zoneValue)
		total := o.box.EntityTotal(entity.ID)
		o.record(CoinsKey(entity.ProfileID), tick, total)

		if event := o.monitor.Observe(entity.ProfileID, live, tick, total, now); event != nil {
			observability.RecordDropout()
		}
	}

	o.record(SessionCoinsKey(o.session.ID), tick, o.box.Total())

	o.latest = make(map[string]Reading)
	o.tl.CommitTick()
	observability.RecordTickCollected()
}

// record writes one series slot; failures here are programming errors in the
// single-writer path and are fatal to the tick, so they are only logged.
func (o *Orchestrator) record(key timeline.SeriesKey, tick int, value any) {
	if err := o.tl.RecordTick(key, tick, value); err != nil {
		o.logger.Printf("session %s: %v", o.session.ID, err)
	}
}

func (o *Orchestrator) autoEndReasonLocked() string {
	now := o.clock()

	if !o.lastActivityAt.IsZero() && now.Sub(o.lastActivityAt) >= o.cfg.InactivityTimeout {
		return "inactivity timeout"
	}

	if len(o.activeEntitiesLocked()) == 0 {
		if o.emptyRosterSince.IsZero() {
			o.emptyRosterSince = now
		} else if now.Sub(o.emptyRosterSince) >= o.cfg.EmptyRosterTimeout {
			return "empty roster timeout"
		}
	} else {
		o.emptyRosterSince = time.Time{}
	}
	return ""
}

// activeEntitiesLocked returns non-terminal entities in join order.
func (o *Orchestrator) activeEntitiesLocked() []*Entity {
	out := make([]*Entity, 0, len(o.entities))
	for _, entity := range o.entities {
		if !entity.Terminal() {
			out = append(out, entity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinOrder < out[j].JoinOrder })
	return out
}

// autosave builds and validates a record under the lock, then persists it
// outside the lock. At most one persist is in flight; an autosave firing while
// one is pending is skipped, since the next cycle re-snapshots anyway.
func (o *Orchestrator) autosave(ctx context.Context) {
	o.mu.Lock()
	if o.state != StateActive {
		o.mu.Unlock()
		return
	}
	if o.autosaveBusy {
		o.mu.Unlock()
		observability.RecordAutosave("skipped")
		return
	}

	rec, err := o.buildRecordLocked()
	if err == nil {
		err = rec.Validate(o.limits(), o.clock())
	}
	if err != nil {
		o.mu.Unlock()
		observability.RecordAutosave("invalid")
		o.logger.Printf("session %s autosave validation: %v", o.session.ID, err)
		return
	}

	o.autosaveBusy = true
	done := make(chan struct{})
	o.autosaveDone = done
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			o.autosaveBusy = false
			o.mu.Unlock()
			close(done)
		}()
		if err := o.persister.SaveSession(ctx, rec); err != nil {
			observability.RecordAutosave("failed")
			o.logger.Printf("session %s autosave persist: %v", o.session.ID, err)
			return
		}
		observability.RecordAutosave("saved")
		observability.RecordSessionPersisted(o.clock())
	}()
}

// End finalizes the session: one last tick collection, a forced synchronous
// persist, and cancellation of both periodic loops. The session is marked
// ended even when the final persist fails; the error reports the loss risk.
func (o *Orchestrator) End(ctx context.Context) (Record, error) {
	o.mu.Lock()
	if o.state == StateEnded {
		rec := o.finalRecord
		o.mu.Unlock()
		if rec != nil {
			return *rec, ErrSessionEnded
		}
		return Record{}, ErrSessionEnded
	}

	if o.state == StateActive {
		o.collectTickLocked()
	}

	now := o.clock()
	o.state = StateEnded
	ended := now
	o.session.EndedAt = &ended
	for _, entity := range o.entities {
		if !entity.Terminal() && entity.EndedAt == nil {
			entity.EndedAt = &ended
		}
	}

	rec, err := o.buildRecordLocked()
	if err == nil {
		o.finalRecord = &rec
	}
	o.mu.Unlock()

	o.stopOnce.Do(func() { close(o.stop) })

	// The session is already marked ended, so no new autosave can start;
	// wait out any persist still in flight so the final record is the last
	// write this session ever issues.
	o.waitAutosaveLanded()

	if err != nil {
		return Record{}, fmt.Errorf("build final record: %w", err)
	}
	if err := rec.Validate(o.limits(), now); err != nil {
		return rec, fmt.Errorf("final record invalid: %w", err)
	}
	if err := o.persister.SaveSession(ctx, rec); err != nil {
		return rec, fmt.Errorf("final persist: %w", err)
	}
	observability.RecordSessionPersisted(now)
	return rec, nil
}

func (o *Orchestrator) waitAutosaveLanded() {
	o.mu.Lock()
	done := o.autosaveDone
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (o *Orchestrator) limits() Limits {
	return Limits{
		MaxSeriesPoints:    o.cfg.MaxSeriesPoints,
		MinSessionDuration: o.cfg.MinSessionDuration,
	}
}

func (o *Orchestrator) buildRecordLocked() (Record, error) {
	snap, err := o.tl.Snapshot()
	if err != nil {
		return Record{}, err
	}

	entities := make([]EntityRecord, 0, len(o.entities))
	for _, entity := range o.entities {
		if entity.Status == EntityTransferred {
			continue
		}
		entities = append(entities, EntityRecord{
			EntityID:  entity.ID,
			ProfileID: entity.ProfileID,
			DeviceID:  entity.DeviceID,
			StartedAt: entity.StartedAt,
			EndedAt:   entity.EndedAt,
			Status:    entity.Status,
			Coins:     entity.Coins,
			JoinOrder: entity.JoinOrder,
		})
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].JoinOrder < entities[j].JoinOrder })

	return Record{
		SchemaVersion: SchemaVersion,
		Session: SessionInfo{
			ID:             o.session.ID,
			TenantID:       o.session.TenantID,
			StartedAt:      o.session.StartedAt,
			EndedAt:        o.session.EndedAt,
			TickIntervalMs: o.session.TickIntervalMs,
		},
		Totals: Totals{
			Coins:   o.box.Total(),
			PerZone: o.box.PerZone(),
		},
		Entities:  entities,
		Timeline:  snap,
		Events:    append([]OpaqueRecord(nil), o.events...),
		Snapshots: append([]OpaqueRecord(nil), o.snapshots...),
	}, nil
}

// RestoreDropouts rebuilds the activity monitor's dropout cache from the
// Timeline, for orchestrators rehydrated after a restart and for readers that
// only have series data.
func (o *Orchestrator) RestoreDropouts() {
	o.mu.Lock()
	defer o.mu.Unlock()

	profiles := o.profileIDsLocked()
	heartRate := func(profileID string) []any {
		series, _ := o.tl.Series(HeartRateKey(profileID))
		return series
	}
	coins := func(profileID string) []any {
		series, _ := o.tl.Series(CoinsKey(profileID))
		return series
	}
	o.monitor.ReconstructFromTimeline(heartRate, coins, profiles, o.session.TickIntervalMs, o.session.StartedAt)
}

func (o *Orchestrator) profileIDsLocked() []string {
	seen := make(map[string]bool)
	profiles := make([]string, 0, len(o.entities))
	for _, entity := range o.entities {
		if !seen[entity.ProfileID] {
			seen[entity.ProfileID] = true
			profiles = append(profiles, entity.ProfileID)
		}
	}
	sort.Strings(profiles)
	return profiles
}
