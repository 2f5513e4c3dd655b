package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/sessiontimeline/internal/activity"
	"example.com/sessiontimeline/internal/zones"
)

func testOrchestrator(t *testing.T, persister Persister) (*Orchestrator, *fakeClock) {
	t.Helper()

	classifier, err := zones.NewClassifier(zones.DefaultZones())
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, time.March, 14, 18, 0, 0, 0, time.UTC)}
	ids := &sequentialIDs{}

	orch := New("tenant-1", Config{
		TickInterval:       5 * time.Second,
		AutosaveInterval:   15 * time.Second,
		GracePeriod:        time.Minute,
		InactivityTimeout:  3 * time.Minute,
		EmptyRosterTimeout: time.Minute,
		MinSessionDuration: time.Minute,
	}, classifier, persister, WithClock(clock.Now), WithIDGenerator(ids.Next))
	return orch, clock
}

// tickOnce advances the clock by one tick interval and collects.
func tickOnce(orch *Orchestrator, clock *fakeClock) {
	clock.Advance(5 * time.Second)
	orch.collectTick()
}

func deliverHR(t *testing.T, orch *Orchestrator, deviceID string, hr float64, at time.Time) {
	t.Helper()
	require.NoError(t, orch.Deliver(Reading{DeviceID: deviceID, Metric: MetricHeartRate, Value: hr, Timestamp: at}))
}

func TestFirstReadingActivatesSession(t *testing.T) {
	orch, clock := testOrchestrator(t, &stubPersister{})
	_, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)

	require.Equal(t, StateIdle, orch.State())
	deliverHR(t, orch, "hrm-1", 130, clock.Now())
	require.Equal(t, StateActive, orch.State())
}

func TestDeliverRejectsUnknownDevice(t *testing.T) {
	orch, clock := testOrchestrator(t, &stubPersister{})
	err := orch.Deliver(Reading{DeviceID: "ghost", Metric: MetricHeartRate, Value: 100, Timestamp: clock.Now()})
	require.ErrorIs(t, err, ErrUnknownDevice)
}

func TestTickCollectionWritesSeriesAndCoins(t *testing.T) {
	orch, clock := testOrchestrator(t, &stubPersister{})
	_, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)

	// Tick 0: warm (rate 2). Tick 1: no reading. Tick 2: fire (rate 5).
	deliverHR(t, orch, "hrm-1", 130, clock.Now())
	tickOnce(orch, clock)
	tickOnce(orch, clock)
	deliverHR(t, orch, "hrm-1", 170, clock.Now())
	tickOnce(orch, clock)

	frame := orch.Frame()
	require.Equal(t, 3, frame.Tick)
	require.Equal(t, 7.0, frame.Coins)

	rec, err := orch.buildRecord(t)
	require.NoError(t, err)
	require.JSONEq(t, `[130,null,170]`, rec.Timeline.Series[HeartRateKey("p1").String()])
	require.JSONEq(t, `[[2,2],7]`, rec.Timeline.Series[CoinsKey("p1").String()])
	require.JSONEq(t, `["warm",null,"fire"]`, rec.Timeline.Series[ZoneKey("p1").String()])
}

func TestGracePeriodTransfer(t *testing.T) {
	orch, clock := testOrchestrator(t, &stubPersister{})
	aID, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)

	// A is active for 30s, earning warm-zone coins.
	start := clock.Now()
	for i := 0; i < 6; i++ {
		deliverHR(t, orch, "hrm-1", 130, clock.Now())
		tickOnce(orch, clock)
	}
	require.Equal(t, 30*time.Second, clock.Now().Sub(start))

	// B takes over the device slot within the grace period.
	bID, err := orch.Join("p2", "hrm-1")
	require.NoError(t, err)

	rec, err := orch.buildRecord(t)
	require.NoError(t, err)
	require.Len(t, rec.Entities, 1, "transferred entities are not reportable")
	require.Equal(t, bID, rec.Entities[0].EntityID)
	require.Equal(t, 12.0, rec.Entities[0].Coins, "A's coins moved to B")
	require.Equal(t, start, rec.Entities[0].StartedAt, "A's start time moved to B")

	orch.mu.Lock()
	a := orch.entities[aID]
	orch.mu.Unlock()
	require.Equal(t, EntityTransferred, a.Status)
}

func TestGracePeriodExpiry(t *testing.T) {
	orch, clock := testOrchestrator(t, &stubPersister{})
	aID, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)

	// A is active, then silent for 90s (past the 60s grace period).
	deliverHR(t, orch, "hrm-1", 130, clock.Now())
	tickOnce(orch, clock)
	lastActive := clock.Now()
	clock.Advance(90 * time.Second)
	require.GreaterOrEqual(t, clock.Now().Sub(lastActive), 90*time.Second)

	bID, err := orch.Join("p2", "hrm-1")
	require.NoError(t, err)

	rec, err := orch.buildRecord(t)
	require.NoError(t, err)
	require.Len(t, rec.Entities, 2, "dropped entity stays reportable")

	byID := map[string]EntityRecord{}
	for _, e := range rec.Entities {
		byID[e.EntityID] = e
	}
	require.Equal(t, EntityDropped, byID[aID].Status)
	require.Equal(t, 2.0, byID[aID].Coins, "A keeps its coins")
	require.Equal(t, EntityActive, byID[bID].Status)
	require.Equal(t, 0.0, byID[bID].Coins, "B starts fresh")
}

func TestLiveDropoutObservation(t *testing.T) {
	orch, clock := testOrchestrator(t, &stubPersister{})
	_, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)

	deliverHR(t, orch, "hrm-1", 130, clock.Now())
	tickOnce(orch, clock) // tick 0: active
	tickOnce(orch, clock) // tick 1: silent -> dropout at tick 0

	frame := orch.Frame()
	require.Len(t, frame.Dropouts, 1)
	require.Equal(t, "p1", frame.Dropouts[0].ParticipantID)
	require.Equal(t, 0, frame.Dropouts[0].Tick)
	require.Equal(t, 2.0, frame.Dropouts[0].Value)
}

func TestRestoreDropoutsMatchesLiveObservation(t *testing.T) {
	orch, clock := testOrchestrator(t, &stubPersister{})
	_, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)

	deliverHR(t, orch, "hrm-1", 130, clock.Now())
	tickOnce(orch, clock)
	tickOnce(orch, clock)
	live := orch.Frame().Dropouts

	// A rebuilt monitor derives the identical event purely from the Timeline.
	orch.mu.Lock()
	rebuilt := testMonitorReset(orch)
	orch.mu.Unlock()
	require.True(t, rebuilt)

	orch.RestoreDropouts()
	restored := orch.Frame().Dropouts

	require.Len(t, restored, len(live))
	require.Equal(t, live[0].ParticipantID, restored[0].ParticipantID)
	require.Equal(t, live[0].Tick, restored[0].Tick)
	require.Equal(t, live[0].Value, restored[0].Value)
}

func TestEndForcesPersistAndStopsWrites(t *testing.T) {
	persister := &stubPersister{}
	orch, clock := testOrchestrator(t, persister)
	_, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)

	deliverHR(t, orch, "hrm-1", 130, clock.Now())
	tickOnce(orch, clock)

	rec, err := orch.End(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec.Session.EndedAt)
	require.Equal(t, 1, persister.calls())

	// Terminal: no mutation is accepted afterwards.
	require.ErrorIs(t, orch.Deliver(Reading{DeviceID: "hrm-1", Metric: MetricHeartRate, Value: 99}), ErrSessionEnded)
	_, err = orch.Join("p3", "hrm-2")
	require.ErrorIs(t, err, ErrSessionEnded)
	_, err = orch.End(context.Background())
	require.ErrorIs(t, err, ErrSessionEnded)
}

func TestEndIncludesFinalTickCollection(t *testing.T) {
	orch, clock := testOrchestrator(t, &stubPersister{})
	_, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)

	deliverHR(t, orch, "hrm-1", 150, clock.Now())
	rec, err := orch.End(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rec.Timeline.TickCount, "pending reading collected before persisting")
	require.Equal(t, 3.0, rec.Totals.Coins)
}

func TestPersistFailureKeepsSessionData(t *testing.T) {
	persister := &stubPersister{err: fmt.Errorf("boundary unreachable")}
	orch, clock := testOrchestrator(t, persister)
	_, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)

	deliverHR(t, orch, "hrm-1", 130, clock.Now())
	tickOnce(orch, clock)

	orch.autosave(context.Background())
	orch.mu.Lock()
	for orch.autosaveBusy {
		orch.mu.Unlock()
		time.Sleep(time.Millisecond)
		orch.mu.Lock()
	}
	orch.mu.Unlock()

	// The in-memory timeline is never rolled back on a failed persist.
	require.Equal(t, 1, orch.Frame().Tick)
	tickOnce(orch, clock)
	require.Equal(t, 2, orch.Frame().Tick)
}

func TestInactivityAutoEnd(t *testing.T) {
	orch, clock := testOrchestrator(t, &stubPersister{})
	_, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)

	deliverHR(t, orch, "hrm-1", 130, clock.Now())
	reason := orch.collectTick()
	require.Empty(t, reason)

	clock.Advance(3 * time.Minute)
	reason = orch.collectTick()
	require.Equal(t, "inactivity timeout", reason)
}

func TestEmptyRosterAutoEnd(t *testing.T) {
	orch, clock := testOrchestrator(t, &stubPersister{})
	eID, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)

	deliverHR(t, orch, "hrm-1", 130, clock.Now())
	tickOnce(orch, clock)
	require.NoError(t, orch.Leave(eID))

	// First empty tick arms the timer, the next one past the timeout fires.
	tickOnce(orch, clock)
	clock.Advance(time.Minute)
	reason := orch.collectTick()
	require.Equal(t, "empty roster timeout", reason)
}

func TestOpaqueEventsPassThrough(t *testing.T) {
	orch, clock := testOrchestrator(t, &stubPersister{})
	_, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)
	deliverHR(t, orch, "hrm-1", 130, clock.Now())

	memo := json.RawMessage(`{"kind":"voice-memo","url":"mem://1"}`)
	require.NoError(t, orch.AddEvent(memo))
	require.NoError(t, orch.AddSnapshot(json.RawMessage(`{"camera":"front"}`)))

	rec, err := orch.End(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.Events, 1)
	require.JSONEq(t, string(memo), string(rec.Events[0].Payload))
	require.Len(t, rec.Snapshots, 1)
}

func TestNonHeartRateReadingKeepsPendingHR(t *testing.T) {
	orch, clock := testOrchestrator(t, &stubPersister{})
	_, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)

	deliverHR(t, orch, "hrm-1", 130, clock.Now())
	require.NoError(t, orch.Deliver(Reading{DeviceID: "hrm-1", Metric: "cadence", Value: 82, Timestamp: clock.Now()}))
	tickOnce(orch, clock)

	rec, err := orch.buildRecord(t)
	require.NoError(t, err)
	require.JSONEq(t, `[130]`, rec.Timeline.Series[HeartRateKey("p1").String()])
	require.Equal(t, 2.0, rec.Totals.Coins)
}

func TestEndWaitsForInFlightAutosave(t *testing.T) {
	persister := newGatedPersister()
	orch, clock := testOrchestrator(t, persister)
	_, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)
	deliverHR(t, orch, "hrm-1", 130, clock.Now())
	tickOnce(orch, clock)

	ctx := context.Background()
	orch.autosave(ctx)
	<-persister.entered

	endDone := make(chan error, 1)
	go func() {
		_, endErr := orch.End(ctx)
		endDone <- endErr
	}()
	persister.release()
	require.NoError(t, <-endDone)

	saved := persister.records()
	require.Len(t, saved, 2)
	require.Nil(t, saved[0].Session.EndedAt)
	require.NotNil(t, saved[1].Session.EndedAt, "final record must land after the autosave")
}

func TestAutosaveSkippedWhileBusy(t *testing.T) {
	persister := newGatedPersister()
	orch, clock := testOrchestrator(t, persister)
	_, err := orch.Join("p1", "hrm-1")
	require.NoError(t, err)
	deliverHR(t, orch, "hrm-1", 130, clock.Now())
	tickOnce(orch, clock)

	ctx := context.Background()
	orch.autosave(ctx)
	<-persister.entered

	// Fires while the first persist is still held open: skipped, not queued.
	orch.autosave(ctx)

	persister.release()
	orch.waitAutosaveLanded()
	require.Equal(t, 1, persister.calls())
}

// buildRecord exposes the locked builder for assertions.
func (o *Orchestrator) buildRecord(t *testing.T) (Record, error) {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buildRecordLocked()
}

// testMonitorReset swaps in an empty monitor; callers hold o.mu.
func testMonitorReset(o *Orchestrator) bool {
	o.monitor = activity.NewMonitor(o.cfg.MaxDropoutEvents)
	return true
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequentialIDs) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%04d", s.n)
}

type stubPersister struct {
	mu    sync.Mutex
	saved []Record
	err   error
}

func (p *stubPersister) SaveSession(_ context.Context, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.saved = append(p.saved, rec)
	return nil
}

func (p *stubPersister) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saved)
}

// gatedPersister holds its first save open until released so tests can
// overlap a persist with other orchestrator calls.
type gatedPersister struct {
	mu      sync.Mutex
	saved   []Record
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedPersister() *gatedPersister {
	return &gatedPersister{entered: make(chan struct{}, 1), gate: make(chan struct{})}
}

func (p *gatedPersister) SaveSession(_ context.Context, rec Record) error {
	select {
	case p.entered <- struct{}{}:
		<-p.gate
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, rec)
	return nil
}

func (p *gatedPersister) release() {
	p.once.Do(func() { close(p.gate) })
}

func (p *gatedPersister) records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Record(nil), p.saved...)
}

func (p *gatedPersister) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saved)
}
