package futu

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/hktick/internal/collector"
	"github.com/bobmcallan/hktick/internal/common"
	"github.com/bobmcallan/hktick/internal/models"
	"github.com/bobmcallan/hktick/internal/notify/telegram"
)

type fakePipeline struct {
	mu         sync.Mutex
	batches    [][]models.TickRow
	reject     bool
	counters   collector.PipelineCounters
	state      collector.RuntimeState
	recoveries int
}

func (p *fakePipeline) Enqueue(rows []models.TickRow) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return false
	}
	batch := append([]models.TickRow(nil), rows...)
	p.batches = append(p.batches, batch)
	return true
}

func (p *fakePipeline) QueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.QueueSize
}

func (p *fakePipeline) QueueCap() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.QueueCap
}

func (p *fakePipeline) SnapshotPipelineCounters(reset bool) collector.PipelineCounters {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.counters
	if reset {
		p.counters = collector.PipelineCounters{}
	}
	return out
}

func (p *fakePipeline) Snapshot() collector.RuntimeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePipeline) RequestWriterRecovery() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recoveries++
}

func (p *fakePipeline) allRows() []models.TickRow {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.TickRow
	for _, batch := range p.batches {
		out = append(out, batch...)
	}
	return out
}

func (p *fakePipeline) recoveryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recoveries
}

type fakeNotifier struct {
	mu       sync.Mutex
	health   []telegram.HealthSnapshot
	alerts   []telegram.AlertEvent
	resolved []string
}

func (n *fakeNotifier) SubmitHealth(s telegram.HealthSnapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.health = append(n.health, s)
}

func (n *fakeNotifier) SubmitAlert(e telegram.AlertEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, e)
}

func (n *fakeNotifier) ResolveAlert(code, fingerprint, _ string, _ []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, code+"/"+fingerprint)
}

func (n *fakeNotifier) alertCodes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.alerts))
	for _, a := range n.alerts {
		out = append(out, a.Code)
	}
	return out
}

func (n *fakeNotifier) healthCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.health)
}

type fakeSession struct {
	mu          sync.Mutex
	pushes      chan []RawTick
	fault       chan error
	recent      map[string][]RawTick
	recentCalls map[string]int
	subscribed  []string
	closed      bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		pushes:      make(chan []RawTick, 16),
		fault:       make(chan error, 1),
		recent:      make(map[string][]RawTick),
		recentCalls: make(map[string]int),
	}
}

func (s *fakeSession) Subscribe(_ context.Context, symbols []string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append([]string(nil), symbols...)
	return nil
}

func (s *fakeSession) FetchRecent(_ context.Context, symbol string, _ int) ([]RawTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentCalls[symbol]++
	return s.recent[symbol], nil
}

func (s *fakeSession) Ping(context.Context) error { return nil }
func (s *fakeSession) Pushes() <-chan []RawTick   { return s.pushes }
func (s *fakeSession) Fault() <-chan error        { return s.fault }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) fetchCount(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentCalls[symbol]
}

func testClientConfig(symbols []string) *common.Config {
	return &common.Config{
		Upstream: common.UpstreamConfig{
			Host:              "127.0.0.1",
			Port:              18080,
			Session:           "ALL",
			Symbols:           symbols,
			ReconnectMinDelay: 1,
			ReconnectMaxDelay: 2,
			CheckIntervalSec:  30,
		},
		Poll:     common.PollConfig{Enabled: true, IntervalSec: 1, Num: 100, StaleSec: 5},
		Watchdog: common.WatchdogConfig{StallSec: 120, UpstreamWindowSec: 90, QueueThresholdRows: 200, RecoveryMaxFailures: 3, RecoveryJoinTimeoutSec: 10},
		Quality:  common.QualityConfig{TradingTZ: "Asia/Hong_Kong"},
		Notifier: common.NotifierConfig{DriftWarnSec: 15, SQLiteBusyAlertThreshold: 5},
	}
}

func testClient(t *testing.T, symbols ...string) (*Client, *fakePipeline, *fakeNotifier) {
	t.Helper()
	pipe := &fakePipeline{state: collector.RuntimeState{QueueCap: 20000}}
	notif := &fakeNotifier{}
	c := New(testClientConfig(symbols), pipe, nil, notif, nil, common.NewSilentLogger())
	c.pollPause = 0
	return c, pipe, notif
}

func seqRaw(code string, tsMs, seq int64) RawTick {
	return RawTick{
		Code:     code,
		TSMs:     tsMs,
		Price:    models.Float64Ptr(345.5),
		Volume:   models.Int64Ptr(100),
		Turnover: models.Float64Ptr(34550),
		Sequence: models.Int64Ptr(seq),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", msg)
}

func TestRecentKeySetEvictsOldest(t *testing.T) {
	set := newRecentKeySet(3)
	keys := make([]models.TickKey, 4)
	for i := range keys {
		keys[i] = models.TickKey{TSMs: int64(i), Price: 1, HasPrice: true}
		set.Remember(keys[i])
	}
	assert.False(t, set.Contains(keys[0]))
	assert.True(t, set.Contains(keys[1]))
	assert.True(t, set.Contains(keys[3]))

	// re-remembering an existing key must not grow the window
	set.Remember(keys[2])
	assert.True(t, set.Contains(keys[1]))
}

func TestHandlePersistResultAdvancesMonotonically(t *testing.T) {
	c, _, _ := testClient(t, "HK.00700")

	c.HandlePersistResult([]models.TickRow{
		{Symbol: "HK.00700", Seq: models.Int64Ptr(100)},
	}, models.PersistResult{})
	c.HandlePersistResult([]models.TickRow{
		{Symbol: "HK.00700", Seq: models.Int64Ptr(50)}, // late batch, never regresses
		{Symbol: "HK.00700", Seq: nil},
	}, models.PersistResult{})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, int64(100), c.lastPersistedSeq["HK.00700"])
}

func TestFilterPolledRowsUsesMaxBaseline(t *testing.T) {
	c, _, _ := testClient(t, "HK.00700")
	c.mu.Lock()
	c.lastAcceptedSeq["HK.00700"] = 120
	c.lastPersistedSeq["HK.00700"] = 100
	c.mu.Unlock()

	mapper := testMapper(time.Date(2026, 1, 5, 10, 30, 0, 0, hkLoc))
	ts := time.Date(2026, 1, 5, 10, 29, 0, 0, hkLoc).UnixMilli()
	rows := mapper.Rows([]RawTick{
		seqRaw("HK.00700", ts, 110),   // below accepted baseline
		seqRaw("HK.00700", ts, 120),   // equal to baseline
		seqRaw("HK.00700", ts+1, 121), // new
		seqRaw("HK.00700", ts+1, 121), // in-batch duplicate
		seqRaw("HK.00005", ts, 9),     // wrong symbol
	}, models.PushTypePoll, "HK.00700")
	require.Len(t, rows, 5)

	kept, dup, filtered := c.filterPolledRows("HK.00700", rows)
	require.Len(t, kept, 1)
	assert.Equal(t, int64(121), *kept[0].Seq)
	assert.Equal(t, 3, dup)
	assert.Equal(t, 1, filtered)
}

func TestFilterPolledRowsSeqlessUsesRecentKeys(t *testing.T) {
	c, _, _ := testClient(t, "HK.00700")

	ts := time.Date(2026, 1, 5, 10, 30, 0, 0, hkLoc).UnixMilli()
	known := models.TickRow{Symbol: "HK.00700", TSMs: ts, Price: models.Float64Ptr(345.5)}
	c.mu.Lock()
	c.rememberKeyLocked("HK.00700", known.Key())
	c.mu.Unlock()

	fresh := models.TickRow{Symbol: "HK.00700", TSMs: ts + 1000, Price: models.Float64Ptr(345.6)}
	kept, dup, filtered := c.filterPolledRows("HK.00700", []models.TickRow{known, fresh, fresh})
	require.Len(t, kept, 1)
	assert.Equal(t, fresh.TSMs, kept[0].TSMs)
	assert.Equal(t, 2, dup)
	assert.Equal(t, 0, filtered)
}

func TestShouldSkipPoll(t *testing.T) {
	c, _, _ := testClient(t, "HK.00700")
	now := time.Date(2026, 1, 5, 10, 30, 0, 0, hkLoc)
	c.nowFn = func() time.Time { return now }

	// nothing ever seen: poll
	assert.False(t, c.shouldSkipPoll("HK.00700"))

	// tick seen 2s ago with stale_sec=5: fresh enough, skip
	c.mu.Lock()
	c.lastTickSeenAt["HK.00700"] = now.Add(-2 * time.Second)
	c.mu.Unlock()
	assert.True(t, c.shouldSkipPoll("HK.00700"))

	// tick seen 10s ago: stale, poll again
	c.mu.Lock()
	c.lastTickSeenAt["HK.00700"] = now.Add(-10 * time.Second)
	c.mu.Unlock()
	assert.False(t, c.shouldSkipPoll("HK.00700"))

	// but a push one second ago still suppresses it
	c.mu.Lock()
	c.lastPushAt["HK.00700"] = now.Add(-time.Second)
	c.mu.Unlock()
	assert.True(t, c.shouldSkipPoll("HK.00700"))
}

func TestHandlePushAdvancesState(t *testing.T) {
	c, pipe, _ := testClient(t, "HK.00700")
	now := time.Date(2026, 1, 5, 10, 30, 0, 0, hkLoc)
	c.nowFn = func() time.Time { return now }
	c.mapper.nowFn = c.nowFn

	ts := now.Add(-time.Second).UnixMilli()
	c.handlePushRaw([]RawTick{
		seqRaw("HK.00700", ts, 11),
		seqRaw("HK.00700", ts+100, 12),
	})

	rows := pipe.allRows()
	require.Len(t, rows, 2)
	assert.Equal(t, models.PushTypePush, rows[0].PushType)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, int64(12), c.lastAcceptedSeq["HK.00700"])
	assert.Equal(t, int64(12), c.lastSeenSeq["HK.00700"])
	assert.Equal(t, ts+100, c.maxTSMsSeen)
	assert.Equal(t, int64(2), c.window.pushRows)
	assert.Equal(t, now, c.lastPushAt["HK.00700"])
}

func TestHandleRowsQueueFullKeepsBaselines(t *testing.T) {
	c, pipe, _ := testClient(t, "HK.00700")
	pipe.reject = true
	now := time.Date(2026, 1, 5, 10, 30, 0, 0, hkLoc)
	c.nowFn = func() time.Time { return now }
	c.mapper.nowFn = c.nowFn

	c.handlePushRaw([]RawTick{seqRaw("HK.00700", now.UnixMilli(), 11)})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, int64(1), c.window.droppedQueueFull)
	// seen advances (the row existed upstream) but accepted must not
	assert.Equal(t, int64(11), c.lastSeenSeq["HK.00700"])
	assert.NotContains(t, c.lastAcceptedSeq, "HK.00700")
}

func TestPollCycleFiltersAgainstBaseline(t *testing.T) {
	c, pipe, _ := testClient(t, "HK.00700")
	now := time.Date(2026, 1, 5, 10, 30, 0, 0, hkLoc)
	c.nowFn = func() time.Time { return now }
	c.mapper.nowFn = c.nowFn

	c.mu.Lock()
	c.lastPersistedSeq["HK.00700"] = 3
	c.mu.Unlock()

	session := newFakeSession()
	ts := now.Add(-time.Minute).UnixMilli()
	for seq := int64(1); seq <= 5; seq++ {
		session.recent["HK.00700"] = append(session.recent["HK.00700"], seqRaw("HK.00700", ts+seq, seq))
	}

	c.pollCycle(context.Background(), session)

	rows := pipe.allRows()
	require.Len(t, rows, 2)
	assert.Equal(t, int64(4), *rows[0].Seq)
	assert.Equal(t, int64(5), *rows[1].Seq)

	c.mu.Lock()
	assert.Equal(t, int64(5), c.window.pollFetched)
	assert.Equal(t, int64(2), c.window.pollAccepted)
	assert.Equal(t, int64(2), c.window.pollEnqueued)
	assert.Equal(t, int64(3), c.window.droppedDuplicate)
	assert.Equal(t, int64(1), c.window.pollSeqAdvanced)
	c.mu.Unlock()

	// next cycle past the freshness window fetches again but everything
	// is now below the accepted baseline
	now = now.Add(10 * time.Second)
	c.pollCycle(context.Background(), session)
	assert.Len(t, pipe.allRows(), 2)
	assert.Equal(t, 2, session.fetchCount("HK.00700"))
}

func TestPollCycleSkipsFreshSymbol(t *testing.T) {
	c, _, _ := testClient(t, "HK.00700")
	now := time.Date(2026, 1, 5, 10, 30, 0, 0, hkLoc)
	c.nowFn = func() time.Time { return now }

	c.mu.Lock()
	c.lastTickSeenAt["HK.00700"] = now.Add(-time.Second)
	c.mu.Unlock()

	session := newFakeSession()
	c.pollCycle(context.Background(), session)
	assert.Equal(t, 0, session.fetchCount("HK.00700"))
}

func TestHealthCycleSubmitsSnapshot(t *testing.T) {
	c, pipe, notif := testClient(t, "HK.00700", "HK.00005")
	now := time.Date(2026, 1, 5, 10, 30, 0, 0, hkLoc)
	c.nowFn = func() time.Time { return now }
	c.mapper.nowFn = c.nowFn

	c.handlePushRaw([]RawTick{seqRaw("HK.00700", now.Add(-2*time.Second).UnixMilli(), 40)})
	c.HandlePersistResult([]models.TickRow{
		{Symbol: "HK.00700", Seq: models.Int64Ptr(30)},
	}, models.PersistResult{})

	pipe.mu.Lock()
	pipe.counters = collector.PipelineCounters{PersistedRows: 480, QueueInRows: 500}
	pipe.state.QueueSize = 20
	pipe.state.LastPersistAt = now.Add(-time.Second)
	pipe.state.LastDequeueAt = now.Add(-time.Second)
	pipe.mu.Unlock()

	now = now.Add(time.Minute)
	c.healthCycle()

	require.Equal(t, 1, notif.healthCount())
	notif.mu.Lock()
	snapshot := notif.health[0]
	notif.mu.Unlock()

	assert.Equal(t, "20260105", snapshot.TradingDay)
	assert.Equal(t, 480, snapshot.PersistedRowsPerMin)
	assert.Equal(t, 20, snapshot.QueueSize)
	assert.Equal(t, 20000, snapshot.QueueMax)
	assert.Equal(t, 1, snapshot.PushRowsPerMin)
	require.Len(t, snapshot.Symbols, 2)
	require.NotNil(t, snapshot.Symbols[0].LastTickAgeSec)
	assert.InDelta(t, 60.0, *snapshot.Symbols[0].LastTickAgeSec, 0.5)
	assert.Equal(t, int64(10), snapshot.Symbols[0].MaxSeqLag)
	assert.Nil(t, snapshot.Symbols[1].LastTickAgeSec)
	require.NotNil(t, snapshot.DriftSec)
	assert.InDelta(t, 62.0, *snapshot.DriftSec, 0.5)

	// counters were taken with reset
	assert.Equal(t, int64(0), pipe.SnapshotPipelineCounters(false).PersistedRows)
}

func TestHealthCycleBusyBackoffAlert(t *testing.T) {
	c, pipe, notif := testClient(t, "HK.00700")
	now := time.Date(2026, 1, 5, 10, 30, 0, 0, hkLoc)
	c.nowFn = func() time.Time { return now }

	pipe.mu.Lock()
	pipe.state.BusyBackoffTotal = 10 // delta 10 >= threshold 5
	pipe.mu.Unlock()

	c.healthCycle()
	require.Equal(t, []string{"SQLITE_BUSY"}, notif.alertCodes())
	notif.mu.Lock()
	assert.Equal(t, "SQLITE_BUSY:20260105", notif.alerts[0].Fingerprint)
	assert.Equal(t, telegram.SeverityWarn, notif.alerts[0].Severity)
	notif.mu.Unlock()

	// no further retries in the window: delta is zero, no second alert
	now = now.Add(time.Minute)
	c.healthCycle()
	assert.Equal(t, []string{"SQLITE_BUSY"}, notif.alertCodes())
}

func TestHealthCycleStallRecoversThenExits(t *testing.T) {
	c, pipe, notif := testClient(t, "HK.00700")
	now := time.Date(2026, 1, 5, 10, 30, 0, 0, hkLoc)
	c.nowFn = func() time.Time { return now }

	c.mu.Lock()
	c.lastSeenSeq["HK.00700"] = 500
	c.lastPersistedSeq["HK.00700"] = 100
	c.mu.Unlock()

	stalledCycle := func() {
		pipe.mu.Lock()
		pipe.counters = collector.PipelineCounters{QueueInRows: 300}
		pipe.state.QueueSize = 900
		pipe.state.LastPersistAt = now.Add(-5 * time.Minute)
		pipe.state.LastDequeueAt = now.Add(-5 * time.Minute)
		pipe.mu.Unlock()
		c.mu.Lock()
		c.lastUpstreamActiveAt = now
		c.mu.Unlock()
		c.healthCycle()
		now = now.Add(time.Minute)
	}

	for i := 0; i < 2; i++ {
		stalledCycle()
		assert.Equal(t, i+1, pipe.recoveryCount(), "cycle %d", i+1)
	}
	assert.Empty(t, notif.alertCodes())

	// third stalled window: the attempt budget is spent, give up
	stalledCycle()
	assert.Equal(t, 2, pipe.recoveryCount())
	require.Contains(t, notif.alertCodes(), "PERSIST_STALL")
	notif.mu.Lock()
	alert := notif.alerts[len(notif.alerts)-1]
	notif.mu.Unlock()
	assert.Equal(t, "PERSIST_STALL:20260105:HK.00700", alert.Fingerprint)
	assert.Equal(t, telegram.SeverityAlert, alert.Severity)

	select {
	case code := <-c.ExitRequests():
		assert.Equal(t, 2, code)
	default:
		t.Fatal("expected an exit request")
	}
}

func TestRunLoopPushFaultReconnect(t *testing.T) {
	sessions := make(chan *fakeSession, 2)
	first := newFakeSession()
	sessions <- first

	var dials int
	var dialMu sync.Mutex
	factory := func(common.UpstreamConfig, *common.Logger) (QuoteSession, error) {
		dialMu.Lock()
		dials++
		dialMu.Unlock()
		select {
		case s := <-sessions:
			return s, nil
		default:
			return nil, fmt.Errorf("gateway unavailable")
		}
	}

	pipe := &fakePipeline{state: collector.RuntimeState{QueueCap: 20000}}
	notif := &fakeNotifier{}
	cfg := testClientConfig([]string{"HK.00700"})
	cfg.Poll.Enabled = false
	c := New(cfg, pipe, nil, notif, factory, common.NewSilentLogger())

	c.Start()
	defer c.Stop()

	waitFor(t, func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return len(first.subscribed) == 1
	}, "subscribe")

	ts := time.Now().UnixMilli()
	first.pushes <- []RawTick{seqRaw("HK.00700", ts, 7)}
	waitFor(t, func() bool { return len(pipe.allRows()) == 1 }, "push row enqueued")
	assert.True(t, c.Connected())

	first.fault <- fmt.Errorf("gateway went away")
	waitFor(t, func() bool {
		return len(notif.alertCodes()) > 0
	}, "disconnect alert")
	assert.Contains(t, notif.alertCodes(), "DISCONNECT")
	waitFor(t, func() bool {
		dialMu.Lock()
		defer dialMu.Unlock()
		return dials >= 2
	}, "reconnect attempt")
}
