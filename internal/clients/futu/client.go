package futu

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bobmcallan/hktick/internal/collector"
	"github.com/bobmcallan/hktick/internal/common"
	"github.com/bobmcallan/hktick/internal/models"
	"github.com/bobmcallan/hktick/internal/notify/telegram"
	"github.com/bobmcallan/hktick/internal/storage"
	"github.com/bobmcallan/hktick/internal/watchdog"
)

const (
	// pollSkipPushSec suppresses polling for a symbol that pushed
	// recently; the push path already has the data.
	pollSkipPushSec = 2

	// pollRecentKeyLimit bounds the per-symbol composite-key FIFO for
	// rows without a sequence number.
	pollRecentKeyLimit = 500

	healthLogInterval = 60 * time.Second
	pollSymbolPause   = 50 * time.Millisecond
)

// Pipeline is the persist queue surface the client drives. Satisfied
// by *collector.Collector.
type Pipeline interface {
	Enqueue(rows []models.TickRow) bool
	QueueSize() int
	QueueCap() int
	SnapshotPipelineCounters(reset bool) collector.PipelineCounters
	Snapshot() collector.RuntimeState
	RequestWriterRecovery()
}

// Notifier is the alerting surface; satisfied by *telegram.Notifier.
// A nil Notifier disables alerting without branching at every call
// site (see noopNotifier).
type Notifier interface {
	SubmitHealth(snapshot telegram.HealthSnapshot)
	SubmitAlert(event telegram.AlertEvent)
	ResolveAlert(code, fingerprint, tradingDay string, summaryLines []string)
}

type noopNotifier struct{}

func (noopNotifier) SubmitHealth(telegram.HealthSnapshot)          {}
func (noopNotifier) SubmitAlert(telegram.AlertEvent)               {}
func (noopNotifier) ResolveAlert(string, string, string, []string) {}

type windowCounters struct {
	pushRows         int64
	pollFetched      int64
	pollAccepted     int64
	pollEnqueued     int64
	pollSeqAdvanced  int64
	droppedQueueFull int64
	droppedDuplicate int64
	droppedFilter    int64
}

// recentKeySet is a bounded FIFO of composite keys for seq-less rows.
type recentKeySet struct {
	order []models.TickKey
	seen  map[models.TickKey]struct{}
	limit int
}

func newRecentKeySet(limit int) *recentKeySet {
	return &recentKeySet{seen: make(map[models.TickKey]struct{}), limit: limit}
}

func (s *recentKeySet) Contains(key models.TickKey) bool {
	_, ok := s.seen[key]
	return ok
}

func (s *recentKeySet) Remember(key models.TickKey) {
	if s.Contains(key) {
		return
	}
	s.order = append(s.order, key)
	s.seen[key] = struct{}{}
	for len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, oldest)
	}
}

// Client owns the upstream connection lifecycle: subscribe with push,
// poll as fallback, dedupe against per-symbol baselines, and run the
// health/watchdog cycle. One Client serves one gateway.
type Client struct {
	cfg         common.UpstreamConfig
	pollCfg     common.PollConfig
	notifierCfg common.NotifierConfig

	pipeline Pipeline
	store    *storage.Store
	notifier Notifier
	factory  SessionFactory
	mapper   *Mapper
	guard    *watchdog.Watchdog
	loc      *time.Location
	logger   *common.Logger

	mu                   sync.Mutex
	lastSeenSeq          map[string]int64
	lastAcceptedSeq      map[string]int64
	lastPersistedSeq     map[string]int64
	lastTickSeenAt       map[string]time.Time
	lastPushAt           map[string]time.Time
	recentKeys           map[string]*recentKeySet
	lastPollFetchedSeq   map[string]int64
	lastUpstreamActiveAt time.Time
	maxTSMsSeen          int64
	window               windowCounters
	lastBusyBackoffTotal int64

	connected atomic.Bool
	startedAt time.Time
	stopCh    chan struct{}
	exitCh    chan int
	wg        sync.WaitGroup

	healthInterval time.Duration
	pollPause      time.Duration
	nowFn          func() time.Time
}

// New builds the client and seeds last_persisted_seq baselines from
// the most recent daily shards so a restart does not re-enqueue rows
// the store already holds.
func New(cfg *common.Config, pipeline Pipeline, store *storage.Store,
	notifier Notifier, factory SessionFactory, logger *common.Logger) *Client {

	if notifier == nil {
		notifier = noopNotifier{}
	}
	if factory == nil {
		factory = DialSession
	}
	loc := common.LoadTradingLocation(cfg.Quality.TradingTZ)

	c := &Client{
		cfg:                cfg.Upstream,
		pollCfg:            cfg.Poll,
		notifierCfg:        cfg.Notifier,
		pipeline:           pipeline,
		store:              store,
		notifier:           notifier,
		factory:            factory,
		mapper:             NewMapper(loc, logger),
		loc:                loc,
		logger:             logger,
		lastSeenSeq:        make(map[string]int64),
		lastAcceptedSeq:    make(map[string]int64),
		lastPersistedSeq:   make(map[string]int64),
		lastTickSeenAt:     make(map[string]time.Time),
		lastPushAt:         make(map[string]time.Time),
		recentKeys:         make(map[string]*recentKeySet),
		lastPollFetchedSeq: make(map[string]int64),
		startedAt:          time.Now(),
		stopCh:             make(chan struct{}),
		exitCh:             make(chan int, 1),
		healthInterval:     healthLogInterval,
		pollPause:          pollSymbolPause,
		nowFn:              time.Now,
	}
	c.guard = watchdog.New(cfg.Watchdog, c.startedAt)
	c.seedBaselines(cfg.Upstream.SeedRecentDBDays)
	return c
}

func (c *Client) seedBaselines(recentDays int) {
	if c.store == nil || recentDays <= 0 || len(c.cfg.Symbols) == 0 {
		return
	}
	seed, err := c.store.FetchMaxSeqBySymbolRecent(c.cfg.Symbols, recentDays)
	if err != nil {
		c.logger.Warn().Err(err).Msg("baseline seed from recent shards failed")
		return
	}
	for symbol, seq := range seed {
		c.lastAcceptedSeq[symbol] = seq
		c.lastPersistedSeq[symbol] = seq
	}
	c.logger.Info().
		Int("symbols", len(seed)).
		Int("recent_days", recentDays).
		Msg("dedupe baselines seeded")
}

// Start launches the reconnect supervisor.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop signals shutdown and waits for the supervisor to exit.
func (c *Client) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Connected reports whether a session is currently subscribed.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// ExitRequests delivers the watchdog's exit code when recovery has
// failed beyond its budget.
func (c *Client) ExitRequests() <-chan int {
	return c.exitCh
}

// LastTickTSMs is the freshest tick timestamp seen from upstream.
func (c *Client) LastTickTSMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxTSMsSeen
}

// HandlePersistResult is the worker's observer: confirmed rows advance
// last_persisted_seq, which feeds the poll dedupe baseline.
func (c *Client) HandlePersistResult(rows []models.TickRow, _ models.PersistResult) {
	if len(rows) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range rows {
		if row.Seq == nil {
			continue
		}
		updateSeqMax(c.lastPersistedSeq, row.Symbol, *row.Seq)
	}
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(c.cfg.ReconnectMinDelay) * time.Second
	bo.MaxInterval = time.Duration(c.cfg.ReconnectMaxDelay) * time.Second
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		err := c.runSession(bo)
		if err == nil {
			return // stop requested
		}

		c.logger.Warn().Err(err).Msg("upstream session ended")
		c.submitDisconnectAlert(err)

		delay := bo.NextBackOff()
		c.logger.Info().Dur("delay", delay).Msg("reconnecting")
		if !c.sleepWithStop(delay) {
			return
		}
	}
}

// runSession drives one connection from subscribe to failure. A nil
// return means stop was requested.
func (c *Client) runSession(bo *backoff.ExponentialBackOff) error {
	session, err := c.factory(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer session.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.logger.Info().
		Str("host", c.cfg.Host).
		Int("port", c.cfg.Port).
		Int("symbols", len(c.cfg.Symbols)).
		Msg("subscribing")
	if err := session.Subscribe(ctx, c.cfg.Symbols, c.cfg.Session); err != nil {
		return err
	}
	c.connected.Store(true)
	defer c.connected.Store(false)
	bo.Reset()
	c.logger.Info().Str("host", c.cfg.Host).Int("port", c.cfg.Port).Msg("subscribed")

	if c.cfg.BackfillN > 0 {
		c.backfillRecent(ctx, session)
	}

	pollInterval := time.Duration(c.pollCfg.IntervalSec) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	if !c.pollCfg.Enabled {
		pollTicker.Stop()
	}
	healthTicker := time.NewTicker(c.healthInterval)
	defer healthTicker.Stop()
	monitorTicker := time.NewTicker(time.Duration(c.cfg.CheckIntervalSec) * time.Second)
	defer monitorTicker.Stop()

	for {
		select {
		case <-c.stopCh:
			return nil
		case err := <-session.Fault():
			return err
		case raw := <-session.Pushes():
			c.handlePushRaw(raw)
		case <-pollTicker.C:
			c.pollCycle(ctx, session)
		case <-healthTicker.C:
			c.healthCycle()
		case <-monitorTicker.C:
			if err := session.Ping(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Client) backfillRecent(ctx context.Context, session QuoteSession) {
	for _, symbol := range c.cfg.Symbols {
		raw, err := session.FetchRecent(ctx, symbol, c.cfg.BackfillN)
		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("backfill fetch failed")
			continue
		}
		rows := c.mapper.Rows(raw, models.PushTypeBackfill, symbol)
		c.recordSeenRows(rows, models.PushTypeBackfill)
		enqueued := c.handleRows(rows, models.PushTypeBackfill)
		c.logger.Info().
			Str("symbol", symbol).
			Int("fetched", len(rows)).
			Int("enqueued", enqueued).
			Int("queue_size", c.pipeline.QueueSize()).
			Msg("backfill")
	}
}

func (c *Client) handlePushRaw(raw []RawTick) {
	rows := c.mapper.Rows(raw, models.PushTypePush, "")
	c.recordSeenRows(rows, models.PushTypePush)
	c.handleRows(rows, models.PushTypePush)
}

// handleRows enqueues one mapped batch and advances accepted
// baselines. Returns the number of rows actually queued.
func (c *Client) handleRows(rows []models.TickRow, source string) int {
	if len(rows) == 0 {
		return 0
	}

	if !c.pipeline.Enqueue(rows) {
		c.mu.Lock()
		c.window.droppedQueueFull += int64(len(rows))
		c.mu.Unlock()
		c.logger.Warn().
			Str("source", source).
			Int("rows", len(rows)).
			Int("queue_size", c.pipeline.QueueSize()).
			Int("queue_cap", c.pipeline.QueueCap()).
			Msg("enqueue failed, batch dropped")
		return 0
	}

	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range rows {
		if source == models.PushTypePush {
			c.lastPushAt[row.Symbol] = now
		}
		if row.Seq != nil {
			updateSeqMax(c.lastAcceptedSeq, row.Symbol, *row.Seq)
		} else {
			c.rememberKeyLocked(row.Symbol, row.Key())
		}
	}
	if source == models.PushTypePush {
		c.window.pushRows += int64(len(rows))
	}
	return len(rows)
}

// recordSeenRows updates freshness state for every row regardless of
// whether dedupe later drops it.
func (c *Client) recordSeenRows(rows []models.TickRow, source string) {
	if len(rows) == 0 {
		return
	}
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUpstreamActiveAt = now
	for _, row := range rows {
		c.lastTickSeenAt[row.Symbol] = now
		if row.TSMs > c.maxTSMsSeen {
			c.maxTSMsSeen = row.TSMs
		}
		if source == models.PushTypePush {
			c.lastPushAt[row.Symbol] = now
		}
		if row.Seq != nil {
			updateSeqMax(c.lastSeenSeq, row.Symbol, *row.Seq)
		}
	}
}

// filterPolledRows drops duplicates against the dedupe baseline. The
// baseline is max(last_accepted, last_persisted): push acceptance
// alone must already suppress a racing poll of the same rows.
func (c *Client) filterPolledRows(symbol string, rows []models.TickRow) (kept []models.TickRow, droppedDuplicate, droppedFilter int) {
	if len(rows) == 0 {
		return nil, 0, 0
	}

	c.mu.Lock()
	baseline, hasBaseline := c.dedupeBaselineLocked(symbol)
	recent := c.recentKeys[symbol]
	c.mu.Unlock()

	seenSeq := make(map[int64]struct{})
	seenKeys := make(map[models.TickKey]struct{})

	for _, row := range rows {
		if row.Symbol != symbol {
			droppedFilter++
			continue
		}
		if row.Seq == nil {
			key := row.Key()
			if _, dup := seenKeys[key]; dup {
				droppedDuplicate++
				continue
			}
			if recent != nil && recent.Contains(key) {
				droppedDuplicate++
				continue
			}
			seenKeys[key] = struct{}{}
			kept = append(kept, row)
			continue
		}

		seq := *row.Seq
		if _, dup := seenSeq[seq]; dup {
			droppedDuplicate++
			continue
		}
		if hasBaseline && seq <= baseline {
			droppedDuplicate++
			continue
		}
		seenSeq[seq] = struct{}{}
		kept = append(kept, row)
	}
	return kept, droppedDuplicate, droppedFilter
}

func (c *Client) dedupeBaselineLocked(symbol string) (int64, bool) {
	accepted, okA := c.lastAcceptedSeq[symbol]
	persisted, okP := c.lastPersistedSeq[symbol]
	switch {
	case okA && okP:
		if accepted > persisted {
			return accepted, true
		}
		return persisted, true
	case okA:
		return accepted, true
	case okP:
		return persisted, true
	}
	return 0, false
}

func (c *Client) rememberKeyLocked(symbol string, key models.TickKey) {
	set, ok := c.recentKeys[symbol]
	if !ok {
		set = newRecentKeySet(pollRecentKeyLimit)
		c.recentKeys[symbol] = set
	}
	set.Remember(key)
}

func (c *Client) recordPollSeqAdvance(symbol string, fetchedLastSeq int64, hasSeq bool) {
	if !hasSeq {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.lastPollFetchedSeq[symbol]
	if !ok || fetchedLastSeq > prev {
		c.lastPollFetchedSeq[symbol] = fetchedLastSeq
		c.window.pollSeqAdvanced++
		c.lastUpstreamActiveAt = c.nowFn()
	}
}

func (c *Client) submitDisconnectAlert(err error) {
	tradingDay := c.nowFn().In(c.loc).Format("20060102")
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	c.notifier.SubmitAlert(telegram.AlertEvent{
		CreatedAt:   c.nowFn(),
		Code:        "DISCONNECT",
		Fingerprint: "DISCONNECT:gateway",
		TradingDay:  tradingDay,
		Severity:    telegram.SeverityWarn,
		Headline:    "quote gateway connection lost, reconnecting",
		Impact:      "short data gap possible until the session is back",
		SummaryLines: []string{
			"error=" + msg,
			"host=" + c.cfg.Host,
		},
		Suggestions: []string{
			"journalctl -u hktick-collector -n 120 --no-pager",
			"systemctl status futu-opend --no-pager",
		},
	})
}

func (c *Client) sleepWithStop(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func updateSeqMax(target map[string]int64, symbol string, seq int64) {
	if current, ok := target[symbol]; !ok || seq > current {
		target[symbol] = seq
	}
}
