// Package collector owns the persist pipeline: a bounded queue feeding
// a single worker goroutine that writes batches through the sqlite
// writer.
package collector

import (
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/bobmcallan/hktick/internal/common"
	"github.com/bobmcallan/hktick/internal/models"
	"github.com/bobmcallan/hktick/internal/quality"
	"github.com/bobmcallan/hktick/internal/storage"
)

// PersistObserver is called after each committed batch, on the worker
// goroutine. Used by the upstream client to advance its persisted
// baselines.
type PersistObserver func(rows []models.TickRow, result models.PersistResult)

// PipelineCounters are the flow counters between two health reports.
type PipelineCounters struct {
	PersistedRows int64
	IgnoredRows   int64
	QueueInRows   int64
	QueueOutRows  int64
	DBCommits     int64
	DroppedRows   int64
	BusyBackoffs  int64
}

// RuntimeState is a point-in-time view of the pipeline for the
// watchdog and the health endpoint.
type RuntimeState struct {
	QueueSize        int
	QueueCap         int
	LastPersistAt    time.Time
	LastDequeueAt    time.Time
	LastError        string
	LastBackoffSec   float64
	BusyBackoffTotal int64
	DroppedRowsTotal int64
	WorkerGeneration int
	Fatal            error
}

// Collector drains enqueued tick batches into daily shards. Exactly
// one worker goroutine owns the Writer at any time; recovery replaces
// the worker (and its writer) rather than sharing connections.
type Collector struct {
	store    *storage.Store
	detector *quality.GapDetector
	logger   *common.Logger

	queueCfg common.QueueConfig
	retryCfg common.RetryConfig

	queue     chan []models.TickRow
	stopCh    chan struct{}
	recoverCh chan struct{}
	fatalCh   chan struct{}
	wg        sync.WaitGroup

	observer PersistObserver

	mu             sync.Mutex
	counters       PipelineCounters
	lastPersistAt  time.Time
	lastDequeueAt  time.Time
	lastError      string
	lastBackoffSec float64
	busyTotal      int64
	droppedTotal   int64
	generation     int
	lastDay        string
	fatalErr       error
	fatalOnce      sync.Once
	started        bool
	stopOnce       sync.Once
}

// New builds a collector. The detector may be nil to disable gap
// detection entirely.
func New(store *storage.Store, detector *quality.GapDetector, queueCfg common.QueueConfig, retryCfg common.RetryConfig, logger *common.Logger) *Collector {
	return &Collector{
		store:     store,
		detector:  detector,
		logger:    logger,
		queueCfg:  queueCfg,
		retryCfg:  retryCfg,
		queue:     make(chan []models.TickRow, queueCfg.MaxQueueSize),
		stopCh:    make(chan struct{}),
		recoverCh: make(chan struct{}, 1),
		fatalCh:   make(chan struct{}),
	}
}

// SetPersistObserver registers the post-commit callback. Must be set
// before Start.
func (c *Collector) SetPersistObserver(observer PersistObserver) {
	c.observer = observer
}

// Start launches the worker and the heartbeat loop.
func (c *Collector) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.generation = 1
	c.mu.Unlock()

	c.wg.Add(2)
	go c.runWorker(1, nil)
	go c.heartbeatLoop()
}

// Stop drains the queue and shuts the worker down. Returns an error if
// the drain did not finish within timeout; rows still queued at that
// point are lost.
func (c *Collector) Stop(timeout time.Duration) error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("collector stop timed out after %s with %d batches queued", timeout, len(c.queue))
	}
}

// Enqueue hands a batch to the pipeline without blocking. A full queue
// drops the batch and returns false; ingestion never stalls the
// upstream read path.
func (c *Collector) Enqueue(rows []models.TickRow) bool {
	if len(rows) == 0 {
		return false
	}
	select {
	case c.queue <- rows:
		c.mu.Lock()
		c.counters.QueueInRows += int64(len(rows))
		c.mu.Unlock()
		return true
	default:
		c.mu.Lock()
		c.counters.DroppedRows += int64(len(rows))
		c.droppedTotal += int64(len(rows))
		c.mu.Unlock()
		c.logger.Warn().
			Int("rows", len(rows)).
			Int("queue", len(c.queue)).
			Int("queue_cap", cap(c.queue)).
			Msg("Queue full, dropping batch")
		return false
	}
}

// QueueSize returns the number of queued batches.
func (c *Collector) QueueSize() int {
	return len(c.queue)
}

// QueueCap returns the queue capacity.
func (c *Collector) QueueCap() int {
	return cap(c.queue)
}

// RequestWriterRecovery asks the current worker to close its writer
// and hand over to a fresh generation. In-flight buffered rows carry
// over to the new worker. Non-blocking; a pending request coalesces.
func (c *Collector) RequestWriterRecovery() {
	select {
	case c.recoverCh <- struct{}{}:
		c.logger.Warn().Msg("Writer recovery requested")
	default:
	}
}

// WaitFatal blocks until the pipeline hits an unrecoverable error.
func (c *Collector) WaitFatal() <-chan struct{} {
	return c.fatalCh
}

// FatalError returns the error that killed the pipeline, if any.
func (c *Collector) FatalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

// SnapshotPipelineCounters returns the flow counters, optionally
// resetting them for the next reporting window.
func (c *Collector) SnapshotPipelineCounters(reset bool) PipelineCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	counters := c.counters
	if reset {
		c.counters = PipelineCounters{}
	}
	return counters
}

// Snapshot returns the current runtime state.
func (c *Collector) Snapshot() RuntimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RuntimeState{
		QueueSize:        len(c.queue),
		QueueCap:         cap(c.queue),
		LastPersistAt:    c.lastPersistAt,
		LastDequeueAt:    c.lastDequeueAt,
		LastError:        c.lastError,
		LastBackoffSec:   c.lastBackoffSec,
		BusyBackoffTotal: c.busyTotal,
		DroppedRowsTotal: c.droppedTotal,
		WorkerGeneration: c.generation,
		Fatal:            c.fatalErr,
	}
}

func (c *Collector) setFatal(err error) {
	c.fatalOnce.Do(func() {
		c.mu.Lock()
		c.fatalErr = err
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("Persist pipeline fatal")
		close(c.fatalCh)
	})
}

// runWorker is one worker generation. carry holds rows handed over
// from the previous generation during recovery.
func (c *Collector) runWorker(generation int, carry []models.TickRow) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.setFatal(fmt.Errorf("persist worker panic: %v", r))
		}
	}()

	writer := c.store.OpenWriter()
	defer writer.Close()

	c.logger.Info().Int("generation", generation).Int("carry_rows", len(carry)).Msg("Persist worker started")

	buffer := carry
	maxWait := time.Duration(c.queueCfg.MaxWaitMs) * time.Millisecond
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	lastFlush := time.Now()

	flush := func() bool {
		if len(buffer) == 0 {
			return true
		}
		ok := c.flush(writer, buffer)
		buffer = nil
		lastFlush = time.Now()
		return ok
	}

	for {
		select {
		case <-c.recoverCh:
			writer.Close()
			c.mu.Lock()
			c.generation = generation + 1
			c.mu.Unlock()
			c.wg.Add(1)
			go c.runWorker(generation+1, buffer)
			c.logger.Warn().Int("generation", generation).Msg("Persist worker replaced")
			return

		case <-c.stopCh:
			// drain whatever is queued, then final flush
			for {
				select {
				case batch := <-c.queue:
					c.noteDequeue(len(batch))
					buffer = append(buffer, batch...)
				default:
					flush()
					return
				}
			}

		case batch := <-c.queue:
			c.noteDequeue(len(batch))
			buffer = append(buffer, batch...)
			if len(buffer) >= c.queueCfg.BatchSize {
				if !flush() {
					return
				}
				resetTimer(timer, maxWait)
			}

		case <-timer.C:
			if time.Since(lastFlush) >= maxWait {
				if !flush() {
					return
				}
			}
			resetTimer(timer, maxWait)
		}
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

func (c *Collector) noteDequeue(rows int) {
	c.mu.Lock()
	c.counters.QueueOutRows += int64(rows)
	c.lastDequeueAt = time.Now()
	c.mu.Unlock()
}

// flush writes the buffer day by day. Persist errors retry forever:
// the attempt counter only scales the backoff and resets once it
// reaches the configured budget. Returns false when the worker must
// exit (stop requested mid-retry with the batch requeued).
func (c *Collector) flush(writer *storage.Writer, buffer []models.TickRow) bool {
	for tradingDay, dayRows := range models.GroupByTradingDay(buffer) {
		if !c.flushDay(writer, tradingDay, dayRows) {
			return false
		}
	}
	return true
}

func (c *Collector) flushDay(writer *storage.Writer, tradingDay string, dayRows []models.TickRow) bool {
	var plan quality.Plan
	var gaps []models.GapRecord
	if c.detector != nil && c.detector.Enabled() {
		plan = c.detector.BuildPlan(dayRows)
		gaps = plan.HardGaps
		now := time.Now().UnixMilli()
		for i := range gaps {
			gaps[i].DetectedAtMs = now
		}
		for _, stall := range plan.SoftStalls {
			c.logger.Debug().
				Str("symbol", stall.Symbol).
				Float64("stall_sec", stall.StallSec).
				Msg("Soft stall observed")
		}
	}

	base, maxBackoff := c.retryCfg.RetryBackoff()
	attempt := 0
	for {
		result, err := writer.InsertTicks(tradingDay, dayRows, gaps)
		if err == nil {
			if c.detector != nil && c.detector.Enabled() {
				c.detector.ApplyPlan(plan)
			}
			c.recordCommit(dayRows, result, tradingDay)
			if c.observer != nil {
				c.observer(dayRows, result)
			}
			return true
		}

		attempt++
		busy := storage.IsBusyOrLocked(err)
		backoff := scaledBackoff(base, maxBackoff, attempt)

		c.mu.Lock()
		c.lastError = err.Error()
		c.lastBackoffSec = backoff.Seconds()
		if busy {
			c.counters.BusyBackoffs++
			c.busyTotal++
		}
		c.mu.Unlock()

		maxSeq, _ := models.MaxSeq(dayRows)
		c.logger.Error().
			Str("trading_day", tradingDay).
			Int("batch", len(dayRows)).
			Int("attempt", attempt).
			Int("attempt_budget", c.retryCfg.MaxAttempts).
			Bool("busy", busy).
			Dur("backoff", backoff).
			Int("queue", len(c.queue)).
			Int64("last_seq", maxSeq).
			Err(err).
			Msg("Persist flush failed, retrying")

		if !busy {
			// a poisoned connection will not heal on its own
			writer.ResetConnection(tradingDay)
		}
		if attempt >= c.retryCfg.MaxAttempts {
			attempt = 0
		}

		select {
		case <-time.After(backoff):
		case <-c.recoverCh:
			// recovery while stuck in retry: recycle the connection
			// in place instead of swapping the worker
			c.logger.Warn().Str("trading_day", tradingDay).Msg("Recovery during persist retry, recycling connection")
			writer.ResetConnection(tradingDay)
			attempt = 0
		case <-c.stopCh:
			// one last try so a clean shutdown does not lose the batch
			if result, err := writer.InsertTicks(tradingDay, dayRows, gaps); err == nil {
				if c.detector != nil && c.detector.Enabled() {
					c.detector.ApplyPlan(plan)
				}
				c.recordCommit(dayRows, result, tradingDay)
				if c.observer != nil {
					c.observer(dayRows, result)
				}
				return true
			}
			c.logger.Error().
				Str("trading_day", tradingDay).
				Int("batch", len(dayRows)).
				Msg("Dropping batch on shutdown after persist failures")
			return false
		}
	}
}

func scaledBackoff(base, max time.Duration, attempt int) time.Duration {
	scaled := float64(base) * math.Pow(2, float64(attempt-1))
	if scaled > float64(max) {
		return max
	}
	return time.Duration(scaled)
}

func (c *Collector) recordCommit(rows []models.TickRow, result models.PersistResult, tradingDay string) {
	c.mu.Lock()
	c.counters.PersistedRows += int64(result.Inserted)
	c.counters.IgnoredRows += int64(result.Ignored)
	c.counters.DBCommits++
	c.lastPersistAt = time.Now()
	c.lastError = ""
	c.lastDay = tradingDay
	c.mu.Unlock()
	_ = rows
}

func (c *Collector) heartbeatLoop() {
	defer c.wg.Done()
	interval := time.Duration(c.queueCfg.HeartbeatIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.logHeartbeat(interval)
		}
	}
}

func (c *Collector) logHeartbeat(interval time.Duration) {
	c.mu.Lock()
	counters := c.counters
	lastPersistAt := c.lastPersistAt
	lastDequeueAt := c.lastDequeueAt
	lastError := c.lastError
	lastBackoff := c.lastBackoffSec
	busyTotal := c.busyTotal
	lastDay := c.lastDay
	c.mu.Unlock()

	event := c.logger.Info().
		Int("queue", len(c.queue)).
		Int("queue_cap", cap(c.queue)).
		Int64("persisted_rows", counters.PersistedRows).
		Int64("ignored_rows", counters.IgnoredRows).
		Int64("queue_in_rows", counters.QueueInRows).
		Int64("queue_out_rows", counters.QueueOutRows).
		Int64("db_commits", counters.DBCommits).
		Int64("dropped_rows", counters.DroppedRows).
		Int64("busy_backoff_total", busyTotal).
		Float64("last_backoff_sec", lastBackoff).
		Float64("drain_rate", float64(counters.QueueOutRows)/interval.Seconds()).
		Float64("commit_rate", float64(counters.DBCommits)/interval.Seconds())

	if !lastPersistAt.IsZero() {
		event = event.Float64("commit_age_sec", time.Since(lastPersistAt).Seconds())
	}
	if !lastDequeueAt.IsZero() {
		event = event.Float64("dequeue_age_sec", time.Since(lastDequeueAt).Seconds())
	}
	if lastError != "" {
		event = event.Str("last_error", lastError)
	}
	if lastDay != "" {
		if size := walSize(c.store.DBPathForTradingDay(lastDay)); size > 0 {
			event = event.Int64("wal_size_bytes", size)
		}
	}

	event.Msg("Persist heartbeat")
}

func walSize(dbPath string) int64 {
	info, err := os.Stat(dbPath + "-wal")
	if err != nil {
		return 0
	}
	return info.Size()
}
