package futu

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/bobmcallan/hktick/internal/collector"
	"github.com/bobmcallan/hktick/internal/notify/telegram"
	"github.com/bobmcallan/hktick/internal/watchdog"
)

type symbolHealth struct {
	symbol        string
	lastTickAge   *float64
	lastSeen      int64
	lastPersisted int64
	hasPersisted  bool
	lag           int64
}

// healthCycle runs once a minute inside the session loop: one
// structured health line, drift and busy-backoff checks, a snapshot
// for the notifier, and the watchdog verdict. Window counters reset at
// the end so every cycle reports fresh per-minute rates.
func (c *Client) healthCycle() {
	now := c.nowFn()
	counters := c.pipeline.SnapshotPipelineCounters(true)
	state := c.pipeline.Snapshot()

	c.mu.Lock()
	win := c.window
	c.window = windowCounters{}
	maxTSSeen := c.maxTSMsSeen
	upstreamAt := c.lastUpstreamActiveAt
	busyPrev := c.lastBusyBackoffTotal
	c.lastBusyBackoffTotal = state.BusyBackoffTotal
	symbols := c.symbolHealthLocked(now)
	c.mu.Unlock()

	tradingDay := now.In(c.loc).Format("20060102")

	var dbRows int64
	var dbMaxTS *int64
	if c.store != nil {
		var err error
		dbRows, dbMaxTS, err = c.store.FetchTickStats(tradingDay)
		if err != nil {
			c.logger.Warn().Err(err).Str("trading_day", tradingDay).Msg("tick stats query failed")
		}
	}

	// Drift measures how far behind the freshest known tick is;
	// persisted rows are authoritative, in-memory sightings are the
	// fallback before the first commit.
	var driftSec *float64
	driftBase := maxTSSeen
	if dbMaxTS != nil && *dbMaxTS > driftBase {
		driftBase = *dbMaxTS
	}
	if driftBase > 0 {
		d := float64(now.UnixMilli()-driftBase) / 1000.0
		driftSec = &d
	}
	if driftSec != nil && c.notifierCfg.DriftWarnSec > 0 && *driftSec >= float64(c.notifierCfg.DriftWarnSec) {
		c.logger.Warn().
			Float64("drift_sec", *driftSec).
			Int("warn_threshold_sec", c.notifierCfg.DriftWarnSec).
			Msg("ts_drift_warn")
	}

	c.logHealth(tradingDay, win, counters, state, dbRows, driftSec, symbols)
	c.checkBusyBackoff(now, tradingDay, state.BusyBackoffTotal, busyPrev)

	c.notifier.SubmitHealth(c.buildHealthSnapshot(
		now, tradingDay, win, counters, state, dbRows, dbMaxTS, driftSec, symbols))

	decision := c.guard.Evaluate(watchdog.Sample{
		Now:                 now,
		QueueSize:           state.QueueSize,
		QueueMax:            state.QueueCap,
		PersistedRowsPerMin: counters.PersistedRows,
		QueueInRowsPerMin:   counters.QueueInRows,
		QueueOutRowsPerMin:  counters.QueueOutRows,
		EnqueuedInWindow:    counters.QueueInRows,
		PollFetched:         win.pollFetched,
		PollSeqAdvanced:     win.pollSeqAdvanced,
		UpstreamActiveAt:    upstreamAt,
		LastCommitAt:        state.LastPersistAt,
		LastDequeueAt:       state.LastDequeueAt,
		WorkerAlive:         state.Fatal == nil,
	})

	switch decision.Action {
	case watchdog.ActionRecover:
		c.logger.Warn().
			Str("reason", decision.Reason).
			Int("failures", decision.Failures).
			Float64("commit_age_sec", decision.CommitAgeSec).
			Float64("dequeue_age_sec", decision.DequeueAgeSec).
			Msg("persist stall detected, recycling writer")
		c.pipeline.RequestWriterRecovery()
	case watchdog.ActionExit:
		c.submitPersistStallAlert(now, tradingDay, decision, state.QueueSize, symbols)
		c.logger.Error().
			Str("reason", decision.Reason).
			Int("failures", decision.Failures).
			Msg("persist stall unrecoverable, requesting exit")
		select {
		case c.exitCh <- watchdog.ExitCode:
		default:
		}
	}
}

func (c *Client) symbolHealthLocked(now time.Time) []symbolHealth {
	out := make([]symbolHealth, 0, len(c.cfg.Symbols))
	for _, symbol := range c.cfg.Symbols {
		item := symbolHealth{symbol: symbol}
		if at, ok := c.lastTickSeenAt[symbol]; ok {
			age := now.Sub(at).Seconds()
			if age < 0 {
				age = 0
			}
			item.lastTickAge = &age
		}
		item.lastSeen = c.lastSeenSeq[symbol]
		if persisted, ok := c.lastPersistedSeq[symbol]; ok {
			item.lastPersisted = persisted
			item.hasPersisted = true
		}
		if lag := item.lastSeen - item.lastPersisted; lag > 0 {
			item.lag = lag
		}
		out = append(out, item)
	}
	return out
}

func (c *Client) logHealth(tradingDay string, win windowCounters,
	counters collector.PipelineCounters, state collector.RuntimeState,
	dbRows int64, driftSec *float64, symbols []symbolHealth) {

	var maxLag int64
	for _, item := range symbols {
		if item.lag > maxLag {
			maxLag = item.lag
		}
	}

	event := c.logger.Info().
		Str("trading_day", tradingDay).
		Int("queue_size", state.QueueSize).
		Int("queue_cap", state.QueueCap).
		Int64("push_rows", win.pushRows).
		Int64("poll_fetched", win.pollFetched).
		Int64("poll_accepted", win.pollAccepted).
		Int64("poll_enqueued", win.pollEnqueued).
		Int64("poll_seq_advanced", win.pollSeqAdvanced).
		Int64("dropped_duplicate", win.droppedDuplicate).
		Int64("dropped_filter", win.droppedFilter).
		Int64("dropped_queue_full", win.droppedQueueFull).
		Int64("persisted_rows", counters.PersistedRows).
		Int64("ignored_rows", counters.IgnoredRows).
		Int64("db_commits", counters.DBCommits).
		Int64("busy_backoffs", counters.BusyBackoffs).
		Int64("db_rows", dbRows).
		Int64("max_seq_lag", maxLag).
		Int("worker_generation", state.WorkerGeneration)
	if driftSec != nil {
		event = event.Float64("drift_sec", *driftSec)
	}
	event.Msg("health")
}

// checkBusyBackoff raises a WARN when sqlite contention spikes inside
// one window. Steady low-level busy retries never page.
func (c *Client) checkBusyBackoff(now time.Time, tradingDay string, busyTotal, busyPrev int64) {
	threshold := int64(c.notifierCfg.SQLiteBusyAlertThreshold)
	if threshold <= 0 {
		return
	}
	delta := busyTotal - busyPrev
	if delta < threshold {
		return
	}

	c.logger.Warn().
		Int64("busy_backoffs_window", delta).
		Int64("busy_backoffs_total", busyTotal).
		Msg("sqlite busy contention elevated")
	c.notifier.SubmitAlert(telegram.AlertEvent{
		CreatedAt:   now,
		Code:        "SQLITE_BUSY",
		Fingerprint: "SQLITE_BUSY:" + tradingDay,
		TradingDay:  tradingDay,
		Severity:    telegram.SeverityWarn,
		Headline:    "sqlite is hitting busy retries while committing",
		Impact:      "writes still land but commit latency is elevated",
		SummaryLines: []string{
			fmt.Sprintf("busy_backoffs_last_min=%d", delta),
			fmt.Sprintf("busy_backoffs_total=%d", busyTotal),
		},
		Suggestions: []string{
			"fuser -v " + c.storePathHint(tradingDay),
			"check for ad-hoc readers holding long transactions on today's shard",
		},
	})
}

func (c *Client) submitPersistStallAlert(now time.Time, tradingDay string,
	decision watchdog.Decision, queueSize int, symbols []symbolHealth) {

	names := make([]string, 0, len(symbols))
	lines := make([]string, 0, len(symbols)+2)
	lines = append(lines,
		fmt.Sprintf("stall_sec=%.0f queue=%d failures=%d", decision.CommitAgeSec, queueSize, decision.Failures))
	for _, item := range symbols {
		if item.lag <= 0 {
			continue
		}
		names = append(names, item.symbol)
		persisted := "none"
		if item.hasPersisted {
			persisted = fmt.Sprintf("%d", item.lastPersisted)
		}
		lines = append(lines,
			fmt.Sprintf("%s max_seq_lag=%d last_persisted_seq=%s", item.symbol, item.lag, persisted))
	}

	c.notifier.SubmitAlert(telegram.AlertEvent{
		CreatedAt:    now,
		Code:         "PERSIST_STALL",
		Fingerprint:  "PERSIST_STALL:" + tradingDay + ":" + strings.Join(names, ","),
		TradingDay:   tradingDay,
		Severity:     telegram.SeverityAlert,
		Headline:     "persisting stalled and recovery attempts are exhausted",
		Impact:       "ticks are accumulating in memory and will be lost if the queue overflows",
		SummaryLines: lines,
		Suggestions: []string{
			"systemctl restart hktick-collector",
			"df -h " + c.storePathHint(tradingDay),
		},
	})
}

func (c *Client) buildHealthSnapshot(now time.Time, tradingDay string,
	win windowCounters, counters collector.PipelineCounters, state collector.RuntimeState,
	dbRows int64, dbMaxTS *int64, driftSec *float64, symbols []symbolHealth) telegram.HealthSnapshot {

	snapshot := telegram.HealthSnapshot{
		CreatedAt:           now,
		PID:                 os.Getpid(),
		UptimeSec:           int64(now.Sub(c.startedAt).Seconds()),
		TradingDay:          tradingDay,
		DBPath:              c.storePathHint(tradingDay),
		DBRows:              dbRows,
		DriftSec:            driftSec,
		QueueSize:           state.QueueSize,
		QueueMax:            state.QueueCap,
		PushRowsPerMin:      int(win.pushRows),
		PollFetched:         int(win.pollFetched),
		PollAccepted:        int(win.pollAccepted),
		PersistedRowsPerMin: int(counters.PersistedRows),
		DroppedDuplicate:    int(win.droppedDuplicate),
	}
	if dbMaxTS != nil {
		snapshot.DBMaxTSUTC = time.UnixMilli(*dbMaxTS).UTC().Format("2006-01-02 15:04:05")
	}

	snapshot.Symbols = make([]telegram.SymbolSnapshot, 0, len(symbols))
	for _, item := range symbols {
		entry := telegram.SymbolSnapshot{
			Symbol:         item.symbol,
			LastTickAgeSec: item.lastTickAge,
			MaxSeqLag:      item.lag,
		}
		if item.hasPersisted {
			persisted := item.lastPersisted
			entry.LastPersistedSeq = &persisted
		}
		snapshot.Symbols = append(snapshot.Symbols, entry)
	}

	if c.notifierCfg.IncludeSystemMetrics {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		rssMB := float64(stats.Sys) / (1 << 20)
		snapshot.SystemRSSMB = &rssMB
		if load, ok := readLoad1(); ok {
			snapshot.SystemLoad1 = &load
		}
	}
	return snapshot
}

func (c *Client) storePathHint(tradingDay string) string {
	if c.store == nil {
		return ""
	}
	return c.store.DBPathForTradingDay(tradingDay)
}

func readLoad1() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	var load float64
	if _, err := fmt.Sscanf(fields[0], "%f", &load); err != nil {
		return 0, false
	}
	return load, true
}
