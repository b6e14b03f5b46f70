package telegram

import (
	"context"
	"math"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/hktick/internal/common"
	"github.com/bobmcallan/hktick/internal/market"
)

// Ages above this mark a symbol stale for digest change detection.
const digestLastTickAgeThresholdSec = 120.0

// Notifier accepts health snapshots and alert events, decides what is
// worth a message, and ships the survivors through a single delivery
// worker. Submission never blocks: a full outbound queue drops the
// message and logs it.
type Notifier struct {
	cfg      common.NotifierConfig
	calendar *market.Calendar
	logger   *common.Logger

	machine  *AlertStateMachine
	dedupe   *DedupeStore
	renderer *Renderer
	sender   Sender

	hostname   string
	instanceID string

	tradingIntervalSec  int
	offhoursIntervalSec int
	cooldownSec         int

	queue   chan outboundMessage
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	active  bool

	mu             sync.Mutex
	lastSnapshot   *HealthSnapshot
	lastMarketMode string
	phaseOnceSent  map[string]bool
	digest         *dailyDigestState
	digestSentDay  string

	nowFn func() time.Time
}

// NewNotifier wires the notifier. It stays inactive (submissions are
// no-ops) when disabled or missing credentials.
func NewNotifier(cfg common.NotifierConfig, calendar *market.Calendar, logger *common.Logger) *Notifier {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	trading := clampInt(cfg.HealthTradingIntervalSec, OpenCadenceSec, PreOpenCadenceSec)
	offhours := cfg.HealthOffhoursIntervalSec
	if offhours < 30 {
		offhours = 30
	}
	cooldown := cfg.AlertCooldownSec
	if cooldown < 30 {
		cooldown = 30
	}
	perMin := cfg.RateLimitPerMin
	if perMin < 1 {
		perMin = 1
	}
	queueMax := cfg.QueueMaxSize
	if queueMax < 1 {
		queueMax = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:                 cfg,
		calendar:            calendar,
		logger:              logger,
		machine:             NewAlertStateMachine(calendar, cfg.DriftWarnSec),
		dedupe:              NewDedupeStore(),
		renderer:            NewRenderer(),
		sender:              NewClient(cfg.BotToken, time.Duration(cfg.RequestTimeoutSec)*time.Second),
		hostname:            hostname,
		tradingIntervalSec:  trading,
		offhoursIntervalSec: offhours,
		cooldownSec:         cooldown,
		queue:               make(chan outboundMessage, queueMax),
		limiter:             rate.NewLimiter(rate.Limit(float64(perMin)/60.0), 1),
		ctx:                 ctx,
		cancel:              cancel,
		phaseOnceSent:       make(map[string]bool),
		nowFn:               time.Now,
	}
	n.active = cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != ""
	return n
}

// Active reports whether messages will actually be delivered.
func (n *Notifier) Active() bool {
	return n.active
}

// Start launches the delivery worker.
func (n *Notifier) Start() {
	if !n.active || n.started {
		if !n.active {
			n.logger.Info().Msg("telegram notifier inactive")
		}
		return
	}
	n.started = true
	n.wg.Add(1)
	go n.workerLoop()
	n.logger.Info().
		Int("queue_max", cap(n.queue)).
		Int("rate_limit_per_min", n.cfg.RateLimitPerMin).
		Msg("telegram notifier started")
}

// Stop cancels delivery and waits for the worker to exit.
func (n *Notifier) Stop() {
	if !n.started {
		return
	}
	n.cancel()
	n.wg.Wait()
	n.started = false
}

// SubmitHealth assesses one snapshot and emits a health message when
// the state machine and per-mode cadence allow it.
func (n *Notifier) SubmitHealth(snapshot HealthSnapshot) {
	if !n.active {
		return
	}
	if snapshot.SID == "" {
		snapshot.SID = NewShortID("sid")
	}

	n.mu.Lock()
	now := n.nowFn()
	n.observeDigest(snapshot)

	assessment := n.machine.AssessHealth(snapshot)
	meaningful := false
	if n.lastSnapshot != nil {
		meaningful = n.hasSignificantChange(*n.lastSnapshot, snapshot)
	}
	prev := snapshot
	n.lastSnapshot = &prev

	interval := time.Duration(n.healthCadenceSec(assessment.MarketMode, assessment.Severity)) * time.Second
	modeChanged := n.lastMarketMode != "" && n.lastMarketMode != assessment.MarketMode
	n.lastMarketMode = assessment.MarketMode

	emit, reason := n.machine.ShouldEmitHealth(assessment, now, interval, meaningful)
	if !emit && modeChanged {
		emit, reason = true, "market_mode_changed"
	}
	if emit && assessment.Severity == SeverityOK && n.phaseAlreadySent(snapshot.TradingDay, assessment.MarketMode) {
		emit, reason = false, "phase_once"
	}
	if emit && assessment.Severity == SeverityOK {
		n.markPhaseSent(snapshot.TradingDay, assessment.MarketMode)
	}

	digestDue := n.digestDue(snapshot, assessment.MarketMode)
	n.mu.Unlock()

	n.logger.Debug().
		Str("market_mode", assessment.MarketMode).
		Str("severity", string(assessment.Severity)).
		Str("reason", reason).
		Bool("emit", emit).
		Msg("health assessed")

	if emit {
		rendered := n.renderer.RenderHealth(snapshot, assessment, n.hostname, n.instanceID,
			n.cfg.IncludeSystemMetrics)
		n.enqueue("HEALTH", rendered, assessment.Severity,
			"HEALTH:"+snapshot.TradingDay, reason, snapshot.SID, "")
	}
	if digestDue {
		n.sendDailyDigest(snapshot)
	}
}

// SubmitAlert sends a discrete event subject to fingerprint dedupe,
// escalation, and cooldown.
func (n *Notifier) SubmitAlert(event AlertEvent) {
	if !n.active {
		return
	}
	if event.EID == "" {
		event.EID = NewShortID("eid")
	}
	if event.SID == "" {
		n.mu.Lock()
		if n.lastSnapshot != nil {
			event.SID = n.lastSnapshot.SID
		}
		n.mu.Unlock()
		if event.SID == "" {
			event.SID = NewShortID("sid")
		}
	}
	severity := event.Severity
	if severity == "" {
		severity = SeverityAlert
		event.Severity = severity
	}
	fingerprint := event.Fingerprint
	if fingerprint == "" {
		fingerprint = event.Code
	}

	n.mu.Lock()
	now := n.nowFn()
	cooldown := n.severityCooldown(severity)
	steps := n.severityEscalationSteps(severity, cooldown)
	send, reason := n.dedupe.Evaluate(fingerprint, severity, now, cooldown, steps, event.EID, event.SID)
	mode := n.calendar.StateAt(event.CreatedAt).Mode
	if send && severity != SeverityOK && n.digest != nil {
		n.digest.alertCount++
	}
	n.mu.Unlock()

	if !send {
		n.logger.Debug().
			Str("code", event.Code).
			Str("fingerprint", fingerprint).
			Str("reason", reason).
			Msg("alert suppressed")
		return
	}

	rendered := n.renderer.RenderAlert(event, n.hostname, n.instanceID, mode)
	n.enqueue(event.Code, rendered, severity, fingerprint, reason, event.SID, event.EID)
}

// ResolveAlert pops the incident and emits a recovery message carrying
// the original correlation ids when known.
func (n *Notifier) ResolveAlert(code, fingerprint, tradingDay string, summaryLines []string) {
	if !n.active {
		return
	}

	n.mu.Lock()
	record := n.dedupe.Resolve(fingerprint)
	if n.digest != nil {
		n.digest.recoveredCount++
	}
	n.mu.Unlock()

	eid := NewShortID("eid")
	sid := ""
	if record != nil {
		if record.LastEventID != "" {
			eid = record.LastEventID
		}
		sid = record.LastSnapshotID
	}

	event := AlertEvent{
		CreatedAt:    n.nowFn(),
		Code:         code,
		Fingerprint:  fingerprint,
		TradingDay:   tradingDay,
		Severity:     SeverityOK,
		SummaryLines: summaryLines,
		SID:          sid,
		EID:          eid,
	}
	rendered := n.renderer.RenderRecovered(event, n.hostname, n.instanceID)
	n.enqueue(code+"_RECOVERED", rendered, SeverityOK,
		fingerprint+":RECOVERED:"+eid, "state_recovered", sid, eid)
}

func (n *Notifier) sendDailyDigest(snapshot HealthSnapshot) {
	n.mu.Lock()
	digest := n.digest
	if digest == nil || n.digestSentDay == digest.tradingDay {
		n.mu.Unlock()
		return
	}
	n.digestSentDay = digest.tradingDay
	snap := *digest
	n.mu.Unlock()

	rendered := n.renderer.renderDailyDigest(snapshot, &snap, n.hostname, n.instanceID)
	n.enqueue("DAILY_DIGEST", rendered, SeverityOK, "DIGEST:"+snap.tradingDay, "daily_digest", snapshot.SID, "")
}

// digestDue requires an after-close window on a trading day with the
// digest not yet sent. Caller holds n.mu.
func (n *Notifier) digestDue(snapshot HealthSnapshot, mode string) bool {
	if n.digest == nil || n.digest.tradingDay != snapshot.TradingDay {
		return false
	}
	if n.digestSentDay == snapshot.TradingDay {
		return false
	}
	state := n.calendar.StateAt(snapshot.CreatedAt)
	return mode == market.ModeAfterHours && state.IsTradingDay
}

// observeDigest folds one snapshot into the day's digest totals.
// Caller holds n.mu.
func (n *Notifier) observeDigest(snapshot HealthSnapshot) {
	if n.digest == nil || n.digest.tradingDay != snapshot.TradingDay {
		n.digest = &dailyDigestState{
			tradingDay:    snapshot.TradingDay,
			startDBRows:   snapshot.DBRows,
			haveStartRows: true,
		}
	}
	d := n.digest
	persisted := snapshot.PersistedRowsPerMin
	if persisted < 0 {
		persisted = 0
	}
	d.totalRows += int64(persisted)
	if persisted > d.peakRowsPerMin {
		d.peakRowsPerMin = persisted
	}
	if snapshot.DriftSec != nil {
		lag := math.Abs(*snapshot.DriftSec)
		if lag > d.maxLagSec {
			d.maxLagSec = lag
		}
	}
	if snapshot.DBRows > d.dbRows {
		d.dbRows = snapshot.DBRows
	}
	d.dbPath = snapshot.DBPath
}

func (n *Notifier) hasSignificantChange(old, new HealthSnapshot) bool {
	if math.Abs(queueUtilizationPct(new)-queueUtilizationPct(old)) >= n.cfg.DigestQueueChangePct {
		return true
	}
	oldAge, oldOK := maxSymbolAgeSec(old)
	newAge, newOK := maxSymbolAgeSec(new)
	if crossedThreshold(oldAge, oldOK, newAge, newOK, digestLastTickAgeThresholdSec, false) {
		return true
	}
	if (old.PersistedRowsPerMin > 0) != (new.PersistedRowsPerMin > 0) {
		return true
	}
	oldDrift, oldDriftOK := ptrValue(old.DriftSec)
	newDrift, newDriftOK := ptrValue(new.DriftSec)
	return crossedThreshold(oldDrift, oldDriftOK, newDrift, newDriftOK, n.cfg.DigestDriftThresholdSec, true)
}

func (n *Notifier) healthCadenceSec(mode string, severity NotifySeverity) int {
	switch severity {
	case SeverityAlert:
		return AlertCadenceSec
	case SeverityWarn:
		return WarnCadenceSec
	}
	switch mode {
	case market.ModeOpen:
		return n.tradingIntervalSec
	case market.ModeLunchBreak, market.ModeAfterHours, market.ModeHolidayClosed:
		return n.offhoursIntervalSec
	}
	return PreOpenCadenceSec
}

func (n *Notifier) severityCooldown(severity NotifySeverity) time.Duration {
	switch severity {
	case SeverityAlert:
		return AlertCadenceSec * time.Second
	case SeverityWarn:
		return WarnCadenceSec * time.Second
	}
	return time.Duration(n.cooldownSec) * time.Second
}

// severityEscalationSteps keeps configured steps that are either
// immediate or at least one cooldown out, and appends the cooldown
// itself for WARN/ALERT so a live incident re-pages at most once per
// cadence window.
func (n *Notifier) severityEscalationSteps(severity NotifySeverity, cooldown time.Duration) []int {
	cooldownSec := int(cooldown / time.Second)
	values := []int{0}
	for _, step := range n.cfg.AlertEscalationSteps {
		if step < 0 {
			step = 0
		}
		if step == 0 || step >= cooldownSec {
			values = append(values, step)
		}
	}
	if severity == SeverityAlert || severity == SeverityWarn {
		values = append(values, cooldownSec)
	}
	return normalizedSteps(values)
}

// phaseAlreadySent / markPhaseSent throttle OK chatter in the quiet
// phases to once per (day, mode). Caller holds n.mu.
func (n *Notifier) phaseAlreadySent(tradingDay, mode string) bool {
	switch mode {
	case market.ModePreOpen, market.ModeLunchBreak, market.ModeAfterHours, market.ModeHolidayClosed:
		return n.phaseOnceSent[tradingDay+":"+mode]
	}
	return false
}

func (n *Notifier) markPhaseSent(tradingDay, mode string) {
	switch mode {
	case market.ModePreOpen, market.ModeLunchBreak, market.ModeAfterHours, market.ModeHolidayClosed:
		n.phaseOnceSent[tradingDay+":"+mode] = true
	}
}

func (n *Notifier) enqueue(kind string, message RenderedMessage, severity NotifySeverity,
	fingerprint, reason, sid, eid string) bool {

	payload := outboundMessage{
		kind:        kind,
		message:     TruncateRenderedMessage(message, MaxMessageChars),
		severity:    severity,
		fingerprint: fingerprint,
		sid:         sid,
		eid:         eid,
	}
	select {
	case n.queue <- payload:
		n.logger.Info().
			Str("kind", kind).
			Str("severity", string(severity)).
			Str("fingerprint", fingerprint).
			Str("reason", reason).
			Msg("telegram enqueue")
		return true
	default:
		n.logger.Error().
			Str("kind", kind).
			Str("severity", string(severity)).
			Str("fingerprint", fingerprint).
			Msg("telegram queue full, dropped")
		return false
	}
}

func (n *Notifier) workerLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case payload := <-n.queue:
			n.deliver(payload)
		}
	}
}

func (n *Notifier) deliver(payload outboundMessage) {
	maxRetries := n.cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := n.limiter.Wait(n.ctx); err != nil {
			return
		}
		result := n.sender.SendMessage(n.ctx, n.cfg.ChatID, payload.message, n.cfg.ThreadID)
		if result.OK {
			n.logger.Info().
				Str("kind", payload.kind).
				Str("severity", string(payload.severity)).
				Str("fingerprint", payload.fingerprint).
				Int("attempt", attempt).
				Msg("telegram send ok")
			return
		}

		if result.StatusCode == 429 && result.RetryAfter > 0 && attempt < maxRetries {
			n.logger.Warn().
				Str("kind", payload.kind).
				Str("fingerprint", payload.fingerprint).
				Int("retry_after", result.RetryAfter).
				Int("attempt", attempt).
				Msg("telegram rate limited")
			if !n.sleep(time.Duration(result.RetryAfter) * time.Second) {
				return
			}
			continue
		}

		if attempt >= maxRetries {
			n.logger.Error().
				Str("kind", payload.kind).
				Str("severity", string(payload.severity)).
				Str("fingerprint", payload.fingerprint).
				Int("status", result.StatusCode).
				Str("err", result.Error).
				Int("attempts", attempt).
				Msg("telegram send failed")
			return
		}

		backoff := time.Duration(math.Min(8, math.Pow(2, float64(attempt-1)))) * time.Second
		if !n.sleep(backoff) {
			return
		}
	}
}

func (n *Notifier) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-n.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func crossedThreshold(before float64, beforeOK bool, after float64, afterOK bool,
	threshold float64, useAbs bool) bool {

	if !beforeOK && !afterOK {
		return false
	}
	if !beforeOK || !afterOK {
		value := after
		ok := afterOK
		if !ok {
			value, ok = before, beforeOK
		}
		if useAbs {
			value = math.Abs(value)
		}
		return ok && value >= threshold
	}
	lhs, rhs := before, after
	if useAbs {
		lhs, rhs = math.Abs(before), math.Abs(after)
	}
	return (lhs < threshold && threshold <= rhs) || (lhs >= threshold && threshold > rhs)
}

func ptrValue(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}
