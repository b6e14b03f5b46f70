// Package telegram delivers operator notifications over the Telegram
// Bot API: periodic health summaries, discrete alerts with recovery
// messages, and a daily close digest. Submission is non-blocking; a
// single worker drains a bounded outbound queue under a sliding rate
// limit.
package telegram

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NotifySeverity orders notification urgency.
type NotifySeverity string

const (
	SeverityOK    NotifySeverity = "OK"
	SeverityWarn  NotifySeverity = "WARN"
	SeverityAlert NotifySeverity = "ALERT"
)

// Telegram caps message text at 4096 characters.
const MaxMessageChars = 4096

// Cadence floors and ceilings in seconds. WARN/ALERT cadences override
// the per-mode health interval; the holiday heuristic needs several
// consecutive quiet cycles before it reclassifies an open session.
const (
	WarnCadenceSec       = 600
	AlertCadenceSec      = 180
	PreOpenCadenceSec    = 1800
	OpenCadenceSec       = 900
	LunchCadenceSec      = 1800
	AfterHoursCadenceSec = 3600

	holidayClosedCycles    = 3
	holidayClosedP50AgeSec = 600.0
	holidayClosedP95AgeSec = 900.0
)

var severityRank = map[NotifySeverity]int{
	SeverityOK:    0,
	SeverityWarn:  1,
	SeverityAlert: 2,
}

// SeverityFrom normalizes free-form severity text; unknown values map
// to OK.
func SeverityFrom(value string) NotifySeverity {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(SeverityWarn):
		return SeverityWarn
	case string(SeverityAlert):
		return SeverityAlert
	}
	return SeverityOK
}

// NewShortID makes a compact correlation id like "sid-9f2c1a0b".
func NewShortID(prefix string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, strings.ToLower(prefix))
	if cleaned == "" {
		cleaned = "id"
	}
	if len(cleaned) > 8 {
		cleaned = cleaned[:8]
	}
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return cleaned + "-" + raw[:8]
}

// SymbolSnapshot is one symbol's freshness view inside a HealthSnapshot.
type SymbolSnapshot struct {
	Symbol           string
	LastTickAgeSec   *float64
	LastPersistedSeq *int64
	MaxSeqLag        int64
}

// HealthSnapshot is the periodic pipeline summary published by the
// upstream client's health loop.
type HealthSnapshot struct {
	CreatedAt           time.Time
	PID                 int
	UptimeSec           int64
	TradingDay          string
	DBPath              string
	DBRows              int64
	DBMaxTSUTC          string
	DriftSec            *float64
	QueueSize           int
	QueueMax            int
	PushRowsPerMin      int
	PollFetched         int
	PollAccepted        int
	PersistedRowsPerMin int
	DroppedDuplicate    int
	Symbols             []SymbolSnapshot
	SystemLoad1         *float64
	SystemRSSMB         *float64
	SystemDiskFreeGB    *float64
	SID                 string
}

// AlertEvent is a discrete operator-facing incident.
type AlertEvent struct {
	CreatedAt    time.Time
	Code         string
	Fingerprint  string
	TradingDay   string
	Severity     NotifySeverity
	SummaryLines []string
	Suggestions  []string
	Headline     string
	Impact       string
	DurationSec  *int
	ThresholdSec *int
	SID          string
	EID          string
}

// SendResult is the outcome of one Bot API sendMessage call.
type SendResult struct {
	OK         bool
	StatusCode int
	RetryAfter int
	Error      string
}

// RenderedMessage is the wire-ready text plus its parse mode.
type RenderedMessage struct {
	Text      string
	ParseMode string
}

// HealthAssessment is the state machine's verdict for one snapshot.
type HealthAssessment struct {
	Severity    NotifySeverity
	Conclusion  string
	Impact      string
	NeedsAction bool
	MarketMode  string
}

type outboundMessage struct {
	kind        string
	message     RenderedMessage
	severity    NotifySeverity
	fingerprint string
	sid         string
	eid         string
}

// dailyDigestState accumulates one trading day's totals for the close
// digest.
type dailyDigestState struct {
	tradingDay     string
	startDBRows    int64
	haveStartRows  bool
	totalRows      int64
	peakRowsPerMin int
	maxLagSec      float64
	alertCount     int
	recoveredCount int
	dbRows         int64
	dbPath         string
}

func maxSymbolAgeSec(s HealthSnapshot) (float64, bool) {
	best, found := 0.0, false
	for _, item := range s.Symbols {
		if item.LastTickAgeSec == nil {
			continue
		}
		if !found || *item.LastTickAgeSec > best {
			best, found = *item.LastTickAgeSec, true
		}
	}
	return best, found
}

func maxSymbolLag(s HealthSnapshot) int64 {
	var best int64
	for _, item := range s.Symbols {
		if item.MaxSeqLag > best {
			best = item.MaxSeqLag
		}
	}
	return best
}

func queueUtilizationPct(s HealthSnapshot) float64 {
	if s.QueueMax <= 0 {
		return 0.0
	}
	return float64(s.QueueSize) / float64(s.QueueMax) * 100.0
}

func symbolAges(s HealthSnapshot) []float64 {
	ages := make([]float64, 0, len(s.Symbols))
	for _, item := range s.Symbols {
		if item.LastTickAgeSec != nil {
			ages = append(ages, *item.LastTickAgeSec)
		}
	}
	return ages
}

func percentileFloat(values []float64, p float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	ordered := append([]float64(nil), values...)
	sort.Float64s(ordered)
	idx := int(float64(len(ordered)-1) * p)
	return ordered[idx], true
}

func ingestRowsPerMin(s HealthSnapshot) int {
	push := s.PushRowsPerMin
	if push < 0 {
		push = 0
	}
	poll := s.PollAccepted
	if poll < 0 {
		poll = 0
	}
	return push + poll
}
