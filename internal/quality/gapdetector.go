// Package quality classifies tick stream continuity: hard gaps, soft
// stalls and the end-of-day report.
package quality

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/bobmcallan/hktick/internal/common"
	"github.com/bobmcallan/hktick/internal/market"
	"github.com/bobmcallan/hktick/internal/models"
)

// GapDetector finds intra-session silences per symbol. A hard gap is a
// delta above gap_threshold_sec between two prints in the same session
// while the symbol is active; a soft stall sits between stall_warn and
// the hard threshold. Detection state is per symbol and survives
// across batches.
//
// BuildPlan is pure: it computes records and the follow-on state
// without mutating the detector. The worker calls ApplyPlan only after
// the batch (including the gap rows) committed, so a failed commit
// re-detects the same gaps on retry.
type GapDetector struct {
	cfg            common.QualityConfig
	calendar       *market.Calendar
	states         map[string]symbolState
	activeWindowMs int64
}

type symbolState struct {
	lastTSMs int64
	hasLast  bool
	recentTS []int64
}

// Plan is the result of one detection pass.
type Plan struct {
	HardGaps   []models.GapRecord
	SoftStalls []models.SoftStallObservation
	nextStates map[string]symbolState
}

// NewGapDetector builds a detector over the shared market calendar.
func NewGapDetector(cfg common.QualityConfig, calendar *market.Calendar) *GapDetector {
	return &GapDetector{
		cfg:            cfg,
		calendar:       calendar,
		states:         make(map[string]symbolState),
		activeWindowMs: int64(cfg.GapActiveWindowSec) * 1000,
	}
}

// Enabled reports whether detection is switched on.
func (d *GapDetector) Enabled() bool {
	return d.cfg.GapEnabled
}

type gapMeta struct {
	PrevTSMs        int64   `json:"prev_ts_ms"`
	CurrTSMs        int64   `json:"curr_ts_ms"`
	GapThresholdSec float64 `json:"gap_threshold_sec"`
	ActiveWindowSec int     `json:"active_window_sec"`
	ActiveMinTicks  int     `json:"active_min_ticks"`
	ActiveCount     int     `json:"active_count"`
	Session         string  `json:"session"`
}

type stallMeta struct {
	PrevTSMs     int64   `json:"prev_ts_ms"`
	CurrTSMs     int64   `json:"curr_ts_ms"`
	StallWarnSec float64 `json:"stall_warn_sec"`
	ActiveCount  int     `json:"active_count"`
	Session      string  `json:"session"`
}

// BuildPlan runs detection over a batch. Rows are grouped by symbol and
// ordered by (ts, seq) regardless of arrival order.
func (d *GapDetector) BuildPlan(rows []models.TickRow) Plan {
	grouped := make(map[string][]models.TickRow)
	for _, row := range rows {
		if row.Symbol == "" {
			continue
		}
		grouped[row.Symbol] = append(grouped[row.Symbol], row)
	}

	plan := Plan{nextStates: make(map[string]symbolState, len(grouped))}

	for symbol, symbolRows := range grouped {
		ordered := append([]models.TickRow(nil), symbolRows...)
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].TSMs != ordered[j].TSMs {
				return ordered[i].TSMs < ordered[j].TSMs
			}
			return seqOrMinus(ordered[i]) < seqOrMinus(ordered[j])
		})

		state := d.states[symbol]
		lastTS, hasLast := state.lastTSMs, state.hasLast
		recent := append([]int64(nil), state.recentTS...)

		for _, row := range ordered {
			currTS := row.TSMs
			recent = trimRecent(recent, currTS, d.activeWindowMs)
			activeCount := len(recent) + 1
			active := activeCount >= d.cfg.GapActiveMinTicks

			if hasLast && currTS > lastTS && active {
				prevIdx, prevIn := d.calendar.InSessionTS(lastTS)
				currIdx, currIn := d.calendar.InSessionTS(currTS)
				if prevIn && currIn && prevIdx == currIdx {
					deltaSec := float64(currTS-lastTS) / 1000.0
					label := sessionLabel(d.calendar.Sessions()[currIdx])
					if deltaSec > d.cfg.GapThresholdSec {
						meta, _ := json.Marshal(gapMeta{
							PrevTSMs:        lastTS,
							CurrTSMs:        currTS,
							GapThresholdSec: d.cfg.GapThresholdSec,
							ActiveWindowSec: d.cfg.GapActiveWindowSec,
							ActiveMinTicks:  d.cfg.GapActiveMinTicks,
							ActiveCount:     activeCount,
							Session:         label,
						})
						plan.HardGaps = append(plan.HardGaps, models.GapRecord{
							TradingDay:   row.TradingDay,
							Symbol:       symbol,
							GapStartTSMs: lastTS,
							GapEndTSMs:   currTS,
							GapSec:       round3(deltaSec),
							Reason:       "hard_gap",
							MetaJSON:     string(meta),
						})
					} else if deltaSec > d.cfg.GapStallWarnSec {
						meta, _ := json.Marshal(stallMeta{
							PrevTSMs:     lastTS,
							CurrTSMs:     currTS,
							StallWarnSec: d.cfg.GapStallWarnSec,
							ActiveCount:  activeCount,
							Session:      label,
						})
						plan.SoftStalls = append(plan.SoftStalls, models.SoftStallObservation{
							TradingDay:     row.TradingDay,
							Symbol:         symbol,
							StallStartTSMs: lastTS,
							StallEndTSMs:   currTS,
							StallSec:       round3(deltaSec),
							MetaJSON:       string(meta),
						})
					}
				}
			}

			if !hasLast || currTS > lastTS {
				lastTS, hasLast = currTS, true
				recent = append(recent, currTS)
				recent = trimRecent(recent, currTS, d.activeWindowMs)
			}
		}

		plan.nextStates[symbol] = symbolState{lastTSMs: lastTS, hasLast: hasLast, recentTS: recent}
	}

	return plan
}

// ApplyPlan commits the follow-on detection state. Call only after the
// batch that produced the plan is durably persisted.
func (d *GapDetector) ApplyPlan(plan Plan) {
	for symbol, state := range plan.nextStates {
		d.states[symbol] = state
	}
}

func seqOrMinus(row models.TickRow) int64 {
	if row.Seq == nil {
		return -1
	}
	return *row.Seq
}

func trimRecent(recent []int64, currentTSMs, windowMs int64) []int64 {
	minTS := currentTSMs - windowMs
	i := 0
	for i < len(recent) && recent[i] < minTS {
		i++
	}
	return recent[i:]
}

func sessionLabel(w common.SessionWindow) string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d",
		w.StartMin/60, w.StartMin%60, w.EndMin/60, w.EndMin%60)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
