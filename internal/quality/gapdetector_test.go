package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/hktick/internal/common"
	"github.com/bobmcallan/hktick/internal/market"
	"github.com/bobmcallan/hktick/internal/models"
)

func testQualityConfig() common.QualityConfig {
	return common.QualityConfig{
		GapEnabled:         true,
		GapThresholdSec:    10.0,
		GapActiveWindowSec: 300,
		GapActiveMinTicks:  3,
		GapStallWarnSec:    3.0,
		TradingTZ:          common.DefaultTradingTZ,
		TradingSessions:    "09:30-12:00,13:00-16:00",
	}
}

func testDetector(t *testing.T) *GapDetector {
	t.Helper()
	cfg := testQualityConfig()
	cal, err := market.NewCalendar(cfg, common.NewSilentLogger())
	require.NoError(t, err)
	return NewGapDetector(cfg, cal)
}

// Monday 2026-01-05, morning session.
func sessionTS(t *testing.T, hour, min, sec int) int64 {
	t.Helper()
	loc := common.LoadTradingLocation("")
	return time.Date(2026, 1, 5, hour, min, sec, 0, loc).UnixMilli()
}

func gapTick(symbol string, tsMs int64) models.TickRow {
	return models.TickRow{
		Market:     "HK",
		Symbol:     symbol,
		TSMs:       tsMs,
		PushType:   models.PushTypePush,
		TradingDay: "20260105",
	}
}

// burst emits a tick every second so the symbol passes the activity
// threshold before the interval under test.
func burst(t *testing.T, symbol string, hour, min, sec, count int) []models.TickRow {
	t.Helper()
	rows := make([]models.TickRow, 0, count)
	base := sessionTS(t, hour, min, sec)
	for i := 0; i < count; i++ {
		rows = append(rows, gapTick(symbol, base+int64(i)*1000))
	}
	return rows
}

func TestHardGapDetected(t *testing.T) {
	d := testDetector(t)

	rows := burst(t, "HK.00700", 10, 0, 0, 5)
	last := rows[len(rows)-1].TSMs
	rows = append(rows, gapTick("HK.00700", last+15_000)) // 15s > 10s threshold

	plan := d.BuildPlan(rows)
	require.Len(t, plan.HardGaps, 1)
	gap := plan.HardGaps[0]
	assert.Equal(t, "HK.00700", gap.Symbol)
	assert.Equal(t, last, gap.GapStartTSMs)
	assert.Equal(t, last+15_000, gap.GapEndTSMs)
	assert.InDelta(t, 15.0, gap.GapSec, 1e-9)
	assert.Equal(t, "hard_gap", gap.Reason)
	assert.Contains(t, gap.MetaJSON, `"session":"09:30-12:00"`)
	assert.Empty(t, plan.SoftStalls)
}

func TestSoftStallBetweenThresholds(t *testing.T) {
	d := testDetector(t)

	rows := burst(t, "HK.00700", 10, 0, 0, 5)
	last := rows[len(rows)-1].TSMs
	rows = append(rows, gapTick("HK.00700", last+5_000)) // 3s < 5s < 10s

	plan := d.BuildPlan(rows)
	assert.Empty(t, plan.HardGaps)
	require.Len(t, plan.SoftStalls, 1)
	assert.InDelta(t, 5.0, plan.SoftStalls[0].StallSec, 1e-9)
}

func TestInactiveSymbolSuppressed(t *testing.T) {
	d := testDetector(t)

	// two sparse ticks never reach gap_active_min_ticks=3
	rows := []models.TickRow{
		gapTick("HK.00700", sessionTS(t, 10, 0, 0)),
		gapTick("HK.00700", sessionTS(t, 10, 1, 0)),
	}
	plan := d.BuildPlan(rows)
	assert.Empty(t, plan.HardGaps)
	assert.Empty(t, plan.SoftStalls)
}

func TestLunchBreakNotAGap(t *testing.T) {
	d := testDetector(t)

	rows := burst(t, "HK.00700", 11, 59, 50, 8) // runs up to 11:59:57
	rows = append(rows, gapTick("HK.00700", sessionTS(t, 13, 0, 5)))

	plan := d.BuildPlan(rows)
	assert.Empty(t, plan.HardGaps, "cross-session delta must not be a gap")
}

func TestWeekendSuppressed(t *testing.T) {
	d := testDetector(t)
	loc := common.LoadTradingLocation("")

	// Saturday 2026-01-03 at what would be session time
	base := time.Date(2026, 1, 3, 10, 0, 0, 0, loc).UnixMilli()
	var rows []models.TickRow
	for i := 0; i < 5; i++ {
		rows = append(rows, gapTick("HK.00700", base+int64(i)*1000))
	}
	rows = append(rows, gapTick("HK.00700", base+60_000))

	plan := d.BuildPlan(rows)
	assert.Empty(t, plan.HardGaps)
	assert.Empty(t, plan.SoftStalls)
}

func TestStateAdvancesOnlyOnApply(t *testing.T) {
	d := testDetector(t)

	rows := burst(t, "HK.00700", 10, 0, 0, 5)
	last := rows[len(rows)-1].TSMs
	rows = append(rows, gapTick("HK.00700", last+15_000))

	plan := d.BuildPlan(rows)
	require.Len(t, plan.HardGaps, 1)

	// not applied: a rebuild over the same batch re-detects the gap
	replay := d.BuildPlan(rows)
	require.Len(t, replay.HardGaps, 1)

	d.ApplyPlan(plan)

	// applied: a later batch continues from the gap end
	next := d.BuildPlan([]models.TickRow{gapTick("HK.00700", last+16_000)})
	assert.Empty(t, next.HardGaps)
}

func TestStateSpansBatches(t *testing.T) {
	d := testDetector(t)

	first := burst(t, "HK.00700", 10, 0, 0, 5)
	plan := d.BuildPlan(first)
	d.ApplyPlan(plan)

	last := first[len(first)-1].TSMs
	second := d.BuildPlan([]models.TickRow{gapTick("HK.00700", last+15_000)})
	require.Len(t, second.HardGaps, 1)
	assert.Equal(t, last, second.HardGaps[0].GapStartTSMs)
}

func TestOutOfOrderRowsSortedBeforeDetection(t *testing.T) {
	d := testDetector(t)

	rows := burst(t, "HK.00700", 10, 0, 0, 5)
	last := rows[len(rows)-1].TSMs
	rows = append(rows, gapTick("HK.00700", last+15_000))

	// shuffle: move the gap-ending row to the front
	shuffled := append([]models.TickRow{rows[len(rows)-1]}, rows[:len(rows)-1]...)

	plan := d.BuildPlan(shuffled)
	require.Len(t, plan.HardGaps, 1)
	assert.Equal(t, last, plan.HardGaps[0].GapStartTSMs)
}

func TestPerSymbolIsolation(t *testing.T) {
	d := testDetector(t)

	rows := burst(t, "HK.00700", 10, 0, 0, 5)
	last := rows[len(rows)-1].TSMs
	rows = append(rows, gapTick("HK.00700", last+15_000))
	rows = append(rows, burst(t, "HK.09988", 10, 0, 0, 10)...)

	plan := d.BuildPlan(rows)
	require.Len(t, plan.HardGaps, 1)
	assert.Equal(t, "HK.00700", plan.HardGaps[0].Symbol)
}
