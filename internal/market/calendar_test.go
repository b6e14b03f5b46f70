package market

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/hktick/internal/common"
)

func testCalendar(t *testing.T, cfg common.QualityConfig) *Calendar {
	t.Helper()
	if cfg.TradingTZ == "" {
		cfg.TradingTZ = common.DefaultTradingTZ
	}
	if cfg.TradingSessions == "" {
		cfg.TradingSessions = "09:30-12:00,13:00-16:00"
	}
	cal, err := NewCalendar(cfg, common.NewSilentLogger())
	require.NoError(t, err)
	return cal
}

func hkt(t *testing.T, year int, month time.Month, day, hour, min int) time.Time {
	t.Helper()
	return time.Date(year, month, day, hour, min, 0, 0, common.LoadTradingLocation(""))
}

func TestStateAtPhases(t *testing.T) {
	cal := testCalendar(t, common.QualityConfig{})

	// Monday 2026-01-05
	tests := []struct {
		name      string
		at        time.Time
		mode      string
		inSession bool
	}{
		{"pre-open", hkt(t, 2026, 1, 5, 9, 15), ModePreOpen, false},
		{"morning open", hkt(t, 2026, 1, 5, 9, 30), ModeOpen, true},
		{"lunch", hkt(t, 2026, 1, 5, 12, 30), ModeLunchBreak, false},
		{"afternoon open", hkt(t, 2026, 1, 5, 15, 59), ModeOpen, true},
		{"after close", hkt(t, 2026, 1, 5, 16, 0), ModeAfterHours, false},
		{"early morning", hkt(t, 2026, 1, 5, 7, 0), ModeAfterHours, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := cal.StateAt(tt.at)
			assert.Equal(t, tt.mode, state.Mode)
			assert.Equal(t, tt.inSession, state.IsTradingSession)
			assert.True(t, state.IsTradingDay)
			assert.Equal(t, "20260105", state.TradingDay)
		})
	}
}

func TestStateAtWeekend(t *testing.T) {
	cal := testCalendar(t, common.QualityConfig{})

	state := cal.StateAt(hkt(t, 2026, 1, 3, 10, 0)) // Saturday mid-morning
	assert.Equal(t, ModeAfterHours, state.Mode)
	assert.False(t, state.IsTradingDay)
	assert.False(t, state.IsTradingSession)
}

func TestStateAtHoliday(t *testing.T) {
	cal := testCalendar(t, common.QualityConfig{
		Holidays: []string{"2026-01-05"},
	})

	state := cal.StateAt(hkt(t, 2026, 1, 5, 10, 0))
	assert.Equal(t, ModeHolidayClosed, state.Mode)
	assert.False(t, state.IsTradingDay)
}

func TestHolidayFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "holidays.csv")
	content := "# HKEX closures\n2026-01-05,New Year observed\n20260219\n\nnot-a-date\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cal := testCalendar(t, common.QualityConfig{HolidayFile: path})

	assert.True(t, cal.IsHoliday("20260105"))
	assert.True(t, cal.IsHoliday("20260219"))
	assert.False(t, cal.IsHoliday("20260106"))
}

func TestHolidayFileMissingIsIgnored(t *testing.T) {
	cal := testCalendar(t, common.QualityConfig{
		HolidayFile: filepath.Join(t.TempDir(), "absent.csv"),
	})
	assert.False(t, cal.IsHoliday("20260105"))
}

func TestInSessionTS(t *testing.T) {
	cal := testCalendar(t, common.QualityConfig{Holidays: []string{"20260106"}})

	idx, ok := cal.InSessionTS(hkt(t, 2026, 1, 5, 10, 0).UnixMilli())
	assert.True(t, ok)
	assert.Equal(t, 0, idx)

	idx, ok = cal.InSessionTS(hkt(t, 2026, 1, 5, 14, 0).UnixMilli())
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = cal.InSessionTS(hkt(t, 2026, 1, 5, 12, 15).UnixMilli())
	assert.False(t, ok)

	// Saturday and holiday are never in session
	_, ok = cal.InSessionTS(hkt(t, 2026, 1, 3, 10, 0).UnixMilli())
	assert.False(t, ok)
	_, ok = cal.InSessionTS(hkt(t, 2026, 1, 6, 10, 0).UnixMilli())
	assert.False(t, ok)
}
