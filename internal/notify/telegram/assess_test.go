package telegram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/hktick/internal/common"
	"github.com/bobmcallan/hktick/internal/market"
)

func testCalendar(t *testing.T) *market.Calendar {
	t.Helper()
	cal, err := market.NewCalendar(common.QualityConfig{
		TradingTZ:       common.DefaultTradingTZ,
		TradingSessions: "09:30-12:00,13:00-16:00",
	}, common.NewSilentLogger())
	require.NoError(t, err)
	return cal
}

// Monday 2026-01-05 in Asia/Hong_Kong.
func hkTime(t *testing.T, hour, min int) time.Time {
	t.Helper()
	return time.Date(2026, 1, 5, hour, min, 0, 0, common.LoadTradingLocation(""))
}

func healthySnapshot(t *testing.T, createdAt time.Time) HealthSnapshot {
	t.Helper()
	age := 1.5
	return HealthSnapshot{
		CreatedAt:           createdAt,
		TradingDay:          "20260105",
		DriftSec:            floatPtr(2.0),
		QueueSize:           10,
		QueueMax:            20000,
		PushRowsPerMin:      500,
		PersistedRowsPerMin: 500,
		Symbols: []SymbolSnapshot{
			{Symbol: "HK.00700", LastTickAgeSec: &age},
		},
		SID: "sid-test",
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestAssessOpenHealthy(t *testing.T) {
	m := NewAlertStateMachine(testCalendar(t), 120)
	out := m.AssessHealth(healthySnapshot(t, hkTime(t, 10, 0)))
	assert.Equal(t, SeverityOK, out.Severity)
	assert.Equal(t, market.ModeOpen, out.MarketMode)
	assert.False(t, out.NeedsAction)
}

func TestAssessOpenStalledWrites(t *testing.T) {
	m := NewAlertStateMachine(testCalendar(t), 120)
	s := healthySnapshot(t, hkTime(t, 10, 0))
	s.PersistedRowsPerMin = 0
	s.QueueSize = 300
	out := m.AssessHealth(s)
	assert.Equal(t, SeverityAlert, out.Severity)
	assert.True(t, out.NeedsAction)
}

func TestAssessOpenDriftWarn(t *testing.T) {
	m := NewAlertStateMachine(testCalendar(t), 120)
	s := healthySnapshot(t, hkTime(t, 10, 0))
	s.DriftSec = floatPtr(-200.0)
	out := m.AssessHealth(s)
	assert.Equal(t, SeverityWarn, out.Severity)
}

func TestAssessDriftIgnoredAfterHours(t *testing.T) {
	m := NewAlertStateMachine(testCalendar(t), 120)
	s := healthySnapshot(t, hkTime(t, 20, 0))
	s.DriftSec = floatPtr(14400.0)
	s.QueueSize = 0
	out := m.AssessHealth(s)
	assert.Equal(t, SeverityOK, out.Severity)
	assert.Equal(t, market.ModeAfterHours, out.MarketMode)
}

func TestAssessQueueUtilizationWarn(t *testing.T) {
	m := NewAlertStateMachine(testCalendar(t), 120)
	s := healthySnapshot(t, hkTime(t, 10, 0))
	s.QueueSize = 12000 // 60% of 20000
	out := m.AssessHealth(s)
	assert.Equal(t, SeverityWarn, out.Severity)
}

func TestAssessLowPersistBaseline(t *testing.T) {
	m := NewAlertStateMachine(testCalendar(t), 120)

	m.AssessHealth(healthySnapshot(t, hkTime(t, 10, 0))) // baseline 500/min

	s := healthySnapshot(t, hkTime(t, 10, 1))
	s.PersistedRowsPerMin = 100 // under 30% of 500
	out := m.AssessHealth(s)
	assert.Equal(t, SeverityWarn, out.Severity)
}

func TestAssessPreOpenQueueHigh(t *testing.T) {
	m := NewAlertStateMachine(testCalendar(t), 120)
	s := healthySnapshot(t, hkTime(t, 9, 10))
	s.QueueSize = 16000 // 80%
	out := m.AssessHealth(s)
	assert.Equal(t, market.ModePreOpen, out.MarketMode)
	assert.Equal(t, SeverityWarn, out.Severity)
}

func TestAssessHolidayClosedReclassification(t *testing.T) {
	m := NewAlertStateMachine(testCalendar(t), 120)

	quiet := HealthSnapshot{
		CreatedAt:  hkTime(t, 10, 0),
		TradingDay: "20260105",
		QueueMax:   20000,
		Symbols: []SymbolSnapshot{
			{Symbol: "HK.00700", LastTickAgeSec: floatPtr(1200.0)},
			{Symbol: "HK.09988", LastTickAgeSec: floatPtr(1500.0)},
		},
	}

	// needs three consecutive quiet cycles
	assert.Equal(t, market.ModeOpen, m.AssessHealth(quiet).MarketMode)
	assert.Equal(t, market.ModeOpen, m.AssessHealth(quiet).MarketMode)
	out := m.AssessHealth(quiet)
	assert.Equal(t, market.ModeHolidayClosed, out.MarketMode)
	assert.Equal(t, SeverityOK, out.Severity)

	// any flow resets the counter
	active := quiet
	active.PushRowsPerMin = 5
	assert.Equal(t, market.ModeOpen, m.AssessHealth(active).MarketMode)
	assert.Equal(t, market.ModeOpen, m.AssessHealth(quiet).MarketMode)
}

func TestShouldEmitHealthReasons(t *testing.T) {
	m := NewAlertStateMachine(testCalendar(t), 120)
	now := hkTime(t, 10, 0)
	ok := HealthAssessment{Severity: SeverityOK, MarketMode: market.ModeOpen}
	warn := HealthAssessment{Severity: SeverityWarn, MarketMode: market.ModeOpen}
	interval := 900 * time.Second

	emit, reason := m.ShouldEmitHealth(ok, now, interval, false)
	assert.True(t, emit)
	assert.Equal(t, "bootstrap", reason)

	emit, reason = m.ShouldEmitHealth(ok, now.Add(time.Minute), interval, false)
	assert.False(t, emit)
	assert.Equal(t, "suppressed", reason)

	emit, reason = m.ShouldEmitHealth(warn, now.Add(2*time.Minute), interval, false)
	assert.True(t, emit)
	assert.Equal(t, "state_changed", reason)

	emit, reason = m.ShouldEmitHealth(warn, now.Add(2*time.Minute+interval), interval, true)
	assert.True(t, emit)
	assert.Equal(t, "cadence_with_change", reason)

	emit, reason = m.ShouldEmitHealth(warn, now.Add(2*time.Minute+2*interval), interval, false)
	assert.True(t, emit)
	assert.Equal(t, "cadence", reason)
}
