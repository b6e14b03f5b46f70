package telegram

import (
	"time"

	"github.com/bobmcallan/hktick/internal/market"
)

// AlertStateMachine turns health snapshots into a severity verdict and
// paces how often health messages go out. Drift only escalates during
// an open session; outside sessions a stale clock is expected. A
// weekday that looks open on the calendar but shows no flow at all for
// several cycles is reclassified holiday-closed so an unlisted market
// holiday does not page anyone.
type AlertStateMachine struct {
	calendar     *market.Calendar
	driftWarnSec float64

	lastSeverity      NotifySeverity
	haveLastSeverity  bool
	lastSentAt        time.Time
	haveLastSentAt    bool
	lastPersisted     int
	haveLastPersisted bool
	holidayCycles     int
}

// NewAlertStateMachine builds the machine over the shared calendar.
func NewAlertStateMachine(calendar *market.Calendar, driftWarnSec int) *AlertStateMachine {
	if driftWarnSec < 1 {
		driftWarnSec = 1
	}
	return &AlertStateMachine{calendar: calendar, driftWarnSec: float64(driftWarnSec)}
}

// AssessHealth computes the severity for one snapshot and advances the
// persisted-rate baseline.
func (m *AlertStateMachine) AssessHealth(snapshot HealthSnapshot) HealthAssessment {
	mode := m.calendar.StateAt(snapshot.CreatedAt).Mode
	if mode == market.ModeOpen {
		if m.isHolidayClosedCandidate(snapshot) {
			mode = market.ModeHolidayClosed
		}
	} else {
		m.holidayCycles = 0
	}

	var freshnessSec float64
	haveFreshness := snapshot.DriftSec != nil
	if haveFreshness {
		freshnessSec = *snapshot.DriftSec
		if freshnessSec < 0 {
			freshnessSec = -freshnessSec
		}
	}
	queuePct := queueUtilizationPct(snapshot)
	persisted := snapshot.PersistedRowsPerMin
	if persisted < 0 {
		persisted = 0
	}
	lag := maxSymbolLag(snapshot)
	queue := snapshot.QueueSize
	if queue < 0 {
		queue = 0
	}

	lowPersist := false
	if m.haveLastPersisted && m.lastPersisted > 0 {
		floor := int(float64(m.lastPersisted) * 0.3)
		if floor < 1 {
			floor = 1
		}
		lowPersist = persisted > 0 && persisted < floor
	}

	var out HealthAssessment
	switch mode {
	case market.ModeOpen:
		switch {
		case persisted == 0 && (queue > 0 || lag > 0):
			out = HealthAssessment{
				Severity:    SeverityAlert,
				Conclusion:  "persistence appears stalled during the session; check the writer now",
				Impact:      "live data falls behind and the backlog grows while this lasts",
				NeedsAction: true,
			}
		case (haveFreshness && freshnessSec >= m.driftWarnSec) || queuePct >= 60.0 || lowPersist:
			out = HealthAssessment{
				Severity:    SeverityWarn,
				Conclusion:  "in-session quality metrics are degrading",
				Impact:      "still operating, but latency and throughput may keep worsening",
				NeedsAction: true,
			}
		default:
			out = HealthAssessment{
				Severity:   SeverityOK,
				Conclusion: "in-session collection and persistence are stable",
				Impact:     "no visible risk; no operator action needed",
			}
		}
	case market.ModeHolidayClosed:
		if queue > 0 && persisted <= 0 {
			out = HealthAssessment{
				Severity:    SeverityWarn,
				Conclusion:  "queue backlog present on a closed day",
				Impact:      "may affect data completeness; confirm the backlog drains",
				NeedsAction: true,
			}
		} else {
			out = HealthAssessment{
				Severity:   SeverityOK,
				Conclusion: "quiet closed day, service steady",
				Impact:     "zero flow is expected; no operator action needed",
			}
		}
	case market.ModePreOpen:
		if queuePct >= 80.0 {
			out = HealthAssessment{
				Severity:    SeverityWarn,
				Conclusion:  "queue is high before the open",
				Impact:      "brief latency at the open is likely unless it drains first",
				NeedsAction: true,
			}
		} else {
			out = HealthAssessment{
				Severity:   SeverityOK,
				Conclusion: "system ready ahead of the open",
				Impact:     "watch throughput and latency once trading starts",
			}
		}
	case market.ModeLunchBreak:
		if queue > 0 && persisted <= 0 {
			out = HealthAssessment{
				Severity:    SeverityWarn,
				Conclusion:  "backlog present over the lunch break",
				Impact:      "catch-up pressure if it persists into the afternoon session",
				NeedsAction: true,
			}
		} else {
			out = HealthAssessment{
				Severity:   SeverityOK,
				Conclusion: "lunch break, pipeline steady",
				Impact:     "no operator action needed",
			}
		}
	default:
		if queue > 0 && persisted <= 0 {
			out = HealthAssessment{
				Severity:    SeverityWarn,
				Conclusion:  "queue backlog remains after the close",
				Impact:      "may affect end-of-day completeness; track until it recovers",
				NeedsAction: true,
			}
		} else {
			out = HealthAssessment{
				Severity:   SeverityOK,
				Conclusion: "after-hours, service steady",
				Impact:     "no operator action needed",
			}
		}
	}

	m.lastPersisted = persisted
	m.haveLastPersisted = true
	out.MarketMode = mode
	return out
}

func (m *AlertStateMachine) isHolidayClosedCandidate(snapshot HealthSnapshot) bool {
	if snapshot.PersistedRowsPerMin > 0 || snapshot.PushRowsPerMin > 0 ||
		snapshot.PollAccepted > 0 || snapshot.QueueSize > 0 {
		m.holidayCycles = 0
		return false
	}
	ages := symbolAges(snapshot)
	p50, ok50 := percentileFloat(ages, 0.50)
	p95, ok95 := percentileFloat(ages, 0.95)
	if !ok50 || !ok95 || p50 < holidayClosedP50AgeSec || p95 < holidayClosedP95AgeSec {
		m.holidayCycles = 0
		return false
	}
	m.holidayCycles++
	return m.holidayCycles >= holidayClosedCycles
}

// ShouldEmitHealth decides whether a health message goes out now.
// Reasons: "bootstrap", "state_changed", "cadence_with_change",
// "cadence", "suppressed".
func (m *AlertStateMachine) ShouldEmitHealth(assessment HealthAssessment, now time.Time,
	interval time.Duration, meaningfulChange bool) (bool, string) {

	if interval < time.Second {
		interval = time.Second
	}

	if !m.haveLastSeverity {
		m.recordEmit(assessment.Severity, now)
		return true, "bootstrap"
	}

	if assessment.Severity != m.lastSeverity {
		m.recordEmit(assessment.Severity, now)
		return true, "state_changed"
	}

	if !m.haveLastSentAt || now.Sub(m.lastSentAt) >= interval {
		m.recordEmit(assessment.Severity, now)
		if meaningfulChange {
			return true, "cadence_with_change"
		}
		return true, "cadence"
	}

	return false, "suppressed"
}

func (m *AlertStateMachine) recordEmit(severity NotifySeverity, now time.Time) {
	m.lastSeverity = severity
	m.haveLastSeverity = true
	m.lastSentAt = now
	m.haveLastSentAt = true
}
