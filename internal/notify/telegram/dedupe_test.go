package telegram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var dedupeBase = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

func evaluate(s *DedupeStore, severity NotifySeverity, at time.Time) (bool, string) {
	return s.Evaluate("PERSIST_STALL:20260105", severity, at,
		600*time.Second, []int{0, 600, 1800}, "", "")
}

func TestDedupeNewFingerprint(t *testing.T) {
	s := NewDedupeStore()
	send, reason := evaluate(s, SeverityWarn, dedupeBase)
	assert.True(t, send)
	assert.Equal(t, "new", reason)
}

func TestDedupeCooldownActive(t *testing.T) {
	s := NewDedupeStore()
	evaluate(s, SeverityWarn, dedupeBase)

	send, reason := evaluate(s, SeverityWarn, dedupeBase.Add(30*time.Second))
	assert.False(t, send)
	assert.Equal(t, "cooldown_active", reason)
}

func TestDedupeSeverityUpgrade(t *testing.T) {
	s := NewDedupeStore()
	evaluate(s, SeverityWarn, dedupeBase)

	send, reason := evaluate(s, SeverityAlert, dedupeBase.Add(10*time.Second))
	assert.True(t, send)
	assert.Equal(t, "severity_upgraded", reason)

	// downgrade is not an upgrade
	send, reason = evaluate(s, SeverityWarn, dedupeBase.Add(20*time.Second))
	assert.False(t, send)
	assert.Equal(t, "cooldown_active", reason)
}

func TestDedupeEscalationSteps(t *testing.T) {
	s := NewDedupeStore()
	evaluate(s, SeverityWarn, dedupeBase)

	// incident age 600s crosses the first positive step
	send, reason := evaluate(s, SeverityWarn, dedupeBase.Add(600*time.Second))
	assert.True(t, send)
	assert.Equal(t, "escalation_step_600s", reason)

	// next step is 1800s; at 1200s only the cooldown has elapsed
	send, reason = evaluate(s, SeverityWarn, dedupeBase.Add(1200*time.Second))
	assert.True(t, send)
	assert.Equal(t, "cooldown_elapsed", reason)

	send, reason = evaluate(s, SeverityWarn, dedupeBase.Add(1800*time.Second))
	assert.True(t, send)
	assert.Equal(t, "escalation_step_1800s", reason)
}

func TestDedupeResolvePopsRecord(t *testing.T) {
	s := NewDedupeStore()
	send, _ := s.Evaluate("DISCONNECT:gw", SeverityAlert, dedupeBase,
		600*time.Second, nil, "eid-1", "sid-1")
	assert.True(t, send)

	record := s.Resolve("DISCONNECT:gw")
	if assert.NotNil(t, record) {
		assert.Equal(t, "eid-1", record.LastEventID)
		assert.Equal(t, "sid-1", record.LastSnapshotID)
	}

	// resurfacing after resolve counts as new
	send, reason := s.Evaluate("DISCONNECT:gw", SeverityAlert, dedupeBase.Add(time.Second),
		600*time.Second, nil, "", "")
	assert.True(t, send)
	assert.Equal(t, "new", reason)

	assert.Nil(t, s.Resolve("missing"))
}

func TestNormalizedSteps(t *testing.T) {
	assert.Equal(t, []int{0, 600, 1800}, normalizedSteps([]int{1800, 0, 600, 600, -5}))
	assert.Equal(t, []int{0}, normalizedSteps(nil))
	assert.Equal(t, 1, firstPositiveStepIndex([]int{0, 600}))
	assert.Equal(t, 1, firstPositiveStepIndex([]int{0}))
}
