package telegram

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DedupeRecord tracks one live incident keyed by fingerprint.
type DedupeRecord struct {
	FirstSeenAt         time.Time
	LastSeenAt          time.Time
	LastSentAt          time.Time
	LastSentSeverity    NotifySeverity
	NextEscalationIndex int
	LastEventID         string
	LastSnapshotID      string
}

// DedupeStore decides whether a repeated incident deserves another
// message. A fingerprint passes when it is new, when its severity
// upgraded, when the incident age crosses the next escalation step, or
// when the cooldown elapsed. Everything else is suppressed.
//
// Not safe for concurrent use; the notifier serializes access.
type DedupeStore struct {
	records map[string]*DedupeRecord
}

// NewDedupeStore returns an empty store.
func NewDedupeStore() *DedupeStore {
	return &DedupeStore{records: make(map[string]*DedupeRecord)}
}

// Evaluate reports whether to send and why. Reasons: "new",
// "severity_upgraded", "escalation_step_<N>s", "cooldown_elapsed",
// "cooldown_active".
func (s *DedupeStore) Evaluate(fingerprint string, severity NotifySeverity, now time.Time,
	cooldown time.Duration, escalationSteps []int, eventID, snapshotID string) (bool, string) {

	key := strings.TrimSpace(fingerprint)
	if key == "" {
		key = "unknown"
	}
	steps := normalizedSteps(escalationSteps)
	if cooldown < time.Second {
		cooldown = time.Second
	}

	record, ok := s.records[key]
	if !ok {
		s.records[key] = &DedupeRecord{
			FirstSeenAt:         now,
			LastSeenAt:          now,
			LastSentAt:          now,
			LastSentSeverity:    severity,
			NextEscalationIndex: firstPositiveStepIndex(steps),
			LastEventID:         eventID,
			LastSnapshotID:      snapshotID,
		}
		return true, "new"
	}

	record.LastSeenAt = now

	if severityRank[severity] > severityRank[record.LastSentSeverity] {
		record.LastSentSeverity = severity
		record.markSent(now, eventID, snapshotID)
		return true, "severity_upgraded"
	}

	incidentAge := now.Sub(record.FirstSeenAt)
	if incidentAge < 0 {
		incidentAge = 0
	}
	if record.NextEscalationIndex < len(steps) {
		step := steps[record.NextEscalationIndex]
		if incidentAge >= time.Duration(step)*time.Second && now.Sub(record.LastSentAt) >= cooldown {
			record.NextEscalationIndex++
			record.markSent(now, eventID, snapshotID)
			return true, fmt.Sprintf("escalation_step_%ds", step)
		}
	}

	if now.Sub(record.LastSentAt) >= cooldown {
		record.markSent(now, eventID, snapshotID)
		return true, "cooldown_elapsed"
	}

	return false, "cooldown_active"
}

// Resolve pops the incident record so a recurrence counts as new.
func (s *DedupeStore) Resolve(fingerprint string) *DedupeRecord {
	key := strings.TrimSpace(fingerprint)
	if key == "" {
		key = "unknown"
	}
	record, ok := s.records[key]
	if !ok {
		return nil
	}
	delete(s.records, key)
	return record
}

func (r *DedupeRecord) markSent(now time.Time, eventID, snapshotID string) {
	r.LastSentAt = now
	if eventID != "" {
		r.LastEventID = eventID
	}
	if snapshotID != "" {
		r.LastSnapshotID = snapshotID
	}
}

func normalizedSteps(values []int) []int {
	seen := make(map[int]bool, len(values))
	for _, v := range values {
		if v < 0 {
			v = 0
		}
		seen[v] = true
	}
	if len(seen) == 0 {
		return []int{0}
	}
	steps := make([]int, 0, len(seen))
	for v := range seen {
		steps = append(steps, v)
	}
	sort.Ints(steps)
	return steps
}

func firstPositiveStepIndex(steps []int) int {
	for idx, step := range steps {
		if step > 0 {
			return idx
		}
	}
	return len(steps)
}
