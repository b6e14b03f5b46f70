// Package watchdog decides when the persist pipeline is stalled badly
// enough to recycle the writer, and when recycling has failed often
// enough that the process should exit and let the service manager
// restart it.
package watchdog

import (
	"time"

	"github.com/bobmcallan/hktick/internal/common"
)

// ExitCode is what the supervisor exits with on an unrecoverable stall.
const ExitCode = 2

// Action is the watchdog's verdict for one sample.
type Action int

const (
	ActionNone Action = iota
	ActionRecover
	ActionExit
)

func (a Action) String() string {
	switch a {
	case ActionRecover:
		return "recover"
	case ActionExit:
		return "exit"
	}
	return "none"
}

// Sample is one health-cycle observation of the pipeline.
type Sample struct {
	Now time.Time

	QueueSize int
	QueueMax  int

	PersistedRowsPerMin int64
	QueueInRowsPerMin   int64
	QueueOutRowsPerMin  int64

	// EnqueuedInWindow is rows handed to the queue this window from
	// any source (push or poll), before drops.
	EnqueuedInWindow int64

	PollFetched     int64
	PollSeqAdvanced int64

	// Zero values mean "never happened"; ages then run from start.
	UpstreamActiveAt time.Time
	LastCommitAt     time.Time
	LastDequeueAt    time.Time

	WorkerAlive bool
}

// Decision carries the action plus the context worth logging.
type Decision struct {
	Action        Action
	Reason        string
	Failures      int
	Attempts      int
	CommitAgeSec  float64
	DequeueAgeSec float64
}

// Watchdog tracks consecutive stalled windows against an attempt
// budget of recovery_max_failures. The first stalled window triggers a
// writer recovery and spends one attempt; each further window still
// stalled counts the previous attempt as failed and spends the next,
// so the budget runs out on the recovery_max_failures-th consecutive
// stalled window and the verdict becomes exit. Any healthy window
// resets the count.
type Watchdog struct {
	cfg       common.WatchdogConfig
	startedAt time.Time

	attempts int
	failures int
}

// New builds a watchdog; startedAt anchors ages before the first
// commit or dequeue ever happens.
func New(cfg common.WatchdogConfig, startedAt time.Time) *Watchdog {
	return &Watchdog{cfg: cfg, startedAt: startedAt}
}

// Evaluate classifies one sample and advances the failure count.
func (w *Watchdog) Evaluate(s Sample) Decision {
	threshold := w.cfg.QueueThresholdRows
	if threshold < 1 {
		threshold = 1
	}
	stallSec := float64(w.cfg.StallSec)

	commitAge := w.ageSec(s.Now, s.LastCommitAt)
	dequeueAge := w.ageSec(s.Now, s.LastDequeueAt)

	// No backlog and nothing flowing in: nothing to watch. This also
	// covers duplicate-only poll windows, where rows are fetched but
	// every one is filtered before the queue.
	backlogOrInflow := s.QueueSize >= threshold || s.EnqueuedInWindow > 0 || s.QueueInRowsPerMin > 0
	if !backlogOrInflow {
		return w.healthy(commitAge, dequeueAge)
	}

	pollActive := s.PollFetched > 0 && s.PollSeqAdvanced > 0
	recentUpstream := !s.UpstreamActiveAt.IsZero() &&
		s.Now.Sub(s.UpstreamActiveAt) <= time.Duration(w.cfg.UpstreamWindowSec)*time.Second
	upstreamActive := recentUpstream &&
		(s.EnqueuedInWindow > 0 || s.QueueInRowsPerMin > 0 || pollActive || s.QueueOutRowsPerMin > 0)

	if !upstreamActive && s.QueueSize < threshold {
		return w.healthy(commitAge, dequeueAge)
	}

	consumerDead := !s.WorkerAlive
	persistStalled := s.PersistedRowsPerMin <= 0 &&
		commitAge >= stallSec && dequeueAge >= stallSec

	if !persistStalled && !consumerDead {
		return w.healthy(commitAge, dequeueAge)
	}

	reason := "commit_stalled_with_backlog"
	if consumerDead {
		reason = "worker_dead"
	}

	// still stalled after a prior attempt: that attempt failed, and
	// this window spends the next one
	w.attempts++
	w.failures = w.attempts - 1

	decision := Decision{
		Reason:        reason,
		Failures:      w.failures,
		Attempts:      w.attempts,
		CommitAgeSec:  commitAge,
		DequeueAgeSec: dequeueAge,
	}
	budget := w.cfg.RecoveryMaxFailures
	if budget < 1 {
		budget = 1
	}
	if w.attempts >= budget {
		decision.Action = ActionExit
	} else {
		decision.Action = ActionRecover
	}
	return decision
}

func (w *Watchdog) healthy(commitAge, dequeueAge float64) Decision {
	w.attempts = 0
	w.failures = 0
	return Decision{Action: ActionNone, CommitAgeSec: commitAge, DequeueAgeSec: dequeueAge}
}

func (w *Watchdog) ageSec(now, at time.Time) float64 {
	if at.IsZero() {
		at = w.startedAt
	}
	age := now.Sub(at).Seconds()
	if age < 0 {
		return 0
	}
	return age
}
