package futu

import (
	"context"
	"time"

	"github.com/bobmcallan/hktick/internal/models"
)

// pollCycle walks the subscription set and pulls recent ticks for any
// symbol the push path has gone quiet on. Everything fetched runs
// through the dedupe filter, so overlap with push is harmless.
func (c *Client) pollCycle(ctx context.Context, session QuoteSession) {
	if !c.pollCfg.Enabled {
		return
	}

	start := c.nowFn()
	var cycleFetched, cycleAccepted, cycleEnqueued, cycleSkipped int

	for i, symbol := range c.cfg.Symbols {
		if i > 0 && c.pollPause > 0 {
			if !c.sleepWithStop(c.pollPause) {
				return
			}
		}
		if c.shouldSkipPoll(symbol) {
			cycleSkipped++
			continue
		}

		raw, err := session.FetchRecent(ctx, symbol, c.pollCfg.Num)
		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("poll fetch failed")
			continue
		}

		rows := c.mapper.Rows(raw, models.PushTypePoll, symbol)
		c.recordSeenRows(rows, models.PushTypePoll)

		fetchedMaxSeq, hasSeq := models.MaxSeq(rows)
		c.recordPollSeqAdvance(symbol, fetchedMaxSeq, hasSeq)

		kept, droppedDuplicate, droppedFilter := c.filterPolledRows(symbol, rows)

		c.mu.Lock()
		c.window.pollFetched += int64(len(rows))
		c.window.pollAccepted += int64(len(kept))
		c.window.droppedDuplicate += int64(droppedDuplicate)
		c.window.droppedFilter += int64(droppedFilter)
		c.mu.Unlock()

		enqueued := c.handleRows(kept, models.PushTypePoll)

		c.mu.Lock()
		c.window.pollEnqueued += int64(enqueued)
		c.mu.Unlock()

		cycleFetched += len(rows)
		cycleAccepted += len(kept)
		cycleEnqueued += enqueued

		if len(rows) > 0 {
			c.logger.Debug().
				Str("symbol", symbol).
				Int("fetched", len(rows)).
				Int("accepted", len(kept)).
				Int("enqueued", enqueued).
				Int("dropped_duplicate", droppedDuplicate).
				Int("dropped_filter", droppedFilter).
				Msg("poll")
		}
	}

	c.logger.Debug().
		Int("fetched", cycleFetched).
		Int("accepted", cycleAccepted).
		Int("enqueued", cycleEnqueued).
		Int("skipped", cycleSkipped).
		Int("queue_size", c.pipeline.QueueSize()).
		Dur("elapsed", c.nowFn().Sub(start)).
		Msg("poll_stats")
}

// shouldSkipPoll suppresses the fallback when the symbol is already
// flowing: a tick seen within the staleness threshold, or a push within
// the last couple of seconds, means polling would only fetch
// duplicates.
func (c *Client) shouldSkipPoll(symbol string) bool {
	thresholdSec := c.pollCfg.StaleSec
	if thresholdSec < pollSkipPushSec {
		thresholdSec = pollSkipPushSec
	}
	threshold := time.Duration(thresholdSec) * time.Second
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.lastTickSeenAt[symbol]; ok && now.Sub(at) < threshold {
		return true
	}
	if at, ok := c.lastPushAt[symbol]; ok && now.Sub(at) < pollSkipPushSec*time.Second {
		return true
	}
	return false
}
