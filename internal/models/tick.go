// Package models defines the data structures flowing through the collector.
package models

import "fmt"

// PushType labels the ingress path a tick arrived through.
const (
	PushTypePush     = "push"
	PushTypePoll     = "poll"
	PushTypeBackfill = "backfill"
	PushTypeMock     = "mock"
)

// TickRow is a single trade print. Rows are immutable once enqueued;
// deduplication decides inclusion, never mutation.
type TickRow struct {
	Market       string
	Symbol       string
	TSMs         int64
	Price        *float64
	Volume       *int64
	Turnover     *float64
	Direction    *string
	Seq          *int64
	TickType     *string
	PushType     string
	Provider     *string
	TradingDay   string
	RecvTSMs     int64
	InsertedAtMs int64
}

// Key returns the composite dedupe key used for rows without a sequence
// number: (ts_ms, price, volume, turnover).
func (r TickRow) Key() TickKey {
	k := TickKey{TSMs: r.TSMs}
	if r.Price != nil {
		k.Price, k.HasPrice = *r.Price, true
	}
	if r.Volume != nil {
		k.Volume, k.HasVolume = *r.Volume, true
	}
	if r.Turnover != nil {
		k.Turnover, k.HasTurnover = *r.Turnover, true
	}
	return k
}

// TickKey is the comparable composite key for seq-less dedupe.
type TickKey struct {
	TSMs        int64
	Price       float64
	Volume      int64
	Turnover    float64
	HasPrice    bool
	HasVolume   bool
	HasTurnover bool
}

// PersistResult summarises one committed batch insert.
type PersistResult struct {
	DBPath          string
	Batch           int
	Inserted        int
	Ignored         int
	CommitLatencyMs int64
}

func (r PersistResult) String() string {
	return fmt.Sprintf("db=%s batch=%d inserted=%d ignored=%d latency_ms=%d",
		r.DBPath, r.Batch, r.Inserted, r.Ignored, r.CommitLatencyMs)
}

// GapRecord is a persisted hard gap between adjacent in-session ticks.
type GapRecord struct {
	TradingDay   string
	Symbol       string
	GapStartTSMs int64
	GapEndTSMs   int64
	GapSec       float64
	DetectedAtMs int64
	Reason       string
	MetaJSON     string
}

// SoftStallObservation mirrors GapRecord for sub-threshold stalls. It is
// never persisted to the gaps table; it only feeds the quality report.
type SoftStallObservation struct {
	TradingDay     string
	Symbol         string
	StallStartTSMs int64
	StallEndTSMs   int64
	StallSec       float64
	MetaJSON       string
}

// Float64Ptr, Int64Ptr and StringPtr are small helpers for building
// optional fields, mostly in tests and the upstream mapper.
func Float64Ptr(v float64) *float64 { return &v }

func Int64Ptr(v int64) *int64 { return &v }

func StringPtr(v string) *string { return &v }

// MaxSeq returns the largest non-nil sequence number in rows, or false.
func MaxSeq(rows []TickRow) (int64, bool) {
	var maxSeq int64
	found := false
	for _, row := range rows {
		if row.Seq == nil {
			continue
		}
		if !found || *row.Seq > maxSeq {
			maxSeq = *row.Seq
			found = true
		}
	}
	return maxSeq, found
}

// GroupByTradingDay splits rows into per-day batches preserving order.
func GroupByTradingDay(rows []TickRow) map[string][]TickRow {
	grouped := make(map[string][]TickRow)
	for _, row := range rows {
		grouped[row.TradingDay] = append(grouped[row.TradingDay], row)
	}
	return grouped
}
