package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/bobmcallan/hktick/internal/models"
)

// Writer owns the per-day shard connections. It is single-owner: only
// the persist worker goroutine may call it. No internal locking.
type Writer struct {
	store       *Store
	connections map[string]*sql.DB
	closed      bool
}

func newWriter(store *Store) *Writer {
	return &Writer{
		store:       store,
		connections: make(map[string]*sql.DB),
	}
}

// Close releases every cached connection. Idempotent.
func (w *Writer) Close() {
	if w.closed {
		return
	}
	w.closed = true
	for day, db := range w.connections {
		if err := db.Close(); err != nil {
			w.store.logger.Error().Str("trading_day", day).Err(err).Msg("Writer close failed")
		}
	}
	w.connections = make(map[string]*sql.DB)
}

// ResetConnection drops the cached connection for one day. The next
// insert for that day reopens and re-migrates the shard. Used after
// non-transient insert errors and during watchdog recovery.
func (w *Writer) ResetConnection(tradingDay string) {
	db, ok := w.connections[tradingDay]
	if !ok {
		return
	}
	delete(w.connections, tradingDay)
	if err := db.Close(); err != nil {
		w.store.logger.Error().Str("trading_day", tradingDay).Err(err).Msg("Writer reset failed")
	}
}

func (w *Writer) ensureConnection(tradingDay string) (*sql.DB, error) {
	if w.closed {
		return nil, fmt.Errorf("sqlite writer already closed")
	}
	if db, ok := w.connections[tradingDay]; ok {
		return db, nil
	}

	dbPath := w.store.DBPathForTradingDay(tradingDay)
	db, err := w.store.connect(dbPath)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(db, w.store.logger); err != nil {
		db.Close()
		return nil, err
	}
	w.store.logPragmas(db, dbPath)
	w.connections[tradingDay] = db
	return db, nil
}

// InsertTicks writes one day's batch in a single transaction, along
// with any gap records detected against the same rows. Dedupe is
// INSERT OR IGNORE; the inserted count is the sum of rows the engine
// actually accepted.
func (w *Writer) InsertTicks(tradingDay string, rows []models.TickRow, gaps []models.GapRecord) (models.PersistResult, error) {
	dbPath := w.store.DBPathForTradingDay(tradingDay)
	result := models.PersistResult{DBPath: dbPath, Batch: len(rows)}
	if len(rows) == 0 && len(gaps) == 0 {
		return result, nil
	}

	db, err := w.ensureConnection(tradingDay)
	if err != nil {
		return result, err
	}

	start := time.Now()
	tx, err := db.Begin()
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}

	inserted, err := insertTickRows(tx, rows)
	if err != nil {
		tx.Rollback()
		return result, err
	}
	if err := insertGapRows(tx, gaps); err != nil {
		tx.Rollback()
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit batch: %w", err)
	}

	result.Inserted = inserted
	result.Ignored = len(rows) - inserted
	if result.Ignored < 0 {
		result.Ignored = 0
	}
	result.CommitLatencyMs = time.Since(start).Milliseconds()

	w.store.logger.Info().
		Str("db_path", dbPath).
		Int("batch", len(rows)).
		Int("inserted", inserted).
		Int("ignored", result.Ignored).
		Int64("commit_latency_ms", result.CommitLatencyMs).
		Int("gaps", len(gaps)).
		Msg("Persisted ticks")

	return result, nil
}

func insertTickRows(tx *sql.Tx, rows []models.TickRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stmt, err := tx.Prepare(insertTickSQL)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare tick insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, row := range rows {
		res, err := stmt.Exec(
			row.Market, row.Symbol, row.TSMs,
			nullFloat(row.Price), nullInt(row.Volume), nullFloat(row.Turnover),
			nullStr(row.Direction), nullInt(row.Seq), nullStr(row.TickType),
			row.PushType, nullStr(row.Provider),
			row.TradingDay, row.RecvTSMs, row.InsertedAtMs,
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert tick %s@%d: %w", row.Symbol, row.TSMs, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(affected)
	}
	return inserted, nil
}

func insertGapRows(tx *sql.Tx, gaps []models.GapRecord) error {
	if len(gaps) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(insertGapSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare gap insert: %w", err)
	}
	defer stmt.Close()

	for _, gap := range gaps {
		if _, err := stmt.Exec(
			gap.TradingDay, gap.Symbol, gap.GapStartTSMs, gap.GapEndTSMs,
			gap.GapSec, gap.DetectedAtMs, gap.Reason, gap.MetaJSON,
		); err != nil {
			return fmt.Errorf("failed to insert gap %s@%d: %w", gap.Symbol, gap.GapStartTSMs, err)
		}
	}
	return nil
}

// UpsertDailyQuality writes the end-of-day quality summary row.
func (w *Writer) UpsertDailyQuality(tradingDay, host, symbolsJSON, summaryJSON string) error {
	db, err := w.ensureConnection(tradingDay)
	if err != nil {
		return err
	}
	_, err = db.Exec(upsertDailyQualitySQL, tradingDay, time.Now().UnixMilli(), host, symbolsJSON, summaryJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert daily quality: %w", err)
	}
	return nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
