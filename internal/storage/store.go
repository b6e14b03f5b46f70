package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/bobmcallan/hktick/internal/common"
)

var validJournalModes = map[string]bool{
	"DELETE": true, "TRUNCATE": true, "PERSIST": true,
	"MEMORY": true, "WAL": true, "OFF": true,
}

var validSynchronous = map[string]bool{
	"OFF": true, "NORMAL": true, "FULL": true, "EXTRA": true,
}

// Store opens daily shard files under a data root. One file per
// trading day, named <YYYYMMDD>.db. Store itself is stateless; the
// Writer holds the cached connections.
type Store struct {
	dataRoot          string
	busyTimeoutMs     int
	journalMode       string
	synchronous       string
	walAutocheckpoint int
	logger            *common.Logger
}

// NewStore builds a store from the store config group. Pragma values
// are sanitized against the sqlite allow-lists so a typo degrades to
// the default instead of an unchecked PRAGMA string.
func NewStore(cfg common.StoreConfig, logger *common.Logger) *Store {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &Store{
		dataRoot:          cfg.DataRoot,
		busyTimeoutMs:     maxInt(1, cfg.BusyTimeoutMs),
		journalMode:       sanitizeJournalMode(cfg.JournalMode),
		synchronous:       sanitizeSynchronous(cfg.Synchronous),
		walAutocheckpoint: maxInt(1, cfg.WALAutocheckpoint),
		logger:            logger,
	}
}

func sanitizeJournalMode(value string) string {
	mode := strings.ToUpper(strings.TrimSpace(value))
	if mode == "" || !validJournalModes[mode] {
		return "WAL"
	}
	return mode
}

func sanitizeSynchronous(value string) string {
	level := strings.ToUpper(strings.TrimSpace(value))
	if level == "" || !validSynchronous[level] {
		return "NORMAL"
	}
	return level
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// DataRoot returns the shard directory.
func (s *Store) DataRoot() string {
	return s.dataRoot
}

// DBPathForTradingDay returns the shard path for a YYYYMMDD day.
func (s *Store) DBPathForTradingDay(tradingDay string) string {
	return filepath.Join(s.dataRoot, tradingDay+".db")
}

// connect opens a shard and applies the session pragmas. The writer is
// the single owner of each connection, so max open conns is pinned to 1.
func (s *Store) connect(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s;", s.journalMode),
		fmt.Sprintf("PRAGMA synchronous=%s;", s.synchronous),
		fmt.Sprintf("PRAGMA busy_timeout=%d;", s.busyTimeoutMs),
		"PRAGMA temp_store=MEMORY;",
		fmt.Sprintf("PRAGMA wal_autocheckpoint=%d;", s.walAutocheckpoint),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q on %s: %w", pragma, dbPath, err)
		}
	}

	return db, nil
}

func (s *Store) logPragmas(db *sql.DB, dbPath string) {
	var journalMode, synchronous, tempStore string
	var busyTimeout, walAutocheckpoint int
	db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode)
	db.QueryRow("PRAGMA synchronous;").Scan(&synchronous)
	db.QueryRow("PRAGMA busy_timeout;").Scan(&busyTimeout)
	db.QueryRow("PRAGMA temp_store;").Scan(&tempStore)
	db.QueryRow("PRAGMA wal_autocheckpoint;").Scan(&walAutocheckpoint)

	s.logger.Info().
		Str("db_path", dbPath).
		Str("journal_mode", journalMode).
		Str("synchronous", synchronous).
		Int("busy_timeout", busyTimeout).
		Str("temp_store", tempStore).
		Int("wal_autocheckpoint", walAutocheckpoint).
		Msg("SQLite pragmas applied")
}

// OpenWriter returns a fresh writer bound to this store.
func (s *Store) OpenWriter() *Writer {
	return newWriter(s)
}

// EnsureDB creates and migrates the shard for a day, then closes it.
// Used at startup so the first trading-hours insert does not pay the
// migration cost.
func (s *Store) EnsureDB(tradingDay string) (string, error) {
	dbPath := s.DBPathForTradingDay(tradingDay)
	db, err := s.connect(dbPath)
	if err != nil {
		return "", err
	}
	defer db.Close()

	if err := EnsureSchema(db, s.logger); err != nil {
		return "", err
	}
	s.logPragmas(db, dbPath)
	return dbPath, nil
}

// FetchMaxSeqBySymbol returns the max persisted seq per symbol in one
// day's shard. Missing shard means an empty result, not an error.
func (s *Store) FetchMaxSeqBySymbol(tradingDay string, symbols []string) (map[string]int64, error) {
	if len(symbols) == 0 {
		return map[string]int64{}, nil
	}
	dbPath := s.DBPathForTradingDay(tradingDay)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return map[string]int64{}, nil
	}

	db, err := s.connect(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := EnsureSchema(db, s.logger); err != nil {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(symbols)), ",")
	query := fmt.Sprintf(
		"SELECT symbol, MAX(seq) FROM ticks WHERE trading_day = ? AND seq IS NOT NULL "+
			"AND symbol IN (%s) GROUP BY symbol", placeholders)

	args := make([]any, 0, len(symbols)+1)
	args = append(args, tradingDay)
	for _, symbol := range symbols {
		args = append(args, symbol)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query max seq: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var symbol string
		var seq sql.NullInt64
		if err := rows.Scan(&symbol, &seq); err != nil {
			return nil, err
		}
		if seq.Valid {
			result[symbol] = seq.Int64
		}
	}
	return result, rows.Err()
}

// FetchTickStats returns the row count and max tick timestamp in one
// day's shard for health reporting. A missing shard yields zero rows.
func (s *Store) FetchTickStats(tradingDay string) (int64, *int64, error) {
	dbPath := s.DBPathForTradingDay(tradingDay)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return 0, nil, nil
	}

	db, err := s.connect(dbPath)
	if err != nil {
		return 0, nil, err
	}
	defer db.Close()

	if err := EnsureSchema(db, s.logger); err != nil {
		return 0, nil, err
	}

	var count int64
	var maxTS sql.NullInt64
	row := db.QueryRow("SELECT COUNT(*), MAX(ts_ms) FROM ticks WHERE trading_day = ?", tradingDay)
	if err := row.Scan(&count, &maxTS); err != nil {
		return 0, nil, fmt.Errorf("failed to query tick stats: %w", err)
	}
	if maxTS.Valid {
		return count, &maxTS.Int64, nil
	}
	return count, nil, nil
}

// ListRecentTradingDays returns up to limit YYYYMMDD days present in
// the data root, most recent first.
func (s *Store) ListRecentTradingDays(limit int) []string {
	if limit <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.dataRoot)
	if err != nil {
		return nil
	}

	var days []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".db") {
			continue
		}
		day := strings.TrimSuffix(name, ".db")
		if len(day) != 8 || !isDigits(day) {
			continue
		}
		days = append(days, day)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	if len(days) > limit {
		days = days[:limit]
	}
	return days
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// FetchMaxSeqBySymbolRecent merges FetchMaxSeqBySymbol across recent
// shards, keeping the largest seq per symbol. Seeds the upstream
// client's dedupe baselines after a restart.
func (s *Store) FetchMaxSeqBySymbolRecent(symbols []string, maxDBFiles int) (map[string]int64, error) {
	if len(symbols) == 0 {
		return map[string]int64{}, nil
	}

	result := make(map[string]int64)
	for _, day := range s.ListRecentTradingDays(maxDBFiles) {
		dayResult, err := s.FetchMaxSeqBySymbol(day, symbols)
		if err != nil {
			s.logger.Warn().Str("trading_day", day).Err(err).Msg("Failed to seed seq from shard")
			continue
		}
		for symbol, seq := range dayResult {
			if current, ok := result[symbol]; !ok || seq > current {
				result[symbol] = seq
			}
		}
	}
	return result, nil
}

// IsBusyOrLocked reports whether err is SQLITE_BUSY or SQLITE_LOCKED,
// checking the driver result code first and the message as a fallback.
func IsBusyOrLocked(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "busy") || strings.Contains(text, "locked")
}
