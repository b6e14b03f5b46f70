// Package storage persists ticks into daily-sharded sqlite files.
package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/bobmcallan/hktick/internal/common"
)

// SchemaVersion is stamped into PRAGMA user_version after migration.
const SchemaVersion = 3

const createTicksTableSQL = `CREATE TABLE ticks (
  market TEXT NOT NULL,
  symbol TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  price REAL,
  volume INTEGER,
  turnover REAL,
  direction TEXT,
  seq INTEGER,
  tick_type TEXT,
  push_type TEXT,
  provider TEXT,
  trading_day TEXT NOT NULL,
  recv_ts_ms INTEGER NOT NULL,
  inserted_at_ms INTEGER NOT NULL
);`

var indexSQLs = []struct {
	name string
	sql  string
}{
	{
		"idx_ticks_symbol_day_ts",
		"CREATE INDEX idx_ticks_symbol_day_ts ON ticks(symbol, trading_day, ts_ms);",
	},
	{
		"idx_ticks_symbol_seq",
		"CREATE INDEX idx_ticks_symbol_seq ON ticks(symbol, seq);",
	},
	{
		"uniq_ticks_symbol_seq",
		"CREATE UNIQUE INDEX uniq_ticks_symbol_seq ON ticks(symbol, seq) WHERE seq IS NOT NULL;",
	},
	{
		"uniq_ticks_symbol_ts_price_vol_turnover",
		"CREATE UNIQUE INDEX uniq_ticks_symbol_ts_price_vol_turnover\n" +
			"  ON ticks(symbol, ts_ms, price, volume, turnover) WHERE seq IS NULL;",
	},
}

const insertTickSQL = `INSERT OR IGNORE INTO ticks (
market, symbol, ts_ms, price, volume, turnover, direction, seq, tick_type,
push_type, provider, trading_day, recv_ts_ms, inserted_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

// Columns added after the table first shipped. Shards created by older
// builds get them via ALTER TABLE.
var alterColumnSQL = map[string]string{
	"direction":      "ALTER TABLE ticks ADD COLUMN direction TEXT;",
	"seq":            "ALTER TABLE ticks ADD COLUMN seq INTEGER;",
	"tick_type":      "ALTER TABLE ticks ADD COLUMN tick_type TEXT;",
	"push_type":      "ALTER TABLE ticks ADD COLUMN push_type TEXT;",
	"provider":       "ALTER TABLE ticks ADD COLUMN provider TEXT;",
	"trading_day":    "ALTER TABLE ticks ADD COLUMN trading_day TEXT NOT NULL DEFAULT '';",
	"recv_ts_ms":     "ALTER TABLE ticks ADD COLUMN recv_ts_ms INTEGER NOT NULL DEFAULT 0;",
	"inserted_at_ms": "ALTER TABLE ticks ADD COLUMN inserted_at_ms INTEGER NOT NULL DEFAULT 0;",
}

var allowedUniqueIndexes = map[string]bool{
	"uniq_ticks_symbol_seq":                   true,
	"uniq_ticks_symbol_ts_price_vol_turnover": true,
}

const createGapsTableSQL = `CREATE TABLE IF NOT EXISTS gaps (
  trading_day TEXT NOT NULL,
  symbol TEXT NOT NULL,
  gap_start_ts_ms INTEGER NOT NULL,
  gap_end_ts_ms INTEGER NOT NULL,
  gap_sec REAL NOT NULL,
  detected_at_ms INTEGER NOT NULL,
  reason TEXT NOT NULL,
  meta_json TEXT NOT NULL,
  PRIMARY KEY (symbol, gap_start_ts_ms, gap_end_ts_ms)
);`

const createGapsIndexSQL = `CREATE INDEX IF NOT EXISTS idx_gaps_day_symbol ON gaps(trading_day, symbol);`

const insertGapSQL = `INSERT OR IGNORE INTO gaps (
trading_day, symbol, gap_start_ts_ms, gap_end_ts_ms, gap_sec, detected_at_ms, reason, meta_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`

const createDailyQualityTableSQL = `CREATE TABLE IF NOT EXISTS daily_quality (
  trading_day TEXT PRIMARY KEY,
  created_at_ms INTEGER NOT NULL,
  host TEXT,
  symbols_json TEXT NOT NULL,
  summary_json TEXT NOT NULL
);`

const upsertDailyQualitySQL = `INSERT INTO daily_quality (trading_day, created_at_ms, host, symbols_json, summary_json)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(trading_day) DO UPDATE SET
created_at_ms=excluded.created_at_ms,
host=excluded.host,
symbols_json=excluded.symbols_json,
summary_json=excluded.summary_json;`

// EnsureSchema migrates a shard in place. Safe to call on every open;
// every step is conditional on the current state.
func EnsureSchema(db *sql.DB, logger *common.Logger) error {
	existing, err := existingSchemaObjects(db)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}

	if !existing["ticks"] {
		if _, err := db.Exec(createTicksTableSQL); err != nil {
			return fmt.Errorf("failed to create ticks table: %w", err)
		}
	} else {
		columns, err := existingColumns(db)
		if err != nil {
			return fmt.Errorf("failed to inspect columns: %w", err)
		}
		for col, alterSQL := range alterColumnSQL {
			if columns[col] {
				continue
			}
			if logger != nil {
				logger.Warn().Str("column", col).Msg("Schema migration adding column")
			}
			if _, err := db.Exec(alterSQL); err != nil {
				return fmt.Errorf("failed to add column %s: %w", col, err)
			}
		}
	}

	if err := dropLegacyUniqueIndexes(db, logger); err != nil {
		return err
	}

	existing, err = existingSchemaObjects(db)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	for _, idx := range indexSQLs {
		if existing[idx.name] {
			continue
		}
		if _, err := db.Exec(idx.sql); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}

	for _, ddl := range []string{createGapsTableSQL, createGapsIndexSQL, createDailyQualityTableSQL} {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create quality schema: %w", err)
		}
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("failed to read user_version: %w", err)
	}
	if version < SchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d;", SchemaVersion)); err != nil {
			return fmt.Errorf("failed to set user_version: %w", err)
		}
	}

	return nil
}

func existingSchemaObjects(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type IN ('table', 'index');")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	objects := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		objects[name] = true
	}
	return objects, rows.Err()
}

func existingColumns(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("PRAGMA table_info(ticks);")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		columns[name] = true
	}
	return columns, rows.Err()
}

func indexColumns(db *sql.DB, indexName string) ([]string, error) {
	escaped := strings.ReplaceAll(indexName, "'", "''")
	rows, err := db.Query(fmt.Sprintf("PRAGMA index_info('%s');", escaped))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			seqno int
			cid   int
			name  sql.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		columns = append(columns, name.String)
	}
	return columns, rows.Err()
}

// dropLegacyUniqueIndexes removes the old (symbol, ts_ms) unique index
// that discarded same-millisecond prints from old shards.
func dropLegacyUniqueIndexes(db *sql.DB, logger *common.Logger) error {
	rows, err := db.Query("PRAGMA index_list('ticks');")
	if err != nil {
		return fmt.Errorf("failed to list indexes: %w", err)
	}

	type indexEntry struct {
		name   string
		unique bool
	}
	var entries []indexEntry
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan index list: %w", err)
		}
		entries = append(entries, indexEntry{name: name, unique: unique != 0})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, entry := range entries {
		if !entry.unique || allowedUniqueIndexes[entry.name] {
			continue
		}
		columns, err := indexColumns(db, entry.name)
		if err != nil {
			return fmt.Errorf("failed to inspect index %s: %w", entry.name, err)
		}
		if len(columns) < 2 || columns[0] != "symbol" || columns[1] != "ts_ms" {
			continue
		}
		hasSeq := false
		for _, col := range columns {
			if col == "seq" {
				hasSeq = true
				break
			}
		}
		if hasSeq {
			continue
		}
		if logger != nil {
			logger.Warn().
				Str("index", entry.name).
				Strs("columns", columns).
				Msg("Schema migration dropping legacy unique index")
		}
		escaped := strings.ReplaceAll(entry.name, `"`, `""`)
		if _, err := db.Exec(fmt.Sprintf(`DROP INDEX IF EXISTS "%s";`, escaped)); err != nil {
			return fmt.Errorf("failed to drop index %s: %w", entry.name, err)
		}
	}
	return nil
}
