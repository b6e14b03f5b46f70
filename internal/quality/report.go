package quality

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bobmcallan/hktick/internal/common"
	"github.com/bobmcallan/hktick/internal/market"
)

const reportRelDir = "_reports/quality"

// Report is the per-day quality summary written after market close.
type Report struct {
	TradingDay        string        `json:"trading_day"`
	TradingDayCompact string        `json:"trading_day_compact"`
	GeneratedAtUTC    string        `json:"generated_at_utc"`
	GeneratedAtHKT    string        `json:"generated_at_hkt"`
	Host              string        `json:"host"`
	CollectorVersion  string        `json:"collector_version"`
	DB                DBSection     `json:"db"`
	Coverage          Coverage      `json:"coverage"`
	Volume            Volume        `json:"volume"`
	Gaps              GapSummary    `json:"gaps"`
	Observations      Observations  `json:"observations"`
	Conclusion        Conclusion    `json:"conclusion"`
}

type DBSection struct {
	Path         string `json:"path"`
	Exists       bool   `json:"exists"`
	SizeBytes    int64  `json:"size_bytes"`
	WALSizeBytes int64  `json:"wal_size_bytes"`
	SHMSizeBytes int64  `json:"shm_size_bytes"`
}

type Coverage struct {
	StartTSMs      *int64   `json:"start_ts_ms"`
	EndTSMs        *int64   `json:"end_ts_ms"`
	StartHKT       string   `json:"start_hkt"`
	EndHKT         string   `json:"end_hkt"`
	DurationSec    float64  `json:"duration_sec"`
	LastTickAgeSec *float64 `json:"last_tick_age_sec"`
}

type SymbolVolume struct {
	Symbol     string `json:"symbol"`
	Rows       int64  `json:"rows"`
	LatestTSMs *int64 `json:"latest_ts_ms"`
	LatestHKT  string `json:"latest_hkt"`
}

type Volume struct {
	TotalRows     int64          `json:"total_rows"`
	RowsPerSymbol []SymbolVolume `json:"rows_per_symbol"`
}

type SymbolGaps struct {
	Symbol        string  `json:"symbol"`
	Gaps          int64   `json:"gaps"`
	TotalGapSec   float64 `json:"total_gap_sec"`
	LargestGapSec float64 `json:"largest_gap_sec"`
}

type GapSummary struct {
	HardGapsTotal    int64        `json:"hard_gaps_total"`
	HardGapsTotalSec float64      `json:"hard_gaps_total_sec"`
	LargestGapSec    float64      `json:"largest_gap_sec"`
	GapsBySymbol     []SymbolGaps `json:"gaps_by_symbol"`
}

type StallHit struct {
	Symbol        string  `json:"symbol"`
	StallSec      float64 `json:"stall_sec"`
	StallStartTS  int64   `json:"stall_start_ts_ms"`
	StallEndTS    int64   `json:"stall_end_ts_ms"`
	StallStartHKT string  `json:"stall_start_hkt"`
	StallEndHKT   string  `json:"stall_end_hkt"`
}

type Observations struct {
	SoftStallsTotal    int        `json:"soft_stalls_total"`
	SoftStallsTotalSec float64    `json:"soft_stalls_total_sec"`
	LargestStallSec    float64    `json:"largest_stall_sec"`
	SoftStalls         []StallHit `json:"soft_stalls"`
	Warnings           []string   `json:"warnings"`
}

type Conclusion struct {
	QualityGrade string   `json:"quality_grade"`
	Suggestions  []string `json:"suggestions"`
}

// Reporter generates daily quality reports from a closed shard.
type Reporter struct {
	cfg      common.QualityConfig
	calendar *market.Calendar
	dataRoot string
	logger   *common.Logger
	topN     int
}

// NewReporter builds a reporter sharing the detector's calendar.
func NewReporter(cfg common.QualityConfig, calendar *market.Calendar, dataRoot string, logger *common.Logger) *Reporter {
	return &Reporter{cfg: cfg, calendar: calendar, dataRoot: dataRoot, logger: logger, topN: 20}
}

// ReportPath returns the output path for a day's report.
func (r *Reporter) ReportPath(tradingDay string) string {
	return filepath.Join(r.dataRoot, reportRelDir, tradingDay+".json")
}

// Generate builds the report for a day, writes it to disk and returns
// it. A missing shard still yields a report carrying a warning.
func (r *Reporter) Generate(tradingDay string) (*Report, error) {
	dbPath := filepath.Join(r.dataRoot, tradingDay+".db")
	nowMs := time.Now().UnixMilli()
	loc := r.calendar.Location()

	report := &Report{
		TradingDay:        compactToDash(tradingDay),
		TradingDayCompact: tradingDay,
		GeneratedAtUTC:    time.Now().UTC().Format(time.RFC3339),
		GeneratedAtHKT:    fmtHKT(&nowMs, loc),
		Host:              hostname(),
		CollectorVersion:  common.Version,
		DB: DBSection{
			Path:         dbPath,
			SizeBytes:    fileSize(dbPath),
			WALSizeBytes: fileSize(dbPath + "-wal"),
			SHMSizeBytes: fileSize(dbPath + "-shm"),
		},
		Coverage:     Coverage{StartHKT: "n/a", EndHKT: "n/a"},
		Volume:       Volume{RowsPerSymbol: []SymbolVolume{}},
		Gaps:         GapSummary{GapsBySymbol: []SymbolGaps{}},
		Observations: Observations{SoftStalls: []StallHit{}, Warnings: []string{}},
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		report.Observations.Warnings = append(report.Observations.Warnings, "db_not_found")
	} else {
		report.DB.Exists = true
		if err := r.fillFromShard(report, dbPath, tradingDay, nowMs); err != nil {
			return nil, err
		}
	}

	grade, suggestions := gradeQuality(
		report.Volume.TotalRows,
		report.Gaps.HardGapsTotalSec,
		report.Gaps.LargestGapSec,
		report.Observations.SoftStallsTotalSec,
	)
	report.Conclusion = Conclusion{QualityGrade: grade, Suggestions: suggestions}

	if err := r.write(tradingDay, report); err != nil {
		return nil, err
	}
	return report, nil
}

func (r *Reporter) write(tradingDay string, report *Report) error {
	outPath := r.ReportPath(tradingDay)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	r.logger.Info().
		Str("trading_day", tradingDay).
		Str("path", outPath).
		Str("grade", report.Conclusion.QualityGrade).
		Msg("Quality report written")
	return nil
}

func (r *Reporter) fillFromShard(report *Report, dbPath, tradingDay string, nowMs int64) error {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open shard read-only: %w", err)
	}
	defer db.Close()
	loc := r.calendar.Location()

	if !tableExists(db, "ticks") {
		report.Observations.Warnings = append(report.Observations.Warnings, "ticks_table_missing")
	} else {
		var total int64
		var minTS, maxTS sql.NullInt64
		if err := db.QueryRow(
			"SELECT COUNT(*), MIN(ts_ms), MAX(ts_ms) FROM ticks WHERE trading_day=?",
			tradingDay,
		).Scan(&total, &minTS, &maxTS); err != nil {
			return err
		}
		report.Volume.TotalRows = total
		if minTS.Valid {
			v := minTS.Int64
			report.Coverage.StartTSMs = &v
			report.Coverage.StartHKT = fmtHKT(&v, loc)
		}
		if maxTS.Valid {
			v := maxTS.Int64
			report.Coverage.EndTSMs = &v
			report.Coverage.EndHKT = fmtHKT(&v, loc)
			age := round3(float64(nowMs-v) / 1000.0)
			if age < 0 {
				age = 0
			}
			report.Coverage.LastTickAgeSec = &age
		}
		if minTS.Valid && maxTS.Valid && maxTS.Int64 >= minTS.Int64 {
			report.Coverage.DurationSec = round3(float64(maxTS.Int64-minTS.Int64) / 1000.0)
		}

		rows, err := db.Query(
			"SELECT symbol, COUNT(*) AS rows, MAX(ts_ms) AS latest_ts FROM ticks "+
				"WHERE trading_day=? GROUP BY symbol ORDER BY rows DESC, symbol ASC LIMIT ?",
			tradingDay, r.topN,
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var sv SymbolVolume
			var latest sql.NullInt64
			if err := rows.Scan(&sv.Symbol, &sv.Rows, &latest); err != nil {
				rows.Close()
				return err
			}
			sv.LatestHKT = "n/a"
			if latest.Valid {
				v := latest.Int64
				sv.LatestTSMs = &v
				sv.LatestHKT = fmtHKT(&v, loc)
			}
			report.Volume.RowsPerSymbol = append(report.Volume.RowsPerSymbol, sv)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}

	if !tableExists(db, "gaps") {
		report.Observations.Warnings = append(report.Observations.Warnings, "gaps_table_missing")
	} else {
		if err := db.QueryRow(
			"SELECT COUNT(*), IFNULL(SUM(gap_sec), 0.0), IFNULL(MAX(gap_sec), 0.0) FROM gaps WHERE trading_day=?",
			tradingDay,
		).Scan(&report.Gaps.HardGapsTotal, &report.Gaps.HardGapsTotalSec, &report.Gaps.LargestGapSec); err != nil {
			return err
		}
		report.Gaps.HardGapsTotalSec = round3(report.Gaps.HardGapsTotalSec)
		report.Gaps.LargestGapSec = round3(report.Gaps.LargestGapSec)

		rows, err := db.Query(
			"SELECT symbol, COUNT(*) AS gaps, IFNULL(SUM(gap_sec),0.0), IFNULL(MAX(gap_sec),0.0) "+
				"FROM gaps WHERE trading_day=? GROUP BY symbol ORDER BY gaps DESC, symbol ASC LIMIT ?",
			tradingDay, r.topN,
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var sg SymbolGaps
			if err := rows.Scan(&sg.Symbol, &sg.Gaps, &sg.TotalGapSec, &sg.LargestGapSec); err != nil {
				rows.Close()
				return err
			}
			sg.TotalGapSec = round3(sg.TotalGapSec)
			sg.LargestGapSec = round3(sg.LargestGapSec)
			report.Gaps.GapsBySymbol = append(report.Gaps.GapsBySymbol, sg)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if err := r.computeSoftStalls(db, report, tradingDay); err != nil {
			return err
		}
	}

	return nil
}

// computeSoftStalls replays the persisted ticks through the same
// detection rules. Sub-threshold stalls are never persisted, so the
// report recomputes them from the shard.
func (r *Reporter) computeSoftStalls(db *sql.DB, report *Report, tradingDay string) error {
	if !tableExists(db, "ticks") {
		return nil
	}

	rows, err := db.Query(
		"SELECT symbol, ts_ms FROM ticks WHERE trading_day=? ORDER BY symbol ASC, ts_ms ASC",
		tradingDay,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	activeWindowMs := int64(r.cfg.GapActiveWindowSec) * 1000
	loc := r.calendar.Location()

	var currentSymbol string
	var lastTS int64
	hasLast := false
	var recent []int64
	var hits []StallHit
	total := 0
	totalSec := 0.0
	largest := 0.0

	for rows.Next() {
		var symbol string
		var tsMs int64
		if err := rows.Scan(&symbol, &tsMs); err != nil {
			return err
		}
		if currentSymbol != symbol {
			currentSymbol = symbol
			hasLast = false
			recent = nil
		}

		recent = trimRecent(recent, tsMs, activeWindowMs)
		active := len(recent)+1 >= r.cfg.GapActiveMinTicks

		if hasLast && tsMs > lastTS && active {
			prevIdx, prevIn := r.calendar.InSessionTS(lastTS)
			currIdx, currIn := r.calendar.InSessionTS(tsMs)
			if prevIn && currIn && prevIdx == currIdx {
				deltaSec := float64(tsMs-lastTS) / 1000.0
				if deltaSec > r.cfg.GapStallWarnSec {
					total++
					totalSec += deltaSec
					if deltaSec > largest {
						largest = deltaSec
					}
					start, end := lastTS, tsMs
					hits = append(hits, StallHit{
						Symbol:        symbol,
						StallSec:      round3(deltaSec),
						StallStartTS:  start,
						StallEndTS:    end,
						StallStartHKT: fmtHKT(&start, loc),
						StallEndHKT:   fmtHKT(&end, loc),
					})
				}
			}
		}

		if !hasLast || tsMs > lastTS {
			lastTS, hasLast = tsMs, true
			recent = append(recent, tsMs)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].StallSec > hits[j].StallSec })
	if len(hits) > r.topN {
		hits = hits[:r.topN]
	}

	report.Observations.SoftStallsTotal = total
	report.Observations.SoftStallsTotalSec = round3(totalSec)
	report.Observations.LargestStallSec = round3(largest)
	report.Observations.SoftStalls = hits
	return nil
}

func gradeQuality(totalRows int64, hardGapsTotalSec, largestGapSec, softStallsTotalSec float64) (string, []string) {
	switch {
	case totalRows <= 0:
		return "D", []string{"no ticks recorded; check the collector and the trading calendar"}
	case largestGapSec > 120 || hardGapsTotalSec > 900:
		return "D", []string{"severe gaps present; backfill after close and re-verify"}
	case largestGapSec > 60 || hardGapsTotalSec > 300:
		return "C", []string{"gaps over 60s present; backfill or re-pull the affected symbols"}
	case hardGapsTotalSec > 0 || softStallsTotalSec > 120:
		return "B", []string{"short stalls or gaps present; spot-check the main symbols before use"}
	default:
		return "A", []string{"continuity looks good; safe for downstream analysis"}
	}
}

func tableExists(db *sql.DB, name string) bool {
	var one int
	err := db.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&one)
	return err == nil
}

func compactToDash(day string) string {
	if len(day) == 8 {
		return day[0:4] + "-" + day[4:6] + "-" + day[6:8]
	}
	return day
}

func fmtHKT(tsMs *int64, loc *time.Location) string {
	if tsMs == nil {
		return "n/a"
	}
	return time.UnixMilli(*tsMs).In(loc).Format("2006-01-02 15:04:05")
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
