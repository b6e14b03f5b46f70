// Package archive compresses finished daily shards after the close.
// One shard becomes one .db.zst plus a sha256 sidecar and a manifest
// entry; verification decompresses and integrity-checks the copy.
package archive

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/bobmcallan/hktick/internal/common"
	"github.com/bobmcallan/hktick/internal/storage"
)

// Manifest describes one archived shard.
type Manifest struct {
	TradingDay      string `json:"trading_day"`
	SourcePath      string `json:"source_path"`
	ArchivePath     string `json:"archive_path"`
	SourceBytes     int64  `json:"source_bytes"`
	CompressedBytes int64  `json:"compressed_bytes"`
	SHA256          string `json:"sha256"`
	Rows            int64  `json:"rows"`
	CreatedAt       string `json:"created_at"`
}

// Archiver produces end-of-day shard archives.
type Archiver struct {
	cfg    common.ArchiveConfig
	store  *storage.Store
	logger *common.Logger
}

// NewArchiver builds an archiver over the store's shard layout.
func NewArchiver(cfg common.ArchiveConfig, store *storage.Store, logger *common.Logger) *Archiver {
	return &Archiver{cfg: cfg, store: store, logger: logger}
}

// ArchiveDay snapshots one shard, compresses it, writes the checksum
// sidecar and the manifest, then verifies the result. The live shard
// is never touched beyond a VACUUM INTO snapshot, so the writer can
// keep committing while this runs.
func (a *Archiver) ArchiveDay(tradingDay string) (*Manifest, error) {
	sourcePath := a.store.DBPathForTradingDay(tradingDay)
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("shard for %s: %w", tradingDay, err)
	}

	if err := os.MkdirAll(a.cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	manifestDir := filepath.Join(a.cfg.Dir, "manifest")
	if err := os.MkdirAll(manifestDir, 0o755); err != nil {
		return nil, err
	}

	snapshotPath := filepath.Join(a.cfg.Dir, tradingDay+".db.tmp")
	defer os.Remove(snapshotPath)
	if err := snapshotShard(sourcePath, snapshotPath); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", tradingDay, err)
	}

	archivePath := filepath.Join(a.cfg.Dir, tradingDay+".db.zst")
	checksum, compressedBytes, err := compressFile(snapshotPath, archivePath)
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", tradingDay, err)
	}

	sidecar := archivePath + ".sha256"
	sidecarBody := fmt.Sprintf("%s  %s\n", checksum, filepath.Base(archivePath))
	if err := os.WriteFile(sidecar, []byte(sidecarBody), 0o644); err != nil {
		return nil, err
	}

	rows, _, err := a.store.FetchTickStats(tradingDay)
	if err != nil {
		a.logger.Warn().Err(err).Str("trading_day", tradingDay).Msg("row count for manifest failed")
	}

	manifest := &Manifest{
		TradingDay:      tradingDay,
		SourcePath:      sourcePath,
		ArchivePath:     archivePath,
		SourceBytes:     info.Size(),
		CompressedBytes: compressedBytes,
		SHA256:          checksum,
		Rows:            rows,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	manifestPath := filepath.Join(manifestDir, tradingDay+".json")
	if err := os.WriteFile(manifestPath, body, 0o644); err != nil {
		return nil, err
	}

	if err := a.VerifyDay(tradingDay); err != nil {
		return nil, fmt.Errorf("verify %s: %w", tradingDay, err)
	}

	a.logger.Info().
		Str("trading_day", tradingDay).
		Str("archive", archivePath).
		Int64("source_bytes", manifest.SourceBytes).
		Int64("compressed_bytes", manifest.CompressedBytes).
		Int64("rows", manifest.Rows).
		Msg("shard archived")
	return manifest, nil
}

// VerifyDay checks the archive against its manifest: checksum over the
// compressed file, then a decompressed sqlite integrity check.
func (a *Archiver) VerifyDay(tradingDay string) error {
	manifest, err := a.ReadManifest(tradingDay)
	if err != nil {
		return err
	}

	checksum, err := fileSHA256(manifest.ArchivePath)
	if err != nil {
		return err
	}
	if checksum != manifest.SHA256 {
		return fmt.Errorf("checksum mismatch for %s: manifest %s, file %s",
			tradingDay, manifest.SHA256, checksum)
	}

	restored := manifest.ArchivePath + ".verify"
	defer os.Remove(restored)
	if err := decompressFile(manifest.ArchivePath, restored); err != nil {
		return err
	}

	db, err := sql.Open("sqlite", restored)
	if err != nil {
		return err
	}
	defer db.Close()
	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check for %s: %s", tradingDay, result)
	}
	return nil
}

// ReadManifest loads one day's manifest entry.
func (a *Archiver) ReadManifest(tradingDay string) (*Manifest, error) {
	body, err := os.ReadFile(filepath.Join(a.cfg.Dir, "manifest", tradingDay+".json"))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Prune removes archives beyond keep_days, newest kept. Zero keep_days
// disables pruning.
func (a *Archiver) Prune() int {
	if a.cfg.KeepDays <= 0 {
		return 0
	}
	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		return 0
	}

	var days []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".db.zst") {
			days = append(days, strings.TrimSuffix(name, ".db.zst"))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	if len(days) <= a.cfg.KeepDays {
		return 0
	}

	removed := 0
	for _, day := range days[a.cfg.KeepDays:] {
		for _, path := range []string{
			filepath.Join(a.cfg.Dir, day+".db.zst"),
			filepath.Join(a.cfg.Dir, day+".db.zst.sha256"),
			filepath.Join(a.cfg.Dir, "manifest", day+".json"),
		} {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		a.logger.Info().Str("trading_day", day).Msg("archive pruned")
	}
	return removed
}

// snapshotShard takes a consistent point-in-time copy with VACUUM INTO,
// which works against a live WAL database.
func snapshotShard(sourcePath, snapshotPath string) error {
	os.Remove(snapshotPath)
	db, err := sql.Open("sqlite", sourcePath)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec("VACUUM INTO ?", snapshotPath)
	return err
}

func compressFile(sourcePath, targetPath string) (string, int64, error) {
	source, err := os.Open(sourcePath)
	if err != nil {
		return "", 0, err
	}
	defer source.Close()

	target, err := os.Create(targetPath)
	if err != nil {
		return "", 0, err
	}
	defer target.Close()

	hasher := sha256.New()
	encoder, err := zstd.NewWriter(io.MultiWriter(target, hasher))
	if err != nil {
		return "", 0, err
	}
	if _, err := io.Copy(encoder, source); err != nil {
		encoder.Close()
		return "", 0, err
	}
	if err := encoder.Close(); err != nil {
		return "", 0, err
	}

	info, err := target.Stat()
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), info.Size(), nil
}

func decompressFile(sourcePath, targetPath string) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer source.Close()

	decoder, err := zstd.NewReader(source)
	if err != nil {
		return err
	}
	defer decoder.Close()

	target, err := os.Create(targetPath)
	if err != nil {
		return err
	}
	defer target.Close()

	_, err = io.Copy(target, decoder.IOReadCloser())
	return err
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
