package integrity

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tidewater-ai/bastion/internal/audit"
	"github.com/tidewater-ai/bastion/internal/metrics"
	"github.com/tidewater-ai/bastion/internal/store"
)

// BackupType classifies backup artifacts for retention purposes.
type BackupType string

const (
	BackupFull        BackupType = "full"
	BackupIncremental BackupType = "incremental"
	BackupArchive     BackupType = "archive"
)

// BackupRecord is one row of the backup_records table. A row exists iff
// its backing file exists on disk.
type BackupRecord struct {
	ID         string     `json:"id"`
	FilePath   string     `json:"file_path"`
	BackupType BackupType `json:"backup_type"`
	CreatedAt  time.Time  `json:"created_at"`
	Checksum   string     `json:"checksum"`
	Size       int64      `json:"size"`
}

// CheckRecord is one row of the integrity_checks table.
type CheckRecord struct {
	ID        int64     `json:"id"`
	FilePath  string    `json:"file_path"`
	CheckedAt time.Time `json:"checked_at"`
	Checksum  string    `json:"checksum"`
	IsValid   bool      `json:"is_valid"`
	Message   string    `json:"message"`
}

// Retention bounds each backup type.
type Retention struct {
	KeepFull          int
	IncrementalWindow time.Duration
	ArchiveWindow     time.Duration
}

// Engine computes content checksums, verifies artifacts against their last
// recorded checksum, and manages backup retention. It owns the
// integrity_checks and backup_records tables.
type Engine struct {
	store     *store.Store
	audit     *audit.Log
	log       *logrus.Entry
	dir       string
	retention Retention
	now       func() time.Time
}

// NewEngine creates an integrity engine writing backups under dir.
func NewEngine(st *store.Store, auditLog *audit.Log, dir string, retention Retention) *Engine {
	return &Engine{
		store:     st,
		audit:     auditLog,
		log:       logrus.WithField("component", "integrity"),
		dir:       dir,
		retention: retention,
		now:       time.Now,
	}
}

// CreateBackup copies the artifact at path into the backup directory,
// checksums the copy, and records it. If the copy fails no record is
// written, preserving the row-iff-file invariant.
func (e *Engine) CreateBackup(ctx context.Context, path string, typ BackupType) (rec *BackupRecord, err error) {
	defer func() { metrics.RecordBackup(string(typ), err) }()

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}

	id := uuid.New().String()
	dest := filepath.Join(e.dir, fmt.Sprintf("%s-%s%s", typ, id, filepath.Ext(path)))

	size, err := copyFile(path, dest)
	if err != nil {
		// Remove any partial copy so no unreferenced artifact lingers.
		os.Remove(dest)
		return nil, fmt.Errorf("failed to copy backup: %w", err)
	}

	// Checksum the copy, not the source: it is the copy we will restore.
	checksum, err := ChecksumFile(dest)
	if err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("failed to checksum backup: %w", err)
	}

	rec = &BackupRecord{
		ID:         id,
		FilePath:   dest,
		BackupType: typ,
		CreatedAt:  e.now().UTC(),
		Checksum:   checksum,
		Size:       size,
	}

	_, err = e.store.Execute(ctx,
		`INSERT INTO backup_records (id, file_path, backup_type, created_at, checksum, size)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.FilePath, string(rec.BackupType), rec.CreatedAt, rec.Checksum, rec.Size)
	if err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("failed to record backup: %w", err)
	}

	e.recordAudit(ctx, audit.LevelInfo, "backup_created", "backup created",
		map[string]any{"type": string(typ), "source": path, "size": size})
	return rec, nil
}

// CheckIntegrity recomputes the checksum of path and compares it against
// the baseline for that path. It always writes exactly one CheckRecord,
// whatever the outcome.
func (e *Engine) CheckIntegrity(ctx context.Context, path string) (bool, string, error) {
	checksum, err := ChecksumFile(path)
	if err != nil {
		msg := fmt.Sprintf("failed to read artifact: %v", err)
		if recErr := e.recordCheck(ctx, path, "", false, msg); recErr != nil {
			return false, msg, recErr
		}
		return false, msg, nil
	}

	// The baseline is the owning backup record's checksum when one exists,
	// else the last checksum that verified. A mismatch never becomes the
	// new baseline, so a tampered artifact fails every subsequent check.
	var last string
	err = e.store.DB().QueryRowContext(ctx,
		`SELECT checksum FROM backup_records WHERE file_path = ?`, path).Scan(&last)
	if err == sql.ErrNoRows {
		err = e.store.DB().QueryRowContext(ctx,
			`SELECT checksum FROM integrity_checks
			 WHERE file_path = ? AND checksum != '' AND is_valid = 1
			 ORDER BY checked_at DESC, id DESC LIMIT 1`, path).Scan(&last)
	}
	switch {
	case err == sql.ErrNoRows:
		msg := "baseline checksum recorded"
		if recErr := e.recordCheck(ctx, path, checksum, true, msg); recErr != nil {
			return true, msg, recErr
		}
		return true, msg, nil
	case err != nil:
		return false, "", fmt.Errorf("failed to read last checksum: %w", err)
	}

	if checksum != last {
		msg := fmt.Sprintf("checksum mismatch: recorded %s, computed %s", shortHash(last), shortHash(checksum))
		if recErr := e.recordCheck(ctx, path, checksum, false, msg); recErr != nil {
			return false, msg, recErr
		}
		e.recordAudit(ctx, audit.LevelError, "integrity_failure", msg,
			map[string]any{"file_path": path})
		return false, msg, nil
	}

	msg := "checksum verified"
	if recErr := e.recordCheck(ctx, path, checksum, true, msg); recErr != nil {
		return true, msg, recErr
	}
	return true, msg, nil
}

// CleanupOldBackups enforces retention for one backup type: full keeps the
// newest KeepFull, incremental and archive keep a trailing time window.
// Each expired backup's file is deleted before its row, so a crash
// mid-cleanup leaves at most an orphaned file, never a dangling record.
func (e *Engine) CleanupOldBackups(ctx context.Context, typ BackupType) (int, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch typ {
	case BackupFull:
		rows, err = e.store.DB().QueryContext(ctx,
			`SELECT id, file_path FROM backup_records WHERE backup_type = ?
			 ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?`,
			string(typ), e.retention.KeepFull)
	case BackupIncremental:
		cutoff := e.now().Add(-e.retention.IncrementalWindow).UTC()
		rows, err = e.store.DB().QueryContext(ctx,
			"SELECT id, file_path FROM backup_records WHERE backup_type = ? AND created_at < ?",
			string(typ), cutoff)
	case BackupArchive:
		cutoff := e.now().Add(-e.retention.ArchiveWindow).UTC()
		rows, err = e.store.DB().QueryContext(ctx,
			"SELECT id, file_path FROM backup_records WHERE backup_type = ? AND created_at < ?",
			string(typ), cutoff)
	default:
		return 0, fmt.Errorf("unknown backup type: %s", typ)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to select expired backups: %w", err)
	}

	type expired struct{ id, path string }
	var victims []expired
	for rows.Next() {
		var v expired
		if err := rows.Scan(&v.id, &v.path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired backup: %w", err)
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	for _, v := range victims {
		// File first, then row. A missing file is fine: the row is then
		// dangling and removing it restores the invariant.
		if err := os.Remove(v.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.log.WithError(err).WithField("path", v.path).Warn("failed to delete backup file, keeping record")
			continue
		}
		if _, err := e.store.Execute(ctx, "DELETE FROM backup_records WHERE id = ?", v.id); err != nil {
			return deleted, fmt.Errorf("failed to delete backup record %s: %w", v.id, err)
		}
		deleted++
	}

	if deleted > 0 {
		e.recordAudit(ctx, audit.LevelInfo, "backups_pruned", "expired backups removed",
			map[string]any{"type": string(typ), "deleted": deleted})
	}
	return deleted, nil
}

// ListBackups returns backup records, newest first. Empty typ lists all.
func (e *Engine) ListBackups(ctx context.Context, typ BackupType, limit int) ([]BackupRecord, error) {
	if limit < 1 {
		limit = 50
	}
	query := `SELECT id, file_path, backup_type, created_at, checksum, size FROM backup_records`
	args := []any{}
	if typ != "" {
		query += " WHERE backup_type = ?"
		args = append(args, string(typ))
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := e.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	var records []BackupRecord
	for rows.Next() {
		var rec BackupRecord
		var bt string
		if err := rows.Scan(&rec.ID, &rec.FilePath, &bt, &rec.CreatedAt, &rec.Checksum, &rec.Size); err != nil {
			return nil, fmt.Errorf("failed to scan backup record: %w", err)
		}
		rec.BackupType = BackupType(bt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecentChecks returns the latest integrity check records, newest first.
func (e *Engine) RecentChecks(ctx context.Context, limit int) ([]CheckRecord, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := e.store.DB().QueryContext(ctx,
		`SELECT id, file_path, checked_at, checksum, is_valid, message
		 FROM integrity_checks ORDER BY checked_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrity checks: %w", err)
	}
	defer rows.Close()

	var records []CheckRecord
	for rows.Next() {
		var rec CheckRecord
		if err := rows.Scan(&rec.ID, &rec.FilePath, &rec.CheckedAt, &rec.Checksum, &rec.IsValid, &rec.Message); err != nil {
			return nil, fmt.Errorf("failed to scan integrity check: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (e *Engine) recordCheck(ctx context.Context, path, checksum string, valid bool, message string) error {
	_, err := e.store.Execute(ctx,
		`INSERT INTO integrity_checks (file_path, checked_at, checksum, is_valid, message)
		 VALUES (?, ?, ?, ?, ?)`,
		path, e.now().UTC(), checksum, valid, message)
	if err != nil {
		return fmt.Errorf("failed to record integrity check: %w", err)
	}
	metrics.RecordIntegrityCheck(valid)
	return nil
}

func (e *Engine) recordAudit(ctx context.Context, level, eventType, message string, details map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, level, "integrity", eventType, message, details); err != nil {
		e.log.WithError(err).Warn("failed to record audit event")
	}
}

// ChecksumFile returns the hex SHA-256 of the file at path.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
