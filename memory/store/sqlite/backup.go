package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/engram-memory/engram/memory"
)

// Backup implements memory.Maintainer. It writes a consistent point-in-time
// copy of the database into dir using VACUUM INTO, which handles WAL mode
// correctly, then verifies the copy with an integrity check before reporting
// the path. In-memory stores cannot be backed up.
func (s *Store) Backup(ctx context.Context, dir string) (string, error) {
	if s.path == ":memory:" {
		return "", fmt.Errorf("%w: cannot back up an in-memory database", memory.ErrInvalidInput)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create backup directory: %v", memory.ErrStorageUnavailable, err)
	}

	// Checkpoint first so the backup sees everything committed so far.
	_, _ = s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")

	name := fmt.Sprintf("engram-%s-%s.db",
		time.Now().UTC().Format("20060102-150405"),
		uuid.New().String()[:8])
	dest := filepath.Join(dir, name)

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", dest)); err != nil {
		return "", wrapCtxErr(fmt.Errorf("sqlite: backup into %s: %w", dest, err))
	}

	if err := verifyBackup(dest); err != nil {
		_ = os.Remove(dest)
		return "", err
	}

	return dest, nil
}

// verifyBackup opens the copy read-only and runs PRAGMA integrity_check.
func verifyBackup(path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("sqlite: open backup %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("sqlite: integrity check %s: %w", path, err)
	}
	if result != "ok" {
		return fmt.Errorf("sqlite: backup %s failed integrity check: %s", path, result)
	}
	return nil
}

// Restore copies a verified backup over targetPath. The target database must
// not be open when this is called.
func Restore(backupPath, targetPath string) error {
	if err := verifyBackup(backupPath); err != nil {
		return err
	}

	src, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("sqlite: open backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("sqlite: create target: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("sqlite: copy backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sqlite: sync target: %w", err)
	}

	return verifyBackup(targetPath)
}

// PruneBackups deletes all but the newest keep backups in dir, matching the
// names Backup writes. It returns the number removed.
func PruneBackups(dir string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	entries, err := filepath.Glob(filepath.Join(dir, "engram-*.db"))
	if err != nil {
		return 0, fmt.Errorf("sqlite: list backups: %w", err)
	}
	if len(entries) <= keep {
		return 0, nil
	}

	// Names embed a UTC timestamp, so lexical order is chronological.
	sort.Strings(entries)

	removed := 0
	for _, path := range entries[:len(entries)-keep] {
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("sqlite: prune backup %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}
