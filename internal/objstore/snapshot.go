package objstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/campustools/vover-harvester/internal/logger"
	"github.com/campustools/vover-harvester/internal/storage"
)

// Snapshotter backs the database up after successful harvests and restores
// the latest snapshot onto an empty deployment.
type Snapshotter struct {
	client *Client
	key    string
	log    *logger.Logger
}

// NewSnapshotter creates a snapshotter writing to the given object key.
func NewSnapshotter(client *Client, key string, log *logger.Logger) *Snapshotter {
	return &Snapshotter{client: client, key: key, log: log.WithModule("snapshot")}
}

// Backup checkpoints the WAL, compresses the database file and uploads it.
func (s *Snapshotter) Backup(ctx context.Context, db *storage.DB) error {
	if db.Path() == ":memory:" {
		return nil
	}

	// Fold the WAL into the main file so the copy is self-contained.
	if _, err := db.Conn().ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("snapshot: checkpoint: %w", err)
	}

	compressed := db.Path() + ".zst.tmp"
	if err := CompressFile(db.Path(), compressed); err != nil {
		return err
	}
	defer func() { _ = os.Remove(compressed) }()

	f, err := os.Open(compressed)
	if err != nil {
		return fmt.Errorf("snapshot: open compressed: %w", err)
	}
	defer func() { _ = f.Close() }()

	etag, err := s.client.Upload(ctx, s.key, f, "application/zstd")
	if err != nil {
		return err
	}
	s.log.Info("snapshot uploaded", "key", s.key, "etag", etag)
	return nil
}

// Restore downloads and decompresses the latest snapshot into dbPath.
// A missing snapshot is not an error; the first harvest will create one.
func (s *Snapshotter) Restore(ctx context.Context, dbPath string) error {
	body, etag, err := s.client.Download(ctx, s.key)
	if err != nil {
		if err == ErrNotFound {
			s.log.Info("no snapshot available, starting empty")
			return nil
		}
		return err
	}
	defer func() { _ = body.Close() }()

	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("snapshot: create data dir: %w", err)
		}
	}
	if err := DecompressStream(body, dbPath); err != nil {
		return err
	}
	s.log.Info("snapshot restored", "key", s.key, "etag", etag)
	return nil
}

// RestoreIfMissing restores only when no local database file exists yet.
func (s *Snapshotter) RestoreIfMissing(ctx context.Context, dbPath string) error {
	if _, err := os.Stat(dbPath); err == nil {
		return nil
	}
	return s.Restore(ctx, dbPath)
}
