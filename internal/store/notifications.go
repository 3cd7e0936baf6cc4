// Package store holds the local SQLite persistence used alongside the
// JSON state files: the notification ledger the SOCIAL dispatch hook
// marks processed on behalf of the remote persona.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"magenta/internal/logging"
)

// Notification statuses in the ledger.
const (
	NotifPending   = "pending"
	NotifProcessed = "processed"
	NotifSkipped   = "skipped"
)

// NotificationDB is the durable seen/processed ledger for inbound
// notifications.
type NotificationDB struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenNotificationDB opens (creating if needed) the ledger at path.
func OpenNotificationDB(path string) (*NotificationDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open notification database: %w", err)
	}
	n := &NotificationDB{db: db}
	if err := n.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return n, nil
}

func (n *NotificationDB) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS notifications (
		uri          TEXT PRIMARY KEY,
		indexed_at   TEXT,
		processed_at TEXT,
		status       TEXT NOT NULL DEFAULT 'pending',
		reason       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status);
	`
	if _, err := n.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create notifications table: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (n *NotificationDB) Close() error {
	return n.db.Close()
}

// RecordSeen inserts a notification if it has not been seen before.
// Existing rows keep their status.
func (n *NotificationDB) RecordSeen(uri, indexedAt, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := n.db.Exec(
		`INSERT INTO notifications (uri, indexed_at, status, reason)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(uri) DO NOTHING`,
		uri, indexedAt, NotifPending, reason)
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	return nil
}

// MarkProcessed stamps a notification with a terminal status.
func (n *NotificationDB) MarkProcessed(uri, status string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := n.db.Exec(
		`INSERT INTO notifications (uri, processed_at, status)
		 VALUES (?, ?, ?)
		 ON CONFLICT(uri) DO UPDATE SET processed_at = excluded.processed_at, status = excluded.status`,
		uri, time.Now().UTC().Format(time.RFC3339), status)
	if err != nil {
		return fmt.Errorf("failed to mark notification processed: %w", err)
	}
	logging.Store("marked %s %s", status, uri)
	return nil
}

// IsProcessed reports whether the notification reached a non-pending
// status.
func (n *NotificationDB) IsProcessed(uri string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var status string
	err := n.db.QueryRow(`SELECT status FROM notifications WHERE uri = ?`, uri).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query notification: %w", err)
	}
	return status != NotifPending, nil
}

// PendingCount counts notifications still awaiting a decision. The
// limbic SOCIAL boost reads this.
func (n *NotificationDB) PendingCount() (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var count int
	err := n.db.QueryRow(`SELECT COUNT(*) FROM notifications WHERE status = ?`, NotifPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending notifications: %w", err)
	}
	return count, nil
}

// PruneProcessed deletes terminal rows whose processed_at is older
// than the cutoff. Returns rows removed.
func (n *NotificationDB) PruneProcessed(olderThan time.Duration) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	res, err := n.db.Exec(
		`DELETE FROM notifications WHERE status != ? AND processed_at IS NOT NULL AND processed_at < ?`,
		NotifPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune notifications: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		logging.Store("pruned %d processed notification(s)", removed)
	}
	return removed, nil
}
