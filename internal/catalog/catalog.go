// Package catalog keeps SQLite bookkeeping next to the library document:
// a history of completed downloads and the durable journal rows for the
// journaling queue backend. The library JSON document stays the source of
// truth; the catalog is bookkeeping only.
package catalog

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/waya0125/squashterm/internal/queue"
)

// DownloadRecord is one completed download.
type DownloadRecord struct {
	ID        int64     `json:"id"`
	TrackID   string    `json:"track_id"`
	Title     string    `json:"title"`
	Artist    string    `json:"artist"`
	SourceURL string    `json:"source_url"`
	BatchID   string    `json:"batch_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS downloads (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    track_id    TEXT NOT NULL DEFAULT '',
    title       TEXT NOT NULL DEFAULT '',
    artist      TEXT NOT NULL DEFAULT '',
    source_url  TEXT NOT NULL DEFAULT '',
    batch_id    TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_downloads_track_id ON downloads(track_id);
CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads(created_at);

CREATE TABLE IF NOT EXISTS batches (
    id          TEXT PRIMARY KEY,
    playlist_id TEXT NOT NULL DEFAULT '',
    total       INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS batch_items (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id    TEXT NOT NULL,
    entry_id    TEXT NOT NULL DEFAULT '',
    url         TEXT NOT NULL DEFAULT '',
    position    INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_batch_items_batch_id ON batch_items(batch_id);
`

// DB wraps the SQLite connection for the catalog.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the catalog database at path.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog at %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if _, err := sqlDB.Exec(createTableSQL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &DB{db: sqlDB}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// RecordDownload inserts a completed-download row.
func (d *DB) RecordDownload(rec DownloadRecord) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(
		`INSERT INTO downloads (track_id, title, artist, source_url, batch_id) VALUES (?, ?, ?, ?, ?)`,
		rec.TrackID, rec.Title, rec.Artist, rec.SourceURL, rec.BatchID,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting download record: %w", err)
	}
	return res.LastInsertId()
}

// RecentDownloads returns up to limit records, newest first.
func (d *DB) RecentDownloads(limit int) ([]DownloadRecord, error) {
	if limit < 1 {
		limit = 50
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(
		`SELECT id, track_id, title, artist, source_url, batch_id, created_at
		 FROM downloads ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying downloads: %w", err)
	}
	defer rows.Close()

	var records []DownloadRecord
	for rows.Next() {
		var rec DownloadRecord
		if err := rows.Scan(&rec.ID, &rec.TrackID, &rec.Title, &rec.Artist,
			&rec.SourceURL, &rec.BatchID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning download record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordBatch implements queue.Journal. Upserting keeps the write safe
// even when an item outcome races in ahead of the batch row.
func (d *DB) RecordBatch(id, playlistID string, total int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(
		`INSERT INTO batches (id, playlist_id, total) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET playlist_id=excluded.playlist_id, total=excluded.total`,
		id, playlistID, total,
	)
	if err != nil {
		return fmt.Errorf("recording batch: %w", err)
	}
	return nil
}

// RecordOutcome implements queue.Journal.
func (d *DB) RecordOutcome(id string, task queue.Task, errMessage string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(
		`INSERT INTO batch_items (batch_id, entry_id, url, position, error) VALUES (?, ?, ?, ?, ?)`,
		id, task.EntryID, task.URL, task.Index, errMessage,
	)
	if err != nil {
		return fmt.Errorf("recording batch item: %w", err)
	}
	return nil
}

// LoadStatus implements queue.Journal, reconstructing a batch snapshot
// from its journal rows.
func (d *DB) LoadStatus(id string) (queue.BatchStatus, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var status queue.BatchStatus
	err := d.db.QueryRow(`SELECT total FROM batches WHERE id = ?`, id).Scan(&status.Total)
	if err == sql.ErrNoRows {
		return queue.BatchStatus{}, false, nil
	}
	if err != nil {
		return queue.BatchStatus{}, false, fmt.Errorf("loading batch: %w", err)
	}
	err = d.db.QueryRow(
		`SELECT
		    COUNT(CASE WHEN error = '' THEN 1 END),
		    COUNT(CASE WHEN error <> '' THEN 1 END)
		 FROM batch_items WHERE batch_id = ?`, id,
	).Scan(&status.Completed, &status.Failed)
	if err != nil {
		return queue.BatchStatus{}, false, fmt.Errorf("counting batch items: %w", err)
	}
	return status, true, nil
}
