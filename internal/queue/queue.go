// Package queue executes batches of download work under a bounded worker
// pool. Two backends satisfy the same contract: the in-process pool, and a
// journaling wrapper that persists batch state through a storage interface.
package queue

import (
	"context"

	"github.com/waya0125/squashterm/internal/library"
	"github.com/waya0125/squashterm/internal/ytdlp"
)

// Task describes one dispatched batch item. It exists for the duration of
// its callback and is discarded afterwards.
type Task struct {
	BatchID string
	URL     string
	Index   int
	Total   int
	EntryID string
	Title   string
}

// BatchStatus is a point-in-time snapshot of a batch. Counts only ever grow
// and completed+failed reaches Total exactly once, at batch completion.
type BatchStatus struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Finished reports whether every item has its outcome.
func (s BatchStatus) Finished() bool {
	return s.Completed+s.Failed >= s.Total
}

// Worker downloads one resolved URL, appending results to playlistID when
// set. Worker errors are recorded per item and never abort the batch.
type Worker func(ctx context.Context, url, playlistID string) ([]library.Track, error)

// ProgressFunc observes each item outcome as it lands. tracks is nil when
// err is non-nil.
type ProgressFunc func(task Task, tracks []library.Track, err error)

// Queue dispatches batches of flat entries across bounded workers.
type Queue interface {
	// Enqueue starts a batch and returns its handle immediately.
	// concurrency bounds simultaneous workers; values < 1 mean 1.
	Enqueue(ctx context.Context, entries []ytdlp.Entry, playlistID string, concurrency int, worker Worker, progress ProgressFunc) (string, error)
	// Status returns the batch snapshot; ok is false for unknown handles.
	Status(id string) (BatchStatus, bool)
	// Wait returns a channel closed once the batch has fully completed,
	// or nil for unknown handles.
	Wait(id string) <-chan struct{}
	// Cancel stops a batch: unstarted items are recorded as failed and
	// in-flight workers are interrupted through their context. It
	// reports whether the handle was known.
	Cancel(id string) bool
}

// resolveEntryURL picks the fetchable URL for an entry, mirroring the
// single-item ingestion path's expectations.
func resolveEntryURL(entry ytdlp.Entry) string {
	return entry.SourceURL()
}
