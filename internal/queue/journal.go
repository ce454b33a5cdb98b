package queue

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/waya0125/squashterm/internal/library"
	"github.com/waya0125/squashterm/internal/ytdlp"
)

// Journal persists batch bookkeeping so status outlives the process that
// ran the batch. Implemented by the catalog's SQLite repository.
type Journal interface {
	RecordBatch(id, playlistID string, total int) error
	RecordOutcome(id string, task Task, errMessage string) error
	LoadStatus(id string) (BatchStatus, bool, error)
}

// JournalQueue executes batches through an inner queue while mirroring
// batch and item state into a Journal. It stands in for an external broker
// backend: execution stays in-process, but the bookkeeping is durable, so
// Status can answer for batches this process never ran.
type JournalQueue struct {
	inner   Queue
	journal Journal
	logger  *log.Logger
}

func NewJournalQueue(inner Queue, journal Journal, logger *log.Logger) *JournalQueue {
	if logger == nil {
		logger = log.Default()
	}
	return &JournalQueue{inner: inner, journal: journal, logger: logger}
}

func (q *JournalQueue) Enqueue(ctx context.Context, entries []ytdlp.Entry, playlistID string, concurrency int, worker Worker, progress ProgressFunc) (string, error) {
	journaling := func(task Task, tracks []library.Track, err error) {
		message := ""
		if err != nil {
			message = err.Error()
		}
		if jerr := q.journal.RecordOutcome(task.BatchID, task, message); jerr != nil {
			q.logger.Warn("journal: recording outcome failed", "batch", task.BatchID, "err", jerr)
		}
		if progress != nil {
			progress(task, tracks, err)
		}
	}
	id, err := q.inner.Enqueue(ctx, entries, playlistID, concurrency, worker, journaling)
	if err != nil {
		return "", err
	}
	if jerr := q.journal.RecordBatch(id, playlistID, len(entries)); jerr != nil {
		q.logger.Warn("journal: recording batch failed", "batch", id, "err", jerr)
	}
	return id, nil
}

func (q *JournalQueue) Status(id string) (BatchStatus, bool) {
	if status, ok := q.inner.Status(id); ok {
		return status, true
	}
	status, ok, err := q.journal.LoadStatus(id)
	if err != nil {
		q.logger.Warn("journal: loading status failed", "batch", id, "err", err)
		return BatchStatus{}, false
	}
	return status, ok
}

func (q *JournalQueue) Wait(id string) <-chan struct{} {
	return q.inner.Wait(id)
}

func (q *JournalQueue) Cancel(id string) bool {
	return q.inner.Cancel(id)
}
