package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/waya0125/squashterm/internal/ytdlp"
)

const (
	// DefaultCleanupInterval is how often finished batches are swept.
	DefaultCleanupInterval = time.Minute
	// DefaultBatchTTL is how long a finished batch stays queryable in
	// memory after its last item settles.
	DefaultBatchTTL = 30 * time.Minute
)

var errBatchCancelled = errors.New("batch cancelled")

// batch tracks the live state of one enqueued batch.
type batch struct {
	mu         sync.Mutex
	total      int
	completed  int
	failed     int
	finishedAt time.Time
	done       chan struct{}
	cancel     context.CancelFunc
}

func (b *batch) status() BatchStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BatchStatus{Total: b.total, Completed: b.completed, Failed: b.failed}
}

func (b *batch) record(err error) {
	b.mu.Lock()
	if err != nil {
		b.failed++
	} else {
		b.completed++
	}
	finished := b.completed+b.failed >= b.total
	if finished && b.finishedAt.IsZero() {
		b.finishedAt = time.Now()
	}
	b.mu.Unlock()
	if finished {
		close(b.done)
	}
}

func (b *batch) expired(now time.Time, ttl time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.finishedAt.IsZero() && now.Sub(b.finishedAt) >= ttl
}

// PoolQueue runs batches on in-process worker goroutines. Each batch gets
// its own bounded pool; an optional rate limiter spaces out extractor
// invocations across all batches.
type PoolQueue struct {
	limiter *rate.Limiter
	logger  *log.Logger

	mu      sync.Mutex
	batches map[string]*batch
}

// NewPoolQueue returns an in-process queue. ratePerMinute <= 0 disables
// download rate limiting.
func NewPoolQueue(ratePerMinute int, logger *log.Logger) *PoolQueue {
	if logger == nil {
		logger = log.Default()
	}
	var limiter *rate.Limiter
	if ratePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), 1)
	}
	return &PoolQueue{
		limiter: limiter,
		logger:  logger,
		batches: make(map[string]*batch),
	}
}

func (q *PoolQueue) Enqueue(ctx context.Context, entries []ytdlp.Entry, playlistID string, concurrency int, worker Worker, progress ProgressFunc) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("no entries to enqueue")
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(entries) {
		concurrency = len(entries)
	}

	id := "task_" + uuid.NewString()
	batchCtx, cancel := context.WithCancel(ctx)
	b := &batch{
		total:  len(entries),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	q.mu.Lock()
	q.batches[id] = b
	q.mu.Unlock()

	tasks := make(chan Task)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				err := q.runTask(batchCtx, task, playlistID, worker, progress)
				b.record(err)
			}
		}()
	}

	go func() {
		defer cancel()
		for i, entry := range entries {
			task := Task{
				BatchID: id,
				URL:     resolveEntryURL(entry),
				Index:   i,
				Total:   len(entries),
				EntryID: entry.ID,
				Title:   entry.Title,
			}
			select {
			case tasks <- task:
			case <-batchCtx.Done():
				// Dispatch stopped; the rest of the batch is failed
				// so the completion invariant still holds.
				b.record(errBatchCancelled)
				if progress != nil {
					progress(task, nil, errBatchCancelled)
				}
			}
		}
		close(tasks)
		wg.Wait()
	}()

	return id, nil
}

func (q *PoolQueue) runTask(ctx context.Context, task Task, playlistID string, worker Worker, progress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		if progress != nil {
			progress(task, nil, errBatchCancelled)
		}
		return errBatchCancelled
	}
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			if progress != nil {
				progress(task, nil, errBatchCancelled)
			}
			return errBatchCancelled
		}
	}
	tracks, err := worker(ctx, task.URL, playlistID)
	if err != nil {
		q.logger.Warn("batch item failed", "batch", task.BatchID, "url", task.URL, "err", err)
		if progress != nil {
			progress(task, nil, err)
		}
		return err
	}
	if progress != nil {
		progress(task, tracks, nil)
	}
	return nil
}

func (q *PoolQueue) Status(id string) (BatchStatus, bool) {
	q.mu.Lock()
	b, ok := q.batches[id]
	q.mu.Unlock()
	if !ok {
		return BatchStatus{}, false
	}
	return b.status(), true
}

func (q *PoolQueue) Wait(id string) <-chan struct{} {
	q.mu.Lock()
	b, ok := q.batches[id]
	q.mu.Unlock()
	if !ok {
		return nil
	}
	return b.done
}

// RemoveExpired evicts batches that finished at least ttl before now and
// reports how many were removed. Running batches are never evicted.
func (q *PoolQueue) RemoveExpired(now time.Time, ttl time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, b := range q.batches {
		if b.expired(now, ttl) {
			delete(q.batches, id)
			removed++
		}
	}
	return removed
}

// StartCleanup evicts finished batches on a background ticker until ctx is
// cancelled. Durable status for evicted batches remains in the journal when
// one is configured.
func (q *PoolQueue) StartCleanup(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				q.RemoveExpired(now, ttl)
			}
		}
	}()
}

func (q *PoolQueue) Cancel(id string) bool {
	q.mu.Lock()
	b, ok := q.batches[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	b.cancel()
	return true
}
