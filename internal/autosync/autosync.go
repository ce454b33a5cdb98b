// Package autosync keeps playlists with a configured auto-sync URL up to
// date with their remote collections. One scheduler loop polls for due
// playlists; manual sync triggers share the same global lock so two passes
// never run concurrently.
package autosync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/waya0125/squashterm/internal/apperr"
	"github.com/waya0125/squashterm/internal/library"
	"github.com/waya0125/squashterm/internal/provider"
	"github.com/waya0125/squashterm/internal/ytdlp"
)

// DefaultPollInterval is how often the scheduler checks for due playlists.
const DefaultPollInterval = 60 * time.Second

// lastRunLayout matches the timestamps stored on playlists. Values are
// written in UTC.
const lastRunLayout = "2006-01-02T15:04:05"

// Lister fetches the flat entry list of a remote collection.
type Lister interface {
	FlatEntries(ctx context.Context, url string) ([]ytdlp.Entry, error)
}

// Fetcher downloads a single item and returns its extracted metadata.
type Fetcher interface {
	Download(ctx context.Context, url string) ([]ytdlp.Info, string, error)
}

// Result summarizes one playlist sync pass.
type Result struct {
	PlaylistID string   `json:"playlist_id"`
	Missing    int      `json:"missing"`
	Added      int      `json:"added"`
	Errors     []string `json:"errors,omitempty"`
}

// Syncer runs the sync algorithm for a single playlist. A package-level
// mutex would also work, but keeping the lock on the value lets tests run
// isolated schedulers.
type Syncer struct {
	Store    *library.Store
	Ingestor *library.Ingestor
	Lister   Lister
	Fetcher  Fetcher
	Logger   *log.Logger

	// mu is the global sync lock shared by the scheduler loop and manual
	// triggers.
	mu sync.Mutex
}

func NewSyncer(store *library.Store, ingestor *library.Ingestor, lister Lister, fetcher Fetcher, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.Default()
	}
	return &Syncer{Store: store, Ingestor: ingestor, Lister: lister, Fetcher: fetcher, Logger: logger}
}

// Due reports whether a playlist should sync now.
func Due(p library.Playlist, now time.Time) bool {
	if p.AutoSyncURL == "" {
		return false
	}
	if p.AutoSyncIntervalMinutes <= 0 {
		return false
	}
	if p.SyncDisabled() {
		return false
	}
	if p.AutoSyncLastRun == "" {
		return true
	}
	lastRun, err := time.Parse(lastRunLayout, p.AutoSyncLastRun)
	if err != nil {
		// An unreadable timestamp counts as never run.
		return true
	}
	elapsed := now.Sub(lastRun)
	return elapsed >= time.Duration(p.AutoSyncIntervalMinutes)*time.Minute
}

// Sync acquires the global sync lock and synchronizes one playlist.
func (s *Syncer) Sync(ctx context.Context, playlistID string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked(ctx, playlistID)
}

// syncLocked runs the sync algorithm. The caller holds s.mu.
func (s *Syncer) syncLocked(ctx context.Context, playlistID string) (Result, error) {
	result := Result{PlaylistID: playlistID}

	var syncURL string
	var existing map[string]bool
	err := s.Store.View(func(doc *library.Document) error {
		pl := doc.Playlist(playlistID)
		if pl == nil {
			return apperr.Errorf(apperr.CategoryNotFound, "playlist %s not found", playlistID)
		}
		if pl.AutoSyncURL == "" {
			return apperr.Errorf(apperr.CategoryInvalid, "playlist %s has no auto-sync URL", playlistID)
		}
		syncURL = pl.AutoSyncURL
		existing = make(map[string]bool, len(pl.TrackIDs))
		for _, trackID := range pl.TrackIDs {
			track := doc.Track(trackID)
			if track == nil || track.SourceURL == "" {
				continue
			}
			if normalized := provider.Normalize(track.SourceURL); normalized != "" {
				existing[normalized] = true
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	entries, err := s.Lister.FlatEntries(ctx, syncURL)
	if err != nil {
		return Result{}, fmt.Errorf("listing %s: %w", syncURL, err)
	}

	// Order-preserving diff over the candidate sequence.
	var missing []string
	seen := make(map[string]bool)
	for _, entry := range entries {
		candidate := provider.Normalize(entry.SourceURL())
		if candidate == "" || seen[candidate] || existing[candidate] {
			continue
		}
		seen[candidate] = true
		missing = append(missing, candidate)
	}
	result.Missing = len(missing)

	for _, url := range missing {
		if err := s.ingestOne(ctx, url, playlistID); err != nil {
			s.Logger.Warn("sync item failed", "playlist", playlistID, "url", url, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", url, err))
			continue
		}
		result.Added++
	}

	now := time.Now().UTC().Format(lastRunLayout)
	lastError := strings.Join(result.Errors, "\n")
	// Re-load before writing so concurrent edits to other fields survive.
	err = s.Store.Update(func(doc *library.Document) error {
		pl := doc.Playlist(playlistID)
		if pl == nil {
			return apperr.Errorf(apperr.CategoryNotFound, "playlist %s disappeared during sync", playlistID)
		}
		pl.AutoSyncLastRun = now
		pl.AutoSyncLastError = lastError
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (s *Syncer) ingestOne(ctx context.Context, url, playlistID string) error {
	infos, _, err := s.Fetcher.Download(ctx, url)
	if err != nil {
		return err
	}
	_, err = s.Ingestor.Ingest(infos, url, playlistID)
	return err
}

// Scheduler runs the poll loop.
type Scheduler struct {
	Syncer       *Syncer
	PollInterval time.Duration
	Logger       *log.Logger
}

func NewScheduler(syncer *Syncer, pollInterval time.Duration, logger *log.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{Syncer: syncer, PollInterval: pollInterval, Logger: logger}
}

// Run polls until ctx is cancelled. A tick that finds the sync lock held
// is skipped entirely rather than queueing behind the running pass.
func (sc *Scheduler) Run(ctx context.Context) {
	interval := sc.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.tick(ctx)
		}
	}
}

// tick runs one scheduler pass.
func (sc *Scheduler) tick(ctx context.Context) {
	if !sc.Syncer.mu.TryLock() {
		sc.Logger.Debug("sync pass already running, skipping tick")
		return
	}
	defer sc.Syncer.mu.Unlock()

	now := time.Now()
	var due []string
	err := sc.Syncer.Store.View(func(doc *library.Document) error {
		for _, pl := range doc.Playlists {
			if Due(pl, now) {
				due = append(due, pl.ID)
			}
		}
		return nil
	})
	if err != nil {
		sc.Logger.Error("loading library for sync pass", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	sc.Logger.Info("auto-sync pass", "due", len(due))
	for _, playlistID := range due {
		result, err := sc.Syncer.syncLocked(ctx, playlistID)
		if err != nil {
			// One playlist failing must not stop the rest of the tick.
			sc.Logger.Error("auto-sync failed", "playlist", playlistID, "error", err)
			continue
		}
		sc.Logger.Info("auto-sync finished",
			"playlist", playlistID,
			"missing", result.Missing,
			"added", result.Added,
			"errors", len(result.Errors))
	}
}
