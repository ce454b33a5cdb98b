package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/waya0125/squashterm/internal/catalog"
	"github.com/waya0125/squashterm/internal/events"
	"github.com/waya0125/squashterm/internal/library"
	"github.com/waya0125/squashterm/internal/provider"
	"github.com/waya0125/squashterm/internal/queue"
)

// batchPollInterval is how often an SSE batch stream samples queue status.
const batchPollInterval = 500 * time.Millisecond

// ImportRequest asks for one URL to be ingested, optionally appending the
// resulting tracks to a playlist.
type ImportRequest struct {
	URL        string `json:"url"`
	PlaylistID string `json:"playlist_id"`
}

// BatchImportRequest additionally controls worker fan-out.
type BatchImportRequest struct {
	URL         string `json:"url"`
	PlaylistID  string `json:"playlist_id"`
	Concurrency int    `json:"concurrency"`
}

// importOne downloads and ingests a single item.
func (s *Server) importOne(ctx context.Context, rawURL, playlistID string) ([]library.Track, string, error) {
	url := provider.Normalize(rawURL)
	if url == "" {
		url = rawURL
	}
	infos, logOutput, err := s.Runner.Download(ctx, url)
	if err != nil {
		return nil, logOutput, err
	}
	tracks, err := s.Ingestor.Ingest(infos, url, playlistID)
	if err != nil {
		return nil, logOutput, err
	}
	s.announceTracks(tracks, "")
	return tracks, logOutput, nil
}

// announceTracks records downloads in the catalog and notifies clients.
func (s *Server) announceTracks(tracks []library.Track, batchID string) {
	for _, track := range tracks {
		if s.Catalog != nil {
			_, err := s.Catalog.RecordDownload(catalog.DownloadRecord{
				TrackID:   track.ID,
				Title:     track.Title,
				Artist:    track.Artist,
				SourceURL: track.SourceURL,
				BatchID:   batchID,
			})
			if err != nil {
				s.Logger.Warn("recording download", "track", track.ID, "error", err)
			}
		}
		if s.Hub != nil {
			s.Hub.TrackAdded(track)
		}
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var payload ImportRequest
	if reqErr := decodeJSONBody(w, r, &payload); reqErr != nil {
		writeJSONError(w, reqErr.status, reqErr.message)
		return
	}
	if payload.URL == "" {
		writeJSONError(w, http.StatusBadRequest, "url is required")
		return
	}
	tracks, logOutput, err := s.importOne(r.Context(), payload.URL, payload.PlaylistID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tracks": tracks,
		"log":    logOutput,
	})
}

func (s *Server) handleImportStream(w http.ResponseWriter, r *http.Request) {
	var payload ImportRequest
	if reqErr := decodeJSONBody(w, r, &payload); reqErr != nil {
		writeJSONError(w, reqErr.status, reqErr.message)
		return
	}
	if payload.URL == "" {
		writeJSONError(w, http.StatusBadRequest, "url is required")
		return
	}

	stream := events.NewStream(64)
	go s.runStreamImport(r.Context(), stream, payload.URL, payload.PlaylistID)
	s.streamEvents(w, r, stream)
}

// runStreamImport drives a single-item SSE import to its terminal event.
func (s *Server) runStreamImport(ctx context.Context, stream *events.Stream, rawURL, playlistID string) {
	stream.Publish(events.Event{Type: events.TypeStart, Message: "starting download"})

	url := provider.Normalize(rawURL)
	if url == "" {
		url = rawURL
	}
	infos, err := s.Runner.StreamDownload(ctx, url, stream)
	if err != nil {
		stream.Fail(err.Error())
		return
	}
	tracks, err := s.Ingestor.Ingest(infos, url, playlistID)
	if err != nil {
		stream.Fail(err.Error())
		return
	}
	s.announceTracks(tracks, "")
	stream.Complete(events.Event{
		Total:     len(tracks),
		Completed: len(tracks),
		Tracks:    tracks,
	})
}

func (s *Server) handleImportPlaylistBatch(w http.ResponseWriter, r *http.Request) {
	var payload BatchImportRequest
	if reqErr := decodeJSONBody(w, r, &payload); reqErr != nil {
		writeJSONError(w, reqErr.status, reqErr.message)
		return
	}
	if payload.URL == "" {
		writeJSONError(w, http.StatusBadRequest, "url is required")
		return
	}
	concurrency := payload.Concurrency
	if concurrency < 1 {
		concurrency = s.Concurrency
	}

	stream := events.NewStream(64)
	go s.runBatchImport(r.Context(), stream, payload.URL, payload.PlaylistID, concurrency)
	s.streamEvents(w, r, stream)
}

// runBatchImport classifies the URL and either falls through to the
// single-item path or expands the collection onto the download queue,
// reporting aggregate progress until the batch finishes.
func (s *Server) runBatchImport(ctx context.Context, stream *events.Stream, url, playlistID string, concurrency int) {
	stream.Log("analyzing URL")

	if provider.Classify(url) == provider.KindSingle {
		stream.Log("detected a single item")
		s.runStreamImport(ctx, stream, url, playlistID)
		return
	}

	stream.Publish(events.Event{Type: events.TypeStart, Message: "fetching collection entries"})
	entries, err := s.Runner.FlatEntries(ctx, url)
	if err != nil {
		stream.Fail(err.Error())
		return
	}
	if len(entries) == 0 {
		stream.Fail("collection is empty or could not be read")
		return
	}
	total := len(entries)
	stream.Publish(events.Event{
		Type:    events.TypePlaylistInfo,
		Total:   total,
		Message: fmt.Sprintf("found %d entries", total),
	})
	stream.Log("starting parallel download with " + strconv.Itoa(concurrency) + " workers")

	var mu sync.Mutex
	var downloaded []library.Track
	var batchID string
	progress := func(task queue.Task, tracks []library.Track, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		downloaded = append(downloaded, tracks...)
		mu.Unlock()
		s.announceTracks(tracks, task.BatchID)
	}

	batchID, err = s.Queue.Enqueue(ctx, entries, playlistID, concurrency, s.queueWorker, progress)
	if err != nil {
		stream.Fail(err.Error())
		return
	}

	ticker := time.NewTicker(batchPollInterval)
	defer ticker.Stop()
	done := s.Queue.Wait(batchID)
	for {
		select {
		case <-ctx.Done():
			s.Queue.Cancel(batchID)
			stream.Fail("import cancelled")
			return
		case <-done:
			status, _ := s.Queue.Status(batchID)
			mu.Lock()
			tracks := append([]library.Track(nil), downloaded...)
			mu.Unlock()
			stream.Complete(events.Event{
				Total:     status.Total,
				Completed: status.Completed,
				Failed:    status.Failed,
				Tracks:    tracks,
			})
			return
		case <-ticker.C:
			status, ok := s.Queue.Status(batchID)
			if !ok {
				continue
			}
			stream.Progress(status.Total, status.Completed, status.Failed, "")
			if s.Hub != nil {
				s.Hub.BatchProgress(batchID, status.Total, status.Completed, status.Failed)
			}
		}
	}
}

// queueWorker is the download queue's per-entry callback.
func (s *Server) queueWorker(ctx context.Context, url, playlistID string) ([]library.Track, error) {
	infos, _, err := s.Runner.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	return s.Ingestor.Ingest(infos, url, playlistID)
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, ok := s.Queue.Status(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        id,
		"total":     status.Total,
		"completed": status.Completed,
		"failed":    status.Failed,
		"finished":  status.Finished(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.Catalog == nil {
		writeJSON(w, http.StatusOK, []catalog.DownloadRecord{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.Catalog.RecentDownloads(limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if records == nil {
		records = []catalog.DownloadRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
