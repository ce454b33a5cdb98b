// Package web exposes the library, import and sync operations over HTTP:
// JSON CRUD routes, SSE import streams and static media serving.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/waya0125/squashterm/internal/apperr"
	"github.com/waya0125/squashterm/internal/autosync"
	"github.com/waya0125/squashterm/internal/catalog"
	"github.com/waya0125/squashterm/internal/events"
	"github.com/waya0125/squashterm/internal/library"
	"github.com/waya0125/squashterm/internal/queue"
	"github.com/waya0125/squashterm/internal/ws"
	"github.com/waya0125/squashterm/internal/ytdlp"
)

const maxRequestBodyBytes = 1 << 20 // 1 MiB

// maxUploadBytes bounds multipart upload bodies.
const maxUploadBytes = 256 << 20

// Version is stamped at build time.
var Version = "dev"

// Downloader is the slice of the extraction runner the server calls.
type Downloader interface {
	Download(ctx context.Context, url string) ([]ytdlp.Info, string, error)
	StreamDownload(ctx context.Context, url string, stream *events.Stream) ([]ytdlp.Info, error)
	FlatEntries(ctx context.Context, url string) ([]ytdlp.Entry, error)
}

// Server wires the HTTP surface to the library components.
type Server struct {
	Store       *library.Store
	Ingestor    *library.Ingestor
	Runner      Downloader
	Queue       queue.Queue
	Syncer      *autosync.Syncer
	Hub         *ws.Hub
	Catalog     *catalog.DB
	Logger      *log.Logger
	DataDir     string
	MediaDir    string
	StaticDir   string
	Concurrency int

	startedAt time.Time
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/settings", s.handleSettings)
	mux.HandleFunc("GET /api/system", s.handleSystem)

	mux.HandleFunc("GET /api/library/tracks", s.handleListTracks)
	mux.HandleFunc("PATCH /api/library/tracks/{id}", s.handleUpdateTrack)
	mux.HandleFunc("DELETE /api/library/tracks/{id}", s.handleDeleteTrack)

	mux.HandleFunc("GET /api/playlists", s.handleListPlaylists)
	mux.HandleFunc("POST /api/playlists", s.handleCreatePlaylist)
	mux.HandleFunc("PUT /api/playlists/{id}", s.handleUpdatePlaylist)
	mux.HandleFunc("DELETE /api/playlists/{id}", s.handleDeletePlaylist)
	mux.HandleFunc("POST /api/playlists/{id}/sync", s.handleSyncPlaylist)

	mux.HandleFunc("GET /api/favorites", s.handleGetFavorites)
	mux.HandleFunc("PUT /api/favorites", s.handlePutFavorites)

	mux.HandleFunc("POST /api/library/import", s.handleImport)
	mux.HandleFunc("POST /api/library/import/stream", s.handleImportStream)
	mux.HandleFunc("POST /api/library/import/playlist-batch", s.handleImportPlaylistBatch)
	mux.HandleFunc("GET /api/batches/{id}", s.handleBatchStatus)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("POST /api/library/upload", s.handleUpload)

	mux.Handle("GET /media/", http.StripPrefix("/media/",
		http.FileServer(http.Dir(s.MediaDir))))
	if s.StaticDir != "" {
		mux.Handle("GET /static/", http.StripPrefix("/static/",
			http.FileServer(http.Dir(s.StaticDir))))
	}
	if s.Hub != nil {
		mux.HandleFunc("GET /ws", s.Hub.HandleWS)
	}

	return withSecurityHeaders(mux)
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := os.MkdirAll(s.MediaDir, 0o755); err != nil {
		return fmt.Errorf("creating media directory: %w", err)
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Import streams stay open for the length of a download.
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "squashterm",
		"version": Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"uptime":  time.Since(s.startedAt).Truncate(time.Second).String(),
	})
}

type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) *requestError {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return &requestError{http.StatusUnsupportedMediaType, "content type must be application/json"}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return &requestError{http.StatusRequestEntityTooLarge, "request body too large"}
		}
		return &requestError{http.StatusBadRequest, "invalid JSON payload"}
	}
	if err := dec.Decode(new(struct{})); err != io.EOF {
		return &requestError{http.StatusBadRequest, "invalid JSON payload"}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps a classified error onto its HTTP status.
func writeAppError(w http.ResponseWriter, err error) {
	writeJSONError(w, apperr.HTTPStatus(err), err.Error())
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, enc *json.Encoder, evt events.Event) {
	fmt.Fprintf(w, "data: ")
	_ = enc.Encode(evt)
	fmt.Fprintf(w, "\n")
	flusher.Flush()
}

// streamEvents drains stream onto an SSE response. The stream's terminal
// event ends the response.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, stream *events.Stream) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-stream.Events():
			if !ok {
				return
			}
			writeSSEEvent(w, flusher, enc, evt)
		}
	}
}
