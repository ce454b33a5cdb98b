package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/waya0125/squashterm/internal/autosync"
	"github.com/waya0125/squashterm/internal/events"
	"github.com/waya0125/squashterm/internal/library"
	"github.com/waya0125/squashterm/internal/queue"
	"github.com/waya0125/squashterm/internal/ytdlp"
)

type fakeDownloader struct {
	flat     []ytdlp.Entry
	failURLs map[string]bool
}

func (f *fakeDownloader) infosFor(url string) ([]ytdlp.Info, error) {
	if f.failURLs[url] {
		return nil, fmt.Errorf("download failed for %s", url)
	}
	id := url[strings.LastIndex(url, "=")+1:]
	return []ytdlp.Info{{ID: id, Title: "Title " + id, WebpageURL: url}}, nil
}

func (f *fakeDownloader) Download(ctx context.Context, url string) ([]ytdlp.Info, string, error) {
	infos, err := f.infosFor(url)
	return infos, "log output", err
}

func (f *fakeDownloader) StreamDownload(ctx context.Context, url string, stream *events.Stream) ([]ytdlp.Info, error) {
	stream.Log("[download] fetching " + url)
	stream.Publish(events.Event{Type: events.TypeProgress, Value: 100})
	return f.infosFor(url)
}

func (f *fakeDownloader) FlatEntries(ctx context.Context, url string) ([]ytdlp.Entry, error) {
	return f.flat, nil
}

func newTestServer(t *testing.T) (*Server, *fakeDownloader) {
	t.Helper()
	dir := t.TempDir()
	logger := log.New(io.Discard)
	store := library.NewStore(filepath.Join(dir, "library.json"))
	mediaDir := filepath.Join(dir, "media")
	ingestor := library.NewIngestor(store, mediaDir, logger)
	runner := &fakeDownloader{}
	server := &Server{
		Store:       store,
		Ingestor:    ingestor,
		Runner:      runner,
		Queue:       queue.NewPoolQueue(0, logger),
		Syncer:      autosync.NewSyncer(store, ingestor, runner, runner, logger),
		Logger:      logger,
		DataDir:     dir,
		MediaDir:    mediaDir,
		Concurrency: 2,
	}
	return server, runner
}

func doJSON(t *testing.T, handler http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return out
}

func seedTrack(t *testing.T, server *Server, track library.Track) {
	t.Helper()
	err := server.Store.Update(func(doc *library.Document) error {
		doc.Tracks = append(doc.Tracks, track)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTrackCRUD(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()
	seedTrack(t, server, library.Track{ID: "yt_one", Title: "Original", Artist: "Someone"})

	rec := doJSON(t, handler, http.MethodGet, "/api/library/tracks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	tracks := decodeBody[[]library.Track](t, rec)
	if len(tracks) != 1 || tracks[0].ID != "yt_one" {
		t.Fatalf("tracks = %+v", tracks)
	}

	rec = doJSON(t, handler, http.MethodPatch, "/api/library/tracks/yt_one",
		map[string]string{"title": "Renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[library.Track](t, rec)
	if updated.Title != "Renamed" || updated.Artist != "Someone" {
		t.Errorf("updated = %+v", updated)
	}

	rec = doJSON(t, handler, http.MethodPatch, "/api/library/tracks/yt_missing",
		map[string]string{"title": "X"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("patch missing status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/library/tracks/yt_one", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodDelete, "/api/library/tracks/yt_one", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestDeleteTrackCleansReferences(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()
	seedTrack(t, server, library.Track{ID: "yt_gone", Title: "Doomed"})
	err := server.Store.Update(func(doc *library.Document) error {
		doc.Playlists = []library.Playlist{{ID: "pl_1", Name: "Mix", TrackIDs: []string{"yt_gone"}}}
		doc.Favorites = []string{"yt_gone"}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if rec := doJSON(t, handler, http.MethodDelete, "/api/library/tracks/yt_gone", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	server.Store.View(func(doc *library.Document) error {
		if len(doc.Playlists[0].TrackIDs) != 0 {
			t.Errorf("playlist still references removed track: %v", doc.Playlists[0].TrackIDs)
		}
		if len(doc.Favorites) != 0 {
			t.Errorf("favorites still reference removed track: %v", doc.Favorites)
		}
		return nil
	})
}

func TestPlaylistCreateAndClearSync(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/playlists", map[string]any{
		"name":                       "Road Mix",
		"auto_sync_url":              "https://www.youtube.com/playlist?list=PLx",
		"auto_sync_interval_minutes": 30,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[library.Playlist](t, rec)
	if !strings.HasPrefix(created.ID, "pl_") {
		t.Errorf("id = %q", created.ID)
	}
	if created.AutoSyncEnabled == nil || !*created.AutoSyncEnabled {
		t.Error("full sync config should default to enabled")
	}

	// Clearing the URL must force-disable sync and reset bookkeeping.
	rec = doJSON(t, handler, http.MethodPut, "/api/playlists/"+created.ID,
		map[string]any{"auto_sync_url": ""})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[library.Playlist](t, rec)
	if updated.AutoSyncURL != "" {
		t.Errorf("sync url not cleared: %q", updated.AutoSyncURL)
	}
	if updated.AutoSyncEnabled == nil || *updated.AutoSyncEnabled {
		t.Error("clearing the url must disable sync")
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/playlists", map[string]any{"name": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank name status = %d", rec.Code)
	}
}

func TestFavoritesRoundTrip(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	rec := doJSON(t, handler, http.MethodPut, "/api/favorites",
		map[string]any{"track_ids": []string{"yt_a", "yt_b"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/favorites", nil)
	favorites := decodeBody[[]string](t, rec)
	if len(favorites) != 2 || favorites[0] != "yt_a" {
		t.Errorf("favorites = %v", favorites)
	}
}

func TestImportBlocking(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/library/import",
		map[string]string{"url": "https://www.youtube.com/watch?v=abc123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[struct {
		Tracks []library.Track `json:"tracks"`
		Log    string          `json:"log"`
	}](t, rec)
	if len(resp.Tracks) != 1 || resp.Tracks[0].ID != "yt_abc123" {
		t.Fatalf("tracks = %+v", resp.Tracks)
	}
	if resp.Log == "" {
		t.Error("log output missing")
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/library/import", map[string]string{"url": ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty url status = %d", rec.Code)
	}
}

func parseSSE(t *testing.T, body string) []events.Event {
	t.Helper()
	var parsed []events.Event
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt events.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("parsing SSE line %q: %v", line, err)
		}
		parsed = append(parsed, evt)
	}
	return parsed
}

func TestImportStream(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/library/import/stream",
		map[string]string{"url": "https://www.youtube.com/watch?v=xyz789"})
	if rec.Code != http.StatusOK {
		t.Fatalf("stream status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	evts := parseSSE(t, rec.Body.String())
	if len(evts) == 0 {
		t.Fatal("no events")
	}
	last := evts[len(evts)-1]
	if last.Type != events.TypeComplete {
		t.Fatalf("terminal event = %+v", last)
	}
	if last.Completed != 1 {
		t.Errorf("completed = %d, want 1", last.Completed)
	}
	for _, evt := range evts[:len(evts)-1] {
		if evt.Terminal() {
			t.Errorf("terminal event before the end: %+v", evt)
		}
	}
}

func TestImportStreamFailure(t *testing.T) {
	server, runner := newTestServer(t)
	handler := server.Handler()
	url := "https://www.youtube.com/watch?v=broken99999"
	runner.failURLs = map[string]bool{url: true}

	rec := doJSON(t, handler, http.MethodPost, "/api/library/import/stream",
		map[string]string{"url": url})
	evts := parseSSE(t, rec.Body.String())
	if len(evts) == 0 {
		t.Fatal("no events")
	}
	last := evts[len(evts)-1]
	if last.Type != events.TypeError || last.Message == "" {
		t.Fatalf("terminal event = %+v, want error with message", last)
	}
}

func TestImportPlaylistBatch(t *testing.T) {
	server, runner := newTestServer(t)
	handler := server.Handler()
	runner.flat = []ytdlp.Entry{
		{ID: "one", URL: "https://www.youtube.com/watch?v=one", IEKey: "Youtube"},
		{ID: "two", URL: "https://www.youtube.com/watch?v=two", IEKey: "Youtube"},
		{ID: "three", URL: "https://www.youtube.com/watch?v=three", IEKey: "Youtube"},
	}
	runner.failURLs = map[string]bool{"https://www.youtube.com/watch?v=two": true}

	rec := doJSON(t, handler, http.MethodPost, "/api/library/import/playlist-batch",
		map[string]any{"url": "https://www.youtube.com/playlist?list=PLx", "concurrency": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("batch status = %d: %s", rec.Code, rec.Body.String())
	}

	evts := parseSSE(t, rec.Body.String())
	if len(evts) == 0 {
		t.Fatal("no events")
	}

	var sawPlaylistInfo bool
	for i, evt := range evts {
		if evt.Type == events.TypePlaylistInfo {
			sawPlaylistInfo = true
			if evt.Total != 3 {
				t.Errorf("playlist_info total = %d, want 3", evt.Total)
			}
			for _, earlier := range evts[:i] {
				if earlier.Type == events.TypeProgress {
					t.Error("progress event before playlist_info")
				}
			}
		}
	}
	if !sawPlaylistInfo {
		t.Error("no playlist_info event")
	}

	last := evts[len(evts)-1]
	if last.Type != events.TypeComplete {
		t.Fatalf("terminal event = %+v", last)
	}
	if last.Total != 3 || last.Completed != 2 || last.Failed != 1 {
		t.Errorf("final counts = total %d completed %d failed %d", last.Total, last.Completed, last.Failed)
	}

	server.Store.View(func(doc *library.Document) error {
		if len(doc.Tracks) != 2 {
			t.Errorf("library tracks = %d, want 2", len(doc.Tracks))
		}
		return nil
	})
}

func TestImportPlaylistBatchSingleURL(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	// A watch URL with a list parameter still counts as one video.
	rec := doJSON(t, handler, http.MethodPost, "/api/library/import/playlist-batch",
		map[string]any{"url": "https://www.youtube.com/watch?v=solo456&list=PLx"})
	evts := parseSSE(t, rec.Body.String())
	if len(evts) == 0 {
		t.Fatal("no events")
	}
	last := evts[len(evts)-1]
	if last.Type != events.TypeComplete || last.Completed != 1 {
		t.Fatalf("terminal event = %+v, want complete with one track", last)
	}
	for _, evt := range evts {
		if evt.Type == events.TypePlaylistInfo {
			t.Error("single item import emitted playlist_info")
		}
	}
}

func TestBatchStatusUnknown(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/batches/task_unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSyncPlaylistRoute(t *testing.T) {
	server, runner := newTestServer(t)
	handler := server.Handler()
	runner.flat = []ytdlp.Entry{
		{ID: "fresh", URL: "https://www.youtube.com/watch?v=fresh", IEKey: "Youtube"},
	}
	err := server.Store.Update(func(doc *library.Document) error {
		doc.Playlists = []library.Playlist{{
			ID: "pl_sync", Name: "Synced",
			AutoSyncURL:             "https://www.youtube.com/playlist?list=PLs",
			AutoSyncIntervalMinutes: 15,
		}}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/playlists/pl_sync/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d: %s", rec.Code, rec.Body.String())
	}
	result := decodeBody[autosync.Result](t, rec)
	if result.Added != 1 || result.Missing != 1 {
		t.Errorf("result = %+v", result)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/playlists/pl_missing/sync", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing playlist sync status = %d", rec.Code)
	}
}

func TestUpload(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", "demo.mp3")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("fake audio payload"))
	form.WriteField("title", "Uploaded Song")
	form.WriteField("artist", "Uploader")
	form.WriteField("auto_tag", "false")
	form.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/library/upload", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}
	track := decodeBody[library.Track](t, rec)
	if !strings.HasPrefix(track.ID, "local_") {
		t.Errorf("id = %q", track.ID)
	}
	if track.Title != "Uploaded Song" || track.Artist != "Uploader" {
		t.Errorf("track = %+v", track)
	}

	server.Store.View(func(doc *library.Document) error {
		if len(doc.Tracks) != 1 {
			t.Errorf("tracks = %d, want 1", len(doc.Tracks))
		}
		return nil
	})
}

func TestUploadMissingFile(t *testing.T) {
	server, _ := newTestServer(t)
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	form.WriteField("title", "No File")
	form.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/library/upload", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSettingsRoute(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/settings", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody[map[string]any](t, rec)
	version, ok := payload["version"].(map[string]any)
	if !ok || version["app"] == "" {
		t.Errorf("version = %v", payload["version"])
	}
	if _, ok := payload["storage"].(map[string]any); !ok {
		t.Errorf("storage = %v", payload["storage"])
	}
	options, ok := payload["playback_options"].([]any)
	if !ok || len(options) == 0 {
		t.Errorf("playback_options = %v", payload["playback_options"])
	}

	// The first request materializes an editable settings file.
	if _, err := os.Stat(filepath.Join(server.DataDir, settingsFileName)); err != nil {
		t.Errorf("settings file not created: %v", err)
	}
	again := doJSON(t, server.Handler(), http.MethodGet, "/api/settings", nil)
	if again.Code != http.StatusOK {
		t.Errorf("second read = %d", again.Code)
	}
}

func TestSystemRoute(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/system", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody[map[string]any](t, rec)
	storage, ok := payload["storage"].(map[string]any)
	if !ok {
		t.Fatalf("storage = %v", payload["storage"])
	}
	total, _ := storage["total_gb"].(float64)
	if total <= 0 {
		t.Errorf("total_gb = %v", storage["total_gb"])
	}
	if payload["os"] == "" {
		t.Error("os field empty")
	}
}

func TestStatusRoute(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	payload := decodeBody[map[string]any](t, rec)
	if payload["service"] != "squashterm" {
		t.Errorf("payload = %v", payload)
	}
}
