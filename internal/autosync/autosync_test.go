package autosync

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/waya0125/squashterm/internal/apperr"
	"github.com/waya0125/squashterm/internal/library"
	"github.com/waya0125/squashterm/internal/ytdlp"
)

type fakeRemote struct {
	mu       sync.Mutex
	entries  []ytdlp.Entry
	failURLs map[string]bool
	fetched  []string
}

func (f *fakeRemote) FlatEntries(ctx context.Context, url string) ([]ytdlp.Entry, error) {
	return f.entries, nil
}

func (f *fakeRemote) Download(ctx context.Context, url string) ([]ytdlp.Info, string, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	f.mu.Unlock()
	if f.failURLs[url] {
		return nil, "", fmt.Errorf("extraction failed")
	}
	id := url[strings.LastIndex(url, "=")+1:]
	return []ytdlp.Info{{ID: id, Title: "Title " + id, WebpageURL: url}}, "", nil
}

func newTestSyncer(t *testing.T, remote *fakeRemote) (*Syncer, *library.Store) {
	t.Helper()
	dir := t.TempDir()
	store := library.NewStore(filepath.Join(dir, "library.json"))
	ingestor := library.NewIngestor(store, filepath.Join(dir, "media"), nil)
	return NewSyncer(store, ingestor, remote, remote, nil), store
}

func watchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

func boolPtr(b bool) *bool { return &b }

func TestDuePredicate(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	ago := func(minutes int) string {
		return now.Add(-time.Duration(minutes) * time.Minute).Format(lastRunLayout)
	}

	tests := []struct {
		name     string
		playlist library.Playlist
		want     bool
	}{
		{"no url", library.Playlist{AutoSyncIntervalMinutes: 30}, false},
		{"no interval", library.Playlist{AutoSyncURL: "u"}, false},
		{"negative interval", library.Playlist{AutoSyncURL: "u", AutoSyncIntervalMinutes: -5}, false},
		{"explicitly disabled", library.Playlist{
			AutoSyncURL: "u", AutoSyncIntervalMinutes: 30,
			AutoSyncEnabled: boolPtr(false), AutoSyncLastRun: ago(120),
		}, false},
		{"never run", library.Playlist{AutoSyncURL: "u", AutoSyncIntervalMinutes: 30}, true},
		{"elapsed 31 of 30", library.Playlist{
			AutoSyncURL: "u", AutoSyncIntervalMinutes: 30, AutoSyncLastRun: ago(31),
		}, true},
		{"elapsed 29 of 30", library.Playlist{
			AutoSyncURL: "u", AutoSyncIntervalMinutes: 30, AutoSyncLastRun: ago(29),
		}, false},
		{"malformed last run", library.Playlist{
			AutoSyncURL: "u", AutoSyncIntervalMinutes: 30, AutoSyncLastRun: "yesterday-ish",
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Due(tt.playlist, now); got != tt.want {
				t.Errorf("Due = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSyncAddsOnlyMissing(t *testing.T) {
	// Real-length video IDs so the short-URL form normalizes too.
	idA, idB, idC := "aaaaaaaaaaa", "bbbbbbbbbbb", "ccccccccccc"
	remote := &fakeRemote{entries: []ytdlp.Entry{
		{ID: idA, URL: idA, IEKey: "Youtube"},
		{ID: idB, URL: idB, IEKey: "Youtube"},
		{ID: idC, URL: idC, IEKey: "Youtube"},
	}}
	syncer, store := newTestSyncer(t, remote)

	err := store.Update(func(doc *library.Document) error {
		doc.Tracks = []library.Track{
			{ID: "yt_" + idA, Title: "A", SourceURL: watchURL(idA)},
			{ID: "yt_" + idB, Title: "B", SourceURL: "https://youtu.be/" + idB},
		}
		doc.Playlists = []library.Playlist{{
			ID: "pl_1", Name: "Mix",
			TrackIDs:                []string{"yt_" + idA, "yt_" + idB},
			AutoSyncURL:             "https://www.youtube.com/playlist?list=PLx",
			AutoSyncIntervalMinutes: 30,
		}}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}

	result, err := syncer.Sync(context.Background(), "pl_1")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Missing != 1 || result.Added != 1 || len(result.Errors) != 0 {
		t.Fatalf("result = %+v, want missing 1 added 1", result)
	}
	// The second track was stored under a short URL; normalization must
	// still match it so only the third entry is fetched.
	if len(remote.fetched) != 1 || remote.fetched[0] != watchURL(idC) {
		t.Errorf("fetched = %v, want only %s", remote.fetched, watchURL(idC))
	}

	store.View(func(doc *library.Document) error {
		pl := doc.Playlist("pl_1")
		want := []string{"yt_" + idA, "yt_" + idB, "yt_" + idC}
		if len(pl.TrackIDs) != len(want) {
			t.Fatalf("track ids = %v, want %v", pl.TrackIDs, want)
		}
		for i, id := range want {
			if pl.TrackIDs[i] != id {
				t.Errorf("track ids = %v, want %v", pl.TrackIDs, want)
				break
			}
		}
		if pl.AutoSyncLastRun == "" {
			t.Error("last run not recorded")
		}
		lastRun, err := time.Parse(lastRunLayout, pl.AutoSyncLastRun)
		if err != nil {
			t.Errorf("last run %q unparseable: %v", pl.AutoSyncLastRun, err)
		} else if d := time.Now().UTC().Sub(lastRun); d < 0 || d > time.Minute {
			// The layout carries no zone, so the stored value has to be
			// UTC for readers to agree on the instant.
			t.Errorf("last run %q is %v away from UTC now", pl.AutoSyncLastRun, d)
		}
		if pl.AutoSyncLastError != "" {
			t.Errorf("last error = %q, want empty", pl.AutoSyncLastError)
		}
		return nil
	})
}

func TestSyncSoftItemFailures(t *testing.T) {
	remote := &fakeRemote{
		entries: []ytdlp.Entry{
			{ID: "aaa", URL: "aaa", IEKey: "Youtube"},
			{ID: "bbb", URL: "bbb", IEKey: "Youtube"},
		},
		failURLs: map[string]bool{watchURL("aaa"): true},
	}
	syncer, store := newTestSyncer(t, remote)
	err := store.Update(func(doc *library.Document) error {
		doc.Playlists = []library.Playlist{{
			ID: "pl_1", AutoSyncURL: "https://example.com/list", AutoSyncIntervalMinutes: 10,
		}}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}

	result, err := syncer.Sync(context.Background(), "pl_1")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Missing != 2 || result.Added != 1 {
		t.Fatalf("result = %+v, want missing 2 added 1", result)
	}
	if len(result.Errors) != 1 || !strings.HasPrefix(result.Errors[0], watchURL("aaa")+": ") {
		t.Fatalf("errors = %v, want one prefixed with the failing url", result.Errors)
	}

	store.View(func(doc *library.Document) error {
		pl := doc.Playlist("pl_1")
		if pl.AutoSyncLastError != result.Errors[0] {
			t.Errorf("last error = %q, want %q", pl.AutoSyncLastError, result.Errors[0])
		}
		if !pl.ContainsTrack("yt_bbb") {
			t.Errorf("surviving item not appended: %v", pl.TrackIDs)
		}
		return nil
	})
}

func TestSyncHardErrors(t *testing.T) {
	remote := &fakeRemote{}
	syncer, store := newTestSyncer(t, remote)
	err := store.Update(func(doc *library.Document) error {
		doc.Playlists = []library.Playlist{{ID: "pl_nosync", Name: "Plain"}}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}

	if _, err := syncer.Sync(context.Background(), "pl_missing"); apperr.CategoryOf(err) != apperr.CategoryNotFound {
		t.Errorf("unknown playlist: category = %v, want not_found (err=%v)", apperr.CategoryOf(err), err)
	}
	if _, err := syncer.Sync(context.Background(), "pl_nosync"); apperr.CategoryOf(err) != apperr.CategoryInvalid {
		t.Errorf("missing sync url: category = %v, want invalid (err=%v)", apperr.CategoryOf(err), err)
	}
}

func TestConcurrentSyncsDoNotLoseWrites(t *testing.T) {
	remote := &fakeRemote{}
	syncer, store := newTestSyncer(t, remote)
	err := store.Update(func(doc *library.Document) error {
		doc.Playlists = []library.Playlist{
			{ID: "pl_a", AutoSyncURL: "https://example.com/a", AutoSyncIntervalMinutes: 5},
			{ID: "pl_b", AutoSyncURL: "https://example.com/b", AutoSyncIntervalMinutes: 5},
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range []string{"pl_a", "pl_b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := syncer.Sync(context.Background(), id); err != nil {
				t.Errorf("Sync %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	store.View(func(doc *library.Document) error {
		for _, id := range []string{"pl_a", "pl_b"} {
			if doc.Playlist(id).AutoSyncLastRun == "" {
				t.Errorf("playlist %s lost its last-run write", id)
			}
		}
		return nil
	})
}
