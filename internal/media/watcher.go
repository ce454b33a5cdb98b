package media

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/waya0125/squashterm/internal/library"
)

// settleDelay is how long a new file must sit unchanged before it is
// ingested. Copies into the media dir arrive as a burst of write events.
const settleDelay = 2 * time.Second

// knownTrackFile reports whether the file already belongs to the library:
// downloaded files are named <id>.<ext> for yt_ tracks and uploads carry
// the local_ prefix.
func knownTrackFile(doc *library.Document, name string) bool {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	for _, candidate := range []string{"yt_" + stem, stem} {
		if doc.Track(candidate) != nil {
			return true
		}
	}
	return false
}

// Scan walks the media directory once and ingests audio files the library
// does not know about. Returns the number of tracks added.
func Scan(store *library.Store, mediaDir string, logger *log.Logger) (int, error) {
	entries, err := os.ReadDir(mediaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !IsAudioFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	added := 0
	for _, name := range names {
		ok, err := ingestFile(store, filepath.Join(mediaDir, name))
		if err != nil {
			logger.Warn("skipping media file", "file", name, "error", err)
			continue
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// ingestFile adds one on-disk audio file as a local_ track. Files already
// represented in the library are left alone.
func ingestFile(store *library.Store, path string) (bool, error) {
	name := filepath.Base(path)
	added := false
	err := store.Update(func(doc *library.Document) error {
		if knownTrackFile(doc, name) {
			return nil
		}
		for _, track := range doc.Tracks {
			if track.FilePath == path || track.FileURL == "/media/"+name {
				return nil
			}
		}
		track := TrackFromFile("local_"+uuid.NewString(), path)
		doc.Tracks = append(doc.Tracks, track)
		added = true
		return nil
	})
	return added, err
}

// Watcher ingests audio files dropped into the media directory while the
// server is running.
type Watcher struct {
	Store    *library.Store
	MediaDir string
	Logger   *log.Logger
	OnTrack  func(library.Track)
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.MediaDir); err != nil {
		return err
	}
	w.Logger.Info("watching media directory", "dir", w.MediaDir)

	// Pending files wait for their write burst to settle before ingest.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(settleDelay / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if IsAudioFile(event.Name) {
				pending[event.Name] = time.Now()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("media watcher error", "error", err)
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < settleDelay {
					continue
				}
				delete(pending, path)
				w.ingest(path)
			}
		}
	}
}

func (w *Watcher) ingest(path string) {
	added, err := ingestFile(w.Store, path)
	if err != nil {
		w.Logger.Warn("ingesting dropped file", "file", filepath.Base(path), "error", err)
		return
	}
	if !added {
		return
	}
	w.Logger.Info("ingested dropped file", "file", filepath.Base(path))
	if w.OnTrack != nil {
		w.Store.View(func(doc *library.Document) error {
			for _, track := range doc.Tracks {
				if track.FilePath == path {
					w.OnTrack(track)
					break
				}
			}
			return nil
		})
	}
}
