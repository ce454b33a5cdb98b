// Package library owns the persisted media library document: tracks,
// playlists and favorites. The document is loaded whole, mutated under one
// lock, and rewritten whole on every change.
package library

import "fmt"

// DefaultCover is the placeholder cover reference assigned until a real
// artwork file is resolved.
const DefaultCover = "/static/images/cover-rise-up.svg"

// Track is one library item. The ID is derived from the extractor's native
// ID with an origin prefix ("yt_", "local_") and never changes once created.
type Track struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	Album     string `json:"album"`
	Cover     string `json:"cover"`
	Duration  string `json:"duration"`
	BPM       int    `json:"bpm"`
	Genre     string `json:"genre"`
	Year      int    `json:"year"`
	FileURL   string `json:"file_url,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
}

// HasCover reports whether the track carries real artwork rather than the
// placeholder.
func (t Track) HasCover() bool {
	return t.Cover != "" && t.Cover != DefaultCover
}

// Playlist is an ordered list of track IDs, optionally kept in sync with a
// remote collection URL.
type Playlist struct {
	ID                      string   `json:"id"`
	Name                    string   `json:"name"`
	TrackIDs                []string `json:"track_ids"`
	AutoSyncURL             string   `json:"auto_sync_url,omitempty"`
	AutoSyncIntervalMinutes int      `json:"auto_sync_interval_minutes,omitempty"`
	// AutoSyncEnabled distinguishes "explicitly disabled" (false) from
	// "not specified" (nil); only an explicit false suppresses syncing.
	AutoSyncEnabled   *bool  `json:"auto_sync_enabled,omitempty"`
	AutoSyncLastRun   string `json:"auto_sync_last_run,omitempty"`
	AutoSyncLastError string `json:"auto_sync_last_error,omitempty"`
}

// SyncDisabled reports whether auto-sync was explicitly switched off.
func (p Playlist) SyncDisabled() bool {
	return p.AutoSyncEnabled != nil && !*p.AutoSyncEnabled
}

// ContainsTrack reports whether id is already in the playlist.
func (p Playlist) ContainsTrack(id string) bool {
	for _, existing := range p.TrackIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// AppendTracks adds ids preserving order and skipping ones already present.
// The track list behaves as a set with insertion order.
func (p *Playlist) AppendTracks(ids []string) {
	for _, id := range ids {
		if !p.ContainsTrack(id) {
			p.TrackIDs = append(p.TrackIDs, id)
		}
	}
}

// ClearAutoSync removes the sync URL and resets all sync bookkeeping. An
// enabled flag without a URL is meaningless, so it is forced off.
func (p *Playlist) ClearAutoSync() {
	p.AutoSyncURL = ""
	p.AutoSyncIntervalMinutes = 0
	disabled := false
	p.AutoSyncEnabled = &disabled
	p.AutoSyncLastRun = ""
	p.AutoSyncLastError = ""
}

// Document is the aggregate root persisted as a single JSON file.
type Document struct {
	Tracks    []Track    `json:"tracks"`
	Playlists []Playlist `json:"playlists"`
	Favorites []string   `json:"favorites"`
}

// Track returns a pointer to the track with the given ID, or nil.
func (d *Document) Track(id string) *Track {
	for i := range d.Tracks {
		if d.Tracks[i].ID == id {
			return &d.Tracks[i]
		}
	}
	return nil
}

// Playlist returns a pointer to the playlist with the given ID, or nil.
func (d *Document) Playlist(id string) *Playlist {
	for i := range d.Playlists {
		if d.Playlists[i].ID == id {
			return &d.Playlists[i]
		}
	}
	return nil
}

// RemoveTrack deletes a track and every reference to it: playlist
// memberships and favorites. It reports whether the track existed.
func (d *Document) RemoveTrack(id string) bool {
	index := -1
	for i := range d.Tracks {
		if d.Tracks[i].ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		return false
	}
	d.Tracks = append(d.Tracks[:index], d.Tracks[index+1:]...)
	for i := range d.Playlists {
		d.Playlists[i].TrackIDs = removeString(d.Playlists[i].TrackIDs, id)
	}
	d.Favorites = removeString(d.Favorites, id)
	return true
}

// RemovePlaylist deletes a playlist, reporting whether it existed.
func (d *Document) RemovePlaylist(id string) bool {
	for i := range d.Playlists {
		if d.Playlists[i].ID == id {
			d.Playlists = append(d.Playlists[:i], d.Playlists[i+1:]...)
			return true
		}
	}
	return false
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}

// FormatDuration renders whole seconds as a m:ss display string, "--" when
// the duration is unknown.
func FormatDuration(seconds float64) string {
	total := int(seconds)
	if total <= 0 {
		return "--"
	}
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
