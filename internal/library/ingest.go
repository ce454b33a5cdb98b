package library

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/waya0125/squashterm/internal/ytdlp"
)

// Fallback literals for metadata the extractor could not provide.
const (
	UnknownTitle  = "Unknown Title"
	UnknownArtist = "Unknown Artist"
	UnknownAlbum  = "Unknown Album"
	UnknownGenre  = "Unknown"
)

// Ingestor turns extractor metadata records into library tracks and merges
// them into the store.
type Ingestor struct {
	Store    *Store
	MediaDir string
	Logger   *log.Logger
}

func NewIngestor(store *Store, mediaDir string, logger *log.Logger) *Ingestor {
	if logger == nil {
		logger = log.Default()
	}
	return &Ingestor{Store: store, MediaDir: mediaDir, Logger: logger}
}

// TrackFromInfo derives a Track from one metadata record. Missing fields
// map to the Unknown* fallbacks; the source URL prefers the caller-supplied
// one over what the extractor reports.
func TrackFromInfo(info ytdlp.Info, sourceURL string) Track {
	if sourceURL == "" {
		sourceURL = info.WebpageURL
		if sourceURL == "" {
			sourceURL = info.OriginalURL
		}
	}
	title := info.Track
	if title == "" {
		title = info.Title
	}
	if title == "" {
		title = UnknownTitle
	}
	artist := info.Artist
	if artist == "" {
		artist = info.Uploader
	}
	if artist == "" {
		artist = UnknownArtist
	}
	album := info.Album
	if album == "" {
		album = UnknownAlbum
	}
	genre := info.Genre
	if genre == "" {
		genre = UnknownGenre
	}
	return Track{
		ID:        "yt_" + info.ID,
		Title:     title,
		Artist:    artist,
		Album:     album,
		Cover:     DefaultCover,
		Duration:  FormatDuration(info.Duration),
		BPM:       int(info.BPM),
		Genre:     genre,
		Year:      ParseYear(info),
		SourceURL: sourceURL,
	}
}

// ParseYear resolves a release year from the record, falling back to the
// upload date's leading four digits. Unknown is 0.
func ParseYear(info ytdlp.Info) int {
	if info.ReleaseYear > 0 {
		return info.ReleaseYear
	}
	if info.Year > 0 {
		return info.Year
	}
	if len(info.UploadDate) >= 4 {
		if year, err := strconv.Atoi(info.UploadDate[:4]); err == nil {
			return year
		}
	}
	return 0
}

var coverExts = []string{".webp", ".jpg", ".jpeg", ".png", ".avif"}

// ResolveCover looks for the thumbnail file the extractor wrote next to the
// media, preferring extensions hinted at by the record's thumbnail data.
func (g *Ingestor) ResolveCover(info ytdlp.Info) string {
	if info.ID == "" {
		return ""
	}
	ordered := make([]string, 0, len(coverExts))
	seen := map[string]bool{}
	add := func(ext string) {
		ext = "." + strings.TrimPrefix(strings.ToLower(ext), ".")
		for _, known := range coverExts {
			if ext == known && !seen[ext] {
				ordered = append(ordered, ext)
				seen[ext] = true
			}
		}
	}
	for _, thumb := range info.Thumbnails {
		if thumb.Ext != "" {
			add(thumb.Ext)
		}
		if i := strings.LastIndex(thumb.URL, "."); i >= 0 {
			add(thumb.URL[i:])
		}
	}
	if i := strings.LastIndex(info.Thumbnail, "."); i >= 0 {
		add(info.Thumbnail[i:])
	}
	for _, ext := range coverExts {
		if !seen[ext] {
			ordered = append(ordered, ext)
		}
	}
	for _, ext := range ordered {
		candidate := filepath.Join(g.MediaDir, info.ID+ext)
		if _, err := os.Stat(candidate); err == nil {
			return "/media/" + filepath.Base(candidate)
		}
	}
	return ""
}

// Ingest merges the extracted records into the library under a single
// whole-document rewrite and returns the resulting track views in input
// order.
//
// Merge policy for an already-known ID is fill-if-empty: only a missing
// cover or missing source URL is upgraded; no other field is overwritten.
// When playlistID is set, every resulting track ID is appended to that
// playlist, skipping IDs already present.
func (g *Ingestor) Ingest(infos []ytdlp.Info, sourceURL, playlistID string) ([]Track, error) {
	var result []Track
	err := g.Store.Update(func(doc *Document) error {
		result = result[:0]
		for _, info := range infos {
			track := TrackFromInfo(info, sourceURL)
			if cover := g.ResolveCover(info); cover != "" {
				track.Cover = cover
			}
			fileName := info.ID + ".mp3"
			track.FilePath = filepath.Join(g.MediaDir, fileName)
			track.FileURL = "/media/" + fileName

			if existing := doc.Track(track.ID); existing != nil {
				if !existing.HasCover() && track.HasCover() {
					existing.Cover = track.Cover
				}
				if existing.SourceURL == "" && track.SourceURL != "" {
					existing.SourceURL = track.SourceURL
				}
				result = append(result, *existing)
			} else {
				doc.Tracks = append(doc.Tracks, track)
				result = append(result, track)
			}
		}
		if playlistID != "" {
			if playlist := doc.Playlist(playlistID); playlist != nil {
				ids := make([]string, len(result))
				for i, track := range result {
					ids[i] = track.ID
				}
				playlist.AppendTracks(ids)
			} else {
				g.Logger.Warn("ingest: playlist not found, skipping append", "playlist_id", playlistID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// IngestTrack merges one pre-built track (e.g. a local upload) into the
// library, appending it to playlistID when given.
func (g *Ingestor) IngestTrack(track Track, playlistID string) error {
	return g.Store.Update(func(doc *Document) error {
		if doc.Track(track.ID) == nil {
			doc.Tracks = append(doc.Tracks, track)
		}
		if playlistID != "" {
			if playlist := doc.Playlist(playlistID); playlist != nil {
				playlist.AppendTracks([]string{track.ID})
			}
		}
		return nil
	})
}
