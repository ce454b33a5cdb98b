// Package media handles audio files that arrive outside the download path:
// reading their tags, probing their duration and watching the media
// directory for files dropped in out-of-band.
package media

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	id3v2 "github.com/bogem/id3v2/v2"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/waya0125/squashterm/internal/library"
)

// audioExts are the file extensions treated as library audio.
var audioExts = map[string]bool{
	".mp3":  true,
	".m4a":  true,
	".opus": true,
	".ogg":  true,
	".flac": true,
	".wav":  true,
}

// IsAudioFile reports whether path looks like a supported audio file.
func IsAudioFile(path string) bool {
	return audioExts[strings.ToLower(filepath.Ext(path))]
}

// Tags is the metadata read from an audio file.
type Tags struct {
	Title    string
	Artist   string
	Album    string
	Genre    string
	Year     int
	Duration float64
	// CoverPath is set when embedded artwork was extracted next to the
	// audio file.
	CoverPath string
}

// ReadTags reads ID3 metadata from an mp3 file. Files without a parseable
// tag return zero Tags and no error; the caller falls back to filename
// heuristics.
func ReadTags(path string) (Tags, error) {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		if os.IsNotExist(err) {
			return Tags{}, fmt.Errorf("reading tags from %s: %w", path, err)
		}
		return Tags{}, nil
	}
	defer tag.Close()

	tags := Tags{
		Title:  strings.TrimSpace(tag.Title()),
		Artist: strings.TrimSpace(tag.Artist()),
		Album:  strings.TrimSpace(tag.Album()),
		Genre:  strings.TrimSpace(tag.Genre()),
	}
	if year := strings.TrimSpace(tag.Year()); year != "" && len(year) >= 4 {
		if n, err := strconv.Atoi(year[:4]); err == nil {
			tags.Year = n
		}
	}
	if length := textFrame(tag, "Length"); length != "" {
		if ms, err := strconv.ParseFloat(length, 64); err == nil && ms > 0 {
			tags.Duration = ms / 1000
		}
	}
	if cover := extractCover(tag, path); cover != "" {
		tags.CoverPath = cover
	}
	return tags, nil
}

func textFrame(tag *id3v2.Tag, name string) string {
	frame := tag.GetLastFrame(tag.CommonID(name))
	if tf, ok := frame.(id3v2.TextFrame); ok {
		return strings.TrimSpace(tf.Text)
	}
	return ""
}

// extractCover writes the first embedded picture frame to
// <basename>_cover.<ext> next to the audio file and returns that path.
func extractCover(tag *id3v2.Tag, audioPath string) string {
	frames := tag.GetFrames(tag.CommonID("Attached picture"))
	for _, frame := range frames {
		pic, ok := frame.(id3v2.PictureFrame)
		if !ok || len(pic.Picture) == 0 {
			continue
		}
		ext := ".jpg"
		if strings.Contains(pic.MimeType, "png") {
			ext = ".png"
		}
		base := strings.TrimSuffix(audioPath, filepath.Ext(audioPath))
		coverPath := base + "_cover" + ext
		if err := os.WriteFile(coverPath, pic.Picture, 0o644); err != nil {
			return ""
		}
		return coverPath
	}
	return ""
}

// ProbeDuration asks ffprobe for the stream duration in seconds. Used when
// the tag carries no length, and for non-mp3 formats.
func ProbeDuration(path string) (float64, error) {
	out, err := ffmpeg.Probe(path)
	if err != nil {
		return 0, fmt.Errorf("probing %s: %w", path, err)
	}
	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal([]byte(out), &probe); err != nil {
		return 0, fmt.Errorf("decoding probe output: %w", err)
	}
	seconds, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("unusable probe duration %q: %w", probe.Format.Duration, err)
	}
	return seconds, nil
}

// TrackFromFile builds a library track for an audio file, combining tag
// metadata with filename fallbacks. id must already carry its origin
// prefix.
func TrackFromFile(id, path string) library.Track {
	tags := Tags{}
	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		tags, _ = ReadTags(path)
	}
	if tags.Duration == 0 {
		if seconds, err := ProbeDuration(path); err == nil {
			tags.Duration = seconds
		}
	}

	name := filepath.Base(path)
	title := tags.Title
	if title == "" {
		title = strings.TrimSuffix(name, filepath.Ext(name))
	}
	artist := tags.Artist
	if artist == "" {
		artist = library.UnknownArtist
	}
	album := tags.Album
	if album == "" {
		album = library.UnknownAlbum
	}
	genre := tags.Genre
	if genre == "" {
		genre = library.UnknownGenre
	}
	cover := library.DefaultCover
	if tags.CoverPath != "" {
		cover = "/media/" + filepath.Base(tags.CoverPath)
	}

	return library.Track{
		ID:       id,
		Title:    title,
		Artist:   artist,
		Album:    album,
		Genre:    genre,
		Year:     tags.Year,
		Cover:    cover,
		Duration: library.FormatDuration(tags.Duration),
		FileURL:  "/media/" + name,
		FilePath: path,
	}
}
