package web

import (
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/waya0125/squashterm/internal/library"
	"github.com/waya0125/squashterm/internal/media"
)

// handleUpload ingests a locally supplied audio file. Metadata comes from
// the form fields first, then from the file's own tags unless auto_tag is
// switched off.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		writeJSONError(w, http.StatusBadRequest, "file is required")
		return
	}

	if err := os.MkdirAll(s.MediaDir, 0o755); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "cannot create media directory")
		return
	}

	ext := filepath.Ext(header.Filename)
	if ext == "" {
		ext = ".mp3"
	}
	trackID := "local_" + uuid.NewString()
	path := filepath.Join(s.MediaDir, trackID+ext)
	if err := saveUploadedFile(file, path); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "saving uploaded file failed")
		return
	}

	autoTag := parseFormBool(r.FormValue("auto_tag"), true)
	var track library.Track
	if autoTag {
		track = media.TrackFromFile(trackID, path)
	} else {
		track = library.Track{
			ID:       trackID,
			Artist:   library.UnknownArtist,
			Album:    library.UnknownAlbum,
			Genre:    library.UnknownGenre,
			Cover:    library.DefaultCover,
			Duration: "--",
			FileURL:  "/media/" + filepath.Base(path),
			FilePath: path,
		}
	}

	// Explicit form fields win over tag metadata.
	if v := r.FormValue("title"); v != "" {
		track.Title = v
	}
	if track.Title == "" {
		track.Title = library.UnknownTitle
	}
	if v := r.FormValue("artist"); v != "" {
		track.Artist = v
	}
	if v := r.FormValue("album"); v != "" {
		track.Album = v
	}
	if v := r.FormValue("genre"); v != "" {
		track.Genre = v
	}
	if v := r.FormValue("year"); v != "" {
		if year, err := strconv.Atoi(v); err == nil && year > 0 {
			track.Year = year
		}
	}
	if v := r.FormValue("source_url"); v != "" {
		track.SourceURL = v
	}

	if coverFile, coverHeader, err := r.FormFile("cover"); err == nil {
		defer coverFile.Close()
		if coverURL := s.saveUploadedCover(coverFile, coverHeader, trackID); coverURL != "" {
			track.Cover = coverURL
		}
	}

	if err := s.Ingestor.IngestTrack(track, r.FormValue("playlist_id")); err != nil {
		writeAppError(w, err)
		return
	}
	s.announceTracks([]library.Track{track}, "")
	writeJSON(w, http.StatusCreated, track)
}

func saveUploadedFile(src multipart.File, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// saveUploadedCover writes the cover upload next to the track file and
// returns its public URL, or "" when the write fails.
func (s *Server) saveUploadedCover(src multipart.File, header *multipart.FileHeader, trackID string) string {
	ext := filepath.Ext(header.Filename)
	if ext == "" {
		ext = extensionFromMime(header.Header.Get("Content-Type"))
	}
	if ext == "" {
		ext = ".jpg"
	}
	name := trackID + "_cover" + ext
	path := filepath.Join(s.MediaDir, name)
	if err := saveUploadedFile(src, path); err != nil {
		s.Logger.Warn("saving cover upload", "error", err)
		return ""
	}
	return "/media/" + name
}

func extensionFromMime(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/avif":
		return ".avif"
	}
	return ""
}

func parseFormBool(value string, fallback bool) bool {
	if value == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
