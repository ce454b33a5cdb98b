package web

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/waya0125/squashterm/internal/apperr"
	"github.com/waya0125/squashterm/internal/library"
)

func trackNotFound(id string) error {
	return apperr.Errorf(apperr.CategoryNotFound, "track %s not found", id)
}

func playlistNotFound(id string) error {
	return apperr.Errorf(apperr.CategoryNotFound, "playlist %s not found", id)
}

// TrackUpdate carries a partial track edit; nil fields are left alone.
type TrackUpdate struct {
	Title     *string `json:"title"`
	Artist    *string `json:"artist"`
	Album     *string `json:"album"`
	Genre     *string `json:"genre"`
	Year      *int    `json:"year"`
	SourceURL *string `json:"source_url"`
}

// PlaylistCreate is the creation payload.
type PlaylistCreate struct {
	Name                    string   `json:"name"`
	TrackIDs                []string `json:"track_ids"`
	AutoSyncURL             string   `json:"auto_sync_url"`
	AutoSyncIntervalMinutes int      `json:"auto_sync_interval_minutes"`
	AutoSyncEnabled         *bool    `json:"auto_sync_enabled"`
}

// PlaylistUpdate carries a partial playlist edit; nil fields are left
// alone. An explicit empty AutoSyncURL clears the sync configuration.
type PlaylistUpdate struct {
	Name                    *string   `json:"name"`
	TrackIDs                *[]string `json:"track_ids"`
	AutoSyncURL             *string   `json:"auto_sync_url"`
	AutoSyncIntervalMinutes *int      `json:"auto_sync_interval_minutes"`
	AutoSyncEnabled         *bool     `json:"auto_sync_enabled"`
}

// FavoritesUpdate replaces the favorites list wholesale.
type FavoritesUpdate struct {
	TrackIDs []string `json:"track_ids"`
}

func (s *Server) handleListTracks(w http.ResponseWriter, r *http.Request) {
	var tracks []library.Track
	err := s.Store.View(func(doc *library.Document) error {
		tracks = append(tracks, doc.Tracks...)
		return nil
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	if tracks == nil {
		tracks = []library.Track{}
	}
	writeJSON(w, http.StatusOK, tracks)
}

func (s *Server) handleUpdateTrack(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var payload TrackUpdate
	if reqErr := decodeJSONBody(w, r, &payload); reqErr != nil {
		writeJSONError(w, reqErr.status, reqErr.message)
		return
	}

	var updated library.Track
	err := s.Store.Update(func(doc *library.Document) error {
		track := doc.Track(id)
		if track == nil {
			return trackNotFound(id)
		}
		if payload.Title != nil {
			track.Title = *payload.Title
		}
		if payload.Artist != nil {
			track.Artist = *payload.Artist
		}
		if payload.Album != nil {
			track.Album = *payload.Album
		}
		if payload.Genre != nil {
			track.Genre = *payload.Genre
		}
		if payload.Year != nil {
			track.Year = *payload.Year
		}
		if payload.SourceURL != nil {
			track.SourceURL = *payload.SourceURL
		}
		updated = *track
		return nil
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTrack(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var removed library.Track
	err := s.Store.Update(func(doc *library.Document) error {
		track := doc.Track(id)
		if track == nil {
			return trackNotFound(id)
		}
		removed = *track
		doc.RemoveTrack(id)
		return nil
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	s.removeMediaAsset(removed.FilePath)
	s.removeMediaAsset(removed.Cover)
	w.WriteHeader(http.StatusNoContent)
}

// removeMediaAsset deletes a file belonging to a removed track. Only paths
// inside the media directory are touched; the shared placeholder cover and
// anything under /static stay.
func (s *Server) removeMediaAsset(ref string) {
	if ref == "" || ref == library.DefaultCover {
		return
	}
	name := filepath.Base(strings.TrimPrefix(ref, "/media/"))
	if name == "" || name == "." || name == "/" {
		return
	}
	path := filepath.Join(s.MediaDir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.Logger.Warn("removing media asset", "path", path, "error", err)
	}
}

func (s *Server) handleListPlaylists(w http.ResponseWriter, r *http.Request) {
	var playlists []library.Playlist
	err := s.Store.View(func(doc *library.Document) error {
		playlists = append(playlists, doc.Playlists...)
		return nil
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	if playlists == nil {
		playlists = []library.Playlist{}
	}
	writeJSON(w, http.StatusOK, playlists)
}

func (s *Server) handleCreatePlaylist(w http.ResponseWriter, r *http.Request) {
	var payload PlaylistCreate
	if reqErr := decodeJSONBody(w, r, &payload); reqErr != nil {
		writeJSONError(w, reqErr.status, reqErr.message)
		return
	}
	if strings.TrimSpace(payload.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "playlist name is required")
		return
	}

	syncURL := strings.TrimSpace(payload.AutoSyncURL)
	interval := payload.AutoSyncIntervalMinutes
	if interval < 0 {
		interval = 0
	}
	enabled := payload.AutoSyncEnabled
	if enabled == nil {
		// Creating with a full sync configuration turns syncing on.
		value := syncURL != "" && interval > 0
		enabled = &value
	}
	trackIDs := payload.TrackIDs
	if trackIDs == nil {
		trackIDs = []string{}
	}

	playlist := library.Playlist{
		ID:                      "pl_" + uuid.NewString(),
		Name:                    payload.Name,
		TrackIDs:                trackIDs,
		AutoSyncURL:             syncURL,
		AutoSyncIntervalMinutes: interval,
		AutoSyncEnabled:         enabled,
	}
	err := s.Store.Update(func(doc *library.Document) error {
		doc.Playlists = append(doc.Playlists, playlist)
		return nil
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, playlist)
}

func (s *Server) handleUpdatePlaylist(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var payload PlaylistUpdate
	if reqErr := decodeJSONBody(w, r, &payload); reqErr != nil {
		writeJSONError(w, reqErr.status, reqErr.message)
		return
	}

	var updated library.Playlist
	err := s.Store.Update(func(doc *library.Document) error {
		playlist := doc.Playlist(id)
		if playlist == nil {
			return playlistNotFound(id)
		}
		if payload.Name != nil {
			playlist.Name = *payload.Name
		}
		if payload.TrackIDs != nil {
			playlist.TrackIDs = *payload.TrackIDs
		}
		if payload.AutoSyncURL != nil {
			syncURL := strings.TrimSpace(*payload.AutoSyncURL)
			if syncURL == "" {
				playlist.ClearAutoSync()
			} else {
				playlist.AutoSyncURL = syncURL
			}
		}
		if payload.AutoSyncIntervalMinutes != nil && *payload.AutoSyncIntervalMinutes > 0 {
			playlist.AutoSyncIntervalMinutes = *payload.AutoSyncIntervalMinutes
		}
		if payload.AutoSyncEnabled != nil && playlist.AutoSyncURL != "" {
			playlist.AutoSyncEnabled = payload.AutoSyncEnabled
		}
		updated = *playlist
		return nil
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePlaylist(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.Store.Update(func(doc *library.Document) error {
		if !doc.RemovePlaylist(id) {
			return playlistNotFound(id)
		}
		return nil
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncPlaylist(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.Syncer.Sync(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if s.Hub != nil {
		s.Hub.SyncFinished(result.PlaylistID, result.Added, len(result.Errors))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetFavorites(w http.ResponseWriter, r *http.Request) {
	favorites := []string{}
	err := s.Store.View(func(doc *library.Document) error {
		favorites = append(favorites, doc.Favorites...)
		return nil
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, favorites)
}

func (s *Server) handlePutFavorites(w http.ResponseWriter, r *http.Request) {
	var payload FavoritesUpdate
	if reqErr := decodeJSONBody(w, r, &payload); reqErr != nil {
		writeJSONError(w, reqErr.status, reqErr.message)
		return
	}
	favorites := payload.TrackIDs
	if favorites == nil {
		favorites = []string{}
	}
	err := s.Store.Update(func(doc *library.Document) error {
		doc.Favorites = favorites
		return nil
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, favorites)
}
