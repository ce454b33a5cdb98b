package web

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/waya0125/squashterm/internal/apperr"
)

const settingsFileName = "settings.json"

// playbackOption is one toggle shown on the settings screen.
type playbackOption struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
}

// settingsDocument is the editable settings file kept in the data
// directory. A missing file is created with the defaults so operators have
// something to edit.
type settingsDocument struct {
	App struct {
		Name string `json:"name"`
		API  string `json:"api"`
	} `json:"app"`
	Device  string `json:"device"`
	Storage struct {
		UsedGB  float64 `json:"used_gb"`
		TotalGB float64 `json:"total_gb"`
	} `json:"storage"`
	PlaybackOptions []playbackOption `json:"playback_options"`
}

func defaultSettings() settingsDocument {
	var doc settingsDocument
	doc.App.Name = "SquashTerm"
	doc.App.API = "net/http"
	doc.Device = "Raspberry Pi (prototype)"
	doc.Storage.UsedGB = 3.8
	doc.Storage.TotalGB = 9.0
	doc.PlaybackOptions = []playbackOption{
		{ID: "allow_remote", Label: "ネットワークからのアクセスを許可", Enabled: true},
		{ID: "auto_scan", Label: "自動ライブラリスキャン", Enabled: false},
	}
	return doc
}

func (s *Server) settingsPath() string {
	dir := s.DataDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, settingsFileName)
}

func loadSettings(path string) (settingsDocument, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		doc := defaultSettings()
		buf, merr := json.MarshalIndent(doc, "", "  ")
		if merr != nil {
			return doc, merr
		}
		if werr := os.WriteFile(path, buf, 0o644); werr != nil {
			return doc, werr
		}
		return doc, nil
	}
	if err != nil {
		return settingsDocument{}, err
	}
	var doc settingsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return settingsDocument{}, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	path := s.settingsPath()
	doc, err := loadSettings(path)
	if err != nil {
		writeAppError(w, apperr.E(apperr.CategoryInternal, err))
		return
	}
	percent := 0
	if doc.Storage.TotalGB > 0 {
		percent = int(doc.Storage.UsedGB / doc.Storage.TotalGB * 100)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": map[string]any{
			"app":   Version,
			"api":   doc.App.API,
			"build": fileModLabel(path),
		},
		"storage": map[string]any{
			"used_gb":  doc.Storage.UsedGB,
			"total_gb": doc.Storage.TotalGB,
			"percent":  percent,
		},
		"playback_options": doc.PlaybackOptions,
	})
}

func fileModLabel(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return info.ModTime().Format("2006.01.02 15:04")
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	dir := s.DataDir
	if dir == "" {
		dir = s.MediaDir
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		writeAppError(w, apperr.Errorf(apperr.CategoryInternal, "reading disk usage: %v", err))
		return
	}
	bsize := float64(st.Bsize)
	totalGB := float64(st.Blocks) * bsize / (1 << 30)
	freeGB := float64(st.Bavail) * bsize / (1 << 30)
	usedGB := totalGB - float64(st.Bfree)*bsize/(1<<30)
	percent := 0
	if totalGB > 0 {
		percent = int(usedGB / totalGB * 100)
	}
	hostname, _ := os.Hostname()
	writeJSON(w, http.StatusOK, map[string]any{
		"storage": map[string]any{
			"total_gb": roundGB(totalGB),
			"used_gb":  roundGB(usedGB),
			"free_gb":  roundGB(freeGB),
			"percent":  percent,
		},
		"os":       runtime.GOOS + "/" + runtime.GOARCH,
		"hostname": hostname,
	})
}

func roundGB(v float64) float64 {
	return math.Round(v*10) / 10
}
