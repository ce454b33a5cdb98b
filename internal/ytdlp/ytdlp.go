// Package ytdlp drives the external yt-dlp extractor as a subprocess. The
// tool emits one JSON metadata record per item on stdout plus free-text
// progress lines; both channels are parsed here.
package ytdlp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/waya0125/squashterm/internal/apperr"
	"github.com/waya0125/squashterm/internal/events"
	"github.com/waya0125/squashterm/internal/provider"
)

// DefaultBin is the extractor binary looked up on PATH when no explicit
// path is configured.
const DefaultBin = "yt-dlp"

// Info is one extracted metadata record as yt-dlp prints it.
type Info struct {
	ID          string      `json:"id"`
	Track       string      `json:"track"`
	Title       string      `json:"title"`
	Artist      string      `json:"artist"`
	Uploader    string      `json:"uploader"`
	Album       string      `json:"album"`
	Genre       string      `json:"genre"`
	BPM         float64     `json:"bpm"`
	Duration    float64     `json:"duration"`
	ReleaseYear int         `json:"release_year"`
	Year        int         `json:"year"`
	UploadDate  string      `json:"upload_date"`
	WebpageURL  string      `json:"webpage_url"`
	OriginalURL string      `json:"original_url"`
	Thumbnail   string      `json:"thumbnail"`
	Thumbnails  []Thumbnail `json:"thumbnails"`
}

// Thumbnail is one entry of an Info's thumbnail side channel.
type Thumbnail struct {
	URL string `json:"url"`
	Ext string `json:"ext"`
}

// Entry is one lightweight record from a flat collection listing. It carries
// just enough to reconstruct a fetchable URL.
type Entry struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	WebpageURL  string `json:"webpage_url"`
	OriginalURL string `json:"original_url"`
	IEKey       string `json:"ie_key"`
}

// SourceURL resolves the fetchable URL for a flat entry: an explicit page
// URL wins; a bare ID from a YouTube extractor is rebuilt as a watch URL.
func (e Entry) SourceURL() string {
	u := e.WebpageURL
	if u == "" {
		u = e.OriginalURL
	}
	if u == "" {
		u = e.URL
	}
	if u == "" {
		return ""
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	switch strings.ToLower(e.IEKey) {
	case "youtube", "youtubeweb":
		return provider.WatchURL(u)
	}
	return u
}

// Runner invokes the extractor binary.
type Runner struct {
	Bin      string
	MediaDir string
	Logger   *log.Logger
}

// NewRunner returns a Runner downloading media into mediaDir.
func NewRunner(bin, mediaDir string, logger *log.Logger) *Runner {
	if bin == "" {
		bin = DefaultBin
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{Bin: bin, MediaDir: mediaDir, Logger: logger}
}

func (r *Runner) outputTemplate() string {
	return filepath.Join(r.MediaDir, "%(id)s.%(ext)s")
}

func (r *Runner) downloadArgs(url string) []string {
	return []string{
		"--newline",
		"--no-playlist",
		"--print-json",
		"--write-thumbnail",
		"-x",
		"--audio-format", "mp3",
		"-o", r.outputTemplate(),
		url,
	}
}

// Download fetches a single item, returning the parsed metadata records and
// the tool's combined log output.
func (r *Runner) Download(ctx context.Context, url string) ([]Info, string, error) {
	cmd := exec.CommandContext(ctx, r.Bin, r.downloadArgs(url)...)
	out, err := cmd.CombinedOutput()
	logOutput := strings.TrimSpace(string(out))
	if err != nil {
		return nil, logOutput, r.toolError(err, logOutput)
	}
	infos := parseInfoLines(string(out))
	if len(infos) == 0 {
		return nil, logOutput, apperr.Errorf(apperr.CategoryTool, "%s did not return metadata", r.Bin)
	}
	return infos, logOutput, nil
}

// FlatEntries lists a remote collection without extracting each item.
func (r *Runner) FlatEntries(ctx context.Context, url string) ([]Entry, error) {
	cmd := exec.CommandContext(ctx, r.Bin, "--flat-playlist", "--print-json", "--no-warnings", url)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, r.toolError(err, strings.TrimSpace(string(out)))
	}
	var entries []Entry
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

var progressRe = regexp.MustCompile(`\[download\]\s+(\d+(?:\.\d+)?)%`)

// ParseProgress extracts the percentage from a yt-dlp progress line,
// returning false for lines that are not progress reports.
func ParseProgress(line string) (float64, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	var value float64
	if _, err := fmt.Sscanf(m[1], "%f", &value); err != nil {
		return 0, false
	}
	return value, true
}

// StreamDownload fetches a single item while publishing log and progress
// events onto stream as the tool emits them. Terminal events are the
// caller's responsibility.
func (r *Runner) StreamDownload(ctx context.Context, url string, stream *events.Stream) ([]Info, error) {
	cmd := exec.CommandContext(ctx, r.Bin, r.downloadArgs(url)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.E(apperr.CategoryInternal, err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, r.toolError(err, "")
	}

	var infos []Info
	var logTail []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var info Info
			if err := json.Unmarshal([]byte(line), &info); err == nil && info.ID != "" {
				infos = append(infos, info)
				continue
			}
		}
		logTail = append(logTail, line)
		if len(logTail) > 8 {
			logTail = logTail[1:]
		}
		stream.Log(line)
		if value, ok := ParseProgress(line); ok {
			stream.Publish(events.Event{Type: events.TypeProgress, Value: value, Message: line})
		}
	}

	if err := cmd.Wait(); err != nil {
		return nil, r.toolError(err, strings.Join(logTail, "\n"))
	}
	if len(infos) == 0 {
		return nil, apperr.Errorf(apperr.CategoryTool, "%s did not return metadata", r.Bin)
	}
	return infos, nil
}

func (r *Runner) toolError(err error, output string) error {
	if errors.Is(err, exec.ErrNotFound) {
		return apperr.Errorf(apperr.CategoryTool, "%s is not installed", r.Bin)
	}
	if output != "" {
		return apperr.Errorf(apperr.CategoryTool, "%s failed: %s", r.Bin, output)
	}
	return apperr.E(apperr.CategoryTool, fmt.Errorf("%s failed: %w", r.Bin, err))
}

func parseInfoLines(out string) []Info {
	var infos []Info
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var info Info
		if err := json.Unmarshal([]byte(line), &info); err != nil {
			continue
		}
		if info.ID == "" {
			continue
		}
		infos = append(infos, info)
	}
	return infos
}
