// Package provider decides how a source URL is handled: whether it names a
// single item or a whole collection, and what its canonical form is for
// deduplication. Provider heuristics are table-driven so new hosts are
// additive.
package provider

import (
	"net/url"
	"strings"

	"github.com/kkdai/youtube/v2"
)

// Kind is the download strategy for a URL.
type Kind int

const (
	// KindSingle downloads exactly one item. Unrecognized hosts default
	// here: treating an unknown link as one item is the safe choice.
	KindSingle Kind = iota
	// KindCollection expands the URL into a flat entry listing first.
	KindCollection
)

func (k Kind) String() string {
	if k == KindCollection {
		return "collection"
	}
	return "single"
}

// Rule describes one recognized provider.
type Rule struct {
	Name     string
	Match    func(host string) bool
	Classify func(u *url.URL) Kind
	// Canonical rebuilds the stable form for an item URL. The bool
	// reports whether the rule produced one; false falls back to the
	// generic fragment-strip.
	Canonical func(u *url.URL) (string, bool)
}

// rules are evaluated in order, first match wins.
var rules = []Rule{
	{
		Name:      "youtube",
		Match:     isYouTubeHost,
		Classify:  classifyYouTube,
		Canonical: canonicalYouTube,
	},
	{
		Name:     "soundcloud",
		Match:    isSoundCloudHost,
		Classify: classifySoundCloud,
	},
}

// normalizeHostname lowercases the host and strips any "www." prefix and port.
func normalizeHostname(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

func isYouTubeHost(host string) bool {
	return host == "youtube.com" || host == "youtu.be" || host == "music.youtube.com" ||
		strings.HasSuffix(host, ".youtube.com")
}

func isSoundCloudHost(host string) bool {
	return host == "soundcloud.com" || strings.HasSuffix(host, ".soundcloud.com")
}

func classifyYouTube(u *url.URL) Kind {
	query := u.Query()
	// A v= parameter always means one video, even with list= alongside.
	if query.Get("v") != "" {
		return KindSingle
	}
	if strings.Contains(u.Path, "/playlist") || query.Has("list") {
		return KindCollection
	}
	return KindSingle
}

func classifySoundCloud(u *url.URL) Kind {
	if strings.Contains(u.Path, "/sets/") {
		return KindCollection
	}
	return KindSingle
}

func canonicalYouTube(u *url.URL) (string, bool) {
	if id := u.Query().Get("v"); id != "" {
		return WatchURL(id), true
	}
	// For the path-shaped forms, delegate ID extraction to the youtube
	// library. Its matching is too permissive to run on arbitrary
	// youtube.com URLs (a playlist link would yield a bogus ID), so only
	// these known item shapes are handed to it.
	host := normalizeHostname(u)
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	var pathID string
	switch {
	case host == "youtu.be" && len(segments) >= 1:
		pathID = segments[0]
	case len(segments) >= 2 && (segments[0] == "shorts" || segments[0] == "embed"):
		pathID = segments[1]
	}
	if pathID == "" {
		return "", false
	}
	// The library only matches standard-length IDs and truncates longer
	// ones, so its answer counts only when it covers the whole segment.
	// Otherwise the segment itself is the ID: every shape of a
	// nonstandard ID still has to collapse to the same watch URL.
	id, err := youtube.ExtractVideoID(u.String())
	if err != nil || id != pathID {
		id = pathID
	}
	return WatchURL(id), true
}

// WatchURL rebuilds the canonical watch URL for a YouTube video ID.
func WatchURL(id string) string {
	if id == "" {
		return ""
	}
	return "https://www.youtube.com/watch?v=" + id
}

// Classify reports whether rawURL denotes a single item or a collection.
// Unparseable and unrecognized URLs classify as single.
func Classify(rawURL string) Kind {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return KindSingle
	}
	host := normalizeHostname(u)
	for _, rule := range rules {
		if rule.Match(host) {
			return rule.Classify(u)
		}
	}
	return KindSingle
}

// Normalize returns the canonical, dedup-stable form of rawURL.
//
// Recognized provider item links collapse to one canonical shape; any other
// absolute URL only loses its fragment; input without a scheme passes
// through unchanged. Normalize is idempotent and returns "" for blank input.
func Normalize(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return ""
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	if u.Scheme == "" {
		return trimmed
	}
	host := normalizeHostname(u)
	for _, rule := range rules {
		if !rule.Match(host) {
			continue
		}
		if rule.Canonical != nil {
			if canonical, ok := rule.Canonical(u); ok {
				return canonical
			}
		}
		break
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
