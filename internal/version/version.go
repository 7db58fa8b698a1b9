// Package version provides version information and update checking.
package version

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// Version is the current version of rdebug
	Version = "0.1.0"

	// GitHubRepo is the repository path
	GitHubRepo = "ctagard/rdebug"

	// GitHubAPIURL is the GitHub API endpoint for latest release
	GitHubAPIURL = "https://api.github.com/repos/%s/releases/latest"
)

// UpdateInfo contains information about available updates
type UpdateInfo struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	UpdateAvailable bool      `json:"update_available"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	ReleaseNotes    string    `json:"release_notes,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
	Error           string    `json:"error,omitempty"`
}

// UpdateMessage returns a human-readable message about the update, or ""
func (u *UpdateInfo) UpdateMessage() string {
	if u.Error != "" || !u.UpdateAvailable {
		return ""
	}
	return fmt.Sprintf("A new version of rdebug is available: v%s (current: v%s). See %s",
		u.LatestVersion, u.CurrentVersion, u.ReleaseURL)
}

// Checker handles version checking
type Checker struct {
	// URL is the release endpoint; empty means the GitHub latest release
	URL    string
	Client *http.Client

	mu         sync.RWMutex
	updateInfo *UpdateInfo
}

// NewChecker creates a new version checker
func NewChecker() *Checker {
	return &Checker{Client: &http.Client{Timeout: 5 * time.Second}}
}

// CheckForUpdates asks the release endpoint for a newer version. Failures
// are reported in UpdateInfo.Error.
func (c *Checker) CheckForUpdates(ctx context.Context) *UpdateInfo {
	info := &UpdateInfo{
		CurrentVersion: Version,
		CheckedAt:      time.Now(),
	}
	if err := c.fetch(ctx, info); err != nil {
		info.Error = err.Error()
	}

	c.mu.Lock()
	c.updateInfo = info
	c.mu.Unlock()
	return info
}

func (c *Checker) fetch(ctx context.Context, info *UpdateInfo) error {
	url := c.URL
	if url == "" {
		url = fmt.Sprintf(GitHubAPIURL, GitHubRepo)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "rdebug/"+Version)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check for updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("release endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("failed to parse response: invalid JSON")
	}

	release := gjson.ParseBytes(body)
	tag := release.Get("tag_name").String()
	if tag == "" {
		return fmt.Errorf("failed to parse response: no tag_name")
	}

	info.LatestVersion = strings.TrimPrefix(tag, "v")
	info.ReleaseURL = release.Get("html_url").String()
	info.ReleaseNotes = truncateString(release.Get("body").String(), 500)
	info.UpdateAvailable = compareVersions(Version, info.LatestVersion) < 0
	return nil
}

// GetUpdateInfo returns the cached update info, nil before the first check
func (c *Checker) GetUpdateInfo() *UpdateInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateInfo
}

// compareVersions compares two semver strings
// Returns -1 if v1 < v2, 0 if equal, 1 if v1 > v2
func compareVersions(v1, v2 string) int {
	a, b := parseVersion(v1), parseVersion(v2)
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// parseVersion reads major, minor and patch, ignoring pre-release suffixes
func parseVersion(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	for i, p := range parts {
		p, _, _ = strings.Cut(p, "-")
		out[i], _ = strconv.Atoi(p)
	}
	return out
}

// truncateString truncates a string to maxLen characters
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
