package github

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

const (
	// MaxPerPage is the largest page the events API serves.
	MaxPerPage = 100

	// DefaultMaxPages walks the whole feed: 300 events at 100 a page.
	DefaultMaxPages = 3
)

// Where a new stream starts.
const (
	StartEarliest = "earliest"
	StartLatest   = "latest"
)

// Config holds the parsed configuration for a GitHub stream.
type Config struct {
	// Org selects organisation events.
	Org string

	// Owner and Repo select repository events when Org is empty.
	Owner string
	Repo  string

	// BaseURL overrides the API root. Empty means api.github.com.
	BaseURL string

	PerPage  int
	MaxPages int
	Start    string
}

// ParseConfig parses a stream's adapter_config into a Config.
func ParseConfig(stream domain.Stream) (*Config, error) {
	cfg := &Config{
		Org:      strings.TrimSpace(stream.ConfigString("org", "")),
		Owner:    strings.TrimSpace(stream.ConfigString("owner", "")),
		Repo:     strings.TrimSpace(stream.ConfigString("repo", "")),
		BaseURL:  stream.ConfigString("base_url", ""),
		PerPage:  stream.ConfigInt("per_page", MaxPerPage),
		MaxPages: stream.ConfigInt("max_pages", DefaultMaxPages),
		Start:    stream.ConfigString("start", StartEarliest),
	}

	var errs []error
	switch {
	case cfg.Org != "" && (cfg.Owner != "" || cfg.Repo != ""):
		errs = append(errs, errors.New("set either org or owner and repo, not both"))
	case cfg.Org == "" && (cfg.Owner == "" || cfg.Repo == ""):
		errs = append(errs, errors.New("org, or owner and repo, is required"))
	}
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("base_url %q is not absolute", cfg.BaseURL))
		}
		if !strings.HasSuffix(cfg.BaseURL, "/") {
			cfg.BaseURL += "/"
		}
	}
	if cfg.PerPage <= 0 || cfg.PerPage > MaxPerPage {
		errs = append(errs, fmt.Errorf("per_page must be between 1 and %d", MaxPerPage))
	}
	if cfg.MaxPages <= 0 {
		errs = append(errs, errors.New("max_pages must be positive"))
	}
	if cfg.Start != StartEarliest && cfg.Start != StartLatest {
		errs = append(errs, fmt.Errorf("start %q: want %s or %s", cfg.Start, StartEarliest, StartLatest))
	}

	if len(errs) > 0 {
		return nil, domain.FatalConfig("github config", fmt.Errorf("%w: %w", domain.ErrInvalidInput, errors.Join(errs...)))
	}
	return cfg, nil
}

// eventsPath is the feed URL relative to the API root.
func (c *Config) eventsPath() string {
	if c.Org != "" {
		return fmt.Sprintf("orgs/%s/events", url.PathEscape(c.Org))
	}
	return fmt.Sprintf("repos/%s/%s/events", url.PathEscape(c.Owner), url.PathEscape(c.Repo))
}

// category names the feed in hashed ids and logs.
func (c *Config) category() string {
	if c.Org != "" {
		return "github:" + c.Org
	}
	return "github:" + c.Owner + "/" + c.Repo
}
