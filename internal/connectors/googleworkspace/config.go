package googleworkspace

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

const (
	// MaxPageSize is the largest page activities.list serves.
	MaxPageSize = 1000

	// DefaultMaxWindow bounds one fetch.
	DefaultMaxWindow = time.Hour

	// DefaultInitialLookback is how far back a new stream starts.
	DefaultInitialLookback = 24 * time.Hour

	// AllUsers selects every user's activity.
	AllUsers = "all"
)

// Config holds the parsed configuration for a reports stream.
type Config struct {
	Application     string
	UserKey         string
	CustomerID      string
	EventName       string
	Filters         string
	PageSize        int
	MaxWindow       time.Duration
	InitialLookback time.Duration
	BaseURL         string
}

// ParseConfig parses a stream's adapter_config into a Config.
func ParseConfig(stream domain.Stream) (*Config, error) {
	cfg := &Config{
		Application: strings.TrimSpace(stream.ConfigString("application", "")),
		UserKey:     stream.ConfigString("user_key", AllUsers),
		CustomerID:  stream.ConfigString("customer_id", ""),
		EventName:   stream.ConfigString("event_name", ""),
		Filters:     stream.ConfigString("filters", ""),
		PageSize:    stream.ConfigInt("page_size", MaxPageSize),
		BaseURL:     stream.ConfigString("base_url", ""),
	}

	var errs []error
	var err error
	if cfg.MaxWindow, err = stream.ConfigDuration("max_window", DefaultMaxWindow); err != nil {
		errs = append(errs, err)
	}
	if cfg.InitialLookback, err = stream.ConfigDuration("initial_lookback", DefaultInitialLookback); err != nil {
		errs = append(errs, err)
	}

	if cfg.Application == "" {
		errs = append(errs, errors.New("application is required"))
	}
	if cfg.UserKey == "" {
		errs = append(errs, errors.New("user_key must not be empty"))
	}
	if cfg.PageSize <= 0 || cfg.PageSize > MaxPageSize {
		errs = append(errs, fmt.Errorf("page_size must be between 1 and %d", MaxPageSize))
	}
	if cfg.MaxWindow <= 0 {
		errs = append(errs, errors.New("max_window must be positive"))
	}
	if cfg.InitialLookback < 0 {
		errs = append(errs, errors.New("initial_lookback must not be negative"))
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

	if len(errs) > 0 {
		return nil, domain.FatalConfig("googleworkspace config", fmt.Errorf("%w: %w", domain.ErrInvalidInput, errors.Join(errs...)))
	}
	return cfg, nil
}
