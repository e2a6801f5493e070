package timewindow

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/custodia-labs/ingestd/internal/connectors/eventjson"
	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// Defaults for adapter_config keys.
const (
	DefaultPageSize        = 100
	DefaultMaxWindow       = 24 * time.Hour
	DefaultInitialLookback = time.Hour
	DefaultTick            = time.Microsecond
	DefaultMaxPages        = 10
)

// Time formats accepted by time_format.
const (
	FormatRFC3339 = "rfc3339"
	FormatUnix    = "unix"
	FormatUnixMS  = "unix_ms"
)

// Config is the adapter_config of a timewindow stream.
type Config struct {
	// URL is the list endpoint.
	URL string

	// StartParam and EndParam name the window bounds in the query.
	StartParam string
	EndParam   string

	// TimeFormat renders the window bounds.
	TimeFormat string

	// LimitParam and PageSize set the page size.
	LimitParam string
	PageSize   int

	// PageParam carries the vendor's next-page token.
	PageParam string

	// NextField is the dotted path of the next-page token in a response.
	// A Link header with rel="next" is followed when it is absent.
	NextField string

	// ItemsField is the dotted path of the event array. Empty means the
	// response body is the array.
	ItemsField string

	// IDField and TimeField locate the event id and time inside an event.
	IDField   string
	TimeField string

	// Ordered declares that the vendor returns events in ascending time.
	Ordered bool

	// Query holds fixed query parameters, such as a sort order.
	Query map[string]string

	MaxWindow       time.Duration
	InitialLookback time.Duration
	Tick            time.Duration
	MaxPages        int

	// Category seeds hashed dedup ids for events without an id.
	Category string
}

// ParseConfig reads the adapter_config of stream.
func ParseConfig(stream domain.Stream) (*Config, error) {
	cfg := &Config{
		URL:        stream.ConfigString("url", ""),
		StartParam: stream.ConfigString("start_param", "since"),
		EndParam:   stream.ConfigString("end_param", "until"),
		TimeFormat: stream.ConfigString("time_format", FormatRFC3339),
		LimitParam: stream.ConfigString("limit_param", "limit"),
		PageSize:   stream.ConfigInt("page_size", DefaultPageSize),
		PageParam:  stream.ConfigString("page_param", "cursor"),
		NextField:  stream.ConfigString("next_field", "next"),
		ItemsField: stream.ConfigString("items_field", ""),
		IDField:    stream.ConfigString("id_field", "id"),
		TimeField:  stream.ConfigString("time_field", "timestamp"),
		Ordered:    stream.ConfigBool("ordered", true),
		MaxPages:   stream.ConfigInt("max_pages", DefaultMaxPages),
		Category:   stream.ConfigString("category", stream.ID),
		Query:      map[string]string{},
	}
	if q, ok := stream.AdapterConfig["query"].(map[string]any); ok {
		for k, v := range q {
			cfg.Query[k] = fmt.Sprint(v)
		}
	}

	var errs []error
	var err error
	if cfg.MaxWindow, err = stream.ConfigDuration("max_window", DefaultMaxWindow); err != nil {
		errs = append(errs, err)
	}
	if cfg.InitialLookback, err = stream.ConfigDuration("initial_lookback", DefaultInitialLookback); err != nil {
		errs = append(errs, err)
	}
	if cfg.Tick, err = stream.ConfigDuration("tick", DefaultTick); err != nil {
		errs = append(errs, err)
	}

	if cfg.URL == "" {
		errs = append(errs, errors.New("url is required"))
	} else if u, err := url.Parse(cfg.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("url %q is not absolute", cfg.URL))
	}
	switch cfg.TimeFormat {
	case FormatRFC3339, FormatUnix, FormatUnixMS:
	default:
		errs = append(errs, fmt.Errorf("time_format %q: want %s, %s or %s", cfg.TimeFormat, FormatRFC3339, FormatUnix, FormatUnixMS))
	}
	if cfg.PageSize <= 0 {
		errs = append(errs, errors.New("page_size must be positive"))
	}
	if cfg.MaxWindow <= 0 {
		errs = append(errs, errors.New("max_window must be positive"))
	}
	if cfg.Tick <= 0 || cfg.Tick > time.Second {
		errs = append(errs, errors.New("tick must be between 1ns and 1s"))
	}
	if cfg.MaxPages <= 0 {
		errs = append(errs, errors.New("max_pages must be positive"))
	}
	if cfg.TimeField == "" {
		errs = append(errs, errors.New("time_field is required"))
	}

	if len(errs) > 0 {
		return nil, domain.FatalConfig("timewindow config", fmt.Errorf("%w: %w", domain.ErrInvalidInput, errors.Join(errs...)))
	}
	return cfg, nil
}

// formatTime renders t for the query string.
func (c *Config) formatTime(t time.Time) string {
	switch c.TimeFormat {
	case FormatUnix:
		return fmt.Sprint(t.Unix())
	case FormatUnixMS:
		return fmt.Sprint(t.UnixMilli())
	default:
		return t.UTC().Format(time.RFC3339Nano)
	}
}

func (c *Config) fields() eventjson.Fields {
	return eventjson.Fields{ID: c.IDField, Time: c.TimeField}
}
