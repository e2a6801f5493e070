package domain

import (
	"fmt"
	"time"
)

// Stream defaults.
const (
	DefaultFrequency          = 60 * time.Second
	DefaultChunkSize          = 1000
	DefaultIntakeChunkSize    = 250
	DefaultIgnoreOlderThan    = 7 * 24 * time.Hour
	DefaultMaxPagesPerCycle   = 20
	DefaultAdapterTimeout     = 60 * time.Second
	DefaultAdapterMaxAttempts = 5

	// LivenessFactor multiplies Frequency to give the cycle deadline.
	LivenessFactor = 10
)

// Stream is one configured ingestion unit: one vendor source plus one category.
type Stream struct {
	// ID is the stable identity used for cursor storage and metric labels.
	ID string `validate:"required,max=128"`

	// AdapterKind selects a registered source adapter (e.g. "timewindow").
	AdapterKind string `validate:"required"`

	// AdapterConfig is passed through to the adapter builder untouched.
	AdapterConfig map[string]any

	// Auth names a credential set shared process-wide. Empty for no auth.
	Auth string

	// IntakeKey is the routing label for the downstream intake.
	IntakeKey string `validate:"required"`

	// Frequency is the minimum period between two cycles.
	Frequency time.Duration `validate:"gte=0"`

	// ChunkSize caps the records handed to the forwarder per batch.
	ChunkSize int `validate:"gte=0"`

	// IntakeChunkSize caps the records sent per intake request.
	IntakeChunkSize int `validate:"gte=0"`

	// Skew is subtracted from "now" when a window end is computed.
	Skew time.Duration `validate:"gte=0"`

	// IgnoreOlderThan is the fast-forward threshold for stale cursors.
	IgnoreOlderThan time.Duration `validate:"gte=0"`

	// MaxPagesPerCycle bounds consecutive fetches without a forward and snapshot.
	MaxPagesPerCycle int `validate:"gte=0"`

	// AdapterTimeout is the per-request timeout for vendor calls.
	AdapterTimeout time.Duration `validate:"gte=0"`

	// AdapterMaxAttempts is the retry budget for one transient vendor call.
	AdapterMaxAttempts int `validate:"gte=0"`
}

// ApplyDefaults fills unset options with their defaults.
func (s *Stream) ApplyDefaults() {
	if s.Frequency == 0 {
		s.Frequency = DefaultFrequency
	}
	if s.ChunkSize == 0 {
		s.ChunkSize = DefaultChunkSize
	}
	if s.IntakeChunkSize == 0 {
		s.IntakeChunkSize = DefaultIntakeChunkSize
	}
	if s.IgnoreOlderThan == 0 {
		s.IgnoreOlderThan = DefaultIgnoreOlderThan
	}
	if s.MaxPagesPerCycle == 0 {
		s.MaxPagesPerCycle = DefaultMaxPagesPerCycle
	}
	if s.AdapterTimeout == 0 {
		s.AdapterTimeout = DefaultAdapterTimeout
	}
	if s.AdapterMaxAttempts == 0 {
		s.AdapterMaxAttempts = DefaultAdapterMaxAttempts
	}
	if s.AdapterConfig == nil {
		s.AdapterConfig = map[string]any{}
	}
}

// LivenessDeadline returns the longest a single cycle may run before the
// supervisor considers the worker hung.
func (s *Stream) LivenessDeadline() time.Duration {
	return s.Frequency * LivenessFactor
}

// String returns a short identifier for logs.
func (s *Stream) String() string {
	return fmt.Sprintf("%s(%s)", s.ID, s.AdapterKind)
}

// ConfigString reads a string option from AdapterConfig.
func (s *Stream) ConfigString(key, def string) string {
	if v, ok := s.AdapterConfig[key]; ok {
		if str, ok := v.(string); ok && str != "" {
			return str
		}
	}
	return def
}

// ConfigInt reads an integer option from AdapterConfig. TOML decoders hand
// integers back as int64, JSON decoders as float64; both are accepted.
func (s *Stream) ConfigInt(key string, def int) int {
	switch v := s.AdapterConfig[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// ConfigBool reads a boolean option from AdapterConfig.
func (s *Stream) ConfigBool(key string, def bool) bool {
	if v, ok := s.AdapterConfig[key].(bool); ok {
		return v
	}
	return def
}

// ConfigDuration reads a duration option from AdapterConfig. Strings are
// parsed with ParseDuration; numbers are seconds.
func (s *Stream) ConfigDuration(key string, def time.Duration) (time.Duration, error) {
	switch v := s.AdapterConfig[key].(type) {
	case nil:
		return def, nil
	case string:
		d, err := ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("%s: unsupported duration value %v: %w", key, v, ErrInvalidInput)
	}
}

// ConfigStrings reads a string list option from AdapterConfig.
func (s *Stream) ConfigStrings(key string) []string {
	switch v := s.AdapterConfig[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
