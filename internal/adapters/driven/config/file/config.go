package file

import (
	"slices"
	"time"

	"github.com/custodia-labs/ingestd/internal/adapters/driven/intake/elasticsearch"
	intakefile "github.com/custodia-labs/ingestd/internal/adapters/driven/intake/file"
	"github.com/custodia-labs/ingestd/internal/adapters/driven/intake/httpintake"
	"github.com/custodia-labs/ingestd/internal/adapters/driven/metrics/prommetrics"
	"github.com/custodia-labs/ingestd/internal/adapters/driven/storage/dynamodb"
	"github.com/custodia-labs/ingestd/internal/connectors/ratelimit"
	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/logger"
)

// Cursor store kinds.
const (
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"
	StoreMemory   = "memory"
)

// Intake kinds.
const (
	IntakeHTTP          = "http"
	IntakeElasticsearch = "elasticsearch"
	IntakeFile          = "file"
)

// Intake defaults.
const (
	DefaultIntakeTimeout     = 30 * time.Second
	DefaultIntakeMaxAttempts = 6
	DefaultIntakeMaxElapsed  = 5 * time.Minute
)

// Config is the whole configuration file.
type Config struct {
	Engine      EngineConfig                `toml:"engine"`
	Log         LogConfig                   `toml:"log"`
	CursorStore CursorStoreConfig           `toml:"cursor_store"`
	Intake      IntakeConfig                `toml:"intake"`
	Metrics     prommetrics.ExportConfig    `toml:"metrics"`
	Auth        map[string]AuthConfig       `toml:"auth" validate:"dive"`
	RateLimits  map[string]ratelimit.Config `toml:"rate_limits"`
	Streams     []StreamConfig              `toml:"streams" validate:"required,min=1,dive"`

	// path is where the file was read from, for messages.
	path string
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// EngineConfig is the [engine] section.
type EngineConfig struct {
	HealthInterval      domain.Duration `toml:"health_interval" validate:"gte=0"`
	MaintenanceInterval domain.Duration `toml:"maintenance_interval" validate:"gte=0"`
	ShutdownGrace       domain.Duration `toml:"shutdown_grace" validate:"gte=0"`
	MaxInflightIntake   int             `toml:"max_inflight_intake" validate:"gte=0"`
	RecentIDsCapacity   int             `toml:"recent_ids_capacity" validate:"gte=0"`
	RecentIDsTTL        domain.Duration `toml:"recent_ids_ttl" validate:"gte=0"`
	RunHistory          int             `toml:"run_history" validate:"gte=0"`
}

// Settings converts the section to engine settings with defaults applied.
func (e EngineConfig) Settings() domain.EngineSettings {
	s := domain.EngineSettings{
		HealthInterval:      e.HealthInterval.Std(),
		MaintenanceInterval: e.MaintenanceInterval.Std(),
		ShutdownGrace:       e.ShutdownGrace.Std(),
		MaxInflightIntake:   e.MaxInflightIntake,
		RecentIDsCapacity:   e.RecentIDsCapacity,
		RecentIDsTTL:        e.RecentIDsTTL.Std(),
		RunHistory:          e.RunHistory,
	}
	if e.RecentIDsTTL == 0 {
		s.RecentIDsTTL = domain.DefaultRecentIDsTTL
	}
	return s.WithDefaults()
}

// LogConfig is the [log] section.
type LogConfig struct {
	Level      string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `toml:"format" validate:"omitempty,oneof=json console"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `toml:"max_age_days" validate:"gte=0"`
	Compress   bool   `toml:"compress"`
}

// Options converts the section to logger options.
func (l LogConfig) Options() logger.Options {
	return logger.Options{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// CursorStoreConfig is the [cursor_store] section.
type CursorStoreConfig struct {
	// Kind is file (default), sqlite, dynamodb or memory.
	Kind string `toml:"kind" validate:"omitempty,oneof=file sqlite dynamodb memory"`

	// Dir holds cursor files or the sqlite database.
	Dir string `toml:"dir"`

	DynamoDB *dynamodb.Config `toml:"dynamodb"`
}

// StoreKind returns the configured kind, defaulting to file.
func (c CursorStoreConfig) StoreKind() string {
	if c.Kind == "" {
		return StoreFile
	}
	return c.Kind
}

// IntakeConfig is the [intake] section.
type IntakeConfig struct {
	// Kind is http (default), elasticsearch or file.
	Kind string `toml:"kind" validate:"omitempty,oneof=http elasticsearch file"`

	Timeout     domain.Duration `toml:"timeout" validate:"gte=0"`
	MaxAttempts int             `toml:"max_attempts" validate:"gte=0"`
	MaxElapsed  domain.Duration `toml:"max_elapsed" validate:"gte=0"`

	HTTP          *httpintake.Config    `toml:"http"`
	Elasticsearch *elasticsearch.Config `toml:"elasticsearch"`
	File          *intakefile.Config    `toml:"file"`
}

// IntakeKind returns the configured kind, defaulting to http.
func (c IntakeConfig) IntakeKind() string {
	if c.Kind == "" {
		return IntakeHTTP
	}
	return c.Kind
}

// RequestTimeout returns the per-request timeout with its default.
func (c IntakeConfig) RequestTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultIntakeTimeout
	}
	return c.Timeout.Std()
}

// Attempts returns the retry budget with its default.
func (c IntakeConfig) Attempts() int {
	if c.MaxAttempts <= 0 {
		return DefaultIntakeMaxAttempts
	}
	return c.MaxAttempts
}

// Elapsed returns the total retry time cap with its default.
func (c IntakeConfig) Elapsed() time.Duration {
	if c.MaxElapsed <= 0 {
		return DefaultIntakeMaxElapsed
	}
	return c.MaxElapsed.Std()
}

// AuthConfig is one [auth.<name>] section.
type AuthConfig struct {
	Method         domain.AuthMethod `toml:"method" validate:"required,oneof=none static client_credentials refresh_token"`
	Token          string            `toml:"token"`
	Header         string            `toml:"header"`
	Scheme         string            `toml:"scheme"`
	TokenURL       string            `toml:"token_url" validate:"omitempty,url"`
	ClientID       string            `toml:"client_id"`
	ClientSecret   string            `toml:"client_secret"`
	RefreshToken   string            `toml:"refresh_token"`
	Scopes         []string          `toml:"scopes"`
	EndpointParams map[string]string `toml:"endpoint_params"`
	RefreshLead    domain.Duration   `toml:"refresh_lead" validate:"gte=0"`
}

// CredentialSet converts the section to a named credential set.
func (a AuthConfig) CredentialSet(name string) domain.CredentialSet {
	return domain.CredentialSet{
		Name:           name,
		Method:         a.Method,
		Token:          a.Token,
		Header:         a.Header,
		Scheme:         a.Scheme,
		TokenURL:       a.TokenURL,
		ClientID:       a.ClientID,
		ClientSecret:   a.ClientSecret,
		RefreshToken:   a.RefreshToken,
		Scopes:         a.Scopes,
		EndpointParams: a.EndpointParams,
		RefreshLead:    a.RefreshLead.Std(),
	}
}

// StreamConfig is one [[streams]] entry.
type StreamConfig struct {
	ID                 string          `toml:"id" validate:"required,max=128"`
	AdapterKind        string          `toml:"adapter_kind" validate:"required"`
	Auth               string          `toml:"auth"`
	IntakeKey          string          `toml:"intake_key" validate:"required"`
	Frequency          domain.Duration `toml:"frequency" validate:"gte=0"`
	ChunkSize          int             `toml:"chunk_size" validate:"gte=0"`
	IntakeChunkSize    int             `toml:"intake_chunk_size" validate:"gte=0"`
	Skew               domain.Duration `toml:"skew" validate:"gte=0"`
	IgnoreOlderThan    domain.Duration `toml:"ignore_older_than" validate:"gte=0"`
	MaxPagesPerCycle   int             `toml:"max_pages_per_cycle" validate:"gte=0"`
	AdapterTimeout     domain.Duration `toml:"adapter_timeout" validate:"gte=0"`
	AdapterMaxAttempts int             `toml:"adapter_max_attempts" validate:"gte=0"`

	// Disabled streams are validated but never started.
	Disabled bool `toml:"disabled"`

	AdapterConfig map[string]any `toml:"adapter_config"`
}

// Stream converts the entry to a domain stream with defaults applied.
func (s StreamConfig) Stream() domain.Stream {
	st := domain.Stream{
		ID:                 s.ID,
		AdapterKind:        s.AdapterKind,
		AdapterConfig:      s.AdapterConfig,
		Auth:               s.Auth,
		IntakeKey:          s.IntakeKey,
		Frequency:          s.Frequency.Std(),
		ChunkSize:          s.ChunkSize,
		IntakeChunkSize:    s.IntakeChunkSize,
		Skew:               s.Skew.Std(),
		IgnoreOlderThan:    s.IgnoreOlderThan.Std(),
		MaxPagesPerCycle:   s.MaxPagesPerCycle,
		AdapterTimeout:     s.AdapterTimeout.Std(),
		AdapterMaxAttempts: s.AdapterMaxAttempts,
	}
	st.ApplyDefaults()
	return st
}

// EnabledStreams returns the enabled streams in file order.
func (c *Config) EnabledStreams() []domain.Stream {
	out := make([]domain.Stream, 0, len(c.Streams))
	for _, s := range c.Streams {
		if s.Disabled {
			continue
		}
		out = append(out, s.Stream())
	}
	return out
}

// AllStreams returns every stream, disabled ones included.
func (c *Config) AllStreams() []domain.Stream {
	out := make([]domain.Stream, 0, len(c.Streams))
	for _, s := range c.Streams {
		out = append(out, s.Stream())
	}
	return out
}

// CredentialSets returns the auth sections as credential sets, sorted by name.
func (c *Config) CredentialSets() []domain.CredentialSet {
	names := make([]string, 0, len(c.Auth))
	for name := range c.Auth {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]domain.CredentialSet, 0, len(names))
	for _, name := range names {
		out = append(out, c.Auth[name].CredentialSet(name))
	}
	return out
}
