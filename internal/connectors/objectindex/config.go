package objectindex

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/custodia-labs/ingestd/internal/connectors/eventjson"
	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// Backends.
const (
	BackendHTTP = "http"
	BackendDir  = "dir"
)

// Object formats.
const (
	FormatNDJSON = "ndjson"
	FormatJSON   = "json"
)

// Compression modes. Auto detects gzip by its magic bytes.
const (
	CompressionAuto = "auto"
	CompressionGzip = "gzip"
	CompressionNone = "none"
)

// Where a new stream starts.
const (
	StartEarliest = "earliest"
	StartLatest   = "latest"
)

// Defaults for adapter_config keys.
const (
	DefaultMaxObjects     = 20
	DefaultMaxObjectBytes = 256 << 20
	DefaultMaxLineBytes   = 4 << 20
)

// Config is the adapter_config of an objectindex stream.
type Config struct {
	Backend string

	// IndexURL lists the objects of an http backend. The listing is a JSON
	// document with an array of entries at ObjectsField; each entry has an
	// id, a url (absolute or relative to the index) and optionally a
	// sha256 checksum and a name.
	IndexURL      string
	ObjectsField  string
	ObjectIDField string
	URLField      string
	ChecksumField string
	NameField     string

	// Dir holds the objects of a dir backend. File names start with the
	// object id ("000042.ndjson.gz"); a "<name>.sha256" sidecar carries
	// the checksum.
	Dir   string
	Watch bool

	Format       string
	RecordsField string
	Compression  string

	// DecryptKey is an AES key for objects sealed with AES-GCM, the
	// 12-byte nonce prepended to the ciphertext.
	DecryptKey []byte

	// Record fields.
	IDField   string
	TimeField string
	Category  string

	Ordered        bool
	Start          string
	MaxObjects     int
	MaxObjectBytes int64
	MaxLineBytes   int
}

// ParseConfig reads the adapter_config of stream.
func ParseConfig(stream domain.Stream) (*Config, error) {
	cfg := &Config{
		Backend:        stream.ConfigString("backend", ""),
		IndexURL:       stream.ConfigString("index_url", ""),
		ObjectsField:   stream.ConfigString("objects_field", "objects"),
		ObjectIDField:  stream.ConfigString("object_id_field", "id"),
		URLField:       stream.ConfigString("url_field", "url"),
		ChecksumField:  stream.ConfigString("checksum_field", "sha256"),
		NameField:      stream.ConfigString("name_field", "name"),
		Dir:            stream.ConfigString("dir", ""),
		Watch:          stream.ConfigBool("watch", true),
		Format:         stream.ConfigString("format", FormatNDJSON),
		RecordsField:   stream.ConfigString("records_field", ""),
		Compression:    stream.ConfigString("compression", CompressionAuto),
		IDField:        stream.ConfigString("id_field", "id"),
		TimeField:      stream.ConfigString("time_field", "timestamp"),
		Category:       stream.ConfigString("category", stream.ID),
		Ordered:        stream.ConfigBool("ordered", true),
		Start:          stream.ConfigString("start", StartEarliest),
		MaxObjects:     stream.ConfigInt("max_objects", DefaultMaxObjects),
		MaxObjectBytes: int64(stream.ConfigInt("max_object_bytes", DefaultMaxObjectBytes)),
		MaxLineBytes:   stream.ConfigInt("max_line_bytes", DefaultMaxLineBytes),
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendHTTP
		if cfg.Dir != "" {
			cfg.Backend = BackendDir
		}
	}

	var errs []error
	switch cfg.Backend {
	case BackendHTTP:
		if u, err := url.Parse(cfg.IndexURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("index_url %q is not absolute", cfg.IndexURL))
		}
	case BackendDir:
		if cfg.Dir == "" {
			errs = append(errs, errors.New("dir is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend %q: want %s or %s", cfg.Backend, BackendHTTP, BackendDir))
	}
	switch cfg.Format {
	case FormatNDJSON, FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("format %q: want %s or %s", cfg.Format, FormatNDJSON, FormatJSON))
	}
	switch cfg.Compression {
	case CompressionAuto, CompressionGzip, CompressionNone:
	default:
		errs = append(errs, fmt.Errorf("compression %q: want %s, %s or %s", cfg.Compression, CompressionAuto, CompressionGzip, CompressionNone))
	}
	switch cfg.Start {
	case StartEarliest, StartLatest:
	default:
		errs = append(errs, fmt.Errorf("start %q: want %s or %s", cfg.Start, StartEarliest, StartLatest))
	}
	if cfg.MaxObjects <= 0 {
		errs = append(errs, errors.New("max_objects must be positive"))
	}
	if cfg.MaxObjectBytes <= 0 || cfg.MaxLineBytes <= 0 {
		errs = append(errs, errors.New("max_object_bytes and max_line_bytes must be positive"))
	}
	if cfg.TimeField == "" {
		errs = append(errs, errors.New("time_field is required"))
	}
	if key := stream.ConfigString("decrypt_key", ""); key != "" {
		k, err := parseKey(key)
		if err != nil {
			errs = append(errs, err)
		}
		cfg.DecryptKey = k
	}

	if len(errs) > 0 {
		return nil, domain.FatalConfig("objectindex config", fmt.Errorf("%w: %w", domain.ErrInvalidInput, errors.Join(errs...)))
	}
	return cfg, nil
}

// parseKey accepts a hex or base64 AES-128, AES-192 or AES-256 key.
func parseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	key, err := hex.DecodeString(s)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, errors.New("decrypt_key is neither hex nor base64")
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("decrypt_key is %d bytes, want 16, 24 or 32", len(key))
	}
}

func (c *Config) fields() eventjson.Fields {
	return eventjson.Fields{ID: c.IDField, Time: c.TimeField}
}
