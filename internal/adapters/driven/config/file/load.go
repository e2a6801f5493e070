package file

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// envRef matches ${NAME} and ${NAME:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LookupEnv resolves environment references. Tests substitute a map.
type LookupEnv func(name string) (string, bool)

// Loader reads and checks configuration files.
type Loader struct {
	lookup   LookupEnv
	validate *validator.Validate
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLookupEnv sets the environment lookup.
func WithLookupEnv(fn LookupEnv) LoaderOption {
	return func(l *Loader) { l.lookup = fn }
}

// NewLoader creates a loader reading the process environment.
func NewLoader(opts ...LoaderOption) *Loader {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	l := &Loader{lookup: os.LookupEnv, validate: v}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the file at path, expands environment references, decodes it
// and checks its structure. Adapter kinds are checked by Validate.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Load reads the file at path.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes configuration text.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded, err := l.expand(data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(expanded))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, decodeError(err)
	}

	if err := l.validate.Struct(&cfg); err != nil {
		return nil, validationError(err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expand replaces environment references. A reference to an unset variable
// without a default is an error, so a missing secret never becomes an
// empty token.
func (l *Loader) expand(data []byte) ([]byte, error) {
	var missing []string
	out := envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		m := envRef.FindSubmatch(ref)
		name := string(m[1])
		if v, ok := l.lookup(name); ok {
			return []byte(tomlEscape(v))
		}
		if bytes.Contains(ref, []byte(":-")) {
			return m[2]
		}
		missing = append(missing, name)
		return ref
	})
	if len(missing) > 0 {
		slices.Sort(missing)
		missing = slices.Compact(missing)
		return nil, fmt.Errorf("unset environment variables %s: %w", strings.Join(missing, ", "), domain.ErrInvalidInput)
	}
	return out, nil
}

// tomlEscape keeps substituted values inside basic strings intact.
func tomlEscape(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return r.Replace(v)
}

func decodeError(err error) error {
	var derr *toml.DecodeError
	if errors.As(err, &derr) {
		row, col := derr.Position()
		return fmt.Errorf("line %d column %d: %s: %w", row, col, derr.Error(), domain.ErrInvalidInput)
	}
	var serr *toml.StrictMissingError
	if errors.As(err, &serr) {
		return fmt.Errorf("unknown keys:\n%s: %w", serr.String(), domain.ErrInvalidInput)
	}
	return fmt.Errorf("decoding config: %v: %w", err, domain.ErrInvalidInput)
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %v: %w", err, domain.ErrInvalidInput)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s: %w", strings.Join(msgs, "; "), domain.ErrInvalidInput)
}

// check runs the cross-field rules tags cannot express.
func (c *Config) check() error {
	var errs []error

	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("streams[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		if s.Auth != "" {
			if _, ok := c.Auth[s.Auth]; !ok {
				errs = append(errs, fmt.Errorf("streams[%d] %q: unknown auth %q", i, s.ID, s.Auth))
			}
		}
	}

	for name, a := range c.Auth {
		switch a.Method {
		case domain.AuthMethodStatic:
			if a.Token == "" {
				errs = append(errs, fmt.Errorf("auth.%s: static method needs token", name))
			}
		case domain.AuthMethodClientCredentials:
			if a.TokenURL == "" || a.ClientID == "" {
				errs = append(errs, fmt.Errorf("auth.%s: client_credentials needs token_url and client_id", name))
			}
		case domain.AuthMethodRefreshToken:
			if a.TokenURL == "" || a.RefreshToken == "" {
				errs = append(errs, fmt.Errorf("auth.%s: refresh_token needs token_url and refresh_token", name))
			}
		}
	}

	switch c.CursorStore.StoreKind() {
	case StoreFile, StoreSQLite:
		if c.CursorStore.Dir == "" {
			errs = append(errs, fmt.Errorf("cursor_store: %s store needs dir", c.CursorStore.StoreKind()))
		}
	case StoreDynamoDB:
		if c.CursorStore.DynamoDB == nil {
			errs = append(errs, errors.New("cursor_store: dynamodb store needs a [cursor_store.dynamodb] section"))
		}
	}

	switch c.Intake.IntakeKind() {
	case IntakeHTTP:
		if c.Intake.HTTP == nil {
			errs = append(errs, errors.New("intake: http intake needs an [intake.http] section"))
		}
	case IntakeElasticsearch:
		if c.Intake.Elasticsearch == nil {
			errs = append(errs, errors.New("intake: elasticsearch intake needs an [intake.elasticsearch] section"))
		}
	case IntakeFile:
		if c.Intake.File == nil {
			errs = append(errs, errors.New("intake: file intake needs an [intake.file] section"))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %w: %w", errors.Join(errs...), domain.ErrInvalidInput)
}

// Validate checks that every stream names a registered adapter kind.
func (c *Config) Validate(kinds []string) error {
	var errs []error
	for i, s := range c.Streams {
		if !slices.Contains(kinds, s.AdapterKind) {
			errs = append(errs, fmt.Errorf("streams[%d] %q: unknown adapter kind %q", i, s.ID, s.AdapterKind))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", errors.Join(errs...), domain.ErrUnsupportedType)
}
