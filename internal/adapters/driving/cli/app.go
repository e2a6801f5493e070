package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/custodia-labs/ingestd/internal/adapters/driven/auth"
	config "github.com/custodia-labs/ingestd/internal/adapters/driven/config/file"
	"github.com/custodia-labs/ingestd/internal/adapters/driven/intake/elasticsearch"
	intakefile "github.com/custodia-labs/ingestd/internal/adapters/driven/intake/file"
	"github.com/custodia-labs/ingestd/internal/adapters/driven/intake/httpintake"
	"github.com/custodia-labs/ingestd/internal/adapters/driven/metrics/prommetrics"
	"github.com/custodia-labs/ingestd/internal/adapters/driven/storage/dynamodb"
	filestore "github.com/custodia-labs/ingestd/internal/adapters/driven/storage/file"
	"github.com/custodia-labs/ingestd/internal/adapters/driven/storage/memory"
	"github.com/custodia-labs/ingestd/internal/adapters/driven/storage/sqlite"
	"github.com/custodia-labs/ingestd/internal/connectors"
	"github.com/custodia-labs/ingestd/internal/connectors/ratelimit"
	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
	"github.com/custodia-labs/ingestd/internal/core/services"
	"github.com/custodia-labs/ingestd/internal/retry"
)

// loadConfig reads the configuration file and checks every adapter kind
// against the default factory.
func loadConfig(path string) (*config.Config, *connectors.Factory, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	factory := connectors.NewDefaultFactory()
	if err := cfg.Validate(factory.SupportedKinds()); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, factory, nil
}

// adapterEnv hands out the shared resources adapters are built with.
type adapterEnv struct {
	auth   *auth.Registry
	limits *ratelimit.Registry
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	transports map[string]*http.Transport
}

func newAdapterEnv(cfg *config.Config, log *zap.Logger) (*adapterEnv, error) {
	registry, err := auth.NewRegistry(cfg.CredentialSets(), auth.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return &adapterEnv{
		auth:       registry,
		limits:     ratelimit.NewRegistry(cfg.RateLimits),
		logger:     log,
		now:        time.Now,
		transports: make(map[string]*http.Transport),
	}, nil
}

// transport returns the connection pool of an adapter kind.
func (e *adapterEnv) transport(kind string) *http.Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.transports[kind]; ok {
		return t
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 16
	e.transports[kind] = t
	return t
}

// Deps returns the adapter resources of stream. Streams naming a credential
// set get a client whose transport attaches that set's credential.
func (e *adapterEnv) Deps(stream domain.Stream) driven.AdapterDeps {
	deps := driven.AdapterDeps{
		Limiter: e.limits.For(stream.AdapterKind),
		Logger:  e.logger.With(zap.String("adapter_kind", stream.AdapterKind)),
		Now:     e.now,
	}
	base := e.transport(stream.AdapterKind)
	deps.HTTPClient = &http.Client{Transport: base}

	// Load rejects unknown credential sets, so lookup failures are wiring bugs.
	provider, err := e.auth.Get(stream.Auth)
	if err != nil {
		e.logger.Error("stream credential set", zap.String("stream_id", stream.ID), zap.Error(err))
		return deps
	}
	if provider == nil {
		return deps
	}
	set, err := e.auth.Set(stream.Auth)
	if err != nil {
		e.logger.Error("stream credential set", zap.String("stream_id", stream.ID), zap.Error(err))
		return deps
	}
	deps.Auth = provider
	deps.HTTPClient = &http.Client{Transport: auth.NewTransport(base, provider, set)}
	return deps
}

func (e *adapterEnv) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.transports {
		t.CloseIdleConnections()
	}
}

// openStore opens the configured cursor store. Only the sqlite store keeps
// run history across restarts; the others record it in memory. The closer
// releases whatever backs the store.
func openStore(ctx context.Context, cfg *config.Config, settings domain.EngineSettings) (driven.CursorStore, driven.RunStore, io.Closer, error) {
	capacity := settings.RecentIDsCapacity
	switch kind := cfg.CursorStore.StoreKind(); kind {
	case config.StoreFile:
		store, err := filestore.NewCursorStore(cfg.CursorStore.Dir, filestore.WithRecentIDsCapacity(capacity))
		if err != nil {
			return nil, nil, nil, err
		}
		return store, memory.NewRunStore(), store, nil
	case config.StoreSQLite:
		db, err := sqlite.NewStore(cfg.CursorStore.Dir, sqlite.WithRecentIDsCapacity(capacity))
		if err != nil {
			return nil, nil, nil, err
		}
		return db.CursorStore(), db.RunStore(), db, nil
	case config.StoreDynamoDB:
		store, err := dynamodb.New(ctx, *cfg.CursorStore.DynamoDB, dynamodb.WithRecentIDsCapacity(capacity))
		if err != nil {
			return nil, nil, nil, err
		}
		return store, memory.NewRunStore(), store, nil
	case config.StoreMemory:
		store := memory.NewCursorStore(capacity)
		return store, memory.NewRunStore(), store, nil
	default:
		return nil, nil, nil, fmt.Errorf("cursor store %q: %w", kind, domain.ErrUnsupportedType)
	}
}

// openIntake opens the configured intake.
func openIntake(cfg config.IntakeConfig) (driven.Intake, error) {
	var (
		intake driven.Intake
		err    error
	)
	switch kind := cfg.IntakeKind(); kind {
	case config.IntakeHTTP:
		var i *httpintake.Intake
		if i, err = httpintake.New(*cfg.HTTP); err == nil {
			intake = i
		}
	case config.IntakeElasticsearch:
		var i *elasticsearch.Intake
		if i, err = elasticsearch.New(*cfg.Elasticsearch); err == nil {
			intake = i
		}
	case config.IntakeFile:
		var i *intakefile.Intake
		if i, err = intakefile.New(*cfg.File); err == nil {
			intake = i
		}
	default:
		err = fmt.Errorf("intake %q: %w", kind, domain.ErrUnsupportedType)
	}
	if err != nil {
		return nil, err
	}
	return intake, nil
}

// App is the wired process.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Store      driven.CursorStore
	Runs       driven.RunStore
	Intake     driven.Intake
	Metrics    *prommetrics.Metrics
	Supervisor *services.Supervisor

	env         *adapterEnv
	storeCloser io.Closer
}

// newApp opens every backend named by cfg and builds the supervisor.
// On error everything opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, factory driven.AdapterFactory, log *zap.Logger) (_ *App, err error) {
	settings := cfg.Engine.Settings()
	app := &App{Config: cfg, Logger: log, Metrics: prommetrics.New()}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if app.env, err = newAdapterEnv(cfg, log); err != nil {
		return nil, err
	}
	if app.Store, app.Runs, app.storeCloser, err = openStore(ctx, cfg, settings); err != nil {
		return nil, fmt.Errorf("opening cursor store: %w", err)
	}
	if app.Intake, err = openIntake(cfg.Intake); err != nil {
		return nil, fmt.Errorf("opening intake: %w", err)
	}

	intakeRetry := retry.DefaultPolicy()
	intakeRetry.MaxAttempts = cfg.Intake.Attempts()
	intakeRetry.MaxElapsed = cfg.Intake.Elapsed()
	forwarder := services.NewForwarder(app.Intake, services.ForwarderConfig{
		MaxInflight:    settings.MaxInflightIntake,
		RequestTimeout: cfg.Intake.RequestTimeout(),
		Retry:          intakeRetry,
	}, log)

	app.Supervisor, err = services.NewSupervisor(services.SupervisorConfig{
		Settings:  settings,
		Streams:   cfg.EnabledStreams(),
		Factory:   factory,
		Deps:      app.env.Deps,
		Store:     app.Store,
		Runs:      app.Runs,
		Forwarder: forwarder,
		Metrics:   app.Metrics,
		Exporter:  prommetrics.NewExporter(cfg.Metrics, app.Metrics),
		Auth:      app.env.auth.All(),
		Backoff:   retry.DefaultPolicy(),
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Close releases the intake, the cursor store and idle connections.
func (a *App) Close() error {
	var errs []error
	if a.Intake != nil {
		errs = append(errs, a.Intake.Close())
	}
	if a.storeCloser != nil {
		errs = append(errs, a.storeCloser.Close())
	}
	if a.env != nil {
		a.env.close()
	}
	return errors.Join(errs...)
}

// closeAdapter closes adapters holding resources, such as file watchers.
func closeAdapter(adapter driven.SourceAdapter) error {
	if c, ok := adapter.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
