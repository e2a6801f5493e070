package domain

import "time"

// Engine defaults.
const (
	DefaultHealthInterval      = 5 * time.Second
	DefaultMaintenanceInterval = 5 * time.Minute
	DefaultShutdownGrace       = 30 * time.Second
	DefaultMaxInflightIntake   = 8
	DefaultRecentIDsTTL        = 72 * time.Hour
	DefaultRunHistory          = 100
)

// EngineSettings holds process-wide supervisor configuration.
type EngineSettings struct {
	// HealthInterval is how often worker liveness is checked.
	HealthInterval time.Duration

	// MaintenanceInterval is how often caches are compacted, shared auth is
	// refreshed and metrics are exported.
	MaintenanceInterval time.Duration

	// ShutdownGrace bounds how long workers may take to drain on shutdown.
	ShutdownGrace time.Duration

	// MaxInflightIntake caps outstanding intake requests across all workers.
	MaxInflightIntake int

	// RecentIDsCapacity is the dedup cache size per stream.
	RecentIDsCapacity int

	// RecentIDsTTL drops dedup entries older than this during compaction.
	RecentIDsTTL time.Duration

	// RunHistory is how many worker runs are kept per stream.
	RunHistory int
}

// DefaultEngineSettings returns sensible defaults for the supervisor.
func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		HealthInterval:      DefaultHealthInterval,
		MaintenanceInterval: DefaultMaintenanceInterval,
		ShutdownGrace:       DefaultShutdownGrace,
		MaxInflightIntake:   DefaultMaxInflightIntake,
		RecentIDsCapacity:   DefaultRecentIDsCapacity,
		RecentIDsTTL:        DefaultRecentIDsTTL,
		RunHistory:          DefaultRunHistory,
	}
}

// WithDefaults returns a copy with unset fields filled in.
func (s EngineSettings) WithDefaults() EngineSettings {
	def := DefaultEngineSettings()
	if s.HealthInterval <= 0 {
		s.HealthInterval = def.HealthInterval
	}
	if s.MaintenanceInterval <= 0 {
		s.MaintenanceInterval = def.MaintenanceInterval
	}
	if s.ShutdownGrace <= 0 {
		s.ShutdownGrace = def.ShutdownGrace
	}
	if s.MaxInflightIntake <= 0 {
		s.MaxInflightIntake = def.MaxInflightIntake
	}
	if s.RecentIDsCapacity <= 0 {
		s.RecentIDsCapacity = def.RecentIDsCapacity
	}
	if s.RecentIDsTTL < 0 {
		s.RecentIDsTTL = 0
	}
	if s.RunHistory <= 0 {
		s.RunHistory = def.RunHistory
	}
	return s
}
