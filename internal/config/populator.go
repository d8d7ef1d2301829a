package config

import "time"

// PopulatorConfig contains configuration for the static population worker.
type PopulatorConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"true"`

	// Interval is how often the worker scans for unfrozen static segments.
	Interval time.Duration `envconfig:"INTERVAL" default:"1m" validate:"gt=0"`

	// UserBatchSize bounds how many users are fetched per page while
	// scanning the user table.
	UserBatchSize int `envconfig:"USER_BATCH_SIZE" default:"500" validate:"min=1"`

	// RunTimeout bounds a single population pass.
	RunTimeout time.Duration `envconfig:"RUN_TIMEOUT" default:"5m" validate:"gt=0"`
}
