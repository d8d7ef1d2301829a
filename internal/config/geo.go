package config

// GeoConfig configures country-of-origin detection for rule evaluation.
type GeoConfig struct {
	// TrustHeaders enables reading edge-provided country headers
	// (Cloudflare, CloudFront) before falling back to the local database.
	TrustHeaders bool `envconfig:"TRUST_HEADERS" default:"true"`

	// DatabasePath points to a MaxMind GeoIP2/GeoLite2 country database.
	// Empty disables local IP lookups.
	DatabasePath string `envconfig:"DATABASE_PATH"`
}

// IsConfigured returns true when at least one detection source is available.
func (c *GeoConfig) IsConfigured() bool {
	return c.TrustHeaders || c.DatabasePath != ""
}
