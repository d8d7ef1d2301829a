package rules

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// CountryDetector resolves the visitor's origin country from one signal
// source. Implementations return an ISO 3166-1 alpha-2 code, or the empty
// string when the source has nothing to say. Failures degrade to the empty
// string: country detection must never break page serving.
type CountryDetector interface {
	// Name identifies the detection method in logs and tests.
	Name() string

	// Detect resolves the country code for the request, "" when unknown.
	Detect(ctx *Context) string
}

// CloudflareHeader resolves the country from the edge-network header
// Cloudflare sets on proxied requests.
type CloudflareHeader struct{}

// Name implements CountryDetector.
func (CloudflareHeader) Name() string { return "cloudflare" }

// Detect implements CountryDetector.
func (CloudflareHeader) Detect(ctx *Context) string {
	if ctx.Header == nil {
		return ""
	}
	return ctx.Header.Get("CF-IPCountry")
}

// CloudfrontHeader resolves the country from the CDN viewer header CloudFront
// sets when the viewer-country policy is enabled.
type CloudfrontHeader struct{}

// Name implements CountryDetector.
func (CloudfrontHeader) Name() string { return "cloudfront" }

// Detect implements CountryDetector.
func (CloudfrontHeader) Detect(ctx *Context) string {
	if ctx.Header == nil {
		return ""
	}
	return ctx.Header.Get("CloudFront-Viewer-Country")
}

// GeoIPLookup resolves the country from the client IP via a MaxMind database.
// It is the last, most expensive link in the detection chain.
type GeoIPLookup struct {
	db *geoip2.Reader
}

// NewGeoIPLookup opens the MaxMind country database at the given path.
func NewGeoIPLookup(path string) (*GeoIPLookup, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &GeoIPLookup{db: db}, nil
}

// Name implements CountryDetector.
func (g *GeoIPLookup) Name() string { return "geoip" }

// Detect implements CountryDetector. Unparseable addresses and lookup
// failures yield "".
func (g *GeoIPLookup) Detect(ctx *Context) string {
	host := ctx.RemoteIP
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}

	record, err := g.db.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// Close releases the underlying database handle.
func (g *GeoIPLookup) Close() error { return g.db.Close() }

// DetectorChain builds the prioritized detection chain from deployment
// settings: edge headers first when trusted, then the local database when a
// path is configured. The caller owns the returned GeoIPLookup and must close
// it on shutdown; it is nil when no database path was given.
func DetectorChain(trustHeaders bool, databasePath string) ([]CountryDetector, *GeoIPLookup, error) {
	var chain []CountryDetector
	if trustHeaders {
		chain = append(chain, CloudflareHeader{}, CloudfrontHeader{})
	}

	var lookup *GeoIPLookup
	if databasePath != "" {
		var err error
		lookup, err = NewGeoIPLookup(databasePath)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, lookup)
	}
	return chain, lookup, nil
}

// OriginCountryRule matches visitors by origin country, resolved through a
// prioritized chain of detection methods. The chain short-circuits: later
// methods are not consulted once one yields a non-empty result.
type OriginCountryRule struct {
	Country string `json:"country"`

	detectors []CountryDetector
}

func decodeOriginCountryRule(params json.RawMessage, detectors []CountryDetector) (Rule, error) {
	var r OriginCountryRule
	if err := json.Unmarshal(params, &r); err != nil {
		return nil, err
	}
	if len(r.Country) != 2 {
		return nil, fmt.Errorf("country must be a two-letter ISO code, got %q", r.Country)
	}
	r.detectors = detectors
	return &r, nil
}

// Kind implements Rule.
func (r *OriginCountryRule) Kind() string { return KindOriginCountry }

// Static implements Rule.
func (r *OriginCountryRule) Static() bool { return false }

// Match resolves the visitor country and compares it case-insensitively to
// the configured one. No resolved country means no match.
func (r *OriginCountryRule) Match(ctx *Context) bool {
	country := r.ResolveCountry(ctx)
	if country == "" {
		return false
	}
	return strings.EqualFold(country, r.Country)
}

// ResolveCountry walks the detection chain and returns the first non-empty
// result.
func (r *OriginCountryRule) ResolveCountry(ctx *Context) string {
	for _, d := range r.detectors {
		if country := d.Detect(ctx); country != "" {
			return country
		}
	}
	return ""
}

// Description implements Rule.
func (r *OriginCountryRule) Description() Description {
	return Description{
		Title: "These visitors come from",
		Value: strings.ToUpper(r.Country),
	}
}
