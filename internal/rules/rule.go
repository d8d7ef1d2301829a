// Package rules provides the classification tests used to segment visitors.
// Each rule kind is a strategy evaluated against a request context to
// determine a boolean match. The set of kinds is closed: new behaviour is
// added by writing a new kind and registering it, never by discovery or
// reflection.
package rules

import (
	"encoding/json"
	"fmt"
)

// Rule kind discriminators. These values are persisted in the database
// (segment_rules.kind) and must never change for existing rows.
const (
	KindTime          = "time"
	KindDay           = "day"
	KindReferral      = "referral"
	KindVisitCount    = "visit_count"
	KindQuery         = "query"
	KindDevice        = "device"
	KindLoggedIn      = "logged_in"
	KindOriginCountry = "origin_country"
)

// Rule is a single atomic classification test owned by a segment.
//
// Match must be pure: given the rule's persisted parameters and the context,
// it returns the same result and never mutates segment or visitor state.
// A missing signal (absent header, unknown device, no visit history) is a
// non-match, never an error; personalisation degrades instead of breaking
// page serving.
type Rule interface {
	// Kind returns the persisted discriminator for this rule.
	Kind() string

	// Static reports whether the rule's outcome depends only on durable
	// identity and history, not on live per-request signals. Static rules
	// can be evaluated against a synthetic context reconstructed from
	// durable session records.
	Static() bool

	// Match tests the visitor context against the rule.
	Match(ctx *Context) bool

	// Description returns a human-readable summary for dashboards.
	Description() Description
}

// Description is the dashboard summary of a rule.
type Description struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Code  bool   `json:"code,omitempty"`
}

// UserDataProvider is implemented by static rules that can report a per-user
// diagnostic value for the membership CSV export.
type UserDataProvider interface {
	// ColumnHeader returns the CSV column header for this rule.
	ColumnHeader() string

	// UserValue returns the diagnostic value for one identity, derived
	// from that identity's durable visit history.
	UserValue(history VisitHistory) string
}

// Stored is the persisted representation of a rule: a kind discriminator and
// kind-specific JSON parameters. Decoding goes through a Registry.
type Stored struct {
	ID     int64           `json:"id"`
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// Registry decodes stored rules into concrete kinds. The set of registered
// kinds is fixed at construction; unknown kinds are a decode error so that a
// mistyped discriminator is caught at save time, not silently skipped at
// evaluation time.
type Registry struct {
	decoders map[string]func(json.RawMessage) (Rule, error)
}

// RegistryOptions carries the external collaborators individual rule kinds
// need at decode time.
type RegistryOptions struct {
	// CountryDetectors is the prioritized detection chain for
	// OriginCountryRule. When empty, the header-based detectors are used
	// without a GeoIP fallback.
	CountryDetectors []CountryDetector
}

// NewRegistry builds the registry with every known rule kind.
func NewRegistry(opts RegistryOptions) *Registry {
	detectors := opts.CountryDetectors
	if len(detectors) == 0 {
		detectors = []CountryDetector{CloudflareHeader{}, CloudfrontHeader{}}
	}

	return &Registry{
		decoders: map[string]func(json.RawMessage) (Rule, error){
			KindTime:       decodeTimeRule,
			KindDay:        decodeDayRule,
			KindReferral:   decodeReferralRule,
			KindVisitCount: decodeVisitCountRule,
			KindQuery:      decodeQueryRule,
			KindDevice:     decodeDeviceRule,
			KindLoggedIn:   decodeLoggedInRule,
			KindOriginCountry: func(params json.RawMessage) (Rule, error) {
				return decodeOriginCountryRule(params, detectors)
			},
		},
	}
}

// Encode turns a concrete rule into its persisted representation.
func Encode(rule Rule) (Stored, error) {
	params, err := json.Marshal(rule)
	if err != nil {
		return Stored{}, fmt.Errorf("failed to encode %s rule: %w", rule.Kind(), err)
	}
	return Stored{Kind: rule.Kind(), Params: params}, nil
}

// Decode turns one stored rule into its concrete kind.
func (r *Registry) Decode(stored Stored) (Rule, error) {
	decode, ok := r.decoders[stored.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown rule kind %q", stored.Kind)
	}

	rule, err := decode(stored.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s rule: %w", stored.Kind, err)
	}
	return rule, nil
}

// DecodeAll decodes a segment's full rule set, preserving order.
func (r *Registry) DecodeAll(stored []Stored) ([]Rule, error) {
	decoded := make([]Rule, 0, len(stored))
	for _, s := range stored {
		rule, err := r.Decode(s)
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, rule)
	}
	return decoded, nil
}

// Kinds returns the registered kind discriminators.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.decoders))
	for k := range r.decoders {
		kinds = append(kinds, k)
	}
	return kinds
}
