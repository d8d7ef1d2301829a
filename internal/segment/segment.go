// Package segment defines the audience segment entity and its matching and
// lifecycle behaviour. A segment owns an ordered set of rules plus the policy
// flags deciding how membership is granted, kept and bounded.
package segment

import (
	"strings"
	"time"
	"unicode"

	"github.com/chameleon-cms/chameleon/internal/rules"
)

// Status of a segment. Disabled segments are invisible to resolution and
// their memberships are evicted on the next pass.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// Type of a segment.
type Type string

const (
	// TypeDynamic segments are re-evaluated against live rules on every
	// request.
	TypeDynamic Type = "dynamic"

	// TypeStatic segments carry a computed membership set, fixed at
	// creation or grown incrementally up to capacity.
	TypeStatic Type = "static"
)

// Segment is a named, rule-defined audience bucket.
type Segment struct {
	ID   int64
	Name string

	Status     Status
	Persistent bool
	MatchAny   bool
	Type       Type

	// Count bounds static membership; zero means unlimited.
	Count int

	// RandomisationPercent gates admission after a rule match: a visitor
	// is admitted with this probability. Nil means unconditional.
	RandomisationPercent *int

	// VisitCount accumulates one visit per qualifying page view across
	// all members. Reset to zero when the segment is enabled.
	VisitCount int64

	// Frozen marks a static segment whose membership set has been
	// computed and must no longer change shape.
	Frozen bool

	// MatchedUsersCount is the creation-time diagnostic estimate for
	// static segments that cannot be populated synchronously.
	MatchedUsersCount     int
	MatchedCountUpdatedAt *time.Time

	CreatedAt  time.Time
	UpdatedAt  time.Time
	EnabledAt  *time.Time
	DisabledAt *time.Time

	Rules []rules.Rule
}

// SetStatus performs the enable/disable transition with its side effects:
// enabling stamps the enable time and resets the cumulative visit counter,
// disabling stamps the disable time. It compares the previous value before
// committing, so repeated calls with the same status are no-ops. Callers must
// use this method instead of assigning Status directly.
func (s *Segment) SetStatus(next Status, now time.Time) {
	if s.Status == next {
		return
	}

	s.Status = next
	switch next {
	case StatusEnabled:
		s.EnabledAt = &now
		s.VisitCount = 0
	case StatusDisabled:
		s.DisabledAt = &now
	}
}

// Toggle flips the status between enabled and disabled.
func (s *Segment) Toggle(now time.Time) {
	if s.Status == StatusEnabled {
		s.SetStatus(StatusDisabled, now)
	} else {
		s.SetStatus(StatusEnabled, now)
	}
}

// Enabled reports whether the segment participates in resolution.
func (s *Segment) Enabled() bool { return s.Status == StatusEnabled }

// IsStatic reports whether the segment carries a fixed membership set.
func (s *Segment) IsStatic() bool { return s.Type == TypeStatic }

// Matches evaluates the segment's rule set against a visitor context.
//
// With MatchAny set, one matching rule suffices and evaluation stops at the
// first match. Otherwise every rule must match and evaluation stops at the
// first miss. A segment with no rules never matches under either policy:
// vacuous truth is rejected.
func (s *Segment) Matches(ctx *rules.Context) bool {
	if len(s.Rules) == 0 {
		return false
	}

	for _, rule := range s.Rules {
		matched := rule.Match(ctx)
		if s.MatchAny {
			if matched {
				return true
			}
		} else if !matched {
			return false
		}
	}
	return !s.MatchAny
}

// AllRulesStatic reports whether every owned rule is static, i.e. the
// segment can be populated from durable records without a live request.
// A segment with no rules is not considered static-compatible.
func (s *Segment) AllRulesStatic() bool {
	if len(s.Rules) == 0 {
		return false
	}
	for _, rule := range s.Rules {
		if !rule.Static() {
			return false
		}
	}
	return true
}

// StaticRules returns the static-eligible subset of the rule set, preserving
// order. Used for the matched-users diagnostic and the CSV export columns.
func (s *Segment) StaticRules() []rules.Rule {
	static := make([]rules.Rule, 0, len(s.Rules))
	for _, rule := range s.Rules {
		if rule.Static() {
			static = append(static, rule)
		}
	}
	return static
}

// MatchesStatic evaluates only the static-eligible rules under the segment's
// matching policy. An empty static subset never matches.
func (s *Segment) MatchesStatic(ctx *rules.Context) bool {
	static := s.StaticRules()
	if len(static) == 0 {
		return false
	}

	probe := Segment{MatchAny: s.MatchAny, Rules: static}
	return probe.Matches(ctx)
}

// IsFull reports whether the static membership capacity has been reached.
// A zero capacity never fills.
func (s *Segment) IsFull(memberCount int) bool {
	return s.Count > 0 && memberCount >= s.Count
}

// RandomiseInto decides admission after a rule match. The draw function must
// return a uniform integer in [1, 100]. A nil randomisation percent admits
// unconditionally; percent zero never admits; percent 100 always admits.
func (s *Segment) RandomiseInto(draw func() int) bool {
	if s.RandomisationPercent == nil {
		return true
	}
	return draw() <= *s.RandomisationPercent
}

// EncodedName returns the url-safe slug for the segment name.
func (s *Segment) EncodedName() string {
	return Slugify(s.Name)
}

// ActiveDays returns how many days the segment has been enabled, measured
// from the enable stamp to the disable stamp or now.
func (s *Segment) ActiveDays(now time.Time) int {
	if s.EnabledAt == nil {
		return 0
	}

	until := now
	if s.DisabledAt != nil && s.DisabledAt.After(*s.EnabledAt) {
		until = *s.DisabledAt
	}
	days := int(until.Sub(*s.EnabledAt).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Slugify lowercases a name and collapses every non-alphanumeric run into a
// single hyphen.
func Slugify(name string) string {
	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if hyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			hyphen = false
			b.WriteRune(r)
		} else {
			hyphen = true
		}
	}
	return b.String()
}
