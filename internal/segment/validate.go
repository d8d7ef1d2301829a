package segment

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/chameleon-cms/chameleon/internal/rules"
)

// Validation errors surfaced to the admin save path. These are configuration
// errors: they are reported synchronously and never silently corrected.
var (
	// ErrStaticCountRequired rejects a static segment whose rule set is
	// not uniformly static and that has no capacity bound. Such a segment
	// can only be populated incrementally, and without a capacity its
	// membership would grow forever while claiming to be fixed.
	ErrStaticCountRequired = errors.New("static segments with non-static compatible rules must include a count")

	// ErrStaticSegmentFrozen rejects edits to a frozen static segment
	// beyond its name and status. Changing the rule composition or
	// matching policy would silently invalidate the computed membership.
	ErrStaticSegmentFrozen = errors.New("cannot update a frozen static segment")
)

// ValidateNew checks the save-time invariants for a segment being created.
func ValidateNew(s *Segment) error {
	if s.Name == "" {
		return fmt.Errorf("segment name cannot be empty")
	}

	if s.IsStatic() && s.Count == 0 && !s.AllRulesStatic() {
		return ErrStaticCountRequired
	}
	return nil
}

// ValidateUpdate checks whether an edit to an existing segment is allowed.
// Frozen static segments only accept name and status changes.
func ValidateUpdate(existing, updated *Segment) error {
	if err := ValidateNew(updated); err != nil {
		return err
	}

	if !existing.Frozen {
		return nil
	}

	switch {
	case existing.MatchAny != updated.MatchAny,
		existing.Persistent != updated.Persistent,
		existing.Type != updated.Type,
		existing.Count != updated.Count,
		!sameRandomisation(existing.RandomisationPercent, updated.RandomisationPercent),
		len(existing.Rules) != len(updated.Rules):
		return ErrStaticSegmentFrozen
	}

	// Rules are compared through their persisted form so a parameter-only
	// edit (a changed threshold, a different query value) is caught, not
	// just a swapped kind.
	for i := range existing.Rules {
		if !sameRule(existing.Rules[i], updated.Rules[i]) {
			return ErrStaticSegmentFrozen
		}
	}
	return nil
}

func sameRule(a, b rules.Rule) bool {
	ea, err := rules.Encode(a)
	if err != nil {
		return false
	}
	eb, err := rules.Encode(b)
	if err != nil {
		return false
	}
	return ea.Kind == eb.Kind && bytes.Equal(ea.Params, eb.Params)
}

func sameRandomisation(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
