package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// ReferralRule matches visits whose Referer header matches a regular
// expression. An absent header is a non-match, not an error.
type ReferralRule struct {
	Pattern string `json:"regex"`

	re *regexp.Regexp
}

func decodeReferralRule(params json.RawMessage) (Rule, error) {
	var r ReferralRule
	if err := json.Unmarshal(params, &r); err != nil {
		return nil, err
	}

	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid referral pattern: %w", err)
	}
	r.re = re
	return &r, nil
}

// Kind implements Rule.
func (r *ReferralRule) Kind() string { return KindReferral }

// Static implements Rule.
func (r *ReferralRule) Static() bool { return false }

// Match reports whether the referrer header matches the pattern anywhere
// (unanchored search).
func (r *ReferralRule) Match(ctx *Context) bool {
	if ctx.Referrer == "" {
		return false
	}
	return r.re.MatchString(ctx.Referrer)
}

// Description implements Rule.
func (r *ReferralRule) Description() Description {
	return Description{
		Title: "These visits originate from",
		Value: r.Pattern,
		Code:  true,
	}
}
