package rules

import (
	"encoding/json"
	"fmt"
)

// QueryRule matches requests carrying a query parameter with an exact value.
// Comparison is plain string equality, no normalisation.
type QueryRule struct {
	Parameter string `json:"parameter"`
	Value     string `json:"value"`
}

func decodeQueryRule(params json.RawMessage) (Rule, error) {
	var r QueryRule
	if err := json.Unmarshal(params, &r); err != nil {
		return nil, err
	}
	if r.Parameter == "" {
		return nil, fmt.Errorf("query rule parameter cannot be empty")
	}
	return &r, nil
}

// Kind implements Rule.
func (r *QueryRule) Kind() string { return KindQuery }

// Static implements Rule.
func (r *QueryRule) Static() bool { return false }

// Match reports whether the named parameter's value equals the configured one.
// An absent parameter yields the empty string and therefore no match.
func (r *QueryRule) Match(ctx *Context) bool {
	if ctx.Query == nil {
		return false
	}
	return ctx.Query.Get(r.Parameter) == r.Value
}

// Description implements Rule.
func (r *QueryRule) Description() Description {
	return Description{
		Title: "These users used a url with the query",
		Value: fmt.Sprintf("?%s=%s", r.Parameter, r.Value),
		Code:  true,
	}
}
