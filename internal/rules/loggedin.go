package rules

import "encoding/json"

// LoggedInRule matches visitors by their authentication status.
type LoggedInRule struct {
	LoggedIn bool `json:"is_logged_in"`
}

func decodeLoggedInRule(params json.RawMessage) (Rule, error) {
	var r LoggedInRule
	if err := json.Unmarshal(params, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Kind implements Rule.
func (r *LoggedInRule) Kind() string { return KindLoggedIn }

// Static implements Rule. Authentication is identity state, so the rule can
// be evaluated for a known identity without a live request.
func (r *LoggedInRule) Static() bool { return true }

// Match reports whether the visitor's authentication status equals the
// configured one.
func (r *LoggedInRule) Match(ctx *Context) bool {
	return ctx.Authenticated == r.LoggedIn
}

// Description implements Rule.
func (r *LoggedInRule) Description() Description {
	status := "Logged in"
	if !r.LoggedIn {
		status = "Not logged in"
	}
	return Description{
		Title: "These visitors are",
		Value: status,
	}
}

// ColumnHeader implements UserDataProvider.
func (r *LoggedInRule) ColumnHeader() string { return "Logged in" }

// UserValue implements UserDataProvider. Every exported identity is a known
// account, so the value reflects the configured expectation.
func (r *LoggedInRule) UserValue(VisitHistory) string {
	if r.LoggedIn {
		return "yes"
	}
	return "no"
}
