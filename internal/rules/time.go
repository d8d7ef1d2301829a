package rules

import (
	"encoding/json"
	"fmt"
	"time"
)

// clockLayout is the persisted wall-clock format for rule windows.
const clockLayout = "15:04"

// TimeRule matches visits made inside a daily wall-clock window.
//
// A window whose start lies after its end (a midnight wrap, e.g. 13:00-09:00)
// never matches. That is the documented behaviour, not an oversight: windows
// do not wrap.
type TimeRule struct {
	Start string `json:"start_time"`
	End   string `json:"end_time"`

	// Minutes since midnight, precomputed at decode.
	startMin int
	endMin   int
}

func decodeTimeRule(params json.RawMessage) (Rule, error) {
	var r TimeRule
	if err := json.Unmarshal(params, &r); err != nil {
		return nil, err
	}

	var err error
	if r.startMin, err = parseClock(r.Start); err != nil {
		return nil, fmt.Errorf("invalid start_time: %w", err)
	}
	if r.endMin, err = parseClock(r.End); err != nil {
		return nil, fmt.Errorf("invalid end_time: %w", err)
	}
	return &r, nil
}

// Kind implements Rule.
func (r *TimeRule) Kind() string { return KindTime }

// Static implements Rule. The match depends on the live clock.
func (r *TimeRule) Static() bool { return false }

// Match reports whether the context time falls inside [start, end].
func (r *TimeRule) Match(ctx *Context) bool {
	now := ctx.Now.Hour()*60 + ctx.Now.Minute()
	return r.startMin <= now && now <= r.endMin
}

// Description implements Rule.
func (r *TimeRule) Description() Description {
	return Description{
		Title: "These users visit between",
		Value: fmt.Sprintf("%s and %s", r.Start, r.End),
	}
}

func parseClock(s string) (int, error) {
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
