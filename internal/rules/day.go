package rules

import (
	"encoding/json"
	"strings"
	"time"
)

// DayRule matches visits made on selected weekdays.
type DayRule struct {
	Monday    bool `json:"mon"`
	Tuesday   bool `json:"tue"`
	Wednesday bool `json:"wed"`
	Thursday  bool `json:"thu"`
	Friday    bool `json:"fri"`
	Saturday  bool `json:"sat"`
	Sunday    bool `json:"sun"`
}

func decodeDayRule(params json.RawMessage) (Rule, error) {
	var r DayRule
	if err := json.Unmarshal(params, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Kind implements Rule.
func (r *DayRule) Kind() string { return KindDay }

// Static implements Rule.
func (r *DayRule) Static() bool { return false }

// Match reports whether the flag for the context's weekday is set.
func (r *DayRule) Match(ctx *Context) bool {
	switch ctx.Now.Weekday() {
	case time.Monday:
		return r.Monday
	case time.Tuesday:
		return r.Tuesday
	case time.Wednesday:
		return r.Wednesday
	case time.Thursday:
		return r.Thursday
	case time.Friday:
		return r.Friday
	case time.Saturday:
		return r.Saturday
	case time.Sunday:
		return r.Sunday
	}
	return false
}

// Description implements Rule.
func (r *DayRule) Description() Description {
	names := []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}
	flags := []bool{r.Monday, r.Tuesday, r.Wednesday, r.Thursday, r.Friday, r.Saturday, r.Sunday}

	chosen := make([]string, 0, len(names))
	for i, set := range flags {
		if set {
			chosen = append(chosen, names[i])
		}
	}

	return Description{
		Title: "These users visit on",
		Value: strings.Join(chosen, ", "),
	}
}
