package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Comparison operators for VisitCountRule.
const (
	OperatorMoreThan = "more_than"
	OperatorLessThan = "less_than"
	OperatorEqualTo  = "equal_to"
)

// VisitCountRule matches visitors by how often they visited a specific page.
//
// The rule is static: the visit history lives in durable session records, so
// it can be evaluated for an identity without a live request. A visitor with
// no recorded visits for the page never matches, regardless of operator.
type VisitCountRule struct {
	PageID    int64  `json:"page_id"`
	PagePath  string `json:"page_path"`
	Operator  string `json:"operator"`
	Threshold int    `json:"count"`
}

func decodeVisitCountRule(params json.RawMessage) (Rule, error) {
	var r VisitCountRule
	if err := json.Unmarshal(params, &r); err != nil {
		return nil, err
	}

	switch r.Operator {
	case OperatorMoreThan, OperatorLessThan, OperatorEqualTo:
	default:
		return nil, fmt.Errorf("invalid visit count operator %q", r.Operator)
	}
	return &r, nil
}

// Kind implements Rule.
func (r *VisitCountRule) Kind() string { return KindVisitCount }

// Static implements Rule. Visit history is durable per-identity state.
func (r *VisitCountRule) Static() bool { return true }

// Match compares the recorded count for the target page to the threshold.
func (r *VisitCountRule) Match(ctx *Context) bool {
	if ctx.Visits == nil {
		return false
	}

	count := ctx.Visits.VisitCount(r.PagePath)
	if count == 0 {
		return false
	}

	switch r.Operator {
	case OperatorMoreThan:
		return count > r.Threshold
	case OperatorLessThan:
		return count < r.Threshold
	case OperatorEqualTo:
		return count == r.Threshold
	}
	return false
}

// Description implements Rule.
func (r *VisitCountRule) Description() Description {
	return Description{
		Title: fmt.Sprintf("These users visited %s", r.PagePath),
		Value: fmt.Sprintf("%s %d times", r.Operator, r.Threshold),
	}
}

// ColumnHeader implements UserDataProvider.
func (r *VisitCountRule) ColumnHeader() string {
	return fmt.Sprintf("Visit count (%s)", r.PagePath)
}

// UserValue implements UserDataProvider.
func (r *VisitCountRule) UserValue(history VisitHistory) string {
	if history == nil {
		return "0"
	}
	return strconv.Itoa(history.VisitCount(r.PagePath))
}
