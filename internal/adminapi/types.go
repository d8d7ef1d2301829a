// Package adminapi handles HTTP routing, request decoding, validation, and
// response formatting for segment administration.
package adminapi

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/chameleon-cms/chameleon/internal/rules"
	"github.com/chameleon-cms/chameleon/internal/segment"
)

// Segment represents the segment resource as exposed by the API.
type Segment struct {
	// ID is the internal surrogate key. Read-only.
	ID int64 `json:"id"`

	// Name is the human-readable label; EncodedName its URL-safe slug.
	Name        string `json:"name"`
	EncodedName string `json:"encoded_name"`

	// Status is "enabled" or "disabled".
	Status string `json:"status"`

	// Persistent memberships survive across requests without re-evaluation.
	Persistent bool `json:"persistent"`

	// MatchAny switches rule combination from AND to OR.
	MatchAny bool `json:"match_any"`

	// Type is "dynamic" or "static".
	Type string `json:"type"`

	// Count bounds static membership; zero means unlimited.
	Count int `json:"count"`

	// RandomisationPercent gates admission; null means unconditional.
	RandomisationPercent *int `json:"randomisation_percent"`

	// VisitCount accumulates qualifying page views across all members.
	VisitCount int64 `json:"visit_count"`

	// Frozen marks a computed static membership set.
	Frozen bool `json:"frozen"`

	// MatchedUsersCount is the population diagnostic for static segments
	// with mixed rule sets.
	MatchedUsersCount     int        `json:"matched_users_count"`
	MatchedCountUpdatedAt *time.Time `json:"matched_count_updated_at"`

	// ActiveDays reports how long the segment has been enabled.
	ActiveDays int `json:"active_days"`

	// Rules is the ordered rule set.
	Rules []Rule `json:"rules"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	EnabledAt  *time.Time `json:"enabled_at"`
	DisabledAt *time.Time `json:"disabled_at"`
}

// Rule is the API representation of one rule: the kind discriminator, the
// kind-specific parameters, and the dashboard description.
type Rule struct {
	Kind        string            `json:"kind"`
	Params      json.RawMessage   `json:"params"`
	Description rules.Description `json:"description"`
}

// mapSegmentToResponse converts the domain entity to the API response DTO.
func mapSegmentToResponse(seg *segment.Segment, now time.Time) Segment {
	ruleDTOs := make([]Rule, 0, len(seg.Rules))
	for _, rule := range seg.Rules {
		stored, err := rules.Encode(rule)
		if err != nil {
			continue
		}
		ruleDTOs = append(ruleDTOs, Rule{
			Kind:        stored.Kind,
			Params:      stored.Params,
			Description: rule.Description(),
		})
	}

	return Segment{
		ID:                    seg.ID,
		Name:                  seg.Name,
		EncodedName:           seg.EncodedName(),
		Status:                string(seg.Status),
		Persistent:            seg.Persistent,
		MatchAny:              seg.MatchAny,
		Type:                  string(seg.Type),
		Count:                 seg.Count,
		RandomisationPercent:  seg.RandomisationPercent,
		VisitCount:            seg.VisitCount,
		Frozen:                seg.Frozen,
		MatchedUsersCount:     seg.MatchedUsersCount,
		MatchedCountUpdatedAt: seg.MatchedCountUpdatedAt,
		ActiveDays:            seg.ActiveDays(now),
		Rules:                 ruleDTOs,
		CreatedAt:             seg.CreatedAt,
		UpdatedAt:             seg.UpdatedAt,
		EnabledAt:             seg.EnabledAt,
		DisabledAt:            seg.DisabledAt,
	}
}

// CreateSegmentRequest defines the payload for creating a new segment.
type CreateSegmentRequest struct {
	// Name is required.
	Name string `json:"name"`

	// Status defaults to "enabled" if omitted.
	Status string `json:"status,omitempty"`

	Persistent bool `json:"persistent"`
	MatchAny   bool `json:"match_any"`

	// Type defaults to "dynamic" if omitted.
	Type string `json:"type,omitempty"`

	Count                int  `json:"count"`
	RandomisationPercent *int `json:"randomisation_percent,omitempty"`

	// Rules is the ordered rule set, each entry a kind discriminator plus
	// kind-specific parameters.
	Rules []rules.Stored `json:"rules"`
}

// Sanitize cleans up input data by trimming whitespace and applying defaults.
func (r *CreateSegmentRequest) Sanitize() {
	r.Name = strings.TrimSpace(r.Name)
	if r.Status == "" {
		r.Status = string(segment.StatusEnabled)
	}
	if r.Type == "" {
		r.Type = string(segment.TypeDynamic)
	}
}

// Validate checks if the request data adheres to business rules.
// It returns a structured *ErrorResponse if validation fails, or nil if valid.
func (r *CreateSegmentRequest) Validate() *ErrorResponse {
	if r.Name == "" {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Name is required",
		}
	}
	if len(r.Name) > 255 {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Name must be less than 255 characters",
		}
	}
	if r.Status != string(segment.StatusEnabled) && r.Status != string(segment.StatusDisabled) {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Status must be 'enabled' or 'disabled'",
		}
	}
	if r.Type != string(segment.TypeDynamic) && r.Type != string(segment.TypeStatic) {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Type must be 'dynamic' or 'static'",
		}
	}
	if r.Count < 0 {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Count cannot be negative",
		}
	}
	if r.RandomisationPercent != nil && (*r.RandomisationPercent < 0 || *r.RandomisationPercent > 100) {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Randomisation percent must be between 0 and 100",
		}
	}
	return nil
}

// UpdateSegmentRequest defines the payload for partial updates (PATCH).
// Pointers are used to distinguish between "missing field" (do nothing)
// and zero values (explicit update).
type UpdateSegmentRequest struct {
	Name                 *string         `json:"name,omitempty"`
	Status               *string         `json:"status,omitempty"`
	Persistent           *bool           `json:"persistent,omitempty"`
	MatchAny             *bool           `json:"match_any,omitempty"`
	Type                 *string         `json:"type,omitempty"`
	Count                *int            `json:"count,omitempty"`
	RandomisationPercent *int            `json:"randomisation_percent,omitempty"`
	Rules                *[]rules.Stored `json:"rules,omitempty"`
}

// Validate checks if the provided fields adhere to business rules.
func (r *UpdateSegmentRequest) Validate() *ErrorResponse {
	if r.Name != nil && strings.TrimSpace(*r.Name) == "" {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Name cannot be empty",
		}
	}
	if r.Status != nil && *r.Status != string(segment.StatusEnabled) && *r.Status != string(segment.StatusDisabled) {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Status must be 'enabled' or 'disabled'",
		}
	}
	if r.Type != nil && *r.Type != string(segment.TypeDynamic) && *r.Type != string(segment.TypeStatic) {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Type must be 'dynamic' or 'static'",
		}
	}
	if r.Count != nil && *r.Count < 0 {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Count cannot be negative",
		}
	}
	if r.RandomisationPercent != nil && (*r.RandomisationPercent < 0 || *r.RandomisationPercent > 100) {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Randomisation percent must be between 0 and 100",
		}
	}
	return nil
}

// AddMemberRequest defines the payload for manually granting static
// membership by username.
type AddMemberRequest struct {
	Username string `json:"username"`
}

// MemberResponse reports the outcome of a manual membership grant.
type MemberResponse struct {
	SegmentID int64  `json:"segment_id"`
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Added     bool   `json:"added"`
}

// SummaryResponse carries the dashboard panel counts.
type SummaryResponse struct {
	Segments          int64 `json:"segments"`
	EnabledSegments   int64 `json:"enabled_segments"`
	PersonalisedPages int64 `json:"personalised_pages"`
	Variants          int64 `json:"variants"`
}

// PaginatedResponse is a standard wrapper for list endpoints to support
// offset pagination.
type PaginatedResponse struct {
	// Data holds the list of resources (e.g., []Segment).
	Data interface{} `json:"data"`

	// Pagination contains pagination metadata.
	Pagination Pagination `json:"pagination"`
}

// Pagination metadata for the frontend pager.
type Pagination struct {
	TotalItems  int64 `json:"total_items"`
	TotalPages  int   `json:"total_pages"`
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details provides optional granular validation errors.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail provides context about specific field validation failures.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}
