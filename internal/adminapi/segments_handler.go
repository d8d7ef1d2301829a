package adminapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/chameleon-cms/chameleon/internal/logger"
	"github.com/chameleon-cms/chameleon/internal/segment"
	"github.com/chameleon-cms/chameleon/internal/session"
	"github.com/chameleon-cms/chameleon/internal/store"
)

// handleCreateSegment processes the POST /api/v1/segments request.
//
// Responsibilities:
// 1. Decodes the JSON payload into the CreateSegmentRequest DTO.
// 2. Sanitizes and Validates the input using the DTO's business logic.
// 3. Decodes the rule set through the registry (unknown kinds are rejected).
// 4. Applies the domain save-time invariants.
// 5. Persists the segment and kicks off static population in the background.
// 6. Returns the created resource with a 201 Created status.
func (a *API) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req CreateSegmentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("invalid json payload", slog.String("error", err.Error()))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	ruleSet, err := a.registry.DecodeAll(req.Rules)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_RULES",
			Message: err.Error(),
		})
		return
	}

	now := time.Now()
	seg := &segment.Segment{
		Name:                 req.Name,
		Persistent:           req.Persistent,
		MatchAny:             req.MatchAny,
		Type:                 segment.Type(req.Type),
		Count:                req.Count,
		RandomisationPercent: req.RandomisationPercent,
		Rules:                ruleSet,
	}
	seg.SetStatus(segment.Status(req.Status), now)

	if err := segment.ValidateNew(seg); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_SEGMENT",
			Message: err.Error(),
		})
		return
	}

	if err := a.segments.CreateSegment(r.Context(), seg); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_CONFLICT",
				Message: "A segment with this name already exists",
			})
			return
		}

		log.Error("failed to create segment in db", "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INTERNAL",
			Message: "Failed to create segment in database",
		})
		return
	}

	// Static segments get their membership computed right away, off the
	// request path.
	if seg.IsStatic() {
		a.populateAsync(log, seg)
	}

	log.Info("segment created successfully",
		slog.String("segment_name", seg.Name),
		slog.Int64("segment_id", seg.ID),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, mapSegmentToResponse(seg, now))
}

// handleListSegments processes the GET /api/v1/segments request with offset
// pagination. Segment counts are small; pagination happens in memory.
func (a *API) handleListSegments(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	page, err := parseOptionalInt(r, "page", 1)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_QUERY_PARAM",
			Message: err.Error(),
		})
		return
	}
	pageSize, err := parseOptionalInt(r, "page_size", 10)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_QUERY_PARAM",
			Message: err.Error(),
		})
		return
	}

	// Silently clamp out-of-bounds values.
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}

	segments, err := a.segments.ListSegments(r.Context())
	if err != nil {
		log.Error("failed to list segments from db", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INTERNAL",
			Message: "Failed to list segments",
		})
		return
	}

	totalItems := int64(len(segments))
	offset := (page - 1) * pageSize
	if offset > len(segments) {
		offset = len(segments)
	}
	end := offset + pageSize
	if end > len(segments) {
		end = len(segments)
	}

	now := time.Now()
	dtos := make([]Segment, 0, end-offset)
	for _, seg := range segments[offset:end] {
		dtos = append(dtos, mapSegmentToResponse(seg, now))
	}

	totalPages := 0
	if totalItems > 0 {
		totalPages = int(math.Ceil(float64(totalItems) / float64(pageSize)))
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, PaginatedResponse{
		Data: dtos,
		Pagination: Pagination{
			TotalItems:  totalItems,
			TotalPages:  totalPages,
			CurrentPage: page,
			PageSize:    pageSize,
		},
	})
}

// handleGetSegment processes the GET /api/v1/segments/{id} request.
func (a *API) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := a.segmentID(w, r)
	if !ok {
		return
	}

	seg, err := a.segments.GetSegment(r.Context(), id)
	if err != nil {
		a.renderStoreError(w, r, err, "segment")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapSegmentToResponse(seg, time.Now()))
}

// handleUpdateSegment processes the PATCH /api/v1/segments/{id} request.
// Frozen static segments accept only name and status changes; everything
// else is rejected with 409.
func (a *API) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	id, ok := a.segmentID(w, r)
	if !ok {
		return
	}

	var req UpdateSegmentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	existing, err := a.segments.GetSegment(r.Context(), id)
	if err != nil {
		a.renderStoreError(w, r, err, "segment")
		return
	}

	now := time.Now()
	updated := *existing
	updated.Rules = existing.Rules

	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.Persistent != nil {
		updated.Persistent = *req.Persistent
	}
	if req.MatchAny != nil {
		updated.MatchAny = *req.MatchAny
	}
	if req.Type != nil {
		updated.Type = segment.Type(*req.Type)
	}
	if req.Count != nil {
		updated.Count = *req.Count
	}
	if req.RandomisationPercent != nil {
		updated.RandomisationPercent = req.RandomisationPercent
	}
	if req.Rules != nil {
		ruleSet, err := a.registry.DecodeAll(*req.Rules)
		if err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_INVALID_RULES",
				Message: err.Error(),
			})
			return
		}
		updated.Rules = ruleSet
	}
	if req.Status != nil {
		updated.SetStatus(segment.Status(*req.Status), now)
	}

	if err := segment.ValidateUpdate(existing, &updated); err != nil {
		status := http.StatusBadRequest
		code := "ERR_INVALID_SEGMENT"
		if errors.Is(err, segment.ErrStaticSegmentFrozen) {
			status = http.StatusConflict
			code = "ERR_SEGMENT_FROZEN"
		}
		render.Status(r, status)
		render.JSON(w, r, ErrorResponse{Code: code, Message: err.Error()})
		return
	}

	if err := a.segments.UpdateSegment(r.Context(), &updated); err != nil {
		a.renderStoreError(w, r, err, "segment")
		return
	}

	log.Info("segment updated", slog.Int64("segment_id", updated.ID))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapSegmentToResponse(&updated, now))
}

// handleDeleteSegment processes the DELETE /api/v1/segments/{id} request.
func (a *API) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := a.segmentID(w, r)
	if !ok {
		return
	}

	if err := a.segments.DeleteSegment(r.Context(), id); err != nil {
		a.renderStoreError(w, r, err, "segment")
		return
	}
	render.NoContent(w, r)
}

// handleToggleSegment processes POST /api/v1/segments/{id}/toggle: the
// status flips atomically and the client is sent back where it came from
// with a 303, so dashboards can embed the toggle as a plain form post.
func (a *API) handleToggleSegment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	id, ok := a.segmentID(w, r)
	if !ok {
		return
	}

	seg, err := a.segments.ToggleStatus(r.Context(), id, time.Now())
	if err != nil {
		a.renderStoreError(w, r, err, "segment")
		return
	}

	log.Info("segment toggled",
		slog.Int64("segment_id", seg.ID),
		slog.String("status", string(seg.Status)),
	)

	target := r.Referer()
	if target == "" {
		target = fmt.Sprintf("/api/v1/segments/%d", seg.ID)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// handleAddMember processes POST /api/v1/segments/{id}/members: a manual
// static membership grant by username. Editors use it to seed a continuous
// static segment with known users without waiting for them to visit.
func (a *API) handleAddMember(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	id, ok := a.segmentID(w, r)
	if !ok {
		return
	}

	var req AddMemberRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Username is required",
		})
		return
	}

	seg, err := a.segments.GetSegment(r.Context(), id)
	if err != nil {
		a.renderStoreError(w, r, err, "segment")
		return
	}
	if !seg.IsStatic() {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Members can only be added to static segments",
		})
		return
	}
	if seg.Frozen {
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_SEGMENT_FROZEN",
			Message: "Cannot modify the membership of a frozen static segment",
		})
		return
	}

	user, err := a.users.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		a.renderStoreError(w, r, err, "user")
		return
	}

	added, err := a.segments.AddStaticMember(r.Context(), seg.ID, session.UserKey(user.ID))
	if err != nil {
		a.renderStoreError(w, r, err, "segment")
		return
	}

	log.Info("static member added",
		slog.Int64("segment_id", seg.ID),
		slog.Int64("user_id", user.ID),
		slog.Bool("added", added),
	)

	status := http.StatusCreated
	if !added {
		status = http.StatusOK
	}
	render.Status(r, status)
	render.JSON(w, r, MemberResponse{
		SegmentID: seg.ID,
		UserID:    user.ID,
		Username:  user.Username,
		Added:     added,
	})
}

// handleSummary processes GET /api/v1/summary: the dashboard panel counts.
func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	segments, err := a.segments.ListSegments(r.Context())
	if err != nil {
		log.Error("failed to list segments for summary", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INTERNAL",
			Message: "Failed to build summary",
		})
		return
	}

	var enabled int64
	for _, seg := range segments {
		if seg.Enabled() {
			enabled++
		}
	}

	pages, variants, err := a.pages.CountPersonalised(r.Context())
	if err != nil {
		log.Error("failed to count personalised pages", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INTERNAL",
			Message: "Failed to build summary",
		})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, SummaryResponse{
		Segments:          int64(len(segments)),
		EnabledSegments:   enabled,
		PersonalisedPages: pages,
		Variants:          variants,
	})
}

// --- Private Helpers ---

// segmentID parses the {id} route parameter, rendering a 400 on failure.
func (a *API) segmentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	return a.pathID(w, r, "id")
}

func (a *API) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id < 1 {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: fmt.Sprintf("parameter '%s' must be a positive integer", param),
		})
		return 0, false
	}
	return id, true
}

// renderStoreError maps repository errors onto API responses.
func (a *API) renderStoreError(w http.ResponseWriter, r *http.Request, err error, resource string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_NOT_FOUND",
			Message: resource + " not found",
		})
	case errors.Is(err, store.ErrProtected):
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_PROTECTED",
			Message: resource + " is protected by dependent records",
		})
	default:
		logger.FromContext(r.Context()).Error("repository error", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INTERNAL",
			Message: "Internal server error",
		})
	}
}

// parseOptionalInt extracts an integer from the query string. Missing
// parameters fall back to defaultValue; malformed ones are an error.
func parseOptionalInt(r *http.Request, key string, defaultValue int) (int, error) {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue, nil
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("parameter '%s' must be an integer", key)
	}
	return val, nil
}

// populateAsync computes a static segment's membership off the request path,
// with a generous timeout and a single retry.
func (a *API) populateAsync(log *slog.Logger, seg *segment.Segment) {
	segCopy := *seg
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		const maxRetries = 1
		for i := 0; i <= maxRetries; i++ {
			err := a.populator.PopulateSegment(ctx, &segCopy)
			if err == nil {
				return
			}
			if i == maxRetries {
				log.Error("failed to populate static segment after retries",
					slog.Int64("segment_id", segCopy.ID),
					slog.String("error", err.Error()))
				return
			}
			log.Warn("failed to populate static segment, retrying...",
				slog.Int64("segment_id", segCopy.ID),
				slog.String("error", err.Error()))
		}
	}()
}
