package adminapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/chameleon-cms/chameleon/internal/logger"
	"github.com/chameleon-cms/chameleon/internal/store"
)

// handleCreateVariant processes POST /api/v1/pages/{id}/variants/{segmentID}.
//
// Create-or-navigate: a fresh variant and an already-existing one both answer
// with a 303 to the variant's edit location, so the dashboard button behaves
// the same either way.
func (a *API) handleCreateVariant(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	pageID, ok := a.pathID(w, r, "id")
	if !ok {
		return
	}
	segmentID, ok := a.pathID(w, r, "segmentID")
	if !ok {
		return
	}

	variant, created, err := a.variants.CopyForSegment(r.Context(), pageID, segmentID)
	if err != nil {
		a.renderStoreError(w, r, err, "page or segment")
		return
	}

	if created {
		log.Info("variant created",
			slog.Int64("canonical_page_id", pageID),
			slog.Int64("segment_id", segmentID),
			slog.Int64("variant_page_id", variant.ID),
		)
	}

	http.Redirect(w, r, fmt.Sprintf("/api/v1/pages/%d/edit", variant.ID), http.StatusSeeOther)
}

// handleDeletePage processes DELETE /api/v1/pages/{id}.
//
// Without ?cascade=true a page that still has variants is protected and the
// delete fails with 409. With cascade the page, its descendants and every
// variant are removed.
func (a *API) handleDeletePage(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	pageID, ok := a.pathID(w, r, "id")
	if !ok {
		return
	}

	if r.URL.Query().Get("cascade") == "true" {
		if err := a.variants.DeleteCascade(r.Context(), pageID); err != nil {
			a.renderStoreError(w, r, err, "page")
			return
		}
		log.Info("page cascade deleted", slog.Int64("page_id", pageID))
		render.NoContent(w, r)
		return
	}

	if err := a.pages.DeletePage(r.Context(), pageID); err != nil {
		if errors.Is(err, store.ErrProtected) {
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_PROTECTED",
				Message: "page has variants; retry with ?cascade=true",
			})
			return
		}
		a.renderStoreError(w, r, err, "page")
		return
	}

	log.Info("page deleted", slog.Int64("page_id", pageID))
	render.NoContent(w, r)
}
