package serveapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	"github.com/chameleon-cms/chameleon/internal/logger"
	"github.com/chameleon-cms/chameleon/internal/rules"
	"github.com/chameleon-cms/chameleon/internal/store"
	"github.com/chameleon-cms/chameleon/internal/variants"
)

// PageResponse is the rendered page document.
type PageResponse struct {
	ID    int64  `json:"id"`
	Slug  string `json:"slug"`
	Path  string `json:"path"`
	Title string `json:"title"`
	Body  string `json:"body"`

	// Segments lists the encoded names of the segments the visitor holds,
	// in admission order. Useful for downstream cache keying.
	Segments []string `json:"segments"`
}

// handleServePage processes GET requests for any page path.
//
// Flow: path lookup -> segment resolution -> variant selection -> render.
//
// Resolution failures degrade rather than fail: the canonical page is served
// with no personalisation applied. Only a direct request for a variant page
// and an unknown path answer 404.
func (a *API) handleServePage(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	path := normalizePath(r.URL.Path)

	page, err := a.pages.GetPageByPath(r.Context(), path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "page not found"})
			return
		}
		log.Error("page lookup failed", slog.String("path", path), slog.Any("error", err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "internal error"})
		return
	}

	visitor := visitorFromContext(r.Context())
	evalCtx := rules.FromRequest(r, visitor.Authenticated, nil)

	held, err := a.resolver.Resolve(r.Context(), visitor, evalCtx, page)
	if err != nil {
		// Personalisation must never take the page down with it.
		log.Error("segment resolution failed",
			slog.String("visitor_key", visitor.SessionKey()),
			slog.Any("error", err),
		)
		held = nil
	}

	served, err := a.variants.Resolve(r.Context(), page, held)
	if err != nil {
		if errors.Is(err, variants.ErrVariantNotServable) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "page not found"})
			return
		}
		log.Error("variant resolution failed",
			slog.Int64("page_id", page.ID),
			slog.Any("error", err),
		)
		served = page
	}

	segments := make([]string, 0, len(held))
	for _, seg := range held {
		segments = append(segments, seg.EncodedName())
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, PageResponse{
		ID:       served.ID,
		Slug:     served.Slug,
		Path:     served.Path,
		Title:    served.Title,
		Body:     served.Body,
		Segments: segments,
	})
}

// normalizePath maps a request path onto the stored tree-path form: leading
// and trailing slash, e.g. "/blog/post-1/".
func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
