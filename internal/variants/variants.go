// Package variants maps resolved segments to page variants: it decides which
// concrete page answers a request, creates per-segment copies, and guards the
// canonical/variant relationship on delete.
package variants

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chameleon-cms/chameleon/internal/observability"
	"github.com/chameleon-cms/chameleon/internal/segment"
	"github.com/chameleon-cms/chameleon/internal/store"
)

// ErrVariantNotServable is returned when a variant page is requested
// directly. Variants are reachable only through their canonical page.
var ErrVariantNotServable = errors.New("variant pages cannot be requested directly")

// SegmentGetter is the slice of the segment repository the variant service
// needs.
type SegmentGetter interface {
	GetSegment(ctx context.Context, id int64) (*segment.Segment, error)
}

// Service implements variant resolution and lifecycle.
type Service struct {
	pages    store.PageRepository
	segments SegmentGetter
}

// NewService creates a variant service.
func NewService(pages store.PageRepository, segments SegmentGetter) *Service {
	if pages == nil {
		panic("variants: page repository cannot be nil")
	}
	if segments == nil {
		panic("variants: segment getter cannot be nil")
	}
	return &Service{pages: pages, segments: segments}
}

// Resolve picks the page to serve for a request to page, given the visitor's
// held segments in admission order.
//
// A direct request for a variant page fails with ErrVariantNotServable. With
// no held segments, or no variant mapped to any held segment, the canonical
// page is served. Otherwise the first held segment with a variant wins and
// the variant is impersonated before serving.
func (s *Service) Resolve(ctx context.Context, page *store.Page, held []*segment.Segment) (*store.Page, error) {
	meta, err := s.pages.MetadataForPage(ctx, page.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if meta != nil && !meta.IsCanonical() {
		return nil, ErrVariantNotServable
	}

	if len(held) == 0 {
		observability.VariantsServed.WithLabelValues("canonical").Inc()
		return page, nil
	}

	mapped, err := s.pages.VariantsForCanonical(ctx, page.ID)
	if err != nil {
		return nil, err
	}

	// First admitted segment with a variant wins. Admission order is the
	// tie-break, so long-standing memberships outrank fresh ones.
	for _, seg := range held {
		m, ok := mapped[seg.ID]
		if !ok {
			continue
		}

		variant, err := s.pages.GetPage(ctx, m.PageID)
		if err != nil {
			return nil, fmt.Errorf("failed to load variant page %d: %w", m.PageID, err)
		}

		observability.VariantsServed.WithLabelValues("variant").Inc()
		return impersonate(variant, page), nil
	}

	observability.VariantsServed.WithLabelValues("canonical").Inc()
	return page, nil
}

// impersonate makes a variant answer under its canonical identity: the
// visitor sees the canonical address and title with the variant's content.
func impersonate(variant, canonical *store.Page) *store.Page {
	out := *variant
	out.Slug = canonical.Slug
	out.Path = canonical.Path
	out.Title = canonical.Title
	return &out
}

// CopyForSegment creates the variant of a canonical page for a segment. When
// the (canonical, segment) pair already has a variant the existing one is
// returned with created=false, so admin flows can route to edit instead.
func (s *Service) CopyForSegment(ctx context.Context, canonicalID, segmentID int64) (page *store.Page, created bool, err error) {
	canonical, err := s.pages.GetPage(ctx, canonicalID)
	if err != nil {
		return nil, false, err
	}

	// A variant of a variant is not a thing; resolve to the true canonical
	// before copying.
	if meta, err := s.pages.MetadataForPage(ctx, canonical.ID); err == nil && !meta.IsCanonical() {
		return nil, false, fmt.Errorf("page %d is itself a variant", canonical.ID)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	seg, err := s.segments.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.pages.VariantsForCanonical(ctx, canonical.ID)
	if err != nil {
		return nil, false, err
	}
	if m, ok := existing[seg.ID]; ok {
		variant, err := s.pages.GetPage(ctx, m.PageID)
		return variant, false, err
	}

	variant := &store.Page{
		Slug:  canonical.Slug + "-" + seg.EncodedName(),
		Path:  variantPath(canonical.Path, seg.EncodedName()),
		Title: canonical.Title + " (" + seg.Name + ")",
		Body:  canonical.Body,
		Live:  canonical.Live,
	}
	if err := s.pages.CreatePage(ctx, variant); err != nil {
		return nil, false, err
	}

	err = s.pages.CreateMetadata(ctx, &store.PageMetadata{
		PageID:          variant.ID,
		CanonicalPageID: canonical.ID,
		SegmentID:       &seg.ID,
	})
	if errors.Is(err, store.ErrDuplicateVariant) {
		// Lost a race against a concurrent copy; clean up and hand back
		// the winner.
		_ = s.pages.DeletePage(ctx, variant.ID)
		existing, lookupErr := s.pages.VariantsForCanonical(ctx, canonical.ID)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		winner, lookupErr := s.pages.GetPage(ctx, existing[seg.ID].PageID)
		return winner, false, lookupErr
	}
	if err != nil {
		return nil, false, err
	}

	return variant, true, nil
}

// variantPath places the variant as a sibling of the canonical page.
func variantPath(canonicalPath, encodedName string) string {
	return strings.TrimSuffix(canonicalPath, "/") + "-" + encodedName + "/"
}

// DeleteCascade removes a page together with its descendants and every
// variant hanging off any of them. Descendants go deepest first; within each
// page, variants and metadata go before the page itself so the referential
// protection never fires.
func (s *Service) DeleteCascade(ctx context.Context, pageID int64) error {
	descendants, err := s.pages.ListDescendants(ctx, pageID)
	if err != nil {
		return err
	}

	for _, desc := range descendants {
		if err := s.deleteWithVariants(ctx, desc.ID); err != nil {
			return err
		}
	}
	return s.deleteWithVariants(ctx, pageID)
}

func (s *Service) deleteWithVariants(ctx context.Context, pageID int64) error {
	mapped, err := s.pages.VariantsForCanonical(ctx, pageID)
	if err != nil {
		return err
	}
	for _, m := range mapped {
		if err := s.pages.DeleteMetadata(ctx, m.PageID); err != nil {
			return err
		}
		if err := s.pages.DeletePage(ctx, m.PageID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	if err := s.pages.DeleteMetadata(ctx, pageID); err != nil {
		return err
	}
	if err := s.pages.DeletePage(ctx, pageID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// ExcludeVariants filters variant pages out of a listing, keeping canonical
// and unpersonalised pages.
func (s *Service) ExcludeVariants(ctx context.Context, pages []*store.Page) ([]*store.Page, error) {
	kept := make([]*store.Page, 0, len(pages))
	for _, p := range pages {
		meta, err := s.pages.MetadataForPage(ctx, p.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				kept = append(kept, p)
				continue
			}
			return nil, err
		}
		if meta.IsCanonical() {
			kept = append(kept, p)
		}
	}
	return kept, nil
}
