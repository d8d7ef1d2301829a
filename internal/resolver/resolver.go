// Package resolver implements per-request segment membership resolution: it
// refreshes a visitor's durable membership state against the enabled segments
// and returns the held segments in admission order.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/chameleon-cms/chameleon/internal/logger"
	"github.com/chameleon-cms/chameleon/internal/observability"
	"github.com/chameleon-cms/chameleon/internal/rules"
	"github.com/chameleon-cms/chameleon/internal/segment"
	"github.com/chameleon-cms/chameleon/internal/session"
	"github.com/chameleon-cms/chameleon/internal/store"
)

// SegmentStore is the narrow slice of the segment repository the resolver
// needs. store.SegmentRepository satisfies it.
type SegmentStore interface {
	ListEnabled(ctx context.Context) ([]*segment.Segment, error)
	IncrementVisitCounts(ctx context.Context, ids []int64) error
	AddStaticMember(ctx context.Context, segmentID int64, key string) (bool, error)
	AddExcludedMember(ctx context.Context, segmentID int64, key string) error
	IsStaticMember(ctx context.Context, segmentID int64, key string) (bool, error)
	IsExcludedMember(ctx context.Context, segmentID int64, key string) (bool, error)
	StaticMemberCount(ctx context.Context, segmentID int64) (int, error)
}

// Compile-time check that the full repository satisfies the narrow interface.
var _ SegmentStore = (store.SegmentRepository)(nil)

// Visitor identifies the subject of a resolution pass.
type Visitor struct {
	// Key is the anonymous visitor key from the tracking cookie.
	Key string

	// UserID and Authenticated carry the CMS identity when one exists.
	UserID        int64
	Authenticated bool
}

// SessionKey returns the durable state key for this visitor. Authenticated
// visitors key by user ID so their state survives cookie churn across
// devices.
func (v Visitor) SessionKey() string {
	if v.Authenticated {
		return session.UserKey(v.UserID)
	}
	return v.Key
}

// Service runs the resolution algorithm.
type Service struct {
	segments SegmentStore
	sessions session.Store

	// draw returns a uniform integer in [1, 100] for randomised admission.
	// Injected so tests can force either outcome.
	draw func() int
}

// NewService creates a resolver. A nil draw falls back to math/rand.
func NewService(segments SegmentStore, sessions session.Store, draw func() int) *Service {
	if segments == nil {
		panic("resolver: segment store cannot be nil")
	}
	if sessions == nil {
		panic("resolver: session store cannot be nil")
	}
	if draw == nil {
		draw = func() int { return rand.IntN(100) + 1 }
	}
	return &Service{segments: segments, sessions: sessions, draw: draw}
}

// Resolve refreshes the visitor's memberships against the enabled segments
// and returns the held segments in admission order.
//
// The algorithm, in order:
//  1. Carry forward persistent memberships of still-enabled segments.
//     Non-persistent memberships are dropped and re-qualify like new.
//  2. Carry forward exclusions of still-enabled segments.
//  3. Evaluate every enabled segment not already held or excluded.
//  4. Persist the refreshed state.
//  5. Bump each held segment's cumulative visit counter.
//  6. Record the page visit, after evaluation, so the in-flight visit is
//     not visible to visit-count rules.
func (s *Service) Resolve(ctx context.Context, visitor Visitor, evalCtx *rules.Context, page *store.Page) ([]*segment.Segment, error) {
	started := time.Now()
	defer func() {
		observability.ResolutionDuration.Observe(time.Since(started).Seconds())
	}()

	key := visitor.SessionKey()

	state, err := s.sessions.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load visitor state: %w", err)
	}

	enabled, err := s.segments.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load enabled segments: %w", err)
	}

	byID := make(map[int64]*segment.Segment, len(enabled))
	for _, seg := range enabled {
		byID[seg.ID] = seg
	}

	// Steps 1 and 2: carry forward. Membership records survive only while
	// their segment exists, stays enabled and was admitted as persistent.
	// Exclusions survive while the segment exists and stays enabled, so a
	// lost randomisation draw stays lost.
	kept := make([]session.MembershipRecord, 0, len(state.Segments))
	for _, rec := range state.Segments {
		if _, ok := byID[rec.SegmentID]; ok && rec.Persistent {
			kept = append(kept, rec)
		}
	}
	state.Segments = kept

	excluded := make([]session.MembershipRecord, 0, len(state.Excluded))
	for _, rec := range state.Excluded {
		if _, ok := byID[rec.SegmentID]; ok {
			excluded = append(excluded, rec)
		}
	}
	state.Excluded = excluded

	// Rules read the visit history as it stood before this request.
	if evalCtx.Visits == nil {
		evalCtx.Visits = state
	}

	// Step 3: evaluation.
	log := logger.FromContext(ctx)
	for _, seg := range enabled {
		if state.HoldsSegment(seg.ID) || state.ExcludesSegment(seg.ID) {
			continue
		}

		admitted, err := s.evaluate(ctx, seg, visitor, evalCtx, state)
		if err != nil {
			// One broken segment must not break page serving for the
			// rest; log and move on.
			log.Warn("segment evaluation failed",
				slog.Int64("segment_id", seg.ID),
				slog.Any("error", err),
			)
			continue
		}
		if admitted {
			state.AddSegment(session.MembershipRecord{
				SegmentID:   seg.ID,
				EncodedName: seg.EncodedName(),
				Timestamp:   evalCtx.Now.Unix(),
				Persistent:  seg.Persistent,
			})
			observability.SegmentsAdmitted.WithLabelValues(seg.EncodedName()).Inc()
		}
	}

	// Step 6 folded into the same write as step 4: the counter is bumped
	// after evaluation, so visit-count rules never see the in-flight visit.
	if page != nil {
		state.AddPageVisit(page.ID, page.Slug, page.Path)
		observability.PageVisitsRecorded.Inc()
	}

	// Step 4: persist.
	if err := s.sessions.Set(ctx, key, state); err != nil {
		return nil, fmt.Errorf("failed to persist visitor state: %w", err)
	}

	// Step 5: cumulative per-segment visit counters, one per held segment.
	held := make([]*segment.Segment, 0, len(state.Segments))
	heldIDs := make([]int64, 0, len(state.Segments))
	for _, rec := range state.Segments {
		if seg, ok := byID[rec.SegmentID]; ok {
			held = append(held, seg)
			heldIDs = append(heldIDs, seg.ID)
		}
	}
	if err := s.segments.IncrementVisitCounts(ctx, heldIDs); err != nil {
		// Counter drift is tolerable; membership is not affected.
		log.Warn("failed to increment segment visit counts", slog.Any("error", err))
	}

	return held, nil
}

// evaluate decides admission for one segment the visitor neither holds nor is
// excluded from.
func (s *Service) evaluate(ctx context.Context, seg *segment.Segment, visitor Visitor, evalCtx *rules.Context, state *session.State) (bool, error) {
	// Frozen static segments are a pure membership lookup: the set was
	// computed at population time and rules are no longer consulted.
	if seg.IsStatic() && seg.Frozen {
		return s.segments.IsStaticMember(ctx, seg.ID, visitor.SessionKey())
	}

	// Continuous static segments admit through live evaluation until the
	// capacity is reached. The durable exclusion set outlives the session
	// record, so a lost draw stays lost even after cookie churn.
	if seg.IsStatic() {
		excluded, err := s.segments.IsExcludedMember(ctx, seg.ID, visitor.SessionKey())
		if err != nil {
			return false, err
		}
		if excluded {
			state.ExcludeSegment(session.MembershipRecord{
				SegmentID:   seg.ID,
				EncodedName: seg.EncodedName(),
				Timestamp:   evalCtx.Now.Unix(),
				Persistent:  seg.Persistent,
			})
			return false, nil
		}

		count, err := s.segments.StaticMemberCount(ctx, seg.ID)
		if err != nil {
			return false, err
		}
		if seg.IsFull(count) {
			observability.SegmentsExcluded.WithLabelValues(seg.EncodedName(), "capacity").Inc()
			return false, nil
		}
	}

	if !seg.Matches(evalCtx) {
		return false, nil
	}

	if !seg.RandomiseInto(s.draw) {
		// A lost draw is sticky: the durable exclusion record suppresses
		// re-evaluation on every later request.
		state.ExcludeSegment(session.MembershipRecord{
			SegmentID:   seg.ID,
			EncodedName: seg.EncodedName(),
			Timestamp:   evalCtx.Now.Unix(),
			Persistent:  seg.Persistent,
		})
		if seg.IsStatic() {
			if err := s.segments.AddExcludedMember(ctx, seg.ID, visitor.SessionKey()); err != nil {
				return false, err
			}
		}
		observability.SegmentsExcluded.WithLabelValues(seg.EncodedName(), "random_draw").Inc()
		return false, nil
	}

	if seg.IsStatic() {
		if _, err := s.segments.AddStaticMember(ctx, seg.ID, visitor.SessionKey()); err != nil {
			return false, err
		}
	}
	return true, nil
}
