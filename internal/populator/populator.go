// Package populator fills static segments from the durable identity store.
// Segments whose rules are uniformly static are materialized by replaying
// every active user's durable history through the rule set; mixed rule sets
// only get a diagnostic estimate and keep admitting through live resolution.
package populator

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

// SegmentStore is the slice of the segment repository the populator needs.
type SegmentStore interface {
	ListSegments(ctx context.Context) ([]*segment.Segment, error)
	AddStaticMember(ctx context.Context, segmentID int64, key string) (bool, error)
	AddExcludedMember(ctx context.Context, segmentID int64, key string) error
	StaticMemberCount(ctx context.Context, segmentID int64) (int, error)
	SetMatchedUsersCount(ctx context.Context, segmentID int64, count int, at time.Time) error
	SetFrozen(ctx context.Context, segmentID int64, frozen bool) error
}

var _ SegmentStore = (store.SegmentRepository)(nil)

// UserStore is the slice of the user repository the populator needs.
type UserStore interface {
	ListActive(ctx context.Context, afterID int64, limit int) ([]*store.User, error)
}

var _ UserStore = (store.UserRepository)(nil)

// Service populates static segments.
type Service struct {
	segments SegmentStore
	users    UserStore
	sessions session.Store

	batchSize int
	draw      func() int
}

// NewService creates a populator. A nil draw falls back to math/rand.
func NewService(segments SegmentStore, users UserStore, sessions session.Store, batchSize int, draw func() int) *Service {
	if segments == nil {
		panic("populator: segment store cannot be nil")
	}
	if users == nil {
		panic("populator: user store cannot be nil")
	}
	if sessions == nil {
		panic("populator: session store cannot be nil")
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if draw == nil {
		draw = func() int { return rand.IntN(100) + 1 }
	}
	return &Service{
		segments:  segments,
		users:     users,
		sessions:  sessions,
		batchSize: batchSize,
		draw:      draw,
	}
}

// PopulateSegment computes the membership of one static segment.
//
// Uniformly static rule sets fill the durable membership set synchronously
// and freeze the segment; capacity is re-checked against the durable count on
// every admission, so a crashed or concurrent run resumes without
// double-counting. Mixed rule sets only record a matched-users diagnostic
// over the static-eligible rules and stay unfrozen: their admissions keep
// flowing through live resolution.
func (s *Service) PopulateSegment(ctx context.Context, seg *segment.Segment) error {
	if !seg.IsStatic() {
		return fmt.Errorf("segment %d is not static", seg.ID)
	}
	if seg.Frozen {
		return nil
	}

	started := time.Now()
	log := logger.FromContext(ctx).With(slog.Int64("segment_id", seg.ID))

	var err error
	if seg.AllRulesStatic() {
		err = s.materialize(ctx, seg, log)
	} else {
		err = s.refreshDiagnostic(ctx, seg)
	}

	observability.PopulationDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		observability.PopulationRuns.WithLabelValues("fail").Inc()
		return err
	}
	observability.PopulationRuns.WithLabelValues("success").Inc()
	return nil
}

// materialize admits users into a uniformly static segment until the
// capacity bound, then freezes the membership set.
func (s *Service) materialize(ctx context.Context, seg *segment.Segment, log *slog.Logger) error {
	now := time.Now()

	count, err := s.segments.StaticMemberCount(ctx, seg.ID)
	if err != nil {
		return err
	}

	var afterID int64
	for !seg.IsFull(count) {
		batch, err := s.users.ListActive(ctx, afterID, s.batchSize)
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, user := range batch {
			if seg.IsFull(count) {
				break
			}

			key := session.UserKey(user.ID)
			state, err := s.sessions.Get(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to load state for user %d: %w", user.ID, err)
			}

			if !seg.Matches(rules.Synthetic(now, state)) {
				continue
			}

			if !seg.RandomiseInto(s.draw) {
				if err := s.segments.AddExcludedMember(ctx, seg.ID, key); err != nil {
					return err
				}
				continue
			}

			added, err := s.segments.AddStaticMember(ctx, seg.ID, key)
			if err != nil {
				return err
			}
			if added {
				count++
			}
		}
		afterID = batch[len(batch)-1].ID
	}

	if err := s.segments.SetFrozen(ctx, seg.ID, true); err != nil {
		return err
	}

	observability.SegmentMembers.WithLabelValues(seg.EncodedName()).Set(float64(count))
	log.Info("static segment populated",
		slog.Int("members", count),
		slog.Int("capacity", seg.Count),
	)
	return nil
}

// refreshDiagnostic counts how many users the static-eligible rule subset
// matches today. The number is advisory; membership for these segments is
// decided at request time.
func (s *Service) refreshDiagnostic(ctx context.Context, seg *segment.Segment) error {
	now := time.Now()
	matched := 0

	var afterID int64
	for {
		batch, err := s.users.ListActive(ctx, afterID, s.batchSize)
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, user := range batch {
			state, err := s.sessions.Get(ctx, session.UserKey(user.ID))
			if err != nil {
				return fmt.Errorf("failed to load state for user %d: %w", user.ID, err)
			}
			if seg.MatchesStatic(rules.Synthetic(now, state)) {
				matched++
			}
		}
		afterID = batch[len(batch)-1].ID
	}

	return s.segments.SetMatchedUsersCount(ctx, seg.ID, matched, now)
}
