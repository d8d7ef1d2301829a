package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chameleon-cms/chameleon/internal/rules"
	"github.com/chameleon-cms/chameleon/internal/segment"
	"github.com/chameleon-cms/chameleon/internal/session"
	"github.com/chameleon-cms/chameleon/internal/store"
)

// matchRule is a rule with a predetermined outcome that counts evaluations.
type matchRule struct {
	matched bool
	calls   *int
}

func (r *matchRule) Kind() string { return "match" }
func (r *matchRule) Static() bool { return false }
func (r *matchRule) Match(*rules.Context) bool {
	if r.calls != nil {
		*r.calls++
	}
	return r.matched
}
func (r *matchRule) Description() rules.Description { return rules.Description{} }

// fakeSegmentStore is an in-memory SegmentStore.
type fakeSegmentStore struct {
	enabled []*segment.Segment
	listErr error

	members     map[int64]map[string]bool
	excluded    map[int64]map[string]bool
	countErr    map[int64]error
	incremented [][]int64
}

func newFakeSegmentStore(enabled ...*segment.Segment) *fakeSegmentStore {
	return &fakeSegmentStore{
		enabled:  enabled,
		members:  make(map[int64]map[string]bool),
		excluded: make(map[int64]map[string]bool),
		countErr: make(map[int64]error),
	}
}

func (f *fakeSegmentStore) ListEnabled(context.Context) ([]*segment.Segment, error) {
	return f.enabled, f.listErr
}

func (f *fakeSegmentStore) IncrementVisitCounts(_ context.Context, ids []int64) error {
	f.incremented = append(f.incremented, ids)
	return nil
}

func (f *fakeSegmentStore) AddStaticMember(_ context.Context, segmentID int64, key string) (bool, error) {
	if f.members[segmentID] == nil {
		f.members[segmentID] = make(map[string]bool)
	}
	if f.members[segmentID][key] {
		return false, nil
	}
	f.members[segmentID][key] = true
	return true, nil
}

func (f *fakeSegmentStore) AddExcludedMember(_ context.Context, segmentID int64, key string) error {
	if f.excluded[segmentID] == nil {
		f.excluded[segmentID] = make(map[string]bool)
	}
	f.excluded[segmentID][key] = true
	return nil
}

func (f *fakeSegmentStore) IsStaticMember(_ context.Context, segmentID int64, key string) (bool, error) {
	return f.members[segmentID][key], nil
}

func (f *fakeSegmentStore) IsExcludedMember(_ context.Context, segmentID int64, key string) (bool, error) {
	return f.excluded[segmentID][key], nil
}

func (f *fakeSegmentStore) StaticMemberCount(_ context.Context, segmentID int64) (int, error) {
	if err := f.countErr[segmentID]; err != nil {
		return 0, err
	}
	return len(f.members[segmentID]), nil
}

func intPtr(v int) *int { return &v }

func dynamicSegment(id int64, name string, matched bool) *segment.Segment {
	return &segment.Segment{
		ID: id, Name: name,
		Status: segment.StatusEnabled,
		Type:   segment.TypeDynamic,
		Rules:  []rules.Rule{&matchRule{matched: matched}},
	}
}

func evalCtx() *rules.Context {
	return &rules.Context{Now: time.Now()}
}

func testVisitor() Visitor {
	return Visitor{Key: "cookie-1"}
}

func TestResolve_DynamicAdmission(t *testing.T) {
	segments := newFakeSegmentStore(
		dynamicSegment(1, "Matching", true),
		dynamicSegment(2, "Missing", false),
	)
	sessions := session.NewMemoryStore()
	svc := NewService(segments, sessions, nil)

	held, err := svc.Resolve(context.Background(), testVisitor(), evalCtx(), nil)
	require.NoError(t, err)

	require.Len(t, held, 1)
	assert.Equal(t, int64(1), held[0].ID)

	// Membership and the per-segment counter bump were persisted.
	state, err := sessions.Get(context.Background(), "cookie-1")
	require.NoError(t, err)
	assert.True(t, state.HoldsSegment(1))
	assert.False(t, state.HoldsSegment(2))
	require.Len(t, segments.incremented, 1)
	assert.Equal(t, []int64{1}, segments.incremented[0])
}

func TestResolve_PersistentMembershipCarriesForward(t *testing.T) {
	// The segment no longer matches, but the previous admission was
	// persistent, so it survives.
	seg := dynamicSegment(1, "Sticky", false)
	seg.Persistent = true

	segments := newFakeSegmentStore(seg)
	sessions := session.NewMemoryStore()

	prior := session.NewState()
	prior.AddSegment(session.MembershipRecord{SegmentID: 1, EncodedName: "sticky", Persistent: true})
	require.NoError(t, sessions.Set(context.Background(), "cookie-1", prior))

	svc := NewService(segments, sessions, nil)
	held, err := svc.Resolve(context.Background(), testVisitor(), evalCtx(), nil)
	require.NoError(t, err)

	require.Len(t, held, 1)
	assert.Equal(t, int64(1), held[0].ID)
}

func TestResolve_NonPersistentMembershipRequalifies(t *testing.T) {
	calls := 0
	seg := &segment.Segment{
		ID: 1, Name: "Volatile",
		Status: segment.StatusEnabled,
		Type:   segment.TypeDynamic,
		Rules:  []rules.Rule{&matchRule{matched: false, calls: &calls}},
	}

	segments := newFakeSegmentStore(seg)
	sessions := session.NewMemoryStore()

	prior := session.NewState()
	prior.AddSegment(session.MembershipRecord{SegmentID: 1, EncodedName: "volatile", Persistent: false})
	require.NoError(t, sessions.Set(context.Background(), "cookie-1", prior))

	svc := NewService(segments, sessions, nil)
	held, err := svc.Resolve(context.Background(), testVisitor(), evalCtx(), nil)
	require.NoError(t, err)

	// The old membership was dropped and the rules re-consulted.
	assert.Empty(t, held)
	assert.Equal(t, 1, calls)
}

func TestResolve_VanishedSegmentMembershipIsDropped(t *testing.T) {
	segments := newFakeSegmentStore() // nothing enabled
	sessions := session.NewMemoryStore()

	prior := session.NewState()
	prior.AddSegment(session.MembershipRecord{SegmentID: 99, EncodedName: "gone", Persistent: true})
	require.NoError(t, sessions.Set(context.Background(), "cookie-1", prior))

	svc := NewService(segments, sessions, nil)
	held, err := svc.Resolve(context.Background(), testVisitor(), evalCtx(), nil)
	require.NoError(t, err)

	assert.Empty(t, held)

	state, err := sessions.Get(context.Background(), "cookie-1")
	require.NoError(t, err)
	assert.False(t, state.HoldsSegment(99))
}

func TestResolve_RandomisationExclusionIsSticky(t *testing.T) {
	calls := 0
	seg := &segment.Segment{
		ID: 1, Name: "Lottery",
		Status:               segment.StatusEnabled,
		Type:                 segment.TypeDynamic,
		RandomisationPercent: intPtr(0),
		Rules:                []rules.Rule{&matchRule{matched: true, calls: &calls}},
	}

	segments := newFakeSegmentStore(seg)
	sessions := session.NewMemoryStore()
	svc := NewService(segments, sessions, func() int { return 1 })

	// First pass: rule matches, zero percent excludes.
	held, err := svc.Resolve(context.Background(), testVisitor(), evalCtx(), nil)
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.Equal(t, 1, calls)

	state, err := sessions.Get(context.Background(), "cookie-1")
	require.NoError(t, err)
	assert.True(t, state.ExcludesSegment(1))

	// Second pass: the durable exclusion suppresses re-evaluation.
	held, err = svc.Resolve(context.Background(), testVisitor(), evalCtx(), nil)
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.Equal(t, 1, calls, "rules must not run again for an excluded segment")
}

func TestResolve_FullRandomisationAlwaysAdmits(t *testing.T) {
	seg := dynamicSegment(1, "Everyone", true)
	seg.RandomisationPercent = intPtr(100)

	segments := newFakeSegmentStore(seg)
	svc := NewService(segments, session.NewMemoryStore(), func() int { return 100 })

	held, err := svc.Resolve(context.Background(), testVisitor(), evalCtx(), nil)
	require.NoError(t, err)
	require.Len(t, held, 1)
}

func TestResolve_FrozenStaticIsAMembershipLookup(t *testing.T) {
	calls := 0
	seg := &segment.Segment{
		ID: 1, Name: "Computed",
		Status: segment.StatusEnabled,
		Type:   segment.TypeStatic,
		Frozen: true,
		Rules:  []rules.Rule{&matchRule{matched: false, calls: &calls}},
	}

	segments := newFakeSegmentStore(seg)
	_, err := segments.AddStaticMember(context.Background(), 1, "user:7")
	require.NoError(t, err)

	svc := NewService(segments, session.NewMemoryStore(), nil)

	t.Run("Member is held without rule evaluation", func(t *testing.T) {
		visitor := Visitor{UserID: 7, Authenticated: true}
		held, err := svc.Resolve(context.Background(), visitor, evalCtx(), nil)
		require.NoError(t, err)
		require.Len(t, held, 1)
		assert.Zero(t, calls)
	})

	t.Run("Non-member stays out even when rules would match", func(t *testing.T) {
		visitor := Visitor{UserID: 8, Authenticated: true}
		held, err := svc.Resolve(context.Background(), visitor, evalCtx(), nil)
		require.NoError(t, err)
		assert.Empty(t, held)
		assert.Zero(t, calls)
	})
}

func TestResolve_StaticExclusionSurvivesSessionLoss(t *testing.T) {
	seg := &segment.Segment{
		ID: 1, Name: "Lottery",
		Status:               segment.StatusEnabled,
		Type:                 segment.TypeStatic,
		Count:                10,
		RandomisationPercent: intPtr(50),
		Rules:                []rules.Rule{&matchRule{matched: true}},
	}

	segments := newFakeSegmentStore(seg)

	// First session: the draw misses, recording the loss both in the
	// session and in the durable exclusion set.
	svc := NewService(segments, session.NewMemoryStore(), func() int { return 100 })
	held, err := svc.Resolve(context.Background(), testVisitor(), evalCtx(), nil)
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.True(t, segments.excluded[1]["cookie-1"])

	// Fresh session, winning draw: the durable record still keeps the
	// visitor out and is rehydrated into the new session state.
	fresh := session.NewMemoryStore()
	svc = NewService(segments, fresh, func() int { return 1 })
	held, err = svc.Resolve(context.Background(), testVisitor(), evalCtx(), nil)
	require.NoError(t, err)
	assert.Empty(t, held)

	state, err := fresh.Get(context.Background(), "cookie-1")
	require.NoError(t, err)
	assert.True(t, state.ExcludesSegment(1))
}

func TestResolve_ContinuousStaticRespectsCapacity(t *testing.T) {
	seg := &segment.Segment{
		ID: 1, Name: "Limited",
		Status: segment.StatusEnabled,
		Type:   segment.TypeStatic,
		Count:  1,
		Rules:  []rules.Rule{&matchRule{matched: true}},
	}

	segments := newFakeSegmentStore(seg)
	sessions := session.NewMemoryStore()
	svc := NewService(segments, sessions, nil)

	// First visitor takes the only seat and lands in the durable set.
	held, err := svc.Resolve(context.Background(), Visitor{Key: "first"}, evalCtx(), nil)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.True(t, segments.members[1]["first"])

	// Second visitor matches but the segment is full.
	held, err = svc.Resolve(context.Background(), Visitor{Key: "second"}, evalCtx(), nil)
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.False(t, segments.members[1]["second"])
}

func TestResolve_PageVisitRecordedAfterEvaluation(t *testing.T) {
	// Matches visitors who have seen the page at least once. The visit
	// being served must not count towards its own evaluation.
	seg := &segment.Segment{
		ID: 1, Name: "Returning",
		Status: segment.StatusEnabled,
		Type:   segment.TypeDynamic,
		Rules: []rules.Rule{&rules.VisitCountRule{
			PagePath: "/", Operator: rules.OperatorMoreThan, Threshold: 0,
		}},
	}

	segments := newFakeSegmentStore(seg)
	sessions := session.NewMemoryStore()
	svc := NewService(segments, sessions, nil)

	page := &store.Page{ID: 10, Slug: "home", Path: "/"}

	// First request: no prior visits, no match, but the visit is recorded.
	held, err := svc.Resolve(context.Background(), testVisitor(), evalCtx(), page)
	require.NoError(t, err)
	assert.Empty(t, held)

	state, err := sessions.Get(context.Background(), "cookie-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.VisitCount("/"))

	// Second request: the recorded visit now qualifies the visitor.
	held, err = svc.Resolve(context.Background(), testVisitor(), evalCtx(), page)
	require.NoError(t, err)
	require.Len(t, held, 1)
}

func TestResolve_BrokenSegmentDoesNotBreakTheRest(t *testing.T) {
	broken := &segment.Segment{
		ID: 1, Name: "Broken",
		Status: segment.StatusEnabled,
		Type:   segment.TypeStatic,
		Count:  5,
		Rules:  []rules.Rule{&matchRule{matched: true}},
	}
	healthy := dynamicSegment(2, "Healthy", true)

	segments := newFakeSegmentStore(broken, healthy)
	segments.countErr[1] = errors.New("connection reset")

	svc := NewService(segments, session.NewMemoryStore(), nil)
	held, err := svc.Resolve(context.Background(), testVisitor(), evalCtx(), nil)
	require.NoError(t, err)

	require.Len(t, held, 1)
	assert.Equal(t, int64(2), held[0].ID)
}

func TestVisitor_SessionKey(t *testing.T) {
	assert.Equal(t, "cookie-1", Visitor{Key: "cookie-1"}.SessionKey())
	assert.Equal(t, "user:42", Visitor{Key: "cookie-1", UserID: 42, Authenticated: true}.SessionKey())
}
