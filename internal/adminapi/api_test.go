package adminapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chameleon-cms/chameleon/internal/populator"
	"github.com/chameleon-cms/chameleon/internal/rules"
	"github.com/chameleon-cms/chameleon/internal/segment"
	"github.com/chameleon-cms/chameleon/internal/session"
	"github.com/chameleon-cms/chameleon/internal/store"
	"github.com/chameleon-cms/chameleon/internal/variants"
)

// --- In-memory fakes ---

// fakeSegmentRepo is an in-memory store.SegmentRepository. Guarded by a mutex
// because the create handler populates static segments on a goroutine.
type fakeSegmentRepo struct {
	mu sync.Mutex

	nextID   int64
	segments map[int64]*segment.Segment
	members  map[int64][]string
	excluded map[int64]map[string]bool
}

var _ store.SegmentRepository = (*fakeSegmentRepo)(nil)

func newFakeSegmentRepo() *fakeSegmentRepo {
	return &fakeSegmentRepo{
		segments: make(map[int64]*segment.Segment),
		members:  make(map[int64][]string),
		excluded: make(map[int64]map[string]bool),
	}
}

func (f *fakeSegmentRepo) CreateSegment(_ context.Context, s *segment.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.segments {
		if existing.Name == s.Name {
			return fmt.Errorf("segment %q already exists", s.Name)
		}
	}
	f.nextID++
	s.ID = f.nextID
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	f.segments[s.ID] = &cp
	return nil
}

func (f *fakeSegmentRepo) GetSegment(_ context.Context, id int64) (*segment.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.segments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSegmentRepo) ListSegments(_ context.Context) ([]*segment.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*segment.Segment, 0, len(f.segments))
	for id := int64(1); id <= f.nextID; id++ {
		if s, ok := f.segments[id]; ok {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSegmentRepo) ListEnabled(ctx context.Context) ([]*segment.Segment, error) {
	all, _ := f.ListSegments(ctx)
	var out []*segment.Segment
	for _, s := range all {
		if s.Enabled() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSegmentRepo) UpdateSegment(_ context.Context, s *segment.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.segments[s.ID]; !ok {
		return store.ErrNotFound
	}
	s.UpdatedAt = time.Now()
	cp := *s
	f.segments[s.ID] = &cp
	return nil
}

func (f *fakeSegmentRepo) DeleteSegment(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.segments[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.segments, id)
	delete(f.members, id)
	delete(f.excluded, id)
	return nil
}

func (f *fakeSegmentRepo) ToggleStatus(_ context.Context, id int64, now time.Time) (*segment.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.segments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	s.Toggle(now)
	cp := *s
	return &cp, nil
}

func (f *fakeSegmentRepo) IncrementVisitCounts(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range ids {
		if s, ok := f.segments[id]; ok {
			s.VisitCount++
		}
	}
	return nil
}

func (f *fakeSegmentRepo) AddStaticMember(_ context.Context, segmentID int64, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.members[segmentID] {
		if existing == key {
			return false, nil
		}
	}
	f.members[segmentID] = append(f.members[segmentID], key)
	return true, nil
}

func (f *fakeSegmentRepo) AddExcludedMember(_ context.Context, segmentID int64, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.excluded[segmentID] == nil {
		f.excluded[segmentID] = make(map[string]bool)
	}
	f.excluded[segmentID][key] = true
	return nil
}

func (f *fakeSegmentRepo) IsStaticMember(_ context.Context, segmentID int64, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.members[segmentID] {
		if existing == key {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSegmentRepo) IsExcludedMember(_ context.Context, segmentID int64, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.excluded[segmentID][key], nil
}

func (f *fakeSegmentRepo) StaticMemberCount(_ context.Context, segmentID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.members[segmentID]), nil
}

func (f *fakeSegmentRepo) ListStaticMembers(_ context.Context, segmentID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members[segmentID]...), nil
}

func (f *fakeSegmentRepo) SetMatchedUsersCount(_ context.Context, segmentID int64, count int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.segments[segmentID]; ok {
		s.MatchedUsersCount = count
		s.MatchedCountUpdatedAt = &at
	}
	return nil
}

func (f *fakeSegmentRepo) SetFrozen(_ context.Context, segmentID int64, frozen bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.segments[segmentID]; ok {
		s.Frozen = frozen
	}
	return nil
}

// fakePageRepo is an in-memory store.PageRepository.
type fakePageRepo struct {
	nextID   int64
	pages    map[int64]*store.Page
	metadata map[int64]*store.PageMetadata
}

var _ store.PageRepository = (*fakePageRepo)(nil)

func newFakePageRepo() *fakePageRepo {
	return &fakePageRepo{
		pages:    make(map[int64]*store.Page),
		metadata: make(map[int64]*store.PageMetadata),
	}
}

func (f *fakePageRepo) CreatePage(_ context.Context, p *store.Page) error {
	f.nextID++
	p.ID = f.nextID
	cp := *p
	f.pages[p.ID] = &cp
	return nil
}

func (f *fakePageRepo) GetPage(_ context.Context, id int64) (*store.Page, error) {
	p, ok := f.pages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePageRepo) GetPageByPath(_ context.Context, path string) (*store.Page, error) {
	for _, p := range f.pages {
		if p.Path == path {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakePageRepo) ListDescendants(_ context.Context, pageID int64) ([]*store.Page, error) {
	parent, ok := f.pages[pageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	var out []*store.Page
	for _, p := range f.pages {
		if p.ID != pageID && strings.HasPrefix(p.Path, parent.Path) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakePageRepo) DeletePage(_ context.Context, id int64) error {
	if _, ok := f.pages[id]; !ok {
		return store.ErrNotFound
	}
	for pageID, meta := range f.metadata {
		if meta.CanonicalPageID == id && pageID != id {
			return store.ErrProtected
		}
	}
	delete(f.pages, id)
	delete(f.metadata, id)
	return nil
}

func (f *fakePageRepo) MetadataForPage(_ context.Context, pageID int64) (*store.PageMetadata, error) {
	meta, ok := f.metadata[pageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *meta
	return &cp, nil
}

func (f *fakePageRepo) VariantsForCanonical(_ context.Context, canonicalID int64) (map[int64]*store.PageMetadata, error) {
	out := make(map[int64]*store.PageMetadata)
	for _, meta := range f.metadata {
		if meta.CanonicalPageID == canonicalID && meta.SegmentID != nil {
			cp := *meta
			out[*meta.SegmentID] = &cp
		}
	}
	return out, nil
}

func (f *fakePageRepo) CreateMetadata(_ context.Context, meta *store.PageMetadata) error {
	for _, existing := range f.metadata {
		if existing.CanonicalPageID == meta.CanonicalPageID &&
			existing.SegmentID != nil && meta.SegmentID != nil &&
			*existing.SegmentID == *meta.SegmentID {
			return store.ErrDuplicateVariant
		}
	}
	f.nextID++
	meta.ID = f.nextID
	cp := *meta
	f.metadata[meta.PageID] = &cp
	return nil
}

func (f *fakePageRepo) DeleteMetadata(_ context.Context, pageID int64) error {
	delete(f.metadata, pageID)
	return nil
}

func (f *fakePageRepo) CountPersonalised(_ context.Context) (int64, int64, error) {
	canonicals := make(map[int64]bool)
	var variantCount int64
	for _, meta := range f.metadata {
		if meta.SegmentID != nil {
			canonicals[meta.CanonicalPageID] = true
			variantCount++
		}
	}
	return int64(len(canonicals)), variantCount, nil
}

// fakeUserRepo is an in-memory store.UserRepository.
type fakeUserRepo struct {
	users map[int64]*store.User
}

var _ store.UserRepository = (*fakeUserRepo)(nil)

func (f *fakeUserRepo) GetUser(_ context.Context, id int64) (*store.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeUserRepo) GetUserByUsername(_ context.Context, username string) (*store.User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeUserRepo) ListActive(_ context.Context, afterID int64, limit int) ([]*store.User, error) {
	var out []*store.User
	for id := afterID + 1; len(out) < limit; id++ {
		u, ok := f.users[id]
		if !ok {
			break
		}
		if u.IsActive && !u.IsStaff {
			out = append(out, u)
		}
	}
	return out, nil
}

// --- Harness ---

type testEnv struct {
	api      *API
	segments *fakeSegmentRepo
	pages    *fakePageRepo
	users    *fakeUserRepo
	sessions session.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	segments := newFakeSegmentRepo()
	pages := newFakePageRepo()
	users := &fakeUserRepo{users: make(map[int64]*store.User)}
	sessions := session.NewMemoryStore()
	registry := rules.NewRegistry(rules.RegistryOptions{})

	deps := Deps{
		Segments:  segments,
		Pages:     pages,
		Users:     users,
		Registry:  registry,
		Variants:  variants.NewService(pages, segments),
		Populator: populator.NewService(segments, users, sessions, 100, nil),
		Sessions:  sessions,
	}

	return &testEnv{
		api:      NewAPIWithConfig(deps, "", true),
		segments: segments,
		pages:    pages,
		users:    users,
		sessions: sessions,
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.api.Router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) seedSegment(t *testing.T, seg *segment.Segment) *segment.Segment {
	t.Helper()
	require.NoError(t, e.segments.CreateSegment(context.Background(), seg))
	return seg
}

func (e *testEnv) seedPage(t *testing.T, slug, path string) *store.Page {
	t.Helper()
	p := &store.Page{Slug: slug, Path: path, Title: slug, Live: true}
	require.NoError(t, e.pages.CreatePage(context.Background(), p))
	return p
}

// --- Segment Endpoints ---

func TestHandleCreateSegment(t *testing.T) {
	t.Run("Should create a dynamic segment and return 201", func(t *testing.T) {
		env := newTestEnv(t)

		rec := env.do(t, http.MethodPost, "/api/v1/segments", map[string]any{
			"name": "Night Owls",
			"rules": []map[string]any{
				{"kind": "time", "params": map[string]string{"start_time": "22:00", "end_time": "06:00"}},
			},
		})

		require.Equal(t, http.StatusCreated, rec.Code)

		var resp Segment
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "Night Owls", resp.Name)
		assert.Equal(t, "night-owls", resp.EncodedName)
		assert.Equal(t, "enabled", resp.Status, "status defaults to enabled")
		assert.Equal(t, "dynamic", resp.Type, "type defaults to dynamic")
		require.Len(t, resp.Rules, 1)
		assert.Equal(t, "time", resp.Rules[0].Kind)
	})

	t.Run("Should populate a static segment off the request path", func(t *testing.T) {
		env := newTestEnv(t)
		env.users.users[1] = &store.User{ID: 1, Username: "ana", IsActive: true}
		env.users.users[2] = &store.User{ID: 2, Username: "bob", IsActive: true}

		rec := env.do(t, http.MethodPost, "/api/v1/segments", map[string]any{
			"name": "Members",
			"type": "static",
			"rules": []map[string]any{
				{"kind": "logged_in", "params": map[string]bool{"is_logged_in": true}},
			},
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp Segment
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

		assert.Eventually(t, func() bool {
			count, _ := env.segments.StaticMemberCount(context.Background(), resp.ID)
			seg, err := env.segments.GetSegment(context.Background(), resp.ID)
			return err == nil && count == 2 && seg.Frozen
		}, 2*time.Second, 10*time.Millisecond, "static membership is computed asynchronously")
	})

	t.Run("Should reject malformed JSON", func(t *testing.T) {
		env := newTestEnv(t)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/segments", strings.NewReader("{not json"))
		rec := httptest.NewRecorder()
		env.api.Router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_JSON", decodeError(t, rec).Code)
	})

	t.Run("Should reject a missing name", func(t *testing.T) {
		env := newTestEnv(t)

		rec := env.do(t, http.MethodPost, "/api/v1/segments", map[string]any{"name": "   "})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_INPUT", decodeError(t, rec).Code)
	})

	t.Run("Should reject an unknown rule kind", func(t *testing.T) {
		env := newTestEnv(t)

		rec := env.do(t, http.MethodPost, "/api/v1/segments", map[string]any{
			"name": "Broken",
			"rules": []map[string]any{
				{"kind": "astrology", "params": map[string]string{}},
			},
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_RULES", decodeError(t, rec).Code)
	})

	t.Run("Should reject an unbounded static segment with mixed rules", func(t *testing.T) {
		env := newTestEnv(t)

		rec := env.do(t, http.MethodPost, "/api/v1/segments", map[string]any{
			"name": "Mixed",
			"type": "static",
			"rules": []map[string]any{
				{"kind": "query", "params": map[string]string{"parameter": "ref", "value": "mail"}},
			},
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_SEGMENT", decodeError(t, rec).Code)
	})

	t.Run("Should return 409 on a duplicate name", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedSegment(t, &segment.Segment{
			Name: "Taken", Status: segment.StatusEnabled, Type: segment.TypeDynamic,
			Rules: []rules.Rule{&rules.LoggedInRule{LoggedIn: true}},
		})

		rec := env.do(t, http.MethodPost, "/api/v1/segments", map[string]any{
			"name": "Taken",
			"rules": []map[string]any{
				{"kind": "logged_in", "params": map[string]bool{"is_logged_in": true}},
			},
		})

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "ERR_CONFLICT", decodeError(t, rec).Code)
	})
}

func TestHandleListSegments(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 5; i++ {
		env.seedSegment(t, &segment.Segment{
			Name: fmt.Sprintf("Segment %d", i), Status: segment.StatusEnabled,
			Type:  segment.TypeDynamic,
			Rules: []rules.Rule{&rules.LoggedInRule{LoggedIn: true}},
		})
	}

	t.Run("Should paginate the list", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/segments?page=2&page_size=2", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Data       []Segment  `json:"data"`
			Pagination Pagination `json:"pagination"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

		require.Len(t, resp.Data, 2)
		assert.Equal(t, "Segment 3", resp.Data[0].Name)
		assert.Equal(t, int64(5), resp.Pagination.TotalItems)
		assert.Equal(t, 3, resp.Pagination.TotalPages)
		assert.Equal(t, 2, resp.Pagination.CurrentPage)
	})

	t.Run("Should clamp out-of-bounds paging values", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/segments?page=-3&page_size=0", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Pagination Pagination `json:"pagination"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Pagination.CurrentPage)
		assert.Equal(t, 10, resp.Pagination.PageSize)
	})

	t.Run("Should reject a non-numeric page", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/segments?page=abc", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_QUERY_PARAM", decodeError(t, rec).Code)
	})
}

func TestHandleGetSegment(t *testing.T) {
	env := newTestEnv(t)
	seg := env.seedSegment(t, &segment.Segment{
		Name: "Returning", Status: segment.StatusEnabled, Type: segment.TypeDynamic,
		Rules: []rules.Rule{&rules.LoggedInRule{LoggedIn: true}},
	})

	t.Run("Should return the segment", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/segments/%d", seg.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp Segment
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "Returning", resp.Name)
	})

	t.Run("Should return 404 for an unknown id", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/segments/999", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "ERR_NOT_FOUND", decodeError(t, rec).Code)
	})

	t.Run("Should return 400 for a malformed id", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/segments/banana", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleUpdateSegment(t *testing.T) {
	t.Run("Should apply a partial update", func(t *testing.T) {
		env := newTestEnv(t)
		seg := env.seedSegment(t, &segment.Segment{
			Name: "Old Name", Status: segment.StatusEnabled, Type: segment.TypeDynamic,
			Rules: []rules.Rule{&rules.LoggedInRule{LoggedIn: true}},
		})

		rec := env.do(t, http.MethodPatch, fmt.Sprintf("/api/v1/segments/%d", seg.ID),
			map[string]any{"name": "New Name"})

		require.Equal(t, http.StatusOK, rec.Code)

		var resp Segment
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "New Name", resp.Name)
		assert.True(t, resp.Persistent == seg.Persistent, "untouched fields survive")
	})

	t.Run("Should allow renaming a frozen segment", func(t *testing.T) {
		env := newTestEnv(t)
		seg := env.seedSegment(t, &segment.Segment{
			Name: "Frozen", Status: segment.StatusEnabled, Type: segment.TypeStatic,
			Frozen: true,
			Rules:  []rules.Rule{&rules.LoggedInRule{LoggedIn: true}},
		})

		rec := env.do(t, http.MethodPatch, fmt.Sprintf("/api/v1/segments/%d", seg.ID),
			map[string]any{"name": "Renamed"})

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("Should refuse behavioural edits on a frozen segment", func(t *testing.T) {
		env := newTestEnv(t)
		seg := env.seedSegment(t, &segment.Segment{
			Name: "Frozen", Status: segment.StatusEnabled, Type: segment.TypeStatic,
			Frozen: true,
			Rules:  []rules.Rule{&rules.LoggedInRule{LoggedIn: true}},
		})

		rec := env.do(t, http.MethodPatch, fmt.Sprintf("/api/v1/segments/%d", seg.ID),
			map[string]any{"match_any": true})

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "ERR_SEGMENT_FROZEN", decodeError(t, rec).Code)
	})
}

func TestHandleDeleteSegment(t *testing.T) {
	env := newTestEnv(t)
	seg := env.seedSegment(t, &segment.Segment{
		Name: "Doomed", Status: segment.StatusEnabled, Type: segment.TypeDynamic,
		Rules: []rules.Rule{&rules.LoggedInRule{LoggedIn: true}},
	})

	rec := env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/segments/%d", seg.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/segments/%d", seg.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleToggleSegment(t *testing.T) {
	env := newTestEnv(t)
	seg := env.seedSegment(t, &segment.Segment{
		Name: "Switch", Status: segment.StatusEnabled, Type: segment.TypeDynamic,
		Rules: []rules.Rule{&rules.LoggedInRule{LoggedIn: true}},
	})

	t.Run("Should flip the status and redirect to the referer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/segments/%d/toggle", seg.ID), nil)
		req.Header.Set("Referer", "/dashboard/segments")
		rec := httptest.NewRecorder()
		env.api.Router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "/dashboard/segments", rec.Header().Get("Location"))

		updated, err := env.segments.GetSegment(context.Background(), seg.ID)
		require.NoError(t, err)
		assert.Equal(t, segment.StatusDisabled, updated.Status)
	})

	t.Run("Should fall back to the resource location without a referer", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/segments/%d/toggle", seg.ID), nil)

		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, fmt.Sprintf("/api/v1/segments/%d", seg.ID), rec.Header().Get("Location"))
	})
}

// --- Page Endpoints ---

func TestHandleCreateVariant(t *testing.T) {
	env := newTestEnv(t)
	page := env.seedPage(t, "home", "/")
	seg := env.seedSegment(t, &segment.Segment{
		Name: "Night Owls", Status: segment.StatusEnabled, Type: segment.TypeDynamic,
		Rules: []rules.Rule{&rules.LoggedInRule{LoggedIn: true}},
	})

	t.Run("Should create the variant and redirect to its edit view", func(t *testing.T) {
		rec := env.do(t, http.MethodPost,
			fmt.Sprintf("/api/v1/pages/%d/variants/%d", page.ID, seg.ID), nil)

		require.Equal(t, http.StatusSeeOther, rec.Code)
		location := rec.Header().Get("Location")
		assert.True(t, strings.HasPrefix(location, "/api/v1/pages/"))
		assert.True(t, strings.HasSuffix(location, "/edit"))
	})

	t.Run("Should redirect to the same variant on a repeat request", func(t *testing.T) {
		first := env.do(t, http.MethodPost,
			fmt.Sprintf("/api/v1/pages/%d/variants/%d", page.ID, seg.ID), nil)
		second := env.do(t, http.MethodPost,
			fmt.Sprintf("/api/v1/pages/%d/variants/%d", page.ID, seg.ID), nil)

		assert.Equal(t, first.Header().Get("Location"), second.Header().Get("Location"))
	})

	t.Run("Should return 404 for an unknown page", func(t *testing.T) {
		rec := env.do(t, http.MethodPost,
			fmt.Sprintf("/api/v1/pages/999/variants/%d", seg.ID), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleDeletePage(t *testing.T) {
	t.Run("Should delete a plain page", func(t *testing.T) {
		env := newTestEnv(t)
		page := env.seedPage(t, "about", "/about/")

		rec := env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/pages/%d", page.ID), nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("Should protect a page with variants", func(t *testing.T) {
		env := newTestEnv(t)
		page := env.seedPage(t, "home", "/")
		seg := env.seedSegment(t, &segment.Segment{
			Name: "Night Owls", Status: segment.StatusEnabled, Type: segment.TypeDynamic,
			Rules: []rules.Rule{&rules.LoggedInRule{LoggedIn: true}},
		})
		env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/pages/%d/variants/%d", page.ID, seg.ID), nil)

		rec := env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/pages/%d", page.ID), nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "ERR_PROTECTED", decodeError(t, rec).Code)
	})

	t.Run("Should cascade when asked to", func(t *testing.T) {
		env := newTestEnv(t)
		page := env.seedPage(t, "home", "/")
		seg := env.seedSegment(t, &segment.Segment{
			Name: "Night Owls", Status: segment.StatusEnabled, Type: segment.TypeDynamic,
			Rules: []rules.Rule{&rules.LoggedInRule{LoggedIn: true}},
		})
		env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/pages/%d/variants/%d", page.ID, seg.ID), nil)

		rec := env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/pages/%d?cascade=true", page.ID), nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, env.pages.pages)
	})
}

// --- CSV Export ---

func TestHandleAddMember(t *testing.T) {
	staticSegment := func(frozen bool) *segment.Segment {
		return &segment.Segment{
			Name:   "Blog Fans",
			Status: segment.StatusEnabled,
			Type:   segment.TypeStatic,
			Count:  10,
			Frozen: frozen,
		}
	}

	t.Run("Should add a known user and return 201", func(t *testing.T) {
		env := newTestEnv(t)
		env.users.users[7] = &store.User{ID: 7, Username: "ana", IsActive: true}
		seg := env.seedSegment(t, staticSegment(false))

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/segments/%d/members", seg.ID),
			map[string]string{"username": "ana"})

		require.Equal(t, http.StatusCreated, rec.Code)

		var resp MemberResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, seg.ID, resp.SegmentID)
		assert.Equal(t, int64(7), resp.UserID)
		assert.True(t, resp.Added)

		member, err := env.segments.IsStaticMember(context.Background(), seg.ID, "user:7")
		require.NoError(t, err)
		assert.True(t, member)
	})

	t.Run("Should report an existing member with 200", func(t *testing.T) {
		env := newTestEnv(t)
		env.users.users[7] = &store.User{ID: 7, Username: "ana", IsActive: true}
		seg := env.seedSegment(t, staticSegment(false))

		target := fmt.Sprintf("/api/v1/segments/%d/members", seg.ID)
		require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, target,
			map[string]string{"username": "ana"}).Code)

		rec := env.do(t, http.MethodPost, target, map[string]string{"username": "ana"})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp MemberResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Added)
	})

	t.Run("Should reject an unknown username with 404", func(t *testing.T) {
		env := newTestEnv(t)
		seg := env.seedSegment(t, staticSegment(false))

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/segments/%d/members", seg.ID),
			map[string]string{"username": "nobody"})

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "ERR_NOT_FOUND", decodeError(t, rec).Code)
	})

	t.Run("Should reject a dynamic segment", func(t *testing.T) {
		env := newTestEnv(t)
		env.users.users[7] = &store.User{ID: 7, Username: "ana", IsActive: true}
		seg := env.seedSegment(t, &segment.Segment{
			Name:   "Visitors",
			Status: segment.StatusEnabled,
			Type:   segment.TypeDynamic,
		})

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/segments/%d/members", seg.ID),
			map[string]string{"username": "ana"})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_INPUT", decodeError(t, rec).Code)
	})

	t.Run("Should reject a frozen segment with 409", func(t *testing.T) {
		env := newTestEnv(t)
		env.users.users[7] = &store.User{ID: 7, Username: "ana", IsActive: true}
		seg := env.seedSegment(t, staticSegment(true))

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/segments/%d/members", seg.ID),
			map[string]string{"username": "ana"})

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "ERR_SEGMENT_FROZEN", decodeError(t, rec).Code)
	})

	t.Run("Should reject a missing username", func(t *testing.T) {
		env := newTestEnv(t)
		seg := env.seedSegment(t, staticSegment(false))

		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/segments/%d/members", seg.ID),
			map[string]string{})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "ERR_INVALID_INPUT", decodeError(t, rec).Code)
	})
}

func TestHandleExportUsers(t *testing.T) {
	env := newTestEnv(t)
	env.users.users[7] = &store.User{ID: 7, Username: "ana", IsActive: true}

	seg := env.seedSegment(t, &segment.Segment{
		Name: "Blog Fans", Status: segment.StatusEnabled, Type: segment.TypeStatic,
		Rules: []rules.Rule{
			&rules.VisitCountRule{PagePath: "/blog/", Operator: rules.OperatorMoreThan, Threshold: 1},
		},
	})

	ctx := context.Background()
	_, err := env.segments.AddStaticMember(ctx, seg.ID, session.UserKey(7))
	require.NoError(t, err)

	state := session.NewState()
	state.AddPageVisit(10, "blog", "/blog/")
	state.AddPageVisit(10, "blog", "/blog/")
	require.NoError(t, env.sessions.Set(ctx, session.UserKey(7), state))

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/segments/%d/users.csv", seg.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "blog-fans-users.csv")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Visit count (/blog/),username", lines[0])
	assert.Equal(t, "2,ana", lines[1])
}

// --- Summary ---

func TestHandleSummary(t *testing.T) {
	env := newTestEnv(t)
	env.seedSegment(t, &segment.Segment{
		Name: "On", Status: segment.StatusEnabled, Type: segment.TypeDynamic,
		Rules: []rules.Rule{&rules.LoggedInRule{LoggedIn: true}},
	})
	env.seedSegment(t, &segment.Segment{
		Name: "Off", Status: segment.StatusDisabled, Type: segment.TypeDynamic,
		Rules: []rules.Rule{&rules.LoggedInRule{LoggedIn: true}},
	})

	page := env.seedPage(t, "home", "/")
	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/pages/%d/variants/1", page.ID), nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SummaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Segments)
	assert.Equal(t, int64(1), resp.EnabledSegments)
	assert.Equal(t, int64(1), resp.PersonalisedPages)
	assert.Equal(t, int64(1), resp.Variants)
}

// --- Authentication ---

func TestAuthenticateAPIKey(t *testing.T) {
	const apiKey = "super-secret"
	sum := sha256.Sum256([]byte(apiKey))
	hash := hex.EncodeToString(sum[:])

	env := newTestEnv(t)
	authed := NewAPI(Deps{
		Segments:  env.segments,
		Pages:     env.pages,
		Users:     env.users,
		Registry:  rules.NewRegistry(rules.RegistryOptions{}),
		Variants:  variants.NewService(env.pages, env.segments),
		Populator: populator.NewService(env.segments, env.users, env.sessions, 100, nil),
		Sessions:  env.sessions,
	}, hash)

	request := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/summary", nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		authed.Router.ServeHTTP(rec, req)
		return rec
	}

	t.Run("Should reject a missing key with 401", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, request("").Code)
	})

	t.Run("Should reject a wrong key with 403", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, request("guess").Code)
	})

	t.Run("Should admit the configured key", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, request(apiKey).Code)
	})

	t.Run("Should leave the health check public", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		authed.Router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
