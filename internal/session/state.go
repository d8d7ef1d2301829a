// Package session provides the durable per-visitor state store. It abstracts
// the interaction with Redis, handling serialization, key namespacing and
// connection management, and offers an in-memory implementation with the same
// contract for tests.
package session

// MembershipRecord remembers one granted (or denied) segment for a visitor.
// The persistence flag is a snapshot taken at admission time so resolution
// does not need the live segment row to honour it.
type MembershipRecord struct {
	SegmentID   int64  `json:"id"`
	EncodedName string `json:"encoded_name"`
	Timestamp   int64  `json:"timestamp"`
	Persistent  bool   `json:"persistent"`
}

// PageVisit is one per-path visit counter.
type PageVisit struct {
	Slug   string `json:"slug"`
	PageID int64  `json:"id"`
	Path   string `json:"path"`
	Count  int    `json:"count"`
}

// State is the full durable document for one visitor: granted memberships,
// sticky randomisation denials, and page-visit counters. It is created empty
// on first request, mutated every request by the resolver, and expires with
// the session itself (an external concern).
type State struct {
	Segments []MembershipRecord `json:"segments"`
	Excluded []MembershipRecord `json:"excluded"`
	Visits   []PageVisit        `json:"visit_count"`
}

// NewState returns an empty visitor state.
func NewState() *State {
	return &State{}
}

// HoldsSegment reports whether a membership record exists for the segment.
func (s *State) HoldsSegment(segmentID int64) bool {
	return containsSegment(s.Segments, segmentID)
}

// ExcludesSegment reports whether a sticky denial exists for the segment.
func (s *State) ExcludesSegment(segmentID int64) bool {
	return containsSegment(s.Excluded, segmentID)
}

// AddSegment appends a membership record, deduplicated by segment id.
func (s *State) AddSegment(rec MembershipRecord) {
	if !containsSegment(s.Segments, rec.SegmentID) {
		s.Segments = append(s.Segments, rec)
	}
}

// ExcludeSegment appends a denial record, deduplicated by segment id.
func (s *State) ExcludeSegment(rec MembershipRecord) {
	if !containsSegment(s.Excluded, rec.SegmentID) {
		s.Excluded = append(s.Excluded, rec)
	}
}

// DropSegment removes the membership record for a segment, if present.
func (s *State) DropSegment(segmentID int64) {
	s.Segments = removeSegment(s.Segments, segmentID)
}

// AddPageVisit increments the counter for a page, appending a new entry with
// count one on the first visit. Entries are matched by page id.
func (s *State) AddPageVisit(pageID int64, slug, path string) {
	for i := range s.Visits {
		if s.Visits[i].PageID == pageID {
			s.Visits[i].Count++
			return
		}
	}

	s.Visits = append(s.Visits, PageVisit{
		Slug:   slug,
		PageID: pageID,
		Path:   path,
		Count:  1,
	})
}

// VisitCount returns the recorded count for a page path, zero when the path
// was never visited. Implements rules.VisitHistory.
func (s *State) VisitCount(path string) int {
	for _, v := range s.Visits {
		if v.Path == path {
			return v.Count
		}
	}
	return 0
}

func containsSegment(recs []MembershipRecord, segmentID int64) bool {
	for _, r := range recs {
		if r.SegmentID == segmentID {
			return true
		}
	}
	return false
}

func removeSegment(recs []MembershipRecord, segmentID int64) []MembershipRecord {
	kept := recs[:0]
	for _, r := range recs {
		if r.SegmentID != segmentID {
			kept = append(kept, r)
		}
	}
	return kept
}
