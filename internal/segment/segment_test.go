package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chameleon-cms/chameleon/internal/rules"
)

// fixedRule is a test rule with a predetermined outcome.
type fixedRule struct {
	matched bool
	static  bool
}

func (r fixedRule) Kind() string                   { return "fixed" }
func (r fixedRule) Static() bool                   { return r.static }
func (r fixedRule) Match(*rules.Context) bool      { return r.matched }
func (r fixedRule) Description() rules.Description { return rules.Description{Title: "fixed"} }

func intPtr(v int) *int { return &v }

func TestSegment_Matches(t *testing.T) {
	ctx := &rules.Context{Now: time.Now()}

	tests := []struct {
		name     string
		matchAny bool
		rules    []rules.Rule
		want     bool
	}{
		// --- Match-all (AND) ---
		{
			name:  "Should match when every rule matches",
			rules: []rules.Rule{fixedRule{matched: true}, fixedRule{matched: true}},
			want:  true,
		},
		{
			name:  "Should NOT match when one rule misses",
			rules: []rules.Rule{fixedRule{matched: true}, fixedRule{matched: false}},
			want:  false,
		},

		// --- Match-any (OR) ---
		{
			name:     "Should match when one rule matches under match-any",
			matchAny: true,
			rules:    []rules.Rule{fixedRule{matched: false}, fixedRule{matched: true}},
			want:     true,
		},
		{
			name:     "Should NOT match when no rule matches under match-any",
			matchAny: true,
			rules:    []rules.Rule{fixedRule{matched: false}, fixedRule{matched: false}},
			want:     false,
		},

		// --- Edge Cases ---
		{
			name:  "Should NOT match with an empty rule set (no vacuous truth)",
			rules: nil,
			want:  false,
		},
		{
			name:     "Should NOT match with an empty rule set under match-any either",
			matchAny: true,
			rules:    nil,
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := &Segment{Name: "test", MatchAny: tt.matchAny, Rules: tt.rules}
			assert.Equal(t, tt.want, seg.Matches(ctx))
		})
	}
}

func TestSegment_SetStatus(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("Enabling stamps the time and resets the visit counter", func(t *testing.T) {
		seg := &Segment{Status: StatusDisabled, VisitCount: 42}

		seg.SetStatus(StatusEnabled, now)

		assert.Equal(t, StatusEnabled, seg.Status)
		assert.Equal(t, int64(0), seg.VisitCount)
		assert.Equal(t, now, *seg.EnabledAt)
	})

	t.Run("Disabling stamps the time and keeps the counter", func(t *testing.T) {
		seg := &Segment{Status: StatusEnabled, VisitCount: 42}

		seg.SetStatus(StatusDisabled, now)

		assert.Equal(t, StatusDisabled, seg.Status)
		assert.Equal(t, int64(42), seg.VisitCount)
		assert.Equal(t, now, *seg.DisabledAt)
	})

	t.Run("Repeating the same status is a no-op", func(t *testing.T) {
		enabledAt := now.Add(-time.Hour)
		seg := &Segment{Status: StatusEnabled, EnabledAt: &enabledAt, VisitCount: 7}

		seg.SetStatus(StatusEnabled, now)

		assert.Equal(t, enabledAt, *seg.EnabledAt, "timestamp must not be restamped")
		assert.Equal(t, int64(7), seg.VisitCount, "counter must not be reset")
	})

	t.Run("Toggle flips in both directions", func(t *testing.T) {
		seg := &Segment{Status: StatusEnabled}

		seg.Toggle(now)
		assert.Equal(t, StatusDisabled, seg.Status)

		seg.Toggle(now.Add(time.Minute))
		assert.Equal(t, StatusEnabled, seg.Status)
	})
}

func TestSegment_RandomiseInto(t *testing.T) {
	tests := []struct {
		name    string
		percent *int
		draw    int
		want    bool
	}{
		{"Nil percent admits unconditionally", nil, 100, true},
		{"Zero percent never admits, even on the lowest draw", intPtr(0), 1, false},
		{"Hundred percent always admits", intPtr(100), 100, true},
		{"Draw at the percent admits (inclusive)", intPtr(40), 40, true},
		{"Draw above the percent excludes", intPtr(40), 41, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := &Segment{RandomisationPercent: tt.percent}
			assert.Equal(t, tt.want, seg.RandomiseInto(func() int { return tt.draw }))
		})
	}
}

func TestSegment_StaticHelpers(t *testing.T) {
	t.Run("AllRulesStatic requires every rule static and a nonempty set", func(t *testing.T) {
		assert.False(t, (&Segment{}).AllRulesStatic())
		assert.True(t, (&Segment{Rules: []rules.Rule{fixedRule{static: true}}}).AllRulesStatic())
		assert.False(t, (&Segment{Rules: []rules.Rule{
			fixedRule{static: true}, fixedRule{static: false},
		}}).AllRulesStatic())
	})

	t.Run("StaticRules filters preserving order", func(t *testing.T) {
		seg := &Segment{Rules: []rules.Rule{
			fixedRule{static: true, matched: true},
			fixedRule{static: false},
			fixedRule{static: true, matched: false},
		}}

		static := seg.StaticRules()
		assert.Len(t, static, 2)
	})

	t.Run("MatchesStatic ignores non-static rules", func(t *testing.T) {
		seg := &Segment{Rules: []rules.Rule{
			fixedRule{static: true, matched: true},
			fixedRule{static: false, matched: false},
		}}
		assert.True(t, seg.MatchesStatic(&rules.Context{}))
	})

	t.Run("MatchesStatic with no static rules never matches", func(t *testing.T) {
		seg := &Segment{Rules: []rules.Rule{fixedRule{static: false, matched: true}}}
		assert.False(t, seg.MatchesStatic(&rules.Context{}))
	})

	t.Run("IsFull respects zero capacity as unlimited", func(t *testing.T) {
		assert.False(t, (&Segment{Count: 0}).IsFull(1_000_000))
		assert.False(t, (&Segment{Count: 5}).IsFull(4))
		assert.True(t, (&Segment{Count: 5}).IsFull(5))
	})
}

func TestSegment_ActiveDays(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	t.Run("Never enabled reports zero", func(t *testing.T) {
		assert.Equal(t, 0, (&Segment{}).ActiveDays(now))
	})

	t.Run("Measures from enable to now", func(t *testing.T) {
		enabledAt := now.AddDate(0, 0, -3)
		seg := &Segment{EnabledAt: &enabledAt}
		assert.Equal(t, 3, seg.ActiveDays(now))
	})

	t.Run("Measures from enable to disable when disabled later", func(t *testing.T) {
		enabledAt := now.AddDate(0, 0, -10)
		disabledAt := now.AddDate(0, 0, -8)
		seg := &Segment{EnabledAt: &enabledAt, DisabledAt: &disabledAt}
		assert.Equal(t, 2, seg.ActiveDays(now))
	})
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"First Time Visitors", "first-time-visitors"},
		{"  spaced   out  ", "spaced-out"},
		{"Caps&Symbols!!", "caps-symbols"},
		{"already-slugged", "already-slugged"},
		{"42 degrees", "42-degrees"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), "input %q", tt.in)
	}
}
