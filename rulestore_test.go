package dnshield

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRuleStore(t *testing.T) *RuleStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewRuleStore(filepath.Join(dir, "rules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRuleStoreExactShadowsWildcard(t *testing.T) {
	s := newTestRuleStore(t)
	now := time.Now()
	require.NoError(t, s.AddRules([]Rule{
		{Domain: "*.example.com", Action: ActionBlock, Type: RuleWildcard, Priority: 100, Source: SourceUser, UpdatedAt: now},
		{Domain: "safe.example.com", Action: ActionAllow, Type: RuleExact, Priority: 200, Source: SourceUser, UpdatedAt: now},
	}))

	r, err := s.RuleForDomain("safe.example.com")
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, ActionAllow, r.Action)
}

func TestRuleStoreLongerSuffixWildcardShadowsShorter(t *testing.T) {
	s := newTestRuleStore(t)
	now := time.Now()
	require.NoError(t, s.AddRules([]Rule{
		{Domain: "*.com", Action: ActionAllow, Type: RuleWildcard, Priority: 1, Source: SourceUser, UpdatedAt: now},
		{Domain: "*.tracker.net", Action: ActionBlock, Type: RuleWildcard, Priority: 1, Source: SourceUser, UpdatedAt: now},
	}))

	r, err := s.RuleForDomain("x.y.tracker.net")
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, ActionBlock, r.Action)
}

func TestRuleStoreExpiredRuleIsNotMatched(t *testing.T) {
	s := newTestRuleStore(t)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, s.AddRules([]Rule{
		{Domain: "expired.example.com", Action: ActionBlock, Type: RuleExact, Source: SourceUser, UpdatedAt: past, ExpiresAt: &past},
	}))

	r, err := s.RuleForDomain("expired.example.com")
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestRuleStoreRegexCompileFailureIsNoMatch(t *testing.T) {
	s := newTestRuleStore(t)
	now := time.Now()
	require.NoError(t, s.AddRules([]Rule{
		{Domain: "(unterminated", Action: ActionBlock, Type: RuleRegex, Source: SourceUser, UpdatedAt: now},
	}))

	r, err := s.RuleForDomain("anything.example.com")
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestRuleStoreReplaceAllFromSource(t *testing.T) {
	s := newTestRuleStore(t)
	now := time.Now()
	require.NoError(t, s.AddRules([]Rule{
		{Domain: "old.example.com", Action: ActionBlock, Type: RuleExact, Source: "list-a", UpdatedAt: now},
	}))
	require.NoError(t, s.ReplaceAllFromSource("list-a", []Rule{
		{Domain: "new.example.com", Action: ActionBlock, Type: RuleExact, Source: "list-a", UpdatedAt: now},
	}))

	r, err := s.RuleForDomain("old.example.com")
	require.NoError(t, err)
	require.Nil(t, r)

	r, err = s.RuleForDomain("new.example.com")
	require.NoError(t, err)
	require.NotNil(t, r)
}

func TestRuleStoreSubscribeNotifiesOnCommit(t *testing.T) {
	s := newTestRuleStore(t)
	ch := s.Subscribe()
	require.NoError(t, s.AddRules([]Rule{{Domain: "x.com", Action: ActionBlock, Type: RuleExact, Source: SourceUser, UpdatedAt: time.Now()}}))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected RulesChanged notification")
	}
}

func TestRuleStoreMostQueriedAndCleanup(t *testing.T) {
	s := newTestRuleStore(t)
	now := time.Now()
	require.NoError(t, s.AddRules([]Rule{{Domain: "a.com", Action: ActionBlock, Type: RuleExact, Source: SourceUser, UpdatedAt: now}}))

	_, err := s.RuleForDomain("a.com")
	require.NoError(t, err)
	_, err = s.RuleForDomain("a.com")
	require.NoError(t, err)

	stats, err := s.MostQueried(5)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, int64(2), stats[0].HitCount)

	require.NoError(t, s.CleanupOlderThan(0))
	stats, err = s.MostQueried(5)
	require.NoError(t, err)
	require.Empty(t, stats)
}
