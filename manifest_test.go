package dnshield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeManifestLoader map[string]*Manifest

func (f fakeManifestLoader) Load(identifier string) (*Manifest, error) {
	m, ok := f[identifier]
	if !ok {
		return nil, &ManifestNotFoundError{Identifier: identifier}
	}
	return m, nil
}

func TestManifestResolverFlattensIncludes(t *testing.T) {
	loader := fakeManifestLoader{
		"root": {
			Identifier:        "root",
			IncludedManifests: []string{"base"},
			RuleSources:       []RuleSource{{Identifier: "root-src", Priority: 1}},
		},
		"base": {
			Identifier:  "base",
			RuleSources: []RuleSource{{Identifier: "base-src", Priority: 5}},
		},
	}
	r := NewManifestResolver(loader)
	resolved, err := r.Resolve("root", EvaluationContext{})
	require.NoError(t, err)
	require.Len(t, resolved.ResolvedRuleSources, 2)
	require.Equal(t, "base-src", resolved.ResolvedRuleSources[0].Identifier)
	require.Equal(t, "root-src", resolved.ResolvedRuleSources[1].Identifier)
}

func TestManifestResolverDetectsCircularDependency(t *testing.T) {
	loader := fakeManifestLoader{
		"a": {Identifier: "a", IncludedManifests: []string{"b"}},
		"b": {Identifier: "b", IncludedManifests: []string{"a"}},
	}
	r := NewManifestResolver(loader)
	_, err := r.Resolve("a", EvaluationContext{})
	require.Error(t, err)
	var circular *ManifestCircularDependencyError
	require.ErrorAs(t, err, &circular)
}

func TestManifestResolverConditionalOverlayAppliesWhenTrue(t *testing.T) {
	loader := fakeManifestLoader{
		"root": {
			Identifier: "root",
			ConditionalItems: []ConditionalItem{
				{
					Condition:    `vpn_connected == YES`,
					RuleSources:  []RuleSource{{Identifier: "vpn-only", Priority: 10}},
					ManagedRules: map[string][]string{"block": {"tracker.example.com"}},
				},
			},
		},
	}
	r := NewManifestResolver(loader)

	resolved, err := r.Resolve("root", EvaluationContext{VPNConnected: false})
	require.NoError(t, err)
	require.Empty(t, resolved.ResolvedRuleSources)

	resolved, err = r.Resolve("root", EvaluationContext{VPNConnected: true})
	require.NoError(t, err)
	require.Len(t, resolved.ResolvedRuleSources, 1)
	require.Equal(t, []string{"tracker.example.com"}, resolved.ResolvedManagedRules["block"])
}

func TestManifestResolverMissingIncludeWarnsButContinues(t *testing.T) {
	loader := fakeManifestLoader{
		"root": {
			Identifier:        "root",
			IncludedManifests: []string{"missing"},
			RuleSources:       []RuleSource{{Identifier: "root-src"}},
		},
	}
	r := NewManifestResolver(loader)
	resolved, err := r.Resolve("root", EvaluationContext{})
	require.NoError(t, err)
	require.Len(t, resolved.ResolvedRuleSources, 1)
	require.NotEmpty(t, resolved.Warnings)
}

func TestManifestResolverFallbackChainUsesDeviceSerialThenDefault(t *testing.T) {
	loader := fakeManifestLoader{
		"default": {Identifier: "default", RuleSources: []RuleSource{{Identifier: "default-src"}}},
	}
	r := NewManifestResolver(loader)
	resolved, err := r.ResolveFallbackChain("client-missing", "serial-missing", EvaluationContext{})
	require.NoError(t, err)
	require.Equal(t, "default", resolved.Primary)
	require.Len(t, resolved.ResolvedRuleSources, 1)
}

func TestManifestResolverManagedRulesDedupAcrossIncludes(t *testing.T) {
	loader := fakeManifestLoader{
		"root": {
			Identifier:        "root",
			IncludedManifests: []string{"base"},
			ManagedRules:      map[string][]string{"block": {"ads.example.com"}},
		},
		"base": {
			Identifier:   "base",
			ManagedRules: map[string][]string{"block": {"ads.example.com", "tracker.example.com"}},
		},
	}
	r := NewManifestResolver(loader)
	resolved, err := r.Resolve("root", EvaluationContext{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"ads.example.com", "tracker.example.com"}, resolved.ResolvedManagedRules["block"])
}
