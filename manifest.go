package dnshield

import (
	"sort"
	"time"

	"github.com/heimdalr/dag"
)

// EvaluationContext is the flat set of facts a conditional item's
// predicate is evaluated against.
type EvaluationContext struct {
	OSVersion       string
	DeviceType      string
	DeviceModel     string
	NetworkLocation string
	NetworkSSID     string
	VPNConnected    bool
	VPNIdentifier   string
	CurrentDate     time.Time
	TimeOfDay       string // "HH:MM"
	DayOfWeek       time.Weekday
	IsWeekend       bool
	UserGroup       string
	DeviceIdentifier string
	SecurityScore   int
	Custom          map[string]interface{}
}

// ConditionalItem is applied to a manifest only when Condition evaluates
// true against an EvaluationContext. An empty condition is always true.
type ConditionalItem struct {
	Condition         string
	ManagedRules      map[string][]string
	RuleSources       []RuleSource
	IncludedManifests []string
}

// Manifest is a hierarchical configuration document: it can include other
// manifests and carry predicate-gated conditional overlays.
type Manifest struct {
	Identifier         string
	DisplayName        string
	IncludedManifests  []string
	RuleSources        []RuleSource
	ManagedRules       map[string][]string
	ConditionalItems    []ConditionalItem
	Metadata           map[string]string
	ManifestVersion     string
}

// ResolvedManifest is the flattened output of resolving a manifest's
// inclusion and conditional graph.
type ResolvedManifest struct {
	Primary               string
	Chain                 []Manifest
	ResolvedRuleSources   []RuleSource
	ResolvedManagedRules  map[string][]string
	ResolvedAt            time.Time
	Warnings              []string
}

// ManifestLoader loads a decoded manifest by identifier. The resolver
// does not know or care whether it came from disk,
// network, or the disk cache's stale fallback; ManifestCache wraps that
// policy and implements this interface via its Load method.
type ManifestLoader interface {
	Load(identifier string) (*Manifest, error)
}

// ManifestResolver resolves a manifest's include graph and conditional
// overlays into a flat ResolvedManifest, with cycle detection, per-call
// warnings for failed includes, and a configurable top-level fallback
// chain.
type ManifestResolver struct {
	loader ManifestLoader
	evalFn func(condition string, ctx EvaluationContext) (bool, error)
}

// NewManifestResolver returns a resolver backed by loader. Predicate
// evaluation uses EvaluatePredicate unless overridden (tests substitute a
// stub evaluator).
func NewManifestResolver(loader ManifestLoader) *ManifestResolver {
	return &ManifestResolver{loader: loader, evalFn: EvaluatePredicate}
}

// resolveState is the per-call working state: a DAG that records the
// include edges (its AddEdge errors are ignored), plus the processing/
// visited sets that perform the cycle detection.
type resolveState struct {
	ctx        EvaluationContext
	graph      *dag.DAG
	processing map[string]bool
	visited    map[string]bool
	chain      []Manifest
	ruleSrcs   []RuleSource
	managed    map[string][]string
	managedSet map[string]map[string]bool // category -> set, for O(1) membership
	warnings   []string
}

func newResolveState(ctx EvaluationContext) *resolveState {
	return &resolveState{
		ctx:        ctx,
		graph:      dag.NewDAG(),
		processing: make(map[string]bool),
		visited:    make(map[string]bool),
		managed:    make(map[string][]string),
		managedSet: make(map[string]map[string]bool),
	}
}

type manifestVertex struct{ id string }

func (v manifestVertex) ID() string { return v.id }

func (s *resolveState) addVertex(id string) {
	_, _ = s.graph.AddVertex(manifestVertex{id}) // ignore duplicate-vertex error
}

func (s *resolveState) mergeManagedRule(category, domain string) {
	set, ok := s.managedSet[category]
	if !ok {
		set = make(map[string]bool)
		s.managedSet[category] = set
	}
	if set[domain] {
		return
	}
	set[domain] = true
	s.managed[category] = append(s.managed[category], domain)
}

// Resolve resolves identifier against ctx, per §4.7's depth-first
// algorithm: processing-set cycle detection, visited-set memoization,
// conditional overlay evaluation, and priority-descending rule source
// merge with first-seen-order managed-rule union.
func (r *ManifestResolver) Resolve(identifier string, ctx EvaluationContext) (*ResolvedManifest, error) {
	st := newResolveState(ctx)
	if err := r.resolveOne(st, identifier); err != nil {
		return nil, err
	}
	sort.SliceStable(st.ruleSrcs, func(i, j int) bool {
		return st.ruleSrcs[i].Priority > st.ruleSrcs[j].Priority
	})
	return &ResolvedManifest{
		Primary:              identifier,
		Chain:                st.chain,
		ResolvedRuleSources:  st.ruleSrcs,
		ResolvedManagedRules: st.managed,
		ResolvedAt:           time.Now(),
		Warnings:             st.warnings,
	}, nil
}

// ResolveFallbackChain tries, in order, clientIdentifier (if set), then
// deviceSerial (if different), then "default"; the first identifier that
// resolves wins.
func (r *ManifestResolver) ResolveFallbackChain(clientIdentifier, deviceSerial string, ctx EvaluationContext) (*ResolvedManifest, error) {
	var candidates []string
	if clientIdentifier != "" {
		candidates = append(candidates, clientIdentifier)
	}
	if deviceSerial != "" && deviceSerial != clientIdentifier {
		candidates = append(candidates, deviceSerial)
	}
	candidates = append(candidates, "default")

	var lastErr error
	for _, id := range candidates {
		resolved, err := r.Resolve(id, ctx)
		if err == nil {
			return resolved, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *ManifestResolver) resolveOne(st *resolveState, id string) error {
	if st.processing[id] {
		return &ManifestCircularDependencyError{Identifier: id}
	}
	if st.visited[id] {
		return nil
	}
	st.processing[id] = true
	st.addVertex(id)

	m, err := r.loader.Load(id)
	if err != nil {
		delete(st.processing, id)
		return &ManifestNotFoundError{Identifier: id}
	}

	for _, included := range m.IncludedManifests {
		st.addVertex(included)
		_ = st.graph.AddEdge(id, included)
		if err := r.resolveOne(st, included); err != nil {
			if _, ok := err.(*ManifestCircularDependencyError); ok {
				delete(st.processing, id)
				return err
			}
			st.warnings = append(st.warnings, "include "+included+" of "+id+" failed: "+err.Error())
		}
	}

	for _, c := range m.ConditionalItems {
		ok, evalErr := r.eval(c.Condition, st.ctx)
		if evalErr != nil {
			st.warnings = append(st.warnings, "condition in "+id+" demoted to false: "+evalErr.Error())
			continue
		}
		if !ok {
			continue
		}
		st.ruleSrcs = append(st.ruleSrcs, c.RuleSources...)
		for category, domains := range c.ManagedRules {
			for _, d := range domains {
				st.mergeManagedRule(category, d)
			}
		}
		for _, included := range c.IncludedManifests {
			st.addVertex(included)
			_ = st.graph.AddEdge(id, included)
			if err := r.resolveOne(st, included); err != nil {
				if _, ok := err.(*ManifestCircularDependencyError); ok {
					delete(st.processing, id)
					return err
				}
				st.warnings = append(st.warnings, "conditional include "+included+" of "+id+" failed: "+err.Error())
			}
		}
	}

	st.ruleSrcs = append(st.ruleSrcs, m.RuleSources...)
	for category, domains := range m.ManagedRules {
		for _, d := range domains {
			st.mergeManagedRule(category, d)
		}
	}
	st.chain = append(st.chain, *m)

	delete(st.processing, id)
	st.visited[id] = true
	return nil
}

func (r *ManifestResolver) eval(condition string, ctx EvaluationContext) (bool, error) {
	if r.evalFn != nil {
		return r.evalFn(condition, ctx)
	}
	return EvaluatePredicate(condition, ctx)
}
