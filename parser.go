package dnshield

import (
	"net"
	"regexp"
	"strings"
	"time"
)

// ParserOptions are the options every parser recognizes, per the shared
// contract.
type ParserOptions struct {
	StrictMode            bool
	NormalizeCase         bool
	ValidateDomains       bool
	AllowDuplicates       bool
	MaxRuleCount          int
	DefaultPriority       int32
	BatchSize             int
	BuildIndexWhileParsing bool
	Progress              func(fraction float64)
}

// DefaultParserOptions matches the defaults implied by the format parsers'
// contract.
func DefaultParserOptions() ParserOptions {
	return ParserOptions{
		ValidateDomains: true,
		DefaultPriority: 0,
		BatchSize:       1000,
	}
}

// Parser is a pluggable format parser; implementations register
// themselves with a Registry at process start.
type Parser interface {
	FormatID() string
	SupportedExtensions() []string
	SupportedMimes() []string
	CanParse(b []byte) bool
	Parse(b []byte, opt ParserOptions) (*RuleSet, error)
}

// Registry dispatches raw bytes to the parser selected by extension, MIME
// type, or content heuristic.
type Registry struct {
	parsers []Parser
}

// NewRegistry returns a Registry pre-populated with the built-in parsers.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(&HostsParser{})
	r.Register(&StructuredParser{})
	r.Register(&PlistParser{})
	return r
}

// Register adds a parser to the registry.
func (r *Registry) Register(p Parser) { r.parsers = append(r.parsers, p) }

// ByExtension returns the first registered parser that claims ext (with or
// without a leading dot).
func (r *Registry) ByExtension(ext string) Parser {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	for _, p := range r.parsers {
		for _, e := range p.SupportedExtensions() {
			if strings.TrimPrefix(e, ".") == ext {
				return p
			}
		}
	}
	return nil
}

// ByMime returns the first registered parser that claims mime.
func (r *Registry) ByMime(mime string) Parser {
	for _, p := range r.parsers {
		for _, m := range p.SupportedMimes() {
			if m == mime {
				return p
			}
		}
	}
	return nil
}

// Detect picks a parser by content heuristic, trying each registered
// parser's CanParse in registration order.
func (r *Registry) Detect(b []byte) Parser {
	for _, p := range r.parsers {
		if p.CanParse(b) {
			return p
		}
	}
	return nil
}

// Dispatch selects a parser using extension first, then MIME, then
// content heuristic, and parses b with it.
func (r *Registry) Dispatch(ext, mime string, b []byte, opt ParserOptions) (*RuleSet, error) {
	p := r.ByExtension(ext)
	if p == nil {
		p = r.ByMime(mime)
	}
	if p == nil {
		p = r.Detect(b)
	}
	if p == nil {
		return nil, &ParseError{LineOrField: "format", Reason: "no parser recognized this content"}
	}
	return p.Parse(b, opt)
}

var domainLabelRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,63}$`)

// validDomain reports whether domain satisfies the shared validation
// contract: non-empty, <=253 octets, dot-separated labels each matching
// [A-Za-z0-9_-]{1,63}, with a leading "*." permitted for wildcard rules.
func validDomain(domain string) bool {
	if domain == "" || len(domain) > 253 {
		return false
	}
	rest := domain
	if strings.HasPrefix(rest, "*.") {
		rest = rest[2:]
		if rest == "" {
			return false
		}
	}
	for _, label := range strings.Split(rest, ".") {
		if !domainLabelRe.MatchString(label) {
			return false
		}
	}
	return true
}

func normalizeDomain(domain string, normalizeCase bool) string {
	if normalizeCase {
		return strings.ToLower(domain)
	}
	return domain
}

// isSinkholeIP reports whether s is one of the recognized placeholder
// sinkhole addresses used by text-hosts lists, or otherwise looks like an
// IP literal.
func isSinkholeIP(s string) bool {
	switch s {
	case "0.0.0.0", "127.0.0.1", "::1", "::", "0:0:0:0:0:0:0:0", "0:0:0:0:0:0:0:1":
		return true
	}
	if strings.Contains(s, ":") {
		return net.ParseIP(s) != nil
	}
	return net.ParseIP(s) != nil && strings.Count(s, ".") == 3
}

// ruleBuilder accumulates rules from a parser under the shared dedup,
// validation, and max-count rules.
type ruleBuilder struct {
	opt      ParserOptions
	seen     map[[2]string]bool
	rules    []Rule
	aborted  bool
	abortErr error
}

func newRuleBuilder(opt ParserOptions) *ruleBuilder {
	return &ruleBuilder{opt: opt, seen: make(map[[2]string]bool)}
}

func (b *ruleBuilder) add(domain, action string, priority int32, comment string) {
	if b.aborted {
		return
	}
	domain = normalizeDomain(domain, b.opt.NormalizeCase)
	if b.opt.ValidateDomains && !validDomain(domain) {
		if b.opt.StrictMode {
			b.aborted = true
			b.abortErr = &ParseError{LineOrField: domain, Reason: "invalid domain"}
		}
		return
	}
	key := [2]string{domain, action}
	if b.seen[key] && !b.opt.AllowDuplicates {
		return
	}
	b.seen[key] = true
	if b.opt.MaxRuleCount > 0 && len(b.rules) >= b.opt.MaxRuleCount {
		return
	}
	ruleType := RuleExact
	if strings.HasPrefix(domain, "*.") {
		ruleType = RuleWildcard
	}
	b.rules = append(b.rules, Rule{
		Domain: domain, Action: action, Type: ruleType, Priority: priority,
		Source: SourceList, UpdatedAt: time.Now(), Comment: comment,
	})
}
