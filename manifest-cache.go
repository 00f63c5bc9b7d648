package dnshield

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"howett.net/plist"
)

// manifestDoc is the on-the-wire and on-disk shape of a Manifest; it
// exists separately from Manifest so source documents (JSON) and disk
// cache documents (plist) marshal the same way regardless of field tags.
type manifestDoc struct {
	Identifier        string                       `json:"identifier" plist:"identifier"`
	DisplayName       string                       `json:"display_name,omitempty" plist:"display_name,omitempty"`
	IncludedManifests []string                     `json:"included_manifests,omitempty" plist:"included_manifests,omitempty"`
	RuleSources       []manifestRuleSourceDoc      `json:"rule_sources,omitempty" plist:"rule_sources,omitempty"`
	ManagedRules      map[string][]string          `json:"managed_rules,omitempty" plist:"managed_rules,omitempty"`
	ConditionalItems  []manifestConditionalItemDoc `json:"conditional_items,omitempty" plist:"conditional_items,omitempty"`
	Metadata          map[string]string            `json:"metadata,omitempty" plist:"metadata,omitempty"`
	ManifestVersion   string                       `json:"manifest_version,omitempty" plist:"manifest_version,omitempty"`
}

type manifestRuleSourceDoc struct {
	Identifier string `json:"identifier" plist:"identifier"`
	URL        string `json:"url,omitempty" plist:"url,omitempty"`
	Format     string `json:"format,omitempty" plist:"format,omitempty"`
	Enabled    bool   `json:"enabled" plist:"enabled"`
	Priority   int32  `json:"priority" plist:"priority"`
}

type manifestConditionalItemDoc struct {
	Condition         string                  `json:"condition" plist:"condition"`
	ManagedRules      map[string][]string     `json:"managed_rules,omitempty" plist:"managed_rules,omitempty"`
	RuleSources       []manifestRuleSourceDoc `json:"rule_sources,omitempty" plist:"rule_sources,omitempty"`
	IncludedManifests []string                `json:"included_manifests,omitempty" plist:"included_manifests,omitempty"`
}

func (d manifestDoc) toManifest() *Manifest {
	m := &Manifest{
		Identifier:        d.Identifier,
		DisplayName:       d.DisplayName,
		IncludedManifests: d.IncludedManifests,
		ManagedRules:      d.ManagedRules,
		Metadata:          d.Metadata,
		ManifestVersion:   d.ManifestVersion,
	}
	for _, rs := range d.RuleSources {
		m.RuleSources = append(m.RuleSources, manifestRuleSourceDoc(rs).toRuleSource())
	}
	for _, c := range d.ConditionalItems {
		ci := ConditionalItem{Condition: c.Condition, ManagedRules: c.ManagedRules, IncludedManifests: c.IncludedManifests}
		for _, rs := range c.RuleSources {
			ci.RuleSources = append(ci.RuleSources, rs.toRuleSource())
		}
		m.ConditionalItems = append(m.ConditionalItems, ci)
	}
	return m
}

func (d manifestRuleSourceDoc) toRuleSource() RuleSource {
	return RuleSource{Identifier: d.Identifier, URL: d.URL, Format: d.Format, Enabled: d.Enabled, Priority: d.Priority}
}

func manifestToDoc(m *Manifest) manifestDoc {
	d := manifestDoc{
		Identifier:        m.Identifier,
		DisplayName:       m.DisplayName,
		IncludedManifests: m.IncludedManifests,
		ManagedRules:      m.ManagedRules,
		Metadata:          m.Metadata,
		ManifestVersion:   m.ManifestVersion,
	}
	for _, rs := range m.RuleSources {
		d.RuleSources = append(d.RuleSources, manifestRuleSourceDoc{Identifier: rs.Identifier, URL: rs.URL, Format: rs.Format, Enabled: rs.Enabled, Priority: rs.Priority})
	}
	for _, c := range m.ConditionalItems {
		cd := manifestConditionalItemDoc{Condition: c.Condition, ManagedRules: c.ManagedRules, IncludedManifests: c.IncludedManifests}
		for _, rs := range c.RuleSources {
			cd.RuleSources = append(cd.RuleSources, manifestRuleSourceDoc{Identifier: rs.Identifier, URL: rs.URL, Format: rs.Format, Enabled: rs.Enabled, Priority: rs.Priority})
		}
		d.ConditionalItems = append(d.ConditionalItems, cd)
	}
	return d
}

// ManifestCacheOptions configures a ManifestCache.
type ManifestCacheOptions struct {
	CachePath           string        // root of the on-disk cache tree
	SearchPaths         []string      // local directories tried before HTTP
	BaseURL             string        // HTTP base URL; identifier+ext is appended
	PreferredExtensions []string      // default: []string{"json"}
	TTL                 time.Duration // cache freshness window
	FetchTimeout        time.Duration // default 10s, capped at 60s
}

// ManifestCache is the manifest resolver's local disk cache: fetch order
// (local file, HTTP, expired-cache fallback), atomic plist writes, and an
// in-memory negative URL cache for the process lifetime.
type ManifestCache struct {
	opt ManifestCacheOptions

	mu        sync.Mutex
	negative  map[string]bool // URLs that 404'd this session
}

var _ ManifestLoader = (*ManifestCache)(nil)

// NewManifestCache returns a ManifestCache; opt.PreferredExtensions
// defaults to {"json"} if empty, matching the documented default.
func NewManifestCache(opt ManifestCacheOptions) *ManifestCache {
	if len(opt.PreferredExtensions) == 0 {
		opt.PreferredExtensions = []string{"json"}
	}
	if opt.FetchTimeout <= 0 {
		opt.FetchTimeout = 10 * time.Second
	}
	if opt.FetchTimeout > 60*time.Second {
		opt.FetchTimeout = 60 * time.Second
	}
	return &ManifestCache{opt: opt, negative: make(map[string]bool)}
}

// Load implements ManifestLoader: a fresh cached copy is used directly;
// otherwise local file, then HTTP, then an expired on-disk cached copy as
// a last resort.
func (c *ManifestCache) Load(identifier string) (*Manifest, error) {
	if m, expired, err := c.lookupCache(identifier); err == nil && !expired {
		return m, nil
	}
	if m, err := c.loadLocal(identifier); err == nil {
		c.writeCache(m)
		return m, nil
	}
	if m, err := c.loadHTTP(identifier); err == nil {
		c.writeCache(m)
		return m, nil
	}
	if m, _, err := c.lookupCache(identifier); err == nil {
		Log.WithFields(map[string]interface{}{"identifier": identifier}).Warn("manifest resolver falling back to expired cached manifest")
		return m, nil
	}
	return nil, &ManifestNotFoundError{Identifier: identifier}
}

func (c *ManifestCache) loadLocal(identifier string) (*Manifest, error) {
	for _, dir := range c.opt.SearchPaths {
		for _, ext := range c.opt.PreferredExtensions {
			path := filepath.Join(dir, identifier+"."+ext)
			b, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			return decodeManifest(b, ext)
		}
	}
	return nil, &ManifestNotFoundError{Identifier: identifier}
}

func (c *ManifestCache) loadHTTP(identifier string) (*Manifest, error) {
	if c.opt.BaseURL == "" {
		return nil, &ManifestNotFoundError{Identifier: identifier}
	}
	for _, ext := range c.opt.PreferredExtensions {
		url := strings.TrimSuffix(c.opt.BaseURL, "/") + "/" + identifier + "." + ext
		c.mu.Lock()
		skip := c.negative[url]
		c.mu.Unlock()
		if skip {
			continue
		}
		fetcher := NewHTTPFetcher(FetchOptions{URL: url, TimeoutSeconds: int(c.opt.FetchTimeout.Seconds())})
		b, err := fetcher.Fetch(context.Background(), nil)
		if err != nil {
			var ffe *FetchFailedError
			if errors.As(err, &ffe) && ffe.Status == 404 {
				c.mu.Lock()
				c.negative[url] = true
				c.mu.Unlock()
			}
			continue
		}
		m, err := decodeManifest(b, ext)
		if err != nil {
			continue
		}
		return m, nil
	}
	return nil, &ManifestNotFoundError{Identifier: identifier}
}

func decodeManifest(b []byte, ext string) (*Manifest, error) {
	var doc manifestDoc
	switch strings.ToLower(ext) {
	case "plist":
		if _, err := plist.Unmarshal(b, &doc); err != nil {
			return nil, &ManifestValidationError{Reason: err.Error()}
		}
	default:
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, &ManifestValidationError{Reason: err.Error()}
		}
	}
	if doc.Identifier == "" {
		return nil, &ManifestValidationError{Reason: "missing identifier"}
	}
	return doc.toManifest(), nil
}

// cachePath returns the nested path for identifier, mirroring include
// paths the way the spec's "…/manifest_cache/<path/identifier>" layout
// describes.
func (c *ManifestCache) cachePath(identifier string) string {
	return filepath.Join(c.opt.CachePath, filepath.FromSlash(identifier))
}

// lookupCache reads the cached copy of identifier without going to disk
// twice for freshness: it reports (manifest, wasExpired, error).
func (c *ManifestCache) lookupCache(identifier string) (*Manifest, bool, error) {
	path := c.cachePath(identifier)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	var doc manifestDoc
	if _, err := plist.Unmarshal(b, &doc); err != nil {
		return nil, false, err
	}
	expired := c.opt.TTL > 0 && time.Since(info.ModTime()) > c.opt.TTL
	return doc.toManifest(), expired, nil
}

// writeCache atomically serializes m as a property list under the cache
// path, creating parent directories (for nested include identifiers) as
// needed.
func (c *ManifestCache) writeCache(m *Manifest) {
	path := c.cachePath(m.Identifier)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		Log.WithFields(map[string]interface{}{"identifier": m.Identifier, "err": err}).Warn("failed to create manifest cache directory")
		return
	}
	b, err := plist.Marshal(manifestToDoc(m), plist.XMLFormat)
	if err != nil {
		Log.WithFields(map[string]interface{}{"identifier": m.Identifier, "err": err}).Warn("failed to marshal manifest for cache")
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "manifest-")
	if err != nil {
		return
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return
	}
	tmp.Close()
	_ = os.Rename(tmpName, path)
}

// PrefetchIncluded opportunistically fetches and caches every manifest
// identifier in ids, asynchronously, best-effort.
func (c *ManifestCache) PrefetchIncluded(ids []string) {
	for _, id := range ids {
		id := id
		go func() {
			if m, err := c.loadHTTP(id); err == nil {
				c.writeCache(m)
			}
		}()
	}
}
