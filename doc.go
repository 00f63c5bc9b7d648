/*
Package dnshield implements an in-process DNS intercepting proxy core: it
decodes DNS datagrams handed to it by a host-provided flow surface, matches
the query name against a rule store of block/allow rules, and either
synthesizes a sinkhole/NXDOMAIN/SERVFAIL reply directly or forwards the
query upstream over a deliberately chosen network interface.

Subsystems

The wire codec (Query/Response/Build) parses and builds raw DNS packets.
The rule store (RuleStore) is a persistent, indexed database of rules with
priority-ordered longest-suffix lookup. The rule-set cache (Cache) is a
two-tier memory+disk cache of parsed rule sets keyed by source id. Format
parsers (Parser) turn raw bytes from a rule source into a RuleSet. The
fetcher (Fetcher) retrieves those bytes over HTTP(S) with retry and resume.
The scheduler (Scheduler) decides when each source should be refetched.
The manifest resolver (ManifestResolver) resolves a tree of configuration
documents, with includes, predicate-gated overlays and cycle detection,
into a flat list of rule sources. The interface binder and retry
controller (InterfaceBinder, RetryController) choose the egress interface for
upstream queries and retry transient failures.

ProxyEngine ties these together behind a single entry point:

	e := dnshield.NewProxyEngine(dnshield.ProxyEngineOptions{Store: store, Binder: binder, Retry: retry})
	reply := e.SubmitQuery(ctx, flowMeta, datagram)

*/
package dnshield
