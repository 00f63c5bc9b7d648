package dnshield

import (
	"bytes"
	"encoding/json"
	"time"
)

// StructuredParser parses a generic JSON array-of-domains or
// object-with-blocked/whitelist-arrays rule list.
type StructuredParser struct{}

var _ Parser = &StructuredParser{}

func (p *StructuredParser) FormatID() string             { return "structured" }
func (p *StructuredParser) SupportedExtensions() []string { return []string{"json"} }
func (p *StructuredParser) SupportedMimes() []string      { return []string{"application/json"} }

func (p *StructuredParser) CanParse(b []byte) bool {
	trimmed := bytes.TrimSpace(b)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

type structuredDoc struct {
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	Updated     json.RawMessage        `json:"updated"`
	Author      string                 `json:"author"`
	Source      string                 `json:"source"`
	License     string                 `json:"license"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata"`
	Blocked     []json.RawMessage      `json:"blocked"`
	Whitelist   []json.RawMessage      `json:"whitelist"`
	Allowlist   []json.RawMessage      `json:"allowlist"`
	Allowed     []json.RawMessage      `json:"allowed"`
}

type structuredItem struct {
	Domain   string `json:"domain"`
	Priority *int32 `json:"priority"`
	Comment  string `json:"comment"`
	Added    json.RawMessage `json:"added"`
	Date     json.RawMessage `json:"date"`
	Source   string `json:"source"`
	Action   string `json:"action"`
}

func (p *StructuredParser) Parse(b []byte, opt ParserOptions) (*RuleSet, error) {
	trimmed := bytes.TrimSpace(b)
	builder := newRuleBuilder(opt)
	md := RuleSetMetadata{CustomFields: map[string]string{}}

	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &ParseError{LineOrField: "root", Reason: err.Error()}
		}
		for _, raw := range items {
			addStructuredItem(builder, raw, ActionBlock, opt)
		}
		if builder.aborted {
			return nil, builder.abortErr
		}
		return &RuleSet{Rules: builder.rules, Metadata: md}, nil
	}

	var doc structuredDoc
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, &ParseError{LineOrField: "root", Reason: err.Error()}
	}
	if doc.Blocked == nil && doc.Whitelist == nil && doc.Allowlist == nil && doc.Allowed == nil {
		return nil, &ParseError{LineOrField: "root", Reason: "object has neither blocked nor whitelist arrays"}
	}

	md.Name, md.Version, md.Author, md.SourceURL, md.License, md.Description = doc.Name, doc.Version, doc.Author, doc.Source, doc.License, doc.Description
	md.Updated = parseStructuredDate(doc.Updated)
	for k, v := range doc.Metadata {
		if s, ok := v.(string); ok {
			md.CustomFields[k] = s
		}
	}

	for _, raw := range doc.Blocked {
		addStructuredItem(builder, raw, ActionBlock, opt)
	}
	allow := append(append([]json.RawMessage{}, doc.Whitelist...), doc.Allowlist...)
	allow = append(allow, doc.Allowed...)
	for _, raw := range allow {
		addStructuredItem(builder, raw, ActionAllow, opt)
	}

	if builder.aborted {
		return nil, builder.abortErr
	}
	return &RuleSet{Rules: builder.rules, Metadata: md}, nil
}

func addStructuredItem(b *ruleBuilder, raw json.RawMessage, defaultAction string, opt ParserOptions) {
	var domain string
	if err := json.Unmarshal(raw, &domain); err == nil {
		b.add(domain, defaultAction, opt.DefaultPriority, "")
		return
	}
	var item structuredItem
	if err := json.Unmarshal(raw, &item); err != nil {
		if opt.StrictMode {
			b.aborted = true
			b.abortErr = &ParseError{LineOrField: string(raw), Reason: err.Error()}
		}
		return
	}
	action := defaultAction
	if item.Action == ActionBlock || item.Action == ActionAllow {
		action = item.Action
	}
	priority := opt.DefaultPriority
	if item.Priority != nil {
		priority = *item.Priority
	}
	b.add(item.Domain, action, priority, item.Comment)
}

func parseStructuredDate(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02", s); err == nil {
			return t
		}
		return time.Time{}
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return time.Unix(n, 0)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return time.Unix(int64(f), 0)
	}
	return time.Time{}
}
