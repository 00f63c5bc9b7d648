package dnshield

import (
	"fmt"
	"time"

	"howett.net/plist"
)

// PlistParser parses a binary or XML property list whose root is a
// dictionary containing at least one of "blocked" or "whitelist".
type PlistParser struct{}

var _ Parser = &PlistParser{}

func (p *PlistParser) FormatID() string             { return "plist" }
func (p *PlistParser) SupportedExtensions() []string { return []string{"plist"} }
func (p *PlistParser) SupportedMimes() []string      { return []string{"application/x-plist"} }

func (p *PlistParser) CanParse(b []byte) bool {
	_, err := plistHeader(b)
	return err == nil
}

func plistHeader(b []byte) (map[string]interface{}, error) {
	var root interface{}
	if _, err := plist.Unmarshal(b, &root); err != nil {
		return nil, err
	}
	dict, ok := root.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("root is not a dictionary")
	}
	return dict, nil
}

func (p *PlistParser) Parse(b []byte, opt ParserOptions) (*RuleSet, error) {
	dict, err := plistHeader(b)
	if err != nil {
		return nil, &ParseError{LineOrField: "root", Reason: err.Error()}
	}

	blocked, hasBlocked := dict["blocked"]
	whitelist, hasWhitelist := dict["whitelist"]
	if !hasBlocked && !hasWhitelist {
		return nil, &ParseError{LineOrField: "root", Reason: "plist has neither blocked nor whitelist keys"}
	}

	md := RuleSetMetadata{CustomFields: map[string]string{}}
	if s, ok := dict["name"].(string); ok {
		md.Name = s
	}
	if s, ok := dict["version"].(string); ok {
		md.Version = s
	}
	if s, ok := dict["author"].(string); ok {
		md.Author = s
	}
	if s, ok := dict["source"].(string); ok {
		md.SourceURL = s
	}
	if s, ok := dict["license"].(string); ok {
		md.License = s
	}
	if s, ok := dict["description"].(string); ok {
		md.Description = s
	}
	if t, ok := dict["updated"].(time.Time); ok {
		md.Updated = t
	}

	builder := newRuleBuilder(opt)
	addPlistItems(builder, blocked, ActionBlock, opt)
	addPlistItems(builder, whitelist, ActionAllow, opt)
	if allowlist, ok := dict["allowlist"]; ok {
		addPlistItems(builder, allowlist, ActionAllow, opt)
	}

	if builder.aborted {
		return nil, builder.abortErr
	}
	return &RuleSet{Rules: builder.rules, Metadata: md}, nil
}

func addPlistItems(b *ruleBuilder, raw interface{}, defaultAction string, opt ParserOptions) {
	items, ok := raw.([]interface{})
	if !ok {
		return
	}
	for _, item := range items {
		switch v := item.(type) {
		case string:
			b.add(v, defaultAction, opt.DefaultPriority, "")
		case map[string]interface{}:
			domain, _ := v["domain"].(string)
			action := defaultAction
			if a, ok := v["action"].(string); ok && (a == ActionBlock || a == ActionAllow) {
				action = a
			}
			priority := opt.DefaultPriority
			switch n := v["priority"].(type) {
			case uint64:
				priority = int32(n)
			case int64:
				priority = int32(n)
			case float64:
				priority = int32(n)
			}
			comment, _ := v["comment"].(string)
			b.add(domain, action, priority, comment)
		}
	}
}
