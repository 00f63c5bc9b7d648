package dnshield

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"time"
)

// HostsParser parses hosts-file-style blocklists: "<ip> <domain> [domain...]"
// lines, with a handful of recognized "# Key: value" metadata comments and
// "@whitelist"/"@allow"/"@allowlist" allow-rule comments.
type HostsParser struct{}

var _ Parser = &HostsParser{}

func (p *HostsParser) FormatID() string               { return "hosts" }
func (p *HostsParser) SupportedExtensions() []string   { return []string{"txt", "hosts"} }
func (p *HostsParser) SupportedMimes() []string        { return []string{"text/plain"} }

func (p *HostsParser) CanParse(b []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		return len(fields) >= 2 && isSinkholeIP(fields[0])
	}
	return false
}

var hostsMetadataKeys = map[string]bool{
	"Title": true, "Name": true, "Version": true, "Updated": true, "Last-Modified": true,
	"Date": true, "Author": true, "Maintainer": true, "Homepage": true, "URL": true,
	"Source": true, "Description": true, "License": true, "Expires": true,
}

var hostsExcludedDomains = map[string]bool{
	"localhost": true, "localhost.localdomain": true, "local": true, "broadcasthost": true,
}

func (p *HostsParser) Parse(b []byte, opt ParserOptions) (*RuleSet, error) {
	md := RuleSetMetadata{CustomFields: map[string]string{}}
	builder := newRuleBuilder(opt)

	lines := bytes.Split(b, []byte("\n"))
	for i, raw := range lines {
		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "@whitelist") || strings.HasPrefix(line, "@allow") || strings.HasPrefix(line, "@allowlist") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				builder.add(fields[1], ActionAllow, opt.DefaultPriority, "")
			}
			continue
		}

		if strings.HasPrefix(line, "#") {
			body := strings.TrimSpace(strings.TrimPrefix(line, "#"))
			if idx := strings.Index(body, ":"); idx > 0 {
				key := strings.TrimSpace(body[:idx])
				value := strings.TrimSpace(body[idx+1:])
				if hostsMetadataKeys[key] {
					setHostsMetadata(&md, key, value)
				}
			}
			continue
		}

		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ipField := fields[0]
		if !isSinkholeIP(ipField) {
			continue
		}
		for _, domain := range fields[1:] {
			domain = strings.TrimSuffix(domain, ".")
			if hostsExcludedDomains[strings.ToLower(domain)] {
				continue
			}
			builder.add(domain, ActionBlock, opt.DefaultPriority, "")
		}

		if opt.Progress != nil && opt.BatchSize > 0 && (i+1)%opt.BatchSize == 0 {
			opt.Progress(float64(i+1) / float64(len(lines)))
		}
	}
	if opt.Progress != nil {
		opt.Progress(1)
	}

	if builder.aborted {
		return nil, builder.abortErr
	}
	return &RuleSet{Rules: builder.rules, Metadata: md}, nil
}

func setHostsMetadata(md *RuleSetMetadata, key, value string) {
	switch key {
	case "Title", "Name":
		md.Name = value
	case "Version":
		md.Version = value
	case "Updated", "Last-Modified", "Date":
		md.Updated = parseHostsDate(value)
	case "Author", "Maintainer":
		md.Author = value
	case "Homepage", "URL", "Source":
		md.SourceURL = value
	case "Description":
		md.Description = value
	case "License":
		md.License = value
	default:
		md.CustomFields[key] = value
	}
}

func parseHostsDate(value string) time.Time {
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0)
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
