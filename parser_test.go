package dnshield

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

func TestRegistryDispatchByExtension(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.ByExtension(".txt"))
	require.NotNil(t, r.ByExtension("hosts"))
	require.NotNil(t, r.ByExtension("json"))
	require.NotNil(t, r.ByExtension("plist"))
	require.Nil(t, r.ByExtension("exe"))
}

func TestHostsParserBasic(t *testing.T) {
	src := []byte("# Title: Example List\n# Version: 2\n0.0.0.0 ads.example.com\n127.0.0.1 tracker.example.com www.tracker.example.com\n@allow safe.example.com\n0.0.0.0 localhost\n")
	rs, err := (&HostsParser{}).Parse(src, DefaultParserOptions())
	require.NoError(t, err)
	require.Equal(t, "Example List", rs.Metadata.Name)
	require.Equal(t, "2", rs.Metadata.Version)

	var blocked, allowed int
	for _, r := range rs.Rules {
		switch r.Action {
		case ActionBlock:
			blocked++
		case ActionAllow:
			allowed++
		}
	}
	require.Equal(t, 3, blocked)
	require.Equal(t, 1, allowed)
}

func TestHostsParserExcludesLocalhost(t *testing.T) {
	rs, err := (&HostsParser{}).Parse([]byte("0.0.0.0 localhost\n0.0.0.0 broadcasthost\n0.0.0.0 real.example.com\n"), DefaultParserOptions())
	require.NoError(t, err)
	require.Len(t, rs.Rules, 1)
	require.Equal(t, "real.example.com", rs.Rules[0].Domain)
}

func TestStructuredParserArrayForm(t *testing.T) {
	rs, err := (&StructuredParser{}).Parse([]byte(`["a.example.com", "b.example.com", "a.example.com"]`), DefaultParserOptions())
	require.NoError(t, err)
	require.Len(t, rs.Rules, 2)
	require.Equal(t, ActionBlock, rs.Rules[0].Action)
}

func TestStructuredParserObjectForm(t *testing.T) {
	doc := `{
		"name": "Example",
		"version": "1.0",
		"blocked": [
			"bare.example.com",
			{"domain": "obj.example.com", "priority": 5, "comment": "tracker"}
		],
		"whitelist": [
			{"domain": "safe.example.com", "action": "allow"}
		]
	}`
	rs, err := (&StructuredParser{}).Parse([]byte(doc), DefaultParserOptions())
	require.NoError(t, err)
	require.Equal(t, "Example", rs.Metadata.Name)
	require.Len(t, rs.Rules, 3)

	var found bool
	for _, r := range rs.Rules {
		if r.Domain == "obj.example.com" {
			found = true
			require.Equal(t, int32(5), r.Priority)
			require.Equal(t, "tracker", r.Comment)
		}
	}
	require.True(t, found)
}

func TestStructuredParserRejectsUnknownShapeInStrictMode(t *testing.T) {
	opt := DefaultParserOptions()
	opt.StrictMode = true
	_, err := (&StructuredParser{}).Parse([]byte(`{"unrelated": true}`), opt)
	require.Error(t, err)
}

func TestPlistParserBasic(t *testing.T) {
	doc := map[string]interface{}{
		"name":    "Example Plist List",
		"version": "3",
		"blocked": []interface{}{
			"plain.example.com",
			map[string]interface{}{"domain": "rich.example.com", "priority": int64(9), "comment": "ad network"},
		},
		"whitelist": []interface{}{"ok.example.com"},
	}
	var buf bytes.Buffer
	enc := plist.NewEncoder(&buf)
	require.NoError(t, enc.Encode(doc))

	rs, err := (&PlistParser{}).Parse(buf.Bytes(), DefaultParserOptions())
	require.NoError(t, err)
	require.Equal(t, "Example Plist List", rs.Metadata.Name)
	require.Len(t, rs.Rules, 3)

	var richFound, allowFound bool
	for _, r := range rs.Rules {
		if r.Domain == "rich.example.com" {
			richFound = true
			require.Equal(t, int32(9), r.Priority)
		}
		if r.Domain == "ok.example.com" {
			allowFound = true
			require.Equal(t, ActionAllow, r.Action)
		}
	}
	require.True(t, richFound)
	require.True(t, allowFound)
}

func TestPlistParserRejectsNonDictRoot(t *testing.T) {
	var buf bytes.Buffer
	enc := plist.NewEncoder(&buf)
	require.NoError(t, enc.Encode([]string{"a.example.com"}))

	_, err := (&PlistParser{}).Parse(buf.Bytes(), DefaultParserOptions())
	require.Error(t, err)
}

func TestPlistParserRejectsMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	enc := plist.NewEncoder(&buf)
	require.NoError(t, enc.Encode(map[string]interface{}{"name": "nothing here"}))

	_, err := (&PlistParser{}).Parse(buf.Bytes(), DefaultParserOptions())
	require.Error(t, err)
}

func TestValidDomainWildcardAndBounds(t *testing.T) {
	require.True(t, validDomain("example.com"))
	require.True(t, validDomain("*.example.com"))
	require.False(t, validDomain("*."))
	require.False(t, validDomain(""))
	require.False(t, validDomain("bad domain.com"))
}

func TestRuleBuilderMaxRuleCount(t *testing.T) {
	opt := DefaultParserOptions()
	opt.MaxRuleCount = 2
	b := newRuleBuilder(opt)
	b.add("a.example.com", ActionBlock, 0, "")
	b.add("b.example.com", ActionBlock, 0, "")
	b.add("c.example.com", ActionBlock, 0, "")
	require.Len(t, b.rules, 2)
}
