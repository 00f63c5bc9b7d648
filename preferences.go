package dnshield

import (
	"os"
	"time"

	"howett.net/plist"
)

// Preferences is the typed snapshot of the fixed preference domain the
// core reads at load time (§6). Values are refreshed explicitly by
// calling LoadPreferences again; the core never re-reads the backing file on its
// own between snapshots.
type Preferences struct {
	BindingStrategy      string   `plist:"BindingStrategy"`
	VPNCIDRs             []string `plist:"VPNCIDRs"`
	StickyBinding        bool     `plist:"StickyBinding"`
	ManifestURL          string   `plist:"ManifestURL"`
	ManifestBaseURL      string   `plist:"ManifestBaseURL"`
	ManifestFormat       string   `plist:"ManifestFormat"`
	ManifestUpdateIntervalSeconds int `plist:"ManifestUpdateIntervalSeconds"`
	FetchTimeoutSeconds  int      `plist:"FetchTimeoutSeconds"`
	ValidateTLS          bool     `plist:"ValidateTLS"`
	TelemetryEnabled     bool     `plist:"TelemetryEnabled"`
	TelemetryEndpoint    string   `plist:"TelemetryEndpoint"`
	TelemetryToken       string   `plist:"TelemetryToken"`
	TelemetryPrivacyLevel string  `plist:"TelemetryPrivacyLevel"`
	MaxRetries           int      `plist:"MaxRetries"`
	InitialBackoffMs     int      `plist:"InitialBackoffMs"`
	LogToFile            bool     `plist:"LogToFile"`
	WildcardRootMatch    bool     `plist:"WildcardRootMatch"`
}

// DefaultPreferences mirrors the documented defaults elsewhere in the
// spec for components that would otherwise see zero values.
func DefaultPreferences() Preferences {
	return Preferences{
		BindingStrategy:               "resolver_cidr",
		VPNCIDRs:                      []string{"100.64.0.0/10"},
		StickyBinding:                 true,
		ManifestFormat:                "json",
		ManifestUpdateIntervalSeconds: 3600,
		FetchTimeoutSeconds:           10,
		ValidateTLS:                   true,
		MaxRetries:                    3,
		InitialBackoffMs:              100,
		WildcardRootMatch:             false,
	}
}

// LoadPreferences reads the typed preference plist at path, overlaying
// it on DefaultPreferences; a missing file returns the defaults
// unmodified rather than an error, since a fresh install has none yet.
func LoadPreferences(path string) (Preferences, error) {
	prefs := DefaultPreferences()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return prefs, nil
		}
		return prefs, err
	}
	if _, err := plist.Unmarshal(b, &prefs); err != nil {
		return prefs, &ManifestValidationError{Reason: "preferences: " + err.Error()}
	}
	return prefs, nil
}

// BindStrategyFromString maps a preference string to a BindStrategy,
// defaulting to StrategyResolverCIDR for an unrecognized value.
func BindStrategyFromString(s string) BindStrategy {
	switch s {
	case "original_path":
		return StrategyOriginalPath
	case "active_resolver":
		return StrategyActiveResolver
	default:
		return StrategyResolverCIDR
	}
}

func (p Preferences) fetchTimeout() time.Duration {
	if p.FetchTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.FetchTimeoutSeconds) * time.Second
}
