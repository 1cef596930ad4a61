package environment

import (
	"sort"
	"strings"
)

// Profile describes the user-tunable part of the daemon environment. Its
// Partial output is fed to Build, so every value set here takes precedence
// over host-derived defaults.
type Profile struct {
	// Trace lists debug facilities, joined into STTRACE.
	Trace []string `yaml:"trace"`

	// Monitored tells the daemon it is already supervised and must not
	// fork its own monitor process.
	Monitored bool `yaml:"monitored"`

	// NoUpgrade disables the daemon's self-upgrade.
	NoUpgrade bool `yaml:"no_upgrade"`

	// GOGC overrides the garbage collector target. Empty keeps Build's
	// platform default.
	GOGC string `yaml:"gogc"`

	// UseTor routes all traffic through a local Tor SOCKS proxy and forbids
	// direct fallback. It overrides SocksProxy and HTTPProxy.
	UseTor bool `yaml:"use_tor"`

	// SocksProxy sets all_proxy.
	SocksProxy string `yaml:"socks_proxy"`

	// HTTPProxy sets http_proxy and https_proxy.
	HTTPProxy string `yaml:"http_proxy"`

	// Extra variables, copied verbatim.
	Extra map[string]string `yaml:"extra"`
}

// Partial renders the profile as a partial environment.
func (p Profile) Partial() map[string]string {
	env := make(map[string]string, len(p.Extra)+6)
	for k, v := range p.Extra {
		env[k] = v
	}

	if len(p.Trace) > 0 {
		env[KeyTrace] = strings.Join(p.Trace, traceSeparator)
	}
	if p.Monitored {
		env[KeyMonitored] = enabledFlag
	}
	if p.NoUpgrade {
		env[KeyNoUpgrade] = enabledFlag
	}
	if p.GOGC != "" {
		env[KeyGOGC] = p.GOGC
	}

	switch {
	case p.UseTor:
		env[KeyAllProxy] = torProxyURL
		env[KeyNoFallback] = enabledFlag
	default:
		if p.SocksProxy != "" {
			env[KeyAllProxy] = p.SocksProxy
		}
		if p.HTTPProxy != "" {
			env[KeyHTTPProxy] = p.HTTPProxy
			env[KeyHTTPSProxy] = p.HTTPProxy
		}
	}

	return env
}

// Merge overlays extra on top of base and returns a new map. Empty values
// in extra are skipped, since Build treats an empty value as unset.
func Merge(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
