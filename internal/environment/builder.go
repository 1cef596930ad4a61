package environment

// Environment keys the daemon reads at startup.
const (
	KeyHome         = "HOME"
	KeyHomeDir      = "STHOMEDIR"
	KeyVersionExtra = "STVERSIONEXTRA"
	KeySQLiteTmpDir = "SQLITE_TMPDIR"
	KeyGatewayIPv4  = "FALLBACK_NET_GATEWAY_IPV4"
	KeyGOGC         = "GOGC"
	KeyTrace        = "STTRACE"
	KeyMonitored    = "STMONITORED"
	KeyNoUpgrade    = "STNOUPGRADE"
	KeyAllProxy     = "all_proxy"
	KeyNoFallback   = "ALL_PROXY_NO_FALLBACK"
	KeyHTTPProxy    = "http_proxy"
	KeyHTTPSProxy   = "https_proxy"
)

const (
	homeSubdirectory = "syncthing"
	lowPlatformGOGC  = "75"
	torProxyURL      = "socks5://localhost:9050"
	enabledFlag      = "1"
	traceSeparator   = " "
)

// GOGCPlatformThreshold is the platform version below which the daemon's
// garbage collector is tuned more aggressively (GOGC=75). Older platforms
// kill memory-hungry background processes sooner.
const GOGCPlatformThreshold = 26

// HostFacts are the platform values the defaults are derived from.
type HostFacts struct {
	// SharedStorageRoot is the user-visible storage root; HOME lives below it.
	SharedStorageRoot string

	// FilesDir is the supervisor's private state directory (STHOMEDIR).
	FilesDir string

	// PackageName identifies the host build (STVERSIONEXTRA).
	PackageName string

	// CacheDir holds SQLite temporary files.
	CacheDir string

	// GatewayIPv4 is the default-route gateway, empty when unknown.
	GatewayIPv4 string

	// PlatformVersion is the host platform's API level.
	PlatformVersion int
}

// Build merges caller-supplied variables with defaults derived from facts.
// A default is applied only when the key is absent from partial or maps to
// the empty string. partial is never modified.
func Build(partial map[string]string, facts HostFacts) map[string]string {
	env := make(map[string]string, len(partial)+6)
	for k, v := range partial {
		env[k] = v
	}

	setDefault(env, KeyHome, facts.SharedStorageRoot+"/"+homeSubdirectory)
	setDefault(env, KeyHomeDir, facts.FilesDir)
	setDefault(env, KeyVersionExtra, facts.PackageName)
	setDefault(env, KeySQLiteTmpDir, facts.CacheDir)

	if facts.GatewayIPv4 != "" {
		setDefault(env, KeyGatewayIPv4, facts.GatewayIPv4)
	}

	if facts.PlatformVersion < GOGCPlatformThreshold {
		setDefault(env, KeyGOGC, lowPlatformGOGC)
	}

	return env
}

func setDefault(env map[string]string, key, value string) {
	if env[key] == "" {
		env[key] = value
	}
}

// ToList renders env as KEY=VALUE pairs, the form os/exec expects.
// Output is sorted by key.
func ToList(env map[string]string) []string {
	keys := sortedKeys(env)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}
