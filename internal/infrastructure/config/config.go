package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/stsupervisor/internal/auth"
	"github.com/nerrad567/stsupervisor/internal/environment"
	"github.com/nerrad567/stsupervisor/internal/process"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "STSUP_"

// Config is the root configuration structure for the supervisor.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Daemon     DaemonConfig     `yaml:"daemon"`
	Host       HostConfig       `yaml:"host"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DaemonConfig describes the daemon binary and how it is invoked.
type DaemonConfig struct {
	// LibraryDir is the native-library directory holding the binary.
	LibraryDir string `yaml:"library_dir"`

	// BinaryName is the daemon's file name inside LibraryDir.
	// Default: "libsyncthing.so"
	BinaryName string `yaml:"binary_name"`

	// GUIAPIKey is passed as --gui-apikey to supervised runs.
	GUIAPIKey string `yaml:"gui_api_key"`

	// Flags are rendered as --key or --key=value. Supervised runs also get
	// --no-browser.
	Flags map[string]any `yaml:"flags"`

	// Environment is the user-tunable part of the daemon environment.
	Environment environment.Profile `yaml:"environment"`

	// WorkDir is the daemon's working directory. Empty inherits ours.
	WorkDir string `yaml:"work_dir"`

	// Shell is the interpreter used for shell commands. Default: "sh"
	Shell string `yaml:"shell"`

	// Lister selects the process-table backend: "shell" (ps through the
	// shell) or "native".
	Lister string `yaml:"lister"`

	// ListCommand is the ps invocation used by the shell lister.
	ListCommand string `yaml:"list_command"`
}

// BinaryPath returns the absolute daemon path.
func (d DaemonConfig) BinaryPath() string {
	return process.ResolveBinary(d.LibraryDir, d.BinaryName)
}

// HostConfig contains the host facts that cannot be probed.
type HostConfig struct {
	SharedStorageRoot string `yaml:"shared_storage_root"`
	FilesDir          string `yaml:"files_dir"`
	CacheDir          string `yaml:"cache_dir"`
	PackageName       string `yaml:"package_name"`

	// PlatformVersion is the host API level; below 26 the daemon gets GOGC=75.
	PlatformVersion int `yaml:"platform_version"`

	// DiscoverGateway enables default-route discovery from RouteTable.
	DiscoverGateway bool   `yaml:"discover_gateway"`
	RouteTable      string `yaml:"route_table"`

	// GatewayIP pins the gateway handed to the daemon and skips discovery.
	GatewayIP string `yaml:"gateway_ip"`
}

// SupervisorConfig contains stop and termination settings.
type SupervisorConfig struct {
	// StopGracePeriod is how long a direct interrupt is given to work.
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`

	// PollInterval is the process-table poll interval while terminating.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxPollAttempts bounds the termination loop.
	MaxPollAttempts int `yaml:"max_poll_attempts"`

	// ReapOrphans terminates leftover daemons before each start.
	ReapOrphans bool `yaml:"reap_orphans"`
}

// SchedulerConfig contains background work settings.
type SchedulerConfig struct {
	WorkID string `yaml:"work_id"`

	// Policy is "keep" or "replace".
	Policy string `yaml:"policy"`

	// Autostart starts the daemon when serve comes up.
	Autostart bool `yaml:"autostart"`

	// LockDir holds the host single-instance lock.
	LockDir string `yaml:"lock_dir"`

	InitialDelay       time.Duration `yaml:"initial_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	StableThreshold    time.Duration `yaml:"stable_threshold"`
	MaxAttempts        int           `yaml:"max_attempts"`
	RestartOnCleanExit bool          `yaml:"restart_on_clean_exit"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryLimit is how many runs are kept. 0 keeps everything.
	HistoryLimit int `yaml:"history_limit"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`

	// PublishOutput forwards every daemon output line to <prefix>/output.
	PublishOutput bool `yaml:"publish_output"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`

	// JWTSecret enables bearer-token auth on mutating routes when set.
	JWTSecret string `yaml:"jwt_secret"`

	// Operators may exchange a password for a token on /auth/login. Values
	// are Argon2id hashes from "stsupervisor hash-password".
	Operators auth.Operators `yaml:"operators"`

	// TokenTTL is the lifetime of tokens issued on login.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	WebSocket WebSocketConfig `yaml:"websocket"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`

	// Backlog is how many recent output lines are replayed to a new
	// client. Zero disables replay.
	Backlog int `yaml:"backlog"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// Output is stdout, stderr or file. File output is written under Dir
	// and rotated daily.
	Output string `yaml:"output"`

	Dir        string `yaml:"dir"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults); skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern STSUP_SECTION_KEY, for example
// STSUP_DAEMON_LIBRARY_DIR or STSUP_API_PORT.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // Path is operator-supplied
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			BinaryName: "libsyncthing.so",
			Shell:      "sh",
			Lister:     "shell",
			Environment: environment.Profile{
				Monitored: true,
				NoUpgrade: true,
			},
		},
		Host: HostConfig{
			PackageName:     "stsupervisor",
			PlatformVersion: 34,
			DiscoverGateway: true,
			RouteTable:      "/proc/net/route",
		},
		Supervisor: SupervisorConfig{
			StopGracePeriod: 5 * time.Second,
			PollInterval:    50 * time.Millisecond,
			MaxPollAttempts: 200,
			ReapOrphans:     true,
		},
		Scheduler: SchedulerConfig{
			WorkID:          "SyncthingWorker",
			Policy:          "keep",
			LockDir:         "./data",
			InitialDelay:    5 * time.Second,
			MaxDelay:        5 * time.Minute,
			StableThreshold: 2 * time.Minute,
		},
		Database: DatabaseConfig{
			Path:         "./data/stsupervisor.db",
			WALMode:      true,
			BusyTimeout:  5,
			HistoryLimit: 500,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "stsupervisor",
			},
			QoS:         1,
			TopicPrefix: "stsupervisor",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			Org:           "stsupervisor",
			Bucket:        "daemon",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         8385,
			MaxBodyBytes: 1 << 20,
			TokenTTL:     12 * time.Hour,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
				Backlog:        200,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			Dir:        "/var/log/stsupervisor",
			MaxAgeDays: 7,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"DAEMON_LIBRARY_DIR":       &cfg.Daemon.LibraryDir,
		"DAEMON_BINARY_NAME":       &cfg.Daemon.BinaryName,
		"DAEMON_GUI_API_KEY":       &cfg.Daemon.GUIAPIKey,
		"DAEMON_LISTER":            &cfg.Daemon.Lister,
		"HOST_SHARED_STORAGE_ROOT": &cfg.Host.SharedStorageRoot,
		"HOST_FILES_DIR":           &cfg.Host.FilesDir,
		"HOST_CACHE_DIR":           &cfg.Host.CacheDir,
		"HOST_GATEWAY_IP":          &cfg.Host.GatewayIP,
		"SCHEDULER_POLICY":         &cfg.Scheduler.Policy,
		"SCHEDULER_LOCK_DIR":       &cfg.Scheduler.LockDir,
		"DATABASE_PATH":            &cfg.Database.Path,
		"MQTT_HOST":                &cfg.MQTT.Broker.Host,
		"MQTT_USERNAME":            &cfg.MQTT.Auth.Username,
		"MQTT_PASSWORD":            &cfg.MQTT.Auth.Password,
		"INFLUXDB_URL":             &cfg.InfluxDB.URL,
		"INFLUXDB_TOKEN":           &cfg.InfluxDB.Token,
		"API_HOST":                 &cfg.API.Host,
		"API_JWT_SECRET":           &cfg.API.JWTSecret,
		"LOG_LEVEL":                &cfg.Logging.Level,
		"LOG_OUTPUT":               &cfg.Logging.Output,
		"LOG_DIR":                  &cfg.Logging.Dir,
	}
	for key, dst := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"HOST_PLATFORM_VERSION": &cfg.Host.PlatformVersion,
		"API_PORT":              &cfg.API.Port,
		"MQTT_PORT":             &cfg.MQTT.Broker.Port,
	}
	for key, dst := range ints {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parsing %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"MQTT_ENABLED":        &cfg.MQTT.Enabled,
		"MQTT_PUBLISH_OUTPUT": &cfg.MQTT.PublishOutput,
		"INFLUXDB_ENABLED":    &cfg.InfluxDB.Enabled,
		"API_ENABLED":         &cfg.API.Enabled,
		"SCHEDULER_AUTOSTART": &cfg.Scheduler.Autostart,
	}
	for key, dst := range bools {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("parsing %s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}

	return nil
}

// minJWTSecretLength guards against trivially guessable HMAC keys.
const minJWTSecretLength = 32

// maxWebSocketBacklog matches the per-client send buffer of the hub.
const maxWebSocketBacklog = 256

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Daemon.LibraryDir == "" {
		errs = append(errs, "daemon.library_dir is required (set STSUP_DAEMON_LIBRARY_DIR)")
	}
	if c.Daemon.BinaryName == "" || strings.ContainsRune(c.Daemon.BinaryName, '/') {
		errs = append(errs, "daemon.binary_name must be a plain file name")
	}
	switch c.Daemon.Lister {
	case "shell", "native":
	default:
		errs = append(errs, "daemon.lister must be shell or native")
	}

	if c.Host.GatewayIP != "" {
		if ip := net.ParseIP(c.Host.GatewayIP); ip == nil || ip.To4() == nil {
			errs = append(errs, "host.gateway_ip must be an IPv4 address")
		}
	}

	if c.Supervisor.MaxPollAttempts < 1 {
		errs = append(errs, "supervisor.max_poll_attempts must be at least 1")
	}
	if c.Supervisor.PollInterval <= 0 {
		errs = append(errs, "supervisor.poll_interval must be positive")
	}

	switch c.Scheduler.Policy {
	case "keep", "replace":
	default:
		errs = append(errs, "scheduler.policy must be keep or replace")
	}
	if c.Scheduler.MaxAttempts < 0 {
		errs = append(errs, "scheduler.max_attempts cannot be negative")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.JWTSecret != "" && len(c.API.JWTSecret) < minJWTSecretLength {
		errs = append(errs, "api.jwt_secret must be at least 32 characters")
	}
	if c.API.WebSocket.Backlog < 0 || c.API.WebSocket.Backlog > maxWebSocketBacklog {
		errs = append(errs, fmt.Sprintf("api.websocket.backlog must be between 0 and %d", maxWebSocketBacklog))
	}
	if len(c.API.Operators) > 0 {
		if c.API.JWTSecret == "" {
			errs = append(errs, "api.operators requires api.jwt_secret")
		}
		if err := c.API.Operators.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("api.operators: %v", err))
		}
		if c.API.TokenTTL <= 0 {
			errs = append(errs, "api.token_ttl must be positive")
		}
	}

	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "stderr":
	case "file":
		if c.Logging.Dir == "" {
			errs = append(errs, "logging.dir is required when logging.output is file")
		}
		if c.Logging.MaxAgeDays < 1 {
			errs = append(errs, "logging.max_age_days must be at least 1")
		}
	default:
		errs = append(errs, "logging.output must be stdout, stderr or file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ReadTimeout returns the read timeout as a Duration.
func (t APITimeoutConfig) ReadTimeout() time.Duration {
	return time.Duration(t.Read) * time.Second
}

// WriteTimeout returns the write timeout as a Duration.
func (t APITimeoutConfig) WriteTimeout() time.Duration {
	return time.Duration(t.Write) * time.Second
}

// IdleTimeout returns the keep-alive idle timeout as a Duration.
func (t APITimeoutConfig) IdleTimeout() time.Duration {
	return time.Duration(t.Idle) * time.Second
}
