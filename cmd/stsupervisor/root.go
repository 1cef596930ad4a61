package main

import (
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/nerrad567/stsupervisor/internal/infrastructure/config"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/logging"
)

// configEnvVar names the config file when --config is not given.
const configEnvVar = "STSUP_CONFIG"

// commandContext loads the configuration once per invocation.
type commandContext struct {
	configFlag *string

	once   sync.Once
	config *config.Config
	err    error
}

func (c *commandContext) configPath() string {
	if c.configFlag != nil {
		if path := strings.TrimSpace(*c.configFlag); path != "" {
			return path
		}
	}
	return os.Getenv(configEnvVar)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.once.Do(func() {
		c.config, c.err = config.Load(c.configPath())
	})
	return c.config, c.err
}

// logger returns the configured logger. Subcommands other than serve keep
// stdout for their own output, so their logs go to the command's stderr.
func (c *commandContext) logger(cmd *cobra.Command) *logging.Logger {
	cfg, err := c.ensureConfig()
	if err != nil {
		return logging.Default()
	}
	if cmd.Name() == "serve" {
		log, err := logging.New(cfg.Logging, version)
		if err != nil {
			fallback := logging.Default()
			fallback.Warn("log output unavailable, using stderr", "output", cfg.Logging.Output, "error", err)
			return fallback
		}
		return log
	}
	return logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Logging, version)
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configFlag: &configFlag}

	root := &cobra.Command{
		Use:   "stsupervisor",
		Short: "Supervise the syncthing daemon",
		Long: `stsupervisor runs the syncthing daemon with a host-derived environment,
restarts it with backoff and exposes control over HTTP, WebSocket and MQTT.

Configuration is read from --config or $STSUP_CONFIG, then overridden by
STSUP_* environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetVersionTemplate("stsupervisor {{.Version}} (" + commit + ", " + date + ")\n")
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	root.AddCommand(
		newServeCommand(ctx),
		newShellCommand(ctx),
		newRunCommand(ctx),
		newKillCommand(ctx),
		newPIDsCommand(ctx),
		newEnvCommand(ctx),
		newHistoryCommand(ctx),
		newAuditCommand(ctx),
		newDBCommand(ctx),
		newTokenCommand(ctx),
		newHashPasswordCommand(),
	)
	return root
}
