package main

import (
	"fmt"
	"os"

	"github.com/nerrad567/stsupervisor/internal/caller"
	"github.com/nerrad567/stsupervisor/internal/environment"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/config"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/logging"
	"github.com/nerrad567/stsupervisor/internal/process"
	"github.com/nerrad567/stsupervisor/internal/proctable"
	"github.com/nerrad567/stsupervisor/internal/scheduler"
	"github.com/nerrad567/stsupervisor/internal/shell"
	"github.com/nerrad567/stsupervisor/internal/supervisor"
)

// core holds the components every subcommand is built from.
type core struct {
	cfg        *config.Config
	shell      *shell.Executor
	lister     proctable.Lister
	terminator *proctable.Terminator
	multicast  *process.RefCountedLock
	launcher   *process.Launcher
	supervisor *supervisor.Supervisor
	scheduler  *scheduler.Scheduler
	policy     scheduler.ConflictPolicy
}

// newCore wires the shell, process table, launcher, supervisor and
// scheduler from cfg.
func newCore(cfg *config.Config, log *logging.Logger) (*core, error) {
	policy, err := scheduler.ParsePolicy(cfg.Scheduler.Policy)
	if err != nil {
		return nil, fmt.Errorf("scheduler policy: %w", err)
	}

	sh := shell.New(shell.Config{Shell: cfg.Daemon.Shell})
	sh.SetLogger(log.Component("shell"))

	var lister proctable.Lister
	switch cfg.Daemon.Lister {
	case "native":
		lister = proctable.NativeLister{}
	default:
		lister = proctable.NewShellLister(sh, cfg.Daemon.ListCommand)
	}

	terminator := proctable.NewTerminator(lister, sh, proctable.TerminatorConfig{
		PollInterval: cfg.Supervisor.PollInterval,
		MaxAttempts:  cfg.Supervisor.MaxPollAttempts,
	})
	terminator.SetLogger(log.Component("proctable"))

	multicastLog := log.Component("multicast")
	multicast := &process.RefCountedLock{
		OnFirstAcquire: func() error {
			multicastLog.Debug("multicast reception enabled")
			return nil
		},
		OnLastRelease: func() {
			multicastLog.Debug("multicast reception released")
		},
	}

	launcher := process.NewLauncher(process.Config{
		Multicast: multicast,
		WorkDir:   cfg.Daemon.WorkDir,
	})
	launcher.SetLogger(log.Component("process"))

	sup := supervisor.New(supervisor.Config{
		Binary:          cfg.Daemon.BinaryPath(),
		BaseEnv:         cfg.Daemon.Environment.Partial(),
		Host:            discovery(cfg.Host),
		StopGracePeriod: cfg.Supervisor.StopGracePeriod,
		ReapOrphans:     cfg.Supervisor.ReapOrphans,
	}, launcher, terminator, lister)
	sup.SetLogger(log.Component("supervisor"))

	sched := scheduler.New(scheduler.Config{
		WorkID:             cfg.Scheduler.WorkID,
		InitialDelay:       cfg.Scheduler.InitialDelay,
		MaxDelay:           cfg.Scheduler.MaxDelay,
		MaxAttempts:        cfg.Scheduler.MaxAttempts,
		StableThreshold:    cfg.Scheduler.StableThreshold,
		RestartOnCleanExit: cfg.Scheduler.RestartOnCleanExit,
	}, sup)
	sched.SetLogger(log.Component("scheduler"))

	return &core{
		cfg:        cfg,
		shell:      sh,
		lister:     lister,
		terminator: terminator,
		multicast:  multicast,
		launcher:   launcher,
		supervisor: sup,
		scheduler:  sched,
		policy:     policy,
	}, nil
}

// service builds the caller surface. store may be nil.
func (c *core) service(store caller.HistoryStore, auditor caller.Auditor, log *logging.Logger) *caller.Service {
	deps := caller.Deps{
		Shell:      c.shell,
		Launcher:   c.launcher,
		Supervisor: c.supervisor,
		Scheduler:  c.scheduler,
		Lister:     c.lister,
		Inspect:    proctable.Inspect,
		History:    store,
		Audit:      auditor,
	}

	svc := caller.New(caller.Config{
		Binary:    c.cfg.Daemon.BinaryPath(),
		GUIAPIKey: c.cfg.Daemon.GUIAPIKey,
		Flags:     c.cfg.Daemon.Flags,
		BaseEnv:   c.cfg.Daemon.Environment.Partial(),
		Host:      discovery(c.cfg.Host),
		Policy:    c.policy,
	}, deps)
	svc.SetLogger(log.Component("caller"))
	return svc
}

// discovery maps the host section to environment discovery settings.
func discovery(h config.HostConfig) environment.Discovery {
	d := environment.Discovery{
		SharedStorageRoot: h.SharedStorageRoot,
		FilesDir:          h.FilesDir,
		PackageName:       h.PackageName,
		CacheDir:          h.CacheDir,
		PlatformVersion:   h.PlatformVersion,
	}
	switch {
	case h.GatewayIP != "":
		d.Resolver = environment.StaticResolver(h.GatewayIP)
	case h.DiscoverGateway:
		d.Resolver = environment.ProcRouteResolver{Path: h.RouteTable}
	}
	return d
}

// hostTags identifies this supervisor in shared metric stores.
func hostTags(cfg *config.Config) map[string]string {
	tags := map[string]string{"work_id": cfg.Scheduler.WorkID}
	if name, err := os.Hostname(); err == nil {
		tags["host"] = name
	}
	return tags
}
