// Package caller is the control surface consumed by the HTTP API, the MQTT
// bridge and the command line.
//
// It runs one-off shell and daemon commands, schedules and stops the
// supervised daemon, and reports status, process IDs and run history.
// Control operations return CommandResult or Ack values; failures are
// described in them rather than returned as errors.
//
// Usage:
//
//	svc := caller.New(caller.Config{Binary: bin, GUIAPIKey: key}, caller.Deps{
//	    Shell:      exec,
//	    Launcher:   launcher,
//	    Supervisor: sup,
//	    Scheduler:  sched,
//	})
//	ack := svc.StartSupervisedDaemon(ctx, nil)
package caller
