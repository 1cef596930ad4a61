// Package logging builds the supervisor's slog loggers.
//
// Output is JSON or text, written to stdout, stderr or a daily-rotated file
// under logging.dir. Every entry carries service and version; components
// add component=<name> through Logger.Component:
//
//	log, err := logging.New(cfg.Logging, version)
//	if err != nil {
//		return err
//	}
//	defer log.Close()
//	sup.SetLogger(log.Component("supervisor"))
//
// Attribute values whose key mentions a password, secret, token or API key
// are replaced with [REDACTED] before they are written.
package logging
