// Package environment builds the process environment for the syncthing daemon.
//
// Build is a pure function: it layers host-derived defaults (HOME, STHOMEDIR,
// STVERSIONEXTRA, SQLITE_TMPDIR, FALLBACK_NET_GATEWAY_IPV4 and, on old
// platforms, GOGC) underneath whatever the caller supplied. Non-empty caller
// values always win.
//
// Profile turns user settings (trace facilities, proxies, Tor) into the
// partial environment Build starts from, and Discover collects HostFacts
// from configuration plus the kernel route table.
//
//	facts := environment.Discover(ctx, environment.Discovery{
//	    FilesDir:    "/var/lib/stsupervisor",
//	    PackageName: "stsupervisor",
//	    Resolver:    environment.ProcRouteResolver{},
//	})
//	env := environment.Build(profile.Partial(), facts)
package environment
