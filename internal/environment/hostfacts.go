package environment

import (
	"context"
	"errors"
	"os"
)

// ErrNoGateway is returned by resolvers when no default IPv4 route exists.
var ErrNoGateway = errors.New("no default IPv4 gateway")

// Discovery holds configured host values and the resolver used to fill in
// the ones that must be probed at runtime.
type Discovery struct {
	SharedStorageRoot string
	FilesDir          string
	PackageName       string
	CacheDir          string
	PlatformVersion   int

	// Resolver finds the default gateway. Nil disables the probe.
	Resolver GatewayResolver
}

// Discover assembles HostFacts. Probe failures degrade to empty values;
// they never prevent the daemon from starting.
func Discover(ctx context.Context, d Discovery) HostFacts {
	facts := HostFacts{
		SharedStorageRoot: d.SharedStorageRoot,
		FilesDir:          d.FilesDir,
		PackageName:       d.PackageName,
		CacheDir:          d.CacheDir,
		PlatformVersion:   d.PlatformVersion,
	}

	if facts.CacheDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			facts.CacheDir = dir
		}
	}
	if facts.SharedStorageRoot == "" {
		if dir, err := os.UserHomeDir(); err == nil {
			facts.SharedStorageRoot = dir
		}
	}

	if d.Resolver != nil {
		if gw, err := d.Resolver.GatewayIPv4(ctx); err == nil {
			facts.GatewayIPv4 = gw
		}
	}

	return facts
}
