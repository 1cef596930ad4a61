package process

import (
	"fmt"
	"path/filepath"
	"sort"
)

// DefaultBinaryName is the file name the daemon ships under inside the
// native-library directory.
const DefaultBinaryName = "libsyncthing.so"

// ResolveBinary returns the absolute daemon path for a native-library
// directory.
func ResolveBinary(libDir, name string) string {
	if name == "" {
		name = DefaultBinaryName
	}
	return filepath.Join(libDir, name)
}

// FlagsToArgs renders a flag map as command-line arguments. true becomes
// "--key", false and nil are dropped, any other value becomes "--key=value".
// Keys are emitted in sorted order.
func FlagsToArgs(flags map[string]any) []string {
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := flags[k].(type) {
		case nil:
		case bool:
			if v {
				args = append(args, "--"+k)
			}
		default:
			args = append(args, fmt.Sprintf("--%s=%v", k, v))
		}
	}
	return args
}
