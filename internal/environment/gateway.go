package environment

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// DefaultRouteTable is the kernel's IPv4 routing table.
const DefaultRouteTable = "/proc/net/route"

// Route flags from <linux/route.h>.
const (
	rtfUp      = 0x0001
	rtfGateway = 0x0002
)

// routeFieldCount is the number of columns the parser relies on
// (Iface Destination Gateway Flags RefCnt Use Metric).
const routeFieldCount = 7

// GatewayResolver discovers the IPv4 gateway of the default route.
type GatewayResolver interface {
	GatewayIPv4(ctx context.Context) (string, error)
}

// ProcRouteResolver reads the default gateway from a Linux route table.
type ProcRouteResolver struct {
	// Path defaults to DefaultRouteTable.
	Path string
}

// GatewayIPv4 returns the dotted-quad gateway of the lowest-metric default
// route that is up.
func (r ProcRouteResolver) GatewayIPv4(_ context.Context) (string, error) {
	path := r.Path
	if path == "" {
		path = DefaultRouteTable
	}
	f, err := os.Open(path) //nolint:gosec // Path is the route table or a test fixture
	if err != nil {
		return "", fmt.Errorf("opening route table: %w", err)
	}
	defer f.Close()

	return ParseRouteTable(f)
}

// ParseRouteTable extracts the default gateway from /proc/net/route content.
func ParseRouteTable(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	best := ""
	bestMetric := -1

	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < routeFieldCount {
			continue
		}
		if fields[1] != "00000000" {
			continue
		}
		flags, err := strconv.ParseUint(fields[3], 16, 32)
		if err != nil || flags&rtfUp == 0 || flags&rtfGateway == 0 {
			continue
		}
		metric, err := strconv.Atoi(fields[6])
		if err != nil {
			continue
		}
		ip, err := decodeRouteAddr(fields[2])
		if err != nil {
			continue
		}
		if bestMetric < 0 || metric < bestMetric {
			best, bestMetric = ip, metric
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading route table: %w", err)
	}
	if best == "" {
		return "", ErrNoGateway
	}
	return best, nil
}

// decodeRouteAddr converts the kernel's host-order hex address to dotted
// quad. All supported targets are little-endian.
func decodeRouteAddr(hex string) (string, error) {
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return "", err
	}
	ip := net.IPv4(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	return ip.String(), nil
}

// StaticResolver returns a fixed gateway. Empty means unknown.
type StaticResolver string

// GatewayIPv4 implements GatewayResolver.
func (s StaticResolver) GatewayIPv4(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoGateway
	}
	return string(s), nil
}
