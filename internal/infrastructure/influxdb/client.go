package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/stsupervisor/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 // seconds

	millisecondsPerSecond = 1000
)

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrNotConnected     = errors.New("influxdb: not connected")

	// ErrWriteFailed wraps batch write failures passed to SetOnError.
	ErrWriteFailed = errors.New("influxdb: write failed")
)

// Client writes daemon telemetry through the non-blocking, batched write
// API of influxdb-client-go. Failed batches are counted and reported to the
// SetOnError callback.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	connected atomic.Bool
	failures  atomic.Uint64
	onError   atomic.Pointer[func(error)]
}

// Connect pings the server and opens the write API. The ping gives up
// after ten seconds or when ctx ends.
//
// Every point written carries defaultTags (the work identifier and host
// name), so several supervisors can share one bucket.
func Connect(ctx context.Context, cfg config.InfluxDBConfig, defaultTags map[string]string) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	// #nosec G115 -- values validated above to be positive
	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(batchSize)).
		SetFlushInterval(uint(flushInterval) * millisecondsPerSecond)
	for k, v := range defaultTags {
		opts.AddDefaultTag(k, v)
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{client: client, writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket)}
	c.connected.Store(true)
	go c.drainErrors(c.writeAPI.Errors())
	return c, nil
}

func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		c.failures.Add(1)
		if fn := c.onError.Load(); fn != nil {
			(*fn)(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		}
	}
}

// Failures returns how many batch writes have failed since Connect.
func (c *Client) Failures() uint64 {
	return c.failures.Load()
}

// Close flushes buffered points and closes the client. Later calls do
// nothing.
func (c *Client) Close() error {
	if c.client == nil || !c.connected.Swap(false) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(pingCtx)
	switch {
	case err != nil:
		return fmt.Errorf("influxdb health check failed: %w", err)
	case !healthy:
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

// IsConnected reports false once Close has been called.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// SetOnError sets the callback for failed batch writes.
func (c *Client) SetOnError(fn func(err error)) {
	if fn == nil {
		c.onError.Store(nil)
		return
	}
	c.onError.Store(&fn)
}

// Flush blocks until buffered points are written. No-op after Close.
func (c *Client) Flush() {
	if c.writeAPI == nil || !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}
