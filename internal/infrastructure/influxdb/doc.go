// Package influxdb writes daemon telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. Two measurements are
// written:
//   - daemon_state: one point per supervisor state transition
//   - daemon_run: one point per finished run (exit code, duration, output size)
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, map[string]string{"work_id": "SyncthingWorker"})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval; async failures are reported through SetOnError.
package influxdb
