// Package telemetry records lock history (bolt state, battery, connectivity)
// in InfluxDB.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chaz8081/gimdow-ble/internal/config"
	"github.com/chaz8081/gimdow-ble/internal/lock"
)

const (
	defaultConnectTimeout = 10 * time.Second
	millisecondsPerSecond = 1000

	measurement = "lock_status"
)

// PointWriter accepts points for asynchronous delivery. api.WriteAPI
// implements it.
type PointWriter interface {
	WritePoint(point *write.Point)
}

// Recorder turns status snapshots into points.
type Recorder struct {
	w        PointWriter
	deviceID string
	now      func() time.Time
}

// NewRecorder creates a Recorder writing to w.
func NewRecorder(w PointWriter, deviceID string) *Recorder {
	return &Recorder{w: w, deviceID: deviceID, now: time.Now}
}

// Record writes one point for s.
func (r *Recorder) Record(s lock.Status) {
	r.w.WritePoint(Point(r.deviceID, s, r.now()))
}

// Follow records every status from updates until ctx is done or updates is
// closed.
func (r *Recorder) Follow(ctx context.Context, updates <-chan lock.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			r.Record(s)
		}
	}
}

// Point builds the lock_status point for s. The battery field is omitted
// until the lock has reported it.
func Point(deviceID string, s lock.Status, ts time.Time) *write.Point {
	fields := map[string]interface{}{
		"state":     s.State.String(),
		"locked":    s.State == lock.Locked,
		"jammed":    s.State == lock.Jammed,
		"connected": s.Connected,
		"door":      s.Door.String(),
	}
	if s.Battery >= 0 {
		fields["battery"] = s.Battery
	}
	if s.HasBattery {
		fields["battery_state"] = s.BatteryState.String()
	}
	if s.RSSI != 0 {
		fields["rssi"] = s.RSSI
	}
	return write.NewPoint(measurement, map[string]string{"device_id": deviceID}, fields, ts)
}

// Client is an InfluxDB connection with a batching, non-blocking write API.
type Client struct {
	client influxdb2.Client
	writer PointWriter
	flush  func()
}

// Connect creates the client and verifies the server answers a ping.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			slog.Warn("[TELEMETRY] write failed", "error", err)
		}
	}()

	return &Client{client: client, writer: writeAPI, flush: writeAPI.Flush}, nil
}

// Recorder returns a Recorder for one lock on this connection.
func (c *Client) Recorder(deviceID string) *Recorder {
	return NewRecorder(c.writer, deviceID)
}

// Close flushes pending points and closes the connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.flush()
	c.client.Close()
	return nil
}
