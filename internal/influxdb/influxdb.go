// Package influxdb records reception quality and firmware update results
// of peers as InfluxDB time series.
package influxdb

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/config"
	"github.com/stapelberg/hmcentral/internal/events"
)

const pingTimeout = 5 * time.Second

// pointWriter is the subset of api.WriteAPI used by Writer.
type pointWriter interface {
	WritePoint(*write.Point)
}

// Writer is an events.Sink. Writes are batched by the client library.
type Writer struct {
	events.Nop

	w      pointWriter
	client influxdb2.Client // nil in tests
}

func Connect(cfg config.InfluxDBConfig) (*Writer, error) {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
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
			log.Printf("influxdb: write failed: %v", err)
		}
	}()
	w := NewWriter(writeAPI)
	w.client = client
	return w, nil
}

func NewWriter(w pointWriter) *Writer {
	return &Writer{w: w}
}

// Close flushes pending points.
func (w *Writer) Close() {
	if w.client == nil {
		return
	}
	w.client.Close()
}

func (w *Writer) RSSI(serial string, rssi int, t time.Time) {
	w.w.WritePoint(write.NewPoint(
		"rssi",
		map[string]string{"serial": serial},
		map[string]interface{}{"dbm": rssi},
		t))
}

func (w *Writer) FirmwareUpdate(u events.FirmwareUpdate) {
	w.w.WritePoint(write.NewPoint(
		"firmware_update",
		map[string]string{"serial": u.Serial},
		map[string]interface{}{
			"code":    u.Code,
			"message": u.Message,
		},
		u.Time))
}

func (w *Writer) ServiceMessage(msg events.ServiceMessage) {
	w.w.WritePoint(write.NewPoint(
		"service_message",
		map[string]string{
			"serial": msg.Serial,
			"name":   msg.Name,
		},
		map[string]interface{}{"value": msg.Value},
		msg.Time))
}

var _ events.Sink = (*Writer)(nil)
