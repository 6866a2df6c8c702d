// Package rs485 connects to a HomeMatic Wired bus through an RS-485
// serial adapter.
package rs485

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/stapelberg/hmcentral/internal/hmwired"
)

var (
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hm",
			Subsystem: "rs485",
			Name:      "FramesReceived",
			Help:      "number of HomeMatic Wired frames read from the bus",
		},
		[]string{"kind"})

	checksumErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hm",
			Subsystem: "rs485",
			Name:      "ChecksumErrors",
			Help:      "number of frames with an invalid checksum",
		})
)

func init() {
	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(checksumErrors)
}

// HomeMatic Wired devices talk 19200 baud 8E1.
const DefaultBaudRate = 19200

// DefaultBusIdle is how long the bus has to be quiet before sending.
const DefaultBusIdle = 5 * time.Millisecond

type Bus struct {
	// BusIdle defaults to DefaultBusIdle.
	BusIdle time.Duration

	id   string
	port io.ReadWriteCloser
	r    *hmwired.Reader

	wmu sync.Mutex // serializes writes

	mu     sync.Mutex
	lastRx time.Time
}

// New returns a bus talking through port.
func New(id string, port io.ReadWriteCloser) *Bus {
	return &Bus{
		BusIdle: DefaultBusIdle,
		id:      id,
		port:    port,
		r:       hmwired.NewReader(port),
	}
}

// Open opens the serial port at path.
func Open(id, path string, baudRate int) (*Bus, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("rs485: open %s: %w", path, err)
	}
	return New(id, port), nil
}

func (b *Bus) ID() string { return b.id }

// SendPacket writes pkt once the bus has been idle for BusIdle.
func (b *Bus) SendPacket(pkt *hmwired.Packet) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	for {
		b.mu.Lock()
		quiet := time.Since(b.lastRx)
		b.mu.Unlock()
		if quiet >= b.BusIdle {
			break
		}
		time.Sleep(b.BusIdle - quiet)
	}
	_, err := b.port.Write(pkt.Encode())
	return err
}

// Close closes the serial port, which makes Run return.
func (b *Bus) Close() error {
	return b.port.Close()
}

// Run reads frames until ctx is canceled or reading fails and passes
// them to receive. Frames we sent ourselves are echoed by most
// adapters; receive has to ignore them.
func (b *Bus) Run(ctx context.Context, receive func(ifaceID string, pkt *hmwired.Packet)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		b.port.Close()
	}()
	for {
		pkt, err := b.r.ReadPacket()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, hmwired.ErrChecksum) {
				checksumErrors.Inc()
				log.Debugf("skipping frame: %v", err)
				continue
			}
			return err
		}
		b.mu.Lock()
		b.lastRx = pkt.Time
		b.mu.Unlock()
		framesReceived.WithLabelValues(pkt.Kind.String()).Inc()
		receive(b.id, pkt)
	}
}
