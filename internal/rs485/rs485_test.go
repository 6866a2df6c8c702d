package rs485_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stapelberg/hmcentral/internal/hmwired"
	"github.com/stapelberg/hmcentral/internal/rs485"
)

type pipePort struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (p *pipePort) Close() error {
	for _, c := range p.closers {
		c.Close()
	}
	return nil
}

func TestBus(t *testing.T) {
	toHost, fromBus := io.Pipe()
	toBus, fromHost := io.Pipe()
	b := rs485.New("rs485", &pipePort{
		Reader:  toHost,
		Writer:  fromHost,
		closers: []io.Closer{toHost, fromHost, toBus, fromBus},
	})
	b.BusIdle = time.Millisecond

	received := make(chan *hmwired.Packet, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx, func(ifaceID string, pkt *hmwired.Packet) {
			received <- pkt
		})
	}()

	event := hmwired.NewIMessage(0x0000abcd, 0x00000001, 1, 0, false, []byte{'K', 0x03, 0x01})
	go func() {
		fromBus.Write([]byte{0x00}) // line noise
		fromBus.Write(event.Encode())
		fromBus.Write([]byte{hmwired.DiscoveryResponse})
	}()
	for _, want := range []hmwired.Kind{hmwired.KindFrame, hmwired.KindDiscoveryResponse} {
		select {
		case pkt := <-received:
			if got := pkt.Kind; got != want {
				t.Fatalf("unexpected kind: got %v, want %v", got, want)
			}
			if want == hmwired.KindFrame {
				if got, want := pkt.Source, uint32(0x0000abcd); got != want {
					t.Fatalf("unexpected source: got %08x, want %08x", got, want)
				}
				if !bytes.Equal(pkt.Payload, event.Payload) {
					t.Fatalf("unexpected payload: got %x, want %x", pkt.Payload, event.Payload)
				}
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no %v received", want)
		}
	}

	ack := hmwired.NewAck(0x00000001, 0x0000abcd, event.SenderCounter())
	written := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(ack.Encode()))
		if _, err := io.ReadFull(toBus, buf); err != nil {
			t.Error(err)
		}
		written <- buf
	}()
	if err := b.SendPacket(ack); err != nil {
		t.Fatal(err)
	}
	if got, want := <-written, ack.Encode(); !bytes.Equal(got, want) {
		t.Fatalf("unexpected bytes written: got %x, want %x", got, want)
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("unexpected Run error: got %v, want %v", err, context.Canceled)
	}
}
