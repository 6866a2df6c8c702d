package central_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/central"
)

// bootloader simulates a device during a firmware update. It only
// acknowledges the first block.
type bootloader struct {
	e *env

	firstBlock atomic.Int32 // message counter + 1, 0 until seen
	resends    atomic.Int32 // transmissions of other blocks

	mu         sync.Mutex
	updateMode []*bidcos.Packet
}

func (b *bootloader) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-b.e.iface.sent:
			b.handle(pkt)
		}
	}
}

func (b *bootloader) handle(pkt *bidcos.Packet) {
	ack := func() {
		b.e.c.OnPacketReceived("fake", ackFor(devAddr, pkt, bidcos.AckOK))
	}
	switch {
	case pkt.Cmd == bidcos.Set && len(pkt.Payload) > 0 && pkt.Payload[0] == bidcos.FirmwareChunk:
		ack()
		announce := []byte{bidcos.InfoSerial, 0x00, 0x11}
		announce = append(announce, "LEQ0000001"...)
		b.e.c.OnPacketReceived("fake", bidcos.NewPacket(0x42, 0x00, bidcos.Info, devAddr, [3]byte{}, announce))

	case pkt.Cmd == bidcos.UpdateMode:
		b.mu.Lock()
		b.updateMode = append(b.updateMode, pkt)
		b.mu.Unlock()

	case pkt.Cmd == bidcos.FirmwareChunk && pkt.Flags&bidcos.BiDi != 0:
		b.firstBlock.CompareAndSwap(0, int32(pkt.Msgcnt)+1)
		if b.firstBlock.Load() == int32(pkt.Msgcnt)+1 {
			ack()
			return
		}
		b.resends.Add(1)
	}
}

func writeImage(t *testing.T, dir string) {
	t.Helper()
	// two blocks: 3 and 2 bytes
	if err := os.WriteFile(filepath.Join(dir, "0000.00000011.fw"), []byte("0003AABBCC0002DDEE\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "0000.00000011.version"), []byte("19\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestFirmwareUpdateCommErrors(t *testing.T) {
	e := newEnv(t)
	id := e.seed(t, devAddr, "LEQ0000001", 0x0011, 0x18)
	writeImage(t, e.firmwareDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := &bootloader{e: e}
	go b.run(ctx)

	code, msg := e.c.UpdateFirmware(ctx, id, false)
	if got, want := code, central.FirmwareCommErrors; got != want {
		t.Fatalf("unexpected result code: got %d (%s), want %d", got, msg, want)
	}
	if got, want := msg, "Too many communication errors."; got != want {
		t.Fatalf("unexpected result message: got %q, want %q", got, want)
	}
	if b.firstBlock.Load() != int32(0x43)+1 {
		t.Fatalf("first block not sent with the counter following the announcement")
	}
	if got, want := b.resends.Load(), int32(3); got != want {
		t.Fatalf("unexpected number of transmissions of block 2: got %d, want %d", got, want)
	}

	b.mu.Lock()
	updateMode := b.updateMode
	b.mu.Unlock()
	if got, want := len(updateMode), 1; got != want {
		t.Fatalf("unexpected number of update mode requests: got %d, want %d", got, want)
	}
	if got, want := updateMode[0].Payload, []byte{0x10, 0x5B, 0x11, 0xF8, 0x15, 0x47}; !bytes.Equal(got, want) {
		t.Fatalf("unexpected update mode payload: got %x, want %x", got, want)
	}
	if updateMode[0].Flags&bidcos.BiDi == 0 {
		t.Fatalf("update mode request sent without BiDi flag: %x", updateMode[0].Flags)
	}
	if got, want := updateMode[0].Msgcnt, byte(0x42); got != want {
		t.Fatalf("unexpected update mode message counter: got %x, want %x", got, want)
	}

	e.iface.mu.Lock()
	enabled, disabled := e.iface.enabled, e.iface.disabled
	e.iface.mu.Unlock()
	if got, want := enabled, 1; got != want {
		t.Fatalf("unexpected number of EnableUpdateMode calls: got %d, want %d", got, want)
	}
	if got, want := disabled, 1; got != want {
		t.Fatalf("unexpected number of DisableUpdateMode calls: got %d, want %d", got, want)
	}

	p, _ := e.c.Peer("LEQ0000001")
	if got, want := p.Firmware(), byte(0x18); got != want {
		t.Fatalf("firmware version changed by a failed update: got %x, want %x", got, want)
	}
	e.sink.mu.Lock()
	defer e.sink.mu.Unlock()
	if got, want := len(e.sink.firmware), 1; got != want {
		t.Fatalf("unexpected number of firmware update events: got %d, want %d", got, want)
	}
	if got, want := e.sink.firmware[0].Code, central.FirmwareCommErrors; got != want {
		t.Fatalf("unexpected event code: got %d, want %d", got, want)
	}
}

func TestFirmwareUpdateNoImage(t *testing.T) {
	e := newEnv(t)
	id := e.seed(t, devAddr, "LEQ0000001", 0x0011, 0x18)
	code, _ := e.c.UpdateFirmware(context.Background(), id, false)
	if got, want := code, central.FirmwareNoImage; got != want {
		t.Fatalf("unexpected result code: got %d, want %d", got, want)
	}
	e.iface.mu.Lock()
	defer e.iface.mu.Unlock()
	if e.iface.enabled != 0 || e.iface.disabled != 0 {
		t.Fatalf("update mode touched without an image")
	}
}

func TestFirmwareUpdateNoBootloader(t *testing.T) {
	e := newEnv(t)
	id := e.seed(t, devAddr, "LEQ0000001", 0x0011, 0x18)
	writeImage(t, e.firmwareDir)
	code, _ := e.c.UpdateFirmware(context.Background(), id, false)
	if got, want := code, central.FirmwareNoBootloader; got != want {
		t.Fatalf("unexpected result code: got %d, want %d", got, want)
	}
}

func TestFirmwareUpdateUnknownPeer(t *testing.T) {
	e := newEnv(t)
	code, _ := e.c.UpdateFirmware(context.Background(), 42, false)
	if got, want := code, central.FirmwareUnknownPeer; got != want {
		t.Fatalf("unexpected result code: got %d, want %d", got, want)
	}
}
