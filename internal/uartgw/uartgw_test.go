package uartgw

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

func mustDecodeHex(t *testing.T, frames ...string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.Join(frames, ""))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

type fakeUART struct {
	r io.Reader
	w bytes.Buffer
}

func (f *fakeUART) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *fakeUART) Write(p []byte) (int, error) { return f.w.Write(p) }

// TestInit replays a conversation recorded with a real HM-MOD-RPI-PCB.
func TestInit(t *testing.T) {
	uart := &fakeUART{r: bytes.NewReader(mustDecodeHex(t,
		"FD000C000000436F5F4350555F424C7251",
		"FD000400000401993D",
		"FD000D000000436F5F4350555F417070D831",
		"FD000A00010402010003010201AA8A",
		"FD0004000204011916",
		"FD000E000304024E4551313333303938306AB9",
		"FD000400040401196E",
		"FD0004010504010D7A",
		"FD0004010604010D46",
	))}
	now := time.Unix(0x58A71163, 0).UTC()
	gw, err := NewUARTGW("rpi", uart, [3]byte{0xfd, 0xb0, 0x2c}, now)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := gw.FirmwareVersion, "1.2.1"; got != want {
		t.Fatalf("unexpected firmware version: got %q, want %q", got, want)
	}
	if got, want := gw.SerialNumber, "NEQ1330980"; got != want {
		t.Fatalf("unexpected serial number: got %q, want %q", got, want)
	}
	want := mustDecodeHex(t,
		"FD0003000003180A",
		"FD00030001021E0C",
		"FD000400020A003D10",
		"FD000300030B9239",
		"FD000800040E58A7116300548E",
		"FD001401050300112233445566778899AABBCCDDEEFF024C6D",
		"FD0006010600FC7DB02CD166",
	)
	if got := uart.w.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("unexpected frames written:\n got %X\nwant %X", got, want)
	}
}

func TestEscaping(t *testing.T) {
	payload := []byte{0xfd, 0xfc, 0x7d, 0x00, 0xfd}
	frame := encodeFrame(App, 0xfd, 0x02, payload)
	if bytes.Contains(frame[1:], []byte{frameDelimiter}) {
		t.Fatalf("frame delimiter within frame: %X", frame)
	}
	gw := newGW("rpi", &fakeUART{r: bytes.NewReader(frame)}, [3]byte{})
	gw.devstate = App
	pkt, err := gw.ReadPacket()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pkt.msgcnt, uint8(0xfd); got != want {
		t.Fatalf("unexpected msgcnt: got %x, want %x", got, want)
	}
	if got, want := pkt.Cmd, AppSend; got != want {
		t.Fatalf("unexpected cmd: got %v, want %v", got, want)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Fatalf("unexpected payload: got %x, want %x", pkt.Payload, payload)
	}
}

func TestChecksum(t *testing.T) {
	frame := mustDecodeHex(t, "FD0004010504010D7B")
	gw := newGW("rpi", &fakeUART{r: bytes.NewReader(frame)}, [3]byte{})
	gw.devstate = App
	if _, err := gw.ReadPacket(); err == nil {
		t.Fatalf("ReadPacket with invalid checksum succeeded")
	}
}

type pipeUART struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (p *pipeUART) Close() error {
	for _, c := range p.closers {
		c.Close()
	}
	return nil
}

// gateway simulates an HM-MOD-RPI-PCB in application state.
type gateway struct {
	w  io.Writer
	gw *UARTGW

	mu   sync.Mutex
	cmds []uartcmd
}

func (g *gateway) serve(device [3]byte) {
	for {
		pkt, err := g.gw.ReadPacket()
		if err != nil {
			return
		}
		g.mu.Lock()
		g.cmds = append(g.cmds, pkt.Cmd)
		g.mu.Unlock()
		g.w.Write(encodeFrame(App, pkt.msgcnt, 0x04, []byte{0x01}))
		if pkt.Cmd != AppSend {
			continue
		}
		// The device answers with an ACK.
		sent := pkt.Payload
		recv := []byte{0x00, 0x00, 0x40, sent[3], 0x80, bidcos.Ack}
		recv = append(recv, device[:]...)
		recv = append(recv, sent[6:9]...)
		recv = append(recv, 0x00)
		g.w.Write(encodeFrame(App, 0, 0x05, recv))
	}
}

func (g *gateway) received() []uartcmd {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uartcmd(nil), g.cmds...)
}

func TestRun(t *testing.T) {
	toHost, fromGW := io.Pipe()
	toGW, fromHost := io.Pipe()
	uart := &pipeUART{
		Reader:  toHost,
		Writer:  fromHost,
		closers: []io.Closer{toHost, fromHost, toGW, fromGW},
	}
	u := newGW("rpi", uart, [3]byte{0xfd, 0xb0, 0x2c})
	u.devstate = App
	u.AckTimeout = 5 * time.Second

	sim := &gateway{w: fromGW, gw: newGW("sim", &fakeUART{r: toGW}, [3]byte{})}
	sim.gw.devstate = App
	device := [3]byte{0x40, 0xc2, 0xa8}
	go sim.serve(device)

	received := make(chan *bidcos.Packet, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- u.Run(ctx, func(ifaceID string, pkt *bidcos.Packet) {
			if ifaceID != "rpi" {
				t.Errorf("unexpected interface id %q", ifaceID)
			}
			received <- pkt
		})
	}()
	defer func() {
		cancel()
		<-done
	}()
	for deadline := time.Now().Add(5 * time.Second); ; {
		u.mu.Lock()
		running := u.running
		u.mu.Unlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Run did not start")
		}
		time.Sleep(time.Millisecond)
	}

	if err := u.AddPeer(device[:], 2); err != nil {
		t.Fatal(err)
	}
	want := []uartcmd{AppAddPeer, AppAddPeer, AppPeerRemoveAES, AppAddPeer, AppAddPeer}
	got := sim.received()
	if len(got) != len(want) {
		t.Fatalf("unexpected commands: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected commands: got %v, want %v", got, want)
		}
	}

	if err := u.SendPacket(&bidcos.Packet{
		Msgcnt: 0x42,
		Flags:  bidcos.BiDi,
		Cmd:    bidcos.Config,
		Source: u.HMID,
		Dest:   device,
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case pkt := <-received:
		if got, want := pkt.Source, device; got != want {
			t.Fatalf("unexpected source: got %x, want %x", got, want)
		}
		if got, want := pkt.Msgcnt, uint8(0x42); got != want {
			t.Fatalf("unexpected msgcnt: got %x, want %x", got, want)
		}
		if got, want := pkt.Cmd, byte(bidcos.Ack); got != want {
			t.Fatalf("unexpected cmd: got %x, want %x", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no packet received")
	}
}
