package bidcos_test

import (
	"bytes"
	"testing"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

func TestMarshal(t *testing.T) {
	pkt := bidcos.NewPacket(0x2a, bidcos.DefaultFlags, bidcos.Config,
		[3]byte{0xfd, 0xee, 0xdd},
		[3]byte{0x1a, 0x2b, 0x3c},
		[]byte{0x00, bidcos.ConfigEnd})
	want := []byte{0x0b, 0x2a, 0xa0, 0x01, 0xfd, 0xee, 0xdd, 0x1a, 0x2b, 0x3c, 0x00, 0x06}
	if got := pkt.Marshal(); !bytes.Equal(got, want) {
		t.Fatalf("unexpected frame: got %x, want %x", got, want)
	}

	got, err := bidcos.Unmarshal(append(want, 0x42), true)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := got.Destination(), int32(0x1a2b3c); got != want {
		t.Fatalf("unexpected destination: got %x, want %x", got, want)
	}
	if got, want := got.SourceAddr(), int32(0xfdeedd); got != want {
		t.Fatalf("unexpected source: got %x, want %x", got, want)
	}
	if got, want := got.RSSI, uint8(0x42); got != want {
		t.Fatalf("unexpected RSSI: got %d, want %d", got, want)
	}
	if !got.ResponseRequested() {
		t.Fatalf("BiDi packet does not request a response")
	}
	if got.IsBurst() {
		t.Fatalf("packet unexpectedly marked as burst")
	}
}

func TestUnmarshalErrors(t *testing.T) {
	for _, tt := range []struct {
		name string
		b    []byte
	}{
		{"short", []byte{0x09, 0x01, 0x02}},
		{"invalid length byte", []byte{0x03, 0x01, 0xa0, 0x01, 0xfd, 0xee, 0xdd, 0x1a, 0x2b, 0x3c}},
		{"truncated", []byte{0x0c, 0x01, 0xa0, 0x01, 0xfd, 0xee, 0xdd, 0x1a, 0x2b, 0x3c, 0x00}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := bidcos.Unmarshal(tt.b, false); err == nil {
				t.Fatalf("Unmarshal(%x) unexpectedly succeeded", tt.b)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	b := []byte{
		0x00, 0x00, // status, info
		0x3c,             // rssi
		0x05,             // msgcnt
		0x84,             // flags
		0x00,             // cmd: device info
		0x1a, 0x2b, 0x3c, // source
		0x00, 0x00, 0x00, // dest
		0x18, 0x00, 0xad, 'L', // payload
	}
	pkt, err := bidcos.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if !pkt.IsBroadcast() {
		t.Fatalf("packet to 000000 not considered broadcast")
	}
	if got, want := pkt.Subtype(2), 0xad; got != want {
		t.Fatalf("unexpected subtype: got %x, want %x", got, want)
	}
	if got, want := pkt.Subtype(10), -1; got != want {
		t.Fatalf("unexpected subtype beyond payload: got %d, want %d", got, want)
	}

	enc := pkt.Encode()
	if got, want := enc[3:], b[3:]; !bytes.Equal(got, want) {
		t.Fatalf("Encode(Decode(b)) = %x, want %x", got, want)
	}

	if _, err := bidcos.Decode(b[:11]); err == nil {
		t.Fatalf("Decode of short packet unexpectedly succeeded")
	}
}

func TestAddr(t *testing.T) {
	a := [3]byte{0x39, 0x0f, 0x17}
	if got, want := bidcos.IntAddr(bidcos.AddrInt(a)), a; got != want {
		t.Fatalf("unexpected address round trip: got %x, want %x", got, want)
	}
	if got, want := bidcos.AddrHex(0x390f17), "390f17"; got != want {
		t.Fatalf("unexpected hex address: got %q, want %q", got, want)
	}
}
