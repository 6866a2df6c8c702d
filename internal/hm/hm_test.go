package hm_test

import (
	"bytes"
	"testing"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
)

var (
	central = [3]byte{0xfd, 0xee, 0xdd}
	device  = [3]byte{0x1a, 0x2b, 0x3c}
)

func newBuilder() *hm.Builder {
	var cnt byte
	return &hm.Builder{
		Central: central,
		Count: func([3]byte) byte {
			cnt++
			return cnt
		},
	}
}

func TestPair(t *testing.T) {
	b := newBuilder()
	pkts := b.Pair(device, bidcos.DefaultFlags)
	if got, want := len(pkts), 3; got != want {
		t.Fatalf("unexpected number of packets: got %d, want %d", got, want)
	}
	want := [][]byte{
		{0x00, bidcos.ConfigStart, 0, 0, 0, 0, 0},
		{0x00, bidcos.ConfigWriteIndexPairs, 0x02, 0x01, 0x0a, 0xfd, 0x0b, 0xee, 0x0c, 0xdd},
		{0x00, bidcos.ConfigEnd},
	}
	for i, pkt := range pkts {
		if got, want := pkt.Payload, want[i]; !bytes.Equal(got, want) {
			t.Errorf("packet %d: unexpected payload: got %x, want %x", i, got, want)
		}
		if got, want := pkt.Msgcnt, byte(i+1); got != want {
			t.Errorf("packet %d: unexpected message counter: got %d, want %d", i, got, want)
		}
		if got, want := pkt.Cmd, byte(bidcos.Config); got != want {
			t.Errorf("packet %d: unexpected command: got %x, want %x", i, got, want)
		}
		if got, want := pkt.Dest, device; got != want {
			t.Errorf("packet %d: unexpected destination: got %x, want %x", i, got, want)
		}
	}
}

func TestWriteConfigSplits(t *testing.T) {
	b := newBuilder()
	pairs := make([]byte, 20) // 10 pairs
	for i := range pairs {
		pairs[i] = byte(i + 1)
	}
	pkts := b.WriteConfig(device, bidcos.DefaultFlags, 1, hm.FullyQualifiedChannel{}, 1, pairs)
	if got, want := len(pkts), 4; got != want {
		t.Fatalf("unexpected number of packets: got %d, want %d", got, want)
	}
	if got, want := pkts[1].Payload[2:], pairs[:14]; !bytes.Equal(got, want) {
		t.Fatalf("unexpected first block: got %x, want %x", got, want)
	}
	if got, want := pkts[2].Payload[2:], pairs[14:]; !bytes.Equal(got, want) {
		t.Fatalf("unexpected second block: got %x, want %x", got, want)
	}
	if got, want := pkts[0].Payload[6], byte(1); got != want {
		t.Fatalf("unexpected paramlist: got %d, want %d", got, want)
	}
}

func TestAck(t *testing.T) {
	b := newBuilder()
	req := bidcos.NewPacket(0x42, bidcos.DefaultFlags, bidcos.Info, device, central, []byte{0x02, 0x00, 0x00})
	ack := b.Ack(req)
	if got, want := ack.Msgcnt, byte(0x42); got != want {
		t.Fatalf("unexpected message counter: got %x, want %x", got, want)
	}
	if got, want := ack.Dest, device; got != want {
		t.Fatalf("unexpected destination: got %x, want %x", got, want)
	}
	if ack.ResponseRequested() {
		t.Fatalf("ACK requests a response")
	}
}

func TestCounters(t *testing.T) {
	counters := map[int32]byte{
		0x1a2b3c: 7,
		0x390f17: 255,
	}
	b := hm.EncodeCounters(counters)
	if got, want := len(b), 4+2*5; got != want {
		t.Fatalf("unexpected encoded length: got %d, want %d", got, want)
	}
	decoded, err := hm.DecodeCounters(b)
	if err != nil {
		t.Fatal(err)
	}
	for addr, cnt := range counters {
		if got, want := decoded[addr], cnt; got != want {
			t.Errorf("counter for %06x: got %d, want %d", addr, got, want)
		}
	}
	if _, err := hm.DecodeCounters(b[:7]); err == nil {
		t.Fatalf("DecodeCounters of truncated table unexpectedly succeeded")
	}
}

func TestDefaultTypes(t *testing.T) {
	r := hm.DefaultTypes()
	radio, ok := r.Lookup(hm.BidCoS, 0x0011)
	if !ok {
		t.Fatalf("HM-LC-Sw1-PL not found")
	}
	if got, want := radio.Name, "HM-LC-Sw1-PL"; got != want {
		t.Fatalf("unexpected type name: got %q, want %q", got, want)
	}
	wired, ok := r.Lookup(hm.Wired, 0x0011)
	if !ok {
		t.Fatalf("HMW-LC-Sw2-DR not found")
	}
	if got, want := wired.Name, "HMW-LC-Sw2-DR"; got != want {
		t.Fatalf("unexpected type name: got %q, want %q", got, want)
	}
	ch, ok := radio.Channel(1)
	if !ok {
		t.Fatalf("channel 1 not found")
	}
	if got, want := ch.Lists(hm.ParamsetMaster), []byte{1}; !bytes.Equal(got, want) {
		t.Fatalf("unexpected master lists: got %v, want %v", got, want)
	}
	if _, ok := r.Lookup(hm.BidCoS, 0xffff); ok {
		t.Fatalf("unknown type found")
	}
}

func TestLoadTypesRejectsDuplicates(t *testing.T) {
	_, err := hm.LoadTypes([]byte(`
- {id: 1, name: a}
- {id: 1, name: b}
`))
	if err == nil {
		t.Fatalf("LoadTypes accepted duplicate ids")
	}
}
