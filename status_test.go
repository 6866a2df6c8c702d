package main

import (
	"html/template"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stapelberg/hmcentral/internal/central"
	"github.com/stapelberg/hmcentral/internal/hm"
)

type fakeTelemetry string

func (f fakeTelemetry) HTML() template.HTML       { return template.HTML("<li>" + string(f) + "</li>") }
func (f fakeTelemetry) Record(address, name string) {}

type fakeLister struct {
	peers     []*hm.Peer
	telemetry map[int32][]central.Telemetry
}

func (f *fakeLister) Peers() []*hm.Peer { return f.peers }

type fakeTelemetryLister struct{ fakeLister }

func (f *fakeTelemetryLister) Telemetry(addr int32) []central.Telemetry {
	return f.telemetry[addr]
}

func TestStatus(t *testing.T) {
	types := hm.DefaultTypes()
	typ, _ := types.Lookup(hm.BidCoS, 0x0095)
	bp := hm.NewPeer(hm.BidCoS, 0x40c2a8, "MEQ0000001", typ, 0x14, "rpi")
	bp.RestorePairingState(hm.StatePaired)
	bp.SetConfigPending(true)

	wp := hm.NewPeer(hm.Wired, 0x00001234, "LEQ0000002", nil, 0x12, "rs485")
	wp.RestorePairingState(hm.StatePaired)

	bidcos := &fakeTelemetryLister{fakeLister{
		peers: []*hm.Peer{bp},
		telemetry: map[int32][]central.Telemetry{
			0x40c2a8: {fakeTelemetry("Temperature: 21.5 °C")},
		},
	}}
	wired := &fakeLister{peers: []*hm.Peer{wp}}

	rec := httptest.NewRecorder()
	handleStatus(rec, httptest.NewRequest("GET", "/", nil), bidcos, wired)
	b, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatal(err)
	}
	body := string(b)
	for _, want := range []string{
		"MEQ0000001",
		"40c2a8",
		"LEQ0000002",
		"00001234",
		"paired",
		"1.4",
		"<li>Temperature: 21.5 °C</li>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("status page does not contain %q", want)
		}
	}
	if got, want := rec.Code, 200; got != want {
		t.Fatalf("unexpected HTTP status: got %d, want %d", got, want)
	}
}
