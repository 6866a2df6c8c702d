package hm_test

import (
	"testing"

	"github.com/stapelberg/hmcentral/internal/hm"
)

func TestSetValuesMergesSharedByte(t *testing.T) {
	typ, ok := hm.DefaultTypes().Lookup(hm.BidCoS, 0x0011)
	if !ok {
		t.Fatalf("HM-LC-Sw1-PL not found")
	}
	p := hm.NewPeer(hm.BidCoS, 0x1a2b3c, "LEQ0000002", typ, 0x18, "")
	key := hm.ParamsetKey{Type: hm.ParamsetMaster, Channel: 1}

	mem, err := p.SetValues(key, 1, map[string]int64{
		"STATUSINFO_MINDELAY": 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(mem), 1; got != want {
		t.Fatalf("unexpected number of memory bytes: got %d, want %d", got, want)
	}
	// STATUSINFO_RANDOM (bits 5-7) keeps its default of 1.
	if got, want := mem[0], (hm.MemoryByte{Index: 87, Value: 1<<5 | 10}); got != want {
		t.Fatalf("unexpected memory byte: got %+v, want %+v", got, want)
	}

	values, err := p.Paramset(key)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := values["STATUSINFO_MINDELAY"], int64(10); got != want {
		t.Fatalf("unexpected value: got %d, want %d", got, want)
	}
}

func TestSetValuesErrors(t *testing.T) {
	typ, _ := hm.DefaultTypes().Lookup(hm.BidCoS, 0x0011)
	p := hm.NewPeer(hm.BidCoS, 0x1a2b3c, "LEQ0000002", typ, 0x18, "")

	if _, err := p.SetValues(hm.ParamsetKey{Channel: 1}, 1, map[string]int64{"NO_SUCH_PARAMETER": 1}); err == nil {
		t.Fatalf("unknown parameter accepted")
	}
	if _, err := p.SetValues(hm.ParamsetKey{Channel: 1}, 1, map[string]int64{"TRANSMIT_TRY_MAX": 11}); err == nil {
		t.Fatalf("out of range value accepted")
	}
	if _, err := p.SetValues(hm.ParamsetKey{Channel: 9}, 1, nil); err == nil {
		t.Fatalf("unknown channel accepted")
	}
}

func TestLinks(t *testing.T) {
	p := hm.NewPeer(hm.BidCoS, 0x1a2b3c, "LEQ0000002", nil, 0, "")
	l := hm.Link{Address: 0x390f17, Channel: 1}
	if !p.AddLink(1, l) {
		t.Fatalf("AddLink of a new link returned false")
	}
	if p.AddLink(1, l) {
		t.Fatalf("AddLink of an existing link returned true")
	}
	if got, want := len(p.Links(1)), 1; got != want {
		t.Fatalf("unexpected number of links: got %d, want %d", got, want)
	}
	if !p.RemoveLink(1, 0x390f17, 1) {
		t.Fatalf("RemoveLink of an existing link returned false")
	}
	if p.RemoveLink(1, 0x390f17, 1) {
		t.Fatalf("RemoveLink of a removed link returned true")
	}
}

func TestPairingTransitions(t *testing.T) {
	p := hm.NewPeer(hm.BidCoS, 0x1a2b3c, "LEQ0000002", nil, 0, "")
	for _, step := range []struct {
		event string
		want  string
	}{
		{hm.EventRequest, hm.StateRequested},
		{hm.EventConfigure, hm.StateConfiguring},
		{hm.EventComplete, hm.StatePaired},
		{hm.EventRequest, hm.StateRequested},
		{hm.EventComplete, hm.StatePaired},
	} {
		if err := p.Transition(step.event); err != nil {
			t.Fatalf("Transition(%q): %v", step.event, err)
		}
		if got, want := p.PairingState(), step.want; got != want {
			t.Fatalf("after %q: got state %q, want %q", step.event, got, want)
		}
	}
	if err := p.Transition(hm.EventConfigure); err == nil {
		t.Fatalf("configure of a paired peer unexpectedly succeeded")
	}
}

func TestTeam(t *testing.T) {
	typ, _ := hm.DefaultTypes().Lookup(hm.BidCoS, 0x0042)
	p := hm.NewPeer(hm.BidCoS, 0x1a2b3c, "LEQ0000003", typ, 0x10, "")
	ch, ok := typ.TeamChannel()
	if !ok {
		t.Fatalf("HM-Sec-SD has no team channel")
	}
	team := hm.NewTeam(p, ch.Index)
	if !team.IsTeam() {
		t.Fatalf("team peer %v not recognized as team", team)
	}
	if got, want := team.Serial, "*LEQ0000003"; got != want {
		t.Fatalf("unexpected team serial: got %q, want %q", got, want)
	}
	m := hm.TeamMember{Serial: p.Serial, Channel: ch.Index}
	team.AddMember(m)
	team.AddMember(m)
	if got, want := len(team.Members()), 1; got != want {
		t.Fatalf("unexpected number of members: got %d, want %d", got, want)
	}
	if got, want := team.RemoveMember(m), 0; got != want {
		t.Fatalf("unexpected number of remaining members: got %d, want %d", got, want)
	}
}
