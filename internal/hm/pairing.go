package hm

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
	log "github.com/sirupsen/logrus"
)

// Pairing states of a peer.
const (
	StateUnpaired    = "unpaired"
	StateRequested   = "pairing-requested"
	StateConfiguring = "configuring"
	StatePaired      = "paired"
	StateUnpairing   = "unpairing"
)

// Pairing events.
const (
	EventRequest   = "request"
	EventConfigure = "configure"
	EventComplete  = "complete"
	EventFail      = "fail"
	EventUnpair    = "unpair"
)

func newPairingFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateUnpaired,
		fsm.Events{
			{Name: EventRequest, Src: []string{StateUnpaired, StateRequested, StatePaired}, Dst: StateRequested},
			{Name: EventConfigure, Src: []string{StateRequested}, Dst: StateConfiguring},
			{Name: EventComplete, Src: []string{StateRequested, StateConfiguring}, Dst: StatePaired},
			{Name: EventFail, Src: []string{StateRequested, StateConfiguring}, Dst: StateUnpaired},
			{Name: EventUnpair, Src: []string{StatePaired, StateConfiguring}, Dst: StateUnpairing},
		},
		fsm.Callbacks{},
	)
}

// Transition fires a pairing event. Firing an event which leads to the
// current state is not an error.
func (p *Peer) Transition(event string) error {
	from := p.pairing.Current()
	err := p.pairing.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"serial": p.Serial,
		"from":   from,
		"to":     p.pairing.Current(),
	}).Debug("pairing state changed")
	return nil
}

// RestorePairingState sets the state of a peer loaded from the database.
func (p *Peer) RestorePairingState(state string) {
	switch state {
	case StateUnpaired, StateRequested, StateConfiguring, StatePaired, StateUnpairing:
		p.pairing.SetState(state)
	default:
		p.pairing.SetState(StatePaired)
	}
}
