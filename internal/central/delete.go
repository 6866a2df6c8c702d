package central

import (
	"context"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/peerstore"
	"github.com/stapelberg/hmcentral/internal/queue"
)

// Flags of DeleteDevice.
const (
	// DeleteReset resets the device to factory defaults instead of just
	// unpairing it.
	DeleteReset = 0x01
	// DeleteForce deletes the peer without talking to the device.
	DeleteForce = 0x02
)

// DeleteDevice unpairs the device and deletes the peer once the device
// acknowledged.
func (c *Central) DeleteDevice(ctx context.Context, serial string, flags int) (err error) {
	defer recoverFault(&err)
	p, ok := c.Peer(serial)
	if !ok {
		return fault(CodeSenderNotFound)
	}
	if p.IsTeam() {
		return fault(CodeIsTeam)
	}
	if flags&DeleteForce != 0 {
		c.removePeer(ctx, p)
		return nil
	}
	iface, err := c.ifaceFor(p)
	if err != nil {
		return asFault(err)
	}
	if err := p.Transition(hm.EventUnpair); err != nil {
		return asFault(err)
	}
	peerstore.SaveVariable(ctx, c.store, p, peerstore.VarPairingState)

	dest := bidcos.IntAddr(p.Address)
	pf := hm.FlagsFor(p.Type)
	seq := newSequence(queue.Unpairing, p)
	if flags&DeleteReset != 0 {
		seq.Push(c.builder.FactoryReset(dest, pf), false, false)
	} else {
		for _, pkt := range c.builder.Unpair(dest, pf) {
			seq.Push(pkt, false, false)
		}
	}
	seq.Callback = func() { c.removePeer(context.Background(), p) }

	q, err := c.queues.CreateQueue(iface, queue.Unpairing, p.Address)
	if err != nil {
		return asFault(err)
	}
	q.PushPendingQueue(seq)
	return nil
}
