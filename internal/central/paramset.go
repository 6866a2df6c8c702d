package central

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/peerstore"
	"github.com/stapelberg/hmcentral/internal/queue"
)

func recoverFault(err *error) {
	if r := recover(); r != nil {
		log.Errorf("recovered from panic: %v", r)
		*err = fault(CodeUnknownApplication)
	}
}

// wakeUpMessage makes a queue wait until a wake-on-radio device sends
// something, which means it listens for a moment.
func wakeUpMessage(p *hm.Peer) *queue.Message[*bidcos.Packet] {
	return &queue.Message[*bidcos.Packet]{
		Direction: queue.Inbound,
		Name:      "wake up",
		Match: func(pkt *bidcos.Packet) bool {
			return pkt.SourceAddr() == p.Address
		},
	}
}

func newSequence(typ queue.Type, p *hm.Peer) *queue.Sequence[*bidcos.Packet] {
	seq := queue.NewSequence[*bidcos.Packet](typ)
	if p.Type != nil && p.Type.WakeOnRadio {
		seq.PushMessage(wakeUpMessage(p))
	}
	return seq
}

func writePairs(mem []hm.MemoryByte) []byte {
	pairs := make([]byte, 0, 2*len(mem))
	for _, m := range mem {
		pairs = append(pairs, byte(m.Index), m.Value)
	}
	return pairs
}

// paramsetKey resolves the parameter set of a peer's channel.
func (c *Central) paramsetKey(p *hm.Peer, channel int, typ hm.ParamsetType, remoteSerial string, remoteChannel int) (hm.ParamsetKey, *hm.Channel, error) {
	if channel < 0 || channel > 255 || p.Type == nil {
		return hm.ParamsetKey{}, nil, fault(CodeUnknownParamset)
	}
	ch, ok := p.Type.Channel(byte(channel))
	if !ok {
		return hm.ParamsetKey{}, nil, fault(CodeUnknownParamset)
	}
	key := hm.ParamsetKey{Type: typ, Channel: byte(channel)}
	if typ == hm.ParamsetLink {
		remote, ok := c.Peer(remoteSerial)
		if !ok {
			return key, nil, fault(CodeReceiverNotFound)
		}
		if remoteChannel < 0 || remoteChannel > 255 {
			return key, nil, fault(CodeUnknownParamset)
		}
		key.Remote = remote.Address
		key.RemoteChannel = byte(remoteChannel)
	}
	return key, ch, nil
}

// GetParamset returns the known values of a parameter set.
func (c *Central) GetParamset(serial string, channel int, typ hm.ParamsetType, remoteSerial string, remoteChannel int) (values map[string]int64, err error) {
	defer recoverFault(&err)
	p, ok := c.Peer(serial)
	if !ok {
		return nil, fault(CodeSenderNotFound)
	}
	key, _, err := c.paramsetKey(p, channel, typ, remoteSerial, remoteChannel)
	if err != nil {
		return nil, err
	}
	values, err = p.Paramset(key)
	return values, asFault(err)
}

// PutParamset writes values into a parameter set of the device. The
// peer has CONFIG_PENDING set until the device acknowledged everything.
func (c *Central) PutParamset(ctx context.Context, serial string, channel int, typ hm.ParamsetType, remoteSerial string, remoteChannel int, values map[string]int64) (err error) {
	defer recoverFault(&err)
	p, ok := c.Peer(serial)
	if !ok {
		return fault(CodeSenderNotFound)
	}
	if p.IsTeam() {
		return fault(CodeIsTeam)
	}
	key, ch, err := c.paramsetKey(p, channel, typ, remoteSerial, remoteChannel)
	if err != nil {
		return err
	}
	for name := range values {
		if _, ok := ch.Def(typ, name); !ok {
			return fault(CodeUnknownParamset)
		}
	}
	iface, err := c.ifaceFor(p)
	if err != nil {
		return asFault(err)
	}

	dest := bidcos.IntAddr(p.Address)
	flags := hm.FlagsFor(p.Type)
	var peer hm.FullyQualifiedChannel
	if typ == hm.ParamsetLink {
		peer = hm.FullyQualifiedChannel{Peer: bidcos.IntAddr(key.Remote), Channel: key.RemoteChannel}
	}
	seq := newSequence(queue.Config, p)
	writes := 0
	for _, list := range ch.Lists(typ) {
		mem, err := p.SetValues(key, list, values)
		if err != nil {
			return asFault(err)
		}
		if len(mem) == 0 {
			continue
		}
		for _, pkt := range c.builder.WriteConfig(dest, flags, key.Channel, peer, list, writePairs(mem)) {
			seq.Push(pkt, false, false)
		}
		writes++
	}
	if writes == 0 {
		return nil
	}
	peerstore.SaveParamset(ctx, c.store, p, key)

	seq.Callback = func() {
		if p.SetConfigPending(false) {
			peerstore.SaveVariable(context.Background(), c.store, p, peerstore.VarConfigPending)
			c.serviceMessage(p, "CONFIG_PENDING", false)
		}
	}
	if p.SetConfigPending(true) {
		peerstore.SaveVariable(ctx, c.store, p, peerstore.VarConfigPending)
		c.serviceMessage(p, "CONFIG_PENDING", true)
	}
	q, err := c.queues.CreateQueue(iface, queue.Config, p.Address)
	if err != nil {
		return asFault(err)
	}
	q.PushPendingQueue(seq)
	return nil
}
