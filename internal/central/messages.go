package central

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/peerstore"
	"github.com/stapelberg/hmcentral/internal/queue"
)

// message describes a BidCoS message the central knows about. The
// first message matching direction, type and subtype wins.
type message struct {
	name      string
	direction queue.Direction
	typ       byte
	// subtypeIndex is the payload byte holding the subtype, subtypes
	// the accepted values. No subtypes matches every payload.
	subtypeIndex int
	subtypes     []byte
	handle       func(c *Central, ifaceID string, pkt *bidcos.Packet)
}

func (m *message) matches(direction queue.Direction, pkt *bidcos.Packet) bool {
	if m.direction != direction || m.typ != pkt.Cmd {
		return false
	}
	if len(m.subtypes) == 0 {
		return true
	}
	st := pkt.Subtype(m.subtypeIndex)
	for _, s := range m.subtypes {
		if int(s) == st {
			return true
		}
	}
	return false
}

func registry() []message {
	return []message{
		{name: "pairing request", direction: queue.Inbound, typ: bidcos.DeviceInfo,
			handle: (*Central).handlePairingRequest},
		{name: "ack", direction: queue.Inbound, typ: bidcos.Ack,
			handle: (*Central).handleAck},
		{name: "config param response", direction: queue.Inbound, typ: bidcos.Info,
			subtypeIndex: 0, subtypes: []byte{bidcos.InfoParamResponsePairs, bidcos.InfoParamResponseSeq},
			handle: (*Central).handleConfigParamResponse},
		{name: "peer list", direction: queue.Inbound, typ: bidcos.Info,
			subtypeIndex: 0, subtypes: []byte{bidcos.InfoPeerList},
			handle: (*Central).handlePeerList},
		{name: "info", direction: queue.Inbound, typ: bidcos.Info},
		{name: "power event", direction: queue.Inbound, typ: bidcos.PowerEvent,
			handle: (*Central).handleTelemetry},
		{name: "power event cyclic", direction: queue.Inbound, typ: bidcos.PowerEventCyclic,
			handle: (*Central).handleTelemetry},
		{name: "weather event", direction: queue.Inbound, typ: bidcos.WeatherEvent,
			handle: (*Central).handleTelemetry},
		{name: "thermal control event", direction: queue.Inbound, typ: bidcos.ThermalControl,
			handle: (*Central).handleTelemetry},
		{name: "wake up", direction: queue.Inbound, typ: bidcos.WakeUpMsg},

		{name: "config start", direction: queue.Outbound, typ: bidcos.Config,
			subtypeIndex: 1, subtypes: []byte{bidcos.ConfigStart}},
		{name: "config end", direction: queue.Outbound, typ: bidcos.Config,
			subtypeIndex: 1, subtypes: []byte{bidcos.ConfigEnd}},
		{name: "config param request", direction: queue.Outbound, typ: bidcos.Config,
			subtypeIndex: 1, subtypes: []byte{bidcos.ConfigParamReq}},
		{name: "config peer list request", direction: queue.Outbound, typ: bidcos.Config,
			subtypeIndex: 1, subtypes: []byte{bidcos.ConfigPeerListReq}},
		{name: "config", direction: queue.Outbound, typ: bidcos.Config},
		{name: "firmware chunk", direction: queue.Outbound, typ: bidcos.FirmwareChunk},
		{name: "update mode", direction: queue.Outbound, typ: bidcos.UpdateMode},
	}
}

func (c *Central) find(direction queue.Direction, pkt *bidcos.Packet) *message {
	for i := range c.messages {
		if c.messages[i].matches(direction, pkt) {
			return &c.messages[i]
		}
	}
	return nil
}

// is reports whether pkt, sent by the central, is the named message.
func (c *Central) is(pkt *bidcos.Packet, name string) bool {
	m := c.find(queue.Outbound, pkt)
	return m != nil && m.name == name
}

// handleAck pops the entry an ACK answers. In a Pairing queue, the ACK
// of END_CONFIG makes the candidate a paired peer.
func (c *Central) handleAck(ifaceID string, pkt *bidcos.Packet) {
	src := pkt.SourceAddr()
	q := c.queues.Get(src)
	if q == nil || !q.InFlight() {
		return
	}
	sent, ok := c.sent.Get(src)
	if !ok || sent.Msgcnt != pkt.Msgcnt {
		log.WithFields(log.Fields{
			"address": bidcos.AddrHex(src),
			"msgcnt":  pkt.Msgcnt,
		}).Debug("ACK does not match the last packet sent")
		return
	}

	if st := pkt.Subtype(0); st >= 0 && st&bidcos.Nack != 0 {
		if q.Type() == queue.Pairing {
			log.Printf("NACK (0x%02x) from %s during pairing, aborting", st, bidcos.AddrHex(src))
			q.Clear()
			c.failPairing(src)
			c.queues.ResetQueue(src, q.ID())
			return
		}
		log.Printf("NACK (0x%02x) from %s for %v", st, bidcos.AddrHex(src), sent)
		q.Pop()
		return
	}

	if q.Type() == queue.Pairing && c.is(sent, "config end") {
		if p := c.peerOrCandidate(src); p != nil {
			c.commitPeer(context.Background(), p)
		}
	}
	q.Pop()
}

// paramRequest returns the current packet of q and whether it is the
// named request.
func (c *Central) paramRequest(q *queue.Queue[*bidcos.Packet], name string) (*bidcos.Packet, bool) {
	cur, ok := q.Current()
	if !ok || cur.Message != nil {
		return nil, false
	}
	return cur.Packet, c.is(cur.Packet, name)
}

// ackChunk acknowledges a part of a multi-packet response. The request
// stays at the front of the queue until the last part arrived.
func (c *Central) ackChunk(q *queue.Queue[*bidcos.Packet], pkt *bidcos.Packet, terminal bool) {
	if !pkt.ResponseRequested() {
		if terminal {
			q.Pop()
		}
		return
	}
	q.PushFront(c.builder.Ack(pkt), true, terminal, false)
}

func (c *Central) handleConfigParamResponse(ifaceID string, pkt *bidcos.Packet) {
	src := pkt.SourceAddr()
	q := c.queues.Get(src)
	p := c.peerOrCandidate(src)
	if q == nil || p == nil {
		return
	}
	req, ok := c.paramRequest(q, "config param request")
	if !ok || len(req.Payload) < 7 {
		log.WithField("address", bidcos.AddrHex(src)).Debug("unsolicited config param response")
		return
	}
	q.KeepAlive()
	c.sent.KeepAlive(src)

	runs, terminal, err := hm.ParseParamResponse(pkt.Payload)
	if err != nil {
		log.Printf("%v: %v", p, err)
		return
	}
	key := hm.ParamsetKey{Type: hm.ParamsetMaster, Channel: req.Payload[0]}
	remote := bidcos.AddrInt([3]byte{req.Payload[2], req.Payload[3], req.Payload[4]})
	if remote != 0 {
		key.Type = hm.ParamsetLink
		key.Remote = remote
		key.RemoteChannel = req.Payload[5]
	}
	for _, name := range p.ApplyParamResponse(key, req.Payload[6], runs) {
		peerstore.SaveParameter(context.Background(), c.store, p, key, name)
	}
	c.ackChunk(q, pkt, terminal)
}

func (c *Central) handlePeerList(ifaceID string, pkt *bidcos.Packet) {
	src := pkt.SourceAddr()
	q := c.queues.Get(src)
	p := c.peerOrCandidate(src)
	if q == nil || p == nil {
		return
	}
	req, ok := c.paramRequest(q, "config peer list request")
	if !ok || len(req.Payload) < 1 {
		return
	}
	q.KeepAlive()
	c.sent.KeepAlive(src)

	links, terminal, err := hm.ParsePeerList(pkt.Payload)
	if err != nil {
		log.Printf("%v: %v", p, err)
		return
	}
	channel := req.Payload[0]
	c.mu.Lock()
	for _, l := range links {
		if other, ok := c.byAddr[l.Address]; ok {
			l.Serial = other.Serial
		}
		c.peerLists[src] = append(c.peerLists[src], l)
	}
	var complete []hm.Link
	if terminal {
		complete = c.peerLists[src]
		delete(c.peerLists, src)
	}
	c.mu.Unlock()

	if terminal {
		p.SetLinks(channel, complete)
		peerstore.SaveVariable(context.Background(), c.store, p, peerstore.VarLinks)
		c.requestLinkParams(q, p, channel, complete)
	}
	c.ackChunk(q, pkt, terminal)
}

// requestLinkParams queues a CONFIG_PARAM_REQ for every link list of
// every link of channel.
func (c *Central) requestLinkParams(q *queue.Queue[*bidcos.Packet], p *hm.Peer, channel byte, links []hm.Link) {
	if p.Type == nil {
		return
	}
	ch, ok := p.Type.Channel(channel)
	if !ok {
		return
	}
	dest := bidcos.IntAddr(p.Address)
	flags := hm.FlagsFor(p.Type)
	for _, l := range links {
		for _, list := range ch.Lists(hm.ParamsetLink) {
			q.Push(c.builder.ConfigParamReq(dest, flags, channel, hm.FullyQualifiedChannel{
				Peer:    bidcos.IntAddr(l.Address),
				Channel: l.Channel,
			}, list), false, false)
		}
	}
}

// handleDeviceMessage acknowledges device messages which ask for it.
// Device specific processing happens in the event sinks.
func (c *Central) handleDeviceMessage(ifaceID string, pkt *bidcos.Packet) {
	if pkt.Dest != c.cfg.Address || !pkt.ResponseRequested() {
		return
	}
	if _, ok := c.PeerByAddress(pkt.SourceAddr()); !ok {
		return
	}
	c.sendAck(ifaceID, pkt)
}
