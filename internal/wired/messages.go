package wired

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/hmwired"
)

type message struct {
	name     string
	kind     hmwired.Kind
	ack      bool
	commands []byte
	handle   func(c *Central, ifaceID string, pkt *hmwired.Packet)
}

func (m *message) matches(pkt *hmwired.Packet) bool {
	if pkt.Kind != m.kind || pkt.IsAck() != m.ack {
		return false
	}
	if len(m.commands) == 0 {
		return true
	}
	cmd := pkt.Command()
	for _, c := range m.commands {
		if int(c) == cmd {
			return true
		}
	}
	return false
}

func registry() []message {
	return []message{
		{name: "discovery response", kind: hmwired.KindDiscoveryResponse},
		{name: "ack", kind: hmwired.KindFrame, ack: true,
			handle: (*Central).handleAck},
		{name: "event", kind: hmwired.KindFrame, commands: []byte{'K', 'i'},
			handle: (*Central).handleEvent},
		{name: "info", kind: hmwired.KindFrame,
			handle: (*Central).handleEvent},
	}
}

func (c *Central) find(pkt *hmwired.Packet) *message {
	for i := range c.messages {
		if c.messages[i].matches(pkt) {
			return &c.messages[i]
		}
	}
	return nil
}

// handleAck pops the entry the ACK answers. The receiver counter of the
// ACK has to match the sender counter of the packet in flight.
func (c *Central) handleAck(ifaceID string, pkt *hmwired.Packet) {
	src := pkt.Source
	q := c.queues.Get(int32(src))
	if q == nil || !q.InFlight() {
		return
	}
	sent, ok := c.sent.Get(int32(src))
	if !ok || sent.SenderCounter() != pkt.ReceiverCounter() {
		log.WithField("address", addrString(src)).Debug("ACK does not match the last packet sent")
		return
	}
	q.Pop()
}

// handleEvent acknowledges unsolicited I-messages (key presses, state
// changes).
func (c *Central) handleEvent(ifaceID string, pkt *hmwired.Packet) {
	if _, ok := c.PeerByAddress(pkt.Source); !ok {
		log.WithField("address", addrString(pkt.Source)).Debug("I-message from unknown device")
	}
	c.ack(pkt)
}

func sortPeers(peers []*hm.Peer) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID() < peers[j].ID() })
}
