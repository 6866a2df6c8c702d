package central

import (
	"context"
	"encoding/binary"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/events"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/peerstore"
	"github.com/stapelberg/hmcentral/internal/queue"
)

// handlePairingRequest starts pairing a device which announced itself.
//
//	[0]     firmware version
//	[1:3]   device type
//	[3:13]  serial number
//	[13]    device class
//	[14:16] peer channels
func (c *Central) handlePairingRequest(ifaceID string, pkt *bidcos.Packet) {
	if len(pkt.Payload) < 13 {
		log.Printf("pairing request too short: %v", pkt)
		return
	}
	// Devices paired to us may ask again (e.g. after a button press),
	// everyone else needs pairing mode.
	if pkt.Dest != c.cfg.Address && !c.InstallMode() {
		return
	}

	src := pkt.SourceAddr()
	fw := pkt.Payload[0]
	typeID := binary.BigEndian.Uint16(pkt.Payload[1:3])
	serial := strings.TrimRight(string(pkt.Payload[3:13]), "\x00 ")
	logger := log.WithFields(log.Fields{
		"address": bidcos.AddrHex(src),
		"serial":  serial,
	})

	typ, ok := c.types.Lookup(hm.BidCoS, typeID)
	if !ok {
		logger.Warnf("unsupported device type 0x%04x", typeID)
		return
	}

	c.mu.Lock()
	iface, ok := c.ifaces[ifaceID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if other, ok := c.bySerial[serial]; ok && other.Address != src {
		c.mu.Unlock()
		logger.Warnf("serial number already paired as %v", other)
		return
	}
	p, paired := c.byAddr[src]
	if paired && p.Serial != serial {
		c.mu.Unlock()
		logger.Warnf("address already paired as %v", p)
		return
	}
	if !paired {
		p = c.candidates[src]
		if p == nil || p.Serial != serial {
			p = hm.NewPeer(hm.BidCoS, src, serial, typ, fw, ifaceID)
			c.candidates[src] = p
		}
	}
	c.mu.Unlock()

	if q := c.queues.Get(src); q != nil && q.Type() == queue.Pairing && !q.Idle() {
		logger.Debug("pairing already in progress")
		return
	}
	if err := p.Transition(hm.EventRequest); err != nil {
		logger.Printf("not pairing: %v", err)
		return
	}
	if adder, ok := iface.(peerAdder); ok {
		if err := adder.AddPeer(pkt.Source[:], channelCount(p)); err != nil {
			logger.Printf("adding to interface: %v", err)
		}
	}

	q, err := c.queues.CreateQueue(iface, queue.Pairing, src)
	if err != nil {
		logger.Printf("creating queue: %v", err)
		return
	}
	q.PushPendingQueue(c.pairingSequence(p))
	logger.Printf("pairing %s, firmware %x", typ.Name, fw)
}

// pairingSequence writes the central address into the device, then
// reads its master parameters and peer lists.
func (c *Central) pairingSequence(p *hm.Peer) *queue.Sequence[*bidcos.Packet] {
	dest := bidcos.IntAddr(p.Address)
	flags := hm.FlagsFor(p.Type)
	seq := queue.NewSequence[*bidcos.Packet](queue.Pairing)
	for _, pkt := range c.builder.Pair(dest, flags) {
		seq.Push(pkt, false, false)
	}
	for _, ch := range p.Type.Channels {
		for _, list := range ch.Lists(hm.ParamsetMaster) {
			seq.Push(c.builder.ConfigParamReq(dest, flags, ch.Index, hm.FullyQualifiedChannel{}, list), false, false)
		}
		if ch.Links {
			seq.Push(c.builder.ConfigPeerListReq(dest, flags, ch.Index), false, false)
		}
	}
	seq.Callback = func() { c.pairingComplete(p) }
	return seq
}

func (c *Central) pairingComplete(p *hm.Peer) {
	if err := p.Transition(hm.EventComplete); err != nil {
		log.Printf("%v: %v", p, err)
	}
	ctx := context.Background()
	peerstore.SaveVariable(ctx, c.store, p, peerstore.VarPairingState)
	c.saveCounters(ctx)
	log.Printf("paired %v", p)
}

// commitPeer makes p a paired peer. It returns false if p already was
// one, in which case nothing happens.
func (c *Central) commitPeer(ctx context.Context, p *hm.Peer) bool {
	c.mu.Lock()
	if existing, ok := c.byAddr[p.Address]; ok && existing == p {
		c.mu.Unlock()
		return false
	}
	delete(c.candidates, p.Address)
	c.byAddr[p.Address] = p
	c.bySerial[p.Serial] = p
	c.mu.Unlock()

	if err := p.Transition(hm.EventConfigure); err != nil {
		log.Printf("%v: %v", p, err)
	}
	if err := peerstore.SavePeer(ctx, c.store, p); err != nil {
		log.Printf("%v", err)
	}
	c.mu.Lock()
	if id := p.ID(); id != 0 {
		c.byID[id] = p
	}
	peerCount.Set(float64(len(c.byAddr)))
	c.mu.Unlock()

	devices := []events.Device{device(p)}
	if team := c.createTeam(ctx, p); team != nil {
		devices = append(devices, device(team))
	}
	c.sink.NewDevices(devices)
	return true
}

// createTeam creates the default team of p, which p is the only member
// of. It returns nil if p has no team channel or the team exists.
func (c *Central) createTeam(ctx context.Context, p *hm.Peer) *hm.Peer {
	if p.Type == nil {
		return nil
	}
	ch, ok := p.Type.TeamChannel()
	if !ok {
		return nil
	}
	c.mu.Lock()
	if _, ok := c.bySerial["*"+p.Serial]; ok {
		c.mu.Unlock()
		return nil
	}
	team := hm.NewTeam(p, ch.Index)
	c.bySerial[team.Serial] = team
	c.mu.Unlock()

	team.RestorePairingState(hm.StatePaired)
	team.AddMember(hm.TeamMember{Serial: p.Serial, Channel: ch.Index})
	p.SetTeam(hm.TeamMember{Serial: team.Serial, Channel: ch.Index}, p.Address)
	if err := peerstore.SavePeer(ctx, c.store, team); err != nil {
		log.Printf("%v", err)
	}
	peerstore.SaveVariables(ctx, c.store, p)

	c.mu.Lock()
	if id := team.ID(); id != 0 {
		c.byID[id] = team
	}
	c.mu.Unlock()
	return team
}

// failPairing forgets the candidate at addr. A peer which was paired
// before keeps its old pairing.
func (c *Central) failPairing(addr int32) {
	c.mu.Lock()
	candidate := c.candidates[addr]
	delete(c.candidates, addr)
	paired := c.byAddr[addr]
	c.mu.Unlock()

	if candidate != nil {
		if err := candidate.Transition(hm.EventFail); err != nil {
			log.Printf("%v: %v", candidate, err)
		}
	}
	if paired != nil && paired.PairingState() != hm.StatePaired {
		paired.RestorePairingState(hm.StatePaired)
	}
}

// removePeer deletes p locally, including its default team once that
// has no members left.
func (c *Central) removePeer(ctx context.Context, p *hm.Peer) {
	c.mu.Lock()
	delete(c.bySerial, p.Serial)
	delete(c.byID, p.ID())
	if !p.IsTeam() && c.byAddr[p.Address] == p {
		delete(c.byAddr, p.Address)
		delete(c.telemetry, p.Address)
	}
	tm, _ := p.Team()
	var team *hm.Peer
	if tm.Serial != "" && tm.Serial != p.Serial {
		team = c.bySerial[tm.Serial]
	}
	peerCount.Set(float64(len(c.byAddr)))
	c.mu.Unlock()

	devices := []events.Device{device(p)}
	if team != nil {
		if team.RemoveMember(hm.TeamMember{Serial: p.Serial, Channel: tm.Channel}) == 0 {
			c.mu.Lock()
			delete(c.bySerial, team.Serial)
			delete(c.byID, team.ID())
			c.mu.Unlock()
			if err := c.store.DeletePeer(ctx, string(hm.BidCoS), team.ID()); err != nil {
				log.Printf("deleting %v: %v", team, err)
			}
			devices = append(devices, device(team))
		} else {
			peerstore.SaveVariables(ctx, c.store, team)
		}
	}
	if id := p.ID(); id != 0 {
		if err := c.store.DeletePeer(ctx, string(hm.BidCoS), id); err != nil {
			log.Printf("deleting %v: %v", p, err)
		}
	}
	if !p.IsTeam() {
		c.queues.Remove(p.Address)
		lastContact.DeleteLabelValues(bidcos.AddrHex(p.Address), p.Serial)
	}
	c.sink.DeleteDevices(devices)
	log.Printf("deleted %v", p)
}
