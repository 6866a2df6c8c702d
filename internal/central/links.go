package central

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/peerstore"
	"github.com/stapelberg/hmcentral/internal/queue"
)

func (c *Central) linkChannel(p *hm.Peer, channel int) (*hm.Channel, bool) {
	if p.Type == nil || channel < 0 || channel > 255 {
		return nil, false
	}
	return p.Type.Channel(byte(channel))
}

// AddLink links a sender channel (e.g. a button) to a receiver channel
// (e.g. a switch).
func (c *Central) AddLink(ctx context.Context, senderSerial string, senderChannel int, receiverSerial string, receiverChannel int, name, description string) (err error) {
	defer recoverFault(&err)
	return c.link(ctx, true, senderSerial, senderChannel, receiverSerial, receiverChannel, name, description)
}

func (c *Central) RemoveLink(ctx context.Context, senderSerial string, senderChannel int, receiverSerial string, receiverChannel int) (err error) {
	defer recoverFault(&err)
	return c.link(ctx, false, senderSerial, senderChannel, receiverSerial, receiverChannel, "", "")
}

func (c *Central) link(ctx context.Context, add bool, senderSerial string, senderChannel int, receiverSerial string, receiverChannel int, name, description string) error {
	sender, ok := c.Peer(senderSerial)
	if !ok {
		return fault(CodeSenderNotFound)
	}
	receiver, ok := c.Peer(receiverSerial)
	if !ok {
		return fault(CodeReceiverNotFound)
	}
	if sender.IsTeam() || receiver.IsTeam() {
		return fault(CodeIsTeam)
	}
	sch, ok := c.linkChannel(sender, senderChannel)
	if !ok {
		return fault(CodeUnknownParamset)
	}
	rch, ok := c.linkChannel(receiver, receiverChannel)
	if !ok {
		return fault(CodeUnknownParamset)
	}

	if add {
		sender.AddLink(sch.Index, hm.Link{
			Address:     receiver.Address,
			Serial:      receiver.Serial,
			Channel:     rch.Index,
			Name:        name,
			Description: description,
		})
		receiver.AddLink(rch.Index, hm.Link{
			Address:     sender.Address,
			Serial:      sender.Serial,
			Channel:     sch.Index,
			Name:        name,
			Description: description,
		})
	} else {
		sender.RemoveLink(sch.Index, receiver.Address, rch.Index)
		receiver.RemoveLink(rch.Index, sender.Address, sch.Index)
	}
	peerstore.SaveVariable(ctx, c.store, sender, peerstore.VarLinks)
	peerstore.SaveVariable(ctx, c.store, receiver, peerstore.VarLinks)

	if err := c.queueLink(ctx, add, sender, sch, receiver, rch.Index); err != nil {
		return asFault(err)
	}
	if err := c.waitIdle(ctx, sender.Address); err != nil {
		return asFault(err)
	}
	return asFault(c.queueLink(ctx, add, receiver, rch, sender, sch.Index))
}

// queueLink tells p about the link between ch and the remote channel,
// writing the channel's enforced link parameters for new links.
func (c *Central) queueLink(ctx context.Context, add bool, p *hm.Peer, ch *hm.Channel, remote *hm.Peer, remoteChannel byte) error {
	iface, err := c.ifaceFor(p)
	if err != nil {
		return err
	}
	dest := bidcos.IntAddr(p.Address)
	flags := hm.FlagsFor(p.Type)
	fqc := hm.FullyQualifiedChannel{Peer: bidcos.IntAddr(remote.Address), Channel: remoteChannel}

	seq := newSequence(queue.Config, p)
	if !add {
		seq.Push(c.builder.ConfigPeerRemove(dest, flags, ch.Index, fqc), false, false)
	} else {
		seq.Push(c.builder.ConfigPeerAdd(dest, flags, ch.Index, fqc), false, false)
		if len(ch.EnforceLink) > 0 {
			key := hm.ParamsetKey{
				Type:          hm.ParamsetLink,
				Channel:       ch.Index,
				Remote:        remote.Address,
				RemoteChannel: remoteChannel,
			}
			for _, list := range ch.Lists(hm.ParamsetLink) {
				mem, err := p.SetValues(key, list, ch.EnforceLink)
				if err != nil {
					return err
				}
				if len(mem) == 0 {
					continue
				}
				for _, pkt := range c.builder.WriteConfig(dest, flags, ch.Index, fqc, list, writePairs(mem)) {
					seq.Push(pkt, false, false)
				}
			}
			peerstore.SaveParamset(ctx, c.store, p, key)
		}
	}

	q, err := c.queues.CreateQueue(iface, queue.Config, p.Address)
	if err != nil {
		return err
	}
	q.PushPendingQueue(seq)
	return nil
}

// waitIdle waits until the queue of addr is done, but at most
// LinkWaitAttempts times LinkWait.
func (c *Central) waitIdle(ctx context.Context, addr int32) error {
	for i := 0; i < c.cfg.LinkWaitAttempts; i++ {
		q := c.queues.Get(addr)
		if q == nil || q.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.LinkWait):
		}
	}
	log.Printf("queue of %s still busy, continuing", bidcos.AddrHex(addr))
	return nil
}

// SetTeam makes channel of the peer a member of the team. An empty
// teamSerial puts the channel back into the peer's own team.
func (c *Central) SetTeam(ctx context.Context, serial string, channel int, teamSerial string, teamChannel int) (err error) {
	defer recoverFault(&err)
	p, ok := c.Peer(serial)
	if !ok {
		return fault(CodeSenderNotFound)
	}
	if p.IsTeam() {
		return fault(CodeIsTeam)
	}
	ch, ok := c.linkChannel(p, channel)
	if !ok || !ch.Team {
		return fault(CodeUnknownParamset)
	}
	if teamSerial == "" {
		teamSerial = "*" + p.Serial
		teamChannel = channel
	}
	team, ok := c.Peer(teamSerial)
	if !ok || !team.IsTeam() || teamChannel < 0 || teamChannel > 255 {
		return fault(CodeTeamNotFound)
	}
	old, oldAddr := p.Team()
	if old.Serial == team.Serial && old.Channel == byte(teamChannel) {
		return nil
	}
	iface, err := c.ifaceFor(p)
	if err != nil {
		return asFault(err)
	}

	dest := bidcos.IntAddr(p.Address)
	flags := hm.FlagsFor(p.Type)
	seq := newSequence(queue.Config, p)
	if old.Serial != "" {
		seq.Push(c.builder.ConfigPeerRemove(dest, flags, ch.Index, hm.FullyQualifiedChannel{
			Peer:    bidcos.IntAddr(oldAddr),
			Channel: old.Channel,
		}), false, false)
		if oldTeam, ok := c.Peer(old.Serial); ok {
			oldTeam.RemoveMember(hm.TeamMember{Serial: p.Serial, Channel: ch.Index})
			peerstore.SaveVariable(ctx, c.store, oldTeam, peerstore.VarTeamMembers)
		}
	}
	seq.Push(c.builder.ConfigPeerAdd(dest, flags, ch.Index, hm.FullyQualifiedChannel{
		Peer:    bidcos.IntAddr(team.Address),
		Channel: byte(teamChannel),
	}), false, false)

	p.SetTeam(hm.TeamMember{Serial: team.Serial, Channel: byte(teamChannel)}, team.Address)
	team.AddMember(hm.TeamMember{Serial: p.Serial, Channel: ch.Index})
	peerstore.SaveVariable(ctx, c.store, p, peerstore.VarTeam)
	peerstore.SaveVariable(ctx, c.store, team, peerstore.VarTeamMembers)

	q, err := c.queues.CreateQueue(iface, queue.Config, p.Address)
	if err != nil {
		return asFault(err)
	}
	q.PushPendingQueue(seq)
	return nil
}
