package wired

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/central"
	"github.com/stapelberg/hmcentral/internal/events"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/hmwired"
	"github.com/stapelberg/hmcentral/internal/peerstore"
	"github.com/stapelberg/hmcentral/internal/queue"
)

// maxEEPROMWrite is the most data bytes of one EEPROM write.
const maxEEPROMWrite = 16

func recoverFault(err *error) {
	if r := recover(); r != nil {
		log.Errorf("recovered from panic: %v", r)
		*err = central.NewFault(central.CodeUnknownApplication)
	}
}

// eepromWrites groups memory bytes into writes of consecutive
// addresses:
//
//	'W' address[2] length data...
func eepromWrites(mem []hm.MemoryByte) [][]byte {
	var writes [][]byte
	var cur []byte
	var next uint16
	for _, m := range mem {
		if cur == nil || m.Index != next || len(cur)-4 == maxEEPROMWrite {
			if cur != nil {
				writes = append(writes, cur)
			}
			cur = []byte{hmwired.CmdWriteEEPROM, byte(m.Index >> 8), byte(m.Index), 0}
		}
		cur = append(cur, m.Value)
		cur[3]++
		next = m.Index + 1
	}
	if cur != nil {
		writes = append(writes, cur)
	}
	return writes
}

func (c *Central) channel(p *hm.Peer, channel int) (*hm.Channel, bool) {
	if p.Type == nil || channel < 0 || channel > 255 {
		return nil, false
	}
	return p.Type.Channel(byte(channel))
}

// GetParamset returns the known master parameters of channel.
func (c *Central) GetParamset(serial string, channel int) (values map[string]int64, err error) {
	defer recoverFault(&err)
	p, ok := c.Peer(serial)
	if !ok {
		return nil, central.NewFault(central.CodeSenderNotFound)
	}
	if _, ok := c.channel(p, channel); !ok {
		return nil, central.NewFault(central.CodeUnknownParamset)
	}
	values, err = p.Paramset(hm.ParamsetKey{Type: hm.ParamsetMaster, Channel: byte(channel)})
	return values, central.AsFault(err)
}

// PutParamset writes master parameters into the EEPROM of the device
// and makes it reload its configuration.
func (c *Central) PutParamset(ctx context.Context, serial string, channel int, values map[string]int64) (err error) {
	defer recoverFault(&err)
	p, ok := c.Peer(serial)
	if !ok {
		return central.NewFault(central.CodeSenderNotFound)
	}
	ch, ok := c.channel(p, channel)
	if !ok {
		return central.NewFault(central.CodeUnknownParamset)
	}
	for name := range values {
		if _, ok := ch.Def(hm.ParamsetMaster, name); !ok {
			return central.NewFault(central.CodeUnknownParamset)
		}
	}

	key := hm.ParamsetKey{Type: hm.ParamsetMaster, Channel: ch.Index}
	addr := uint32(p.Address)
	seq := queue.NewSequence[*hmwired.Packet](queue.Config)
	for _, list := range ch.Lists(hm.ParamsetMaster) {
		mem, err := p.SetValues(key, list, values)
		if err != nil {
			return central.AsFault(err)
		}
		for _, w := range eepromWrites(mem) {
			seq.Push(c.newIMessage(addr, w), false, false)
		}
	}
	if seq.Len() == 0 {
		return nil
	}
	seq.Push(c.newIMessage(addr, []byte{hmwired.CmdConfigReload}), false, false)
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
	q, err := c.queues.CreateQueue(c.iface, queue.Config, int32(addr))
	if err != nil {
		return central.AsFault(err)
	}
	q.PushPendingQueue(seq)
	return nil
}

// DeleteDevice forgets the device. Wired devices need no unpairing, a
// later SearchDevices adds it again.
func (c *Central) DeleteDevice(ctx context.Context, serial string) (err error) {
	defer recoverFault(&err)
	p, ok := c.Peer(serial)
	if !ok {
		return central.NewFault(central.CodeSenderNotFound)
	}
	c.mu.Lock()
	delete(c.bySerial, p.Serial)
	delete(c.byID, p.ID())
	delete(c.byAddr, uint32(p.Address))
	peerCount.Set(float64(len(c.byAddr)))
	c.mu.Unlock()

	if id := p.ID(); id != 0 {
		if err := c.store.DeletePeer(ctx, string(hm.Wired), id); err != nil {
			log.Printf("deleting %v: %v", p, err)
		}
	}
	c.queues.Remove(p.Address)
	lastContact.DeleteLabelValues(addrString(uint32(p.Address)), p.Serial)
	c.sink.DeleteDevices([]events.Device{device(p)})
	log.Printf("deleted %v", p)
	return nil
}
