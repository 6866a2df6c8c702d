package wired

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/events"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/hmwired"
	"github.com/stapelberg/hmcentral/internal/peerstore"
)

// broadcast sends payload to all devices twice, interval apart.
func (c *Central) broadcast(ctx context.Context, payload []byte) {
	for i := 0; i < 2; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.LockInterval):
			}
		}
		pkt := hmwired.NewIMessage(c.cfg.Address, hmwired.BroadcastAddress, 0, 0, false, payload)
		if err := c.iface.SendPacket(pkt); err != nil {
			log.Printf("sending %v: %v", pkt, err)
		}
	}
}

// lockBus keeps devices from sending while the bus is scanned. The
// returned function unlocks it.
func (c *Central) lockBus(ctx context.Context) (unlock func()) {
	c.broadcast(ctx, []byte{hmwired.CmdLockBus})
	return func() {
		c.broadcast(context.Background(), []byte{hmwired.CmdUnlockBus})
	}
}

// probe reports whether any device with an address matching the mask+1
// highest bits of addr responds.
func (c *Central) probe(ctx context.Context, addr uint32, mask int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	// Drop late responses to earlier probes.
	for drained := false; !drained; {
		select {
		case <-c.discoveryResponses:
		default:
			drained = true
		}
	}
	discoveryProbes.Inc()
	if err := c.iface.SendPacket(hmwired.NewDiscovery(addr, mask)); err != nil {
		return false, err
	}
	for slot := 0; slot < c.cfg.ResponseSlots; slot++ {
		t := time.NewTimer(c.cfg.ResponseSlot)
		select {
		case <-c.discoveryResponses:
			t.Stop()
			return true, nil
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
	return false, nil
}

// nextBranch returns the first subtree after (addr, mask): addr is
// incremented at the granularity of mask and the mask shortened to the
// lowest set bit of the result. ok is false once the address space is
// exhausted.
func nextBranch(addr uint32, mask int) (next uint32, nextMask int, ok bool) {
	for mask >= 0 {
		bit := uint32(1) << (31 - mask)
		if addr&bit == 0 {
			return addr | bit, mask, true
		}
		addr &^= bit
		mask--
	}
	return 0, 0, false
}

// discover returns the addresses of all devices on the bus.
func (c *Central) discover(ctx context.Context) ([]uint32, error) {
	var (
		found   []uint32
		addr    uint32
		mask    int
		retries int
	)
	for {
		responded, err := c.probe(ctx, addr, mask)
		if err != nil {
			return found, err
		}
		if responded {
			retries = 0
			if mask < hmwired.MaxMask {
				mask++
				continue
			}
			if addr != hmwired.BroadcastAddress && addr != c.cfg.Address {
				log.Debugf("discovered %s", addrString(addr))
				found = append(found, addr)
			}
		} else {
			retries++
			if retries < c.cfg.DiscoveryProbeRetries {
				continue
			}
			retries = 0
		}
		var ok bool
		if addr, mask, ok = nextBranch(addr, mask); !ok {
			return found, nil
		}
	}
}

type identity struct {
	typeID   uint16
	firmware byte
	serial   string
}

// identify asks the device at addr for its type, firmware and serial
// number.
func (c *Central) identify(ctx context.Context, addr uint32) (identity, error) {
	var id identity
	resp, err := c.request(ctx, addr, []byte{hmwired.CmdDeviceType})
	if err != nil {
		return id, fmt.Errorf("device type: %w", err)
	}
	if len(resp.Payload) < 2 {
		return id, fmt.Errorf("device type: short response %x", resp.Payload)
	}
	id.typeID = binary.BigEndian.Uint16(resp.Payload)

	resp, err = c.request(ctx, addr, []byte{hmwired.CmdFirmware})
	if err != nil {
		return id, fmt.Errorf("firmware: %w", err)
	}
	if len(resp.Payload) < 2 {
		return id, fmt.Errorf("firmware: short response %x", resp.Payload)
	}
	id.firmware = resp.Payload[0]<<4 | resp.Payload[1]&0x0f

	resp, err = c.request(ctx, addr, []byte{hmwired.CmdSerial})
	if err != nil {
		return id, fmt.Errorf("serial: %w", err)
	}
	id.serial = strings.TrimRight(string(resp.Payload), "\x00 ")
	if id.serial == "" {
		return id, fmt.Errorf("serial: empty response")
	}
	return id, nil
}

// scan runs discovery with the bus locked.
func (c *Central) scan(ctx context.Context) ([]uint32, error) {
	unlock := c.lockBus(ctx)
	defer unlock()
	return c.discover(ctx)
}

// SearchDevices scans the bus and adds every device not yet known. It
// returns the number of new devices.
func (c *Central) SearchDevices(ctx context.Context) (int, error) {
	c.search.Lock()
	defer c.search.Unlock()

	addrs, err := c.scan(ctx)
	if err != nil {
		return 0, err
	}
	log.Printf("discovery found %d devices", len(addrs))

	var added []events.Device
	for _, addr := range addrs {
		if _, ok := c.PeerByAddress(addr); ok {
			continue
		}
		logger := log.WithField("address", addrString(addr))
		id, err := c.identify(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return len(added), ctx.Err()
			}
			logger.Errorf("skipping device: %v", err)
			continue
		}
		typ, ok := c.types.Lookup(hm.Wired, id.typeID)
		if !ok {
			logger.Warnf("unsupported device type 0x%04x", id.typeID)
			continue
		}
		if other, ok := c.Peer(id.serial); ok {
			logger.Warnf("serial number %s already known as %v", id.serial, other)
			continue
		}
		p := hm.NewPeer(hm.Wired, int32(addr), id.serial, typ, id.firmware, c.iface.ID())
		p.RestorePairingState(hm.StatePaired)
		if err := peerstore.SavePeer(ctx, c.store, p); err != nil {
			logger.Errorf("saving peer: %v", err)
			continue
		}
		c.mu.Lock()
		c.addPeerLocked(p)
		peerCount.Set(float64(len(c.byAddr)))
		c.mu.Unlock()
		logger.Printf("added %v", p)
		added = append(added, device(p))
	}
	if len(added) > 0 {
		c.sink.NewDevices(added)
	}
	return len(added), nil
}
