package central

import (
	"context"
	"errors"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/events"
	"github.com/stapelberg/hmcentral/internal/firmware"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/peerstore"
)

// Result codes of UpdateFirmware.
const (
	FirmwareOK             = 0
	FirmwareNoImage        = 1
	FirmwareNoInterface    = 3
	FirmwareNoBootloader   = 4
	FirmwareNoAnnouncement = 5
	FirmwareCommErrors     = 8
	FirmwareUnknownPeer    = 9
	FirmwareAborted        = 10
)

var firmwareMessages = map[int]string{
	FirmwareOK:             "Firmware updated successfully.",
	FirmwareNoImage:        "No firmware file found.",
	FirmwareNoInterface:    "No interface for the device.",
	FirmwareNoBootloader:   "Device did not respond to the enter bootloader request.",
	FirmwareNoAnnouncement: "Device did not announce its bootloader.",
	FirmwareCommErrors:     "Too many communication errors.",
	FirmwareUnknownPeer:    "Unknown device.",
	FirmwareAborted:        "Update aborted.",
}

// flags of firmware packets
const (
	chunkMore = 0x00
	chunkLast = bidcos.BiDi
)

// updateModeRegisters are CC1101 register writes (address, value) which
// switch the bootloader to the update data rate.
var updateModeRegisters = []byte{0x10, 0x5B, 0x11, 0xF8, 0x15, 0x47}

// UpdateFirmware flashes the firmware image for the peer's device type.
// With manual, the user put the device into its bootloader already (by
// holding its button while inserting the batteries).
//
// Update mode of the interface is disabled on every path once it was
// requested.
func (c *Central) UpdateFirmware(ctx context.Context, id uint64, manual bool) (code int, msg string) {
	p, ok := c.PeerByID(id)
	if !ok || p.IsTeam() {
		return FirmwareUnknownPeer, firmwareMessages[FirmwareUnknownPeer]
	}
	logger := log.WithField("serial", p.Serial)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("recovered from panic during firmware update: %v", r)
			code, msg = CodeUnknownApplication, "Unknown application error."
		}
		firmwareUpdates.WithLabelValues(strconv.Itoa(code)).Inc()
		logger.Printf("firmware update finished: %s (%d)", msg, code)
		c.sink.FirmwareUpdate(events.FirmwareUpdate{
			Serial:  p.Serial,
			Code:    code,
			Message: msg,
			Time:    time.Now(),
		})
	}()

	result := func(code int) (int, string) {
		return code, firmwareMessages[code]
	}

	img, err := firmware.Load(c.cfg.FirmwareDir, p.TypeID)
	if err != nil {
		logger.Printf("loading firmware: %v", err)
		return result(FirmwareNoImage)
	}
	iface, err := c.ifaceFor(p)
	if err != nil {
		return result(FirmwareNoInterface)
	}

	// Keep the peer's queue from sending while the device is busy.
	c.queues.Remove(p.Address)

	dest := bidcos.IntAddr(p.Address)
	fromPeer := func(typ byte) func(*bidcos.Packet) bool {
		return func(pkt *bidcos.Packet) bool {
			return pkt.Source == dest && pkt.Cmd == typ
		}
	}

	announce := c.addWaiter(func(pkt *bidcos.Packet) bool {
		return fromPeer(bidcos.Info)(pkt) && pkt.Subtype(0) == int(bidcos.InfoSerial)
	})
	if !manual && !c.enterBootloader(ctx, iface, p) {
		c.removeWaiter(announce)
		return result(FirmwareNoBootloader)
	}
	pkt, err := c.wait(ctx, announce, c.cfg.BootloaderTimeout)
	c.removeWaiter(announce)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return result(FirmwareAborted)
		}
		return result(FirmwareNoAnnouncement)
	}
	logger.Printf("bootloader announced: %v", pkt)

	// Switch the bootloader to the update data rate, then follow with
	// the interface.
	mode := bidcos.NewPacket(pkt.Msgcnt, bidcos.BiDi, bidcos.UpdateMode, c.cfg.Address, dest, updateModeRegisters)
	if err := iface.SendPacket(mode); err != nil {
		logger.Printf("sending update mode request: %v", err)
	}
	defer func() {
		if err := iface.DisableUpdateMode(); err != nil {
			logger.Printf("disabling update mode: %v", err)
		}
	}()
	if err := iface.EnableUpdateMode(); err != nil {
		logger.Printf("enabling update mode: %v", err)
		return result(FirmwareNoInterface)
	}

	acks := c.addWaiter(fromPeer(bidcos.Ack))
	defer c.removeWaiter(acks)
	counter := pkt.Msgcnt
	for i, block := range img.Blocks {
		counter++
		if err := c.sendBlock(ctx, iface, dest, counter, block, acks); err != nil {
			if errors.Is(err, context.Canceled) {
				return result(FirmwareAborted)
			}
			logger.Printf("block %d/%d: %v", i+1, len(img.Blocks), err)
			return result(FirmwareCommErrors)
		}
	}

	if img.HasVersion {
		p.SetFirmware(img.Version)
		peerstore.SaveVariable(ctx, c.store, p, peerstore.VarFirmware)
	}
	return result(FirmwareOK)
}

// enterBootloader asks the device to reboot into its bootloader.
func (c *Central) enterBootloader(ctx context.Context, iface bidcos.Interface, p *hm.Peer) bool {
	dest := bidcos.IntAddr(p.Address)
	acks := c.addWaiter(func(pkt *bidcos.Packet) bool {
		return pkt.Source == dest && pkt.Cmd == bidcos.Ack
	})
	defer c.removeWaiter(acks)
	flags := byte(bidcos.RepeatEnable | bidcos.BiDi | bidcos.Burst)
	for attempt := 0; attempt < 3; attempt++ {
		req := bidcos.NewPacket(c.count(dest), flags, bidcos.Set, c.cfg.Address, dest, []byte{bidcos.FirmwareChunk})
		if err := iface.SendPacket(req); err != nil {
			log.Printf("sending enter bootloader request: %v", err)
		}
		_, err := c.wait(ctx, acks, c.cfg.FirmwareAckTimeout)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

// sendBlock sends a block in chunks, the last of which the device
// acknowledges. Unacknowledged blocks are resent.
func (c *Central) sendBlock(ctx context.Context, iface bidcos.Interface, dest [3]byte, counter byte, block []byte, acks *waiter) error {
	chunks := firmware.Chunks(block)
	var err error
	for attempt := 0; attempt < c.cfg.FirmwareBlockRetries; attempt++ {
		for i, chunk := range chunks {
			flags := byte(chunkMore)
			if i == len(chunks)-1 {
				flags = chunkLast
			}
			pkt := bidcos.NewPacket(counter, flags, bidcos.FirmwareChunk, c.cfg.Address, dest, chunk)
			if err := iface.SendPacket(pkt); err != nil {
				log.Printf("sending firmware chunk: %v", err)
			}
		}
		var ack *bidcos.Packet
		ack, err = c.wait(ctx, acks, c.cfg.FirmwareAckTimeout)
		if err == nil {
			if st := ack.Subtype(0); st >= 0 && st&bidcos.Nack != 0 {
				err = errors.New("NACK")
				continue
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

var errTimeout = errors.New("timeout")

func (c *Central) wait(ctx context.Context, w *waiter, d time.Duration) (*bidcos.Packet, error) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case pkt := <-w.ch:
		return pkt, nil
	case <-t.C:
		return nil, errTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
