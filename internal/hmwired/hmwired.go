// Package hmwired implements the frame format of HomeMatic Wired, the
// RS-485 sibling of BidCoS.
//
// On the wire, a frame looks like this:
//
//	0xfd dst[4] control [src[4]] length payload crc[2]
//
// src is present if control has ControlSender set, length counts the
// payload and the checksum. Discovery frames carry no payload:
//
//	0xf9 dst[4] control crc[2]
//
// and are answered by devices matching (dst, mask) with a single 0xf8.
// All bytes after the start byte are escaped (see escaping.go).
package hmwired

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sigurn/crc16"
)

// start bytes
const (
	StartFrame        = 0xfd
	StartDiscovery    = 0xf9
	DiscoveryResponse = 0xf8
	escape            = 0xfc
)

// Control byte bits.
const (
	// ControlAck marks ACK frames (bit 0 set, bit 1 clear).
	ControlAck = 0x01
	// ControlDiscovery marks discovery frames (bits 0 and 1 set).
	ControlDiscovery = 0x03
	// ControlSender means the frame carries a source address.
	ControlSender = 0x08
	// ControlSync resets the message counters of the receiver.
	ControlSync = 0x80
)

// Commands are the first payload byte of I-messages.
const (
	CmdConfigReload = 'C' // 0x43
	CmdWriteEEPROM  = 'W' // 0x57
	CmdUnlockBus    = 'Z' // 0x5a
	CmdDeviceType   = 'h' // 0x68
	CmdSerial       = 'n' // 0x6e
	CmdFirmware     = 'v' // 0x76
	CmdLockBus      = 'z' // 0x7a
)

// BroadcastAddress reaches every device on the bus.
const BroadcastAddress = 0xffffffff

// MaxMask is the mask length of a discovery frame matching exactly one
// address.
const MaxMask = 31

type Kind int

const (
	// KindFrame is an I-message or an ACK.
	KindFrame Kind = iota
	KindDiscovery
	KindDiscoveryResponse
)

func (k Kind) String() string {
	switch k {
	case KindDiscovery:
		return "discovery"
	case KindDiscoveryResponse:
		return "discovery response"
	}
	return "frame"
}

// Packet is a HomeMatic Wired frame.
type Packet struct {
	Kind    Kind
	Dest    uint32
	Control byte
	Source  uint32
	Payload []byte

	// Time is when the packet was received.
	Time time.Time
}

// Table is the CRC-16 used by HomeMatic Wired frames.
var Table = crc16.MakeTable(crc16.Params{
	Poly:   0x1002,
	Init:   0xffff,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x0000,
	Check:  0x0000,
	Name:   "HMWired",
})

// NewIMessage returns an information frame. senderCounter and
// receiverCounter are 2 bit counters.
func NewIMessage(src, dst uint32, senderCounter, receiverCounter byte, sync bool, payload []byte) *Packet {
	control := byte(ControlSender) | (receiverCounter&0x03)<<5 | (senderCounter&0x03)<<1
	if sync {
		control |= ControlSync
	}
	return &Packet{
		Kind:    KindFrame,
		Dest:    dst,
		Control: control,
		Source:  src,
		Payload: payload,
	}
}

// NewAck acknowledges the frame with receiverCounter.
func NewAck(src, dst uint32, receiverCounter byte) *Packet {
	return &Packet{
		Kind:    KindFrame,
		Dest:    dst,
		Control: ControlAck | ControlSender | (receiverCounter&0x03)<<5,
		Source:  src,
	}
}

// NewDiscovery asks all devices whose address matches the highest mask
// bits of addr to respond.
func NewDiscovery(addr uint32, mask int) *Packet {
	return &Packet{
		Kind:    KindDiscovery,
		Dest:    addr,
		Control: ControlDiscovery | byte(mask&0x1f)<<3,
	}
}

// Destination implements queue.Packet.
func (p *Packet) Destination() int32 { return int32(p.Dest) }

// SourceAddr returns the source address as a queue address.
func (p *Packet) SourceAddr() int32 { return int32(p.Source) }

// ResponseRequested reports whether the receiver answers the packet.
// Every I-message to a single device is answered, broadcasts are not.
func (p *Packet) ResponseRequested() bool {
	return p.Kind == KindFrame && !p.IsAck() && p.Dest != BroadcastAddress
}

func (p *Packet) IsAck() bool {
	return p.Kind == KindFrame && p.Control&0x03 == ControlAck
}

func (p *Packet) HasSource() bool {
	return p.Kind == KindFrame && p.Control&ControlSender != 0
}

// Mask returns the mask length of a discovery frame.
func (p *Packet) Mask() int { return int(p.Control>>3) & 0x1f }

// SenderCounter returns the counter of an I-message.
func (p *Packet) SenderCounter() byte { return (p.Control >> 1) & 0x03 }

// ReceiverCounter returns the counter of the last frame the sender
// received from us.
func (p *Packet) ReceiverCounter() byte { return (p.Control >> 5) & 0x03 }

// Command returns the first payload byte, or -1.
func (p *Packet) Command() int {
	if len(p.Payload) == 0 {
		return -1
	}
	return int(p.Payload[0])
}

func (p *Packet) String() string {
	switch p.Kind {
	case KindDiscovery:
		return fmt.Sprintf("discovery %08x/%d", p.Dest, p.Mask())
	case KindDiscoveryResponse:
		return "discovery response"
	}
	if p.IsAck() {
		return fmt.Sprintf("ACK %08x → %08x", p.Source, p.Dest)
	}
	return fmt.Sprintf("%08x → %08x control %02x payload %x", p.Source, p.Dest, p.Control, p.Payload)
}

// unescaped returns the frame without its checksum, start byte
// included.
func (p *Packet) unescaped() []byte {
	switch p.Kind {
	case KindDiscoveryResponse:
		return []byte{DiscoveryResponse}
	case KindDiscovery:
		b := []byte{StartDiscovery, 0, 0, 0, 0, p.Control}
		binary.BigEndian.PutUint32(b[1:], p.Dest)
		return b
	}
	b := make([]byte, 0, 12+len(p.Payload))
	b = append(b, StartFrame)
	b = binary.BigEndian.AppendUint32(b, p.Dest)
	b = append(b, p.Control)
	if p.HasSource() {
		b = binary.BigEndian.AppendUint32(b, p.Source)
	}
	b = append(b, byte(len(p.Payload)+2))
	return append(b, p.Payload...)
}

// Encode returns the escaped frame as sent on the bus.
func (p *Packet) Encode() []byte {
	raw := p.unescaped()
	if p.Kind == KindDiscoveryResponse {
		return raw
	}
	raw = binary.BigEndian.AppendUint16(raw, crc16.Checksum(raw, Table))
	return append([]byte{raw[0]}, escapeBytes(raw[1:])...)
}
