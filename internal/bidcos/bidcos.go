// Package bidcos implements the HomeMatic BidCoS (bidirectional
// communication standard) radio protocol.
package bidcos

import (
	"encoding/hex"
	"fmt"
	"time"
)

// cmd is top-level (e.g. SET), frames usually specify a subtype (e.g. MANU_MODE_SET)

// BidCoS commands (hg: “message type”)
const (
	DeviceInfo byte = iota
	Config
	Ack
	AESReply
	Info             = 0x10
	Set              = 0x11
	WakeUpMsg        = 0x12
	Time             = 0x3f
	ClimateEvent     = 0x58
	ThermalControl   = 0x5a
	PowerEventCyclic = 0x5e
	PowerEvent       = 0x5f
	WeatherEvent     = 0x70
	FirmwareChunk    = 0xca
	UpdateMode       = 0xcb
)

// BidCoS Config subcommands
const (
	_ byte = iota
	ConfigPeerAdd
	ConfigPeerRemove
	ConfigPeerListReq
	ConfigParamReq
	ConfigStart
	ConfigEnd
	ConfigWriteIndexSeq
	ConfigWriteIndexPairs
	ConfigSerialReq
	ConfigPairSerial
	_
	_
	_
	ConfigStatusRequest
)

// BidCoS Info subcommands
const (
	InfoSerial byte = iota
	InfoPeerList
	InfoParamResponsePairs
	InfoParamResponseSeq
	InfoParamChange
	_
	InfoActuatorStatus
	InfoTemp = 0x0a
)

// Ack payload status bytes. Everything with the high bit set is a NACK.
const (
	AckOK          = 0x00
	AckStatus      = 0x01
	AckAES         = 0x04
	Nack           = 0x80
	NackTargetInvl = 0x84
	NackAES        = 0x85
	NackUnknown    = 0x86
)

// Packet flags (hg: “control byte”)
const (
	// Wake up the destination device from power-save mode.
	WakeUp byte = 1 << iota
	// Device is awake, send messages now.
	WakeMeUp
	// Send message to all devices.
	Broadcast
	_
	// Wake up the destination device from power-save mode.
	Burst
	// Bi-directional, i.e. response expected.
	BiDi
	// Packet was repeated (not seen in the wild).
	Repeated
	// Packet can be repeated (always set).
	RepeatEnable
)

const DefaultFlags = RepeatEnable | BiDi

// minLength is the length of a frame without payload, length byte
// included.
const minLength = 10

// Packet is a BidCoS packet.
type Packet struct {
	status  uint8
	info    uint8
	RSSI    uint8
	Msgcnt  uint8
	Flags   uint8 // see Packet flags above
	Cmd     uint8 // see BidCoS commands above
	Source  [3]byte
	Dest    [3]byte
	Payload []byte // at most 17 bytes

	// Time is when the packet was received or created.
	Time time.Time
}

// NewPacket returns a packet stamped with the current time.
func NewPacket(msgcnt, flags, cmd byte, src, dst [3]byte, payload []byte) *Packet {
	return &Packet{
		Msgcnt:  msgcnt,
		Flags:   flags,
		Cmd:     cmd,
		Source:  src,
		Dest:    dst,
		Payload: payload,
		Time:    time.Now(),
	}
}

// Destination returns the destination address as an integer, which is
// how queues and packet managers key their state.
func (p *Packet) Destination() int32 { return AddrInt(p.Dest) }

// SourceAddr returns the sender address as an integer.
func (p *Packet) SourceAddr() int32 { return AddrInt(p.Source) }

// ResponseRequested reports whether the BiDi flag is set, i.e. whether
// the receiver will answer with an ACK or a response.
func (p *Packet) ResponseRequested() bool { return p.Flags&BiDi == BiDi }

// IsBurst reports whether the packet needs a burst preamble to reach a
// sleeping device.
func (p *Packet) IsBurst() bool { return p.Flags&Burst == Burst }

// IsBroadcast reports whether the broadcast flag is set or the packet is
// addressed to 000000.
func (p *Packet) IsBroadcast() bool {
	return p.Flags&Broadcast == Broadcast || p.Dest == [3]byte{}
}

// Subtype returns payload[idx] or -1 if the payload is too short.
func (p *Packet) Subtype(idx int) int {
	if idx < 0 || idx >= len(p.Payload) {
		return -1
	}
	return int(p.Payload[idx])
}

func (p *Packet) String() string {
	return fmt.Sprintf("%X", p.Marshal())
}

// AddrInt converts a 3 byte BidCoS address to its integer form.
func AddrInt(a [3]byte) int32 {
	return int32(a[0])<<16 | int32(a[1])<<8 | int32(a[2])
}

// IntAddr converts an integer address back to 3 bytes.
func IntAddr(i int32) [3]byte {
	return [3]byte{byte(i >> 16), byte(i >> 8), byte(i)}
}

// AddrHex formats an integer address the way device names use it.
func AddrHex(i int32) string {
	a := IntAddr(i)
	return hex.EncodeToString(a[:])
}

// Marshal returns the over-the-air representation:
//
//	uint8  length (of everything after this byte)
//	uint8  message counter
//	uint8  control byte
//	uint8  message type
//	[3]    sender
//	[3]    destination
//	[]byte payload
func (p *Packet) Marshal() []byte {
	res := make([]byte, 0, minLength+len(p.Payload))
	res = append(res,
		byte(minLength-1+len(p.Payload)),
		p.Msgcnt,
		p.Flags,
		p.Cmd)
	res = append(res, p.Source[:]...)
	res = append(res, p.Dest[:]...)
	res = append(res, p.Payload...)
	return res
}

// Unmarshal parses an over-the-air frame. When withRSSI is true, the
// byte following the frame is interpreted as the RSSI value, which is
// how serial receivers (CUL, COC) append it.
func Unmarshal(b []byte, withRSSI bool) (*Packet, error) {
	if got, want := len(b), minLength; got < want {
		return nil, fmt.Errorf("too short for a bidcos packet: got %d, want >= %d", got, want)
	}
	length := int(b[0]) + 1
	if length < minLength {
		return nil, fmt.Errorf("invalid bidcos length byte %d", b[0])
	}
	if got, want := len(b), length; got < want {
		return nil, fmt.Errorf("truncated bidcos packet: got %d bytes, length byte says %d", got, want)
	}
	pkt := &Packet{
		Msgcnt:  b[1],
		Flags:   b[2],
		Cmd:     b[3],
		Source:  [3]byte{b[4], b[5], b[6]},
		Dest:    [3]byte{b[7], b[8], b[9]},
		Payload: append([]byte(nil), b[minLength:length]...),
		Time:    time.Now(),
	}
	if withRSSI && len(b) > length {
		pkt.RSSI = b[length]
	}
	return pkt, nil
}

// Encode returns the packet as expected by the HM-MOD-RPI-PCB.
func (p *Packet) Encode() []byte {
	// c.f. https://svn.fhem.de/trac/browser/trunk/fhem/FHEM/00_HMUARTLGW.pm?rev=13367#L1464
	// c.f. https://github.com/Homegear/Homegear-HomeMaticBidCoS/blob/5255288954f3da42e12fa72a06963b99089d323f/src/PhysicalInterfaces/Hm-Mod-Rpi-Pcb.cpp#L858
	var burst byte
	if p.Flags&Burst == Burst {
		burst = 0x01
	}
	res := []byte{
		0x00, // status
		0x00, // info
		burst,
		p.Msgcnt,
		p.Flags,
		p.Cmd,
	}
	res = append(res, p.Source[:]...)
	res = append(res, p.Dest[:]...)
	res = append(res, p.Payload...)
	return res
}

// Decode parses a packet received from the HM-MOD-RPI-PCB.
func Decode(b []byte) (*Packet, error) {
	if got, want := len(b), 12; got < want {
		return nil, fmt.Errorf("too short for a bidcos packet: got %d, want >= %d", got, want)
	}

	return &Packet{
		status:  b[0],
		info:    b[1],
		RSSI:    b[2],
		Msgcnt:  b[3],                        // hg: “message counter”
		Flags:   b[4],                        // hg: “control byte”
		Cmd:     b[5],                        // hg: “message type”
		Source:  [3]byte{b[6], b[7], b[8]},   // hg: “senderAddress”
		Dest:    [3]byte{b[9], b[10], b[11]}, // hg: “destinationAddress”
		Payload: append([]byte(nil), b[12:]...),
		Time:    time.Now(),
	}, nil
}

// Interface is a physical BidCoS interface (HM-MOD-RPI-PCB, CUL, …).
// Received packets are delivered through the handler passed to the
// interface when it is started.
type Interface interface {
	ID() string
	SendPacket(*Packet) error
	EnableUpdateMode() error
	DisableUpdateMode() error
}

// ReceiveFunc is called by interfaces for every received packet.
type ReceiveFunc func(interfaceID string, pkt *Packet)
