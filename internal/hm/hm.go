// Package hm contains the HomeMatic device model: device types, peers
// and the configuration packets a central sends to them.
package hm

import (
	"fmt"

	"github.com/stapelberg/hmcentral/internal/bidcos"
)

const (
	Mask1Bit = 0x1
	Mask2Bit = 0x3
	Mask3Bit = 0x7
	Mask4Bit = 0xF
	Mask5Bit = 0x1F
	Mask6Bit = 0x3F
	Mask7Bit = 0x7F
	Mask8Bit = 0xFF
)

// FullyQualifiedChannel identifies a channel at a specific
// BidCoS-addressed peer.
type FullyQualifiedChannel struct {
	Peer    [3]byte
	Channel byte
}

func (f FullyQualifiedChannel) String() string {
	return fmt.Sprintf("%x:%d", f.Peer, f.Channel)
}

// Builder creates the packets a central sends to configure its peers.
type Builder struct {
	// Central is the address of the central.
	Central [3]byte

	// Count returns the next message counter for dest.
	Count func(dest [3]byte) byte
}

// FlagsFor returns the control byte for configuration packets sent to
// devices of type t.
func FlagsFor(t *DeviceType) byte {
	if t != nil && t.Burst {
		return bidcos.DefaultFlags | bidcos.Burst
	}
	return bidcos.DefaultFlags
}

func (b *Builder) packet(flags, cmd byte, dest [3]byte, payload []byte) *bidcos.Packet {
	return bidcos.NewPacket(b.Count(dest), flags, cmd, b.Central, dest, payload)
}

func (b *Builder) ConfigStart(dest [3]byte, flags, channel byte, peer FullyQualifiedChannel, paramlist byte) *bidcos.Packet {
	return b.packet(flags, bidcos.Config, dest, []byte{
		channel,
		bidcos.ConfigStart,
		peer.Peer[0], peer.Peer[1], peer.Peer[2],
		peer.Channel,
		paramlist,
	})
}

func (b *Builder) ConfigWriteIndex(dest [3]byte, flags, channel byte, kv []byte) *bidcos.Packet {
	return b.packet(flags, bidcos.Config, dest, append([]byte{
		channel,
		bidcos.ConfigWriteIndexPairs,
	}, kv...))
}

func (b *Builder) ConfigEnd(dest [3]byte, flags, channel byte) *bidcos.Packet {
	return b.packet(flags, bidcos.Config, dest, []byte{
		channel,
		bidcos.ConfigEnd,
	})
}

func (b *Builder) ConfigParamReq(dest [3]byte, flags, channel byte, peer FullyQualifiedChannel, paramlist byte) *bidcos.Packet {
	return b.packet(flags, bidcos.Config, dest, []byte{
		channel,
		bidcos.ConfigParamReq,
		peer.Peer[0], peer.Peer[1], peer.Peer[2],
		peer.Channel,
		paramlist,
	})
}

func (b *Builder) ConfigPeerListReq(dest [3]byte, flags, channel byte) *bidcos.Packet {
	return b.packet(flags, bidcos.Config, dest, []byte{
		channel,
		bidcos.ConfigPeerListReq,
	})
}

func (b *Builder) ConfigPeerAdd(dest [3]byte, flags, channel byte, peer FullyQualifiedChannel) *bidcos.Packet {
	return b.packet(flags, bidcos.Config, dest, []byte{
		channel,
		bidcos.ConfigPeerAdd,
		peer.Peer[0], peer.Peer[1], peer.Peer[2],
		peer.Channel, // peer channel a
		0x00,         // peer channel b
	})
}

func (b *Builder) ConfigPeerRemove(dest [3]byte, flags, channel byte, peer FullyQualifiedChannel) *bidcos.Packet {
	return b.packet(flags, bidcos.Config, dest, []byte{
		channel,
		bidcos.ConfigPeerRemove,
		peer.Peer[0], peer.Peer[1], peer.Peer[2],
		peer.Channel, // peer channel a
		0x00,         // peer channel b
	})
}

// Pair returns the packets which make dest accept the central.
func (b *Builder) Pair(dest [3]byte, flags byte) []*bidcos.Packet {
	return []*bidcos.Packet{
		b.ConfigStart(dest, flags, 0, FullyQualifiedChannel{}, 0),
		b.ConfigWriteIndex(dest, flags, 0, []byte{
			0x02, 0x01, // internal keys not visible
			0x0a, b.Central[0],
			0x0b, b.Central[1],
			0x0c, b.Central[2],
		}),
		b.ConfigEnd(dest, flags, 0),
	}
}

// Unpair returns the packets which clear the central address of dest.
func (b *Builder) Unpair(dest [3]byte, flags byte) []*bidcos.Packet {
	return []*bidcos.Packet{
		b.ConfigStart(dest, flags, 0, FullyQualifiedChannel{}, 0),
		b.ConfigWriteIndex(dest, flags, 0, []byte{
			0x02, 0x01,
			0x0a, 0x00,
			0x0b, 0x00,
			0x0c, 0x00,
		}),
		b.ConfigEnd(dest, flags, 0),
	}
}

// FactoryReset makes dest forget all configuration.
func (b *Builder) FactoryReset(dest [3]byte, flags byte) *bidcos.Packet {
	return b.packet(flags, bidcos.Set, dest, []byte{0x04, 0x00})
}

// WriteConfig returns the packets writing pairs (index/value byte pairs)
// into paramlist of channel.
func (b *Builder) WriteConfig(dest [3]byte, flags, channel byte, peer FullyQualifiedChannel, paramlist byte, pairs []byte) []*bidcos.Packet {
	// BidCoS frames have a maximum length of 16 bytes. A
	// ConfigWriteIndex packet has 2 bytes overhead, so we send
	// key/value pairs in blocks of 14 bytes each.
	pkts := []*bidcos.Packet{b.ConfigStart(dest, flags, channel, peer, paramlist)}
	for offset := 0; offset < len(pairs); offset += 14 {
		end := offset + 14
		if end > len(pairs) {
			end = len(pairs)
		}
		pkts = append(pkts, b.ConfigWriteIndex(dest, flags, channel, pairs[offset:end]))
	}
	return append(pkts, b.ConfigEnd(dest, flags, channel))
}

// Ack acknowledges req, re-using its message counter.
func (b *Builder) Ack(req *bidcos.Packet) *bidcos.Packet {
	return bidcos.NewPacket(req.Msgcnt, bidcos.RepeatEnable, bidcos.Ack, b.Central, req.Source, []byte{bidcos.AckOK})
}
