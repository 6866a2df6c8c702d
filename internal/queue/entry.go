package queue

import "fmt"

// Packet is what a queue sends. Both BidCoS and HomeMatic Wired packets
// implement it.
type Packet interface {
	Destination() int32
	ResponseRequested() bool
}

// burster is implemented by packets which need a burst preamble and
// hence a longer resend wait.
type burster interface {
	IsBurst() bool
}

// Sender transmits packets, typically a physical interface.
type Sender[P Packet] interface {
	SendPacket(P) error
}

// Recorder remembers the last packet sent to an address (see package
// packetmanager).
type Recorder[P Packet] interface {
	Set(addr int32, pkt P)
}

type Type int

const (
	Empty Type = iota
	Default
	Config
	Pairing
	Unpairing
	Peer
)

func (t Type) String() string {
	switch t {
	case Empty:
		return "EMPTY"
	case Default:
		return "DEFAULT"
	case Config:
		return "CONFIG"
	case Pairing:
		return "PAIRING"
	case Unpairing:
		return "UNPAIRING"
	case Peer:
		return "PEER"
	default:
		return fmt.Sprintf("<invalid queue type (%d)>", int(t))
	}
}

type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// Message is a protocol step which is not a plain packet.
//
// An Inbound message at the front of a queue makes the queue wait until
// a packet matching Match is passed to Receive. An Outbound message runs
// Handler when it reaches the front and is popped afterwards.
type Message[P Packet] struct {
	Direction Direction
	Name      string
	Match     func(P) bool // nil matches every packet
	Handler   func(P)
}

// Entry is either a packet or a message.
type Entry[P Packet] struct {
	Packet  P
	Message *Message[P]

	// Stealthy packets are not recorded as the last sent packet.
	Stealthy bool
	// ForceResend resends even if the packet does not request a response.
	ForceResend bool
}

func (e *Entry[P]) isPacket() bool { return e.Message == nil }

func (e *Entry[P]) isInbound() bool {
	return e.Message != nil && e.Message.Direction == Inbound
}

func (e *Entry[P]) awaitsResponse() bool {
	return e.Message == nil && (e.Packet.ResponseRequested() || e.ForceResend)
}

func (e *Entry[P]) String() string {
	if e.Message != nil {
		dir := "in"
		if e.Message.Direction == Outbound {
			dir = "out"
		}
		return fmt.Sprintf("message %q (%s)", e.Message.Name, dir)
	}
	return fmt.Sprintf("packet %v", e.Packet)
}

// Sequence is a queue waiting in another queue's pending chain. Once
// the active entries of that queue are done, the sequence's entries are
// spliced in and its type, retries and callback take over.
type Sequence[P Packet] struct {
	Type     Type
	Entries  []*Entry[P]
	Callback func()
	// Retries overrides Options.Retries when non-zero.
	Retries int
}

func NewSequence[P Packet](typ Type) *Sequence[P] {
	return &Sequence[P]{Type: typ}
}

func (s *Sequence[P]) Push(pkt P, stealthy, forceResend bool) *Sequence[P] {
	s.Entries = append(s.Entries, &Entry[P]{
		Packet:      pkt,
		Stealthy:    stealthy,
		ForceResend: forceResend,
	})
	return s
}

func (s *Sequence[P]) PushMessage(msg *Message[P]) *Sequence[P] {
	s.Entries = append(s.Entries, &Entry[P]{Message: msg})
	return s
}

func (s *Sequence[P]) Len() int { return len(s.Entries) }
