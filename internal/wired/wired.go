// Package wired implements the central of a HomeMatic Wired (RS-485)
// bus: device discovery, configuration writes and their queues.
package wired

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/events"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/hmwired"
	"github.com/stapelberg/hmcentral/internal/packetmanager"
	"github.com/stapelberg/hmcentral/internal/peerstore"
	"github.com/stapelberg/hmcentral/internal/queue"
)

// Interface is a connection to the bus, typically an RS-485 adapter.
type Interface interface {
	ID() string
	SendPacket(*hmwired.Packet) error
}

type Config struct {
	// Address is the bus address of the central.
	Address uint32

	// ResponseSlot is how long a discovery response may take, polled
	// ResponseSlots times.
	ResponseSlot  time.Duration
	ResponseSlots int
	// DiscoveryProbeRetries is how often a silent branch is probed
	// before moving on.
	DiscoveryProbeRetries int
	// LockInterval separates the two bus lock (and unlock) broadcasts.
	LockInterval time.Duration

	// RequestTimeout and RequestRetries bound the round-trips asking a
	// device for its type, firmware and serial number.
	RequestTimeout time.Duration
	RequestRetries int

	Queue         queue.ManagerOptions
	PacketManager packetmanager.Options
}

func (c *Config) setDefaults() {
	if c.Address == 0 {
		c.Address = 0x00000001
	}
	if c.ResponseSlot == 0 {
		c.ResponseSlot = 2 * time.Millisecond
	}
	if c.ResponseSlots == 0 {
		c.ResponseSlots = 2
	}
	if c.DiscoveryProbeRetries == 0 {
		c.DiscoveryProbeRetries = 2
	}
	if c.LockInterval == 0 {
		c.LockInterval = 100 * time.Millisecond
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 300 * time.Millisecond
	}
	if c.RequestRetries == 0 {
		c.RequestRetries = 3
	}
}

type waiter struct {
	match func(*hmwired.Packet) bool
	ch    chan *hmwired.Packet
}

// Central manages the peers on one bus.
type Central struct {
	cfg   Config
	iface Interface
	store peerstore.Store
	sink  events.Sink
	types *hm.Registry

	queues   *queue.Manager[*hmwired.Packet]
	sent     *packetmanager.Manager[*hmwired.Packet]
	received *packetmanager.Manager[*hmwired.Packet]
	messages []message

	discoveryResponses chan struct{}
	search             sync.Mutex // one discovery at a time

	mu         sync.Mutex
	byAddr     map[uint32]*hm.Peer
	bySerial   map[string]*hm.Peer
	byID       map[uint64]*hm.Peer
	counters   map[uint32]byte // next sender counter
	rxCounters map[uint32]byte // last counter received per address
	waiters    []*waiter
	disposed   bool
}

func New(cfg Config, store peerstore.Store, sink events.Sink, types *hm.Registry, iface Interface) *Central {
	cfg.setDefaults()
	if sink == nil {
		sink = events.Nop{}
	}
	c := &Central{
		cfg:                cfg,
		iface:              iface,
		store:              store,
		sink:               sink,
		types:              types,
		sent:               packetmanager.New[*hmwired.Packet](cfg.PacketManager),
		received:           packetmanager.New[*hmwired.Packet](cfg.PacketManager),
		discoveryResponses: make(chan struct{}, 16),
		byAddr:             make(map[uint32]*hm.Peer),
		bySerial:           make(map[string]*hm.Peer),
		byID:               make(map[uint64]*hm.Peer),
		counters:           make(map[uint32]byte),
		rxCounters:         make(map[uint32]byte),
	}
	c.messages = registry()
	opts := cfg.Queue
	opts.Queue.OnExhausted = c.onExhausted
	c.queues = queue.NewManager[*hmwired.Packet](opts, c.sent)
	return c
}

func addrString(addr uint32) string {
	return fmt.Sprintf("%08X", addr)
}

// Load restores the peers from the store.
func (c *Central) Load(ctx context.Context) error {
	peers, err := peerstore.Load(ctx, c.store, hm.Wired, c.types)
	if err != nil {
		return fmt.Errorf("loading peers: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range peers {
		c.addPeerLocked(p)
	}
	peerCount.Set(float64(len(c.byAddr)))
	log.Printf("loaded %d HomeMatic Wired peers", len(peers))
	return nil
}

func (c *Central) addPeerLocked(p *hm.Peer) {
	c.byAddr[uint32(p.Address)] = p
	c.bySerial[p.Serial] = p
	if id := p.ID(); id != 0 {
		c.byID[id] = p
	}
}

// Dispose stops all queues.
func (c *Central) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	c.queues.Dispose()
	c.sent.Dispose()
	c.received.Dispose()
}

func (c *Central) Address() uint32 { return c.cfg.Address }

func (c *Central) Peer(serial string) (*hm.Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.bySerial[serial]
	return p, ok
}

func (c *Central) PeerByID(id uint64) (*hm.Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byID[id]
	return p, ok
}

func (c *Central) PeerByAddress(addr uint32) (*hm.Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byAddr[addr]
	return p, ok
}

// Peers returns all peers ordered by id.
func (c *Central) Peers() []*hm.Peer {
	c.mu.Lock()
	peers := make([]*hm.Peer, 0, len(c.bySerial))
	for _, p := range c.bySerial {
		peers = append(peers, p)
	}
	c.mu.Unlock()
	sortPeers(peers)
	return peers
}

func device(p *hm.Peer) events.Device {
	return events.Device{
		ID:       p.ID(),
		Family:   string(p.Family),
		Address:  addrString(uint32(p.Address)),
		Serial:   p.Serial,
		TypeID:   p.TypeID,
		TypeName: p.TypeName(),
		Firmware: p.FirmwareString(),
	}
}

func (c *Central) serviceMessage(p *hm.Peer, name string, value bool) {
	c.sink.ServiceMessage(events.ServiceMessage{
		Serial: p.Serial,
		Name:   name,
		Value:  value,
		Time:   time.Now(),
	})
}

// nextCounter returns the sender counter for the next I-message to
// addr.
func (c *Central) nextCounter(addr uint32) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counters[addr]
	c.counters[addr] = (n + 1) & 0x03
	return n
}

func (c *Central) newIMessage(addr uint32, payload []byte) *hmwired.Packet {
	counter := c.nextCounter(addr)
	c.mu.Lock()
	rc := c.rxCounters[addr]
	c.mu.Unlock()
	return hmwired.NewIMessage(c.cfg.Address, addr, counter, rc, false, payload)
}

func (c *Central) onExhausted(addr int32, queueID uint32) {
	log.WithField("address", addrString(uint32(addr))).Warn("device did not respond")
	if p, ok := c.PeerByAddress(uint32(addr)); ok {
		if p.SetUnreach(true) {
			peerstore.SaveVariable(context.Background(), c.store, p, peerstore.VarUnreach)
			c.serviceMessage(p, "UNREACH", true)
		}
	}
	c.queues.ResetQueue(addr, queueID)
}

// OnPacketReceived is called by the interface for every frame.
func (c *Central) OnPacketReceived(ifaceID string, pkt *hmwired.Packet) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered from panic handling %v: %v", pkt, r)
		}
	}()

	msg := c.find(pkt)
	name := "unknown"
	if msg != nil {
		name = msg.name
	}
	packetsReceived.WithLabelValues(name).Inc()

	if pkt.Kind == hmwired.KindDiscoveryResponse {
		select {
		case c.discoveryResponses <- struct{}{}:
		default:
		}
		return
	}
	if pkt.Kind != hmwired.KindFrame || pkt.Dest != c.cfg.Address || !pkt.HasSource() {
		return
	}

	src := pkt.Source
	if !pkt.IsAck() {
		c.mu.Lock()
		c.rxCounters[src] = pkt.SenderCounter()
		c.mu.Unlock()
	}
	if p, ok := c.PeerByAddress(src); ok {
		lastContact.WithLabelValues(addrString(src), p.Serial).Set(float64(pkt.Time.Unix()))
		if p.SetUnreach(false) {
			peerstore.SaveVariable(context.Background(), c.store, p, peerstore.VarUnreach)
			c.serviceMessage(p, "UNREACH", false)
		}
	}
	c.received.Set(int32(src), pkt)

	if c.deliverToWaiter(pkt) {
		return
	}
	if msg != nil && msg.handle != nil {
		msg.handle(c, ifaceID, pkt)
	}
	if q := c.queues.Get(int32(src)); q != nil {
		q.Receive(pkt)
	}
}

func (c *Central) addWaiter(match func(*hmwired.Packet) bool) *waiter {
	w := &waiter{match: match, ch: make(chan *hmwired.Packet, 1)}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters = append(c.waiters, w)
	return w
}

func (c *Central) removeWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.waiters {
		if existing == w {
			c.waiters = append(c.waiters[:i:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Central) deliverToWaiter(pkt *hmwired.Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.waiters {
		if !w.match(pkt) {
			continue
		}
		select {
		case w.ch <- pkt:
		default:
		}
		return true
	}
	return false
}

func (c *Central) ack(pkt *hmwired.Packet) {
	if err := c.iface.SendPacket(hmwired.NewAck(c.cfg.Address, pkt.Source, pkt.SenderCounter())); err != nil {
		log.Printf("sending ACK: %v", err)
	}
}

// request sends payload to addr and returns the response I-message,
// which is acknowledged.
func (c *Central) request(ctx context.Context, addr uint32, payload []byte) (*hmwired.Packet, error) {
	w := c.addWaiter(func(pkt *hmwired.Packet) bool {
		return pkt.Source == addr && !pkt.IsAck() && len(pkt.Payload) > 0
	})
	defer c.removeWaiter(w)
	for attempt := 0; attempt < c.cfg.RequestRetries; attempt++ {
		if err := c.iface.SendPacket(c.newIMessage(addr, payload)); err != nil {
			return nil, err
		}
		t := time.NewTimer(c.cfg.RequestTimeout)
		select {
		case pkt := <-w.ch:
			t.Stop()
			c.ack(pkt)
			return pkt, nil
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("no response from %s to %q after %d attempts", addrString(addr), payload[0], c.cfg.RequestRetries)
}
