// Package central implements the BidCoS central: it pairs devices,
// transfers their configuration through per-address queues and keeps
// the peer tables.
package central

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/events"
	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/packetmanager"
	"github.com/stapelberg/hmcentral/internal/peerstore"
	"github.com/stapelberg/hmcentral/internal/queue"
)

const (
	DefaultInstallModeDuration  = 60 * time.Second
	DefaultFirmwareBlockRetries = 10
	DefaultFirmwareAckTimeout   = 1 * time.Second
	DefaultBootloaderTimeout    = 60 * time.Second
	DefaultLinkWait             = 100 * time.Millisecond
	DefaultLinkWaitAttempts     = 20
)

type Config struct {
	// Address is the BidCoS address of the central.
	Address [3]byte

	InstallModeDuration time.Duration

	FirmwareDir          string
	FirmwareBlockRetries int
	// FirmwareAckTimeout is how long to wait for the ACK of a firmware
	// block or of the enter-bootloader request.
	FirmwareAckTimeout time.Duration
	// BootloaderTimeout is how long to wait for the device to announce
	// its bootloader. Wake-on-radio devices can take a while.
	BootloaderTimeout time.Duration

	// AddLink waits up to LinkWaitAttempts*LinkWait for the sender's
	// queue to drain before configuring the receiver.
	LinkWait         time.Duration
	LinkWaitAttempts int

	Queue         queue.ManagerOptions
	PacketManager packetmanager.Options
}

func (c *Config) setDefaults() {
	if c.InstallModeDuration == 0 {
		c.InstallModeDuration = DefaultInstallModeDuration
	}
	if c.FirmwareBlockRetries == 0 {
		c.FirmwareBlockRetries = DefaultFirmwareBlockRetries
	}
	if c.FirmwareAckTimeout == 0 {
		c.FirmwareAckTimeout = DefaultFirmwareAckTimeout
	}
	if c.BootloaderTimeout == 0 {
		c.BootloaderTimeout = DefaultBootloaderTimeout
	}
	if c.LinkWait == 0 {
		c.LinkWait = DefaultLinkWait
	}
	if c.LinkWaitAttempts == 0 {
		c.LinkWaitAttempts = DefaultLinkWaitAttempts
	}
}

// peerAdder is implemented by interfaces which need to know the peers
// they talk to (the HM-MOD-RPI-PCB does).
type peerAdder interface {
	AddPeer(addr []byte, channels int) error
}

// waiter receives packets during a firmware update, bypassing the
// regular message handling.
type waiter struct {
	match func(*bidcos.Packet) bool
	ch    chan *bidcos.Packet
}

type Central struct {
	cfg     Config
	store   peerstore.Store
	sink    events.Sink
	types   *hm.Registry
	builder *hm.Builder

	queues   *queue.Manager[*bidcos.Packet]
	sent     *packetmanager.Manager[*bidcos.Packet]
	received *packetmanager.Manager[*bidcos.Packet]
	messages []message

	mu           sync.Mutex
	ifaces       map[string]bidcos.Interface
	defaultIface string
	byAddr       map[int32]*hm.Peer
	bySerial     map[string]*hm.Peer
	byID         map[uint64]*hm.Peer
	candidates   map[int32]*hm.Peer
	peerLists    map[int32][]hm.Link
	counters     map[int32]byte
	telemetry    map[int32]map[string]Telemetry
	installUntil time.Time
	waiters      []*waiter
	disposed     bool
}

// New returns a central talking through ifaces. The first interface is
// used for peers which are not bound to one.
func New(cfg Config, store peerstore.Store, sink events.Sink, types *hm.Registry, ifaces ...bidcos.Interface) *Central {
	cfg.setDefaults()
	if sink == nil {
		sink = events.Nop{}
	}
	c := &Central{
		cfg:        cfg,
		store:      store,
		sink:       sink,
		types:      types,
		sent:       packetmanager.New[*bidcos.Packet](cfg.PacketManager),
		received:   packetmanager.New[*bidcos.Packet](cfg.PacketManager),
		ifaces:     make(map[string]bidcos.Interface),
		byAddr:     make(map[int32]*hm.Peer),
		bySerial:   make(map[string]*hm.Peer),
		byID:       make(map[uint64]*hm.Peer),
		candidates: make(map[int32]*hm.Peer),
		peerLists:  make(map[int32][]hm.Link),
		counters:   make(map[int32]byte),
		telemetry:  make(map[int32]map[string]Telemetry),
	}
	for _, iface := range ifaces {
		if c.defaultIface == "" {
			c.defaultIface = iface.ID()
		}
		c.ifaces[iface.ID()] = iface
	}
	c.builder = &hm.Builder{
		Central: cfg.Address,
		Count:   c.count,
	}
	c.messages = registry()

	opts := cfg.Queue
	opts.Queue.OnExhausted = c.onExhausted
	c.queues = queue.NewManager[*bidcos.Packet](opts, c.sent)
	return c
}

// Load restores the peers and message counters from the store.
func (c *Central) Load(ctx context.Context) error {
	peers, err := peerstore.Load(ctx, c.store, hm.BidCoS, c.types)
	if err != nil {
		return fmt.Errorf("loading peers: %w", err)
	}
	counters, err := peerstore.LoadCounters(ctx, c.store, hm.BidCoS)
	if err != nil {
		log.Printf("ignoring message counters: %v", err)
		counters = make(map[int32]byte)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = counters
	for _, p := range peers {
		c.addPeerLocked(p)
	}
	for _, p := range c.byAddr {
		if adder, ok := c.ifaces[c.ifaceIDLocked(p)].(peerAdder); ok {
			a := bidcos.IntAddr(p.Address)
			if err := adder.AddPeer(a[:], channelCount(p)); err != nil {
				log.Printf("%v: adding to interface: %v", p, err)
			}
		}
	}
	peerCount.Set(float64(len(c.byAddr)))
	log.Printf("loaded %d BidCoS peers", len(peers))
	return nil
}

// Dispose stops all queues and persists the message counters.
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
	c.saveCounters(context.Background())
}

func channelCount(p *hm.Peer) int {
	if p.Type == nil {
		return 1
	}
	n := 0
	for _, ch := range p.Type.Channels {
		if int(ch.Index) > n {
			n = int(ch.Index)
		}
	}
	return n
}

func (c *Central) addPeerLocked(p *hm.Peer) {
	if p.IsTeam() {
		c.bySerial[p.Serial] = p
		if id := p.ID(); id != 0 {
			c.byID[id] = p
		}
		return
	}
	c.byAddr[p.Address] = p
	c.bySerial[p.Serial] = p
	if id := p.ID(); id != 0 {
		c.byID[id] = p
	}
}

// count returns the next message counter for dest.
func (c *Central) count(dest [3]byte) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := bidcos.AddrInt(dest)
	c.counters[addr]++
	return c.counters[addr]
}

func (c *Central) saveCounters(ctx context.Context) {
	c.mu.Lock()
	counters := make(map[int32]byte, len(c.counters))
	for addr, cnt := range c.counters {
		counters[addr] = cnt
	}
	c.mu.Unlock()
	peerstore.SaveCounters(ctx, c.store, hm.BidCoS, counters)
}

// Address returns the address of the central.
func (c *Central) Address() [3]byte { return c.cfg.Address }

// Peer returns the peer (or team) with the given serial number.
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

func (c *Central) PeerByAddress(addr int32) (*hm.Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byAddr[addr]
	return p, ok
}

// Peers returns all peers and teams, ordered by id.
func (c *Central) Peers() []*hm.Peer {
	c.mu.Lock()
	peers := make([]*hm.Peer, 0, len(c.bySerial))
	for _, p := range c.bySerial {
		peers = append(peers, p)
	}
	c.mu.Unlock()
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].ID() != peers[j].ID() {
			return peers[i].ID() < peers[j].ID()
		}
		return peers[i].Serial < peers[j].Serial
	})
	return peers
}

// peerOrCandidate returns the paired peer at addr or the peer which is
// currently being paired.
func (c *Central) peerOrCandidate(addr int32) *hm.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byAddr[addr]; ok {
		return p
	}
	return c.candidates[addr]
}

func (c *Central) ifaceIDLocked(p *hm.Peer) string {
	if id := p.InterfaceID(); id != "" {
		if _, ok := c.ifaces[id]; ok {
			return id
		}
	}
	return c.defaultIface
}

// ifaceFor returns the interface p is reachable through.
func (c *Central) ifaceFor(p *hm.Peer) (bidcos.Interface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	iface, ok := c.ifaces[c.ifaceIDLocked(p)]
	if !ok {
		return nil, fmt.Errorf("%w %v", ErrInterfaceNotFound, p)
	}
	return iface, nil
}

// InstallMode reports whether unknown devices may pair.
func (c *Central) InstallMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.installUntil)
}

// SetInstallMode enables pairing for d, or the configured duration if d
// is 0.
func (c *Central) SetInstallMode(on bool, d time.Duration) {
	if d == 0 {
		d = c.cfg.InstallModeDuration
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.installUntil = time.Now().Add(d)
		log.Printf("pairing mode enabled for %v", d)
		return
	}
	c.installUntil = time.Time{}
	log.Printf("pairing mode disabled")
}

func device(p *hm.Peer) events.Device {
	return events.Device{
		ID:       p.ID(),
		Family:   string(p.Family),
		Address:  bidcos.AddrHex(p.Address),
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

// onExhausted is called by a queue whose packet went unanswered.
func (c *Central) onExhausted(addr int32, queueID uint32) {
	typ := queue.Default
	if q := c.queues.Get(addr); q != nil && q.ID() == queueID {
		typ = q.Type()
	}
	logger := log.WithFields(log.Fields{
		"address": bidcos.AddrHex(addr),
		"queue":   typ,
	})

	switch typ {
	case queue.Pairing:
		c.failPairing(addr)
		logger.Warn("pairing failed, device did not respond")
	case queue.Unpairing:
		logger.Warn("unpairing failed, device did not respond (use peers remove to force)")
	}

	if p, ok := c.PeerByAddress(addr); ok && (p.Type == nil || !p.Type.WakeOnRadio) {
		if p.SetUnreach(true) {
			peerstore.SaveVariable(context.Background(), c.store, p, peerstore.VarUnreach)
			c.serviceMessage(p, "UNREACH", true)
		}
	}
	c.queues.ResetQueue(addr, queueID)
}

// OnPacketReceived handles a packet received by the interface ifaceID.
// It is a bidcos.ReceiveFunc.
func (c *Central) OnPacketReceived(ifaceID string, pkt *bidcos.Packet) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered from panic handling %v: %v", pkt, r)
		}
	}()

	if c.deliverToWaiter(pkt) {
		return
	}
	if pkt.Dest != c.cfg.Address && !pkt.IsBroadcast() {
		return
	}

	src := pkt.SourceAddr()
	msg := c.find(queue.Inbound, pkt)
	name := "unknown"
	if msg != nil {
		name = msg.name
	}
	packetsReceived.WithLabelValues(name).Inc()

	if p, ok := c.PeerByAddress(src); ok {
		if id := p.InterfaceID(); id != "" && id != ifaceID {
			log.WithFields(log.Fields{
				"serial":    p.Serial,
				"interface": ifaceID,
			}).Debug("ignoring packet received through another interface")
			return
		}
		lastContact.WithLabelValues(bidcos.AddrHex(p.Address), p.Serial).Set(float64(pkt.Time.Unix()))
		if p.SetUnreach(false) {
			peerstore.SaveVariable(context.Background(), c.store, p, peerstore.VarUnreach)
			c.serviceMessage(p, "UNREACH", false)
		}
		if pkt.RSSI != 0 {
			c.sink.RSSI(p.Serial, -int(pkt.RSSI), pkt.Time)
		}
	}
	c.received.Set(src, pkt)

	if msg != nil && msg.handle != nil {
		msg.handle(c, ifaceID, pkt)
	} else {
		c.handleDeviceMessage(ifaceID, pkt)
	}

	if q := c.queues.Get(src); q != nil {
		q.Receive(pkt)
	}
}

func (c *Central) addWaiter(match func(*bidcos.Packet) bool) *waiter {
	w := &waiter{match: match, ch: make(chan *bidcos.Packet, 1)}
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

func (c *Central) deliverToWaiter(pkt *bidcos.Packet) bool {
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

// sendAck acknowledges pkt, through the queue of its sender if there is
// one so that the ACK does not overtake queued packets.
func (c *Central) sendAck(ifaceID string, pkt *bidcos.Packet) {
	ack := c.builder.Ack(pkt)
	if q := c.queues.Get(pkt.SourceAddr()); q != nil {
		q.PushFront(ack, true, false, false)
		return
	}
	c.mu.Lock()
	iface, ok := c.ifaces[ifaceID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := iface.SendPacket(ack); err != nil {
		log.Printf("sending ACK to %s: %v", bidcos.AddrHex(pkt.SourceAddr()), err)
	}
}
