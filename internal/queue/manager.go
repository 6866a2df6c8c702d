package queue

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultCleanupInterval = 1 * time.Second

	// Pairing and config transfers involve devices which answer slowly
	// (wake-on-radio, burst), keep their queues around for longer.
	DefaultLongIdleTimeout  = 20 * time.Second
	DefaultShortIdleTimeout = 5 * time.Second
)

type ManagerOptions struct {
	Queue Options

	CleanupInterval  time.Duration
	LongIdleTimeout  time.Duration // Pairing and Config queues
	ShortIdleTimeout time.Duration // all other queues
}

// Manager owns one queue per bus address.
type Manager[P Packet] struct {
	opts ManagerOptions
	sent Recorder[P]

	mu       sync.Mutex
	queues   map[int32]*Queue[P]
	disposed bool

	done chan struct{}
	once sync.Once
}

// NewManager starts a manager and its idle queue reclaimer. sent is
// passed to every queue (see New).
func NewManager[P Packet](opts ManagerOptions, sent Recorder[P]) *Manager[P] {
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.LongIdleTimeout <= 0 {
		opts.LongIdleTimeout = DefaultLongIdleTimeout
	}
	if opts.ShortIdleTimeout <= 0 {
		opts.ShortIdleTimeout = DefaultShortIdleTimeout
	}
	m := &Manager[P]{
		opts:   opts,
		sent:   sent,
		queues: make(map[int32]*Queue[P]),
		done:   make(chan struct{}),
	}
	go m.worker()
	return m
}

func (m *Manager[P]) idleTimeout(typ Type) time.Duration {
	if typ == Pairing || typ == Config {
		return m.opts.LongIdleTimeout
	}
	return m.opts.ShortIdleTimeout
}

func (m *Manager[P]) worker() {
	t := time.NewTicker(m.opts.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.cleanup()
		}
	}
}

func (m *Manager[P]) cleanup() {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered from panic in queue cleanup: %v", r)
		}
	}()

	var expired []*Queue[P]
	m.mu.Lock()
	for addr, q := range m.queues {
		if time.Since(q.LastAction()) < m.idleTimeout(q.Type()) || !q.Idle() {
			continue
		}
		delete(m.queues, addr)
		expired = append(expired, q)
	}
	m.mu.Unlock()
	queueCount.Sub(float64(len(expired)))

	for _, q := range expired {
		q.Dispose()
	}
}

// Get returns the queue for addr or nil. It never creates one.
func (m *Manager[P]) Get(addr int32) *Queue[P] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[addr]
}

// CreateQueue returns the queue for addr, creating it if necessary. An
// idle queue of a different type is replaced by a new one.
func (m *Manager[P]) CreateQueue(sender Sender[P], typ Type, addr int32) (*Queue[P], error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, ErrDisposed
	}
	var replaced *Queue[P]
	if q, ok := m.queues[addr]; ok {
		if q.Type() == typ || !q.Idle() {
			m.mu.Unlock()
			return q, nil
		}
		replaced = q
	}
	q := New(sender, typ, addr, m.opts.Queue, m.sent)
	m.queues[addr] = q
	m.mu.Unlock()

	if replaced != nil {
		replaced.Dispose()
	} else {
		queueCount.Inc()
	}
	return q, nil
}

// ResetQueue removes the queue for addr if it still is the queue with
// the given id.
func (m *Manager[P]) ResetQueue(addr int32, id uint32) {
	m.mu.Lock()
	q, ok := m.queues[addr]
	if !ok || q.ID() != id {
		m.mu.Unlock()
		return
	}
	delete(m.queues, addr)
	m.mu.Unlock()
	queueCount.Dec()
	q.Dispose()
}

func (m *Manager[P]) Remove(addr int32) {
	m.mu.Lock()
	q, ok := m.queues[addr]
	delete(m.queues, addr)
	m.mu.Unlock()
	if ok {
		queueCount.Dec()
		q.Dispose()
	}
}

// Queues returns all queues ordered by address.
func (m *Manager[P]) Queues() []*Queue[P] {
	m.mu.Lock()
	defer m.mu.Unlock()
	queues := make([]*Queue[P], 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	sort.Slice(queues, func(i, j int) bool {
		return queues[i].Address() < queues[j].Address()
	})
	return queues
}

// Dispose stops the reclaimer and disposes all queues.
func (m *Manager[P]) Dispose() {
	m.once.Do(func() {
		close(m.done)
		m.mu.Lock()
		m.disposed = true
		queues := m.queues
		m.queues = make(map[int32]*Queue[P])
		m.mu.Unlock()
		queueCount.Sub(float64(len(queues)))
		for _, q := range queues {
			q.Dispose()
		}
	})
}
