// Package packetmanager remembers the most recently sent or received
// packet per bus address.
//
// The central consults it to decide whether an incoming packet answers
// something just sent, and queues use KeepAlive to postpone resends
// while a multi-packet response is still arriving.
package packetmanager

import (
	"sync"
	"time"
)

const (
	DefaultSweepInterval = 500 * time.Millisecond
	DefaultMaxAge        = 30 * time.Second
)

// Info is the stored state for one address.
type Info[P any] struct {
	Packet P
	Time   time.Time
	ID     uint32
}

type Options struct {
	// SweepInterval is how often expired entries are removed.
	SweepInterval time.Duration
	// MaxAge is how long an entry survives without Set or KeepAlive.
	MaxAge time.Duration
	// Now is used instead of time.Now if non-nil (tests).
	Now func() time.Time
}

// Manager keeps the newest packet per address. The zero value is not
// usable, call New.
type Manager[P any] struct {
	opts Options

	mu      sync.Mutex
	packets map[int32]*Info[P]
	id      uint32

	done     chan struct{}
	disposed sync.Once
}

func New[P any](opts Options) *Manager[P] {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager[P]{
		opts:    opts,
		packets: make(map[int32]*Info[P]),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *Manager[P]) sweep() {
	t := time.NewTicker(m.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.expire()
		}
	}
}

func (m *Manager[P]) expire() {
	deadline := m.opts.Now().Add(-m.opts.MaxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, info := range m.packets {
		if info.Time.Before(deadline) {
			delete(m.packets, addr)
		}
	}
}

// Set replaces the packet stored for addr and stamps it with the
// current time.
func (m *Manager[P]) Set(addr int32, pkt P) {
	m.SetAt(addr, pkt, m.opts.Now())
}

// SetAt is like Set with an explicit timestamp.
func (m *Manager[P]) SetAt(addr int32, pkt P, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id++
	m.packets[addr] = &Info[P]{Packet: pkt, Time: t, ID: m.id}
}

func (m *Manager[P]) Get(addr int32) (P, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.packets[addr]
	if !ok {
		var zero P
		return zero, false
	}
	return info.Packet, true
}

// Info returns a copy of the entry for addr.
func (m *Manager[P]) Info(addr int32) (Info[P], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.packets[addr]
	if !ok {
		return Info[P]{}, false
	}
	return *info, true
}

// KeepAlive refreshes the timestamp of addr without replacing the
// packet. It is a no-op for unknown addresses.
func (m *Manager[P]) KeepAlive(addr int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.packets[addr]; ok {
		info.Time = m.opts.Now()
	}
}

func (m *Manager[P]) Delete(addr int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.packets, addr)
}

// Len returns the number of stored entries.
func (m *Manager[P]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.packets)
}

// Dispose stops the sweep. Calling it more than once is fine.
func (m *Manager[P]) Dispose() {
	m.disposed.Do(func() { close(m.done) })
}
