// Package queue implements per-address packet queues with resends,
// pending sequences and an idle queue reclaimer.
//
// Every queue owns one executor goroutine. Sends, resend checks and
// deferred pops are posted to it as tasks, timers only post tasks.
// A task which became irrelevant (the entry it was scheduled for was
// popped) notices that the queue's generation changed and does nothing.
package queue

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultResendSettle    = 200 * time.Millisecond
	DefaultResendWait      = 400 * time.Millisecond
	DefaultResendWaitBurst = 700 * time.Millisecond

	// DefaultRetries results in three transmissions all together.
	DefaultRetries = 4
)

type Options struct {
	// ResendSettle is waited before every resend.
	ResendSettle time.Duration
	// ResendWait is waited in addition to ResendSettle, ResendWaitBurst
	// replaces it for burst packets.
	ResendWait      time.Duration
	ResendWaitBurst time.Duration
	// ResendJitter adds a random delay in [0, ResendJitter) to each
	// resend wait. Zero disables jitter.
	ResendJitter time.Duration

	// Retries allows Retries-2 resends, i.e. Retries-1 transmissions.
	Retries int

	// OnExhausted is called (outside of any queue lock) when a packet
	// was sent Retries-1 times without being answered.
	OnExhausted func(addr int32, queueID uint32)
}

func (o *Options) setDefaults() {
	if o.ResendSettle == 0 {
		o.ResendSettle = DefaultResendSettle
	}
	if o.ResendWait == 0 {
		o.ResendWait = DefaultResendWait
	}
	if o.ResendWaitBurst == 0 {
		o.ResendWaitBurst = DefaultResendWaitBurst
	}
	if o.Retries == 0 {
		o.Retries = DefaultRetries
	}
}

var lastID atomic.Uint32

// Queue is an ordered list of entries for one bus address. At most one
// entry is in flight, i.e. sent and waiting for its response.
type Queue[P Packet] struct {
	id     uint32
	addr   int32
	sender Sender[P]
	sent   Recorder[P]
	opts   Options

	mu          sync.Mutex
	typ         Type
	entries     []*Entry[P]
	pending     []*Sequence[P]
	callback    func()
	retries     int
	noSending   bool
	lastAction  time.Time
	keptAlive   time.Time
	sentAt      time.Time
	inFlight    *Entry[P]
	resendCount int
	gen         uint64
	resendTimer *time.Timer
	popTimer    *time.Timer
	disposed    bool

	tasksMu sync.Mutex
	tasks   []func()
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New returns a queue sending through sender. sent may be nil; if not,
// every non-stealthy packet is recorded there after sending.
func New[P Packet](sender Sender[P], typ Type, addr int32, opts Options, sent Recorder[P]) *Queue[P] {
	opts.setDefaults()
	q := &Queue[P]{
		id:         lastID.Add(1),
		addr:       addr,
		sender:     sender,
		sent:       sent,
		opts:       opts,
		typ:        typ,
		retries:    opts.Retries,
		lastAction: time.Now(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue[P]) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"address": fmt.Sprintf("0x%X", q.addr),
		"queue":   q.id,
	})
}

func (q *Queue[P]) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fmt.Sprintf("[queue %d: 0x%X %v, %d entries, %d pending]",
		q.id, q.addr, q.typ, len(q.entries), len(q.pending))
}

// executor

func (q *Queue[P]) post(task func()) {
	q.tasksMu.Lock()
	q.tasks = append(q.tasks, task)
	q.tasksMu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[P]) nextTask() func() {
	q.tasksMu.Lock()
	defer q.tasksMu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	task := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return task
}

func (q *Queue[P]) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for task := q.nextTask(); task != nil; task = q.nextTask() {
			select {
			case <-q.done:
				return
			default:
			}
			q.safely(task)
		}
	}
}

func (q *Queue[P]) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger().Errorf("recovered from panic in queue task: %v", r)
		}
	}()
	fn()
}

// entry list helpers, all called with q.mu held

// currentLocked returns the entry being sent or waited for.
func (q *Queue[P]) currentLocked() *Entry[P] {
	if q.inFlight != nil {
		return q.inFlight
	}
	if len(q.entries) > 0 {
		return q.entries[0]
	}
	return nil
}

func (q *Queue[P]) removeLocked(e *Entry[P]) bool {
	for i, entry := range q.entries {
		if entry != e {
			continue
		}
		copy(q.entries[i:], q.entries[i+1:])
		q.entries[len(q.entries)-1] = nil
		q.entries = q.entries[:len(q.entries)-1]
		return true
	}
	return false
}

// cancelLocked invalidates all scheduled tasks of the current entry.
func (q *Queue[P]) cancelLocked() {
	q.gen++
	if q.resendTimer != nil {
		q.resendTimer.Stop()
		q.resendTimer = nil
	}
	if q.popTimer != nil {
		q.popTimer.Stop()
		q.popTimer = nil
	}
	q.inFlight = nil
	q.resendCount = 0
}

func (q *Queue[P]) idleLocked() bool {
	if q.inFlight != nil {
		return false
	}
	return len(q.entries) == 0 ||
		(len(q.entries) == 1 && q.entries[0].isInbound())
}

// sending

// transmit sends e, which must have been marked in flight in
// generation gen, and either arms the resend timer or pops e if no
// response will come.
func (q *Queue[P]) transmit(e *Entry[P], gen uint64) {
	q.mu.Lock()
	if q.disposed || q.gen != gen || q.inFlight != e {
		q.mu.Unlock()
		return
	}
	typ := q.typ
	q.mu.Unlock()

	q.send(e, typ)

	q.mu.Lock()
	now := time.Now()
	q.sentAt = now
	q.lastAction = now
	if q.disposed || q.gen != gen || q.inFlight != e {
		q.mu.Unlock()
		return
	}
	if e.awaitsResponse() {
		q.armResendLocked(e, q.resendDelay(e))
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	q.pop(e)
}

func (q *Queue[P]) send(e *Entry[P], typ Type) {
	// Recorded first: the answer can arrive before SendPacket returns.
	if !e.Stealthy && q.sent != nil {
		q.sent.Set(q.addr, e.Packet)
	}
	if err := q.sender.SendPacket(e.Packet); err != nil {
		q.logger().Printf("sending %v: %v", e.Packet, err)
	}
	packetsSent.WithLabelValues(typ.String()).Inc()
}

func (q *Queue[P]) resendDelay(e *Entry[P]) time.Duration {
	wait := q.opts.ResendWait
	if b, ok := any(e.Packet).(burster); ok && b.IsBurst() {
		wait = q.opts.ResendWaitBurst
	}
	if q.opts.ResendJitter > 0 {
		wait += time.Duration(rand.Int63n(int64(q.opts.ResendJitter)))
	}
	return q.opts.ResendSettle + wait
}

func (q *Queue[P]) armResendLocked(e *Entry[P], d time.Duration) {
	if q.resendTimer != nil {
		q.resendTimer.Stop()
	}
	gen := q.gen
	q.resendTimer = time.AfterFunc(d, func() {
		q.post(func() { q.resend(e, gen) })
	})
}

func (q *Queue[P]) resend(e *Entry[P], gen uint64) {
	q.mu.Lock()
	if q.disposed || q.gen != gen || q.inFlight != e {
		q.mu.Unlock()
		return
	}
	if q.keptAlive.After(q.sentAt) {
		// A response is still arriving, wait a full interval after the
		// last part of it.
		remaining := q.resendDelay(e) - time.Since(q.keptAlive)
		if remaining > 0 {
			q.armResendLocked(e, remaining)
			q.mu.Unlock()
			return
		}
	}
	if q.resendCount >= q.retries-2 {
		q.resendTimer = nil
		q.mu.Unlock()
		exhausted.Inc()
		q.logger().Printf("no response to %v, giving up", e)
		if q.opts.OnExhausted != nil {
			q.opts.OnExhausted(q.addr, q.id)
		}
		return
	}
	q.resendCount++
	typ := q.typ
	q.mu.Unlock()

	resends.WithLabelValues(typ.String()).Inc()
	q.transmit(e, gen)
}

// nextQueueEntry processes the entry at the front: packets are sent,
// outbound messages run their handler, inbound messages are waited for.
func (q *Queue[P]) nextQueueEntry() {
	q.mu.Lock()
	if q.disposed || len(q.entries) == 0 || q.inFlight != nil || q.noSending {
		q.mu.Unlock()
		return
	}
	e := q.entries[0]
	switch {
	case e.isPacket():
		q.inFlight = e
		gen := q.gen
		q.mu.Unlock()
		q.transmit(e, gen)

	case e.isInbound():
		q.mu.Unlock()

	default:
		q.mu.Unlock()
		if h := e.Message.Handler; h != nil {
			var zero P
			q.safely(func() { h(zero) })
		}
		q.pop(e)
	}
}

// pushing

// Push appends a packet. If the queue is idle, the packet is sent right
// away, otherwise it is sent once it reaches the front.
func (q *Queue[P]) Push(pkt P, stealthy, forceResend bool) {
	q.push(&Entry[P]{
		Packet:      pkt,
		Stealthy:    stealthy,
		ForceResend: forceResend,
	})
}

func (q *Queue[P]) PushMessage(msg *Message[P]) {
	q.push(&Entry[P]{Message: msg})
}

func (q *Queue[P]) push(e *Entry[P]) {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		q.logger().Printf("dropping %v, queue is disposed", e)
		return
	}
	idle := q.idleLocked()
	q.entries = append(q.entries, e)
	q.lastAction = time.Now()
	if !idle || q.noSending {
		q.mu.Unlock()
		return
	}
	if len(q.entries) == 1 {
		q.mu.Unlock()
		q.post(q.nextQueueEntry)
		return
	}
	if !e.isPacket() {
		q.mu.Unlock()
		return
	}
	// The front entry is an inbound placeholder, which does not keep
	// us from sending.
	q.inFlight = e
	gen := q.gen
	q.mu.Unlock()
	q.post(func() { q.transmit(e, gen) })
}

// PushFront sends pkt before everything else.
//
// With popBeforePushing, the current entry is removed first. With
// expectResponse, pkt becomes the new front entry and is resent until
// answered. Otherwise pkt is sent once without being stored and the
// queue keeps waiting for the response to its current entry, which is
// how chunks of a multi-packet response are acknowledged.
func (q *Queue[P]) PushFront(pkt P, stealthy, popBeforePushing, expectResponse bool) {
	e := &Entry[P]{Packet: pkt, Stealthy: stealthy}
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	q.lastAction = now
	q.keptAlive = now
	popped := false
	if popBeforePushing {
		if cur := q.currentLocked(); cur != nil {
			q.removeLocked(cur)
			q.cancelLocked()
			popped = true
		}
	}
	if expectResponse {
		q.cancelLocked()
		q.entries = append([]*Entry[P]{e}, q.entries...)
		q.inFlight = e
		gen := q.gen
		q.mu.Unlock()
		q.post(func() { q.transmit(e, gen) })
		return
	}
	typ := q.typ
	q.mu.Unlock()
	q.post(func() {
		q.mu.Lock()
		disposed := q.disposed
		q.mu.Unlock()
		if disposed {
			return
		}
		q.send(e, typ)
		if popped {
			q.advance()
		}
	})
}

// PushPendingQueue appends seq to the pending chain. If the queue has
// no active entries, seq is spliced in immediately.
func (q *Queue[P]) PushPendingQueue(seq *Sequence[P]) {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, seq)
	q.lastAction = time.Now()
	q.mu.Unlock()
	q.pushPendingQueue()
}

func (q *Queue[P]) pushPendingQueue() {
	for {
		q.mu.Lock()
		if q.disposed || len(q.entries) > 0 || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		seq := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		if seq.Type != Empty {
			q.typ = seq.Type
		}
		q.retries = q.opts.Retries
		if seq.Retries > 0 {
			q.retries = seq.Retries
		}
		q.callback = seq.Callback
		q.entries = append(q.entries, seq.Entries...)
		q.lastAction = time.Now()
		if len(q.entries) > 0 {
			q.mu.Unlock()
			q.post(q.nextQueueEntry)
			return
		}
		cb := q.callback
		q.callback = nil
		q.mu.Unlock()
		if cb != nil {
			cb()
		}
	}
}

// popping

// Pop removes the current entry and continues with the next one. When
// the queue becomes empty, the callback runs and the next pending
// sequence is spliced in.
func (q *Queue[P]) Pop() {
	q.pop(nil)
}

// pop removes the current entry if it is want (or any entry if want is
// nil).
func (q *Queue[P]) pop(want *Entry[P]) {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	cur := q.currentLocked()
	if cur == nil || (want != nil && cur != want) {
		q.mu.Unlock()
		return
	}
	q.removeLocked(cur)
	q.cancelLocked()
	q.lastAction = time.Now()
	q.mu.Unlock()
	q.advance()
}

func (q *Queue[P]) advance() {
	q.mu.Lock()
	if len(q.entries) > 0 {
		q.mu.Unlock()
		q.post(q.nextQueueEntry)
		return
	}
	cb := q.callback
	q.callback = nil
	q.mu.Unlock()
	if cb != nil {
		cb()
	}
	q.pushPendingQueue()
}

// PopWait pops the current entry after d unless it was popped or
// replaced in the meantime. Resends of the current entry stop.
func (q *Queue[P]) PopWait(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur := q.currentLocked()
	if q.disposed || cur == nil {
		return
	}
	if q.resendTimer != nil {
		q.resendTimer.Stop()
		q.resendTimer = nil
	}
	if q.popTimer != nil {
		q.popTimer.Stop()
	}
	q.gen++
	gen := q.gen
	q.popTimer = time.AfterFunc(d, func() {
		q.post(func() {
			q.mu.Lock()
			stale := q.gen != gen
			q.mu.Unlock()
			if !stale {
				q.pop(cur)
			}
		})
	})
}

// Receive offers pkt to an inbound message at the front of the queue.
// It returns true if the message matched, in which case its handler was
// called and the message popped.
func (q *Queue[P]) Receive(pkt P) bool {
	q.mu.Lock()
	if q.disposed || len(q.entries) == 0 || !q.entries[0].isInbound() {
		q.mu.Unlock()
		return false
	}
	e := q.entries[0]
	q.mu.Unlock()

	if match := e.Message.Match; match != nil && !match(pkt) {
		return false
	}
	if h := e.Message.Handler; h != nil {
		q.safely(func() { h(pkt) })
	}

	q.mu.Lock()
	if q.disposed || !q.removeLocked(e) {
		q.mu.Unlock()
		return true
	}
	q.lastAction = time.Now()
	q.mu.Unlock()
	q.advance()
	return true
}

// Clear drops all entries and the pending chain without running the
// callback.
func (q *Queue[P]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelLocked()
	q.entries = nil
	q.pending = nil
	q.callback = nil
}

// Dispose stops the executor. The executor is not waited for; tasks
// which are already running complete, later ones are dropped.
func (q *Queue[P]) Dispose() {
	q.once.Do(func() {
		q.mu.Lock()
		q.disposed = true
		q.cancelLocked()
		q.entries = nil
		q.pending = nil
		q.callback = nil
		q.mu.Unlock()
		close(q.done)
	})
}

// accessors

func (q *Queue[P]) ID() uint32 { return q.id }

func (q *Queue[P]) Address() int32 { return q.addr }

func (q *Queue[P]) Sender() Sender[P] { return q.sender }

func (q *Queue[P]) Type() Type {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.typ
}

func (q *Queue[P]) SetType(typ Type) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.typ = typ
}

// SetCallback sets the function called when the active entries are done.
func (q *Queue[P]) SetCallback(cb func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callback = cb
}

// SetNoSending holds back all sending while on. Switching it off sends
// the front entry.
func (q *Queue[P]) SetNoSending(on bool) {
	q.mu.Lock()
	q.noSending = on
	q.mu.Unlock()
	if !on {
		q.post(q.nextQueueEntry)
	}
}

func (q *Queue[P]) Retries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retries
}

func (q *Queue[P]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) == 0
}

func (q *Queue[P]) PendingQueuesEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0
}

// Idle reports whether the queue has neither entries nor pending
// sequences.
func (q *Queue[P]) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) == 0 && len(q.pending) == 0
}

func (q *Queue[P]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Front returns the first entry.
func (q *Queue[P]) Front() (*Entry[P], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false
	}
	return q.entries[0], true
}

// Current returns the entry which is in flight, or the front entry.
func (q *Queue[P]) Current() (*Entry[P], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur := q.currentLocked()
	return cur, cur != nil
}

// InFlight reports whether a sent packet is waiting for its response.
func (q *Queue[P]) InFlight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight != nil
}

// KeepAlive postpones resends and idle reclamation.
func (q *Queue[P]) KeepAlive() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	q.lastAction = now
	q.keptAlive = now
}

func (q *Queue[P]) LastAction() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastAction
}
