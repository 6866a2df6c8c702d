package queue_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stapelberg/hmcentral/internal/queue"
)

type testPacket struct {
	name     string
	dest     int32
	response bool
}

func (p *testPacket) Destination() int32      { return p.dest }
func (p *testPacket) ResponseRequested() bool { return p.response }
func (p *testPacket) String() string          { return p.name }

func pkt(name string) *testPacket {
	return &testPacket{name: name, dest: 0x1a2b3c, response: true}
}

type testSender struct {
	sent chan *testPacket
}

func newTestSender() *testSender {
	return &testSender{sent: make(chan *testPacket, 100)}
}

func (s *testSender) SendPacket(p *testPacket) error {
	s.sent <- p
	return nil
}

func (s *testSender) expect(t *testing.T, name string) {
	t.Helper()
	select {
	case p := <-s.sent:
		if got, want := p.name, name; got != want {
			t.Fatalf("unexpected packet sent: got %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for packet %q to be sent", name)
	}
}

func (s *testSender) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case p := <-s.sent:
		t.Fatalf("unexpected packet sent: %q", p.name)
	case <-time.After(d):
	}
}

// slow resends keep them out of tests which are not about resending
var noResend = queue.Options{
	ResendSettle: time.Hour,
	ResendWait:   time.Hour,
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFIFO(t *testing.T) {
	s := newTestSender()
	q := queue.New[*testPacket](s, queue.Default, 0x1a2b3c, noResend, nil)
	defer q.Dispose()

	for i := 0; i < 5; i++ {
		q.Push(pkt(fmt.Sprintf("p%d", i)), false, false)
	}
	for i := 0; i < 5; i++ {
		s.expect(t, fmt.Sprintf("p%d", i))
		q.Pop()
	}
	if !q.IsEmpty() {
		t.Fatalf("queue not empty after popping all entries")
	}
}

func TestAtMostOneInFlight(t *testing.T) {
	s := newTestSender()
	q := queue.New[*testPacket](s, queue.Default, 0x1a2b3c, noResend, nil)
	defer q.Dispose()

	q.Push(pkt("a"), false, false)
	s.expect(t, "a")
	waitFor(t, "a in flight", q.InFlight)

	q.Push(pkt("b"), false, false)
	q.Push(pkt("c"), false, false)
	s.expectNothing(t, 50*time.Millisecond)
	if got, want := q.Len(), 3; got != want {
		t.Fatalf("unexpected queue length: got %d, want %d", got, want)
	}

	q.Pop()
	s.expect(t, "b")
	s.expectNothing(t, 20*time.Millisecond)
}

func TestResendBound(t *testing.T) {
	var exhaustedCalls atomic.Int32
	s := newTestSender()
	q := queue.New[*testPacket](s, queue.Config, 0x1a2b3c, queue.Options{
		ResendSettle: time.Millisecond,
		ResendWait:   5 * time.Millisecond,
		Retries:      4,
		OnExhausted: func(addr int32, id uint32) {
			if addr != 0x1a2b3c {
				t.Errorf("unexpected exhausted address: got %x, want %x", addr, 0x1a2b3c)
			}
			exhaustedCalls.Add(1)
		},
	}, nil)
	defer q.Dispose()

	q.Push(pkt("a"), false, false)
	s.expect(t, "a")
	s.expect(t, "a")
	s.expect(t, "a")
	s.expectNothing(t, 100*time.Millisecond)
	if got, want := exhaustedCalls.Load(), int32(1); got != want {
		t.Fatalf("unexpected number of OnExhausted calls: got %d, want %d", got, want)
	}
	// the queue keeps the unanswered entry
	if got, want := q.Len(), 1; got != want {
		t.Fatalf("unexpected queue length: got %d, want %d", got, want)
	}
}

func TestForceResend(t *testing.T) {
	s := newTestSender()
	q := queue.New[*testPacket](s, queue.Default, 0x1a2b3c, queue.Options{
		ResendSettle: time.Millisecond,
		ResendWait:   5 * time.Millisecond,
		Retries:      3,
	}, nil)
	defer q.Dispose()

	p := pkt("a")
	p.response = false
	q.Push(p, false, true)
	s.expect(t, "a")
	s.expect(t, "a")
	s.expectNothing(t, 50*time.Millisecond)
}

func TestNoResponseAdvances(t *testing.T) {
	s := newTestSender()
	q := queue.New[*testPacket](s, queue.Default, 0x1a2b3c, noResend, nil)
	defer q.Dispose()

	a := pkt("a")
	a.response = false
	q.Push(a, false, false)
	q.Push(pkt("b"), false, false)
	s.expect(t, "a")
	s.expect(t, "b")
	waitFor(t, "b in flight", q.InFlight)
	if got, want := q.Len(), 1; got != want {
		t.Fatalf("unexpected queue length: got %d, want %d", got, want)
	}
}

func TestConfigQueuePendingChain(t *testing.T) {
	m := queue.NewManager[*testPacket](queue.ManagerOptions{Queue: noResend}, nil)
	defer m.Dispose()

	s := newTestSender()
	q, err := m.CreateQueue(s, queue.Config, 0x1a2b3c)
	if err != nil {
		t.Fatal(err)
	}

	q.Push(pkt("A"), false, false)
	s.expect(t, "A")
	waitFor(t, "A in flight", q.InFlight)

	var called atomic.Bool
	seq := queue.NewSequence[*testPacket](queue.Peer).
		Push(pkt("B1"), false, false).
		Push(pkt("B2"), false, false)
	seq.Callback = func() { called.Store(true) }
	q.PushPendingQueue(seq)
	if q.PendingQueuesEmpty() {
		t.Fatalf("pending chain unexpectedly empty")
	}
	s.expectNothing(t, 20*time.Millisecond)

	// ACK for A
	q.Pop()
	s.expect(t, "B1")
	if !q.PendingQueuesEmpty() {
		t.Fatalf("pending chain not consumed")
	}
	if got, want := q.Type(), queue.Peer; got != want {
		t.Fatalf("unexpected queue type: got %v, want %v", got, want)
	}

	q.Pop()
	s.expect(t, "B2")
	if called.Load() {
		t.Fatalf("callback called before the sequence was done")
	}
	q.Pop()
	if !called.Load() {
		t.Fatalf("callback not called after the sequence was done")
	}
	if !q.Idle() {
		t.Fatalf("queue not idle")
	}
}

func TestCallbackOutsideLock(t *testing.T) {
	s := newTestSender()
	q := queue.New[*testPacket](s, queue.Default, 0x1a2b3c, noResend, nil)
	defer q.Dispose()

	done := make(chan struct{})
	q.SetCallback(func() {
		// would deadlock if the entry list mutex was held
		if !q.IsEmpty() {
			t.Errorf("queue not empty in callback")
		}
		q.Push(pkt("from-callback"), false, false)
		close(done)
	})
	q.Push(pkt("a"), false, false)
	s.expect(t, "a")
	q.Pop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not called")
	}
	s.expect(t, "from-callback")
}

func TestPushFrontKeepsRequest(t *testing.T) {
	s := newTestSender()
	q := queue.New[*testPacket](s, queue.Config, 0x1a2b3c, queue.Options{
		ResendSettle: 50 * time.Millisecond,
		ResendWait:   50 * time.Millisecond,
	}, nil)
	defer q.Dispose()

	q.Push(pkt("req"), false, false)
	q.Push(pkt("next"), false, false)
	s.expect(t, "req")

	// acknowledge response chunks while the request stays current
	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		ack := pkt("ack")
		ack.response = false
		q.PushFront(ack, true, false, false)
		s.expect(t, "ack")
	}
	front, ok := q.Front()
	if !ok || front.Packet.name != "req" {
		t.Fatalf("unexpected front entry: %v", front)
	}
	q.Pop()
	s.expect(t, "next")
}

func TestPushFrontExpectResponse(t *testing.T) {
	s := newTestSender()
	q := queue.New[*testPacket](s, queue.Default, 0x1a2b3c, noResend, nil)
	defer q.Dispose()

	q.Push(pkt("a"), false, false)
	s.expect(t, "a")
	q.PushFront(pkt("urgent"), false, true, true)
	s.expect(t, "urgent")
	if got, want := q.Len(), 1; got != want {
		t.Fatalf("unexpected queue length: got %d, want %d", got, want)
	}
	q.Pop()
	if !q.IsEmpty() {
		t.Fatalf("queue not empty")
	}
}

func TestInboundPlaceholder(t *testing.T) {
	s := newTestSender()
	q := queue.New[*testPacket](s, queue.Config, 0x1a2b3c, noResend, nil)
	defer q.Dispose()

	var woke atomic.Bool
	seq := queue.NewSequence[*testPacket](queue.Config).
		PushMessage(&queue.Message[*testPacket]{
			Direction: queue.Inbound,
			Name:      "wake up",
			Match:     func(p *testPacket) bool { return p.name == "wakeup" },
			Handler:   func(*testPacket) { woke.Store(true) },
		}).
		Push(pkt("config"), false, false)
	q.PushPendingQueue(seq)
	s.expectNothing(t, 30*time.Millisecond)

	if q.Receive(pkt("other")) {
		t.Fatalf("Receive matched a packet the message does not accept")
	}
	if !q.Receive(pkt("wakeup")) {
		t.Fatalf("Receive did not match")
	}
	if !woke.Load() {
		t.Fatalf("inbound handler not called")
	}
	s.expect(t, "config")
}

func TestOutboundMessage(t *testing.T) {
	s := newTestSender()
	q := queue.New[*testPacket](s, queue.Default, 0x1a2b3c, noResend, nil)
	defer q.Dispose()

	var ran sync.WaitGroup
	ran.Add(1)
	q.PushMessage(&queue.Message[*testPacket]{
		Direction: queue.Outbound,
		Name:      "step",
		Handler:   func(*testPacket) { ran.Done() },
	})
	q.Push(pkt("after"), false, false)
	ran.Wait()
	s.expect(t, "after")
}

func TestPopWait(t *testing.T) {
	s := newTestSender()
	q := queue.New[*testPacket](s, queue.Default, 0x1a2b3c, noResend, nil)
	defer q.Dispose()

	q.Push(pkt("a"), false, false)
	q.Push(pkt("b"), false, false)
	s.expect(t, "a")
	q.PopWait(10 * time.Millisecond)
	s.expect(t, "b")

	// cancelled by a pop
	q.Push(pkt("c"), false, false)
	q.PopWait(30 * time.Millisecond)
	q.Pop()
	s.expect(t, "c")
	time.Sleep(60 * time.Millisecond)
	if got, want := q.Len(), 1; got != want {
		t.Fatalf("stale pop-wait popped an entry: got len %d, want %d", got, want)
	}
}

func TestNoSending(t *testing.T) {
	s := newTestSender()
	q := queue.New[*testPacket](s, queue.Default, 0x1a2b3c, noResend, nil)
	defer q.Dispose()

	q.SetNoSending(true)
	q.Push(pkt("a"), false, false)
	s.expectNothing(t, 20*time.Millisecond)
	q.SetNoSending(false)
	s.expect(t, "a")
}

type recorder struct {
	mu   sync.Mutex
	last map[int32]string
}

func (r *recorder) Set(addr int32, p *testPacket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[addr] = p.name
}

func (r *recorder) get(addr int32) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[addr]
}

func TestStealthyNotRecorded(t *testing.T) {
	rec := &recorder{last: make(map[int32]string)}
	s := newTestSender()
	q := queue.New[*testPacket](s, queue.Default, 0x1a2b3c, noResend, rec)
	defer q.Dispose()

	q.Push(pkt("visible"), false, false)
	s.expect(t, "visible")
	q.Pop()
	q.Push(pkt("stealthy"), true, false)
	s.expect(t, "stealthy")
	waitFor(t, "stealthy in flight", q.InFlight)
	if got, want := rec.get(0x1a2b3c), "visible"; got != want {
		t.Fatalf("unexpected recorded packet: got %q, want %q", got, want)
	}
}

func TestClearAndDispose(t *testing.T) {
	s := newTestSender()
	q := queue.New[*testPacket](s, queue.Default, 0x1a2b3c, noResend, nil)

	q.Push(pkt("a"), false, false)
	q.Push(pkt("b"), false, false)
	q.PushPendingQueue(queue.NewSequence[*testPacket](queue.Config).Push(pkt("c"), false, false))
	s.expect(t, "a")
	q.Clear()
	if !q.Idle() {
		t.Fatalf("queue not idle after Clear")
	}
	q.Dispose()
	q.Dispose()
	q.Push(pkt("d"), false, false)
	s.expectNothing(t, 20*time.Millisecond)
}
