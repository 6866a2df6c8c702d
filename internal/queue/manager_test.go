package queue_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stapelberg/hmcentral/internal/queue"
)

func TestManagerGetDoesNotCreate(t *testing.T) {
	m := queue.NewManager[*testPacket](queue.ManagerOptions{}, nil)
	defer m.Dispose()

	if q := m.Get(0x1a2b3c); q != nil {
		t.Fatalf("Get created a queue: %v", q)
	}
}

func TestManagerCreateQueue(t *testing.T) {
	m := queue.NewManager[*testPacket](queue.ManagerOptions{Queue: noResend}, nil)
	defer m.Dispose()
	s := newTestSender()

	q1, err := m.CreateQueue(s, queue.Default, 1)
	if err != nil {
		t.Fatal(err)
	}
	q2, err := m.CreateQueue(s, queue.Default, 1)
	if err != nil {
		t.Fatal(err)
	}
	if q1 != q2 {
		t.Fatalf("CreateQueue returned a new queue for the same type")
	}

	// idle queue of a different type is replaced
	q3, err := m.CreateQueue(s, queue.Pairing, 1)
	if err != nil {
		t.Fatal(err)
	}
	if q3 == q1 {
		t.Fatalf("idle queue not replaced")
	}
	if got, want := q3.Type(), queue.Pairing; got != want {
		t.Fatalf("unexpected queue type: got %v, want %v", got, want)
	}

	// busy queue is kept
	q3.Push(pkt("a"), false, false)
	q4, err := m.CreateQueue(s, queue.Config, 1)
	if err != nil {
		t.Fatal(err)
	}
	if q4 != q3 {
		t.Fatalf("busy queue replaced")
	}
}

func TestManagerResetQueue(t *testing.T) {
	m := queue.NewManager[*testPacket](queue.ManagerOptions{}, nil)
	defer m.Dispose()

	q, err := m.CreateQueue(newTestSender(), queue.Default, 1)
	if err != nil {
		t.Fatal(err)
	}
	m.ResetQueue(1, q.ID()+1)
	if m.Get(1) == nil {
		t.Fatalf("ResetQueue with wrong id removed the queue")
	}
	m.ResetQueue(1, q.ID())
	if m.Get(1) != nil {
		t.Fatalf("ResetQueue did not remove the queue")
	}
}

func TestManagerCleanup(t *testing.T) {
	m := queue.NewManager[*testPacket](queue.ManagerOptions{
		Queue:            noResend,
		CleanupInterval:  5 * time.Millisecond,
		ShortIdleTimeout: 20 * time.Millisecond,
		LongIdleTimeout:  time.Hour,
	}, nil)
	defer m.Dispose()
	s := newTestSender()

	if _, err := m.CreateQueue(s, queue.Default, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateQueue(s, queue.Pairing, 2); err != nil {
		t.Fatal(err)
	}
	busy, err := m.CreateQueue(s, queue.Default, 3)
	if err != nil {
		t.Fatal(err)
	}
	busy.Push(pkt("unanswered"), false, false)

	waitFor(t, "idle queue to be reclaimed", func() bool { return m.Get(1) == nil })
	if m.Get(2) == nil {
		t.Fatalf("pairing queue reclaimed before its timeout")
	}
	if m.Get(3) == nil {
		t.Fatalf("non-empty queue reclaimed")
	}
	if got, want := len(m.Queues()), 2; got != want {
		t.Fatalf("unexpected number of queues: got %d, want %d", got, want)
	}
}

func TestManagerDispose(t *testing.T) {
	m := queue.NewManager[*testPacket](queue.ManagerOptions{}, nil)
	m.Dispose()
	m.Dispose()
	if _, err := m.CreateQueue(newTestSender(), queue.Default, 1); !errors.Is(err, queue.ErrDisposed) {
		t.Fatalf("unexpected error: got %v, want %v", err, queue.ErrDisposed)
	}
}
