package pubsub

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvTimeout(t *testing.T, mb *Mailbox) []byte {
	t.Helper()
	select {
	case frame := <-mb.C():
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for mailbox delivery")
		return nil
	}
}

func TestMailboxDeliversInOrder(t *testing.T) {
	mb := NewMailbox()
	defer mb.Close()

	for i := 0; i < 100; i++ {
		require.True(t, mb.Send([]byte(fmt.Sprintf("msg-%d", i))))
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), string(recvTimeout(t, mb)))
	}
}

func TestMailboxSendNeverBlocks(t *testing.T) {
	mb := NewMailbox()
	defer mb.Close()

	// Nobody is receiving; a large burst must still complete promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			mb.Send([]byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unbounded mailbox back-pressured the producer")
	}
}

func TestMailboxClosedSendReportsFalse(t *testing.T) {
	mb := NewMailbox()
	mb.Close()
	assert.False(t, mb.Send([]byte("late")))
	mb.Close() // idempotent
}

func TestMailboxConcurrentProducers(t *testing.T) {
	mb := NewMailbox()
	defer mb.Close()

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				mb.Send([]byte("m"))
			}
		}()
	}
	wg.Wait()
	for i := 0; i < producers*perProducer; i++ {
		recvTimeout(t, mb)
	}
}

func TestRegistrySymmetry(t *testing.T) {
	r := NewRegistry()
	r.Register(1, NewMailbox())
	r.Register(2, NewMailbox())

	assert.Equal(t, 1, r.Subscribe(1, "news"))
	assert.Equal(t, 2, r.Subscribe(1, "sports"))
	assert.Equal(t, 1, r.Subscribe(2, "news"))

	assert.Equal(t, 2, r.Count(1))
	assert.Equal(t, 1, r.Count(2))

	assert.Equal(t, 1, r.Unsubscribe(1, "news"))
	assert.Equal(t, 0, r.Unsubscribe(1, "sports"))
	assert.Zero(t, r.Count(1))

	// Connection 2 is still subscribed to news.
	assert.Equal(t, 1, r.Publish("news", []byte("+x\r\n")))
}

func TestPublishFanOut(t *testing.T) {
	r := NewRegistry()
	mb1, mb2, mb3 := NewMailbox(), NewMailbox(), NewMailbox()
	r.Register(1, mb1)
	r.Register(2, mb2)
	r.Register(3, mb3)
	r.Subscribe(1, "news")
	r.Subscribe(2, "news")
	r.Subscribe(3, "other")

	n := r.Publish("news", []byte("hello"))
	assert.Equal(t, 2, n)
	assert.Equal(t, "hello", string(recvTimeout(t, mb1)))
	assert.Equal(t, "hello", string(recvTimeout(t, mb2)))
	select {
	case <-mb3.C():
		t.Fatal("subscriber of another channel must not receive the message")
	case <-time.After(20 * time.Millisecond):
	}

	assert.Zero(t, r.Publish("nobody", []byte("x")))
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	r := NewRegistry()
	mb := NewMailbox()
	r.Register(1, mb)
	r.Subscribe(1, "ch")

	for i := 0; i < 10; i++ {
		r.Publish("ch", []byte(fmt.Sprintf("m%d", i)))
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("m%d", i), string(recvTimeout(t, mb)))
	}
}

func TestUnregisterCleansUp(t *testing.T) {
	r := NewRegistry()
	mb := NewMailbox()
	r.Register(7, mb)
	r.Subscribe(7, "news")

	r.Unregister(7)
	assert.Zero(t, r.Count(7))
	assert.Zero(t, r.Publish("news", []byte("x")))
	assert.False(t, mb.Send([]byte("x")), "unregister closes the mailbox")
}
