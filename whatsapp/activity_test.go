package whatsapp

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaliph/wa-relay/models"
)

func TestActivityRingNewestFirst(t *testing.T) {
	ring := NewActivityRing(20)
	base := time.Unix(1700000000, 0)
	for i := 0; i < 25; i++ {
		ring.Add(models.ActivityEntry{From: testSender, Text: fmt.Sprintf("msg %d", i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	entries := ring.Snapshot()
	require.Len(t, entries, 20)
	assert.Equal(t, "msg 24", entries[0].Text)
	assert.Equal(t, "msg 5", entries[19].Text)
	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i-1].Timestamp.After(entries[i].Timestamp))
	}
}

func TestActivityRingPartial(t *testing.T) {
	ring := NewActivityRing(3)
	ring.Add(models.ActivityEntry{Text: "a"})
	ring.Add(models.ActivityEntry{Text: "b"})

	entries := ring.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Text)

	entries[0].Text = "mutated"
	assert.Equal(t, "b", ring.Snapshot()[0].Text, "snapshot is a copy")
}

type recordingSubscriber struct {
	mu   sync.Mutex
	seen []bool
	fail bool
}

func (s *recordingSubscriber) SendStatus(connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("socket closed")
	}
	s.seen = append(s.seen, connected)
	return nil
}

func (s *recordingSubscriber) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *recordingSubscriber) values() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.seen...)
}

func TestStatusHubSubscribeSendsCurrent(t *testing.T) {
	hub := NewStatusHub()
	hub.Broadcast(true)

	sub := &recordingSubscriber{}
	id := hub.Subscribe(sub)
	require.NotEmpty(t, id)
	assert.Equal(t, []bool{true}, sub.values())

	hub.Broadcast(false)
	hub.Broadcast(true)
	hub.Broadcast(false)
	require.Eventually(t, func() bool { return len(sub.values()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false, true, false}, sub.values(), "every change in order")

	hub.Unsubscribe(id)
	hub.Broadcast(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []bool{true, false, true, false}, sub.values())
}

func TestStatusHubDropsFailingSubscriber(t *testing.T) {
	hub := NewStatusHub()
	healthy := &recordingSubscriber{}
	flaky := &recordingSubscriber{}
	hub.Subscribe(healthy)
	hub.Subscribe(flaky)
	require.Equal(t, 2, hub.Len())

	flaky.setFail(true)
	hub.Broadcast(true)

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(healthy.values()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false, true}, healthy.values())
	assert.True(t, hub.Connected())
}

// blockingSubscriber accepts the initial status and then never returns
type blockingSubscriber struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (s *blockingSubscriber) SendStatus(connected bool) error {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if !first {
		<-s.release
	}
	return nil
}

func TestStatusHubStalledSubscriberDoesNotBlock(t *testing.T) {
	hub := NewStatusHub()
	stalled := &blockingSubscriber{release: make(chan struct{})}
	defer close(stalled.release)
	healthy := &recordingSubscriber{}
	require.NotEmpty(t, hub.Subscribe(stalled))
	require.NotEmpty(t, hub.Subscribe(healthy))

	done := make(chan struct{})
	go func() {
		hub.Broadcast(true)
		hub.Broadcast(false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast waited on a stalled subscriber")
	}

	require.Eventually(t, func() bool { return len(healthy.values()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false, true, false}, healthy.values())
	assert.False(t, hub.Connected())
}

func TestStatusHubDropsSubscriberThatFallsBehind(t *testing.T) {
	hub := NewStatusHub()
	stalled := &blockingSubscriber{release: make(chan struct{})}
	defer close(stalled.release)
	require.NotEmpty(t, hub.Subscribe(stalled))

	for i := 0; i < maxPendingStatus+2; i++ {
		hub.Broadcast(i%2 == 0)
	}
	assert.Zero(t, hub.Len())
}

func TestStatusHubRejectsDeadSubscriber(t *testing.T) {
	hub := NewStatusHub()
	assert.Empty(t, hub.Subscribe(&recordingSubscriber{fail: true}))
	assert.Zero(t, hub.Len())
}
