package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub Subscriber) Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBrokerTopicFiltering(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	failovers := b.Subscribe(TopicFailoverTriggered)
	all := b.Subscribe()

	b.Publish(TopicConnectionLost, ConnectionLost{ConnectionID: "c1", Reason: "timeout"})
	b.Publish(TopicFailoverTriggered, FailoverTriggered{RuleID: "r1", From: "p1", To: "p2"})

	ev := recv(t, failovers)
	assert.Equal(t, TopicFailoverTriggered, ev.Topic)
	payload, ok := ev.Payload.(FailoverTriggered)
	require.True(t, ok)
	assert.Equal(t, "r1", payload.RuleID)

	first := recv(t, all)
	second := recv(t, all)
	assert.Equal(t, TopicConnectionLost, first.Topic)
	assert.Equal(t, TopicFailoverTriggered, second.Topic)
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	// Never drained; its buffer will fill and further events are skipped.
	_ = b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(TopicTradeOccurred, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}
