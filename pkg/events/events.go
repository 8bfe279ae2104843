package events

import (
	"sync"
	"time"
)

// Topic routes control and mirror events to interested subscribers
type Topic string

const (
	// Mirror topics keyed by canonical event type
	TopicTradeOccurred      Topic = "trade_occurred"
	TopicBboQuoteUpdated    Topic = "bbo_quote_updated"
	TopicL2SnapshotReceived Topic = "l2_snapshot_received"
	TopicIntegrityEvent     Topic = "integrity_event_occurred"
	TopicConnectionStatus   Topic = "connection_status_changed"

	// Control topics
	TopicHeartbeatMissed     Topic = "heartbeat_missed"
	TopicConnectionLost      Topic = "connection_lost"
	TopicConnectionRecovered Topic = "connection_recovered"
	TopicFailoverTriggered   Topic = "failover_triggered"
	TopicFailoverRecovered   Topic = "failover_recovered"
)

// Event is a message on the internal bus
type Event struct {
	Topic     Topic
	Timestamp time.Time
	Payload   any
}

// HeartbeatMissed is published when a connection misses heartbeats
type HeartbeatMissed struct {
	ConnectionID string
	MissedCount  int
}

// ConnectionLost is published when a connection crosses the loss threshold
type ConnectionLost struct {
	ConnectionID string
	Reason       string
}

// ConnectionRecovered is published when data resumes after a loss
type ConnectionRecovered struct {
	ConnectionID string
}

// FailoverTriggered is published when a rule switches its active provider
type FailoverTriggered struct {
	RuleID string
	From   string
	To     string
	Reason string
}

// FailoverRecovered is published when a rule returns to its primary
type FailoverRecovered struct {
	RuleID  string
	Primary string
}

// Subscriber is a channel that receives events
type Subscriber chan Event

// Broker manages event subscriptions and distribution. Delivery is
// best-effort per subscriber: a full subscriber buffer drops the event
// rather than blocking the broadcast loop.
type Broker struct {
	subscribers map[Subscriber][]Topic
	mu          sync.RWMutex
	eventCh     chan Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber][]Topic),
		eventCh:     make(chan Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a subscription for the given topics. An empty topic
// list subscribes to everything.
func (b *Broker) Subscribe(topics ...Topic) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = topics
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all matching subscribers
func (b *Broker) Publish(topic Topic, payload any) {
	ev := Event{Topic: topic, Timestamp: time.Now(), Payload: payload}
	select {
	case b.eventCh <- ev:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case ev := <-b.eventCh:
			b.broadcast(ev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, topics := range b.subscribers {
		if !matches(topics, ev.Topic) {
			continue
		}
		select {
		case sub <- ev:
		default:
			// Subscriber buffer full, skip
		}
	}
}

func matches(topics []Topic, t Topic) bool {
	if len(topics) == 0 {
		return true
	}
	for _, topic := range topics {
		if topic == t {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
