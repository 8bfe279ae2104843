package sink

import (
	"context"

	"github.com/openquant/tickerd/pkg/events"
	"github.com/openquant/tickerd/pkg/types"
)

// BusSink mirrors canonical events onto the internal broker with topics
// keyed by event type. It never fails a write; slow bus subscribers lose
// events rather than stalling the pipeline.
type BusSink struct {
	broker *events.Broker
}

// NewBusSink creates a bus mirror sink
func NewBusSink(broker *events.Broker) *BusSink {
	return &BusSink{broker: broker}
}

func (s *BusSink) Write(ctx context.Context, batch []types.Event) error {
	for i := range batch {
		topic, ok := topicFor(batch[i].Type)
		if !ok {
			continue
		}
		s.broker.Publish(topic, batch[i])
	}
	return nil
}

func (s *BusSink) Flush(ctx context.Context) error { return nil }
func (s *BusSink) Close() error                    { return nil }

func topicFor(t types.EventType) (events.Topic, bool) {
	switch t {
	case types.EventTrade:
		return events.TopicTradeOccurred, true
	case types.EventBboQuote:
		return events.TopicBboQuoteUpdated, true
	case types.EventL2Snapshot:
		return events.TopicL2SnapshotReceived, true
	case types.EventIntegrity:
		return events.TopicIntegrityEvent, true
	case types.EventHeartbeat:
		return events.TopicConnectionStatus, true
	}
	return "", false
}
