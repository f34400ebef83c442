package eventbus

import (
	"context"
	"errors"
)

// Header names carried by every event message.
const (
	HeaderEventID      = "event-id"
	HeaderEventType    = "event-type"
	HeaderEventVersion = "event-version"
	HeaderContentType  = "content-type"
)

var (
	// ErrClosed is returned by brokers and subscriptions after Close.
	ErrClosed = errors.New("eventbus: closed")
	// ErrUnknownTopic is returned when publishing or subscribing to a topic that
	// has not been provisioned.
	ErrUnknownTopic = errors.New("eventbus: unknown topic")
)

// TopicConfig describes a topic to provision.
type TopicConfig struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// OutboundMessage is one message handed to Publish.
type OutboundMessage struct {
	Key     string
	Payload []byte
	Headers map[string]string
}

// Message is one delivered message with its partition position.
type Message struct {
	Topic     string
	Key       string
	Payload   []byte
	Headers   map[string]string
	Partition int
	Offset    int64
}

// Header returns a header value, or "" when absent.
func (m Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// Publisher publishes messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg OutboundMessage) error
}

// Subscription is one consumer group member's view of a topic.
type Subscription interface {
	// Fetch blocks until a message is available for one of the member's
	// partitions or ctx is done.
	Fetch(ctx context.Context) (Message, error)
	// Commit marks msg and every earlier message on its partition as consumed.
	Commit(ctx context.Context, msg Message) error
	// Close leaves the consumer group so its partitions rebalance.
	Close() error
}

// Broker is the transport used by every service.
type Broker interface {
	Publisher
	EnsureTopic(ctx context.Context, topic TopicConfig) error
	Subscribe(ctx context.Context, topic, group string) (Subscription, error)
	Close() error
}

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg Message) error
