// Package kafka implements eventbus.Broker on top of segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/donations/internal/eventbus"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultBatchTimeout = 10 * time.Millisecond
	defaultMinBytes     = 1
	defaultMaxBytes     = 10 << 20
	defaultMaxWait      = 500 * time.Millisecond
)

// Config configures the Kafka connection.
type Config struct {
	Brokers     []string
	ClientID    string
	DialTimeout time.Duration
	MinBytes    int
	MaxBytes    int
	MaxWait     time.Duration
}

func (c Config) normalized() (Config, error) {
	brokers := make([]string, 0, len(c.Brokers))
	for _, addr := range c.Brokers {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return Config{}, fmt.Errorf("broker address %q: %w", addr, err)
		}
		brokers = append(brokers, addr)
	}
	if len(brokers) == 0 {
		return Config{}, fmt.Errorf("at least one broker address is required")
	}
	c.Brokers = brokers
	if strings.TrimSpace(c.ClientID) == "" {
		c.ClientID = "donations"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.MinBytes <= 0 {
		c.MinBytes = defaultMinBytes
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	return c, nil
}

// Broker publishes with one shared writer and consumes with one reader per
// subscription.
type Broker struct {
	cfg    Config
	dialer *kafkago.Dialer
	writer *kafkago.Writer
}

// New builds a broker. No connection is made until first use.
func New(cfg Config) (*Broker, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	dialer := &kafkago.Dialer{ClientID: cfg.ClientID, Timeout: cfg.DialTimeout}
	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           defaultBatchTimeout,
		AllowAutoTopicCreation: false,
	}
	return &Broker{cfg: cfg, dialer: dialer, writer: writer}, nil
}

// EnsureTopic creates the topic through the cluster controller. An existing
// topic is not an error.
func (b *Broker) EnsureTopic(ctx context.Context, topic eventbus.TopicConfig) error {
	if topic.Partitions <= 0 {
		return fmt.Errorf("topic %s: partitions must be greater than zero", topic.Name)
	}
	if topic.ReplicationFactor <= 0 {
		topic.ReplicationFactor = 1
	}
	conn, err := b.dialAny(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	controllerConn, err := b.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic.Name,
		NumPartitions:     topic.Partitions,
		ReplicationFactor: topic.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafkago.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic.Name, err)
	}
	return nil
}

// Publish writes one message; the key selects the partition.
func (b *Broker) Publish(ctx context.Context, topic string, msg eventbus.OutboundMessage) error {
	err := b.writer.WriteMessages(ctx, kafkago.Message{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Payload,
		Headers: toHeaders(msg.Headers),
	})
	if err != nil {
		if errors.Is(err, kafkago.UnknownTopicOrPartition) {
			return fmt.Errorf("%w: %s: %v", eventbus.ErrUnknownTopic, topic, err)
		}
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins group once every partition of topic has a leader.
func (b *Broker) Subscribe(ctx context.Context, topic, group string) (eventbus.Subscription, error) {
	conn, err := b.dialAny(ctx)
	if err != nil {
		return nil, err
	}
	partitions, err := conn.ReadPartitions(topic)
	_ = conn.Close()
	if err != nil {
		if errors.Is(err, kafkago.UnknownTopicOrPartition) {
			return nil, fmt.Errorf("%w: %s", eventbus.ErrUnknownTopic, topic)
		}
		return nil, fmt.Errorf("read partitions of %s: %w", topic, err)
	}
	if err := leadersReady(topic, partitions); err != nil {
		return nil, err
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		GroupID:     group,
		Topic:       topic,
		Dialer:      b.dialer,
		MinBytes:    b.cfg.MinBytes,
		MaxBytes:    b.cfg.MaxBytes,
		MaxWait:     b.cfg.MaxWait,
		StartOffset: kafkago.FirstOffset,
	})
	return &subscription{reader: reader}, nil
}

// Close flushes pending writes.
func (b *Broker) Close() error {
	return b.writer.Close()
}

func (b *Broker) dialAny(ctx context.Context) (*kafkago.Conn, error) {
	var errs []error
	for _, addr := range b.cfg.Brokers {
		conn, err := b.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, fmt.Errorf("dial %s: %w", addr, err))
	}
	return nil, errors.Join(errs...)
}

func leadersReady(topic string, partitions []kafkago.Partition) error {
	if len(partitions) == 0 {
		return fmt.Errorf("%w: %s has no partitions", eventbus.ErrUnknownTopic, topic)
	}
	for _, p := range partitions {
		if p.Leader.Host == "" {
			return fmt.Errorf("topic %s partition %d has no leader yet", topic, p.ID)
		}
	}
	return nil
}

type subscription struct {
	reader *kafkago.Reader
}

func (s *subscription) Fetch(ctx context.Context) (eventbus.Message, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return eventbus.Message{}, eventbus.ErrClosed
		}
		return eventbus.Message{}, err
	}
	return fromKafka(m), nil
}

func (s *subscription) Commit(ctx context.Context, msg eventbus.Message) error {
	return s.reader.CommitMessages(ctx, kafkago.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
}

func (s *subscription) Close() error {
	return s.reader.Close()
}

func toHeaders(headers map[string]string) []kafkago.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafkago.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafkago.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafka(m kafkago.Message) eventbus.Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return eventbus.Message{
		Topic:     m.Topic,
		Key:       string(m.Key),
		Payload:   m.Value,
		Headers:   headers,
		Partition: m.Partition,
		Offset:    m.Offset,
	}
}

var _ eventbus.Broker = (*Broker)(nil)
