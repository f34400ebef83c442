// Package memory provides an in-process partitioned broker with consumer group
// semantics, used by tests and the standalone command.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/louisbranch/donations/internal/eventbus"
)

type record struct {
	key     string
	payload []byte
	headers map[string]string
}

type topic struct {
	name       string
	partitions [][]record
	groups     map[string]*group
	nextRR     int
}

type group struct {
	// committed holds the next offset to deliver per partition.
	committed []int64
	members   []*Subscription
	nextID    int
}

// Broker is an in-memory eventbus.Broker.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
	// changed is closed and replaced whenever a fetch could make progress.
	changed chan struct{}
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		topics:  make(map[string]*topic),
		changed: make(chan struct{}),
	}
}

// EnsureTopic creates the topic if it does not exist.
func (b *Broker) EnsureTopic(ctx context.Context, cfg eventbus.TopicConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return fmt.Errorf("topic name is required")
	}
	if cfg.Partitions <= 0 {
		return fmt.Errorf("topic %s: partitions must be greater than zero", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return eventbus.ErrClosed
	}
	if _, ok := b.topics[name]; ok {
		return nil
	}
	b.topics[name] = &topic{
		name:       name,
		partitions: make([][]record, cfg.Partitions),
		groups:     make(map[string]*group),
	}
	return nil
}

// Publish appends msg to the partition selected by its key.
func (b *Broker) Publish(ctx context.Context, topicName string, msg eventbus.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return eventbus.ErrClosed
	}
	t, ok := b.topics[topicName]
	if !ok {
		return fmt.Errorf("%w: %s", eventbus.ErrUnknownTopic, topicName)
	}
	p := t.partitionFor(msg.Key)
	t.partitions[p] = append(t.partitions[p], record{
		key:     msg.Key,
		payload: append([]byte(nil), msg.Payload...),
		headers: maps.Clone(msg.Headers),
	})
	b.broadcastLocked()
	return nil
}

// Subscribe joins group on topicName and triggers a rebalance.
func (b *Broker) Subscribe(ctx context.Context, topicName, groupID string) (eventbus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(groupID) == "" {
		return nil, fmt.Errorf("group is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, eventbus.ErrClosed
	}
	t, ok := b.topics[topicName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", eventbus.ErrUnknownTopic, topicName)
	}
	g, ok := t.groups[groupID]
	if !ok {
		g = &group{committed: make([]int64, len(t.partitions))}
		t.groups[groupID] = g
	}
	sub := &Subscription{broker: b, topic: t, group: g, id: g.nextID}
	g.nextID++
	g.members = append(g.members, sub)
	t.rebalance(g)
	b.broadcastLocked()
	return sub, nil
}

// Close stops the broker; blocked fetches return eventbus.ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.broadcastLocked()
	return nil
}

// Pending reports how many messages on topicName group has not committed.
func (b *Broker) Pending(topicName, groupID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", eventbus.ErrUnknownTopic, topicName)
	}
	var pending int64
	g := t.groups[groupID]
	for p, log := range t.partitions {
		var committed int64
		if g != nil {
			committed = g.committed[p]
		}
		pending += int64(len(log)) - committed
	}
	return pending, nil
}

// Messages returns every message published to topicName in partition order.
func (b *Broker) Messages(topicName string) []eventbus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		return nil
	}
	var out []eventbus.Message
	for p, log := range t.partitions {
		for offset, rec := range log {
			out = append(out, rec.message(t.name, p, int64(offset)))
		}
	}
	return out
}

func (b *Broker) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (t *topic) partitionFor(key string) int {
	n := len(t.partitions)
	if key == "" {
		p := t.nextRR % n
		t.nextRR++
		return p
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// rebalance assigns partitions round-robin across members in join order and
// rewinds every member to the group's committed offsets, so uncommitted
// messages are delivered again to their new owner.
func (t *topic) rebalance(g *group) {
	sort.Slice(g.members, func(i, j int) bool { return g.members[i].id < g.members[j].id })
	for _, m := range g.members {
		m.assigned = m.assigned[:0]
		m.cursor = make(map[int]int64)
	}
	if len(g.members) == 0 {
		return
	}
	for p := range t.partitions {
		m := g.members[p%len(g.members)]
		m.assigned = append(m.assigned, p)
		m.cursor[p] = g.committed[p]
	}
}

func (r record) message(topicName string, partition int, offset int64) eventbus.Message {
	return eventbus.Message{
		Topic:     topicName,
		Key:       r.key,
		Payload:   append([]byte(nil), r.payload...),
		Headers:   maps.Clone(r.headers),
		Partition: partition,
		Offset:    offset,
	}
}

var _ eventbus.Broker = (*Broker)(nil)
