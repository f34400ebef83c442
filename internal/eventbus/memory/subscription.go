package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/louisbranch/donations/internal/eventbus"
)

// Subscription is one member of a consumer group.
type Subscription struct {
	broker *Broker
	topic  *topic
	group  *group
	id     int

	assigned []int
	cursor   map[int]int64
	next     int
	closed   bool
}

// Fetch returns the next undelivered message from an assigned partition,
// blocking until one is published, the member is rebalanced, or ctx is done.
func (s *Subscription) Fetch(ctx context.Context) (eventbus.Message, error) {
	for {
		b := s.broker
		b.mu.Lock()
		if s.closed || b.closed {
			b.mu.Unlock()
			return eventbus.Message{}, eventbus.ErrClosed
		}
		if msg, ok := s.nextLocked(); ok {
			b.mu.Unlock()
			return msg, nil
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return eventbus.Message{}, ctx.Err()
		case <-changed:
		}
	}
}

// nextLocked scans assigned partitions starting after the last one served so
// a busy partition does not starve the others.
func (s *Subscription) nextLocked() (eventbus.Message, bool) {
	n := len(s.assigned)
	for i := 0; i < n; i++ {
		p := s.assigned[(s.next+i)%n]
		offset := s.cursor[p]
		log := s.topic.partitions[p]
		if offset >= int64(len(log)) {
			continue
		}
		s.cursor[p] = offset + 1
		s.next = (s.next + i + 1) % n
		return log[offset].message(s.topic.name, p, offset), true
	}
	return eventbus.Message{}, false
}

// Commit advances the group's offset for msg's partition. Commits for
// partitions this member no longer owns are ignored.
func (s *Subscription) Commit(ctx context.Context, msg eventbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed || b.closed {
		return eventbus.ErrClosed
	}
	if msg.Topic != s.topic.name {
		return fmt.Errorf("commit: message topic %q does not match subscription topic %q", msg.Topic, s.topic.name)
	}
	if !slices.Contains(s.assigned, msg.Partition) {
		return nil
	}
	if next := msg.Offset + 1; next > s.group.committed[msg.Partition] {
		s.group.committed[msg.Partition] = next
	}
	return nil
}

// Close leaves the group and rebalances its partitions to remaining members.
func (s *Subscription) Close() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.group.members = slices.DeleteFunc(s.group.members, func(m *Subscription) bool { return m == s })
	s.assigned = nil
	s.topic.rebalance(s.group)
	if !b.closed {
		b.broadcastLocked()
	}
	return nil
}

var _ eventbus.Subscription = (*Subscription)(nil)
