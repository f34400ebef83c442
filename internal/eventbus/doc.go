// Package eventbus defines the partitioned publish/subscribe transport shared
// by the donation services.
//
// A Broker routes each message to a partition by key, so every message with the
// same key is delivered in publish order to exactly one member of a consumer
// group. Delivery is at-least-once: a message whose offset was not committed
// before a member left the group is delivered again to the next owner of its
// partition. Consumers are expected to be idempotent.
package eventbus
