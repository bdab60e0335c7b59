// Package channel defines the partitioned, at-least-once delivery log that
// sits between the publisher and the processor.
package channel

import (
	"context"
	"hash/fnv"
)

// Receipt locates a message inside the channel.
type Receipt struct {
	Partition int    `json:"partition"`
	Offset    string `json:"offset"`
}

// Delivery is one message handed to a consumer. It stays pending until Ack
// succeeds and is redelivered otherwise.
type Delivery interface {
	Payload() []byte
	Receipt() Receipt
	Ack(ctx context.Context) error
}

// Producer appends messages keyed by entity id.
type Producer interface {
	Send(ctx context.Context, key string, payload []byte) (Receipt, error)
}

// Consumer reads messages of a single partition in order.
type Consumer interface {
	Partitions() int
	Fetch(ctx context.Context, partition int) ([]Delivery, error)
}

// PartitionFor maps a key onto one of n partitions. The same key always
// lands on the same partition for a fixed n.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
