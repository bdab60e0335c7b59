package channel

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Memory is an in-process channel. Unacknowledged messages are handed out
// again on the next Fetch of their partition.
type Memory struct {
	mu    sync.Mutex
	parts []*memPartition
	batch int
}

type memPartition struct {
	msgs  []*memMessage
	head  int
	acked map[int]bool
}

type memMessage struct {
	ch      *Memory
	receipt Receipt
	index   int
	payload []byte
}

// NewMemory creates a channel with the given number of partitions. Fetch
// returns at most batch messages.
func NewMemory(partitions, batch int) *Memory {
	if partitions <= 0 {
		partitions = 1
	}
	if batch <= 0 {
		batch = 16
	}
	m := &Memory{batch: batch, parts: make([]*memPartition, partitions)}
	for i := range m.parts {
		m.parts[i] = &memPartition{acked: map[int]bool{}}
	}
	return m
}

func (m *Memory) Partitions() int { return len(m.parts) }

func (m *Memory) Send(ctx context.Context, key string, payload []byte) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	p := PartitionFor(key, len(m.parts))
	m.mu.Lock()
	defer m.mu.Unlock()
	part := m.parts[p]
	idx := len(part.msgs)
	msg := &memMessage{
		ch:      m,
		receipt: Receipt{Partition: p, Offset: strconv.Itoa(idx)},
		index:   idx,
		payload: append([]byte(nil), payload...),
	}
	part.msgs = append(part.msgs, msg)
	return msg.receipt, nil
}

func (m *Memory) Fetch(ctx context.Context, partition int) ([]Delivery, error) {
	if partition < 0 || partition >= len(m.parts) {
		return nil, fmt.Errorf("partition %d out of range", partition)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	part := m.parts[partition]
	out := make([]Delivery, 0, m.batch)
	for i := part.head; i < len(part.msgs) && len(out) < m.batch; i++ {
		if part.acked[i] {
			continue
		}
		out = append(out, part.msgs[i])
	}
	return out, nil
}

// Pending counts unacknowledged messages across all partitions.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, part := range m.parts {
		for i := part.head; i < len(part.msgs); i++ {
			if !part.acked[i] {
				n++
			}
		}
	}
	return n
}

func (m *memMessage) Payload() []byte  { return m.payload }
func (m *memMessage) Receipt() Receipt { return m.receipt }

func (m *memMessage) Ack(ctx context.Context) error {
	ch := m.ch
	ch.mu.Lock()
	defer ch.mu.Unlock()
	part := ch.parts[m.receipt.Partition]
	if m.index < part.head {
		return nil
	}
	part.acked[m.index] = true
	for part.head < len(part.msgs) && part.acked[part.head] {
		delete(part.acked, part.head)
		part.head++
	}
	return nil
}
