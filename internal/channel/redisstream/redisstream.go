// Package redisstream implements the channel on Redis Streams: one stream
// per partition read through a consumer group.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"brewlab/internal/channel"
)

const payloadField = "payload"

// Options configures the stream layout and consumer behaviour.
type Options struct {
	Prefix     string
	Partitions int
	Group      string
	Consumer   string
	Batch      int64
	// Block is how long XREADGROUP waits for new entries. Negative values
	// disable blocking.
	Block time.Duration
	// ClaimAfter is the idle time after which another consumer's pending
	// entry is taken over and redelivered.
	ClaimAfter time.Duration
	MaxLen     int64
}

// Stream is both producer and consumer.
type Stream struct {
	redis *redis.Client
	opts  Options
}

// New creates a Stream with defaults applied.
func New(client *redis.Client, opts Options) *Stream {
	if opts.Prefix == "" {
		opts.Prefix = "events"
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.Group == "" {
		opts.Group = "processor"
	}
	if opts.Consumer == "" {
		opts.Consumer = "brewlab"
	}
	if opts.Batch <= 0 {
		opts.Batch = 16
	}
	if opts.Block == 0 {
		opts.Block = 2 * time.Second
	}
	if opts.ClaimAfter <= 0 {
		opts.ClaimAfter = 30 * time.Second
	}
	return &Stream{redis: client, opts: opts}
}

// Key returns the stream key of a partition.
func (s *Stream) Key(partition int) string {
	return fmt.Sprintf("%s:%d", s.opts.Prefix, partition)
}

func (s *Stream) Partitions() int { return s.opts.Partitions }

// EnsureGroups creates the consumer group on every partition stream.
func (s *Stream) EnsureGroups(ctx context.Context) error {
	for p := 0; p < s.opts.Partitions; p++ {
		err := s.redis.XGroupCreateMkStream(ctx, s.Key(p), s.opts.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group on %s: %w", s.Key(p), err)
		}
	}
	return nil
}

func (s *Stream) Send(ctx context.Context, key string, payload []byte) (channel.Receipt, error) {
	p := channel.PartitionFor(key, s.opts.Partitions)
	args := &redis.XAddArgs{
		Stream: s.Key(p),
		Values: map[string]any{payloadField: payload},
	}
	if s.opts.MaxLen > 0 {
		args.MaxLen = s.opts.MaxLen
		args.Approx = true
	}
	id, err := s.redis.XAdd(ctx, args).Result()
	if err != nil {
		return channel.Receipt{}, err
	}
	return channel.Receipt{Partition: p, Offset: id}, nil
}

// Fetch returns, in order of preference: this consumer's own unacknowledged
// entries, entries other consumers left pending longer than ClaimAfter, and
// new entries. Redelivering own entries first keeps a partition in order
// after a failure.
func (s *Stream) Fetch(ctx context.Context, partition int) ([]channel.Delivery, error) {
	if partition < 0 || partition >= s.opts.Partitions {
		return nil, fmt.Errorf("partition %d out of range", partition)
	}
	key := s.Key(partition)

	own, err := s.read(ctx, partition, "0", -1)
	if err != nil {
		return nil, err
	}
	if len(own) > 0 {
		return own, nil
	}

	claimed, _, err := s.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		MinIdle:  s.opts.ClaimAfter,
		Start:    "0-0",
		Count:    s.opts.Batch,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(claimed) > 0 {
		log.WithFields(log.Fields{"stream": key, "count": len(claimed)}).Info("reclaimed stale pending entries")
		return s.deliveries(partition, claimed), nil
	}

	return s.read(ctx, partition, ">", s.opts.Block)
}

func (s *Stream) read(ctx context.Context, partition int, from string, block time.Duration) ([]channel.Delivery, error) {
	streams, err := s.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		Streams:  []string{s.Key(partition), from},
		Count:    s.opts.Batch,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []channel.Delivery
	for _, st := range streams {
		out = append(out, s.deliveries(partition, st.Messages)...)
	}
	return out, nil
}

func (s *Stream) deliveries(partition int, msgs []redis.XMessage) []channel.Delivery {
	out := make([]channel.Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &delivery{
			stream:  s,
			receipt: channel.Receipt{Partition: partition, Offset: m.ID},
			payload: payloadOf(m),
		})
	}
	return out
}

func payloadOf(m redis.XMessage) []byte {
	switch v := m.Values[payloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}

type delivery struct {
	stream  *Stream
	receipt channel.Receipt
	payload []byte
}

func (d *delivery) Payload() []byte          { return d.payload }
func (d *delivery) Receipt() channel.Receipt { return d.receipt }

func (d *delivery) Ack(ctx context.Context) error {
	s := d.stream
	return s.redis.XAck(ctx, s.Key(d.receipt.Partition), s.opts.Group, d.receipt.Offset).Err()
}
