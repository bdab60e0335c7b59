// Package azqueue implements the channel on Azure Storage queues, one queue
// per partition. Acknowledging a delivery deletes the message; an
// unacknowledged message becomes visible again after the visibility timeout.
package azqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"brewlab/internal/channel"
)

// Options configures the queue layout.
type Options struct {
	Prefix            string
	Partitions        int
	Batch             int32
	VisibilityTimeout time.Duration
}

// Queues is both producer and consumer.
type Queues struct {
	clients    []*azqueue.QueueClient
	batch      int32
	visibility int32
}

// New creates one queue client per partition from a storage connection
// string.
func New(connStr string, opts Options) (*Queues, error) {
	if opts.Prefix == "" {
		opts.Prefix = "brewlab-events"
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.Batch <= 0 || opts.Batch > 32 {
		opts.Batch = 16
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	clientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 30,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q := &Queues{
		batch:      opts.Batch,
		visibility: int32(opts.VisibilityTimeout / time.Second),
	}
	for _, name := range QueueNames(opts.Prefix, opts.Partitions) {
		c, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &clientOptions)
		if err != nil {
			return nil, err
		}
		q.clients = append(q.clients, c)
	}
	return q, nil
}

// QueueNames lists the queue of every partition.
func QueueNames(prefix string, partitions int) []string {
	names := make([]string, partitions)
	for p := range names {
		names[p] = fmt.Sprintf("%s-%d", prefix, p)
	}
	return names
}

// EnsureQueues creates missing queues.
func (q *Queues) EnsureQueues(ctx context.Context) error {
	for _, c := range q.clients {
		if _, err := c.Create(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
	}
	return nil
}

func (q *Queues) Partitions() int { return len(q.clients) }

func (q *Queues) Send(ctx context.Context, key string, payload []byte) (channel.Receipt, error) {
	p := channel.PartitionFor(key, len(q.clients))
	resp, err := q.clients[p].EnqueueMessage(ctx, string(payload), nil)
	if err != nil {
		return channel.Receipt{}, err
	}
	r := channel.Receipt{Partition: p}
	if len(resp.Messages) > 0 && resp.Messages[0].MessageID != nil {
		r.Offset = *resp.Messages[0].MessageID
	}
	return r, nil
}

func (q *Queues) Fetch(ctx context.Context, partition int) ([]channel.Delivery, error) {
	if partition < 0 || partition >= len(q.clients) {
		return nil, fmt.Errorf("partition %d out of range", partition)
	}
	n, vis := q.batch, q.visibility
	resp, err := q.clients[partition].DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  &n,
		VisibilityTimeout: &vis,
	})
	if err != nil {
		return nil, err
	}
	out := make([]channel.Delivery, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.MessageID == nil || m.PopReceipt == nil {
			continue
		}
		d := &delivery{
			client:     q.clients[partition],
			receipt:    channel.Receipt{Partition: partition, Offset: *m.MessageID},
			popReceipt: *m.PopReceipt,
		}
		if m.MessageText != nil {
			d.payload = []byte(*m.MessageText)
		}
		out = append(out, d)
	}
	return out, nil
}

type delivery struct {
	client     *azqueue.QueueClient
	receipt    channel.Receipt
	popReceipt string
	payload    []byte
}

func (d *delivery) Payload() []byte          { return d.payload }
func (d *delivery) Receipt() channel.Receipt { return d.receipt }

func (d *delivery) Ack(ctx context.Context) error {
	_, err := d.client.DeleteMessage(ctx, d.receipt.Offset, d.popReceipt, nil)
	return err
}
