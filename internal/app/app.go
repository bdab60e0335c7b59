// Package app builds the brewlab components from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"brewlab/internal/cache"
	"brewlab/internal/channel"
	"brewlab/internal/channel/azqueue"
	"brewlab/internal/channel/redisstream"
	"brewlab/internal/config"
	"brewlab/internal/index"
	"brewlab/internal/index/aztables"
	"brewlab/internal/index/sqlite"
	"brewlab/internal/processor"
	"brewlab/internal/publisher"
	"brewlab/internal/query"
)

// Channel is a transport that can both send and fetch.
type Channel interface {
	channel.Producer
	channel.Consumer
}

// App holds the wired components. Close releases them.
type App struct {
	Config  *config.Config
	Redis   *redis.Client
	Cache   *cache.Store
	Channel Channel
	Index   index.Index

	closers []func() error
}

// New connects every backing store named by cfg. Nothing is created on the
// remote side; see Provision.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	opts, err := cfg.Redis.ClientOptions()
	if err != nil {
		return nil, fmt.Errorf("redis options: %w", err)
	}
	a.Redis = redis.NewClient(opts)
	a.closers = append(a.closers, a.Redis.Close)
	a.Cache = cache.New(a.Redis, cache.Options{
		RecentLimit: cfg.Cache.RecentLimit,
		RecentTTL:   cfg.Cache.RecentTTL,
		AppliedTTL:  cfg.Cache.AppliedTTL,
	})

	if a.Channel, err = newChannel(cfg, a.Redis); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openIndex(ctx); err != nil {
		a.Close()
		return nil, err
	}
	log.WithFields(log.Fields{
		"channel":    cfg.Channel.Driver,
		"index":      cfg.Index.Driver,
		"partitions": a.Channel.Partitions(),
	}).Info("components ready")
	return a, nil
}

func newChannel(cfg *config.Config, rc *redis.Client) (Channel, error) {
	c := cfg.Channel
	switch c.Driver {
	case config.DriverMemory:
		return channel.NewMemory(c.Partitions, c.Batch), nil
	case config.DriverRedis:
		return redisstream.New(rc, redisstream.Options{
			Prefix:     c.Prefix,
			Partitions: c.Partitions,
			Group:      c.Group,
			Consumer:   c.Consumer,
			Batch:      int64(c.Batch),
			Block:      c.Block,
			ClaimAfter: c.ClaimAfter,
			MaxLen:     c.MaxLen,
		}), nil
	case config.DriverAzQueue:
		q, err := azqueue.New(cfg.Storage.ConnectionString, azqueue.Options{
			Prefix:            c.Prefix,
			Partitions:        c.Partitions,
			Batch:             int32(c.Batch),
			VisibilityTimeout: c.VisibilityTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("queue client: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported channel driver %q", c.Driver)
	}
}

func (a *App) openIndex(ctx context.Context) error {
	c := a.Config.Index
	switch c.Driver {
	case config.DriverMemory:
		a.Index = index.NewMemory()
	case config.DriverSQLite:
		idx, err := sqlite.Open(ctx, c.DSN)
		if err != nil {
			return err
		}
		a.Index = idx
		a.closers = append(a.closers, idx.Close)
	case config.DriverAzTables:
		idx, err := aztables.New(a.Config.Storage.ConnectionString, c.Table)
		if err != nil {
			return fmt.Errorf("table client: %w", err)
		}
		a.Index = idx
	default:
		return fmt.Errorf("unsupported index driver %q", c.Driver)
	}
	return nil
}

// Provision creates the consumer groups, queues and tables the configured
// drivers need. It is safe to run repeatedly.
func (a *App) Provision(ctx context.Context) error {
	if s, ok := a.Channel.(*redisstream.Stream); ok {
		if err := s.EnsureGroups(ctx); err != nil {
			return fmt.Errorf("create consumer groups: %w", err)
		}
	}
	if q, ok := a.Channel.(*azqueue.Queues); ok {
		if err := q.EnsureQueues(ctx); err != nil {
			return fmt.Errorf("create queues: %w", err)
		}
	}
	if t, ok := a.Index.(*aztables.Index); ok {
		if err := t.EnsureTable(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Publisher returns a publisher over the configured channel.
func (a *App) Publisher() *publisher.Publisher {
	return publisher.New(a.Channel, publisher.Options{Timeout: a.Config.Server.PublishTimeout})
}

// Processor returns the event processor.
func (a *App) Processor() *processor.Processor {
	return processor.New(a.Index, a.Cache, processor.Options{
		EventTimeout: a.Config.Processor.EventTimeout,
		AckTimeout:   a.Config.Processor.AckTimeout,
	})
}

// Runner returns partition workers draining the channel into proc.
func (a *App) Runner(proc *processor.Processor) *processor.Runner {
	return processor.NewRunner(a.Channel, proc, processor.RunnerOptions{
		IdleWait:     a.Config.Processor.IdleWait,
		RetryInitial: a.Config.Processor.RetryInitial,
		RetryMax:     a.Config.Processor.RetryMax,
	})
}

// Query returns the read service.
func (a *App) Query() *query.Service {
	return query.New(a.Index, a.Cache, query.Options{Timeout: a.Config.Query.Timeout})
}

// PingFunc adapts a function to the health check interface.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// PingIndex performs a point lookup against the index.
func (a *App) PingIndex(ctx context.Context) error {
	_, err := a.Index.Get(ctx, "healthz")
	return err
}

// InProcess reports whether events can only be processed inside the
// process that publishes them.
func (a *App) InProcess() bool {
	return a.Config.Channel.Driver == config.DriverMemory
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
