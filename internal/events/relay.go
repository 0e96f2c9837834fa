package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RelayConfig configures the Redis Streams mirror.
type RelayConfig struct {
	Addr   string
	Stream string
	MaxLen int64
}

// Relay mirrors bus events onto a Redis stream so observers outside the
// process can tail them. The relay is strictly an observer: a Redis
// outage never affects publishers.
type Relay struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
	stop   func()
	done   chan struct{}
}

// NewRelay connects to Redis and verifies it is reachable.
func NewRelay(cfg RelayConfig, logger *zap.Logger) (*Relay, error) {
	if cfg.Stream == "" {
		cfg.Stream = "taskweave:events"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 4096
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return &Relay{
		client: client,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Start subscribes to every bus source and forwards events until Stop.
func (r *Relay) Start(ctx context.Context, bus *Bus) {
	ch, cancel := bus.Subscribe("")
	r.stop = cancel

	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				r.forward(ctx, ev)
			}
		}
	}()
}

func (r *Relay) forward(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":      string(ev.Type),
			"source":    ev.Source,
			"seq":       ev.Seq,
			"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
			"data":      string(ev.Marshal()),
		},
	}).Err()
	if err != nil {
		r.logger.Warn("Event relay write failed",
			zap.String("stream", r.stream),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}

// Stop unsubscribes, waits for the forward loop, and closes the client.
func (r *Relay) Stop() {
	if r.stop != nil {
		r.stop()
	}
	<-r.done
	_ = r.client.Close()
}
