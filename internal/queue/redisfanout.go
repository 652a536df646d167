package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fearlessfara/lambdahome/internal/domain"
	"github.com/fearlessfara/lambdahome/internal/logging"
)

// fanoutMessage is the wire shape published to Redis: enough for an
// external dashboard to show lane activity without reconstructing a
// FunctionKey from its opaque string form.
type fanoutMessage struct {
	FunctionName string    `json:"function_name"`
	Runtime      string    `json:"runtime"`
	Version      string    `json:"version"`
	EnvHash      string    `json:"env_hash"`
	Depth        int       `json:"depth"`
	At           time.Time `json:"at"`
}

// RedisFanout implements FanoutNotifier by republishing every lane push
// to a Redis pub/sub channel, grounded on
// oriys-nova/internal/queue/redis_notifier.go's PUBLISH-based broadcast
// (narrowed from that package's cross-node work-stealing notifier to a
// one-way observability fanout, since spec.md's Non-goals keep the
// dispatch path itself single-process and in-memory).
type RedisFanout struct {
	client  *redis.Client
	channel string
}

// NewRedisFanout dials addr and returns a ready RedisFanout publishing to
// channel.
func NewRedisFanout(addr, channel string) (*RedisFanout, error) {
	if channel == "" {
		return nil, fmt.Errorf("queue: redis fanout channel is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: redis fanout: ping %s: %w", addr, err)
	}
	return &RedisFanout{client: client, channel: channel}, nil
}

// NotifyPush implements FanoutNotifier. Publishing is best-effort and
// asynchronous: a slow or unreachable Redis must never add latency to
// the invoke path, so failures are logged and dropped rather than
// propagated.
func (f *RedisFanout) NotifyPush(key domain.FunctionKey, depth int) {
	msg := fanoutMessage{
		FunctionName: key.FunctionName,
		Runtime:      string(key.Runtime),
		Version:      key.Version,
		EnvHash:      key.EnvHash,
		Depth:        depth,
		At:           time.Now(),
	}
	go f.publish(msg)
}

func (f *RedisFanout) publish(msg fanoutMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Op().Warn("queue: redis fanout: marshal", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		logging.Op().Warn("queue: redis fanout: publish", "channel", f.channel, "error", err)
	}
}

// Close releases the underlying Redis client.
func (f *RedisFanout) Close() error {
	return f.client.Close()
}
