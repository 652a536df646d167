package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fearlessfara/lambdahome/internal/domain"
)

// newTestRedisClient dials a local Redis instance for fanout tests,
// skipping the test when none is available, matching the teacher's
// redis_notifier_test.go convention.
func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisFanout_PublishesOnPush(t *testing.T) {
	sub := newTestRedisClient(t)
	defer sub.Close()

	const channel = "lambdahome:test:queue-events"
	pubsub := sub.Subscribe(context.Background(), channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fanout, err := NewRedisFanout("localhost:6379", channel)
	if err != nil {
		t.Fatalf("NewRedisFanout: %v", err)
	}
	defer fanout.Close()

	key := domain.FunctionKey{FunctionName: "echo", Runtime: "nodejs20.x", Version: "LATEST", EnvHash: "deadbeef"}
	fanout.NotifyPush(key, 3)

	select {
	case msg := <-pubsub.Channel():
		var decoded fanoutMessage
		if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if decoded.FunctionName != "echo" || decoded.Depth != 3 {
			t.Fatalf("unexpected message: %+v", decoded)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for fanout message")
	}
}

func TestQueues_SetFanout_NotifiesOnPush(t *testing.T) {
	q := New()
	fn := &domain.FunctionMeta{Name: "echo", Runtime: "nodejs20.x", TimeoutS: 3}
	item := domain.NewWorkItem("req-1", fn, []byte("{}"), "", "", "None")

	notified := make(chan int, 1)
	q.SetFanout(fanoutFunc(func(key domain.FunctionKey, depth int) {
		notified <- depth
	}))

	q.Push(item)

	select {
	case depth := <-notified:
		if depth != 1 {
			t.Fatalf("expected depth 1, got %d", depth)
		}
	case <-time.After(time.Second):
		t.Fatal("fanout was not notified")
	}
}

type fanoutFunc func(key domain.FunctionKey, depth int)

func (f fanoutFunc) NotifyPush(key domain.FunctionKey, depth int) { f(key, depth) }
