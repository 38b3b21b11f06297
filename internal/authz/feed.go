package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// changeChannel carries rule change events to every connected process.
	changeChannel = "authz.rulechange"
	// sharedVersionKey mirrors the ledger in Redis so remote caches can
	// check staleness without a Postgres round trip.
	sharedVersionKey = "authz:version"
)

// ChangeFeed is the push channel caches subscribe to. Delivery is
// at-least-once and may drop events entirely; subscribers must keep the
// version check as their correctness backstop.
type ChangeFeed interface {
	Subscribe(ctx context.Context, fn func(ChangeEvent)) (func(), error)
}

// EventPublisher emits change events after committed mutations.
type EventPublisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// mirrorVersionScript advances the shared version only forward. Two
// post-commit publishes can reach Redis out of order; a plain SET would
// let the older one win and leave the mirror behind the ledger.
var mirrorVersionScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]))
local next = tonumber(ARGV[1])
if current == nil or next > current then
	redis.call("SET", KEYS[1], ARGV[1])
end
return 0
`)

// RedisFeed implements both sides of the propagation channel on Redis
// pub/sub.
type RedisFeed struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisFeed constructs the feed on the default channel.
func NewRedisFeed(client *redis.Client, logger *slog.Logger) *RedisFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{client: client, channel: changeChannel, logger: logger}
}

// Publish mirrors the event's ledger version into Redis and broadcasts
// the event. Mirror-then-publish: a subscriber that reads the shared
// version right after the event never sees a version older than the one
// the event carries.
func (f *RedisFeed) Publish(ctx context.Context, event ChangeEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("authz: encode change event: %w", err)
	}
	if err := mirrorVersionScript.Run(ctx, f.client, []string{sharedVersionKey}, event.Version).Err(); err != nil {
		return fmt.Errorf("authz: mirror version: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("authz: publish change event: %w", err)
	}
	return nil
}

// SharedVersion reads the mirrored ledger value. Returns 0 when the
// mirror has not been written yet.
func (f *RedisFeed) SharedVersion(ctx context.Context) (int64, error) {
	version, err := f.client.Get(ctx, sharedVersionKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("authz: shared version: %w", err)
	}
	return version, nil
}

// Subscribe starts a goroutine delivering decoded events to fn until the
// context is cancelled or the returned cancel func is called. Malformed
// payloads are logged and skipped; the version backstop covers them.
func (f *RedisFeed) Subscribe(ctx context.Context, fn func(ChangeEvent)) (func(), error) {
	pubsub := f.client.Subscribe(ctx, f.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("authz: subscribe: %w", err)
	}
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					f.logger.Warn("drop malformed change event", slog.Any("error", err))
					continue
				}
				fn(event)
			}
		}
	}()
	return func() { _ = pubsub.Close() }, nil
}
