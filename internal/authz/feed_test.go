package authz

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestFeed(t *testing.T) (*RedisFeed, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	feed := NewRedisFeed(client, testLogger())
	return feed, func() {
		_ = client.Close()
		mr.Close()
	}
}

func TestSharedVersionUnsetReturnsZero(t *testing.T) {
	feed, cleanup := newTestFeed(t)
	defer cleanup()

	version, err := feed.SharedVersion(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != 0 {
		t.Fatalf("expected 0 before first publish, got %d", version)
	}
}

func TestPublishMirrorsVersionAndDelivers(t *testing.T) {
	feed, cleanup := newTestFeed(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan ChangeEvent, 1)
	stop, err := feed.Subscribe(ctx, func(event ChangeEvent) {
		received <- event
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	event := ChangeEvent{
		SubjectKind: SubjectRole,
		SubjectID:   "manager",
		ChangeType:  ChangeRuleUpdated,
		Version:     9,
	}
	if err := feed.Publish(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.SubjectID != "manager" || got.Version != 9 {
			t.Fatalf("unexpected event: %+v", got)
		}
		if got.ID == "" {
			t.Fatal("publish must assign an event id")
		}
		if got.OccurredAt.IsZero() {
			t.Fatal("publish must stamp the event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	version, err := feed.SharedVersion(ctx)
	if err != nil {
		t.Fatalf("shared version: %v", err)
	}
	if version != 9 {
		t.Fatalf("expected mirrored version 9, got %d", version)
	}
}

func TestPublishNeverMovesMirrorBackwards(t *testing.T) {
	feed, cleanup := newTestFeed(t)
	defer cleanup()
	ctx := context.Background()

	// Two post-commit publishes can reach Redis out of order. The older
	// one must not drag the shared mirror behind the ledger.
	if err := feed.Publish(ctx, ChangeEvent{SubjectKind: SubjectUser, SubjectID: "u-1", Version: 6}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := feed.Publish(ctx, ChangeEvent{SubjectKind: SubjectUser, SubjectID: "u-2", Version: 5}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	version, err := feed.SharedVersion(ctx)
	if err != nil {
		t.Fatalf("shared version: %v", err)
	}
	if version != 6 {
		t.Fatalf("mirror must stay at 6, got %d", version)
	}

	if err := feed.Publish(ctx, ChangeEvent{SubjectKind: SubjectUser, SubjectID: "u-3", Version: 7}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	version, err = feed.SharedVersion(ctx)
	if err != nil {
		t.Fatalf("shared version: %v", err)
	}
	if version != 7 {
		t.Fatalf("mirror must advance to 7, got %d", version)
	}
}

func TestCacheAppliesPublishedEvents(t *testing.T) {
	feed, cleanup := newTestFeed(t)
	defer cleanup()

	eval := &countingEvaluator{version: 1, sources: roleSources("manager")}
	cache, err := NewDecisionCache(eval, CacheConfig{TTL: time.Minute}, testLogger())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cache.Start(ctx, feed); err != nil {
		t.Fatalf("start: %v", err)
	}

	cache.Check(ctx, "u-1", "payroll.view", nil)
	if eval.callCount() != 1 {
		t.Fatalf("setup: calls=%d", eval.callCount())
	}

	eval.setVersion(2)
	if err := feed.Publish(ctx, ChangeEvent{
		SubjectKind: SubjectUser,
		SubjectID:   "u-1",
		ChangeType:  ChangeRuleUpdated,
		Version:     2,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for cache.ObservedVersion() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("cache never observed the published version")
		}
		time.Sleep(5 * time.Millisecond)
	}

	decision := cache.Check(ctx, "u-1", "payroll.view", nil)
	if eval.callCount() != 2 {
		t.Fatalf("expected re-evaluation after event, calls=%d", eval.callCount())
	}
	if decision.Version != 2 {
		t.Fatalf("expected fresh decision at version 2, got %d", decision.Version)
	}
}

func TestSubscribeSkipsMalformedPayloads(t *testing.T) {
	feed, cleanup := newTestFeed(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan ChangeEvent, 1)
	stop, err := feed.Subscribe(ctx, func(event ChangeEvent) {
		received <- event
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	if err := feed.client.Publish(ctx, changeChannel, "not json").Err(); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}
	if err := feed.Publish(ctx, ChangeEvent{SubjectKind: SubjectUser, SubjectID: "u-1", Version: 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.SubjectID != "u-1" {
			t.Fatalf("expected the valid event, got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid event not delivered after malformed payload")
	}
}
