package realtime

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"mamahealth/pkg/domain"
)

func TestHubDeliversOnlyToMatchingConversation(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	subA, err := hub.Subscribe(ctx, "conv-a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subA.Close()
	subB, _ := hub.Subscribe(ctx, "conv-b")
	defer subB.Close()

	_ = hub.Publish(ctx, domain.ChatMessage{ID: "m1", ConversationID: "conv-a"})

	got := receive(t, subA)
	if got.ID != "m1" {
		t.Fatalf("got %q, want m1", got.ID)
	}
	select {
	case msg := <-subB.C:
		t.Fatalf("conv-b received foreign insert %+v", msg)
	default:
	}
}

func TestHubCloseDeregisters(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.Subscribe(context.Background(), "conv-a")
	if hub.Subscribers("conv-a") != 1 {
		t.Fatalf("expected one subscriber")
	}
	_ = sub.Close()
	_ = sub.Close()
	if hub.Subscribers("conv-a") != 0 {
		t.Fatalf("expected subscriber removed")
	}
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected closed channel")
	}
	_ = hub.Publish(context.Background(), domain.ChatMessage{ID: "m2", ConversationID: "conv-a"})
}

func TestHubEvictsLaggingSubscriber(t *testing.T) {
	hub := NewHub()
	hub.buffer = 1
	ctx := context.Background()
	sub, _ := hub.Subscribe(ctx, "conv-a")

	_ = hub.Publish(ctx, domain.ChatMessage{ID: "m1", ConversationID: "conv-a"})
	_ = hub.Publish(ctx, domain.ChatMessage{ID: "m2", ConversationID: "conv-a"})

	if got := receive(t, sub); got.ID != "m1" {
		t.Fatalf("got %q, want m1", got.ID)
	}
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected stream closed after overflow")
	}
	if !sub.Lagged() {
		t.Fatalf("expected subscription marked lagged")
	}
	if hub.Subscribers("conv-a") != 0 {
		t.Fatalf("lagging subscriber still registered")
	}
	_ = sub.Close()
}

func TestHubSubscriptionEndsWithContext(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	sub, _ := hub.Subscribe(ctx, "conv-a")
	cancel()
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatalf("unexpected message")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed after cancel")
	}
	_ = hub.Close()
}

func TestRedisFeedRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	feed, err := NewRedisFeed(rdb, "test:inserts")
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	ctx := context.Background()
	sub, err := feed.Subscribe(ctx, "conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	sent := domain.ChatMessage{
		ID:             "m-1",
		ConversationID: "conv-1",
		Content:        "hola",
		Sender:         domain.SenderBot,
		MessageType:    domain.MessageText,
		SentAt:         time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := feed.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := receive(t, sub)
	if got.ID != sent.ID || got.Content != sent.Content || !got.SentAt.Equal(sent.SentAt) {
		t.Fatalf("got %+v, want %+v", got, sent)
	}
}

type lookupFunc func(ctx context.Context, id string) (domain.ChatMessage, bool, error)

func (f lookupFunc) GetMessage(ctx context.Context, id string) (domain.ChatMessage, bool, error) {
	return f(ctx, id)
}

func TestPostgresFeedRoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	stored := domain.ChatMessage{ID: "pg-1", ConversationID: "conv-pg", Content: "hola"}
	feed, err := NewPostgresFeed(dsn, "test_chat_inserts", lookupFunc(func(_ context.Context, id string) (domain.ChatMessage, bool, error) {
		return stored, id == stored.ID, nil
	}))
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	defer feed.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	sub, _ := feed.Subscribe(ctx, "conv-pg")
	defer sub.Close()
	if err := feed.Publish(ctx, stored); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := receive(t, sub); got.ID != stored.ID {
		t.Fatalf("got %q", got.ID)
	}
}

func receive(t *testing.T, sub *Subscription) domain.ChatMessage {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for insert")
	}
	return domain.ChatMessage{}
}
