package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"mamahealth/pkg/domain"
)

// RedisFeed publishes inserts on one pub/sub channel per conversation so
// every chat replica sees every insert.
type RedisFeed struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisFeed(rdb *redis.Client, prefix string) (*RedisFeed, error) {
	if rdb == nil {
		return nil, errors.New("redis client required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "chat:inserts"
	}
	return &RedisFeed{rdb: rdb, prefix: prefix}, nil
}

func (f *RedisFeed) channel(conversationID string) string {
	return f.prefix + ":" + conversationID
}

func (f *RedisFeed) Publish(ctx context.Context, msg domain.ChatMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.channel(msg.ConversationID), raw).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	conversationID = strings.TrimSpace(conversationID)
	ps := f.rdb.Subscribe(ctx, f.channel(conversationID))
	// ensures subscription actually started
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan domain.ChatMessage, defaultBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := ps.Channel()
		for {
			select {
			case <-done:
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var msg domain.ChatMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					slog.Warn("realtime: bad redis payload", "channel", m.Channel, "err", err)
					continue
				}
				select {
				case out <- msg:
				case <-done:
					return
				}
			}
		}
	}()

	return newSubscription(ctx, conversationID, out, func() {
		close(done)
		_ = ps.Close()
	}), nil
}

// Close is a no-op; the client is owned by the caller.
func (f *RedisFeed) Close() error { return nil }
