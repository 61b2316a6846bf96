package app

import (
	"context"
	"fmt"

	"mamahealth/internal/util"
	"mamahealth/pkg/domain"
	"mamahealth/pkg/realtime"
	"mamahealth/pkg/store"
)

// Page is one window of a conversation log in ascending (SentAt, ID) order.
// HasMore is a heuristic: a full page means older messages may exist.
type Page struct {
	Messages []domain.ChatMessage `json:"messages"`
	HasMore  bool                 `json:"hasMore"`
}

// MessageLog is the paginated, append-only message log of a conversation
// plus its live insert feed.
type MessageLog struct {
	store store.Store
	feed  realtime.Feed
}

func NewMessageLog(s store.Store, feed realtime.Feed) *MessageLog {
	return &MessageLog{store: s, feed: feed}
}

// LoadLatest returns the newest page of a conversation.
func (l *MessageLog) LoadLatest(ctx context.Context, conversationID string, pageSize int) (Page, error) {
	pageSize = clampPageSize(pageSize, DefaultPageSize)
	msgs, err := l.store.ListLatestMessages(ctx, conversationID, pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("%w: latest page of %s: %w", ErrFetchMessages, conversationID, err)
	}
	return Page{Messages: msgs, HasMore: len(msgs) == pageSize}, nil
}

// LoadOlderThan returns the page immediately before cursor.
func (l *MessageLog) LoadOlderThan(ctx context.Context, conversationID string, cursor domain.MessageCursor, pageSize int) (Page, error) {
	pageSize = clampPageSize(pageSize, DefaultPageSize)
	msgs, err := l.store.ListMessagesBefore(ctx, conversationID, cursor, pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("%w: page before %s of %s: %w", ErrFetchMessages, cursor.SentAt.Format("2006-01-02T15:04:05.000000Z07:00"), conversationID, err)
	}
	return Page{Messages: msgs, HasMore: len(msgs) == pageSize}, nil
}

// SubscribeInserts invokes onInsert for every message inserted into the
// conversation until the subscription is closed. Duplicates are possible.
// onLagged, if set, runs once when the feed drops the subscription for
// falling behind.
func (l *MessageLog) SubscribeInserts(ctx context.Context, conversationID string, onInsert func(domain.ChatMessage), onLagged func()) (*realtime.Subscription, error) {
	sub, err := l.feed.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("subscribe inserts: %w", err)
	}
	go func() {
		for msg := range sub.C {
			if msg.ConversationID != conversationID {
				continue
			}
			onInsert(msg)
		}
		if sub.Lagged() && onLagged != nil {
			onLagged()
		}
	}()
	return sub, nil
}

// Append persists msg and announces it on the feed. The stored row is the
// source of truth; a failed publish is only logged.
func (l *MessageLog) Append(ctx context.Context, msg domain.ChatMessage) error {
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	if err := l.feed.Publish(ctx, msg); err != nil {
		util.LoggerFromContext(ctx).Warn("publish insert failed",
			"conversation_id", msg.ConversationID, "message_id", msg.ID, "err", err)
	}
	return nil
}

func clampPageSize(n, def int) int {
	if n <= 0 {
		n = def
	}
	if n > MaxPageSize {
		n = MaxPageSize
	}
	if n < 1 {
		n = 1
	}
	return n
}
