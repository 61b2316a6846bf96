package realtime

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"mamahealth/pkg/domain"
)

type hubSubscriber struct {
	ch  chan domain.ChatMessage
	sub *Subscription
}

// Hub fans inserts out to in-process subscribers. It is the memory backend
// and the local dispatcher behind PostgresFeed.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*hubSubscriber]struct{}
	buffer int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubSubscriber]struct{}), buffer: defaultBuffer}
}

func (h *Hub) Publish(_ context.Context, msg domain.ChatMessage) error {
	h.dispatch(msg)
	return nil
}

func (h *Hub) dispatch(msg domain.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[msg.ConversationID]
	for sub := range set {
		select {
		case sub.ch <- msg:
		default:
			// evict so the consumer sees a closed stream instead of a gap
			slog.Warn("realtime: subscriber buffer full, dropping subscriber",
				"conversation_id", msg.ConversationID, "message_id", msg.ID)
			if sub.sub != nil {
				sub.sub.lagged.Store(true)
			}
			delete(set, sub)
			close(sub.ch)
		}
	}
	if len(set) == 0 {
		delete(h.subs, msg.ConversationID)
	}
}

func (h *Hub) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	conversationID = strings.TrimSpace(conversationID)
	sub := &hubSubscriber{ch: make(chan domain.ChatMessage, h.buffer)}
	h.mu.Lock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[*hubSubscriber]struct{})
		h.subs[conversationID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	subscription := newSubscription(ctx, conversationID, sub.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		set, ok := h.subs[conversationID]
		if !ok {
			return
		}
		if _, live := set[sub]; !live {
			return
		}
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, conversationID)
		}
		close(sub.ch)
	})
	h.mu.Lock()
	sub.sub = subscription
	h.mu.Unlock()
	return subscription, nil
}

// Subscribers reports how many live subscriptions a conversation has.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(h.subs, id)
	}
	return nil
}
