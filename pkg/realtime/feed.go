package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"mamahealth/pkg/domain"
)

const defaultBuffer = 64

// Feed broadcasts newly inserted chat messages to subscribers of the same
// conversation. Delivery is at-least-once: subscribers may observe
// duplicates and must de-duplicate by message ID.
type Feed interface {
	Publish(ctx context.Context, msg domain.ChatMessage) error
	Subscribe(ctx context.Context, conversationID string) (*Subscription, error)
	Close() error
}

// Runner is implemented by feeds that need a background loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Subscription is a live stream of inserts for one conversation. C is
// closed after Close or when the subscribing context ends. A subscriber
// that falls behind is dropped by the feed: C is closed and Lagged
// reports true, and the consumer must reload from the store.
type Subscription struct {
	ConversationID string
	C              <-chan domain.ChatMessage

	lagged  atomic.Bool
	once    sync.Once
	closeFn func()
	stop    func() bool
}

func newSubscription(ctx context.Context, conversationID string, c <-chan domain.ChatMessage, closeFn func()) *Subscription {
	sub := &Subscription{ConversationID: conversationID, C: c, closeFn: closeFn}
	sub.stop = context.AfterFunc(ctx, func() { _ = sub.Close() })
	return sub
}

// Lagged reports whether the feed ended the subscription because its
// buffer overflowed.
func (s *Subscription) Lagged() bool {
	return s != nil && s.lagged.Load()
}

// Close deregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		if s.closeFn != nil {
			s.closeFn()
		}
	})
	return nil
}
