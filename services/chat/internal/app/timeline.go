package app

import (
	"context"
	"errors"
	"sort"
	"sync"

	"mamahealth/internal/util"
	"mamahealth/pkg/domain"
	"mamahealth/pkg/realtime"
)

// Timeline is an ordered, de-duplicated set of messages keyed by ID.
type Timeline struct {
	items []domain.ChatMessage
	ids   map[string]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{ids: make(map[string]struct{})}
}

// Merge inserts msgs in (SentAt, ID) order and returns those that were new.
func (t *Timeline) Merge(msgs ...domain.ChatMessage) []domain.ChatMessage {
	var added []domain.ChatMessage
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		if _, dup := t.ids[msg.ID]; dup {
			continue
		}
		t.ids[msg.ID] = struct{}{}
		idx := sort.Search(len(t.items), func(i int) bool { return msg.Before(t.items[i]) })
		t.items = append(t.items, domain.ChatMessage{})
		copy(t.items[idx+1:], t.items[idx:])
		t.items[idx] = msg
		added = append(added, msg)
	}
	return added
}

func (t *Timeline) Messages() []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(t.items))
	copy(out, t.items)
	return out
}

func (t *Timeline) Oldest() (domain.ChatMessage, bool) {
	if len(t.items) == 0 {
		return domain.ChatMessage{}, false
	}
	return t.items[0], true
}

// LiveView is the client-side picture of one conversation: the newest page,
// any older pages loaded on demand, and realtime inserts, merged by ID.
type LiveView struct {
	log            *MessageLog
	conversationID string
	pageSize       int

	mu       sync.Mutex
	timeline *Timeline
	hasMore  bool
	ready    bool
	initial  []domain.ChatMessage
	updates  chan domain.ChatMessage
	sub      *realtime.Subscription
	closed   bool
	lagged   bool
}

// OpenLiveView subscribes to inserts, then loads the newest page. Inserts
// that race with the load are de-duplicated; only messages that arrive
// after the snapshot appear on Updates.
func (l *MessageLog) OpenLiveView(ctx context.Context, conversationID string, pageSize int) (*LiveView, error) {
	v := &LiveView{
		log:            l,
		conversationID: conversationID,
		pageSize:       clampPageSize(pageSize, DefaultPageSize),
		timeline:       NewTimeline(),
		updates:        make(chan domain.ChatMessage, 64),
	}
	sub, err := l.SubscribeInserts(ctx, conversationID, v.onInsert, v.fallBehind)
	if err != nil {
		return nil, err
	}
	page, err := l.LoadLatest(ctx, conversationID, v.pageSize)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	v.mu.Lock()
	v.sub = sub
	if v.closed {
		_ = sub.Close()
	}
	v.timeline.Merge(page.Messages...)
	v.hasMore = page.HasMore
	v.initial = v.timeline.Messages()
	v.ready = true
	v.mu.Unlock()
	return v, nil
}

func (v *LiveView) onInsert(msg domain.ChatMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	added := v.timeline.Merge(msg)
	if !v.ready {
		return
	}
	for _, m := range added {
		select {
		case v.updates <- m:
		default:
			util.LoggerFromContext(context.Background()).Warn("live view consumer fell behind",
				"conversation_id", v.conversationID, "message_id", m.ID)
			v.fallBehindLocked()
			return
		}
	}
}

func (v *LiveView) fallBehind() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fallBehindLocked()
}

// fallBehindLocked ends delivery so the consumer reloads instead of
// silently missing an insert.
func (v *LiveView) fallBehindLocked() {
	if v.closed {
		return
	}
	v.closed = true
	v.lagged = true
	close(v.updates)
	if v.sub != nil {
		_ = v.sub.Close()
	}
}

// Lagged reports whether Updates was closed because inserts were lost.
// The consumer should reopen the view to resynchronize.
func (v *LiveView) Lagged() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lagged
}

// Initial is the snapshot taken when the view became live.
func (v *LiveView) Initial() []domain.ChatMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.ChatMessage, len(v.initial))
	copy(out, v.initial)
	return out
}

// Messages returns everything merged so far in order.
func (v *LiveView) Messages() []domain.ChatMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.timeline.Messages()
}

func (v *LiveView) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasMore
}

// Updates delivers de-duplicated inserts that arrived after the snapshot.
// It is closed by Close, or early when the view lags.
func (v *LiveView) Updates() <-chan domain.ChatMessage { return v.updates }

// LoadMore fetches the page before the oldest loaded message. It is
// fail-soft: on error the loaded state and HasMore are left untouched.
func (v *LiveView) LoadMore(ctx context.Context) (int, error) {
	v.mu.Lock()
	oldest, ok := v.timeline.Oldest()
	hasMore := v.hasMore
	v.mu.Unlock()
	if !ok || !hasMore {
		return 0, nil
	}
	page, err := v.log.LoadOlderThan(ctx, v.conversationID, oldest.Cursor(), v.pageSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			util.LoggerFromContext(ctx).Warn("load older messages failed",
				"conversation_id", v.conversationID, "err", err)
		}
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	added := v.timeline.Merge(page.Messages...)
	v.hasMore = page.HasMore
	return len(added), nil
}

// Close stops realtime delivery. It is safe to call more than once.
func (v *LiveView) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	sub := v.sub
	close(v.updates)
	v.mu.Unlock()
	return sub.Close()
}
