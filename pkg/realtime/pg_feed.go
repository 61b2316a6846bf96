package realtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"mamahealth/pkg/domain"
)

// MessageLookup resolves a notified message id to the stored row.
type MessageLookup interface {
	GetMessage(ctx context.Context, id string) (domain.ChatMessage, bool, error)
}

type notifyPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// PostgresFeed uses LISTEN/NOTIFY. Notifications carry ids only; the row is
// read back from the store and dispatched to local subscribers.
type PostgresFeed struct {
	db       *sql.DB
	listener *pq.Listener
	channel  string
	lookup   MessageLookup
	hub      *Hub
}

func NewPostgresFeed(dsn, channel string, lookup MessageLookup) (*PostgresFeed, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn required")
	}
	if lookup == nil {
		return nil, errors.New("message lookup required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "chat_inserts"
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open notify db: %w", err)
	}
	listener := pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("realtime: listener event", "event", int(ev), "err", err)
		}
	})
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		_ = db.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return &PostgresFeed{db: db, listener: listener, channel: channel, lookup: lookup, hub: NewHub()}, nil
}

func (f *PostgresFeed) Publish(ctx context.Context, msg domain.ChatMessage) error {
	raw, err := json.Marshal(notifyPayload{ConversationID: msg.ConversationID, MessageID: msg.ID})
	if err != nil {
		return err
	}
	_, err = f.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", f.channel, string(raw))
	return err
}

func (f *PostgresFeed) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	return f.hub.Subscribe(ctx, conversationID)
}

// Run forwards notifications until ctx ends.
func (f *PostgresFeed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-f.listener.Notify:
			if n == nil {
				// reconnected; inserts during the gap are recovered on reload
				continue
			}
			f.handle(ctx, n.Extra)
		case <-time.After(90 * time.Second):
			go func() { _ = f.listener.Ping() }()
		}
	}
}

func (f *PostgresFeed) handle(ctx context.Context, payload string) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		slog.Warn("realtime: bad notify payload", "err", err)
		return
	}
	if f.hub.Subscribers(p.ConversationID) == 0 {
		return
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg, ok, err := f.lookup.GetMessage(lookupCtx, p.MessageID)
	if err != nil {
		slog.Warn("realtime: load notified message", "message_id", p.MessageID, "err", err)
		return
	}
	if !ok {
		return
	}
	f.hub.dispatch(msg)
}

func (f *PostgresFeed) Close() error {
	_ = f.hub.Close()
	err := f.listener.Close()
	if dbErr := f.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
