package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mamahealth/internal/util"
	"mamahealth/pkg/domain"
	"mamahealth/pkg/store"
	"mamahealth/services/chat/internal/responder"
)

// GetOrCreateConversation resolves the single active conversation for a
// (user, patient) pair, creating it with a welcome message on first use.
// ok is false with a nil error when either id is blank.
func (a *App) GetOrCreateConversation(ctx context.Context, userID, patientID string) (domain.Conversation, bool, error) {
	userID = strings.TrimSpace(userID)
	patientID = strings.TrimSpace(patientID)
	if userID == "" || patientID == "" {
		return domain.Conversation{}, false, nil
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	existing, found, err := a.store.FindConversation(ctx, userID, patientID)
	if err != nil {
		return domain.Conversation{}, false, unavailable("find conversation", err)
	}
	if found {
		return existing, true, nil
	}

	now := a.clock()
	conv := domain.Conversation{
		ID:            util.NewOrderedID(),
		UserID:        userID,
		PatientID:     patientID,
		Context:       domain.ConversationContext{},
		StartedAt:     now,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.store.CreateConversation(ctx, conv); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return domain.Conversation{}, false, unavailable("create conversation", err)
		}
		// a concurrent creator won; adopt its row
		winner, found, err := a.store.FindConversation(ctx, userID, patientID)
		if err != nil {
			return domain.Conversation{}, false, unavailable("find conversation", err)
		}
		if !found {
			return domain.Conversation{}, false, fmt.Errorf("create conversation: %w", store.ErrConflict)
		}
		return winner, true, nil
	}

	welcome := domain.ChatMessage{
		ID:             util.NewOrderedID(),
		ConversationID: conv.ID,
		Content:        responder.WelcomeMessage,
		Sender:         domain.SenderBot,
		MessageType:    domain.MessageSystem,
		SentAt:         now,
	}
	if err := a.messages.Append(ctx, welcome); err != nil {
		util.LoggerFromContext(ctx).Warn("welcome message insert failed",
			"conversation_id", conv.ID, "err", err)
	}
	return conv, true, nil
}

// ConversationForUser loads a conversation and checks it belongs to userID.
func (a *App) ConversationForUser(ctx context.Context, userID, conversationID string) (domain.Conversation, error) {
	conv, ok, err := a.store.GetConversation(ctx, strings.TrimSpace(conversationID))
	if err != nil {
		return domain.Conversation{}, unavailable("get conversation", err)
	}
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	if conv.UserID != userID {
		return domain.Conversation{}, ErrConversationForbidden
	}
	return conv, nil
}

// MarkRead flags the conversation's bot messages sent up to upTo as read.
func (a *App) MarkRead(ctx context.Context, userID, conversationID string, upTo time.Time) (int64, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	conv, err := a.ConversationForUser(ctx, userID, conversationID)
	if err != nil {
		return 0, err
	}
	if upTo.IsZero() {
		upTo = a.clock()
	}
	n, err := a.store.MarkMessagesRead(ctx, conv.ID, upTo)
	if err != nil {
		return 0, unavailable("mark read", err)
	}
	return n, nil
}

// Session tracks the conversation shown for the currently active patient
// and its live view.
type Session struct {
	app      *App
	pageSize int

	mu   sync.Mutex
	conv domain.Conversation
	view *LiveView
}

func (a *App) NewSession(pageSize int) *Session {
	return &Session{app: a, pageSize: clampPageSize(pageSize, a.pageSize)}
}

// Activate resolves the conversation for (userID, patientID). On a patient
// switch the previous live view is closed before the new one opens, so no
// insert from the old conversation is delivered afterwards.
func (s *Session) Activate(ctx context.Context, userID, patientID string) (domain.Conversation, *LiveView, error) {
	conv, ok, err := s.app.GetOrCreateConversation(ctx, userID, patientID)
	if err != nil {
		return domain.Conversation{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		s.closeLocked()
		return domain.Conversation{}, nil, ErrNotReady
	}
	if s.view != nil && s.conv.ID == conv.ID {
		return conv, s.view, nil
	}
	s.closeLocked()
	view, err := s.app.messages.OpenLiveView(ctx, conv.ID, s.pageSize)
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	s.conv = conv
	s.view = view
	return conv, view, nil
}

// Close releases the live view.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.view != nil {
		_ = s.view.Close()
	}
	s.view = nil
	s.conv = domain.Conversation{}
}
