package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mamahealth/pkg/domain"
)

// MemoryStore keeps chat state in-process. It is used by tests and by local
// runs without a database.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]domain.Conversation
	pairs         map[string]string // user|patient -> conversation ID
	messages      map[string][]domain.ChatMessage
	messageIndex  map[string]string // message ID -> conversation ID
	attachments   map[string]domain.Attachment
	attachOrder   []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]domain.Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string][]domain.ChatMessage),
		messageIndex:  make(map[string]string),
		attachments:   make(map[string]domain.Attachment),
	}
}

func pairKey(userID, patientID string) string {
	return userID + "|" + patientID
}

func (m *MemoryStore) FindConversation(_ context.Context, userID, patientID string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.pairs[pairKey(userID, patientID)]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	c, ok := m.conversations[id]
	return cloneConversation(c), ok, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return cloneConversation(c), ok, nil
}

func (m *MemoryStore) CreateConversation(_ context.Context, c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(c.UserID, c.PatientID)
	if _, exists := m.pairs[key]; exists {
		return ErrConflict
	}
	if _, exists := m.conversations[c.ID]; exists {
		return ErrConflict
	}
	m.pairs[key] = c.ID
	m.conversations[c.ID] = cloneConversation(c)
	return nil
}

func (m *MemoryStore) MergeConversationContext(_ context.Context, id string, delta domain.ConversationContext, lastMessageAt time.Time) (domain.ConversationContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	conv.Context = conv.Context.Merge(delta)
	if !lastMessageAt.IsZero() {
		conv.LastMessageAt = lastMessageAt.UTC()
	}
	conv.UpdatedAt = time.Now().UTC()
	m.conversations[id] = conv
	return cloneConversation(conv).Context, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messageIndex[msg.ID]; exists {
		return ErrConflict
	}
	list := m.messages[msg.ConversationID]
	idx := sort.Search(len(list), func(i int) bool { return msg.Before(list[i]) })
	list = append(list, domain.ChatMessage{})
	copy(list[idx+1:], list[idx:])
	list[idx] = msg
	m.messages[msg.ConversationID] = list
	m.messageIndex[msg.ID] = msg.ConversationID
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (domain.ChatMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	convID, ok := m.messageIndex[id]
	if !ok {
		return domain.ChatMessage{}, false, nil
	}
	for _, msg := range m.messages[convID] {
		if msg.ID == id {
			return msg, true, nil
		}
	}
	return domain.ChatMessage{}, false, nil
}

func (m *MemoryStore) ListLatestMessages(_ context.Context, conversationID string, limit int) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.messages[conversationID], limit), nil
}

func (m *MemoryStore) ListMessagesBefore(_ context.Context, conversationID string, cursor domain.MessageCursor, limit int) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.messages[conversationID]
	end := sort.Search(len(list), func(i int) bool {
		return !beforeCursor(list[i], cursor)
	})
	return tail(list[:end], limit), nil
}

func (m *MemoryStore) MarkMessagesRead(_ context.Context, conversationID string, upTo time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	list := m.messages[conversationID]
	for i := range list {
		if list[i].Sender == domain.SenderBot && !list[i].IsRead && !list[i].SentAt.After(upTo) {
			list[i].IsRead = true
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateAttachment(_ context.Context, a domain.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.attachments[a.ID]; exists {
		return ErrConflict
	}
	m.attachments[a.ID] = a
	m.attachOrder = append(m.attachOrder, a.ID)
	return nil
}

func (m *MemoryStore) GetAttachment(_ context.Context, id string) (domain.Attachment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attachments[id]
	return a, ok, nil
}

// ListAttachments returns newest first, like the database implementation.
func (m *MemoryStore) ListAttachments(_ context.Context, ownerUserID, patientID string, limit int) ([]domain.Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Attachment, 0)
	for i := len(m.attachOrder) - 1; i >= 0; i-- {
		a := m.attachments[m.attachOrder[i]]
		if a.OwnerUserID != ownerUserID {
			continue
		}
		if strings.TrimSpace(patientID) != "" && a.PatientID != patientID {
			continue
		}
		res = append(res, a)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

func (m *MemoryStore) SetAttachmentAnalysis(_ context.Context, id string, score int, docType domain.DocumentType, onlyIfUnset bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attachments[id]
	if !ok {
		return nil
	}
	if onlyIfUnset && a.ReliabilityScore != nil {
		return nil
	}
	now := time.Now().UTC()
	clamped := clampScore(score)
	a.ReliabilityScore = &clamped
	a.DocumentType = docType
	a.AnalyzedAt = &now
	a.UpdatedAt = now
	m.attachments[id] = a
	return nil
}

func beforeCursor(msg domain.ChatMessage, cursor domain.MessageCursor) bool {
	if cursor.ID == "" {
		return msg.SentAt.Before(cursor.SentAt)
	}
	return msg.Before(domain.ChatMessage{SentAt: cursor.SentAt, ID: cursor.ID})
}

func tail(list []domain.ChatMessage, limit int) []domain.ChatMessage {
	start := 0
	if limit > 0 && len(list) > limit {
		start = len(list) - limit
	}
	out := make([]domain.ChatMessage, len(list)-start)
	copy(out, list[start:])
	return out
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	if c.Context != nil {
		c.Context = domain.ConversationContext{}.Merge(c.Context)
	}
	return c
}
