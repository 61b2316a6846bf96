package store

import (
	"context"
	"errors"
	"time"

	"mamahealth/pkg/domain"
)

// ErrConflict reports a unique-constraint violation, e.g. a second active
// conversation for the same (user, patient) pair.
var ErrConflict = errors.New("store: unique constraint violated")

// Store defines persistence operations for conversations, chat messages and
// medical library files.
type Store interface {
	// conversations
	FindConversation(ctx context.Context, userID, patientID string) (domain.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	CreateConversation(ctx context.Context, c domain.Conversation) error
	// MergeConversationContext folds delta into the stored context atomically
	// and returns the merged result.
	MergeConversationContext(ctx context.Context, id string, delta domain.ConversationContext, lastMessageAt time.Time) (domain.ConversationContext, error)

	// messages
	AppendMessage(ctx context.Context, msg domain.ChatMessage) error
	GetMessage(ctx context.Context, id string) (domain.ChatMessage, bool, error)
	// ListLatestMessages returns up to limit newest messages in ascending order.
	ListLatestMessages(ctx context.Context, conversationID string, limit int) ([]domain.ChatMessage, error)
	// ListMessagesBefore returns up to limit messages older than cursor in ascending order.
	ListMessagesBefore(ctx context.Context, conversationID string, cursor domain.MessageCursor, limit int) ([]domain.ChatMessage, error)
	MarkMessagesRead(ctx context.Context, conversationID string, upTo time.Time) (int64, error)

	// attachments
	CreateAttachment(ctx context.Context, a domain.Attachment) error
	GetAttachment(ctx context.Context, id string) (domain.Attachment, bool, error)
	ListAttachments(ctx context.Context, ownerUserID, patientID string, limit int) ([]domain.Attachment, error)
	// SetAttachmentAnalysis records an analysis result. With onlyIfUnset the
	// update is skipped when a score already exists.
	SetAttachmentAnalysis(ctx context.Context, id string, score int, docType domain.DocumentType, onlyIfUnset bool) error
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
