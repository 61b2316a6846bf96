package app

import (
	"context"
	"strings"

	"mamahealth/internal/util"
	"mamahealth/pkg/domain"
	"mamahealth/services/chat/internal/responder"
)

// SendInput is one user turn.
type SendInput struct {
	UserID       string
	PatientID    string
	Text         string
	AttachmentID string
}

// SendResult carries both persisted messages of the turn.
type SendResult struct {
	Conversation domain.Conversation `json:"conversation"`
	UserMessage  domain.ChatMessage  `json:"userMessage"`
	BotMessage   domain.ChatMessage  `json:"botMessage"`
}

// SendMessage stores the user message, generates the assistant reply from
// the persisted context, stores it and folds the reply's context delta back
// into the conversation.
func (a *App) SendMessage(ctx context.Context, in SendInput) (SendResult, error) {
	text := strings.TrimSpace(in.Text)
	attachmentID := strings.TrimSpace(in.AttachmentID)
	if text == "" && attachmentID == "" {
		return SendResult{}, ErrEmptyMessage
	}

	conv, ok, err := a.GetOrCreateConversation(ctx, in.UserID, in.PatientID)
	if err != nil {
		return SendResult{}, err
	}
	if !ok {
		return SendResult{}, ErrNotReady
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	log := util.LoggerFromContext(ctx).With("conversation_id", conv.ID)

	var attachment *domain.Attachment
	if attachmentID != "" {
		att, found, err := a.store.GetAttachment(ctx, attachmentID)
		if err != nil {
			return SendResult{}, unavailable("get attachment", err)
		}
		if !found || att.OwnerUserID != conv.UserID {
			return SendResult{}, ErrAttachmentNotFound
		}
		attachment = &att
	}

	userMsg := domain.ChatMessage{
		ID:             util.NewOrderedID(),
		ConversationID: conv.ID,
		Content:        text,
		Sender:         domain.SenderUser,
		MessageType:    domain.MessageText,
		SentAt:         a.clock(),
	}
	if attachment != nil {
		userMsg.MessageType = domain.MessageFile
		userMsg.AttachmentID = attachment.ID
		userMsg.AttachmentType = attachment.Kind()
		if userMsg.Content == "" {
			userMsg.Content = responder.AttachmentOnlyContent
		}
	}
	if err := a.messages.Append(ctx, userMsg); err != nil {
		return SendResult{}, unavailable("append user message", err)
	}

	reply := a.responder.Generate(text, attachment != nil, conv.Context.Symptoms())

	botMsg := domain.ChatMessage{
		ID:             util.NewOrderedID(),
		ConversationID: conv.ID,
		Content:        reply.Message,
		Sender:         domain.SenderBot,
		MessageType:    domain.MessageText,
		SentAt:         a.clock(),
	}
	if err := a.messages.Append(ctx, botMsg); err != nil {
		// the user message is stored; the client can resend to get a reply
		log.Warn("bot reply insert failed", "user_message_id", userMsg.ID, "err", err)
		return SendResult{}, unavailable("append bot message", err)
	}

	merged, err := a.store.MergeConversationContext(ctx, conv.ID, reply.ContextDelta, botMsg.SentAt)
	if err != nil {
		log.Warn("context update failed", "bot_message_id", botMsg.ID, "err", err)
		return SendResult{}, unavailable("update conversation context", err)
	}
	conv.Context = merged
	conv.LastMessageAt = botMsg.SentAt

	if reply.Analysis != nil && attachment != nil {
		if err := a.store.SetAttachmentAnalysis(ctx, attachment.ID, reply.Analysis.ReliabilityScore, reply.Analysis.DocumentType, true); err != nil {
			log.Warn("record analysis hint failed", "attachment_id", attachment.ID, "err", err)
		}
	}

	return SendResult{Conversation: conv, UserMessage: userMsg, BotMessage: botMsg}, nil
}

