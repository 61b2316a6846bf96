package domain

import (
	"strings"
	"time"
)

type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentPDF      AttachmentKind = "pdf"
	AttachmentDocument AttachmentKind = "document"
)

type DocumentType string

const (
	DocumentCertificate   DocumentType = "certificate"
	DocumentLabResult     DocumentType = "lab_result"
	DocumentPrescription  DocumentType = "prescription"
	DocumentMedicalRecord DocumentType = "medical_record"
	DocumentOther         DocumentType = "other"
)

// Conversation is the single active chat between a user and the assistant
// about one patient.
type Conversation struct {
	ID            string              `json:"id"`
	UserID        string              `json:"userId"`
	PatientID     string              `json:"patientId"`
	Context       ConversationContext `json:"context"`
	StartedAt     time.Time           `json:"startedAt"`
	LastMessageAt time.Time           `json:"lastMessageAt"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

type ChatMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Content        string         `json:"content"`
	Sender         Sender         `json:"sender"`
	MessageType    MessageType    `json:"messageType"`
	AttachmentID   string         `json:"attachmentId,omitempty"`
	AttachmentType AttachmentKind `json:"attachmentType,omitempty"`
	IsRead         bool           `json:"isRead"`
	SentAt         time.Time      `json:"sentAt"`
}

// Cursor returns the keyset position of the message.
func (m ChatMessage) Cursor() MessageCursor {
	return MessageCursor{SentAt: m.SentAt, ID: m.ID}
}

// Before reports whether m sorts before other in (SentAt, ID) order.
func (m ChatMessage) Before(other ChatMessage) bool {
	if m.SentAt.Equal(other.SentAt) {
		return m.ID < other.ID
	}
	return m.SentAt.Before(other.SentAt)
}

// MessageCursor marks a position in a conversation log. An empty ID means
// "strictly before SentAt".
type MessageCursor struct {
	SentAt time.Time `json:"sentAt"`
	ID     string    `json:"id,omitempty"`
}

// Attachment is a file in the patient's medical library.
type Attachment struct {
	ID               string       `json:"id"`
	FileName         string       `json:"fileName"`
	StoragePath      string       `json:"-"`
	MimeType         string       `json:"mimeType"`
	SizeBytes        int64        `json:"sizeBytes"`
	Description      string       `json:"description,omitempty"`
	OwnerUserID      string       `json:"ownerUserId"`
	PatientID        string       `json:"patientId"`
	ReliabilityScore *int         `json:"reliabilityScore"`
	DocumentType     DocumentType `json:"documentType,omitempty"`
	AnalyzedAt       *time.Time   `json:"analyzedAt,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Kind maps the MIME type onto the chat attachment category.
func (a Attachment) Kind() AttachmentKind {
	return KindForMIME(a.MimeType)
}

func KindForMIME(mimeType string) AttachmentKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return AttachmentImage
	case mimeType == "application/pdf":
		return AttachmentPDF
	default:
		return AttachmentDocument
	}
}
