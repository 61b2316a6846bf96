package store

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GORM models used for persistence.
type ConversationModel struct {
	ID            string         `gorm:"primaryKey"`
	UserID        string         `gorm:"not null;index"`
	PatientID     string         `gorm:"not null;index"`
	Context       datatypes.JSON `gorm:"type:jsonb"`
	StartedAt     time.Time      `gorm:"not null"`
	LastMessageAt time.Time      `gorm:"not null;index"`
	CreatedAt     time.Time      `gorm:"not null"`
	UpdatedAt     time.Time      `gorm:"not null"`
	DeletedAt     gorm.DeletedAt `gorm:"index"`
}

type ChatMessageModel struct {
	ID             string    `gorm:"primaryKey"`
	ConversationID string    `gorm:"not null;index:idx_chat_messages_log,priority:1"`
	Content        string    `gorm:"type:text;not null"`
	Sender         string    `gorm:"not null"`
	MessageType    string    `gorm:"not null"`
	AttachmentID   *string   `gorm:"index"`
	AttachmentType *string
	IsRead         bool      `gorm:"not null;default:false"`
	SentAt         time.Time `gorm:"not null;index:idx_chat_messages_log,priority:2"`
}

type MedicalFileModel struct {
	ID               string `gorm:"primaryKey"`
	FileName         string `gorm:"not null"`
	StoragePath      string `gorm:"not null;uniqueIndex"`
	MimeType         string `gorm:"not null"`
	SizeBytes        int64  `gorm:"not null"`
	Description      string
	OwnerUserID      string `gorm:"not null;index"`
	PatientID        string `gorm:"index"`
	ReliabilityScore *int
	DocumentType     *string
	AnalyzedAt       *time.Time
	CreatedAt        time.Time `gorm:"not null;index"`
	UpdatedAt        time.Time `gorm:"not null"`
}
