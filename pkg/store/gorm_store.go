package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"mamahealth/pkg/domain"
)

const migrateLockID int64 = 61626261

const pgUniqueViolation = "23505"

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ConversationModel{}, &ChatMessageModel{}, &MedicalFileModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		// at most one live conversation per (user, patient)
		if err := tx.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_pair
			ON conversation_models (user_id, patient_id)
			WHERE deleted_at IS NULL
		`).Error; err != nil {
			return fmt.Errorf("create active conversation index: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chat_message_models'
					AND constraint_name = 'chat_message_models_conversation_id_fkey'
				) THEN
					ALTER TABLE chat_message_models
					ADD CONSTRAINT chat_message_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure message foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// FindConversation returns the live conversation for a (user, patient) pair.
func (s *GormStore) FindConversation(ctx context.Context, userID, patientID string) (domain.Conversation, bool, error) {
	var model ConversationModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND patient_id = ?", userID, patientID).
		Order("created_at asc").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	conv, err := conversationFromModel(model)
	return conv, err == nil, err
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	conv, err := conversationFromModel(model)
	return conv, err == nil, err
}

// CreateConversation inserts a conversation. A concurrent insert for the same
// pair surfaces as ErrConflict.
func (s *GormStore) CreateConversation(ctx context.Context, c domain.Conversation) error {
	model, err := conversationToModel(c)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// MergeConversationContext locks the conversation row, unions delta into
// its context and bumps last_message_at.
func (s *GormStore) MergeConversationContext(ctx context.Context, id string, delta domain.ConversationContext, lastMessageAt time.Time) (domain.ConversationContext, error) {
	var merged domain.ConversationContext
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ConversationModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			return err
		}
		conv, err := conversationFromModel(model)
		if err != nil {
			return err
		}
		merged = conv.Context.Merge(delta)
		raw, err := marshalContext(merged)
		if err != nil {
			return err
		}
		updates := map[string]any{
			"context":    raw,
			"updated_at": time.Now().UTC(),
		}
		if !lastMessageAt.IsZero() {
			updates["last_message_at"] = lastMessageAt.UTC()
		}
		return tx.Model(&ConversationModel{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// AppendMessage records a chat message.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) error {
	model := messageToModel(msg)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *GormStore) GetMessage(ctx context.Context, id string) (domain.ChatMessage, bool, error) {
	var model ChatMessageModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ChatMessage{}, false, nil
		}
		return domain.ChatMessage{}, false, err
	}
	return messageFromModel(model), true, nil
}

// ListLatestMessages returns the newest messages of a conversation, oldest first.
func (s *GormStore) ListLatestMessages(ctx context.Context, conversationID string, limit int) ([]domain.ChatMessage, error) {
	var models []ChatMessageModel
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sent_at desc, id desc").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return messagesAscending(models), nil
}

// ListMessagesBefore pages backwards from cursor, oldest first.
func (s *GormStore) ListMessagesBefore(ctx context.Context, conversationID string, cursor domain.MessageCursor, limit int) ([]domain.ChatMessage, error) {
	query := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if strings.TrimSpace(cursor.ID) == "" {
		query = query.Where("sent_at < ?", cursor.SentAt.UTC())
	} else {
		query = query.Where("(sent_at, id) < (?, ?)", cursor.SentAt.UTC(), cursor.ID)
	}
	var models []ChatMessageModel
	if err := query.Order("sent_at desc, id desc").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	return messagesAscending(models), nil
}

// MarkMessagesRead flags bot messages sent at or before upTo as read.
func (s *GormStore) MarkMessagesRead(ctx context.Context, conversationID string, upTo time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&ChatMessageModel{}).
		Where("conversation_id = ? AND sender = ? AND is_read = ? AND sent_at <= ?", conversationID, string(domain.SenderBot), false, upTo.UTC()).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

// CreateAttachment records a library file's metadata.
func (s *GormStore) CreateAttachment(ctx context.Context, a domain.Attachment) error {
	model := attachmentToModel(a)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *GormStore) GetAttachment(ctx context.Context, id string) (domain.Attachment, bool, error) {
	var model MedicalFileModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Attachment{}, false, nil
		}
		return domain.Attachment{}, false, err
	}
	return attachmentFromModel(model), true, nil
}

// ListAttachments returns the newest library files for an owner, optionally
// narrowed to one patient.
func (s *GormStore) ListAttachments(ctx context.Context, ownerUserID, patientID string, limit int) ([]domain.Attachment, error) {
	query := s.db.WithContext(ctx).Where("owner_user_id = ?", ownerUserID)
	if strings.TrimSpace(patientID) != "" {
		query = query.Where("patient_id = ?", patientID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []MedicalFileModel
	if err := query.Order("created_at desc, id desc").Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Attachment, 0, len(models))
	for _, m := range models {
		items = append(items, attachmentFromModel(m))
	}
	return items, nil
}

func (s *GormStore) SetAttachmentAnalysis(ctx context.Context, id string, score int, docType domain.DocumentType, onlyIfUnset bool) error {
	now := time.Now().UTC()
	query := s.db.WithContext(ctx).Model(&MedicalFileModel{}).Where("id = ?", id)
	if onlyIfUnset {
		query = query.Where("reliability_score IS NULL")
	}
	return query.Updates(map[string]any{
		"reliability_score": clampScore(score),
		"document_type":     string(docType),
		"analyzed_at":       now,
		"updated_at":        now,
	}).Error
}

func messagesAscending(models []ChatMessageModel) []domain.ChatMessage {
	items := make([]domain.ChatMessage, len(models))
	for i, m := range models {
		items[len(models)-1-i] = messageFromModel(m)
	}
	return items
}

func marshalContext(c domain.ConversationContext) (datatypes.JSON, error) {
	if c == nil {
		c = domain.ConversationContext{}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation context: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func conversationToModel(c domain.Conversation) (ConversationModel, error) {
	raw, err := marshalContext(c.Context)
	if err != nil {
		return ConversationModel{}, err
	}
	return ConversationModel{
		ID:            c.ID,
		UserID:        c.UserID,
		PatientID:     c.PatientID,
		Context:       raw,
		StartedAt:     c.StartedAt.UTC(),
		LastMessageAt: c.LastMessageAt.UTC(),
		CreatedAt:     c.CreatedAt.UTC(),
		UpdatedAt:     c.UpdatedAt.UTC(),
	}, nil
}

func conversationFromModel(m ConversationModel) (domain.Conversation, error) {
	ctxValue := domain.ConversationContext{}
	if len(m.Context) > 0 {
		if err := json.Unmarshal(m.Context, &ctxValue); err != nil {
			return domain.Conversation{}, fmt.Errorf("decode conversation context: %w", err)
		}
	}
	return domain.Conversation{
		ID:            m.ID,
		UserID:        m.UserID,
		PatientID:     m.PatientID,
		Context:       ctxValue,
		StartedAt:     m.StartedAt,
		LastMessageAt: m.LastMessageAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

func messageToModel(msg domain.ChatMessage) ChatMessageModel {
	model := ChatMessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Sender:         string(msg.Sender),
		MessageType:    string(msg.MessageType),
		IsRead:         msg.IsRead,
		SentAt:         msg.SentAt.UTC(),
	}
	if id := strings.TrimSpace(msg.AttachmentID); id != "" {
		model.AttachmentID = &id
	}
	if kind := string(msg.AttachmentType); kind != "" {
		model.AttachmentType = &kind
	}
	return model
}

func messageFromModel(m ChatMessageModel) domain.ChatMessage {
	msg := domain.ChatMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		Sender:         domain.Sender(m.Sender),
		MessageType:    domain.MessageType(m.MessageType),
		IsRead:         m.IsRead,
		SentAt:         m.SentAt,
	}
	if m.AttachmentID != nil {
		msg.AttachmentID = *m.AttachmentID
	}
	if m.AttachmentType != nil {
		msg.AttachmentType = domain.AttachmentKind(*m.AttachmentType)
	}
	return msg
}

func attachmentToModel(a domain.Attachment) MedicalFileModel {
	model := MedicalFileModel{
		ID:               a.ID,
		FileName:         a.FileName,
		StoragePath:      a.StoragePath,
		MimeType:         a.MimeType,
		SizeBytes:        a.SizeBytes,
		Description:      a.Description,
		OwnerUserID:      a.OwnerUserID,
		PatientID:        a.PatientID,
		ReliabilityScore: a.ReliabilityScore,
		AnalyzedAt:       a.AnalyzedAt,
		CreatedAt:        a.CreatedAt.UTC(),
		UpdatedAt:        a.UpdatedAt.UTC(),
	}
	if a.DocumentType != "" {
		docType := string(a.DocumentType)
		model.DocumentType = &docType
	}
	return model
}

func attachmentFromModel(m MedicalFileModel) domain.Attachment {
	a := domain.Attachment{
		ID:               m.ID,
		FileName:         m.FileName,
		StoragePath:      m.StoragePath,
		MimeType:         m.MimeType,
		SizeBytes:        m.SizeBytes,
		Description:      m.Description,
		OwnerUserID:      m.OwnerUserID,
		PatientID:        m.PatientID,
		ReliabilityScore: m.ReliabilityScore,
		AnalyzedAt:       m.AnalyzedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if m.DocumentType != nil {
		a.DocumentType = domain.DocumentType(*m.DocumentType)
	}
	return a
}
