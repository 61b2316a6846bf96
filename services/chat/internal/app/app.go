package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mamahealth/pkg/queue"
	"mamahealth/pkg/realtime"
	"mamahealth/pkg/storage"
	"mamahealth/pkg/store"
	"mamahealth/services/chat/internal/responder"
)

const (
	DefaultPageSize         = 21
	MaxPageSize             = 100
	DefaultMaxUploadBytes   = 10 << 20
	defaultOperationTimeout = 15 * time.Second
	defaultPresignExpiry    = 15 * time.Minute
)

// AnalysisQueue schedules background analysis of uploaded files.
type AnalysisQueue interface {
	Enqueue(ctx context.Context, attachmentID string) (queue.JobStatus, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store            store.Store
	Objects          storage.ObjectStore
	Feed             realtime.Feed
	Queue            AnalysisQueue
	Responder        *responder.Engine
	PageSize         int
	MaxUploadBytes   int64
	OperationTimeout time.Duration
	PresignExpiry    time.Duration
	Now              func() time.Time
}

// App is the chat service core: conversation lifecycle, message log, send
// turn and medical library uploads.
type App struct {
	store            store.Store
	objects          storage.ObjectStore
	queue            AnalysisQueue
	responder        *responder.Engine
	messages         *MessageLog
	pageSize         int
	maxUploadBytes   int64
	operationTimeout time.Duration
	presignExpiry    time.Duration
	now              func() time.Time
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	feed := cfg.Feed
	if feed == nil {
		feed = realtime.NewHub()
	}
	engine := cfg.Responder
	if engine == nil {
		engine = responder.New()
	}
	pageSize := clampPageSize(cfg.PageSize, DefaultPageSize)
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:            cfg.Store,
		objects:          cfg.Objects,
		queue:            cfg.Queue,
		responder:        engine,
		messages:         NewMessageLog(cfg.Store, feed),
		pageSize:         pageSize,
		maxUploadBytes:   maxUpload,
		operationTimeout: timeout,
		presignExpiry:    expiry,
		now:              now,
	}, nil
}

// Messages exposes the conversation message log.
func (a *App) Messages() *MessageLog { return a.messages }

// PageSize is the configured default page size.
func (a *App) PageSize() int { return a.pageSize }

// MaxUploadBytes is the configured upload limit.
func (a *App) MaxUploadBytes() int64 { return a.maxUploadBytes }

func (a *App) clock() time.Time {
	return a.now().UTC().Truncate(time.Microsecond)
}

func (a *App) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.operationTimeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
