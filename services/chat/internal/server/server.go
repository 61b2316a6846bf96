package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mamahealth/internal/metrics"
	"mamahealth/internal/util"
	"mamahealth/pkg/domain"
	"mamahealth/pkg/store"
	"mamahealth/services/chat/internal/app"
)

const (
	sseHeartbeat     = 25 * time.Second
	multipartMemory  = 1 << 20
	multipartPadding = 1 << 20
)

// SubjectVerifier resolves a bearer token to the user id it was issued for.
type SubjectVerifier interface {
	VerifySubject(ctx context.Context, token string) (string, error)
}

// Limiter caps requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
	Window() time.Duration
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Verifier      SubjectVerifier
	SendLimiter   Limiter
	UploadLimiter Limiter

	// AllowedOrigins restricts CORS; empty allows any origin.
	AllowedOrigins []string
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app           *app.App
	verifier      SubjectVerifier
	sendLimiter   Limiter
	uploadLimiter Limiter
	origins       []string
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier required")
	}
	s := &Server{
		app:           cfg.App,
		verifier:      cfg.Verifier,
		sendLimiter:   cfg.SendLimiter,
		uploadLimiter: cfg.UploadLimiter,
		origins:       cfg.AllowedOrigins,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chat", util.WithSecurityHeaders(util.WithCORS(s.origins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.Handle("/chat/conversations", s.withUser(s.handleConversations))
	s.mux.Handle("/chat/conversations/", s.withUser(s.handleConversationRoutes))
	s.mux.Handle("/chat/messages", s.withUser(s.handleSend))
	s.mux.Handle("/chat/events", s.withUser(s.handleEvents))
	s.mux.Handle("/attachments", s.withUser(s.handleAttachments))
	s.mux.Handle("/attachments/", s.withUser(s.handleAttachmentRoutes))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := s.verifier.VerifySubject(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Info("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", userID))
		next(w, r.WithContext(ctx), userID)
	})
}

type conversationRequest struct {
	PatientID string `json:"patientId"`
}

type conversationResponse struct {
	Ready        bool                 `json:"ready"`
	Conversation *domain.Conversation `json:"conversation,omitempty"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req conversationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	conv, ok, err := s.app.GetOrCreateConversation(r.Context(), userID, req.PatientID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, conversationResponse{Ready: false})
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Ready: true, Conversation: &conv})
}

func (s *Server) handleConversationRoutes(w http.ResponseWriter, r *http.Request, userID string) {
	rest := strings.TrimPrefix(r.URL.Path, "/chat/conversations/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	conversationID := parts[0]
	switch parts[1] {
	case "messages":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleListMessages(w, r, userID, conversationID)
	case "read":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleMarkRead(w, r, userID, conversationID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

type pageResponse struct {
	Messages   []domain.ChatMessage  `json:"messages"`
	HasMore    bool                  `json:"hasMore"`
	NextCursor *domain.MessageCursor `json:"nextCursor,omitempty"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, userID, conversationID string) {
	q := r.URL.Query()
	limit := s.app.PageSize()
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	var cursor *domain.MessageCursor
	if v := strings.TrimSpace(q.Get("before")); v != "" {
		sentAt, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		cursor = &domain.MessageCursor{SentAt: sentAt, ID: strings.TrimSpace(q.Get("beforeId"))}
	}

	conv, err := s.app.ConversationForUser(r.Context(), userID, conversationID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var page app.Page
	if cursor == nil {
		page, err = s.app.Messages().LoadLatest(r.Context(), conv.ID, limit)
	} else {
		page, err = s.app.Messages().LoadOlderThan(r.Context(), conv.ID, *cursor, limit)
	}
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	resp := pageResponse{Messages: page.Messages, HasMore: page.HasMore}
	if resp.Messages == nil {
		resp.Messages = []domain.ChatMessage{}
	}
	if page.HasMore && len(page.Messages) > 0 {
		c := page.Messages[0].Cursor()
		resp.NextCursor = &c
	}
	writeJSON(w, http.StatusOK, resp)
}

type readRequest struct {
	UpTo *time.Time `json:"upTo"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, userID, conversationID string) {
	var req readRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var upTo time.Time
	if req.UpTo != nil {
		upTo = req.UpTo.UTC()
	}
	n, err := s.app.MarkRead(r.Context(), userID, conversationID, upTo)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

type sendRequest struct {
	PatientID    string `json:"patientId"`
	Text         string `json:"text"`
	AttachmentID string `json:"attachmentId"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.sendLimiter, "send", userID, "Estás enviando mensajes muy rápido. Espera un momento.") {
		return
	}
	var req sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.app.SendMessage(r.Context(), app.SendInput{
		UserID:       userID,
		PatientID:    req.PatientID,
		Text:         req.Text,
		AttachmentID: req.AttachmentID,
	})
	if err != nil {
		metrics.RecordTurn("error")
		s.writeAppError(w, r, err)
		return
	}
	metrics.RecordTurn("success")
	writeJSON(w, http.StatusCreated, res)
}

type snapshotEvent struct {
	Conversation domain.Conversation  `json:"conversation"`
	Messages     []domain.ChatMessage `json:"messages"`
	HasMore      bool                 `json:"hasMore"`
}

// handleEvents streams the active conversation: one snapshot event, then
// one message event per insert that was not part of the snapshot. A stream
// that falls behind ends with a resync event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	pageSize := s.app.PageSize()
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	session := s.app.NewSession(pageSize)
	defer session.Close()
	conv, view, err := session.Activate(r.Context(), userID, r.URL.Query().Get("patientId"))
	if err != nil {
		if errors.Is(err, app.ErrNotReady) {
			writeJSON(w, http.StatusOK, conversationResponse{Ready: false})
			return
		}
		s.writeAppError(w, r, err)
		return
	}

	// the stream outlives the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	metrics.LiveStreams.Inc()
	defer metrics.LiveStreams.Dec()

	log := util.LoggerFromContext(r.Context()).With("conversation_id", conv.ID)
	if err := writeEvent(w, "snapshot", snapshotEvent{Conversation: conv, Messages: view.Initial(), HasMore: view.HasMore()}); err != nil {
		log.Info("event stream closed", "err", err)
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-view.Updates():
			if !ok {
				if view.Lagged() {
					// the client reconnects and receives a fresh snapshot
					log.Warn("event stream lagged, asking client to resync")
					if err := writeEvent(w, "resync", map[string]string{"conversationId": conv.ID}); err == nil {
						flusher.Flush()
					}
				}
				return
			}
			if err := writeEvent(w, "message", msg); err != nil {
				log.Info("event stream closed", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleAttachments(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.app.ListAttachments(r.Context(), userID, r.URL.Query().Get("patientId"))
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		if items == nil {
			items = []domain.Attachment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	case http.MethodPost:
		s.handleUpload(w, r, userID)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.allowRate(w, r, s.uploadLimiter, "upload", userID, "Demasiadas subidas seguidas. Espera un momento.") {
		return
	}
	if r.ContentLength > s.app.MaxUploadBytes()+multipartPadding {
		s.writeAppError(w, r, app.ErrFileTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.app.MaxUploadBytes()+multipartPadding)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeAppError(w, r, app.ErrFileTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	att, err := s.app.UploadAttachment(r.Context(), app.UploadInput{
		OwnerUserID: userID,
		PatientID:   r.FormValue("patientId"),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Description: r.FormValue("description"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		metrics.RecordUpload("rejected", 0)
		if errors.Is(err, app.ErrUnavailable) {
			util.LoggerFromContext(r.Context()).Warn("upload failed", "file_name", header.Filename, "err", err)
			writeErrorBody(w, http.StatusServiceUnavailable, errorBody{Error: "No se pudo subir el archivo. Intenta de nuevo.", Retryable: true})
			return
		}
		s.writeAppError(w, r, err)
		return
	}
	metrics.RecordUpload("success", att.SizeBytes)
	writeJSON(w, http.StatusCreated, att)
}

func (s *Server) handleAttachmentRoutes(w http.ResponseWriter, r *http.Request, userID string) {
	rest := strings.TrimPrefix(r.URL.Path, "/attachments/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "url" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, err := s.app.AttachmentURL(r.Context(), userID, parts[0])
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter Limiter, action, userID, msg string) bool {
	if limiter == nil || limiter.Allow(r.Context(), action+"|"+userID) {
		return true
	}
	metrics.RecordRateLimited(action)
	retryAfter := int(limiter.Window().Seconds())
	if retryAfter <= 0 {
		retryAfter = 60
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeErrorBody(w, http.StatusTooManyRequests, errorBody{Error: msg, Retryable: true})
	return false
}

// writeAppError maps core errors onto a status and a notice the client can
// show as is.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classifyError(err, s.app.MaxUploadBytes())
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Warn("request failed", "status", status, "err", err)
	}
	writeErrorBody(w, status, body)
}

func classifyError(err error, maxUploadBytes int64) (int, errorBody) {
	switch {
	case errors.Is(err, app.ErrConversationNotFound):
		return http.StatusNotFound, errorBody{Error: "Conversación no encontrada"}
	case errors.Is(err, app.ErrAttachmentNotFound):
		return http.StatusNotFound, errorBody{Error: "Archivo no encontrado"}
	case errors.Is(err, app.ErrConversationForbidden):
		return http.StatusForbidden, errorBody{Error: "No tienes acceso a esta conversación"}
	case errors.Is(err, app.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, errorBody{Error: fmt.Sprintf("El archivo no puede superar %dMB", maxUploadBytes>>20)}
	case errors.Is(err, app.ErrUnsupportedFileType):
		return http.StatusUnsupportedMediaType, errorBody{Error: "Formato no permitido. Usa imágenes, PDF o documentos Word."}
	case errors.Is(err, app.ErrEmptyMessage):
		return http.StatusBadRequest, errorBody{Error: "Escribe un mensaje o adjunta un archivo"}
	case errors.Is(err, app.ErrNotReady):
		return http.StatusConflict, errorBody{Error: "Selecciona un paciente para comenzar"}
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, errorBody{Error: "La conversación cambió mientras se guardaba. Intenta de nuevo.", Retryable: true}
	case errors.Is(err, app.ErrFetchMessages):
		return http.StatusServiceUnavailable, errorBody{Error: "No se pudieron cargar los mensajes", Retryable: true}
	case errors.Is(err, app.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, errorBody{Error: "Servicio no disponible por el momento. Intenta de nuevo.", Retryable: true}
	default:
		return http.StatusInternalServerError, errorBody{Error: "Ocurrió un error inesperado"}
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorBody(w, status, errorBody{Error: msg})
}

func writeErrorBody(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}

func writeEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
