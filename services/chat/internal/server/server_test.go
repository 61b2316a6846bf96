package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"mamahealth/pkg/domain"
	"mamahealth/pkg/realtime"
	"mamahealth/pkg/storage"
	"mamahealth/pkg/store"
	"mamahealth/services/chat/internal/app"
	"mamahealth/services/chat/internal/responder"
)

type staticVerifier struct{}

// tokens have the form "tok-<userID>"
func (staticVerifier) VerifySubject(_ context.Context, token string) (string, error) {
	if !strings.HasPrefix(token, "tok-") {
		return "", errors.New("invalid token")
	}
	return strings.TrimPrefix(token, "tok-"), nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) bool { return false }
func (denyLimiter) Window() time.Duration              { return 30 * time.Second }

func newTestServer(t *testing.T, mutate ...func(*Config)) (*httptest.Server, *storage.MemoryStore) {
	t.Helper()
	objects := storage.NewMemoryStore()
	core, err := app.New(app.Config{
		Store:     store.NewMemoryStore(),
		Objects:   objects,
		Feed:      realtime.NewHub(),
		Responder: responder.New(responder.WithChooser(func(int) int { return 0 })),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg := Config{App: core, Verifier: staticVerifier{}}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, objects
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, user string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer tok-"+user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}

func TestHealthAndAuth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, ts, http.MethodGet, "/healthz", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	resp = doJSON(t, ts, http.MethodPost, "/chat/conversations", "", map[string]string{"patientId": "p-1"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", resp.StatusCode)
	}
}

func TestConversationNotReadyThenCreated(t *testing.T) {
	ts, _ := newTestServer(t)

	var notReady conversationResponse
	doJSON(t, ts, http.MethodPost, "/chat/conversations", "u-1", map[string]string{"patientId": "  "}, &notReady)
	if notReady.Ready || notReady.Conversation != nil {
		t.Fatalf("blank patient should not be ready: %+v", notReady)
	}

	var created conversationResponse
	resp := doJSON(t, ts, http.MethodPost, "/chat/conversations", "u-1", map[string]string{"patientId": "p-1"}, &created)
	if resp.StatusCode != http.StatusOK || !created.Ready || created.Conversation == nil {
		t.Fatalf("create: status=%d body=%+v", resp.StatusCode, created)
	}

	var page pageResponse
	doJSON(t, ts, http.MethodGet, "/chat/conversations/"+created.Conversation.ID+"/messages", "u-1", nil, &page)
	if len(page.Messages) != 1 || page.Messages[0].Content != responder.WelcomeMessage {
		t.Fatalf("expected welcome message only, got %+v", page.Messages)
	}
}

func TestSendTurnAndOwnership(t *testing.T) {
	ts, _ := newTestServer(t)

	var res app.SendResult
	resp := doJSON(t, ts, http.MethodPost, "/chat/messages", "u-1", sendRequest{PatientID: "p-1", Text: "tengo fiebre"}, &res)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	if res.UserMessage.Sender != domain.SenderUser || res.BotMessage.Sender != domain.SenderBot {
		t.Fatalf("unexpected senders: %+v", res)
	}
	if res.BotMessage.Content == "" {
		t.Fatalf("expected a reply")
	}

	var errBody errorBody
	resp = doJSON(t, ts, http.MethodGet, "/chat/conversations/"+res.Conversation.ID+"/messages", "u-2", nil, &errBody)
	if resp.StatusCode != http.StatusForbidden || errBody.Error == "" {
		t.Fatalf("foreign read: status=%d body=%+v", resp.StatusCode, errBody)
	}

	resp = doJSON(t, ts, http.MethodPost, "/chat/messages", "u-1", sendRequest{PatientID: "p-1", Text: "  "}, &errBody)
	if resp.StatusCode != http.StatusBadRequest || errBody.Retryable {
		t.Fatalf("empty send: status=%d body=%+v", resp.StatusCode, errBody)
	}

	var read map[string]int64
	resp = doJSON(t, ts, http.MethodPost, "/chat/conversations/"+res.Conversation.ID+"/read", "u-1", nil, &read)
	if resp.StatusCode != http.StatusOK || read["updated"] != 2 {
		t.Fatalf("mark read: status=%d body=%v", resp.StatusCode, read)
	}
}

func TestListMessagesPagesBackwards(t *testing.T) {
	ts, _ := newTestServer(t)

	var conv app.SendResult
	for i := 0; i < 3; i++ {
		doJSON(t, ts, http.MethodPost, "/chat/messages", "u-1", sendRequest{PatientID: "p-1", Text: fmt.Sprintf("hola %d", i)}, &conv)
	}
	// welcome + 3 turns
	base := "/chat/conversations/" + conv.Conversation.ID + "/messages"

	var first pageResponse
	doJSON(t, ts, http.MethodGet, base+"?limit=4", "u-1", nil, &first)
	if len(first.Messages) != 4 || !first.HasMore || first.NextCursor == nil {
		t.Fatalf("first page: %+v", first)
	}
	q := fmt.Sprintf("?limit=4&before=%s&beforeId=%s", first.NextCursor.SentAt.Format(time.RFC3339Nano), first.NextCursor.ID)
	var second pageResponse
	doJSON(t, ts, http.MethodGet, base+q, "u-1", nil, &second)
	if len(second.Messages) != 3 || second.HasMore {
		t.Fatalf("second page: %+v", second)
	}
	if second.Messages[0].Content != responder.WelcomeMessage {
		t.Fatalf("oldest message should be the welcome, got %q", second.Messages[0].Content)
	}
	seen := map[string]bool{}
	for _, m := range append(first.Messages, second.Messages...) {
		if seen[m.ID] {
			t.Fatalf("message %s returned twice", m.ID)
		}
		seen[m.ID] = true
	}

	var errBody errorBody
	resp := doJSON(t, ts, http.MethodGet, base+"?before=yesterday", "u-1", nil, &errBody)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cursor status = %d", resp.StatusCode)
	}
}

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

func uploadRequest(t *testing.T, ts *httptest.Server, user, fileName, contentType string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("patientId", "p-1")
	_ = mw.WriteField("description", "análisis de sangre")
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(data)
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer tok-"+user)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return resp
}

func TestUploadListAndPresign(t *testing.T) {
	ts, objects := newTestServer(t)

	resp := uploadRequest(t, ts, "u-1", "resultado.png", "image/png", pngBytes)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var att domain.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&att); err != nil {
		t.Fatalf("decode attachment: %v", err)
	}
	if att.PatientID != "p-1" || att.MimeType != "image/png" || objects.Len() != 1 {
		t.Fatalf("unexpected attachment: %+v objects=%d", att, objects.Len())
	}

	var list struct {
		Items []domain.Attachment `json:"items"`
		Count int                 `json:"count"`
	}
	doJSON(t, ts, http.MethodGet, "/attachments?patientId=p-1", "u-1", nil, &list)
	if list.Count != 1 || list.Items[0].ID != att.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	var url map[string]string
	resp = doJSON(t, ts, http.MethodGet, "/attachments/"+att.ID+"/url", "u-1", nil, &url)
	if resp.StatusCode != http.StatusOK || url["url"] == "" {
		t.Fatalf("presign: status=%d body=%v", resp.StatusCode, url)
	}
	resp = doJSON(t, ts, http.MethodGet, "/attachments/"+att.ID+"/url", "u-2", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign presign status = %d", resp.StatusCode)
	}
}

func TestUploadRejectsDisguisedExecutable(t *testing.T) {
	ts, objects := newTestServer(t)

	resp := uploadRequest(t, ts, "u-1", "scan.png", "image/png", []byte("MZ\x90\x00\x03\x00\x00\x00this is not an image"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body errorBody
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == "" || body.Retryable {
		t.Fatalf("unexpected error body: %+v", body)
	}
	if objects.Len() != 0 {
		t.Fatalf("rejected upload reached storage")
	}
}

func TestUploadStorageFailureIsRetryable(t *testing.T) {
	ts, objects := newTestServer(t)
	objects.FailPut = errors.New("minio down")

	resp := uploadRequest(t, ts, "u-1", "resultado.png", "image/png", pngBytes)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body errorBody
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if !body.Retryable {
		t.Fatalf("expected retryable error, got %+v", body)
	}
}

func TestSendRateLimited(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *Config) { cfg.SendLimiter = denyLimiter{} })

	var body errorBody
	resp := doJSON(t, ts, http.MethodPost, "/chat/messages", "u-1", sendRequest{PatientID: "p-1", Text: "hola"}, &body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "30" {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
	if !body.Retryable {
		t.Fatalf("rate limit should be retryable")
	}
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventsStreamSnapshotThenInserts(t *testing.T) {
	ts, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/chat/events?patientId=p-1", nil)
	req.Header.Set("Authorization", "Bearer tok-u-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	reader := bufio.NewReader(resp.Body)

	ev := readEvent(t, reader)
	if ev.name != "snapshot" {
		t.Fatalf("first event = %q", ev.name)
	}
	var snap snapshotEvent
	if err := json.Unmarshal([]byte(ev.data), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Content != responder.WelcomeMessage {
		t.Fatalf("snapshot should hold the welcome only: %+v", snap.Messages)
	}

	var res app.SendResult
	doJSON(t, ts, http.MethodPost, "/chat/messages", "u-1", sendRequest{PatientID: "p-1", Text: "me duele la cabeza"}, &res)

	got := make([]domain.ChatMessage, 0, 2)
	for len(got) < 2 {
		ev := readEvent(t, reader)
		if ev.name != "message" {
			t.Fatalf("unexpected event %q", ev.name)
		}
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(ev.data), &msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		got = append(got, msg)
	}
	if got[0].ID != res.UserMessage.ID || got[1].ID != res.BotMessage.ID {
		t.Fatalf("stream order mismatch: %s,%s want %s,%s", got[0].ID, got[1].ID, res.UserMessage.ID, res.BotMessage.ID)
	}
}

func TestClassifyErrorMarksTransientFailures(t *testing.T) {
	status, body := classifyError(fmt.Errorf("load: %w", app.ErrFetchMessages), 10<<20)
	if status != http.StatusServiceUnavailable || !body.Retryable {
		t.Fatalf("fetch failure: %d %+v", status, body)
	}
	status, body = classifyError(app.ErrFileTooLarge, 10<<20)
	if status != http.StatusRequestEntityTooLarge || body.Error != "El archivo no puede superar 10MB" {
		t.Fatalf("too large: %d %+v", status, body)
	}
	status, body = classifyError(context.DeadlineExceeded, 10<<20)
	if status != http.StatusServiceUnavailable || !body.Retryable {
		t.Fatalf("bare deadline: %d %+v", status, body)
	}
	timedOut := fmt.Errorf("find conversation: %w: %w", app.ErrUnavailable, context.DeadlineExceeded)
	status, body = classifyError(timedOut, 10<<20)
	if status != http.StatusServiceUnavailable || !body.Retryable {
		t.Fatalf("operation timeout: %d %+v", status, body)
	}
	status, _ = classifyError(errors.New("boom"), 10<<20)
	if status != http.StatusInternalServerError {
		t.Fatalf("unknown error status = %d", status)
	}
}

func TestMetricsEndpointCountsTurns(t *testing.T) {
	ts, _ := newTestServer(t)
	doJSON(t, ts, http.MethodPost, "/chat/messages", "u-1", sendRequest{PatientID: "p-1", Text: "hola"}, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `mamahealth_chat_turns_total{status="success"}`) {
		t.Fatalf("turn counter missing from metrics output")
	}
}
