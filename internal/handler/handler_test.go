package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anonchat/internal/chat"
	"github.com/anonchat/internal/config"
	"github.com/anonchat/internal/model"
	"github.com/anonchat/internal/storage/memory"
	"github.com/anonchat/internal/transport"
	"github.com/anonchat/internal/ws"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopTransport struct {
	mu   sync.Mutex
	sent []transport.OutboundMessage
}

func (t *nopTransport) Subscribe(topic string, _ transport.Handler) transport.Subscription {
	return transport.Subscription{Topic: topic}
}
func (t *nopTransport) Unsubscribe(transport.Subscription) {}
func (t *nopTransport) Send(_ context.Context, m transport.OutboundMessage) error {
	t.mu.Lock()
	t.sent = append(t.sent, m)
	t.mu.Unlock()
	return nil
}
func (t *nopTransport) NotifyNewChat(context.Context, string) error { return nil }

type fixedStatus struct{}

func (fixedStatus) State() transport.State { return transport.Open }
func (fixedStatus) Attempts() int          { return 0 }

type api struct {
	t   *testing.T
	h   http.Handler
	eng *chat.Engine
	hub *ws.Hub
	tr  *nopTransport
}

func newAPI(t *testing.T) *api {
	t.Helper()
	cfg := config.Default()
	cfg.Limits.SendRateLimit = 3

	tr := &nopTransport{}
	eng := chat.New(chat.Deps{Store: memory.New(), Transport: tr, Limits: cfg.Limits})
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	hub := ws.NewHub(eng, 4)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	h := NewRouter(Deps{Config: cfg, Engine: eng, Status: fixedStatus{}, Hub: hub})
	return &api{t: t, h: h, eng: eng, hub: hub, tr: tr}
}

func (a *api) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestChatsLifecycle(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/api/chats", CreateChatRequest{ID: "c1", Key: "k"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[model.Chat](t, rec)
	assert.Equal(t, "c1", created.Name)

	rec = a.do(http.MethodPut, "/api/chats/c1", RenameChatRequest{Name: "Friends"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(http.MethodGet, "/api/chats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]model.ChatWithLastMessage](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "Friends", list[0].Chat.Name)
	assert.True(t, list[0].Selected)

	rec = a.do(http.MethodDelete, "/api/chats/c1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(http.MethodDelete, "/api/chats/c1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateChat_Validation(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/api/chats", CreateChatRequest{ID: "c1", Key: "k"}).Code)

	rec := a.do(http.MethodPost, "/api/chats", CreateChatRequest{ID: "c1", Key: "k"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, chat.CodeChatExists, decode[errorResponse](t, rec).Code)

	rec = a.do(http.MethodPost, "/api/chats", CreateChatRequest{ID: strings.Repeat("x", 37), Key: "k"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, chat.CodeInvalidChatID, decode[errorResponse](t, rec).Code)

	rec = a.do(http.MethodPost, "/api/chats", CreateChatRequest{ID: "c2"})
	assert.Equal(t, chat.CodeInvalidKey, decode[errorResponse](t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/chats", strings.NewReader("{"))
	req.RemoteAddr = "127.0.0.1:1"
	raw := httptest.NewRecorder()
	a.h.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestSendMessage_AndRateLimit(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/api/chats", CreateChatRequest{ID: "c1", Key: "k"}).Code)

	for i := 0; i < 3; i++ {
		rec := a.do(http.MethodPost, "/api/chats/c1/messages", SendMessageRequest{Content: "hi"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "hi", decode[model.Message](t, rec).Content)
	}

	rec := a.do(http.MethodPost, "/api/chats/c1/messages", SendMessageRequest{Content: "hi"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp := decode[errorResponse](t, rec)
	assert.Equal(t, chat.CodeRateLimited, resp.Code)
	assert.Positive(t, resp.RetryAfter)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = a.do(http.MethodPost, "/api/chats/missing/messages", SendMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(http.MethodGet, "/api/chats/c1/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tl := decode[chat.Timeline](t, rec)
	assert.Len(t, tl.Messages, 3)
	assert.Equal(t, chat.NoDivider, tl.Divider)

	first := tl.Messages[0].ID
	rec = a.do(http.MethodGet, "/api/chats/c1/messages?last_read="+first, nil)
	assert.Equal(t, 1, decode[chat.Timeline](t, rec).Divider)
}

func imageRequest(t *testing.T, path, contentType string, data []byte, caption string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="image"; filename="pic"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("caption", caption))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.RemoteAddr = "127.0.0.1:1"
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestSendImage_ThenServe(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/api/chats", CreateChatRequest{ID: "c1", Key: "k"}).Code)

	png := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, bytes.Repeat([]byte{7}, 1024)...)
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, imageRequest(t, "/api/chats/c1/images", "image/png", png, "look"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[model.Message](t, rec)
	assert.Equal(t, "look", msg.Caption)
	require.NotEmpty(t, msg.ImageRef)

	rec = a.do(http.MethodGet, "/api/images/"+msg.ImageRef, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, png, rec.Body.Bytes())

	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/images/nope", nil).Code)
}

func TestSendImage_Rejections(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/api/chats", CreateChatRequest{ID: "c1", Key: "k"}).Code)

	big := make([]byte, 5<<20)
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, imageRequest(t, "/api/chats/c1/images", "image/png", big, ""))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, chat.CodeImageTooLarge, decode[errorResponse](t, rec).Code)

	rec = httptest.NewRecorder()
	a.h.ServeHTTP(rec, imageRequest(t, "/api/chats/c1/images", "image/gif", []byte("GIF89a"), ""))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	a.tr.mu.Lock()
	defer a.tr.mu.Unlock()
	assert.Empty(t, a.tr.sent)
}

func TestSelectAndSeen(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/api/chats", CreateChatRequest{ID: "c1", Key: "k"}).Code)

	rec := a.do(http.MethodPost, "/api/chats/c1/select", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, chat.NoDivider, decode[chat.Timeline](t, rec).Divider)

	assert.Equal(t, http.StatusNoContent, a.do(http.MethodPost, "/api/chats/c1/seen", nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPost, "/api/chats/zz/seen", nil).Code)
}

func TestProfileStatsStatus(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Regexp(t, `^user_[0-9a-z]{7}$`, decode[profileResponse](t, rec).UserID)

	rec = a.do(http.MethodPut, "/api/me", profileResponse{UserID: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", a.eng.UserID())

	rec = a.do(http.MethodPut, "/api/me", profileResponse{UserID: strings.Repeat("a", 17)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, chat.CodeInvalidUserID, decode[errorResponse](t, rec).Code)

	rec = a.do(http.MethodGet, "/api/stats", nil)
	assert.Equal(t, "0 KB", decode[model.Stats](t, rec).TotalDataTransferred)

	rec = a.do(http.MethodGet, "/api/status", nil)
	assert.JSONEq(t, `{"state":"open","attempts":0}`, rec.Body.String())

	rec = a.do(http.MethodGet, "/api/config/push", nil)
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, a.do(http.MethodPost, "/api/push/subscribe", SubscribeRequest{}).Code)
}

func TestGenerateAndReset(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodGet, "/api/generate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	gen := decode[map[string]string](t, rec)
	assert.Len(t, gen["chat_id"], 36)
	assert.Len(t, gen["key"], 32)

	assert.Equal(t, http.StatusNoContent, a.do(http.MethodPost, "/api/reset", nil).Code)
}

func TestPublicClientsAreRejected(t *testing.T) {
	a := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newAPI(t)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/health", nil).Code)
	rec := a.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestEventsStream(t *testing.T) {
	a := newAPI(t)
	srv := httptest.NewServer(a.h)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var hello ws.OutgoingMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, ws.EventHello, hello.Type)
}

func TestDecodeDataURL(t *testing.T) {
	ct, data, ok := decodeDataURL("data:image/png;base64,AQID")
	require.True(t, ok)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, []byte{1, 2, 3}, data)

	for _, bad := range []string{"", "image/png;base64,AQID", "data:text/html;base64,AQID", "data:image/png,AQID", "data:image/png;base64,@@"} {
		_, _, ok := decodeDataURL(bad)
		assert.False(t, ok, bad)
	}
}
