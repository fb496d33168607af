// Package relaytest поднимает relay в процессе для тестов: принимает
// WebSocket-клиентов, записывает их фреймы и пересылает сообщения между
// соединениями, зарегистрированными на один id чата.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Frame map[string]any

type Relay struct {
	t   testing.TB
	srv *httptest.Server

	mu     sync.Mutex
	conns  map[*websocket.Conn]map[string]bool
	frames []Frame
	writes map[*websocket.Conn]*sync.Mutex
	accept chan *websocket.Conn
}

func New(t testing.TB) *Relay {
	r := &Relay{
		t:      t,
		conns:  make(map[*websocket.Conn]map[string]bool),
		writes: make(map[*websocket.Conn]*sync.Mutex),
		accept: make(chan *websocket.Conn, 16),
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns[conn] = make(map[string]bool)
		r.writes[conn] = &sync.Mutex{}
		r.mu.Unlock()
		select {
		case r.accept <- conn:
		default:
		}
		go r.serve(conn)
	}))
	t.Cleanup(r.Close)
	return r
}

// URL — адрес relay (ws://).
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *Relay) Close() {
	r.DropAll()
	r.srv.Close()
}

// WaitConn возвращает следующее принятое соединение.
func (r *Relay) WaitConn(timeout time.Duration) *websocket.Conn {
	r.t.Helper()
	select {
	case c := <-r.accept:
		return c
	case <-time.After(timeout):
		r.t.Fatalf("relaytest: no connection within %v", timeout)
		return nil
	}
}

func (r *Relay) serve(conn *websocket.Conn) {
	defer r.drop(conn)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if json.Unmarshal(raw, &f) != nil {
			continue
		}
		// записанный register означает, что маршрутизация уже настроена
		r.mu.Lock()
		r.frames = append(r.frames, f)
		switch f["type"] {
		case "register", "new_chat":
			ids, _ := f["chat_ids"].([]any)
			for _, id := range ids {
				if s, ok := id.(string); ok && r.conns[conn] != nil {
					r.conns[conn][s] = true
				}
			}
		}
		r.mu.Unlock()

		if f["type"] == "message" {
			r.route(conn, f)
		}
	}
}

func (r *Relay) route(from *websocket.Conn, f Frame) {
	chatID, _ := f["chat_id"].(string)
	out := Frame{}
	for k, v := range f {
		out[k] = v
	}
	out["message_id"] = uuid.NewString()

	r.mu.Lock()
	var targets []*websocket.Conn
	for c, chats := range r.conns {
		if c != from && chats[chatID] {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()
	for _, c := range targets {
		r.Write(c, out)
	}
}

func (r *Relay) drop(conn *websocket.Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
	conn.Close()
}

// DropAll закрывает все клиентские соединения, как при рестарте relay.
func (r *Relay) DropAll() {
	r.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Write отправляет v в JSON одному соединению.
func (r *Relay) Write(conn *websocket.Conn, v any) error {
	r.mu.Lock()
	wm := r.writes[conn]
	r.mu.Unlock()
	if wm == nil {
		wm = &sync.Mutex{}
	}
	wm.Lock()
	defer wm.Unlock()
	return conn.WriteJSON(v)
}

// Broadcast отправляет v всем клиентам.
func (r *Relay) Broadcast(v any) {
	r.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		r.Write(c, v)
	}
}

// Frames возвращает копию принятых фреймов, с фильтром по типу (пустой — все).
func (r *Relay) Frames(frameType string) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Frame
	for _, f := range r.frames {
		if frameType == "" || f["type"] == frameType {
			out = append(out, f)
		}
	}
	return out
}

// Registered сообщает, зарегистрировал ли кто-то chatID.
func (r *Relay) Registered(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, chats := range r.conns {
		if chats[chatID] {
			return true
		}
	}
	return false
}

// Connections — число живых соединений.
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
