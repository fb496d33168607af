package ws

import (
	"context"
	"sync"
	"time"

	"github.com/anonchat/internal/chat"
	"github.com/anonchat/internal/logger"
	"github.com/anonchat/internal/metrics"
	"github.com/anonchat/internal/model"
	"github.com/anonchat/internal/notify"
)

// Engine — часть движка чатов, которой управляет поток UI.
type Engine interface {
	UserID() string
	Overview() []model.ChatWithLastMessage
	SelectedChat() string
	Stats() model.Stats
	SendText(ctx context.Context, chatID, text string) (model.Message, error)
	SelectChat(ctx context.Context, id string) (chat.Timeline, error)
	MarkSeen(ctx context.Context, chatID string) error
}

// Hub раздаёт события движка всем UI-оболочкам. Он же notify.Notifier,
// через него тосты доходят до UI.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	maxConns   int
	engine     Engine
	status     func() string
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

var _ notify.Notifier = (*Hub)(nil)

func NewHub(engine Engine, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 16
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		maxConns:   maxConns,
		engine:     engine,
		status:     func() string { return "" },
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		done:       make(chan struct{}),
	}
}

// SetStatus задаёт источник состояния relay для hello.
func (h *Hub) SetStatus(fn func() string) {
	h.mu.Lock()
	h.status = fn
	h.mu.Unlock()
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Собираем под блокировкой, закрываем вне её.
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
		metrics.DecUIConnections()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting %s", h.maxConns, c.remote)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	status := h.status
	h.mu.Unlock()
	metrics.IncUIConnections()

	h.sendToClient(c, OutgoingMessage{Type: EventHello, Payload: HelloPayload{
		UserID:     h.engine.UserID(),
		Chats:      h.engine.Overview(),
		Selected:   h.engine.SelectedChat(),
		Stats:      h.engine.Stats(),
		Connection: status(),
	}})
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()
	metrics.DecUIConnections()

	c.Close()
}

// Clients — число подключённых UI-оболочек.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleMessage выполняет команду UI.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch msg.Type {
	case CmdSendMessage:
		m, err := h.engine.SendText(ctx, msg.ChatID, msg.Content)
		if err != nil {
			h.sendToClient(c, errorFrame(msg.ChatID, err))
			return
		}
		h.sendToClient(c, OutgoingMessage{Type: EventSent, ChatID: msg.ChatID, Payload: m})
	case CmdSelectChat:
		tl, err := h.engine.SelectChat(ctx, msg.ChatID)
		if err != nil {
			h.sendToClient(c, errorFrame(msg.ChatID, err))
			return
		}
		h.sendToClient(c, OutgoingMessage{Type: EventTimeline, ChatID: msg.ChatID, Payload: tl})
	case CmdMarkSeen:
		if err := h.engine.MarkSeen(ctx, msg.ChatID); err != nil {
			h.sendToClient(c, errorFrame(msg.ChatID, err))
		}
	case CmdPing:
		h.sendToClient(c, OutgoingMessage{Type: EventPong})
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Error: "unknown command"}})
	}
}

// Publish пересылает событие движка всем UI-оболочкам.
func (h *Hub) Publish(ev chat.Event) {
	h.broadcast(fromEvent(ev))
}

// Notify показывает n тостом во всех UI-оболочках. Уведомления о сообщениях
// пропускаются: UI получает само событие message.
func (h *Hub) Notify(_ context.Context, n notify.Notification) error {
	if n.Kind == notify.KindMessage {
		return nil
	}
	h.broadcast(OutgoingMessage{Type: EventNotification, Payload: n})
	return nil
}

func (h *Hub) broadcast(msg OutgoingMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Буфер отправки полон: закрываем медленного клиента.
		logger.Errorf("ws send buffer full, closing slow client %s", c.remote)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
