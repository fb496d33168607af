// Package transport владеет единственным WebSocket-соединением с relay:
// регистрирует id чатов при каждом открытии, раздаёт входящие фреймы
// подписчикам топиков и переподключается по двухступенчатому расписанию.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/anonchat/internal/logger"
	"github.com/anonchat/internal/metrics"
	"github.com/anonchat/internal/notify"
	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: shut down")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closed
	ReconnectWait
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case ReconnectWait:
		return "reconnect_wait"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const handshakeTimeout = 15 * time.Second

// Dialer открывает соединения с relay; *websocket.Dialer его реализует.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Timer — отложенное переподключение.
type Timer interface {
	Stop() bool
}

// ChatIDSource отдаёт id чатов для регистрации после каждого открытия.
type ChatIDSource func() []string

type Options struct {
	URL      string
	ChatIDs  ChatIDSource
	Notifier notify.Notifier
	Backoff  Backoff
	Dialer   Dialer

	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64

	// AfterFunc планирует переподключение; по умолчанию time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
}

// Service — соединение с relay и его подписки. Создавать через New.
type Service struct {
	opts   Options
	topics *topics

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	timer       Timer
	attempts    int
	initialized bool
	shutdown    bool
	hooks       []func(State)

	// writeMu: gorilla допускает только одного писателя.
	writeMu sync.Mutex
}

func New(opts Options) *Service {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 16 << 20
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	if opts.ChatIDs == nil {
		opts.ChatIDs = func() []string { return nil }
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return &Service{opts: opts, topics: newTopics(), state: Disconnected}
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange регистрирует хук, вызываемый после каждого перехода вне блокировки.
func (s *Service) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// setState вызывается под mu; возвращённая функция запускает хуки, её вызывать
// после разблокировки.
func (s *Service) setState(st State) func() {
	if s.state == st {
		return func() {}
	}
	s.state = st
	metrics.SetRelayState(int(st))
	hooks := append([]func(State){}, s.hooks...)
	return func() {
		for _, h := range hooks {
			h(st)
		}
	}
}

// Initialize запускает первую попытку соединения. Повторный вызов ничего не делает.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = true
	s.mu.Unlock()

	go s.connect(ctx)
	return nil
}

// Shutdown закрывает сокет, отменяет ожидающее переподключение и снимает все
// подписки. Повторно сервис не используется.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	s.conn = nil
	fire := s.setState(Disconnected)
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}
	s.topics.clear()
	fire()
	logger.Info("transport: shut down")
}

func (s *Service) connect(ctx context.Context) {
	s.mu.Lock()
	if s.shutdown || s.state == Connecting || s.state == Open {
		s.mu.Unlock()
		return
	}
	fire := s.setState(Connecting)
	s.mu.Unlock()
	fire()

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, resp, err := s.opts.Dialer.DialContext(dialCtx, s.opts.URL, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		logger.Warnf("transport: dial %s: %v", s.opts.URL, err)
		s.handleClose(ctx, nil)
		return
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.attempts = 0
	fire = s.setState(Open)
	s.mu.Unlock()
	logger.Infof("transport: connected to %s", s.opts.URL)
	fire()

	s.register()

	done := make(chan struct{})
	go s.pingLoop(conn, done)
	s.readLoop(conn)
	close(done)
	s.handleClose(ctx, conn)
}

func (s *Service) register() {
	ids := s.opts.ChatIDs()
	if len(ids) == 0 {
		return
	}
	if err := s.write(chatIDsFrame{Type: FrameRegister, ChatIDs: ids}, FrameRegister); err != nil {
		logger.Warnf("transport: register %d chats: %v", len(ids), err)
	}
}

// handleClose переводит в Closed и планирует переподключение. conn == nil,
// если не удался сам dial.
func (s *Service) handleClose(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	if conn != nil {
		if s.conn != conn {
			s.mu.Unlock()
			return
		}
		s.conn = nil
		conn.Close()
	}
	if s.timer != nil {
		// повтор уже запланирован
		s.mu.Unlock()
		return
	}
	fireClosed := s.setState(Closed)
	delay, scheduled := s.scheduleReconnect(ctx)
	fireWait := func() {}
	if scheduled {
		fireWait = s.setState(ReconnectWait)
	}
	s.mu.Unlock()

	fireClosed()
	fireWait()
	if scheduled {
		secs := int(delay / time.Second)
		logger.Warnf("transport: connection lost, reconnecting in %ds", secs)
		err := s.opts.Notifier.Notify(ctx, notify.Notification{
			Title: "Connection",
			Body:  fmt.Sprintf("Connection lost. Reconnecting in %d seconds...", secs),
			Kind:  notify.KindWarning,
			TTL:   delay,
		})
		if err != nil {
			logger.Debugf("transport: notify: %v", err)
		}
	}
}

// scheduleReconnect взводит единственный таймер повтора. Вызывается под mu.
func (s *Service) scheduleReconnect(ctx context.Context) (time.Duration, bool) {
	if s.timer != nil {
		return 0, false
	}
	s.attempts++
	delay := s.opts.Backoff.Delay(s.attempts)
	metrics.IncReconnect()
	s.timer = s.opts.AfterFunc(delay, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		s.connect(ctx)
	})
	return delay, true
}

// Attempts — число переподключений с последнего открытия.
func (s *Service) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Service) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(s.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("transport: read: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		s.dispatch(raw)
	}
}

func (s *Service) dispatch(raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		logger.Debugf("transport: drop malformed frame: %v", err)
		metrics.IncFrameIn("malformed")
		return
	}

	var topic string
	switch f.Type {
	case FrameStats:
		if f.Data == nil {
			metrics.IncFrameIn("malformed")
			return
		}
		topic = TopicStats
	case FrameMessage:
		if f.ChatID == "" || f.ChatID == TopicStats {
			metrics.IncFrameIn("malformed")
			return
		}
		topic = f.ChatID
	default:
		logger.Debugf("transport: drop frame type=%q", f.Type)
		metrics.IncFrameIn("unknown")
		return
	}
	metrics.IncFrameIn(f.Type)

	for _, h := range s.topics.handlers(topic) {
		h(f)
	}
}

func (s *Service) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	period := (s.opts.PongWait * 9) / 10
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait))
			s.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

// Subscribe подписывает h на topic. Обработчиков на топик может быть несколько,
// они вызываются в порядке подписки.
func (s *Service) Subscribe(topic string, h Handler) Subscription {
	return s.topics.add(topic, h)
}

// Unsubscribe снимает один обработчик; неизвестные и повторные игнорируются.
// Relay продолжает слать чат в это соединение до переподключения.
func (s *Service) Unsubscribe(sub Subscription) {
	s.topics.remove(sub)
}

// Subscribers — число обработчиков топика.
func (s *Service) Subscribers(topic string) int {
	return s.topics.count(topic)
}

func (s *Service) write(v any, frameType string) error {
	s.mu.Lock()
	conn, st := s.conn, s.state
	s.mu.Unlock()
	if st != Open || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", frameType, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait)); err != nil {
		return fmt.Errorf("transport: %s: %w", frameType, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return fmt.Errorf("transport: %s: %w", frameType, err)
	}
	metrics.IncFrameOut(frameType)
	return nil
}

// Send пишет одно сообщение чата. Пока соединение не открыто, сразу
// возвращает ErrNotConnected; очереди нет.
func (s *Service) Send(ctx context.Context, m OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(messageFrame{Type: FrameMessage, OutboundMessage: m}, FrameMessage)
}

// NotifyNewChat просит relay слать chatID в это соединение.
func (s *Service) NotifyNewChat(ctx context.Context, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(chatIDsFrame{Type: FrameNewChat, ChatIDs: []string{chatID}}, FrameNewChat)
}
