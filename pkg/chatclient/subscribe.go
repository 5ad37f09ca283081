package chatclient

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tutor_chat/internal/domain"
	"tutor_chat/pkg/logger"
)

// wsEvent — кадр доставки с сервера
type wsEvent struct {
	Kind    string          `json:"kind"`
	Message *domain.Message `json:"message"`
}

// wsViewFrame — управляющий кадр: какой диалог сейчас открыт
type wsViewFrame struct {
	Kind           string `json:"kind"`
	CounterpartyID string `json:"counterparty_id"`
}

// Subscriber держит websocket-подписку на входящие сообщения
// и переподключается при обрывах. Ошибки транспорта не поднимаются
// наружу: следующий Refresh сессии закроет пропуски.
type Subscriber struct {
	baseURL string
	token   string
	session *Session
	log     logger.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	view domain.UserID
}

func NewSubscriber(baseURL, token string, session *Session, log logger.Logger) *Subscriber {
	return &Subscriber{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		session: session,
		log:     log,
	}
}

// Run блокируется до отмены контекста
func (s *Subscriber) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.log.Warn("Chat subscription dial failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		s.mu.Lock()
		s.conn = conn
		view := s.view
		s.mu.Unlock()

		// После реконнекта восстанавливаем открытый диалог и
		// перечитываем историю: доставки за время обрыва потеряны
		if !view.IsZero() {
			s.sendView(view)
		}
		if err := s.session.Refresh(ctx); err != nil {
			s.log.Warn("Chat refresh after reconnect failed", "error", err)
		}

		s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}
}

// SetView сообщает серверу, какой диалог открыт, для фильтра доставки
func (s *Subscriber) SetView(counterparty domain.UserID) {
	s.mu.Lock()
	s.view = counterparty
	connected := s.conn != nil
	s.mu.Unlock()

	if connected {
		s.sendView(counterparty)
	}
}

func (s *Subscriber) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/chat"

	q := u.Query()
	q.Set("token", s.token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("Chat subscription closed", "error", err)
			}
			return
		}

		var event wsEvent
		if err := json.Unmarshal(data, &event); err != nil {
			s.log.Warn("Failed to decode chat event", "error", err)
			continue
		}
		if event.Message == nil {
			continue
		}
		s.session.HandleDelivery(event.Message)
	}
}

func (s *Subscriber) sendView(counterparty domain.UserID) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	frame := wsViewFrame{Kind: "view", CounterpartyID: counterparty.String()}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Warn("Failed to send view frame", "error", err)
	}
}
