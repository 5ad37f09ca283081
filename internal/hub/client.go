package hub

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"tutor_chat/internal/domain"
	"tutor_chat/pkg/logger"
)

// ConnLike — минимальный интерфейс websocket-соединения, чтобы
// клиент можно было тестировать без сети.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Управляющий кадр от клиента: выбор активного диалога.
// Пока диалог не выбран, сокету ничего не доставляется.
type controlFrame struct {
	Kind           string `json:"kind"`
	CounterpartyID string `json:"counterparty_id,omitempty"`
}

const controlKindView = "view"

type Client struct {
	UserID domain.UserID
	Role   domain.Role

	conn ConnLike
	send chan []byte
	hub  *Hub
	log  logger.Logger

	mu        sync.Mutex
	active    domain.UserID
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn ConnLike, userID domain.UserID, role domain.Role, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Client{
		UserID: userID,
		Role:   role,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    hub,
		log:    hub.log,
	}
}

// ActiveCounterparty — собеседник, чей диалог сейчас открыт на этом сокете
func (c *Client) ActiveCounterparty() domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Client) SetActiveCounterparty(raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = domain.NormalizeUserID(raw)
}

// ReadPump принимает управляющие кадры до закрытия соединения
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Debug("Ignoring malformed control frame", "user_id", c.UserID)
			continue
		}

		if frame.Kind == controlKindView {
			c.SetActiveCounterparty(frame.CounterpartyID)
		}
	}
}

// WritePump пишет события из send в сокет
func (c *Client) WritePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Debug("Failed to write to websocket", "user_id", c.UserID, "error", err)
			// Закрываем сокет сами: ReadPump снимет регистрацию сразу,
			// а не когда соединение умрет со стороны чтения
			c.conn.Close()
			return
		}
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
