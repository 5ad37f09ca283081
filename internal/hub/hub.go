package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tutor_chat/internal/domain"
	"tutor_chat/pkg/logger"
)

// Event — кадр realtime-канала. Origin позволяет инстансу отбрасывать
// собственные публикации, пришедшие обратно через Redis-мост.
type Event struct {
	Kind    string          `json:"kind"`
	Origin  string          `json:"origin,omitempty"`
	Message *domain.Message `json:"message,omitempty"`
}

const EventKindMessage = "message"

// Hub держит реестр подключенных сокетов по нормализованному UserID
// и раздает новые сообщения. Realtime-канал - оптимизация поверх
// хранилища, а не источник истины: пропущенная доставка чинится
// следующим полным fetch.
type Hub struct {
	mu      sync.RWMutex
	clients map[domain.UserID]map[*Client]struct{}

	rdb      *redis.Client
	channel  string
	instance string
	log      logger.Logger
}

func New(rdb *redis.Client, channel string, log logger.Logger) *Hub {
	return &Hub{
		clients:  make(map[domain.UserID]map[*Client]struct{}),
		rdb:      rdb,
		channel:  channel,
		instance: uuid.NewString(),
		log:      log,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[c.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.UserID] = set
	}
	set[c] = struct{}{}
	h.log.Debug("Client registered", "user_id", c.UserID, "connections", len(set))
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.clients[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.UserID)
		}
	}
	c.closeSend()
}

// Publish раздает сообщение локальным сокетам и транслирует его через
// Redis остальным инстансам. Ошибка publish не фатальна.
func (h *Hub) Publish(ctx context.Context, message *domain.Message) {
	h.deliverLocal(message)

	if h.rdb == nil {
		return
	}

	data, err := json.Marshal(&Event{Kind: EventKindMessage, Origin: h.instance, Message: message})
	if err != nil {
		h.log.Error("Failed to marshal hub event", "error", err)
		return
	}
	if err := h.rdb.Publish(ctx, h.channel, data).Err(); err != nil {
		h.log.Warn("Failed to publish hub event to redis", "error", err)
	}
}

// deliverLocal применяет фильтр fan-out: сокет получает сообщение, если
// его пользователь входит в audience И активный собеседник на этом
// сокете - второй участник audience. Доставка диалого-зависимая,
// а не только по идентификатору.
func (h *Hub) deliverLocal(message *domain.Message) {
	data, err := json.Marshal(&Event{Kind: EventKindMessage, Message: message})
	if err != nil {
		h.log.Error("Failed to marshal message event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, recipient := range message.Audience {
		other, ok := message.Counterparty(recipient)
		if !ok {
			continue
		}
		for c := range h.clients[recipient] {
			if c.ActiveCounterparty() != other {
				continue
			}
			// Медленный клиент пропускается, хаб не блокируется;
			// клиент доберет пропуск следующим fetch
			select {
			case c.send <- data:
			default:
				h.log.Warn("Dropping event for slow client", "user_id", c.UserID)
			}
		}
	}
}

// Run слушает Redis-мост и доставляет сообщения других инстансов
// локальным сокетам. При ошибке подписки переподключается с паузой.
func (h *Hub) Run(ctx context.Context) {
	if h.rdb == nil {
		return
	}

	for {
		if err := h.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.log.Warn("Hub subscription lost, reconnecting", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (h *Hub) consume(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, h.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return redis.ErrClosed
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				h.log.Warn("Failed to unmarshal hub event", "error", err)
				continue
			}
			// Свои публикации локально уже доставлены
			if event.Origin == h.instance || event.Message == nil {
				continue
			}
			h.deliverLocal(event.Message)
		}
	}
}

// ConnectedUsers возвращает количество подключенных пользователей (для health)
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
