package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"tutor_chat/internal/domain"
	"tutor_chat/pkg/logger"
)

type fakeConn struct {
	read  chan []byte
	wrote chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		read:  make(chan []byte, 8),
		wrote: make(chan []byte, 8),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.read
	if !ok {
		return 0, nil, context.Canceled
	}
	return 1, data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.wrote <- data
	return nil
}

func (f *fakeConn) Close() error { return nil }

func newTestHub() *Hub {
	return New(nil, "chat:events", logger.New("error"))
}

func chatMessage(creator, recipient string) *domain.Message {
	return &domain.Message{
		ID:         "m1",
		CreatorID:  domain.NormalizeUserID(creator),
		Body:       "привет",
		CreatedAt:  time.Now(),
		Audience:   []domain.UserID{domain.NormalizeUserID(creator), domain.NormalizeUserID(recipient)},
		Type:       domain.MessageTypeText,
		SenderRole: domain.RoleTutee,
	}
}

func register(t *testing.T, h *Hub, userID, activeCounterparty string) *Client {
	t.Helper()
	c := NewClient(h, newFakeConn(), domain.NormalizeUserID(userID), domain.RoleTutee, 8)
	if activeCounterparty != "" {
		c.SetActiveCounterparty(activeCounterparty)
	}
	h.Register(c)
	return c
}

func receivedMessage(t *testing.T, c *Client) *domain.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("bad event payload: %v", err)
		}
		return event.Message
	default:
		return nil
	}
}

func TestDeliveryRequiresActiveConversation(t *testing.T) {
	h := newTestHub()
	viewing := register(t, h, "user_b", "user_a")
	elsewhere := register(t, h, "user_b", "user_c")
	idle := register(t, h, "user_b", "")

	h.Publish(context.Background(), chatMessage("user_a", "user_b"))

	if m := receivedMessage(t, viewing); m == nil || m.ID != "m1" {
		t.Error("client viewing the conversation did not receive the message")
	}
	if receivedMessage(t, elsewhere) != nil {
		t.Error("client viewing another conversation received the message")
	}
	if receivedMessage(t, idle) != nil {
		t.Error("client with no open conversation received the message")
	}
}

func TestSenderEchoDelivered(t *testing.T) {
	h := newTestHub()
	sender := register(t, h, "user_a", "user_b")

	h.Publish(context.Background(), chatMessage("user_a", "user_b"))

	// Создатель с открытым диалогом получает эхо собственной отправки
	if m := receivedMessage(t, sender); m == nil {
		t.Error("sender echo not delivered")
	}
}

func TestDeliveryIgnoresOutsiders(t *testing.T) {
	h := newTestHub()
	outsider := register(t, h, "user_c", "user_a")

	h.Publish(context.Background(), chatMessage("user_a", "user_b"))

	if receivedMessage(t, outsider) != nil {
		t.Error("outsider received a message outside its audience")
	}
}

func TestNormalizedIdentityForms(t *testing.T) {
	h := newTestHub()
	// Регистрация и audience в разных формах идентификатора
	viewing := register(t, h, "chat_user_b", "chat_user_a")

	m := chatMessage("user_a", "user_b")
	h.Publish(context.Background(), m)

	if got := receivedMessage(t, viewing); got == nil {
		t.Error("prefixed identity form broke delivery")
	}
}

func TestSlowClientDoesNotBlockPublish(t *testing.T) {
	h := newTestHub()
	slow := NewClient(h, newFakeConn(), "user_b", domain.RoleTutee, 1)
	slow.SetActiveCounterparty("user_a")
	h.Register(slow)

	done := make(chan struct{})
	go func() {
		// Буфер на 1: второе сообщение обязано отброситься без блокировки
		h.Publish(context.Background(), chatMessage("user_a", "user_b"))
		h.Publish(context.Background(), chatMessage("user_a", "user_b"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow client")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	h := newTestHub()
	c := register(t, h, "user_b", "user_a")
	if h.ConnectedUsers() != 1 {
		t.Fatalf("connected users = %d", h.ConnectedUsers())
	}

	h.Unregister(c)
	if h.ConnectedUsers() != 0 {
		t.Fatalf("connected users after unregister = %d", h.ConnectedUsers())
	}

	h.Publish(context.Background(), chatMessage("user_a", "user_b"))
	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("unregistered client received a message")
		}
	default:
	}
}

func TestReadPumpUpdatesActiveConversation(t *testing.T) {
	h := newTestHub()
	conn := newFakeConn()
	c := NewClient(h, conn, "user_b", domain.RoleTutee, 8)
	h.Register(c)

	go c.ReadPump()

	conn.read <- []byte(`{"kind":"view","counterparty_id":"chat_user_a"}`)

	deadline := time.Now().Add(time.Second)
	for c.ActiveCounterparty() != "user_a" {
		if time.Now().After(deadline) {
			t.Fatalf("active counterparty = %q, want user_a", c.ActiveCounterparty())
		}
		time.Sleep(time.Millisecond)
	}

	// Мусорный кадр игнорируется, состояние не сбрасывается
	conn.read <- []byte(`not json`)
	conn.read <- []byte(`{"kind":"other"}`)
	time.Sleep(10 * time.Millisecond)
	if c.ActiveCounterparty() != "user_a" {
		t.Errorf("active counterparty reset by malformed frame: %q", c.ActiveCounterparty())
	}

	close(conn.read)
}

type brokenConn struct {
	closed chan struct{}
	once   sync.Once
}

func newBrokenConn() *brokenConn {
	return &brokenConn{closed: make(chan struct{})}
}

func (b *brokenConn) ReadMessage() (int, []byte, error) {
	<-b.closed
	return 0, nil, context.Canceled
}

func (b *brokenConn) WriteMessage(int, []byte) error {
	return errors.New("broken pipe")
}

func (b *brokenConn) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestWriteFailureTearsDownClient(t *testing.T) {
	h := newTestHub()
	conn := newBrokenConn()
	c := NewClient(h, conn, "user_b", domain.RoleTutee, 8)
	c.SetActiveCounterparty("user_a")
	h.Register(c)

	go c.ReadPump()
	go c.WritePump()

	// Сбой записи обязан закрыть сокет, чтобы ReadPump снял регистрацию
	// сразу, а не по таймауту чтения
	h.Publish(context.Background(), chatMessage("user_a", "user_b"))

	deadline := time.Now().Add(time.Second)
	for h.ConnectedUsers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not unregistered after write failure")
		}
		time.Sleep(time.Millisecond)
	}
}
