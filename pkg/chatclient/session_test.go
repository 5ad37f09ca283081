package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tutor_chat/internal/domain"
	apperrors "tutor_chat/pkg/errors"
	"tutor_chat/pkg/logger"
)

// fakeStore — хранилище в памяти с управляемыми сбоями
type fakeStore struct {
	mu       sync.Mutex
	messages []*domain.Message
	seq      int

	appendErr  error
	appendHook func(*domain.Message)

	markSeenCalls int
	updateCalls   int
}

func (f *fakeStore) Append(ctx context.Context, message *domain.Message) (*domain.Message, error) {
	if f.appendHook != nil {
		f.appendHook(message)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.appendErr != nil {
		return nil, f.appendErr
	}
	stored := message.Clone()
	f.seq++
	stored.ID = fmt.Sprintf("srv-%d", f.seq)
	f.messages = append(f.messages, stored)
	return stored.Clone(), nil
}

func (f *fakeStore) List(ctx context.Context, self domain.UserID) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*domain.Message, 0, len(f.messages))
	for _, m := range f.messages {
		if m.InAudience(self.String()) {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) MarkSeen(ctx context.Context, self, counterparty domain.UserID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.markSeenCalls++
	var n int64
	for _, m := range f.messages {
		if m.CreatorID == counterparty && m.InAudience(self.String()) && m.MarkSeenBy(self.String()) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) UpdateAppointmentStatus(ctx context.Context, messageID string, to domain.AppointmentStatus, actor domain.UserID) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updateCalls++
	for _, m := range f.messages {
		if m.ID != messageID {
			continue
		}
		if m.Appointment == nil || !domain.CanTransition(m.Appointment.Status, to) {
			return nil, apperrors.ErrInvalidTransition
		}
		m.Appointment.Status = to
		return m.Clone(), nil
	}
	return nil, apperrors.ErrMessageNotFound
}

func (f *fakeStore) put(m *domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m.Clone())
}

func newTestSession(t *testing.T, self string, store *fakeStore, opts ...Option) *Session {
	t.Helper()
	return NewSession(self, domain.RoleTutee, store, logger.New("error"), opts...)
}

func incoming(id, creator, recipient, body string, at time.Time) *domain.Message {
	return &domain.Message{
		ID:         id,
		CreatorID:  domain.NormalizeUserID(creator),
		Body:       body,
		CreatedAt:  at,
		Audience:   []domain.UserID{domain.NormalizeUserID(creator), domain.NormalizeUserID(recipient)},
		Type:       domain.MessageTypeText,
		SenderRole: domain.RoleTutor,
	}
}

func TestSendConfirmsInPlace(t *testing.T) {
	store := &fakeStore{}
	session := newTestSession(t, "user_self", store)

	sent, err := session.Send(context.Background(), "user_tutor", SendInput{Body: "здравствуйте"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if domain.IsProvisionalID(sent.ID) {
		t.Errorf("returned message still has provisional id %q", sent.ID)
	}

	conv := session.Conversation("user_tutor")
	if len(conv) != 1 {
		t.Fatalf("conversation has %d rows, want 1", len(conv))
	}
	if conv[0].ID != sent.ID {
		t.Errorf("row id = %q, want canonical %q", conv[0].ID, sent.ID)
	}

	if state, ok := session.SendStateOf(sent.ID); !ok || state != StateConfirmed {
		t.Errorf("state = %v, %v; want confirmed", state, ok)
	}
}

func TestSendFailureRollsBackAndRetries(t *testing.T) {
	store := &fakeStore{appendErr: errors.New("pg down")}
	session := newTestSession(t, "user_self", store)

	_, err := session.Send(context.Background(), "user_tutor", SendInput{Body: "не дойдет"})
	if err == nil {
		t.Fatal("expected send error")
	}

	// Строка убрана из списка, но содержимое доступно для повтора
	if conv := session.Conversation("user_tutor"); len(conv) != 0 {
		t.Fatalf("failed row still visible: %d rows", len(conv))
	}
	failed := session.FailedSends()
	if len(failed) != 1 {
		t.Fatalf("failed sends = %d, want 1", len(failed))
	}
	if failed[0].Input.Body != "не дойдет" {
		t.Errorf("retry payload lost: %q", failed[0].Input.Body)
	}
	if state, ok := session.SendStateOf(failed[0].ProvisionalID); !ok || state != StateFailed {
		t.Errorf("state = %v, %v; want failed", state, ok)
	}

	store.mu.Lock()
	store.appendErr = nil
	store.mu.Unlock()

	retried, err := session.RetryFailed(context.Background(), failed[0].ProvisionalID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Body != "не дойдет" {
		t.Errorf("retried body = %q", retried.Body)
	}
	if len(session.FailedSends()) != 0 {
		t.Error("failed entry survived successful retry")
	}
	if len(session.Conversation("user_tutor")) != 1 {
		t.Error("retried row not visible")
	}

	if _, err := session.RetryFailed(context.Background(), failed[0].ProvisionalID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second retry: got %v, want ErrNotFound", err)
	}
}

func TestSendValidationFailsFast(t *testing.T) {
	store := &fakeStore{}
	session := newTestSession(t, "user_self", store)

	if _, err := session.Send(context.Background(), "user_self", SendInput{Body: "себе"}); !errors.Is(err, apperrors.ErrBadRequest) {
		t.Errorf("self send: %v", err)
	}
	if _, err := session.Send(context.Background(), "user_tutor", SendInput{Body: ""}); !errors.Is(err, apperrors.ErrBadRequest) {
		t.Errorf("empty body: %v", err)
	}
	if len(session.FailedSends()) != 0 {
		t.Error("validation failure entered the retry queue")
	}
}

func TestDuplicateSendSuppressed(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	clock := func() time.Time { return now }
	store := &fakeStore{}
	session := newTestSession(t, "user_self", store, WithClock(clock))

	first, err := session.Send(context.Background(), "user_tutor", SendInput{Body: "двойной клик"})
	if err != nil {
		t.Fatalf("first send: %v", err)
	}

	// Повтор в пределах окна возвращает ту же запись без новой записи в хранилище
	second, err := session.Send(context.Background(), "user_tutor", SendInput{Body: "двойной клик"})
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate created a new row: %q vs %q", second.ID, first.ID)
	}
	if store.seq != 1 {
		t.Errorf("store received %d appends, want 1", store.seq)
	}

	// За пределами окна тот же текст - новое сообщение
	now = now.Add(duplicateWindow + time.Second)
	third, err := session.Send(context.Background(), "user_tutor", SendInput{Body: "двойной клик"})
	if err != nil {
		t.Fatalf("third send: %v", err)
	}
	if third.ID == first.ID {
		t.Error("send outside the window was suppressed")
	}
}

func TestEchoConfirmsBeforeAppendReturns(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	release := make(chan struct{})
	store := &fakeStore{
		appendErr:  errors.New("deadline exceeded"),
		appendHook: func(*domain.Message) { <-release },
	}
	session := newTestSession(t, "user_self", store, WithClock(func() time.Time { return now }))

	type result struct {
		msg *domain.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := session.Send(context.Background(), "user_tutor", SendInput{Body: "гонка с эхом"})
		done <- result{m, err}
	}()

	// Ждем появления pending-строки
	deadline := time.Now().Add(time.Second)
	for len(session.Conversation("user_tutor")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending row never appeared")
		}
		time.Sleep(time.Millisecond)
	}

	// Эхо приходит по realtime-каналу раньше, чем вернется Append
	echo := incoming("srv-echo", "user_self", "user_tutor", "гонка с эхом", now)
	echo.SenderRole = domain.RoleTutee
	session.HandleDelivery(echo)

	close(release)
	res := <-done

	// Append вернул ошибку, но запись подтверждена эхом - отправка успешна
	if res.err != nil {
		t.Fatalf("send failed despite echo confirmation: %v", res.err)
	}
	if res.msg.ID != "srv-echo" {
		t.Errorf("confirmed id = %q, want srv-echo", res.msg.ID)
	}
	if conv := session.Conversation("user_tutor"); len(conv) != 1 {
		t.Errorf("conversation has %d rows, want 1", len(conv))
	}
	if len(session.FailedSends()) != 0 {
		t.Error("echo-confirmed send entered the retry queue")
	}
}

func TestDuplicateCanonicalDeliveryKeepsOneRow(t *testing.T) {
	store := &fakeStore{}
	session := newTestSession(t, "user_self", store)

	sent, err := session.Send(context.Background(), "user_tutor", SendInput{Body: "раз"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Каноническая запись приходит и по realtime-каналу; SeenBy применяется
	echo := incoming(sent.ID, "user_self", "user_tutor", "раз", sent.CreatedAt)
	echo.SeenBy = []domain.UserID{"user_tutor"}
	session.HandleDelivery(echo)
	session.HandleDelivery(echo)

	conv := session.Conversation("user_tutor")
	if len(conv) != 1 {
		t.Fatalf("conversation has %d rows, want 1", len(conv))
	}
	if !conv[0].SeenByUser("user_tutor") {
		t.Error("seen_by from duplicate delivery not applied")
	}
}

func TestHandleDeliveryIgnoresForeignAudience(t *testing.T) {
	store := &fakeStore{}
	session := newTestSession(t, "user_self", store)

	session.HandleDelivery(incoming("m1", "user_a", "user_b", "чужое", time.Now()))
	if len(session.Summaries()) != 0 {
		t.Error("foreign message entered the session")
	}
}

func TestAppointmentStatusLifecycle(t *testing.T) {
	store := &fakeStore{}
	session := newTestSession(t, "user_tutee", store)

	apt := &domain.Message{
		ID:         "apt-1",
		CreatorID:  "user_tutor",
		Body:       "Предлагаю занятие",
		CreatedAt:  time.Now(),
		Audience:   []domain.UserID{"user_tutor", "user_tutee"},
		Type:       domain.MessageTypeAppointment,
		SenderRole: domain.RoleTutor,
		Appointment: &domain.AppointmentPayload{
			StartsAt: time.Now().Add(24 * time.Hour),
			Mode:     domain.ModeOnline,
			Status:   domain.AppointmentPending,
			Subject:  "physics",
		},
	}
	store.put(apt)
	session.HandleDelivery(apt.Clone())

	updated, err := session.UpdateAppointmentStatus(context.Background(), "apt-1", domain.AppointmentAccepted)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if updated.Appointment.Status != domain.AppointmentAccepted {
		t.Errorf("status = %s", updated.Appointment.Status)
	}

	// Поздний decline отбрасывается локально, до обращения к хранилищу
	if _, err := session.UpdateAppointmentStatus(context.Background(), "apt-1", domain.AppointmentDeclined); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("stale decline: got %v, want ErrInvalidTransition", err)
	}
	if store.updateCalls != 1 {
		t.Errorf("store update calls = %d, want 1", store.updateCalls)
	}

	// Отмена принятого доступна только создателю
	if _, err := session.UpdateAppointmentStatus(context.Background(), "apt-1", domain.AppointmentCancelled); !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Errorf("recipient cancel: got %v, want ErrUnauthorized", err)
	}
}

func TestStaleStatusDeliveryDoesNotRegress(t *testing.T) {
	store := &fakeStore{}
	session := newTestSession(t, "user_tutee", store)

	apt := &domain.Message{
		ID:         "apt-1",
		CreatorID:  "user_tutor",
		Body:       "Предлагаю занятие",
		CreatedAt:  time.Now(),
		Audience:   []domain.UserID{"user_tutor", "user_tutee"},
		Type:       domain.MessageTypeAppointment,
		SenderRole: domain.RoleTutor,
		Appointment: &domain.AppointmentPayload{
			StartsAt: time.Now().Add(24 * time.Hour),
			Mode:     domain.ModeOnline,
			Status:   domain.AppointmentAccepted,
			Subject:  "physics",
		},
	}
	session.HandleDelivery(apt.Clone())

	// Устаревшая доставка со статусом pending не откатывает принятие
	stale := apt.Clone()
	stale.Appointment.Status = domain.AppointmentPending
	session.HandleDelivery(stale)

	conv := session.Conversation("user_tutor")
	if len(conv) != 1 {
		t.Fatalf("conversation has %d rows", len(conv))
	}
	if conv[0].Appointment.Status != domain.AppointmentAccepted {
		t.Errorf("status regressed to %s", conv[0].Appointment.Status)
	}
}

func TestRefreshKeepsPendingRows(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	release := make(chan struct{})
	store := &fakeStore{appendHook: func(*domain.Message) { <-release }}
	session := newTestSession(t, "user_self", store, WithClock(func() time.Time { return now }))

	done := make(chan struct{})
	go func() {
		session.Send(context.Background(), "user_tutor", SendInput{Body: "в полете"})
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for len(session.Conversation("user_tutor")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending row never appeared")
		}
		time.Sleep(time.Millisecond)
	}

	// Полная перезагрузка не теряет неподтвержденную отправку
	if err := session.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	conv := session.Conversation("user_tutor")
	if len(conv) != 1 {
		t.Fatalf("pending row lost on refresh: %d rows", len(conv))
	}
	if !domain.IsProvisionalID(conv[0].ID) {
		t.Errorf("row id = %q, want provisional", conv[0].ID)
	}

	close(release)
	<-done
}

func appointmentInput(start time.Time, mode domain.AppointmentMode, subject string) SendInput {
	return SendInput{
		Type: domain.MessageTypeAppointment,
		Appointment: &domain.AppointmentPayload{
			StartsAt: start,
			Mode:     mode,
			Subject:  subject,
		},
	}
}

func TestDistinctAppointmentsNotSuppressed(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	store := &fakeStore{}
	session := newTestSession(t, "user_self", store, WithClock(func() time.Time { return now }))

	base := now.Add(24 * time.Hour)
	first, err := session.Send(context.Background(), "user_tutor",
		appointmentInput(base, domain.ModeOnline, "physics"))
	if err != nil {
		t.Fatalf("first appointment: %v", err)
	}

	// Другое предложение (тело у обоих пустое) в пределах окна подавления -
	// это не дубль, оно обязано дойти до хранилища
	now = now.Add(10 * time.Millisecond)
	second, err := session.Send(context.Background(), "user_tutor",
		appointmentInput(now.Add(48*time.Hour), domain.ModeInPerson, "algebra"))
	if err != nil {
		t.Fatalf("second appointment: %v", err)
	}

	if second.ID == first.ID {
		t.Fatal("distinct appointment proposal suppressed as duplicate")
	}
	if store.seq != 2 {
		t.Fatalf("store appends = %d, want 2", store.seq)
	}
	if conv := session.Conversation("user_tutor"); len(conv) != 2 {
		t.Fatalf("conversation has %d rows, want 2", len(conv))
	}

	// Идентичное предложение при этом подавляется как прежде
	now = now.Add(10 * time.Millisecond)
	repeat, err := session.Send(context.Background(), "user_tutor",
		appointmentInput(base, domain.ModeOnline, "physics"))
	if err != nil {
		t.Fatalf("repeat appointment: %v", err)
	}
	if repeat.ID != first.ID {
		t.Error("identical appointment proposal not suppressed")
	}
	if store.seq != 2 {
		t.Errorf("store appends = %d after repeat, want still 2", store.seq)
	}
}

func TestAppointmentEchoRequiresMatchingPayload(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	release := make(chan struct{})
	store := &fakeStore{appendHook: func(*domain.Message) { <-release }}
	session := newTestSession(t, "user_self", store, WithClock(func() time.Time { return now }))

	pending := appointmentInput(now.Add(24*time.Hour), domain.ModeOnline, "physics")
	done := make(chan struct{})
	go func() {
		session.Send(context.Background(), "user_tutor", pending)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for len(session.Conversation("user_tutor")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending row never appeared")
		}
		time.Sleep(time.Millisecond)
	}

	// Эхо другого предложения (то же пустое тело) не должно подтвердить
	// чужую pending-строку
	other := &domain.Message{
		ID:         "srv-other",
		CreatorID:  "user_self",
		CreatedAt:  now,
		Audience:   []domain.UserID{"user_self", "user_tutor"},
		Type:       domain.MessageTypeAppointment,
		SenderRole: domain.RoleTutee,
		Appointment: &domain.AppointmentPayload{
			StartsAt: now.Add(48 * time.Hour),
			Mode:     domain.ModeInPerson,
			Status:   domain.AppointmentPending,
			Subject:  "algebra",
		},
	}
	session.HandleDelivery(other)

	conv := session.Conversation("user_tutor")
	if len(conv) != 2 {
		t.Fatalf("conversation has %d rows, want pending + foreign echo", len(conv))
	}
	var stillPending bool
	for _, m := range conv {
		if domain.IsProvisionalID(m.ID) {
			stillPending = true
		}
	}
	if !stillPending {
		t.Fatal("foreign echo confirmed the wrong pending row")
	}

	// Эхо с совпадающим содержимым подтверждает как обычно
	match := &domain.Message{
		ID:          "srv-match",
		CreatorID:   "user_self",
		CreatedAt:   now,
		Audience:    []domain.UserID{"user_self", "user_tutor"},
		Type:        domain.MessageTypeAppointment,
		SenderRole:  domain.RoleTutee,
		Appointment: pending.Appointment.Clone(),
	}
	match.Appointment.Status = domain.AppointmentPending
	session.HandleDelivery(match)

	if state, ok := session.SendStateOf("srv-match"); !ok || state != StateConfirmed {
		t.Errorf("matching echo did not confirm: state=%v ok=%v", state, ok)
	}

	close(release)
	<-done
}

func TestSendDoesNotAliasCallerPayload(t *testing.T) {
	store := &fakeStore{}
	session := newTestSession(t, "user_self", store)

	payload := &domain.AppointmentPayload{
		StartsAt: time.Now().Add(24 * time.Hour),
		Mode:     domain.ModeOnline,
		Subject:  "math",
	}
	sent, err := session.Send(context.Background(), "user_tutor", SendInput{
		Type:        domain.MessageTypeAppointment,
		Appointment: payload,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Статус форсируется на записи, вход вызывающего не трогается
	if payload.Status != "" {
		t.Errorf("caller payload status mutated to %q", payload.Status)
	}
	if sent.Appointment.Status != domain.AppointmentPending {
		t.Errorf("stored status = %q", sent.Appointment.Status)
	}

	// И обратно: правки вызывающего не протекают в строку сессии
	payload.Subject = "changed"
	conv := session.Conversation("user_tutor")
	if conv[0].Appointment.Subject != "math" {
		t.Errorf("session row subject = %q, caller mutation leaked", conv[0].Appointment.Subject)
	}
}

func TestFailedSendRetainsOriginalPayload(t *testing.T) {
	store := &fakeStore{appendErr: errors.New("pg down")}
	session := newTestSession(t, "user_self", store)

	payload := &domain.AppointmentPayload{
		StartsAt: time.Now().Add(24 * time.Hour),
		Mode:     domain.ModeOnline,
		Subject:  "math",
	}
	if _, err := session.Send(context.Background(), "user_tutor", SendInput{
		Type:        domain.MessageTypeAppointment,
		Appointment: payload,
	}); err == nil {
		t.Fatal("expected send error")
	}

	failed := session.FailedSends()
	if len(failed) != 1 {
		t.Fatalf("failed sends = %d", len(failed))
	}

	store.mu.Lock()
	store.appendErr = nil
	store.mu.Unlock()

	// Правка payload после неудачи не искажает повтор
	payload.Subject = "changed"
	retried, err := session.RetryFailed(context.Background(), failed[0].ProvisionalID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Appointment.Subject != "math" {
		t.Errorf("retried subject = %q, want original", retried.Appointment.Subject)
	}
}
