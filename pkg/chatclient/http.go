package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tutor_chat/internal/domain"
	apperrors "tutor_chat/pkg/errors"
)

// HTTPStore — реализация Store поверх HTTP API сервера.
// Таймаут на запись конечный: по его истечении отправка считается
// неудавшейся, хотя запись могла пройти (at-least-once) - дубль
// подавит окно в Send.
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPStore(baseURL, token string) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPStore) Append(ctx context.Context, message *domain.Message) (*domain.Message, error) {
	recipient, ok := message.Counterparty(message.CreatorID)
	if !ok {
		return nil, apperrors.ErrBadRequest
	}

	body := map[string]interface{}{
		"recipientId": recipient.String(),
		"message":     message.Body,
		"senderRole":  string(message.SenderRole),
		"type":        string(message.Type),
	}
	if message.ReplyTo != nil {
		body["replyTo"] = *message.ReplyTo
	}
	if message.Appointment != nil {
		body["appointment"] = message.Appointment
	}
	if message.QuizResult != nil {
		body["quizResult"] = message.QuizResult
	}

	var stored domain.Message
	if err := s.do(ctx, http.MethodPost, "/api/v1/chat", body, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *HTTPStore) List(ctx context.Context, self domain.UserID) ([]*domain.Message, error) {
	var resp struct {
		Chats []*domain.Message `json:"chats"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/v1/chats", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

func (s *HTTPStore) MarkSeen(ctx context.Context, self, counterparty domain.UserID) (int64, error) {
	var resp struct {
		ModifiedCount int64 `json:"modifiedCount"`
	}
	body := map[string]string{"counterpartyId": counterparty.String()}
	if err := s.do(ctx, http.MethodPost, "/api/v1/chats/seen", body, &resp); err != nil {
		return 0, err
	}
	return resp.ModifiedCount, nil
}

func (s *HTTPStore) UpdateAppointmentStatus(ctx context.Context, messageID string, to domain.AppointmentStatus, actor domain.UserID) (*domain.Message, error) {
	var updated domain.Message
	body := map[string]string{"messageId": messageID, "status": string(to)}
	if err := s.do(ctx, http.MethodPatch, "/api/v1/chat", body, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Users загружает профили для обогащения списка диалогов
func (s *HTTPStore) Users(ctx context.Context, ids []domain.UserID) ([]*domain.User, error) {
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	path := "/api/v1/users?userIds=" + url.QueryEscape(strings.Join(raw, ","))

	var users []*domain.User
	if err := s.do(ctx, http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errorFromResponse(resp)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// errorFromResponse переводит ответ сервера обратно в доменную таксономию
func errorFromResponse(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&payload)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.ErrUnauthorized
	case http.StatusNotFound:
		return apperrors.ErrNotFound
	case http.StatusBadRequest:
		if strings.Contains(payload.Error, "transition") {
			return apperrors.ErrInvalidTransition
		}
		return fmt.Errorf("%w: %s", apperrors.ErrBadRequest, payload.Error)
	case http.StatusServiceUnavailable:
		return apperrors.ErrPersistence
	default:
		return fmt.Errorf("%w: %s", apperrors.ErrInternalServer, payload.Error)
	}
}
