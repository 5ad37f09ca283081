package chatclient

import (
	"context"

	"tutor_chat/internal/domain"
)

// Трекер прочитанности: "прочитано" означает "показано человеку в
// открытом и сфокусированном диалоге", а не "получено клиентом".
// Фоновая вкладка непрочитанное не гасит.

// OpenConversation открывает диалог с собеседником. При наличии фокуса
// сразу отмечает его сообщения прочитанными.
func (s *Session) OpenConversation(ctx context.Context, raw string) {
	counterparty := domain.NormalizeUserID(raw)

	s.mu.Lock()
	s.openWith = counterparty
	qualifies := s.focused && !counterparty.IsZero()
	s.mu.Unlock()

	if qualifies {
		s.markSeen(ctx, counterparty)
	}
	s.notify()
}

func (s *Session) CloseConversation() {
	s.mu.Lock()
	s.openWith = ""
	s.mu.Unlock()
}

// SetFocus отражает фокус окна. Возврат фокуса при открытом диалоге
// догоняет сообщения, пришедшие пока вкладка была в фоне.
func (s *Session) SetFocus(ctx context.Context, focused bool) {
	s.mu.Lock()
	s.focused = focused
	counterparty := s.openWith
	qualifies := focused && !counterparty.IsZero()
	s.mu.Unlock()

	if qualifies {
		s.markSeen(ctx, counterparty)
		s.notify()
	}
}

// markSeen отмечает локально и уведомляет хранилище. Сбой вызова только
// логируется: прочитанность - best-effort, повтор произойдет на следующем
// подходящем событии фокуса или открытия.
func (s *Session) markSeen(ctx context.Context, counterparty domain.UserID) {
	s.mu.Lock()
	changed := false
	for _, m := range s.allChats {
		if m.CreatorID != counterparty {
			continue
		}
		if m.MarkSeenBy(s.self.String()) {
			changed = true
		}
	}
	s.mu.Unlock()

	if _, err := s.store.MarkSeen(ctx, s.self, counterparty); err != nil {
		s.log.Warn("Failed to mark messages as seen, will retry on next focus", "counterparty", counterparty, "error", err)
	}

	if changed {
		s.notify()
	}
}
