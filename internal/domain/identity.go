package domain

import "strings"

// Префикс текстовой формы идентификатора участника чата.
// Один и тот же пользователь может прийти как "abc123" и как "chat_abc123".
const ChatIDPrefix = "chat_"

// UserID хранится всегда в нормализованной (голой) форме.
// Нормализация применяется на каждой точке входа: HTTP, websocket,
// запросы к хранилищу, fan-out и сверка на клиенте.
type UserID string

// NormalizeUserID приводит обе текстовые формы к одной
func NormalizeUserID(raw string) UserID {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, ChatIDPrefix)
	return UserID(s)
}

func (u UserID) String() string {
	return string(u)
}

// Prefixed возвращает префиксованную текстовую форму
func (u UserID) Prefixed() string {
	return ChatIDPrefix + string(u)
}

func (u UserID) IsZero() bool {
	return u == ""
}

// Equal сравнивает с произвольной текстовой формой
func (u UserID) Equal(raw string) bool {
	return u == NormalizeUserID(raw)
}

// Роль отправителя на момент отправки сообщения
type Role string

const (
	RoleTutee Role = "tutee"
	RoleTutor Role = "tutor"
)

func (r Role) Valid() bool {
	return r == RoleTutee || r == RoleTutor
}
