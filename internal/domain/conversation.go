package domain

import "sort"

// CounterpartySummary — производная строка списка диалогов:
// один собеседник, превью последнего сообщения и количество непрочитанных.
type CounterpartySummary struct {
	UserID       UserID `json:"user_id"`
	DisplayName  string `json:"display_name"`
	LastBody     string `json:"last_body"`
	LastAt       int64  `json:"last_at"` // unix ms; 0 если время неизвестно
	LastFromSelf bool   `json:"last_from_self"`
	Unread       int    `json:"unread"`
}

// BuildSummaries строит список собеседников из полного набора сообщений
// пользователя. Используется и сервером (холодный старт), и клиентом
// (инкрементальный путь пересчитывает по тому же коду) - пути обязаны
// давать одинаковый результат на одном наборе сообщений.
func BuildSummaries(self UserID, messages []*Message) []*CounterpartySummary {
	byCounterparty := map[UserID]*CounterpartySummary{}

	for _, m := range messages {
		cp, ok := m.Counterparty(self)
		if !ok {
			continue
		}

		s := byCounterparty[cp]
		if s == nil {
			s = &CounterpartySummary{UserID: cp, DisplayName: cp.String()}
			byCounterparty[cp] = s
		}

		ts := int64(0)
		if !m.CreatedAt.IsZero() {
			ts = m.CreatedAt.UnixMilli()
		}
		if ts >= s.LastAt {
			s.LastAt = ts
			s.LastBody = m.Body
			s.LastFromSelf = m.CreatorID == self
		}

		// Непрочитанное: автор - собеседник, self в audience, self не в seenBy
		if m.CreatorID == cp && !m.SeenByUser(self.String()) {
			s.Unread++
		}
	}

	out := make([]*CounterpartySummary, 0, len(byCounterparty))
	for _, s := range byCounterparty {
		out = append(out, s)
	}
	SortSummaries(out)
	return out
}

// SortSummaries: по времени последнего сообщения убыв.;
// при равенстве - сначала с непрочитанными, затем по имени возр.
func SortSummaries(list []*CounterpartySummary) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.LastAt != b.LastAt {
			return a.LastAt > b.LastAt
		}
		au, bu := a.Unread > 0, b.Unread > 0
		if au != bu {
			return au
		}
		return a.DisplayName < b.DisplayName
	})
}

// SortMessages — порядок отображения внутри диалога: по времени создания возр.
// Пересортировка выполняется после каждой мутации списка, порядок доставки
// из realtime-канала не гарантирован.
func SortMessages(list []*Message) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
