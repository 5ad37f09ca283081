package domain

// User — профиль для отображения в списке диалогов. Учетные данные и
// сессии живут во внешнем identity provider, здесь только то, что нужно
// для обогащения превью.
type User struct {
	ID          UserID  `json:"id"`
	FirstName   *string `json:"firstName,omitempty"`
	LastName    *string `json:"lastName,omitempty"`
	Username    *string `json:"username,omitempty"`
	ImageURL    *string `json:"imageUrl,omitempty"`
	DisplayName string  `json:"displayName"`
}

// ResolveDisplayName: имя+фамилия, иначе username, иначе сам идентификатор
func (u *User) ResolveDisplayName() string {
	if u.FirstName != nil && *u.FirstName != "" {
		name := *u.FirstName
		if u.LastName != nil && *u.LastName != "" {
			name += " " + *u.LastName
		}
		return name
	}
	if u.Username != nil && *u.Username != "" {
		return *u.Username
	}
	return u.ID.String()
}
