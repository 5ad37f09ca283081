package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"tutor_chat/internal/domain"
	apperrors "tutor_chat/pkg/errors"
	"tutor_chat/pkg/logger"
)

type UserRepository interface {
	// GetByIDs возвращает профили для обогащения списка диалогов.
	// Отсутствующие идентификаторы молча пропускаются.
	GetByIDs(ctx context.Context, ids []domain.UserID) ([]*domain.User, error)
	GetByID(ctx context.Context, id domain.UserID) (*domain.User, error)
}

type userRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewUserRepository(db *pgxpool.Pool, log logger.Logger) UserRepository {
	return &userRepository{db: db, log: log}
}

func (r *userRepository) GetByIDs(ctx context.Context, ids []domain.UserID) ([]*domain.User, error) {
	if len(ids) == 0 {
		return []*domain.User{}, nil
	}

	query := `
		SELECT id, first_name, last_name, username, image_url
		FROM users
		WHERE id = ANY($1)
	`

	rows, err := r.db.Query(ctx, query, audienceStrings(ids))
	if err != nil {
		r.log.Error("Failed to get users", "error", err)
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		user := &domain.User{}
		var id string
		err := rows.Scan(&id, &user.FirstName, &user.LastName, &user.Username, &user.ImageURL)
		if err != nil {
			r.log.Error("Failed to scan user", "error", err)
			return nil, err
		}
		user.ID = domain.NormalizeUserID(id)
		user.DisplayName = user.ResolveDisplayName()
		users = append(users, user)
	}

	return users, rows.Err()
}

func (r *userRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	users, err := r.GetByIDs(ctx, []domain.UserID{id})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, apperrors.ErrUserNotFound
	}
	return users[0], nil
}
