package store

import (
	"context"
	"errors"

	"github.com/fogsync/fogsync/pkg/models"
)

// GetUserByID fetches a user by primary key.
func (s *GORMStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrUserNotFound)
	}
	return &user, nil
}

// GetUserByGithubUID fetches the user connected to a GitHub account.
func (s *GORMStore) GetUserByGithubUID(ctx context.Context, githubUID int64) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("github_uid = ?", githubUID).First(&user).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrUserNotFound)
	}
	return &user, nil
}

// CreateUser inserts a new user row.
func (s *GORMStore) CreateUser(ctx context.Context, user *models.User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueConstraintError(err) {
			return models.ErrDuplicateUser
		}
		return err
	}
	return nil
}

// EnsureUser creates the user row if it does not exist yet. Used by the
// single-user no-auth mode to lazily materialize uid -1.
func (s *GORMStore) EnsureUser(ctx context.Context, user *models.User) error {
	err := s.CreateUser(ctx, user)
	if errors.Is(err, models.ErrDuplicateUser) {
		return nil
	}
	return err
}
