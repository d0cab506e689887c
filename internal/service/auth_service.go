package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"vpnhub/internal/model"
	"vpnhub/internal/repository"
	"vpnhub/pkg/crypto"
)

// AuthService issues and verifies admin API tokens. Tokens are shown
// once at creation; only the salted SHA-256 is stored.
type AuthService struct {
	admins repository.AdminRepository
	logger *zap.Logger

	now func() time.Time
}

func NewAuthService(admins repository.AdminRepository, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		admins: admins,
		logger: logger,
		now:    time.Now,
	}
}

// CreateAdmin registers an admin and returns the one-time plaintext token.
func (s *AuthService) CreateAdmin(ctx context.Context, tgID int64, role model.AdminRole, description string) (string, error) {
	token, err := crypto.NewToken()
	if err != nil {
		return "", err
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return "", err
	}

	admin := &model.Admin{
		TgID:      tgID,
		Role:      role,
		TokenHash: crypto.HashToken(token, salt),
		TokenSalt: salt,
		CreatedAt: s.now().UTC(),
	}
	if description != "" {
		admin.Description = &description
	}
	if err := s.admins.Create(ctx, admin); err != nil {
		return "", err
	}

	s.logger.Info("admin created", zap.Int64("tg_id", tgID), zap.String("role", string(role)))
	return token, nil
}

// Authenticate resolves a presented token to its admin. The lookup key
// cannot be the salted hash directly, so the token is checked against
// every admin row; the admin table is small by construction.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*model.Admin, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	admins, err := s.admins.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, admin := range admins {
		if crypto.VerifyToken(token, admin.TokenSalt, admin.TokenHash) {
			return admin, nil
		}
	}
	return nil, ErrInvalidToken
}

// IsAdmin reports whether a chat user has an admin row at all.
func (s *AuthService) IsAdmin(ctx context.Context, tgID int64) (bool, error) {
	_, err := s.admins.FindByTgID(ctx, tgID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *AuthService) RemoveAdmin(ctx context.Context, tgID int64) error {
	return s.admins.Delete(ctx, tgID)
}
