package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"vpnhub/internal/model"
	"vpnhub/internal/repository"
)

type UserService struct {
	users     repository.UserRepository
	referrals repository.ReferralRepository
	logger    *zap.Logger

	now func() time.Time
}

func NewUserService(
	users repository.UserRepository,
	referrals repository.ReferralRepository,
	logger *zap.Logger,
) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{
		users:     users,
		referrals: referrals,
		logger:    logger,
		now:       time.Now,
	}
}

type EnsureUserRequest struct {
	TgID      int64   `json:"tg_id"`
	Username  *string `json:"username,omitempty"`
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Language  *string `json:"language,omitempty"`
	IsBot     bool    `json:"is_bot"`
	// ReferrerTgID records who invited this user, on first sight only.
	ReferrerTgID int64 `json:"referrer_tg_id,omitempty"`
}

// Ensure creates the user row lazily at first meaningful interaction and
// refreshes display fields on subsequent ones. A referral is recorded
// only when the user is new and the referrer is someone else.
func (s *UserService) Ensure(ctx context.Context, req EnsureUserRequest) (*model.User, error) {
	user, err := s.users.FindByTgID(ctx, req.TgID)
	if err == nil {
		changed := false
		if req.Username != nil && !strPtrEqual(user.Username, req.Username) {
			user.Username = req.Username
			changed = true
		}
		if req.FirstName != nil && !strPtrEqual(user.FirstName, req.FirstName) {
			user.FirstName = req.FirstName
			changed = true
		}
		if req.LastName != nil && !strPtrEqual(user.LastName, req.LastName) {
			user.LastName = req.LastName
			changed = true
		}
		if req.Language != nil && !strPtrEqual(user.Language, req.Language) {
			user.Language = req.Language
			changed = true
		}
		if changed {
			user.UpdatedAt = s.now().UTC()
			if updateErr := s.users.Update(ctx, user); updateErr != nil {
				s.logger.Warn("refresh user fields", zap.Int64("tg_id", req.TgID), zap.Error(updateErr))
			}
		}
		return user, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	user = &model.User{
		TgID:      req.TgID,
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Language:  req.Language,
		IsBot:     req.IsBot,
		CreatedAt: s.now().UTC(),
		UpdatedAt: s.now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return s.users.FindByTgID(ctx, req.TgID)
		}
		return nil, err
	}

	if req.ReferrerTgID != 0 && req.ReferrerTgID != req.TgID {
		referral := &model.Referral{
			ReferrerTgID: req.ReferrerTgID,
			ReferredTgID: req.TgID,
			CreatedAt:    s.now().UTC(),
		}
		if err := s.referrals.Create(ctx, referral); err != nil && !errors.Is(err, repository.ErrDuplicate) {
			s.logger.Warn("record referral",
				zap.Int64("referrer", req.ReferrerTgID),
				zap.Int64("referred", req.TgID),
				zap.Error(err),
			)
		}
	}

	return user, nil
}

// MarkBlocked flags a user whose chat rejected delivery; the notifier
// stops messaging them.
func (s *UserService) MarkBlocked(ctx context.Context, tgID int64) error {
	return s.users.SetBanned(ctx, tgID, true)
}

// OpenExtendedTrial re-opens the trial for a user who never consumed it.
func (s *UserService) OpenExtendedTrial(ctx context.Context, tgID int64) error {
	user, err := s.users.FindByTgID(ctx, tgID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	if user.Trial != model.TrialAvailable {
		return ErrTrialAlreadyUsed
	}
	return s.users.SetTrial(ctx, tgID, model.TrialExtended)
}

func (s *UserService) ReferralCount(ctx context.Context, tgID int64) (int64, error) {
	return s.referrals.CountByReferrer(ctx, tgID)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
