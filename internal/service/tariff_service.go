package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"vpnhub/internal/model"
	"vpnhub/internal/pricing"
	"vpnhub/internal/repository"
)

var ErrInvalidTariff = errors.New("invalid tariff")

type TariffService struct {
	tariffs repository.TariffRepository
	logger  *zap.Logger

	now func() time.Time
}

func NewTariffService(tariffs repository.TariffRepository, logger *zap.Logger) *TariffService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TariffService{
		tariffs: tariffs,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *TariffService) Get(ctx context.Context, id int64) (*model.Tariff, error) {
	tariff, err := s.tariffs.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTariffNotFound
		}
		return nil, err
	}
	return tariff, nil
}

func (s *TariffService) List(ctx context.Context) ([]*model.Tariff, error) {
	return s.tariffs.List(ctx)
}

func (s *TariffService) ListGroup(ctx context.Context, groupCode string, activeOnly bool) ([]*model.Tariff, error) {
	return s.tariffs.ListByGroup(ctx, groupCode, activeOnly)
}

// Subgroups returns the distinct subgroup titles of a group together
// with their routing hashes, ordered as first seen.
func (s *TariffService) Subgroups(ctx context.Context, groupCode string) (map[string]string, []string, error) {
	tariffs, err := s.tariffs.ListByGroup(ctx, groupCode, true)
	if err != nil {
		return nil, nil, err
	}

	byHash := make(map[string]string)
	order := make([]string, 0, 4)
	for _, tariff := range tariffs {
		if tariff.SubgroupTitle == nil || *tariff.SubgroupTitle == "" {
			continue
		}
		hash := model.SubgroupHash(*tariff.SubgroupTitle)
		if _, seen := byHash[hash]; !seen {
			byHash[hash] = *tariff.SubgroupTitle
			order = append(order, hash)
		}
	}
	return byHash, order, nil
}

// ResolveSubgroup maps a callback hash back to the subgroup title.
func (s *TariffService) ResolveSubgroup(ctx context.Context, groupCode, hash string) (string, error) {
	byHash, _, err := s.Subgroups(ctx, groupCode)
	if err != nil {
		return "", err
	}
	title, ok := byHash[hash]
	if !ok {
		return "", ErrTariffNotFound
	}
	return title, nil
}

// Create validates and normalizes a tariff document before persisting.
// Option lists are sorted ascending with the unlimited sentinel last.
func (s *TariffService) Create(ctx context.Context, tariff *model.Tariff) (*model.Tariff, error) {
	if err := s.normalize(tariff); err != nil {
		return nil, err
	}
	tariff.CreatedAt = s.now().UTC()
	tariff.UpdatedAt = tariff.CreatedAt
	if err := s.tariffs.Create(ctx, tariff); err != nil {
		return nil, err
	}
	return tariff, nil
}

func (s *TariffService) Update(ctx context.Context, tariff *model.Tariff) (*model.Tariff, error) {
	if err := s.normalize(tariff); err != nil {
		return nil, err
	}
	tariff.UpdatedAt = s.now().UTC()
	if err := s.tariffs.Update(ctx, tariff); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTariffNotFound
		}
		return nil, err
	}
	return tariff, nil
}

func (s *TariffService) Delete(ctx context.Context, id int64) error {
	err := s.tariffs.Delete(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrTariffNotFound
	}
	return err
}

func (s *TariffService) normalize(tariff *model.Tariff) error {
	tariff.Name = strings.TrimSpace(tariff.Name)
	tariff.GroupCode = strings.TrimSpace(tariff.GroupCode)
	if tariff.Name == "" || tariff.GroupCode == "" {
		return ErrInvalidTariff
	}
	if tariff.DurationDays <= 0 || tariff.PriceRub < 0 {
		return ErrInvalidTariff
	}
	if tariff.SubgroupTitle != nil {
		trimmed := strings.TrimSpace(*tariff.SubgroupTitle)
		if trimmed == "" {
			tariff.SubgroupTitle = nil
		} else {
			tariff.SubgroupTitle = &trimmed
		}
	}
	if tariff.Configurable {
		tariff.DeviceOptions = pricing.NormalizeOptions(tariff.DeviceOptions)
		tariff.TrafficOptionsGB = pricing.NormalizeOptions(tariff.TrafficOptionsGB)
		if len(tariff.DeviceOptions) == 0 && len(tariff.TrafficOptionsGB) == 0 {
			return ErrInvalidTariff
		}
	}
	return nil
}
