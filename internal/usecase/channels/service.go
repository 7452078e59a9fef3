package channels

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-admarket/internal/domain"
)

var ErrAliasInvalid = errors.New("некорректный алиас")

var aliasRegex = regexp.MustCompile(`(?i)^(?:@|https?://t\.me/|t\.me/)?([a-z0-9_]{5,})$`)

// Service управляет каналами площадки и правами на них.
type Service struct {
	repo domain.ChannelRepo
	api  domain.ChannelAPI
	log  zerolog.Logger
}

var _ domain.ChannelAccess = (*Service)(nil)

// NewService создаёт сервис каналов.
func NewService(repo domain.ChannelRepo, api domain.ChannelAPI, log zerolog.Logger) *Service {
	return &Service{repo: repo, api: api, log: log}
}

// ParseAlias приводит ввод пользователя к каноничному алиасу.
func ParseAlias(input string) (string, error) {
	trim := strings.TrimSpace(input)
	matches := aliasRegex.FindStringSubmatch(trim)
	if len(matches) < 2 {
		return "", ErrAliasInvalid
	}
	return strings.ToLower(matches[1]), nil
}

// Register выставляет канал на площадку. Владелец обязан быть админом
// живого канала: запись приложения создаётся только после проверки.
func (s *Service) Register(ctx context.Context, owner domain.User, tgChannelID int64, alias, title string, priceNano *big.Int) (domain.Channel, error) {
	parsed, err := ParseAlias(alias)
	if err != nil {
		return domain.Channel{}, err
	}
	if tgChannelID == 0 || priceNano == nil || priceNano.Sign() <= 0 {
		return domain.Channel{}, domain.ErrValidation
	}

	isAdmin, err := s.api.IsChannelAdmin(ctx, tgChannelID, owner.TGUserID)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("проверка админства: %w", err)
	}
	if !isAdmin {
		return domain.Channel{}, domain.ErrAdminLost
	}

	channel, err := s.repo.CreateChannel(ctx, domain.Channel{
		ID:               uuid.NewString(),
		OwnerID:          owner.ID,
		TGChannelID:      tgChannelID,
		Alias:            parsed,
		Title:            strings.TrimSpace(title),
		PricePerPostNano: priceNano,
	})
	if err != nil {
		return domain.Channel{}, fmt.Errorf("сохранение канала: %w", err)
	}
	if err := s.repo.AddAdmin(ctx, domain.ChannelAdmin{ChannelID: channel.ID, UserID: owner.ID, Role: domain.RoleOwner}); err != nil {
		return domain.Channel{}, fmt.Errorf("запись владельца: %w", err)
	}
	return channel, nil
}

// List возвращает витрину каналов.
func (s *Service) List(ctx context.Context, limit, offset int) ([]domain.Channel, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListChannels(ctx, limit, offset)
}

// SetPrice меняет цену размещения. Только владелец.
func (s *Service) SetPrice(ctx context.Context, callerID, channelID string, priceNano *big.Int) error {
	if priceNano == nil || priceNano.Sign() <= 0 {
		return domain.ErrValidation
	}
	channel, err := s.repo.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if channel.OwnerID != callerID {
		return domain.ErrForbidden
	}
	return s.repo.UpdatePrice(ctx, channelID, priceNano)
}

// AddManager выдаёт пользователю роль PR-менеджера канала.
func (s *Service) AddManager(ctx context.Context, callerID, channelID, userID string) error {
	channel, err := s.repo.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if channel.OwnerID != callerID {
		return domain.ErrForbidden
	}
	return s.repo.AddAdmin(ctx, domain.ChannelAdmin{ChannelID: channelID, UserID: userID, Role: domain.RolePRManager})
}

// RemoveManager снимает роль менеджера.
func (s *Service) RemoveManager(ctx context.Context, callerID, channelID, userID string) error {
	channel, err := s.repo.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if channel.OwnerID != callerID {
		return domain.ErrForbidden
	}
	return s.repo.RemoveAdmin(ctx, channelID, userID)
}

// CanManage реализует domain.ChannelAccess: владелец или роль с правом
// управления по записям приложения.
func (s *Service) CanManage(ctx context.Context, userID, channelID string) (bool, error) {
	channel, err := s.repo.GetChannel(ctx, channelID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if channel.OwnerID == userID {
		return true, nil
	}
	role, err := s.repo.GetAdminRole(ctx, channelID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return role.CanManage(), nil
}
