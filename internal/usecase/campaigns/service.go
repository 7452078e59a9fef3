package campaigns

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-admarket/internal/domain"
)

// Service управляет кампаниями: заявка рекламодателя и ответ владельца.
type Service struct {
	repo     domain.CampaignRepo
	channels domain.ChannelRepo
	log      zerolog.Logger
}

// NewService создаёт сервис кампаний.
func NewService(repo domain.CampaignRepo, channels domain.ChannelRepo, log zerolog.Logger) *Service {
	return &Service{repo: repo, channels: channels, log: log}
}

// Create создаёт заявку на размещение в канале.
func (s *Service) Create(ctx context.Context, advertiserID, channelID, brief string, amountNano *big.Int) (domain.Campaign, error) {
	if strings.TrimSpace(brief) == "" || amountNano == nil || amountNano.Sign() <= 0 {
		return domain.Campaign{}, domain.ErrValidation
	}
	if _, err := s.channels.GetChannel(ctx, channelID); err != nil {
		return domain.Campaign{}, err
	}
	campaign, err := s.repo.CreateCampaign(ctx, domain.Campaign{
		ID:                 uuid.NewString(),
		ChannelID:          channelID,
		AdvertiserID:       advertiserID,
		Brief:              strings.TrimSpace(brief),
		ProposedAmountNano: amountNano,
		Status:             domain.CampaignPending,
	})
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("создание кампании: %w", err)
	}
	return campaign, nil
}

// Review — владелец канала принимает или отклоняет заявку.
func (s *Service) Review(ctx context.Context, callerID, campaignID string, accept bool) error {
	campaign, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	channel, err := s.channels.GetChannel(ctx, campaign.ChannelID)
	if err != nil {
		return err
	}
	if channel.OwnerID != callerID {
		return domain.ErrForbidden
	}
	status := domain.CampaignRejected
	if accept {
		status = domain.CampaignAccepted
	}
	return s.repo.SetCampaignStatus(ctx, campaignID, status)
}

// ListForUser возвращает кампании пользователя с обеих сторон сделки.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]domain.Campaign, error) {
	return s.repo.ListCampaignsForUser(ctx, userID)
}
