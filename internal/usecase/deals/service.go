package deals

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-admarket/internal/domain"
	"tg-admarket/internal/infra/metrics"
)

const liveAdminCacheTTL = time.Minute

// Service — владелец статуса сделки. Все переходы, кроме терминальных
// (их делает воркер проверки), проходят через этот сервис.
type Service struct {
	deals     domain.DealRepo
	campaigns domain.CampaignRepo
	channels  domain.ChannelRepo
	users     domain.UserRepo
	access    domain.ChannelAccess
	api       domain.ChannelAPI
	deriver   domain.EscrowDeriver
	indexer   domain.ChainIndexer
	funding   domain.FundingVerifier
	events    domain.DealEventQueue
	cache     domain.Cache
	log       zerolog.Logger
}

// NewService создаёт сервис сделок.
func NewService(
	deals domain.DealRepo,
	campaigns domain.CampaignRepo,
	channels domain.ChannelRepo,
	users domain.UserRepo,
	access domain.ChannelAccess,
	api domain.ChannelAPI,
	deriver domain.EscrowDeriver,
	indexer domain.ChainIndexer,
	funding domain.FundingVerifier,
	events domain.DealEventQueue,
	cache domain.Cache,
	log zerolog.Logger,
) *Service {
	return &Service{
		deals:     deals,
		campaigns: campaigns,
		channels:  channels,
		users:     users,
		access:    access,
		api:       api,
		deriver:   deriver,
		indexer:   indexer,
		funding:   funding,
		events:    events,
		cache:     cache,
		log:       log,
	}
}

// Create создаёт сделку по принятой кампании и выводит эскроу-адрес.
func (s *Service) Create(ctx context.Context, advertiserID, campaignID string, amountNano *big.Int) (domain.Deal, error) {
	if amountNano == nil || amountNano.Sign() <= 0 {
		return domain.Deal{}, domain.ErrValidation
	}

	campaign, err := s.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return domain.Deal{}, err
	}
	// Чужая кампания неотличима от несуществующей.
	if campaign.AdvertiserID != advertiserID {
		return domain.Deal{}, domain.ErrNotFound
	}
	if campaign.Status != domain.CampaignAccepted {
		return domain.Deal{}, domain.ErrWrongStatus
	}

	channel, err := s.channels.GetChannel(ctx, campaign.ChannelID)
	if err != nil {
		return domain.Deal{}, err
	}
	if amountNano.Cmp(channel.PricePerPostNano) < 0 {
		return domain.Deal{}, domain.ErrAmountTooLow
	}

	owner, err := s.users.GetByID(ctx, channel.OwnerID)
	if err != nil {
		return domain.Deal{}, fmt.Errorf("владелец канала: %w", err)
	}
	if owner.TGUserID != 0 {
		isAdmin, err := s.liveAdmin(ctx, channel.TGChannelID, owner.TGUserID)
		if err != nil {
			return domain.Deal{}, fmt.Errorf("проверка владельца канала: %w", err)
		}
		if !isAdmin {
			return domain.Deal{}, domain.ErrAdminLost
		}
	}

	deal, err := s.deals.CreateDeal(ctx, domain.Deal{
		ID:           uuid.NewString(),
		CampaignID:   campaign.ID,
		ChannelID:    channel.ID,
		AdvertiserID: advertiserID,
		OwnerID:      channel.OwnerID,
		AmountNano:   amountNano,
		Status:       domain.DealPending,
	})
	if err != nil {
		return domain.Deal{}, err
	}
	metrics.DealsCreatedTotal.Inc()
	s.publish(ctx, domain.EventDealCreated, deal.ID)

	address, err := s.ensureEscrowAddress(ctx, deal.ID, deal.EscrowAddress)
	if err != nil {
		// Сделка уже существует; адрес доберётся при следующем запросе.
		s.log.Warn().Err(err).Str("deal", deal.ID).Msg("эскроу-адрес не сохранён")
		return deal, nil
	}
	deal.EscrowAddress = address
	return deal, nil
}

// ConfirmFunding — рекламодатель подтверждает пополнение эскроу.
func (s *Service) ConfirmFunding(ctx context.Context, advertiserID, dealID, txReference string) error {
	if strings.TrimSpace(txReference) == "" {
		return domain.ErrValidation
	}
	deal, err := s.deals.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if deal.AdvertiserID != advertiserID {
		return domain.ErrForbidden
	}
	if deal.Status != domain.DealPending {
		return domain.ErrWrongStatus
	}
	ok, err := s.funding.VerifyFunding(ctx, deal.EscrowAddress, txReference)
	if err != nil {
		return fmt.Errorf("проверка пополнения: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: ссылка на транзакцию отклонена", domain.ErrValidation)
	}
	if err := s.deals.MarkFunded(ctx, dealID, strings.TrimSpace(txReference)); err != nil {
		return err
	}
	metrics.ObserveTransition(string(domain.DealPending), string(domain.DealFunded))
	s.publish(ctx, domain.EventDealFunded, dealID)
	return nil
}

// UploadDraft — менеджер канала загружает черновик поста.
func (s *Service) UploadDraft(ctx context.Context, caller domain.User, dealID, text string, mediaURLs []string) error {
	if strings.TrimSpace(text) == "" {
		return domain.ErrValidation
	}
	deal, err := s.deals.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if deal.Status != domain.DealFunded {
		return domain.ErrWrongStatus
	}
	if err := s.requireManager(ctx, caller, deal.ChannelID); err != nil {
		return err
	}
	if err := s.deals.SetDraft(ctx, dealID, text, mediaURLs); err != nil {
		return err
	}
	metrics.ObserveTransition(string(domain.DealFunded), string(domain.DealDraftReview))
	s.publish(ctx, domain.EventDraftUploaded, dealID)
	return nil
}

// ReviewDraft — рекламодатель одобряет или отклоняет черновик.
// При одобрении фиксируется отпечаток одобренного контента: с ним воркер
// сверит живой пост после окна наблюдения.
func (s *Service) ReviewDraft(ctx context.Context, advertiserID, dealID string, approved bool, rejectReason string) error {
	deal, err := s.deals.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if deal.AdvertiserID != advertiserID {
		return domain.ErrForbidden
	}
	if deal.Status != domain.DealDraftReview {
		return domain.ErrWrongStatus
	}

	if approved {
		hash := domain.FingerprintDraft(deal.DraftText, deal.DraftMediaURLs)
		if err := s.deals.ApproveDraft(ctx, dealID, hash); err != nil {
			return err
		}
		metrics.ObserveTransition(string(domain.DealDraftReview), string(domain.DealScheduled))
		s.publish(ctx, domain.EventDraftApproved, dealID)
		return nil
	}

	if err := s.deals.RejectDraft(ctx, dealID, strings.TrimSpace(rejectReason)); err != nil {
		return err
	}
	metrics.ObserveTransition(string(domain.DealDraftReview), string(domain.DealFunded))
	s.publish(ctx, domain.EventDraftRejected, dealID)
	return nil
}

// Schedule задаёт время публикации. Статус не меняется.
func (s *Service) Schedule(ctx context.Context, caller domain.User, dealID string, at time.Time) error {
	if at.IsZero() {
		return domain.ErrValidation
	}
	deal, err := s.deals.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if deal.Status != domain.DealScheduled {
		return domain.ErrWrongStatus
	}

	isAdvertiser := deal.AdvertiserID == caller.ID
	canManage, err := s.access.CanManage(ctx, caller.ID, deal.ChannelID)
	if err != nil {
		return fmt.Errorf("проверка прав: %w", err)
	}
	if !isAdvertiser && !canManage {
		return domain.ErrForbidden
	}
	if canManage && caller.TGUserID != 0 {
		channel, err := s.channels.GetChannel(ctx, deal.ChannelID)
		if err != nil {
			return err
		}
		isAdmin, err := s.liveAdmin(ctx, channel.TGChannelID, caller.TGUserID)
		if err != nil {
			return fmt.Errorf("проверка админства: %w", err)
		}
		if !isAdmin {
			return domain.ErrAdminLost
		}
	}

	if err := s.deals.SetScheduledAt(ctx, dealID, at.UTC()); err != nil {
		return err
	}
	s.publish(ctx, domain.EventDealScheduled, dealID)
	return nil
}

// MarkPublished фиксирует входящее событие публикации от внешнего
// коллаборатора (бот, отправивший пост в канал).
func (s *Service) MarkPublished(ctx context.Context, dealID string, postID int64, at time.Time) error {
	if postID <= 0 {
		return domain.ErrValidation
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.deals.MarkPublished(ctx, dealID, postID, at.UTC()); err != nil {
		return err
	}
	metrics.ObserveTransition(string(domain.DealScheduled), string(domain.DealPublished))
	s.publish(ctx, domain.EventDealPublished, dealID)
	return nil
}

// Get возвращает сделку участнику. Посторонним сделка не видна.
func (s *Service) Get(ctx context.Context, callerID, dealID string) (domain.Deal, error) {
	deal, err := s.deals.GetDeal(ctx, dealID)
	if err != nil {
		return domain.Deal{}, err
	}
	if deal.AdvertiserID == callerID || deal.OwnerID == callerID {
		return deal, nil
	}
	canManage, err := s.access.CanManage(ctx, callerID, deal.ChannelID)
	if err != nil {
		return domain.Deal{}, fmt.Errorf("проверка прав: %w", err)
	}
	if !canManage {
		return domain.Deal{}, domain.ErrNotFound
	}
	return deal, nil
}

// List возвращает сделки пользователя.
func (s *Service) List(ctx context.Context, callerID string) ([]domain.Deal, error) {
	return s.deals.ListDealsForUser(ctx, callerID)
}

// EscrowInfo описывает депозит сделки.
type EscrowInfo struct {
	Address     string
	AmountNano  *big.Int
	BalanceNano *big.Int
}

// EscrowInfo возвращает адрес, сумму и текущий баланс эскроу. Если адрес
// не был сохранён при создании, здесь он доводится повторным выводом.
func (s *Service) EscrowInfo(ctx context.Context, callerID, dealID string) (EscrowInfo, error) {
	deal, err := s.Get(ctx, callerID, dealID)
	if err != nil {
		return EscrowInfo{}, err
	}
	address, err := s.ensureEscrowAddress(ctx, deal.ID, deal.EscrowAddress)
	if err != nil {
		return EscrowInfo{}, err
	}
	info := EscrowInfo{Address: address, AmountNano: deal.AmountNano, BalanceNano: big.NewInt(0)}
	if s.indexer != nil {
		info.BalanceNano = s.indexer.GetBalance(ctx, address)
	}
	return info, nil
}

// ensureEscrowAddress выводит адрес и идемпотентно сохраняет его:
// "derive, then persist-if-not-already-set".
func (s *Service) ensureEscrowAddress(ctx context.Context, dealID, current string) (string, error) {
	if current != "" {
		return current, nil
	}
	address, err := s.deriver.DeriveAddress(dealID)
	if errors.Is(err, domain.ErrEscrowUnavailable) {
		return "", err
	}
	if err != nil {
		metrics.EscrowDeriveErrors.Inc()
		return "", fmt.Errorf("вывод эскроу-адреса: %w", err)
	}
	if err := s.deals.SetEscrowAddressIfEmpty(ctx, dealID, address); err != nil {
		return "", fmt.Errorf("сохранение эскроу-адреса: %w", err)
	}
	return address, nil
}

// requireManager: право по записям приложения плюс живая проверка,
// когда известен Telegram ID вызывающего. Живой ответ авторитетнее.
func (s *Service) requireManager(ctx context.Context, caller domain.User, channelID string) error {
	canManage, err := s.access.CanManage(ctx, caller.ID, channelID)
	if err != nil {
		return fmt.Errorf("проверка прав: %w", err)
	}
	if !canManage {
		return domain.ErrForbidden
	}
	if caller.TGUserID == 0 {
		return nil
	}
	channel, err := s.channels.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	isAdmin, err := s.liveAdmin(ctx, channel.TGChannelID, caller.TGUserID)
	if err != nil {
		return fmt.Errorf("проверка админства: %w", err)
	}
	if !isAdmin {
		return domain.ErrAdminLost
	}
	return nil
}

func (s *Service) liveAdmin(ctx context.Context, chatID, tgUserID int64) (bool, error) {
	key := fmt.Sprintf("tgadmin:%d:%d", chatID, tgUserID)
	if s.cache != nil {
		if raw, err := s.cache.Get(key); err == nil && len(raw) == 1 {
			return raw[0] == '1', nil
		}
	}
	ok, err := s.api.IsChannelAdmin(ctx, chatID, tgUserID)
	if err != nil {
		return false, err
	}
	if s.cache != nil {
		value := []byte("0")
		if ok {
			value = []byte("1")
		}
		_ = s.cache.Set(key, value, liveAdminCacheTTL)
	}
	return ok, nil
}

func (s *Service) publish(ctx context.Context, eventType domain.DealEventType, dealID string) {
	if s.events == nil {
		return
	}
	event := domain.DealEvent{Type: eventType, DealID: dealID, OccurredAt: time.Now().UTC()}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("deal", dealID).Str("event", string(eventType)).Msg("событие не опубликовано")
	}
}
