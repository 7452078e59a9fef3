package domain

import (
	"context"
	"math/big"
	"time"
)

// UserRepo управляет пользователями.
type UserRepo interface {
	UpsertByTGID(ctx context.Context, profile TelegramProfile) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	GetByTGID(ctx context.Context, tgUserID int64) (User, error)
}

// ChannelRepo управляет каналами и их админами.
type ChannelRepo interface {
	CreateChannel(ctx context.Context, channel Channel) (Channel, error)
	GetChannel(ctx context.Context, id string) (Channel, error)
	ListChannels(ctx context.Context, limit, offset int) ([]Channel, error)
	UpdatePrice(ctx context.Context, channelID string, priceNano *big.Int) error
	AddAdmin(ctx context.Context, admin ChannelAdmin) error
	RemoveAdmin(ctx context.Context, channelID, userID string) error
	GetAdminRole(ctx context.Context, channelID, userID string) (ChannelAdminRole, error)
}

// CampaignRepo управляет кампаниями.
type CampaignRepo interface {
	CreateCampaign(ctx context.Context, campaign Campaign) (Campaign, error)
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	ListCampaignsForUser(ctx context.Context, userID string) ([]Campaign, error)
	SetCampaignStatus(ctx context.Context, id string, status CampaignStatus) error
}

// DealRepo управляет сделками. Переходные методы выполняют атомарный
// read-modify-write: строка меняется только из ожидаемого статуса,
// иначе возвращается ErrWrongStatus.
type DealRepo interface {
	CreateDeal(ctx context.Context, deal Deal) (Deal, error)
	GetDeal(ctx context.Context, id string) (Deal, error)
	ListDealsForUser(ctx context.Context, userID string) ([]Deal, error)

	// SetEscrowAddressIfEmpty пишет адрес только если он ещё не сохранён.
	SetEscrowAddressIfEmpty(ctx context.Context, dealID, address string) error

	MarkFunded(ctx context.Context, dealID, txReference string) error
	SetDraft(ctx context.Context, dealID, text string, mediaURLs []string) error
	ApproveDraft(ctx context.Context, dealID, contentHash string) error
	RejectDraft(ctx context.Context, dealID, reason string) error
	SetScheduledAt(ctx context.Context, dealID string, at time.Time) error
	MarkPublished(ctx context.Context, dealID string, postID int64, at time.Time) error

	// ListVerifiable возвращает опубликованные сделки, у которых окно
	// наблюдения истекло к deadline и вердикта ещё нет.
	ListVerifiable(ctx context.Context, deadline time.Time) ([]VerifiableDeal, error)
	// Finalize переводит опубликованную сделку в терминальный статус.
	Finalize(ctx context.Context, dealID string, status DealStatus, failed bool, notes string, at time.Time) error
}

// ChannelAccess проверяет право управлять каналом по записям приложения.
type ChannelAccess interface {
	CanManage(ctx context.Context, userID, channelID string) (bool, error)
}

// ChannelAPI — живые проверки через Bot API.
type ChannelAPI interface {
	// IsChannelAdmin проверяет админство пользователя в живом канале.
	IsChannelAdmin(ctx context.Context, chatID, tgUserID int64) (bool, error)
	// PostExists проверяет наличие поста. false возвращается только при
	// однозначном ответе API; сетевые сбои приходят ошибкой.
	PostExists(ctx context.Context, chatID int64, messageID int64) (bool, error)
}

// PostReader читает актуальный текст опубликованного поста.
type PostReader interface {
	GetPostText(ctx context.Context, channelAlias string, messageID int64) (string, error)
}

// EscrowDeriver детерминированно выводит депозитный адрес сделки.
type EscrowDeriver interface {
	DeriveAddress(dealID string) (string, error)
}

// ChainIndexer читает состояние блокчейна. Только для отображения:
// при любой ошибке возвращается ноль.
type ChainIndexer interface {
	GetBalance(ctx context.Context, address string) *big.Int
}

// FundingVerifier проверяет ссылку на транзакцию пополнения эскроу.
// Базовая реализация принимает любую непустую ссылку; интерфейс выделен,
// чтобы подменить её настоящей проверкой по цепочке.
type FundingVerifier interface {
	VerifyFunding(ctx context.Context, address, txReference string) (bool, error)
}

// DealEventQueue передаёт события жизненного цикла нотификатору.
type DealEventQueue interface {
	Publish(ctx context.Context, event DealEvent) error
	Pop(ctx context.Context) (DealEvent, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
