package repo

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-admarket/internal/domain"
	"tg-admarket/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo     = (*Postgres)(nil)
	_ domain.ChannelRepo  = (*Postgres)(nil)
	_ domain.CampaignRepo = (*Postgres)(nil)
	_ domain.DealRepo     = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if _, ok := parent.Deadline(); ok {
		return parent, func() {}
	}
	return context.WithTimeout(parent, 5*time.Second)
}

// parseAmount разбирает numeric из текстового представления.
func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("некорректная сумма %q", raw)
	}
	return amount, nil
}

func amountText(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

// UpsertByTGID реализует domain.UserRepo.
func (p *Postgres) UpsertByTGID(ctx context.Context, profile domain.TelegramProfile) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var user domain.User
	err := p.pool.QueryRow(ctx, `
INSERT INTO users (id, tg_user_id, username, first_name)
VALUES (gen_random_uuid(), $1, NULLIF($2,''), NULLIF($3,''))
ON CONFLICT (tg_user_id) DO UPDATE SET username = EXCLUDED.username, first_name = EXCLUDED.first_name, updated_at = now()
RETURNING id, tg_user_id, COALESCE(username,''), COALESCE(first_name,''), created_at, updated_at
`, profile.TGUserID, profile.Username, profile.FirstName).
		Scan(&user.ID, &user.TGUserID, &user.Username, &user.FirstName, &user.CreatedAt, &user.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "upsert_user", "users", start, err)
	if err != nil {
		return domain.User{}, fmt.Errorf("апсерт пользователя: %w", err)
	}
	return user, nil
}

// GetByID реализует domain.UserRepo.
func (p *Postgres) GetByID(ctx context.Context, id string) (domain.User, error) {
	return p.getUser(ctx, `id = $1`, id)
}

// GetByTGID реализует domain.UserRepo.
func (p *Postgres) GetByTGID(ctx context.Context, tgUserID int64) (domain.User, error) {
	return p.getUser(ctx, `tg_user_id = $1`, tgUserID)
}

func (p *Postgres) getUser(ctx context.Context, where string, arg any) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var user domain.User
	err := p.pool.QueryRow(ctx, `
SELECT id, tg_user_id, COALESCE(username,''), COALESCE(first_name,''), created_at, updated_at
FROM users WHERE `+where, arg).
		Scan(&user.ID, &user.TGUserID, &user.Username, &user.FirstName, &user.CreatedAt, &user.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "get_user", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("чтение пользователя: %w", err)
	}
	return user, nil
}

const channelColumns = `id, owner_id, tg_channel_id, COALESCE(alias,''), COALESCE(title,''), price_per_post_nano::text, created_at`

func scanChannel(row pgx.Row) (domain.Channel, error) {
	var (
		channel domain.Channel
		price   string
	)
	if err := row.Scan(&channel.ID, &channel.OwnerID, &channel.TGChannelID, &channel.Alias, &channel.Title, &price, &channel.CreatedAt); err != nil {
		return domain.Channel{}, err
	}
	amount, err := parseAmount(price)
	if err != nil {
		return domain.Channel{}, err
	}
	channel.PricePerPostNano = amount
	return channel, nil
}

// CreateChannel реализует domain.ChannelRepo.
func (p *Postgres) CreateChannel(ctx context.Context, channel domain.Channel) (domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO channels (id, owner_id, tg_channel_id, alias, title, price_per_post_nano)
VALUES ($1, $2, $3, $4, $5, $6::numeric)
RETURNING `+channelColumns,
		channel.ID, channel.OwnerID, channel.TGChannelID, channel.Alias, channel.Title, amountText(channel.PricePerPostNano))
	created, err := scanChannel(row)
	metrics.ObserveNetworkRequest("postgres", "create_channel", "channels", start, err)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("создание канала: %w", err)
	}
	return created, nil
}

// GetChannel реализует domain.ChannelRepo.
func (p *Postgres) GetChannel(ctx context.Context, id string) (domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	channel, err := scanChannel(row)
	metrics.ObserveNetworkRequest("postgres", "get_channel", "channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Channel{}, fmt.Errorf("чтение канала: %w", err)
	}
	return channel, nil
}

// ListChannels реализует domain.ChannelRepo.
func (p *Postgres) ListChannels(ctx context.Context, limit, offset int) ([]domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "list_channels", "channels", start, err)
	if err != nil {
		return nil, fmt.Errorf("список каналов: %w", err)
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("скан канала: %w", err)
		}
		channels = append(channels, channel)
	}
	return channels, rows.Err()
}

// UpdatePrice реализует domain.ChannelRepo.
func (p *Postgres) UpdatePrice(ctx context.Context, channelID string, priceNano *big.Int) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	ct, err := p.pool.Exec(ctx, `UPDATE channels SET price_per_post_nano = $2::numeric WHERE id = $1`, channelID, amountText(priceNano))
	metrics.ObserveNetworkRequest("postgres", "update_price", "channels", start, err)
	if err != nil {
		return fmt.Errorf("обновление цены: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AddAdmin реализует domain.ChannelRepo.
func (p *Postgres) AddAdmin(ctx context.Context, admin domain.ChannelAdmin) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO channel_admins (channel_id, user_id, role)
VALUES ($1, $2, $3)
ON CONFLICT (channel_id, user_id) DO UPDATE SET role = EXCLUDED.role
`, admin.ChannelID, admin.UserID, admin.Role)
	metrics.ObserveNetworkRequest("postgres", "add_admin", "channel_admins", start, err)
	if err != nil {
		return fmt.Errorf("добавление админа: %w", err)
	}
	return nil
}

// RemoveAdmin реализует domain.ChannelRepo.
func (p *Postgres) RemoveAdmin(ctx context.Context, channelID, userID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM channel_admins WHERE channel_id = $1 AND user_id = $2`, channelID, userID)
	metrics.ObserveNetworkRequest("postgres", "remove_admin", "channel_admins", start, err)
	if err != nil {
		return fmt.Errorf("удаление админа: %w", err)
	}
	return nil
}

// GetAdminRole реализует domain.ChannelRepo.
func (p *Postgres) GetAdminRole(ctx context.Context, channelID, userID string) (domain.ChannelAdminRole, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var role domain.ChannelAdminRole
	err := p.pool.QueryRow(ctx, `SELECT role FROM channel_admins WHERE channel_id = $1 AND user_id = $2`, channelID, userID).Scan(&role)
	metrics.ObserveNetworkRequest("postgres", "get_admin_role", "channel_admins", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("чтение роли: %w", err)
	}
	return role, nil
}

const campaignColumns = `id, channel_id, advertiser_id, COALESCE(brief,''), proposed_amount_nano::text, status, created_at, updated_at`

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var (
		campaign domain.Campaign
		amount   string
	)
	if err := row.Scan(&campaign.ID, &campaign.ChannelID, &campaign.AdvertiserID, &campaign.Brief, &amount, &campaign.Status, &campaign.CreatedAt, &campaign.UpdatedAt); err != nil {
		return domain.Campaign{}, err
	}
	parsed, err := parseAmount(amount)
	if err != nil {
		return domain.Campaign{}, err
	}
	campaign.ProposedAmountNano = parsed
	return campaign, nil
}

// CreateCampaign реализует domain.CampaignRepo.
func (p *Postgres) CreateCampaign(ctx context.Context, campaign domain.Campaign) (domain.Campaign, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO campaigns (id, channel_id, advertiser_id, brief, proposed_amount_nano, status)
VALUES ($1, $2, $3, $4, $5::numeric, $6)
RETURNING `+campaignColumns,
		campaign.ID, campaign.ChannelID, campaign.AdvertiserID, campaign.Brief, amountText(campaign.ProposedAmountNano), campaign.Status)
	created, err := scanCampaign(row)
	metrics.ObserveNetworkRequest("postgres", "create_campaign", "campaigns", start, err)
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("создание кампании: %w", err)
	}
	return created, nil
}

// GetCampaign реализует domain.CampaignRepo.
func (p *Postgres) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	campaign, err := scanCampaign(row)
	metrics.ObserveNetworkRequest("postgres", "get_campaign", "campaigns", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Campaign{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("чтение кампании: %w", err)
	}
	return campaign, nil
}

// ListCampaignsForUser возвращает кампании, где пользователь —
// рекламодатель или владелец канала.
func (p *Postgres) ListCampaignsForUser(ctx context.Context, userID string) ([]domain.Campaign, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+campaignColumns+` FROM campaigns
WHERE advertiser_id = $1 OR channel_id IN (SELECT id FROM channels WHERE owner_id = $1)
ORDER BY created_at DESC`, userID)
	metrics.ObserveNetworkRequest("postgres", "list_campaigns", "campaigns", start, err)
	if err != nil {
		return nil, fmt.Errorf("список кампаний: %w", err)
	}
	defer rows.Close()

	var campaigns []domain.Campaign
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("скан кампании: %w", err)
		}
		campaigns = append(campaigns, campaign)
	}
	return campaigns, rows.Err()
}

// SetCampaignStatus переводит кампанию из Pending в новый статус.
func (p *Postgres) SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	ct, err := p.pool.Exec(ctx, `
UPDATE campaigns SET status = $2, updated_at = now() WHERE id = $1 AND status = $3
`, id, status, domain.CampaignPending)
	metrics.ObserveNetworkRequest("postgres", "set_campaign_status", "campaigns", start, err)
	if err != nil {
		return fmt.Errorf("смена статуса кампании: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return p.missingOrWrongStatus(ctx, "campaigns", id)
	}
	return nil
}

// missingOrWrongStatus различает "нет строки" и "строка не в том статусе".
func (p *Postgres) missingOrWrongStatus(ctx context.Context, table, id string) error {
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("проверка существования: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrWrongStatus
}
