package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-admarket/internal/domain"
	"tg-admarket/internal/infra/metrics"
)

const dealColumns = `d.id, d.campaign_id, d.channel_id, d.advertiser_id, d.owner_id,
d.amount_nano::text, COALESCE(d.escrow_address,''), COALESCE(d.tx_reference,''),
COALESCE(d.draft_text,''), COALESCE(d.draft_media_urls,'{}'), COALESCE(d.draft_content_hash,''),
d.draft_rejected, COALESCE(d.draft_reject_reason,''),
d.scheduled_at, d.published_at, d.published_post_id,
d.verified_at, d.verification_failed, COALESCE(d.verification_notes,''),
d.status, d.created_at, d.updated_at`

func scanDeal(row pgx.Row) (domain.Deal, error) {
	var (
		deal   domain.Deal
		amount string
	)
	err := row.Scan(
		&deal.ID, &deal.CampaignID, &deal.ChannelID, &deal.AdvertiserID, &deal.OwnerID,
		&amount, &deal.EscrowAddress, &deal.TxReference,
		&deal.DraftText, &deal.DraftMediaURLs, &deal.DraftContentHash,
		&deal.DraftRejected, &deal.DraftRejectReason,
		&deal.ScheduledAt, &deal.PublishedAt, &deal.PublishedPostID,
		&deal.VerifiedAt, &deal.VerificationFailed, &deal.VerificationNotes,
		&deal.Status, &deal.CreatedAt, &deal.UpdatedAt,
	)
	if err != nil {
		return domain.Deal{}, err
	}
	parsed, err := parseAmount(amount)
	if err != nil {
		return domain.Deal{}, err
	}
	deal.AmountNano = parsed
	return deal, nil
}

// CreateDeal реализует domain.DealRepo.
func (p *Postgres) CreateDeal(ctx context.Context, deal domain.Deal) (domain.Deal, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO deals (id, campaign_id, channel_id, advertiser_id, owner_id, amount_nano, status)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)`,
		deal.ID, deal.CampaignID, deal.ChannelID, deal.AdvertiserID, deal.OwnerID, amountText(deal.AmountNano), deal.Status)
	metrics.ObserveNetworkRequest("postgres", "create_deal", "deals", start, err)
	if err != nil {
		return domain.Deal{}, fmt.Errorf("создание сделки: %w", err)
	}
	return p.GetDeal(ctx, deal.ID)
}

// GetDeal реализует domain.DealRepo.
func (p *Postgres) GetDeal(ctx context.Context, id string) (domain.Deal, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals d WHERE d.id = $1`, id)
	deal, err := scanDeal(row)
	metrics.ObserveNetworkRequest("postgres", "get_deal", "deals", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Deal{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Deal{}, fmt.Errorf("чтение сделки: %w", err)
	}
	return deal, nil
}

// ListDealsForUser возвращает сделки, где пользователь — рекламодатель,
// владелец или админ канала.
func (p *Postgres) ListDealsForUser(ctx context.Context, userID string) ([]domain.Deal, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+dealColumns+` FROM deals d
WHERE d.advertiser_id = $1 OR d.owner_id = $1
   OR EXISTS (SELECT 1 FROM channel_admins ca WHERE ca.channel_id = d.channel_id AND ca.user_id = $1)
ORDER BY d.created_at DESC`, userID)
	metrics.ObserveNetworkRequest("postgres", "list_deals", "deals", start, err)
	if err != nil {
		return nil, fmt.Errorf("список сделок: %w", err)
	}
	defer rows.Close()

	var deals []domain.Deal
	for rows.Next() {
		deal, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("скан сделки: %w", err)
		}
		deals = append(deals, deal)
	}
	return deals, rows.Err()
}

// SetEscrowAddressIfEmpty пишет адрес только при пустом поле, чтобы
// ретраи шага "вывести и сохранить" не перезаписали сохранённый адрес.
func (p *Postgres) SetEscrowAddressIfEmpty(ctx context.Context, dealID, address string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	ct, err := p.pool.Exec(ctx, `
UPDATE deals SET escrow_address = $2, updated_at = now()
WHERE id = $1 AND (escrow_address IS NULL OR escrow_address = '')
`, dealID, address)
	metrics.ObserveNetworkRequest("postgres", "set_escrow_address", "deals", start, err)
	if err != nil {
		return fmt.Errorf("сохранение эскроу-адреса: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return nil
	}

	var stored string
	err = p.pool.QueryRow(ctx, `SELECT COALESCE(escrow_address,'') FROM deals WHERE id = $1`, dealID).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("чтение эскроу-адреса: %w", err)
	}
	if stored != address {
		// По детерминизму вывода такого быть не должно.
		return fmt.Errorf("эскроу-адрес сделки %s уже сохранён и отличается", dealID)
	}
	return nil
}

// MarkFunded переводит Pending -> Funded с сохранением ссылки на транзакцию.
func (p *Postgres) MarkFunded(ctx context.Context, dealID, txReference string) error {
	return p.transition(ctx, "mark_funded", `
UPDATE deals SET status = $2, tx_reference = $3, updated_at = now()
WHERE id = $1 AND status = $4
`, dealID, domain.DealFunded, txReference, domain.DealPending)
}

// SetDraft переводит Funded -> DraftReview с новым черновиком.
func (p *Postgres) SetDraft(ctx context.Context, dealID, text string, mediaURLs []string) error {
	if mediaURLs == nil {
		mediaURLs = []string{}
	}
	return p.transition(ctx, "set_draft", `
UPDATE deals SET status = $2, draft_text = $3, draft_media_urls = $4,
	draft_rejected = false, draft_reject_reason = NULL, updated_at = now()
WHERE id = $1 AND status = $5
`, dealID, domain.DealDraftReview, text, mediaURLs, domain.DealFunded)
}

// ApproveDraft переводит DraftReview -> Scheduled и фиксирует отпечаток.
// Отпечаток пишется ровно один раз.
func (p *Postgres) ApproveDraft(ctx context.Context, dealID, contentHash string) error {
	return p.transition(ctx, "approve_draft", `
UPDATE deals SET status = $2, draft_content_hash = $3,
	draft_rejected = false, draft_reject_reason = NULL, updated_at = now()
WHERE id = $1 AND status = $4 AND (draft_content_hash IS NULL OR draft_content_hash = '')
`, dealID, domain.DealScheduled, contentHash, domain.DealDraftReview)
}

// RejectDraft возвращает сделку в Funded и очищает черновик.
func (p *Postgres) RejectDraft(ctx context.Context, dealID, reason string) error {
	return p.transition(ctx, "reject_draft", `
UPDATE deals SET status = $2, draft_rejected = true, draft_reject_reason = NULLIF($3,''),
	draft_text = NULL, draft_media_urls = '{}', updated_at = now()
WHERE id = $1 AND status = $4
`, dealID, domain.DealFunded, reason, domain.DealDraftReview)
}

// SetScheduledAt меняет время публикации, статус не трогает.
func (p *Postgres) SetScheduledAt(ctx context.Context, dealID string, at time.Time) error {
	return p.transition(ctx, "set_scheduled_at", `
UPDATE deals SET scheduled_at = $2, updated_at = now()
WHERE id = $1 AND status = $3
`, dealID, at, domain.DealScheduled)
}

// MarkPublished фиксирует внешний факт публикации поста.
func (p *Postgres) MarkPublished(ctx context.Context, dealID string, postID int64, at time.Time) error {
	return p.transition(ctx, "mark_published", `
UPDATE deals SET status = $2, published_post_id = $3, published_at = $4, updated_at = now()
WHERE id = $1 AND status = $5
`, dealID, domain.DealPublished, postID, at, domain.DealScheduled)
}

// ListVerifiable возвращает выборку воркера: опубликованные сделки с
// истёкшим окном наблюдения и без вердикта.
func (p *Postgres) ListVerifiable(ctx context.Context, deadline time.Time) ([]domain.VerifiableDeal, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+dealColumns+`, c.tg_channel_id, COALESCE(c.alias,'')
FROM deals d
JOIN channels c ON c.id = d.channel_id
WHERE d.status = $1
  AND d.published_at <= $2
  AND d.verified_at IS NULL
  AND d.verification_failed = false
  AND d.published_post_id IS NOT NULL
ORDER BY d.published_at`, domain.DealPublished, deadline)
	metrics.ObserveNetworkRequest("postgres", "list_verifiable", "deals", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка для проверки: %w", err)
	}
	defer rows.Close()

	var deals []domain.VerifiableDeal
	for rows.Next() {
		var (
			item   domain.VerifiableDeal
			amount string
		)
		err := rows.Scan(
			&item.ID, &item.CampaignID, &item.ChannelID, &item.AdvertiserID, &item.OwnerID,
			&amount, &item.EscrowAddress, &item.TxReference,
			&item.DraftText, &item.DraftMediaURLs, &item.DraftContentHash,
			&item.DraftRejected, &item.DraftRejectReason,
			&item.ScheduledAt, &item.PublishedAt, &item.PublishedPostID,
			&item.VerifiedAt, &item.VerificationFailed, &item.VerificationNotes,
			&item.Status, &item.CreatedAt, &item.UpdatedAt,
			&item.ChannelTGID, &item.ChannelAlias,
		)
		if err != nil {
			return nil, fmt.Errorf("скан выборки: %w", err)
		}
		parsed, err := parseAmount(amount)
		if err != nil {
			return nil, err
		}
		item.AmountNano = parsed
		deals = append(deals, item)
	}
	return deals, rows.Err()
}

// Finalize выставляет терминальный статус. Условие по verified_at делает
// повторную обработку no-op.
func (p *Postgres) Finalize(ctx context.Context, dealID string, status domain.DealStatus, failed bool, notes string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: статус %s не терминальный", domain.ErrValidation, status)
	}
	return p.transition(ctx, "finalize_deal", `
UPDATE deals SET status = $2, verification_failed = $3, verification_notes = $4, verified_at = $5, updated_at = now()
WHERE id = $1 AND status = $6 AND verified_at IS NULL
`, dealID, status, failed, notes, at, domain.DealPublished)
}

func (p *Postgres) transition(ctx context.Context, operation, query string, dealID string, args ...any) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	ct, err := p.pool.Exec(ctx, query, append([]any{dealID}, args...)...)
	metrics.ObserveNetworkRequest("postgres", operation, "deals", start, err)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	if ct.RowsAffected() == 0 {
		return p.missingOrWrongStatus(ctx, "deals", dealID)
	}
	return nil
}
