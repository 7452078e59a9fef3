package verification

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"tg-admarket/internal/domain"
	"tg-admarket/internal/infra/metrics"
)

const sweepGuardKey = "verification:sweep"

// Worker раз в интервал сверяет опубликованные сделки с живым каналом
// и единственный выставляет терминальные статусы. Сделка попадает в
// выборку, пока один из трёх исходов не запишет verifiedAt:
// пост удалён -> Refunded, текст изменён -> Refunded, цел -> Completed.
type Worker struct {
	deals  domain.DealRepo
	api    domain.ChannelAPI
	posts  domain.PostReader
	events domain.DealEventQueue
	cache  domain.Cache
	log    zerolog.Logger

	window   time.Duration
	interval time.Duration
}

// NewWorker создаёт воркер проверки постов.
func NewWorker(
	deals domain.DealRepo,
	api domain.ChannelAPI,
	posts domain.PostReader,
	events domain.DealEventQueue,
	cache domain.Cache,
	log zerolog.Logger,
	window, interval time.Duration,
) *Worker {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Worker{
		deals:    deals,
		api:      api,
		posts:    posts,
		events:   events,
		cache:    cache,
		log:      log,
		window:   window,
		interval: interval,
	}
}

// Run крутит проходы до отмены контекста. Начатый проход дорабатывает
// до конца: сетевые вызовы внутри прохода живут на отвязанном контексте.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Dur("window", w.window).Msg("воркер проверки постов запущен")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.guardedSweep(context.WithoutCancel(ctx))
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("воркер проверки постов остановлен")
			return
		case <-ticker.C:
			w.guardedSweep(context.WithoutCancel(ctx))
		}
	}
}

// guardedSweep не даёт проходам накладываться, если один проход живёт
// дольше интервала или воркер запущен в нескольких экземплярах.
func (w *Worker) guardedSweep(ctx context.Context) {
	if w.cache == nil {
		w.Sweep(ctx)
		return
	}
	err := w.cache.Once(sweepGuardKey, w.interval, func() error {
		w.Sweep(ctx)
		return nil
	})
	if err != nil {
		w.log.Warn().Err(err).Msg("sweep-guard недоступен, проход без защиты")
		w.Sweep(ctx)
	}
}

// Sweep выполняет один полный проход. Сбой на одной сделке не прерывает
// обработку остальных.
func (w *Worker) Sweep(ctx context.Context) {
	start := time.Now()
	deadline := time.Now().UTC().Add(-w.window)

	deals, err := w.deals.ListVerifiable(ctx, deadline)
	if err != nil {
		w.log.Error().Err(err).Msg("выборка сделок для проверки не удалась")
		return
	}
	for _, deal := range deals {
		w.verifyDeal(ctx, deal)
	}
	metrics.VerificationSweepSeconds.Observe(time.Since(start).Seconds())
	if len(deals) > 0 {
		w.log.Info().Int("deals", len(deals)).Msg("проход проверки завершён")
	}
}

func (w *Worker) verifyDeal(ctx context.Context, deal domain.VerifiableDeal) {
	logger := w.log.With().Str("deal", deal.ID).Logger()
	postID := *deal.PublishedPostID

	exists, err := w.api.PostExists(ctx, deal.ChannelTGID, postID)
	if err != nil {
		// "Не удалось проверить" не значит "пост удалён": сделка
		// остаётся нетронутой до следующего прохода.
		metrics.VerificationSkippedTotal.Inc()
		logger.Warn().Err(err).Msg("проверка наличия поста отложена")
		return
	}
	if !exists {
		w.finalize(ctx, logger, deal, domain.DealRefunded, true, "post deleted within window")
		return
	}

	if deal.DraftContentHash != "" {
		text, err := w.posts.GetPostText(ctx, deal.ChannelAlias, postID)
		if err != nil {
			metrics.VerificationSkippedTotal.Inc()
			logger.Warn().Err(err).Msg("чтение текста поста отложено")
			return
		}
		// Медиа обратно из канала не читается, поэтому отпечаток живого
		// поста собирается из живого текста и списка медиа, одобренного
		// при приёмке черновика.
		if domain.FingerprintDraft(text, deal.DraftMediaURLs) != deal.DraftContentHash {
			w.finalize(ctx, logger, deal, domain.DealRefunded, true, "content hash mismatch")
			return
		}
	}

	w.finalize(ctx, logger, deal, domain.DealCompleted, false, "verified intact")
}

func (w *Worker) finalize(ctx context.Context, logger zerolog.Logger, deal domain.VerifiableDeal, status domain.DealStatus, failed bool, notes string) {
	err := w.deals.Finalize(ctx, deal.ID, status, failed, notes, time.Now().UTC())
	if errors.Is(err, domain.ErrWrongStatus) {
		// Уже финализирована параллельным проходом.
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("финализация сделки не удалась")
		return
	}

	metrics.VerificationOutcomesTotal.WithLabelValues(string(status)).Inc()
	metrics.ObserveTransition(string(domain.DealPublished), string(status))
	logger.Info().Str("status", string(status)).Str("notes", notes).Msg("сделка финализирована")

	if w.events == nil {
		return
	}
	eventType := domain.EventDealCompleted
	if status == domain.DealRefunded {
		eventType = domain.EventDealRefunded
	}
	event := domain.DealEvent{Type: eventType, DealID: deal.ID, OccurredAt: time.Now().UTC()}
	if err := w.events.Publish(ctx, event); err != nil {
		logger.Warn().Err(err).Msg("событие финализации не опубликовано")
	}
}
