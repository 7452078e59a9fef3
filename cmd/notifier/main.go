package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tg-admarket/internal/adapters/repo"
	"tg-admarket/internal/domain"
	"tg-admarket/internal/infra/config"
	"tg-admarket/internal/infra/db"
	loginfra "tg-admarket/internal/infra/log"
	"tg-admarket/internal/infra/metrics"
	"tg-admarket/internal/infra/queue"
)

// Тексты уведомлений по типу события. Адресаты — обе стороны сделки.
var eventTexts = map[domain.DealEventType]string{
	domain.EventDealCreated:   "Создана сделка %s. Рекламодателю нужно пополнить эскроу.",
	domain.EventDealFunded:    "Эскроу по сделке %s пополнен. Канал может загрузить черновик.",
	domain.EventDraftUploaded: "По сделке %s загружен черновик поста, ждёт одобрения.",
	domain.EventDraftApproved: "Черновик по сделке %s одобрен, пост готов к публикации.",
	domain.EventDraftRejected: "Черновик по сделке %s отклонён, нужен новый вариант.",
	domain.EventDealScheduled: "По сделке %s назначено время публикации.",
	domain.EventDealPublished: "Пост по сделке %s опубликован. Проверка начнётся через сутки.",
	domain.EventDealCompleted: "Сделка %s завершена: пост продержался окно наблюдения.",
	domain.EventDealRefunded:  "Сделка %s закрыта с возвратом: пост не прошёл проверку.",
}

func main() {
	cfg := config.Load()
	log.Logger = loginfra.NewLogger(cfg.AppEnv, "notifier")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("notifier: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("notifier: Bot API недоступен")
	}

	var events domain.DealEventQueue
	switch {
	case cfg.AMQP.URL != "":
		rabbit, err := queue.NewRabbitEventQueue(cfg.AMQP.URL, cfg.AMQP.EventQueue)
		if err != nil {
			log.Fatal().Err(err).Msg("notifier: нет подключения к RabbitMQ")
		}
		defer rabbit.Close()
		events = rabbit
	case cfg.RedisAddr != "":
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		events = queue.NewRedisEventQueue(redisClient, cfg.AMQP.EventQueue)
	default:
		log.Fatal().Msg("notifier: не настроен ни AMQP_URL, ни REDIS_ADDR")
	}

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), ":9090")

	log.Info().Msg("notifier: старт")
	for {
		event, err := events.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info().Msg("notifier: остановка")
				return
			}
			log.Error().Err(err).Msg("notifier: чтение события не удалось")
			continue
		}
		handleEvent(ctx, bot, repoAdapter, event)
	}
}

func handleEvent(ctx context.Context, bot *tgbotapi.BotAPI, repoAdapter *repo.Postgres, event domain.DealEvent) {
	text, ok := eventTexts[event.Type]
	if !ok {
		log.Warn().Str("event", string(event.Type)).Msg("notifier: неизвестный тип события")
		return
	}

	deal, err := repoAdapter.GetDeal(ctx, event.DealID)
	if err != nil {
		log.Error().Err(err).Str("deal", event.DealID).Msg("notifier: сделка не загружена")
		return
	}

	message := fmt.Sprintf(text, shortID(deal.ID))
	for _, userID := range []string{deal.AdvertiserID, deal.OwnerID} {
		user, err := repoAdapter.GetByID(ctx, userID)
		if err != nil || user.TGUserID == 0 {
			continue
		}
		msg := tgbotapi.NewMessage(user.TGUserID, message)
		if _, err := bot.Send(msg); err != nil {
			metrics.NotifierSendErrors.Inc()
			log.Error().Err(err).Int64("tg_user", user.TGUserID).Msg("notifier: сообщение не доставлено")
		}
	}
}

// shortID обрезает uuid до первого блока, чтобы не пугать пользователя.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
