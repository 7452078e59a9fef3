package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tg-admarket/internal/adapters/botapi"
	"tg-admarket/internal/adapters/mtproto"
	"tg-admarket/internal/adapters/repo"
	"tg-admarket/internal/domain"
	cacheinfra "tg-admarket/internal/infra/cache"
	"tg-admarket/internal/infra/config"
	"tg-admarket/internal/infra/db"
	loginfra "tg-admarket/internal/infra/log"
	"tg-admarket/internal/infra/metrics"
	"tg-admarket/internal/infra/queue"
	"tg-admarket/internal/usecase/verification"
)

func main() {
	cfg := config.Load()
	log.Logger = loginfra.NewLogger(cfg.AppEnv, "verifier")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("verifier: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("verifier: Bot API недоступен")
	}
	channelAPI := botapi.NewClient(bot, log.With().Str("component", "botapi").Logger())

	stats := mtproto.NewStats(cfg.Telegram.APIID, cfg.Telegram.APIHash, cfg.MTProto.SessionFile, log.With().Str("component", "mtproto").Logger())
	go func() {
		if err := stats.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("verifier: mtproto клиент упал")
		}
	}()

	var appCache domain.Cache
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		appCache = cacheinfra.NewRedis(redisClient)
	}

	var events domain.DealEventQueue
	switch {
	case cfg.AMQP.URL != "":
		rabbit, err := queue.NewRabbitEventQueue(cfg.AMQP.URL, cfg.AMQP.EventQueue)
		if err != nil {
			log.Fatal().Err(err).Msg("verifier: нет подключения к RabbitMQ")
		}
		defer rabbit.Close()
		events = rabbit
	case redisClient != nil:
		events = queue.NewRedisEventQueue(redisClient, cfg.AMQP.EventQueue)
	}

	worker := verification.NewWorker(
		repoAdapter, channelAPI, stats, events, appCache,
		log.With().Str("component", "verification").Logger(),
		time.Duration(cfg.Verification.WindowHours)*time.Hour,
		time.Duration(cfg.Verification.IntervalMinutes)*time.Minute,
	)

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), ":9090")

	log.Info().Msg("verifier: старт")
	worker.Run(ctx)
	log.Info().Msg("verifier: остановка")
}
