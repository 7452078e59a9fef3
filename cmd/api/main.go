package main

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tg-admarket/internal/adapters/botapi"
	"tg-admarket/internal/adapters/repo"
	"tg-admarket/internal/adapters/ton"
	"tg-admarket/internal/domain"
	cacheinfra "tg-admarket/internal/infra/cache"
	"tg-admarket/internal/infra/config"
	"tg-admarket/internal/infra/db"
	httpinfra "tg-admarket/internal/infra/http"
	loginfra "tg-admarket/internal/infra/log"
	"tg-admarket/internal/infra/metrics"
	"tg-admarket/internal/infra/queue"
	campaignsusecase "tg-admarket/internal/usecase/campaigns"
	channelsusecase "tg-admarket/internal/usecase/channels"
	dealsusecase "tg-admarket/internal/usecase/deals"
)

func main() {
	cfg := config.Load()
	log.Logger = loginfra.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("api: Bot API недоступен")
	}
	channelAPI := botapi.NewClient(bot, log.With().Str("component", "botapi").Logger())

	deriver, err := ton.NewDeriver(cfg.TON.EscrowMnemonic, cfg.Testnet())
	if err != nil {
		log.Fatal().Err(err).Msg("api: некорректный эскроу-секрет")
	}
	if !deriver.Enabled() {
		log.Warn().Msg("api: эскроу-секрет не задан, адреса будут доводиться позже")
	}
	indexer := ton.NewToncenter(cfg.TON.ToncenterURL, cfg.Testnet(), log.With().Str("component", "toncenter").Logger())

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
			log.Fatal().Err(err).Msg("api: нет подключения к RabbitMQ")
		}
		defer rabbit.Close()
		events = rabbit
	case redisClient != nil:
		events = queue.NewRedisEventQueue(redisClient, cfg.AMQP.EventQueue)
	default:
		log.Warn().Msg("api: очередь событий не настроена, уведомления отключены")
	}

	channelSvc := channelsusecase.NewService(repoAdapter, channelAPI, log.With().Str("component", "channels").Logger())
	campaignSvc := campaignsusecase.NewService(repoAdapter, repoAdapter, log.With().Str("component", "campaigns").Logger())
	dealSvc := dealsusecase.NewService(
		repoAdapter, repoAdapter, repoAdapter, repoAdapter,
		channelSvc, channelAPI, deriver, indexer,
		dealsusecase.ReferenceOnlyVerifier{}, events, appCache,
		log.With().Str("component", "deals").Logger(),
	)

	h := &handlers{channels: channelSvc, campaigns: campaignSvc, deals: dealSvc}

	server := httpinfra.NewServer(log.With().Str("component", "http").Logger())
	server.Router.Group(func(protected chi.Router) {
		protected.Use(httpinfra.WebAppAuthMiddleware(cfg.Telegram.Token, repoAdapter))
		h.mount(protected)
	})

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), ":9090")
	go func() {
		log.Info().Int("port", cfg.Port).Msg("api: старт")
		if err := server.Start(":" + strconv.Itoa(cfg.Port)); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
