package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/rs/zerolog/log"

	"tg-admarket/internal/infra/config"
	loginfra "tg-admarket/internal/infra/log"
)

// Импортирует готовую gotd-сессию в файл, из которого её читает verifier.
// Сессия добывается отдельно (авторизация по номеру), сюда приходит уже
// авторизованный JSON.
func main() {
	var filePath string
	flag.StringVar(&filePath, "file", "", "путь к JSON-файлу сессии gotd")
	flag.Parse()

	if filePath == "" {
		log.Fatal().Msg("session-importer: укажите файл сессии (-file)")
	}
	raw, err := os.ReadFile(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("session-importer: файл сессии не прочитан")
	}
	if !json.Valid(raw) {
		log.Fatal().Msg("session-importer: файл сессии не является JSON")
	}

	cfg := config.Load()
	log.Logger = loginfra.NewLogger(cfg.AppEnv, "session-importer")
	if cfg.MTProto.SessionFile == "" {
		log.Fatal().Msg("session-importer: MTPROTO_SESSION_FILE не задан")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.MTProto.SessionFile), 0o700); err != nil {
		log.Fatal().Err(err).Msg("session-importer: каталог сессии не создан")
	}
	if err := os.WriteFile(cfg.MTProto.SessionFile, raw, 0o600); err != nil {
		log.Fatal().Err(err).Msg("session-importer: сессия не записана")
	}

	// Контрольное подключение: сессия обязана быть авторизованной.
	storage := &session.FileStorage{Path: cfg.MTProto.SessionFile}
	client := telegram.NewClient(cfg.Telegram.APIID, cfg.Telegram.APIHash, telegram.Options{SessionStorage: storage})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return err
		}
		if !status.Authorized {
			return fmt.Errorf("сессия не авторизована")
		}
		return nil
	})
	if err != nil {
		log.Fatal().Err(err).Msg("session-importer: проверка сессии не прошла")
	}

	fmt.Printf("Сессия записана в %s (%d байт) и проверена\n", cfg.MTProto.SessionFile, len(raw))
}
