package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов площадки.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Amsterdam"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token   string `envconfig:"TG_BOT_TOKEN"`
		APIID   int    `envconfig:"TG_API_ID"`
		APIHash string `envconfig:"TG_API_HASH"`
	} `envconfig:""`

	MTProto struct {
		SessionFile string `envconfig:"MTPROTO_SESSION_FILE"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	AMQP struct {
		URL        string `envconfig:"AMQP_URL"`
		EventQueue string `envconfig:"DEAL_EVENTS_QUEUE" default:"deal_events"`
	} `envconfig:""`

	TON struct {
		EscrowMnemonic string `envconfig:"TON_ESCROW_MNEMONIC"`
		Network        string `envconfig:"TON_NETWORK" default:"mainnet"`
		ToncenterURL   string `envconfig:"TONCENTER_URL"`
	} `envconfig:""`

	Verification struct {
		WindowHours     int `envconfig:"VERIFICATION_WINDOW_HOURS" default:"24"`
		IntervalMinutes int `envconfig:"VERIFICATION_INTERVAL_MINUTES" default:"10"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// Testnet сообщает, работает ли сервис в тестовой сети TON.
func (c AppConfig) Testnet() bool {
	return c.TON.Network == "testnet"
}
