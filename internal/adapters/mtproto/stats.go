package mtproto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"tg-admarket/internal/domain"
	"tg-admarket/internal/infra/metrics"
)

// Stats читает содержимое опубликованных постов через MTProto.
// Bot API не отдаёт текст чужих сообщений канала, поэтому проверка
// целостности ходит через пользовательскую сессию.
type Stats struct {
	client *telegram.Client
	log    zerolog.Logger
	ready  chan struct{}
	api    *tg.Client

	mu       sync.Mutex
	channels map[string]*tg.InputChannel
}

var _ domain.PostReader = (*Stats)(nil)

// NewStats создаёт клиент с файловым хранилищем сессии. Сессия должна
// быть авторизована заранее (cmd/session-importer из деплой-скриптов).
func NewStats(apiID int, apiHash, sessionFile string, log zerolog.Logger) *Stats {
	storage := &session.FileStorage{Path: sessionFile}
	client := telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: storage})
	return &Stats{
		client:   client,
		log:      log,
		ready:    make(chan struct{}),
		channels: make(map[string]*tg.InputChannel),
	}
}

// Run держит MTProto-соединение всё время жизни процесса. Владелец —
// bootstrap процесса: клиент создаётся явно и передаётся потребителям.
func (s *Stats) Run(ctx context.Context) error {
	return s.client.Run(ctx, func(ctx context.Context) error {
		status, err := s.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			return errors.New("mtproto: сессия не авторизована")
		}
		s.api = s.client.API()
		close(s.ready)
		s.log.Info().Msg("mtproto: клиент готов")
		<-ctx.Done()
		return ctx.Err()
	})
}

func (s *Stats) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetPostText возвращает актуальный текст (или подпись) сообщения канала.
// Если сообщения в ответе нет, возвращается пустой текст без ошибки:
// для сравнения отпечатков это эквивалент отредактированного в ничто поста.
func (s *Stats) GetPostText(ctx context.Context, channelAlias string, messageID int64) (string, error) {
	if err := s.waitReady(ctx); err != nil {
		return "", err
	}
	input, err := s.resolveChannel(ctx, channelAlias)
	if err != nil {
		return "", err
	}

	start := time.Now()
	res, err := s.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: input,
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: int(messageID)}},
	})
	metrics.ObserveNetworkRequest("mtproto", "channels_get_messages", channelAlias, start, err)
	if err != nil {
		return "", fmt.Errorf("channels.getMessages: %w", err)
	}

	channelMessages, ok := res.(*tg.MessagesChannelMessages)
	if !ok {
		return "", fmt.Errorf("неожиданный ответ %T", res)
	}
	for _, m := range channelMessages.Messages {
		msg, ok := m.(*tg.Message)
		if !ok || msg.ID != int(messageID) {
			continue
		}
		return msg.Message, nil
	}
	return "", nil
}

func (s *Stats) resolveChannel(ctx context.Context, alias string) (*tg.InputChannel, error) {
	s.mu.Lock()
	if input, ok := s.channels[alias]; ok {
		s.mu.Unlock()
		return input, nil
	}
	s.mu.Unlock()

	start := time.Now()
	resolved, err := s.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: alias})
	metrics.ObserveNetworkRequest("mtproto", "resolve_username", alias, start, err)
	if err != nil {
		return nil, fmt.Errorf("резолв канала %s: %w", alias, err)
	}
	for _, chat := range resolved.Chats {
		channel, ok := chat.(*tg.Channel)
		if !ok {
			continue
		}
		input := &tg.InputChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash}
		s.mu.Lock()
		s.channels[alias] = input
		s.mu.Unlock()
		return input, nil
	}
	return nil, fmt.Errorf("канал %s не найден среди чатов", alias)
}
