package botapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-admarket/internal/domain"
	"tg-admarket/internal/infra/metrics"
)

// Client реализует живые проверки канала через Bot API.
type Client struct {
	bot *tgbotapi.BotAPI
	log zerolog.Logger
}

var _ domain.ChannelAPI = (*Client)(nil)

// NewClient оборачивает уже созданный Bot API клиент.
func NewClient(bot *tgbotapi.BotAPI, log zerolog.Logger) *Client {
	return &Client{bot: bot, log: log}
}

// IsChannelAdmin проверяет, остаётся ли пользователь creator или
// administrator живого канала. Записи приложения могут устареть,
// поэтому этот ответ считается авторитетным.
func (c *Client) IsChannelAdmin(ctx context.Context, chatID, tgUserID int64) (bool, error) {
	start := time.Now()
	member, err := c.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: tgUserID},
	})
	metrics.ObserveNetworkRequest("botapi", "get_chat_member", "telegram", start, err)
	if err != nil {
		return false, fmt.Errorf("getChatMember: %w", err)
	}
	return member.Status == "creator" || member.Status == "administrator", nil
}

// PostExists проверяет наличие поста правкой пустой inline-разметки.
// Приём работает для сообщений любого типа, отправленных ботом.
// false возвращается только на однозначный ответ API об отсутствии
// сообщения; транспортные и прочие сбои приходят ошибкой, чтобы
// вызывающий не спутал "не удалось проверить" с "пост удалён".
func (c *Client) PostExists(ctx context.Context, chatID int64, messageID int64) (bool, error) {
	markup := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}}
	cfg := tgbotapi.NewEditMessageReplyMarkup(chatID, int(messageID), markup)

	start := time.Now()
	_, err := c.bot.Request(cfg)
	metrics.ObserveNetworkRequest("botapi", "edit_reply_markup", "telegram", start, err)
	if err == nil {
		return true, nil
	}

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		desc := strings.ToLower(apiErr.Message)
		switch {
		case strings.Contains(desc, "message to edit not found"),
			strings.Contains(desc, "message_id_invalid"):
			return false, nil
		case strings.Contains(desc, "message is not modified"):
			// Разметка уже пустая: сообщение на месте.
			return true, nil
		}
	}
	return false, fmt.Errorf("editMessageReplyMarkup: %w", err)
}
