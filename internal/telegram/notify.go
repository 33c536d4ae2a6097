// Package telegram sends operator notifications through a Telegram
// bot.
package telegram

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender delivers a message to a chat. Satisfied by Client; tests
// substitute their own.
type Sender interface {
	Send(text string) error
}

// Client is a minimal Telegram sender bound to one chat.
type Client struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewClient creates a Telegram client for the given bot token and chat.
func NewClient(token string, chatID int64) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	return &Client{bot: bot, chatID: chatID}, nil
}

// Send delivers a Markdown-formatted message to the configured chat.
func (c *Client) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "Markdown"
	_, err := c.bot.Send(msg)
	return err
}

var _ Sender = (*Client)(nil)
