package notifier

import (
	"context"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel 通过 Bot API 把消息发到一个频道或群组
type TelegramChannel struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramChannel 创建 Telegram 发送端。endpoint 为空时使用官方地址，
// 格式与 tgbotapi.APIEndpoint 相同 ("https://api.telegram.org/bot%s/%s")
func NewTelegramChannel(token string, chatID int64, endpoint string, client *http.Client) (*TelegramChannel, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("初始化 Telegram Bot 失败: %w", err)
	}
	return &TelegramChannel{bot: bot, chatID: chatID}, nil
}

// Send 发送一条纯文本消息。tgbotapi 不接受 context，超时由 http.Client 控制
func (t *TelegramChannel) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}

// LogChannel 在未配置 Telegram 时把通知写入日志
type LogChannel struct {
	Printf func(format string, args ...interface{})
}

func (l LogChannel) Send(_ context.Context, text string) error {
	l.Printf("通知:\n%s", text)
	return nil
}
