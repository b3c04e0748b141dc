package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram forwards operator alerts to an ops chat. Player-facing events are
// ignored.
type Telegram struct {
	bot    telegramSender
	chatID int64
	events map[EventType]bool
}

var defaultAlertEvents = []EventType{OpsAlert, BreakerStateChanged, WithdrawalFlagged, DepositFailed}

func NewTelegram(token string, chatID int64, events ...EventType) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newTelegram(bot, chatID, events...), nil
}

func newTelegram(bot telegramSender, chatID int64, events ...EventType) *Telegram {
	if len(events) == 0 {
		events = defaultAlertEvents
	}
	t := &Telegram{bot: bot, chatID: chatID, events: make(map[EventType]bool, len(events))}
	for _, e := range events {
		t.events[e] = true
	}
	return t
}

func (t *Telegram) Publish(_ context.Context, walletID string, eventType EventType, payload any) error {
	if !t.events[eventType] {
		return nil
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, formatAlert(walletID, eventType, payload))); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func formatAlert(walletID string, eventType EventType, payload any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", strings.ToUpper(string(eventType)))
	if walletID != "" && walletID != SystemWallet {
		fmt.Fprintf(&b, " wallet %s", walletID)
	}
	if payload != nil {
		body, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			body = []byte(fmt.Sprintf("%v", payload))
		}
		b.WriteString("\n")
		b.Write(body)
	}
	return b.String()
}
