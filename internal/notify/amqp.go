package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// RoutingKey is the topic routing key of an event type.
func RoutingKey(eventType EventType) string {
	return "settlement." + strings.ReplaceAll(string(eventType), "_", ".")
}

// AMQP publishes events to a durable topic exchange for downstream consumers
// such as the accounting and CRM services.
type AMQP struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func NewAMQP(amqpURL, exchange string) (*AMQP, error) {
	clean, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = "settlement_events"
	}

	conn, err := amqp091.DialConfig(clean, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	a := &AMQP{exchange: exchange, conn: conn}
	if err := a.openChannel(); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *AMQP) openChannel() error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	a.channel = ch
	return nil
}

func (a *AMQP) Publish(ctx context.Context, walletID string, eventType EventType, payload any) error {
	body, err := json.Marshal(Event{WalletID: walletID, Type: eventType, Payload: payload, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.channel.PublishWithContext(ctx, a.exchange, RoutingKey(eventType), false, false, msg)
	if err == nil {
		return nil
	}
	// one retry on a fresh channel
	if chErr := a.openChannel(); chErr != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	if err := a.channel.PublishWithContext(ctx, a.exchange, RoutingKey(eventType), false, false, msg); err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (a *AMQP) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel != nil {
		a.channel.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
}
