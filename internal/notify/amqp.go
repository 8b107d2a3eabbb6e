package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

const routingKeyPrefix = "notification."

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPPublisher forwards notification events to a durable topic exchange, one message per event,
// routed by kind.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	mu       sync.Mutex
	channel  amqpChannel
	exchange string
	declared bool
	logger   *slog.Logger
}

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

func NewAMQPPublisher(amqpURL, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	p := newAMQPPublisher(ch, exchange, logger)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange string, logger *slog.Logger) *AMQPPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPPublisher{channel: ch, exchange: exchange, logger: logger}
}

func RoutingKey(kind types.NotificationKind) string {
	return routingKeyPrefix + string(kind)
}

func (p *AMQPPublisher) Publish(ctx context.Context, events ...types.NotificationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.declare(); err != nil {
		return err
	}
	var errs []error
	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msg := amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		}
		err = p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(ev.Kind), false, false, msg)
		if err != nil && p.reopen() == nil {
			err = p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(ev.Kind), false, false, msg)
		}
		if err != nil {
			p.logger.Warn("amqp publish failed", "exchange", p.exchange, "kind", ev.Kind, "user_id", ev.UserID, "error", err)
			errs = append(errs, fmt.Errorf("publish %s: %w", ev.Kind, err))
		}
	}
	return errors.Join(errs...)
}

func (p *AMQPPublisher) declare() error {
	if p.declared {
		return nil
	}
	if err := p.channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.declared = true
	return nil
}

// reopen replaces a channel closed by a broker-side error. Only possible with a live connection.
func (p *AMQPPublisher) reopen() error {
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	p.declared = false
	return p.declare()
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
