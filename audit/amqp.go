// Package audit hands coordination events to the external event log over
// AMQP: location samples, chat lines, booking and delivery decisions,
// escrow transitions. The core never reads these back; retention and
// replay live with the consumer.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/MrJones267/aryv-coord/types"
)

const defaultExchange = "coord_events"

// Sink receives audit events. Implementations must not block the caller on
// delivery problems; a lost audit event is logged and dropped.
type Sink interface {
	Publish(ctx context.Context, event *types.AuditEvent) error
}

// NopSink drops everything. Used when no AMQP URL is configured.
type NopSink struct{}

func (NopSink) Publish(context.Context, *types.AuditEvent) error { return nil }

// Publisher maintains one AMQP connection with a reconnect loop and
// publishes to a single topic exchange.
type Publisher struct {
	url      string
	exchange string
	log      hclog.Logger

	mu    sync.RWMutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	alive bool
}

func NewPublisher(url, exchange string, logger hclog.Logger) *Publisher {
	if exchange == "" {
		exchange = defaultExchange
	}
	return &Publisher{url: url, exchange: exchange, log: logger}
}

func (p *Publisher) Connect(ctx context.Context) error {
	if err := p.connectOnce(); err != nil {
		return err
	}
	go p.reconnectLoop(ctx)
	return nil
}

func (p *Publisher) connectOnce() error {
	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	p.mu.Lock()
	p.conn, p.ch = conn, ch
	p.alive = true
	p.mu.Unlock()

	p.log.Info("audit bus connected", "exchange", p.exchange)
	return nil
}

func (p *Publisher) reconnectLoop(ctx context.Context) {
	for {
		p.mu.RLock()
		conn := p.conn
		p.mu.RUnlock()
		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-ctx.Done():
			p.Close()
			return
		case amqpErr := <-notifyClose:
			p.mu.Lock()
			p.alive = false
			p.mu.Unlock()
			if amqpErr != nil {
				p.log.Error("audit bus connection lost", "error", amqpErr)
			}
			ticker := time.NewTicker(4 * time.Second)
			for {
				select {
				case <-ctx.Done():
					ticker.Stop()
					return
				case <-ticker.C:
				}
				if err := p.connectOnce(); err != nil {
					p.log.Error("audit bus reconnect failed", "error", err)
					continue
				}
				break
			}
			ticker.Stop()
		}
	}
}

func (p *Publisher) Publish(ctx context.Context, event *types.AuditEvent) error {
	if event.ID == "" {
		if err := event.CreateId(); err != nil {
			return err
		}
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.alive || p.ch == nil {
		return errors.New("audit bus not available")
	}
	return p.ch.PublishWithContext(ctx, p.exchange, event.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    event.ID,
		Timestamp:    event.CreatedAt,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.alive = false
}
