// Package event publishes attempt notifications to a topic exchange.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-testengine/internal/model"
)

// RoutingAttemptRecorded is the routing key of attempt notifications.
const RoutingAttemptRecorded = "attempt.recorded"

// AttemptRecorded is the notification body.
type AttemptRecorded struct {
	EventID    string         `json:"event_id"`
	SessionID  uuid.UUID      `json:"session_id"`
	IdentityID string         `json:"identity_id"`
	Kind       model.FlowKind `json:"kind"`
	TestID     string         `json:"test_id,omitempty"`
	Score      float64        `json:"score"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Publisher sends notifications. A publisher built with an empty URL is
// disabled and drops every event.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	enabled  bool
	log      zerolog.Logger
}

// NewPublisher connects and declares a durable topic exchange.
func NewPublisher(amqpURL, exchange string, log zerolog.Logger) (*Publisher, error) {
	p := &Publisher{
		exchange: exchange,
		log:      log.With().Str("component", "event_publisher").Logger(),
	}
	if amqpURL == "" {
		p.log.Warn().Msg("AMQP_URL is empty, attempt notifications are disabled")
		return p, nil
	}

	conn, err := amqp091.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p.conn = conn
	p.channel = channel
	p.enabled = true
	p.log.Info().Str("exchange", exchange).Msg("Event publisher initialized")
	return p, nil
}

// Enabled reports whether events are actually sent.
func (p *Publisher) Enabled() bool { return p.enabled }

// PublishAttemptRecorded announces a persisted attempt.
func (p *Publisher) PublishAttemptRecorded(ctx context.Context, rec model.AttemptRecord) error {
	if !p.enabled {
		return nil
	}

	body, err := json.Marshal(AttemptRecorded{
		EventID:    uuid.New().String(),
		SessionID:  rec.SessionID,
		IdentityID: rec.IdentityID,
		Kind:       rec.Kind,
		TestID:     rec.TestID,
		Score:      rec.Result.Score,
		RecordedAt: rec.RecordedAt,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		RoutingAttemptRecorded,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    rec.SessionID.String(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", RoutingAttemptRecorded, err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if !p.enabled {
		return nil
	}
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
