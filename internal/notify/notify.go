// Package notify publishes day-ingested events to a RabbitMQ queue.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"ocdispatch/internal/config"
	"ocdispatch/internal/domain"
	"ocdispatch/internal/util"
)

// EventDayIngested is the type field of a DayIngested message.
const EventDayIngested = "day_ingested"

// DayIngested is the message published after a day is fully written.
type DayIngested struct {
	Type         string `json:"type"`
	CorrID       string `json:"corr_id"`
	Date         string `json:"date"`
	Records      int    `json:"records"`
	Malformed    int    `json:"malformed"`
	Observations int    `json:"observations"`
	Written      int    `json:"written"`
	DurationMS   int64  `json:"duration_ms"`
	At           string `json:"at"`
}

// NewDayIngested builds the event for a finished day.
func NewDayIngested(rep domain.DayReport, at time.Time) DayIngested {
	return DayIngested{
		Type:         EventDayIngested,
		CorrID:       uuid.NewString(),
		Date:         rep.Date.Format(util.DateLayout),
		Records:      rep.Records,
		Malformed:    rep.Malformed,
		Observations: rep.Observations,
		Written:      rep.Write.Succeeded,
		DurationMS:   rep.Duration.Milliseconds(),
		At:           at.UTC().Format(time.RFC3339),
	}
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends events to a durable queue on the default exchange.
type Publisher struct {
	queue string
	log   *slog.Logger

	// amqp channels are not safe for concurrent publishing
	mu sync.Mutex
	ch publisher

	conn    *amqp.Connection
	channel *amqp.Channel
}

// Open connects when cfg.AMQPURL is set and returns nil otherwise.
func Open(ctx context.Context, cfg config.Notify, log *slog.Logger) (*Publisher, error) {
	if cfg.AMQPURL == "" {
		return nil, nil
	}
	p, err := Dial(ctx, cfg.AMQPURL, cfg.Queue, log)
	if err != nil {
		return nil, domain.Fatal("notify", err)
	}
	return p, nil
}

// Dial connects to url, retrying the dial, and declares queue as durable.
func Dial(ctx context.Context, url, queue string, log *slog.Logger) (*Publisher, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "notify")

	var conn *amqp.Connection
	b := util.Backoff{
		MaxAttempts: 5,
		Initial:     time.Second,
		Max:         5 * time.Second,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.Warn("amqp dial failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	}
	err := util.Retry(ctx, b, func(context.Context) error {
		var err error
		conn, err = amqp.Dial(url)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", queue, err)
	}

	p := newPublisher(ch, queue, log)
	p.conn, p.channel = conn, ch
	return p, nil
}

func newPublisher(ch publisher, queue string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{ch: ch, queue: queue, log: log}
}

// DayIngested publishes a persistent DayIngested message for rep.
func (p *Publisher) DayIngested(ctx context.Context, rep domain.DayReport) error {
	ev := NewDayIngested(rep, time.Now())
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: ev.CorrID,
		Type:          ev.Type,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s for %s: %w", ev.Type, ev.Date, err)
	}
	p.log.Debug("published", "date", ev.Date, "corr_id", ev.CorrID)
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
