package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ocdispatch/internal/config"
	"ocdispatch/internal/domain"
)

type fakeChannel struct {
	key  string
	msgs []amqp.Publishing
	err  error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.key = key
	f.msgs = append(f.msgs, msg)
	return nil
}

func sampleReport() domain.DayReport {
	return domain.DayReport{
		Date:         time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC),
		State:        domain.DayDone,
		Records:      12,
		Malformed:    1,
		Observations: 264,
		Write:        domain.WriteReport{Succeeded: 264},
		Duration:     1500 * time.Millisecond,
	}
}

func TestDayIngestedPublishesPersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, "ocdispatch.day_ingested", nil)

	if err := p.DayIngested(context.Background(), sampleReport()); err != nil {
		t.Fatalf("DayIngested: %v", err)
	}
	if ch.key != "ocdispatch.day_ingested" || len(ch.msgs) != 1 {
		t.Fatalf("key = %q msgs = %d", ch.key, len(ch.msgs))
	}
	msg := ch.msgs[0]
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" {
		t.Errorf("delivery = %d content type = %s", msg.DeliveryMode, msg.ContentType)
	}

	var ev DayIngested
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventDayIngested || ev.Date != "2024-05-17" || ev.Written != 264 || ev.DurationMS != 1500 {
		t.Errorf("event = %+v", ev)
	}
	if ev.CorrID == "" || ev.CorrID != msg.CorrelationId {
		t.Errorf("corr_id = %q, correlation id = %q", ev.CorrID, msg.CorrelationId)
	}
}

func TestDayIngestedPublishError(t *testing.T) {
	p := newPublisher(&fakeChannel{err: errors.New("channel closed")}, "q", nil)
	if err := p.DayIngested(context.Background(), sampleReport()); err == nil {
		t.Error("expected publish error")
	}
}

func TestOpenDisabled(t *testing.T) {
	p, err := Open(context.Background(), config.Notify{}, nil)
	if err != nil || p != nil {
		t.Errorf("Open = %v, %v; want nil, nil", p, err)
	}
}
