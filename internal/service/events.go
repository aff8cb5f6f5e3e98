package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

const (
	eventStreamName     = "EVENTS"
	eventSubjectPrefix  = "events."
	healthStreamName    = "HEALTH"
	healthSubjectPrefix = "health.report."
	streamMaxAge        = 7 * 24 * time.Hour
	healthMaxAge        = time.Hour
	duplicateWindow     = 10 * time.Minute
	operationTimeout    = 30 * time.Second
)

// Publisher emits lifecycle events
type Publisher interface {
	Publish(ctx context.Context, event *model.Event) error
}

// HealthReport is an out-of-band health signal for a service
type HealthReport struct {
	Service    string             `json:"service"`
	Status     model.HealthStatus `json:"status"`
	Reason     string             `json:"reason,omitempty"`
	ReportedAt time.Time          `json:"reported_at"`
}

// EventBus publishes lifecycle events to JetStream and carries external
// health reports. Events are published with their id as Nats-Msg-Id, so a
// re-publish inside the duplicate window is dropped by the server.
type EventBus struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewEventBus creates the EVENTS and HEALTH streams if they are missing.
func NewEventBus(js nats.JetStreamContext, logger *zap.Logger) (*EventBus, error) {
	b := &EventBus{
		js:     js,
		logger: logger.Named("event-bus"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	streams := []*nats.StreamConfig{
		{
			Name:       eventStreamName,
			Subjects:   []string{eventSubjectPrefix + ">"},
			Storage:    nats.FileStorage,
			MaxAge:     streamMaxAge,
			Duplicates: duplicateWindow,
		},
		{
			Name:     healthStreamName,
			Subjects: []string{healthSubjectPrefix + "*"},
			Storage:  nats.FileStorage,
			MaxAge:   healthMaxAge,
		},
	}
	for _, cfg := range streams {
		if err := b.ensureStream(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to setup stream %s: %w", cfg.Name, err)
		}
	}
	return b, nil
}

func (b *EventBus) ensureStream(ctx context.Context, cfg *nats.StreamConfig) error {
	_, err := b.js.StreamInfo(cfg.Name, nats.Context(ctx))
	if err == nil {
		b.logger.Info("Stream already exists", zap.String("stream", cfg.Name))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	if _, err := b.js.AddStream(cfg, nats.Context(ctx)); err != nil {
		return err
	}
	b.logger.Info("Stream created successfully", zap.String("stream", cfg.Name))
	return nil
}

// EventSubject is the subject an event topic is published on.
func EventSubject(topic model.EventTopic) string {
	return eventSubjectPrefix + string(topic)
}

// Publish implements Publisher.
func (b *EventBus) Publish(ctx context.Context, event *model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := b.js.Publish(EventSubject(event.Topic), data, nats.MsgId(event.ID), nats.Context(ctx))
	if err != nil {
		b.logger.Error("Failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("topic", string(event.Topic)),
			zap.Error(err))
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}
	if ack.Duplicate {
		b.logger.Debug("Duplicate event dropped by stream", zap.String("event_id", event.ID))
	}
	return nil
}

// Subscribe delivers events matching topic ("*" for all) to handler. Each
// event id is handed to handler at most once per subscription even if the
// stream redelivers it; a handler error leaves the message for redelivery.
func (b *EventBus) Subscribe(ctx context.Context, topic, durable string, handler func(*model.Event) error) error {
	subject := eventSubjectPrefix + topic
	dedup := NewDeduper(4096)

	opts := []nats.SubOpt{nats.ManualAck(), nats.DeliverAll()}
	if durable != "" {
		opts = append(opts, nats.Durable(durable))
	}
	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		var event model.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("Failed to unmarshal event", zap.Error(err))
			msg.Term()
			return
		}
		if dedup.Seen(event.ID) {
			msg.Ack()
			return
		}
		if err := handler(&event); err != nil {
			dedup.Forget(event.ID)
			b.logger.Warn("Event handler failed",
				zap.String("event_id", event.ID),
				zap.Error(err))
			msg.Nak()
			return
		}
		msg.Ack()
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

// ReportHealth publishes an external health signal for a service.
func (b *EventBus) ReportHealth(ctx context.Context, report HealthReport) error {
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now()
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal health report: %w", err)
	}
	if _, err := b.js.Publish(healthSubjectPrefix+report.Service, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish health report: %w", err)
	}
	return nil
}

// SubscribeHealthReports delivers new health reports to handler until ctx is done.
func (b *EventBus) SubscribeHealthReports(ctx context.Context, handler func(HealthReport)) error {
	sub, err := b.js.Subscribe(healthSubjectPrefix+"*", func(msg *nats.Msg) {
		var report HealthReport
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			b.logger.Error("Failed to unmarshal health report", zap.Error(err))
			msg.Term()
			return
		}
		if !report.Status.Valid() || report.Service == "" {
			b.logger.Warn("Ignoring invalid health report",
				zap.String("service", report.Service),
				zap.String("status", string(report.Status)))
			msg.Term()
			return
		}
		handler(report)
		msg.Ack()
	}, nats.ManualAck(), nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to health reports: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}
