// Package stream forwards readings and admitted alerts to Kafka so other
// services can consume them.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"iot-sensor-gateway/internal/data"
	"iot-sensor-gateway/internal/logger"
	"iot-sensor-gateway/internal/metrics"
)

var ErrPublisherClosed = errors.New("publisher is closed")

const (
	eventReading = "reading"
	eventAlert   = "alert"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers       []string
	ReadingsTopic string
	AlertsTopic   string
}

// KafkaPublisher writes asynchronously; delivery failures surface through
// logs and metrics only.
type KafkaPublisher struct {
	writer        messageWriter
	readingsTopic string
	alertsTopic   string
	closed        atomic.Bool
}

func NewKafkaPublisher(cfg Config) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.ReadingsTopic == "" || cfg.AlertsTopic == "" {
		return nil, errors.New("readings and alerts topics are required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{}, // same device, same partition
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion:   completion,
	}
	return newPublisher(w, cfg), nil
}

func newPublisher(w messageWriter, cfg Config) *KafkaPublisher {
	return &KafkaPublisher{
		writer:        w,
		readingsTopic: cfg.ReadingsTopic,
		alertsTopic:   cfg.AlertsTopic,
	}
}

func completion(messages []kafka.Message, err error) {
	status := "success"
	if err != nil {
		status = "failed"
		logger.WithComponent("kafka").Error().Err(err).Int("batch_size", len(messages)).Msg("failed to publish to kafka")
	}
	for _, m := range messages {
		metrics.StreamPublishTotal.WithLabelValues(m.Topic, status).Inc()
	}
}

// PublishReading queues one reading keyed by device id.
func (p *KafkaPublisher) PublishReading(ctx context.Context, r data.Reading) error {
	msg, err := readingMessage(p.readingsTopic, r)
	if err != nil {
		return err
	}
	return p.write(ctx, msg)
}

// PublishAlerts queues admitted alerts keyed by device id.
func (p *KafkaPublisher) PublishAlerts(ctx context.Context, alerts []data.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(alerts))
	for _, a := range alerts {
		msg, err := alertMessage(p.alertsTopic, a)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return p.write(ctx, msgs...)
}

func (p *KafkaPublisher) write(ctx context.Context, msgs ...kafka.Message) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		for _, m := range msgs {
			metrics.StreamPublishTotal.WithLabelValues(m.Topic, "failed").Inc()
		}
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// Close flushes pending messages and releases the writer.
func (p *KafkaPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.writer.Close()
}

func readingMessage(topic string, r data.Reading) (kafka.Message, error) {
	value, err := json.Marshal(r)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize reading: %w", err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(r.DeviceID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventReading)},
			{Key: "device_id", Value: []byte(r.DeviceID)},
		},
		Time: r.Timestamp,
	}, nil
}

func alertMessage(topic string, a data.Alert) (kafka.Message, error) {
	value, err := json.Marshal(a)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize alert: %w", err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(a.DeviceID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventAlert)},
			{Key: "device_id", Value: []byte(a.DeviceID)},
			{Key: "alert_type", Value: []byte(a.Type)},
			{Key: "alert_id", Value: []byte(a.ID)},
		},
		Time: a.CreatedAt,
	}, nil
}
