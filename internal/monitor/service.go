// Package monitor runs every accepted reading through the gateway pipeline:
// history, threshold evaluation, alert delivery, live fan-out and the
// optional event stream. HTTP and MQTT ingress share one Service.
package monitor

import (
	"context"
	"fmt"

	"iot-sensor-gateway/internal/data"
	"iot-sensor-gateway/internal/logger"
	"iot-sensor-gateway/internal/metrics"
	"iot-sensor-gateway/internal/quality"
	"iot-sensor-gateway/internal/storage"
)

// Evaluator turns a reading into candidate alerts
type Evaluator interface {
	Check(r data.Reading) []data.Alert
}

// AlertProcessor gates and delivers candidates, returning what was admitted.
type AlertProcessor interface {
	Process(ctx context.Context, candidates []data.Alert) []data.Alert
}

// ReadingBroadcaster pushes readings to live subscribers
type ReadingBroadcaster interface {
	BroadcastReading(r data.Reading)
}

// EventPublisher forwards readings and admitted alerts to an external stream.
type EventPublisher interface {
	PublishReading(ctx context.Context, r data.Reading) error
	PublishAlerts(ctx context.Context, alerts []data.Alert) error
}

// Result is what one ingest produced
type Result struct {
	Reading data.Reading
	Alerts  []data.Alert
}

type Service struct {
	store     *storage.MemoryStore
	evaluator Evaluator
	alerter   AlertProcessor
	hub       ReadingBroadcaster
	publisher EventPublisher
}

type Options struct {
	Store     *storage.MemoryStore
	Evaluator Evaluator
	Alerter   AlertProcessor
	Hub       ReadingBroadcaster
	Publisher EventPublisher // optional
}

func NewService(opts Options) *Service {
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore(storage.DefaultCapacity)
	}
	return &Service{
		store:     opts.Store,
		evaluator: opts.Evaluator,
		alerter:   opts.Alerter,
		hub:       opts.Hub,
		publisher: opts.Publisher,
	}
}

// Store exposes the history buffer for read endpoints.
func (s *Service) Store() *storage.MemoryStore {
	return s.store
}

// Ingest stores the reading, raises alerts and fans it out. The reading is
// stored and broadcast even when alert evaluation fails.
func (s *Service) Ingest(ctx context.Context, r data.Reading, source string) Result {
	log := logger.WithDevice("monitor", r.DeviceID, source)

	s.store.Add(r)
	metrics.ReadingsIngested.WithLabelValues(source).Inc()

	log.Debug().
		Float64("temperature", r.Temperature).
		Float64("humidity", r.Humidity).
		Bool("motion", r.Motion).
		Msg("reading received")

	alerts, err := s.raise(ctx, r)
	if err != nil {
		log.Error().Err(err).Msg("alert check failed")
	}

	if s.hub != nil {
		s.hub.BroadcastReading(r)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishReading(ctx, r); err != nil {
			log.Warn().Err(err).Msg("failed to publish reading")
		}
		if len(alerts) > 0 {
			if err := s.publisher.PublishAlerts(ctx, alerts); err != nil {
				log.Warn().Err(err).Msg("failed to publish alerts")
			}
		}
	}

	return Result{Reading: r, Alerts: alerts}
}

// raise isolates the alert path so a panic there cannot lose the reading.
func (s *Service) raise(ctx context.Context, r data.Reading) (alerts []data.Alert, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.PanicsRecovered.WithLabelValues("alerting").Inc()
			err = fmt.Errorf("alerting panic: %v", rec)
			alerts = nil
		}
	}()

	if s.evaluator == nil || s.alerter == nil {
		return nil, nil
	}
	candidates := s.evaluator.Check(r)
	if len(candidates) == 0 {
		return nil, nil
	}
	return s.alerter.Process(ctx, candidates), nil
}

// Quality scores the newest reading of a device against the readings that
// preceded it. An empty deviceID means the most recently reporting device.
func (s *Service) Quality(deviceID string) (quality.Report, bool) {
	history := s.store.History(deviceID)
	if len(history) == 0 {
		return quality.Report{}, false
	}
	current := history[len(history)-1]
	return quality.Score(current, history[:len(history)-1]), true
}
