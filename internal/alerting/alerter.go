// internal/alerting/alerter.go
package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"iot-sensor-gateway/internal/data"
	"iot-sensor-gateway/internal/logger"
	"iot-sensor-gateway/internal/metrics"
)

const notifyTimeout = 15 * time.Second

// Notifier delivers an alert to an external channel.
type Notifier interface {
	Notify(ctx context.Context, alert data.Alert) error
}

// Broadcaster pushes alerts to live subscribers.
type Broadcaster interface {
	BroadcastAlert(alert data.Alert)
}

type Alerter struct {
	gate     Gate
	store    Store
	notifier Notifier // nil disables notifications
	hub      Broadcaster
	wg       sync.WaitGroup
}

type Config struct {
	Gate     Gate
	Store    Store
	Notifier Notifier
	Hub      Broadcaster
}

func NewAlerter(cfg Config) *Alerter {
	if cfg.Gate == nil {
		cfg.Gate = NewCooldownGate(DefaultCooldown)
	}
	if cfg.Store == nil {
		cfg.Store = NopStore{}
	}
	return &Alerter{
		gate:     cfg.Gate,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		hub:      cfg.Hub,
	}
}

// Process runs candidates through the cooldown gate and delivers the
// survivors. It returns the admitted alerts with IDs assigned.
func (a *Alerter) Process(ctx context.Context, candidates []data.Alert) []data.Alert {
	if len(candidates) == 0 {
		return nil
	}

	log := logger.WithComponent("alerter")
	admitted := make([]data.Alert, 0, len(candidates))

	for _, alert := range candidates {
		metrics.AlertsEvaluated.WithLabelValues(string(alert.Type)).Inc()

		if !a.gate.Admit(ctx, alert) {
			metrics.AlertsSuppressed.WithLabelValues(string(alert.Type)).Inc()
			log.Debug().
				Str("device_id", alert.DeviceID).
				Str("type", string(alert.Type)).
				Msg("similar alert sent recently, skipping")
			continue
		}
		metrics.AlertsAdmitted.WithLabelValues(string(alert.Type)).Inc()

		alert.ID = uuid.New().String()
		if alert.CreatedAt.IsZero() {
			alert.CreatedAt = time.Now().UTC()
		}
		if alert.Status == "" {
			alert.Status = data.StatusActive
		}

		log.Warn().
			Str("alert_id", alert.ID).
			Str("device_id", alert.DeviceID).
			Str("type", string(alert.Type)).
			Float64("value", alert.Value).
			Float64("threshold", alert.Threshold).
			Msg(alert.Message)

		if err := a.store.Record(ctx, alert); err != nil {
			metrics.AlertStoreErrors.WithLabelValues("record").Inc()
			log.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to record alert")
		}

		a.notify(alert)

		if a.hub != nil {
			a.hub.BroadcastAlert(alert)
		}
		admitted = append(admitted, alert)
	}

	return admitted
}

// notify sends the alert in the background. Failures are logged only.
func (a *Alerter) notify(alert data.Alert) {
	if a.notifier == nil {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		log := logger.WithComponent("alerter")
		defer func() {
			if r := recover(); r != nil {
				metrics.PanicsRecovered.WithLabelValues("notifier").Inc()
				log.Error().Interface("panic", r).Str("alert_id", alert.ID).Msg("notifier panic recovered")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := a.notifier.Notify(ctx, alert); err != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			log.Error().Err(err).Str("alert_id", alert.ID).Msg("alert not sent")
			return
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		log.Info().Str("alert_id", alert.ID).Msg("alert notification sent")
	}()
}

// Wait blocks until in-flight notifications finish.
func (a *Alerter) Wait() {
	a.wg.Wait()
}
