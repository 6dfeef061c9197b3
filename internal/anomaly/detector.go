// internal/anomaly/detector.go
package anomaly

import (
	"fmt"
	"sync"

	"iot-sensor-gateway/internal/data"
	"iot-sensor-gateway/internal/logger"
)

// Evaluate checks a reading against thresholds and returns one candidate
// alert per crossed rule, in rule order. It has no side effects.
func Evaluate(r data.Reading, t data.Thresholds) []data.Alert {
	var alerts []data.Alert

	if r.Temperature > t.TemperatureHigh {
		alerts = append(alerts, newAlert(r, data.AlertTempHigh,
			fmt.Sprintf("Temperature is too high: %g°C", r.Temperature), r.Temperature, t.TemperatureHigh))
	}
	if r.Temperature < t.TemperatureLow {
		alerts = append(alerts, newAlert(r, data.AlertTempLow,
			fmt.Sprintf("Temperature is too low: %g°C", r.Temperature), r.Temperature, t.TemperatureLow))
	}
	if r.Humidity > t.HumidityHigh {
		alerts = append(alerts, newAlert(r, data.AlertHumidityHigh,
			fmt.Sprintf("Humidity is too high: %g%%", r.Humidity), r.Humidity, t.HumidityHigh))
	}
	if r.Humidity < t.HumidityLow {
		alerts = append(alerts, newAlert(r, data.AlertHumidityLow,
			fmt.Sprintf("Humidity is too low: %g%%", r.Humidity), r.Humidity, t.HumidityLow))
	}
	if r.Motion && t.MotionDetection {
		alerts = append(alerts, newAlert(r, data.AlertMotion, "Motion detected by PIR sensor", 1, 1))
	}

	return alerts
}

func newAlert(r data.Reading, typ data.AlertType, msg string, value, threshold float64) data.Alert {
	return data.Alert{
		DeviceID:  r.DeviceID,
		Type:      typ,
		Message:   msg,
		Value:     value,
		Threshold: threshold,
		CreatedAt: r.Timestamp,
		Status:    data.StatusActive,
	}
}

// Detector holds the process-wide threshold configuration.
type Detector struct {
	mu         sync.RWMutex
	thresholds data.Thresholds
	defaults   data.Thresholds
}

func NewDetector(defaults data.Thresholds) *Detector {
	return &Detector{thresholds: defaults, defaults: defaults}
}

// Check evaluates a reading against the current thresholds
func (d *Detector) Check(r data.Reading) []data.Alert {
	return Evaluate(r, d.Thresholds())
}

func (d *Detector) Thresholds() data.Thresholds {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.thresholds
}

// Update applies a partial change and returns the resulting thresholds.
// The merged result is validated under the lock; on error nothing changes.
func (d *Detector) Update(patch data.ThresholdsPatch) (data.Thresholds, error) {
	d.mu.Lock()
	current := d.thresholds
	t := patch.Apply(current)
	if err := t.Validate(); err != nil {
		d.mu.Unlock()
		return current, err
	}
	d.thresholds = t
	d.mu.Unlock()

	logger.WithComponent("detector").Info().
		Interface("thresholds", t).
		Msg("thresholds updated")
	return t, nil
}

// Reset restores the startup thresholds.
func (d *Detector) Reset() data.Thresholds {
	d.mu.Lock()
	d.thresholds = d.defaults
	t := d.thresholds
	d.mu.Unlock()

	logger.WithComponent("detector").Info().
		Interface("thresholds", t).
		Msg("thresholds reset to defaults")
	return t
}
