// internal/data/models.go
package data

import (
	"errors"
	"fmt"
	"time"
)

// Reading - one timestamped sample posted by a device
type Reading struct {
	DeviceID    string    `json:"deviceId"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Motion      bool      `json:"motion"`
	Timestamp   time.Time `json:"timestamp"`
}

// Thresholds - bounds the evaluator compares readings against
type Thresholds struct {
	TemperatureHigh float64 `json:"temperatureHigh" mapstructure:"temperature_high"`
	TemperatureLow  float64 `json:"temperatureLow" mapstructure:"temperature_low"`
	HumidityHigh    float64 `json:"humidityHigh" mapstructure:"humidity_high"`
	HumidityLow     float64 `json:"humidityLow" mapstructure:"humidity_low"`
	MotionDetection bool    `json:"motionDetection" mapstructure:"motion_detection"`
}

// Validate requires each low bound to sit below its high bound.
func (t Thresholds) Validate() error {
	if t.TemperatureLow >= t.TemperatureHigh {
		return fmt.Errorf("%w: temperatureLow (%g) must be below temperatureHigh (%g)",
			ErrInvalidThresholds, t.TemperatureLow, t.TemperatureHigh)
	}
	if t.HumidityLow >= t.HumidityHigh {
		return fmt.Errorf("%w: humidityLow (%g) must be below humidityHigh (%g)",
			ErrInvalidThresholds, t.HumidityLow, t.HumidityHigh)
	}
	return nil
}

// ThresholdsPatch - partial update, nil fields are left untouched
type ThresholdsPatch struct {
	TemperatureHigh *float64 `json:"temperatureHigh,omitempty"`
	TemperatureLow  *float64 `json:"temperatureLow,omitempty"`
	HumidityHigh    *float64 `json:"humidityHigh,omitempty"`
	HumidityLow     *float64 `json:"humidityLow,omitempty"`
	MotionDetection *bool    `json:"motionDetection,omitempty"`
}

// Apply returns t with every non-nil field of p copied over.
func (p ThresholdsPatch) Apply(t Thresholds) Thresholds {
	if p.TemperatureHigh != nil {
		t.TemperatureHigh = *p.TemperatureHigh
	}
	if p.TemperatureLow != nil {
		t.TemperatureLow = *p.TemperatureLow
	}
	if p.HumidityHigh != nil {
		t.HumidityHigh = *p.HumidityHigh
	}
	if p.HumidityLow != nil {
		t.HumidityLow = *p.HumidityLow
	}
	if p.MotionDetection != nil {
		t.MotionDetection = *p.MotionDetection
	}
	return t
}

// Empty reports whether the patch changes nothing.
func (p ThresholdsPatch) Empty() bool {
	return p.TemperatureHigh == nil && p.TemperatureLow == nil &&
		p.HumidityHigh == nil && p.HumidityLow == nil && p.MotionDetection == nil
}

type AlertType string

const (
	AlertTempHigh     AlertType = "temp_high"
	AlertTempLow      AlertType = "temp_low"
	AlertHumidityHigh AlertType = "humidity_high"
	AlertHumidityLow  AlertType = "humidity_low"
	AlertMotion       AlertType = "motion"
)

type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
)

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	return s == StatusActive || s == StatusAcknowledged
}

// Alert - a threshold crossing produced by the evaluator
type Alert struct {
	ID             string      `json:"id,omitempty"`
	DeviceID       string      `json:"deviceId"`
	Type           AlertType   `json:"type"`
	Message        string      `json:"message"`
	Value          float64     `json:"value"`
	Threshold      float64     `json:"threshold"`
	CreatedAt      time.Time   `json:"createdAt"`
	Status         AlertStatus `json:"status"`
	AcknowledgedBy string      `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time  `json:"acknowledgedAt,omitempty"`
}

// AlertFilter narrows alert store listings. Zero values match everything.
type AlertFilter struct {
	DeviceID string
	Status   AlertStatus
	Limit    int
}

// Matches reports whether a passes the device and status filters.
func (f AlertFilter) Matches(a Alert) bool {
	if f.DeviceID != "" && a.DeviceID != f.DeviceID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}

var (
	ErrAlertNotFound     = errors.New("alert not found")
	ErrInvalidThresholds = errors.New("invalid thresholds")
)
