// internal/data/parser.go
package data

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidPayload     = errors.New("invalid JSON payload")
	ErrMissingDeviceID    = errors.New("device_id is required")
	ErrMissingSensors     = errors.New("sensors block is required")
	ErrMissingSensorValue = errors.New("sensors.temperature and sensors.humidity are required")
)

// supportedTimestampFormats lists layouts tried for string timestamps
var supportedTimestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
}

const (
	// epoch values above this are treated as milliseconds
	millisCutoff = 1e11
	// 9999-12-31T23:59:59.999Z; anything later is garbage
	maxEpochMillis = 253402300799999
)

// IngestPayload is the JSON body a device posts
type IngestPayload struct {
	DeviceID  string          `json:"device_id"`
	Sensors   *SensorValues   `json:"sensors"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

type SensorValues struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Motion      bool     `json:"motion"`
}

// ParseIngest decodes and normalizes a device payload into a Reading.
// receivedAt is used when the payload carries no usable timestamp.
func ParseIngest(raw []byte, receivedAt time.Time) (Reading, error) {
	var p IngestPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Reading{}, ErrInvalidPayload
	}
	return p.Normalize(receivedAt)
}

// Normalize validates the payload and converts it to a Reading.
func (p IngestPayload) Normalize(receivedAt time.Time) (Reading, error) {
	deviceID := strings.TrimSpace(p.DeviceID)
	if deviceID == "" {
		return Reading{}, ErrMissingDeviceID
	}
	if p.Sensors == nil {
		return Reading{}, ErrMissingSensors
	}
	if p.Sensors.Temperature == nil || p.Sensors.Humidity == nil {
		return Reading{}, ErrMissingSensorValue
	}

	ts, ok := parseTimestamp(p.Timestamp)
	if !ok {
		ts = receivedAt
	}

	return Reading{
		DeviceID:    deviceID,
		Temperature: *p.Sensors.Temperature,
		Humidity:    *p.Sensors.Humidity,
		Motion:      p.Sensors.Motion,
		Timestamp:   ts.UTC(),
	}, nil
}

// parseTimestamp accepts a JSON string in one of the supported layouts or a
// unix epoch number in seconds or milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		for _, layout := range supportedTimestampFormats {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		// numeric strings are epochs too
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
		return time.Time{}, false
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return fromEpoch(f)
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	// written this way round so NaN is rejected too
	if !(f > 0 && f <= maxEpochMillis) {
		return time.Time{}, false
	}
	if f >= millisCutoff {
		return time.UnixMilli(int64(f)), true
	}
	return time.Unix(int64(f), 0), true
}
