package anomaly

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-sensor-gateway/internal/data"
)

var defaults = data.Thresholds{
	TemperatureHigh: 35,
	TemperatureLow:  15,
	HumidityHigh:    70,
	HumidityLow:     30,
	MotionDetection: true,
}

func TestEvaluate_TemperatureHigh(t *testing.T) {
	r := data.Reading{DeviceID: "esp", Temperature: 40, Humidity: 50, Timestamp: time.Unix(100, 0)}

	alerts := Evaluate(r, defaults)

	require.Len(t, alerts, 1)
	assert.Equal(t, data.AlertTempHigh, alerts[0].Type)
	assert.Equal(t, 40.0, alerts[0].Value)
	assert.Equal(t, 35.0, alerts[0].Threshold)
	assert.Equal(t, "esp", alerts[0].DeviceID)
	assert.Equal(t, data.StatusActive, alerts[0].Status)
	assert.Equal(t, r.Timestamp, alerts[0].CreatedAt)
	assert.Empty(t, alerts[0].ID)
}

func TestEvaluate_MotionOnly(t *testing.T) {
	alerts := Evaluate(data.Reading{Temperature: 25, Humidity: 50, Motion: true}, defaults)

	require.Len(t, alerts, 1)
	assert.Equal(t, data.AlertMotion, alerts[0].Type)
	assert.Equal(t, 1.0, alerts[0].Value)
}

func TestEvaluate_MotionDisabled(t *testing.T) {
	cfg := defaults
	cfg.MotionDetection = false

	assert.Empty(t, Evaluate(data.Reading{Temperature: 25, Humidity: 50, Motion: true}, cfg))
}

func TestEvaluate_BoundsAreStrict(t *testing.T) {
	assert.Empty(t, Evaluate(data.Reading{Temperature: 35, Humidity: 70}, defaults))
	assert.Empty(t, Evaluate(data.Reading{Temperature: 15, Humidity: 30}, defaults))
}

func TestEvaluate_MultipleRulesInOrder(t *testing.T) {
	alerts := Evaluate(data.Reading{Temperature: 10, Humidity: 90, Motion: true}, defaults)

	require.Len(t, alerts, 3)
	assert.Equal(t, data.AlertTempLow, alerts[0].Type)
	assert.Equal(t, data.AlertHumidityHigh, alerts[1].Type)
	assert.Equal(t, data.AlertMotion, alerts[2].Type)

	// inverted bounds make both sides fire
	inverted := data.Thresholds{TemperatureHigh: 10, TemperatureLow: 30, HumidityHigh: 10, HumidityLow: 60}
	alerts = Evaluate(data.Reading{Temperature: 20, Humidity: 40}, inverted)
	require.Len(t, alerts, 4)
	assert.Equal(t, []data.AlertType{data.AlertTempHigh, data.AlertTempLow, data.AlertHumidityHigh, data.AlertHumidityLow},
		[]data.AlertType{alerts[0].Type, alerts[1].Type, alerts[2].Type, alerts[3].Type})
}

func TestEvaluate_IsPure(t *testing.T) {
	r := data.Reading{DeviceID: "esp", Temperature: 41, Humidity: 12, Motion: true, Timestamp: time.Unix(5, 0)}

	assert.Equal(t, Evaluate(r, defaults), Evaluate(r, defaults))
}

func TestDetector_UpdateAndReset(t *testing.T) {
	d := NewDetector(defaults)
	high := 45.0

	updated, err := d.Update(data.ThresholdsPatch{TemperatureHigh: &high})
	require.NoError(t, err)
	assert.Equal(t, 45.0, updated.TemperatureHigh)
	assert.Equal(t, 15.0, updated.TemperatureLow)
	assert.Empty(t, d.Check(data.Reading{Temperature: 40, Humidity: 50}))

	assert.Equal(t, defaults, d.Reset())
	assert.Len(t, d.Check(data.Reading{Temperature: 40, Humidity: 50}), 1)
}

func TestDetector_UpdateRejectsInvertedBounds(t *testing.T) {
	d := NewDetector(defaults)
	low := 40.0

	current, err := d.Update(data.ThresholdsPatch{TemperatureLow: &low})
	require.ErrorIs(t, err, data.ErrInvalidThresholds)
	assert.Equal(t, defaults, current)
	assert.Equal(t, defaults, d.Thresholds())
}

// Concurrent patches that are each valid against the starting thresholds
// must never combine into an inverted range.
func TestDetector_ConcurrentUpdatesStayValid(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := NewDetector(defaults)
		high, low := 20.0, 25.0

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.Update(data.ThresholdsPatch{TemperatureHigh: &high})
		}()
		go func() {
			defer wg.Done()
			d.Update(data.ThresholdsPatch{TemperatureLow: &low})
		}()
		wg.Wait()

		got := d.Thresholds()
		require.NoError(t, got.Validate())
		assert.True(t, got.TemperatureHigh == 20 || got.TemperatureLow == 25, "exactly one patch lands")
		assert.False(t, got.TemperatureHigh == 20 && got.TemperatureLow == 25)
	}
}
