package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-sensor-gateway/internal/data"
)

var sampleAlert = data.Alert{
	ID:        "a-1",
	DeviceID:  "esp32-1",
	Type:      data.AlertTempHigh,
	Message:   "Temperature is too high: 40°C",
	Value:     40,
	Threshold: 35,
	CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	Status:    data.StatusActive,
}

type capturedRequest struct {
	path string
	body sendMessageRequest
}

func fakeTelegram(t *testing.T, status int, failChat string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body sendMessageRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		mu.Lock()
		reqs = append(reqs, capturedRequest{path: r.URL.Path, body: body})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if body.ChatID == failChat || status != http.StatusOK {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestTelegram_NotifySendsToEveryChat(t *testing.T) {
	srv, reqs := fakeTelegram(t, http.StatusOK, "")
	tg, err := NewTelegram(TelegramConfig{BotToken: "123:abc", ChatIDs: []string{"1", "2"}, APIURL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, tg.Notify(context.Background(), sampleAlert))

	require.Len(t, *reqs, 2)
	for _, r := range *reqs {
		assert.Equal(t, "/bot123:abc/sendMessage", r.path)
		assert.Equal(t, "HTML", r.body.ParseMode)
		assert.Contains(t, r.body.Text, "Device: esp32-1")
	}
	assert.Equal(t, "1", (*reqs)[0].body.ChatID)
	assert.Equal(t, "2", (*reqs)[1].body.ChatID)
}

func TestTelegram_NotifyReportsFailures(t *testing.T) {
	srv, reqs := fakeTelegram(t, http.StatusOK, "2")
	tg, err := NewTelegram(TelegramConfig{BotToken: "t", ChatIDs: []string{"1", "2", "3"}, APIURL: srv.URL})
	require.NoError(t, err)

	err = tg.Notify(context.Background(), sampleAlert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat 2")
	assert.Contains(t, err.Error(), "chat not found")
	assert.Len(t, *reqs, 3, "one failing chat does not stop the rest")
}

func TestTelegram_NotifyHonoursContext(t *testing.T) {
	srv, _ := fakeTelegram(t, http.StatusOK, "")
	tg, err := NewTelegram(TelegramConfig{BotToken: "t", ChatIDs: []string{"1"}, APIURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, tg.Notify(ctx, sampleAlert))
}

func TestTelegram_TransportErrorsHideToken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close() // nothing listens here any more

	tg, err := NewTelegram(TelegramConfig{
		BotToken: "123:SECRET-TOKEN",
		ChatIDs:  []string{"1"},
		APIURL:   addr,
		Timeout:  2 * time.Second,
	})
	require.NoError(t, err)

	err = tg.Notify(context.Background(), sampleAlert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat 1")
	assert.NotContains(t, err.Error(), "SECRET-TOKEN")
}

func TestNewTelegram_RequiresTokenAndChats(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{ChatIDs: []string{"1"}})
	assert.Error(t, err)
	_, err = NewTelegram(TelegramConfig{BotToken: "t"})
	assert.Error(t, err)
}

func TestFormatAlert(t *testing.T) {
	text := FormatAlert(sampleAlert)

	assert.Contains(t, text, "🔥 ALERT")
	assert.Contains(t, text, "Type: TEMP HIGH")
	assert.Contains(t, text, "Value: 40\n")
	assert.Contains(t, text, "Threshold: 35\n")
	assert.Contains(t, text, "Time: Wed, 01 May 2024 12:00:00 UTC")
	assert.Contains(t, text, "<b>🔥 ALERT</b>")
}

func TestFormatAlert_EscapesDeviceText(t *testing.T) {
	a := sampleAlert
	a.DeviceID = "ESP32_001"
	a.Message = "Humidity <low> & falling"

	text := FormatAlert(a)

	assert.Contains(t, text, "Device: ESP32_001\n")
	assert.Contains(t, text, "Message: Humidity &lt;low&gt; &amp; falling\n")
	assert.NotContains(t, text, "<low>")
}

func TestTelegram_NotifySendsUnderscoreDeviceIDs(t *testing.T) {
	srv, reqs := fakeTelegram(t, http.StatusOK, "")
	tg, err := NewTelegram(TelegramConfig{BotToken: "t", ChatIDs: []string{"1"}, APIURL: srv.URL})
	require.NoError(t, err)

	a := sampleAlert
	a.DeviceID = "ESP32_001"
	require.NoError(t, tg.Notify(context.Background(), a))

	require.Len(t, *reqs, 1)
	assert.Equal(t, "HTML", (*reqs)[0].body.ParseMode)
	assert.Contains(t, (*reqs)[0].body.Text, "Device: ESP32_001")
}
