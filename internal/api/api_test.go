package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gwebsocket "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-sensor-gateway/internal/alerting"
	"iot-sensor-gateway/internal/anomaly"
	"iot-sensor-gateway/internal/auth"
	"iot-sensor-gateway/internal/data"
	"iot-sensor-gateway/internal/middleware"
	"iot-sensor-gateway/internal/monitor"
	"iot-sensor-gateway/internal/storage"
	"iot-sensor-gateway/internal/websocket"
)

var defaults = data.Thresholds{
	TemperatureHigh: 35,
	TemperatureLow:  15,
	HumidityHigh:    70,
	HumidityLow:     30,
	MotionDetection: true,
}

type testEnv struct {
	handler  *APIHandler
	router   http.Handler
	store    *storage.MemoryStore
	alerts   *alerting.MemoryStore
	detector *anomaly.Detector
	hub      *websocket.Hub
	auth     *auth.AuthManager
}

func newTestEnv(t *testing.T, authCfg auth.Config) *testEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := websocket.NewHub()
	go hub.Run(ctx)

	store := storage.NewMemoryStore(storage.DefaultCapacity)
	alerts := alerting.NewMemoryStore(100)
	detector := anomaly.NewDetector(defaults)
	alerter := alerting.NewAlerter(alerting.Config{Store: alerts, Hub: hub})
	svc := monitor.NewService(monitor.Options{
		Store:     store,
		Evaluator: detector,
		Alerter:   alerter,
		Hub:       hub,
	})

	h := NewAPIHandler(Deps{Service: svc, Detector: detector, Alerts: alerts, Hub: hub})
	am := auth.NewAuthManager(authCfg)

	return &testEnv{
		handler:  h,
		router:   NewRouter(h, am, RouterConfig{AllowedOrigins: []string{"*"}}),
		store:    store,
		alerts:   alerts,
		detector: detector,
		hub:      hub,
		auth:     am,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func payload(device string, temp, humidity float64, motion bool) string {
	b, _ := json.Marshal(map[string]interface{}{
		"device_id": device,
		"sensors": map[string]interface{}{
			"temperature": temp,
			"humidity":    humidity,
			"motion":      motion,
		},
	})
	return string(b)
}

func TestIngest_Created(t *testing.T) {
	env := newTestEnv(t, auth.Config{})

	rec, body := env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 25, 50, false))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Data received successfully", body["message"])
	assert.Equal(t, float64(0), body["alertsTriggered"])

	latest, ok := env.store.Latest()
	require.True(t, ok)
	assert.Equal(t, 25.0, latest.Temperature)
}

func TestIngest_AlertsThenCooldown(t *testing.T) {
	env := newTestEnv(t, auth.Config{})

	_, body := env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 40, 85, false))
	assert.Equal(t, float64(2), body["alertsTriggered"])

	_, body = env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 41, 86, false))
	assert.Equal(t, float64(0), body["alertsTriggered"])

	_, body = env.do(t, http.MethodGet, "/api/alerts/active", "")
	assert.Equal(t, float64(2), body["count"])
}

func TestIngest_MissingFieldsStoresNothing(t *testing.T) {
	env := newTestEnv(t, auth.Config{})

	for _, p := range []string{
		`{"sensors":{"temperature":20,"humidity":40}}`,
		`{"device_id":"esp32-1"}`,
		`{"device_id":"esp32-1","sensors":{"humidity":40}}`,
	} {
		rec, body := env.do(t, http.MethodPost, "/api/sensor-data", p)
		assert.Equal(t, http.StatusBadRequest, rec.Code, p)
		assert.Equal(t, "Missing required fields", body["error"])
		assert.NotEmpty(t, body["required"])
	}

	rec, body := env.do(t, http.MethodPost, "/api/sensor-data", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON payload", body["error"])

	_, ok := env.store.Latest()
	assert.False(t, ok)
}

func TestIngest_APIKey(t *testing.T) {
	env := newTestEnv(t, auth.Config{APIKeys: []string{"device-key"}})

	rec, _ := env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 25, 50, false))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 25, 50, false), "X-API-Key", "device-key")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestLatest(t *testing.T) {
	env := newTestEnv(t, auth.Config{})

	rec, body := env.do(t, http.MethodGet, "/api/sensor-data/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No data available yet", body["error"])

	env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 25, 50, true))

	rec, body = env.do(t, http.MethodGet, "/api/sensor-data/latest", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	reading := body["data"].(map[string]interface{})
	assert.Equal(t, "esp32-1", reading["deviceId"])
	assert.Equal(t, true, reading["motion"])
}

func TestHistoryDeviceStats(t *testing.T) {
	env := newTestEnv(t, auth.Config{})
	env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 20, 40, false))
	env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 30, 60, true))
	env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-2", 22, 45, false))

	_, body := env.do(t, http.MethodGet, "/api/sensor-data/history?device_id=esp32-1", "")
	assert.Equal(t, float64(2), body["count"])

	_, body = env.do(t, http.MethodGet, "/api/sensor-data/history", "")
	assert.Equal(t, float64(1), body["count"], "defaults to the latest device")

	rec, body := env.do(t, http.MethodGet, "/api/sensor-data/device/esp32-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["dataPoints"])

	rec, body = env.do(t, http.MethodGet, "/api/sensor-data/device/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.ElementsMatch(t, []interface{}{"esp32-1", "esp32-2"}, body["availableDevices"])

	rec, body = env.do(t, http.MethodGet, "/api/sensor-data/stats?device_id=esp32-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Last 2 readings", body["period"])
	stats := body["statistics"].(map[string]interface{})
	assert.Equal(t, 25.0, stats["avgTemp"])
	assert.Equal(t, float64(1), stats["motionEvents"])
}

func TestStatsAndQuality_Empty(t *testing.T) {
	env := newTestEnv(t, auth.Config{})

	rec, _ := env.do(t, http.MethodGet, "/api/sensor-data/stats", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/sensor-data/quality", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQuality(t *testing.T) {
	env := newTestEnv(t, auth.Config{})
	env.do(t, http.MethodPost, "/api/sensor-data", payload("bin-1", 20, 17, false))

	rec, body := env.do(t, http.MethodGet, "/api/sensor-data/quality?device_id=bin-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	analysis := body["analysis"].(map[string]interface{})
	assert.Equal(t, "RISK - Quality Score: 50/100", analysis["summary"])
	report := body["report"].(map[string]interface{})
	assert.Equal(t, "POOR", report["grade"])
}

func TestCleanup(t *testing.T) {
	env := newTestEnv(t, auth.Config{})
	env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 20, 40, false))
	env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 21, 41, false))

	rec, body := env.do(t, http.MethodDelete, "/api/sensor-data/cleanup", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["deletedCount"])
	assert.Empty(t, env.store.History("esp32-1"))
}

func TestOperatorRoutesNeedToken(t *testing.T) {
	env := newTestEnv(t, auth.Config{JWTSecret: "secret"})

	for _, tc := range []struct{ method, path string }{
		{http.MethodDelete, "/api/sensor-data/cleanup"},
		{http.MethodPost, "/api/alerts/config"},
		{http.MethodDelete, "/api/alerts/config"},
		{http.MethodPut, "/api/alerts/x/acknowledge"},
		{http.MethodDelete, "/api/alerts/clear"},
	} {
		rec, _ := env.do(t, tc.method, tc.path, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
	}

	token, err := env.auth.GenerateJWT("operator", "admin")
	require.NoError(t, err)
	rec, _ := env.do(t, http.MethodDelete, "/api/sensor-data/cleanup", "", "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListAlerts_Filters(t *testing.T) {
	env := newTestEnv(t, auth.Config{})
	env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 40, 50, true))
	env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-2", 10, 50, false))

	_, body := env.do(t, http.MethodGet, "/api/alerts", "")
	assert.Equal(t, float64(3), body["count"])

	_, body = env.do(t, http.MethodGet, "/api/alerts?device_id=esp32-2", "")
	assert.Equal(t, float64(1), body["count"])

	_, body = env.do(t, http.MethodGet, "/api/alerts?limit=2", "")
	assert.Equal(t, float64(2), body["count"])

	rec, _ := env.do(t, http.MethodGet, "/api/alerts?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/alerts?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAcknowledgeAndClear(t *testing.T) {
	env := newTestEnv(t, auth.Config{})
	env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 40, 50, false))

	list, err := env.alerts.List(context.Background(), data.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	id := list[0].ID

	rec, body := env.do(t, http.MethodPut, "/api/alerts/"+id+"/acknowledge", `{"acknowledgedBy":"ops"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	alert := body["alert"].(map[string]interface{})
	assert.Equal(t, "acknowledged", alert["status"])
	assert.Equal(t, "ops", alert["acknowledgedBy"])

	rec, _ = env.do(t, http.MethodPut, "/api/alerts/missing/acknowledge", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, body = env.do(t, http.MethodGet, "/api/alerts/active", "")
	assert.Equal(t, float64(0), body["count"])

	rec, body = env.do(t, http.MethodDelete, "/api/alerts/clear?days=0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["deletedCount"])
	assert.Equal(t, "Cleared alerts older than 0 days", body["message"])

	rec, _ = env.do(t, http.MethodDelete, "/api/alerts/clear?days=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertConfig(t *testing.T) {
	env := newTestEnv(t, auth.Config{})

	_, body := env.do(t, http.MethodGet, "/api/alerts/config", "")
	th := body["thresholds"].(map[string]interface{})
	assert.Equal(t, 35.0, th["temperatureHigh"])

	rec, body := env.do(t, http.MethodPost, "/api/alerts/config", `{"thresholds":{"temperatureHigh":30}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30.0, env.detector.Thresholds().TemperatureHigh)
	assert.Equal(t, 15.0, env.detector.Thresholds().TemperatureLow)

	rec, _ = env.do(t, http.MethodPost, "/api/alerts/config", `{"motionDetection":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.detector.Thresholds().MotionDetection)

	rec, _ = env.do(t, http.MethodPost, "/api/alerts/config", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = env.do(t, http.MethodPost, "/api/alerts/config", `{"temperatureLow":50}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid thresholds", body["error"])

	rec, _ = env.do(t, http.MethodDelete, "/api/alerts/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaults, env.detector.Thresholds())
}

func TestThresholdChangeAppliesToNextReading(t *testing.T) {
	env := newTestEnv(t, auth.Config{})

	_, body := env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 32, 50, false))
	assert.Equal(t, float64(0), body["alertsTriggered"])

	env.do(t, http.MethodPost, "/api/alerts/config", `{"thresholds":{"temperatureHigh":30}}`)

	_, body = env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 32, 50, false))
	assert.Equal(t, float64(1), body["alertsTriggered"])
}

func TestRateLimits(t *testing.T) {
	env := newTestEnv(t, auth.Config{})
	counter := middleware.NewMemoryCounter()
	env.router = NewRouter(env.handler, env.auth, RouterConfig{
		AllowedOrigins: []string{"*"},
		APILimiter: middleware.RateLimit(middleware.RateLimitConfig{
			Name: "api", Counter: counter, Limit: 5, Window: time.Minute,
		}),
		IngestLimiter: middleware.RateLimit(middleware.RateLimitConfig{
			Name: "ingest", Counter: counter, Limit: 2, Window: time.Minute, SkipFailed: true,
		}),
	})

	rec, _ := env.do(t, http.MethodPost, "/api/sensor-data", `{"device_id":"esp32-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "rejected payloads do not use up the ingest limit")

	for i := 0; i < 2; i++ {
		rec, _ = env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 25, 50, false))
		assert.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, body := env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 25, 50, false))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests", body["error"])
	assert.Len(t, env.store.History(""), 2)

	rec, _ = env.do(t, http.MethodGet, "/api/alerts", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = env.do(t, http.MethodGet, "/api/alerts", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health checks are outside /api")
}

func TestHealthRootAndNotFound(t *testing.T) {
	env := newTestEnv(t, auth.Config{})

	rec, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", body["status"])
	assert.Contains(t, body, "uptime")
	assert.Contains(t, body, "clients")

	rec, body = env.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "endpoints")

	rec, body = env.do(t, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Endpoint not found", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, auth.Config{})
	env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 25, 50, false))

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_readings_ingested_total")
}

type frame struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Alert *data.Alert     `json:"alert"`
}

func readFrame(t *testing.T, conn *gwebsocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebSocket_HistoryThenUpdates(t *testing.T) {
	env := newTestEnv(t, auth.Config{})
	env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 25, 50, false))

	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gwebsocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hist := readFrame(t, conn)
	assert.Equal(t, "history", hist.Type)
	var readings []data.Reading
	require.NoError(t, json.Unmarshal(hist.Data, &readings))
	assert.Len(t, readings, 1)

	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	env.do(t, http.MethodPost, "/api/sensor-data", payload("esp32-1", 40, 50, false))

	var got []string
	for i := 0; i < 2; i++ {
		got = append(got, readFrame(t, conn).Type)
	}
	assert.ElementsMatch(t, []string{"alert", "sensor_update"}, got)
}
