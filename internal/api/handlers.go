package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	gwebsocket "github.com/gorilla/websocket" // Alias to avoid name conflict

	"iot-sensor-gateway/internal/alerting"
	"iot-sensor-gateway/internal/anomaly"
	"iot-sensor-gateway/internal/data"
	"iot-sensor-gateway/internal/logger"
	"iot-sensor-gateway/internal/metrics"
	"iot-sensor-gateway/internal/monitor"
	"iot-sensor-gateway/internal/quality"
	"iot-sensor-gateway/internal/websocket"
)

const maxIngestBody = 64 << 10

var requiredFields = []string{"device_id", "sensors.temperature", "sensors.humidity"}

type APIHandler struct {
	service  *monitor.Service
	detector *anomaly.Detector
	alerts   alerting.Store
	hub      *websocket.Hub
	upgrader gwebsocket.Upgrader
	started  time.Time
	now      func() time.Time
}

type Deps struct {
	Service        *monitor.Service
	Detector       *anomaly.Detector
	Alerts         alerting.Store
	Hub            *websocket.Hub
	AllowedOrigins []string
}

func NewAPIHandler(d Deps) *APIHandler {
	if d.Alerts == nil {
		d.Alerts = alerting.NopStore{}
	}
	return &APIHandler{
		service:  d.Service,
		detector: d.Detector,
		alerts:   d.Alerts,
		hub:      d.Hub,
		upgrader: websocket.NewUpgrader(d.AllowedOrigins),
		started:  time.Now(),
		now:      time.Now,
	}
}

// HandleDataIngest accepts one reading from a device
func (h *APIHandler) HandleDataIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		metrics.ReadingsRejected.WithLabelValues("http", "body").Inc()
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	reading, err := data.ParseIngest(body, h.now())
	if err != nil {
		if errors.Is(err, data.ErrInvalidPayload) {
			metrics.ReadingsRejected.WithLabelValues("http", "invalid_json").Inc()
			writeError(w, http.StatusBadRequest, "Invalid JSON payload", err.Error())
			return
		}
		metrics.ReadingsRejected.WithLabelValues("http", "missing_fields").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    "Missing required fields",
			"message":  err.Error(),
			"required": requiredFields,
		})
		return
	}

	res := h.service.Ingest(r.Context(), reading, "http")

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":         true,
		"message":         "Data received successfully",
		"alertsTriggered": len(res.Alerts),
	})
}

// HandleLatest returns the most recent reading from any device.
func (h *APIHandler) HandleLatest(w http.ResponseWriter, r *http.Request) {
	latest, ok := h.service.Store().Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "No data available yet", "Waiting for ESP32 to send data")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    latest,
	})
}

func (h *APIHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	history := h.service.Store().History(r.URL.Query().Get("device_id"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    history,
		"count":   len(history),
	})
}

func (h *APIHandler) HandleDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	store := h.service.Store()

	if !store.HasDevice(deviceID) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":            "Device not found",
			"availableDevices": store.Devices(),
		})
		return
	}

	history := store.History(deviceID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"deviceId":   deviceID,
		"dataPoints": len(history),
		"data":       history,
	})
}

func (h *APIHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := h.service.Store().Stats(r.URL.Query().Get("device_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "No data available for statistics", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"period":     fmt.Sprintf("Last %d readings", stats.DataPoints),
		"statistics": stats,
	})
}

// HandleQuality grades storage conditions for a device
func (h *APIHandler) HandleQuality(w http.ResponseWriter, r *http.Request) {
	report, ok := h.service.Quality(r.URL.Query().Get("device_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "No data available for quality analysis", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"analysis": quality.Summarize(report),
		"report":   report,
	})
}

func (h *APIHandler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	n := h.service.Store().Clear()
	logger.WithComponent("api").Info().Int("deleted", n).Msg("history cleared")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"message":      "History cleared",
		"deletedCount": n,
	})
}

func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if h.hub != nil {
		clients = h.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "OK",
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.started).Seconds(),
		"clients":   clients,
	})
}

// HandleRoot describes the API when no dashboard is served
func (h *APIHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "ESP32 IoT sensor gateway",
		"endpoints": map[string]string{
			"health":     "/health",
			"sensorData": "/api/sensor-data",
			"alerts":     "/api/alerts",
			"websocket":  "/ws",
			"metrics":    "/metrics",
		},
	})
}

func (h *APIHandler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":  "Endpoint not found",
		"path":   r.URL.Path,
		"method": r.Method,
	})
}

// HandleWebSocket upgrades connections and registers clients with the hub.
// The history frame is queued before registration so it precedes any
// broadcast on the same connection.
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := websocket.NewClient(h.hub, conn)
	if history := h.service.Store().History(""); len(history) > 0 {
		msg, err := websocket.HistoryMessage(history)
		if err != nil {
			log.Error().Err(err).Msg("error marshalling history data")
		} else {
			client.Send <- msg
		}
	}

	if !h.hub.RegisterClient(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("api").Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, errMsg, message string) {
	body := map[string]interface{}{"error": errMsg}
	if message != "" {
		body["message"] = message
	}
	writeJSON(w, status, body)
}
