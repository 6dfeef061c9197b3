package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"iot-sensor-gateway/internal/auth"
	"iot-sensor-gateway/internal/data"
	"iot-sensor-gateway/internal/logger"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
	defaultClearDays  = 7
)

func (h *APIHandler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := data.AlertFilter{
		DeviceID: q.Get("device_id"),
		Status:   data.AlertStatus(q.Get("status")),
		Limit:    defaultAlertLimit,
	}
	if filter.DeviceID == "" {
		filter.DeviceID = q.Get("deviceId")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status", "status must be active or acknowledged")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", "limit must be a positive integer")
			return
		}
		filter.Limit = min(limit, maxAlertLimit)
	}

	h.listAlerts(w, r, filter)
}

func (h *APIHandler) HandleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	h.listAlerts(w, r, data.AlertFilter{Status: data.StatusActive})
}

func (h *APIHandler) listAlerts(w http.ResponseWriter, r *http.Request, filter data.AlertFilter) {
	alerts, err := h.alerts.List(r.Context(), filter)
	if err != nil {
		logger.WithComponent("api").Error().Err(err).Msg("failed to fetch alerts")
		writeError(w, http.StatusInternalServerError, "Failed to fetch alerts", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(alerts),
		"alerts":  alerts,
	})
}

func (h *APIHandler) HandleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		AcknowledgedBy string `json:"acknowledgedBy"`
	}
	// an empty body is allowed
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload", err.Error())
		return
	}
	by := body.AcknowledgedBy
	if by == "" {
		by = auth.Username(r.Context())
	}
	if by == "" {
		by = "user"
	}

	alert, err := h.alerts.Acknowledge(r.Context(), id, by)
	if errors.Is(err, data.ErrAlertNotFound) {
		writeError(w, http.StatusNotFound, "Alert not found", "")
		return
	}
	if err != nil {
		logger.WithComponent("api").Error().Err(err).Str("alert_id", id).Msg("failed to acknowledge alert")
		writeError(w, http.StatusInternalServerError, "Failed to acknowledge alert", err.Error())
		return
	}
	logger.WithComponent("api").Info().
		Str("alert_id", id).
		Str("by", by).
		Str("role", auth.Role(r.Context())).
		Msg("alert acknowledged")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Alert acknowledged",
		"alert":   alert,
	})
}

// HandleClearAlerts deletes acknowledged alerts older than ?days (default 7).
func (h *APIHandler) HandleClearAlerts(w http.ResponseWriter, r *http.Request) {
	days := defaultClearDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "Invalid days", "days must be a non-negative integer")
			return
		}
		days = d
	}

	cutoff := h.now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := h.alerts.Clear(r.Context(), cutoff)
	if err != nil {
		logger.WithComponent("api").Error().Err(err).Msg("failed to clear alerts")
		writeError(w, http.StatusInternalServerError, "Failed to clear alerts", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"message":      fmt.Sprintf("Cleared alerts older than %d days", days),
		"deletedCount": n,
	})
}

func (h *APIHandler) HandleGetAlertConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"thresholds": h.detector.Thresholds(),
	})
}

// HandleUpdateAlertConfig applies a partial threshold change. The body is
// either {"thresholds": {...}} or the bare patch.
func (h *APIHandler) HandleUpdateAlertConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	var wrapped struct {
		Thresholds *data.ThresholdsPatch `json:"thresholds"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload", err.Error())
		return
	}
	patch := data.ThresholdsPatch{}
	if wrapped.Thresholds != nil {
		patch = *wrapped.Thresholds
	} else if err := json.Unmarshal(raw, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload", err.Error())
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "No threshold values provided", "")
		return
	}

	t, err := h.detector.Update(patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid thresholds", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"message":    "Alert configuration updated",
		"thresholds": t,
	})
}

func (h *APIHandler) HandleResetAlertConfig(w http.ResponseWriter, r *http.Request) {
	t := h.detector.Reset()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"message":    "Alert configuration reset to defaults",
		"thresholds": t,
	})
}
