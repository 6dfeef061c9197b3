package alerting

import (
	"context"
	"sync"
	"time"

	"iot-sensor-gateway/internal/data"
)

const DefaultMemoryLimit = 500

// Store is the audit sink for admitted alerts.
type Store interface {
	Record(ctx context.Context, alert data.Alert) error
	List(ctx context.Context, filter data.AlertFilter) ([]data.Alert, error)
	Acknowledge(ctx context.Context, id, by string) (data.Alert, error)
	// Clear removes non-active alerts created before olderThan.
	Clear(ctx context.Context, olderThan time.Time) (int64, error)
}

// NopStore keeps nothing.
type NopStore struct{}

func (NopStore) Record(context.Context, data.Alert) error { return nil }

func (NopStore) List(context.Context, data.AlertFilter) ([]data.Alert, error) {
	return []data.Alert{}, nil
}

func (NopStore) Acknowledge(context.Context, string, string) (data.Alert, error) {
	return data.Alert{}, data.ErrAlertNotFound
}

func (NopStore) Clear(context.Context, time.Time) (int64, error) { return 0, nil }

// MemoryStore is a bounded in-process alert log, newest first.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts []data.Alert
	limit  int
	now    func() time.Time
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &MemoryStore{limit: limit, now: time.Now}
}

func (s *MemoryStore) Record(_ context.Context, alert data.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts = append([]data.Alert{alert}, s.alerts...)
	if len(s.alerts) > s.limit {
		s.alerts = s.alerts[:s.limit]
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter data.AlertFilter) ([]data.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]data.Alert, 0)
	for _, a := range s.alerts {
		if !filter.Matches(a) {
			continue
		}
		out = append(out, a)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Acknowledge(_ context.Context, id, by string) (data.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID != id {
			continue
		}
		at := s.now().UTC()
		s.alerts[i].Status = data.StatusAcknowledged
		s.alerts[i].AcknowledgedBy = by
		s.alerts[i].AcknowledgedAt = &at
		return s.alerts[i], nil
	}
	return data.Alert{}, data.ErrAlertNotFound
}

func (s *MemoryStore) Clear(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.alerts[:0]
	var removed int64
	for _, a := range s.alerts {
		if a.Status != data.StatusActive && a.CreatedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	s.alerts = kept
	return removed, nil
}
