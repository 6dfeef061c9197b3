// internal/storage/memory.go
package storage

import (
	"math"
	"sort"
	"sync"

	"iot-sensor-gateway/internal/data"
)

const DefaultCapacity = 50 // Readings kept per device

// Ring is a fixed-capacity FIFO of readings. Not safe for concurrent use on
// its own; MemoryStore guards it.
type Ring struct {
	buf   []data.Reading
	start int
	size  int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]data.Reading, capacity)}
}

// Push appends r, evicting the oldest reading when full.
func (r *Ring) Push(reading data.Reading) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = reading
		r.size++
		return
	}
	r.buf[r.start] = reading
	r.start = (r.start + 1) % len(r.buf)
}

func (r *Ring) Len() int { return r.size }

func (r *Ring) Cap() int { return len(r.buf) }

// Snapshot returns a copy of the readings, oldest first.
func (r *Ring) Snapshot() []data.Reading {
	out := make([]data.Reading, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Stats summarizes a device history
type Stats struct {
	AvgTemp      float64 `json:"avgTemp"`
	MaxTemp      float64 `json:"maxTemp"`
	MinTemp      float64 `json:"minTemp"`
	AvgHumidity  float64 `json:"avgHumidity"`
	MaxHumidity  float64 `json:"maxHumidity"`
	MinHumidity  float64 `json:"minHumidity"`
	MotionEvents int     `json:"motionEvents"`
	DataPoints   int     `json:"dataPoints"`
}

// MemoryStore keeps a bounded history per device and the latest reading overall.
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[string]*Ring
	latest   data.Reading
	hasData  bool
	capacity int
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		devices:  make(map[string]*Ring),
		capacity: capacity,
	}
}

func (s *MemoryStore) Add(reading data.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring, ok := s.devices[reading.DeviceID]
	if !ok {
		ring = NewRing(s.capacity)
		s.devices[reading.DeviceID] = ring
	}
	ring.Push(reading)
	s.latest = reading
	s.hasData = true
}

// Latest returns the most recent reading from any device.
func (s *MemoryStore) Latest() (data.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasData
}

// History returns the device history oldest first. An empty deviceID selects
// the device that sent the latest reading.
func (s *MemoryStore) History(deviceID string) []data.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if deviceID == "" {
		if !s.hasData {
			return []data.Reading{}
		}
		deviceID = s.latest.DeviceID
	}
	ring, ok := s.devices[deviceID]
	if !ok {
		return []data.Reading{}
	}
	return ring.Snapshot()
}

// HasDevice reports whether any reading from deviceID is buffered.
func (s *MemoryStore) HasDevice(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[deviceID]
	return ok
}

func (s *MemoryStore) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats computes summary statistics over a device history.
func (s *MemoryStore) Stats(deviceID string) (Stats, bool) {
	history := s.History(deviceID)
	if len(history) == 0 {
		return Stats{}, false
	}

	st := Stats{
		MaxTemp:     math.Inf(-1),
		MinTemp:     math.Inf(1),
		MaxHumidity: math.Inf(-1),
		MinHumidity: math.Inf(1),
		DataPoints:  len(history),
	}
	var sumTemp, sumHum float64
	for _, r := range history {
		sumTemp += r.Temperature
		sumHum += r.Humidity
		st.MaxTemp = math.Max(st.MaxTemp, r.Temperature)
		st.MinTemp = math.Min(st.MinTemp, r.Temperature)
		st.MaxHumidity = math.Max(st.MaxHumidity, r.Humidity)
		st.MinHumidity = math.Min(st.MinHumidity, r.Humidity)
		if r.Motion {
			st.MotionEvents++
		}
	}
	st.AvgTemp = round2(sumTemp / float64(len(history)))
	st.AvgHumidity = round2(sumHum / float64(len(history)))
	return st, true
}

// Clear drops every buffered reading and returns how many were removed.
// The latest reading is kept so the dashboard still shows current values.
func (s *MemoryStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ring := range s.devices {
		n += ring.Len()
	}
	s.devices = make(map[string]*Ring)
	return n
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
