// Package quality grades grain storage conditions from moisture readings.
//
// Grain moisture bands:
//   - up to 12%: excellent, safe for long-term storage
//   - 12-14%: good, safe for medium-term storage
//   - 14-16%: fair, short-term only
//   - 16-18%: poor, risk of mold growth
//   - above 18%: critical, immediate action required
package quality

import (
	"fmt"
	"math"
	"time"

	"iot-sensor-gateway/internal/data"
)

const (
	trendWindow    = 12  // readings averaged for the trend check
	trendDelta     = 2.0 // percentage points
	heatPenalty    = 10
	heatTempLimit  = 25.0
	heatHumidLimit = 14.0
	alertScore     = 40
)

// Report is the outcome of one quality assessment
type Report struct {
	Score              int       `json:"score"`
	Grade              string    `json:"grade"`
	Color              string    `json:"color"`
	Status             string    `json:"status"`
	Humidity           float64   `json:"humidity"`
	Temperature        float64   `json:"temperature"`
	Issues             []string  `json:"issues"`
	Recommendations    []string  `json:"recommendations"`
	EstimatedShelfLife string    `json:"estimatedShelfLife"`
	AnalyzedAt         time.Time `json:"analyzedAt"`
	DeviceID           string    `json:"deviceId"`
}

type band struct {
	maxHumidity     float64
	score           int
	grade           string
	color           string
	status          string
	shelfLife       string
	issues          []string
	recommendations []string
}

// bands are checked in order; the last one catches everything above 20%.
var bands = []band{
	{
		maxHumidity: 12, score: 95, grade: "EXCELLENT", color: "#22c55e", status: "OPTIMAL",
		shelfLife: "12+ months",
		recommendations: []string{
			"Perfect moisture level for long-term storage",
			"Continue maintaining current conditions",
		},
	},
	{
		maxHumidity: 14, score: 85, grade: "GOOD", color: "#84cc16", status: "SAFE",
		shelfLife: "6-12 months",
		recommendations: []string{
			"Good storage conditions maintained",
			"Safe for 6-12 months storage",
		},
	},
	{
		maxHumidity: 16, score: 70, grade: "FAIR", color: "#eab308", status: "MONITOR",
		shelfLife: "3-6 months",
		issues:    []string{"Moisture slightly elevated"},
		recommendations: []string{
			"Increase ventilation to reduce humidity",
			"Safe for 3-6 months storage only",
			"Check for condensation regularly",
		},
	},
	{
		maxHumidity: 18, score: 50, grade: "POOR", color: "#f97316", status: "RISK",
		shelfLife: "1-3 months",
		issues: []string{
			"High moisture - Risk of mold growth",
			"Grain respiration may cause heating",
		},
		recommendations: []string{
			"URGENT: Reduce humidity immediately",
			"Use dehumidifiers or improve ventilation",
			"Inspect grain for mold signs",
			"Consider drying the grain",
		},
	},
	{
		maxHumidity: 20, score: 30, grade: "CRITICAL", color: "#ef4444", status: "DANGER",
		shelfLife: "< 1 month",
		issues: []string{
			"CRITICAL moisture level!",
			"Rapid mold growth likely",
			"Grain heating probable",
			"Quality degradation in progress",
		},
		recommendations: []string{
			"IMMEDIATE ACTION REQUIRED",
			"Turn on dehumidifiers NOW",
			"Inspect grain immediately",
			"Consider emergency drying",
			"Separate affected batches",
		},
	},
	{
		maxHumidity: math.Inf(1), score: 10, grade: "SEVERE", color: "#dc2626", status: "EMERGENCY",
		shelfLife: "Days only",
		issues: []string{
			"SEVERE moisture - Grain spoilage imminent!",
			"Mycotoxin contamination risk",
			"Complete quality loss within days",
		},
		recommendations: []string{
			"EMERGENCY: Stop all storage operations",
			"Dry grain immediately or discard",
			"Do not mix with other batches",
			"Consult grain quality expert",
		},
	},
}

func bandFor(humidity float64) band {
	for _, b := range bands {
		if humidity <= b.maxHumidity {
			return b
		}
	}
	return bands[len(bands)-1]
}

// Score grades a reading. history holds the readings that preceded it, oldest
// first; only the trend advice depends on it.
func Score(r data.Reading, history []data.Reading) Report {
	b := bandFor(r.Humidity)

	rep := Report{
		Score:              b.score,
		Grade:              b.grade,
		Color:              b.color,
		Status:             b.status,
		Humidity:           r.Humidity,
		Temperature:        r.Temperature,
		Issues:             append([]string{}, b.issues...),
		Recommendations:    append([]string{}, b.recommendations...),
		EstimatedShelfLife: b.shelfLife,
		AnalyzedAt:         r.Timestamp,
		DeviceID:           r.DeviceID,
	}

	if r.Temperature > heatTempLimit && r.Humidity > heatHumidLimit {
		rep.Score -= heatPenalty
		rep.Issues = append(rep.Issues, "High temperature + humidity = Accelerated spoilage risk")
		rep.Recommendations = append(rep.Recommendations, "High temp + moisture combination is dangerous")
	}

	if len(history) >= trendWindow {
		recent := history[len(history)-trendWindow:]
		var sum float64
		for _, h := range recent {
			sum += h.Humidity
		}
		delta := r.Humidity - sum/float64(len(recent))

		switch {
		case delta > trendDelta:
			rep.Issues = append(rep.Issues, fmt.Sprintf("Humidity rising rapidly (+%.1f%% in last hour)", delta))
			rep.Recommendations = append(rep.Recommendations, "Investigate source of moisture increase")
		case delta < -trendDelta:
			rep.Recommendations = append(rep.Recommendations, fmt.Sprintf("Good: Humidity decreasing (-%.1f%% in last hour)", math.Abs(delta)))
		}
	}

	rep.Score = clamp(rep.Score, 0, 100)
	return rep
}

// NeedsAttention reports whether the grade is bad enough to warrant an
// operator alert.
func (r Report) NeedsAttention() bool {
	return r.Score < alertScore
}

// Summary is the dashboard projection of a report
type Summary struct {
	Summary    string         `json:"summary"`
	Grade      string         `json:"grade"`
	Score      int            `json:"score"`
	Color      string         `json:"color"`
	Humidity   string         `json:"humidity"`
	ShelfLife  string         `json:"shelfLife"`
	IssueCount int            `json:"issueCount"`
	HasIssues  bool           `json:"hasIssues"`
	Attention  bool           `json:"needsAttention"`
	Details    SummaryDetails `json:"details"`
}

type SummaryDetails struct {
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

func Summarize(r Report) Summary {
	return Summary{
		Summary:    fmt.Sprintf("%s - Quality Score: %d/100", r.Status, r.Score),
		Grade:      r.Grade,
		Score:      r.Score,
		Color:      r.Color,
		Humidity:   fmt.Sprintf("%g%%", r.Humidity),
		ShelfLife:  r.EstimatedShelfLife,
		IssueCount: len(r.Issues),
		HasIssues:  len(r.Issues) > 0,
		Attention:  r.NeedsAttention(),
		Details: SummaryDetails{
			Issues:          r.Issues,
			Recommendations: r.Recommendations,
		},
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
