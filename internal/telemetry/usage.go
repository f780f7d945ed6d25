// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// USAGE TRACKER
// =============================================================================

// Outcome describes how an exchange ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// maxSlowest bounds the number of slowest exchanges kept per tracker.
const maxSlowest = 10

// ExchangeRecord describes one request/response exchange.
type ExchangeRecord struct {
	Timestamp     time.Time     `json:"timestamp"`
	SessionID     string        `json:"session_id"`
	Model         string        `json:"model"`
	Outcome       Outcome       `json:"outcome"`
	Fragments     int           `json:"fragments"`
	Bytes         int           `json:"bytes"`
	ParseErrors   int           `json:"parse_errors"`
	FirstFragment time.Duration `json:"first_fragment"`
	Duration      time.Duration `json:"duration"`
}

// UsageSummary aggregates exchanges since the tracker started.
type UsageSummary struct {
	Since       time.Time        `json:"since"`
	Exchanges   int              `json:"exchanges"`
	ByOutcome   map[Outcome]int  `json:"by_outcome"`
	Fragments   int              `json:"fragments"`
	Bytes       int              `json:"bytes"`
	ParseErrors int              `json:"parse_errors"`
	AvgDuration time.Duration    `json:"avg_duration"`
	AvgFirst    time.Duration    `json:"avg_first_fragment"`
	Slowest     []ExchangeRecord `json:"slowest"`
	Daily       []DailyUsage     `json:"daily"`
}

// DailyUsage aggregates exchanges for a single day.
type DailyUsage struct {
	Date      time.Time `json:"date"`
	Exchanges int       `json:"exchanges"`
	Bytes     int       `json:"bytes"`
}

// UsageTracker aggregates exchange statistics in memory.
type UsageTracker struct {
	mu        sync.RWMutex
	since     time.Time
	count     int
	byOutcome map[Outcome]int
	fragments int
	bytes     int
	parseErrs int
	totalDur  time.Duration
	totalTTFF time.Duration
	withFirst int
	slowest   []ExchangeRecord
	daily     map[string]*DailyUsage
	now       func() time.Time
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		since:     time.Now(),
		byOutcome: make(map[Outcome]int),
		daily:     make(map[string]*DailyUsage),
		now:       time.Now,
	}
}

// Record adds an exchange. A zero Timestamp is set to now.
func (t *UsageTracker) Record(rec ExchangeRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now()
	}

	t.count++
	t.byOutcome[rec.Outcome]++
	t.fragments += rec.Fragments
	t.bytes += rec.Bytes
	t.parseErrs += rec.ParseErrors
	t.totalDur += rec.Duration
	if rec.Fragments > 0 {
		t.totalTTFF += rec.FirstFragment
		t.withFirst++
	}

	t.slowest = append(t.slowest, rec)
	sort.SliceStable(t.slowest, func(i, j int) bool {
		return t.slowest[i].Duration > t.slowest[j].Duration
	})
	if len(t.slowest) > maxSlowest {
		t.slowest = t.slowest[:maxSlowest]
	}

	key := rec.Timestamp.Format("2006-01-02")
	day, ok := t.daily[key]
	if !ok {
		y, m, d := rec.Timestamp.Date()
		day = &DailyUsage{Date: time.Date(y, m, d, 0, 0, 0, 0, rec.Timestamp.Location())}
		t.daily[key] = day
	}
	day.Exchanges++
	day.Bytes += rec.Bytes
}

// Summary returns a copy of the aggregated statistics.
func (t *UsageTracker) Summary() UsageSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := UsageSummary{
		Since:       t.since,
		Exchanges:   t.count,
		ByOutcome:   make(map[Outcome]int, len(t.byOutcome)),
		Fragments:   t.fragments,
		Bytes:       t.bytes,
		ParseErrors: t.parseErrs,
		Slowest:     append([]ExchangeRecord(nil), t.slowest...),
		Daily:       make([]DailyUsage, 0, len(t.daily)),
	}
	for k, v := range t.byOutcome {
		s.ByOutcome[k] = v
	}
	if t.count > 0 {
		s.AvgDuration = t.totalDur / time.Duration(t.count)
	}
	if t.withFirst > 0 {
		s.AvgFirst = t.totalTTFF / time.Duration(t.withFirst)
	}
	for _, d := range t.daily {
		s.Daily = append(s.Daily, *d)
	}
	sort.Slice(s.Daily, func(i, j int) bool { return s.Daily[i].Date.Before(s.Daily[j].Date) })
	return s
}
