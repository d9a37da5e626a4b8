package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/shaneisley/simplerest/pkg/metrics"
)

// Store keeps a bounded in-memory window of exchange records and
// aggregates them on demand. It satisfies rest.Recorder.
type Store struct {
	mu          sync.RWMutex
	records     []Record
	maxSize     int
	maxAge      time.Duration
	lastCleanup time.Time
}

// Record is one stored exchange with the time it was recorded
type Record struct {
	Timestamp time.Time                `json:"timestamp"`
	Exchange  *metrics.ExchangeMetrics `json:"exchange"`
}

// Summary aggregates the exchanges of a time range
type Summary struct {
	TimeRange       TimeRange      `json:"time_range"`
	Exchanges       int            `json:"exchanges"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	SuccessRate     float64        `json:"success_rate"`
	AverageAttempts float64        `json:"average_attempts"`
	AverageDuration time.Duration  `json:"average_duration"`
	TopEndpoints    []EndpointStat `json:"top_endpoints"`
	Sessions        []SessionStat  `json:"sessions"`
}

// TimeRange bounds an aggregation
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// EndpointStat summarizes one method and URL pair
type EndpointStat struct {
	Method      string        `json:"method"`
	URL         string        `json:"url"`
	Count       int           `json:"count"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// SessionStat counts the exchanges sent over one session key
type SessionStat struct {
	SessionKey string `json:"session_key"`
	Exchanges  int    `json:"exchanges"`
	Retries    int    `json:"retries"`
}

// New creates a store holding at most maxSize records younger than maxAge
func New(maxSize int, maxAge time.Duration) *Store {
	return &Store{
		records:     make([]Record, 0, maxSize),
		maxSize:     maxSize,
		maxAge:      maxAge,
		lastCleanup: time.Now(),
	}
}

// Record stores m
func (s *Store) Record(_ context.Context, m *metrics.ExchangeMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, Record{Timestamp: time.Now(), Exchange: m})
	s.cleanupIfNeeded()
	return nil
}

// Recent returns the last limit records, oldest first. A limit <= 0 returns all.
func (s *Store) Recent(limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}

	result := make([]Record, limit)
	copy(result, s.records[len(s.records)-limit:])
	return result
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Summarize aggregates the records in [start, end]
func (s *Store) Summarize(start, end time.Time) *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &Summary{TimeRange: TimeRange{Start: start, End: end}}

	var totalDuration time.Duration
	var totalAttempts int
	endpoints := make(map[string]*EndpointStat)
	sessions := make(map[string]*SessionStat)

	for _, rec := range s.records {
		if rec.Timestamp.Before(start) || rec.Timestamp.After(end) {
			continue
		}
		m := rec.Exchange
		success := m.FinalStatus == "succeeded"
		duration := time.Duration(m.TotalDurationSeconds * float64(time.Second))

		summary.Exchanges++
		if success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		totalDuration += duration
		totalAttempts += m.TotalAttempts

		ep, ok := endpoints[m.URLHash]
		if !ok {
			ep = &EndpointStat{Method: m.Method, URL: m.URL}
			endpoints[m.URLHash] = ep
		}
		ep.Count++
		hit := 0.0
		if success {
			hit = 1.0
		}
		ep.SuccessRate += (hit - ep.SuccessRate) / float64(ep.Count)
		ep.AvgDuration += (duration - ep.AvgDuration) / time.Duration(ep.Count)

		ss, ok := sessions[m.SessionKey]
		if !ok {
			ss = &SessionStat{SessionKey: m.SessionKey}
			sessions[m.SessionKey] = ss
		}
		ss.Exchanges++
		if m.TotalAttempts > 1 {
			ss.Retries += m.TotalAttempts - 1
		}
	}

	if summary.Exchanges > 0 {
		summary.SuccessRate = float64(summary.Succeeded) / float64(summary.Exchanges)
		summary.AverageAttempts = float64(totalAttempts) / float64(summary.Exchanges)
		summary.AverageDuration = totalDuration / time.Duration(summary.Exchanges)
	}
	summary.TopEndpoints = sortEndpoints(endpoints)
	summary.Sessions = sortSessions(sessions)

	return summary
}

// ExportJSON exports every stored record
func (s *Store) ExportJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return json.MarshalIndent(s.records, "", "  ")
}

// Clear removes all records
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = s.records[:0]
}

// cleanupIfNeeded enforces maxSize on every call and maxAge at most every
// five minutes. The lock must be held.
func (s *Store) cleanupIfNeeded() {
	now := time.Now()
	if s.maxAge > 0 && now.Sub(s.lastCleanup) >= 5*time.Minute {
		s.lastCleanup = now
		cutoff := now.Add(-s.maxAge)

		kept := s.records[:0]
		for _, rec := range s.records {
			if rec.Timestamp.After(cutoff) {
				kept = append(kept, rec)
			}
		}
		s.records = kept
	}

	if s.maxSize > 0 && len(s.records) > s.maxSize {
		excess := len(s.records) - s.maxSize
		s.records = append(s.records[:0], s.records[excess:]...)
	}
}

// sortEndpoints orders endpoints by count, keeping the top 10
func sortEndpoints(endpoints map[string]*EndpointStat) []EndpointStat {
	stats := make([]EndpointStat, 0, len(endpoints))
	for _, stat := range endpoints {
		stats = append(stats, *stat)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].URL < stats[j].URL
	})

	if len(stats) > 10 {
		stats = stats[:10]
	}
	return stats
}

func sortSessions(sessions map[string]*SessionStat) []SessionStat {
	stats := make([]SessionStat, 0, len(sessions))
	for _, stat := range sessions {
		stats = append(stats, *stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].SessionKey < stats[j].SessionKey
	})
	return stats
}
