package stats

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Provider returns a JSON-encodable snapshot of one component's statistics
type Provider func() any

// StatsCollector gathers application-wide statistics from registered
// components
type StatsCollector struct {
	StartTime time.Time

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		StartTime: time.Now(),
		providers: make(map[string]Provider),
	}
}

// Register adds or replaces the provider reported under name
func (s *StatsCollector) Register(name string, p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[name] = p
}

// Names returns the registered provider names in order
func (s *StatsCollector) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"uptime":     time.Since(s.StartTime).String(),
		"start_time": s.StartTime,
	}
	for name, p := range s.providers {
		stats[name] = p()
	}
	return stats
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate returns count per second of uptime
func (s *StatsCollector) CalculateRate(count uint64) float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(count) / uptime
}

// ServeHTTP writes the stats as JSON
func (s *StatsCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := s.GetStatsJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
