package metrics

import (
	"sort"
	"sync"
	"time"
)

// LiveStats is the latest in-memory view of one (api, env) stream.
type LiveStats struct {
	APIName      string    `json:"api_name"`
	Environment  string    `json:"environment"`
	Count        int       `json:"count"`
	ErrorRate    float64   `json:"error_rate"`
	MeanLatency  float64   `json:"mean_latency"`
	LastSeverity string    `json:"last_severity,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store keeps LiveStats per api|env key and evicts the stalest key once
// limit is exceeded.
type Store struct {
	mu    sync.RWMutex
	byKey map[string]LiveStats
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{byKey: make(map[string]LiveStats), limit: limit}
}

func (s *Store) Update(stats LiveStats) {
	if stats.APIName == "" {
		return
	}
	if stats.UpdatedAt.IsZero() {
		stats.UpdatedAt = time.Now().UTC()
	}
	key := stats.APIName + "|" + stats.Environment
	s.mu.Lock()
	defer s.mu.Unlock()
	if stats.LastSeverity == "" {
		stats.LastSeverity = s.byKey[key].LastSeverity
	}
	s.byKey[key] = stats
	if len(s.byKey) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(apiName, environment string) (LiveStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byKey[apiName+"|"+environment]
	return st, ok
}

// GetAll returns every key sorted by api then environment.
func (s *Store) GetAll() []LiveStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LiveStats, 0, len(s.byKey))
	for _, st := range s.byKey {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].APIName != out[j].APIName {
			return out[i].APIName < out[j].APIName
		}
		return out[i].Environment < out[j].Environment
	})
	return out
}

func (s *Store) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, st := range s.byKey {
		if oldestKey == "" || st.UpdatedAt.Before(oldest) {
			oldestKey = key
			oldest = st.UpdatedAt
		}
	}
	if oldestKey != "" {
		delete(s.byKey, oldestKey)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey = make(map[string]LiveStats)
}
