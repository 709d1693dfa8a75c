package metrics

import (
	"testing"
	"time"
)

func TestStoreEvictsStalest(t *testing.T) {
	s := NewStore(2)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s.Update(LiveStats{APIName: "/a", Environment: "prod", Count: 1, UpdatedAt: base})
	s.Update(LiveStats{APIName: "/b", Environment: "prod", Count: 1, UpdatedAt: base.Add(time.Second)})
	s.Update(LiveStats{APIName: "/c", Environment: "prod", Count: 1, UpdatedAt: base.Add(2 * time.Second)})
	if _, ok := s.Get("/a", "prod"); ok {
		t.Fatalf("expected /a evicted")
	}
	all := s.GetAll()
	if len(all) != 2 || all[0].APIName != "/b" {
		t.Fatalf("unexpected stats: %+v", all)
	}
}

func TestStoreKeepsLastSeverity(t *testing.T) {
	s := NewStore(10)
	s.Update(LiveStats{APIName: "/a", Environment: "prod", LastSeverity: "critical"})
	s.Update(LiveStats{APIName: "/a", Environment: "prod", Count: 5})
	st, ok := s.Get("/a", "prod")
	if !ok || st.LastSeverity != "critical" || st.Count != 5 {
		t.Fatalf("stats: %+v", st)
	}
}
