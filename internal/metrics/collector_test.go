package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockStatsProvider struct {
	mu    sync.Mutex
	stats Stats
	err   error
	calls int
}

func (m *mockStatsProvider) GetStats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.stats, m.err
}

func (m *mockStatsProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestNewCollector(t *testing.T) {
	provider := &mockStatsProvider{}
	collector := NewCollector(provider, 5*time.Second)

	if collector.statsProvider != provider {
		t.Error("statsProvider not set correctly")
	}
	if collector.interval != 5*time.Second {
		t.Errorf("interval = %v, want 5s", collector.interval)
	}
	if collector.stopChan == nil {
		t.Error("stopChan not initialized")
	}
}

func TestCollectorStartStop(t *testing.T) {
	provider := &mockStatsProvider{stats: Stats{
		ByStatus:      map[string]int{"relinked": 3, "committed": 7},
		LedgerEntries: 2,
	}}
	collector := NewCollector(provider, 20*time.Millisecond)

	collector.Start()
	time.Sleep(70 * time.Millisecond)
	collector.Stop()

	if provider.callCount() < 2 {
		t.Errorf("provider called %d times, want at least 2", provider.callCount())
	}
}

func TestCollectorHandlesErrorsAndNilProvider(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("collect panicked: %v", r)
		}
	}()

	NewCollector(nil, time.Second).collect()
	NewCollector(&mockStatsProvider{err: errors.New("db gone")}, time.Second).collect()
}
