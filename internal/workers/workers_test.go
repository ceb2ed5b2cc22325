package workers

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
)

func TestCount(t *testing.T) {
	t.Setenv(EnvOverride, "")

	availableCPU := runtime.GOMAXPROCS(0)

	tests := []struct {
		name       string
		multiplier float64
		limit      int
		minExpect  int
		maxExpect  int
	}{
		{
			name:       "CPU-bound task (1.0x multiplier)",
			multiplier: 1.0,
			limit:      0,
			minExpect:  1,
			maxExpect:  availableCPU,
		},
		{
			name:       "I/O-bound task (2.0x multiplier)",
			multiplier: 2.0,
			limit:      0,
			minExpect:  1,
			maxExpect:  availableCPU * 2,
		},
		{
			name:       "limit caps the count",
			multiplier: 4.0,
			limit:      1,
			minExpect:  1,
			maxExpect:  1,
		},
		{
			name:       "tiny multiplier still yields one worker",
			multiplier: 0.01,
			limit:      0,
			minExpect:  1,
			maxExpect:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Count(tt.multiplier, tt.limit)
			if got < tt.minExpect || got > tt.maxExpect {
				t.Errorf("Count(%v, %d) = %d, want between %d and %d",
					tt.multiplier, tt.limit, got, tt.minExpect, tt.maxExpect)
			}
		})
	}
}

func TestCountWithEnvOverride(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		limit    int
		expected int
	}{
		{name: "override applies", envValue: "6", limit: 0, expected: 6},
		{name: "override capped by limit", envValue: "32", limit: 8, expected: 8},
		{name: "invalid override ignored", envValue: "many", limit: 1, expected: 1},
		{name: "zero override ignored", envValue: "0", limit: 1, expected: 1},
		{name: "negative override ignored", envValue: "-3", limit: 1, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvOverride, tt.envValue)
			if got := Count(2.0, tt.limit); got != tt.expected {
				t.Errorf("Count() with %s=%q = %d, want %d", EnvOverride, tt.envValue, got, tt.expected)
			}
		})
	}
}

func TestForCPUAndForIO(t *testing.T) {
	t.Setenv(EnvOverride, "")

	cpu := ForCPU(0)
	io := ForIO(0)
	if cpu != runtime.GOMAXPROCS(0) {
		t.Errorf("ForCPU(0) = %d, want GOMAXPROCS", cpu)
	}
	if io < cpu {
		t.Errorf("ForIO(0) = %d, less than ForCPU(0) = %d", io, cpu)
	}
	if got := ForIO(1); got != 1 {
		t.Errorf("ForIO(1) = %d, want 1", got)
	}
}

func TestEach(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	var sum atomic.Int64
	boom := errors.New("boom")

	errs := Each(context.Background(), 3, items, func(_ context.Context, v int) error {
		sum.Add(int64(v))
		if v%4 == 0 {
			return boom
		}
		return nil
	})

	if sum.Load() != 36 {
		t.Errorf("sum = %d, want 36", sum.Load())
	}
	if len(errs) != len(items) {
		t.Fatalf("len(errs) = %d", len(errs))
	}
	for i, err := range errs {
		want := items[i]%4 == 0
		if (err != nil) != want {
			t.Errorf("errs[%d] = %v", i, err)
		}
	}
}

func TestEachCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	errs := Each(ctx, 2, []string{"a", "b", "c"}, func(context.Context, string) error {
		calls.Add(1)
		return nil
	})
	if calls.Load() != 0 {
		t.Errorf("fn called %d times after cancellation", calls.Load())
	}
	for i, err := range errs {
		if !errors.Is(err, context.Canceled) {
			t.Errorf("errs[%d] = %v", i, err)
		}
	}
}

func TestEachZeroWorkers(t *testing.T) {
	errs := Each(context.Background(), 0, []int{1}, func(context.Context, int) error { return nil })
	if len(errs) != 1 || errs[0] != nil {
		t.Errorf("Each with n=0 = %v", errs)
	}
}
