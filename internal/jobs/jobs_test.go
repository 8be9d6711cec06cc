package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMaintainer struct {
	mu        sync.Mutex
	calls     map[string]int
	threshold time.Duration
	retention time.Duration
}

func newFakeMaintainer() *fakeMaintainer {
	return &fakeMaintainer{calls: make(map[string]int)}
}

func (f *fakeMaintainer) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeMaintainer) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeMaintainer) ReapStale(_ context.Context, threshold time.Duration) (int, error) {
	f.mu.Lock()
	f.threshold = threshold
	f.mu.Unlock()
	f.hit("reap")
	return 1, nil
}

func (f *fakeMaintainer) SweepAll(context.Context) (int, error) {
	f.hit("sweep")
	return 0, nil
}

func (f *fakeMaintainer) RecomputeAll(context.Context) (int, error) {
	f.hit("recompute")
	return 2, nil
}

func (f *fakeMaintainer) PingAll(context.Context) (int, error) {
	f.hit("ping")
	return 0, nil
}

func (f *fakeMaintainer) Prune(_ context.Context, retention time.Duration) (int, error) {
	f.mu.Lock()
	f.retention = retention
	f.mu.Unlock()
	f.hit("prune")
	return 0, nil
}

func eventuallyCount(t *testing.T, m *fakeMaintainer, name string, want int) {
	t.Helper()
	assert.Eventually(t, func() bool { return m.count(name) == want }, time.Second, 5*time.Millisecond,
		"%s should have run %d times", name, want)
}

func TestScheduler_RunsStandardJobsOnTheirIntervals(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newFakeMaintainer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewScheduler(clock, Standard(m, Config{})...)
	s.Start(ctx)

	blockCtx, blockCancel := context.WithTimeout(ctx, time.Second)
	defer blockCancel()
	require.NoError(t, clock.BlockUntilContext(blockCtx, 5))

	clock.Advance(30 * time.Second)
	eventuallyCount(t, m, "sweep", 1)
	assert.Equal(t, 0, m.count("reap"))

	clock.Advance(30 * time.Second)
	eventuallyCount(t, m, "sweep", 2)
	eventuallyCount(t, m, "reap", 1)
	eventuallyCount(t, m, "recompute", 1)
	assert.Equal(t, 0, m.count("ping"))
	assert.Equal(t, 0, m.count("prune"))

	m.mu.Lock()
	assert.Equal(t, 15*time.Minute, m.threshold)
	m.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_FailingJobKeepsTicking(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	runs := 0
	s := NewScheduler(clock, Job{
		Name:     "flaky",
		Interval: time.Second,
		Run: func(context.Context) (int, error) {
			mu.Lock()
			defer mu.Unlock()
			runs++
			return 0, errors.New("database unavailable")
		},
	}, Job{Name: "disabled"})
	s.Start(ctx)

	blockCtx, blockCancel := context.WithTimeout(ctx, time.Second)
	defer blockCancel()
	require.NoError(t, clock.BlockUntilContext(blockCtx, 1))

	for i := 1; i <= 3; i++ {
		clock.Advance(time.Second)
		want := i
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return runs == want
		}, time.Second, 5*time.Millisecond)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{SweepInterval: 5 * time.Second, Retention: time.Hour}.withDefaults()
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, time.Hour, cfg.Retention)
	assert.Equal(t, 15*time.Minute, cfg.StaleThreshold)
	assert.Equal(t, time.Minute, cfg.ReapInterval)

	jobs := Standard(newFakeMaintainer(), Config{})
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
		assert.Positive(t, j.Interval)
	}
	assert.Equal(t, []string{"reap", "sweep", "recompute", "ping", "prune"}, names)
}
