package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/instrument-catalog/internal/catalog"
	"github.com/Checker-Finance/instrument-catalog/internal/lease"
	"github.com/Checker-Finance/instrument-catalog/internal/metrics"
)

var ist = time.FixedZone("IST", 5*3600+30*60)

type fakeCatalog struct {
	ensureCalls  atomic.Int32
	refreshCalls atomic.Int32
	purgeCalls   atomic.Int32

	block   chan struct{}
	entered chan struct{}
	err     error
}

func (f *fakeCatalog) EnsureFresh(context.Context) (bool, error) {
	f.ensureCalls.Add(1)
	return f.err == nil, f.err
}

func (f *fakeCatalog) Refresh(context.Context) (*catalog.Build, error) {
	f.refreshCalls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &catalog.Build{ID: "b1"}, nil
}

func (f *fakeCatalog) Purge(context.Context) error {
	f.purgeCalls.Add(1)
	return f.err
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func TestNextRun(t *testing.T) {
	at := TimeOfDay{Hour: 8, Minute: 0}
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before today", time.Date(2025, 12, 1, 7, 30, 0, 0, ist), time.Date(2025, 12, 1, 8, 0, 0, 0, ist)},
		{"exactly at", time.Date(2025, 12, 1, 8, 0, 0, 0, ist), time.Date(2025, 12, 2, 8, 0, 0, 0, ist)},
		{"after today", time.Date(2025, 12, 1, 9, 0, 0, 0, ist), time.Date(2025, 12, 2, 8, 0, 0, 0, ist)},
		{"utc input crosses ist midnight", time.Date(2025, 12, 31, 20, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 8, 0, 0, 0, ist)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextRun(tt.now, at, ist)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	got, err := ParseTimeOfDay("15:45")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay{Hour: 15, Minute: 45}, got)
	assert.Equal(t, "15:45", got.String())

	_, err = ParseTimeOfDay("25:00")
	assert.Error(t, err)
}

func TestMissed(t *testing.T) {
	sched := time.Date(2025, 12, 1, 8, 0, 0, 0, ist)
	assert.False(t, Missed(sched, sched.Add(4*time.Minute), 5*time.Minute))
	assert.False(t, Missed(sched, sched.Add(5*time.Minute), 5*time.Minute))
	assert.True(t, Missed(sched, sched.Add(6*time.Minute), 5*time.Minute))
}

func TestTriggerRefresh_OverlapIsNoop(t *testing.T) {
	cat := &fakeCatalog{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := New(cat, Config{Location: ist}, nil)

	firstDone := make(chan bool, 1)
	go func() {
		ran, err := s.TriggerRefresh(context.Background())
		assert.NoError(t, err)
		firstDone <- ran
	}()
	<-cat.entered

	before := testutil.ToFloat64(metrics.JobRuns.WithLabelValues(JobRefresh, "skipped"))
	ran, err := s.TriggerRefresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.JobRuns.WithLabelValues(JobRefresh, "skipped")))

	close(cat.block)
	assert.True(t, <-firstDone)
	assert.Equal(t, int32(1), cat.refreshCalls.Load())
}

func TestTriggerRefresh_LeaseHeldElsewhere(t *testing.T) {
	locker := lease.NewLocal()
	_, ok, err := locker.Acquire(context.Background(), refreshLeaseKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	cat := &fakeCatalog{}
	s := New(cat, Config{Location: ist}, nil, WithLease(locker))

	ran, err := s.TriggerRefresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, cat.refreshCalls.Load())
}

func TestTriggerRefresh_ReleasesLease(t *testing.T) {
	locker := lease.NewLocal()
	cat := &fakeCatalog{}
	s := New(cat, Config{Location: ist}, nil, WithLease(locker))

	ran, err := s.TriggerRefresh(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	_, ok, err := locker.Acquire(context.Background(), refreshLeaseKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTriggerRefresh_Error(t *testing.T) {
	cat := &fakeCatalog{err: errors.New("upstream down")}
	s := New(cat, Config{Location: ist}, nil)

	ran, err := s.TriggerRefresh(context.Background())
	assert.EqualError(t, err, "upstream down")
	assert.False(t, ran)

	// guard is released after a failure
	cat.err = nil
	ran, err = s.TriggerRefresh(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestTriggerPurge(t *testing.T) {
	cat := &fakeCatalog{}
	s := New(cat, Config{Location: ist}, nil)
	require.NoError(t, s.TriggerPurge(context.Background()))
	assert.Equal(t, int32(1), cat.purgeCalls.Load())
}

func TestLoop_RunsOnTimeAndSkipsLateFiring(t *testing.T) {
	clk := &clock{t: time.Date(2025, 12, 1, 7, 0, 0, 0, ist)}
	cat := &fakeCatalog{}
	s := New(cat, Config{Location: ist, MisfireGrace: 5 * time.Minute}, nil, WithClock(clk.Now))

	waits := make(chan time.Duration, 4)
	fire := make(chan time.Time)
	s.after = func(d time.Duration) (<-chan time.Time, func() bool) {
		waits <- d
		return fire, func() bool { return true }
	}

	runs := make(chan struct{}, 4)
	run := func(context.Context) error {
		runs <- struct{}{}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.loop(ctx, JobRefresh, TimeOfDay{Hour: 8}, run)
		close(done)
	}()

	assert.Equal(t, time.Hour, <-waits)

	// two minutes late: within grace
	clk.Set(time.Date(2025, 12, 1, 8, 2, 0, 0, ist))
	fire <- clk.Now()
	<-runs
	assert.Equal(t, 23*time.Hour+58*time.Minute, <-waits)

	// half an hour late: missed
	missedBefore := testutil.ToFloat64(metrics.JobRuns.WithLabelValues(JobRefresh, "missed"))
	clk.Set(time.Date(2025, 12, 2, 8, 30, 0, 0, ist))
	fire <- clk.Now()
	assert.Equal(t, 23*time.Hour+30*time.Minute, <-waits)
	assert.Len(t, runs, 0)
	assert.Equal(t, missedBefore+1, testutil.ToFloat64(metrics.JobRuns.WithLabelValues(JobRefresh, "missed")))

	cancel()
	<-done
}

func TestLoop_EarlyTimerDoesNotRefire(t *testing.T) {
	clk := &clock{t: time.Date(2025, 12, 1, 7, 59, 0, 0, ist)}
	s := New(&fakeCatalog{}, Config{Location: ist}, nil, WithClock(clk.Now))

	waits := make(chan time.Duration, 4)
	fire := make(chan time.Time)
	s.after = func(d time.Duration) (<-chan time.Time, func() bool) {
		waits <- d
		return fire, func() bool { return true }
	}
	var count atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.loop(ctx, JobPurge, TimeOfDay{Hour: 8}, func(context.Context) error {
			count.Add(1)
			return nil
		})
		close(done)
	}()

	assert.Equal(t, time.Minute, <-waits)
	fire <- clk.Now()
	// clock never moved, so the next run is tomorrow
	assert.Equal(t, 24*time.Hour+time.Minute, <-waits)
	assert.Equal(t, int32(1), count.Load())

	cancel()
	<-done
}

func TestStartStop_Idempotent(t *testing.T) {
	cat := &fakeCatalog{}
	s := New(cat, Config{Enabled: true, Location: ist, RefreshAt: TimeOfDay{Hour: 8}, PurgeAt: TimeOfDay{Hour: 15, Minute: 45}}, nil)

	first := s.Start(context.Background())
	second := s.Start(context.Background())
	assert.Same(t, first, second)

	s.Stop()
	s.Stop()
	assert.Zero(t, cat.ensureCalls.Load())
	assert.Zero(t, cat.purgeCalls.Load())
}

func TestStart_Disabled(t *testing.T) {
	s := New(&fakeCatalog{}, Config{Enabled: false}, nil)
	s.Start(context.Background())
	s.mu.Lock()
	assert.Nil(t, s.cancel)
	s.mu.Unlock()
	s.Stop()
}
