package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"hookflow/internal/dispatch"
	"hookflow/internal/domain"
	"hookflow/internal/store"
	"hookflow/internal/wake"
)

func TestNextTrigger(t *testing.T) {
	base := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		old      time.Time
		interval int64
		now      time.Time
		want     time.Time
	}{
		{
			name:     "no missed ticks",
			old:      base,
			interval: 10,
			now:      base.Add(time.Second),
			want:     base.Add(10 * time.Second),
		},
		{
			name:     "one missed tick skips ahead",
			old:      base,
			interval: 10,
			now:      base.Add(15 * time.Second),
			want:     base.Add(20 * time.Second),
		},
		{
			name:     "long downtime jumps to next future tick, no burst",
			old:      base,
			interval: 10,
			now:      base.Add(95 * time.Second),
			want:     base.Add(100 * time.Second),
		},
		{
			name:     "now exactly on a tick moves to the following one",
			old:      base,
			interval: 10,
			now:      base.Add(30 * time.Second),
			want:     base.Add(40 * time.Second),
		},
		{
			name:     "claim right at trigger time",
			old:      base,
			interval: 60,
			now:      base,
			want:     base.Add(time.Minute),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := NextTrigger(tc.old, tc.interval, tc.now)
			assert.True(t, got.Equal(tc.want), "got %v want %v", got, tc.want)
			assert.True(t, got.After(tc.now), "next trigger must be strictly in the future")
		})
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		filepath.Join(t.TempDir(), "test.db"))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, store.EnsureSchema(db))
	return store.NewSQLite(db)
}

// startLoop wires a real store, dispatcher and loop, and tears all of it
// down with the test.
func startLoop(t *testing.T, st store.Store, sig *wake.Signal, dcfg dispatch.Config) {
	t.Helper()
	disp := dispatch.New(st, dcfg)
	disp.Start()
	loop := New(st, disp, sig, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		disp.Close(2 * time.Second)
	})
}

func TestOnceTaskFiresAndRetires(t *testing.T) {
	st := newTestStore(t)
	sig := wake.New()

	hits := make(chan struct{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		fmt.Fprint(w, "delivered")
	}))
	t.Cleanup(srv.Close)

	startLoop(t, st, sig, dispatch.Config{
		Workers: 2, MaxAttempts: 1, AttemptTimeout: 2 * time.Second, BackoffBase: time.Millisecond,
	})

	id, err := st.Create(context.Background(), domain.Task{
		Name:      "fire-once",
		Kind:      domain.KindOnce,
		TriggerAt: time.Now(),
		Payload:   domain.WebhookCall{URL: srv.URL, Method: "POST"},
	})
	require.NoError(t, err)
	sig.Notify()

	select {
	case <-hits:
	case <-time.After(3 * time.Second):
		t.Fatal("webhook was never called")
	}

	require.Eventually(t, func() bool {
		got, err := st.Get(context.Background(), id)
		return err == nil && got.DeletedAt != nil
	}, 3*time.Second, 20*time.Millisecond, "once task should retire after its single firing")

	execs, err := st.ListExecutions(context.Background(), id, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1, "exactly one execution")
	assert.Equal(t, domain.StatusSuccess, execs[0].Status)
	assert.Equal(t, "delivered", execs[0].Output)

	// Retired task never fires again, whatever the loop does next.
	time.Sleep(150 * time.Millisecond)
	select {
	case <-hits:
		t.Fatal("retired task fired again")
	default:
	}
}

func TestIntervalTaskKeepsTickingOnFailure(t *testing.T) {
	st := newTestStore(t)
	sig := wake.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	startLoop(t, st, sig, dispatch.Config{
		Workers: 2, MaxAttempts: 2, AttemptTimeout: time.Second, BackoffBase: time.Millisecond,
	})

	start := time.Now()
	id, err := st.Create(context.Background(), domain.Task{
		Name:            "flaky",
		Kind:            domain.KindInterval,
		TriggerAt:       start.Add(-time.Second),
		IntervalSeconds: 3600,
		Payload:         domain.WebhookCall{URL: srv.URL},
	})
	require.NoError(t, err)
	sig.Notify()

	require.Eventually(t, func() bool {
		execs, err := st.ListExecutions(context.Background(), id, 10)
		return err == nil && len(execs) == 1
	}, 3*time.Second, 20*time.Millisecond)

	execs, err := st.ListExecutions(context.Background(), id, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1, "retries happen within one firing, not as new executions")
	assert.Equal(t, domain.StatusFailure, execs[0].Status)
	assert.Contains(t, execs[0].Output, "HTTP 500")

	got, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt, "interval task survives a failed firing")
	assert.Nil(t, got.ClaimedAt)
	assert.True(t, got.TriggerAt.After(start), "rescheduled to a future tick")
}

// An interval task running through several live cycles must fire once
// per interval, roughly an interval apart, and end up rescheduled past
// its last firing.
func TestIntervalTaskFiresEveryInterval(t *testing.T) {
	st := newTestStore(t)
	sig := wake.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(srv.Close)

	// Wired by hand instead of startLoop: the loop has to stop before the
	// execution count is pinned down.
	disp := dispatch.New(st, dispatch.Config{Workers: 2, MaxAttempts: 1, AttemptTimeout: time.Second})
	disp.Start()
	loop := New(st, disp, sig, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()

	id, err := st.Create(context.Background(), domain.Task{
		Name:            "steady",
		Kind:            domain.KindInterval,
		TriggerAt:       time.Now(),
		IntervalSeconds: 1,
		Payload:         domain.WebhookCall{URL: srv.URL, Method: "POST"},
	})
	require.NoError(t, err)
	sig.Notify()

	require.Eventually(t, func() bool {
		execs, err := st.ListExecutions(context.Background(), id, 10)
		return err == nil && len(execs) >= 3
	}, 5*time.Second, 20*time.Millisecond, "expected three firings")

	cancel()
	<-done
	disp.Close(2 * time.Second)

	execs, err := st.ListExecutions(context.Background(), id, 10)
	require.NoError(t, err)
	require.Len(t, execs, 3, "one execution per elapsed interval, no bursting")
	for _, e := range execs {
		assert.Equal(t, domain.StatusSuccess, e.Status)
	}
	// Newest first; consecutive firings sit roughly one interval apart.
	for i := 0; i < len(execs)-1; i++ {
		gap := execs[i].ExecutedAt.Sub(execs[i+1].ExecutedAt)
		assert.InDelta(t, float64(time.Second), float64(gap), float64(400*time.Millisecond),
			"gap between firings was %v", gap)
	}

	got, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, got.ClaimedAt)
	assert.True(t, got.TriggerAt.After(execs[0].ExecutedAt), "rescheduled past the last firing")
}

func TestShutdownLeavesLoopHealthy(t *testing.T) {
	st := newTestStore(t)
	disp := dispatch.New(st, dispatch.Config{Workers: 1})
	disp.Start()
	t.Cleanup(func() { disp.Close(time.Second) })

	loop := New(st, disp, wake.New(), 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
	assert.True(t, loop.Healthy(), "cancellation is shutdown, not a storage failure")
}

func TestSoftDeletedTaskNeverFires(t *testing.T) {
	st := newTestStore(t)
	sig := wake.New()

	fired := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fired <- struct{}{}
	}))
	t.Cleanup(srv.Close)

	// Create and delete before the loop exists, so the trigger is already
	// past when scheduling starts.
	id, err := st.Create(context.Background(), domain.Task{
		Name:      "ghost",
		Kind:      domain.KindOnce,
		TriggerAt: time.Now().Add(-time.Minute),
		Payload:   domain.WebhookCall{URL: srv.URL},
	})
	require.NoError(t, err)
	require.NoError(t, st.SoftDelete(context.Background(), id))

	startLoop(t, st, sig, dispatch.Config{Workers: 1, MaxAttempts: 1, AttemptTimeout: time.Second})
	sig.Notify()

	select {
	case <-fired:
		t.Fatal("soft-deleted task must never be claimed")
	case <-time.After(300 * time.Millisecond):
	}
}
