package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/SearchIngest/internal/store"
	"github.com/BTreeMap/SearchIngest/internal/testutil"
)

const testKind = "test"

type testParams struct {
	Name string `json:"name"`
	Key  string `json:"key,omitempty"`
}

type testState struct {
	Step int `json:"step"`
}

type testJob struct {
	Base[testParams, testState]
	h *harness
}

func (j *testJob) Kind() string { return testKind }

func (j *testJob) Key() string {
	if j.Params.Key != "" {
		return j.Params.Key
	}
	return j.Base.Key()
}

func (j *testJob) Describe() string { return "test job " + j.Params.Name }

func (j *testJob) Execute(ctx context.Context, jc *Context) (Result, error) {
	j.h.attempts.Add(1)
	return j.h.execute(ctx, jc, j)
}

func (j *testJob) OnSuccess(context.Context) {
	j.h.mu.Lock()
	defer j.h.mu.Unlock()
	j.h.succeeded = append(j.h.succeeded, j.Params.Name)
}

func (j *testJob) OnFailure(_ context.Context, reason error) {
	j.h.mu.Lock()
	defer j.h.mu.Unlock()
	j.h.failed = append(j.h.failed, j.Params.Name)
	j.h.reasons = append(j.h.reasons, reason)
}

func (j *testJob) RetryPolicy() RetryPolicy {
	if j.h.policy != nil {
		return j.h.policy
	}
	return j.Base.RetryPolicy()
}

// harness scripts testJob executions and records their outcomes.
type harness struct {
	execute  func(ctx context.Context, jc *Context, j *testJob) (Result, error)
	policy   RetryPolicy
	attempts atomic.Int32

	mu        sync.Mutex
	succeeded []string
	failed    []string
	reasons   []error
	steps     []int
}

func newHarness(exec func(ctx context.Context, jc *Context, j *testJob) (Result, error)) (*harness, *Registry) {
	h := &harness{execute: exec}
	reg := NewRegistry()
	reg.Register(testKind, func(parameters, state json.RawMessage) (Job, error) {
		j := &testJob{h: h}
		if err := j.Decode(parameters, state); err != nil {
			return nil, err
		}
		return j, nil
	})
	return h, reg
}

func (h *harness) snapshot() (succeeded, failed []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.succeeded...), append([]string(nil), h.failed...)
}

func (h *harness) record(step int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steps = append(h.steps, step)
}

func (h *harness) recorded() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.steps...)
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func startScheduler(t *testing.T, st store.Store, reg *Registry, cfg Config, clock *fakeClock) *Scheduler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(st, reg, cfg)
	if clock != nil {
		s.now = clock.Now
	}
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Wait()
	})
	return s
}

func fastConfig() Config {
	return Config{Workers: 2, QueueSize: 8, PromoteInterval: 5 * time.Millisecond, ReloadInterval: time.Hour}
}

func TestScheduler_RunSucceeds(t *testing.T) {
	st := store.NewInMemoryStore()
	h, reg := newHarness(func(context.Context, *Context, *testJob) (Result, error) {
		return Success(), nil
	})
	s := startScheduler(t, st, reg, fastConfig(), nil)

	id, err := s.Run(context.Background(), testKind, testParams{Name: "a", Key: "k1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a job id")
	}

	testutil.Eventually(t, 2*time.Second, func() bool {
		succeeded, _ := h.snapshot()
		return len(succeeded) == 1 && len(testutil.JobRows(t, st)) == 0 && !s.KeyExists("k1")
	}, "job succeeds, row deleted and key released")
	if n := s.CountRunning(testKind); n != 0 {
		t.Errorf("Expected no registered jobs, got %d", n)
	}
}

func TestScheduler_FailDeletesRow(t *testing.T) {
	st := store.NewInMemoryStore()
	boom := errors.New("boom")
	h, reg := newHarness(func(context.Context, *Context, *testJob) (Result, error) {
		return Fail(boom), nil
	})
	s := startScheduler(t, st, reg, fastConfig(), nil)

	if _, err := s.Run(context.Background(), testKind, testParams{Name: "a"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	testutil.Eventually(t, 2*time.Second, func() bool {
		_, failed := h.snapshot()
		return len(failed) == 1 && len(testutil.JobRows(t, st)) == 0
	}, "job fails and row is deleted")

	h.mu.Lock()
	defer h.mu.Unlock()
	if !errors.Is(h.reasons[0], boom) {
		t.Errorf("Expected failure reason %v, got %v", boom, h.reasons[0])
	}
}

func TestScheduler_ErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		success bool
	}{
		{name: "unexpected error fails", err: errors.New("broken invariant")},
		{name: "permanent remote error fails", err: fakeRemoteErr{recoverable: false}},
		{name: "stop success succeeds", err: Stop(Success()), success: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewInMemoryStore()
			h, reg := newHarness(func(context.Context, *Context, *testJob) (Result, error) {
				return Result{}, tt.err
			})
			s := startScheduler(t, st, reg, fastConfig(), nil)
			if _, err := s.Run(context.Background(), testKind, testParams{Name: "a"}); err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			testutil.Eventually(t, 2*time.Second, func() bool {
				succeeded, failed := h.snapshot()
				if tt.success {
					return len(succeeded) == 1
				}
				return len(failed) == 1
			}, "job reaches the classified outcome")
			testutil.Eventually(t, time.Second, func() bool {
				return len(testutil.JobRows(t, st)) == 0
			}, "row deleted")
		})
	}
}

func TestScheduler_PanicFailsJob(t *testing.T) {
	st := store.NewInMemoryStore()
	h, reg := newHarness(func(context.Context, *Context, *testJob) (Result, error) {
		panic("nil map")
	})
	s := startScheduler(t, st, reg, fastConfig(), nil)

	if _, err := s.Run(context.Background(), testKind, testParams{Name: "a"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	testutil.Eventually(t, 2*time.Second, func() bool {
		_, failed := h.snapshot()
		return len(failed) == 1 && len(testutil.JobRows(t, st)) == 0
	}, "panicking job fails")
}

func TestScheduler_ShortRetryStaysInMemory(t *testing.T) {
	st := store.NewInMemoryStore()
	h, reg := newHarness(func(_ context.Context, jc *Context, _ *testJob) (Result, error) {
		if jc.Retries() == 0 {
			return Result{}, fakeRemoteErr{recoverable: true}
		}
		return Success(), nil
	})
	h.policy = CountLimited{Max: 3, Period: 20 * time.Millisecond}
	s := startScheduler(t, st, reg, fastConfig(), nil)

	if _, err := s.Run(context.Background(), testKind, testParams{Name: "a", Key: "k"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	testutil.Eventually(t, 2*time.Second, func() bool {
		succeeded, _ := h.snapshot()
		return len(succeeded) == 1
	}, "job succeeds on its second attempt")
	if got := h.attempts.Load(); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
	testutil.Eventually(t, time.Second, func() bool {
		return len(testutil.JobRows(t, st)) == 0
	}, "row deleted after success")
}

func TestScheduler_LongRetryIsReloadedFromStorage(t *testing.T) {
	st := store.NewInMemoryStore()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	h, reg := newHarness(func(_ context.Context, jc *Context, _ *testJob) (Result, error) {
		if jc.Retries() == 0 {
			return Retry(errors.New("not yet")), nil
		}
		return Success(), nil
	})
	h.policy = CountLimited{Max: 3, Period: time.Hour}
	cfg := fastConfig()
	cfg.ReloadHorizon = time.Minute
	s := startScheduler(t, st, reg, cfg, clock)

	if _, err := s.Run(context.Background(), testKind, testParams{Name: "a", Key: "k"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	testutil.Eventually(t, 2*time.Second, func() bool {
		rows := testutil.JobRows(t, st)
		return len(rows) == 1 && rows[0].Retries == 1 && !s.KeyExists("k")
	}, "retry persisted and job dropped from memory")

	rows := testutil.JobRows(t, st)
	want := clock.Now().Add(time.Hour)
	if rows[0].WaitUntil == nil || !rows[0].WaitUntil.Equal(want) {
		t.Fatalf("Expected wait_until %v, got %v", want, rows[0].WaitUntil)
	}

	if n, err := s.Reload(context.Background()); err != nil || n != 0 {
		t.Fatalf("Expected nothing to reload before the wait expires, got %d, %v", n, err)
	}

	clock.Advance(2 * time.Hour)
	if n, err := s.Reload(context.Background()); err != nil || n != 1 {
		t.Fatalf("Expected one job reloaded, got %d, %v", n, err)
	}
	testutil.Eventually(t, 2*time.Second, func() bool {
		succeeded, _ := h.snapshot()
		return len(succeeded) == 1 && len(testutil.JobRows(t, st)) == 0
	}, "reloaded job succeeds")
}

func TestScheduler_RetryExhaustedFails(t *testing.T) {
	st := store.NewInMemoryStore()
	h, reg := newHarness(func(context.Context, *Context, *testJob) (Result, error) {
		return Retry(errors.New("still down")), nil
	})
	h.policy = CountLimited{Max: 2, Period: time.Millisecond}
	s := startScheduler(t, st, reg, fastConfig(), nil)

	if _, err := s.Run(context.Background(), testKind, testParams{Name: "a"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	testutil.Eventually(t, 2*time.Second, func() bool {
		_, failed := h.snapshot()
		return len(failed) == 1 && len(testutil.JobRows(t, st)) == 0
	}, "job gives up")

	if got := h.attempts.Load(); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !strings.Contains(h.reasons[0].Error(), "giving up") {
		t.Errorf("Expected give-up reason, got %v", h.reasons[0])
	}
}

func TestScheduler_NoRetryFailsImmediately(t *testing.T) {
	st := store.NewInMemoryStore()
	h, reg := newHarness(func(context.Context, *Context, *testJob) (Result, error) {
		return Retry(errors.New("later")), nil
	})
	h.policy = NoRetry{}
	s := startScheduler(t, st, reg, fastConfig(), nil)

	if _, err := s.Run(context.Background(), testKind, testParams{Name: "a"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	testutil.Eventually(t, 2*time.Second, func() bool {
		_, failed := h.snapshot()
		return len(failed) == 1
	}, "job fails on first retry request")
	if got := h.attempts.Load(); got != 1 {
		t.Errorf("Expected 1 attempt, got %d", got)
	}
}

func TestScheduler_OneRunningJobPerKey(t *testing.T) {
	st := store.NewInMemoryStore()
	var active, maxActive atomic.Int32
	h, reg := newHarness(func(context.Context, *Context, *testJob) (Result, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return Success(), nil
	})
	cfg := fastConfig()
	cfg.Workers = 4
	s := startScheduler(t, st, reg, cfg, nil)

	for _, name := range []string{"a", "b", "c"} {
		if _, err := s.Run(context.Background(), testKind, testParams{Name: name, Key: "shared"}); err != nil {
			t.Fatalf("Run %s failed: %v", name, err)
		}
	}
	if !s.KeyExists("shared") {
		t.Error("Expected shared key to be registered")
	}

	testutil.Eventually(t, 3*time.Second, func() bool {
		succeeded, _ := h.snapshot()
		return len(succeeded) == 3
	}, "all jobs succeed")
	if got := maxActive.Load(); got != 1 {
		t.Errorf("Expected at most one running job per key, saw %d", got)
	}
}

func TestScheduler_CheckpointResumesAfterCrash(t *testing.T) {
	st := store.NewInMemoryStore()
	var crash atomic.Bool
	crash.Store(true)
	blocked := make(chan struct{})

	h, reg := newHarness(func(ctx context.Context, jc *Context, j *testJob) (Result, error) {
		for j.Progress.Step < 4 {
			if j.Progress.Step == 2 && crash.Load() {
				close(blocked)
				<-ctx.Done()
				return Retry(ctx.Err()), nil
			}
			j.h.record(j.Progress.Step)
			j.Progress.Step++
			if err := jc.Checkpoint(ctx); err != nil {
				return Result{}, err
			}
		}
		return Success(), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	first := New(st, reg, fastConfig())
	first.Start(ctx)
	if _, err := first.Run(context.Background(), testKind, testParams{Name: "scan"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("job never reached the crash point")
	}
	cancel()
	first.Wait()

	rows := testutil.JobRows(t, st)
	if len(rows) != 1 {
		t.Fatalf("Expected the job row to survive the crash, got %d rows", len(rows))
	}
	if rows[0].State != `{"step":2}` || rows[0].Retries != 0 {
		t.Fatalf("Expected checkpointed state step 2 with no retries, got %q retries=%d", rows[0].State, rows[0].Retries)
	}

	crash.Store(false)
	startScheduler(t, st, reg, fastConfig(), nil)

	testutil.Eventually(t, 2*time.Second, func() bool {
		succeeded, _ := h.snapshot()
		return len(succeeded) == 1 && len(testutil.JobRows(t, st)) == 0
	}, "resumed job completes")

	steps := h.recorded()
	want := []int{0, 1, 2, 3}
	if len(steps) != len(want) {
		t.Fatalf("Expected steps %v, got %v", want, steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("Expected steps %v, got %v", want, steps)
		}
	}
}

func TestScheduler_ReloadSkipsUnknownKind(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	var ghostID string
	err := st.Update(ctx, func(tx store.Tx) error {
		var err error
		ghostID, err = tx.InsertJob(ctx, store.JobRow{Kind: "ghost", JobKey: "g", Parameters: "{}", State: "{}"})
		return err
	})
	if err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}

	_, reg := newHarness(nil)
	s := New(st, reg, fastConfig())
	n, err := s.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected no jobs loaded, got %d", n)
	}

	var row *store.JobRow
	if err := st.View(ctx, func(tx store.Tx) error {
		var err error
		row, err = tx.GetJob(ctx, ghostID)
		return err
	}); err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if row == nil {
		t.Error("Expected the unknown-kind row to be kept")
	}
}

func TestScheduler_ReloadSkipsRegisteredJobs(t *testing.T) {
	st := store.NewInMemoryStore()
	_, reg := newHarness(func(context.Context, *Context, *testJob) (Result, error) {
		return Success(), nil
	})
	// Not started: submitted attempts stay in the pool buffer.
	s := New(st, reg, fastConfig())

	if _, err := s.Run(context.Background(), testKind, testParams{Name: "a", Key: "k"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	n, err := s.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected registered job to be skipped, loaded %d", n)
	}
	if got := s.CountRunning(testKind); got != 1 {
		t.Errorf("Expected 1 registered job, got %d", got)
	}
	if got := s.Counts()[testKind]; got != 1 {
		t.Errorf("Expected Counts to report 1, got %d", got)
	}
}

func TestScheduler_RunWithRollsBack(t *testing.T) {
	st := store.NewInMemoryStore()
	_, reg := newHarness(nil)
	s := New(st, reg, fastConfig())

	_, err := s.RunWith(context.Background(), testKind, testParams{Name: "a", Key: "k"}, func(store.Tx) error {
		return errors.New("extra write failed")
	})
	if err == nil {
		t.Fatal("Expected RunWith to fail")
	}
	if rows := testutil.JobRows(t, st); len(rows) != 0 {
		t.Errorf("Expected no job rows, got %d", len(rows))
	}
	if s.KeyExists("k") {
		t.Error("Expected key not to be registered")
	}
}

func TestScheduler_RunUnknownKind(t *testing.T) {
	s := New(store.NewInMemoryStore(), NewRegistry(), Config{})
	if _, err := s.Run(context.Background(), "missing", struct{}{}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind, got %v", err)
	}
}

func TestScheduler_PromoteRequeuesWhenPoolFull(t *testing.T) {
	st := store.NewInMemoryStore()
	_, reg := newHarness(nil)
	clock := &fakeClock{now: time.Now()}
	s := New(st, reg, Config{Workers: 1, QueueSize: 1, PromoteInterval: time.Second})
	s.now = clock.Now

	if _, err := s.Run(context.Background(), testKind, testParams{Name: "a"}); err != nil {
		t.Fatalf("Run a failed: %v", err)
	}
	if _, err := s.Run(context.Background(), testKind, testParams{Name: "b"}); err != nil {
		t.Fatalf("Run b failed: %v", err)
	}
	// b was rejected by the full pool and parked; it must stay registered.
	if got := s.CountRunning(testKind); got != 2 {
		t.Fatalf("Expected 2 registered jobs, got %d", got)
	}
	if got := s.Promote(context.Background()); got != 0 {
		t.Errorf("Expected nothing due yet, got %d", got)
	}
	clock.Advance(2 * time.Second)
	if got := s.Promote(context.Background()); got != 1 {
		t.Errorf("Expected the parked job to be promoted, got %d", got)
	}
	if got := s.CountRunning(testKind); got != 2 {
		t.Errorf("Expected rejected job to be kept, got %d registered", got)
	}
}

func TestPool_SubmitRejectsWhenFull(t *testing.T) {
	p := NewPool(1, 1)
	if !p.Submit(func() {}) {
		t.Fatal("Expected first task to be accepted")
	}
	if p.Submit(func() {}) {
		t.Fatal("Expected second task to be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.Start(ctx)
	if !waitAccept(p, func() { close(done) }) {
		t.Fatal("Expected pool to accept a task once running")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	cancel()
	p.Wait()
}

func waitAccept(p *Pool, task func()) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Submit(task) {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

type fakeRemoteErr struct {
	recoverable bool
}

func (e fakeRemoteErr) Error() string     { return "remote error" }
func (e fakeRemoteErr) Recoverable() bool { return e.recoverable }
