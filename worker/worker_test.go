package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Harshith-10/sentinel-community/language"
	"github.com/Harshith-10/sentinel-community/types"
)

type fakeClaim struct {
	mu       sync.Mutex
	job      types.Job
	progress []int
	result   *types.ExecutionResult
	failure  error
	done     chan struct{}
}

func newFakeClaim(job types.Job) *fakeClaim {
	return &fakeClaim{job: job, done: make(chan struct{})}
}

func (f *fakeClaim) Job() *types.Job { return &f.job }

func (f *fakeClaim) UpdateProgress(_ context.Context, pct int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, pct)
	return nil
}

func (f *fakeClaim) Complete(_ context.Context, res *types.ExecutionResult) error {
	f.mu.Lock()
	f.result = res
	f.mu.Unlock()
	close(f.done)
	return nil
}

func (f *fakeClaim) Fail(_ context.Context, cause error) error {
	f.mu.Lock()
	f.failure = cause
	f.mu.Unlock()
	close(f.done)
	return nil
}

type fakeSource struct {
	claims chan ClaimedJob
}

func (s *fakeSource) Name() string { return "python-executor" }

func (s *fakeSource) Claim(ctx context.Context, block time.Duration) (ClaimedJob, error) {
	select {
	case cj := <-s.claims:
		return cj, nil
	case <-time.After(block):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) PromoteDelayed(context.Context) (int, error) { return 0, nil }

type fakeRunner struct {
	res   *types.ExecutionResult
	panic bool
}

func (r *fakeRunner) Run(*language.Descriptor, string, string, []types.TestCase) *types.ExecutionResult {
	if r.panic {
		panic("boom")
	}
	return r.res
}

func testRegistry(t *testing.T) *language.Registry {
	t.Helper()
	dir := t.TempDir()
	desc := `{"name":"python","displayName":"Python 3","extension":".py","command":"python3","args":["{file}"],"timeout":5000}`
	if err := os.WriteFile(filepath.Join(dir, "python.json"), []byte(desc), 0644); err != nil {
		t.Fatal(err)
	}
	r, err := language.Load(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func startWorker(t *testing.T, src Source, r Runner, obs func(*types.Job, *types.ExecutionResult, time.Duration)) Worker {
	t.Helper()
	w := New(Config{
		Source:      src,
		Registry:    testRegistry(t),
		Runner:      r,
		Concurrency: 1,
		Logger:      zap.NewNop(),
		Observer:    obs,
	})
	w.Start()
	t.Cleanup(w.Shutdown)
	return w
}

func waitDone(t *testing.T, fc *fakeClaim) {
	t.Helper()
	select {
	case <-fc.done:
	case <-time.After(5 * time.Second):
		t.Fatal("claim never resolved")
	}
}

func TestProcessCompletes(t *testing.T) {
	src := &fakeSource{claims: make(chan ClaimedJob, 1)}
	want := &types.ExecutionResult{Output: "hi", Status: types.StatusSuccess}

	var obsMu sync.Mutex
	var observed *types.ExecutionResult
	startWorker(t, src, &fakeRunner{res: want}, func(_ *types.Job, res *types.ExecutionResult, _ time.Duration) {
		obsMu.Lock()
		observed = res
		obsMu.Unlock()
	})

	fc := newFakeClaim(types.Job{ID: "j1", Language: "python", Code: "print('hi')"})
	src.claims <- fc
	waitDone(t, fc)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.result != want {
		t.Errorf("result = %+v", fc.result)
	}
	if len(fc.progress) != 2 || fc.progress[0] != 10 || fc.progress[1] != 100 {
		t.Errorf("progress reports = %v, want [10 100]", fc.progress)
	}
	obsMu.Lock()
	if observed != want {
		t.Error("observer not invoked with result")
	}
	obsMu.Unlock()
}

func TestProcessFailsOnUnsupportedLanguage(t *testing.T) {
	src := &fakeSource{claims: make(chan ClaimedJob, 1)}
	startWorker(t, src, &fakeRunner{res: &types.ExecutionResult{Status: types.StatusSuccess}}, nil)

	fc := newFakeClaim(types.Job{ID: "j2", Language: "brainfuck"})
	src.claims <- fc
	waitDone(t, fc)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.failure == nil {
		t.Fatal("expected failure")
	}
	if got := fc.failure.Error(); got != "unsupported language: brainfuck" {
		t.Errorf("failure = %q", got)
	}
}

func TestProcessSurvivesPanic(t *testing.T) {
	src := &fakeSource{claims: make(chan ClaimedJob, 2)}
	r := &fakeRunner{res: &types.ExecutionResult{Status: types.StatusSuccess}, panic: true}
	startWorker(t, src, r, nil)

	fc := newFakeClaim(types.Job{ID: "j3", Language: "python"})
	src.claims <- fc
	waitDone(t, fc)

	fc.mu.Lock()
	if fc.failure == nil {
		t.Fatal("panicking job must be failed")
	}
	fc.mu.Unlock()

	// the loop keeps claiming after a panic
	r.panic = false
	fc2 := newFakeClaim(types.Job{ID: "j4", Language: "python"})
	src.claims <- fc2
	waitDone(t, fc2)
}

func TestShutdownIdempotent(t *testing.T) {
	src := &fakeSource{claims: make(chan ClaimedJob)}
	w := New(Config{
		Source:   src,
		Registry: testRegistry(t),
		Runner:   &fakeRunner{res: &types.ExecutionResult{Status: types.StatusSuccess}},
		Logger:   zap.NewNop(),
	})
	w.Start()
	w.Shutdown()
	w.Shutdown()
}
