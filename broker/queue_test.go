package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Harshith-10/sentinel-community/types"
)

func TestQueueNames(t *testing.T) {
	if got := QueueName("python"); got != "python-executor" {
		t.Errorf("QueueName = %q", got)
	}
	if got := InstanceQueueName("python", 2); got != "python-executor-2" {
		t.Errorf("InstanceQueueName = %q", got)
	}
}

// Integration tests below need a live Redis; point SENTINEL_TEST_REDIS at it
// (host:port) to enable them.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("SENTINEL_TEST_REDIS")
	if addr == "" {
		t.Skip("SENTINEL_TEST_REDIS not set")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad SENTINEL_TEST_REDIS %q: %v", addr, err)
	}
	port, _ := strconv.Atoi(portStr)
	c, err := NewClient(context.Background(), host, port, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testQueue(t *testing.T, c *Client) *Queue {
	return c.Queue(fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano()))
}

func testJob(id string) *types.Job {
	return &types.Job{
		ID:        id,
		Language:  "python",
		Code:      "print('hi')",
		CreatedAt: time.Now(),
	}
}

func TestAddClaimComplete(t *testing.T) {
	c := newTestClient(t)
	q := testQueue(t, c)
	ctx := context.Background()

	if err := q.Add(ctx, testJob("job-1"), DefaultAddOptions); err != nil {
		t.Fatal(err)
	}

	st, err := q.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateWaiting {
		t.Errorf("state = %s, want waiting", st.State)
	}

	cj, err := q.Claim(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if cj == nil {
		t.Fatal("claim returned nothing")
	}
	if cj.Job.ID != "job-1" || cj.Job.Code != "print('hi')" {
		t.Errorf("claimed job = %+v", cj.Job)
	}

	if err := cj.UpdateProgress(ctx, 10); err != nil {
		t.Fatal(err)
	}
	st, _ = q.GetByID(ctx, "job-1")
	if st.State != StateActive || st.Progress != 10 {
		t.Errorf("state = %s progress = %d", st.State, st.Progress)
	}

	res := &types.ExecutionResult{Output: "hi", Status: types.StatusSuccess, ExecutionTime: 12}
	if err := cj.Complete(ctx, res); err != nil {
		t.Fatal(err)
	}
	st, err = q.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateCompleted || st.Result == nil || st.Result.Output != "hi" {
		t.Errorf("status after complete = %+v", st)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Waiting != 0 || counts.Active != 0 || counts.Completed != 1 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestClaimOrderAndBlockTimeout(t *testing.T) {
	c := newTestClient(t)
	q := testQueue(t, c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Add(ctx, testJob(fmt.Sprintf("job-%d", i)), DefaultAddOptions); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		cj, err := q.Claim(ctx, time.Second)
		if err != nil || cj == nil {
			t.Fatalf("claim %d: %v %v", i, cj, err)
		}
		if want := fmt.Sprintf("job-%d", i); cj.Job.ID != want {
			t.Errorf("claim %d = %s, want %s (FIFO)", i, cj.Job.ID, want)
		}
		cj.Complete(ctx, &types.ExecutionResult{Status: types.StatusSuccess})
	}

	cj, err := q.Claim(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if cj != nil {
		t.Errorf("empty queue claim returned %+v", cj.Job)
	}
}

func TestFailRetryThenTerminal(t *testing.T) {
	c := newTestClient(t)
	q := testQueue(t, c)
	ctx := context.Background()

	opts := AddOptions{Attempts: 2, Backoff: 50 * time.Millisecond, RemoveOnComplete: 50, RemoveOnFail: 20}
	if err := q.Add(ctx, testJob("flaky"), opts); err != nil {
		t.Fatal(err)
	}

	cj, err := q.Claim(ctx, time.Second)
	if err != nil || cj == nil {
		t.Fatalf("claim: %v %v", cj, err)
	}
	if err := cj.Fail(ctx, errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	st, _ := q.GetByID(ctx, "flaky")
	if st.State != StateDelayed {
		t.Fatalf("state after first fail = %s, want delayed", st.State)
	}

	// not promotable before the backoff elapses
	if n, _ := q.PromoteDelayed(ctx); n != 0 {
		t.Errorf("promoted %d jobs before backoff elapsed", n)
	}
	time.Sleep(60 * time.Millisecond)
	n, err := q.PromoteDelayed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("promoted %d, want 1", n)
	}

	cj, err = q.Claim(ctx, time.Second)
	if err != nil || cj == nil {
		t.Fatalf("reclaim: %v %v", cj, err)
	}
	if err := cj.Fail(ctx, errors.New("boom again")); err != nil {
		t.Fatal(err)
	}

	st, err = q.GetByID(ctx, "flaky")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateFailed {
		t.Errorf("state after exhausted attempts = %s, want failed", st.State)
	}
	if st.FailedReason != "boom again" {
		t.Errorf("failedReason = %q", st.FailedReason)
	}

	counts, _ := q.Counts(ctx)
	if counts.Failed != 1 {
		t.Errorf("failed count = %d", counts.Failed)
	}
}

func TestRetentionTrim(t *testing.T) {
	c := newTestClient(t)
	q := testQueue(t, c)
	ctx := context.Background()

	opts := AddOptions{Attempts: 1, Backoff: time.Second, RemoveOnComplete: 2, RemoveOnFail: 20}
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("job-%d", i)
		if err := q.Add(ctx, testJob(id), opts); err != nil {
			t.Fatal(err)
		}
		cj, err := q.Claim(ctx, time.Second)
		if err != nil || cj == nil {
			t.Fatalf("claim %s: %v %v", id, cj, err)
		}
		if err := cj.Complete(ctx, &types.ExecutionResult{Status: types.StatusSuccess}); err != nil {
			t.Fatal(err)
		}
	}

	// oldest records evicted, newest retained, lifetime counter intact
	if _, err := q.GetByID(ctx, "job-0"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("job-0 should be evicted, got %v", err)
	}
	if _, err := q.GetByID(ctx, "job-3"); err != nil {
		t.Errorf("job-3 should be retained: %v", err)
	}
	counts, _ := q.Counts(ctx)
	if counts.Completed != 4 {
		t.Errorf("completed count = %d, want 4", counts.Completed)
	}
}

func TestGetByIDUnknown(t *testing.T) {
	c := newTestClient(t)
	q := testQueue(t, c)

	_, err := q.GetByID(context.Background(), "nope")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}
