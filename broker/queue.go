package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Harshith-10/sentinel-community/types"
)

// AddOptions is the retry and retention policy attached to a job at enqueue
// time and honored by whichever worker claims it.
type AddOptions struct {
	Attempts         int           // total attempts including the first
	Backoff          time.Duration // exponential backoff base
	RemoveOnComplete int           // completed jobs retained per queue
	RemoveOnFail     int           // failed jobs retained per queue
}

// DefaultAddOptions matches the dispatcher policy: 3 attempts, exponential
// backoff from 2 s, keep the last 50 completed and 20 failed jobs.
var DefaultAddOptions = AddOptions{
	Attempts:         3,
	Backoff:          2 * time.Second,
	RemoveOnComplete: 50,
	RemoveOnFail:     20,
}

// JobStatus is the broker-side view of a job returned by GetByID.
type JobStatus struct {
	ID           string
	State        string
	Progress     int
	CreatedAt    time.Time
	Result       *types.ExecutionResult // set on completed
	FailedReason string                 // set on failed
}

// Queue is a named job queue. Handles are cheap and stateless; all state is
// in Redis under the queue's key prefix.
type Queue struct {
	c    *Client
	name string
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) key(parts ...string) string {
	k := "sentinel:" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string { return q.key("job", id) }

// Add enqueues job with the given policy, keyed by the job's own id so it
// can be looked up directly later.
func (q *Queue) Add(ctx context.Context, job *types.Job, opts AddOptions) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.c.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"data":             string(data),
		"state":            StateWaiting,
		"progress":         0,
		"attemptsMade":     0,
		"maxAttempts":      opts.Attempts,
		"backoffMs":        opts.Backoff.Milliseconds(),
		"removeOnComplete": opts.RemoveOnComplete,
		"removeOnFail":     opts.RemoveOnFail,
		"createdAt":        job.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.LPush(ctx, q.key("waiting"), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return nil
}

// ClaimedJob is a job held by exactly one worker between Claim and a
// terminal Complete / Fail call.
type ClaimedJob struct {
	q   *Queue
	Job types.Job

	attemptsMade     int
	maxAttempts      int
	backoff          time.Duration
	removeOnComplete int
	removeOnFail     int
}

// Claim atomically moves the oldest waiting job to the active list and
// returns it. Blocks up to block; returns (nil, nil) when nothing arrived.
func (q *Queue) Claim(ctx context.Context, block time.Duration) (*ClaimedJob, error) {
	id, err := q.c.rdb.BLMove(ctx, q.key("waiting"), q.key("active"), "RIGHT", "LEFT", block).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	vals, err := q.c.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	if len(vals) == 0 {
		// record evicted between enqueue and claim; drop the dangling id
		q.c.rdb.LRem(ctx, q.key("active"), 1, id)
		q.c.logger.Warn("Claimed job without record", zap.String("queue", q.name), zap.String("id", id))
		return nil, nil
	}

	cj := &ClaimedJob{
		q:                q,
		attemptsMade:     atoi(vals["attemptsMade"]),
		maxAttempts:      atoi(vals["maxAttempts"]),
		backoff:          time.Duration(atoi(vals["backoffMs"])) * time.Millisecond,
		removeOnComplete: atoi(vals["removeOnComplete"]),
		removeOnFail:     atoi(vals["removeOnFail"]),
	}
	if err := json.Unmarshal([]byte(vals["data"]), &cj.Job); err != nil {
		return nil, fmt.Errorf("claim %s: corrupt job data: %w", id, err)
	}
	if err := q.c.rdb.HSet(ctx, q.jobKey(id), "state", StateActive).Err(); err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	return cj, nil
}

// UpdateProgress records claim progress in percent.
func (c *ClaimedJob) UpdateProgress(ctx context.Context, pct int) error {
	return c.q.c.rdb.HSet(ctx, c.q.jobKey(c.Job.ID), "progress", pct).Err()
}

// Complete resolves the claim with its return value and trims terminal
// retention per the job's policy.
func (c *ClaimedJob) Complete(ctx context.Context, res *types.ExecutionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	id := c.Job.ID

	pipe := c.q.c.rdb.TxPipeline()
	pipe.HSet(ctx, c.q.jobKey(id), map[string]any{
		"state":      StateCompleted,
		"progress":   100,
		"result":     string(data),
		"finishedOn": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.LRem(ctx, c.q.key("active"), 1, id)
	pipe.LPush(ctx, c.q.key("completed"), id)
	pipe.Incr(ctx, c.q.key("counts", "completed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return c.q.trimTerminal(ctx, "completed", c.removeOnComplete)
}

// Fail records a failed attempt. While attempts remain the job is parked in
// the delayed set with exponential backoff and later promoted back to
// waiting; once exhausted it becomes terminal-failed with cause as the
// failure reason.
func (c *ClaimedJob) Fail(ctx context.Context, cause error) error {
	id := c.Job.ID
	attempts := c.attemptsMade + 1
	reason := cause.Error()

	if attempts < c.maxAttempts {
		delay := c.backoff << (attempts - 1)
		readyAt := time.Now().Add(delay)

		pipe := c.q.c.rdb.TxPipeline()
		pipe.HSet(ctx, c.q.jobKey(id), map[string]any{
			"state":        StateDelayed,
			"attemptsMade": attempts,
			"failedReason": reason,
		})
		pipe.LRem(ctx, c.q.key("active"), 1, id)
		pipe.ZAdd(ctx, c.q.key("delayed"), redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: id,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("retry %s: %w", id, err)
		}
		c.q.c.logger.Info("Job scheduled for retry",
			zap.String("queue", c.q.name), zap.String("id", id),
			zap.Int("attempt", attempts), zap.Duration("delay", delay))
		return nil
	}

	pipe := c.q.c.rdb.TxPipeline()
	pipe.HSet(ctx, c.q.jobKey(id), map[string]any{
		"state":        StateFailed,
		"attemptsMade": attempts,
		"failedReason": reason,
		"finishedOn":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.LRem(ctx, c.q.key("active"), 1, id)
	pipe.LPush(ctx, c.q.key("failed"), id)
	pipe.Incr(ctx, c.q.key("counts", "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	return c.q.trimTerminal(ctx, "failed", c.removeOnFail)
}

// trimTerminal evicts job records past the retention cap of a terminal list.
func (q *Queue) trimTerminal(ctx context.Context, list string, keep int) error {
	if keep <= 0 {
		return nil
	}
	for {
		n, err := q.c.rdb.LLen(ctx, q.key(list)).Result()
		if err != nil || n <= int64(keep) {
			return err
		}
		id, err := q.c.rdb.RPop(ctx, q.key(list)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		q.c.rdb.Del(ctx, q.jobKey(id))
	}
}

// PromoteDelayed moves every delayed job whose backoff elapsed back to the
// waiting list. Returns the number of promoted jobs.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.c.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("promote: %w", err)
	}
	promoted := 0
	for _, id := range ids {
		removed, err := q.c.rdb.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue // another worker promoted it first
		}
		pipe := q.c.rdb.TxPipeline()
		pipe.HSet(ctx, q.jobKey(id), "state", StateWaiting)
		pipe.LPush(ctx, q.key("waiting"), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// GetByID returns the broker state of a job on this queue.
func (q *Queue) GetByID(ctx context.Context, id string) (*JobStatus, error) {
	vals, err := q.c.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, ErrJobNotFound
	}

	st := &JobStatus{
		ID:           id,
		State:        vals["state"],
		Progress:     atoi(vals["progress"]),
		FailedReason: vals["failedReason"],
	}
	if t, err := time.Parse(time.RFC3339Nano, vals["createdAt"]); err == nil {
		st.CreatedAt = t
	}
	if raw, ok := vals["result"]; ok && raw != "" {
		var res types.ExecutionResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("get %s: corrupt result: %w", id, err)
		}
		st.Result = &res
	}
	return st, nil
}

// Counts reads the queue counters. Waiting excludes jobs parked for retry
// backoff; completed and failed are lifetime totals unaffected by retention
// trimming.
func (q *Queue) Counts(ctx context.Context) (types.QueueCounts, error) {
	pipe := q.c.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.key("waiting"))
	active := pipe.LLen(ctx, q.key("active"))
	completed := pipe.Get(ctx, q.key("counts", "completed"))
	failed := pipe.Get(ctx, q.key("counts", "failed"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return types.QueueCounts{}, fmt.Errorf("counts: %w", err)
	}
	return types.QueueCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: counterVal(completed),
		Failed:    counterVal(failed),
	}, nil
}

// Probe checks that the queue is reachable for health reporting.
func (q *Queue) Probe(ctx context.Context) error {
	return q.c.rdb.LLen(ctx, q.key("waiting")).Err()
}

func counterVal(c *redis.StringCmd) int64 {
	n, err := strconv.ParseInt(c.Val(), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
