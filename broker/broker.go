// Package broker is a thin queue abstraction over Redis: named per-language
// job queues with atomic claim, progress updates, retry with exponential
// backoff and bounded retention of terminal jobs. All cross-process state of
// the service lives here.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrJobNotFound is returned by GetByID for unknown or evicted jobs.
var ErrJobNotFound = errors.New("job not found")

// Broker job states. The dispatcher maps these onto the client-facing states.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Client wraps the Redis connection shared by all queues of one process.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewClient connects to Redis at host:port. The connection is verified with
// a ping so startup fails fast when the broker is unreachable.
func NewClient(ctx context.Context, host string, port int, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", host, port),
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("broker unreachable at %s:%d: %w", host, port, err)
	}
	return &Client{rdb: rdb, logger: logger}, nil
}

// Ping checks broker liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Queue returns a handle on the named queue. Queues are created lazily by
// their first Add; a handle on an empty queue is valid.
func (c *Client) Queue(name string) *Queue {
	return &Queue{c: c, name: name}
}

// QueueName is the queue for a single-instance language deployment.
func QueueName(language string) string {
	return language + "-executor"
}

// InstanceQueueName is the queue for instance n of a multi-instance
// deployment (legacy topology), n counted from 1.
func InstanceQueueName(language string, n int) string {
	return fmt.Sprintf("%s-executor-%d", language, n)
}
