package worker

import (
	"context"
	"time"

	"github.com/Harshith-10/sentinel-community/broker"
	"github.com/Harshith-10/sentinel-community/types"
)

// queueSource adapts a broker queue to the Source interface.
type queueSource struct {
	q *broker.Queue
}

// NewQueueSource wraps a broker queue as a claim source.
func NewQueueSource(q *broker.Queue) Source {
	return queueSource{q: q}
}

func (s queueSource) Name() string { return s.q.Name() }

func (s queueSource) Claim(ctx context.Context, block time.Duration) (ClaimedJob, error) {
	cj, err := s.q.Claim(ctx, block)
	if err != nil || cj == nil {
		return nil, err
	}
	return claimedJob{cj}, nil
}

func (s queueSource) PromoteDelayed(ctx context.Context) (int, error) {
	return s.q.PromoteDelayed(ctx)
}

type claimedJob struct {
	cj *broker.ClaimedJob
}

func (c claimedJob) Job() *types.Job { return &c.cj.Job }

func (c claimedJob) UpdateProgress(ctx context.Context, pct int) error {
	return c.cj.UpdateProgress(ctx, pct)
}

func (c claimedJob) Complete(ctx context.Context, res *types.ExecutionResult) error {
	return c.cj.Complete(ctx, res)
}

func (c claimedJob) Fail(ctx context.Context, cause error) error {
	return c.cj.Fail(ctx, cause)
}
