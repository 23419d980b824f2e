// Package dispatcher is the HTTP front end: it validates submissions, places
// jobs on the least-loaded queue for their language and serves status, load
// and health lookups.
package dispatcher

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harshith-10/sentinel-community/broker"
	"github.com/Harshith-10/sentinel-community/language"
	"github.com/Harshith-10/sentinel-community/types"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 1 << 20 // 1 MiB

// JobQueue is the queue surface the dispatcher needs. Implemented by
// *broker.Queue.
type JobQueue interface {
	Name() string
	Add(ctx context.Context, job *types.Job, opts broker.AddOptions) error
	GetByID(ctx context.Context, id string) (*broker.JobStatus, error)
	Counts(ctx context.Context) (types.QueueCounts, error)
	Probe(ctx context.Context) error
}

// Pinger reports broker liveness. Implemented by *broker.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dispatcher serves the public HTTP API.
type Dispatcher struct {
	registry *language.Registry
	pinger   Pinger
	queues   map[string][]JobQueue // per language, fixed instance order
	logger   *zap.Logger
}

// New creates a dispatcher over the given per-language queue lists. The
// instance order of each list is the tie-break order for placement.
func New(registry *language.Registry, pinger Pinger, queues map[string][]JobQueue, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		pinger:   pinger,
		queues:   queues,
		logger:   logger,
	}
}

// BuildQueues derives the queue topology for every registered language:
// one `{language}-executor` queue by default, or `{language}-executor-{n}`
// instance queues where instances maps a language to n > 1 (legacy mode).
func BuildQueues(client *broker.Client, registry *language.Registry, instances map[string]int) map[string][]JobQueue {
	queues := make(map[string][]JobQueue)
	for _, name := range registry.Names() {
		if n := instances[name]; n > 1 {
			qs := make([]JobQueue, 0, n)
			for i := 1; i <= n; i++ {
				qs = append(qs, client.Queue(broker.InstanceQueueName(name, i)))
			}
			queues[name] = qs
		} else {
			queues[name] = []JobQueue{client.Queue(broker.QueueName(name))}
		}
	}
	return queues
}

// Register attaches the API routes.
func (d *Dispatcher) Register(r *gin.Engine) {
	r.Use(limitBody)
	r.POST("/execute", d.handleExecute)
	r.GET("/job/:id", d.handleJob)
	r.GET("/load", d.handleLoad)
	r.GET("/health", d.handleHealth)
	r.GET("/languages", d.handleLanguages)
}

func limitBody(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBody)
	c.Next()
}

type testCaseRequest struct {
	Input    *string `json:"input"`
	Expected *string `json:"expected"`
}

type executeRequest struct {
	Code      string            `json:"code"`
	Language  string            `json:"language"`
	Input     string            `json:"input"`
	TestCases []testCaseRequest `json:"testCases"`
}

func (d *Dispatcher) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body: " + err.Error()})
		return
	}
	if req.Code == "" || req.Language == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Fields 'code' and 'language' are required"})
		return
	}
	if !d.registry.IsSupported(req.Language) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Unsupported language: " + req.Language})
		return
	}
	cases := make([]types.TestCase, 0, len(req.TestCases))
	for i, tc := range req.TestCases {
		if tc.Input == nil || tc.Expected == nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"message": "Test cases must provide string 'input' and 'expected'",
				"index":   i,
			})
			return
		}
		cases = append(cases, types.TestCase{Input: *tc.Input, Expected: *tc.Expected})
	}

	q, err := d.selectQueue(c.Request.Context(), req.Language)
	if err != nil {
		d.logger.Error("Queue selection failed", zap.String("language", req.Language), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to queue job"})
		return
	}

	job := &types.Job{
		ID:        uuid.NewString(),
		Language:  req.Language,
		Code:      req.Code,
		Input:     req.Input,
		TestCases: cases,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.Add(c.Request.Context(), job, broker.DefaultAddOptions); err != nil {
		d.logger.Error("Enqueue failed", zap.String("id", job.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to queue job"})
		return
	}
	d.logger.Info("Job queued",
		zap.String("id", job.ID),
		zap.String("language", job.Language),
		zap.String("queue", q.Name()))

	c.JSON(http.StatusOK, gin.H{
		"id":        job.ID,
		"status":    types.StateQueued,
		"timestamp": job.CreatedAt.Format(time.RFC3339),
		"message":   "Job queued for execution",
	})
}

// selectQueue picks the instance queue with the fewest waiting jobs,
// computed fresh on every request; ties go to the earlier instance.
func (d *Dispatcher) selectQueue(ctx context.Context, lang string) (JobQueue, error) {
	qs := d.queues[lang]
	if len(qs) == 1 {
		return qs[0], nil
	}
	var best JobQueue
	var bestWaiting int64
	for _, q := range qs {
		counts, err := q.Counts(ctx)
		if err != nil {
			return nil, err
		}
		if best == nil || counts.Waiting < bestWaiting {
			best = q
			bestWaiting = counts.Waiting
		}
	}
	return best, nil
}

func (d *Dispatcher) handleJob(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	for _, lang := range d.registry.Names() {
		for _, q := range d.queues[lang] {
			st, err := q.GetByID(ctx, id)
			if err == broker.ErrJobNotFound {
				continue
			}
			if err != nil {
				d.logger.Error("Job lookup failed", zap.String("id", id), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to fetch job"})
				return
			}
			c.JSON(http.StatusOK, jobResponse(st))
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{
		"id":      id,
		"status":  types.StateFailed,
		"message": "Job not found",
	})
}

// jobResponse maps a broker job status onto the client-facing shape.
func jobResponse(st *broker.JobStatus) gin.H {
	resp := gin.H{
		"id":        st.ID,
		"timestamp": st.CreatedAt.Format(time.RFC3339),
		"progress":  st.Progress,
	}
	switch st.State {
	case broker.StateWaiting, broker.StateDelayed:
		resp["status"] = types.StateQueued
	case broker.StateActive:
		resp["status"] = types.StateActive
	case broker.StateCompleted:
		resp["status"] = types.StateCompleted
		if st.Result != nil {
			resp["output"] = st.Result.Output
			resp["error"] = st.Result.Error
			resp["executionTime"] = st.Result.ExecutionTime
			if st.Result.TestCases != nil {
				resp["testCases"] = st.Result.TestCases
			}
		}
	case broker.StateFailed:
		resp["status"] = types.StateFailed
		resp["error"] = st.FailedReason
	default:
		resp["status"] = st.State
	}
	return resp
}

func (d *Dispatcher) handleLoad(c *gin.Context) {
	ctx := c.Request.Context()
	containers := make([]types.QueueSnapshot, 0)
	var totalWaiting, totalActive int64

	for _, lang := range d.registry.Names() {
		for _, q := range d.queues[lang] {
			counts, err := q.Counts(ctx)
			if err != nil {
				d.logger.Error("Counts failed", zap.String("queue", q.Name()), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to read queue load"})
				return
			}
			containers = append(containers, types.QueueSnapshot{
				ContainerID: q.Name(),
				Language:    lang,
				Waiting:     counts.Waiting,
				Active:      counts.Active,
				Completed:   counts.Completed,
				Failed:      counts.Failed,
				TotalJobs:   counts.Waiting + counts.Active + counts.Completed + counts.Failed,
			})
			totalWaiting += counts.Waiting
			totalActive += counts.Active
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"containers":   containers,
		"totalWaiting": totalWaiting,
		"totalActive":  totalActive,
	})
}

func (d *Dispatcher) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()

	redisStatus := "connected"
	overall := "healthy"
	if err := d.pinger.Ping(ctx); err != nil {
		redisStatus = "disconnected"
		overall = "unhealthy"
	}

	queueStatus := make(map[string]string)
	for _, lang := range d.registry.Names() {
		for _, q := range d.queues[lang] {
			if err := q.Probe(ctx); err != nil {
				queueStatus[q.Name()] = "unhealthy"
				if overall == "healthy" {
					overall = "degraded"
				}
			} else {
				queueStatus[q.Name()] = "healthy"
			}
		}
	}

	code := http.StatusOK
	if overall == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"redis":     redisStatus,
		"queues":    queueStatus,
	})
}

func (d *Dispatcher) handleLanguages(c *gin.Context) {
	langs := make([]gin.H, 0)
	for _, desc := range d.registry.List() {
		langs = append(langs, gin.H{
			"name":        desc.Name,
			"displayName": desc.DisplayName,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"languages": langs,
		"count":     len(langs),
	})
}
