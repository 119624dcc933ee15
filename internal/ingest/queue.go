package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/models"
)

// ErrJobNotFound is returned when retrying an unknown dead letter.
var ErrJobNotFound = errors.New("job not found")

// JobStatus tracks an acknowledged webhook delivery through processing.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRetrying  JobStatus = "retrying"
	JobDead      JobStatus = "dead"
	JobCompleted JobStatus = "completed"
)

// Job is one acknowledged webhook body awaiting out-of-band processing.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Attempts   int             `json:"attempts"`
	Status     JobStatus       `json:"status"`
	LastError  string          `json:"lastError,omitempty"`
}

// NewJob wraps a webhook body for the queue.
func NewJob(kind string, payload []byte) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    json.RawMessage(payload),
		ReceivedAt: time.Now().UTC(),
		Status:     JobQueued,
	}
}

// Handler processes one job. Returning an error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// Stats summarizes queue activity.
type Stats struct {
	Backend        string `json:"backend"`
	Workers        int    `json:"workers"`
	MaxAttempts    int    `json:"maxAttempts"`
	RetryBackoffMs int64  `json:"retryBackoffMs"`
	Queued         int    `json:"queued"`
	Retrying       int    `json:"retrying"`
	Dead           int    `json:"dead"`
	Processed      int64  `json:"processed"`
	Failed         int64  `json:"failed"`
}

// Queue is the processing phase behind the webhook acknowledgement.
type Queue interface {
	Handle(kind string, h Handler)
	Enqueue(job *Job) error
	Run(ctx context.Context) error
	Stats() Stats
	DeadLetters() []*Job
	Retry(id string) error
	RetryAll() int
}

// QueueOptions configures retries for either backend.
type QueueOptions struct {
	Workers      int
	Size         int
	MaxAttempts  int
	RetryBackoff time.Duration
	Timeout      time.Duration
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Size <= 0 {
		o.Size = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// backoff grows linearly with the attempt number.
func (o QueueOptions) backoff(attempts int) time.Duration {
	return o.RetryBackoff * time.Duration(attempts)
}

// router holds the per-kind handlers and dead-letter bookkeeping shared by
// both queue backends.
type router struct {
	opts QueueOptions

	mu        sync.RWMutex
	handlers  map[string]Handler
	dead      map[string]*Job
	retrying  map[string]*Job
	processed int64
	failed    int64
}

func newRouter(opts QueueOptions) *router {
	return &router{
		opts:     opts,
		handlers: make(map[string]Handler),
		dead:     make(map[string]*Job),
		retrying: make(map[string]*Job),
	}
}

func (r *router) Handle(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// process runs the job's handler and reports whether it should be retried.
func (r *router) process(ctx context.Context, job *Job) (retry bool) {
	r.mu.RLock()
	h, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	job.Attempts++
	var err error
	if !ok {
		err = fmt.Errorf("%w: no handler for job kind %q", models.ErrConfiguration, job.Kind)
	} else {
		jobCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		err = safeRun(jobCtx, h, job)
		cancel()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retrying, job.ID)
	if err == nil {
		job.Status = JobCompleted
		job.LastError = ""
		r.processed++
		log.Debug().Str("jobID", job.ID).Str("kind", job.Kind).Int("attempts", job.Attempts).Msg("Webhook job processed")
		return false
	}

	r.failed++
	job.LastError = err.Error()
	if job.Attempts >= r.opts.MaxAttempts || !ok {
		job.Status = JobDead
		r.dead[job.ID] = job
		log.Error().
			Err(err).
			Str("jobID", job.ID).
			Str("kind", job.Kind).
			Int("attempts", job.Attempts).
			Msg("Webhook job failed permanently, moved to dead letters")
		return false
	}
	job.Status = JobRetrying
	r.retrying[job.ID] = job
	log.Warn().
		Err(err).
		Str("jobID", job.ID).
		Str("kind", job.Kind).
		Int("attempts", job.Attempts).
		Int("maxAttempts", r.opts.MaxAttempts).
		Msg("Webhook job failed, will retry")
	return true
}

// takeDead removes a dead letter and resets it for another round.
func (r *router) takeDead(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.dead[id]
	if !ok {
		return nil, false
	}
	delete(r.dead, id)
	job.Attempts = 0
	job.Status = JobQueued
	return job, true
}

// bury records a job that could not be requeued as dead.
func (r *router) bury(job *Job, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retrying, job.ID)
	job.Status = JobDead
	job.LastError = err.Error()
	r.dead[job.ID] = job
}

// addDead registers a dead letter loaded from durable storage.
func (r *router) addDead(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job.Status = JobDead
	r.dead[job.ID] = job
}

func (r *router) deadIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.dead))
	for id := range r.dead {
		ids = append(ids, id)
	}
	return ids
}

func (r *router) DeadLetters() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Job, 0, len(r.dead))
	for _, j := range r.dead {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ReceivedAt.Before(out[k].ReceivedAt) })
	return out
}

func (r *router) stats(backend string, queued int) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Backend:        backend,
		Workers:        r.opts.Workers,
		MaxAttempts:    r.opts.MaxAttempts,
		RetryBackoffMs: r.opts.RetryBackoff.Milliseconds(),
		Queued:         queued,
		Retrying:       len(r.retrying),
		Dead:           len(r.dead),
		Processed:      r.processed,
		Failed:         r.failed,
	}
}

func safeRun(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, job)
}

// MemoryQueue processes jobs with an in-process worker pool. Jobs survive
// handler failures (bounded retries, then dead letters) but not a restart.
type MemoryQueue struct {
	*router
	jobs chan *Job

	wg      sync.WaitGroup
	stopped chan struct{}
	once    sync.Once
}

func NewMemoryQueue(opts QueueOptions) *MemoryQueue {
	opts = opts.withDefaults()
	return &MemoryQueue{
		router:  newRouter(opts),
		jobs:    make(chan *Job, opts.Size),
		stopped: make(chan struct{}),
	}
}

// Enqueue never blocks; a full queue is reported to the caller.
func (q *MemoryQueue) Enqueue(job *Job) error {
	select {
	case <-q.stopped:
		return fmt.Errorf("ingest queue stopped")
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return fmt.Errorf("ingest queue full (%d jobs)", cap(q.jobs))
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (q *MemoryQueue) Run(ctx context.Context) error {
	log.Info().
		Int("workers", q.opts.Workers).
		Int("maxAttempts", q.opts.MaxAttempts).
		Dur("retryBackoff", q.opts.RetryBackoff).
		Msg("Ingest queue started")

	for range q.opts.Workers {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	<-ctx.Done()
	q.once.Do(func() { close(q.stopped) })
	q.wg.Wait()
	return nil
}

func (q *MemoryQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			if q.process(ctx, job) {
				q.scheduleRetry(ctx, job)
			}
		}
	}
}

func (q *MemoryQueue) scheduleRetry(ctx context.Context, job *Job) {
	delay := q.opts.backoff(job.Attempts)
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := q.Enqueue(job); err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("Could not requeue webhook job")
			q.bury(job, err)
		}
	})
}

// Retry moves a dead letter back onto the queue.
func (q *MemoryQueue) Retry(id string) error {
	job, ok := q.takeDead(id)
	if !ok {
		return fmt.Errorf("dead letter %s: %w", id, ErrJobNotFound)
	}
	log.Info().Str("jobID", id).Msg("Manual retry triggered for webhook job")
	if err := q.Enqueue(job); err != nil {
		q.bury(job, err)
		return err
	}
	return nil
}

// RetryAll requeues every dead letter and returns how many were requeued.
func (q *MemoryQueue) RetryAll() int {
	n := 0
	for _, id := range q.deadIDs() {
		if q.Retry(id) == nil {
			n++
		}
	}
	return n
}

func (q *MemoryQueue) Stats() Stats {
	return q.stats("memory", len(q.jobs))
}
