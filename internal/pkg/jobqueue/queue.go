package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefixes
	JobKeyPrefix   = "job:"
	queueKeyPrefix = "jobs:"
	DeadLetterKey  = "jobs:dead"

	// Job settings
	DefaultMaxRetries  = 5
	DefaultBaseBackoff = 10 * time.Second
	MaxBackoff         = time.Hour
	JobTTL             = 24 * time.Hour     // Jobs expire after 24 hours
	DeadJobTTL         = 7 * 24 * time.Hour // Dead letters stay long enough for an operator to look
	DefaultStuckAfter  = 10 * time.Minute
)

var ErrJobNotFound = errors.New("job not found")

// PendingKey is the list workers of queue pop from.
func PendingKey(queue string) string { return queueKeyPrefix + queue + ":pending" }

// ProcessingKey holds ids of jobs currently owned by a worker.
func ProcessingKey(queue string) string { return queueKeyPrefix + queue + ":processing" }

// DelayedKey is a sorted set of retrying job ids scored by due time in ms.
func DelayedKey(queue string) string { return queueKeyPrefix + queue + ":delayed" }

// StatsKey is a hash of per-status counters.
func StatsKey(queue string) string { return queueKeyPrefix + queue + ":stats" }

// HandlerFunc processes one job. Returning an error for which IsTerminal is
// true skips the remaining retries.
type HandlerFunc func(ctx context.Context, job *Job) error

// DeadLetterFunc is called after a job was moved to the dead-letter list.
type DeadLetterFunc func(ctx context.Context, job *Job, err error)

// Options configure a Queue.
type Options struct {
	// Workers per named queue. Queues missing here are produce-only.
	Workers     map[string]int
	MaxRetries  int
	BaseBackoff time.Duration
	StuckAfter  time.Duration
	// PollTimeout bounds one blocking pop so Stop is noticed.
	PollTimeout time.Duration
}

// Queue manages background jobs using Redis
type Queue struct {
	client     *redis.Client
	opts       Options
	handlers   map[JobType]HandlerFunc
	onDead     DeadLetterFunc
	stopCh     chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	promoteLua *redis.Script
}

// promoteScript moves due ids from the delayed set to the pending list in one step.
const promoteScript = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`

// NewQueue creates a new job queue
func NewQueue(client *redis.Client, opts Options) *Queue {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = DefaultStuckAfter
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	return &Queue{
		client:     client,
		opts:       opts,
		handlers:   make(map[JobType]HandlerFunc),
		stopCh:     make(chan struct{}),
		promoteLua: redis.NewScript(promoteScript),
	}
}

// RegisterHandler binds a job type to its processor. Must be called before Start.
func (q *Queue) RegisterHandler(jobType JobType, h HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// OnDeadLetter installs a hook run after a job is dead-lettered.
func (q *Queue) OnDeadLetter(fn DeadLetterFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDead = fn
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.running = true
	q.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	for queue, n := range q.opts.Workers {
		log.Infof("[JobQueue] Starting %d workers on queue %s", n, queue)
		for i := 0; i < n; i++ {
			q.wg.Add(1)
			go q.worker(ctx, queue, i)
		}
	}
}

// Stop stops the job queue workers. Jobs in flight finish first.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	q.cancel()
	log.Info("[JobQueue] All workers stopped")
}

// worker processes jobs from one named queue
func (q *Queue) worker(ctx context.Context, queue string, id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %s/%d started", queue, id)

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %s/%d stopping", queue, id)
			return
		default:
		}

		job, err := q.dequeueJob(ctx, queue)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Worker %s/%d: Error dequeuing job: %v", queue, id, err)
				time.Sleep(time.Second)
			}
			continue
		}
		if job != nil {
			q.processJob(ctx, job)
		}
	}
}

// Enqueue adds a new job to a named queue.
func (q *Queue) Enqueue(ctx context.Context, queue string, jobType JobType, traceID string, payload Payload) (*Job, error) {
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Queue:      queue,
		TraceID:    traceID,
		Status:     JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: q.opts.MaxRetries,
	}
	if payload != nil {
		job.Payload = payload.ToMap()
	}

	// Store job data
	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, PendingKey(queue), job.ID)
	pipe.HIncrBy(ctx, StatsKey(queue), string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infow("[JobQueue] Enqueued job", "job_id", job.ID, "type", job.Type, "queue", queue, "trace_id", traceID)
	return job, nil
}

// dequeueJob gets the next job from the queue
func (q *Queue) dequeueJob(ctx context.Context, queue string) (*Job, error) {
	// Move job from pending queue to processing queue atomically
	jobID, err := q.client.BRPopLPush(ctx, PendingKey(queue), ProcessingKey(queue), q.opts.PollTimeout).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		// Job data missing or corrupt, nothing to run
		q.client.LRem(ctx, ProcessingKey(queue), 1, jobID)
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Queue == "" {
		job.Queue = queue
	}
	return job, nil
}

// processJob processes a single job
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job, JobTTL)

	err := q.runHandler(ctx, job)
	if err == nil {
		log.Infow("[JobQueue] Job completed", "job_id", job.ID, "type", job.Type, "trace_id", job.TraceID)
		job.MarkAsCompleted()
		q.updateJobStats(ctx, job.Queue, JobStatusCompleted, 1)
		q.removeCompletedJob(ctx, job)
		return
	}

	job.MarkAsFailed(err.Error())
	if !IsTerminal(err) && job.IsRetryable() {
		delay := q.backoff(job.RetryCount)
		log.Warnw("[JobQueue] Job failed, retrying", "job_id", job.ID, "type", job.Type, "trace_id", job.TraceID,
			"attempt", job.RetryCount, "max_retries", job.MaxRetries, "delay", delay.String(), "error", err)
		q.scheduleRetry(ctx, job, time.Now().Add(delay))
		return
	}

	q.deadLetter(ctx, job, err)
}

func (q *Queue) runHandler(ctx context.Context, job *Job) (err error) {
	q.mu.Lock()
	h, ok := q.handlers[job.Type]
	q.mu.Unlock()
	if !ok {
		return Permanent(fmt.Errorf("unknown job type: %s", job.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// backoff doubles the base delay per attempt, capped at MaxBackoff.
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}

func (q *Queue) scheduleRetry(ctx context.Context, job *Job, at time.Time) {
	job.MarkAsRetrying(at)
	q.updateJob(ctx, job, JobTTL)

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, ProcessingKey(job.Queue), 1, job.ID)
	pipe.ZAdd(ctx, DelayedKey(job.Queue), redis.Z{Score: float64(at.UnixMilli()), Member: job.ID})
	pipe.HIncrBy(ctx, StatsKey(job.Queue), string(JobStatusRetrying), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to schedule retry for job %s: %v", job.ID, err)
	}
}

func (q *Queue) deadLetter(ctx context.Context, job *Job, cause error) {
	job.MarkAsDead()
	q.updateJob(ctx, job, DeadJobTTL)

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, ProcessingKey(job.Queue), 1, job.ID)
	pipe.LPush(ctx, DeadLetterKey, job.ID)
	pipe.HIncrBy(ctx, StatsKey(job.Queue), string(JobStatusDead), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to dead-letter job %s: %v", job.ID, err)
	}

	log.Errorw("[JobQueue] Job moved to dead letters", "operator_alert", true, "job_id", job.ID, "type", job.Type,
		"queue", job.Queue, "trace_id", job.TraceID, "attempts", job.RetryCount, "terminal", IsTerminal(cause), "error", cause)

	q.mu.Lock()
	onDead := q.onDead
	q.mu.Unlock()
	if onDead != nil {
		onDead(ctx, job, cause)
	}
}

// PromoteDelayed moves retrying jobs whose delay elapsed back to pending.
func (q *Queue) PromoteDelayed(ctx context.Context, queue string, now time.Time) (int, error) {
	n, err := q.promoteLua.Run(ctx, q.client,
		[]string{DelayedKey(queue), PendingKey(queue)},
		strconv.FormatInt(now.UnixMilli(), 10), 100).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RecoverStuck requeues jobs left in processing by a worker that died.
func (q *Queue) RecoverStuck(ctx context.Context, queue string, now time.Time) (int, error) {
	ids, err := q.client.LRange(ctx, ProcessingKey(queue), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			_ = q.client.LRem(ctx, ProcessingKey(queue), 1, id).Err()
			continue
		}
		if job.Status != JobStatusProcessing {
			// Clean up stray entry
			_ = q.client.LRem(ctx, ProcessingKey(queue), 1, id).Err()
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= q.opts.StuckAfter {
			continue
		}
		log.Warnw("[JobQueue] Recovering stuck job", "job_id", job.ID, "type", job.Type, "trace_id", job.TraceID,
			"age", now.Sub(started).String())
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		q.updateJob(ctx, job, JobTTL)

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, ProcessingKey(queue), 1, id)
		pipe.RPush(ctx, PendingKey(queue), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job, ttl time.Duration) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, ttl).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// removeCompletedJob completely removes a completed job from Redis
func (q *Queue) removeCompletedJob(ctx context.Context, job *Job) {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, ProcessingKey(job.Queue), 1, job.ID)
	pipe.Del(ctx, JobKeyPrefix+job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s from Redis: %v", job.ID, err)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, queue string, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, StatsKey(queue), string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// DeadLetters returns up to limit dead jobs, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.LRange(ctx, DeadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RequeueDeadLetter gives a dead job a fresh set of retries.
func (q *Queue) RequeueDeadLetter(ctx context.Context, jobID string) (*Job, error) {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	removed, err := q.client.LRem(ctx, DeadLetterKey, 1, jobID).Result()
	if err != nil {
		return nil, err
	}
	if removed == 0 || job.Status != JobStatusDead {
		return nil, ErrJobNotFound
	}

	job.Status = JobStatusPending
	job.RetryCount = 0
	job.ErrorMsg = ""
	job.UpdatedAt = time.Now()
	q.updateJob(ctx, job, JobTTL)
	if err := q.client.LPush(ctx, PendingKey(job.Queue), job.ID).Err(); err != nil {
		return nil, err
	}
	log.Infow("[JobQueue] Dead letter requeued", "job_id", job.ID, "type", job.Type, "trace_id", job.TraceID)
	return job, nil
}

// QueueStats is a snapshot of one named queue.
type QueueStats struct {
	Queue      string              `json:"queue"`
	Pending    int64               `json:"pending"`
	Processing int64               `json:"processing"`
	Delayed    int64               `json:"delayed"`
	Counters   map[JobStatus]int64 `json:"counters"`
}

// GetQueueStats returns sizes and counters for a named queue.
func (q *Queue) GetQueueStats(ctx context.Context, queue string) (*QueueStats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, PendingKey(queue))
	processing := pipe.LLen(ctx, ProcessingKey(queue))
	delayed := pipe.ZCard(ctx, DelayedKey(queue))
	counters := pipe.HGetAll(ctx, StatsKey(queue))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	stats := &QueueStats{
		Queue:      queue,
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Counters:   make(map[JobStatus]int64),
	}
	for status, count := range counters.Val() {
		if n, err := strconv.ParseInt(count, 10, 64); err == nil {
			stats.Counters[JobStatus(status)] = n
		}
	}
	return stats, nil
}

// DeadLetterCount returns the length of the dead-letter list.
func (q *Queue) DeadLetterCount(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, DeadLetterKey).Result()
}
