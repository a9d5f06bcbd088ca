package jobqueue

import (
	"encoding/json"
	"errors"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeSettleWebhookEvent JobType = "billing.settle_webhook_event"
	JobTypeRecalculateGoal    JobType = "nutrition.recalculate_goal"
)

// Named queues. Billing work never waits behind other background jobs.
const (
	QueueBilling = "billing"
	QueueDefault = "default"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusDead       JobStatus = "dead"
)

// Job represents a background job
type Job struct {
	ID    string  `json:"id"`
	Type  JobType `json:"type"`
	Queue string  `json:"queue"`
	// TraceID travels with the job explicitly; workers never derive it.
	TraceID     string                 `json:"trace_id"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	// RetryAt is set while the job waits in the delayed set.
	RetryAt *time.Time `json:"retry_at,omitempty"`
}

// Payload is implemented by every typed job payload.
type Payload interface {
	ToMap() map[string]interface{}
}

// SettleWebhookPayload asks a billing worker to settle one ledgered event.
type SettleWebhookPayload struct {
	EventID uint   `json:"event_id"`
	TraceID string `json:"trace_id"`
}

// ToMap converts the payload to a map for storage
func (p SettleWebhookPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"event_id": p.EventID,
		"trace_id": p.TraceID,
	}
}

// SettleWebhookPayloadFromMap creates a payload from a map
func SettleWebhookPayloadFromMap(data map[string]interface{}) (*SettleWebhookPayload, error) {
	var payload SettleWebhookPayload
	if err := fromMap(data, &payload); err != nil {
		return nil, err
	}
	if payload.EventID == 0 {
		return nil, errors.New("event_id is required")
	}
	return &payload, nil
}

// RecalculateGoalPayload notifies the nutrition side that a user's plan changed.
type RecalculateGoalPayload struct {
	UserID uint   `json:"user_id"`
	Plan   string `json:"plan"`
}

func (p RecalculateGoalPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"user_id": p.UserID,
		"plan":    p.Plan,
	}
}

func RecalculateGoalPayloadFromMap(data map[string]interface{}) (*RecalculateGoalPayload, error) {
	var payload RecalculateGoalPayload
	if err := fromMap(data, &payload); err != nil {
		return nil, err
	}
	if payload.UserID == 0 {
		return nil, errors.New("user_id is required")
	}
	return &payload, nil
}

func fromMap(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
	j.RetryAt = nil
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying parks the job until at.
func (j *Job) MarkAsRetrying(at time.Time) {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
	j.RetryAt = &at
}

// MarkAsDead records that the job will not run again without an operator.
func (j *Job) MarkAsDead() {
	j.Status = JobStatusDead
	j.UpdatedAt = time.Now()
	j.RetryAt = nil
}

// terminal is implemented by errors that know a retry cannot succeed.
type terminal interface {
	Terminal() bool
}

// IsTerminal reports whether err (or anything it wraps) is marked terminal.
func IsTerminal(err error) bool {
	var t terminal
	return errors.As(err, &t) && t.Terminal()
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string  { return e.err.Error() }
func (e *permanentError) Unwrap() error  { return e.err }
func (e *permanentError) Terminal() bool { return true }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
