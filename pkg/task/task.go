// Package task defines the core Task and TaskGroup data structures shared
// between the master and slave: a Task is one attempt at running a
// content-addressed test payload, and a TaskGroup aggregates every attempt
// sharing the same (job_id, task_id).
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Status codes recorded on a finished attempt. A row with Status == nil
// has not yet finished.
const (
	StatusSuccess  = 0
	StatusTimedOut = -9
	StatusCanceled = -1
)

// DefaultPriority is used for tasks submitted as part of a fresh job.
// Lower values reserve first.
const DefaultPriority = 1 << 31

// Task is the serializable description of a single test-execution attempt,
// exchanged between the client, master and slave and persisted (once
// registered) as a row in the results store.
type Task struct {
	JobID                string   `json:"job_id" validate:"required"`
	TaskID               string   `json:"task_id" validate:"required"`
	IsolateHash          string   `json:"isolate_hash" validate:"required,hexadecimal,len=40"`
	Description          string   `json:"description" validate:"required"`
	TimeoutSecs          int      `json:"timeout" validate:"gte=0"`
	Attempt              int      `json:"attempt" validate:"gte=0"`
	MaxRetries           int      `json:"max_retries" validate:"gte=0"`
	ArtifactArchiveGlobs []string `json:"artifact_archive_globs" validate:"dive,required"`

	// Record fields, populated by the master/slave over the lifetime of
	// the attempt. Absent from the wire JSON exchanged with the runner.
	SubmitTS    time.Time  `json:"-"`
	StartTS     *time.Time `json:"-"`
	CompleteTS  *time.Time `json:"-"`
	Hostname    string     `json:"-"`
	Status      *int       `json:"-"`
	OutputHash  string     `json:"-"`
	StdoutAbbr  string     `json:"-"`
	StderrAbbr  string     `json:"-"`
	StdoutKey   string     `json:"-"`
	StderrKey   string     `json:"-"`
	ArtifactKey string     `json:"-"`
}

// Validate checks structural invariants on a task description as submitted
// by a client. It does not validate record fields, which are populated
// server-side.
func (t *Task) Validate() error {
	return validate.Struct(t)
}

// RetryID is the attempt-independent identity of a task group, used by the
// slave's anti-affinity cache.
func (t *Task) RetryID() string {
	return t.JobID + "." + t.TaskID
}

// ID is the fully-qualified identity of this attempt, used as the blob-store
// key prefix.
func (t *Task) ID() string {
	return fmt.Sprintf("%s.%s.%d", t.JobID, t.TaskID, t.Attempt)
}

// ToJSON serializes the task for transport over the queue or to the master's
// /retry_task endpoint.
func (t *Task) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// FromJSON deserializes a task as produced by ToJSON.
func FromJSON(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// IsFinished reports whether this single attempt has completed (success,
// failure, timeout or cancellation).
func (t *Task) IsFinished() bool {
	return t.Status != nil
}
