package models

import (
	"encoding/json"
	"time"

	shared "NetDispatch/internal/shared/models"

	"NetDispatch/pkg/uuidutil"
)

type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateAssigned  JobState = "assigned"
	JobStateInFlight  JobState = "in_flight"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateTimedOut  JobState = "timed_out"
	JobStateCancelled JobState = "cancelled"
)

// JobSpec is the validated input of Dispatcher.Submit.
type JobSpec struct {
	Method     string
	URL        string
	Headers    map[string]string
	Body       json.RawMessage
	TimeoutSec float64
}

// JobResult is the successful outcome returned by an agent.
type JobResult struct {
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"-"`
	ElapsedSec float64           `json:"elapsed_sec"`
}

type Job struct {
	ID            string
	Spec          JobSpec
	State         JobState
	SubmittedAt   time.Time
	CompletedAt   time.Time
	AssignedAgent string
	AssignedIP    string
	Result        *JobResult
	Err           *shared.DispatchError
}

func NewJob(spec JobSpec) *Job {
	return &Job{
		ID:          uuidutil.New(),
		Spec:        spec,
		State:       JobStateQueued,
		SubmittedAt: time.Now(),
	}
}

func (j *Job) Assign(agentID, sourceIP string) {
	j.AssignedAgent = agentID
	j.AssignedIP = sourceIP
	j.State = JobStateAssigned
}

// Terminal reports whether the job reached one of the four terminal states.
func (j *Job) Terminal() bool {
	switch j.State {
	case JobStateCompleted, JobStateFailed, JobStateTimedOut, JobStateCancelled:
		return true
	}
	return false
}

// Outcome is the value a pending job is resolved with: exactly one of Result
// and Err is set.
type Outcome struct {
	Result *JobResult
	Err    *shared.DispatchError
}

// TerminalState maps an outcome to the job state it implies.
func (o Outcome) TerminalState() JobState {
	if o.Err == nil {
		return JobStateCompleted
	}
	switch o.Err.Kind {
	case shared.KindTimeout:
		return JobStateTimedOut
	case shared.KindCancelled:
		return JobStateCancelled
	default:
		return JobStateFailed
	}
}
