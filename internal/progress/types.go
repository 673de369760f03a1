// Package progress tracks the step-by-step progress of diagnosis jobs.
//
// Each job has a fixed, ordered list of steps. A step moves
// pending → in_progress → completed|error; the job moves
// running → completed|error and stays there. The overall percentage is
// derived from step states and never decreases while the job runs.
package progress

import (
	"time"
)

// StepStatus is the state of one pipeline step.
type StepStatus string

// Step states.
const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepError      StepStatus = "error"
)

// Terminal reports whether the step can no longer change.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepError
}

// JobStatus is the aggregate state of a job.
type JobStatus string

// Job states.
const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobError     JobStatus = "error"
)

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError
}

// Step is one entry of a job's pipeline.
type Step struct {
	ID                       string     `json:"id"`
	Title                    string     `json:"title"`
	Description              string     `json:"description"`
	Status                   StepStatus `json:"status"`
	StartTime                *time.Time `json:"startTime,omitempty"`
	EndTime                  *time.Time `json:"endTime,omitempty"`
	ProgressPercent          float64    `json:"progressPercent"`
	EstimatedDurationSeconds int        `json:"estimatedDurationSeconds"`
	Detail                   string     `json:"detail,omitempty"`
}

// State is the aggregate progress of one job. Snapshots handed out by the
// Tracker are deep copies and safe to keep.
type State struct {
	JobID                   string     `json:"jobId"`
	Status                  JobStatus  `json:"status"`
	Steps                   []Step     `json:"steps"`
	CurrentStepIndex        int        `json:"currentStepIndex"`
	OverallProgressPercent  float64    `json:"overallProgressPercent"`
	StartTime               time.Time  `json:"startTime"`
	EstimatedCompletionTime *time.Time `json:"estimatedCompletionTime,omitempty"`
	ActualCompletionTime    *time.Time `json:"actualCompletionTime,omitempty"`
	HasError                bool       `json:"hasError"`
	ErrorMessage            string     `json:"errorMessage,omitempty"`
	// Removed is set only on the final snapshot sent to listeners when the
	// job is dropped from the tracker.
	Removed bool `json:"removed,omitempty"`
}

// CurrentStep returns the step at CurrentStepIndex, or false if there are none.
func (s State) CurrentStep() (Step, bool) {
	if s.CurrentStepIndex < 0 || s.CurrentStepIndex >= len(s.Steps) {
		return Step{}, false
	}
	return s.Steps[s.CurrentStepIndex], true
}

func (s State) clone() State {
	out := s
	out.Steps = make([]Step, len(s.Steps))
	for i, st := range s.Steps {
		out.Steps[i] = st
		out.Steps[i].StartTime = cloneTime(st.StartTime)
		out.Steps[i].EndTime = cloneTime(st.EndTime)
	}
	out.EstimatedCompletionTime = cloneTime(s.EstimatedCompletionTime)
	out.ActualCompletionTime = cloneTime(s.ActualCompletionTime)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RemoteStep is step information reported by the processing endpoint.
type RemoteStep struct {
	ID      string     `json:"id"`
	Status  StepStatus `json:"status"`
	Percent float64    `json:"percent"`
	Detail  string     `json:"detail,omitempty"`
}
