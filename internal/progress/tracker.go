package progress

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultETADisplayThreshold hides ETAs longer than this from human messages.
const DefaultETADisplayThreshold = 10 * time.Minute

// Listener receives a snapshot after every change to a job.
type Listener func(State)

// SubscriptionID identifies a Listener for Unsubscribe.
type SubscriptionID uint64

// Option configures a Tracker.
type Option func(*Tracker)

// WithSteps sets the step catalog used by Initialize.
func WithSteps(defs []StepDefinition) Option {
	return func(t *Tracker) {
		t.defs = defs
	}
}

// WithETADisplayThreshold sets the longest ETA HumanMessage will show.
func WithETADisplayThreshold(d time.Duration) Option {
	return func(t *Tracker) {
		t.etaThreshold = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

type job struct {
	state     State
	listeners map[SubscriptionID]Listener
}

// Tracker is the registry of job progress. Each operation applies one
// logical update under a single lock acquisition; listeners are called after
// the lock is released. Unknown jobs and invalid transitions are logged and
// ignored, never returned as errors.
type Tracker struct {
	mu           sync.Mutex
	jobs         map[string]*job
	defs         []StepDefinition
	etaThreshold time.Duration
	nextSubID    SubscriptionID
	now          func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		jobs:         make(map[string]*job),
		defs:         DefaultSteps(),
		etaThreshold: DefaultETADisplayThreshold,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize creates the progress state for jobID. Calling it again for a
// tracked job returns the existing state unchanged.
func (t *Tracker) Initialize(jobID string) State {
	t.mu.Lock()
	if j, ok := t.jobs[jobID]; ok {
		snap := j.state.clone()
		t.mu.Unlock()
		zap.L().Warn("progress: job already initialized", zap.String("job_id", jobID))
		return snap
	}

	now := t.now()
	steps := make([]Step, len(t.defs))
	total := 0
	for i, d := range t.defs {
		steps[i] = Step{
			ID:                       d.ID,
			Title:                    d.Title,
			Description:              d.Description,
			Status:                   StepPending,
			EstimatedDurationSeconds: d.EstimatedDurationSeconds,
		}
		total += d.EstimatedDurationSeconds
	}
	eta := now.Add(time.Duration(total) * time.Second)

	j := &job{
		state: State{
			JobID:                   jobID,
			Status:                  JobRunning,
			Steps:                   steps,
			StartTime:               now,
			EstimatedCompletionTime: &eta,
		},
		listeners: make(map[SubscriptionID]Listener),
	}
	t.jobs[jobID] = j
	snap := j.state.clone()
	t.mu.Unlock()

	zap.L().Debug("progress: job initialized", zap.String("job_id", jobID), zap.Int("steps", len(steps)))
	return snap
}

// Get returns a snapshot of jobID's state.
func (t *Tracker) Get(jobID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[jobID]
	if !ok {
		return State{}, false
	}
	return j.state.clone(), true
}

// JobIDs returns the tracked job ids in sorted order.
func (t *Tracker) JobIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.jobs))
	for id := range t.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartStep moves a pending step to in_progress.
func (t *Tracker) StartStep(jobID, stepID, detail string) {
	t.mutate(jobID, "start_step", func(j *job, now time.Time) bool {
		return startStep(&j.state, stepID, detail, now)
	})
}

// UpdateStepProgress sets the progress of an in_progress step, clamped to [0,100].
func (t *Tracker) UpdateStepProgress(jobID, stepID string, percent float64, detail string) {
	t.mutate(jobID, "update_step", func(j *job, now time.Time) bool {
		return updateStep(&j.state, stepID, percent, detail)
	})
}

// CompleteStep marks a step completed and re-estimates the completion time.
func (t *Tracker) CompleteStep(jobID, stepID, detail string) {
	t.mutate(jobID, "complete_step", func(j *job, now time.Time) bool {
		return completeStep(&j.state, stepID, detail, now)
	})
}

// ErrorStep marks a step as failed and flags the job. Other steps keep
// being tracked; the flag is advisory.
func (t *Tracker) ErrorStep(jobID, stepID, message string) {
	t.mutate(jobID, "error_step", func(j *job, now time.Time) bool {
		return errorStep(&j.state, stepID, message, now)
	})
}

// ApplyRemoteSteps folds step reports from the processing endpoint into the
// job as one update. Reports that would be invalid transitions are skipped.
func (t *Tracker) ApplyRemoteSteps(jobID string, remote []RemoteStep) {
	if len(remote) == 0 {
		return
	}
	t.mutate(jobID, "apply_remote", func(j *job, now time.Time) bool {
		changed := false
		for _, r := range remote {
			idx := stepIndex(&j.state, r.ID)
			if idx < 0 {
				continue
			}
			cur := j.state.Steps[idx].Status
			if cur.Terminal() {
				continue
			}
			switch r.Status {
			case StepInProgress:
				if cur == StepPending {
					changed = startStep(&j.state, r.ID, r.Detail, now) || changed
				}
				changed = updateStep(&j.state, r.ID, r.Percent, r.Detail) || changed
			case StepCompleted:
				if cur == StepPending {
					startStep(&j.state, r.ID, "", now)
				}
				changed = completeStep(&j.state, r.ID, r.Detail, now) || changed
			case StepError:
				changed = errorStep(&j.state, r.ID, r.Detail, now) || changed
			}
		}
		return changed
	})
}

// CompleteAll declares the job done. Steps still pending or in progress are
// force-completed so the job always reaches 100%. The job ends as
// completed, or as error if any step failed.
func (t *Tracker) CompleteAll(jobID string) {
	t.mutate(jobID, "complete_all", func(j *job, now time.Time) bool {
		s := &j.state
		for i := range s.Steps {
			st := &s.Steps[i]
			if st.Status.Terminal() {
				continue
			}
			if st.StartTime == nil {
				st.StartTime = timePtr(now)
			}
			st.Status = StepCompleted
			st.ProgressPercent = 100
			st.EndTime = timePtr(now)
		}
		if !s.Status.Terminal() {
			s.Status = JobCompleted
			if s.HasError {
				s.Status = JobError
			}
			s.ActualCompletionTime = timePtr(now)
			s.EstimatedCompletionTime = timePtr(now)
		}
		s.OverallProgressPercent = 100
		s.CurrentStepIndex = len(s.Steps) - 1
		return true
	})
}

// Fail ends the job in the error state without completing the remaining
// steps; they are marked as error. Used when the job can no longer finish.
func (t *Tracker) Fail(jobID, message string) {
	t.mutate(jobID, "fail", func(j *job, now time.Time) bool {
		s := &j.state
		for i := range s.Steps {
			st := &s.Steps[i]
			if st.Status.Terminal() {
				continue
			}
			st.Status = StepError
			st.EndTime = timePtr(now)
		}
		s.Status = JobError
		s.HasError = true
		s.ErrorMessage = message
		s.ActualCompletionTime = timePtr(now)
		s.CurrentStepIndex = currentIndex(s)
		return true
	})
}

// Subscribe registers fn for jobID and immediately delivers the current
// state to it, so late subscribers still see a terminal job's final state.
// Returns false if the job is unknown.
func (t *Tracker) Subscribe(jobID string, fn Listener) (SubscriptionID, bool) {
	t.mu.Lock()
	j, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return 0, false
	}
	t.nextSubID++
	id := t.nextSubID
	j.listeners[id] = fn
	snap := j.state.clone()
	t.mu.Unlock()

	notify(jobID, snap, []Listener{fn})
	return id, true
}

// Unsubscribe removes a listener. Unknown ids are ignored.
func (t *Tracker) Unsubscribe(jobID string, id SubscriptionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[jobID]; ok {
		delete(j.listeners, id)
	}
}

// Cleanup removes jobID. Its listeners get one last snapshot with Removed
// set and are then dropped.
func (t *Tracker) Cleanup(jobID string) bool {
	t.mu.Lock()
	j, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.jobs, jobID)
	snap := j.state.clone()
	snap.Removed = true
	listeners := make([]Listener, 0, len(j.listeners))
	for _, l := range j.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	notify(jobID, snap, listeners)
	return true
}

// CleanupTerminal removes finished jobs whose completion is older than
// retention, and returns how many were removed.
func (t *Tracker) CleanupTerminal(retention time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-retention)
	n := 0
	for id, j := range t.jobs {
		done := j.state.ActualCompletionTime
		if j.state.Status.Terminal() && done != nil && done.Before(cutoff) {
			delete(t.jobs, id)
			n++
		}
	}
	return n
}

// HumanMessage renders the job's current step for display, using the
// tracker's clock and ETA threshold.
func (t *Tracker) HumanMessage(s State) string {
	return HumanMessage(s, t.now(), t.etaThreshold)
}

// mutate applies fn to a running job under the lock, recomputes derived
// fields, and notifies listeners if fn reported a change. Terminal jobs only
// accept complete_all, which is idempotent.
func (t *Tracker) mutate(jobID, op string, fn func(j *job, now time.Time) bool) {
	log := zap.L().With(zap.String("job_id", jobID), zap.String("op", op))

	t.mu.Lock()
	j, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		log.Warn("progress: unknown job")
		return
	}
	if j.state.Status.Terminal() && op != "complete_all" {
		t.mu.Unlock()
		log.Debug("progress: ignoring update to finished job")
		return
	}

	now := t.now()
	prevPct := j.state.OverallProgressPercent
	if !fn(j, now) {
		t.mu.Unlock()
		return
	}
	recompute(&j.state, prevPct)

	snap := j.state.clone()
	listeners := make([]Listener, 0, len(j.listeners))
	for _, l := range j.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	notify(jobID, snap, listeners)
}

// notify calls each listener, recovering panics so one bad listener cannot
// affect the others or the tracker.
func notify(jobID string, snap State, listeners []Listener) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					zap.L().Error("progress: listener panicked",
						zap.String("job_id", jobID),
						zap.Any("panic", r),
					)
				}
			}()
			l(snap.clone())
		}()
	}
}

func startStep(s *State, stepID, detail string, now time.Time) bool {
	idx := stepIndex(s, stepID)
	if idx < 0 {
		zap.L().Warn("progress: unknown step", zap.String("job_id", s.JobID), zap.String("step", stepID))
		return false
	}
	st := &s.Steps[idx]
	if st.Status != StepPending {
		zap.L().Warn("progress: step already started",
			zap.String("job_id", s.JobID),
			zap.String("step", stepID),
			zap.String("status", string(st.Status)),
		)
		return false
	}
	st.Status = StepInProgress
	st.StartTime = timePtr(now)
	if detail != "" {
		st.Detail = detail
	}
	return true
}

func updateStep(s *State, stepID string, percent float64, detail string) bool {
	idx := stepIndex(s, stepID)
	if idx < 0 {
		zap.L().Warn("progress: unknown step", zap.String("job_id", s.JobID), zap.String("step", stepID))
		return false
	}
	st := &s.Steps[idx]
	if st.Status != StepInProgress {
		zap.L().Warn("progress: step not in progress",
			zap.String("job_id", s.JobID),
			zap.String("step", stepID),
			zap.String("status", string(st.Status)),
		)
		return false
	}
	if math.IsNaN(percent) {
		zap.L().Warn("progress: ignoring NaN percent", zap.String("job_id", s.JobID), zap.String("step", stepID))
		percent = st.ProgressPercent
	}
	st.ProgressPercent = clamp(percent, 0, 100)
	if detail != "" {
		st.Detail = detail
	}
	return true
}

func completeStep(s *State, stepID, detail string, now time.Time) bool {
	idx := stepIndex(s, stepID)
	if idx < 0 {
		zap.L().Warn("progress: unknown step", zap.String("job_id", s.JobID), zap.String("step", stepID))
		return false
	}
	st := &s.Steps[idx]
	if st.Status.Terminal() {
		zap.L().Debug("progress: step already finished", zap.String("job_id", s.JobID), zap.String("step", stepID))
		return false
	}
	if st.StartTime == nil {
		st.StartTime = timePtr(now)
	}
	st.Status = StepCompleted
	st.ProgressPercent = 100
	st.EndTime = timePtr(now)
	if detail != "" {
		st.Detail = detail
	}

	// Linear extrapolation from elapsed time and percent done so far.
	pct := rawPercent(s)
	if pct > 0 && pct < 100 {
		elapsed := now.Sub(s.StartTime)
		total := time.Duration(float64(elapsed) / (pct / 100))
		s.EstimatedCompletionTime = timePtr(s.StartTime.Add(total))
	}
	return true
}

func errorStep(s *State, stepID, message string, now time.Time) bool {
	idx := stepIndex(s, stepID)
	if idx < 0 {
		zap.L().Warn("progress: unknown step", zap.String("job_id", s.JobID), zap.String("step", stepID))
		return false
	}
	st := &s.Steps[idx]
	if st.Status.Terminal() {
		return false
	}
	if st.StartTime == nil {
		st.StartTime = timePtr(now)
	}
	st.Status = StepError
	st.EndTime = timePtr(now)
	if message != "" {
		st.Detail = message
	}
	s.HasError = true
	s.ErrorMessage = message
	return true
}

// recompute refreshes the derived fields. The overall percentage is held at
// its previous value if the recomputed one is lower.
func recompute(s *State, prevPct float64) {
	s.CurrentStepIndex = currentIndex(s)
	pct := rawPercent(s)
	if pct < prevPct {
		pct = prevPct
	}
	s.OverallProgressPercent = pct
}

// rawPercent is (finished steps + in-progress fractions) / total * 100.
// Failed steps count as finished.
func rawPercent(s *State) float64 {
	if len(s.Steps) == 0 {
		return 0
	}
	var done float64
	for _, st := range s.Steps {
		switch st.Status {
		case StepCompleted, StepError:
			done++
		case StepInProgress:
			done += st.ProgressPercent / 100
		}
	}
	return clamp(done/float64(len(s.Steps))*100, 0, 100)
}

// currentIndex is the first in-progress step, else the first pending step,
// else the last step.
func currentIndex(s *State) int {
	firstPending := -1
	for i, st := range s.Steps {
		if st.Status == StepInProgress {
			return i
		}
		if st.Status == StepPending && firstPending < 0 {
			firstPending = i
		}
	}
	if firstPending >= 0 {
		return firstPending
	}
	if len(s.Steps) == 0 {
		return 0
	}
	return len(s.Steps) - 1
}

func stepIndex(s *State, stepID string) int {
	for i := range s.Steps {
		if s.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
