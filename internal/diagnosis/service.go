// Package diagnosis orchestrates diagnosis jobs: it validates submissions,
// hands them to the processing endpoint, and answers progress polls by
// combining the progress tracker with the sync manager.
package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diagnosis-cli/internal/jobsync"
	"github.com/sells-group/diagnosis-cli/internal/progress"
	"github.com/sells-group/diagnosis-cli/internal/validate"
	"github.com/sells-group/diagnosis-cli/pkg/gas"
)

const (
	jobIDPrefix           = "DX-"
	defaultHandoffTimeout = 12 * time.Minute
	defaultRetention      = time.Hour
	handoffFailedMessage  = "처리 서버에 진단 요청을 전달하지 못했습니다"
)

// ErrUnknownJob is returned by Poll for a job id that is not tracked.
var ErrUnknownJob = eris.New("diagnosis: unknown job")

// Request is a diagnosis submission.
type Request struct {
	Company  string         `json:"companyName"`
	Contact  string         `json:"contactName"`
	Email    string         `json:"email"`
	Phone    string         `json:"phone"`
	Industry string         `json:"industry,omitempty"`
	Answers  map[string]any `json:"answers,omitempty"`
}

// ValidationError lists the rejected fields and what to fix.
type ValidationError struct {
	Fields map[string][]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("diagnosis: invalid fields: %s", strings.Join(names, ", "))
}

// Timing tells the client which upstreams are healthy so a degraded state
// can be explained instead of shown as a bare spinner.
type Timing struct {
	GASAvailable   bool `json:"gasAvailable"`
	LocalAvailable bool `json:"localAvailable"`
	FallbackMode   bool `json:"fallbackMode"`
}

// PollResponse is the answer to a progress poll.
type PollResponse struct {
	Success    bool               `json:"success"`
	Progress   progress.State     `json:"progress"`
	Completed  bool               `json:"completed"`
	Message    string             `json:"message"`
	DataSource jobsync.DataSource `json:"dataSource,omitempty"`
	CacheHit   bool               `json:"cacheHit"`
	Data       json.RawMessage    `json:"data,omitempty"`
	Timing     Timing             `json:"timing"`
	Error      string             `json:"error,omitempty"`
}

// Recorder stores a submission row in the spreadsheet behind the endpoint.
// gas.Client satisfies it.
type Recorder interface {
	Record(ctx context.Context, rec gas.Record) error
}

// NopRecorder discards records.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, gas.Record) error { return nil }

// ModelStatus reports the AI selector's provider health.
type ModelStatus interface {
	LocalAvailable() bool
}

// remotePayload is the part of the endpoint's status payload the tracker
// understands. Unknown fields are passed through to the client untouched.
type remotePayload struct {
	Status  string                `json:"status"`
	Steps   []progress.RemoteStep `json:"steps"`
	Message string                `json:"message"`
	Error   string                `json:"error"`
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder sets where submissions are recorded.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithModelStatus reports local model health in poll timing.
func WithModelStatus(m ModelStatus) Option {
	return func(s *Service) {
		s.models = m
	}
}

// WithHandoffTimeout bounds the background submit call.
func WithHandoffTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.handoffTimeout = d
	}
}

// WithRetention sets how long finished jobs stay tracked.
func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		s.retention = d
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

// Service owns the tracker registry and the sync manager for one process.
type Service struct {
	tracker        *progress.Tracker
	sync           *jobsync.Manager
	remote         gas.Client
	recorder       Recorder
	models         ModelStatus
	handoffTimeout time.Duration
	retention      time.Duration
	newID          func() string
	wg             sync.WaitGroup
}

// NewService wires a Service.
func NewService(tracker *progress.Tracker, syncMgr *jobsync.Manager, remote gas.Client, opts ...Option) *Service {
	s := &Service{
		tracker:        tracker,
		sync:           syncMgr,
		remote:         remote,
		recorder:       NopRecorder{},
		handoffTimeout: defaultHandoffTimeout,
		retention:      defaultRetention,
		newID:          func() string { return jobIDPrefix + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates req, starts tracking a new job, and hands it to the
// processing endpoint in the background. The returned id is the job's
// correlation id for polling. Only validation failures are returned as
// errors; handoff problems show up in the job's progress.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	phone, email, err := validateRequest(req)
	if err != nil {
		return "", err
	}
	risk := validate.ClassifyRisk(phone, email)

	jobID := s.newID()
	log := zap.L().With(zap.String("job_id", jobID))

	s.tracker.Initialize(jobID)
	s.tracker.StartStep(jobID, progress.StepValidate, "")
	s.tracker.CompleteStep(jobID, progress.StepValidate, "연락처 확인 완료")
	s.tracker.StartStep(jobID, progress.StepAnalyze, "처리 서버에 분석을 요청하고 있습니다")

	if risk == validate.RiskHigh {
		log.Warn("diagnosis: high-risk contact", zap.String("email_class", string(email.DomainClassification)))
	}
	log.Info("diagnosis: submitted", zap.String("company", req.Company), zap.String("risk", string(risk)))

	sub := gas.SubmitRequest{
		JobID:   jobID,
		Company: strings.TrimSpace(req.Company),
		Contact: strings.TrimSpace(req.Contact),
		Email:   strings.TrimSpace(req.Email),
		Phone:   phone.Normalized,
		Answers: req.Answers,
	}
	if req.Industry != "" {
		if sub.Answers == nil {
			sub.Answers = map[string]any{}
		}
		sub.Answers["industry"] = req.Industry
	}
	rec := gas.Record{
		JobID:       jobID,
		Company:     sub.Company,
		Email:       sub.Email,
		Phone:       sub.Phone,
		Risk:        string(risk),
		SubmittedAt: time.Now().UTC(),
	}

	// The remote job is not cancelable once handed off, so the request's
	// cancellation must not reach it.
	s.wg.Add(1)
	go s.handoff(context.WithoutCancel(ctx), sub, rec)

	return jobID, nil
}

func (s *Service) handoff(ctx context.Context, sub gas.SubmitRequest, rec gas.Record) {
	defer s.wg.Done()
	log := zap.L().With(zap.String("job_id", sub.JobID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("diagnosis: handoff panicked", zap.Any("panic", r))
			s.tracker.ErrorStep(sub.JobID, progress.StepAnalyze, handoffFailedMessage)
			s.tracker.Fail(sub.JobID, handoffFailedMessage)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.handoffTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.remote.Submit(ctx, sub)
	if err == nil && resp == nil {
		err = eris.New("empty submit response")
	}
	switch {
	case err != nil:
		log.Error("diagnosis: handoff failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		s.tracker.ErrorStep(sub.JobID, progress.StepAnalyze, handoffFailedMessage)
		s.tracker.Fail(sub.JobID, handoffFailedMessage)
	case resp.IsDegraded:
		log.Warn("diagnosis: handoff degraded, job assumed running",
			zap.String("synthetic_job_id", resp.JobID),
			zap.Duration("eta", resp.EstimatedTimeRemaining),
			zap.Duration("elapsed", time.Since(start)),
		)
	default:
		log.Info("diagnosis: handoff accepted", zap.Duration("elapsed", time.Since(start)))
		s.tracker.UpdateStepProgress(sub.JobID, progress.StepAnalyze, 10, "처리 서버가 요청을 접수했습니다")
	}

	if err := s.recorder.Record(ctx, rec); err != nil {
		log.Warn("diagnosis: record submission failed", zap.Error(err))
	}
}

// Poll returns the job's progress, refreshed from the freshest available
// source. A failed sync is reported in the response, not as an error.
func (s *Service) Poll(ctx context.Context, jobID string) (*PollResponse, error) {
	if _, ok := s.tracker.Get(jobID); !ok {
		return nil, eris.Wrapf(ErrUnknownJob, "poll %s", jobID)
	}

	res := s.sync.SyncJobData(ctx, jobID)
	if res.Success && res.DataSource != jobsync.SourceFallback {
		s.applyRemote(jobID, res.Data)
	}

	state, ok := s.tracker.Get(jobID)
	if !ok {
		return nil, eris.Wrapf(ErrUnknownJob, "poll %s", jobID)
	}

	return &PollResponse{
		Success:    res.Success,
		Progress:   state,
		Completed:  state.Status.Terminal(),
		Message:    s.tracker.HumanMessage(state),
		DataSource: res.DataSource,
		CacheHit:   res.CacheHit,
		Data:       res.Data,
		Timing:     s.timing(res),
		Error:      res.Error,
	}, nil
}

// applyRemote folds the endpoint's step report into the tracker.
func (s *Service) applyRemote(jobID string, data json.RawMessage) {
	var p remotePayload
	if err := json.Unmarshal(data, &p); err != nil {
		zap.L().Debug("diagnosis: payload has no progress shape", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	s.tracker.ApplyRemoteSteps(jobID, p.Steps)

	switch strings.ToLower(p.Status) {
	case "completed", "complete", "done":
		s.tracker.CompleteAll(jobID)
	case "error", "failed":
		msg := p.Error
		if msg == "" {
			msg = p.Message
		}
		s.tracker.Fail(jobID, msg)
	}
}

// Timing reports current upstream health without polling a job.
func (s *Service) Timing() Timing {
	return s.timing(jobsync.Result{})
}

func (s *Service) timing(res jobsync.Result) Timing {
	t := Timing{GASAvailable: s.sync.RemoteAvailable()}
	if s.models != nil {
		t.LocalAvailable = s.models.LocalAvailable()
	}
	t.FallbackMode = res.DataSource == jobsync.SourceFallback || !t.GASAvailable
	return t
}

// State returns the tracked state of jobID.
func (s *Service) State(jobID string) (progress.State, bool) {
	return s.tracker.Get(jobID)
}

// HumanMessage renders st for display.
func (s *Service) HumanMessage(st progress.State) string {
	return s.tracker.HumanMessage(st)
}

// Subscribe streams jobID's progress to fn. See progress.Tracker.Subscribe.
func (s *Service) Subscribe(jobID string, fn progress.Listener) (progress.SubscriptionID, bool) {
	return s.tracker.Subscribe(jobID, fn)
}

// Unsubscribe stops a stream started with Subscribe.
func (s *Service) Unsubscribe(jobID string, id progress.SubscriptionID) {
	s.tracker.Unsubscribe(jobID, id)
}

// Cleanup forgets jobID entirely.
func (s *Service) Cleanup(jobID string) bool {
	s.sync.Forget(jobID)
	return s.tracker.Cleanup(jobID)
}

// Janitor removes finished jobs older than the retention window and sweeps
// the result cache.
func (s *Service) Janitor() {
	jobs := s.tracker.CleanupTerminal(s.retention)
	entries := s.sync.Sweep()
	if jobs > 0 || entries > 0 {
		zap.L().Info("diagnosis: janitor",
			zap.Int("jobs_removed", jobs),
			zap.Int("cache_evicted", entries),
		)
	}
}

// Wait blocks until in-flight handoffs finish.
func (s *Service) Wait() {
	s.wg.Wait()
}
