// Package jobsync answers progress polls from the freshest source available:
// the local result cache, then the processing endpoint, then a synthetic
// "still processing" payload. Every outcome is reported as a Result; nothing
// escapes as an error or panic.
package jobsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/diagnosis-cli/internal/cache"
	"github.com/sells-group/diagnosis-cli/internal/resilience"
	"github.com/sells-group/diagnosis-cli/pkg/gas"
)

// DataSource records which path produced a Result's data.
type DataSource string

// Data sources.
const (
	SourceCache    DataSource = "cache"
	SourceRemote   DataSource = "remote"
	SourceFallback DataSource = "fallback"
)

const (
	defaultSweepInterval = time.Minute
	defaultFallbackETA   = 2 * time.Minute
	fallbackMessage      = "분석이 진행 중입니다. 잠시 후 자동으로 갱신됩니다"
	maxJobIDLen          = 128
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Result is the unified answer to a poll.
type Result struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	DataSource DataSource      `json:"dataSource,omitempty"`
	CacheHit   bool            `json:"cacheHit"`
	Attempts   int             `json:"attempts"`
	SyncTimeMs int64           `json:"syncTimeMs"`
	Error      string          `json:"error,omitempty"`
}

// FallbackPayload is the synthetic data returned when the endpoint could not
// confirm the job's state.
type FallbackPayload struct {
	Status                 string `json:"status"`
	Message                string `json:"message"`
	EstimatedTimeRemaining int    `json:"estimatedTimeRemaining"`
	Degraded               bool   `json:"degraded"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithBreaker replaces the circuit breaker guarding the endpoint.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(m *Manager) {
		m.breaker = cb
	}
}

// WithSweepInterval sets how often SyncJobData sweeps expired cache entries.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.sweepInterval = d
	}
}

// WithPendingTTL caps how long a payload for a job that is still running
// stays cached. Zero keeps the cache's own TTL for every payload.
func WithPendingTTL(d time.Duration) Option {
	return func(m *Manager) {
		m.pendingTTL = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager is the single seam pollers use to read job data.
type Manager struct {
	cache         *cache.ResultCache
	remote        gas.Client
	breaker       *resilience.CircuitBreaker
	group         singleflight.Group
	sweepInterval time.Duration
	pendingTTL    time.Duration
	now           func() time.Time

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// NewManager creates a Manager reading through c to remote.
func NewManager(c *cache.ResultCache, remote gas.Client, opts ...Option) *Manager {
	m := &Manager{
		cache:         c,
		remote:        remote,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.breaker == nil {
		m.breaker = resilience.NewCircuitBreaker(resilience.TransientOnly(resilience.DefaultCircuitBreakerConfig()))
	}
	return m
}

// ValidJobID reports whether id is well formed.
func ValidJobID(id string) bool {
	return len(id) > 0 && len(id) <= maxJobIDLen && jobIDPattern.MatchString(id)
}

// RemoteAvailable reports whether the endpoint's breaker is letting calls through.
func (m *Manager) RemoteAvailable() bool {
	return m.breaker.Available()
}

// Forget drops any cached data for jobID.
func (m *Manager) Forget(jobID string) {
	m.cache.Delete(jobID)
	m.group.Forget(jobID)
}

// Sweep removes expired cache entries now and returns how many were removed.
func (m *Manager) Sweep() int {
	m.sweepMu.Lock()
	m.lastSweep = m.now()
	m.sweepMu.Unlock()
	return m.cache.SweepExpired()
}

// SyncJobData returns the latest data for jobID. Lookup order is cache,
// endpoint, synthetic fallback. Attempts counts upstream calls made.
func (m *Manager) SyncJobData(ctx context.Context, jobID string) Result {
	start := m.now()
	res := m.sync(ctx, jobID)
	res.SyncTimeMs = m.now().Sub(start).Milliseconds()
	return res
}

func (m *Manager) sync(ctx context.Context, jobID string) Result {
	log := zap.L().With(zap.String("job_id", jobID))

	if !ValidJobID(jobID) {
		log.Warn("jobsync: malformed job id")
		return Result{Success: false, Error: "malformed job id"}
	}

	m.maybeSweep()

	if data, ok := m.cache.Get(jobID); ok {
		return Result{Success: true, Data: data, DataSource: SourceCache, CacheHit: true}
	}

	if !m.breaker.Available() {
		log.Debug("jobsync: endpoint circuit open, serving fallback")
		return fallback(0, defaultFallbackETA, fallbackMessage)
	}

	// The shared call outlives any one poller; the proxy's own ceiling bounds it.
	ch := m.group.DoChan(jobID, func() (any, error) {
		return m.fetch(context.WithoutCancel(ctx), jobID)
	})
	var out singleflight.Result
	select {
	case out = <-ch:
	case <-ctx.Done():
		log.Debug("jobsync: poller left before status returned", zap.Error(ctx.Err()))
		return fallback(0, defaultFallbackETA, fallbackMessage)
	}
	err, shared := out.Err, out.Shared
	resp, _ := out.Val.(*gas.Response)

	switch {
	case err == nil && resp != nil:
		payload := resp.RawPayload
		if len(payload) == 0 {
			payload, _ = json.Marshal(resp)
		}
		m.store(jobID, payload)
		log.Debug("jobsync: remote hit", zap.Bool("shared", shared))
		return Result{Success: true, Data: payload, DataSource: SourceRemote, Attempts: 1}

	case errors.Is(err, resilience.ErrDegraded) && resp != nil:
		msg := resp.Message
		if msg == "" {
			msg = fallbackMessage
		}
		eta := resp.EstimatedTimeRemaining
		if eta <= 0 {
			eta = defaultFallbackETA
		}
		log.Info("jobsync: endpoint degraded, serving fallback",
			zap.String("synthetic_job_id", resp.JobID),
			zap.Duration("eta", eta),
		)
		return fallback(1, eta, msg)

	case errors.Is(err, resilience.ErrCircuitOpen):
		return fallback(0, defaultFallbackETA, fallbackMessage)

	default:
		if err == nil {
			err = eris.New("empty response")
		}
		log.Warn("jobsync: remote sync failed", zap.Error(err))
		return Result{Success: false, Attempts: 1, Error: err.Error()}
	}
}

// fetch makes the single upstream call through the breaker. A degraded
// response is returned together with ErrDegraded so it counts against the
// endpoint's health.
func (m *Manager) fetch(ctx context.Context, jobID string) (*gas.Response, error) {
	return resilience.ExecuteVal(ctx, m.breaker, func(ctx context.Context) (resp *gas.Response, err error) {
		defer func() {
			if r := recover(); r != nil {
				resp = nil
				err = eris.Errorf("jobsync: status call panicked: %v", r)
			}
		}()

		resp, err = m.remote.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, eris.New("jobsync: nil status response")
		}
		if resp.IsDegraded {
			return resp, fmt.Errorf("status %s: %w", jobID, resilience.ErrDegraded)
		}
		return resp, nil
	})
}

// store caches payload. Payloads that are not terminal get the shorter
// pending TTL when one is configured.
func (m *Manager) store(jobID string, payload json.RawMessage) {
	if m.pendingTTL > 0 && m.pendingTTL < m.cache.TTL() && !terminalPayload(payload) {
		m.cache.SetWithTTL(jobID, payload, m.pendingTTL)
		return
	}
	m.cache.Set(jobID, payload)
}

// terminalPayload reports whether payload describes a finished job.
func terminalPayload(payload json.RawMessage) bool {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return false
	}
	switch strings.ToLower(body.Status) {
	case "completed", "complete", "done", "error", "failed":
		return true
	}
	return false
}

func (m *Manager) maybeSweep() {
	m.sweepMu.Lock()
	now := m.now()
	due := now.Sub(m.lastSweep) >= m.sweepInterval
	if due {
		m.lastSweep = now
	}
	m.sweepMu.Unlock()

	if due {
		if n := m.cache.SweepExpired(); n > 0 {
			zap.L().Debug("jobsync: swept expired cache entries", zap.Int("evicted", n))
		}
	}
}

func fallback(attempts int, eta time.Duration, msg string) Result {
	data, _ := json.Marshal(FallbackPayload{
		Status:                 "processing",
		Message:                msg,
		EstimatedTimeRemaining: int(eta.Seconds()),
		Degraded:               true,
	})
	return Result{
		Success:    true,
		Data:       data,
		DataSource: SourceFallback,
		Attempts:   attempts,
	}
}
