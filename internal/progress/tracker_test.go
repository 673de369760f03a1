package progress

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func threeSteps() []StepDefinition {
	return []StepDefinition{
		{"a", "첫 단계", "준비", 10},
		{"b", "둘째 단계", "처리", 20},
		{"c", "셋째 단계", "마무리", 10},
	}
}

func TestInitialize(t *testing.T) {
	clk := newFakeClock()
	tr := NewTracker(WithClock(clk.Now))

	s := tr.Initialize("DX-1")
	assert.Equal(t, "DX-1", s.JobID)
	assert.Equal(t, JobRunning, s.Status)
	require.Len(t, s.Steps, 10)
	for _, st := range s.Steps {
		assert.Equal(t, StepPending, st.Status)
	}
	assert.Equal(t, 0, s.CurrentStepIndex)
	assert.Zero(t, s.OverallProgressPercent)
	require.NotNil(t, s.EstimatedCompletionTime)
	assert.Equal(t, clk.Now().Add(220*time.Second), *s.EstimatedCompletionTime)
}

func TestInitialize_TwiceKeepsState(t *testing.T) {
	tr := NewTracker(WithSteps(threeSteps()))
	tr.Initialize("j")
	tr.StartStep("j", "a", "")

	s := tr.Initialize("j")
	assert.Equal(t, StepInProgress, s.Steps[0].Status)
}

func TestStepLifecycle(t *testing.T) {
	clk := newFakeClock()
	tr := NewTracker(WithSteps(threeSteps()), WithClock(clk.Now))
	tr.Initialize("j")

	tr.StartStep("j", "a", "시작")
	s, ok := tr.Get("j")
	require.True(t, ok)
	assert.Equal(t, StepInProgress, s.Steps[0].Status)
	assert.Equal(t, "시작", s.Steps[0].Detail)
	require.NotNil(t, s.Steps[0].StartTime)

	tr.UpdateStepProgress("j", "a", 50, "")
	s, _ = tr.Get("j")
	assert.InDelta(t, 50.0/3, s.OverallProgressPercent, 0.001)

	clk.Advance(5 * time.Second)
	tr.CompleteStep("j", "a", "")
	s, _ = tr.Get("j")
	assert.Equal(t, StepCompleted, s.Steps[0].Status)
	assert.Equal(t, float64(100), s.Steps[0].ProgressPercent)
	require.NotNil(t, s.Steps[0].EndTime)
	assert.Equal(t, 1, s.CurrentStepIndex)
	assert.InDelta(t, 100.0/3, s.OverallProgressPercent, 0.001)
}

func TestUpdateStepProgress_Clamped(t *testing.T) {
	tr := NewTracker(WithSteps(threeSteps()))
	tr.Initialize("j")
	tr.StartStep("j", "a", "")

	tr.UpdateStepProgress("j", "a", 250, "")
	s, _ := tr.Get("j")
	assert.Equal(t, float64(100), s.Steps[0].ProgressPercent)

	tr.UpdateStepProgress("j", "a", -10, "")
	s, _ = tr.Get("j")
	assert.Equal(t, float64(0), s.Steps[0].ProgressPercent)
}

func TestUpdateStepProgress_NaNIgnored(t *testing.T) {
	tr := NewTracker(WithSteps(threeSteps()))
	tr.Initialize("j")
	tr.StartStep("j", "a", "")

	tr.UpdateStepProgress("j", "a", 50, "")
	before, _ := tr.Get("j")

	tr.UpdateStepProgress("j", "a", math.NaN(), "")
	after, _ := tr.Get("j")
	assert.Equal(t, float64(50), after.Steps[0].ProgressPercent)
	assert.Equal(t, before.OverallProgressPercent, after.OverallProgressPercent)
	assert.False(t, math.IsNaN(after.OverallProgressPercent))

	_, err := json.Marshal(after)
	require.NoError(t, err)

	// The non-decreasing guard still holds afterwards.
	tr.UpdateStepProgress("j", "a", 10, "")
	later, _ := tr.Get("j")
	assert.GreaterOrEqual(t, later.OverallProgressPercent, after.OverallProgressPercent)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, float64(0), clamp(math.NaN(), 0, 100))
	assert.Equal(t, float64(0), clamp(math.Inf(-1), 0, 100))
	assert.Equal(t, float64(100), clamp(math.Inf(1), 0, 100))
	assert.Equal(t, 42.5, clamp(42.5, 0, 100))
}

func TestOverallPercentNeverDecreases(t *testing.T) {
	tr := NewTracker(WithSteps(threeSteps()))
	tr.Initialize("j")
	tr.StartStep("j", "a", "")

	var seen []float64
	var mu sync.Mutex
	_, ok := tr.Subscribe("j", func(s State) {
		mu.Lock()
		seen = append(seen, s.OverallProgressPercent)
		mu.Unlock()
	})
	require.True(t, ok)

	tr.UpdateStepProgress("j", "a", 80, "")
	tr.UpdateStepProgress("j", "a", 20, "")
	tr.CompleteStep("j", "a", "")
	tr.StartStep("j", "b", "")
	tr.UpdateStepProgress("j", "b", 40, "")
	tr.UpdateStepProgress("j", "b", 10, "")
	tr.ErrorStep("j", "b", "timeout")
	tr.CompleteAll("j")

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "update %d", i)
	}
	assert.Equal(t, float64(100), seen[len(seen)-1])
}

func TestInvalidTransitionsAreIgnored(t *testing.T) {
	tr := NewTracker(WithSteps(threeSteps()))
	tr.Initialize("j")

	// Not started yet.
	tr.UpdateStepProgress("j", "a", 50, "")
	// Unknown step and job.
	tr.StartStep("j", "zzz", "")
	tr.StartStep("nope", "a", "")
	tr.CompleteStep("nope", "a", "")

	s, _ := tr.Get("j")
	assert.Zero(t, s.OverallProgressPercent)
	for _, st := range s.Steps {
		assert.Equal(t, StepPending, st.Status)
	}

	tr.StartStep("j", "a", "")
	tr.CompleteStep("j", "a", "")
	tr.StartStep("j", "a", "")
	s, _ = tr.Get("j")
	assert.Equal(t, StepCompleted, s.Steps[0].Status)

	_, ok := tr.Get("nope")
	assert.False(t, ok)
}

func TestErrorStep(t *testing.T) {
	tr := NewTracker(WithSteps(threeSteps()))
	tr.Initialize("j")
	tr.StartStep("j", "a", "")
	tr.ErrorStep("j", "a", "분석 실패")

	s, _ := tr.Get("j")
	assert.Equal(t, StepError, s.Steps[0].Status)
	assert.True(t, s.HasError)
	assert.Equal(t, "분석 실패", s.ErrorMessage)
	assert.Equal(t, JobRunning, s.Status)

	// Work continues on other steps.
	tr.StartStep("j", "b", "")
	s, _ = tr.Get("j")
	assert.Equal(t, StepInProgress, s.Steps[1].Status)
}

func TestCompleteAll_FromAnyState(t *testing.T) {
	tests := []struct {
		name       string
		prepare    func(tr *Tracker)
		wantStatus JobStatus
	}{
		{"fresh", func(*Tracker) {}, JobCompleted},
		{"mid step", func(tr *Tracker) {
			tr.StartStep("j", "a", "")
			tr.UpdateStepProgress("j", "a", 30, "")
		}, JobCompleted},
		{"with error", func(tr *Tracker) {
			tr.StartStep("j", "a", "")
			tr.ErrorStep("j", "a", "x")
		}, JobError},
		{"all done", func(tr *Tracker) {
			for _, id := range []string{"a", "b", "c"} {
				tr.StartStep("j", id, "")
				tr.CompleteStep("j", id, "")
			}
		}, JobCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(WithSteps(threeSteps()))
			tr.Initialize("j")
			tt.prepare(tr)

			tr.CompleteAll("j")
			s, _ := tr.Get("j")
			assert.Equal(t, tt.wantStatus, s.Status)
			assert.Equal(t, float64(100), s.OverallProgressPercent)
			require.NotNil(t, s.ActualCompletionTime)
			for _, st := range s.Steps {
				assert.True(t, st.Status.Terminal(), "step %s", st.ID)
			}
		})
	}
}

func TestCompleteAll_TerminalJobIgnoresUpdates(t *testing.T) {
	tr := NewTracker(WithSteps(threeSteps()))
	tr.Initialize("j")
	tr.CompleteAll("j")
	first, _ := tr.Get("j")

	tr.ErrorStep("j", "a", "late")
	tr.CompleteAll("j")
	s, _ := tr.Get("j")
	assert.Equal(t, JobCompleted, s.Status)
	assert.False(t, s.HasError)
	assert.Equal(t, first.ActualCompletionTime, s.ActualCompletionTime)
}

func TestFail(t *testing.T) {
	tr := NewTracker(WithSteps(threeSteps()))
	tr.Initialize("j")
	tr.StartStep("j", "a", "")
	tr.CompleteStep("j", "a", "")
	tr.StartStep("j", "b", "")

	tr.Fail("j", "처리 서버에 연결할 수 없습니다")
	s, _ := tr.Get("j")
	assert.Equal(t, JobError, s.Status)
	assert.True(t, s.HasError)
	assert.Equal(t, StepCompleted, s.Steps[0].Status)
	assert.Equal(t, StepError, s.Steps[1].Status)
	assert.Equal(t, StepError, s.Steps[2].Status)
	require.NotNil(t, s.ActualCompletionTime)
}

func TestETA_LinearExtrapolation(t *testing.T) {
	clk := newFakeClock()
	start := clk.Now()
	tr := NewTracker(WithSteps(threeSteps()), WithClock(clk.Now))
	tr.Initialize("j")

	s, _ := tr.Get("j")
	assert.Equal(t, start.Add(40*time.Second), *s.EstimatedCompletionTime)

	tr.StartStep("j", "a", "")
	clk.Advance(30 * time.Second)
	tr.CompleteStep("j", "a", "")

	// One third done after 30s: 90s total.
	s, _ = tr.Get("j")
	require.NotNil(t, s.EstimatedCompletionTime)
	assert.WithinDuration(t, start.Add(90*time.Second), *s.EstimatedCompletionTime, time.Millisecond)
}

func TestSubscribe(t *testing.T) {
	tr := NewTracker(WithSteps(threeSteps()))
	tr.Initialize("j")

	var got []State
	id, ok := tr.Subscribe("j", func(s State) { got = append(got, s) })
	require.True(t, ok)
	require.Len(t, got, 1, "current state delivered on subscribe")

	tr.StartStep("j", "a", "")
	require.Len(t, got, 2)
	assert.Equal(t, StepInProgress, got[1].Steps[0].Status)

	tr.Unsubscribe("j", id)
	tr.CompleteStep("j", "a", "")
	assert.Len(t, got, 2)

	_, ok = tr.Subscribe("missing", func(State) {})
	assert.False(t, ok)
}

func TestSubscribe_LateSubscriberSeesTerminal(t *testing.T) {
	tr := NewTracker(WithSteps(threeSteps()))
	tr.Initialize("j")
	tr.CompleteAll("j")

	var last State
	_, ok := tr.Subscribe("j", func(s State) { last = s })
	require.True(t, ok)
	assert.Equal(t, JobCompleted, last.Status)
}

func TestSubscribe_PanickingListenerIsolated(t *testing.T) {
	tr := NewTracker(WithSteps(threeSteps()))
	tr.Initialize("j")

	calls := 0
	_, _ = tr.Subscribe("j", func(s State) {
		if s.OverallProgressPercent > 0 {
			panic("boom")
		}
	})
	_, _ = tr.Subscribe("j", func(State) { calls++ })

	assert.NotPanics(t, func() {
		tr.StartStep("j", "a", "")
		tr.CompleteStep("j", "a", "")
	})
	assert.Equal(t, 3, calls)

	s, _ := tr.Get("j")
	assert.Equal(t, StepCompleted, s.Steps[0].Status)
}

func TestSnapshotsAreIndependent(t *testing.T) {
	tr := NewTracker(WithSteps(threeSteps()))
	tr.Initialize("j")
	s, _ := tr.Get("j")
	s.Steps[0].Status = StepError

	again, _ := tr.Get("j")
	assert.Equal(t, StepPending, again.Steps[0].Status)
}

func TestApplyRemoteSteps(t *testing.T) {
	var notified int
	tr := NewTracker(WithSteps(threeSteps()))
	tr.Initialize("j")
	_, _ = tr.Subscribe("j", func(State) { notified++ })
	notified = 0

	tr.ApplyRemoteSteps("j", []RemoteStep{
		{ID: "a", Status: StepCompleted},
		{ID: "b", Status: StepInProgress, Percent: 50, Detail: "절반"},
		{ID: "unknown", Status: StepCompleted},
	})

	s, _ := tr.Get("j")
	assert.Equal(t, 1, notified)
	assert.Equal(t, StepCompleted, s.Steps[0].Status)
	assert.Equal(t, StepInProgress, s.Steps[1].Status)
	assert.Equal(t, float64(50), s.Steps[1].ProgressPercent)
	assert.Equal(t, "절반", s.Steps[1].Detail)
	assert.InDelta(t, 50.0, s.OverallProgressPercent, 0.001)

	// Completed steps do not regress.
	tr.ApplyRemoteSteps("j", []RemoteStep{{ID: "a", Status: StepInProgress, Percent: 10}})
	s, _ = tr.Get("j")
	assert.Equal(t, StepCompleted, s.Steps[0].Status)
}

func TestCleanup(t *testing.T) {
	clk := newFakeClock()
	tr := NewTracker(WithSteps(threeSteps()), WithClock(clk.Now))
	tr.Initialize("done")
	tr.Initialize("running")
	tr.CompleteAll("done")

	clk.Advance(30 * time.Minute)
	assert.Equal(t, 0, tr.CleanupTerminal(time.Hour))

	clk.Advance(31 * time.Minute)
	assert.Equal(t, 1, tr.CleanupTerminal(time.Hour))
	assert.Equal(t, []string{"running"}, tr.JobIDs())

	assert.True(t, tr.Cleanup("running"))
	assert.False(t, tr.Cleanup("running"))
	assert.Empty(t, tr.JobIDs())
}

func TestCleanup_NotifiesListeners(t *testing.T) {
	tr := NewTracker(WithSteps(threeSteps()))
	tr.Initialize("j")
	tr.StartStep("j", "a", "")

	var got []State
	_, ok := tr.Subscribe("j", func(s State) { got = append(got, s) })
	require.True(t, ok)

	require.True(t, tr.Cleanup("j"))
	require.Len(t, got, 2)
	last := got[1]
	assert.True(t, last.Removed)
	assert.Equal(t, JobRunning, last.Status)
	assert.Equal(t, "j", last.JobID)

	// Listeners are gone with the job.
	tr.Initialize("j")
	tr.StartStep("j", "a", "")
	assert.Len(t, got, 2)

	current, _ := tr.Get("j")
	assert.False(t, current.Removed)
}

func TestLoadSteps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steps.yaml")
	content := `steps:
  - id: intake
    title: 접수
    description: 요청을 접수합니다
    estimated_duration_secs: 3
  - id: review
    title: 검토
    estimated_duration_secs: 12
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	defs, err := LoadSteps(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "intake", defs[0].ID)
	assert.Equal(t, "접수", defs[0].Title)
	assert.Equal(t, 12, defs[1].EstimatedDurationSeconds)

	tr := NewTracker(WithSteps(defs))
	s := tr.Initialize("j")
	assert.Len(t, s.Steps, 2)
}

func TestLoadSteps_Errors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "nope.yaml")},
		{"bad yaml", write("bad.yaml", "steps: [")},
		{"empty", write("empty.yaml", "steps: []\n")},
		{"duplicate", write("dup.yaml", "steps:\n  - id: a\n  - id: a\n")},
		{"no id", write("noid.yaml", "steps:\n  - title: x\n")},
		{"negative", write("neg.yaml", "steps:\n  - id: a\n    estimated_duration_secs: -1\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSteps(tt.path)
			assert.Error(t, err)
		})
	}
}

func TestDefaultSteps(t *testing.T) {
	defs := DefaultSteps()
	require.NoError(t, validateSteps(defs))
	assert.Equal(t, StepValidate, defs[0].ID)
	assert.Equal(t, StepDeliver, defs[len(defs)-1].ID)
}
