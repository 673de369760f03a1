package main

import (
	"net/http"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/diagnosis-cli/internal/ai"
	"github.com/sells-group/diagnosis-cli/internal/api"
	"github.com/sells-group/diagnosis-cli/internal/cache"
	"github.com/sells-group/diagnosis-cli/internal/config"
	"github.com/sells-group/diagnosis-cli/internal/diagnosis"
	"github.com/sells-group/diagnosis-cli/internal/jobsync"
	"github.com/sells-group/diagnosis-cli/internal/progress"
	"github.com/sells-group/diagnosis-cli/internal/resilience"
	"github.com/sells-group/diagnosis-cli/pkg/anthropic"
	"github.com/sells-group/diagnosis-cli/pkg/gas"
	"github.com/sells-group/diagnosis-cli/pkg/localmodel"
)

// app is the wired server process.
type app struct {
	svc      *diagnosis.Service
	selector *ai.Selector
	breakers *resilience.ServiceBreakers
	handler  http.Handler
}

// newApp builds every component from cfg.
func newApp(cfg *config.Config) (*app, error) {
	steps := progress.DefaultSteps()
	if cfg.Tracker.StepsFile != "" {
		loaded, err := progress.LoadSteps(cfg.Tracker.StepsFile)
		if err != nil {
			return nil, eris.Wrap(err, "serve: load step catalog")
		}
		steps = loaded
	}
	tracker := progress.NewTracker(
		progress.WithSteps(steps),
		progress.WithETADisplayThreshold(time.Duration(cfg.Tracker.ETADisplayMins)*time.Minute),
	)

	breakers := resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	breakers.Configure(resilience.ServiceGAS, resilience.TransientOnly(
		resilience.FromCircuitConfig(cfg.GAS.BreakerThreshold, cfg.GAS.BreakerResetSecs)))
	breakers.Configure(resilience.ServiceLocalModel,
		resilience.FromCircuitConfig(cfg.LocalModel.BreakerThreshold, cfg.LocalModel.BreakerResetSecs))

	gasOpts := []gas.Option{
		gas.WithTimeout(cfg.GAS.Timeout()),
		gas.WithMaxRedirects(cfg.GAS.MaxRedirects),
		gas.WithUserAgent(cfg.GAS.UserAgent),
		gas.WithOrigin(cfg.GAS.Origin),
	}
	if cfg.GAS.RatePerSec > 0 {
		gasOpts = append(gasOpts, gas.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.GAS.RatePerSec), 1)))
	}
	remote := gas.NewClient(cfg.GAS.URL, gasOpts...)

	syncOpts := []jobsync.Option{jobsync.WithBreaker(breakers.Get(resilience.ServiceGAS))}
	if cfg.Cache.SweepIntervalSecs > 0 {
		syncOpts = append(syncOpts, jobsync.WithSweepInterval(time.Duration(cfg.Cache.SweepIntervalSecs)*time.Second))
	}
	if cfg.Cache.PendingTTLSecs > 0 {
		syncOpts = append(syncOpts, jobsync.WithPendingTTL(time.Duration(cfg.Cache.PendingTTLSecs)*time.Second))
	}
	syncMgr := jobsync.NewManager(cache.New(time.Duration(cfg.Cache.TTLMins)*time.Minute), remote, syncOpts...)

	var local localmodel.Client
	if !cfg.LocalModel.Disabled {
		local = localmodel.NewClient(
			localmodel.WithBaseURL(cfg.LocalModel.BaseURL),
			localmodel.WithModel(cfg.LocalModel.Model),
			localmodel.WithAPIKey(cfg.LocalModel.Key),
		)
	}
	var fallback anthropic.Client
	if cfg.Anthropic.Key != "" {
		fallback = anthropic.NewClient(cfg.Anthropic.Key)
	} else {
		zap.L().Warn("serve: anthropic.key not set, AI chat has no fallback model")
	}

	selOpts := []ai.Option{
		ai.WithLocalBreaker(breakers.Get(resilience.ServiceLocalModel)),
		ai.WithRetry(resilience.FromRetryConfig(
			cfg.Anthropic.RetryMaxAttempts,
			cfg.Anthropic.RetryInitialBackoffMs,
			cfg.Anthropic.RetryMaxBackoffMs,
		)),
		ai.WithPromptCache(cfg.Anthropic.PromptCacheTTL),
	}
	if cfg.LocalModel.TimeoutSecs > 0 {
		selOpts = append(selOpts, ai.WithLocalTimeout(time.Duration(cfg.LocalModel.TimeoutSecs)*time.Second))
	}
	if cfg.Anthropic.Model != "" {
		selOpts = append(selOpts, ai.WithFallbackModel(cfg.Anthropic.Model))
	}
	if cfg.Anthropic.MaxTokens > 0 {
		selOpts = append(selOpts, ai.WithMaxTokens(cfg.Anthropic.MaxTokens))
	}
	selector := ai.NewSelector(local, fallback, selOpts...)

	svcOpts := []diagnosis.Option{
		diagnosis.WithModelStatus(selector),
		diagnosis.WithHandoffTimeout(cfg.GAS.Timeout()),
		diagnosis.WithRetention(time.Duration(cfg.Tracker.RetentionMins) * time.Minute),
	}
	if cfg.GAS.RecordSheet {
		svcOpts = append(svcOpts, diagnosis.WithRecorder(remote))
	}
	svc := diagnosis.NewService(tracker, syncMgr, remote, svcOpts...)

	handler := api.NewServer(svc,
		api.WithChat(selector),
		api.WithBreakers(breakers),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	).Router()

	return &app{
		svc:      svc,
		selector: selector,
		breakers: breakers,
		handler:  handler,
	}, nil
}

// startJanitor runs svc.Janitor on a fixed schedule until the returned
// scheduler is stopped.
func startJanitor(svc *diagnosis.Service, every time.Duration) (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	if _, err := s.Every(every).Do(svc.Janitor); err != nil {
		return nil, eris.Wrap(err, "serve: schedule janitor")
	}

	zap.L().Info("serve: janitor scheduled", zap.Duration("every", every))
	s.StartAsync()
	return s, nil
}
