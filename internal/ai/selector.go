// Package ai answers model prompts from a local model when it is healthy and
// from the Anthropic API otherwise, and reports which one answered.
package ai

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diagnosis-cli/internal/resilience"
	"github.com/sells-group/diagnosis-cli/pkg/anthropic"
	"github.com/sells-group/diagnosis-cli/pkg/localmodel"
)

// Source names the provider that produced a Result.
type Source string

// Providers.
const (
	SourceLocal    Source = "local"
	SourceFallback Source = "fallback"
)

const (
	defaultLocalTimeout = 20 * time.Second
	defaultMaxTokens    = 1024
	disclosureNote      = "※ 이 답변은 외부 AI 모델로 생성되었습니다. 중요한 결정 전에는 전문가와 상담해 주세요."
)

// Options tunes a single CallModel invocation.
type Options struct {
	Temperature *float64
	MaxTokens   int
	// LocalOnly skips the fallback provider.
	LocalOnly bool
}

// Result is the output of exactly one provider.
type Result struct {
	Response  string `json:"response"`
	Source    Source `json:"source"`
	ModelUsed string `json:"modelUsed"`
}

// Option configures a Selector.
type Option func(*Selector)

// WithLocalTimeout bounds each local model attempt.
func WithLocalTimeout(d time.Duration) Option {
	return func(s *Selector) {
		s.localTimeout = d
	}
}

// WithFallbackModel sets the Anthropic model id.
func WithFallbackModel(model string) Option {
	return func(s *Selector) {
		s.fallbackModel = model
	}
}

// WithMaxTokens sets the default completion budget.
func WithMaxTokens(n int) Option {
	return func(s *Selector) {
		s.maxTokens = n
	}
}

// WithLocalBreaker replaces the local model's circuit breaker.
func WithLocalBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Selector) {
		s.localBreaker = cb
	}
}

// WithRetry sets the retry policy for fallback calls.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *Selector) {
		s.retry = cfg
	}
}

// WithPromptCache marks the system prompt of fallback calls cacheable with
// the given TTL ("5m" or "1h"). Empty disables it.
func WithPromptCache(ttl string) Option {
	return func(s *Selector) {
		s.promptCacheTTL = ttl
	}
}

// Selector picks a provider per call. Either provider may be nil.
type Selector struct {
	local         localmodel.Client
	fallback      anthropic.Client
	localTimeout  time.Duration
	localBreaker  *resilience.CircuitBreaker
	fallbackModel string
	maxTokens     int
	retry         resilience.RetryConfig

	promptCacheTTL string
}

// NewSelector creates a Selector trying local first, then fallback.
func NewSelector(local localmodel.Client, fallback anthropic.Client, opts ...Option) *Selector {
	s := &Selector{
		local:         local,
		fallback:      fallback,
		localTimeout:  defaultLocalTimeout,
		fallbackModel: anthropic.DefaultModel,
		maxTokens:     defaultMaxTokens,
		retry:         resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.localBreaker == nil {
		s.localBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     time.Minute,
		})
	}
	if s.retry.OnRetry == nil {
		s.retry.OnRetry = resilience.RetryLogger("anthropic", "create_message")
	}
	return s
}

// LocalAvailable reports whether the local model is configured and its
// breaker is letting calls through.
func (s *Selector) LocalAvailable() bool {
	return s.local != nil && s.localBreaker.Available()
}

// FallbackMode reports whether calls would currently go to the fallback.
func (s *Selector) FallbackMode() bool {
	return !s.LocalAvailable()
}

// CallModel answers prompt. The local model is tried first under its own
// timeout; any failure there, including empty output, moves on to the
// fallback provider.
func (s *Selector) CallModel(ctx context.Context, prompt, systemPrompt string, opts Options) (*Result, error) {
	if prompt == "" {
		return nil, eris.New("ai: empty prompt")
	}

	var localErr error
	if s.LocalAvailable() {
		res, err := s.callLocal(ctx, prompt, systemPrompt, opts)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, eris.Wrap(err, "ai: caller cancelled")
		}
		localErr = err
		zap.L().Warn("ai: local model failed, using fallback", zap.Error(err))
	} else if s.local != nil {
		localErr = resilience.ErrCircuitOpen
	}

	if opts.LocalOnly || s.fallback == nil {
		if localErr == nil {
			localErr = eris.New("no local model configured")
		}
		return nil, eris.Wrap(localErr, "ai: no provider available")
	}

	res, err := s.callFallback(ctx, prompt, systemPrompt, opts)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Selector) callLocal(ctx context.Context, prompt, systemPrompt string, opts Options) (*Result, error) {
	return resilience.ExecuteVal(ctx, s.localBreaker, func(parent context.Context) (*Result, error) {
		ctx, cancel := context.WithTimeout(parent, s.localTimeout)
		defer cancel()

		msgs := make([]localmodel.Message, 0, 2)
		if systemPrompt != "" {
			msgs = append(msgs, localmodel.Message{Role: "system", Content: systemPrompt})
		}
		msgs = append(msgs, localmodel.Message{Role: "user", Content: prompt})

		req := localmodel.ChatCompletionRequest{
			Messages:    msgs,
			Temperature: opts.Temperature,
		}
		if n := s.tokens(opts); n > 0 {
			req.MaxTokens = &n
		}

		resp, err := s.local.ChatCompletion(ctx, req)
		if err != nil {
			if parent.Err() != nil {
				return nil, resilience.Abandoned(err)
			}
			return nil, eris.Wrap(err, "ai: local model")
		}
		text := resp.Text()
		if text == "" {
			return nil, localmodel.ErrEmptyOutput
		}

		model := resp.Model
		if model == "" {
			model = s.local.Model()
		}
		return &Result{Response: text, Source: SourceLocal, ModelUsed: model}, nil
	})
}

func (s *Selector) callFallback(ctx context.Context, prompt, systemPrompt string, opts Options) (*Result, error) {
	req := anthropic.MessageRequest{
		Model:       s.fallbackModel,
		MaxTokens:   int64(s.tokens(opts)),
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
	}
	if systemPrompt != "" {
		block := anthropic.SystemBlock{Text: systemPrompt}
		if s.promptCacheTTL != "" {
			block.CacheControl = &anthropic.CacheControl{TTL: s.promptCacheTTL}
		}
		req.System = []anthropic.SystemBlock{block}
	}

	resp, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return s.fallback.CreateMessage(ctx, req)
	})
	if err != nil {
		return nil, eris.Wrap(err, "ai: fallback model")
	}

	text := resp.Text()
	if text == "" {
		return nil, eris.New("ai: fallback model returned no text")
	}
	resp.Usage.LogCost(s.fallbackModel, "chat")

	model := resp.Model
	if model == "" {
		model = s.fallbackModel
	}
	return &Result{Response: text, Source: SourceFallback, ModelUsed: model}, nil
}

func (s *Selector) tokens(opts Options) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return s.maxTokens
}

// DisclosureNote returns the note to append to a fallback answer, or "" for
// a local one.
func DisclosureNote(r *Result) string {
	if r == nil || r.Source != SourceFallback {
		return ""
	}
	return disclosureNote
}
