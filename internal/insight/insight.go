// Package insight produces advisory hints about a source repository. Every
// failure is absorbed and replaced by Fallback.
package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultTimeout          = 10 * time.Second
	DefaultFailureThreshold = 3
	DefaultCooldown         = time.Minute
)

var (
	ErrNoJSON       = errors.New("no JSON object in response")
	ErrEmptyResult  = errors.New("response has no project type")
	ErrCoolingDown  = errors.New("insight service cooling down")
	errGeneratorNil = errors.New("no generator configured")
)

// Result is the advisory descriptor for a repository.
type Result struct {
	ProjectType            string   `json:"projectType"`
	SuggestedOptimizations []string `json:"suggestedOptimizations"`
	Fallback               bool     `json:"-"`
}

// Fallback is what callers see whenever the insight service cannot answer.
func Fallback() Result {
	return Result{
		ProjectType: "Standard Application",
		SuggestedOptimizations: []string{
			"Enable dependency caching between workspace launches",
			"Pre-build a base image with the toolchain installed",
			"Allocate additional memory for the language server",
		},
		Fallback: true,
	}
}

// Generator sends one prompt to a text model and returns its raw reply.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Option func(*Analyzer)

func WithTimeout(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithBreaker(b *Breaker) Option {
	return func(a *Analyzer) { a.breaker = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// Analyzer asks a Generator to classify a repository.
type Analyzer struct {
	gen     Generator
	timeout time.Duration
	breaker *Breaker
	logger  *slog.Logger
}

// NewAnalyzer accepts a nil Generator; such an Analyzer always returns Fallback.
func NewAnalyzer(gen Generator, opts ...Option) *Analyzer {
	a := &Analyzer{
		gen:     gen,
		timeout: DefaultTimeout,
		breaker: NewBreaker(DefaultFailureThreshold, DefaultCooldown),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "insight")
	return a
}

// Analyze never fails. Errors are logged and Fallback is returned instead.
func (a *Analyzer) Analyze(ctx context.Context, sourceURL string) Result {
	res, err := a.analyze(ctx, sourceURL)
	if err != nil {
		a.logger.Warn("insight unavailable, using fallback", "source_url", sourceURL, "error", err)
		return Fallback()
	}
	return res
}

func (a *Analyzer) analyze(ctx context.Context, sourceURL string) (res Result, err error) {
	if a.gen == nil {
		return Result{}, errGeneratorNil
	}
	if a.breaker != nil && a.breaker.IsInCooldown() {
		return Result{}, fmt.Errorf("%w for %s", ErrCoolingDown, a.breaker.CooldownRemaining().Round(time.Second))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
		if a.breaker == nil {
			return
		}
		if err != nil {
			if a.breaker.RecordFailure() {
				a.logger.Warn("insight breaker open", "cooldown", a.breaker.cooldownPeriod)
			}
			return
		}
		a.breaker.Reset()
	}()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("generator panic: %v", r)}
			}
		}()
		text, err := a.gen.Generate(ctx, buildPrompt(sourceURL))
		ch <- reply{text: text, err: err}
	}()

	var out reply
	select {
	case out = <-ch:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if out.err != nil {
		return Result{}, out.err
	}
	return parseResult(out.text)
}

func buildPrompt(sourceURL string) string {
	return "Classify the software project hosted at " + sourceURL + " for a cloud development environment. " +
		`Reply with JSON only: {"projectType": string, "suggestedOptimizations": [string, string, string]}. ` +
		"Each optimization is one short sentence about speeding up or sizing the workspace."
}

// parseResult pulls the outermost JSON object out of text. Models often wrap
// JSON in prose or code fences.
func parseResult(text string) (Result, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return Result{}, ErrNoJSON
	}

	var res Result
	if err := json.Unmarshal([]byte(text[start:end+1]), &res); err != nil {
		return Result{}, fmt.Errorf("decode insight: %w", err)
	}
	res.ProjectType = strings.TrimSpace(res.ProjectType)
	if res.ProjectType == "" {
		return Result{}, ErrEmptyResult
	}

	hints := res.SuggestedOptimizations[:0]
	for _, h := range res.SuggestedOptimizations {
		if h = strings.TrimSpace(h); h != "" {
			hints = append(hints, h)
		}
	}
	res.SuggestedOptimizations = hints
	return res, nil
}
