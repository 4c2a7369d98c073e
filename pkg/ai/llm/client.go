package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
	"github.com/aegisops/aegis-controller/pkg/tracing"
	"github.com/aegisops/aegis-controller/pkg/types"
)

// Progress is a shared, mutex-guarded record a streaming provider call
// updates so the Notifier can render a live status line, per spec.md
// §4.4's "shared progress record (tokens_generated, last_snippet, elapsed)".
type Progress struct {
	mu          sync.Mutex
	tokensGen   int
	lastSnippet string
	started     time.Time
}

// NewProgress starts a fresh progress record for one streaming call.
func NewProgress() *Progress { return &Progress{started: time.Now()} }

func (p *Progress) observe(chunk string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokensGen += len(strings.Fields(chunk))
	p.lastSnippet = chunk
}

// Snapshot returns the current tokens generated, last chunk seen, and
// elapsed time since the call began.
func (p *Progress) Snapshot() (tokens int, lastSnippet string, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokensGen, p.lastSnippet, time.Since(p.started)
}

// retryPolicy is spec.md §4.4's fixed backoff schedule: initial 1s,
// factor 2, cap 16s, max 3 attempts.
type retryPolicy struct {
	initial    time.Duration
	factor     float64
	cap        time.Duration
	maxRetries int
}

var defaultRetryPolicy = retryPolicy{initial: time.Second, factor: 2, cap: 16 * time.Second, maxRetries: 3}

// Client builds prompts and drives the provider failover chain: a
// minimum inter-request spacing enforced by a single shared gate, a
// fixed retry/backoff schedule per provider attempt, and JSON parsing
// with markdown-fence stripping. Grounded on original_source
// ai_service.py's AIService.generate_fix_strategy.
type Client struct {
	providers  []Provider
	log        *logrus.Logger
	minSpacing time.Duration
	retry      retryPolicy

	mu          sync.Mutex
	lastRequest time.Time
}

// Option customizes a Client beyond its required constructor arguments.
type Option func(*Client)

// WithRetryPolicy overrides the default backoff schedule, primarily for
// tests that can't afford spec.md's real multi-second backoff.
func WithRetryPolicy(initial time.Duration, factor float64, cap time.Duration, maxRetries int) Option {
	return func(c *Client) { c.retry = retryPolicy{initial: initial, factor: factor, cap: cap, maxRetries: maxRetries} }
}

// NewClient builds the provider chain in the order given; the first
// element is tried first. At least one provider is required.
func NewClient(providers []Provider, minSpacing time.Duration, log *logrus.Logger, opts ...Option) (*Client, error) {
	if len(providers) == 0 {
		return nil, aerrors.Wrap(aerrors.ErrStateCorrupted, "llm client requires at least one provider")
	}
	c := &Client{providers: providers, log: log, minSpacing: minSpacing, retry: defaultRetryPolicy}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// gate enforces the minimum inter-request spacing across every provider
// call this client makes, mirroring the single shared rate-limit gate.
func (c *Client) gate(ctx context.Context) error {
	c.mu.Lock()
	wait := time.Until(c.lastRequest.Add(c.minSpacing))
	c.lastRequest = time.Now()
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// callWithRetry invokes fn up to retryPolicy.maxRetries times with
// exponential backoff, aborting immediately if ctx is cancelled.
func (c *Client) callWithRetry(ctx context.Context, providerName string, fn func() (string, error)) (string, error) {
	ctx, span := tracing.Start(ctx, "llm.provider.call")
	span.SetAttributes(attribute.String("provider", providerName))
	defer span.End()

	backoff := c.retry.initial
	var lastErr error
	for attempt := 1; attempt <= c.retry.maxRetries; attempt++ {
		if err := c.gate(ctx); err != nil {
			return "", err
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		c.log.WithError(err).WithFields(logrus.Fields{"provider": providerName, "attempt": attempt}).
			Warn("llm provider call failed")
		if attempt == c.retry.maxRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff = time.Duration(float64(backoff) * c.retry.factor)
		if backoff > c.retry.cap {
			backoff = c.retry.cap
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "llm provider call failed")
	return "", lastErr
}

// generate tries every configured provider in order, returning the first
// successfully parsed value. parse rejects malformed or incomplete
// responses, which counts as a provider failure and advances to the next.
func generate[T any](ctx context.Context, c *Client, prompt string, parse func(string) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for _, p := range c.providers {
		raw, err := c.callWithRetry(ctx, p.Name(), func() (string, error) {
			return p.Generate(ctx, prompt)
		})
		if err != nil {
			lastErr = err
			continue
		}
		value, err := parse(raw)
		if err != nil {
			c.log.WithError(err).WithField("provider", p.Name()).Warn("llm response failed validation, trying next provider")
			lastErr = err
			continue
		}
		return value, nil
	}
	if lastErr == nil {
		lastErr = aerrors.Wrap(aerrors.ErrTransient, "no llm providers configured")
	}
	return zero, aerrors.Wrap(lastErr, "all llm providers failed")
}

// GenerateStream tries each provider in order and returns the first
// success: a streaming-capable provider reports live progress via
// progress, any other provider is called through Generate. Callers that
// don't need streaming should use Plan/Strategy directly instead.
func (c *Client) GenerateStream(ctx context.Context, prompt string, progress *Progress) (string, error) {
	for _, p := range c.providers {
		sp, ok := p.(StreamingProvider)
		if !ok {
			raw, err := c.callWithRetry(ctx, p.Name(), func() (string, error) { return p.Generate(ctx, prompt) })
			if err == nil {
				return raw, nil
			}
			continue
		}
		raw, err := c.callWithRetry(ctx, sp.Name(), func() (string, error) {
			return sp.GenerateStream(ctx, prompt, func(chunk string) {
				if progress != nil {
					progress.observe(chunk)
				}
			})
		})
		if err == nil {
			return raw, nil
		}
	}
	return "", aerrors.Wrap(aerrors.ErrTransient, "all llm providers failed")
}

// Plan calls the provider chain with the full batch context, per
// spec.md §4.4's plan(batch) operation. A nil plan with no error never
// happens; callers treat a non-nil error as "mark the batch failed".
func (c *Client) Plan(ctx context.Context, batch types.RemediationBatch) (*types.RemediationPlan, error) {
	prompt := buildPlanPrompt(batch)
	plan, err := generate(ctx, c, prompt, parsePlanResponse)
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// Strategy is the narrower variant for a single fixer retrying one
// event, per spec.md §4.4's strategy(event, prior_attempts) operation.
func (c *Client) Strategy(ctx context.Context, event types.SecurityEvent, priorAttempts []types.RemediationAttempt) (*types.FixStrategy, error) {
	prompt := buildStrategyPrompt(event, priorAttempts)
	strategy, err := generate(ctx, c, prompt, parseStrategyResponse)
	if err != nil {
		return nil, err
	}
	return &strategy, nil
}

// flexFloat accepts either a JSON number or a numeric string, mirroring
// ai_service.py's defensive `result['confidence'] = float(result['confidence'])`.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*f = flexFloat(num)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return err
	}
	*f = flexFloat(parsed)
	return nil
}

type planResponse struct {
	Description              string    `json:"description"`
	Confidence               flexFloat `json:"confidence"`
	EstimatedDurationMinutes int       `json:"estimated_duration_minutes"`
	RequiresRestart          bool      `json:"requires_restart"`
	Phases                   []struct {
		Name             string   `json:"name"`
		Description      string   `json:"description"`
		Steps            []string `json:"steps"`
		EstimatedMinutes int      `json:"estimated_minutes"`
	} `json:"phases"`
	RollbackPlan string `json:"rollback_plan"`
}

func parsePlanResponse(raw string) (types.RemediationPlan, error) {
	var resp planResponse
	if err := unmarshalJSONResponse(raw, &resp); err != nil {
		return types.RemediationPlan{}, err
	}
	if resp.Description == "" || len(resp.Phases) == 0 {
		return types.RemediationPlan{}, aerrors.Wrap(aerrors.ErrVerificationFailed, "plan response missing required fields")
	}
	phases := make([]types.Phase, 0, len(resp.Phases))
	for _, ph := range resp.Phases {
		phases = append(phases, types.Phase{
			Name: ph.Name, Description: ph.Description, Steps: ph.Steps, EstimatedMinutes: ph.EstimatedMinutes,
		})
	}
	return types.RemediationPlan{
		Description:             resp.Description,
		Confidence:              float64(resp.Confidence),
		Phases:                  phases,
		EstimatedDurationMinute: resp.EstimatedDurationMinutes,
		RequiresRestart:         resp.RequiresRestart,
		RollbackPlan:            resp.RollbackPlan,
	}, nil
}

type strategyResponse struct {
	Description string    `json:"description"`
	Confidence  flexFloat `json:"confidence"`
	Steps       []string  `json:"steps"`
}

func parseStrategyResponse(raw string) (types.FixStrategy, error) {
	var resp strategyResponse
	if err := unmarshalJSONResponse(raw, &resp); err != nil {
		return types.FixStrategy{}, err
	}
	if resp.Description == "" || len(resp.Steps) == 0 {
		return types.FixStrategy{}, aerrors.Wrap(aerrors.ErrVerificationFailed, "strategy response missing required fields")
	}
	return types.FixStrategy{Description: resp.Description, Confidence: float64(resp.Confidence)}, nil
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// unmarshalJSONResponse extracts JSON from either the raw body or a
// fenced markdown code block, per spec.md §4.4's parsing contract.
func unmarshalJSONResponse(raw string, out any) error {
	content := raw
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		content = m[1]
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), out); err != nil {
		return aerrors.Wrap(err, "parse llm json response")
	}
	return nil
}

// buildStrategyPrompt reproduces ai_service.py's _build_analysis_prompt
// for a single event: source-specific context, previous attempt history,
// and the required JSON response schema.
func buildStrategyPrompt(event types.SecurityEvent, priorAttempts []types.RemediationAttempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a senior DevOps security engineer analyzing a security event.\n\n")
	fmt.Fprintf(&b, "# Security Event Analysis\n\n**Source:** %s\n**Severity:** %s\n\n## Event Details:\n", event.Source, event.Severity)
	writeEventDetails(&b, event)
	writePriorAttempts(&b, priorAttempts)
	b.WriteString(`
# Required Response Format (JSON):

{
  "description": "Brief 1-2 sentence fix description",
  "confidence": 0.XX,
  "steps": ["Step 1: specific action", "Step 2: verification", "Step 3: rollback plan"]
}
`)
	return b.String()
}

// buildPlanPrompt extends buildStrategyPrompt's shape across an entire
// batch, requesting the richer plan schema spec.md §4.4 names.
func buildPlanPrompt(batch types.RemediationBatch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a senior DevOps security engineer planning remediation for a batch of %d security event(s).\n\n", len(batch.Events))
	for i, event := range batch.Events {
		fmt.Fprintf(&b, "## Event %d\n**Source:** %s\n**Severity:** %s\n", i+1, event.Source, event.Severity)
		writeEventDetails(&b, event)
	}
	writePriorAttempts(&b, batch.PriorAttempts)
	b.WriteString(`
# Required Response Format (JSON):

{
  "description": "Brief 1-2 sentence plan description",
  "confidence": 0.XX,
  "estimated_duration_minutes": 0,
  "requires_restart": false,
  "phases": [{"name": "...", "description": "...", "steps": ["..."], "estimated_minutes": 0}],
  "rollback_plan": "..."
}
`)
	return b.String()
}

func writeEventDetails(b *strings.Builder, event types.SecurityEvent) {
	switch d := event.Details.(type) {
	case types.VulnerabilityDetails:
		if d.IsSummary {
			fmt.Fprintf(b, "Type: Vulnerability scan summary\nCritical: %d, High: %d, Medium: %d, Images: %d\n", d.Critical, d.High, d.Medium, d.Images)
		} else {
			fmt.Fprintf(b, "Type: Vulnerability\nCVE: %s\nPackage: %s (%s -> %s)\nImage: %s\n", d.CVE, d.Package, d.InstalledVersion, d.FixedVersion, d.Image)
		}
	case types.NetworkIPSDetails:
		fmt.Fprintf(b, "Type: Network threat\nIP: %s\nScenario: %s\nConfidence: %.2f\n", d.IP, d.Scenario, d.Confidence)
	case types.HostIPSDetails:
		fmt.Fprintf(b, "Type: Host intrusion\nIP: %s\nJail: %s\n", d.IP, d.Jail)
	case types.FileIntegrityDetails:
		fmt.Fprintf(b, "Type: File integrity\nPath: %s\nChange: %s\n", d.Path, d.Kind)
	}
	b.WriteString("\n")
}

func writePriorAttempts(b *strings.Builder, attempts []types.RemediationAttempt) {
	if len(attempts) == 0 {
		return
	}
	b.WriteString("## Previous Failed Attempts:\n")
	for i, a := range attempts {
		fmt.Fprintf(b, "Attempt %d: strategy=%q result=%s error=%q\n", i+1, a.Strategy, a.Result, a.ErrorMessage)
	}
	b.WriteString("\nLearn from these failures and adjust your strategy.\n\n")
}
