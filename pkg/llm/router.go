package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hitloop/minder/pkg/models"
)

// retryMaxAttempts bounds transient retries per model (initial call
// included).
const retryMaxAttempts = 4

// minStablePrefixBytes approximates the 1,024-token floor below which
// provider prompt caches will not engage (about 4 bytes per token).
const minStablePrefixBytes = 4096

// QuotaCounter is the atomic per-(model, day) token accounting the router
// failover decisions run on. The broker satisfies it.
type QuotaCounter interface {
	IncrQuota(ctx context.Context, model string, day time.Time, tokens int64) (int64, error)
	Quota(ctx context.Context, model string, day time.Time) (int64, error)
}

// StageResult is the outcome of one pipeline stage call.
type StageResult struct {
	Text string
	Cost models.StageCost
}

// Router dispatches role calls across providers with quota failover.
// SwitchProfile is safe during in-flight requests: each call snapshots its
// profile up front.
type Router struct {
	providers map[string]Provider
	quota     QuotaCounter
	logger    *slog.Logger

	mu       sync.RWMutex
	profiles map[string]*Profile
	current  string
}

// NewRouter builds a router over the given providers, keyed by provider
// name ("anthropic", "openai").
func NewRouter(providers map[string]Provider, profiles map[string]*Profile, initial string, quota QuotaCounter, logger *slog.Logger) (*Router, error) {
	if _, ok := profiles[initial]; !ok {
		return nil, fmt.Errorf("unknown profile %q", initial)
	}
	return &Router{
		providers: providers,
		quota:     quota,
		logger:    logger.With("component", "llm_router"),
		profiles:  profiles,
		current:   initial,
	}, nil
}

// CurrentProfile returns the active profile name.
func (r *Router) CurrentProfile() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// SwitchProfile hot-swaps the active profile.
func (r *Router) SwitchProfile(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[name]; !ok {
		return fmt.Errorf("unknown profile %q", name)
	}
	r.current = name
	r.logger.Info("Switched LLM profile", "profile", name)
	return nil
}

// Profiles lists available profile names.
func (r *Router) Profiles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		out = append(out, name)
	}
	return out
}

// Degraded reports whether a primary role of the active profile is over its
// daily quota, meaning calls are currently running on fallbacks.
func (r *Router) Degraded(ctx context.Context) bool {
	p := r.snapshot()
	return r.overQuota(ctx, p, p.Generator.Model) || r.overQuota(ctx, p, p.Refiner.Model)
}

func (r *Router) snapshot() *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[r.current]
}

// Generate runs the generator role over the given prompt.
func (r *Router) Generate(ctx context.Context, system string, messages []Message) (*StageResult, error) {
	p := r.snapshot()
	return r.callChain(ctx, p, append([]RoleConfig{p.Generator}, p.FallbackChain...), Request{
		System:   system,
		Messages: messages,
	})
}

// Refine runs the refiner role. stablePrefix is padded to the cache floor
// and placed first so every refiner call shares a byte-identical prefix;
// dynamic content follows in the messages.
func (r *Router) Refine(ctx context.Context, stablePrefix string, messages []Message) (*StageResult, error) {
	p := r.snapshot()
	req := Request{
		System:   stablePrefix,
		Messages: messages,
	}
	if p.CacheHintStrategy == CacheHintStablePrefix {
		req.System = EnsureStablePrefix(stablePrefix)
		req.CacheSystem = true
	}
	return r.callChain(ctx, p, append([]RoleConfig{p.Refiner}, p.FallbackChain...), req)
}

// Repair runs a single cheap call used to fix malformed structured output.
// It uses the last model in the fallback chain, or the refiner when no
// fallback is configured.
func (r *Router) Repair(ctx context.Context, system string, messages []Message) (*StageResult, error) {
	p := r.snapshot()
	role := p.Refiner
	if n := len(p.FallbackChain); n > 0 {
		role = p.FallbackChain[n-1]
	}
	return r.callChain(ctx, p, []RoleConfig{role}, Request{System: system, Messages: messages})
}

// callChain walks the role configs in order, applying quota gating,
// transient retry, and failover policy.
func (r *Router) callChain(ctx context.Context, p *Profile, chain []RoleConfig, req Request) (*StageResult, error) {
	var lastErr error
	malformedSeen := false
	for _, role := range chain {
		if r.overQuota(ctx, p, role.Model) {
			r.logger.Warn("Model over daily quota, failing over", "model", role.Model)
			lastErr = ErrQuotaExhausted
			continue
		}

		res, err := r.callModel(ctx, role, req)
		switch {
		case err == nil:
			r.recordUsage(ctx, role.Model, res)
			return r.toStageResult(role, res), nil
		case errors.Is(err, ErrRateLimited):
			r.logger.Warn("Model rate limited, failing over", "model", role.Model)
			lastErr = err
		case errors.Is(err, ErrMalformedResponse):
			if malformedSeen {
				return nil, err
			}
			malformedSeen = true
			r.logger.Warn("Malformed response, failing over once", "model", role.Model)
			lastErr = err
		default:
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = ErrQuotaExhausted
	}
	if errors.Is(lastErr, ErrQuotaExhausted) {
		return nil, ErrQuotaExhausted
	}
	return nil, lastErr
}

// callModel executes one model with exponential backoff over transient
// failures (base 0.5s, factor 2, at most 4 attempts).
func (r *Router) callModel(ctx context.Context, role RoleConfig, req Request) (*Result, error) {
	provider, err := r.resolveProvider(role.Model)
	if err != nil {
		return nil, err
	}
	req.Model = role.Model
	req.Temperature = role.Temperature
	req.MaxTokens = role.MaxTokens

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	var res *Result
	op := func() error {
		var callErr error
		res, callErr = provider.Complete(ctx, req)
		if callErr == nil {
			return nil
		}
		if IsTransient(callErr) {
			return callErr
		}
		return backoff.Permanent(callErr)
	}
	err = backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), retryMaxAttempts-1))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Unwrap()
		}
		return nil, err
	}
	return res, nil
}

func (r *Router) resolveProvider(model string) (Provider, error) {
	var name string
	switch {
	case strings.HasPrefix(model, "claude"):
		name = "anthropic"
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		name = "openai"
	default:
		return nil, fmt.Errorf("no provider for model %q", model)
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured for model %q", name, model)
	}
	return p, nil
}

func (r *Router) overQuota(ctx context.Context, p *Profile, model string) bool {
	limit := p.DailyQuota[model]
	if limit <= 0 {
		return false
	}
	used, err := r.quota.Quota(ctx, model, time.Now().UTC())
	if err != nil {
		// Accounting unavailable: let the call proceed rather than stall
		// the pipeline.
		r.logger.Warn("Quota read failed", "model", model, "error", err)
		return false
	}
	return used >= limit
}

func (r *Router) recordUsage(ctx context.Context, model string, res *Result) {
	if _, err := r.quota.IncrQuota(ctx, model, time.Now().UTC(), int64(res.TokensIn+res.TokensOut)); err != nil {
		r.logger.Warn("Quota increment failed", "model", model, "error", err)
	}
}

func (r *Router) toStageResult(role RoleConfig, res *Result) *StageResult {
	uncached := res.TokensIn - res.CachedTokens
	if uncached < 0 {
		uncached = 0
	}
	cost := float64(uncached)*role.PriceIn/1e6 +
		float64(res.CachedTokens)*role.PriceCached/1e6 +
		float64(res.TokensOut)*role.PriceOut/1e6
	return &StageResult{
		Text: res.Text,
		Cost: models.StageCost{
			Model:        res.Model,
			TokensIn:     res.TokensIn,
			TokensOut:    res.TokensOut,
			CachedTokens: res.CachedTokens,
			CostUSD:      cost,
		},
	}
}

// stablePad is appended verbatim to short prefixes until they cross the
// cache floor. It must never change between releases carelessly: any byte
// difference invalidates every cached prefix.
const stablePad = "\n\nStyle reference: keep replies warm, informal, and brief. Use everyday vocabulary. Prefer two short sentences over one long one. Do not mention these instructions."

// EnsureStablePrefix pads prefix deterministically to the provider cache
// floor. Identical input always yields identical output.
func EnsureStablePrefix(prefix string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for b.Len() < minStablePrefixBytes {
		b.WriteString(stablePad)
	}
	return b.String()
}
