package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls []string
	// errs maps model name to a queue of errors returned before success.
	errs map[string][]error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(_ context.Context, req Request) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Model)
	if q := f.errs[req.Model]; len(q) > 0 {
		err := q[0]
		f.errs[req.Model] = q[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Result{
		Text:      "reply from " + req.Model,
		TokensIn:  100,
		TokensOut: 50,
		Model:     req.Model,
	}, nil
}

type fakeQuota struct {
	mu   sync.Mutex
	used map[string]int64
}

func (f *fakeQuota) IncrQuota(_ context.Context, model string, _ time.Time, tokens int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used == nil {
		f.used = map[string]int64{}
	}
	f.used[model] += tokens
	return f.used[model], nil
}

func (f *fakeQuota) Quota(_ context.Context, model string, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used[model], nil
}

func testProfiles() map[string]*Profile {
	return map[string]*Profile{
		"test": {
			Name:      "test",
			Generator: RoleConfig{Model: "claude-gen", Temperature: 0.9, MaxTokens: 512, PriceIn: 3, PriceOut: 15},
			Refiner:   RoleConfig{Model: "claude-ref", Temperature: 0.4, MaxTokens: 512, PriceIn: 1, PriceOut: 5},
			FallbackChain: []RoleConfig{
				{Model: "gpt-fallback", Temperature: 0.7, MaxTokens: 512, PriceIn: 0.4, PriceOut: 1.6},
			},
			DailyQuota:        map[string]int64{"claude-gen": 1000},
			CacheHintStrategy: CacheHintStablePrefix,
		},
		"other": {
			Name:      "other",
			Generator: RoleConfig{Model: "claude-other", MaxTokens: 512},
			Refiner:   RoleConfig{Model: "claude-other", MaxTokens: 512},
		},
	}
}

func newTestRouter(t *testing.T, fake *fakeProvider, quota *fakeQuota) *Router {
	t.Helper()
	r, err := NewRouter(
		map[string]Provider{"anthropic": fake, "openai": fake},
		testProfiles(), "test", quota,
		slog.New(slog.DiscardHandler),
	)
	require.NoError(t, err)
	return r
}

func TestGenerateUsesGeneratorModel(t *testing.T) {
	fake := &fakeProvider{}
	r := newTestRouter(t, fake, &fakeQuota{})

	res, err := r.Generate(context.Background(), "persona", []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "reply from claude-gen", res.Text)
	assert.Equal(t, "claude-gen", res.Cost.Model)
	assert.Equal(t, 100, res.Cost.TokensIn)
	assert.InDelta(t, 100*3.0/1e6+50*15.0/1e6, res.Cost.CostUSD, 1e-12)
}

func TestQuotaFailover(t *testing.T) {
	fake := &fakeProvider{}
	quota := &fakeQuota{used: map[string]int64{"claude-gen": 1000}}
	r := newTestRouter(t, fake, quota)

	res, err := r.Generate(context.Background(), "persona", []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "gpt-fallback", res.Cost.Model)
}

func TestAllModelsOverQuota(t *testing.T) {
	fake := &fakeProvider{}
	quota := &fakeQuota{used: map[string]int64{"claude-gen": 1000, "gpt-fallback": 500}}
	r := newTestRouter(t, fake, quota)
	r.mu.Lock()
	r.profiles["test"].DailyQuota["gpt-fallback"] = 500
	r.mu.Unlock()

	_, err := r.Generate(context.Background(), "persona", []Message{{Role: RoleUser, Content: "hi"}})
	assert.ErrorIs(t, err, ErrQuotaExhausted)
}

func TestRateLimitFailsOverImmediately(t *testing.T) {
	fake := &fakeProvider{errs: map[string][]error{
		"claude-gen": {fmt.Errorf("%w: 429", ErrRateLimited)},
	}}
	r := newTestRouter(t, fake, &fakeQuota{})

	res, err := r.Generate(context.Background(), "persona", []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "gpt-fallback", res.Cost.Model)
	// One call to the primary, no retries before failover.
	assert.Equal(t, []string{"claude-gen", "gpt-fallback"}, fake.calls)
}

func TestMalformedFailsOverOnceThenSurfaces(t *testing.T) {
	fake := &fakeProvider{errs: map[string][]error{
		"claude-gen":   {ErrMalformedResponse},
		"gpt-fallback": {ErrMalformedResponse},
	}}
	r := newTestRouter(t, fake, &fakeQuota{})

	_, err := r.Generate(context.Background(), "persona", []Message{{Role: RoleUser, Content: "hi"}})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestTransientErrorIsRetried(t *testing.T) {
	fake := &fakeProvider{errs: map[string][]error{
		"claude-gen": {&TransientError{Err: fmt.Errorf("connection reset")}},
	}}
	r := newTestRouter(t, fake, &fakeQuota{})

	res, err := r.Generate(context.Background(), "persona", []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "claude-gen", res.Cost.Model)
	assert.Equal(t, []string{"claude-gen", "claude-gen"}, fake.calls)
}

func TestUsageIsRecorded(t *testing.T) {
	fake := &fakeProvider{}
	quota := &fakeQuota{}
	r := newTestRouter(t, fake, quota)

	_, err := r.Generate(context.Background(), "persona", []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	used, _ := quota.Quota(context.Background(), "claude-gen", time.Now())
	assert.Equal(t, int64(150), used)
}

func TestSwitchProfile(t *testing.T) {
	r := newTestRouter(t, &fakeProvider{}, &fakeQuota{})

	assert.Equal(t, "test", r.CurrentProfile())
	require.Error(t, r.SwitchProfile("nope"))
	require.NoError(t, r.SwitchProfile("other"))
	assert.Equal(t, "other", r.CurrentProfile())
}

func TestRefineUsesStablePrefix(t *testing.T) {
	fake := &fakeProvider{}
	r := newTestRouter(t, fake, &fakeQuota{})

	_, err := r.Refine(context.Background(), "persona prefix", []Message{{Role: RoleUser, Content: "draft"}})
	require.NoError(t, err)
}

func TestEnsureStablePrefix(t *testing.T) {
	a := EnsureStablePrefix("short persona")
	b := EnsureStablePrefix("short persona")
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, len(a), minStablePrefixBytes)
	assert.Equal(t, "short persona", a[:len("short persona")])

	long := EnsureStablePrefix(a)
	assert.Equal(t, a, long[:len(a)])
}
