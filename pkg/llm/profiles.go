package llm

// RoleConfig configures one logical role (generator or refiner) inside a
// profile. Prices are USD per million tokens.
type RoleConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	PriceIn     float64
	PriceOut    float64
	PriceCached float64
}

// Cache hint strategies.
const (
	CacheHintStablePrefix = "stable_prefix"
	CacheHintNone         = "none"
)

// Profile is a named pairing of generator and refiner with failover and
// quota policy.
type Profile struct {
	Name      string
	Generator RoleConfig
	Refiner   RoleConfig
	// FallbackChain lists alternate role configs tried in order when the
	// primary is rate limited, over quota, or persistently malformed.
	FallbackChain []RoleConfig
	// DailyQuota caps tokens per model per UTC day. Zero means unlimited.
	DailyQuota        map[string]int64
	CacheHintStrategy string
}

// DefaultProfiles returns the built-in profile set. Deployments select one
// via LLM_PROFILE and can hot-swap at runtime.
func DefaultProfiles() map[string]*Profile {
	return map[string]*Profile{
		"standard": {
			Name: "standard",
			Generator: RoleConfig{
				Model:       "claude-sonnet-4-5",
				Temperature: 0.9,
				MaxTokens:   1024,
				PriceIn:     3.0,
				PriceOut:    15.0,
				PriceCached: 0.3,
			},
			Refiner: RoleConfig{
				Model:       "claude-haiku-4-5",
				Temperature: 0.4,
				MaxTokens:   1024,
				PriceIn:     1.0,
				PriceOut:    5.0,
				PriceCached: 0.1,
			},
			FallbackChain: []RoleConfig{
				{
					Model:       "gpt-4.1-mini",
					Temperature: 0.7,
					MaxTokens:   1024,
					PriceIn:     0.4,
					PriceOut:    1.6,
					PriceCached: 0.1,
				},
			},
			DailyQuota: map[string]int64{
				"claude-sonnet-4-5": 5_000_000,
				"claude-haiku-4-5":  10_000_000,
			},
			CacheHintStrategy: CacheHintStablePrefix,
		},
		"economy": {
			Name: "economy",
			Generator: RoleConfig{
				Model:       "claude-haiku-4-5",
				Temperature: 0.9,
				MaxTokens:   768,
				PriceIn:     1.0,
				PriceOut:    5.0,
				PriceCached: 0.1,
			},
			Refiner: RoleConfig{
				Model:       "gpt-4.1-mini",
				Temperature: 0.4,
				MaxTokens:   768,
				PriceIn:     0.4,
				PriceOut:    1.6,
				PriceCached: 0.1,
			},
			FallbackChain: []RoleConfig{
				{
					Model:       "gpt-4.1-nano",
					Temperature: 0.7,
					MaxTokens:   768,
					PriceIn:     0.1,
					PriceOut:    0.4,
					PriceCached: 0.025,
				},
			},
			DailyQuota: map[string]int64{
				"claude-haiku-4-5": 2_000_000,
				"gpt-4.1-mini":     2_000_000,
			},
			CacheHintStrategy: CacheHintStablePrefix,
		},
	}
}
