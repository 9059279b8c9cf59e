package llm

import (
	"encoding/json"
	"fmt"
	"os"
)

type roleFile struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	PriceIn     float64 `json:"price_in"`
	PriceOut    float64 `json:"price_out"`
	PriceCached float64 `json:"price_cached"`
}

type profileFile struct {
	Generator         roleFile         `json:"generator"`
	Refiner           roleFile         `json:"refiner"`
	FallbackChain     []roleFile       `json:"fallback_chain"`
	DailyQuota        map[string]int64 `json:"daily_quota"`
	CacheHintStrategy string           `json:"cache_hint_strategy"`
}

// LoadProfilesFile reads a profile set from a JSON file, replacing the
// built-in profiles entirely.
func LoadProfilesFile(path string) (map[string]*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}
	var byName map[string]profileFile
	if err := json.Unmarshal(raw, &byName); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file %s: %w", path, err)
	}
	if len(byName) == 0 {
		return nil, fmt.Errorf("profiles file %s defines no profiles", path)
	}

	out := make(map[string]*Profile, len(byName))
	for name, pf := range byName {
		if pf.Generator.Model == "" || pf.Refiner.Model == "" {
			return nil, fmt.Errorf("profile %q must set generator and refiner models", name)
		}
		p := &Profile{
			Name:              name,
			Generator:         toRoleConfig(pf.Generator),
			Refiner:           toRoleConfig(pf.Refiner),
			DailyQuota:        pf.DailyQuota,
			CacheHintStrategy: pf.CacheHintStrategy,
		}
		if p.CacheHintStrategy == "" {
			p.CacheHintStrategy = CacheHintStablePrefix
		}
		for _, r := range pf.FallbackChain {
			p.FallbackChain = append(p.FallbackChain, toRoleConfig(r))
		}
		out[name] = p
	}
	return out, nil
}

func toRoleConfig(r roleFile) RoleConfig {
	rc := RoleConfig{
		Model:       r.Model,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		PriceIn:     r.PriceIn,
		PriceOut:    r.PriceOut,
		PriceCached: r.PriceCached,
	}
	if rc.MaxTokens <= 0 {
		rc.MaxTokens = 1024
	}
	return rc
}
