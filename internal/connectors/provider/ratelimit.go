package provider

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Tier is a named request budget per minute.
type Tier struct {
	Name              string `yaml:"name" json:"name"`
	RequestsPerMinute int    `yaml:"requestsPerMinute" json:"requestsPerMinute"`
}

// DefaultTiers are the plan budgets applied when a definition declares none.
var DefaultTiers = map[string]Tier{
	"free":       {Name: "free", RequestsPerMinute: 60},
	"starter":    {Name: "starter", RequestsPerMinute: 300},
	"pro":        {Name: "pro", RequestsPerMinute: 1000},
	"enterprise": {Name: "enterprise", RequestsPerMinute: 5000},
}

// Burst returns the bucket size for the tier: a sixth of the per-minute
// budget, at least one.
func (t Tier) Burst() int {
	b := t.RequestsPerMinute / 6
	if b < 1 {
		b = 1
	}
	return b
}

// Limiter returns a token bucket enforcing the tier.
func (t Tier) Limiter() *rate.Limiter {
	if t.RequestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	every := time.Minute / time.Duration(t.RequestsPerMinute)
	return rate.NewLimiter(rate.Every(every), t.Burst())
}

// LookupTier resolves name against the definition's tiers first, then the
// defaults.
func LookupTier(name string, declared map[string]Tier) (Tier, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "free"
	}
	if t, ok := declared[key]; ok {
		if t.Name == "" {
			t.Name = key
		}
		return t, nil
	}
	if t, ok := DefaultTiers[key]; ok {
		return t, nil
	}
	return Tier{}, fmt.Errorf("unknown rate limit tier %q", name)
}
