package orchestration

import (
	"context"
	"math"
	"time"

	"github.com/aegisops/aegis-controller/pkg/knowledge"
)

// adaptiveDelay computes the backoff before the next fixer retry, per
// spec.md §4.3: base delay is 2^attempt seconds, scaled by a
// monotonic-decreasing multiplier of the event signature's historical
// success rate, floored at 1s and capped at 60s. No original_source
// analogue exists for this exact formula; it is implemented directly
// from the spec's stated numeric rule.
func adaptiveDelay(ctx context.Context, kb *knowledge.Store, signature, source string, attempt int) time.Duration {
	base := math.Pow(2, float64(attempt))

	multiplier := 1.0
	if kb != nil && !kb.Degraded() {
		rate, err := kb.GetSuccessRate(ctx, signature, source, 30)
		if err == nil && rate.Total > 0 {
			multiplier = successMultiplier(rate.SuccessRate)
		}
	}

	seconds := base * multiplier
	if seconds < 1 {
		seconds = 1
	}
	if seconds > 60 {
		seconds = 60
	}
	return time.Duration(seconds * float64(time.Second))
}

// successMultiplier implements spec.md §4.3's three-tier rule: higher
// historical success shortens the delay.
func successMultiplier(rate float64) float64 {
	switch {
	case rate >= 0.8:
		return 0.5
	case rate >= 0.4:
		return 1.0
	default:
		return 2.0
	}
}
