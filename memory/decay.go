package memory

import (
	"math"
	"sort"
	"time"
)

// DefaultDecayRate is the exponential decay applied per day of fact age.
const DefaultDecayRate = 0.05

// ApplyDecay computes the effective score of each hit as
// score × exp(−rate × ageDays) and re-sorts by decayed score, highest
// first. Hits keep their raw score so callers can show both. A non-positive
// rate uses DefaultDecayRate.
func ApplyDecay(hits []Hit, now time.Time, rate float64) []Hit {
	if rate <= 0 {
		rate = DefaultDecayRate
	}
	out := make([]Hit, len(hits))
	copy(out, hits)
	for i := range out {
		ageDays := now.Sub(out[i].Timestamp).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		out[i].Decayed = out[i].Score * math.Exp(-rate*ageDays)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Decayed > out[j].Decayed })
	return out
}
