package state

import (
	"math"
	"sort"

	"bonding-curve-feed/internal/domain"
)

const (
	hourMs     = int64(60 * 60 * 1000)
	dayHours   = 24
	weekHours  = 168
	newBoost   = 1.1
	oldPenalty = 0.9
)

// TrendingScore weighs volume, activity, traders, momentum and freshness, then
// applies an age decay: x1.1 under a day, x1.0 under a week, x0.9 after.
func TrendingScore(m domain.PoolMetrics, poolAgeMs int64) float64 {
	if poolAgeMs < 0 {
		poolAgeMs = 0
	}
	ageHours := float64(poolAgeMs) / float64(hourMs)

	score := math.Log10(m.Volume24h+1)*0.3 +
		math.Log10(float64(m.Transactions24h)+1)*0.2 +
		math.Log10(float64(m.UniqueTraders24h)+1)*0.2 +
		math.Max(0, m.PriceChange24h/100)*0.15 +
		(1/(1+ageHours/weekHours))*0.15

	if ageHours < dayHours {
		score *= newBoost
	} else if ageHours >= weekHours {
		score *= oldPenalty
	}
	return score
}

// rank sorts entries by score descending and assigns 1-based ranks. Ties keep
// the newer pool first, then order by address.
func rank(entries []domain.TrendingEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Pool.CreatedAt != b.Pool.CreatedAt {
			return a.Pool.CreatedAt > b.Pool.CreatedAt
		}
		return a.Pool.PoolAddress < b.Pool.PoolAddress
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}
