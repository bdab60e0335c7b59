package query

import (
	"context"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"brewlab/internal/domain"
)

// NotAvailable is reported when no category has a positive count.
const NotAvailable = "N/A"

// Snapshot is the aggregate statistics view.
type Snapshot struct {
	TotalCompleted      int64            `json:"totalExperiments"`
	AverageScore        float64          `json:"averageTasteScore"`
	ByBrewMethod        map[string]int64 `json:"countByBrewMethod"`
	ByCoffeeBean        map[string]int64 `json:"countByCoffeeBean"`
	ByRoastLevel        map[string]int64 `json:"countByRoastLevel"`
	MostUsedBrewMethod  string           `json:"mostUsedBrewMethod"`
	BestRatedCoffeeBean string           `json:"bestRatedCoffeeBean"`
	RecentCount         int64            `json:"recentExperimentCount"`
}

// Statistics reads the counters and derives the snapshot. Concurrent calls
// share one read. An unreachable cache yields an empty snapshot.
func (s *Service) Statistics(ctx context.Context) Snapshot {
	v, _, _ := s.group.Do("statistics", func() (any, error) {
		return s.statistics(context.WithoutCancel(ctx)), nil
	})
	return v.(Snapshot)
}

func (s *Service) statistics(ctx context.Context) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	snap := Snapshot{
		ByBrewMethod:        map[string]int64{},
		ByCoffeeBean:        map[string]int64{},
		ByRoastLevel:        map[string]int64{},
		MostUsedBrewMethod:  NotAvailable,
		BestRatedCoffeeBean: NotAvailable,
	}
	set, err := s.cache.Counters(ctx)
	if err != nil {
		log.WithError(err).Error("counter store unavailable, returning empty statistics")
		return snap
	}
	snap.TotalCompleted = set.Get(domain.TotalCompletedKey)
	snap.AverageScore = averageScore(set.Get(domain.TotalScoreKey), snap.TotalCompleted)
	snap.ByBrewMethod = set.WithPrefix(domain.BrewMethodPrefix)
	snap.ByCoffeeBean = set.WithPrefix(domain.CoffeeBeanPrefix)
	snap.ByRoastLevel = set.WithPrefix(domain.RoastLevelPrefix)
	snap.MostUsedBrewMethod = maxKey(snap.ByBrewMethod)
	snap.BestRatedCoffeeBean = maxKey(snap.ByCoffeeBean)

	if n, err := s.cache.RecentLen(ctx); err != nil {
		log.WithError(err).Warn("recent list length unavailable")
	} else {
		snap.RecentCount = n
	}

	log.WithFields(log.Fields{
		"total_completed": snap.TotalCompleted,
		"average_score":   snap.AverageScore,
		"brew_method":     snap.MostUsedBrewMethod,
		"coffee_bean":     snap.BestRatedCoffeeBean,
	}).Debug("statistics computed")
	return snap
}

// averageScore divides the fixed-point score sum by the completed count,
// rounded to two decimals. Zero completions average to zero.
func averageScore(units, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return domain.ScoreFromUnits(units).Div(decimal.NewFromInt(total)).Round(2).InexactFloat64()
}

// maxKey returns the key with the highest positive count. Ties go to the
// lexicographically smallest key.
func maxKey(counts map[string]int64) string {
	best, bestN := NotAvailable, int64(0)
	for _, k := range sortedKeys(counts) {
		if n := counts[k]; n > bestN {
			best, bestN = k, n
		}
	}
	return best
}
