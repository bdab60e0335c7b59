package domain

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	StatsPrefix        = "stats:"
	TotalCompletedKey  = StatsPrefix + "totalCompleted"
	TotalScoreKey      = StatsPrefix + "totalScore"
	BrewMethodPrefix   = StatsPrefix + "brewMethod:"
	CoffeeBeanPrefix   = StatsPrefix + "coffeeBean:"
	RoastLevelPrefix   = StatsPrefix + "roastLevel:"
	ScoreScale         = 100
	scoreScaleExponent = -2
)

// Delta is a signed change to one counter key.
type Delta struct {
	Key string `json:"key"`
	By  int64  `json:"by"`
}

// CounterDeltas returns the contribution of a completed experiment with the
// given attributes, multiplied by sign (+1 to count, -1 to revert).
func CounterDeltas(a Attributes, sign int64) []Delta {
	deltas := []Delta{{Key: TotalCompletedKey, By: sign}}
	if v := strings.TrimSpace(deref(a.BrewMethod)); v != "" {
		deltas = append(deltas, Delta{Key: BrewMethodPrefix + v, By: sign})
	}
	if v := strings.TrimSpace(deref(a.CoffeeBean)); v != "" {
		deltas = append(deltas, Delta{Key: CoffeeBeanPrefix + v, By: sign})
	}
	if v := strings.TrimSpace(deref(a.RoastLevel)); v != "" {
		deltas = append(deltas, Delta{Key: RoastLevelPrefix + v, By: sign})
	}
	if a.TasteScore != nil {
		deltas = append(deltas, Delta{Key: TotalScoreKey, By: sign * ScoreUnits(*a.TasteScore)})
	}
	return deltas
}

// ScoreUnits converts a taste score to the fixed-point units stored in the
// score accumulator.
func ScoreUnits(score float64) int64 {
	return decimal.NewFromFloat(score).Shift(-scoreScaleExponent).Round(0).IntPart()
}

// ScoreFromUnits converts accumulator units back to a score.
func ScoreFromUnits(units int64) decimal.Decimal {
	return decimal.New(units, scoreScaleExponent)
}

// MergeDeltas sums deltas per key and drops keys that cancel out. The result
// is sorted by key.
func MergeDeltas(deltas ...[]Delta) []Delta {
	sums := map[string]int64{}
	for _, set := range deltas {
		for _, d := range set {
			sums[d.Key] += d.By
		}
	}
	out := make([]Delta, 0, len(sums))
	for k, v := range sums {
		if v == 0 {
			continue
		}
		out = append(out, Delta{Key: k, By: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
