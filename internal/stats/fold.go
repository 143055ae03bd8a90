package stats

import (
	"encoding/json"
	"math"
)

const (
	minExpectedRating = 1
	maxExpectedRating = 5
)

// Aggregate accumulates numeric ratings.
type Aggregate struct {
	Sum   float64
	Count int64
}

// Average returns Sum/Count, or 0 when no rating was counted.
func (a Aggregate) Average() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// MalformedRating records a review whose rating was skipped.
type MalformedRating struct {
	ReviewID string
	Value    any
}

// FoldResult is the outcome of folding a sibling set.
type FoldResult struct {
	Aggregate  Aggregate
	Malformed  []MalformedRating
	OutOfRange []string
}

// FoldRatings sums every finite numeric rating. Absent, non-numeric and
// non-finite ratings are excluded from both sum and count. Any finite number
// is accepted; review ids whose rating falls outside 1..5 are reported in
// OutOfRange without being excluded.
func FoldRatings(reviews []ReviewDocument) FoldResult {
	var result FoldResult
	for _, review := range reviews {
		raw, present := review.Rating()
		rating, ok := numericRating(raw)
		if !present || !ok {
			result.Malformed = append(result.Malformed, MalformedRating{ReviewID: review.ReviewID, Value: raw})
			continue
		}
		if rating < minExpectedRating || rating > maxExpectedRating {
			result.OutOfRange = append(result.OutOfRange, review.ReviewID)
		}
		result.Aggregate.Sum += rating
		result.Aggregate.Count++
	}
	return result
}

func numericRating(raw any) (float64, bool) {
	var value float64
	switch typed := raw.(type) {
	case float64:
		value = typed
	case float32:
		value = float64(typed)
	case int:
		value = float64(typed)
	case int32:
		value = float64(typed)
	case int64:
		value = float64(typed)
	case uint:
		value = float64(typed)
	case uint32:
		value = float64(typed)
	case uint64:
		value = float64(typed)
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		value = parsed
	default:
		return 0, false
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}
