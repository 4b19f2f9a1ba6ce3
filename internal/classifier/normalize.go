package classifier

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const defaultConfidence = 5

// NormalizeConfidence maps a model-reported confidence onto the 1-10 scale.
// Values in (0,1] are treated as fractions, values above 10 as percentages,
// and anything non-numeric falls back to 5.
func NormalizeConfidence(v any) int {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return defaultConfidence
	}
	switch {
	case f > 0 && f <= 1:
		f *= 10
	case f > 10:
		f /= 10
	}
	n := int(math.Round(f))
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Cost returns the USD cost of a call given per-million token rates, rounded to six decimals.
func Cost(inputTokens, outputTokens int, ratePerMillionIn, ratePerMillionOut float64) float64 {
	c := float64(inputTokens)*ratePerMillionIn/1e6 + float64(outputTokens)*ratePerMillionOut/1e6
	return math.Round(c*1e6) / 1e6
}
