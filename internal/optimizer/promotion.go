package optimizer

import (
	"math"

	"perp-orchestrator/pkg/types"
)

// PromotionDecision is the result of evaluatePromotion.
type PromotionDecision struct {
	Promote      bool
	Score        float64
	Significant  bool
	ChecksPassed bool
	SampleSize   int
}

// evaluatePromotion implements spec.md §4.11's promotion gate exactly:
// sample-size gate, three threshold checks, a weighted composite score, and
// a z-score significance test on per-trade returns.
func evaluatePromotion(m types.Metrics, cfg PromotionConfig) PromotionDecision {
	if m.TradesCount < cfg.MinSampleSize {
		return PromotionDecision{SampleSize: m.TradesCount}
	}

	avgROI, _ := m.AvgROI.Float64()
	winRateCheck := m.WinRate >= cfg.MinWinRate
	avgROICheck := avgROI >= cfg.MinAvgROI
	sharpeCheck := m.SharpeRatio >= cfg.MinSharpeRatio
	checksPassed := winRateCheck && avgROICheck && sharpeCheck

	score := 0.3*(m.WinRate/cfg.MinWinRate) + 0.4*(avgROI/cfg.MinAvgROI) + 0.3*(m.SharpeRatio/cfg.MinSharpeRatio)
	significant := isSignificant(m.Returns)

	return PromotionDecision{
		Promote:      checksPassed && score >= 1.0 && significant,
		Score:        score,
		Significant:  significant,
		ChecksPassed: checksPassed,
		SampleSize:   m.TradesCount,
	}
}

// isSignificant computes z = mean(returns) / (σ/√n) and reports |z| ≥ 1.96.
// When σ=0, significance holds iff the mean itself is non-zero (a
// degenerate but defined case spec.md calls out explicitly).
func isSignificant(returns []float64) bool {
	n := len(returns)
	if n == 0 {
		return false
	}
	mean, stddev := meanStdDev(returns)
	if stddev == 0 {
		return mean != 0
	}
	z := mean / (stddev / math.Sqrt(float64(n)))
	return math.Abs(z) >= 1.96
}

func meanStdDev(xs []float64) (mean, stddev float64) {
	n := float64(len(xs))
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / n

	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / n)
	return mean, stddev
}
