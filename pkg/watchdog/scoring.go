// Package watchdog is the autonomous planner: it scores motivation and
// project health from weekly reports, maintains snapshots and strategy
// proposals, and mints approval-gated actions for risky projects.
package watchdog

import "strings"

// Keyword lists drive the deterministic scorer. Counts are substring hits,
// so repeated mentions weigh more.
var (
	positiveWords = []string{"挑戦", "伸びしろ", "育成", "学び", "成長"}
	negativeWords = []string{"疲労", "飽き", "燃え尽き", "限界"}
	riskWords     = []string{"炎上", "対人トラブル", "噂", "不満"}
)

// Risk levels produced by ScoreProjectHealth.
const (
	RiskSafe     = "Safe"
	RiskWarning  = "Warning"
	RiskCritical = "Critical"
)

func countHits(text string, words []string) int {
	n := 0
	for _, w := range words {
		n += strings.Count(text, w)
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ScoreMotivation derives a 0-100 motivation score and a -1..1 sentiment
// from free-form report text.
func ScoreMotivation(text string) (score, sentiment float64) {
	positive := countHits(text, positiveWords)
	negative := countHits(text, negativeWords)
	score = clamp(60+float64(positive)*12-float64(negative)*20, 0, 100)
	sentiment = clamp(float64(positive-negative)/4, -1, 1)
	return score, sentiment
}

// SummarizeMotivation gives the one-line reading attached to history rows.
func SummarizeMotivation(text string) string {
	positive := countHits(text, positiveWords)
	negative := countHits(text, negativeWords)
	switch {
	case negative > positive:
		return "負荷が高く、ケアが必要です。"
	case positive > 0:
		return "前向きな兆候があり、育成機会を活かせます。"
	default:
		return "安定傾向。"
	}
}

// ScoreProjectHealth derives a 0-100 health score and its risk level from
// the concatenated project reports.
func ScoreProjectHealth(text string) (score float64, riskLevel string) {
	positive := countHits(text, positiveWords)
	negative := countHits(text, negativeWords)
	risk := countHits(text, riskWords)
	score = clamp(80+float64(positive)*8-float64(negative)*15-float64(risk)*10, 0, 100)
	switch {
	case score <= 50:
		return score, RiskCritical
	case score <= 70:
		return score, RiskWarning
	default:
		return score, RiskSafe
	}
}

// Variance is the motivation spread across the member scores, 0..1.
func Variance(values []float64) float64 {
	if len(values) <= 1 {
		return 0
	}
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return round2((max - min) / 100)
}

// ManagerGap is the distance between the manager's motivation and the team
// average, 0..1. A manager with no recorded score counts as average.
func ManagerGap(managerScore *float64, memberScores []float64) float64 {
	if len(memberScores) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range memberScores {
		sum += v
	}
	avg := sum / float64(len(memberScores))
	mgr := avg
	if managerScore != nil {
		mgr = *managerScore
	}
	gap := mgr - avg
	if gap < 0 {
		gap = -gap
	}
	return round2(gap / 100)
}

func round2(v float64) float64 {
	if v < 0 {
		return -round2(-v)
	}
	return float64(int(v*100+0.5)) / 100
}

// DeterminePattern classifies a member's notes into an assignment pattern.
// First match wins, burnout signals dominating.
func DeterminePattern(notes string) string {
	lowered := strings.ToLower(notes)
	if countHits(notes, []string{"疲労", "飽き", "燃え尽き", "限界"}) > 0 {
		return "burnout"
	}
	if countHits(notes, []string{"対人トラブル", "噂", "炎上"}) > 0 {
		return "toxic"
	}
	if countHits(notes, []string{"伸びしろ", "挑戦", "育成"}) > 0 {
		return "rising_star"
	}
	if strings.Contains(notes, "顧問") || strings.Contains(notes, "週1") {
		return "constraint"
	}
	if strings.Contains(notes, "高単価") || strings.Contains(lowered, "高額") {
		return "luxury"
	}
	return "the_savior"
}

// DecisionFromPattern maps a pattern to the deterministic staffing verdict.
func DecisionFromPattern(patternID string) string {
	switch patternID {
	case "burnout", "toxic":
		return "不採用"
	case "rising_star", "constraint", "luxury":
		return "条件付採用"
	}
	return "採用"
}

// Plan is one default strategy proposal.
type Plan struct {
	Type        string
	Description string
	Impact      string
}

// DefaultPlans returns the three stock proposals seeded per project.
func DefaultPlans() []Plan {
	return []Plan{
		{Type: "Plan_A", Description: "現状維持で短期安定を確保する", Impact: "短期安定"},
		{Type: "Plan_B", Description: "人員配置を調整して成長機会を作る", Impact: "中期成長"},
		{Type: "Plan_C", Description: "コスト最適化で負荷を抑える", Impact: "短期利益"},
	}
}

// RecommendedPlan picks the plan for a project given its health score.
func RecommendedPlan(healthScore float64) string {
	if healthScore <= 60 {
		return "Plan_B"
	}
	return "Plan_A"
}
