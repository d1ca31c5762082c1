// Package survey implements screening-survey slide navigation for CoachPipe.
package survey

import (
	"log/slog"
	"sort"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/rules"
)

// Navigator picks the next screening-survey slide from the current slide's
// ordered rules and a participant variable snapshot.
type Navigator struct {
	evaluate rules.EvalFunc
}

// NewNavigator creates a Navigator using the standard rule evaluator.
func NewNavigator() *Navigator {
	return &Navigator{evaluate: rules.Evaluate}
}

// NewNavigatorWithEvaluator creates a Navigator with a custom evaluator,
// used by tests to instrument evaluation calls.
func NewNavigatorWithEvaluator(eval rules.EvalFunc) *Navigator {
	return &Navigator{evaluate: eval}
}

// NextSlide walks the slide's rules in ascending order and returns the
// first redirect target: a matched rule with a when-true target or an
// unmatched rule with a when-false target short-circuits immediately.
// When no rule redirects it returns ("", false), meaning the participant
// stays on the current slide. Evaluation failures are logged and count as
// non-matching, so the walk always terminates after at most len(slideRules)
// evaluations.
func (n *Navigator) NextSlide(currentSlideID string, slideRules []models.ScreeningSurveySlideRule, vars map[string]string) (string, bool) {
	ordered := make([]models.ScreeningSurveySlideRule, len(slideRules))
	copy(ordered, slideRules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	for _, rule := range ordered {
		result := n.evaluate(rule.Rule, vars)
		if result.Err != nil {
			slog.Warn("Navigator rule evaluation failed, treating as non-match",
				"slide", currentSlideID, "rule", rule.ID, "error", result.Err)
		}
		if result.Matched && rule.NextSlideWhenTrue != "" {
			slog.Debug("Navigator redirect on match", "slide", currentSlideID, "rule", rule.ID, "next", rule.NextSlideWhenTrue)
			return rule.NextSlideWhenTrue, true
		}
		if !result.Matched && rule.NextSlideWhenFalse != "" {
			slog.Debug("Navigator redirect on non-match", "slide", currentSlideID, "rule", rule.ID, "next", rule.NextSlideWhenFalse)
			return rule.NextSlideWhenFalse, true
		}
	}

	slog.Debug("Navigator staying on current slide", "slide", currentSlideID, "rules", len(ordered))
	return "", false
}
