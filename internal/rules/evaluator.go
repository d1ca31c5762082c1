package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// EvaluationResult is the typed outcome of evaluating a single rule.
// Evaluation never panics and never throws past this boundary: failures
// are carried in Err and count as non-matching.
type EvaluationResult struct {
	Matched         bool
	CalculatedValue string
	Err             error
}

// EvalFunc is the evaluator signature. The scheduler and navigator accept
// it as a dependency so tests can instrument call counts.
type EvalFunc func(rule models.Rule, vars map[string]string) EvaluationResult

// Evaluate resolves both rule operands against the variable snapshot and
// applies the rule's equation sign. Same inputs always yield the same
// output.
func Evaluate(rule models.Rule, vars map[string]string) EvaluationResult {
	lhs, err := Substitute(rule.Expression, vars)
	if err != nil {
		return EvaluationResult{Err: err}
	}
	rhs, err := Substitute(rule.ComparisonTerm, vars)
	if err != nil {
		return EvaluationResult{Err: err}
	}

	cmp, err := comparatorFor(rule.Sign)
	if err != nil {
		return EvaluationResult{Err: err}
	}
	result := cmp.apply(lhs, rhs)
	slog.Debug("Rule evaluated", "sign", rule.Sign, "matched", result.Matched, "calculated", result.CalculatedValue, "error", result.Err)
	return result
}

// Substitute replaces every $variable token in s with the variable's
// current value. An unresolved placeholder fails with
// models.ErrUnknownVariable.
func Substitute(s string, vars map[string]string) (string, error) {
	missing := ""
	out := models.VariableNamePattern.ReplaceAllStringFunc(s, func(token string) string {
		if value, ok := vars[token]; ok {
			return value
		}
		if missing == "" {
			missing = token
		}
		return token
	})
	if missing != "" {
		return "", fmt.Errorf("%w: %s", models.ErrUnknownVariable, missing)
	}
	return out, nil
}

// comparator applies one equation sign's semantics to two resolved
// operands. One variant exists per sign so the dispatch stays a closed
// set.
type comparator interface {
	apply(lhs, rhs string) EvaluationResult
}

func comparatorFor(sign models.EquationSign) (comparator, error) {
	switch sign {
	case models.SignValueEquals:
		return numericComparator{func(l, r float64) bool { return l == r }}, nil
	case models.SignValueBigger:
		return numericComparator{func(l, r float64) bool { return l > r }}, nil
	case models.SignValueBiggerOrEqual:
		return numericComparator{func(l, r float64) bool { return l >= r }}, nil
	case models.SignValueSmaller:
		return numericComparator{func(l, r float64) bool { return l < r }}, nil
	case models.SignValueSmallerOrEqual:
		return numericComparator{func(l, r float64) bool { return l <= r }}, nil
	case models.SignTextMatchesRegex:
		return regexComparator{}, nil
	case models.SignDateDifferenceEquals:
		return dateDiffComparator{}, nil
	case models.SignCalculateValue:
		return calculateComparator{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported equation sign %q", models.ErrParseFailure, sign)
	}
}

// numericComparator calculates both operands as formulas and compares the
// results exactly. The calculated value is the resolved expression side.
type numericComparator struct {
	cmp func(lhs, rhs float64) bool
}

func (c numericComparator) apply(lhs, rhs string) EvaluationResult {
	l, err := Calculate(lhs)
	if err != nil {
		return EvaluationResult{Err: err}
	}
	r, err := Calculate(rhs)
	if err != nil {
		return EvaluationResult{Err: err}
	}
	return EvaluationResult{Matched: c.cmp(l, r), CalculatedValue: FormatNumber(l)}
}

// regexComparator compiles the comparison term as a pattern and tests the
// resolved expression string against it.
type regexComparator struct{}

func (regexComparator) apply(lhs, rhs string) EvaluationResult {
	re, err := regexp.Compile(rhs)
	if err != nil {
		return EvaluationResult{Err: fmt.Errorf("%w: bad pattern %q: %v", models.ErrParseFailure, rhs, err)}
	}
	return EvaluationResult{Matched: re.MatchString(lhs), CalculatedValue: lhs}
}

// dateLayouts are tried in order when parsing a date operand.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04",
	"02.01.2006",
	time.RFC3339,
}

// dateDiffComparator computes the signed whole-day difference between the
// two operands. The difference becomes the calculated value; the rule
// matches when it is zero.
type dateDiffComparator struct{}

func (dateDiffComparator) apply(lhs, rhs string) EvaluationResult {
	l, err := parseDate(lhs)
	if err != nil {
		return EvaluationResult{Err: err}
	}
	r, err := parseDate(rhs)
	if err != nil {
		return EvaluationResult{Err: err}
	}
	days := int(midnight(l).Sub(midnight(r)).Hours() / 24)
	return EvaluationResult{Matched: days == 0, CalculatedValue: strconv.Itoa(days)}
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q is not a date", models.ErrTypeMismatch, s)
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// calculateComparator always matches and carries the resolved expression
// value. When the expression is a valid formula the calculated result is
// stored; otherwise the raw resolved string is, so text values can be
// written into variables too.
type calculateComparator struct{}

func (calculateComparator) apply(lhs, _ string) EvaluationResult {
	if v, err := Calculate(lhs); err == nil {
		return EvaluationResult{Matched: true, CalculatedValue: FormatNumber(v)}
	}
	return EvaluationResult{Matched: true, CalculatedValue: lhs}
}
