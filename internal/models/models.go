// Package models defines the core data structures for CoachPipe.
//
// It includes the rule model, participant variables, and shared error values
// used across the evaluator, scheduler, and dialog modules.
package models

import (
	"errors"
	"regexp"
	"time"
)

// VariableScope determines where a variable is stored and which values
// shadow which during placeholder resolution.
type VariableScope string

const (
	// VariableScopeParticipant stores the variable per participant.
	VariableScopeParticipant VariableScope = "participant"
	// VariableScopeIntervention stores the variable per intervention.
	VariableScopeIntervention VariableScope = "intervention"
)

// ReplyVariable is the well-known variable name a received answer is bound
// to before a reply-rule tree is executed.
const ReplyVariable = "$participantMessageReply"

// VariableNamePattern matches a valid placeholder token inside a rule
// expression or comparison term.
var VariableNamePattern = regexp.MustCompile(`\$[a-zA-Z_][a-zA-Z0-9_]*`)

// Error variables for better error handling and testability
var (
	// Rule evaluation errors. These are evaluation-local: callers treat
	// them as "rule did not match" and continue.
	ErrUnknownVariable = errors.New("rule references an unknown variable")
	ErrParseFailure    = errors.New("rule operand could not be parsed")
	ErrTypeMismatch    = errors.New("rule operand has the wrong type for its equation sign")

	// Scheduling errors.
	ErrMissingMessageGroup = errors.New("rule references a missing message group")
	ErrCyclicRuleTree      = errors.New("monitoring rule tree contains a cycle")

	// Dialog state machine errors.
	ErrInvalidTransition = errors.New("invalid dialog message status transition")
	ErrMessageNotFound   = errors.New("dialog message not found")

	// Short-link errors.
	ErrInvalidToken = errors.New("invalid short-link token")

	// Store errors.
	ErrParticipantNotFound = errors.New("participant not found")
)

// Variable is a named string value scoped to a participant or an
// intervention. Names carry the leading '$' the way rules reference them.
type Variable struct {
	Name  string        `json:"name"`
	Value string        `json:"value"`
	Scope VariableScope `json:"scope"`
}

// EquationSign identifies the comparison or derivation semantics of a rule.
type EquationSign string

const (
	// SignValueEquals matches when both operands are numerically equal.
	SignValueEquals EquationSign = "value_equals"
	// SignValueBigger matches when the expression is numerically bigger than the term.
	SignValueBigger EquationSign = "value_bigger"
	// SignValueBiggerOrEqual matches when the expression is bigger than or equal to the term.
	SignValueBiggerOrEqual EquationSign = "value_bigger_or_equal"
	// SignValueSmaller matches when the expression is numerically smaller than the term.
	SignValueSmaller EquationSign = "value_smaller"
	// SignValueSmallerOrEqual matches when the expression is smaller than or equal to the term.
	SignValueSmallerOrEqual EquationSign = "value_smaller_or_equal"
	// SignTextMatchesRegex matches when the resolved expression matches the
	// comparison term compiled as a regular expression.
	SignTextMatchesRegex EquationSign = "text_matches_regex"
	// SignDateDifferenceEquals matches when both operands parse as dates on
	// the same calendar day; the signed day difference becomes the
	// calculated value.
	SignDateDifferenceEquals EquationSign = "date_difference_equals"
	// SignCalculateValue always matches and carries the resolved expression
	// value, used purely to write a value into a variable.
	SignCalculateValue EquationSign = "calculate_value"
)

// IsValidEquationSign checks if the given equation sign is supported.
func IsValidEquationSign(sign EquationSign) bool {
	switch sign {
	case SignValueEquals, SignValueBigger, SignValueBiggerOrEqual,
		SignValueSmaller, SignValueSmallerOrEqual, SignTextMatchesRegex,
		SignDateDifferenceEquals, SignCalculateValue:
		return true
	default:
		return false
	}
}

// Rule describes a single logical test: a target expression with
// placeholders, an equation sign, and a comparison term with placeholders.
// Rules are immutable once created and never mutated during evaluation.
type Rule struct {
	Expression     string       `json:"expression"`
	Sign           EquationSign `json:"sign"`
	ComparisonTerm string       `json:"comparison_term"`
}

// Participant represents a person enrolled in an intervention. Only the
// identity needed for dispatch and variable scoping lives here; profile
// details are an external concern.
type Participant struct {
	ID               string    `json:"id"`
	InterventionID   string    `json:"intervention_id"`
	PhoneNumber      string    `json:"phone_number"`
	Name             string    `json:"name,omitempty"`
	Timezone         string    `json:"timezone,omitempty"` // e.g., "America/New_York"
	MonitoringActive bool      `json:"monitoring_active"`
	CreatedAt        time.Time `json:"created_at"`
}

// Location resolves the participant's timezone, falling back to UTC when
// unset or invalid.
func (p *Participant) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Response represents an incoming message reply from a participant.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Recorded creates a recorded API response with a message.
func Recorded(message string) APIResponse {
	return APIResponse{Status: string(APIStatusRecorded), Message: message}
}
