package models

import "time"

// DialogMessageStatus represents the lifecycle status of a dialog message.
type DialogMessageStatus string

const (
	// StatusPending indicates the message was created but not yet handed to transport.
	StatusPending DialogMessageStatus = "pending"
	// StatusSent indicates transport confirmed a delivery attempt.
	StatusSent DialogMessageStatus = "sent"
	// StatusAnsweredExpected indicates an answer matched the expected pattern
	// and was auto-processed.
	StatusAnsweredExpected DialogMessageStatus = "answered_expected"
	// StatusAnsweredUnexpected indicates an answer arrived that is not
	// automatically processable and requires human resolution.
	StatusAnsweredUnexpected DialogMessageStatus = "answered_unexpected"
	// StatusTimedOut indicates no answer arrived before the unanswered deadline.
	StatusTimedOut DialogMessageStatus = "timed_out"
	// StatusResolved is the absorbing terminal status.
	StatusResolved DialogMessageStatus = "resolved"
)

// IsValidDialogMessageStatus checks if the given status is supported.
func IsValidDialogMessageStatus(s DialogMessageStatus) bool {
	switch s {
	case StatusPending, StatusSent, StatusAnsweredExpected,
		StatusAnsweredUnexpected, StatusTimedOut, StatusResolved:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a dialog message may move from one status
// to another. Transitions are one-directional and resolved is absorbing.
func CanTransition(from, to DialogMessageStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusSent
	case StatusSent:
		return to == StatusAnsweredExpected || to == StatusAnsweredUnexpected || to == StatusTimedOut
	case StatusAnsweredExpected, StatusAnsweredUnexpected, StatusTimedOut:
		return to == StatusResolved
	default:
		return false
	}
}

// DialogMessage is one outgoing monitoring message and the answer it may
// receive. Created by the scheduler at dispatch decision time; transitions
// are owned by the dialog state machine.
type DialogMessage struct {
	ID            string              `json:"id"`
	ParticipantID string              `json:"participant_id"`
	Order         int                 `json:"order"`
	Status        DialogMessageStatus `json:"status"`
	MessageText   string              `json:"message_text"`

	ShouldBeSentAt       time.Time `json:"should_be_sent_at"`
	SentAt               time.Time `json:"sent_at,omitempty"`
	HoursUntilUnanswered int       `json:"hours_until_unanswered"`
	UnansweredAfter      time.Time `json:"unanswered_after,omitempty"` // set at send confirmation

	AnswerReceivedAt            time.Time `json:"answer_received_at,omitempty"`
	AnswerText                  string    `json:"answer_text,omitempty"`
	ExpectedAnswerPattern       string    `json:"expected_answer_pattern,omitempty"`
	NotAutomaticallyProcessable bool      `json:"not_automatically_processable"`

	// RelatedMonitoringRuleID keys the reply-rule trees walked once the
	// message outcome is known.
	RelatedMonitoringRuleID string `json:"related_monitoring_rule_id,omitempty"`
	RelatedGroupMessageID   string `json:"related_group_message_id,omitempty"`
	RelatedGroupID          string `json:"related_group_id,omitempty"`
	GroupMessagePosition    int    `json:"group_message_position,omitempty"`

	MediaContentViewed bool `json:"media_content_viewed"`
	ManuallySent       bool `json:"manually_sent"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Answered reports whether the message received an answer before resolution.
func (m *DialogMessage) Answered() bool {
	return m.Status == StatusAnsweredExpected || m.Status == StatusAnsweredUnexpected ||
		(m.Status == StatusResolved && !m.AnswerReceivedAt.IsZero())
}

// DialogStatus tracks per-participant processing state; the date key
// guarantees at most one rule-tree walk per participant per calendar day.
type DialogStatus struct {
	ParticipantID              string    `json:"participant_id"`
	LastDailyProcessing        string    `json:"last_daily_processing"` // date key, "2006-01-02"
	ScreeningSurveyPerformed   bool      `json:"screening_survey_performed"`
	ScreeningSurveyPerformedAt time.Time `json:"screening_survey_performed_at,omitempty"`
}

// DateKeyLayout formats a clock reading into a daily-processing date key.
const DateKeyLayout = "2006-01-02"
