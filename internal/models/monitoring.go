package models

// MonitoringRule is a node in an intervention's monitoring rule forest.
// Parent/child linkage is by id rather than by pointer; a sub-rule is only
// evaluated when its parent matched.
type MonitoringRule struct {
	Rule
	ID             string `json:"id"`
	InterventionID string `json:"intervention_id"`
	ParentID       string `json:"parent_id,omitempty"` // empty = root
	Order          int    `json:"order"`               // sibling tie-break, ascending

	// StoreValueToVariable, when set, receives the rule's calculated value
	// on match.
	StoreValueToVariable string `json:"store_value_to_variable,omitempty"`

	SendMessageIfTrue        bool   `json:"send_message_if_true"`
	RelatedMessageGroupID    string `json:"related_message_group_id,omitempty"`
	HourToSendMessage        int    `json:"hour_to_send_message"`   // 0-23, participant-local
	HoursUntilUnanswered     int    `json:"hours_until_unanswered"` // timeout window after send
	StopInterventionWhenTrue bool   `json:"stop_intervention_when_true"`
}

// MonitoringReplyRule shares the monitoring rule shape and belongs to either
// the got-answer or the got-no-answer tree of the rule that dispatched the
// message. The two trees are mutually exclusive: exactly one is walked once
// the message outcome is known.
type MonitoringReplyRule struct {
	MonitoringRule
	MonitoringRuleID string `json:"monitoring_rule_id"` // dispatching rule
	GotAnswer        bool   `json:"got_answer"`         // true = answered branch, false = timeout branch
}

// SendOrder declares how a message group picks the next message to send.
type SendOrder string

const (
	// SendOrderInOrder sends the next unsent message by ascending position.
	SendOrderInOrder SendOrder = "in_order"
	// SendOrderRandom sends a uniformly random not-yet-sent message.
	SendOrderRandom SendOrder = "random"
	// SendOrderSamePosition mirrors the position of the message being
	// replied to, falling back to in-order selection.
	SendOrderSamePosition SendOrder = "same_position"
)

// GroupMessage is one message template inside a message group.
type GroupMessage struct {
	ID            string `json:"id"`
	GroupID       string `json:"group_id"`
	Position      int    `json:"position"`
	Body          string `json:"body"`
	AnswerPattern string `json:"answer_pattern,omitempty"`  // regex; empty = any answer needs manual processing
	MediaObjectID uint64 `json:"media_object_id,omitempty"` // minted into a short link when set
}

// MessageGroup is an ordered collection of message templates a monitoring
// rule can dispatch from.
type MessageGroup struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	SendOrder SendOrder      `json:"send_order"`
	Messages  []GroupMessage `json:"messages"` // ordered by position ascending
}

// ScreeningSurveySlideRule decides navigation away from a survey slide.
// Both branch targets are optional; absence falls through to the next rule
// in order.
type ScreeningSurveySlideRule struct {
	Rule
	ID                 string `json:"id"`
	SlideID            string `json:"slide_id"`
	Order              int    `json:"order"`
	NextSlideWhenTrue  string `json:"next_slide_when_true,omitempty"`
	NextSlideWhenFalse string `json:"next_slide_when_false,omitempty"`
}
