package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZeroTime returns nil for the zero time, for nullable timestamp columns.
func nilIfZeroTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanParticipant(rows *sql.Rows) (models.Participant, error) {
	var p models.Participant
	var name, timezone sql.NullString
	if err := rows.Scan(&p.ID, &p.InterventionID, &p.PhoneNumber, &name, &timezone, &p.MonitoringActive, &p.CreatedAt); err != nil {
		return p, fmt.Errorf("scan participant failed: %w", err)
	}
	p.Name = name.String
	p.Timezone = timezone.String
	return p, nil
}

func scanParticipantRow(row *sql.Row) (*models.Participant, error) {
	var p models.Participant
	var name, timezone sql.NullString
	err := row.Scan(&p.ID, &p.InterventionID, &p.PhoneNumber, &name, &timezone, &p.MonitoringActive, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant failed: %w", err)
	}
	p.Name = name.String
	p.Timezone = timezone.String
	return &p, nil
}

// monitoringRuleFields lists scan destinations shared by monitoring and
// reply rule rows. The nullable columns land in the provided NullStrings.
func monitoringRuleFields(r *models.MonitoringRule, sign, parentID, storeVar, groupID *sql.NullString) []interface{} {
	return []interface{}{
		&r.ID, &r.InterventionID, parentID, &r.Order, &r.Expression, sign, &r.ComparisonTerm,
		storeVar, &r.SendMessageIfTrue, groupID, &r.HourToSendMessage,
		&r.HoursUntilUnanswered, &r.StopInterventionWhenTrue,
	}
}

func applyRuleNullables(r *models.MonitoringRule, sign, parentID, storeVar, groupID sql.NullString) {
	r.Sign = models.EquationSign(sign.String)
	r.ParentID = parentID.String
	r.StoreValueToVariable = storeVar.String
	r.RelatedMessageGroupID = groupID.String
}

func scanMonitoringRule(rows *sql.Rows) (models.MonitoringRule, error) {
	var r models.MonitoringRule
	var sign, parentID, storeVar, groupID sql.NullString
	if err := rows.Scan(monitoringRuleFields(&r, &sign, &parentID, &storeVar, &groupID)...); err != nil {
		return r, fmt.Errorf("scan monitoring rule failed: %w", err)
	}
	applyRuleNullables(&r, sign, parentID, storeVar, groupID)
	return r, nil
}

func scanReplyRule(rows *sql.Rows) (models.MonitoringReplyRule, error) {
	var r models.MonitoringReplyRule
	var sign, parentID, storeVar, groupID sql.NullString
	dest := append([]interface{}{&r.MonitoringRuleID, &r.GotAnswer},
		monitoringRuleFields(&r.MonitoringRule, &sign, &parentID, &storeVar, &groupID)...)
	if err := rows.Scan(dest...); err != nil {
		return r, fmt.Errorf("scan reply rule failed: %w", err)
	}
	applyRuleNullables(&r.MonitoringRule, sign, parentID, storeVar, groupID)
	return r, nil
}

func scanSlideRule(rows *sql.Rows) (models.ScreeningSurveySlideRule, error) {
	var r models.ScreeningSurveySlideRule
	var sign, whenTrue, whenFalse sql.NullString
	err := rows.Scan(&r.ID, &r.SlideID, &r.Order, &r.Expression, &sign, &r.ComparisonTerm, &whenTrue, &whenFalse)
	if err != nil {
		return r, fmt.Errorf("scan slide rule failed: %w", err)
	}
	r.Sign = models.EquationSign(sign.String)
	r.NextSlideWhenTrue = whenTrue.String
	r.NextSlideWhenFalse = whenFalse.String
	return r, nil
}

func scanDialogMessage(rows *sql.Rows) (models.DialogMessage, error) {
	var m models.DialogMessage
	var status string
	var sentAt, unansweredAfter, answerReceivedAt sql.NullTime
	var answerText, answerPattern, ruleID, groupMessageID, groupID sql.NullString
	err := rows.Scan(
		&m.ID, &m.ParticipantID, &m.Order, &status, &m.MessageText, &m.ShouldBeSentAt, &sentAt,
		&m.HoursUntilUnanswered, &unansweredAfter, &answerReceivedAt, &answerText, &answerPattern,
		&m.NotAutomaticallyProcessable, &ruleID, &groupMessageID, &groupID,
		&m.GroupMessagePosition, &m.MediaContentViewed, &m.ManuallySent, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan dialog message failed: %w", err)
	}
	m.Status = models.DialogMessageStatus(status)
	if sentAt.Valid {
		m.SentAt = sentAt.Time
	}
	if unansweredAfter.Valid {
		m.UnansweredAfter = unansweredAfter.Time
	}
	if answerReceivedAt.Valid {
		m.AnswerReceivedAt = answerReceivedAt.Time
	}
	m.AnswerText = answerText.String
	m.ExpectedAnswerPattern = answerPattern.String
	m.RelatedMonitoringRuleID = ruleID.String
	m.RelatedGroupMessageID = groupMessageID.String
	m.RelatedGroupID = groupID.String
	return m, nil
}
