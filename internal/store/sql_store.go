package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// sqlStore implements Store over database/sql and is shared by the SQLite
// and Postgres backends. Queries are written with '?' placeholders and
// rebound for drivers that use numbered parameters.
type sqlStore struct {
	db       *sql.DB
	numbered bool // true = rebind '?' to $1..$n (Postgres)
}

// rebind converts '?' placeholders to the driver's parameter style.
func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *sqlStore) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

func (s *sqlStore) queryRow(query string, args ...interface{}) *sql.Row {
	return s.db.QueryRow(s.rebind(query), args...)
}

func (s *sqlStore) AddParticipant(p models.Participant) error {
	_, err := s.exec(`INSERT INTO participants (id, intervention_id, phone_number, name, timezone, monitoring_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.InterventionID, p.PhoneNumber, nilIfEmpty(p.Name), nilIfEmpty(p.Timezone), p.MonitoringActive, p.CreatedAt)
	if err != nil {
		slog.Error("Store AddParticipant failed", "error", err, "id", p.ID)
		return fmt.Errorf("failed to insert participant %s: %w", p.ID, err)
	}
	return nil
}

const participantColumns = `id, intervention_id, phone_number, name, timezone, monitoring_active, created_at`

func (s *sqlStore) GetParticipant(id string) (*models.Participant, error) {
	row := s.queryRow(`SELECT `+participantColumns+` FROM participants WHERE id = ?`, id)
	return scanParticipantRow(row)
}

func (s *sqlStore) GetParticipantByPhone(phone string) (*models.Participant, error) {
	row := s.queryRow(`SELECT `+participantColumns+` FROM participants WHERE phone_number = ?`, phone)
	return scanParticipantRow(row)
}

func (s *sqlStore) ListActiveParticipants() ([]models.Participant, error) {
	rows, err := s.query(`SELECT ` + participantColumns + ` FROM participants WHERE monitoring_active ORDER BY id`)
	if err != nil {
		slog.Error("Store ListActiveParticipants query failed", "error", err)
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (s *sqlStore) SetMonitoringActive(participantID string, active bool) error {
	res, err := s.exec(`UPDATE participants SET monitoring_active = ? WHERE id = ?`, active, participantID)
	if err != nil {
		slog.Error("Store SetMonitoringActive failed", "error", err, "participantID", participantID)
		return fmt.Errorf("failed to update participant %s: %w", participantID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrParticipantNotFound, participantID)
	}
	return nil
}

func (s *sqlStore) GetVariables(participantID string) (map[string]string, error) {
	merged := make(map[string]string)

	p, err := s.GetParticipant(participantID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		if err := s.loadScope(merged, models.VariableScopeIntervention, p.InterventionID); err != nil {
			return nil, err
		}
	}
	if err := s.loadScope(merged, models.VariableScopeParticipant, participantID); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *sqlStore) loadScope(into map[string]string, scope models.VariableScope, ownerID string) error {
	rows, err := s.query(`SELECT name, value FROM variables WHERE scope = ? AND owner_id = ?`, string(scope), ownerID)
	if err != nil {
		slog.Error("Store variables query failed", "error", err, "scope", scope, "ownerID", ownerID)
		return fmt.Errorf("failed to query %s variables: %w", scope, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return fmt.Errorf("failed to scan variable row: %w", err)
		}
		into[name] = value
	}
	return rows.Err()
}

func (s *sqlStore) saveVariable(scope models.VariableScope, ownerID, name, value string) error {
	// Portable upsert: update first, insert when nothing matched.
	res, err := s.exec(`UPDATE variables SET value = ? WHERE scope = ? AND owner_id = ? AND name = ?`,
		value, string(scope), ownerID, name)
	if err != nil {
		return fmt.Errorf("failed to update variable %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.exec(`INSERT INTO variables (scope, owner_id, name, value) VALUES (?, ?, ?, ?)`,
		string(scope), ownerID, name, value)
	if err != nil {
		slog.Error("Store saveVariable insert failed", "error", err, "scope", scope, "name", name)
		return fmt.Errorf("failed to insert variable %s: %w", name, err)
	}
	return nil
}

func (s *sqlStore) SaveParticipantVariable(participantID, name, value string) error {
	return s.saveVariable(models.VariableScopeParticipant, participantID, name, value)
}

func (s *sqlStore) SaveInterventionVariable(interventionID, name, value string) error {
	return s.saveVariable(models.VariableScopeIntervention, interventionID, name, value)
}

const monitoringRuleColumns = `id, intervention_id, parent_id, rule_order, expression, sign, comparison_term,
	store_value_to_variable, send_message_if_true, related_message_group_id, hour_to_send_message,
	hours_until_unanswered, stop_intervention_when_true`

func (s *sqlStore) AddMonitoringRule(r models.MonitoringRule) error {
	_, err := s.exec(`INSERT INTO monitoring_rules (`+monitoringRuleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.InterventionID, nilIfEmpty(r.ParentID), r.Order, r.Expression, string(r.Sign), r.ComparisonTerm,
		nilIfEmpty(r.StoreValueToVariable), r.SendMessageIfTrue, nilIfEmpty(r.RelatedMessageGroupID),
		r.HourToSendMessage, r.HoursUntilUnanswered, r.StopInterventionWhenTrue)
	if err != nil {
		slog.Error("Store AddMonitoringRule failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to insert monitoring rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *sqlStore) GetMonitoringRules(interventionID string) ([]models.MonitoringRule, error) {
	rows, err := s.query(`SELECT `+monitoringRuleColumns+` FROM monitoring_rules
		WHERE intervention_id = ? ORDER BY rule_order`, interventionID)
	if err != nil {
		slog.Error("Store GetMonitoringRules query failed", "error", err, "interventionID", interventionID)
		return nil, fmt.Errorf("failed to query monitoring rules: %w", err)
	}
	defer rows.Close()

	var ruleList []models.MonitoringRule
	for rows.Next() {
		r, err := scanMonitoringRule(rows)
		if err != nil {
			return nil, err
		}
		ruleList = append(ruleList, r)
	}
	return ruleList, rows.Err()
}

func (s *sqlStore) AddReplyRule(r models.MonitoringReplyRule) error {
	_, err := s.exec(`INSERT INTO reply_rules (monitoring_rule_id, got_answer, `+monitoringRuleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.MonitoringRuleID, r.GotAnswer,
		r.ID, r.InterventionID, nilIfEmpty(r.ParentID), r.Order, r.Expression, string(r.Sign), r.ComparisonTerm,
		nilIfEmpty(r.StoreValueToVariable), r.SendMessageIfTrue, nilIfEmpty(r.RelatedMessageGroupID),
		r.HourToSendMessage, r.HoursUntilUnanswered, r.StopInterventionWhenTrue)
	if err != nil {
		slog.Error("Store AddReplyRule failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to insert reply rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *sqlStore) GetReplyRules(monitoringRuleID string, gotAnswer bool) ([]models.MonitoringReplyRule, error) {
	rows, err := s.query(`SELECT monitoring_rule_id, got_answer, `+monitoringRuleColumns+` FROM reply_rules
		WHERE monitoring_rule_id = ? AND got_answer = ? ORDER BY rule_order`, monitoringRuleID, gotAnswer)
	if err != nil {
		slog.Error("Store GetReplyRules query failed", "error", err, "monitoringRuleID", monitoringRuleID)
		return nil, fmt.Errorf("failed to query reply rules: %w", err)
	}
	defer rows.Close()

	var ruleList []models.MonitoringReplyRule
	for rows.Next() {
		r, err := scanReplyRule(rows)
		if err != nil {
			return nil, err
		}
		ruleList = append(ruleList, r)
	}
	return ruleList, rows.Err()
}

func (s *sqlStore) AddSlideRule(r models.ScreeningSurveySlideRule) error {
	_, err := s.exec(`INSERT INTO slide_rules (id, slide_id, rule_order, expression, sign, comparison_term, next_slide_when_true, next_slide_when_false)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SlideID, r.Order, r.Expression, string(r.Sign), r.ComparisonTerm,
		nilIfEmpty(r.NextSlideWhenTrue), nilIfEmpty(r.NextSlideWhenFalse))
	if err != nil {
		slog.Error("Store AddSlideRule failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to insert slide rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *sqlStore) GetSlideRules(slideID string) ([]models.ScreeningSurveySlideRule, error) {
	rows, err := s.query(`SELECT id, slide_id, rule_order, expression, sign, comparison_term, next_slide_when_true, next_slide_when_false
		FROM slide_rules WHERE slide_id = ? ORDER BY rule_order`, slideID)
	if err != nil {
		slog.Error("Store GetSlideRules query failed", "error", err, "slideID", slideID)
		return nil, fmt.Errorf("failed to query slide rules: %w", err)
	}
	defer rows.Close()

	var ruleList []models.ScreeningSurveySlideRule
	for rows.Next() {
		r, err := scanSlideRule(rows)
		if err != nil {
			return nil, err
		}
		ruleList = append(ruleList, r)
	}
	return ruleList, rows.Err()
}

func (s *sqlStore) AddMessageGroup(g models.MessageGroup) error {
	_, err := s.exec(`INSERT INTO message_groups (id, name, send_order) VALUES (?, ?, ?)`,
		g.ID, g.Name, string(g.SendOrder))
	if err != nil {
		slog.Error("Store AddMessageGroup failed", "error", err, "id", g.ID)
		return fmt.Errorf("failed to insert message group %s: %w", g.ID, err)
	}
	for _, m := range g.Messages {
		_, err := s.exec(`INSERT INTO group_messages (id, group_id, position, body, answer_pattern, media_object_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, g.ID, m.Position, m.Body, nilIfEmpty(m.AnswerPattern), m.MediaObjectID)
		if err != nil {
			slog.Error("Store AddMessageGroup message insert failed", "error", err, "groupID", g.ID, "messageID", m.ID)
			return fmt.Errorf("failed to insert group message %s: %w", m.ID, err)
		}
	}
	return nil
}

func (s *sqlStore) GetMessageGroup(id string) (*models.MessageGroup, error) {
	row := s.queryRow(`SELECT id, name, send_order FROM message_groups WHERE id = ?`, id)
	var g models.MessageGroup
	var sendOrder string
	if err := row.Scan(&g.ID, &g.Name, &sendOrder); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan message group %s: %w", id, err)
	}
	g.SendOrder = models.SendOrder(sendOrder)

	rows, err := s.query(`SELECT id, group_id, position, body, answer_pattern, media_object_id
		FROM group_messages WHERE group_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query group messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m models.GroupMessage
		var answerPattern sql.NullString
		if err := rows.Scan(&m.ID, &m.GroupID, &m.Position, &m.Body, &answerPattern, &m.MediaObjectID); err != nil {
			return nil, fmt.Errorf("failed to scan group message row: %w", err)
		}
		m.AnswerPattern = answerPattern.String
		g.Messages = append(g.Messages, m)
	}
	return &g, rows.Err()
}

const dialogMessageColumns = `id, participant_id, msg_order, status, message_text, should_be_sent_at, sent_at,
	hours_until_unanswered, unanswered_after, answer_received_at, answer_text, expected_answer_pattern,
	not_automatically_processable, related_monitoring_rule_id, related_group_message_id, related_group_id,
	group_message_position, media_content_viewed, manually_sent, created_at, updated_at`

func (s *sqlStore) CreateDialogMessage(m models.DialogMessage) error {
	_, err := s.exec(`INSERT INTO dialog_messages (`+dialogMessageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ParticipantID, m.Order, string(m.Status), m.MessageText, m.ShouldBeSentAt, nilIfZeroTime(m.SentAt),
		m.HoursUntilUnanswered, nilIfZeroTime(m.UnansweredAfter), nilIfZeroTime(m.AnswerReceivedAt),
		nilIfEmpty(m.AnswerText), nilIfEmpty(m.ExpectedAnswerPattern), m.NotAutomaticallyProcessable,
		nilIfEmpty(m.RelatedMonitoringRuleID), nilIfEmpty(m.RelatedGroupMessageID), nilIfEmpty(m.RelatedGroupID),
		m.GroupMessagePosition, m.MediaContentViewed, m.ManuallySent, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		slog.Error("Store CreateDialogMessage failed", "error", err, "id", m.ID)
		return fmt.Errorf("failed to insert dialog message %s: %w", m.ID, err)
	}
	slog.Debug("Store CreateDialogMessage succeeded", "id", m.ID, "participantID", m.ParticipantID)
	return nil
}

func (s *sqlStore) GetDialogMessage(id string) (*models.DialogMessage, error) {
	rows, err := s.query(`SELECT `+dialogMessageColumns+` FROM dialog_messages WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query dialog message %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	m, err := scanDialogMessage(rows)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *sqlStore) ListDialogMessages(participantID string) ([]models.DialogMessage, error) {
	return s.listDialogMessages(`SELECT `+dialogMessageColumns+` FROM dialog_messages
		WHERE participant_id = ? ORDER BY msg_order`, participantID)
}

func (s *sqlStore) ListDueDialogMessages(now time.Time) ([]models.DialogMessage, error) {
	return s.listDialogMessages(`SELECT `+dialogMessageColumns+` FROM dialog_messages
		WHERE status = ? AND should_be_sent_at <= ? ORDER BY id`, string(models.StatusPending), now)
}

func (s *sqlStore) ListOverdueDialogMessages(now time.Time) ([]models.DialogMessage, error) {
	return s.listDialogMessages(`SELECT `+dialogMessageColumns+` FROM dialog_messages
		WHERE status = ? AND unanswered_after IS NOT NULL AND unanswered_after <= ? ORDER BY id`,
		string(models.StatusSent), now)
}

func (s *sqlStore) listDialogMessages(query string, args ...interface{}) ([]models.DialogMessage, error) {
	rows, err := s.query(query, args...)
	if err != nil {
		slog.Error("Store dialog message query failed", "error", err)
		return nil, fmt.Errorf("failed to query dialog messages: %w", err)
	}
	defer rows.Close()

	var messages []models.DialogMessage
	for rows.Next() {
		m, err := scanDialogMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// transition runs a compare-and-set UPDATE guarded by the expected current
// statuses. Zero rows affected means the message was either missing or not
// in an expected status; the follow-up read distinguishes the two.
func (s *sqlStore) transition(id string, allowedFrom []models.DialogMessageStatus, set string, args ...interface{}) error {
	placeholders := make([]string, len(allowedFrom))
	for i, from := range allowedFrom {
		placeholders[i] = "?"
		args = append(args, string(from))
	}
	query := `UPDATE dialog_messages SET ` + set + ` WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`

	res, err := s.exec(query, args...)
	if err != nil {
		slog.Error("Store dialog message transition failed", "error", err, "id", id)
		return fmt.Errorf("failed to update dialog message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	current, err := s.GetDialogMessage(id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: %s", models.ErrMessageNotFound, id)
	}
	return fmt.Errorf("%w: %s is %s", models.ErrInvalidTransition, id, current.Status)
}

func (s *sqlStore) MarkDialogMessageSent(id string, sentAt, unansweredAfter time.Time) error {
	return s.transition(id, []models.DialogMessageStatus{models.StatusPending},
		`status = ?, sent_at = ?, unanswered_after = ?, updated_at = ?`,
		string(models.StatusSent), sentAt, nilIfZeroTime(unansweredAfter), sentAt, id)
}

func (s *sqlStore) MarkDialogMessageAnswered(id string, status models.DialogMessageStatus, answer string, receivedAt time.Time) error {
	if status != models.StatusAnsweredExpected && status != models.StatusAnsweredUnexpected {
		return fmt.Errorf("%w: %s is not an answered status", models.ErrInvalidTransition, status)
	}
	return s.transition(id, []models.DialogMessageStatus{models.StatusSent},
		`status = ?, answer_text = ?, answer_received_at = ?, not_automatically_processable = ?, updated_at = ?`,
		string(status), answer, receivedAt, status == models.StatusAnsweredUnexpected, receivedAt, id)
}

func (s *sqlStore) MarkDialogMessageTimedOut(id string, at time.Time) error {
	return s.transition(id, []models.DialogMessageStatus{models.StatusSent},
		`status = ?, updated_at = ?`, string(models.StatusTimedOut), at, id)
}

func (s *sqlStore) MarkDialogMessageResolved(id string, cleanedAnswer string, at time.Time) error {
	from := []models.DialogMessageStatus{models.StatusAnsweredExpected, models.StatusAnsweredUnexpected, models.StatusTimedOut}
	if cleanedAnswer != "" {
		return s.transition(id, from, `status = ?, answer_text = ?, updated_at = ?`,
			string(models.StatusResolved), cleanedAnswer, at, id)
	}
	return s.transition(id, from, `status = ?, updated_at = ?`, string(models.StatusResolved), at, id)
}

func (s *sqlStore) SetMediaContentViewed(id string) error {
	res, err := s.exec(`UPDATE dialog_messages SET media_content_viewed = ? WHERE id = ?`, true, id)
	if err != nil {
		return fmt.Errorf("failed to update dialog message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrMessageNotFound, id)
	}
	return nil
}

func (s *sqlStore) GetDialogStatus(participantID string) (*models.DialogStatus, error) {
	row := s.queryRow(`SELECT participant_id, last_daily_processing, screening_survey_performed, screening_survey_performed_at
		FROM dialog_statuses WHERE participant_id = ?`, participantID)
	var status models.DialogStatus
	var lastProcessing sql.NullString
	var performedAt sql.NullTime
	if err := row.Scan(&status.ParticipantID, &lastProcessing, &status.ScreeningSurveyPerformed, &performedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan dialog status for %s: %w", participantID, err)
	}
	status.LastDailyProcessing = lastProcessing.String
	if performedAt.Valid {
		status.ScreeningSurveyPerformedAt = performedAt.Time
	}
	return &status, nil
}

func (s *sqlStore) SaveDialogStatus(status models.DialogStatus) error {
	res, err := s.exec(`UPDATE dialog_statuses SET last_daily_processing = ?, screening_survey_performed = ?, screening_survey_performed_at = ?
		WHERE participant_id = ?`,
		nilIfEmpty(status.LastDailyProcessing), status.ScreeningSurveyPerformed,
		nilIfZeroTime(status.ScreeningSurveyPerformedAt), status.ParticipantID)
	if err != nil {
		return fmt.Errorf("failed to update dialog status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.exec(`INSERT INTO dialog_statuses (participant_id, last_daily_processing, screening_survey_performed, screening_survey_performed_at)
		VALUES (?, ?, ?, ?)`,
		status.ParticipantID, nilIfEmpty(status.LastDailyProcessing), status.ScreeningSurveyPerformed,
		nilIfZeroTime(status.ScreeningSurveyPerformedAt))
	if err != nil {
		slog.Error("Store SaveDialogStatus insert failed", "error", err, "participantID", status.ParticipantID)
		return fmt.Errorf("failed to insert dialog status: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	slog.Debug("Closing store database connection")
	return s.db.Close()
}
