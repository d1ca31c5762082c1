package monitoring

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/rules"
	"github.com/BTreeMap/CoachPipe/internal/shortlink"
	"github.com/BTreeMap/CoachPipe/internal/util"
)

// createMessage selects a message from the rule's group and creates the
// pending dialog message. The send time is the rule's hour on the current
// participant-local day, or the next day when that hour already passed.
func (s *Scheduler) createMessage(p models.Participant, rule models.MonitoringRule, vars map[string]string, replyToPosition int) error {
	if rule.RelatedMessageGroupID == "" {
		return fmt.Errorf("%w: rule %s has no message group", models.ErrMissingMessageGroup, rule.ID)
	}
	group, err := s.store.GetMessageGroup(rule.RelatedMessageGroupID)
	if err != nil {
		return fmt.Errorf("failed to load message group %s: %w", rule.RelatedMessageGroupID, err)
	}
	if group == nil {
		return fmt.Errorf("%w: %s", models.ErrMissingMessageGroup, rule.RelatedMessageGroupID)
	}

	history, err := s.store.ListDialogMessages(p.ID)
	if err != nil {
		return fmt.Errorf("failed to load dialog history: %w", err)
	}

	template := selectGroupMessage(group, history, replyToPosition, s.intn)
	if template == nil {
		return fmt.Errorf("message group %s exhausted for participant %s", group.ID, p.ID)
	}

	text, err := rules.Substitute(template.Body, vars)
	if err != nil {
		// An unresolved placeholder in message text is survivable; send
		// the raw template instead of nothing.
		slog.Warn("Scheduler message text substitution failed", "error", err, "templateID", template.ID)
		text = template.Body
	}
	if template.MediaObjectID != 0 {
		text += " " + s.linkBase + shortlink.Encode(template.MediaObjectID)
	}

	now := s.clock.Now().In(p.Location())
	sendAt := time.Date(now.Year(), now.Month(), now.Day(), rule.HourToSendMessage, 0, 0, 0, p.Location())
	if sendAt.Before(now) {
		sendAt = sendAt.AddDate(0, 0, 1)
	}

	msg := models.DialogMessage{
		ID:                      util.GenerateMessageID(),
		ParticipantID:           p.ID,
		Order:                   len(history) + 1,
		Status:                  models.StatusPending,
		MessageText:             text,
		ShouldBeSentAt:          sendAt,
		HoursUntilUnanswered:    rule.HoursUntilUnanswered,
		ExpectedAnswerPattern:   template.AnswerPattern,
		RelatedMonitoringRuleID: rule.ID,
		RelatedGroupMessageID:   template.ID,
		RelatedGroupID:          group.ID,
		GroupMessagePosition:    template.Position,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := s.store.CreateDialogMessage(msg); err != nil {
		return fmt.Errorf("failed to create dialog message: %w", err)
	}
	slog.Info("Scheduler message scheduled", "messageID", msg.ID, "participantID", p.ID,
		"groupID", group.ID, "position", template.Position, "shouldBeSentAt", sendAt)
	return nil
}

// selectGroupMessage applies the group's send-order policy: in-order picks
// the next unsent message by position, random picks uniformly among unsent
// messages, and same-position mirrors the position of the message being
// replied to before falling back to in-order.
func selectGroupMessage(group *models.MessageGroup, history []models.DialogMessage, replyToPosition int, intn func(int) int) *models.GroupMessage {
	if group.SendOrder == models.SendOrderSamePosition && replyToPosition > 0 {
		for i := range group.Messages {
			if group.Messages[i].Position == replyToPosition {
				return &group.Messages[i]
			}
		}
	}

	sent := make(map[string]bool, len(history))
	for _, m := range history {
		if m.RelatedGroupID == group.ID {
			sent[m.RelatedGroupMessageID] = true
		}
	}

	var unsent []*models.GroupMessage
	for i := range group.Messages {
		if !sent[group.Messages[i].ID] {
			unsent = append(unsent, &group.Messages[i])
		}
	}
	if len(unsent) == 0 {
		return nil
	}
	if group.SendOrder == models.SendOrderRandom {
		return unsent[intn(len(unsent))]
	}
	return unsent[0]
}
