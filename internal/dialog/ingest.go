package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// IngestResponse routes an inbound reply to the participant's newest sent
// message. Replies from unknown numbers or without an awaiting message are
// accepted and logged, never errors: the transport webhook must not bounce.
func (sm *StateMachine) IngestResponse(ctx context.Context, resp models.Response) error {
	participant, err := sm.store.GetParticipantByPhone(resp.From)
	if err != nil {
		return fmt.Errorf("failed to look up participant by phone: %w", err)
	}
	if participant == nil {
		slog.Warn("StateMachine reply from unknown number", "from", resp.From)
		return nil
	}

	messages, err := sm.store.ListDialogMessages(participant.ID)
	if err != nil {
		return fmt.Errorf("failed to list dialog messages: %w", err)
	}

	var target *models.DialogMessage
	for i := range messages {
		m := &messages[i]
		if m.Status != models.StatusSent {
			continue
		}
		if target == nil || m.SentAt.After(target.SentAt) {
			target = m
		}
	}
	if target == nil {
		slog.Warn("StateMachine reply without awaiting message", "participantID", participant.ID)
		return nil
	}

	receivedAt := sm.clock.Now()
	if resp.Time > 0 {
		receivedAt = time.Unix(resp.Time, 0)
	}
	return sm.OnReply(ctx, target.ID, resp.Body, receivedAt)
}
