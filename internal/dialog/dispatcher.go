package dialog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// Dispatcher hands due pending messages to transport and confirms them via
// the state machine. Delivery is at-least-once: a send whose confirmation
// fails is retried on the next pass.
type Dispatcher struct {
	store        store.Store
	clock        clock.Clock
	service      messaging.Service
	stateMachine *StateMachine
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st store.Store, clk clock.Clock, svc messaging.Service, sm *StateMachine) *Dispatcher {
	return &Dispatcher{store: st, clock: clk, service: svc, stateMachine: sm}
}

// DispatchDue sends every pending message whose send time has arrived and
// returns the number of messages handed to transport. One failing message
// never blocks the rest of the batch.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	now := d.clock.Now()
	due, err := d.store.ListDueDialogMessages(now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due messages: %w", err)
	}
	slog.Debug("Dispatcher pass", "now", now, "due", len(due))

	dispatched := 0
	for _, msg := range due {
		participant, err := d.store.GetParticipant(msg.ParticipantID)
		if err != nil || participant == nil {
			slog.Error("Dispatcher participant lookup failed", "error", err, "participantID", msg.ParticipantID, "messageID", msg.ID)
			continue
		}
		if err := d.service.SendMessage(ctx, participant.PhoneNumber, msg.MessageText); err != nil {
			slog.Error("Dispatcher send failed", "error", err, "messageID", msg.ID, "participantID", msg.ParticipantID)
			continue
		}
		if err := d.stateMachine.OnSent(msg.ID); err != nil {
			slog.Error("Dispatcher send confirmation failed", "error", err, "messageID", msg.ID)
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		slog.Info("Dispatcher dispatched messages", "count", dispatched)
	}
	return dispatched, nil
}
