// Package dialog owns the lifecycle of dispatched monitoring messages.
//
// It implements the one-directional status machine
// pending -> sent -> answered/timed_out -> resolved, ingests replies, and
// runs the periodic timeout sweep. Transitions go through the store's
// compare-and-set updates, so a reply racing the sweep cannot lose.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// OutcomeFunc is called exactly once when a message's outcome becomes
// known: gotAnswer selects the reply-rule tree, answer carries the
// (possibly operator-cleaned) reply text.
type OutcomeFunc func(ctx context.Context, msg models.DialogMessage, gotAnswer bool, answer string) error

// StateMachine transitions dialog messages through their lifecycle.
type StateMachine struct {
	store     store.Store
	clock     clock.Clock
	onOutcome OutcomeFunc
}

// NewStateMachine creates a StateMachine over the given store and clock.
func NewStateMachine(st store.Store, clk clock.Clock) *StateMachine {
	return &StateMachine{store: st, clock: clk}
}

// SetOutcomeHandler wires the reply-rule executor. Set once during
// bootstrap, before any ingestion starts.
func (sm *StateMachine) SetOutcomeHandler(fn OutcomeFunc) {
	sm.onOutcome = fn
}

// Now exposes the machine's clock so callers at the HTTP boundary
// timestamp with the same source the sweep uses.
func (sm *StateMachine) Now() time.Time {
	return sm.clock.Now()
}

// OnSent records transport's delivery confirmation: the message becomes
// sent and its unanswered deadline starts counting.
func (sm *StateMachine) OnSent(id string) error {
	msg, err := sm.store.GetDialogMessage(id)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%w: %s", models.ErrMessageNotFound, id)
	}

	sentAt := sm.clock.Now()
	var unansweredAfter time.Time
	if msg.HoursUntilUnanswered > 0 {
		unansweredAfter = sentAt.Add(time.Duration(msg.HoursUntilUnanswered) * time.Hour)
	}
	if err := sm.store.MarkDialogMessageSent(id, sentAt, unansweredAfter); err != nil {
		slog.Error("StateMachine OnSent transition failed", "error", err, "id", id)
		return err
	}
	slog.Debug("StateMachine message sent", "id", id, "sentAt", sentAt, "unansweredAfter", unansweredAfter)
	return nil
}

// OnReply ingests a participant's answer to a message. Replies to already
// finished messages are accepted without re-triggering reply rules; a
// reply to a message that was never sent is an invalid transition.
func (sm *StateMachine) OnReply(ctx context.Context, id, text string, receivedAt time.Time) error {
	msg, err := sm.store.GetDialogMessage(id)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%w: %s", models.ErrMessageNotFound, id)
	}

	switch msg.Status {
	case models.StatusResolved, models.StatusAnsweredExpected, models.StatusAnsweredUnexpected, models.StatusTimedOut:
		// Idempotent: the outcome is already decided, the extra reply is
		// only logged.
		slog.Debug("StateMachine duplicate reply ignored", "id", id, "status", msg.Status)
		return nil
	case models.StatusPending:
		return fmt.Errorf("%w: reply to unsent message %s", models.ErrInvalidTransition, id)
	}

	status := models.StatusAnsweredUnexpected
	if answerMatchesPattern(msg.ExpectedAnswerPattern, text) {
		status = models.StatusAnsweredExpected
	}
	if err := sm.store.MarkDialogMessageAnswered(id, status, text, receivedAt); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// The timeout sweep won the race; the reply arrives as a duplicate.
			slog.Debug("StateMachine reply lost race against sweep", "id", id)
			return nil
		}
		return err
	}
	slog.Debug("StateMachine reply ingested", "id", id, "status", status)

	if status == models.StatusAnsweredExpected {
		return sm.finish(ctx, id, true, text, "")
	}
	// Unexpected answers wait for operator resolution.
	return nil
}

// Resolve closes an answered message; operators use it for answers that
// could not be auto-processed, optionally substituting a cleaned answer.
// The got-answer reply rules run once, after the message wins the
// transition to resolved.
func (sm *StateMachine) Resolve(ctx context.Context, id, cleanedAnswer string) error {
	msg, err := sm.store.GetDialogMessage(id)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%w: %s", models.ErrMessageNotFound, id)
	}
	if msg.Status != models.StatusAnsweredUnexpected && msg.Status != models.StatusAnsweredExpected {
		return fmt.Errorf("%w: cannot resolve %s from %s", models.ErrInvalidTransition, id, msg.Status)
	}

	answer := msg.AnswerText
	if cleanedAnswer != "" {
		answer = cleanedAnswer
	}
	return sm.finish(ctx, id, true, answer, cleanedAnswer)
}

// SweepTimeouts transitions sent messages whose unanswered deadline has
// passed. Messages a concurrent reply already claimed are skipped.
func (sm *StateMachine) SweepTimeouts(ctx context.Context) error {
	now := sm.clock.Now()
	overdue, err := sm.store.ListOverdueDialogMessages(now)
	if err != nil {
		return fmt.Errorf("failed to list overdue messages: %w", err)
	}
	slog.Debug("StateMachine timeout sweep", "now", now, "overdue", len(overdue))

	for _, msg := range overdue {
		if err := sm.store.MarkDialogMessageTimedOut(msg.ID, now); err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				continue
			}
			slog.Error("StateMachine timeout transition failed", "error", err, "id", msg.ID)
			continue
		}
		slog.Info("StateMachine message timed out", "id", msg.ID, "participantID", msg.ParticipantID)
		if err := sm.finish(ctx, msg.ID, false, "", ""); err != nil {
			slog.Error("StateMachine timeout resolution failed", "error", err, "id", msg.ID)
		}
	}
	return nil
}

// finish runs the reply-rule tree for the decided outcome and absorbs the
// message into resolved.
func (sm *StateMachine) finish(ctx context.Context, id string, gotAnswer bool, answer, cleanedAnswer string) error {
	msg, err := sm.store.GetDialogMessage(id)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%w: %s", models.ErrMessageNotFound, id)
	}

	if sm.onOutcome != nil {
		if err := sm.onOutcome(ctx, *msg, gotAnswer, answer); err != nil {
			slog.Error("StateMachine outcome handler failed", "error", err, "id", id, "gotAnswer", gotAnswer)
		}
	}
	if err := sm.store.MarkDialogMessageResolved(id, cleanedAnswer, sm.clock.Now()); err != nil {
		return err
	}
	slog.Debug("StateMachine message resolved", "id", id, "gotAnswer", gotAnswer)
	return nil
}

func answerMatchesPattern(pattern, answer string) bool {
	if pattern == "" {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		slog.Warn("StateMachine bad expected-answer pattern", "pattern", pattern, "error", err)
		return false
	}
	return re.MatchString(answer)
}
