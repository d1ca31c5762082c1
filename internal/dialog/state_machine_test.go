package dialog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

var testStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestMachine() (*StateMachine, *store.InMemoryStore, *clock.SimulatedClock) {
	st := store.NewInMemoryStore()
	clk := clock.NewSimulatedClock(testStart)
	return NewStateMachine(st, clk), st, clk
}

func seedMessage(t *testing.T, st *store.InMemoryStore, msg models.DialogMessage) {
	t.Helper()
	if msg.Status == "" {
		msg.Status = models.StatusPending
	}
	if err := st.CreateDialogMessage(msg); err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}
}

func TestOnSentStartsTimeoutWindow(t *testing.T) {
	sm, st, _ := newTestMachine()
	seedMessage(t, st, models.DialogMessage{ID: "m1", ParticipantID: "p1", HoursUntilUnanswered: 24})

	if err := sm.OnSent("m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, _ := st.GetDialogMessage("m1")
	if msg.Status != models.StatusSent {
		t.Errorf("status = %s, want sent", msg.Status)
	}
	if !msg.SentAt.Equal(testStart) {
		t.Errorf("SentAt = %v, want %v", msg.SentAt, testStart)
	}
	want := testStart.Add(24 * time.Hour)
	if !msg.UnansweredAfter.Equal(want) {
		t.Errorf("UnansweredAfter = %v, want %v", msg.UnansweredAfter, want)
	}
}

func TestOnSentWithoutTimeoutWindow(t *testing.T) {
	sm, st, _ := newTestMachine()
	seedMessage(t, st, models.DialogMessage{ID: "m1", ParticipantID: "p1"})

	if err := sm.OnSent("m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, _ := st.GetDialogMessage("m1")
	if !msg.UnansweredAfter.IsZero() {
		t.Error("a message without an unanswered window must never time out")
	}
}

func TestOnReplyExpectedAnswerResolves(t *testing.T) {
	sm, st, clk := newTestMachine()
	seedMessage(t, st, models.DialogMessage{ID: "m1", ParticipantID: "p1", ExpectedAnswerPattern: `^[0-9]+$`})
	if err := sm.OnSent("m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var outcomes []bool
	var answers []string
	sm.SetOutcomeHandler(func(ctx context.Context, msg models.DialogMessage, gotAnswer bool, answer string) error {
		outcomes = append(outcomes, gotAnswer)
		answers = append(answers, answer)
		return nil
	})

	if err := sm.OnReply(context.Background(), "m1", "7", clk.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, _ := st.GetDialogMessage("m1")
	if msg.Status != models.StatusResolved {
		t.Errorf("status = %s, want resolved", msg.Status)
	}
	if msg.AnswerText != "7" {
		t.Errorf("AnswerText = %q, want %q", msg.AnswerText, "7")
	}
	if msg.NotAutomaticallyProcessable {
		t.Error("an expected answer is automatically processable")
	}
	if len(outcomes) != 1 || !outcomes[0] || answers[0] != "7" {
		t.Errorf("outcome handler calls = %v %v, want one got-answer call with 7", outcomes, answers)
	}
}

func TestOnReplyUnexpectedAnswerWaitsForResolution(t *testing.T) {
	sm, st, clk := newTestMachine()
	seedMessage(t, st, models.DialogMessage{ID: "m1", ParticipantID: "p1", ExpectedAnswerPattern: `^[0-9]+$`})
	if err := sm.OnSent("m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	handlerCalls := 0
	sm.SetOutcomeHandler(func(ctx context.Context, msg models.DialogMessage, gotAnswer bool, answer string) error {
		handlerCalls++
		return nil
	})

	if err := sm.OnReply(context.Background(), "m1", "it went okay I guess", clk.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, _ := st.GetDialogMessage("m1")
	if msg.Status != models.StatusAnsweredUnexpected {
		t.Errorf("status = %s, want answered_unexpected", msg.Status)
	}
	if !msg.NotAutomaticallyProcessable {
		t.Error("an unexpected answer must be flagged for manual processing")
	}
	if handlerCalls != 0 {
		t.Error("reply rules must wait for operator resolution")
	}

	// The operator substitutes the cleaned numeric answer.
	if err := sm.Resolve(context.Background(), "m1", "6"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, _ = st.GetDialogMessage("m1")
	if msg.Status != models.StatusResolved || msg.AnswerText != "6" {
		t.Errorf("after resolve: status=%s answer=%q, want resolved with 6", msg.Status, msg.AnswerText)
	}
	if handlerCalls != 1 {
		t.Errorf("handler calls = %d, want 1 after resolution", handlerCalls)
	}
}

func TestOnReplyEmptyPatternIsUnexpected(t *testing.T) {
	sm, st, clk := newTestMachine()
	seedMessage(t, st, models.DialogMessage{ID: "m1", ParticipantID: "p1"})
	if err := sm.OnSent("m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sm.OnReply(context.Background(), "m1", "anything", clk.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, _ := st.GetDialogMessage("m1")
	if msg.Status != models.StatusAnsweredUnexpected {
		t.Errorf("status = %s, want answered_unexpected when no pattern is set", msg.Status)
	}
}

func TestOnReplyToPendingMessageFails(t *testing.T) {
	sm, st, clk := newTestMachine()
	seedMessage(t, st, models.DialogMessage{ID: "m1", ParticipantID: "p1"})

	err := sm.OnReply(context.Background(), "m1", "hi", clk.Now())
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestOnReplyAfterResolvedIsIdempotent(t *testing.T) {
	sm, st, clk := newTestMachine()
	seedMessage(t, st, models.DialogMessage{ID: "m1", ParticipantID: "p1", ExpectedAnswerPattern: `^ok$`})
	if err := sm.OnSent("m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	handlerCalls := 0
	sm.SetOutcomeHandler(func(ctx context.Context, msg models.DialogMessage, gotAnswer bool, answer string) error {
		handlerCalls++
		return nil
	})

	if err := sm.OnReply(context.Background(), "m1", "ok", clk.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The duplicate reply is accepted and ignored.
	if err := sm.OnReply(context.Background(), "m1", "ok again", clk.Now()); err != nil {
		t.Fatalf("duplicate reply must not error: %v", err)
	}

	msg, _ := st.GetDialogMessage("m1")
	if msg.AnswerText != "ok" {
		t.Errorf("AnswerText = %q, the duplicate must not overwrite the original", msg.AnswerText)
	}
	if handlerCalls != 1 {
		t.Errorf("handler calls = %d, want exactly 1", handlerCalls)
	}
}

func TestSweepTimeouts(t *testing.T) {
	sm, st, clk := newTestMachine()
	seedMessage(t, st, models.DialogMessage{ID: "m1", ParticipantID: "p1", HoursUntilUnanswered: 24})
	if err := sm.OnSent("m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var gotAnswer []bool
	sm.SetOutcomeHandler(func(ctx context.Context, msg models.DialogMessage, got bool, answer string) error {
		gotAnswer = append(gotAnswer, got)
		return nil
	})

	// One hour before the deadline nothing happens.
	clk.Advance(23 * time.Hour)
	if err := sm.SweepTimeouts(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, _ := st.GetDialogMessage("m1")
	if msg.Status != models.StatusSent {
		t.Errorf("status = %s before the deadline, want sent", msg.Status)
	}

	clk.Advance(2 * time.Hour)
	if err := sm.SweepTimeouts(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, _ = st.GetDialogMessage("m1")
	if msg.Status != models.StatusResolved {
		t.Errorf("status = %s after the deadline, want resolved", msg.Status)
	}
	if len(gotAnswer) != 1 || gotAnswer[0] {
		t.Errorf("outcome calls = %v, want one got-no-answer call", gotAnswer)
	}
}

func TestSweepSkipsAnsweredMessages(t *testing.T) {
	sm, st, clk := newTestMachine()
	seedMessage(t, st, models.DialogMessage{ID: "m1", ParticipantID: "p1", HoursUntilUnanswered: 1})
	if err := sm.OnSent("m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sm.OnReply(context.Background(), "m1", "late but here", clk.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clk.Advance(2 * time.Hour)
	if err := sm.SweepTimeouts(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg, _ := st.GetDialogMessage("m1")
	if msg.Status != models.StatusAnsweredUnexpected {
		t.Errorf("status = %s, the sweep must not touch answered messages", msg.Status)
	}
}

func TestResolveRequiresAnsweredStatus(t *testing.T) {
	sm, st, _ := newTestMachine()
	seedMessage(t, st, models.DialogMessage{ID: "m1", ParticipantID: "p1"})

	if err := sm.Resolve(context.Background(), "m1", ""); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("resolving a pending message: error = %v, want ErrInvalidTransition", err)
	}
	if err := sm.Resolve(context.Background(), "missing", ""); !errors.Is(err, models.ErrMessageNotFound) {
		t.Errorf("resolving a missing message: error = %v, want ErrMessageNotFound", err)
	}
}
