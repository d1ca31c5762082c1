package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/rules"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

func newTestParticipant(st *store.InMemoryStore, t *testing.T) models.Participant {
	t.Helper()
	p := models.Participant{
		ID:               "p1",
		InterventionID:   "iv1",
		PhoneNumber:      "15550001",
		MonitoringActive: true,
	}
	if err := st.AddParticipant(p); err != nil {
		t.Fatalf("failed to add participant: %v", err)
	}
	return p
}

func alwaysTrueRule(id, parentID string, order int) models.MonitoringRule {
	return models.MonitoringRule{
		Rule:           models.Rule{Expression: "1", Sign: models.SignValueEquals, ComparisonTerm: "1"},
		ID:             id,
		InterventionID: "iv1",
		ParentID:       parentID,
		Order:          order,
	}
}

func alwaysFalseRule(id, parentID string, order int) models.MonitoringRule {
	r := alwaysTrueRule(id, parentID, order)
	r.ComparisonTerm = "2"
	return r
}

func TestProcessParticipantSkipsChildrenOfNonMatchingParent(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestParticipant(st, t)
	st.AddMonitoringRule(alwaysFalseRule("root", "", 1))
	st.AddMonitoringRule(alwaysTrueRule("child", "root", 1))

	evaluated := make(map[string]bool)
	eval := func(rule models.Rule, vars map[string]string) rules.EvaluationResult {
		evaluated[rule.ComparisonTerm] = true
		return rules.Evaluate(rule, vars)
	}
	clk := clock.NewSimulatedClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	s := NewScheduler(st, clk, WithEvaluator(eval))

	if err := s.ProcessParticipant(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !evaluated["2"] {
		t.Error("root rule was not evaluated")
	}
	if evaluated["1"] {
		t.Error("child of a non-matching parent must not be evaluated")
	}
}

func TestProcessParticipantWritesCalculatedValueBack(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestParticipant(st, t)
	st.SaveParticipantVariable(p.ID, "$mood", "7")

	calc := alwaysTrueRule("calc", "", 1)
	calc.Rule = models.Rule{Expression: "$mood * 10", Sign: models.SignCalculateValue}
	calc.StoreValueToVariable = "$mood_score"
	st.AddMonitoringRule(calc)

	// The sibling after the write-back reads the stored value.
	reader := alwaysTrueRule("reader", "", 2)
	reader.Rule = models.Rule{Expression: "$mood_score", Sign: models.SignValueEquals, ComparisonTerm: "70"}
	reader.StoreValueToVariable = "$mood_score_seen"
	st.AddMonitoringRule(reader)

	clk := clock.NewSimulatedClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	if err := NewScheduler(st, clk).ProcessParticipant(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vars, err := st.GetVariables(p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vars["$mood_score"] != "70" {
		t.Errorf("$mood_score = %q, want %q", vars["$mood_score"], "70")
	}
	if vars["$mood_score_seen"] != "70" {
		t.Error("a later sibling did not observe the earlier write-back")
	}
}

func TestProcessParticipantSchedulesMessageAtRuleHour(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestParticipant(st, t)
	st.AddMessageGroup(models.MessageGroup{
		ID:        "g1",
		SendOrder: models.SendOrderInOrder,
		Messages:  []models.GroupMessage{{ID: "gm1", GroupID: "g1", Position: 1, Body: "How did you sleep?"}},
	})

	rule := alwaysTrueRule("send", "", 1)
	rule.SendMessageIfTrue = true
	rule.RelatedMessageGroupID = "g1"
	rule.HourToSendMessage = 9
	rule.HoursUntilUnanswered = 24
	st.AddMonitoringRule(rule)

	// Day 1, 08:00: the rule hour has not passed yet.
	clk := clock.NewSimulatedClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	if err := NewScheduler(st, clk).ProcessParticipant(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages, _ := st.ListDialogMessages(p.ID)
	if len(messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(messages))
	}
	msg := messages[0]
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if !msg.ShouldBeSentAt.Equal(want) {
		t.Errorf("ShouldBeSentAt = %v, want %v", msg.ShouldBeSentAt, want)
	}
	if msg.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", msg.Status)
	}
	if msg.HoursUntilUnanswered != 24 {
		t.Errorf("HoursUntilUnanswered = %d, want 24", msg.HoursUntilUnanswered)
	}
	if msg.RelatedMonitoringRuleID != "send" {
		t.Errorf("RelatedMonitoringRuleID = %q, want %q", msg.RelatedMonitoringRuleID, "send")
	}
}

func TestProcessParticipantRollsPastHourToNextDay(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestParticipant(st, t)
	st.AddMessageGroup(models.MessageGroup{
		ID:        "g1",
		SendOrder: models.SendOrderInOrder,
		Messages:  []models.GroupMessage{{ID: "gm1", GroupID: "g1", Position: 1, Body: "Check in"}},
	})
	rule := alwaysTrueRule("send", "", 1)
	rule.SendMessageIfTrue = true
	rule.RelatedMessageGroupID = "g1"
	rule.HourToSendMessage = 9
	st.AddMonitoringRule(rule)

	// 10:30 is past hour 9, so the message belongs to the next day.
	clk := clock.NewSimulatedClock(time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC))
	if err := NewScheduler(st, clk).ProcessParticipant(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages, _ := st.ListDialogMessages(p.ID)
	if len(messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(messages))
	}
	want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if !messages[0].ShouldBeSentAt.Equal(want) {
		t.Errorf("ShouldBeSentAt = %v, want %v", messages[0].ShouldBeSentAt, want)
	}
}

func TestProcessParticipantRunsOncePerDay(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestParticipant(st, t)
	st.AddMonitoringRule(alwaysTrueRule("root", "", 1))

	calls := 0
	eval := func(rule models.Rule, vars map[string]string) rules.EvaluationResult {
		calls++
		return rules.Evaluate(rule, vars)
	}
	clk := clock.NewSimulatedClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	s := NewScheduler(st, clk, WithEvaluator(eval))

	ctx := context.Background()
	if err := s.ProcessParticipant(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.ProcessParticipant(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("evaluations = %d, want 1 within the same day", calls)
	}

	clk.Advance(24 * time.Hour)
	if err := s.ProcessParticipant(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("evaluations = %d, want 2 after the day rolled over", calls)
	}
}

func TestProcessParticipantStopIntervention(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestParticipant(st, t)

	stop := alwaysTrueRule("stop", "", 1)
	stop.StopInterventionWhenTrue = true
	st.AddMonitoringRule(stop)
	st.AddMonitoringRule(alwaysTrueRule("after", "", 2))

	evaluated := make(map[string]bool)
	eval := func(rule models.Rule, vars map[string]string) rules.EvaluationResult {
		evaluated[rule.Expression] = true
		return rules.Evaluate(rule, vars)
	}
	clk := clock.NewSimulatedClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	s := NewScheduler(st, clk, WithEvaluator(eval))

	if err := s.ProcessParticipant(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := st.GetParticipant(p.ID)
	if got.MonitoringActive {
		t.Error("participant must be deactivated by the stop rule")
	}
	active, _ := st.ListActiveParticipants()
	if len(active) != 0 {
		t.Errorf("active participants = %d, want 0", len(active))
	}
}

func TestProcessParticipantDegradesOnMissingGroup(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestParticipant(st, t)

	rule := alwaysTrueRule("send", "", 1)
	rule.SendMessageIfTrue = true
	rule.RelatedMessageGroupID = "no_such_group"
	st.AddMonitoringRule(rule)
	st.AddMonitoringRule(alwaysTrueRule("after", "", 2))

	clk := clock.NewSimulatedClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	if err := NewScheduler(st, clk).ProcessParticipant(context.Background(), p); err != nil {
		t.Fatalf("missing group must degrade, not fail the cycle: %v", err)
	}

	messages, _ := st.ListDialogMessages(p.ID)
	if len(messages) != 0 {
		t.Errorf("messages = %d, want 0", len(messages))
	}
	status, _ := st.GetDialogStatus(p.ID)
	if status == nil || status.LastDailyProcessing == "" {
		t.Error("the cycle must still complete and record the date key")
	}
}

func TestProcessParticipantDetectsCycle(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestParticipant(st, t)
	// Malformed data: two rules sharing the id "a" make "a" its own
	// descendant, so the walk from the root never bottoms out.
	st.AddMonitoringRule(alwaysTrueRule("root", "", 1))
	st.AddMonitoringRule(alwaysTrueRule("a", "root", 1))
	st.AddMonitoringRule(alwaysTrueRule("b", "a", 1))
	st.AddMonitoringRule(alwaysTrueRule("a", "b", 1))

	clk := clock.NewSimulatedClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	err := NewScheduler(st, clk).ProcessParticipant(context.Background(), p)
	if err == nil {
		t.Fatal("expected a cycle error")
	}

	// The guard is not written, so the participant retries next cycle.
	status, _ := st.GetDialogStatus(p.ID)
	if status != nil && status.LastDailyProcessing != "" {
		t.Error("a failed walk must not record the daily date key")
	}
}

func TestRunReplyRulesBindsReplyVariable(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newTestParticipant(st, t)

	reply := models.MonitoringReplyRule{
		MonitoringRule:   alwaysTrueRule("rr1", "", 1),
		MonitoringRuleID: "send",
		GotAnswer:        true,
	}
	reply.Rule = models.Rule{Expression: models.ReplyVariable, Sign: models.SignCalculateValue}
	reply.StoreValueToVariable = "$last_answer"
	st.AddReplyRule(reply)

	noAnswer := models.MonitoringReplyRule{
		MonitoringRule:   alwaysTrueRule("rr2", "", 1),
		MonitoringRuleID: "send",
		GotAnswer:        false,
	}
	noAnswer.StoreValueToVariable = "$timeout_seen"
	st.AddReplyRule(noAnswer)

	clk := clock.NewSimulatedClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	s := NewScheduler(st, clk)

	msg := models.DialogMessage{ID: "m1", ParticipantID: p.ID, RelatedMonitoringRuleID: "send"}
	if err := s.RunReplyRules(context.Background(), msg, true, "8"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vars, _ := st.GetVariables(p.ID)
	if vars["$last_answer"] != "8" {
		t.Errorf("$last_answer = %q, want %q", vars["$last_answer"], "8")
	}
	if _, ok := vars["$timeout_seen"]; ok {
		t.Error("the got-no-answer branch must not run for an answered message")
	}
}

func TestRunReplyRulesIgnoresMessagesWithoutRule(t *testing.T) {
	st := store.NewInMemoryStore()
	clk := clock.NewSimulatedClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	s := NewScheduler(st, clk)

	msg := models.DialogMessage{ID: "m1", ParticipantID: "ghost"}
	if err := s.RunReplyRules(context.Background(), msg, true, "hi"); err != nil {
		t.Fatalf("a message without a dispatching rule must be a no-op: %v", err)
	}
}

func TestRunDailyCycleProcessesAllActiveParticipants(t *testing.T) {
	st := store.NewInMemoryStore()
	for _, id := range []string{"p1", "p2", "p3"} {
		st.AddParticipant(models.Participant{ID: id, InterventionID: "iv1", MonitoringActive: true})
	}
	st.AddParticipant(models.Participant{ID: "inactive", InterventionID: "iv1"})
	st.AddMonitoringRule(alwaysTrueRule("root", "", 1))

	clk := clock.NewSimulatedClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	s := NewScheduler(st, clk, WithWorkers(2))
	if err := s.RunDailyCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, id := range []string{"p1", "p2", "p3"} {
		status, _ := st.GetDialogStatus(id)
		if status == nil || status.LastDailyProcessing != "2026-03-10" {
			t.Errorf("participant %s was not processed", id)
		}
	}
	if status, _ := st.GetDialogStatus("inactive"); status != nil {
		t.Error("inactive participants must not be processed")
	}
}
