// Package monitoring implements the per-participant monitoring scheduler.
//
// Once per participant per calendar day it walks the intervention's
// monitoring rule forest, writes calculated values back into the variable
// store, decides which message group to dispatch from, and executes
// reply-rule trees once message outcomes are known.
package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/rules"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// DefaultWorkers is the number of concurrent participant walks in a daily
// cycle. Participants are independent, so the pool only bounds load.
const DefaultWorkers = 8

// Opts holds configuration options for the Scheduler.
type Opts struct {
	Evaluate rules.EvalFunc
	Workers  int
	IntN     func(n int) int
	LinkBase string
}

// Option defines a configuration option for the Scheduler.
type Option func(*Opts)

// WithEvaluator overrides the rule evaluator, used by tests to instrument
// evaluation calls.
func WithEvaluator(eval rules.EvalFunc) Option {
	return func(o *Opts) { o.Evaluate = eval }
}

// WithWorkers sets the daily-cycle worker count.
func WithWorkers(n int) Option {
	return func(o *Opts) { o.Workers = n }
}

// WithIntN overrides the random source for random message selection.
func WithIntN(intn func(n int) int) Option {
	return func(o *Opts) { o.IntN = intn }
}

// WithLinkBase sets the URL prefix prepended to minted short-link tokens.
func WithLinkBase(base string) Option {
	return func(o *Opts) { o.LinkBase = base }
}

// Scheduler drives the recurring "which message to send, when" decision.
type Scheduler struct {
	store    store.Store
	clock    clock.Clock
	evaluate rules.EvalFunc
	workers  int
	intn     func(n int) int
	linkBase string
}

// NewScheduler creates a Scheduler over the given store and clock.
func NewScheduler(st store.Store, clk clock.Clock, opts ...Option) *Scheduler {
	cfg := Opts{
		Evaluate: rules.Evaluate,
		Workers:  DefaultWorkers,
		IntN:     rand.IntN,
		LinkBase: "/l/",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{
		store:    st,
		clock:    clk,
		evaluate: cfg.Evaluate,
		workers:  cfg.Workers,
		intn:     cfg.IntN,
		linkBase: cfg.LinkBase,
	}
}

// RunDailyCycle walks the rule forest for every active participant.
// Participants are processed by a worker pool; one participant's failure
// never affects the others.
func (s *Scheduler) RunDailyCycle(ctx context.Context) error {
	participants, err := s.store.ListActiveParticipants()
	if err != nil {
		return fmt.Errorf("failed to list active participants: %w", err)
	}
	slog.Info("Scheduler daily cycle starting", "participants", len(participants), "workers", s.workers)

	work := make(chan models.Participant)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				if err := s.ProcessParticipant(ctx, p); err != nil {
					slog.Error("Scheduler participant cycle failed", "error", err, "participantID", p.ID)
				}
			}
		}()
	}

feed:
	for _, p := range participants {
		select {
		case work <- p:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()

	slog.Debug("Scheduler daily cycle finished")
	return ctx.Err()
}

// ProcessParticipant runs at most one rule-forest walk per calendar day,
// guarded by the dialog status date key against the injected clock. The
// guard is written after a successful walk, so an interrupted walk resumes
// from the top on the next cycle.
func (s *Scheduler) ProcessParticipant(ctx context.Context, p models.Participant) error {
	dateKey := s.clock.Now().In(p.Location()).Format(models.DateKeyLayout)

	status, err := s.store.GetDialogStatus(p.ID)
	if err != nil {
		return fmt.Errorf("failed to load dialog status: %w", err)
	}
	if status == nil {
		status = &models.DialogStatus{ParticipantID: p.ID}
	}
	if status.LastDailyProcessing == dateKey {
		slog.Debug("Scheduler participant already processed today", "participantID", p.ID, "dateKey", dateKey)
		return nil
	}

	ruleList, err := s.store.GetMonitoringRules(p.InterventionID)
	if err != nil {
		return fmt.Errorf("failed to load monitoring rules: %w", err)
	}
	vars, err := s.store.GetVariables(p.ID)
	if err != nil {
		return fmt.Errorf("failed to load variables: %w", err)
	}

	w := &walker{scheduler: s, participant: p, vars: vars}
	if err := w.walkForest(ctx, ruleList); err != nil {
		return fmt.Errorf("rule forest walk for participant %s: %w", p.ID, err)
	}

	status.LastDailyProcessing = dateKey
	if err := s.store.SaveDialogStatus(*status); err != nil {
		return fmt.Errorf("failed to save dialog status: %w", err)
	}
	slog.Debug("Scheduler participant processed", "participantID", p.ID, "dateKey", dateKey)
	return nil
}

// RunReplyRules walks the reply-rule tree paired with a finished message.
// It implements dialog.OutcomeFunc: gotAnswer selects the branch and the
// received answer is bound to the reply variable before evaluation.
func (s *Scheduler) RunReplyRules(ctx context.Context, msg models.DialogMessage, gotAnswer bool, answer string) error {
	if msg.RelatedMonitoringRuleID == "" {
		return nil
	}

	p, err := s.store.GetParticipant(msg.ParticipantID)
	if err != nil {
		return fmt.Errorf("failed to load participant: %w", err)
	}
	if p == nil {
		return fmt.Errorf("%w: %s", models.ErrParticipantNotFound, msg.ParticipantID)
	}

	replyRules, err := s.store.GetReplyRules(msg.RelatedMonitoringRuleID, gotAnswer)
	if err != nil {
		return fmt.Errorf("failed to load reply rules: %w", err)
	}
	if len(replyRules) == 0 {
		return nil
	}

	vars, err := s.store.GetVariables(p.ID)
	if err != nil {
		return fmt.Errorf("failed to load variables: %w", err)
	}
	vars[models.ReplyVariable] = answer

	ruleList := make([]models.MonitoringRule, len(replyRules))
	for i, r := range replyRules {
		ruleList[i] = r.MonitoringRule
	}

	slog.Debug("Scheduler walking reply rules", "messageID", msg.ID, "gotAnswer", gotAnswer, "rules", len(ruleList))
	w := &walker{scheduler: s, participant: *p, vars: vars, replyToPosition: msg.GroupMessagePosition}
	return w.walkForest(ctx, ruleList)
}

// walker carries the state of one rule-forest walk for one participant.
// Writes to the variable store are mirrored into the local snapshot so the
// walk reads its own writes.
type walker struct {
	scheduler       *Scheduler
	participant     models.Participant
	vars            map[string]string
	replyToPosition int
	stopped         bool
}

// walkForest indexes the rules by parent id and walks the roots in
// ascending order. Sub-trees are entered only when the parent matched.
func (w *walker) walkForest(ctx context.Context, ruleList []models.MonitoringRule) error {
	children := make(map[string][]models.MonitoringRule)
	for _, r := range ruleList {
		children[r.ParentID] = append(children[r.ParentID], r)
	}
	for parent := range children {
		siblings := children[parent]
		sort.SliceStable(siblings, func(i, j int) bool { return siblings[i].Order < siblings[j].Order })
	}

	for _, root := range children[""] {
		if w.stopped {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.walk(ctx, root, children, len(ruleList)); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) walk(ctx context.Context, rule models.MonitoringRule, children map[string][]models.MonitoringRule, depthBudget int) error {
	if depthBudget < 0 {
		// Parent pointers do not form a forest; abort this participant's
		// walk with full context, siblings of the cycle are lost too but
		// other participants proceed.
		return fmt.Errorf("%w: detected at rule %s", models.ErrCyclicRuleTree, rule.ID)
	}

	result := w.scheduler.evaluate(rule.Rule, w.vars)
	if result.Err != nil {
		// A bad rule never blocks the rest of the tree.
		slog.Warn("Scheduler rule evaluation failed, treating as non-match",
			"ruleID", rule.ID, "participantID", w.participant.ID, "error", result.Err)
		return nil
	}
	if !result.Matched {
		return nil
	}

	if rule.StoreValueToVariable != "" {
		if err := w.scheduler.store.SaveParticipantVariable(w.participant.ID, rule.StoreValueToVariable, result.CalculatedValue); err != nil {
			slog.Error("Scheduler variable write-back failed", "error", err, "ruleID", rule.ID, "variable", rule.StoreValueToVariable)
		} else {
			w.vars[rule.StoreValueToVariable] = result.CalculatedValue
		}
	}

	if rule.SendMessageIfTrue {
		if err := w.scheduler.createMessage(w.participant, rule, w.vars, w.replyToPosition); err != nil {
			// Missing or exhausted groups degrade to "no message this cycle".
			slog.Warn("Scheduler message creation skipped", "error", err, "ruleID", rule.ID, "participantID", w.participant.ID)
		}
	}

	if rule.StopInterventionWhenTrue {
		slog.Info("Scheduler stopping intervention for participant", "participantID", w.participant.ID, "ruleID", rule.ID)
		if err := w.scheduler.store.SetMonitoringActive(w.participant.ID, false); err != nil {
			return fmt.Errorf("failed to deactivate monitoring: %w", err)
		}
		w.stopped = true
		return nil
	}

	for _, child := range children[rule.ID] {
		if w.stopped {
			break
		}
		if err := w.walk(ctx, child, children, depthBudget-1); err != nil {
			return err
		}
	}
	return nil
}
