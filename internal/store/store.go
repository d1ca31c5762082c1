// Package store provides storage backends for CoachPipe.
//
// It defines the persistence collaborator the engine talks to: variables,
// rule definitions, message groups, dialog messages, and dialog statuses.
// Backends exist for in-memory use (tests, demos), SQLite, and PostgreSQL.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithDSN sets the database DSN (file path for SQLite, URL for Postgres).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Store is the persistence collaborator for the rule engine. The engine
// performs no storage I/O beyond these calls.
type Store interface {
	// Participants
	AddParticipant(p models.Participant) error
	GetParticipant(id string) (*models.Participant, error)
	GetParticipantByPhone(phone string) (*models.Participant, error)
	ListActiveParticipants() ([]models.Participant, error)
	SetMonitoringActive(participantID string, active bool) error

	// Variables. Reads return the union of the participant's variables and
	// its intervention's variables, participant scope shadowing.
	GetVariables(participantID string) (map[string]string, error)
	SaveParticipantVariable(participantID, name, value string) error
	SaveInterventionVariable(interventionID, name, value string) error

	// Rule and message definitions
	AddMonitoringRule(r models.MonitoringRule) error
	GetMonitoringRules(interventionID string) ([]models.MonitoringRule, error)
	AddReplyRule(r models.MonitoringReplyRule) error
	GetReplyRules(monitoringRuleID string, gotAnswer bool) ([]models.MonitoringReplyRule, error)
	AddSlideRule(r models.ScreeningSurveySlideRule) error
	GetSlideRules(slideID string) ([]models.ScreeningSurveySlideRule, error)
	AddMessageGroup(g models.MessageGroup) error
	GetMessageGroup(id string) (*models.MessageGroup, error)

	// Dialog messages. The Mark methods are compare-and-set transitions:
	// a row in an unexpected status fails with models.ErrInvalidTransition
	// so a reply arriving concurrently with a timeout sweep cannot lose
	// updates.
	CreateDialogMessage(m models.DialogMessage) error
	GetDialogMessage(id string) (*models.DialogMessage, error)
	ListDialogMessages(participantID string) ([]models.DialogMessage, error)
	ListDueDialogMessages(now time.Time) ([]models.DialogMessage, error)
	ListOverdueDialogMessages(now time.Time) ([]models.DialogMessage, error)
	MarkDialogMessageSent(id string, sentAt, unansweredAfter time.Time) error
	MarkDialogMessageAnswered(id string, status models.DialogMessageStatus, answer string, receivedAt time.Time) error
	MarkDialogMessageTimedOut(id string, at time.Time) error
	MarkDialogMessageResolved(id string, cleanedAnswer string, at time.Time) error
	SetMediaContentViewed(id string) error

	// Dialog status
	GetDialogStatus(participantID string) (*models.DialogStatus, error)
	SaveDialogStatus(status models.DialogStatus) error

	Close() error
}

// InMemoryStore is a mutex-guarded in-memory Store used by tests and demo
// runs.
type InMemoryStore struct {
	mu sync.RWMutex

	participants         map[string]models.Participant
	participantVariables map[string]map[string]string // participantID -> name -> value
	interventionVars     map[string]map[string]string // interventionID -> name -> value
	monitoringRules      map[string][]models.MonitoringRule
	replyRules           map[string][]models.MonitoringReplyRule
	slideRules           map[string][]models.ScreeningSurveySlideRule
	messageGroups        map[string]models.MessageGroup
	dialogMessages       map[string]models.DialogMessage
	dialogStatuses       map[string]models.DialogStatus
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		participants:         make(map[string]models.Participant),
		participantVariables: make(map[string]map[string]string),
		interventionVars:     make(map[string]map[string]string),
		monitoringRules:      make(map[string][]models.MonitoringRule),
		replyRules:           make(map[string][]models.MonitoringReplyRule),
		slideRules:           make(map[string][]models.ScreeningSurveySlideRule),
		messageGroups:        make(map[string]models.MessageGroup),
		dialogMessages:       make(map[string]models.DialogMessage),
		dialogStatuses:       make(map[string]models.DialogStatus),
	}
}

func (s *InMemoryStore) AddParticipant(p models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetParticipant(id string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) GetParticipantByPhone(phone string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p.PhoneNumber == phone {
			participant := p
			return &participant, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListActiveParticipants() ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []models.Participant
	for _, p := range s.participants {
		if p.MonitoringActive {
			active = append(active, p)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

func (s *InMemoryStore) SetMonitoringActive(participantID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrParticipantNotFound, participantID)
	}
	p.MonitoringActive = active
	s.participants[participantID] = p
	return nil
}

func (s *InMemoryStore) GetVariables(participantID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	merged := make(map[string]string)
	if p, ok := s.participants[participantID]; ok {
		for name, value := range s.interventionVars[p.InterventionID] {
			merged[name] = value
		}
	}
	for name, value := range s.participantVariables[participantID] {
		merged[name] = value
	}
	return merged, nil
}

func (s *InMemoryStore) SaveParticipantVariable(participantID, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vars, ok := s.participantVariables[participantID]
	if !ok {
		vars = make(map[string]string)
		s.participantVariables[participantID] = vars
	}
	vars[name] = value
	return nil
}

func (s *InMemoryStore) SaveInterventionVariable(interventionID, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vars, ok := s.interventionVars[interventionID]
	if !ok {
		vars = make(map[string]string)
		s.interventionVars[interventionID] = vars
	}
	vars[name] = value
	return nil
}

func (s *InMemoryStore) AddMonitoringRule(r models.MonitoringRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitoringRules[r.InterventionID] = append(s.monitoringRules[r.InterventionID], r)
	return nil
}

func (s *InMemoryStore) GetMonitoringRules(interventionID string) ([]models.MonitoringRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := make([]models.MonitoringRule, len(s.monitoringRules[interventionID]))
	copy(rules, s.monitoringRules[interventionID])
	return rules, nil
}

func (s *InMemoryStore) AddReplyRule(r models.MonitoringReplyRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyRules[r.MonitoringRuleID] = append(s.replyRules[r.MonitoringRuleID], r)
	return nil
}

func (s *InMemoryStore) GetReplyRules(monitoringRuleID string, gotAnswer bool) ([]models.MonitoringReplyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rules []models.MonitoringReplyRule
	for _, r := range s.replyRules[monitoringRuleID] {
		if r.GotAnswer == gotAnswer {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

func (s *InMemoryStore) AddSlideRule(r models.ScreeningSurveySlideRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slideRules[r.SlideID] = append(s.slideRules[r.SlideID], r)
	return nil
}

func (s *InMemoryStore) GetSlideRules(slideID string) ([]models.ScreeningSurveySlideRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := make([]models.ScreeningSurveySlideRule, len(s.slideRules[slideID]))
	copy(rules, s.slideRules[slideID])
	return rules, nil
}

func (s *InMemoryStore) AddMessageGroup(g models.MessageGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sort.Slice(g.Messages, func(i, j int) bool { return g.Messages[i].Position < g.Messages[j].Position })
	s.messageGroups[g.ID] = g
	return nil
}

func (s *InMemoryStore) GetMessageGroup(id string) (*models.MessageGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.messageGroups[id]
	if !ok {
		return nil, nil
	}
	group := g
	group.Messages = make([]models.GroupMessage, len(g.Messages))
	copy(group.Messages, g.Messages)
	return &group, nil
}

func (s *InMemoryStore) CreateDialogMessage(m models.DialogMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dialogMessages[m.ID]; exists {
		return fmt.Errorf("dialog message %s already exists", m.ID)
	}
	s.dialogMessages[m.ID] = m
	slog.Debug("InMemoryStore CreateDialogMessage succeeded", "id", m.ID, "participantID", m.ParticipantID)
	return nil
}

func (s *InMemoryStore) GetDialogMessage(id string) (*models.DialogMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.dialogMessages[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *InMemoryStore) ListDialogMessages(participantID string) ([]models.DialogMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var messages []models.DialogMessage
	for _, m := range s.dialogMessages {
		if m.ParticipantID == participantID {
			messages = append(messages, m)
		}
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].Order < messages[j].Order })
	return messages, nil
}

func (s *InMemoryStore) ListDueDialogMessages(now time.Time) ([]models.DialogMessage, error) {
	return s.listByStatusBefore(models.StatusPending, now, func(m models.DialogMessage) time.Time { return m.ShouldBeSentAt })
}

func (s *InMemoryStore) ListOverdueDialogMessages(now time.Time) ([]models.DialogMessage, error) {
	return s.listByStatusBefore(models.StatusSent, now, func(m models.DialogMessage) time.Time { return m.UnansweredAfter })
}

func (s *InMemoryStore) listByStatusBefore(status models.DialogMessageStatus, now time.Time, deadline func(models.DialogMessage) time.Time) ([]models.DialogMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var messages []models.DialogMessage
	for _, m := range s.dialogMessages {
		if m.Status == status && !deadline(m).IsZero() && !deadline(m).After(now) {
			messages = append(messages, m)
		}
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
	return messages, nil
}

// transition applies a compare-and-set status update under the write lock.
func (s *InMemoryStore) transition(id string, allowedFrom []models.DialogMessageStatus, to models.DialogMessageStatus, mutate func(*models.DialogMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.dialogMessages[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrMessageNotFound, id)
	}
	permitted := false
	for _, from := range allowedFrom {
		if m.Status == from {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Errorf("%w: %s is %s, cannot become %s", models.ErrInvalidTransition, id, m.Status, to)
	}
	m.Status = to
	if mutate != nil {
		mutate(&m)
	}
	s.dialogMessages[id] = m
	slog.Debug("InMemoryStore dialog message transition", "id", id, "to", to)
	return nil
}

func (s *InMemoryStore) MarkDialogMessageSent(id string, sentAt, unansweredAfter time.Time) error {
	return s.transition(id, []models.DialogMessageStatus{models.StatusPending}, models.StatusSent, func(m *models.DialogMessage) {
		m.SentAt = sentAt
		m.UnansweredAfter = unansweredAfter
		m.UpdatedAt = sentAt
	})
}

func (s *InMemoryStore) MarkDialogMessageAnswered(id string, status models.DialogMessageStatus, answer string, receivedAt time.Time) error {
	if status != models.StatusAnsweredExpected && status != models.StatusAnsweredUnexpected {
		return fmt.Errorf("%w: %s is not an answered status", models.ErrInvalidTransition, status)
	}
	return s.transition(id, []models.DialogMessageStatus{models.StatusSent}, status, func(m *models.DialogMessage) {
		m.AnswerText = answer
		m.AnswerReceivedAt = receivedAt
		m.NotAutomaticallyProcessable = status == models.StatusAnsweredUnexpected
		m.UpdatedAt = receivedAt
	})
}

func (s *InMemoryStore) MarkDialogMessageTimedOut(id string, at time.Time) error {
	return s.transition(id, []models.DialogMessageStatus{models.StatusSent}, models.StatusTimedOut, func(m *models.DialogMessage) {
		m.UpdatedAt = at
	})
}

func (s *InMemoryStore) MarkDialogMessageResolved(id string, cleanedAnswer string, at time.Time) error {
	from := []models.DialogMessageStatus{models.StatusAnsweredExpected, models.StatusAnsweredUnexpected, models.StatusTimedOut}
	return s.transition(id, from, models.StatusResolved, func(m *models.DialogMessage) {
		if cleanedAnswer != "" {
			m.AnswerText = cleanedAnswer
		}
		m.UpdatedAt = at
	})
}

func (s *InMemoryStore) SetMediaContentViewed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.dialogMessages[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrMessageNotFound, id)
	}
	m.MediaContentViewed = true
	s.dialogMessages[id] = m
	return nil
}

func (s *InMemoryStore) GetDialogStatus(participantID string) (*models.DialogStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.dialogStatuses[participantID]
	if !ok {
		return nil, nil
	}
	return &status, nil
}

func (s *InMemoryStore) SaveDialogStatus(status models.DialogStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialogStatuses[status.ParticipantID] = status
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
