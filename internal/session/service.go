package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"clinical-sim/internal/agent"
	"clinical-sim/internal/casedef"
	"clinical-sim/internal/clinical"
	"clinical-sim/internal/diagnostic"
	"clinical-sim/internal/disclosure"
	"clinical-sim/internal/platform/apierr"
	"clinical-sim/internal/platform/logger"
)

type CaseStore interface {
	Get(ctx context.Context, caseID string) (*casedef.Definition, error)
}

type PatientAgent interface {
	Ask(ctx context.Context, req agent.PatientRequest) (*agent.PatientResponse, error)
}

type TutorAgent interface {
	Consult(ctx context.Context, req agent.TutorRequest) (*agent.TutorResponse, error)
}

type DiagnosticAgent interface {
	Fulfil(ctx context.Context, req agent.DiagnosticRequest) (*agent.DiagnosticResponse, error)
}

type PhysiologyAgent interface {
	Suggest(ctx context.Context, req agent.PhysiologyRequest) (*clinical.Suggestion, error)
}

type EvaluatorAgent interface {
	Evaluate(ctx context.Context, req agent.EvaluatorRequest) (*agent.EvaluatorResponse, error)
}

// EventPublisher receives one ActionEvent per committed action.
type EventPublisher interface {
	Publish(ctx context.Context, key string, value any) error
}

// Notifier is told when a session completes.
type Notifier interface {
	SessionCompleted(ctx context.Context, s *Session, def *casedef.Definition) error
}

type Agents struct {
	Patient    PatientAgent
	Tutor      TutorAgent
	Diagnostic DiagnosticAgent
	Physiology PhysiologyAgent
	Evaluator  EvaluatorAgent
}

type Timeouts struct {
	Agent      time.Duration
	Physiology time.Duration
	Evaluator  time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{Agent: 20 * time.Second, Physiology: 10 * time.Second, Evaluator: 60 * time.Second}
}

type Options struct {
	Locker    Locker
	Publisher EventPublisher
	Notifier  Notifier
	Timeouts  Timeouts
	Now       func() time.Time
	Logger    *logger.Logger
}

// sideChannelTimeout bounds event publishing and notification after commit.
const sideChannelTimeout = 5 * time.Second

var errAgentNotConfigured = errors.New("agent not configured")

// Service is the session orchestrator. Every action runs the same pipeline:
// handler, disclosure, deterioration, physiology, commit.
type Service struct {
	repo      Repository
	cases     CaseStore
	agents    Agents
	locker    Locker
	publisher EventPublisher
	notifier  Notifier
	timeouts  Timeouts
	now       func() time.Time
	log       *logger.Logger
}

func NewService(repo Repository, cases CaseStore, agents Agents, opts Options) *Service {
	def := DefaultTimeouts()
	t := opts.Timeouts
	if t.Agent <= 0 {
		t.Agent = def.Agent
	}
	if t.Physiology <= 0 {
		t.Physiology = def.Physiology
	}
	if t.Evaluator <= 0 {
		t.Evaluator = def.Evaluator
	}
	if agents.Diagnostic == nil {
		agents.Diagnostic = agent.NewLocalDiagnostic()
	}
	s := &Service{
		repo:      repo,
		cases:     cases,
		agents:    agents,
		locker:    opts.Locker,
		publisher: opts.Publisher,
		notifier:  opts.Notifier,
		timeouts:  t,
		now:       opts.Now,
		log:       opts.Logger,
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	return s
}

type CreateRequest struct {
	StudentID string `json:"studentId"`
	CaseID    string `json:"caseId"`
}

type ActionRequest struct {
	ActionType ActionType      `json:"actionType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ActionResult is rendered as the action-specific fields merged with the
// common session fields. The session status goes out as session_status so an
// action's own status (a diagnostic result's pending or completed) survives.
type ActionResult struct {
	Fields              any
	CurrentTimeMinutes  int
	Phase               string
	Status              Status
	PatientState        clinical.PatientState
	UnlockedDisclosures []string
	NewlyUnlocked       []string
	DeteriorationEvents []clinical.FiredEvent
}

func (r ActionResult) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if r.Fields != nil {
		raw, err := json.Marshal(r.Fields)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("action fields must be an object: %w", err)
		}
	}
	out["current_time_minutes"] = r.CurrentTimeMinutes
	out["phase"] = r.Phase
	out["session_status"] = r.Status
	out["patient_state"] = r.PatientState
	out["unlocked_disclosures"] = nonNil(r.UnlockedDisclosures)
	out["newly_unlocked"] = nonNil(r.NewlyUnlocked)
	if len(r.DeteriorationEvents) > 0 {
		out["deterioration_events"] = r.DeteriorationEvents
	}
	return json.Marshal(out)
}

// ActionEvent is published after every committed action.
type ActionEvent struct {
	SessionID           uuid.UUID  `json:"session_id"`
	CaseID              string     `json:"case_id"`
	StudentID           string     `json:"student_id"`
	ActionType          ActionType `json:"action_type"`
	Status              Status     `json:"status"`
	ElapsedMinutes      int        `json:"elapsed_minutes"`
	NewlyUnlocked       []string   `json:"newly_unlocked"`
	DeteriorationEvents []string   `json:"deterioration_events"`
	OccurredAt          time.Time  `json:"occurred_at"`
}

// turn is the working state of one action between load and commit.
type turn struct {
	def     *casedef.Definition
	sess    *Session
	orders  diagnostic.Orders
	entries []LogEntry
	req     ActionRequest
	now     time.Time

	target   string
	summary  string
	note     string
	effects  clinical.TurnEffects
	newly    []string
	fired    []clinical.FiredEvent
	finalize func(ctx context.Context) error
}

type actionHandler func(ctx context.Context, t *turn) (any, error)

func (s *Service) handler(a ActionType) (actionHandler, bool) {
	switch a {
	case ActionAskPatient:
		return s.askPatient, true
	case ActionConsultTutor:
		return s.consultTutor, true
	case ActionPerformExam:
		return s.performExam, true
	case ActionOrderTest:
		return s.orderTest, true
	case ActionGetResults:
		return s.getResults, true
	case ActionGetAllResults:
		return s.getAllResults, true
	case ActionListAvailableTests:
		return s.listAvailableTests, true
	case ActionAdministerTreatment:
		return s.administerTreatment, true
	case ActionUpdateDifferential:
		return s.updateDifferential, true
	case ActionSubmitDiagnosis:
		return s.submitDiagnosis, true
	case ActionAdvanceTime:
		return s.advanceTime, true
	case ActionEndCase:
		return s.endCase, true
	}
	return nil, false
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	caseID := strings.TrimSpace(req.CaseID)
	if caseID == "" {
		return nil, invalidAction("caseId is required")
	}
	def, err := s.caseFor(ctx, caseID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sess := &Session{
		ID:                  uuid.New(),
		StudentID:           req.StudentID,
		CaseID:              caseID,
		Status:              StatusCreated,
		Phase:               PhasePrologue,
		PatientState:        clinical.InitialState(def),
		UnlockedDisclosures: nonNil(disclosure.Initial(def.Disclosures)),
		DifferentialHistory: []DifferentialEntry{},
		ManagementPlan:      []string{},
		Flags: Flags{
			Scenario:         map[string]bool{},
			TriggeredActions: []string{},
			TriggeredEvents:  []string{},
			RuleEvents:       []string{},
		},
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.log.Info("session created", "session_id", sess.ID, "student_id", sess.StudentID, "case_id", caseID)
	return sess, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.load(ctx, id)
}

// Actions returns the action log, oldest first.
func (s *Service) Actions(ctx context.Context, id uuid.UUID) ([]LogEntry, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.repo.Actions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load action log: %w", err)
	}
	return nonNil(entries), nil
}

// Abandon moves a live session to abandoned.
func (s *Service) Abandon(ctx context.Context, id uuid.UUID) (*Session, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, fmt.Errorf("lock session %s: %w", id, err)
	}
	defer unlock()

	cur, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return nil, sessionClosed(cur.Status)
	}

	now := s.now()
	next := cur.Clone()
	next.Status = StatusAbandoned
	next.Phase = PhaseAbandoned
	next.UpdatedAt = now
	entry := LogEntry{
		ID:             uuid.New(),
		SessionID:      id,
		Actor:          ActorStudent,
		ActionType:     ActionAbandon,
		ElapsedMinutes: cur.ElapsedMinutes,
		CreatedAt:      now,
	}
	if err := s.commit(ctx, next, entry); err != nil {
		return nil, err
	}
	s.log.Info("session abandoned", "session_id", id, "elapsed_minutes", next.ElapsedMinutes)
	s.publish(ctx, next, ActionAbandon, nil, nil, now)
	return next, nil
}

// Act runs one student action against a session.
func (s *Service) Act(ctx context.Context, id uuid.UUID, req ActionRequest) (*ActionResult, error) {
	handle, ok := s.handler(req.ActionType)
	if !ok {
		return nil, invalidAction("unknown action type %q", req.ActionType)
	}
	started := time.Now()

	unlock, err := s.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, fmt.Errorf("lock session %s: %w", id, err)
	}
	defer unlock()

	cur, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return nil, sessionClosed(cur.Status)
	}
	def, err := s.caseFor(ctx, cur.CaseID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.Actions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load action log: %w", err)
	}

	t := &turn{
		def:     def,
		sess:    cur.Clone(),
		orders:  replayOrders(entries),
		entries: entries,
		req:     req,
		now:     s.now(),
	}
	if t.sess.Status == StatusCreated {
		t.sess.Status = StatusInProgress
		t.sess.Phase = PhaseActive
		if t.sess.StartedAt == nil {
			startedAt := t.now
			t.sess.StartedAt = &startedAt
		}
	}

	fields, err := handle(ctx, t)
	if err != nil {
		return nil, err
	}
	s.progress(t)
	if !skipsPhysiology[req.ActionType] {
		s.reconcile(ctx, t)
	}
	if t.finalize != nil {
		if err := t.finalize(ctx); err != nil {
			return nil, err
		}
	}

	response, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s response: %w", req.ActionType, err)
	}
	t.sess.UpdatedAt = t.now
	entry := LogEntry{
		ID:             uuid.New(),
		SessionID:      id,
		Actor:          ActorStudent,
		ActionType:     req.ActionType,
		Target:         t.target,
		Payload:        req.Payload,
		Response:       response,
		Note:           t.note,
		ElapsedMinutes: cur.ElapsedMinutes,
		CreatedAt:      t.now,
	}
	if err := s.commit(ctx, t.sess, entry); err != nil {
		return nil, err
	}

	s.log.Info("action processed",
		"session_id", id,
		"action", req.ActionType,
		"elapsed_minutes", t.sess.ElapsedMinutes,
		"newly_unlocked", len(t.newly),
		"events", len(t.fired),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	s.publish(ctx, t.sess, req.ActionType, t.newly, t.fired, t.now)
	if t.sess.Status == StatusCompleted {
		s.notify(ctx, t.sess, def)
	}

	return &ActionResult{
		Fields:              fields,
		CurrentTimeMinutes:  t.sess.ElapsedMinutes,
		Phase:               t.sess.Phase,
		Status:              t.sess.Status,
		PatientState:        t.sess.PatientState,
		UnlockedDisclosures: t.sess.UnlockedDisclosures,
		NewlyUnlocked:       t.newly,
		DeteriorationEvents: t.fired,
	}, nil
}

func lockKey(id uuid.UUID) string { return "session:" + id.String() }

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return sess, nil
}

func (s *Service) caseFor(ctx context.Context, caseID string) (*casedef.Definition, error) {
	def, err := s.cases.Get(ctx, caseID)
	switch {
	case err == nil:
		return def, nil
	case errors.Is(err, casedef.ErrCaseNotFound):
		return nil, apierr.New(http.StatusNotFound, CodeCaseNotFound, err)
	case errors.Is(err, casedef.ErrCaseInvalid):
		return nil, apierr.New(http.StatusUnprocessableEntity, CodeCaseContentInvalid, err)
	default:
		return nil, fmt.Errorf("load case %s: %w", caseID, err)
	}
}

func (s *Service) commit(ctx context.Context, next *Session, entry LogEntry) error {
	err := s.repo.Commit(ctx, next, entry)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrVersionConflict):
		return conflict()
	case errors.Is(err, ErrSessionNotFound):
		return notFound(next.ID)
	default:
		return fmt.Errorf("commit session %s: %w", next.ID, err)
	}
}

// progress runs disclosure then deterioration, and disclosure again if any
// event fired so event-gated disclosures unlock on the same turn.
func (s *Service) progress(t *turn) {
	s.unlock(t)
	state, fired := clinical.EvaluateDeterioration(t.def.DeteriorationRules, clinical.DeteriorationInput{
		ElapsedMinutes:  t.sess.ElapsedMinutes,
		State:           t.sess.PatientState,
		ScenarioFlags:   t.sess.Flags.Scenario,
		TriggeredEvents: t.sess.Flags.RuleEvents,
	})
	t.sess.PatientState = state
	for _, f := range fired {
		t.sess.Flags.RuleEvents = append(t.sess.Flags.RuleEvents, f.Event)
		t.sess.tagEvent(f.Event)
		t.fired = append(t.fired, f)
	}
	if len(fired) > 0 {
		s.unlock(t)
	}
}

func (s *Service) unlock(t *turn) {
	delta := disclosure.Evaluate(t.def.Disclosures, disclosure.State{
		Unlocked:         t.sess.UnlockedDisclosures,
		ElapsedMinutes:   t.sess.ElapsedMinutes,
		TriggeredActions: t.sess.Flags.TriggeredActions,
		TriggeredEvents:  t.sess.Flags.TriggeredEvents,
	})
	t.sess.UnlockedDisclosures = append(t.sess.UnlockedDisclosures, delta...)
	t.newly = append(t.newly, delta...)
}

// reconcile asks the physiology agent for the next state and merges it. Any
// failure leaves the deterministic state in place.
func (s *Service) reconcile(ctx context.Context, t *turn) {
	if s.agents.Physiology == nil {
		return
	}
	pre := t.sess.PatientState
	req := agent.PhysiologyRequest{
		LastAction: agent.LastAction{
			Type:    string(t.req.ActionType),
			Payload: t.req.Payload,
			Summary: t.summary,
		},
		PatientState:    pre,
		TreatmentsGiven: nonNil(t.sess.ManagementPlan),
		TestsOrdered:    orderedIDs(t.orders),
		ElapsedMinutes:  t.sess.ElapsedMinutes,
		CaseContext: agent.PhysiologyCase{
			DeteriorationRules:  nonNil(t.def.DeteriorationRules),
			BaselineVitals:      t.def.InitialVitals,
			UnlockedDisclosures: unlockedContent(t.def, t.sess),
			Interventions:       nonNil(t.def.Interventions),
		},
		Flags: lo.Assign(map[string]bool{}, t.sess.Flags.Scenario),
	}

	sug, err := RunStep(ctx, s.log, newStep("physiology", s.timeouts.Physiology, func(ctx context.Context) (*clinical.Suggestion, error) {
		return s.agents.Physiology.Suggest(ctx, req)
	}))
	if err != nil || sug == nil {
		s.log.Warn("physiology agent unavailable, keeping deterministic state",
			"session_id", t.sess.ID, "action", t.req.ActionType, "error", err)
		t.note = "physiology agent unavailable; state unchanged"
		return
	}

	rec := clinical.Reconcile(pre, t.effects, *sug)
	t.sess.PatientState = rec.State
	if rec.SuppressedEvent != "" {
		s.log.Debug("suppressed physiology event", "session_id", t.sess.ID, "event", rec.SuppressedEvent)
	}
	if rec.Event != "" && t.sess.tagEvent(rec.Event) {
		t.fired = append(t.fired, clinical.FiredEvent{Event: rec.Event, Notes: sug.ClinicalNote})
		s.unlock(t)
	}
}

func (s *Service) publish(ctx context.Context, sess *Session, action ActionType, newly []string, fired []clinical.FiredEvent, at time.Time) {
	if s.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideChannelTimeout)
	defer cancel()
	ev := ActionEvent{
		SessionID:           sess.ID,
		CaseID:              sess.CaseID,
		StudentID:           sess.StudentID,
		ActionType:          action,
		Status:              sess.Status,
		ElapsedMinutes:      sess.ElapsedMinutes,
		NewlyUnlocked:       nonNil(newly),
		DeteriorationEvents: lo.Map(fired, func(f clinical.FiredEvent, _ int) string { return f.Event }),
		OccurredAt:          at.UTC(),
	}
	if err := s.publisher.Publish(pctx, sess.ID.String(), ev); err != nil {
		s.log.Warn("failed to publish action event", "session_id", sess.ID, "action", action, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, sess *Session, def *casedef.Definition) {
	if s.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideChannelTimeout)
	defer cancel()
	if err := s.notifier.SessionCompleted(nctx, sess, def); err != nil {
		s.log.Warn("failed to send completion summary", "session_id", sess.ID, "error", err)
	}
}

func newStep[T any](name string, timeout time.Duration, run func(ctx context.Context) (T, error)) Step[T] {
	return Step[T]{Name: name, Timeout: timeout, Run: run}
}

// replayOrders rebuilds the diagnostic order map from order_test entries.
func replayOrders(entries []LogEntry) diagnostic.Orders {
	var responses []json.RawMessage
	for _, e := range entries {
		if e.ActionType == ActionOrderTest {
			responses = append(responses, e.Response)
		}
	}
	return diagnostic.Replay(responses)
}

func orderedIDs(orders diagnostic.Orders) []string {
	ids := lo.Keys(orders)
	sort.Strings(ids)
	return nonNil(ids)
}

// unlockedContent returns the unlocked disclosures in unlock order.
func unlockedContent(def *casedef.Definition, sess *Session) []casedef.Disclosure {
	out := make([]casedef.Disclosure, 0, len(sess.UnlockedDisclosures))
	for _, id := range sess.UnlockedDisclosures {
		if d, ok := def.Disclosure(id); ok {
			out = append(out, d)
		}
	}
	return out
}

func history(sess *Session, agentName string) []agent.Message {
	return lo.Map(sess.conversation(agentName), func(m Message, _ int) agent.Message {
		return agent.Message{Role: m.Role, Content: m.Content}
	})
}

func (t *turn) exchange(agentName, question, reply string) {
	t.sess.Messages = append(t.sess.Messages,
		Message{Agent: agentName, Role: "user", Content: question, ElapsedMinutes: t.sess.ElapsedMinutes, Timestamp: t.now},
		Message{Agent: agentName, Role: "assistant", Content: reply, ElapsedMinutes: t.sess.ElapsedMinutes, Timestamp: t.now},
	)
}
