package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-sim/internal/agent"
	"clinical-sim/internal/casedef"
	"clinical-sim/internal/clinical"
	"clinical-sim/internal/diagnostic"
	"clinical-sim/internal/platform/apierr"
)

type fakePatient struct {
	mu    sync.Mutex
	calls int
	last  agent.PatientRequest
	err   error
}

func (f *fakePatient) Ask(_ context.Context, req agent.PatientRequest) (*agent.PatientResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &agent.PatientResponse{Response: "It started two days ago.", EmotionalState: "anxious"}, nil
}

type fakeTutor struct {
	mu    sync.Mutex
	reply string
	last  agent.TutorRequest
}

func (f *fakeTutor) Consult(_ context.Context, req agent.TutorRequest) (*agent.TutorResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	return &agent.TutorResponse{Response: f.reply, HelpCategory: "diagnostic_reasoning"}, nil
}

type fakePhysiology struct {
	mu    sync.Mutex
	calls int
	fn    func(req agent.PhysiologyRequest) (*clinical.Suggestion, error)
}

func (f *fakePhysiology) Suggest(_ context.Context, req agent.PhysiologyRequest) (*clinical.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fn == nil {
		return &clinical.Suggestion{}, nil
	}
	return f.fn(req)
}

type evalReply struct {
	resp *agent.EvaluatorResponse
	err  error
}

// fakeEvaluator answers from a FIFO queue and repeats the last reply.
type fakeEvaluator struct {
	mu      sync.Mutex
	calls   int
	replies []evalReply
}

func (f *fakeEvaluator) Evaluate(_ context.Context, _ agent.EvaluatorRequest) (*agent.EvaluatorResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r.resp, r.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ActionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, v.(ActionEvent))
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *recordingNotifier) SessionCompleted(context.Context, *Session, *casedef.Definition) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return errors.New("telegram unavailable")
}

type harness struct {
	svc       *Service
	repo      Repository
	patient   *fakePatient
	tutor     *fakeTutor
	physio    *fakePhysiology
	eval      *fakeEvaluator
	publisher *recordingPublisher
	notifier  *recordingNotifier
}

func goodScores() evalReply {
	return evalReply{resp: &agent.EvaluatorResponse{
		CompetencyScores: map[string]agent.CompetencyScore{
			"history":    {Earned: 7, Max: 10},
			"management": {Earned: 12, Max: 20},
		},
		Strengths:       []string{"ordered cultures early"},
		Improvements:    []string{"start antibiotics sooner"},
		OverallFeedback: "Reasonable approach.",
	}}
}

func invalidReply() evalReply {
	return evalReply{err: &agent.Error{Agent: "evaluator", Err: fmt.Errorf("%w: unexpected EOF", agent.ErrInvalidResponse)}}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:      NewMemoryRepository(),
		patient:   &fakePatient{},
		tutor:     &fakeTutor{reply: "Think about what bacterial meningitis would look like on LP."},
		physio:    &fakePhysiology{},
		eval:      &fakeEvaluator{replies: []evalReply{goodScores()}},
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
	}
	cases := casedef.NewRepository(casedef.NewDirSource("../casedef/testdata"))
	clock := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	h.svc = NewService(h.repo, cases, Agents{
		Patient:    h.patient,
		Tutor:      h.tutor,
		Physiology: h.physio,
		Evaluator:  h.eval,
	}, Options{
		Publisher: h.publisher,
		Notifier:  h.notifier,
		Now:       func() time.Time { return clock },
	})
	return h
}

func (h *harness) create(t *testing.T) *Session {
	t.Helper()
	s, err := h.svc.Create(context.Background(), CreateRequest{StudentID: "student-1", CaseID: "meningitis"})
	require.NoError(t, err)
	return s
}

func (h *harness) act(id uuid.UUID, action ActionType, payload any) (*ActionResult, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return h.svc.Act(context.Background(), id, ActionRequest{ActionType: action, Payload: raw})
}

func (h *harness) mustAct(t *testing.T, id uuid.UUID, action ActionType, payload any) *ActionResult {
	t.Helper()
	res, err := h.act(id, action, payload)
	require.NoError(t, err, "action %s", action)
	return res
}

func (h *harness) get(t *testing.T, id uuid.UUID) *Session {
	t.Helper()
	s, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestCreate_SeedsStartDisclosures(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	got := h.get(t, s.ID)
	assert.Equal(t, []string{"D1"}, got.UnlockedDisclosures)
	assert.Equal(t, 0, got.ElapsedMinutes)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Equal(t, PhasePrologue, got.Phase)
	assert.Equal(t, 168, got.PatientState.Vitals.HR)
	assert.Nil(t, got.StartedAt)
}

func TestCreate_UnknownCase(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Create(context.Background(), CreateRequest{CaseID: "does-not-exist"})
	require.Error(t, err)
	assert.Equal(t, CodeCaseNotFound, apierr.CodeOf(err))
	assert.Equal(t, 404, apierr.StatusOf(err))
}

func TestAdvanceTime_UnlocksTimeDisclosure(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	res := h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": 10})
	assert.Contains(t, res.NewlyUnlocked, "D2")
	assert.Equal(t, 10, res.CurrentTimeMinutes)
	assert.Equal(t, PhaseActive, res.Phase)

	got := h.get(t, s.ID)
	assert.Equal(t, StatusInProgress, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, []string{"D1", "D2"}, got.UnlockedDisclosures)
}

func TestAdvanceTime_RejectsNonPositive(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	_, err := h.act(s.ID, ActionAdvanceTime, map[string]int{"minutes": 0})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidAction, apierr.CodeOf(err))

	got := h.get(t, s.ID)
	assert.Equal(t, s.Version, got.Version)
	assert.Equal(t, StatusCreated, got.Status)
	entries, err := h.svc.Actions(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAdvanceTime_RejectsOverlongStep(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": 5})

	for _, minutes := range []int{maxAdvanceMinutes + 1, math.MaxInt} {
		_, err := h.act(s.ID, ActionAdvanceTime, map[string]int{"minutes": minutes})
		require.Error(t, err, "minutes %d", minutes)
		assert.Equal(t, CodeInvalidAction, apierr.CodeOf(err))
	}
	assert.Equal(t, 5, h.get(t, s.ID).ElapsedMinutes)

	res := h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": maxAdvanceMinutes})
	assert.Equal(t, 5+maxAdvanceMinutes, res.CurrentTimeMinutes)
}

func TestAct_UnknownActionAndSession(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	_, err := h.act(s.ID, "dance", nil)
	assert.Equal(t, CodeInvalidAction, apierr.CodeOf(err))
	assert.Equal(t, 400, apierr.StatusOf(err))

	_, err = h.act(uuid.New(), ActionAdvanceTime, map[string]int{"minutes": 1})
	assert.Equal(t, CodeSessionNotFound, apierr.CodeOf(err))
	assert.Equal(t, 404, apierr.StatusOf(err))
}

func TestAct_MalformedPayload(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	_, err := h.svc.Act(context.Background(), s.ID, ActionRequest{
		ActionType: ActionAdvanceTime,
		Payload:    json.RawMessage(`{"minutes":"ten"}`),
	})
	assert.Equal(t, CodeInvalidAction, apierr.CodeOf(err))
}

func TestOrderTest_DuplicateRejected(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	res := h.mustAct(t, s.ID, ActionOrderTest, map[string]string{"testId": "cbc"})
	r, ok := res.Fields.(diagnostic.Result)
	require.True(t, ok)
	assert.Equal(t, diagnostic.StatusOrdered, r.Status)
	assert.Equal(t, 15, r.AvailableAt)

	_, err := h.act(s.ID, ActionOrderTest, map[string]string{"testId": "cbc"})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidAction, apierr.CodeOf(err))
	assert.Contains(t, err.Error(), "already ordered")

	entries, err := h.svc.Actions(context.Background(), s.ID)
	require.NoError(t, err)
	orders := 0
	for _, e := range entries {
		if e.ActionType == ActionOrderTest {
			orders++
		}
	}
	assert.Equal(t, 1, orders)
}

func TestOrderTest_UnknownTest(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	_, err := h.act(s.ID, ActionOrderTest, map[string]string{"testId": "mri"})
	assert.Equal(t, CodeInvalidAction, apierr.CodeOf(err))
}

func TestOrderTest_CultureBeforeAntibioticsAndMarker(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	h.mustAct(t, s.ID, ActionOrderTest, map[string]string{"testId": "blood_culture"})
	res := h.mustAct(t, s.ID, ActionOrderTest, map[string]string{"testId": "lp"})
	assert.Contains(t, res.NewlyUnlocked, "D3")

	got := h.get(t, s.ID)
	assert.True(t, got.Flags.Scenario["cultures_before_antibiotics"])
	assert.Contains(t, got.Flags.TriggeredActions, "student_orders_lp")
}

func TestGetResults_PendingCountsDown(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	_, err := h.act(s.ID, ActionGetResults, map[string]string{"testId": "lp"})
	assert.Equal(t, CodeInvalidAction, apierr.CodeOf(err), "results for a test never ordered")

	h.mustAct(t, s.ID, ActionOrderTest, map[string]string{"testId": "lp"})

	remaining := func() diagnostic.Result {
		res := h.mustAct(t, s.ID, ActionGetResults, map[string]string{"testId": "lp"})
		return res.Fields.(diagnostic.Result)
	}
	first := remaining()
	assert.Equal(t, diagnostic.StatusPending, first.Status)
	assert.Equal(t, 30, first.RemainingMinutes)

	h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": 10})
	second := remaining()
	assert.Equal(t, diagnostic.StatusPending, second.Status)
	assert.Less(t, second.RemainingMinutes, first.RemainingMinutes)

	h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": 25})
	done := remaining()
	assert.Equal(t, diagnostic.StatusCompleted, done.Status)
	assert.JSONEq(t, `{"wbc": 1800, "glucose": 18, "protein": 210, "gram_stain": "gram-positive diplococci"}`, string(done.Result))

	got := h.get(t, s.ID)
	assert.Contains(t, got.Flags.TriggeredActions, "student_reviews_lp")
}

func TestGetAllResultsAndCatalog(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	h.mustAct(t, s.ID, ActionOrderTest, map[string]string{"testId": "cbc"})
	h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": 15})

	res := h.mustAct(t, s.ID, ActionGetAllResults, nil)
	results := res.Fields.(map[string]any)["results"].([]diagnostic.Result)
	require.Len(t, results, 1)
	assert.Equal(t, diagnostic.StatusCompleted, results[0].Status)

	res = h.mustAct(t, s.ID, ActionListAvailableTests, nil)
	tests := res.Fields.(map[string]any)["tests"].([]diagnostic.CatalogEntry)
	require.Len(t, tests, 3)
	assert.True(t, tests[0].Ordered)
	assert.False(t, tests[1].Ordered)
}

func TestDeterioration_FiresOnceAndUnlocksEventDisclosure(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	res := h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": 30})
	require.Len(t, res.DeteriorationEvents, 1)
	assert.Equal(t, "seizure_onset", res.DeteriorationEvents[0].Event)
	assert.Contains(t, res.NewlyUnlocked, "D5")
	assert.True(t, res.PatientState.HasSeizure)

	res = h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": 5})
	assert.Empty(t, res.DeteriorationEvents)

	got := h.get(t, s.ID)
	assert.Equal(t, []string{"seizure_onset"}, got.Flags.TriggeredEvents)
}

func TestDeterioration_AgentEventDoesNotCancelRule(t *testing.T) {
	h := newHarness(t)
	h.physio.fn = func(agent.PhysiologyRequest) (*clinical.Suggestion, error) {
		if h.physio.calls == 1 {
			return &clinical.Suggestion{NewEvent: "seizure_onset"}, nil
		}
		return &clinical.Suggestion{}, nil
	}
	s := h.create(t)

	res := h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": 1})
	assert.Empty(t, res.DeteriorationEvents)
	assert.Contains(t, h.get(t, s.ID).Flags.TriggeredEvents, "seizure_onset")

	res = h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": 40})
	require.Len(t, res.DeteriorationEvents, 1)
	assert.Equal(t, "seizure_onset", res.DeteriorationEvents[0].Event)
	assert.True(t, res.PatientState.HasSeizure)

	got := h.get(t, s.ID)
	assert.Equal(t, []string{"seizure_onset"}, got.Flags.RuleEvents)
	assert.Equal(t, []string{"seizure_onset"}, got.Flags.TriggeredEvents)
}

func TestAdministerAnticonvulsant_OverridesSuggestedSeizure(t *testing.T) {
	h := newHarness(t)
	h.physio.fn = func(agent.PhysiologyRequest) (*clinical.Suggestion, error) {
		seizing := true
		return &clinical.Suggestion{HasSeizure: &seizing, NewEvent: "seizure_onset"}, nil
	}
	s := h.create(t)

	res := h.mustAct(t, s.ID, ActionAdministerTreatment, map[string]string{"treatment": "lorazepam anticonvulsant"})
	assert.False(t, res.PatientState.HasSeizure)
	assert.Empty(t, res.NewlyUnlocked, "suppressed event unlocks nothing")

	got := h.get(t, s.ID)
	assert.False(t, got.PatientState.HasSeizure)
	assert.NotContains(t, got.Flags.TriggeredEvents, "seizure_onset")
}

func TestOrderTest_RemoteAgentFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"code":"internal","error":"catalog unavailable"}`))
	}))
	defer srv.Close()

	cases := casedef.NewRepository(casedef.NewDirSource("../casedef/testdata"))
	svc := NewService(NewMemoryRepository(), cases, Agents{
		Diagnostic: agent.NewDiagnosticClient(srv.URL, srv.Client()),
		Physiology: &fakePhysiology{},
	}, Options{})
	s, err := svc.Create(context.Background(), CreateRequest{StudentID: "student-1", CaseID: "meningitis"})
	require.NoError(t, err)

	_, err = svc.Act(context.Background(), s.ID, ActionRequest{ActionType: ActionOrderTest, Payload: json.RawMessage(`{"testId":"cbc"}`)})
	require.Error(t, err)
	assert.Equal(t, CodeAgentFailure, apierr.CodeOf(err))
}

func TestAdministerVasopressor_ShockStaysResolved(t *testing.T) {
	h := newHarness(t)
	h.physio.fn = func(req agent.PhysiologyRequest) (*clinical.Suggestion, error) {
		shock := true
		sys := 50
		return &clinical.Suggestion{
			Vitals:   clinical.VitalsSuggestion{BPSystolic: &sys},
			HasShock: &shock,
			NewEvent: "refractory shock",
		}, nil
	}
	s := h.create(t)

	res := h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": 45})
	require.True(t, res.PatientState.HasShock)

	res = h.mustAct(t, s.ID, ActionAdministerTreatment, map[string]string{"treatment": "dopamine vasopressor"})
	assert.False(t, res.PatientState.HasShock)
	assert.Equal(t, []clinical.TreatmentCategory{clinical.CategoryVasopressor}, res.Fields.(map[string]any)["categories"])

	for i := 0; i < 3; i++ {
		res = h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": 5})
		assert.False(t, res.PatientState.HasShock)
	}

	got := h.get(t, s.ID)
	assert.False(t, got.PatientState.HasShock)
	assert.True(t, got.PatientState.VasopressorsStarted)
	assert.True(t, got.Flags.Scenario["shock_addressed"])
	assert.Equal(t, []string{"dopamine vasopressor"}, got.ManagementPlan)
	assert.Contains(t, got.Flags.TriggeredActions, "student_administers_vasopressor")
}

func TestAdministerTreatment_AntibioticsFlagAndDistinctPlan(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	h.mustAct(t, s.ID, ActionAdministerTreatment, map[string]string{"treatment": "ceftriaxone 100 mg/kg IV"})
	h.mustAct(t, s.ID, ActionAdministerTreatment, map[string]string{"treatment": "ceftriaxone 100 mg/kg IV"})
	res := h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": 30})
	assert.Empty(t, res.DeteriorationEvents, "antibiotics prevent the seizure rule")

	got := h.get(t, s.ID)
	assert.Equal(t, []string{"ceftriaxone 100 mg/kg IV"}, got.ManagementPlan)
	assert.True(t, got.Flags.Scenario["antibiotics_ordered"])
	assert.True(t, got.PatientState.AntibioticsStarted)
}

func TestPhysiologyFailureIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.physio.fn = func(agent.PhysiologyRequest) (*clinical.Suggestion, error) {
		return nil, &agent.Error{Agent: "physiology", StatusCode: 503, Body: "overloaded"}
	}
	s := h.create(t)

	res := h.mustAct(t, s.ID, ActionAdministerTreatment, map[string]string{"treatment": "normal saline bolus"})
	assert.True(t, res.PatientState.FluidsGiven)

	entries, err := h.svc.Actions(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].Note)
}

func TestPhysiologyTimeoutIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.svc.timeouts.Physiology = 20 * time.Millisecond
	release := make(chan struct{})
	defer close(release)
	h.svc.agents.Physiology = blockingPhysiology{release: release}
	s := h.create(t)

	res := h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": 1})
	assert.Equal(t, 1, res.CurrentTimeMinutes)
}

type blockingPhysiology struct {
	release chan struct{}
}

func (b blockingPhysiology) Suggest(ctx context.Context, _ agent.PhysiologyRequest) (*clinical.Suggestion, error) {
	select {
	case <-b.release:
		return &clinical.Suggestion{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPhysiologySkippedForReasoningActions(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	h.mustAct(t, s.ID, ActionUpdateDifferential, map[string][]string{"diagnoses": {"sepsis"}})
	h.mustAct(t, s.ID, ActionSubmitDiagnosis, map[string]string{"diagnosis": "sepsis"})
	assert.Zero(t, h.physio.calls)

	h.mustAct(t, s.ID, ActionPerformExam, map[string]string{"system": "skin"})
	assert.Equal(t, 1, h.physio.calls)
}

func TestPatientFailureAbortsWithoutPersisting(t *testing.T) {
	h := newHarness(t)
	h.patient.err = &agent.Error{Agent: "patient", StatusCode: 500, Body: "boom"}
	s := h.create(t)

	_, err := h.act(s.ID, ActionAskPatient, map[string]string{"question": "When did the fever start?"})
	require.Error(t, err)
	assert.Equal(t, CodeAgentFailure, apierr.CodeOf(err))
	assert.Equal(t, 502, apierr.StatusOf(err))

	got := h.get(t, s.ID)
	assert.Equal(t, s.Version, got.Version)
	assert.Empty(t, got.Messages)
	assert.Equal(t, StatusCreated, got.Status)
}

func TestAskPatient_RecordsConversation(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	res := h.mustAct(t, s.ID, ActionAskPatient, map[string]string{"question": "When did the fever start?"})
	assert.Equal(t, "It started two days ago.", res.Fields.(map[string]any)["response"])
	h.mustAct(t, s.ID, ActionAskPatient, map[string]string{"question": "Any rash?"})

	require.Len(t, h.patient.last.ConversationHistory, 2)
	require.Len(t, h.patient.last.Disclosures, 1)
	assert.Equal(t, "D1", h.patient.last.Disclosures[0].ID)

	got := h.get(t, s.ID)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "anxious", got.EmotionalState)
	assert.Contains(t, got.Flags.TriggeredActions, "student_asks_patient")
}

func TestAskPatient_RequiresQuestion(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	_, err := h.act(s.ID, ActionAskPatient, map[string]string{"question": "  "})
	assert.Equal(t, CodeInvalidAction, apierr.CodeOf(err))
	assert.Zero(t, h.patient.calls)
}

func TestPerformExam_UnlocksActionDisclosure(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	res := h.mustAct(t, s.ID, ActionPerformExam, map[string]string{"system": "Skin"})
	findings, ok := res.Fields.(clinical.ExamFindings)
	require.True(t, ok)
	assert.Equal(t, "skin", findings.System)
	assert.Contains(t, res.NewlyUnlocked, "D4")

	got := h.get(t, s.ID)
	assert.Contains(t, got.Flags.TriggeredActions, "student_examines_skin")
	assert.Equal(t, s.PatientState, got.PatientState)
}

func TestConsultTutor_RedactsUntilProposed(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	res := h.mustAct(t, s.ID, ActionConsultTutor, map[string]string{"question": "What should I check next?"})
	reply := res.Fields.(map[string]any)["response"].(string)
	assert.NotContains(t, reply, "meningitis")
	assert.Contains(t, reply, redactedMarker)

	h.mustAct(t, s.ID, ActionUpdateDifferential, map[string][]string{"diagnoses": {"Bacterial meningitis", "viral illness"}})
	res = h.mustAct(t, s.ID, ActionConsultTutor, map[string]string{"question": "What should I check next?"})
	reply = res.Fields.(map[string]any)["response"].(string)
	assert.Contains(t, reply, "bacterial meningitis")
	assert.True(t, h.tutor.last.SessionContext.DiagnosisProposed)

	got := h.get(t, s.ID)
	assert.True(t, got.Flags.Scenario["condition_suspected"])
	assert.True(t, got.Flags.Scenario["meningitis_suspected"])
	assert.Contains(t, got.Flags.TriggeredActions, "student_suspects_meningitis")
}

func TestConsultTutor_RevealsAfterRepeatedAsks(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	var reply string
	for i := 0; i < 3; i++ {
		res := h.mustAct(t, s.ID, ActionConsultTutor, map[string]string{"question": "Just tell me the diagnosis"})
		reply = res.Fields.(map[string]any)["response"].(string)
		if i < 2 {
			assert.NotContains(t, reply, "meningitis", "ask %d", i+1)
		}
	}
	assert.Contains(t, reply, "meningitis")
	assert.Equal(t, 3, h.get(t, s.ID).TutorDiagnosisAsks)
}

func TestSubmitDiagnosis_Overwrites(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	h.mustAct(t, s.ID, ActionSubmitDiagnosis, map[string]string{"diagnosis": "viral meningitis", "reasoning": "fever"})
	h.mustAct(t, s.ID, ActionSubmitDiagnosis, map[string]string{"diagnosis": "bacterial meningitis", "reasoning": "CSF"})

	got := h.get(t, s.ID)
	require.NotNil(t, got.FinalDiagnosis)
	assert.Equal(t, FinalDiagnosis{Diagnosis: "bacterial meningitis", Reasoning: "CSF"}, *got.FinalDiagnosis)
}

func TestEndCase_ScoresAndCloses(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	h.mustAct(t, s.ID, ActionAskPatient, map[string]string{"question": "How long has the fever lasted?"})

	res := h.mustAct(t, s.ID, ActionEndCase, nil)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, PhaseCompleted, res.Phase)

	got := h.get(t, s.ID)
	require.NotNil(t, got.Scoring)
	assert.Equal(t, 19.0, got.Scoring.Total)
	assert.InDelta(t, 63.33, got.Scoring.Percentage, 0.01)
	assert.Equal(t, map[string]float64{"history_score": 7, "management_score": 12}, got.Scoring.Columns)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, h.notifier.calls, "notifier failure does not fail the action")
	assert.Len(t, h.publisher.events, 2)

	for _, a := range []ActionType{ActionAdvanceTime, ActionEndCase, ActionAskPatient} {
		_, err := h.act(s.ID, a, map[string]any{"minutes": 5, "question": "hello?"})
		assert.Equal(t, CodeSessionClosed, apierr.CodeOf(err), "%s after completion", a)
	}
	_, err := h.svc.Abandon(context.Background(), s.ID)
	assert.Equal(t, CodeSessionClosed, apierr.CodeOf(err))

	after := h.get(t, s.ID)
	assert.Equal(t, got, after)
	assert.Equal(t, 1, h.eval.calls)
}

func TestEndCase_RetriesUndecodableEvaluation(t *testing.T) {
	h := newHarness(t)
	h.eval.replies = []evalReply{invalidReply(), goodScores()}
	s := h.create(t)

	h.mustAct(t, s.ID, ActionEndCase, nil)
	assert.Equal(t, 2, h.eval.calls)
	assert.Equal(t, StatusCompleted, h.get(t, s.ID).Status)
}

func TestEndCase_RetriesMissingDomain(t *testing.T) {
	h := newHarness(t)
	partial := evalReply{resp: &agent.EvaluatorResponse{CompetencyScores: map[string]agent.CompetencyScore{
		"history": {Earned: 4, Max: 10},
	}}}
	h.eval.replies = []evalReply{partial, goodScores()}
	s := h.create(t)

	h.mustAct(t, s.ID, ActionEndCase, nil)
	assert.Equal(t, 2, h.eval.calls)
}

func TestEndCase_FailsAfterOneRetry(t *testing.T) {
	h := newHarness(t)
	h.eval.replies = []evalReply{invalidReply()}
	s := h.create(t)
	h.mustAct(t, s.ID, ActionAdvanceTime, map[string]int{"minutes": 2})

	_, err := h.act(s.ID, ActionEndCase, nil)
	require.Error(t, err)
	assert.Equal(t, CodeAgentFailure, apierr.CodeOf(err))
	assert.Equal(t, 2, h.eval.calls)

	got := h.get(t, s.ID)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Nil(t, got.Scoring)
}

func TestEndCase_DoesNotRetryTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.eval.replies = []evalReply{{err: &agent.Error{Agent: "evaluator", StatusCode: 500}}}
	s := h.create(t)

	_, err := h.act(s.ID, ActionEndCase, nil)
	assert.Equal(t, CodeAgentFailure, apierr.CodeOf(err))
	assert.Equal(t, 1, h.eval.calls)
}

func TestAbandon(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	got, err := h.svc.Abandon(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, got.Status)

	_, err = h.act(s.ID, ActionAdvanceTime, map[string]int{"minutes": 1})
	assert.Equal(t, CodeSessionClosed, apierr.CodeOf(err))

	entries, err := h.svc.Actions(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionAbandon, entries[0].ActionType)
}

func TestMonotonicity(t *testing.T) {
	h := newHarness(t)
	h.physio.fn = func(req agent.PhysiologyRequest) (*clinical.Suggestion, error) {
		if req.ElapsedMinutes%2 == 0 {
			return nil, errors.New("flaky")
		}
		return &clinical.Suggestion{NewEvent: fmt.Sprintf("event_at_%d", req.ElapsedMinutes)}, nil
	}
	s := h.create(t)

	steps := []struct {
		action  ActionType
		payload any
	}{
		{ActionAskPatient, map[string]string{"question": "Any vomiting?"}},
		{ActionAdvanceTime, map[string]int{"minutes": 3}},
		{ActionPerformExam, nil},
		{ActionOrderTest, map[string]string{"testId": "cbc"}},
		{ActionAdvanceTime, map[string]int{"minutes": 7}},
		{ActionGetResults, map[string]string{"testId": "cbc"}},
		{ActionUpdateDifferential, map[string][]string{"diagnoses": {"meningitis"}}},
		{ActionAdvanceTime, map[string]int{"minutes": 21}},
		{ActionAdministerTreatment, map[string]string{"treatment": "lorazepam"}},
		{ActionConsultTutor, map[string]string{"question": "next step?"}},
		{ActionAdvanceTime, map[string]int{"minutes": 15}},
		{ActionEndCase, nil},
	}

	prev := h.get(t, s.ID)
	for _, st := range steps {
		h.mustAct(t, s.ID, st.action, st.payload)
		cur := h.get(t, s.ID)
		assert.GreaterOrEqual(t, cur.ElapsedMinutes, prev.ElapsedMinutes, "%s", st.action)
		assert.Subset(t, cur.UnlockedDisclosures, prev.UnlockedDisclosures, "%s", st.action)
		assert.Subset(t, cur.Flags.TriggeredActions, prev.Flags.TriggeredActions, "%s", st.action)
		assert.Subset(t, cur.Flags.TriggeredEvents, prev.Flags.TriggeredEvents, "%s", st.action)
		assert.Equal(t, prev.Version+1, cur.Version)
		prev = cur
	}
	assert.Equal(t, StatusCompleted, prev.Status)
	assert.LessOrEqual(t, prev.Scoring.Total, prev.Scoring.Possible)
}

func TestConcurrentActionsAreSerialised(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.act(s.ID, ActionAdvanceTime, map[string]int{"minutes": 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got := h.get(t, s.ID)
	assert.Equal(t, n, got.ElapsedMinutes)
	assert.Equal(t, n, got.Version)
}

func TestCommit_StaleVersionConflicts(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	ctx := context.Background()

	a := h.get(t, s.ID)
	b := h.get(t, s.ID)
	a.ElapsedMinutes = 5
	require.NoError(t, h.repo.Commit(ctx, a, LogEntry{ID: uuid.New(), SessionID: s.ID, ActionType: ActionAdvanceTime}))
	assert.Equal(t, 1, a.Version)

	b.ElapsedMinutes = 9
	err := h.repo.Commit(ctx, b, LogEntry{ID: uuid.New(), SessionID: s.ID, ActionType: ActionAdvanceTime})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 5, h.get(t, s.ID).ElapsedMinutes)
}

func TestActionResult_MarshalJSON(t *testing.T) {
	res := ActionResult{
		Fields:              map[string]any{"response": "hi"},
		CurrentTimeMinutes:  12,
		Phase:               PhaseActive,
		Status:              StatusInProgress,
		UnlockedDisclosures: []string{"D1"},
	}
	raw, err := json.Marshal(res)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "hi", got["response"])
	assert.Equal(t, string(StatusInProgress), got["session_status"])
	assert.Equal(t, 12.0, got["current_time_minutes"])
	assert.Equal(t, []any{"D1"}, got["unlocked_disclosures"])
	assert.Equal(t, []any{}, got["newly_unlocked"])
	assert.NotContains(t, got, "deterioration_events")
}

func TestActionResult_MarshalJSON_KeepsResultStatus(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	h.mustAct(t, s.ID, ActionOrderTest, map[string]string{"testId": "cbc"})

	res := h.mustAct(t, s.ID, ActionGetResults, map[string]string{"testId": "cbc"})
	raw, err := json.Marshal(res)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, string(diagnostic.StatusPending), got["status"])
	assert.Equal(t, 15.0, got["remaining_minutes"])
	assert.Equal(t, string(StatusInProgress), got["session_status"])
}
