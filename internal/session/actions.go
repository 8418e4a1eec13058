package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/lo"

	"clinical-sim/internal/agent"
	"clinical-sim/internal/clinical"
	"clinical-sim/internal/diagnostic"
	"clinical-sim/internal/evaluation"
	"clinical-sim/internal/platform/apierr"
)

type questionPayload struct {
	Question string `json:"question"`
}

type examPayload struct {
	System string `json:"system"`
}

type testPayload struct {
	TestID string `json:"testId"`
}

type treatmentPayload struct {
	Treatment string `json:"treatment"`
}

type differentialPayload struct {
	Diagnoses []string `json:"diagnoses"`
}

type diagnosisPayload struct {
	Diagnosis string `json:"diagnosis"`
	Reasoning string `json:"reasoning"`
}

type advancePayload struct {
	Minutes int `json:"minutes"`
}

// maxAdvanceMinutes caps one advance_time step to a simulated day.
const maxAdvanceMinutes = 24 * 60

type endCaseResult struct {
	Scoring *evaluation.Scoring `json:"scoring"`
}

func decodePayload(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return invalidAction("malformed payload: %v", err)
	}
	return nil
}

func (s *Service) askPatient(ctx context.Context, t *turn) (any, error) {
	var p questionPayload
	if err := decodePayload(t.req.Payload, &p); err != nil {
		return nil, err
	}
	q := strings.TrimSpace(p.Question)
	if q == "" {
		return nil, invalidAction("question is required")
	}
	if s.agents.Patient == nil {
		return nil, agentFailure(fmt.Errorf("patient: %w", errAgentNotConfigured))
	}

	req := agent.PatientRequest{
		Question:            q,
		PatientState:        t.sess.PatientState,
		UnlockedDisclosures: nonNil(t.sess.UnlockedDisclosures),
		Disclosures:         unlockedContent(t.def, t.sess),
		ConversationHistory: history(t.sess, "patient"),
		ElapsedMinutes:      t.sess.ElapsedMinutes,
	}
	resp, err := RunStep(ctx, s.log, newStep("patient", s.timeouts.Agent, func(ctx context.Context) (*agent.PatientResponse, error) {
		return s.agents.Patient.Ask(ctx, req)
	}))
	if err != nil {
		return nil, agentFailure(err)
	}

	t.exchange("patient", q, resp.Response)
	if resp.EmotionalState != "" {
		t.sess.EmotionalState = resp.EmotionalState
	}
	t.sess.tagAction("student_asks_patient")
	t.target = "patient"
	t.summary = "student asked the patient: " + q
	return map[string]any{"response": resp.Response, "emotional_state": resp.EmotionalState}, nil
}

func (s *Service) consultTutor(ctx context.Context, t *turn) (any, error) {
	var p questionPayload
	if err := decodePayload(t.req.Payload, &p); err != nil {
		return nil, err
	}
	q := strings.TrimSpace(p.Question)
	if q == "" {
		return nil, invalidAction("question is required")
	}
	if s.agents.Tutor == nil {
		return nil, agentFailure(fmt.Errorf("tutor: %w", errAgentNotConfigured))
	}

	keywords := t.def.TargetKeywords()
	if isDiagnosisRequest(q) {
		t.sess.TutorDiagnosisAsks++
	}
	proposed := diagnosisProposed(t.sess, keywords)

	req := agent.TutorRequest{
		Question: q,
		CaseContent: agent.TutorCase{
			Title:           t.def.Title,
			TargetCondition: t.def.TargetCondition,
			Disclosures:     unlockedContent(t.def, t.sess),
			DiagnosticTests: nonNil(t.def.DiagnosticTests),
			Interventions:   nonNil(t.def.Interventions),
		},
		SessionContext: agent.TutorContext{
			ElapsedMinutes:      t.sess.ElapsedMinutes,
			Differential:        latestDifferential(t.sess),
			TestsOrdered:        orderedIDs(t.orders),
			Treatments:          nonNil(t.sess.ManagementPlan),
			ConversationHistory: history(t.sess, "tutor"),
			DiagnosisProposed:   proposed,
			DiagnosisRequests:   t.sess.TutorDiagnosisAsks,
		},
	}
	resp, err := RunStep(ctx, s.log, newStep("tutor", s.timeouts.Agent, func(ctx context.Context) (*agent.TutorResponse, error) {
		return s.agents.Tutor.Consult(ctx, req)
	}))
	if err != nil {
		return nil, agentFailure(err)
	}

	reply := resp.Response
	if !proposed && t.sess.TutorDiagnosisAsks < tutorRevealAfterAsks {
		reply = redactTarget(reply, keywords)
	}
	t.exchange("tutor", q, reply)
	t.sess.tagAction("student_consults_tutor")
	t.target = "tutor"
	t.summary = "student consulted the tutor"
	return map[string]any{"response": reply, "help_category": resp.HelpCategory}, nil
}

func (s *Service) performExam(_ context.Context, t *turn) (any, error) {
	var p examPayload
	if err := decodePayload(t.req.Payload, &p); err != nil {
		return nil, err
	}
	system := strings.ToLower(strings.TrimSpace(p.System))
	findings := clinical.Examine(t.sess.PatientState, system)

	t.sess.tagAction("student_performs_exam")
	if system != "" {
		t.sess.tagAction("student_examines_" + markerName(system))
	}
	t.target = system
	t.summary = "student performed a physical examination"
	return findings, nil
}

func (s *Service) testID(t *turn) (string, error) {
	var p testPayload
	if err := decodePayload(t.req.Payload, &p); err != nil {
		return "", err
	}
	id := strings.TrimSpace(p.TestID)
	if id == "" {
		return "", invalidAction("testId is required")
	}
	return id, nil
}

// fulfil runs one diagnostic request. Refusals are the caller's fault and
// surface as InvalidAction; transport failures are AgentFailure.
func (s *Service) fulfil(ctx context.Context, t *turn, action agent.DiagnosticAction, testID string) (*agent.DiagnosticResponse, error) {
	req := agent.DiagnosticRequest{
		Action:          action,
		TestID:          testID,
		ElapsedMinutes:  t.sess.ElapsedMinutes,
		DiagnosticTests: nonNil(t.def.DiagnosticTests),
		TestResults:     t.def.TestResults,
		OrderedTests:    t.orders,
	}
	resp, err := RunStep(ctx, s.log, newStep("diagnostic", s.timeouts.Agent, func(ctx context.Context) (*agent.DiagnosticResponse, error) {
		return s.agents.Diagnostic.Fulfil(ctx, req)
	}))
	if err != nil {
		if errors.Is(err, agent.ErrDiagnosticRejected) {
			return nil, apierr.New(http.StatusBadRequest, CodeInvalidAction, err)
		}
		return nil, agentFailure(err)
	}
	return resp, nil
}

func singleResult(resp *agent.DiagnosticResponse) (diagnostic.Result, error) {
	if resp.Result == nil {
		return diagnostic.Result{}, agentFailure(&agent.Error{Agent: "diagnostic", Err: fmt.Errorf("%w: missing result", agent.ErrInvalidResponse)})
	}
	return *resp.Result, nil
}

func (s *Service) orderTest(ctx context.Context, t *turn) (any, error) {
	id, err := s.testID(t)
	if err != nil {
		return nil, err
	}
	resp, err := s.fulfil(ctx, t, agent.DiagnosticOrder, id)
	if err != nil {
		return nil, err
	}
	r, err := singleResult(resp)
	if err != nil {
		return nil, err
	}
	// The log entry must replay as an order.
	r.Status = diagnostic.StatusOrdered
	r.TestID = id

	t.orders[id] = diagnostic.Order{TestID: id, OrderedAt: r.OrderedAt, AvailableAt: r.AvailableAt}
	t.sess.tagAction("student_orders_" + id)
	if test, ok := t.def.Test(id); ok && test.IsCulture() && !t.sess.PatientState.AntibioticsStarted {
		t.sess.setFlag("cultures_before_antibiotics", true)
	}
	t.target = id
	t.summary = "student ordered " + id
	return r, nil
}

func (s *Service) getResults(ctx context.Context, t *turn) (any, error) {
	id, err := s.testID(t)
	if err != nil {
		return nil, err
	}
	resp, err := s.fulfil(ctx, t, agent.DiagnosticGetResults, id)
	if err != nil {
		return nil, err
	}
	r, err := singleResult(resp)
	if err != nil {
		return nil, err
	}
	if r.Status == diagnostic.StatusCompleted {
		t.sess.tagAction("student_reviews_" + id)
	}
	t.target = id
	t.summary = "student checked results for " + id
	return r, nil
}

func (s *Service) getAllResults(ctx context.Context, t *turn) (any, error) {
	resp, err := s.fulfil(ctx, t, agent.DiagnosticGetAllResults, "")
	if err != nil {
		return nil, err
	}
	for _, r := range resp.Results {
		if r.Status == diagnostic.StatusCompleted {
			t.sess.tagAction("student_reviews_" + r.TestID)
		}
	}
	t.summary = "student reviewed all results"
	return map[string]any{"results": nonNil(resp.Results)}, nil
}

func (s *Service) listAvailableTests(ctx context.Context, t *turn) (any, error) {
	resp, err := s.fulfil(ctx, t, agent.DiagnosticListAvailable, "")
	if err != nil {
		return nil, err
	}
	t.summary = "student reviewed the test catalog"
	return map[string]any{"tests": nonNil(resp.Tests)}, nil
}

func (s *Service) administerTreatment(_ context.Context, t *turn) (any, error) {
	var p treatmentPayload
	if err := decodePayload(t.req.Payload, &p); err != nil {
		return nil, err
	}
	desc := strings.TrimSpace(p.Treatment)
	if desc == "" {
		return nil, invalidAction("treatment is required")
	}

	state, out := clinical.ApplyTreatment(t.sess.PatientState, desc)
	t.sess.PatientState = state
	if !lo.Contains(t.sess.ManagementPlan, desc) {
		t.sess.ManagementPlan = append(t.sess.ManagementPlan, desc)
	}
	for _, c := range out.Categories {
		t.sess.tagAction("student_administers_" + string(c))
		switch c {
		case clinical.CategoryAntibiotic:
			t.sess.setFlag("antibiotics_ordered", true)
		case clinical.CategoryAnticonvulsant:
			t.effects.AnticonvulsantGiven = true
		}
	}
	if out.ShockAddressed {
		t.sess.setFlag("shock_addressed", true)
	}
	t.effects.SeizureResolved = out.SeizureResolved

	t.target = desc
	t.summary = "student administered " + desc
	return map[string]any{
		"treatment":      desc,
		"categories":     nonNil(out.Categories),
		"status_summary": clinical.StatusSummary(state, out),
	}, nil
}

func (s *Service) updateDifferential(_ context.Context, t *turn) (any, error) {
	var p differentialPayload
	if err := decodePayload(t.req.Payload, &p); err != nil {
		return nil, err
	}
	diagnoses := lo.Compact(lo.Map(p.Diagnoses, func(d string, _ int) string { return strings.TrimSpace(d) }))
	if len(diagnoses) == 0 {
		return nil, invalidAction("diagnoses are required")
	}

	t.sess.DifferentialHistory = append(t.sess.DifferentialHistory, DifferentialEntry{
		Timestamp:      t.now,
		ElapsedMinutes: t.sess.ElapsedMinutes,
		Diagnoses:      diagnoses,
	})
	for _, kw := range t.def.TargetKeywords() {
		hit := lo.SomeBy(diagnoses, func(d string) bool { return mentionsTarget(d, []string{kw}) })
		if !hit {
			continue
		}
		t.sess.setFlag("condition_suspected", true)
		t.sess.setFlag(markerName(kw)+"_suspected", true)
		t.sess.tagAction("student_suspects_" + markerName(kw))
	}
	t.summary = "student updated the differential"
	return map[string]any{"differential": diagnoses, "snapshots": len(t.sess.DifferentialHistory)}, nil
}

func (s *Service) submitDiagnosis(_ context.Context, t *turn) (any, error) {
	var p diagnosisPayload
	if err := decodePayload(t.req.Payload, &p); err != nil {
		return nil, err
	}
	diag := strings.TrimSpace(p.Diagnosis)
	if diag == "" {
		return nil, invalidAction("diagnosis is required")
	}
	t.sess.FinalDiagnosis = &FinalDiagnosis{Diagnosis: diag, Reasoning: strings.TrimSpace(p.Reasoning)}
	t.sess.tagAction("student_submits_diagnosis")
	t.target = diag
	return map[string]any{"final_diagnosis": t.sess.FinalDiagnosis}, nil
}

func (s *Service) advanceTime(_ context.Context, t *turn) (any, error) {
	var p advancePayload
	if err := decodePayload(t.req.Payload, &p); err != nil {
		return nil, err
	}
	if p.Minutes <= 0 {
		return nil, invalidAction("minutes must be positive")
	}
	if p.Minutes > maxAdvanceMinutes {
		return nil, invalidAction("minutes must be at most %d", maxAdvanceMinutes)
	}
	t.sess.ElapsedMinutes += p.Minutes
	t.summary = fmt.Sprintf("%d minutes passed", p.Minutes)
	return map[string]any{"advanced_minutes": p.Minutes}, nil
}

// endCase scores the session once the disclosure and deterioration passes
// have run, so the evaluator sees the final state.
func (s *Service) endCase(_ context.Context, t *turn) (any, error) {
	if s.agents.Evaluator == nil {
		return nil, agentFailure(fmt.Errorf("evaluator: %w", errAgentNotConfigured))
	}
	out := &endCaseResult{}
	t.finalize = func(ctx context.Context) error {
		req := evaluation.BuildRequest(evaluationInput(t))
		scoring, err := RunStep(ctx, s.log, Step[*evaluation.Scoring]{
			Name:    "evaluator",
			Timeout: s.timeouts.Evaluator,
			Retries: 1,
			RetryIf: func(err error) bool { return errors.Is(err, agent.ErrInvalidResponse) },
			Run: func(ctx context.Context) (*evaluation.Scoring, error) {
				resp, err := s.agents.Evaluator.Evaluate(ctx, req)
				if err != nil {
					return nil, err
				}
				return evaluation.Score(t.def, resp, t.now)
			},
		})
		if err != nil {
			return apierr.New(http.StatusBadGateway, CodeAgentFailure, err)
		}

		completedAt := t.now
		t.sess.Scoring = scoring
		t.sess.Status = StatusCompleted
		t.sess.Phase = PhaseCompleted
		t.sess.CompletedAt = &completedAt
		out.Scoring = scoring
		return nil
	}
	t.summary = "student ended the case"
	return out, nil
}

func evaluationInput(t *turn) evaluation.Input {
	in := evaluation.Input{
		SessionID:        t.sess.ID.String(),
		Case:             t.def,
		ElapsedMinutes:   t.sess.ElapsedMinutes,
		TestsOrdered:     orderedIDs(t.orders),
		Treatments:       nonNil(t.sess.ManagementPlan),
		Flags:            lo.Assign(map[string]bool{}, t.sess.Flags.Scenario),
		TriggeredActions: nonNil(t.sess.Flags.TriggeredActions),
		TriggeredEvents:  nonNil(t.sess.Flags.TriggeredEvents),
		FinalState:       t.sess.PatientState,
	}
	in.Actions = lo.Map(t.entries, func(e LogEntry, _ int) agent.EvaluationAction {
		return agent.EvaluationAction{
			Actor:          e.Actor,
			ActionType:     string(e.ActionType),
			Target:         e.Target,
			Payload:        e.Payload,
			ElapsedMinutes: e.ElapsedMinutes,
		}
	})
	in.Differential = lo.Map(t.sess.DifferentialHistory, func(d DifferentialEntry, _ int) agent.DifferentialSnapshot {
		return agent.DifferentialSnapshot{ElapsedMinutes: d.ElapsedMinutes, Diagnoses: d.Diagnoses}
	})
	if fd := t.sess.FinalDiagnosis; fd != nil {
		in.FinalDiagnosis = &agent.FinalDiagnosis{Diagnosis: fd.Diagnosis, Reasoning: fd.Reasoning}
	}
	return in
}

func latestDifferential(sess *Session) []string {
	if n := len(sess.DifferentialHistory); n > 0 {
		return nonNil(sess.DifferentialHistory[n-1].Diagnoses)
	}
	return []string{}
}

// markerName turns free text into a tag suffix: "Bacterial Meningitis" -> "bacterial_meningitis".
func markerName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}
