package agent

import (
	"context"
	"encoding/json"
	"net/http"

	"clinical-sim/internal/casedef"
	"clinical-sim/internal/clinical"
)

type EvaluatorRequest struct {
	CaseContent EvaluationCase    `json:"caseContent"`
	SessionData EvaluationSession `json:"sessionData"`
}

type EvaluationCase struct {
	CaseID          string                   `json:"case_id"`
	Title           string                   `json:"title"`
	TargetCondition *casedef.TargetCondition `json:"target_condition,omitempty"`
	Rubrics         []casedef.RubricDomain   `json:"evaluation_rubrics"`
	DiagnosticTests []casedef.DiagnosticTest `json:"diagnostic_tests"`
	Interventions   []casedef.Intervention   `json:"interventions"`
}

type EvaluationSession struct {
	SessionID           string                 `json:"session_id"`
	ElapsedMinutes      int                    `json:"elapsed_minutes"`
	ActionLog           []EvaluationAction     `json:"action_log"`
	DifferentialHistory []DifferentialSnapshot `json:"differential_history"`
	TestsOrdered        []string               `json:"tests_ordered"`
	Treatments          []string               `json:"treatments"`
	Flags               map[string]bool        `json:"flags"`
	TriggeredActions    []string               `json:"triggered_actions"`
	TriggeredEvents     []string               `json:"triggered_events"`
	FinalDiagnosis      *FinalDiagnosis        `json:"final_diagnosis,omitempty"`
	FinalState          clinical.PatientState  `json:"final_patient_state"`
}

type EvaluationAction struct {
	Actor          string          `json:"actor"`
	ActionType     string          `json:"action_type"`
	Target         string          `json:"target,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ElapsedMinutes int             `json:"elapsed_minutes"`
}

type DifferentialSnapshot struct {
	ElapsedMinutes int      `json:"elapsed_minutes"`
	Diagnoses      []string `json:"diagnoses"`
}

type FinalDiagnosis struct {
	Diagnosis string `json:"diagnosis"`
	Reasoning string `json:"reasoning"`
}

type EvaluatorResponse struct {
	CompetencyScores map[string]CompetencyScore `json:"competency_scores"`
	Strengths        []string                   `json:"strengths"`
	Improvements     []string                   `json:"improvements"`
	OverallFeedback  string                     `json:"overall_feedback"`
}

type CompetencyScore struct {
	Earned float64 `json:"earned"`
	Max    float64 `json:"max"`
}

// EvaluatorClient scores a finished session against the case rubric.
type EvaluatorClient struct {
	ep endpoint
}

func NewEvaluatorClient(url string, httpClient *http.Client) *EvaluatorClient {
	return &EvaluatorClient{ep: newEndpoint("evaluator", url, httpClient)}
}

func (c *EvaluatorClient) Evaluate(ctx context.Context, req EvaluatorRequest) (*EvaluatorResponse, error) {
	var out EvaluatorResponse
	if err := c.ep.post(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
