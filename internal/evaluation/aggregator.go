// Package evaluation turns a finished session into an evaluator request and
// maps the evaluator's per-domain scores onto the case rubric.
package evaluation

import (
	"fmt"
	"math"
	"time"

	"github.com/samber/lo"

	"clinical-sim/internal/agent"
	"clinical-sim/internal/casedef"
	"clinical-sim/internal/clinical"
)

// Input is everything the evaluator sees about one session.
type Input struct {
	SessionID        string
	Case             *casedef.Definition
	ElapsedMinutes   int
	Actions          []agent.EvaluationAction
	Differential     []agent.DifferentialSnapshot
	TestsOrdered     []string
	Treatments       []string
	Flags            map[string]bool
	TriggeredActions []string
	TriggeredEvents  []string
	FinalDiagnosis   *agent.FinalDiagnosis
	FinalState       clinical.PatientState
}

type DomainScore struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	DBColumn string  `json:"db_column"`
	Earned   float64 `json:"earned"`
	Max      float64 `json:"max"`
	Band     string  `json:"band,omitempty"`
}

// Scoring is the persisted evaluator outcome. It is written once, at completion.
type Scoring struct {
	Domains         []DomainScore      `json:"domains"`
	Columns         map[string]float64 `json:"columns"`
	Total           float64            `json:"total"`
	Possible        float64            `json:"possible"`
	Percentage      float64            `json:"percentage"`
	Strengths       []string           `json:"strengths"`
	Improvements    []string           `json:"improvements"`
	OverallFeedback string             `json:"overall_feedback"`
	EvaluatedAt     time.Time          `json:"evaluated_at"`
}

func BuildRequest(in Input) agent.EvaluatorRequest {
	def := in.Case
	return agent.EvaluatorRequest{
		CaseContent: agent.EvaluationCase{
			CaseID:          def.ID,
			Title:           def.Title,
			TargetCondition: def.TargetCondition,
			Rubrics:         def.Rubrics,
			DiagnosticTests: def.DiagnosticTests,
			Interventions:   def.Interventions,
		},
		SessionData: agent.EvaluationSession{
			SessionID:           in.SessionID,
			ElapsedMinutes:      in.ElapsedMinutes,
			ActionLog:           lo.Ternary(in.Actions == nil, []agent.EvaluationAction{}, in.Actions),
			DifferentialHistory: lo.Ternary(in.Differential == nil, []agent.DifferentialSnapshot{}, in.Differential),
			TestsOrdered:        lo.Ternary(in.TestsOrdered == nil, []string{}, in.TestsOrdered),
			Treatments:          lo.Ternary(in.Treatments == nil, []string{}, in.Treatments),
			Flags:               lo.Ternary(in.Flags == nil, map[string]bool{}, in.Flags),
			TriggeredActions:    lo.Ternary(in.TriggeredActions == nil, []string{}, in.TriggeredActions),
			TriggeredEvents:     lo.Ternary(in.TriggeredEvents == nil, []string{}, in.TriggeredEvents),
			FinalDiagnosis:      in.FinalDiagnosis,
			FinalState:          in.FinalState,
		},
	}
}

// Score maps resp onto the rubric of def. A response missing any rubric domain
// is reported as agent.ErrInvalidResponse so the caller can retry it like an
// undecodable body. Earned points are clamped to the case-defined maximum.
func Score(def *casedef.Definition, resp *agent.EvaluatorResponse, now time.Time) (*Scoring, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: empty evaluator response", agent.ErrInvalidResponse)
	}
	missing := lo.Filter(def.Rubrics, func(r casedef.RubricDomain, _ int) bool {
		_, ok := resp.CompetencyScores[r.ID]
		return !ok
	})
	if len(missing) > 0 {
		ids := lo.Map(missing, func(r casedef.RubricDomain, _ int) string { return r.ID })
		return nil, fmt.Errorf("%w: missing competency scores for %v", agent.ErrInvalidResponse, ids)
	}

	out := &Scoring{
		Columns:         make(map[string]float64, len(def.Rubrics)),
		Possible:        def.MaxPoints(),
		Strengths:       lo.Ternary(resp.Strengths == nil, []string{}, resp.Strengths),
		Improvements:    lo.Ternary(resp.Improvements == nil, []string{}, resp.Improvements),
		OverallFeedback: resp.OverallFeedback,
		EvaluatedAt:     now.UTC(),
	}
	for _, r := range def.Rubrics {
		got := resp.CompetencyScores[r.ID]
		earned := clampScore(got.Earned, r.MaxPoints)
		out.Domains = append(out.Domains, DomainScore{
			ID:       r.ID,
			Name:     r.Name,
			DBColumn: r.DBColumn,
			Earned:   earned,
			Max:      r.MaxPoints,
			Band:     r.Band(earned),
		})
		if r.DBColumn != "" {
			out.Columns[r.DBColumn] = earned
		}
		out.Total += earned
	}
	if out.Possible > 0 {
		out.Percentage = math.Round(out.Total/out.Possible*10000) / 100
	}
	return out, nil
}

func clampScore(v, max float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
