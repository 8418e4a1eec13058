package agent

import (
	"context"
	"encoding/json"
	"net/http"

	"clinical-sim/internal/casedef"
	"clinical-sim/internal/clinical"
)

type PhysiologyRequest struct {
	LastAction      LastAction            `json:"lastAction"`
	PatientState    clinical.PatientState `json:"patientState"`
	TreatmentsGiven []string              `json:"treatmentsGiven"`
	TestsOrdered    []string              `json:"testsOrdered"`
	ElapsedMinutes  int                   `json:"elapsedMinutes"`
	CaseContext     PhysiologyCase        `json:"caseContext"`
	Flags           map[string]bool       `json:"flags"`
}

type LastAction struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Summary string          `json:"summary,omitempty"`
}

type PhysiologyCase struct {
	DeteriorationRules  []casedef.DeteriorationRule `json:"deterioration_rules"`
	BaselineVitals      casedef.InitialVitals       `json:"baseline_vitals"`
	UnlockedDisclosures []casedef.Disclosure        `json:"unlocked_disclosures"`
	Interventions       []casedef.Intervention      `json:"interventions"`
}

// PhysiologyClient asks the clinical-physiology engine for the next state.
// Its answers are suggestions; clinical.Reconcile decides what is kept.
type PhysiologyClient struct {
	ep endpoint
}

func NewPhysiologyClient(url string, httpClient *http.Client) *PhysiologyClient {
	return &PhysiologyClient{ep: newEndpoint("physiology", url, httpClient)}
}

func (c *PhysiologyClient) Suggest(ctx context.Context, req PhysiologyRequest) (*clinical.Suggestion, error) {
	var out clinical.Suggestion
	if err := c.ep.post(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
