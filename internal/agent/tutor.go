package agent

import (
	"context"
	"net/http"

	"clinical-sim/internal/casedef"
)

type TutorRequest struct {
	Question       string       `json:"question"`
	CaseContent    TutorCase    `json:"caseContent"`
	SessionContext TutorContext `json:"sessionContext"`
}

// TutorCase carries only what the student can already see, plus the target
// so the tutor can steer without naming it.
type TutorCase struct {
	Title           string                   `json:"title"`
	TargetCondition *casedef.TargetCondition `json:"target_condition,omitempty"`
	Disclosures     []casedef.Disclosure     `json:"disclosures"`
	DiagnosticTests []casedef.DiagnosticTest `json:"diagnostic_tests"`
	Interventions   []casedef.Intervention   `json:"interventions"`
}

type TutorContext struct {
	ElapsedMinutes      int       `json:"elapsed_minutes"`
	Differential        []string  `json:"differential"`
	TestsOrdered        []string  `json:"tests_ordered"`
	Treatments          []string  `json:"treatments"`
	ConversationHistory []Message `json:"conversation_history"`
	DiagnosisProposed   bool      `json:"diagnosis_proposed"`
	DiagnosisRequests   int       `json:"diagnosis_requests"`
}

type TutorResponse struct {
	Response     string `json:"response"`
	HelpCategory string `json:"help_category"`
}

// TutorClient talks to the Socratic tutor.
type TutorClient struct {
	ep endpoint
}

func NewTutorClient(url string, httpClient *http.Client) *TutorClient {
	return &TutorClient{ep: newEndpoint("tutor", url, httpClient)}
}

func (c *TutorClient) Consult(ctx context.Context, req TutorRequest) (*TutorResponse, error) {
	var out TutorResponse
	if err := c.ep.post(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
