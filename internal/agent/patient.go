package agent

import (
	"context"
	"net/http"

	"clinical-sim/internal/casedef"
	"clinical-sim/internal/clinical"
)

type PatientRequest struct {
	Question            string                `json:"question"`
	PatientState        clinical.PatientState `json:"patientState"`
	UnlockedDisclosures []string              `json:"unlockedDisclosures"`
	Disclosures         []casedef.Disclosure  `json:"disclosures"`
	ConversationHistory []Message             `json:"conversationHistory"`
	ElapsedMinutes      int                   `json:"elapsedMinutes"`
}

type PatientResponse struct {
	Response       string `json:"response"`
	EmotionalState string `json:"emotional_state"`
}

// PatientClient talks to the conversational patient simulator.
type PatientClient struct {
	ep endpoint
}

func NewPatientClient(url string, httpClient *http.Client) *PatientClient {
	return &PatientClient{ep: newEndpoint("patient", url, httpClient)}
}

func (c *PatientClient) Ask(ctx context.Context, req PatientRequest) (*PatientResponse, error) {
	var out PatientResponse
	if err := c.ep.post(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
