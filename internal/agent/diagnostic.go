package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"clinical-sim/internal/casedef"
	"clinical-sim/internal/diagnostic"
)

type DiagnosticAction string

const (
	DiagnosticOrder         DiagnosticAction = "order"
	DiagnosticGetResults    DiagnosticAction = "get_results"
	DiagnosticGetAllResults DiagnosticAction = "get_all_results"
	DiagnosticListAvailable DiagnosticAction = "list_available"
)

type DiagnosticRequest struct {
	Action          DiagnosticAction           `json:"action"`
	TestID          string                     `json:"testId,omitempty"`
	ElapsedMinutes  int                        `json:"elapsedMinutes"`
	DiagnosticTests []casedef.DiagnosticTest   `json:"diagnosticTests"`
	TestResults     map[string]json.RawMessage `json:"testResults"`
	OrderedTests    diagnostic.Orders          `json:"orderedTests"`
}

// DiagnosticResponse carries one of Result, Results or Tests depending on the action.
// A request the agent refuses comes back with Success false, Code "rejected" and
// Error set. Success false with any other code is a fault of the agent itself.
type DiagnosticResponse struct {
	Success bool                      `json:"success"`
	Code    string                    `json:"code,omitempty"`
	Error   string                    `json:"error,omitempty"`
	Result  *diagnostic.Result        `json:"result,omitempty"`
	Results []diagnostic.Result       `json:"results,omitempty"`
	Tests   []diagnostic.CatalogEntry `json:"tests,omitempty"`
}

// DiagnosticCodeRejected marks a refusal of the request itself: an unknown test,
// a repeat order, results for a test never ordered.
const DiagnosticCodeRejected = "rejected"

// ErrDiagnosticRejected wraps a refusal reported in the response body.
var ErrDiagnosticRejected = errors.New("diagnostic request rejected")

// DiagnosticClient is the remote diagnostic-test fulfilment service.
type DiagnosticClient struct {
	ep endpoint
}

func NewDiagnosticClient(url string, httpClient *http.Client) *DiagnosticClient {
	return &DiagnosticClient{ep: newEndpoint("diagnostic", url, httpClient)}
}

func (c *DiagnosticClient) Fulfil(ctx context.Context, req DiagnosticRequest) (*DiagnosticResponse, error) {
	var out DiagnosticResponse
	if err := c.ep.post(ctx, req, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		if out.Code == DiagnosticCodeRejected {
			return nil, fmt.Errorf("%w: %s", ErrDiagnosticRejected, out.Error)
		}
		return nil, &Error{Agent: "diagnostic", Err: fmt.Errorf("unsuccessful response (code %q): %s", out.Code, out.Error)}
	}
	return &out, nil
}

// LocalDiagnostic fulfils diagnostic requests in-process with the same
// contract as the remote service. Refusals keep their diagnostic sentinel.
type LocalDiagnostic struct{}

func (c *LocalDiagnostic) Fulfil(_ context.Context, req DiagnosticRequest) (*DiagnosticResponse, error) {
	def := &casedef.Definition{DiagnosticTests: req.DiagnosticTests, TestResults: req.TestResults}
	orders := req.OrderedTests
	if orders == nil {
		orders = diagnostic.Orders{}
	}

	switch req.Action {
	case DiagnosticOrder:
		r, err := diagnostic.PlaceOrder(def, orders, req.TestID, req.ElapsedMinutes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDiagnosticRejected, err)
		}
		return &DiagnosticResponse{Success: true, Result: &r}, nil
	case DiagnosticGetResults:
		r, err := diagnostic.GetResults(def, orders, req.TestID, req.ElapsedMinutes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDiagnosticRejected, err)
		}
		return &DiagnosticResponse{Success: true, Result: &r}, nil
	case DiagnosticGetAllResults:
		return &DiagnosticResponse{Success: true, Results: diagnostic.AllResults(def, orders, req.ElapsedMinutes)}, nil
	case DiagnosticListAvailable:
		return &DiagnosticResponse{Success: true, Tests: diagnostic.Catalog(def, orders)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrDiagnosticRejected, req.Action)
	}
}

// NewLocalDiagnostic returns an in-process fulfiller that reads the catalog from each request.
func NewLocalDiagnostic() *LocalDiagnostic {
	return &LocalDiagnostic{}
}
