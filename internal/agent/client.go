package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrInvalidResponse means the agent answered 200 with a body that does not decode.
var ErrInvalidResponse = errors.New("agent returned unparsable response")

// Error is a failed agent call: transport failure, non-2xx status, or an undecodable body.
type Error struct {
	Agent      string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s agent returned status %d: %s", e.Agent, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s agent: %v", e.Agent, e.Err)
	default:
		return fmt.Sprintf("%s agent failed", e.Agent)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// endpoint posts JSON to one agent URL and decodes the JSON reply.
type endpoint struct {
	name       string
	url        string
	httpClient *http.Client
}

func newEndpoint(name, url string, httpClient *http.Client) endpoint {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return endpoint{name: name, url: url, httpClient: httpClient}
}

func (e endpoint) post(ctx context.Context, reqBody, out any) error {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", e.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(jsonBody))
	if err != nil {
		return &Error{Agent: e.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return &Error{Agent: e.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Agent: e.name, StatusCode: resp.StatusCode, Body: string(body)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Agent: e.name, Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Agent: e.name, Err: fmt.Errorf("%w: %v", ErrInvalidResponse, err)}
	}
	return nil
}

// Message is one conversation turn sent to the patient and tutor agents.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}
