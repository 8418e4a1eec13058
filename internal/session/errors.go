package session

import (
	"errors"
	"fmt"
	"net/http"

	"clinical-sim/internal/agent"
	"clinical-sim/internal/platform/apierr"
)

const (
	CodeSessionNotFound    = "SessionNotFound"
	CodeSessionClosed      = "SessionClosed"
	CodeInvalidAction      = "InvalidAction"
	CodeAgentFailure       = "AgentFailure"
	CodeCaseContentInvalid = "CaseContentInvalid"
	CodeCaseNotFound       = "CaseNotFound"
	CodeDeserializationErr = "DeserializationError"
	CodeConflict           = "Conflict"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrVersionConflict = errors.New("session was modified by a concurrent action")
)

func notFound(id fmt.Stringer) error {
	return apierr.New(http.StatusNotFound, CodeSessionNotFound, fmt.Errorf("%w: %s", ErrSessionNotFound, id))
}

func sessionClosed(status Status) error {
	return apierr.New(http.StatusBadRequest, CodeSessionClosed, fmt.Errorf("session is %s", status))
}

func invalidAction(format string, args ...any) error {
	return apierr.New(http.StatusBadRequest, CodeInvalidAction, fmt.Errorf(format, args...))
}

func conflict() error {
	return apierr.New(http.StatusConflict, CodeConflict, ErrVersionConflict)
}

// agentFailure maps a required agent's error. Undecodable bodies keep their
// own code so clients can tell a broken contract from an unavailable agent.
func agentFailure(err error) error {
	if errors.Is(err, agent.ErrInvalidResponse) {
		return apierr.New(http.StatusBadGateway, CodeDeserializationErr, err)
	}
	return apierr.New(http.StatusBadGateway, CodeAgentFailure, err)
}
