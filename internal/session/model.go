package session

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"clinical-sim/internal/clinical"
	"clinical-sim/internal/evaluation"
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

// Terminal reports whether no further action may run on the session.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

const (
	PhasePrologue  = "prologue"
	PhaseActive    = "active_encounter"
	PhaseCompleted = "completed"
	PhaseAbandoned = "abandoned"
)

type ActionType string

const (
	ActionAskPatient          ActionType = "ask_patient"
	ActionPerformExam         ActionType = "perform_exam"
	ActionOrderTest           ActionType = "order_test"
	ActionGetResults          ActionType = "get_results"
	ActionGetAllResults       ActionType = "get_all_results"
	ActionListAvailableTests  ActionType = "list_available_tests"
	ActionAdministerTreatment ActionType = "administer_treatment"
	ActionConsultTutor        ActionType = "consult_tutor"
	ActionUpdateDifferential  ActionType = "update_differential"
	ActionSubmitDiagnosis     ActionType = "submit_diagnosis"
	ActionAdvanceTime         ActionType = "advance_time"
	ActionEndCase             ActionType = "end_case"

	// ActionAbandon is logged by Abandon; it is not accepted by Act.
	ActionAbandon ActionType = "abandon"
)

// skipsPhysiology lists actions with no direct physiological consequence.
var skipsPhysiology = map[ActionType]bool{
	ActionUpdateDifferential: true,
	ActionSubmitDiagnosis:    true,
	ActionEndCase:            true,
}

const (
	ActorStudent = "student"
	ActorSystem  = "system"
)

// Session is one student's attempt at one case. Version increments on every commit.
type Session struct {
	ID                  uuid.UUID             `json:"id"`
	StudentID           string                `json:"student_id"`
	CaseID              string                `json:"case_id"`
	Version             int                   `json:"version"`
	Status              Status                `json:"status"`
	Phase               string                `json:"phase"`
	ElapsedMinutes      int                   `json:"elapsed_minutes"`
	PatientState        clinical.PatientState `json:"patient_state"`
	UnlockedDisclosures []string              `json:"unlocked_disclosures"`
	DifferentialHistory []DifferentialEntry   `json:"differential_history"`
	ManagementPlan      []string              `json:"management_plan"`
	Flags               Flags                 `json:"flags"`
	FinalDiagnosis      *FinalDiagnosis       `json:"final_diagnosis,omitempty"`
	Scoring             *evaluation.Scoring   `json:"scoring,omitempty"`
	Messages            []Message             `json:"messages"`
	EmotionalState      string                `json:"emotional_state,omitempty"`
	TutorDiagnosisAsks  int                   `json:"tutor_diagnosis_asks"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
	StartedAt           *time.Time            `json:"started_at,omitempty"`
	CompletedAt         *time.Time            `json:"completed_at,omitempty"`
}

// Flags holds scenario booleans and the append-only tag sets. TriggeredEvents
// has every event, deterioration rule or physiology agent; RuleEvents only the
// case rules that fired, so an agent event never stands in for a rule.
type Flags struct {
	Scenario         map[string]bool `json:"scenario"`
	TriggeredActions []string        `json:"triggered_actions"`
	TriggeredEvents  []string        `json:"triggered_events"`
	RuleEvents       []string        `json:"rule_events"`
}

type DifferentialEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	ElapsedMinutes int       `json:"elapsed_minutes"`
	Diagnoses      []string  `json:"diagnoses"`
}

type FinalDiagnosis struct {
	Diagnosis string `json:"diagnosis"`
	Reasoning string `json:"reasoning"`
}

// Message is one turn of the patient or tutor conversation.
type Message struct {
	Agent          string    `json:"agent"` // "patient" or "tutor"
	Role           string    `json:"role"`  // "user" or "assistant"
	Content        string    `json:"content"`
	ElapsedMinutes int       `json:"elapsed_minutes"`
	Timestamp      time.Time `json:"timestamp"`
}

// LogEntry is one append-only action log record. For order_test entries,
// Response is a diagnostic.Result and is replayed to rebuild the order map.
type LogEntry struct {
	ID             uuid.UUID       `json:"id"`
	SessionID      uuid.UUID       `json:"session_id"`
	Actor          string          `json:"actor"`
	ActionType     ActionType      `json:"action_type"`
	Target         string          `json:"target,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
	Note           string          `json:"note,omitempty"`
	ElapsedMinutes int             `json:"elapsed_minutes"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Clone returns a copy whose slices and maps can be appended to without
// touching s. Nested values are only ever replaced, never edited in place.
func (s *Session) Clone() *Session {
	c := *s
	c.UnlockedDisclosures = slices.Clone(s.UnlockedDisclosures)
	c.DifferentialHistory = slices.Clone(s.DifferentialHistory)
	c.ManagementPlan = slices.Clone(s.ManagementPlan)
	c.Messages = slices.Clone(s.Messages)
	c.Flags = Flags{
		Scenario:         maps.Clone(s.Flags.Scenario),
		TriggeredActions: slices.Clone(s.Flags.TriggeredActions),
		TriggeredEvents:  slices.Clone(s.Flags.TriggeredEvents),
		RuleEvents:       slices.Clone(s.Flags.RuleEvents),
	}
	if c.Flags.Scenario == nil {
		c.Flags.Scenario = map[string]bool{}
	}
	return &c
}

func (s *Session) tagAction(tag string) {
	if !lo.Contains(s.Flags.TriggeredActions, tag) {
		s.Flags.TriggeredActions = append(s.Flags.TriggeredActions, tag)
	}
}

func (s *Session) tagEvent(event string) bool {
	if lo.Contains(s.Flags.TriggeredEvents, event) {
		return false
	}
	s.Flags.TriggeredEvents = append(s.Flags.TriggeredEvents, event)
	return true
}

func (s *Session) setFlag(name string, v bool) {
	if s.Flags.Scenario == nil {
		s.Flags.Scenario = map[string]bool{}
	}
	s.Flags.Scenario[name] = v
}

// conversation returns the messages exchanged with one agent.
func (s *Session) conversation(agentName string) []Message {
	return lo.Filter(s.Messages, func(m Message, _ int) bool { return m.Agent == agentName })
}
