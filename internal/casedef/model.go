package casedef

import (
	"encoding/json"
	"strings"

	"github.com/samber/lo"
)

// Unlock rule types.
type UnlockType string

const (
	UnlockStart        UnlockType = "START"
	UnlockTime         UnlockType = "TIME"
	UnlockAction       UnlockType = "ACTION"
	UnlockEvent        UnlockType = "EVENT"
	UnlockActionOrTime UnlockType = "ACTION_OR_TIME"
	UnlockTimeOrAction UnlockType = "TIME_OR_ACTION"
	UnlockActionStage  UnlockType = "ACTION_OR_STAGE"
	UnlockState        UnlockType = "STATE"
)

// Definition is the immutable case document. Nothing in this module mutates it after load.
type Definition struct {
	ID                 string                     `json:"id"`
	Title              string                     `json:"title"`
	TargetCondition    *TargetCondition           `json:"target_condition,omitempty"`
	InitialState       InitialState               `json:"initial_patient_state"`
	InitialVitals      InitialVitals              `json:"initial_vitals"`
	Disclosures        []Disclosure               `json:"disclosures"`
	DiagnosticTests    []DiagnosticTest           `json:"diagnostic_tests"`
	TestResults        map[string]json.RawMessage `json:"test_results"`
	DeteriorationRules []DeteriorationRule        `json:"deterioration_rules"`
	Interventions      []Intervention             `json:"interventions"`
	Rubrics            []RubricDomain             `json:"evaluation_rubrics"`
}

type TargetCondition struct {
	Diagnosis string   `json:"diagnosis"`
	Keywords  []string `json:"keywords,omitempty"`
}

type InitialState struct {
	MentalStatus          string `json:"mental_status"`
	HasShock              bool   `json:"has_shock"`
	HasSeizure            bool   `json:"has_seizure"`
	HasRespiratoryFailure bool   `json:"has_respiratory_failure"`
	IsIntubated           bool   `json:"is_intubated"`
}

type InitialVitals struct {
	Temp        float64 `json:"temp"`
	HR          int     `json:"hr"`
	BPSystolic  int     `json:"bp_systolic"`
	BPDiastolic int     `json:"bp_diastolic"`
	RR          int     `json:"rr"`
	SpO2        int     `json:"spo2"`
	CapRefill   float64 `json:"cap_refill"`
}

type Disclosure struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Unlock           UnlockRule      `json:"unlock"`
	Content          json.RawMessage `json:"content"`
	MapsToObjectives []string        `json:"maps_to_objectives,omitempty"`
}

type UnlockRule struct {
	Type      UnlockType `json:"type"`
	Condition string     `json:"condition,omitempty"`
}

type DiagnosticTest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CostPoints  int    `json:"cost_points"`
	TATMinutes  int    `json:"tat_minutes"`
}

// IsCulture reports whether the test grows an organism (blood, CSF, urine culture).
func (t DiagnosticTest) IsCulture() bool {
	return strings.Contains(strings.ToLower(t.ID), "culture") ||
		strings.Contains(strings.ToLower(t.DisplayName), "culture")
}

type DeteriorationRule struct {
	If   string              `json:"if"`
	Then DeteriorationEffect `json:"then"`
}

type DeteriorationEffect struct {
	Event string `json:"event"`
	Notes string `json:"notes,omitempty"`
}

type Intervention struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
}

type RubricDomain struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	MaxPoints  float64     `json:"max_points"`
	DBColumn   string      `json:"db_column"`
	ScoreBands []ScoreBand `json:"score_bands"`
}

type ScoreBand struct {
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Description string  `json:"description"`
}

// Test looks up a diagnostic test by id.
func (d *Definition) Test(id string) (DiagnosticTest, bool) {
	for _, t := range d.DiagnosticTests {
		if t.ID == id {
			return t, true
		}
	}
	return DiagnosticTest{}, false
}

// Disclosure looks up a disclosure by id.
func (d *Definition) Disclosure(id string) (Disclosure, bool) {
	for _, ds := range d.Disclosures {
		if ds.ID == id {
			return ds, true
		}
	}
	return Disclosure{}, false
}

// TargetKeywords returns the lowercased diagnosis and keyword list used for
// "condition suspected" matching and tutor redaction.
func (d *Definition) TargetKeywords() []string {
	if d.TargetCondition == nil {
		return nil
	}
	all := append([]string{d.TargetCondition.Diagnosis}, d.TargetCondition.Keywords...)
	return lo.Uniq(lo.Compact(lo.Map(all, func(k string, _ int) string {
		return strings.ToLower(strings.TrimSpace(k))
	})))
}

// MaxPoints is the sum of every rubric domain's maximum.
func (d *Definition) MaxPoints() float64 {
	return lo.SumBy(d.Rubrics, func(r RubricDomain) float64 { return r.MaxPoints })
}

// Band returns the score-band description covering earned, or "".
func (r RubricDomain) Band(earned float64) string {
	for _, b := range r.ScoreBands {
		if earned >= b.Min && earned <= b.Max {
			return b.Description
		}
	}
	return ""
}
