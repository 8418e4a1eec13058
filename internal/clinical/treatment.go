package clinical

import (
	"fmt"
	"strings"
)

type TreatmentCategory string

const (
	CategoryAntibiotic     TreatmentCategory = "antibiotic"
	CategoryFluid          TreatmentCategory = "fluid"
	CategoryVasopressor    TreatmentCategory = "vasopressor"
	CategoryCorticosteroid TreatmentCategory = "corticosteroid"
	CategoryIntubation     TreatmentCategory = "intubation"
	CategoryAnticonvulsant TreatmentCategory = "anticonvulsant"
)

// Classification order is also application order.
var treatmentKeywords = []struct {
	category TreatmentCategory
	keywords []string
}{
	{CategoryAntibiotic, []string{"antibiotic", "ceftriaxone", "cefotaxime", "vancomycin", "ampicillin",
		"penicillin", "meropenem", "gentamicin", "cefepime", "piperacillin"}},
	{CategoryFluid, []string{"fluid", "bolus", "saline", "lactated ringer", "ringer's", "crystalloid", "plasmalyte"}},
	{CategoryVasopressor, []string{"vasopressor", "pressor", "dopamine", "epinephrine", "adrenaline",
		"noradrenaline", "vasopressin", "phenylephrine"}},
	{CategoryCorticosteroid, []string{"dexamethasone", "steroid", "hydrocortisone", "methylprednisolone", "prednisolone"}},
	{CategoryIntubation, []string{"intubat", "endotracheal", "mechanical ventilation", "ventilator", "rsi"}},
	{CategoryAnticonvulsant, []string{"anticonvulsant", "antiepileptic", "lorazepam", "diazepam", "midazolam",
		"levetiracetam", "phenytoin", "fosphenytoin", "phenobarbital", "benzodiazepine"}},
}

// ClassifyTreatment returns every effect category the description names, in application order.
func ClassifyTreatment(description string) []TreatmentCategory {
	text := " " + strings.ToLower(description) + " "
	var out []TreatmentCategory
	for _, group := range treatmentKeywords {
		for _, kw := range group.keywords {
			if matchKeyword(text, kw) {
				out = append(out, group.category)
				break
			}
		}
	}
	return out
}

// Short keywords must stand alone so "rsi" does not match "persist".
func matchKeyword(text, kw string) bool {
	if len(kw) > 4 {
		return strings.Contains(text, kw)
	}
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if tok == kw {
			return true
		}
	}
	return false
}

// TreatmentOutcome reports what a treatment did on this turn.
type TreatmentOutcome struct {
	Categories      []TreatmentCategory `json:"categories"`
	SeizureResolved bool                `json:"seizure_resolved"`
	ShockAddressed  bool                `json:"shock_addressed"`
	Summary         []string            `json:"summary"`
}

// ApplyTreatment runs the deterministic effect of every matched category.
// Effects are additive within one call and only ever move vitals toward normal.
func ApplyTreatment(s PatientState, description string) (PatientState, TreatmentOutcome) {
	out := TreatmentOutcome{Categories: ClassifyTreatment(description)}
	v := s.Vitals
	hadShock := s.HasShock

	for _, c := range out.Categories {
		switch c {
		case CategoryAntibiotic:
			s.AntibioticsStarted = true
			v.HR = towardDown(v.HR, 5, 100)
			v.Temp = towardDownF(v.Temp, 0.3, 37.0)
			out.Summary = append(out.Summary, "antibiotics started")
		case CategoryFluid:
			s.FluidsGiven = true
			v.HR = towardDown(v.HR, 8, 100)
			v.BPSystolic = towardUp(v.BPSystolic, 8, 110)
			v.BPDiastolic = towardUp(v.BPDiastolic, 5, 70)
			v.CapRefill = towardDownF(v.CapRefill, 1, 2)
			if hadShock {
				out.ShockAddressed = true
			}
			out.Summary = append(out.Summary, "fluid bolus given")
		case CategoryVasopressor:
			s.VasopressorsStarted = true
			s.HasShock = false
			v.BPSystolic = towardUp(v.BPSystolic, 15, 115)
			v.BPDiastolic = towardUp(v.BPDiastolic, 10, 75)
			v.CapRefill = towardDownF(v.CapRefill, 1, 2)
			if hadShock {
				out.ShockAddressed = true
			}
			out.Summary = append(out.Summary, "vasopressor infusion running")
		case CategoryCorticosteroid:
			s.DexamethasoneGiven = true
			out.Summary = append(out.Summary, "corticosteroid given")
		case CategoryIntubation:
			s.IsIntubated = true
			s.HasRespiratoryFailure = false
			if v.SpO2 < 98 {
				v.SpO2 = 98
			}
			v.RR = towardDown(v.RR, v.RR, 24)
			out.Summary = append(out.Summary, "patient intubated and ventilated")
		case CategoryAnticonvulsant:
			if s.HasSeizure {
				out.SeizureResolved = true
			}
			s.HasSeizure = false
			out.Summary = append(out.Summary, "anticonvulsant given")
		}
	}

	s.Vitals = v.Clamp()
	return EnforceTreatmentInvariants(s), out
}

// StatusSummary is the human-readable line returned after a treatment.
func StatusSummary(s PatientState, out TreatmentOutcome) string {
	action := "no recognised effect"
	if len(out.Summary) > 0 {
		action = strings.Join(out.Summary, ", ")
	}
	return fmt.Sprintf("%s. HR %d, BP %d/%d, RR %d, SpO2 %d%%, temp %.1f C, mental status %s.",
		capitalize(action), s.Vitals.HR, s.Vitals.BPSystolic, s.Vitals.BPDiastolic,
		s.Vitals.RR, s.Vitals.SpO2, s.Vitals.Temp, s.MentalStatus)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// towardDown lowers v by at most step, never below target; values already
// at or below target are left alone.
func towardDown(v, step, target int) int {
	if v <= target {
		return v
	}
	if v-step < target {
		return target
	}
	return v - step
}

func towardUp(v, step, target int) int {
	if v >= target {
		return v
	}
	if v+step > target {
		return target
	}
	return v + step
}

func towardDownF(v, step, target float64) float64 {
	if v <= target {
		return v
	}
	if v-step < target {
		return target
	}
	return v - step
}
