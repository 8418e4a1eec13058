package clinical

import (
	"strings"

	"clinical-sim/internal/casedef"
)

type Vitals struct {
	Temp        float64 `json:"temp"`
	HR          int     `json:"hr"`
	BPSystolic  int     `json:"bp_systolic"`
	BPDiastolic int     `json:"bp_diastolic"`
	RR          int     `json:"rr"`
	SpO2        int     `json:"spo2"`
	CapRefill   float64 `json:"cap_refill"`
}

// PatientState is the physiology snapshot persisted with the session.
type PatientState struct {
	Vitals                Vitals `json:"vitals"`
	MentalStatus          string `json:"mental_status"`
	HasShock              bool   `json:"has_shock"`
	HasSeizure            bool   `json:"has_seizure"`
	HasRespiratoryFailure bool   `json:"has_respiratory_failure"`
	IsIntubated           bool   `json:"is_intubated"`
	AntibioticsStarted    bool   `json:"antibiotics_started"`
	FluidsGiven           bool   `json:"fluids_given"`
	VasopressorsStarted   bool   `json:"vasopressors_started"`
	DexamethasoneGiven    bool   `json:"dexamethasone_given"`
}

// InitialState seeds physiology from the case definition.
func InitialState(def *casedef.Definition) PatientState {
	v := def.InitialVitals
	s := PatientState{
		Vitals: Vitals{
			Temp:        v.Temp,
			HR:          v.HR,
			BPSystolic:  v.BPSystolic,
			BPDiastolic: v.BPDiastolic,
			RR:          v.RR,
			SpO2:        v.SpO2,
			CapRefill:   v.CapRefill,
		},
		MentalStatus:          def.InitialState.MentalStatus,
		HasShock:              def.InitialState.HasShock,
		HasSeizure:            def.InitialState.HasSeizure,
		HasRespiratoryFailure: def.InitialState.HasRespiratoryFailure,
		IsIntubated:           def.InitialState.IsIntubated,
	}
	if s.MentalStatus == "" {
		s.MentalStatus = MentalAlert
	}
	s.Vitals = s.Vitals.Clamp()
	return s
}

// Flag resolves a physiology flag by its wire name.
func (s PatientState) Flag(name string) (value, ok bool) {
	switch name {
	case "has_shock":
		return s.HasShock, true
	case "has_seizure":
		return s.HasSeizure, true
	case "has_respiratory_failure":
		return s.HasRespiratoryFailure, true
	case "is_intubated":
		return s.IsIntubated, true
	case "antibiotics_started":
		return s.AntibioticsStarted, true
	case "fluids_given":
		return s.FluidsGiven, true
	case "vasopressors_started":
		return s.VasopressorsStarted, true
	case "dexamethasone_given":
		return s.DexamethasoneGiven, true
	}
	return false, false
}

// Clamp keeps every vital inside a survivable display range.
func (v Vitals) Clamp() Vitals {
	v.Temp = clampF(v.Temp, 32, 43)
	v.HR = clampI(v.HR, 20, 260)
	v.BPSystolic = clampI(v.BPSystolic, 30, 240)
	v.BPDiastolic = clampI(v.BPDiastolic, 15, 160)
	if v.BPDiastolic >= v.BPSystolic {
		v.BPDiastolic = v.BPSystolic - 5
	}
	v.RR = clampI(v.RR, 4, 80)
	v.SpO2 = clampI(v.SpO2, 50, 100)
	v.CapRefill = clampF(v.CapRefill, 1, 10)
	return v
}

// EnforceTreatmentInvariants applies the guarantees that hold whenever a
// treatment is running, whatever produced the state.
func EnforceTreatmentInvariants(s PatientState) PatientState {
	if s.VasopressorsStarted {
		s.HasShock = false
	}
	if s.IsIntubated {
		s.HasRespiratoryFailure = false
		if s.Vitals.SpO2 < MinIntubatedSpO2 {
			s.Vitals.SpO2 = MinIntubatedSpO2
		}
	}
	return s
}

const MinIntubatedSpO2 = 95

// Mental status labels, best to worst.
const (
	MentalAlert        = "alert"
	MentalIrritable    = "irritable"
	MentalLethargic    = "lethargic"
	MentalObtunded     = "obtunded"
	MentalUnresponsive = "unresponsive"
)

var mentalRanks = map[string]int{
	MentalAlert:        0,
	"awake":            0,
	"oriented":         0,
	MentalIrritable:    1,
	"confused":         1,
	"agitated":         1,
	MentalLethargic:    2,
	"drowsy":           2,
	"somnolent":        2,
	MentalObtunded:     3,
	"postictal":        3,
	"stuporous":        3,
	MentalUnresponsive: 4,
	"comatose":         4,
	"seizing":          4,
}

// MentalRank orders mental status labels; higher is worse. ok is false for labels it does not know.
func MentalRank(label string) (rank int, ok bool) {
	rank, ok = mentalRanks[strings.ToLower(strings.TrimSpace(label))]
	return rank, ok
}

// worsenMental moves label to at least floor.
func worsenMental(label, floor string) string {
	cur, ok := MentalRank(label)
	want, _ := MentalRank(floor)
	if !ok || cur < want {
		return floor
	}
	return label
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
