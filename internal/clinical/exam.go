package clinical

import "strings"

// ExamFindings is the read-only projection returned by perform_exam.
type ExamFindings struct {
	System       string   `json:"system,omitempty"`
	Vitals       Vitals   `json:"vitals"`
	MentalStatus string   `json:"mental_status"`
	General      []string `json:"general,omitempty"`
	Skin         []string `json:"skin,omitempty"`
	Neuro        []string `json:"neuro,omitempty"`
	Respiratory  []string `json:"respiratory,omitempty"`
}

// Examine projects physiology into findings. system narrows the sections
// returned ("skin", "neuro", "respiratory"); empty returns all of them.
func Examine(s PatientState, system string) ExamFindings {
	f := ExamFindings{
		System:       strings.ToLower(strings.TrimSpace(system)),
		Vitals:       s.Vitals,
		MentalStatus: s.MentalStatus,
	}
	v := s.Vitals

	if v.Temp >= 38 {
		f.General = append(f.General, "febrile, warm to touch")
	} else if v.Temp < 36 {
		f.General = append(f.General, "hypothermic")
	}
	if v.HR > 160 {
		f.General = append(f.General, "marked tachycardia")
	}

	switch {
	case s.HasShock:
		f.Skin = append(f.Skin, "cool, mottled extremities", "weak peripheral pulses")
	case v.CapRefill > 3:
		f.Skin = append(f.Skin, "delayed capillary refill")
	default:
		f.Skin = append(f.Skin, "well perfused")
	}

	if s.HasSeizure {
		f.Neuro = append(f.Neuro, "active generalized seizure activity")
	}
	if rank, ok := MentalRank(s.MentalStatus); ok && rank >= 2 {
		f.Neuro = append(f.Neuro, "depressed level of consciousness")
	}
	if len(f.Neuro) == 0 {
		f.Neuro = append(f.Neuro, "no focal deficits")
	}

	switch {
	case s.IsIntubated:
		f.Respiratory = append(f.Respiratory, "intubated, equal air entry on ventilator")
	case s.HasRespiratoryFailure:
		f.Respiratory = append(f.Respiratory, "increased work of breathing", "poor air entry")
	case v.SpO2 < 92:
		f.Respiratory = append(f.Respiratory, "hypoxic on room air")
	default:
		f.Respiratory = append(f.Respiratory, "clear to auscultation")
	}

	switch f.System {
	case "skin":
		f.General, f.Neuro, f.Respiratory = nil, nil, nil
	case "neuro", "neurological":
		f.General, f.Skin, f.Respiratory = nil, nil, nil
	case "respiratory", "chest":
		f.General, f.Skin, f.Neuro = nil, nil, nil
	}
	return f
}
