package clinical

import "strings"

// Suggestion is the physiology agent's proposed next state. Nil fields mean
// the agent did not propose a value.
type Suggestion struct {
	Vitals                VitalsSuggestion `json:"vitals"`
	MentalStatus          string           `json:"mental_status,omitempty"`
	HasShock              *bool            `json:"has_shock,omitempty"`
	HasSeizure            *bool            `json:"has_seizure,omitempty"`
	HasRespiratoryFailure *bool            `json:"has_respiratory_failure,omitempty"`
	NewEvent              string           `json:"new_event,omitempty"`
	ClinicalNote          string           `json:"clinical_note,omitempty"`
}

type VitalsSuggestion struct {
	Temp        *float64 `json:"temp,omitempty"`
	HR          *int     `json:"hr,omitempty"`
	BPSystolic  *int     `json:"bp_systolic,omitempty"`
	BPDiastolic *int     `json:"bp_diastolic,omitempty"`
	RR          *int     `json:"rr,omitempty"`
	SpO2        *int     `json:"spo2,omitempty"`
	CapRefill   *float64 `json:"cap_refill,omitempty"`
}

// TurnEffects is what deterministic engines did on the current turn.
type TurnEffects struct {
	// AnticonvulsantGiven is set whenever an anticonvulsant was administered,
	// seizing or not. SeizureResolved only when it stopped an active seizure.
	AnticonvulsantGiven bool
	SeizureResolved     bool
}

// Reconciled is the merged state plus the event that survived suppression.
type Reconciled struct {
	State           PatientState
	Event           string
	SuppressedEvent string
}

// Reconcile merges an untrusted suggestion into pre, the state produced by
// the deterministic engines this turn. Treatment flags are never taken from
// the suggestion.
func Reconcile(pre PatientState, turn TurnEffects, sug Suggestion) Reconciled {
	post := pre
	v := pre.Vitals
	sv := sug.Vitals

	if sv.Temp != nil {
		v.Temp = *sv.Temp
	}
	if sv.HR != nil {
		v.HR = *sv.HR
	}
	if sv.BPSystolic != nil {
		v.BPSystolic = *sv.BPSystolic
	}
	if sv.BPDiastolic != nil {
		v.BPDiastolic = *sv.BPDiastolic
	}
	if sv.RR != nil {
		v.RR = *sv.RR
	}
	if sv.SpO2 != nil {
		v.SpO2 = *sv.SpO2
	}
	if sv.CapRefill != nil {
		v.CapRefill = *sv.CapRefill
	}
	if sug.HasShock != nil {
		post.HasShock = *sug.HasShock
	}
	if sug.HasSeizure != nil {
		post.HasSeizure = *sug.HasSeizure
	}
	if sug.HasRespiratoryFailure != nil {
		post.HasRespiratoryFailure = *sug.HasRespiratoryFailure
	}
	if m := strings.TrimSpace(sug.MentalStatus); m != "" {
		post.MentalStatus = m
	}

	if pre.VasopressorsStarted {
		post.HasShock = false
		if v.BPSystolic < pre.Vitals.BPSystolic {
			v.BPSystolic = pre.Vitals.BPSystolic
		}
		if v.BPDiastolic < pre.Vitals.BPDiastolic {
			v.BPDiastolic = pre.Vitals.BPDiastolic
		}
	}
	if pre.AntibioticsStarted && v.HR > pre.Vitals.HR {
		v.HR = pre.Vitals.HR
	}
	if turn.AnticonvulsantGiven || turn.SeizureResolved {
		post.HasSeizure = false
	}
	if pre.VasopressorsStarted && pre.AntibioticsStarted {
		post.MentalStatus = noWorse(pre.MentalStatus, post.MentalStatus)
	}

	v = v.Clamp()
	// Clamping must not undo the monotonic guarantees above.
	if pre.VasopressorsStarted {
		v.BPSystolic = max(v.BPSystolic, pre.Vitals.BPSystolic)
		v.BPDiastolic = max(v.BPDiastolic, pre.Vitals.BPDiastolic)
	}
	if pre.AntibioticsStarted {
		v.HR = min(v.HR, pre.Vitals.HR)
	}
	post.Vitals = v
	post = EnforceTreatmentInvariants(post)

	out := Reconciled{State: post}
	if ev := strings.TrimSpace(sug.NewEvent); ev != "" {
		lower := strings.ToLower(ev)
		switch {
		case strings.Contains(lower, "shock") && pre.VasopressorsStarted:
			out.SuppressedEvent = ev
		case strings.Contains(lower, "seizure") && (turn.AnticonvulsantGiven || turn.SeizureResolved):
			out.SuppressedEvent = ev
		default:
			out.Event = ev
		}
	}
	return out
}

// noWorse keeps pre unless next ranks better. Unknown labels never replace a known one.
func noWorse(pre, next string) string {
	pr, pok := MentalRank(pre)
	nr, nok := MentalRank(next)
	if !nok {
		return pre
	}
	if !pok || nr <= pr {
		return next
	}
	return pre
}
