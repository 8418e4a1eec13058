package clinical

import (
	"strconv"
	"strings"

	"clinical-sim/internal/casedef"
)

// DeteriorationInput is everything a rule condition may reference.
type DeteriorationInput struct {
	ElapsedMinutes  int
	State           PatientState
	ScenarioFlags   map[string]bool
	TriggeredEvents []string
}

// FiredEvent is one rule that fired this turn.
type FiredEvent struct {
	Event string `json:"event"`
	Notes string `json:"notes,omitempty"`
}

// EvaluateDeterioration fires every rule whose condition holds and whose event
// has not fired before, applying each event's mutation in rule order.
func EvaluateDeterioration(rules []casedef.DeteriorationRule, in DeteriorationInput) (PatientState, []FiredEvent) {
	fired := map[string]bool{}
	for _, e := range in.TriggeredEvents {
		fired[e] = true
	}

	state := in.State
	var out []FiredEvent
	for _, r := range rules {
		if r.Then.Event == "" || fired[r.Then.Event] {
			continue
		}
		cond, ok := ParseCondition(r.If)
		if !ok || !cond.Holds(in.ElapsedMinutes, state, in.ScenarioFlags) {
			continue
		}
		fired[r.Then.Event] = true
		state = ApplyEvent(state, r.Then.Event)
		out = append(out, FiredEvent{Event: r.Then.Event, Notes: r.Then.Notes})
	}
	return state, out
}

// ApplyEvent applies the fixed mutation for an event name.
func ApplyEvent(s PatientState, event string) PatientState {
	name := strings.ToLower(event)
	v := s.Vitals
	matched := false

	if strings.Contains(name, "shock") {
		matched = true
		s.HasShock = true
		v.HR += 20
		v.BPSystolic -= 25
		v.BPDiastolic -= 15
		v.CapRefill += 2
		s.MentalStatus = worsenMental(s.MentalStatus, MentalLethargic)
	}
	if strings.Contains(name, "seizure") {
		matched = true
		s.HasSeizure = true
		v.HR += 10
		s.MentalStatus = worsenMental(s.MentalStatus, MentalObtunded)
	}
	if strings.Contains(name, "respiratory") || strings.Contains(name, "hypox") || strings.Contains(name, "apnea") {
		matched = true
		s.HasRespiratoryFailure = true
		v.SpO2 -= 10
		v.RR += 8
	}
	if !matched {
		v.HR += 10
		v.Temp += 0.5
		v.RR += 4
		v.SpO2 -= 2
	}

	s.Vitals = v.Clamp()
	return EnforceTreatmentInvariants(s)
}

// Condition is a parsed rule predicate: all clauses must hold.
type Condition struct {
	clauses []clause
}

type clause struct {
	minTime   int
	strict    bool
	isTime    bool
	flag      string
	wantValue bool
}

// ParseCondition parses "time >= 30 AND !antibiotics_started" style conditions.
func ParseCondition(text string) (Condition, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Condition{}, false
	}
	replacer := strings.NewReplacer("&&", ",", " AND ", ",", " and ", ",")
	var c Condition
	for _, part := range strings.Split(replacer.Replace(text), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cl, ok := parseClause(part)
		if !ok {
			return Condition{}, false
		}
		c.clauses = append(c.clauses, cl)
	}
	return c, len(c.clauses) > 0
}

func parseClause(part string) (clause, bool) {
	lower := strings.ToLower(part)
	if strings.HasPrefix(lower, "time") || strings.HasPrefix(lower, "elapsed") {
		for _, op := range []string{">=", ">"} {
			if i := strings.Index(lower, op); i >= 0 {
				n, err := strconv.Atoi(strings.TrimSpace(lower[i+len(op):]))
				if err != nil {
					return clause{}, false
				}
				return clause{isTime: true, minTime: n, strict: op == ">"}, true
			}
		}
		return clause{}, false
	}

	want := true
	switch {
	case strings.HasPrefix(lower, "!"):
		want, lower = false, lower[1:]
	case strings.HasPrefix(lower, "not "):
		want, lower = false, lower[4:]
	case strings.HasPrefix(lower, "no "):
		want, lower = false, lower[3:]
	}
	if i := strings.Index(lower, "=="); i >= 0 {
		val := strings.TrimSpace(lower[i+2:])
		lower = lower[:i]
		switch val {
		case "true":
		case "false":
			want = !want
		default:
			return clause{}, false
		}
	}
	flag := strings.TrimSpace(lower)
	if flag == "" || strings.ContainsAny(flag, " <>=") {
		return clause{}, false
	}
	return clause{flag: flag, wantValue: want}, true
}

// Holds evaluates the condition. Scenario flags win over physiology flags
// of the same name; unknown flags are false.
func (c Condition) Holds(elapsed int, s PatientState, flags map[string]bool) bool {
	for _, cl := range c.clauses {
		if cl.isTime {
			if cl.strict && elapsed <= cl.minTime || !cl.strict && elapsed < cl.minTime {
				return false
			}
			continue
		}
		val, ok := flags[cl.flag]
		if !ok {
			val, _ = s.Flag(cl.flag)
		}
		if val != cl.wantValue {
			return false
		}
	}
	return true
}
