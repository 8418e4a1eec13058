// Package disclosure decides which case disclosures become visible to the
// student. Every function here is pure: the same state always yields the same ids.
package disclosure

import (
	"regexp"
	"strconv"
	"strings"

	"clinical-sim/internal/casedef"
)

// State is the session view the unlock rules are evaluated against.
type State struct {
	Unlocked         []string
	ElapsedMinutes   int
	TriggeredActions []string
	TriggeredEvents  []string
}

// Initial returns every START disclosure, in case order.
func Initial(disclosures []casedef.Disclosure) []string {
	var ids []string
	for _, d := range disclosures {
		if d.Unlock.Type == casedef.UnlockStart {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// Evaluate returns the ids newly unlocked by st, in case order. Rules are
// independent, so the order of disclosures never changes the resulting set.
func Evaluate(disclosures []casedef.Disclosure, st State) []string {
	unlocked := make(map[string]bool, len(st.Unlocked))
	for _, id := range st.Unlocked {
		unlocked[id] = true
	}

	var out []string
	for _, d := range disclosures {
		if unlocked[d.ID] {
			continue
		}
		if Unlocks(d.Unlock, st) {
			unlocked[d.ID] = true
			out = append(out, d.ID)
		}
	}
	return out
}

// Unlocks evaluates one rule.
func Unlocks(rule casedef.UnlockRule, st State) bool {
	switch rule.Type {
	case casedef.UnlockStart:
		return true
	case casedef.UnlockTime:
		return timeMet(rule.Condition, st.ElapsedMinutes)
	case casedef.UnlockAction:
		return matchesAny(st.TriggeredActions, rule.Condition)
	case casedef.UnlockActionOrTime, casedef.UnlockTimeOrAction, casedef.UnlockActionStage, casedef.UnlockState:
		return timeMet(rule.Condition, st.ElapsedMinutes) || matchesAny(st.TriggeredActions, rule.Condition)
	case casedef.UnlockEvent:
		return matchesAny(st.TriggeredEvents, rule.Condition)
	default:
		return false
	}
}

var thresholdRe = regexp.MustCompile(`\b(\d+)\b`)

// Threshold extracts the first standalone integer from a condition.
func Threshold(condition string) (int, bool) {
	m := thresholdRe.FindStringSubmatch(condition)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func timeMet(condition string, elapsed int) bool {
	n, ok := Threshold(condition)
	return ok && elapsed >= n
}

func matchesAny(tags []string, condition string) bool {
	cond := strings.ToLower(condition)
	if strings.TrimSpace(cond) == "" {
		return false
	}
	tokens := map[string]bool{}
	for _, tok := range strings.FieldsFunc(cond, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	}) {
		tokens[tok] = true
	}
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if tokens[tag] {
			return true
		}
	}
	return false
}
