package session

import (
	"regexp"
	"sort"
	"strings"
)

// tutorRevealAfterAsks is how many diagnosis requests unlock an unredacted tutor.
const tutorRevealAfterAsks = 3

const redactedMarker = "[redacted]"

var diagnosisRequestRe = regexp.MustCompile(`(?i)\b(diagnos\w*|what('s| is) wrong|what does (he|she|the patient|it) have)\b`)

// isDiagnosisRequest reports whether a tutor question asks for the answer outright.
func isDiagnosisRequest(question string) bool {
	return diagnosisRequestRe.MatchString(question)
}

// mentionsTarget reports whether text names any of keywords.
func mentionsTarget(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// diagnosisProposed reports whether the student has named the target in a
// differential snapshot or the submitted diagnosis.
func diagnosisProposed(s *Session, keywords []string) bool {
	if s.FinalDiagnosis != nil && mentionsTarget(s.FinalDiagnosis.Diagnosis, keywords) {
		return true
	}
	for _, snap := range s.DifferentialHistory {
		for _, d := range snap.Diagnoses {
			if mentionsTarget(d, keywords) {
				return true
			}
		}
	}
	return false
}

// redactTarget replaces whole-word, case-insensitive mentions of keywords.
// Longer keywords go first so "bacterial meningitis" is replaced as one span.
// This is a text filter over free-form output and can miss paraphrases.
func redactTarget(text string, keywords []string) string {
	ks := append([]string(nil), keywords...)
	sort.SliceStable(ks, func(i, j int) bool { return len(ks[i]) > len(ks[j]) })
	for _, k := range ks {
		if strings.TrimSpace(k) == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(k) + `\b`)
		text = re.ReplaceAllString(text, redactedMarker)
	}
	return text
}
