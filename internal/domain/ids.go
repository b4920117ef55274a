package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PAN is a Permanent Account Number, the taxpayer identifier every government
// call is keyed by. Parse before use; a PAN that did not come through ParsePAN
// should be treated as untrusted input.
type PAN string

var panPattern = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)

func ParsePAN(s string) (PAN, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !panPattern.MatchString(s) {
		return "", fmt.Errorf("invalid PAN %q: want 5 letters, 4 digits, 1 letter", s)
	}
	return PAN(s), nil
}

func (p PAN) String() string { return string(p) }

// AssessmentYear is the "2024-25" style year a return is filed for.
type AssessmentYear string

var ayPattern = regexp.MustCompile(`^([0-9]{4})-([0-9]{2})$`)

func ParseAssessmentYear(s string) (AssessmentYear, error) {
	m := ayPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", fmt.Errorf("invalid assessment year %q: want YYYY-YY", s)
	}
	start, _ := strconv.Atoi(m[1])
	end, _ := strconv.Atoi(m[2])
	if (start+1)%100 != end {
		return "", fmt.Errorf("invalid assessment year %q: years are not consecutive", s)
	}
	return AssessmentYear(m[0]), nil
}

func (y AssessmentYear) String() string { return string(y) }

// FilingKey identifies one logical filing. All per-filing state is keyed by it.
type FilingKey struct {
	PAN            PAN
	AssessmentYear AssessmentYear
}

func (k FilingKey) String() string {
	return string(k.PAN) + "/" + string(k.AssessmentYear)
}
