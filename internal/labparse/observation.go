// Package labparse turns the plain text of a lab report into dated, validated,
// canonically named lab observations. It performs no I/O: callers hand it text
// and receive observations ready to merge into a chart's lab history.
package labparse

import (
	"strings"
)

// DateLayout is the ISO calendar date layout used for every observation date.
const DateLayout = "2006-01-02"

// Status is the normalized result flag printed next to a lab value.
type Status string

const (
	StatusNormal  Status = "NORMAL"
	StatusHigh    Status = "HIGH"
	StatusLow     Status = "LOW"
	StatusSeeNote Status = "SEE_NOTE"
)

// ParseStatus normalizes a status keyword as printed on a report ("High",
// "see note", "SEE  NOTE"). The second return value is false for anything
// outside the fixed keyword set.
func ParseStatus(s string) (Status, bool) {
	key := strings.ToUpper(strings.Join(strings.Fields(s), "_"))
	switch Status(key) {
	case StatusNormal, StatusHigh, StatusLow, StatusSeeNote:
		return Status(key), true
	}
	return "", false
}

// Candidate is what a template recognizes on one line, before the name is
// canonicalized, the value is validated and a date is attached.
type Candidate struct {
	Template       string
	RawName        string
	Value          string
	Unit           string
	ReferenceRange string
	Status         Status
}

// Observation is a single accepted lab result.
type Observation struct {
	RawName        string `json:"raw_name"`
	CanonicalName  string `json:"canonical_name"`
	Value          string `json:"value"`
	Unit           string `json:"unit,omitempty"`
	ReferenceRange string `json:"reference_range,omitempty"`
	Status         Status `json:"status,omitempty"`
	Date           string `json:"date"`
}
