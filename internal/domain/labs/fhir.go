package labs

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/labchart/internal/labparse"
	"github.com/ehr/labchart/internal/platform/fhir"
)

// ObservationFilter narrows the FHIR view of a history. Zero values match
// everything. DateOp is one of the FHIR date prefixes eq, ge, gt, le, lt.
type ObservationFilter struct {
	Test   string
	Date   string
	DateOp string
}

func (f ObservationFilter) matches(test string, e Entry) bool {
	if f.Test != "" && f.Test != test {
		return false
	}
	if f.Date == "" {
		return true
	}
	switch f.DateOp {
	case "ge":
		return e.Date >= f.Date
	case "gt":
		return e.Date > f.Date
	case "le":
		return e.Date <= f.Date
	case "lt":
		return e.Date < f.Date
	default:
		return e.Date == f.Date
	}
}

// ParseDateParam splits a FHIR date search value like "ge2024-01-01".
func ParseDateParam(v string) (op, date string, err error) {
	v = strings.TrimSpace(v)
	op = "eq"
	if len(v) > 2 {
		switch v[:2] {
		case "eq", "ge", "gt", "le", "lt":
			op, v = v[:2], v[2:]
		}
	}
	date, err = labparse.NormalizeDate(v)
	return op, date, err
}

// Observations renders h as FHIR laboratory Observations, ordered by test
// name then date.
func (h History) Observations(patientID uuid.UUID, f ObservationFilter) []map[string]interface{} {
	var out []map[string]interface{}
	for _, test := range h.Tests() {
		for _, e := range h[test] {
			if f.matches(test, e) {
				out = append(out, e.ToFHIR(patientID, test))
			}
		}
	}
	return out
}

// ObservationID is stable for a (patient, test, date) triple so repeated
// reads return the same resource ids.
func ObservationID(patientID uuid.UUID, test, date string) string {
	return uuid.NewSHA1(patientID, []byte(test+"|"+date)).String()
}

func (e Entry) ToFHIR(patientID uuid.UUID, test string) map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Observation",
		"id":           ObservationID(patientID, test, e.Date),
		"status":       "final",
		"category": []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{
				System:  "http://terminology.hl7.org/CodeSystem/observation-category",
				Code:    "laboratory",
				Display: "Laboratory",
			}},
		}},
		"code":              fhir.CodeableConcept{Text: test},
		"subject":           fhir.Reference{Reference: fhir.FormatReference("Patient", patientID.String())},
		"effectiveDateTime": e.Date,
	}
	if v, err := strconv.ParseFloat(e.Value, 64); err == nil {
		q := map[string]interface{}{"value": v}
		if e.Unit != "" {
			q["unit"] = e.Unit
		}
		result["valueQuantity"] = q
	} else {
		result["valueString"] = e.Value
	}
	if e.ReferenceRange != "" {
		result["referenceRange"] = []map[string]string{{"text": e.ReferenceRange}}
	}
	if code, display := interpretation(e.Status); code != "" {
		result["interpretation"] = []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{
				System:  "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation",
				Code:    code,
				Display: display,
			}},
		}}
	}
	return result
}

// SEE_NOTE has no coded interpretation.
func interpretation(s labparse.Status) (code, display string) {
	switch s {
	case labparse.StatusHigh:
		return "H", "High"
	case labparse.StatusLow:
		return "L", "Low"
	case labparse.StatusNormal:
		return "N", "Normal"
	}
	return "", ""
}
