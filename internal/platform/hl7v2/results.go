package hl7v2

import (
	"strings"

	"github.com/ehr/labchart/internal/labparse"
)

// TemplateName tags candidates taken from OBX segments in parse summaries.
const TemplateName = "hl7v2-obx"

// ResultSet is the OBX candidates that share one observation date.
type ResultSet struct {
	Date       string // YYYY-MM-DD, empty when the message carries no date
	Candidates []labparse.Candidate
}

// skippedResultStatus are OBX-11 values whose OBX-5 is not a usable result:
// X cannot be obtained, D deleted, W wrong patient or post-entry error.
var skippedResultStatus = map[string]bool{"X": true, "D": true, "W": true}

// LabCandidates converts OBX segments into labparse candidates, grouped by date
// in first-seen order. The date of each OBX comes from OBX-14, else the
// enclosing OBR-7, else MSH-7.
func (m *Message) LabCandidates() []ResultSet {
	var sets []ResultSet
	index := make(map[string]int)

	msgDate := ""
	if !m.Timestamp.IsZero() {
		msgDate = m.Timestamp.Format(labparse.DateLayout)
	}
	obrDate := ""

	for i := range m.Segments {
		seg := &m.Segments[i]
		switch seg.Name {
		case "OBR":
			obrDate = hl7Date(seg.GetField(7))
			continue
		case "OBX":
		default:
			continue
		}

		if skippedResultStatus[strings.ToUpper(seg.GetField(11))] {
			continue
		}
		c, ok := obxCandidate(seg)
		if !ok {
			continue
		}

		date := hl7Date(seg.GetField(14))
		if date == "" {
			date = obrDate
		}
		if date == "" {
			date = msgDate
		}

		n, seen := index[date]
		if !seen {
			n = len(sets)
			index[date] = n
			sets = append(sets, ResultSet{Date: date})
		}
		sets[n].Candidates = append(sets[n].Candidates, c)
	}
	return sets
}

func obxCandidate(seg *Segment) (labparse.Candidate, bool) {
	name := strings.TrimSpace(seg.GetComponent(3, 2))
	if name == "" {
		name = strings.TrimSpace(seg.GetComponent(3, 1))
	}
	if name == "" {
		return labparse.Candidate{}, false
	}
	return labparse.Candidate{
		Template:       TemplateName,
		RawName:        name,
		Value:          strings.TrimSpace(seg.GetField(5)),
		Unit:           strings.TrimSpace(seg.GetComponent(6, 1)),
		ReferenceRange: strings.TrimSpace(seg.GetField(7)),
		Status:         abnormalFlagStatus(seg.GetComponent(8, 1)),
	}, true
}

// abnormalFlagStatus maps OBX-8 (HL7 table 0078) onto report status keywords.
func abnormalFlagStatus(flag string) labparse.Status {
	switch strings.ToUpper(strings.TrimSpace(flag)) {
	case "", "N":
		return labparse.StatusNormal
	case "H", "HH", ">":
		return labparse.StatusHigh
	case "L", "LL", "<":
		return labparse.StatusLow
	default:
		return labparse.StatusSeeNote
	}
}

func hl7Date(s string) string {
	t, err := parseHL7Timestamp(s)
	if err != nil {
		return ""
	}
	return t.Format(labparse.DateLayout)
}
