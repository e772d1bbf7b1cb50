// Package hl7v2 reads HL7 version 2 result messages (ORU^R01) so that lab
// values exported by another system can be merged the same way as values
// scraped from report text.
package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type       string    // MSH-9 (e.g. "ORU^R01")
	ControlID  string    // MSH-10
	Version    string    // MSH-12
	Timestamp  time.Time // MSH-7
	SendingApp string    // MSH-3
	SendingFac string    // MSH-4
	Segments   []Segment

	enc encoding
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string
	Fields []Field
}

// Field is one field value split into its components. Only the first
// repetition is kept in Components.
type Field struct {
	Value      string
	Components []string
	Repeats    [][]string
}

// encoding holds the separators declared in MSH-1 and MSH-2.
type encoding struct {
	field      string
	component  string
	repetition string
}

var defaultEncoding = encoding{field: "|", component: "^", repetition: "~"}

// Parse parses a raw HL7v2 message. Segments may be separated by \r, \n or
// \r\n.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	if !strings.HasPrefix(lines[0], "MSH") || len(lines[0]) < 8 {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	msg := &Message{enc: readEncoding(lines[0])}
	for _, line := range lines {
		seg, err := msg.enc.parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.extractHeader()
	return msg, nil
}

// readEncoding takes the separators from "MSH|^~\&". Missing characters fall
// back to the standard ones.
func readEncoding(msh string) encoding {
	enc := defaultEncoding
	enc.field = string(msh[3])
	chars := strings.SplitN(msh[4:], enc.field, 2)[0]
	if len(chars) > 0 {
		enc.component = string(chars[0])
	}
	if len(chars) > 1 {
		enc.repetition = string(chars[1])
	}
	return enc
}

func (enc encoding) parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	// In MSH the field separator itself is MSH-1, so Fields[0] holds it and
	// MSH-n is Fields[n-1] like every other segment.
	if strings.HasPrefix(line, "MSH") {
		seg := Segment{Name: "MSH", Fields: []Field{{Value: enc.field, Components: []string{enc.field}}}}
		for i, part := range strings.Split(line[4:], enc.field) {
			if i == 0 {
				// MSH-2 holds the encoding characters verbatim.
				seg.Fields = append(seg.Fields, Field{Value: part, Components: []string{part}})
				continue
			}
			seg.Fields = append(seg.Fields, enc.parseField(part))
		}
		return seg, nil
	}

	parts := strings.Split(line, enc.field)
	seg := Segment{Name: parts[0]}
	for _, f := range parts[1:] {
		seg.Fields = append(seg.Fields, enc.parseField(f))
	}
	return seg, nil
}

func (enc encoding) parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, enc.repetition) {
		f.Repeats = append(f.Repeats, strings.Split(rep, enc.component))
	}
	f.Components = f.Repeats[0]
	return f
}

func (m *Message) extractHeader() {
	msh := m.GetSegment("MSH")
	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	if t, err := parseHL7Timestamp(msh.GetField(7)); err == nil {
		m.Timestamp = t
	}
	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)
}

// parseHL7Timestamp parses YYYYMMDD[HHmm[ss]] with an optional trailing
// fraction or zone offset, which is ignored.
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns the value of a field by its 1-based HL7 index.
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if s == nil || idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component value by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if s == nil || idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	comps := s.Fields[idx].Components
	ci := compIdx - 1
	if ci < 0 || ci >= len(comps) {
		return ""
	}
	return comps[ci]
}

// PatientID returns PID-3.1 (the first component of the patient identifier field).
func (m *Message) PatientID() string {
	return m.GetSegment("PID").GetComponent(3, 1)
}
