package labparse

import (
	"regexp"
	"strings"
)

// DefaultNoiseWords mark report boilerplate ("FINAL", "REPORT STATUS") that
// can accidentally fit a template.
var DefaultNoiseWords = []string{"FINAL", "REPORT"}

// Matcher holds the ordered template list. Templates are tried top to
// bottom and the first one that matches a line wins; later templates are
// never consulted for that line.
type Matcher struct {
	templates []*Template
	noise     *regexp.Regexp
}

// NewMatcher compiles specs in order. An empty noise list disables the noise
// filter.
func NewMatcher(specs []TemplateSpec, noiseWords []string) (*Matcher, error) {
	m := &Matcher{}
	for _, spec := range specs {
		t, err := CompileTemplate(spec)
		if err != nil {
			return nil, err
		}
		m.templates = append(m.templates, t)
	}

	var words []string
	for _, w := range noiseWords {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, regexp.QuoteMeta(w))
		}
	}
	if len(words) > 0 {
		m.noise = regexp.MustCompile(`(?i)\b(?:` + strings.Join(words, "|") + `)\b`)
	}
	return m, nil
}

// Templates returns the template names in match order.
func (m *Matcher) Templates() []string {
	names := make([]string, len(m.templates))
	for i, t := range m.templates {
		names[i] = t.Name()
	}
	return names
}

// IsNoise reports whether line contains one of the noise words.
func (m *Matcher) IsNoise(line string) bool {
	return m.noise != nil && m.noise.MatchString(line)
}

// Match returns the candidate recognized by the first matching template.
// Noise lines never produce a candidate.
func (m *Matcher) Match(line string) (Candidate, bool) {
	if m.IsNoise(line) {
		return Candidate{}, false
	}
	for _, t := range m.templates {
		if c, ok := t.Match(line); ok {
			return c, true
		}
	}
	return Candidate{}, false
}
