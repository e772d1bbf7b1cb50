package labparse

import (
	"fmt"
	"regexp"
	"strings"
)

// Building blocks for the built-in templates. Every template is compiled
// case-insensitively, so upper-case letters here match either case.
const (
	namePart   = `[A-Z].*?`
	valuePart  = `[^\s<>]+`
	rangePart  = `(?:(?:[<>]=?|[<>]\s*OR\s*=)\s*)?\d+(?:\.\d+)?(?:\s*-\s*\d+(?:\.\d+)?)?`
	unitPart   = `[A-Z%µμ]\S*`
	statusPart = `NORMAL|HIGH|LOW|SEE\s+NOTE`
)

// Named groups a template pattern may declare. All but "unit" are required.
const (
	groupName   = "name"
	groupValue  = "value"
	groupRange  = "range"
	groupUnit   = "unit"
	groupStatus = "status"
)

var requiredGroups = []string{groupName, groupValue, groupRange, groupStatus}

// TemplateSpec is the configurable form of a line template: a name used in
// summaries and logs, and a regular expression with named groups.
type TemplateSpec struct {
	Name    string `mapstructure:"name" json:"name" yaml:"name"`
	Pattern string `mapstructure:"pattern" json:"pattern" yaml:"pattern"`
}

// DefaultTemplateSpecs returns the built-in templates in match order. The
// Hemoglobin A1C template comes first because its lines carry an
// "OF TOTAL HGB" clause between unit and status that the generic shapes
// cannot absorb.
func DefaultTemplateSpecs() []TemplateSpec {
	return []TemplateSpec{
		{
			Name: "hemoglobin-a1c",
			Pattern: `^(?P<name>HEMOGLOBIN\s+A1C)\s+(?P<value>` + valuePart + `)\s+(?P<range>` + rangePart + `)` +
				`(?:\s+(?P<unit>%))?(?:\s+OF\s+TOTAL\s+HGB)?\s+(?P<status>` + statusPart + `)$`,
		},
		{
			Name: "value-range-unit-status",
			Pattern: `^(?P<name>` + namePart + `)\s+(?P<value>` + valuePart + `)\s+(?P<range>` + rangePart + `)` +
				`\s+(?P<unit>` + unitPart + `)\s+(?P<status>` + statusPart + `)$`,
		},
		{
			Name: "value-range-status",
			Pattern: `^(?P<name>` + namePart + `)\s+(?P<value>` + valuePart + `)\s+(?P<range>` + rangePart + `)` +
				`\s+(?P<status>` + statusPart + `)$`,
		},
	}
}

// Template recognizes one line shape. It is immutable once compiled.
type Template struct {
	name  string
	re    *regexp.Regexp
	group map[string]int
}

// CompileTemplate compiles spec case-insensitively and checks that the
// pattern declares every required named group.
func CompileTemplate(spec TemplateSpec) (*Template, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("%w: template name is required", ErrInvalidRules)
	}
	re, err := regexp.Compile("(?i)" + spec.Pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: template %q: %v", ErrInvalidRules, spec.Name, err)
	}

	t := &Template{name: spec.Name, re: re, group: make(map[string]int)}
	for i, g := range re.SubexpNames() {
		if g != "" {
			t.group[g] = i
		}
	}
	for _, g := range requiredGroups {
		if _, ok := t.group[g]; !ok {
			return nil, fmt.Errorf("%w: template %q is missing the %q group", ErrInvalidRules, spec.Name, g)
		}
	}
	return t, nil
}

// Name returns the template's configured name.
func (t *Template) Name() string { return t.name }

// Match applies the template to a single line.
func (t *Template) Match(line string) (Candidate, bool) {
	m := t.re.FindStringSubmatch(line)
	if m == nil {
		return Candidate{}, false
	}

	status, ok := ParseStatus(t.field(m, groupStatus))
	if !ok {
		return Candidate{}, false
	}

	c := Candidate{
		Template:       t.name,
		RawName:        t.field(m, groupName),
		Value:          t.field(m, groupValue),
		Unit:           t.field(m, groupUnit),
		ReferenceRange: t.field(m, groupRange),
		Status:         status,
	}
	if c.RawName == "" || c.Value == "" {
		return Candidate{}, false
	}
	return c, true
}

func (t *Template) field(m []string, group string) string {
	i, ok := t.group[group]
	if !ok || i >= len(m) {
		return ""
	}
	return strings.TrimSpace(m[i])
}
