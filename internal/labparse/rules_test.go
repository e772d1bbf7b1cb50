package labparse

import (
	"reflect"
	"testing"
)

func TestRules_Extend(t *testing.T) {
	base := DefaultRules()
	extra := Rules{
		Templates:  []TemplateSpec{{Name: "custom", Pattern: `^(?P<name>X)\s+(?P<value>\S+)\s+(?P<range>\S+)\s+(?P<status>HIGH)$`}},
		Aliases:    []AliasSpec{{Canonical: "Fasting Glucose", Variants: []string{"GLUCOSE"}}},
		NoiseWords: []string{"final", "CORRECTED"},
	}

	got := base.Extend(extra)

	if got.Templates[0].Name != "custom" {
		t.Errorf("expected extra template first, got %q", got.Templates[0].Name)
	}
	if len(got.Templates) != len(base.Templates)+1 {
		t.Errorf("expected %d templates, got %d", len(base.Templates)+1, len(got.Templates))
	}
	if want := []string{"FINAL", "REPORT", "CORRECTED"}; !reflect.DeepEqual(got.NoiseWords, want) {
		t.Errorf("expected noise words %v, got %v", want, got.NoiseWords)
	}

	table, err := NewAliasTable(got.Aliases)
	if err != nil {
		t.Fatalf("NewAliasTable: %v", err)
	}
	if name := table.Canonical("GLUCOSE"); name != "Fasting Glucose" {
		t.Errorf("expected extra alias to override, got %q", name)
	}

	// The receiver is untouched.
	if base.Templates[0].Name != "hemoglobin-a1c" {
		t.Errorf("base rules were modified")
	}
}

func TestDefaultRules_Compile(t *testing.T) {
	if _, err := NewMatcher(DefaultRules().Templates, DefaultRules().NoiseWords); err != nil {
		t.Fatalf("default templates do not compile: %v", err)
	}
	if _, err := NewAliasTable(DefaultRules().Aliases); err != nil {
		t.Fatalf("default aliases invalid: %v", err)
	}
}
