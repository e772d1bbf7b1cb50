package labparse

import (
	"fmt"
	"strings"
)

// AliasSpec maps the printed variants of one test to its canonical display
// name.
type AliasSpec struct {
	Canonical string   `mapstructure:"canonical" json:"canonical" yaml:"canonical"`
	Variants  []string `mapstructure:"variants" json:"variants" yaml:"variants"`
}

// DefaultAliases is the built-in alias table for the common chemistry,
// lipid and CBC panels.
func DefaultAliases() []AliasSpec {
	return []AliasSpec{
		{Canonical: "Cholesterol Total", Variants: []string{"CHOLESTEROL, TOTAL", "CHOLESTEROL TOTAL", "TOTAL CHOLESTEROL", "CHOLESTEROL"}},
		{Canonical: "HDL Cholesterol", Variants: []string{"HDL CHOLESTEROL", "HDL-CHOLESTEROL", "HDL-C", "HDL"}},
		{Canonical: "LDL Cholesterol", Variants: []string{"LDL-CHOLESTEROL", "LDL CHOLESTEROL", "LDL-C", "LDL CHOL CALC (NIH)", "LDL"}},
		{Canonical: "Non-HDL Cholesterol", Variants: []string{"NON HDL CHOLESTEROL", "NON-HDL CHOLESTEROL"}},
		{Canonical: "Cholesterol/HDL Ratio", Variants: []string{"CHOL/HDLC RATIO", "CHOLESTEROL/HDL RATIO", "TOTAL CHOL/HDL RATIO"}},
		{Canonical: "Triglycerides", Variants: []string{"TRIGLYCERIDES", "TRIGLYCERIDE", "TRIG"}},
		{Canonical: "Glucose", Variants: []string{"GLUCOSE", "GLUCOSE, SERUM", "GLU"}},
		{Canonical: "Hemoglobin A1C", Variants: []string{"HEMOGLOBIN A1C", "HBA1C", "HGB A1C", "A1C"}},
		{Canonical: "Sodium", Variants: []string{"SODIUM", "NA"}},
		{Canonical: "Potassium", Variants: []string{"POTASSIUM", "K"}},
		{Canonical: "Chloride", Variants: []string{"CHLORIDE", "CL"}},
		{Canonical: "Carbon Dioxide", Variants: []string{"CARBON DIOXIDE", "CO2", "CARBON DIOXIDE, TOTAL"}},
		{Canonical: "BUN", Variants: []string{"UREA NITROGEN (BUN)", "UREA NITROGEN", "BUN"}},
		{Canonical: "Creatinine", Variants: []string{"CREATININE", "CREATININE, SERUM"}},
		{Canonical: "eGFR", Variants: []string{"EGFR", "EGFR NON-AFR. AMERICAN", "EGFR AFRICAN AMERICAN", "GFR, ESTIMATED"}},
		{Canonical: "Calcium", Variants: []string{"CALCIUM", "CA"}},
		{Canonical: "Total Protein", Variants: []string{"PROTEIN, TOTAL", "TOTAL PROTEIN"}},
		{Canonical: "Albumin", Variants: []string{"ALBUMIN"}},
		{Canonical: "Bilirubin Total", Variants: []string{"BILIRUBIN, TOTAL", "BILIRUBIN TOTAL", "TOTAL BILIRUBIN"}},
		{Canonical: "Alkaline Phosphatase", Variants: []string{"ALKALINE PHOSPHATASE", "ALK PHOS"}},
		{Canonical: "AST", Variants: []string{"AST", "AST (SGOT)", "SGOT"}},
		{Canonical: "ALT", Variants: []string{"ALT", "ALT (SGPT)", "SGPT"}},
		{Canonical: "TSH", Variants: []string{"TSH", "THYROID STIMULATING HORMONE"}},
		{Canonical: "Vitamin D", Variants: []string{"VITAMIN D, 25-OH, TOTAL", "VITAMIN D,25-OH,TOTAL,IA", "25-OH VITAMIN D"}},
		{Canonical: "Microalbumin/Creatinine Ratio", Variants: []string{"MICROALBUMIN/CREATININE RATIO", "ALBUMIN/CREATININE RATIO, RANDOM URINE"}},
		{Canonical: "White Blood Cells", Variants: []string{"WHITE BLOOD CELL COUNT", "WBC"}},
		{Canonical: "Hemoglobin", Variants: []string{"HEMOGLOBIN", "HGB"}},
		{Canonical: "Hematocrit", Variants: []string{"HEMATOCRIT", "HCT"}},
		{Canonical: "Platelets", Variants: []string{"PLATELET COUNT", "PLATELETS", "PLT"}},
	}
}

// AliasTable canonicalizes noisy test names. It is immutable after
// construction.
type AliasTable struct {
	canonical map[string]string
}

// NewAliasTable builds the lookup from specs. Later specs override earlier
// ones for the same variant, so file-supplied aliases can be layered on top
// of the defaults.
func NewAliasTable(specs []AliasSpec) (*AliasTable, error) {
	t := &AliasTable{canonical: make(map[string]string)}
	for _, spec := range specs {
		canonical := strings.TrimSpace(spec.Canonical)
		if canonical == "" {
			return nil, fmt.Errorf("%w: alias entry without canonical name", ErrInvalidRules)
		}
		t.canonical[aliasKey(canonical)] = canonical
		for _, v := range spec.Variants {
			if key := aliasKey(v); key != "" {
				t.canonical[key] = canonical
			}
		}
	}
	return t, nil
}

// Canonical returns the canonical name for raw. Unknown names fall through
// as the trimmed raw name.
func (t *AliasTable) Canonical(raw string) string {
	if name, ok := t.canonical[aliasKey(raw)]; ok {
		return name
	}
	return strings.TrimSpace(raw)
}

// Len returns the number of distinct lookup keys.
func (t *AliasTable) Len() int { return len(t.canonical) }

func aliasKey(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
