package labparse

// Rules is everything about report formats that can change without touching
// parse, validation or merge logic. A Rules value is loaded once per run and
// compiled into an Engine; the Engine never sees later edits.
type Rules struct {
	Templates  []TemplateSpec `mapstructure:"templates" json:"templates" yaml:"templates"`
	Aliases    []AliasSpec    `mapstructure:"aliases" json:"aliases" yaml:"aliases"`
	NoiseWords []string       `mapstructure:"noise_words" json:"noise_words" yaml:"noise_words"`
}

// DefaultRules returns the built-in templates, aliases and noise words.
func DefaultRules() Rules {
	return Rules{
		Templates:  DefaultTemplateSpecs(),
		Aliases:    DefaultAliases(),
		NoiseWords: append([]string(nil), DefaultNoiseWords...),
	}
}

// Extend layers extra rules over r. Extra templates are tried before r's,
// extra aliases override r's for the same variant, and noise words are
// unioned.
func (r Rules) Extend(extra Rules) Rules {
	out := Rules{
		Templates:  make([]TemplateSpec, 0, len(extra.Templates)+len(r.Templates)),
		Aliases:    make([]AliasSpec, 0, len(r.Aliases)+len(extra.Aliases)),
		NoiseWords: make([]string, 0, len(r.NoiseWords)+len(extra.NoiseWords)),
	}
	out.Templates = append(out.Templates, extra.Templates...)
	out.Templates = append(out.Templates, r.Templates...)
	out.Aliases = append(out.Aliases, r.Aliases...)
	out.Aliases = append(out.Aliases, extra.Aliases...)

	seen := make(map[string]bool)
	for _, w := range append(append([]string(nil), r.NoiseWords...), extra.NoiseWords...) {
		key := aliasKey(w)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out.NoiseWords = append(out.NoiseWords, w)
	}
	return out
}
