package labparse

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// decimalLiteral admits plain decimal numbers only: no hex floats, no
// "Inf"/"NaN" spellings, no trailing text.
var decimalLiteral = regexp.MustCompile(`^[+-]?(?:\d+\.?\d*|\.\d+)(?:[eE][+-]?\d+)?$`)

// ValidValue reports whether s is a finite decimal number.
func ValidValue(s string) bool {
	s = strings.TrimSpace(s)
	if !decimalLiteral.MatchString(s) {
		return false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false
	}
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}
