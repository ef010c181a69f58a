package models

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	fractionPattern = regexp.MustCompile(`^(\d+)\s*/\s*(\d+)`)
	mixedPattern    = regexp.MustCompile(`^(\d+)\s+(\d+)\s*/\s*(\d+)`)
	decimalPattern  = regexp.MustCompile(`^\d+(\.\d+)?|^\.\d+`)
)

var servingWords = map[string]float64{
	"a":       1,
	"an":      1,
	"one":     1,
	"single":  1,
	"half":    0.5,
	"quarter": 0.25,
	"two":     2,
	"couple":  2,
	"double":  2,
	"three":   3,
	"four":    4,
	"five":    5,
	"six":     6,
	"seven":   7,
	"eight":   8,
	"nine":    9,
	"ten":     10,
}

// ParseServings extracts a serving multiplier from a portion string such as
// "2", "1.5 servings", "1/2", "1 1/2 bowls" or "half".
// It returns ok=false when no positive quantity is recognised.
func ParseServings(portion string) (float64, bool) {
	s := strings.ToLower(strings.TrimSpace(portion))
	if s == "" {
		return 0, false
	}
	if m := mixedPattern.FindStringSubmatch(s); m != nil {
		whole, _ := strconv.ParseFloat(m[1], 64)
		num, _ := strconv.ParseFloat(m[2], 64)
		den, _ := strconv.ParseFloat(m[3], 64)
		if den > 0 {
			return positive(whole + num/den)
		}
	}
	if m := fractionPattern.FindStringSubmatch(s); m != nil {
		num, _ := strconv.ParseFloat(m[1], 64)
		den, _ := strconv.ParseFloat(m[2], 64)
		if den > 0 {
			return positive(num / den)
		}
		return 0, false
	}
	if m := decimalPattern.FindString(s); m != "" {
		v, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0, false
		}
		return positive(v)
	}
	first := strings.Fields(s)[0]
	if v, ok := servingWords[first]; ok {
		return v, true
	}
	return 0, false
}

func positive(v float64) (float64, bool) {
	if v <= 0 {
		return 0, false
	}
	return v, true
}
