// Package nutrient maps free-form nutrient labels onto the canonical key space
// used for storage, aggregation and goal comparison.
package nutrient

import (
	_ "embed"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var registryYAML []byte

// Nutrient describes one canonical registry entry.
type Nutrient struct {
	Key     string   `yaml:"key" json:"key"`
	Name    string   `yaml:"name" json:"name"`
	Unit    string   `yaml:"unit" json:"unit"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// Registry is an immutable, ordered set of canonical nutrients.
type Registry struct {
	ordered []Nutrient
	byKey   map[string]Nutrient
	byName  map[string]string // lowercase key, display name or alias -> key
}

// Unknown is returned when a label sanitizes to nothing.
const Unknown = "unknown"

// aliases is consulted before anything else.
var aliases = map[string]string{
	"calories":        "calories",
	"kcal":            "calories",
	"energy":          "calories",
	"protein":         "protein_g",
	"carbs":           "carbs_g",
	"carbohydrates":   "carbs_g",
	"fat":             "fat_total_g",
	"monosaturated":   "fat_mono_g",
	"mono fat":        "fat_mono_g",
	"monounsaturated": "fat_mono_g",
	"polyunsaturated": "fat_poly_g",
	"poly fat":        "fat_poly_g",
	"sollubule":       "fiber_soluble_g",
	"soluble":         "fiber_soluble_g",
	"insoluble":       "fiber_g",
	"added sugar":     "sugar_added_g",
	"added_sugar":     "sugar_added_g",
}

var (
	whitespace = regexp.MustCompile(`\s+`)
	nonSlug    = regexp.MustCompile(`[^a-z0-9_]+`)
	underscore = regexp.MustCompile(`_+`)
	tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)
)

var defaultRegistry = mustLoad(registryYAML)

// LoadRegistry parses a YAML registry document.
func LoadRegistry(data []byte) (*Registry, error) {
	var doc struct {
		Nutrients []Nutrient `yaml:"nutrients"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse nutrient registry: %w", err)
	}
	if len(doc.Nutrients) == 0 {
		return nil, fmt.Errorf("nutrient registry is empty")
	}
	r := &Registry{
		byKey:  make(map[string]Nutrient, len(doc.Nutrients)),
		byName: make(map[string]string, len(doc.Nutrients)*2),
	}
	for _, n := range doc.Nutrients {
		if n.Key == "" || n.Name == "" {
			return nil, fmt.Errorf("nutrient registry entry missing key or name: %+v", n)
		}
		if _, dup := r.byKey[n.Key]; dup {
			return nil, fmt.Errorf("duplicate nutrient key %q", n.Key)
		}
		r.ordered = append(r.ordered, n)
		r.byKey[n.Key] = n
		r.byName[strings.ToLower(n.Key)] = n.Key
		r.byName[strings.ToLower(n.Name)] = n.Key
		for _, a := range n.Aliases {
			r.byName[strings.ToLower(a)] = n.Key
		}
	}
	return r, nil
}

func mustLoad(data []byte) *Registry {
	r, err := LoadRegistry(data)
	if err != nil {
		panic(err)
	}
	return r
}

// Default returns the embedded registry.
func Default() *Registry { return defaultRegistry }

// Resolve maps label to a canonical key using the embedded registry.
func Resolve(label string) string { return defaultRegistry.Resolve(label) }

// Resolve maps an arbitrary nutrient label to a canonical key. It never fails:
// unmatched labels come back as a sanitized slug, and labels with nothing left
// after sanitizing come back as Unknown.
func (r *Registry) Resolve(label string) string {
	l := whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(label)), " ")

	if key, ok := aliases[l]; ok {
		return key
	}

	if key, ok := r.byName[l]; ok {
		return key
	}
	if len(l) > 4 {
		for _, n := range r.ordered {
			if strings.Contains(strings.ToLower(n.Name), l) {
				return n.Key
			}
		}
	}

	if key := substringFallback(l); key != "" {
		return key
	}

	return slug(l)
}

// substringFallback applies the ordered keyword rules. Mono and poly are
// checked before "sat" and "fat" so unsaturated labels do not collapse.
func substringFallback(l string) string {
	has := func(s string) bool { return strings.Contains(l, s) }
	switch {
	case has("protein"):
		return "protein_g"
	case has("carb"):
		return "carbs_g"
	case has("mono"):
		return "fat_mono_g"
	case has("poly"):
		return "fat_poly_g"
	case has("trans"):
		return "fat_trans_g"
	case has("sat") && !has("mono") && !has("poly"):
		return "fat_saturated_g"
	case has("fat") && !has("total"):
		return "fat_total_g"
	case has("fiber") && has("sol"):
		return "fiber_soluble_g"
	case has("fiber"):
		return "fiber_g"
	case has("sugar") && has("add"):
		return "sugar_added_g"
	case has("sugar"):
		return "sugar_g"
	case has("sodium"):
		return "sodium_mg"
	case has("potassium"):
		return "potassium_mg"
	case has("cholesterol"):
		return "cholesterol_mg"
	case has("calcium"):
		return "calcium_mg"
	case has("iron"):
		return "iron_mg"
	case has("magnesium"):
		return "magnesium_mg"
	}
	if has("vit") {
		letters := vitaminLetters(l)
		for _, v := range []struct{ letter, key string }{
			{"a", "vitamin_a_mcg"},
			{"c", "vitamin_c_mg"},
			{"d", "vitamin_d_mcg"},
			{"e", "vitamin_e_mg"},
			{"k", "vitamin_k_mcg"},
		} {
			if letters[v.letter] {
				return v.key
			}
		}
	}
	return ""
}

// vitaminLetters collects standalone single-letter tokens, plus the letter
// glued onto "vitamin" as in "vitaminc".
func vitaminLetters(l string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range tokenSplit.Split(l, -1) {
		switch {
		case len(tok) == 1:
			out[tok] = true
		case strings.HasPrefix(tok, "vitamin") && len(tok) == len("vitamin")+1:
			out[tok[len("vitamin"):]] = true
		}
	}
	return out
}

func slug(l string) string {
	s := nonSlug.ReplaceAllString(l, "_")
	s = underscore.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return Unknown
	}
	return s
}

// Lookup returns the registry entry for key.
func (r *Registry) Lookup(key string) (Nutrient, bool) {
	n, ok := r.byKey[key]
	return n, ok
}

// All returns the registry entries in declaration order.
func (r *Registry) All() []Nutrient {
	out := make([]Nutrient, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// DisplayName returns the human readable name for key, or key itself when unknown.
func (r *Registry) DisplayName(key string) string {
	if n, ok := r.byKey[key]; ok {
		return n.Name
	}
	return key
}

// Unit returns the unit for key, or "" when unknown.
func (r *Registry) Unit(key string) string {
	return r.byKey[key].Unit
}

// NormalizeMap resolves every label in m and sums values that collide on the same key.
func (r *Registry) NormalizeMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	// Sorted for deterministic float summation.
	labels := make([]string, 0, len(m))
	for k := range m {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	for _, k := range labels {
		out[r.Resolve(k)] += m[k]
	}
	return out
}

// NormalizeMap resolves labels using the embedded registry.
func NormalizeMap(m map[string]float64) map[string]float64 {
	return defaultRegistry.NormalizeMap(m)
}

// Scale multiplies every value by factor, rounding to two decimals.
func Scale(m map[string]float64, factor float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = round2(v * factor)
	}
	return out
}

// Sum adds maps key by key.
func Sum(maps ...map[string]float64) map[string]float64 {
	out := map[string]float64{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = round2(out[k] + v)
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
