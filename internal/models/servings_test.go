package models

import "testing"

func TestParseServings(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"2", 2, true},
		{"1.5 servings", 1.5, true},
		{"1/2", 0.5, true},
		{"1 1/2 bowls", 1.5, true},
		{"half a plate", 0.5, true},
		{"two", 2, true},
		{"0", 0, false},
		{"1/0", 0, false},
		{"", 0, false},
		{"some", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseServings(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParseServings(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
