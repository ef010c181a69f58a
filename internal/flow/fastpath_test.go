package flow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/NutriPipe/internal/models"
)

func TestIsClosing(t *testing.T) {
	for msg, want := range map[string]bool{
		"thanks":               true,
		"Thank you!":           true,
		" bye ":                true,
		"thanks for the help!": false,
		"thanks, log an apple": false,
		"ok":                   false,
	} {
		assert.Equal(t, want, IsClosing(msg), msg)
	}
}

func TestIsConfirmReply(t *testing.T) {
	for msg, want := range map[string]bool{
		"yes":                   true,
		"Yes!":                  true,
		"confirm update":        true,
		"yes, but make it two":  true,
		"portion: 2 cups":       true,
		"name: Sunday Chili":    true,
		"log 2 eggs":            false,
		"save my recipe":        false,
		"add a banana, confirm": false,
		"what about lunch?":     false,
	} {
		assert.Equal(t, want, IsConfirmReply(msg), msg)
	}
}

func TestIsCancelReply(t *testing.T) {
	for msg, want := range map[string]bool{
		"no":               true,
		"Never mind.":      true,
		"cancel that":      true,
		"no, log it twice": false,
		"nothing else":     false,
	} {
		assert.Equal(t, want, IsCancelReply(msg), msg)
	}
}

func TestIsSelectionReply(t *testing.T) {
	for msg, want := range map[string]bool{
		"2":        true,
		"#1":       true,
		"option 3": true,
		"2 eggs":   false,
		"two":      false,
	} {
		assert.Equal(t, want, IsSelectionReply(msg), msg)
	}
}

func TestParseReplyDirectives(t *testing.T) {
	tests := []struct {
		msg  string
		want models.ReplyDirectives
	}{
		{"yes", models.ReplyDirectives{}},
		{"Confirm log", models.ReplyDirectives{Choice: "log"}},
		{"confirm NEW, name: Sunday Chili", models.ReplyDirectives{Choice: "new", Name: "Sunday Chili"}},
		{"choice=update; portion: 1.5 bowls", models.ReplyDirectives{Choice: "update", Portion: "1.5 bowls"}},
		{"choice=maybe", models.ReplyDirectives{}},
		{"yes, portion: 2\nname: Dal", models.ReplyDirectives{Portion: "2", Name: "Dal"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseReplyDirectives(tt.msg), tt.msg)
	}
}

func TestLooksLikeRecipe(t *testing.T) {
	multiLine := "Banana Bread\n3 bananas\n2 cups flour\n1 cup sugar\nBake 60 min"
	tests := []struct {
		name string
		msg  string
		want bool
	}{
		{"multi-line ingredients", multiLine, true},
		{"long text", strings.Repeat("flour and sugar ", 14), true},
		{"mentions recipe", "here is my grandmother's recipe for pancakes with berries", true},
		{"short", "banana bread", false},
		{"consumption", multiLine + "\nI had two slices", false},
		{"recipe but short", "my soup recipe", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LooksLikeRecipe(tt.msg), tt.name)
	}
}

func TestTruncateForClassifier(t *testing.T) {
	short := strings.Repeat("é", maxClassifierRunes)
	assert.Equal(t, short, truncateForClassifier(short))

	long := strings.Repeat("é", maxClassifierRunes+5)
	got := truncateForClassifier(long)
	assert.True(t, strings.HasSuffix(got, truncationMarker))
	assert.Equal(t, maxClassifierRunes, len([]rune(strings.TrimSuffix(got, truncationMarker))))
}
