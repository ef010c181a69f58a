package flow

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/NutriPipe/internal/models"
)

// maxClosingLength bounds messages eligible for the closing fast-path.
const maxClosingLength = 15

var closingPhrases = phraseSet(
	"thanks", "thank you", "thx", "ty", "bye", "goodbye", "cheers", "thanks!", "thank you!",
)

var confirmPhrases = phraseSet(
	"yes", "y", "yep", "yeah", "confirm", "confirmed", "ok", "okay", "sure", "do it",
	"sounds good", "correct", "yes please", "go ahead", "looks good",
)

var cancelPhrases = phraseSet(
	"no", "nope", "cancel", "never mind", "nevermind", "stop", "no thanks", "discard",
)

var (
	newRequestPattern = regexp.MustCompile(`^(log|track|save|add)\b`)
	choicePattern     = regexp.MustCompile(`(?i)choice\s*=\s*(\w+)`)
	confirmChoice     = regexp.MustCompile(`(?i)^\s*confirm\s+(log|update|new)\b`)
	portionDirective  = regexp.MustCompile(`(?i)portion:\s*([^,;\n]+)`)
	nameDirective     = regexp.MustCompile(`(?i)name:\s*([^,;\n]+)`)
	selectionReply    = regexp.MustCompile(`^(#|number\s+|option\s+)?\d+[.!]?$`)
)

func phraseSet(phrases ...string) map[string]bool {
	m := make(map[string]bool, len(phrases))
	for _, p := range phrases {
		m[p] = true
	}
	return m
}

// normalize lowercases and trims a message for phrase matching.
func normalize(message string) string {
	return strings.ToLower(strings.TrimSpace(message))
}

// stripTrailing drops trailing punctuation so "yes!" matches "yes".
func stripTrailing(lower string) string {
	return strings.TrimRight(lower, ".!?")
}

// IsClosing reports whether message is a short thanks or goodbye.
func IsClosing(message string) bool {
	lower := normalize(message)
	if len(lower) >= maxClosingLength {
		return false
	}
	return closingPhrases[lower] || closingPhrases[stripTrailing(lower)]
}

// IsConfirmReply reports whether message reads as confirming a pending action
// rather than starting a new log request.
func IsConfirmReply(message string) bool {
	lower := normalize(message)
	if lower == "" || newRequestPattern.MatchString(lower) {
		return false
	}
	if confirmPhrases[lower] || confirmPhrases[stripTrailing(lower)] {
		return true
	}
	if strings.HasPrefix(lower, "confirm") || strings.HasPrefix(lower, "yes, ") {
		return true
	}
	return portionDirective.MatchString(lower) || nameDirective.MatchString(lower)
}

// IsSelectionReply reports whether message is a bare pick from a numbered
// list, such as "2" or "option 2".
func IsSelectionReply(message string) bool {
	return selectionReply.MatchString(normalize(message))
}

// IsCancelReply reports whether message asks to drop a pending action.
func IsCancelReply(message string) bool {
	lower := normalize(message)
	return cancelPhrases[lower] || cancelPhrases[stripTrailing(lower)] || strings.HasPrefix(lower, "cancel")
}

// ParseReplyDirectives extracts the optional choice, portion and name fields
// embedded in a confirmation reply. Unrecognised choices are ignored.
func ParseReplyDirectives(message string) models.ReplyDirectives {
	var d models.ReplyDirectives
	if m := choicePattern.FindStringSubmatch(message); m != nil {
		d.Choice = strings.ToLower(m[1])
	} else if m := confirmChoice.FindStringSubmatch(message); m != nil {
		d.Choice = strings.ToLower(m[1])
	}
	if !models.IsValidChoice(d.Choice) {
		d.Choice = ""
	}
	if m := portionDirective.FindStringSubmatch(message); m != nil {
		d.Portion = strings.TrimSpace(m[1])
	}
	if m := nameDirective.FindStringSubmatch(message); m != nil {
		d.Name = strings.TrimSpace(m[1])
	}
	return d
}

var consumptionKeywords = []string{"ate", "had", "log", "consumption", "portion", "serving", "having"}

// LooksLikeRecipe reports whether message is recipe text to parse: long,
// multi-line, or mentioning a recipe at length, and not describing something eaten.
func LooksLikeRecipe(message string) bool {
	lower := strings.ToLower(message)
	lines := strings.Count(strings.TrimSpace(message), "\n") + 1
	long := len(message) > 200 || lines > 3 || (strings.Contains(lower, "recipe") && len(message) > 50)
	if !long {
		return false
	}
	for _, kw := range consumptionKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}
	return true
}

const (
	maxClassifierRunes = 2000
	truncationMarker   = "\n...[truncated]"
)

// truncateForClassifier caps message at maxClassifierRunes runes, appending a marker when cut.
func truncateForClassifier(message string) string {
	runes := []rune(message)
	if len(runes) <= maxClassifierRunes {
		return message
	}
	return string(runes[:maxClassifierRunes]) + truncationMarker
}
