package messaging

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/NutriPipe/internal/models"
)

const confirmHint = "Reply \"yes\" to confirm or \"no\" to cancel."

// FormatReply renders a turn response as plain chat text. Confirmation cards
// get a yes/no hint and recipe selections get a numbered list, since chat
// channels have no buttons.
func FormatReply(resp models.TurnResponse) string {
	msg := strings.TrimSpace(resp.Message)
	switch resp.ResponseType {
	case models.ResponseRecipeSelection:
		if sel, ok := resp.Data.(models.RecipeSelectionData); ok && len(sel.Recipes) > 0 {
			var b strings.Builder
			b.WriteString(msg)
			for i, r := range sel.Recipes {
				fmt.Fprintf(&b, "\n%d. %s", i+1, r.Name)
			}
			return b.String()
		}
	case models.ResponseConfirmationFoodLog, models.ResponseConfirmationRecipeLog,
		models.ResponseConfirmationRecipeSave, models.ResponseConfirmationGoalUpdate:
		if !strings.Contains(strings.ToLower(msg), "confirm") {
			return msg + "\n\n" + confirmHint
		}
	}
	return msg
}
