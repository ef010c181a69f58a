package intent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/testutil"
)

func TestClassify_ParsesModelJSON(t *testing.T) {
	fake := &testutil.FakeGenAI{PromptReplies: []string{
		"```json\n{\"intent\":\"LOG_FOOD\",\"confidence\":0.93,\"food_items\":[\"egg\"],\"portions\":[\"2\"],\"entities\":[]}\n```",
	}}
	c := NewClassifier(fake)

	d, err := c.Classify(context.Background(), "I had 2 eggs", nil)
	require.NoError(t, err)
	assert.Equal(t, models.IntentLogFood, d.Intent)
	assert.InDelta(t, 0.93, d.Confidence, 1e-9)
	assert.Equal(t, []string{"egg"}, d.FoodItems)
	assert.Equal(t, []string{"2"}, d.Portions)
	require.Len(t, fake.PromptCalls, 1)
	assert.Contains(t, fake.PromptCalls[0].User, "I had 2 eggs")
}

func TestClassify_IncludesRecentHistory(t *testing.T) {
	fake := &testutil.FakeGenAI{PromptReplies: []string{`{"intent":"confirm","confidence":1}`}}
	var history []models.ChatMessage
	for i := 0; i < 10; i++ {
		history = append(history, models.ChatMessage{Role: "user", Content: "msg" + string(rune('a'+i))})
	}

	_, err := NewClassifier(fake).Classify(context.Background(), "yes", history)
	require.NoError(t, err)
	prompt := fake.PromptCalls[0].User
	assert.NotContains(t, prompt, "msga")
	assert.Contains(t, prompt, "msgj")
	assert.True(t, strings.HasSuffix(prompt, "yes"))
}

func TestClassify_Failures(t *testing.T) {
	_, err := NewClassifier(&testutil.FakeGenAI{PromptErr: errors.New("timeout")}).Classify(context.Background(), "hi", nil)
	assert.ErrorContains(t, err, "timeout")

	_, err = NewClassifier(&testutil.FakeGenAI{PromptReplies: []string{"I think it is a greeting"}}).Classify(context.Background(), "hi", nil)
	assert.Error(t, err)

	_, err = NewClassifier(nil).Classify(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, models.ErrCollaboratorMissing)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   models.IntentDecision
		want models.IntentDecision
	}{
		{
			name: "unknown intent",
			in:   models.IntentDecision{Intent: "order_pizza", Confidence: 2},
			want: models.IntentDecision{Intent: models.IntentUnknown, Confidence: 1, FoodItems: []string{}, Portions: []string{}},
		},
		{
			name: "portions aligned with foods",
			in:   models.IntentDecision{Intent: " Log_Food ", Confidence: -1, FoodItems: []string{"egg", " ", "toast"}, Portions: []string{"2"}},
			want: models.IntentDecision{Intent: models.IntentLogFood, Confidence: 0, FoodItems: []string{"egg", "toast"}, Portions: []string{"2", ""}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}
