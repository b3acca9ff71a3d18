package prompts

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderFillsVars(t *testing.T) {
	msgs, err := Render(context.Background(), "navigate", Vars{
		Agent:   "sample_info_retriever",
		Role:    "Fetches one sample.",
		Toolbox: `{"retrieve_sample_info": {}}`,
		Payload: `{"user_query": "hi"}`,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, schema.System, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, `"sample_info_retriever" agent`)
	assert.Contains(t, msgs[0].Content, "Fetches one sample.")
	assert.Contains(t, msgs[0].Content, `{"retrieve_sample_info": {}}`)
	assert.Equal(t, schema.User, msgs[1].Role)
	assert.Equal(t, `{"user_query": "hi"}`, msgs[1].Content)
}

func TestRenderUnknownTask(t *testing.T) {
	_, err := Render(context.Background(), "nope", Vars{})
	assert.Error(t, err)
	assert.False(t, Has("nope"))
}

func TestEveryDecisionTaskHasATemplate(t *testing.T) {
	for _, task := range []string{"triage", "parse", "schema", "navigate", "supervise", "respond", "summarize", "format", "validate"} {
		assert.True(t, Has(task), task)
	}
}
