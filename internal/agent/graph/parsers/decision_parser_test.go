package parsers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObjectPlainAndFenced(t *testing.T) {
	cases := map[string]string{
		"plain":  `{"next_tool": "fetch_children", "tool_args": {"uid": "PAV-1"}}`,
		"fenced": "```json\n{\"next_tool\": \"fetch_children\", \"tool_args\": {\"uid\": \"PAV-1\"}}\n```",
		"prose":  "Sure! {\"next_tool\": \"fetch_children\", \"tool_args\": {\"uid\": \"PAV-1\"}} hope it helps",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			obj, err := ParseObject(content)
			require.NoError(t, err)
			assert.Equal(t, "fetch_children", obj["next_tool"])
			assert.Equal(t, map[string]any{"uid": "PAV-1"}, obj["tool_args"])
		})
	}
}

func TestParseObjectRepairs(t *testing.T) {
	obj, err := ParseObject(`{'summary': 'ok', "justification": "trailing",}`)
	require.NoError(t, err)
	assert.Equal(t, "ok", obj["summary"])
}

func TestParseObjectBracesInsideStrings(t *testing.T) {
	obj, err := ParseObject(`{"response": "use {uid} here", "x": 1} {"other": 2}`)
	require.NoError(t, err)
	assert.Equal(t, "use {uid} here", obj["response"])
	assert.NotContains(t, obj, "other")
}

func TestParseObjectNoObject(t *testing.T) {
	_, err := ParseObject("I cannot help with that.")
	assert.ErrorIs(t, err, ErrNoObject)
}

func TestParseDecodesLoosely(t *testing.T) {
	var out struct {
		Valid bool     `json:"Valid"`
		Keys  []string `json:"relevant_keys"`
	}
	require.NoError(t, Parse(`{"Valid": "true", "relevant_keys": "Study", "unknown": 3}`, &out))
	assert.True(t, out.Valid)
	assert.Equal(t, []string{"Study"}, out.Keys)
}

func TestSafeSnippet(t *testing.T) {
	long := strings.Repeat("é", maxErrSnippet)
	s := safeSnippet(long)
	assert.True(t, strings.HasSuffix(s, "..."))
	assert.LessOrEqual(t, len(s), maxErrSnippet+3)
}
