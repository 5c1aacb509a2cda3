package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantKey string
	}{
		{"plain object", `{"summary": "ok"}`, "summary"},
		{"fenced json", "Here you go:\n```json\n{\"summary\": \"ok\"}\n```\nThanks", "summary"},
		{"fenced without language", "```\n{\"files\": []}\n```", "files"},
		{"prose around object", `Result: {"status": "done"} hope this helps`, "status"},
		{"comments and trailing comma", "{\n  \"url\": \"http://x.io/a\", // link\n  \"n\": 1,\n}", "url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out map[string]any
			require.NoError(t, DecodeJSON(tt.input, &out))
			assert.Contains(t, out, tt.wantKey)
		})
	}
}

func TestDecodeJSON_Errors(t *testing.T) {
	var out map[string]any
	assert.ErrorIs(t, DecodeJSON("no json here", &out), ErrNoJSON)
	assert.Error(t, DecodeJSON("{not: valid}", &out))
}

func TestStripLineComment(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"a": 1, // note`, `"a": 1,`},
		{`"url": "http://example.com"`, `"url": "http://example.com"`},
		{`"q": "say \"//\" here" // c`, `"q": "say \"//\" here"`},
		{`no comment`, `no comment`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripLineComment(tt.in), tt.in)
	}
}
