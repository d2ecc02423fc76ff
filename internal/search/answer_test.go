package search

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnswer_Render(t *testing.T) {
	sources := []Source{
		{Title: "Go", URL: "https://go.dev"},
		{URL: "https://pkg.go.dev"},
	}

	tests := []struct {
		name    string
		answer  Answer
		sources bool
		want    string
	}{
		{
			name:   "text only",
			answer: Answer{Text: "Go is a language.", Sources: sources},
			want:   "Go is a language.",
		},
		{
			name:   "empty text",
			answer: Answer{Text: "  \n"},
			want:   NoResultsText,
		},
		{
			name:    "with sources",
			answer:  Answer{Text: "Go is a language.", Sources: sources},
			sources: true,
			want:    "Go is a language.\n\nSources:\n- Go (https://go.dev)\n- https://pkg.go.dev",
		},
		{
			name:    "sources requested but none found",
			answer:  Answer{Text: "Go is a language."},
			sources: true,
			want:    "Go is a language.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.answer.Render(tt.sources))
		})
	}
}

func TestAnswerBuilder_FallsBackToFoundPages(t *testing.T) {
	var resp messagesResponse
	require.NoError(t, json.Unmarshal([]byte(`{
		"model": "m",
		"stop_reason": "end_turn",
		"content": [
			{"type": "server_tool_use", "name": "web_search", "input": "{\"query\": \"golang release\"}"},
			{"type": "web_search_tool_result", "content": [
				{"type": "web_search_result", "url": "https://go.dev/doc/devel/release", "title": "Release History"},
				{"type": "web_search_result", "url": "https://go.dev/doc/devel/release", "title": "Release History"}
			]},
			{"type": "server_tool_use", "name": "other_tool", "input": {"query": "ignored"}},
			{"type": "web_search_tool_result", "content": {"type": "web_search_tool_result_error", "error_code": "max_uses_exceeded"}},
			{"type": "text", "text": "Go 1.24 is current."}
		],
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`), &resp))

	b := newAnswerBuilder()
	b.add(context.Background(), &resp)
	a := b.build()

	assert.Equal(t, "Go 1.24 is current.", a.Text)
	assert.Equal(t, []string{"golang release"}, a.Queries)
	assert.Equal(t, []Source{{Title: "Release History", URL: "https://go.dev/doc/devel/release"}}, a.Sources)
	assert.Equal(t, 10, a.Usage.InputTokens)
	assert.Equal(t, "m", a.Model)
}

func TestToolInputQuery(t *testing.T) {
	q, err := toolInputQuery(json.RawMessage(`{"query":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, "a", q)

	q, err = toolInputQuery(json.RawMessage(`"{\"query\":\"b\"}"`))
	require.NoError(t, err)
	assert.Equal(t, "b", q)

	_, err = toolInputQuery(json.RawMessage(`"not json"`))
	assert.Error(t, err)
}
