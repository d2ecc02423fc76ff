package search

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

// NoResultsText is returned when the model produced no text at all.
const NoResultsText = "No related search results found."

// Answer is the outcome of one smart web search.
type Answer struct {
	Text       string
	Queries    []string
	Sources    []Source
	Model      string
	StopReason string
	Usage      Usage
}

// Source is a web page the answer drew on.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	WebSearchRequests int `json:"web_search_requests"`
}

// Render returns the tool output text.
func (a *Answer) Render(includeSources bool) string {
	text := a.Text
	if strings.TrimSpace(text) == "" {
		text = NoResultsText
	}
	if !includeSources || len(a.Sources) == 0 {
		return text
	}

	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nSources:")
	for _, s := range a.Sources {
		b.WriteString("\n- ")
		if s.Title != "" {
			b.WriteString(s.Title)
			b.WriteString(" (")
			b.WriteString(s.URL)
			b.WriteString(")")
		} else {
			b.WriteString(s.URL)
		}
	}
	return b.String()
}

// answerBuilder accumulates content blocks across continuation turns.
type answerBuilder struct {
	texts   []string
	queries []string
	cited   []Source
	found   []Source
	answer  Answer
}

func newAnswerBuilder() *answerBuilder {
	return &answerBuilder{}
}

func (b *answerBuilder) add(ctx context.Context, resp *messagesResponse) {
	logger := zerolog.Ctx(ctx)

	b.answer.Model = resp.Model
	b.answer.StopReason = resp.StopReason
	b.answer.Usage.InputTokens += resp.Usage.InputTokens
	b.answer.Usage.OutputTokens += resp.Usage.OutputTokens
	b.answer.Usage.WebSearchRequests += resp.Usage.ServerToolUse.WebSearchRequests

	for _, raw := range resp.Content {
		var block contentBlock
		if err := json.Unmarshal(raw, &block); err != nil {
			logger.Warn().Err(err).Msg("skipping undecodable content block")
			continue
		}

		switch block.Type {
		case blockText:
			b.texts = append(b.texts, block.Text)
			for _, c := range block.Citations {
				b.cited = appendSource(b.cited, c.Title, c.URL)
			}
		case blockServerToolUse, blockToolUse:
			if block.Name != webSearchToolName {
				continue
			}
			query, err := toolInputQuery(block.Input)
			if err != nil {
				logger.Error().Err(err).Msg("error parsing web_search tool input")
				continue
			}
			logger.Info().Str("actual_query", query).Msg("model issued web search")
			b.queries = append(b.queries, query)
		case blockWebSearchToolResult:
			b.addSearchResult(ctx, block.Content)
		}
	}
}

func (b *answerBuilder) addSearchResult(ctx context.Context, content json.RawMessage) {
	content = bytes.TrimSpace(content)
	if len(content) == 0 {
		return
	}
	if content[0] != '[' {
		var searchErr webSearchError
		if err := json.Unmarshal(content, &searchErr); err == nil && searchErr.ErrorCode != "" {
			zerolog.Ctx(ctx).Warn().Str("error_code", searchErr.ErrorCode).Msg("web search returned an error")
		}
		return
	}

	var results []webSearchResult
	if err := json.Unmarshal(content, &results); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("skipping undecodable web search results")
		return
	}
	for _, r := range results {
		b.found = appendSource(b.found, r.Title, r.URL)
	}
}

func (b *answerBuilder) build() *Answer {
	a := b.answer
	a.Text = strings.Join(b.texts, "\n")
	a.Queries = b.queries
	// cited pages are what the answer relies on; fall back to everything found
	a.Sources = b.cited
	if len(a.Sources) == 0 {
		a.Sources = b.found
	}
	return &a
}

func appendSource(sources []Source, title, url string) []Source {
	if url == "" {
		return sources
	}
	for _, s := range sources {
		if s.URL == url {
			return sources
		}
	}
	return append(sources, Source{Title: title, URL: url})
}

// toolInputQuery reads the query from a tool input that is either an object
// or a JSON-encoded string holding one.
func toolInputQuery(input json.RawMessage) (string, error) {
	input = bytes.TrimSpace(input)
	if len(input) > 0 && input[0] == '"' {
		var encoded string
		if err := json.Unmarshal(input, &encoded); err != nil {
			return "", err
		}
		input = json.RawMessage(encoded)
	}
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	return in.Query, nil
}
