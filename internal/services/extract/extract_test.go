package extract

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/models"
)

func testDoc() *models.Document {
	return &models.Document{
		Markdown: "# Acme Widgets\n\nPrice: $19.99",
		Metadata: models.DocumentMetadata{SourceURL: "https://acme.test/widgets"},
	}
}

func TestBuildPrompt_SchemaAndContent(t *testing.T) {
	opts := models.ExtractOptions{
		Schema: json.RawMessage(`{"type":"object","properties":{"price":{"type":"number"}}}`),
	}
	prompt := buildPrompt(testDoc(), opts)

	assert.Contains(t, prompt, "JSON schema")
	assert.Contains(t, prompt, `"price"`)
	assert.Contains(t, prompt, "https://acme.test/widgets")
	assert.Contains(t, prompt, "Acme Widgets")
}

func TestBuildPrompt_PromptOnly(t *testing.T) {
	prompt := buildPrompt(testDoc(), models.ExtractOptions{Prompt: "find the price"})

	assert.Contains(t, prompt, "find the price")
	assert.NotContains(t, prompt, "JSON schema")
}

func TestBuildPrompt_DefaultInstruction(t *testing.T) {
	prompt := buildPrompt(testDoc(), models.ExtractOptions{})
	assert.Contains(t, prompt, "key information")
}

func TestBuildPrompt_TruncatesLongContent(t *testing.T) {
	doc := testDoc()
	doc.Markdown = strings.Repeat("a", maxContentChars+5000)
	prompt := buildPrompt(doc, models.ExtractOptions{})
	assert.Less(t, len(prompt), maxContentChars+1000)
}

func TestDocumentContent_PrefersMarkdown(t *testing.T) {
	doc := &models.Document{Markdown: "md", HTML: "html", RawHTML: "raw"}
	assert.Equal(t, "md", documentContent(doc))

	doc.Markdown = ""
	assert.Equal(t, "html", documentContent(doc))

	doc.HTML = ""
	assert.Equal(t, "raw", documentContent(doc))
}

func TestSystemPromptFor(t *testing.T) {
	assert.Equal(t, defaultSystemPrompt, systemPromptFor(models.ExtractOptions{}))
	assert.Equal(t, "custom", systemPromptFor(models.ExtractOptions{SystemPrompt: "custom"}))
}

func TestDecodeResult(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "clean object", input: `{"a":1}`, want: `{"a":1}`},
		{name: "clean array", input: `[1,2]`, want: `[1,2]`},
		{name: "fenced json", input: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "bare fence", input: "```\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "prose around object", input: "Here you go:\n{\"a\":1}\nHope that helps!", want: `{"a":1}`},
		{name: "whitespace", input: "  {\"a\": 1}  ", want: `{"a": 1}`},
		{name: "no json at all", input: "cannot extract anything", wantErr: true},
		{name: "broken json", input: `{"a":`, wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeResult(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestNew_ProviderSelection(t *testing.T) {
	logger := common.GetLogger()

	ext, err := New(&common.LLMConfig{Provider: ""}, logger)
	require.NoError(t, err)
	assert.Nil(t, ext)

	_, err = New(&common.LLMConfig{Provider: "anthropic"}, logger)
	assert.Error(t, err, "missing API key should fail")

	_, err = New(&common.LLMConfig{Provider: "gemini"}, logger)
	assert.Error(t, err, "missing API key should fail")

	_, err = New(&common.LLMConfig{Provider: "bogus"}, logger)
	assert.Error(t, err)
}

func TestNew_AnthropicWithKey(t *testing.T) {
	logger := common.GetLogger()
	ext, err := New(&common.LLMConfig{
		Provider:  "anthropic",
		Anthropic: common.AnthropicConfig{APIKey: "sk-test", Timeout: "30s"},
	}, logger)
	require.NoError(t, err)
	require.NotNil(t, ext)
}
