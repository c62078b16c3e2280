package text

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkMarkdown(t *testing.T) {
	t.Run("Short Article", func(t *testing.T) {
		text := "Hello world, this is an article."
		chunks := ChunkMarkdown(text, 100, 10)
		require.Len(t, chunks, 1)
		assert.Equal(t, ChunkResult{Content: text, Type: ChunkTypeProse}, chunks[0])
	})

	t.Run("Sections", func(t *testing.T) {
		text := "Intro paragraph.\n\n## Setup\nStep one.\n\n## Usage\nRun it."
		chunks := ChunkMarkdown(text, 100, 10)
		require.Len(t, chunks, 3)
		assert.Equal(t, "Intro paragraph.", chunks[0].Content)
		assert.Empty(t, chunks[0].Heading)
		assert.Equal(t, "## Setup\nStep one.", chunks[1].Content)
		assert.Equal(t, "Setup", chunks[1].Heading)
		assert.Equal(t, "## Usage\nRun it.", chunks[2].Content)
		assert.Equal(t, "Usage", chunks[2].Heading)
	})

	t.Run("Heading Without Body", func(t *testing.T) {
		chunks := ChunkMarkdown("## Empty\n\n## Full\nBody text.", 100, 0)
		require.Len(t, chunks, 1)
		assert.Equal(t, "Full", chunks[0].Heading)
	})

	t.Run("Code Block", func(t *testing.T) {
		chunks := ChunkMarkdown("```json\n{\"a\": 1}\n```", 100, 0)
		require.Len(t, chunks, 1)
		assert.Equal(t, ChunkTypeCode, chunks[0].Type)
		assert.Equal(t, "json", chunks[0].Language)
	})

	t.Run("Heading Inside Code Is Not A Section", func(t *testing.T) {
		chunks := ChunkMarkdown("Run this:\n\n```sh\n# comment\nls\n```", 100, 0)
		require.Len(t, chunks, 1)
		assert.Empty(t, chunks[0].Heading)
		assert.Equal(t, ChunkTypeProse, chunks[0].Type)
	})

	t.Run("Large Code Block Split", func(t *testing.T) {
		body := strings.Repeat("1234567890\n", 4) + "1234567890"
		chunks := ChunkMarkdown("```go\n"+body+"\n```", 10, 0)
		require.Len(t, chunks, 3)
		for _, c := range chunks {
			assert.Equal(t, ChunkTypeCode, c.Type)
			assert.True(t, strings.HasPrefix(c.Content, "```go\n"))
			assert.True(t, strings.HasSuffix(c.Content, "\n```"))
			assert.LessOrEqual(t, len(c.Content), 40)
		}
	})

	t.Run("Overlap", func(t *testing.T) {
		text := "alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo lima mike november oscar papa"
		chunks := ChunkMarkdown(text, 10, 5)

		var got []string
		for _, c := range chunks {
			got = append(got, c.Content)
			assert.LessOrEqual(t, len(c.Content), 40)
		}
		assert.Equal(t, []string{
			"alpha bravo\n\ncharlie delta echo",
			"charlie delta echo\n\nfoxtrot golf hotel",
			"foxtrot golf hotel\n\nindia juliet kilo",
			"india juliet kilo\n\nlima mike november",
			"lima mike november\n\noscar papa",
		}, got)
	})

	t.Run("No Overlap Keeps Every Word Once", func(t *testing.T) {
		text := "alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo lima mike november oscar papa"
		chunks := ChunkMarkdown(text, 10, 0)
		require.Greater(t, len(chunks), 1)

		var words []string
		for _, c := range chunks {
			words = append(words, strings.Fields(c.Content)...)
		}
		assert.Equal(t, strings.Fields(text), words)
	})

	t.Run("Long Word", func(t *testing.T) {
		chunks := ChunkMarkdown(strings.Repeat("é", 30), 2, 0)
		require.NotEmpty(t, chunks)
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c.Content), 8)
			assert.True(t, strings.Trim(c.Content, "é") == "")
		}
	})

	t.Run("Zero Budget", func(t *testing.T) {
		assert.Nil(t, ChunkMarkdown("anything", 0, 0))
	})
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("éé"))
}
