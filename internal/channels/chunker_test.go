package channels

import (
	"strings"
	"testing"
)

func TestChunkShortPassthrough(t *testing.T) {
	c := NewChunker(100)
	got := c.Chunk("short message")
	if len(got) != 1 || got[0] != "short message" {
		t.Errorf("Chunk = %v", got)
	}
}

func TestChunkRespectsLimit(t *testing.T) {
	c := NewChunker(50)
	text := strings.Repeat("word ", 100)
	for i, chunk := range c.Chunk(text) {
		if len(chunk) > 50 {
			t.Errorf("chunk %d is %d chars", i, len(chunk))
		}
	}
}

func TestChunkPrefersParagraphBreaks(t *testing.T) {
	c := NewChunker(30)
	text := "first paragraph here\n\nsecond paragraph here"
	got := c.Chunk(text)
	if len(got) != 2 || got[0] != "first paragraph here" {
		t.Errorf("Chunk = %q", got)
	}
}

func TestChunkKeepsShortCodeBlockTogether(t *testing.T) {
	c := NewChunker(60)
	text := "intro line one\nintro line two\n```go\nfunc main() {}\n```"
	got := c.Chunk(text)
	joined := strings.Join(got, "\n")
	if !strings.Contains(joined, "func main() {}") {
		t.Errorf("code lost: %q", got)
	}
	for _, chunk := range got {
		opens := strings.Count(chunk, "```")
		if opens == 1 {
			t.Errorf("chunk splits a code fence: %q", chunk)
		}
	}
}

func TestChunkHardBreakWithoutSpaces(t *testing.T) {
	c := NewChunker(10)
	got := c.Chunk(strings.Repeat("x", 35))
	if len(got) != 4 {
		t.Errorf("chunks = %d, want 4", len(got))
	}
}
