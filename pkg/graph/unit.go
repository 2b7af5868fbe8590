package graph

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/loader"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkoukk/tiktoken-go"
)

const (
	DefaultEncoding    = "o200k_base"
	DefaultChunkTokens = 500
)

// Chunker splits a document into token-limited chunks. Chunks are the
// provenance unit of extracted entities and relationships.
type Chunker interface {
	Chunks(ctx context.Context, documentID string, maxTokens int) ([]common.Chunk, error)
}

// TokenChunker is a sentence-aware chunker. It never splits inside a
// sentence or a markdown table; it packs whole sentences into a chunk until
// the next one would exceed the token budget. Start and End are sentence
// indices into the document.
type TokenChunker struct {
	source   loader.TextSource
	encoding string
}

func NewTokenChunker(source loader.TextSource) *TokenChunker {
	return &TokenChunker{source: source, encoding: DefaultEncoding}
}

// WithEncoding selects a different tiktoken encoding.
func (c *TokenChunker) WithEncoding(encoding string) *TokenChunker {
	c.encoding = encoding
	return c
}

func (c *TokenChunker) Chunks(ctx context.Context, documentID string, maxTokens int) ([]common.Chunk, error) {
	textBytes, err := c.source.DocumentText(ctx, documentID)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(string(textBytes))
	if text == "" {
		return nil, nil
	}
	if maxTokens <= 0 {
		maxTokens = DefaultChunkTokens
	}
	return chunkText(text, documentID, c.encoding, maxTokens)
}

func chunkText(text string, documentID string, encoding string, maxTokens int) ([]common.Chunk, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}

	sentences := splitIntoSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}

	var chunks []common.Chunk
	start := -1
	tokens := 0

	flush := func(end int) error {
		if start < 0 || end <= start {
			return nil
		}
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		chunks = append(chunks, common.Chunk{
			ID:         id,
			DocumentID: documentID,
			Index:      len(chunks),
			Start:      start,
			End:        end,
			Text:       strings.Join(sentences[start:end], " "),
		})
		start = -1
		tokens = 0
		return nil
	}

	for i, sentence := range sentences {
		// +1 for the joining space.
		n := len(enc.Encode(sentence, nil, nil)) + 1
		if start >= 0 && tokens+n > maxTokens {
			if err := flush(i); err != nil {
				return nil, err
			}
		}
		if start < 0 {
			start = i
		}
		tokens += n
	}
	if err := flush(len(sentences)); err != nil {
		return nil, err
	}

	return chunks, nil
}

var tableDelimiter = regexp.MustCompile(`^\s*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)+\|?\s*$`)

func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed != "" && strings.Contains(trimmed, "|")
}

func endsSentence(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?")
}

// splitIntoSentences turns text into sentences. A sentence may span
// multiple lines; an empty line always ends one. A markdown table with a
// delimiter row is kept together as one sentence, a pipe row without one is
// its own sentence.
func splitIntoSentences(text string) []string {
	lines := strings.Split(text, "\n")

	var sentences []string
	var current strings.Builder
	emit := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}
	appendProse := func(line string) {
		for _, sentence := range splitLineIntoSentences(line) {
			if current.Len() > 0 {
				current.WriteString(" ")
			}
			current.WriteString(sentence)
			if endsSentence(sentence) {
				emit()
			}
		}
	}

	inTable := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		switch {
		case inTable && isTableRow(line):
			current.WriteString("\n")
			current.WriteString(line)

		case inTable:
			inTable = false
			emit()
			if trimmed != "" {
				appendProse(trimmed)
			}

		case isTableRow(line) && i+1 < len(lines) && tableDelimiter.MatchString(strings.TrimSpace(lines[i+1])):
			emit()
			inTable = true
			current.WriteString(line)

		case isTableRow(line):
			emit()
			sentences = append(sentences, trimmed)

		case trimmed == "":
			emit()

		default:
			appendProse(trimmed)
		}
	}
	emit()

	return sentences
}

// splitLineIntoSentences splits one line at sentence punctuation. Runs of
// punctuation and closing quotes or brackets stay with their sentence, and
// "1. " style numbering does not end a sentence.
func splitLineIntoSentences(line string) []string {
	var sentences []string
	var current strings.Builder

	isClosing := func(b byte) bool {
		return b == '"' || b == '\'' || b == ')' || b == ']' || b == '}'
	}
	isTerminal := func(b byte) bool {
		return b == '.' || b == '!' || b == '?'
	}

	for i := 0; i < len(line); i++ {
		current.WriteByte(line[i])
		if !isTerminal(line[i]) {
			continue
		}
		if i > 0 && unicode.IsDigit(rune(line[i-1])) && i+1 < len(line) && line[i+1] == ' ' {
			continue
		}

		j := i + 1
		for j < len(line) && isTerminal(line[j]) {
			current.WriteByte(line[j])
			j++
		}
		for j < len(line) && isClosing(line[j]) {
			current.WriteByte(line[j])
			j++
		}

		if s := strings.TrimSpace(current.String()); s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
		i = j - 1
	}

	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
