package retrieval

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChunkingStrategy selects how a collection splits documents. A collection
// uses exactly one strategy; mixing them would break parent expansion at
// query time.
type ChunkingStrategy string

const (
	// StrategyFlat splits documents into fixed-size windows with overlap.
	// Every chunk is a leaf.
	StrategyFlat ChunkingStrategy = "flat"
	// StrategyHierarchical splits documents into large parent windows, then
	// splits each parent into small child windows. Children are embedded and
	// searched; parents provide expanded context on a match.
	StrategyHierarchical ChunkingStrategy = "hierarchical"
)

// ChunkingConfig configures a chunker. Sizes are in tokens.
type ChunkingConfig struct {
	Strategy     ChunkingStrategy `json:"strategy" yaml:"strategy"`
	ChunkSize    int              `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int              `json:"chunk_overlap" yaml:"chunk_overlap"`

	// Hierarchical only: child window sizing. The parent window uses
	// ChunkSize/ChunkOverlap.
	ChildSize    int `json:"child_size" yaml:"child_size"`
	ChildOverlap int `json:"child_overlap" yaml:"child_overlap"`
}

// DefaultChunkingConfig returns production defaults: flat 800-token windows
// with 100 tokens of overlap, hierarchical children at 400/50.
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		Strategy:     StrategyFlat,
		ChunkSize:    800,
		ChunkOverlap: 100,
		ChildSize:    400,
		ChildOverlap: 50,
	}
}

// Validate checks size relationships.
func (c ChunkingConfig) Validate() error {
	if c.Strategy != StrategyFlat && c.Strategy != StrategyHierarchical {
		return fmt.Errorf("unknown chunking strategy %q", c.Strategy)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk_overlap must be in [0, chunk_size)")
	}
	if c.Strategy == StrategyHierarchical {
		if c.ChildSize <= 0 || c.ChildSize >= c.ChunkSize {
			return fmt.Errorf("child_size must be in (0, chunk_size)")
		}
		if c.ChildOverlap < 0 || c.ChildOverlap >= c.ChildSize {
			return fmt.Errorf("child_overlap must be in [0, child_size)")
		}
	}
	return nil
}

// Chunker splits document text into retrieval units.
type Chunker struct {
	config    ChunkingConfig
	tokenizer Tokenizer
	logger    *zap.Logger
}

// NewChunker creates a chunker. A nil tokenizer falls back to character
// estimation.
func NewChunker(config ChunkingConfig, tokenizer Tokenizer, logger *zap.Logger) *Chunker {
	if tokenizer == nil {
		tokenizer = EstimateTokenizer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{
		config:    config,
		tokenizer: tokenizer,
		logger:    logger.With(zap.String("component", "chunker")),
	}
}

// ChunkDocument splits the document under the configured strategy. Ordinals
// are assigned in document order and are unique within the document, so they
// serve as the deterministic tie-break key at query time.
func (c *Chunker) ChunkDocument(doc Document) []Chunk {
	switch c.config.Strategy {
	case StrategyHierarchical:
		return c.hierarchical(doc)
	default:
		return c.flat(doc)
	}
}

func (c *Chunker) flat(doc Document) []Chunk {
	pieces := c.split(doc.Content, c.config.ChunkSize, c.config.ChunkOverlap)

	chunks := make([]Chunk, 0, len(pieces))
	for i, text := range pieces {
		chunks = append(chunks, Chunk{
			ID:         chunkID(doc.ID, i),
			DocumentID: doc.ID,
			Scope:      doc.Scope,
			Text:       text,
			Ordinal:    i,
			Metadata:   chunkMetadata(doc),
		})
	}

	c.logger.Debug("flat chunking completed",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)))
	return chunks
}

func (c *Chunker) hierarchical(doc Document) []Chunk {
	parents := c.split(doc.Content, c.config.ChunkSize, c.config.ChunkOverlap)

	chunks := make([]Chunk, 0, len(parents)*3)
	ordinal := 0
	for _, parentText := range parents {
		parent := Chunk{
			ID:         chunkID(doc.ID, ordinal),
			DocumentID: doc.ID,
			Scope:      doc.Scope,
			Text:       parentText,
			Ordinal:    ordinal,
			Metadata:   chunkMetadata(doc),
		}
		chunks = append(chunks, parent)
		ordinal++

		for _, childText := range c.split(parentText, c.config.ChildSize, c.config.ChildOverlap) {
			chunks = append(chunks, Chunk{
				ID:         chunkID(doc.ID, ordinal),
				DocumentID: doc.ID,
				Scope:      doc.Scope,
				Text:       childText,
				Ordinal:    ordinal,
				ParentID:   parent.ID,
				Metadata:   chunkMetadata(doc),
			})
			ordinal++
		}
	}

	c.logger.Debug("hierarchical chunking completed",
		zap.String("document_id", doc.ID),
		zap.Int("parents", len(parents)),
		zap.Int("total", len(chunks)))
	return chunks
}

// split greedily accumulates separator-delimited segments up to size tokens,
// carrying overlap tokens of trailing text into the next window. Separator
// priority: paragraph, line, sentence, word.
func (c *Chunker) split(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if c.tokenizer.CountTokens(text) <= size {
		return []string{text}
	}

	segments := segmentText(text)

	var pieces []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		piece := strings.TrimSpace(current.String())
		if piece != "" {
			pieces = append(pieces, piece)
		}
		current.Reset()
		currentTokens = 0
		if overlap > 0 && piece != "" {
			tail := tailTokens(piece, overlap, c.tokenizer)
			if tail != "" && tail != piece {
				current.WriteString(tail)
				current.WriteString(" ")
				currentTokens = c.tokenizer.CountTokens(tail)
			}
		}
	}

	for _, seg := range segments {
		segTokens := c.tokenizer.CountTokens(seg)
		if currentTokens > 0 && currentTokens+segTokens > size {
			flush()
		}
		// A single oversized segment is hard-split by words.
		if segTokens > size {
			for _, word := range strings.Fields(seg) {
				wordTokens := c.tokenizer.CountTokens(word)
				if currentTokens > 0 && currentTokens+wordTokens > size {
					flush()
				}
				current.WriteString(word)
				current.WriteString(" ")
				currentTokens += wordTokens
			}
			continue
		}
		current.WriteString(seg)
		currentTokens += segTokens
	}
	if piece := strings.TrimSpace(current.String()); piece != "" {
		pieces = append(pieces, piece)
	}
	return pieces
}

// segmentText splits text into paragraph/sentence-ish segments, keeping
// delimiters attached.
func segmentText(text string) []string {
	var segments []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		start := 0
		runes := []rune(para)
		for i, r := range runes {
			if r == '.' || r == '!' || r == '?' || r == '\n' {
				seg := strings.TrimSpace(string(runes[start : i+1]))
				if seg != "" {
					segments = append(segments, seg+" ")
				}
				start = i + 1
			}
		}
		if start < len(runes) {
			seg := strings.TrimSpace(string(runes[start:]))
			if seg != "" {
				segments = append(segments, seg+" ")
			}
		}
		segments = append(segments, "\n\n")
	}
	return segments
}

// tailTokens returns roughly the last n tokens of text, cut on a word
// boundary.
func tailTokens(text string, n int, tok Tokenizer) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	for start := len(words) - 1; start >= 0; start-- {
		candidate := strings.Join(words[start:], " ")
		if tok.CountTokens(candidate) >= n {
			return candidate
		}
	}
	return strings.Join(words, " ")
}

func chunkID(docID string, ordinal int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s#%d", docID, ordinal))).String()
}

func chunkMetadata(doc Document) map[string]string {
	md := map[string]string{"source_file": doc.Filename}
	for k, v := range doc.Metadata {
		md[k] = v
	}
	return md
}
