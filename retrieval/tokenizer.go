package retrieval

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer counts tokens for chunk sizing and context budgeting.
type Tokenizer interface {
	CountTokens(text string) int
}

// TiktokenTokenizer counts tokens with a tiktoken encoding.
type TiktokenTokenizer struct {
	encoding *tiktoken.Tiktoken
	logger   *zap.Logger
}

// NewTiktokenTokenizer creates a tokenizer for the given encoding name
// (e.g. "cl100k_base").
func NewTiktokenTokenizer(encodingName string, logger *zap.Logger) (*TiktokenTokenizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("get tiktoken encoding %q: %w", encodingName, err)
	}
	return &TiktokenTokenizer{encoding: enc, logger: logger}, nil
}

// CountTokens returns the token count for the text.
func (t *TiktokenTokenizer) CountTokens(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// EstimateTokenizer approximates one token per four characters. Used as the
// fallback when no tiktoken encoding is available, and in tests.
type EstimateTokenizer struct{}

func (EstimateTokenizer) CountTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		return 1
	}
	return n
}
