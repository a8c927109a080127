package graph

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// ExplicitFlags are per-turn routing overrides supplied by the caller. A nil
// pointer leaves the decision to the classifier.
type ExplicitFlags struct {
	DoRetrieval *bool
	DoSearch    *bool
}

// Intent decides whether a turn needs document retrieval, web search, both,
// or neither. Richer classifiers plug in behind the same interface.
type Intent interface {
	Classify(ctx context.Context, query string, flags *ExplicitFlags) (doRetrieval, doSearch bool, err error)
}

var (
	retrievalKeywords = []string{"pdf", "document", "doc", "file", "attachment"}
	searchKeywords    = []string{"search", "latest", "updates", "recent", "web", "internet"}
)

// KeywordIntent routes on trigger words in the query. Caller flags, when
// present, override the keyword decision per capability.
type KeywordIntent struct {
	logger *zap.Logger
}

// NewKeywordIntent creates the default keyword classifier.
func NewKeywordIntent(logger *zap.Logger) *KeywordIntent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeywordIntent{logger: logger.With(zap.String("component", "intent"))}
}

// Classify inspects the query for retrieval and search trigger words.
func (k *KeywordIntent) Classify(_ context.Context, query string, flags *ExplicitFlags) (bool, bool, error) {
	lower := strings.ToLower(query)

	doRetrieval := containsAny(lower, retrievalKeywords)
	doSearch := containsAny(lower, searchKeywords)

	if flags != nil {
		if flags.DoRetrieval != nil {
			doRetrieval = *flags.DoRetrieval
		}
		if flags.DoSearch != nil {
			doSearch = *flags.DoSearch
		}
	}

	k.logger.Debug("intent classified",
		zap.Bool("do_retrieval", doRetrieval),
		zap.Bool("do_search", doSearch))
	return doRetrieval, doSearch, nil
}

func containsAny(haystack string, words []string) bool {
	for _, w := range words {
		if containsWord(haystack, w) {
			return true
		}
	}
	return false
}

// containsWord matches on word boundaries so "doc" does not fire on
// "doctor".
func containsWord(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(haystack[start-1])
		afterOK := end == len(haystack) || !isWordChar(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}
