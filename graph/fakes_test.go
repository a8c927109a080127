package graph

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/evidenceflow/evidenceflow/providers"
	"github.com/evidenceflow/evidenceflow/websearch"
)

// fakeGenerator returns canned output, optionally per-call via fn.
type fakeGenerator struct {
	mu       sync.Mutex
	output   string
	fail     bool
	calls    int
	requests []providers.GenerateRequest
}

func (f *fakeGenerator) Generate(_ context.Context, req providers.GenerateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if f.fail {
		return "", errors.New("model unavailable")
	}
	return f.output, nil
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, req providers.GenerateRequest) (<-chan string, <-chan error) {
	out := make(chan string, 4)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		text, err := f.Generate(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		// Emit in two fragments to exercise reassembly.
		mid := len(text) / 2
		if mid > 0 {
			out <- text[:mid]
			out <- text[mid:]
		} else if text != "" {
			out <- text
		}
	}()
	return out, errs
}

func (f *fakeGenerator) Name() string { return "fake-generator" }

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeGenerator) lastRequest() providers.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return providers.GenerateRequest{}
	}
	return f.requests[len(f.requests)-1]
}

// fakeScorer scores by shared-word overlap between query and document, which
// is deterministic and roughly monotone in topical overlap.
type fakeScorer struct{}

func (fakeScorer) Score(_ context.Context, query string, documents []string) ([]float64, error) {
	q := wordSet(query)
	scores := make([]float64, len(documents))
	for i, d := range documents {
		ds := wordSet(d)
		inter := 0
		for w := range q {
			if ds[w] {
				inter++
			}
		}
		if len(q) > 0 {
			scores[i] = float64(inter) / float64(len(q))
		}
	}
	return scores, nil
}

func (fakeScorer) Name() string { return "fake-scorer" }

// failingScorer always errors, forcing the evaluator's keep-incoming-scores
// fallback.
type failingScorer struct{}

func (failingScorer) Score(context.Context, string, []string) ([]float64, error) {
	return nil, errors.New("scorer down")
}

func (failingScorer) Name() string { return "failing-scorer" }

// fakeSearcher returns canned results per query substring; hang simulates an
// unresponsive provider that only ctx cancellation stops.
type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]websearch.Result
	failFor string
	hangFor string
	calls   int
}

func (f *fakeSearcher) Search(ctx context.Context, query string, _ int) ([]websearch.Result, error) {
	f.mu.Lock()
	f.calls++
	failFor, hangFor := f.failFor, f.hangFor
	f.mu.Unlock()

	if hangFor != "" && strings.Contains(query, hangFor) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failFor != "" && strings.Contains(query, failFor) {
		return nil, errors.New("search backend down")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for key, res := range f.results {
		if strings.Contains(query, key) {
			return res, nil
		}
	}
	return []websearch.Result{}, nil
}

func (f *fakeSearcher) Name() string { return "fake-searcher" }
