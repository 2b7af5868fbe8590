package graph

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/OFFIS-RIT/kgraph/pkg/ai"
)

// fakeAI answers structured calls with the JSON returned by format and
// plain completions with complete. Calls are counted per name.
type fakeAI struct {
	mu       sync.Mutex
	calls    map[string]int
	prompts  []string
	format   func(name, prompt string) (string, error)
	complete func(prompt string) (string, error)
}

func newFakeAI() *fakeAI {
	return &fakeAI{calls: make(map[string]int)}
}

func (f *fakeAI) record(name, prompt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	f.prompts = append(f.prompts, prompt)
}

func (f *fakeAI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	f.record("completion", prompt)
	if f.complete == nil {
		return "condensed", nil
	}
	return f.complete(prompt)
}

func (f *fakeAI) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	f.record(name, prompt)
	if f.format == nil {
		return nil
	}
	raw, err := f.format(name, prompt)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

func (f *fakeAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	f.record("embedding", string(input))
	return []float32{float32(len(input)), 1}, nil
}

func (f *fakeAI) ResetMetrics() {}

func (f *fakeAI) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }
