package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/kgraph/pkg/common"

	"golang.org/x/sync/singleflight"
)

// TextSource returns the plain text of a document. Parsing of the original
// file format happens before a document reaches the pipeline; a TextSource
// only retrieves the already extracted text.
//
// Implementations may load text from disk, object storage, or memory.
type TextSource interface {
	DocumentText(ctx context.Context, documentID string) ([]byte, error)
}

// TextWriter stores the text of an uploaded document.
type TextWriter interface {
	PutDocumentText(ctx context.Context, documentID string, text []byte) error
}

// Cache memoizes document text per document id and collapses concurrent
// loads of the same id into one fetch.
type Cache struct {
	entries map[string][]byte
	mu      sync.RWMutex
	group   singleflight.Group
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string][]byte)}
}

// Get returns the cached text for key or calls fetch once to fill it.
func (c *Cache) Get(key string, fetch func() ([]byte, error)) ([]byte, error) {
	c.mu.RLock()
	if cached, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		if cached, ok := c.entries[key]; ok {
			c.mu.RUnlock()
			return cached, nil
		}
		c.mu.RUnlock()

		b, err := fetch()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = b
		c.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Forget drops a cached entry, e.g. after a document was re-uploaded.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// StaticSource serves document text from memory.
type StaticSource struct {
	mu    sync.RWMutex
	texts map[string][]byte
}

func NewStaticSource(texts map[string]string) *StaticSource {
	s := &StaticSource{texts: make(map[string][]byte, len(texts))}
	for id, text := range texts {
		s.texts[id] = []byte(text)
	}
	return s
}

// Put stores or replaces the text of a document.
func (s *StaticSource) Put(documentID, text string) {
	s.mu.Lock()
	s.texts[documentID] = []byte(text)
	s.mu.Unlock()
}

func (s *StaticSource) DocumentText(ctx context.Context, documentID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	text, ok := s.texts[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, common.ErrNotFound)
	}
	return text, nil
}

func (s *StaticSource) PutDocumentText(ctx context.Context, documentID string, text []byte) error {
	s.Put(documentID, string(text))
	return nil
}
