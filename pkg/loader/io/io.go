package io

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/loader"
)

// DefaultExtensions are tried in order when looking up a document file.
var DefaultExtensions = []string{"", ".txt", ".md"}

// IOTextSource loads document text from a directory on the local
// filesystem. A document with id X is read from <root>/X, <root>/X.txt or
// <root>/X.md, whichever exists first. Results are cached.
type IOTextSource struct {
	root       string
	extensions []string
	cache      *loader.Cache
}

// NewIOTextSource creates a filesystem text source rooted at dir.
func NewIOTextSource(dir string) *IOTextSource {
	return &IOTextSource{
		root:       dir,
		extensions: DefaultExtensions,
		cache:      loader.NewCache(),
	}
}

// DocumentText reads the document from disk.
func (l *IOTextSource) DocumentText(ctx context.Context, documentID string) ([]byte, error) {
	if documentID == "" || filepath.Base(documentID) != documentID {
		return nil, common.Invalid("document_id", fmt.Errorf("invalid document id %q", documentID))
	}
	return l.cache.Get(documentID, func() ([]byte, error) {
		for _, ext := range l.extensions {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			b, err := os.ReadFile(filepath.Join(l.root, documentID+ext))
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read document %s: %w", documentID, err)
			}
			return b, nil
		}
		return nil, fmt.Errorf("document %s in %s: %w", documentID, l.root, common.ErrNotFound)
	})
}

// PutDocumentText writes the text to <root>/<id>.txt and drops any cached
// copy.
func (l *IOTextSource) PutDocumentText(ctx context.Context, documentID string, text []byte) error {
	if documentID == "" || filepath.Base(documentID) != documentID {
		return common.Invalid("document_id", fmt.Errorf("invalid document id %q", documentID))
	}
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", l.root, err)
	}
	if err := os.WriteFile(filepath.Join(l.root, documentID+".txt"), text, 0o644); err != nil {
		return fmt.Errorf("write document %s: %w", documentID, err)
	}
	l.cache.Forget(documentID)
	return nil
}
