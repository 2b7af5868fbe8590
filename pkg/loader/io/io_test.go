package io

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/OFFIS-RIT/kgraph/pkg/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOTextSource_ReadsKnownExtensions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d1.md"), []byte("# Acme"), 0o644))
	src := NewIOTextSource(dir)

	text, err := src.DocumentText(t.Context(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "# Acme", string(text))

	_, err = src.DocumentText(t.Context(), "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = src.DocumentText(t.Context(), "../d1")
	assert.Equal(t, common.KindInvalid, common.KindOf(err))
}

func TestIOTextSource_PutReplacesCachedText(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "docs")
	src := NewIOTextSource(dir)

	require.NoError(t, src.PutDocumentText(t.Context(), "d1", []byte("first")))
	text, err := src.DocumentText(t.Context(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "first", string(text))

	require.NoError(t, src.PutDocumentText(t.Context(), "d1", []byte("second")))
	text, err = src.DocumentText(t.Context(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "second", string(text))
}
