package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/loader"
	"github.com/OFFIS-RIT/kgraph/pkg/store/memory"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopRuntime struct{}

func (noopRuntime) Spawn(ctx context.Context, name workflow.Name, payload any, key string) (workflow.Handle, error) {
	return nil, common.NewError(common.KindInternal, "not_supported", "no runtime in tests")
}

func (noopRuntime) Close() error { return nil }

func useMemoryEnv(t *testing.T) (*memory.Store, *loader.StaticSource) {
	t.Helper()
	s := memory.New()
	text := loader.NewStaticSource(nil)
	original := openEnv
	openEnv = func(ctx context.Context) (*env, error) {
		return &env{
			Service:   workflow.NewService(noopRuntime{}, s, s, workflow.DefaultDefaults()),
			Estimator: graph.NewDeduplicator(nil, s, nil),
			Text:      text,
		}, nil
	}
	t.Cleanup(func() { openEnv = original })
	return s, text
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	listStatuses, createDocuments, createForce, dedupeRun, configPath = nil, nil, false, false, ""

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	return buf.String(), err
}

func TestDocumentsAddAndList(t *testing.T) {
	_, text := useMemoryEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "founding.txt")
	require.NoError(t, os.WriteFile(path, []byte("Ada founded Acme."), 0o644))

	out, err := run(t, "documents", "add", "g1", path)
	require.NoError(t, err, out)

	stored, err := text.DocumentText(t.Context(), "founding")
	require.NoError(t, err)
	assert.Equal(t, "Ada founded Acme.", string(stored))

	out, err = run(t, "documents", "list", "g1", "--status", "pending")
	require.NoError(t, err)
	var docs []common.DocumentOverview
	require.NoError(t, json.Unmarshal([]byte(out), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "founding", docs[0].ID)
	assert.Equal(t, "founding.txt", docs[0].Title)

	_, err = run(t, "documents", "list", "g1", "--status", "done")
	assert.Error(t, err)
}

func TestGraphStatus(t *testing.T) {
	s, _ := useMemoryEnv(t)
	require.NoError(t, s.UpsertGraph(t.Context(), common.Graph{ID: "g1", Name: "Founders"}))
	require.NoError(t, s.UpsertDocumentsOverview(t.Context(),
		common.DocumentOverview{ID: "d1", GraphID: "g1", RestructuringStatus: common.StatusSuccess}))

	out, err := run(t, "graph", "status", "g1")
	require.NoError(t, err)
	var status struct {
		Name        string `json:"name"`
		Communities int    `json:"communities"`
		Progress    struct {
			Total      int   `json:"total"`
			Percentage int32 `json:"percentage"`
		} `json:"progress"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "Founders", status.Name)
	assert.Equal(t, 1, status.Progress.Total)
	assert.Equal(t, int32(50), status.Progress.Percentage)

	_, err = run(t, "graph", "status", "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGraphDedupeEstimate(t *testing.T) {
	useMemoryEnv(t)

	out, err := run(t, "graph", "dedupe", "g1")
	require.NoError(t, err)
	var res graph.DedupeResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, graph.RunTypeEstimate, res.RunType)
	assert.Zero(t, res.Calls)
}

func TestConfigShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kgraph.toml")
	require.NoError(t, os.WriteFile(path, []byte("[runtime]\nmax_concurrency = 7\n"), 0o644))
	t.Setenv("KGRAPH_CONFIG", "")

	out, err := run(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "max_concurrency = 7")
	assert.Contains(t, out, "[creation]")
}
