package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_Missing(t *testing.T) {
	s, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
}

func TestLoadFile_OverridesOnlyGivenKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kgraph.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[creation]
chunk_tokens = 300

[creation.generation]
model = "gpt-4o-mini"

[enrichment.leiden]
resolution = 0.5

[runtime]
max_concurrency = 8

[steps.kg_community_summary]
retries = 0

[steps.kg_clustering]
timeout = "90m"
`), 0o600))

	s, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 300, s.Creation.ChunkTokens)
	assert.Equal(t, "gpt-4o-mini", s.Creation.Generation.Model)
	assert.Equal(t, graph.DefaultCreationSettings().MaxKnowledgeTriples, s.Creation.MaxKnowledgeTriples)
	assert.Equal(t, 0.5, s.Enrichment.Leiden.Resolution)
	assert.Equal(t, graph.DefaultLeidenParams().MaxLevels, s.Enrichment.Leiden.MaxLevels)
	assert.Equal(t, 8, s.Runtime.MaxConcurrency)

	p, err := s.Policies()
	require.NoError(t, err)
	assert.Zero(t, p.Get(workflow.StepCommunitySummary).Retries)
	assert.Equal(t, 90*time.Minute, p.Get(workflow.StepClustering).Timeout)
	assert.Equal(t, "gpt-4o-mini", s.Defaults().Creation.Generation.Model)
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":  "[creation]\nchunk_size = 3\n",
		"bad duration": "[steps.kg_finalize]\ntimeout = \"soon\"\n",
		"unknown step": "[steps.kg_rebuild]\nretries = 1\n",
		"syntax":       "[creation\n",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			s := Default()
			assert.Error(t, Parse([]byte(raw), &s))
		})
	}
}
