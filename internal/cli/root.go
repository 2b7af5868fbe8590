// Package cli implements kgctl, the operator command line for running the
// pipeline in process against the configured stores.
package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/OFFIS-RIT/kgraph/internal/app"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/loader"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kgctl",
	Short: "Build and enrich knowledge graphs",
	Long: `kgctl runs the knowledge graph workflows in process against the stores
configured through the environment (DATABASE_URL, AI_*, AWS_* or DOCUMENTS_DIR).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			return os.Setenv("KGRAPH_CONFIG", configPath)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to kgraph.toml")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// env is what the commands operate on.
type env struct {
	Service   *workflow.Service
	Estimator *graph.Deduplicator
	Text      loader.TextWriter
	close     func()
}

func (e *env) Close() {
	if e.close != nil {
		e.close()
	}
}

// openEnv builds the pipeline with a local runtime. Tests replace it.
var openEnv = func(ctx context.Context) (*env, error) {
	stores, err := app.OpenStores(ctx)
	if err != nil {
		return nil, err
	}
	pipeline, err := app.NewPipeline(ctx, stores, nil)
	if err != nil {
		stores.Close()
		return nil, err
	}
	runtime := pipeline.LocalRuntime()
	e := &env{
		Service:   workflow.NewService(runtime, stores.Graph, stores.Status, pipeline.Settings.Defaults()),
		Estimator: pipeline.Activities.Graph.Dedupe,
		close: func() {
			if err := runtime.Close(); err != nil {
				logger.Warn("[CLI] Failed to close runtime", "err", err)
			}
			pipeline.Close(context.Background())
			stores.Close()
		},
	}
	if w, ok := pipeline.Text.(loader.TextWriter); ok {
		e.Text = w
	}
	return e, nil
}

func withEnv(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
