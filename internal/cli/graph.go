package cli

import (
	"context"
	"encoding/json"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/graph"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Build, enrich and inspect graphs",
}

var graphCreateCmd = &cobra.Command{
	Use:   "create [graph-id]",
	Short: "Extract the pending documents of a graph and enrich it",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraphCreate,
}

var graphEnrichCmd = &cobra.Command{
	Use:   "enrich [graph-id]",
	Short: "Enrich the extracted documents of a graph",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraphEnrich,
}

var graphStatusCmd = &cobra.Command{
	Use:   "status [graph-id]",
	Short: "Show a graph and the progress of its documents",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraphStatus,
}

var graphDedupeCmd = &cobra.Command{
	Use:   "dedupe [graph-id]",
	Short: "Estimate or run entity deduplication",
	Long:  `Without --run only an estimate is printed. Operators run as superuser.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runGraphDedupe,
}

var (
	createDocuments []string
	createForce     bool
	dedupeRun       bool
)

func init() {
	graphCreateCmd.Flags().StringSliceVarP(&createDocuments, "document", "d", nil, "Only process these documents")
	graphCreateCmd.Flags().BoolVarP(&createForce, "force", "f", false, "Reprocess documents that already left pending")
	graphDedupeCmd.Flags().BoolVar(&dedupeRun, "run", false, "Merge duplicates instead of estimating")

	graphCmd.AddCommand(graphCreateCmd)
	graphCmd.AddCommand(graphEnrichCmd)
	graphCmd.AddCommand(graphStatusCmd)
	graphCmd.AddCommand(graphDedupeCmd)
	rootCmd.AddCommand(graphCmd)
}

// operator is the caller of every kgctl command.
var operator = common.Caller{ID: "kgctl", Superuser: true}

func runGraphCreate(cmd *cobra.Command, args []string) error {
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		h, err := e.Service.CreateGraph(ctx, workflow.CreateGraphPayload{
			GraphID:         args[0],
			DocumentIDs:     createDocuments,
			ForceKGCreation: createForce,
		})
		if err != nil {
			return err
		}
		return printResult(ctx, cmd, h)
	})
}

func runGraphEnrich(cmd *cobra.Command, args []string) error {
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		h, err := e.Service.EnrichGraph(ctx, workflow.EnrichGraphPayload{GraphID: args[0]})
		if err != nil {
			return err
		}
		return printResult(ctx, cmd, h)
	})
}

func runGraphStatus(cmd *cobra.Command, args []string) error {
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		g, err := e.Service.Graph(ctx, args[0])
		if err != nil {
			return err
		}
		docs, err := e.Service.DocumentStatus(ctx, store.DocumentFilter{GraphID: args[0]})
		if err != nil {
			return err
		}
		communities, err := e.Service.CommunityCount(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), struct {
			*common.Graph
			Communities int                 `json:"communities"`
			Progress    util.StatusProgress `json:"progress"`
		}{g, communities, util.BuildStatusProgress(docs)})
	})
}

func runGraphDedupe(cmd *cobra.Command, args []string) error {
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		if !dedupeRun {
			settings := e.Service.Defaults().Deduplication
			res, err := e.Estimator.Deduplicate(ctx, args[0], settings, operator, graph.RunTypeEstimate)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}
		h, err := e.Service.Deduplicate(ctx, workflow.DeduplicationPayload{
			GraphID: args[0],
			RunType: graph.RunTypeRun,
			Caller:  operator,
		})
		if err != nil {
			return err
		}
		return printResult(ctx, cmd, h)
	})
}

func printResult(ctx context.Context, cmd *cobra.Command, h workflow.Handle) error {
	var out json.RawMessage
	if err := h.Result(ctx, &out); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}
