package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/store"

	"github.com/spf13/cobra"
)

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Register and list documents",
}

var documentsAddCmd = &cobra.Command{
	Use:   "add [graph-id] [file...]",
	Short: "Upload text files and register them as pending documents",
	Long: `Uploads every file to the text store and registers it with the graph.
The document id is the file name without its extension.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runDocumentsAdd,
}

var documentsListCmd = &cobra.Command{
	Use:   "list [graph-id]",
	Short: "List the documents of a graph",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocumentsList,
}

var listStatuses []string

func init() {
	documentsListCmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Only list documents in these statuses")

	documentsCmd.AddCommand(documentsAddCmd)
	documentsCmd.AddCommand(documentsListCmd)
	rootCmd.AddCommand(documentsCmd)
}

func runDocumentsAdd(cmd *cobra.Command, args []string) error {
	graphID, files := args[0], args[1:]
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		if e.Text == nil {
			return fmt.Errorf("the configured text store is read only")
		}
		docs := make([]common.DocumentOverview, 0, len(files))
		for _, path := range files {
			text, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			name := filepath.Base(path)
			id := strings.TrimSuffix(name, filepath.Ext(name))
			if err := e.Text.PutDocumentText(ctx, id, text); err != nil {
				return fmt.Errorf("upload %s: %w", path, err)
			}
			docs = append(docs, common.DocumentOverview{ID: id, Title: name})
		}
		registered, err := e.Service.RegisterDocuments(ctx, graphID, docs...)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), registered)
	})
}

func runDocumentsList(cmd *cobra.Command, args []string) error {
	filter := store.DocumentFilter{GraphID: args[0]}
	for _, s := range listStatuses {
		status := common.RestructureStatus(s)
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	return withEnv(cmd, func(ctx context.Context, e *env) error {
		docs, err := e.Service.DocumentStatus(ctx, filter)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), docs)
	})
}
