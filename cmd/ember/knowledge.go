package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"ember/internal/knowledge"
)

var (
	ingestTitle     string
	ingestBucket    string
	ingestPrincipal string
	queryPrincipal  string
	queryBudget     int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest files into the knowledge library",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(serverURL)
		for _, path := range args {
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			title := ingestTitle
			if title == "" {
				title = filepath.Base(path)
			}
			src := knowledge.Source{
				Type:      "file",
				Title:     title,
				Content:   string(content),
				Bucket:    knowledge.Bucket(ingestBucket),
				Principal: ingestPrincipal,
				Metadata:  map[string]string{"path": path},
			}
			var result struct {
				Item    *knowledge.Item `json:"item"`
				Created bool            `json:"created"`
			}
			if err := client.post(cmd.Context(), "/api/knowledge/items", src, &result); err != nil {
				return fmt.Errorf("ingest %s: %w", path, err)
			}
			verb := "exists"
			if result.Created {
				verb = "created"
			}
			fmt.Printf("%s  %s (%s)\n", result.Item.ID, path, verb)
		}
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <text>...",
	Short: "Query the knowledge library",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"query":     strings.Join(args, " "),
			"principal": queryPrincipal,
			"budget":    queryBudget,
		}
		var bundle knowledge.ContextBundle
		if err := newAPIClient(serverURL).post(cmd.Context(), "/api/knowledge/query", body, &bundle); err != nil {
			return err
		}
		return printJSON(bundle)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "item title, defaults to the file name")
	ingestCmd.Flags().StringVar(&ingestBucket, "bucket", "", "bucket override, defaults to automatic placement")
	ingestCmd.Flags().StringVar(&ingestPrincipal, "principal", "", "owning principal")

	queryCmd.Flags().StringVar(&queryPrincipal, "principal", "", "restrict results to a principal")
	queryCmd.Flags().IntVar(&queryBudget, "budget", 0, "token budget for the packed bundle")
}
