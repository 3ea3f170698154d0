package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"tfview/internal/logging"
	"tfview/pkg/artifact"
	"tfview/pkg/types"
)

func buildModelsCmd(lookup lookupFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List published model artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, lookup)
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("output")
			store, err := artifact.NewStore(cfg.Publish, logging.Component("models"))
			if err != nil {
				return err
			}
			models, err := store.List()
			if err != nil {
				return err
			}
			switch format {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(types.ModelsResponse{Models: models})
			case "table":
				return writeModelsTable(cmd.OutOrStdout(), models)
			default:
				return fmt.Errorf("unknown output format %q (json, table)", format)
			}
		},
	}
	cmd.Flags().String("publish", "", "Publish root holding models/ (TFVIEW_PUBLISH)")
	cmd.Flags().StringP("output", "o", "json", "Output format: json or table")
	return cmd
}

func writeModelsTable(w io.Writer, models []types.Model) error {
	cfg := tablewriter.Config{}
	cfg.Row.Alignment = tw.CellAlignment{PerColumn: []tw.Align{tw.AlignLeft, tw.AlignLeft, tw.AlignRight, tw.AlignLeft}}
	table := tablewriter.NewTable(w, tablewriter.WithConfig(cfg))
	table.Header("Name", "URL", "Size", "Files")
	for _, m := range models {
		if err := table.Append(m.Name, m.URL, strconv.FormatInt(m.SizeBytes, 10), strings.Join(m.Files, ", ")); err != nil {
			return err
		}
	}
	return table.Render()
}
