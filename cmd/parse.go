package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	fileutil "docbatch/internal/file"
)

var (
	parseFile    string
	parseOutput  string
	parseNoCache bool
)

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Parse a single PDF and write the result as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := buildParser(cfg).ParseFile(cmd.Context(), parseFile, !parseNoCache)
		if err != nil {
			return fmt.Errorf("cannot parse document: %w", err)
		}
		if err := fileutil.WriteJSONIndentAtomic(parseOutput, result); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ %s: %d matches (%d perfect, %d small, %d big) -> %s\n",
			parseFile, result.Counts.Total, result.Counts.Perfect, result.Counts.SmallErrors, result.Counts.BigErrors, parseOutput)
		return nil
	},
}

func init() {
	parseCmd.Flags().StringVarP(&parseFile, "file", "f", "", "path to PDF file")
	parseCmd.Flags().StringVarP(&parseOutput, "output", "o", "result.json", "output JSON file")
	parseCmd.Flags().BoolVar(&parseNoCache, "no-cache", false, "ignore cached text")
	_ = parseCmd.MarkFlagRequired("file")
}
