package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/allabolag-cli/internal/export"
)

var (
	exportOut        string
	exportIncludeRaw bool
)

var exportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Write a job's staged data to an XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobID := args[0]

		out := exportOut
		if out == "" {
			out = "allabolag_" + jobID + ".xlsx"
		}

		st, err := openJobStore(ctx, jobID)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		summary, err := export.Write(ctx, st, jobID, out, export.Options{
			IncludeRawData: exportIncludeRaw,
		})
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (default allabolag_<job-id>.xlsx)")
	exportCmd.Flags().BoolVar(&exportIncludeRaw, "include-raw", false, "add the raw upstream JSON column")
	rootCmd.AddCommand(exportCmd)
}
