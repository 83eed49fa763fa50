package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var previewFilters filterFlags

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Size a filter band without creating a job",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ctl, err := initController("preview")
		if err != nil {
			return err
		}
		defer ctl.Close()

		result, err := ctl.Preview(ctx, previewFilters.filters(cmd))
		if err != nil {
			return err
		}

		zap.L().Info("preview complete",
			zap.Int64("count", result.Count),
			zap.Bool("is_exact", result.IsExact),
			zap.Int("sampled_pages", result.SampledPages),
		)
		return printJSON(result)
	},
}

func init() {
	previewFilters.register(previewCmd)
	rootCmd.AddCommand(previewCmd)
}
