package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/allabolag-cli/internal/model"
	"github.com/sells-group/allabolag-cli/internal/pipeline"
	"github.com/sells-group/allabolag-cli/internal/proxy"
	"github.com/sells-group/allabolag-cli/internal/resilience"
	"github.com/sells-group/allabolag-cli/internal/session"
	"github.com/sells-group/allabolag-cli/internal/staging"
)

// initController wires the egress stack for the given config mode:
// gateway, session manager, wire-client factory, controller. Preview mode
// may fall back to direct fetch; run mode never does.
func initController(mode string) (*pipeline.Controller, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, resilience.NewConfigError(err.Error())
	}

	allowDirect := mode == "preview"

	gw := proxy.New(cfg.Proxy, cfg.Upstream)
	var opts []session.Option
	if allowDirect {
		opts = append(opts, session.WithDirectFallback())
	}
	sessions := session.NewManager(gw, cfg.Upstream.BaseURL, opts...)
	factory := pipeline.NewClientFactory(gw, cfg.Upstream.BaseURL, allowDirect)

	return pipeline.NewController(cfg, sessions, factory), nil
}

// openJobStore opens the staging store for a job that must already exist.
func openJobStore(ctx context.Context, jobID string) (*staging.Store, error) {
	return staging.OpenExisting(ctx, cfg.Staging.Dir, jobID)
}

// printJSON writes v to stdout, indented.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// filterFlags holds the segmentation band flags shared by preview and
// start. Bands are entered in mSEK; normalization happens downstream.
type filterFlags struct {
	revenueFrom int64
	revenueTo   int64
	profitFrom  int64
	profitTo    int64
	companyType string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.revenueFrom, "revenue-from", 0, "revenue band lower bound in mSEK (required)")
	cmd.Flags().Int64Var(&f.revenueTo, "revenue-to", 0, "revenue band upper bound in mSEK (required)")
	cmd.Flags().Int64Var(&f.profitFrom, "profit-from", 0, "profit band lower bound in mSEK")
	cmd.Flags().Int64Var(&f.profitTo, "profit-to", 0, "profit band upper bound in mSEK")
	cmd.Flags().StringVar(&f.companyType, "company-type", "AB", "company type")
	_ = cmd.MarkFlagRequired("revenue-from")
	_ = cmd.MarkFlagRequired("revenue-to")
}

// filters builds the model from the flags actually set; an untouched
// profit bound stays open rather than becoming zero.
func (f *filterFlags) filters(cmd *cobra.Command) model.Filters {
	out := model.Filters{
		RevenueFrom: f.revenueFrom,
		RevenueTo:   f.revenueTo,
		CompanyType: f.companyType,
	}
	if cmd.Flags().Changed("profit-from") {
		v := f.profitFrom
		out.ProfitFrom = &v
	}
	if cmd.Flags().Changed("profit-to") {
		v := f.profitTo
		out.ProfitTo = &v
	}
	return out
}
