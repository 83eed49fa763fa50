package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/config"
	"github.com/sells-group/allabolag-cli/internal/resilience"
	"github.com/sells-group/allabolag-cli/internal/staging"
)

var cfg *config.Config

// errJobStopped marks a foreground run that ended because an operator
// issued a stop. It maps to its own exit code so wrapping scripts can
// tell a deliberate stop from a failure.
var errJobStopped = eris.New("job stopped by operator")

var rootCmd = &cobra.Command{
	Use:   "allabolag-cli",
	Short: "Swedish company financials scraper",
	Long:  "Segments allabolag.se by revenue band, resolves company ids, fetches annual report financials into per-job staging stores, and migrates validated rows to the warehouse.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCode maps an error onto the documented exit codes: 1 configuration,
// 2 proxy unrecoverable, 3 upstream parse failure, 4 job not found, 5
// operator-initiated stop.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errJobStopped):
		return 5
	case errors.Is(err, staging.ErrJobNotFound):
		return 4
	case resilience.IsParseError(err):
		return 3
	case resilience.IsProxyExhausted(err), resilience.StatusOf(err) == 407:
		return 2
	default:
		return 1
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
