package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	settingsPath string
	verbose      bool
	jsonOutput   bool

	// buildVersion labels telemetry with the binary version.
	buildVersion = "dev"
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge - declarative infrastructure reconciliation",
		Long: `Converge reconciles declared infrastructure topologies against recorded
state. Resources are declared in HCL documents; each pass builds a
dependency graph, diffs it against the last-applied state, applies the
resulting changeset in dependency order and detects drift on demand.

Commands:
  validate  parse documents and check the dependency graph
  plan      show what a pass would change, without touching anything
  apply     converge real resources toward the declared topology
  refresh   compare recorded state against the real world
  destroy   delete every tracked resource, dependents first`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "c", "", "settings file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newRefreshCommand())
	rootCmd.AddCommand(newDestroyCommand())

	return rootCmd
}
