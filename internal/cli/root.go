package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	projectDir string
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "aidp-guard",
	Short: "Rule of Two policy core and secrets proxy for autonomous agents",
	Long: "Tracks which of untrusted input, private data and egress a work unit\n" +
		"has touched and refuses the one that would complete the lethal trifecta.\n" +
		"Credentials are handed out as short-lived proxy tokens.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "project", "", "Project directory (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <project>/.aidp/aidp.yml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Development logging to stderr")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
