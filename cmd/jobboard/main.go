package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teranos/jobboard/cmd/jobboard/commands"
	"github.com/teranos/jobboard/logger"
)

var rootCmd = &cobra.Command{
	Use:   "jobboard",
	Short: "jobboard - escrowed job marketplace client and chat relay",
	Long: `jobboard - escrowed job marketplace client and chat relay.

Employers post jobs with escrowed payment, freelancers apply and deliver, and
the two parties chat while a job is active.

Available commands:
  am     - Show and validate configuration
  jobs   - List jobs
  job    - Show, post, act on and watch a single job
  relay  - Run the chat relay server

Examples:
  jobboard jobs ls --scope posted
  jobboard job post --title "Logo" --description "SVG logo" --budget 0.5
  jobboard job act 3 ESCROW
  jobboard job watch 3
  jobboard relay`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
		}

		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json", false, "Output results as JSON")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")
	commands.AddGlobalFlags(rootCmd)

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.RelayCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
