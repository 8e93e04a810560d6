package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/jobboard/am"
	"github.com/teranos/jobboard/display"
)

// AmCmd groups the configuration commands
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Show and validate jobboard configuration",
	Long: `am: Show and validate jobboard configuration

Configuration sources (in order of precedence):
1. Command line flags (--devchain, --account)
2. Environment variables (JOBBOARD_* prefix, .env is loaded first)
3. Project config (./am.toml, searched up from the working directory)
4. User config (~/.jobboard/am.toml)
5. System config (/etc/jobboard/am.toml)
6. Default values

Examples:
  jobboard am show           # Show current configuration as TOML
  jobboard am show --json    # Show configuration as JSON
  jobboard am validate       # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective configuration from all sources, secrets redacted",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

func init() {
	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if display.ShouldOutputJSON(cmd) {
		safe := *cfg
		if safe.Chain.PrivateKey != "" {
			safe.Chain.PrivateKey = "[redacted]"
		}
		if safe.IPFS.PinataJWT != "" {
			safe.IPFS.PinataJWT = "[redacted]"
		}
		return display.OutputJSON(safe)
	}

	fmt.Printf("# jobboard configuration\n%s", cfg.String())
	if project := am.ProjectConfigPath(); project != "" {
		fmt.Fprintf(os.Stderr, "# project config: %s\n", project)
	}
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	// Load validates; reaching here means the merged config is valid
	if _, err := loadConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	fmt.Println("✓ Configuration is valid")
	return nil
}
