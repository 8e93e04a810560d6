package commands

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobboard/display"
	"github.com/teranos/jobboard/projector"
)

// JobsCmd groups the job listing commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs",
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs in a scope",
	Long: `List jobs newest first.

Scopes:
  public    open and assigned jobs (default)
  posted    jobs the account posted
  assigned  jobs assigned to the account`,
	RunE: runJobsLs,
}

var (
	jobsScope        string
	jobsDescriptions bool
)

func init() {
	jobsLsCmd.Flags().StringVar(&jobsScope, "scope", "public", "public, posted or assigned")
	jobsLsCmd.Flags().BoolVar(&jobsDescriptions, "descriptions", false, "Resolve descriptions from the text store")
	JobsCmd.AddCommand(jobsLsCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	scope, err := projector.ParseScope(jobsScope)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	pcfg := projector.Config{Scope: scope, Concurrency: e.cfg.Projector.FetchConcurrency}
	if jobsDescriptions {
		pcfg.Descriptions = e.descriptions()
	}
	p := projector.New(e.gateway, pcfg, e.logger.Named("projector"))
	if err := p.Refresh(ctx); err != nil {
		return err
	}

	snap := p.Snapshot()
	viewer := e.gateway.Account()
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(display.Rows(snap.Jobs, viewer))
	}
	if err := display.RenderJobs(os.Stdout, snap.Jobs, viewer); err != nil {
		return err
	}
	if snap.Skipped > 0 {
		pterm.Warning.Printfln("%d job(s) could not be loaded", snap.Skipped)
	}
	return nil
}
