package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobboard/chat"
	"github.com/teranos/jobboard/display"
	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/job"
	"github.com/teranos/jobboard/lifecycle"
	"github.com/teranos/jobboard/projector"
	"github.com/teranos/jobboard/relay"
	"github.com/teranos/jobboard/view"
)

// JobCmd groups the single-job commands
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: "Show, post, act on and watch a job",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job and the actions available to the account",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobPostCmd = &cobra.Command{
	Use:   "post",
	Short: "Upload a description and post a new job",
	RunE:  runJobPost,
}

var jobActCmd = &cobra.Command{
	Use:   "act <id> <ACTION>",
	Short: "Run a lifecycle action (ESCROW, APPLY, REFUND, MARK_DONE, RELEASE, RAISE_DISPUTE)",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobAct,
}

var jobWatchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Follow a job live and chat while it is active",
	Long: `Follow a job live and chat while it is active.

Lines typed on stdin are sent as chat messages. A line starting with "/"
runs an action instead, e.g. "/MARK_DONE". "/quit" exits.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobWatch,
}

var (
	postTitle       string
	postDescription string
	postBudget      string
)

func init() {
	jobPostCmd.Flags().StringVar(&postTitle, "title", "", "Job title")
	jobPostCmd.Flags().StringVar(&postDescription, "description", "", "Job description")
	jobPostCmd.Flags().StringVar(&postBudget, "budget", "", "Budget in ETH")
	jobPostCmd.MarkFlagRequired("title")
	jobPostCmd.MarkFlagRequired("budget")

	JobCmd.AddCommand(jobShowCmd)
	JobCmd.AddCommand(jobPostCmd)
	JobCmd.AddCommand(jobActCmd)
	JobCmd.AddCommand(jobWatchCmd)
}

func (e *env) detail(id uint64) *view.Detail {
	return view.NewDetail(e.gateway, view.Config{
		JobID:        id,
		PollInterval: e.cfg.PollInterval(),
		RecordTTL:    e.cfg.ActionRecordTTL(),
		Cooldown:     e.cfg.RefundCooldown(),
		Chat:         e.chatConfig(),
		Descriptions: e.descriptions(),
		TextStore:    e.store,
	}, e.logger.Named("view"))
}

func runJobShow(cmd *cobra.Command, args []string) error {
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	d := e.detail(id)
	defer d.Close()
	if err := d.Refresh(ctx); err != nil {
		return err
	}
	j, ok := d.Job()
	if !ok {
		return errors.NewNotFoundError("job %d", id)
	}

	viewer := e.gateway.Account()
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(display.Rows([]*job.Job{j}, viewer)[0])
	}
	return display.RenderJob(os.Stdout, j, viewer, d.Allowed(ctx))
}

func runJobPost(cmd *cobra.Command, args []string) error {
	budget, ok := job.ParseEther(postBudget)
	if !ok {
		return errors.NewInvalidRequestError("budget must be a decimal ETH amount, got %q", postBudget)
	}
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	p := projector.New(e.gateway, projector.Config{}, e.logger.Named("projector"))
	exec := lifecycle.NewExecutor(e.gateway, p, p, nil, e.logger.Named("lifecycle"),
		lifecycle.WithTextStore(e.store))

	id, err := exec.PostJob(ctx, postTitle, postDescription, budget)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(map[string]uint64{"id": id})
	}
	pterm.Success.Printf("Posted job #%d. Escrow %s ETH to open it for applications.\n", id, job.FormatEther(budget))
	return nil
}

func runJobAct(cmd *cobra.Command, args []string) error {
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	action, err := lifecycle.ParseAction(args[1])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	d := e.detail(id)
	defer d.Close()
	if err := d.Refresh(ctx); err != nil {
		return err
	}

	if err := d.Act(ctx, action); err != nil {
		if errors.IsRejected(err) {
			pterm.Warning.Println(errors.UserMessage(err))
			return nil
		}
		return errors.New(errors.UserMessage(err))
	}
	if rec, ok := d.Record(); ok {
		pterm.Success.Println(rec.Message)
	}
	if j, ok := d.Job(); ok {
		pterm.Info.Printf("Job #%d is now %s\n", j.ID, j.StatusText())
	}
	return nil
}

func runJobWatch(cmd *cobra.Command, args []string) error {
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	d := e.detail(id)
	defer d.Close()

	var lastStatus job.Status = job.StatusUnknown
	d.OnJob(func(j *job.Job, err error) {
		if err != nil {
			pterm.Error.Printf("Job #%d unavailable: %v\n", id, err)
			return
		}
		if j.Status != lastStatus {
			lastStatus = j.Status
			pterm.Info.Printf("Job #%d %q is %s\n", j.ID, j.Title, j.StatusText())
		}
	})
	d.OnChatState(func(st chat.State) {
		switch st {
		case chat.StateConnected:
			pterm.Success.Println("Chat connected")
		case chat.StateDisconnected:
			pterm.Warning.Println("Chat disconnected; messages cannot be sent")
		case chat.StateClosed:
			pterm.Info.Println("Chat closed")
		}
	})
	d.OnMessage(func(m relay.Message) {
		fmt.Println(display.FormatMessage(m))
	})
	d.OnRecord(func(rec *lifecycle.Record) {
		if line := display.FormatRecord(rec); line != "" {
			fmt.Println(line)
		}
	})
	lines := make(chan string)
	promptLine = func() (string, bool) {
		line, ok := <-lines
		return line, ok
	}
	d.Start(ctx)

	go func() {
		defer close(lines)
		for {
			line, ok := readLine()
			if !ok {
				return
			}
			lines <- line
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleWatchLine(ctx, d, line); done {
				return nil
			}
		}
	}
}

// handleWatchLine runs one stdin line and reports whether to exit.
func handleWatchLine(ctx context.Context, d *view.Detail, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case strings.HasPrefix(line, "/"):
		action, err := lifecycle.ParseAction(strings.TrimPrefix(line, "/"))
		if err != nil {
			pterm.Error.Println(err)
			return false
		}
		if err := d.Act(ctx, action); err != nil && !errors.IsRejected(err) {
			pterm.Error.Println(errors.UserMessage(err))
		}
		return false
	default:
		if err := d.Send(line); err != nil {
			pterm.Warning.Println("Message not sent:", err)
		}
		return false
	}
}
