package display

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pterm/pterm"

	"github.com/teranos/jobboard/job"
	"github.com/teranos/jobboard/lifecycle"
	"github.com/teranos/jobboard/relay"
)

// JobRow is the flattened, printable form of a job.
type JobRow struct {
	ID          uint64 `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Budget      string `json:"budget_eth"`
	Escrowed    bool   `json:"escrowed"`
	Employer    string `json:"employer"`
	Freelancer  string `json:"freelancer,omitempty"`
	Role        string `json:"role"`
	Description string `json:"description,omitempty"`
}

// Rows flattens jobs as seen by viewer.
func Rows(jobs []*job.Job, viewer common.Address) []JobRow {
	rows := make([]JobRow, 0, len(jobs))
	for _, j := range jobs {
		row := JobRow{
			ID:          j.ID,
			Title:       j.Title,
			Status:      j.StatusText(),
			Budget:      job.FormatEther(j.Budget),
			Escrowed:    j.Escrowed,
			Employer:    j.Employer.Hex(),
			Role:        j.RoleOf(viewer).String(),
			Description: j.Description,
		}
		if j.HasFreelancer() {
			row.Freelancer = j.Freelancer.Hex()
		}
		rows = append(rows, row)
	}
	return rows
}

// RenderJobs writes a table of jobs to w.
func RenderJobs(w io.Writer, jobs []*job.Job, viewer common.Address) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(w, "No jobs found.")
		return err
	}
	data := pterm.TableData{{"ID", "Title", "Status", "Budget (ETH)", "Escrow", "Employer", "Freelancer", "You"}}
	for _, j := range jobs {
		escrow := "no"
		if j.Escrowed {
			escrow = "yes"
		}
		data = append(data, []string{
			strconv.FormatUint(j.ID, 10),
			j.Title,
			j.StatusText(),
			job.FormatEther(j.Budget),
			escrow,
			job.ShortAddress(j.Employer),
			job.ShortAddress(j.Freelancer),
			j.RoleOf(viewer).String(),
		})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

// RenderJob writes one job with the actions viewer may take.
func RenderJob(w io.Writer, j *job.Job, viewer common.Address, allowed []lifecycle.Action) error {
	var names []string
	for _, a := range allowed {
		names = append(names, a.String())
	}
	actions := strings.Join(names, ", ")
	if actions == "" {
		actions = "none"
	}
	description := j.Description
	if description == "" {
		description = j.DescriptionRef
	}

	data := pterm.TableData{
		{"Job", "#" + strconv.FormatUint(j.ID, 10) + " " + j.Title},
		{"Status", j.StatusText()},
		{"Budget", job.FormatEther(j.Budget) + " ETH"},
		{"Escrowed", strconv.FormatBool(j.Escrowed)},
		{"Employer", j.Employer.Hex()},
		{"Freelancer", job.ShortAddress(j.Freelancer)},
		{"Your role", j.RoleOf(viewer).String()},
		{"Actions", actions},
		{"Description", description},
	}
	out, err := pterm.DefaultTable.WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

// FormatMessage renders one chat line.
func FormatMessage(m relay.Message) string {
	ts := m.Timestamp
	if t := m.Time(); !t.IsZero() {
		ts = t.Local().Format("15:04:05")
	}
	if m.Sender == relay.SystemSender {
		return fmt.Sprintf("[%s] * %s", ts, m.Text)
	}
	return fmt.Sprintf("[%s] %s: %s", ts, m.SenderDisplay, m.Text)
}

// FormatRecord renders an action record, or "" when there is none.
func FormatRecord(rec *lifecycle.Record) string {
	if rec == nil {
		return ""
	}
	return fmt.Sprintf("%s [%s] %s", rec.Action.Label(), rec.Phase, rec.Message)
}
