package commands

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/driveferry/driveferry/config"
	"github.com/driveferry/driveferry/db"
	"github.com/driveferry/driveferry/errors"
	"github.com/driveferry/driveferry/ferry"
)

// JobsCmd groups job inspection and control subcommands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control transfer jobs",
}

var jobsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List transfer jobs",
	RunE:    runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show details for one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Print a job's persisted log",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job-id>",
	Short: "Request a graceful stop of a running transfer",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var (
	jobsStatusFilter string
	jobsUserFilter   string
	jobsLimit        int
)

func init() {
	jobsListCmd.Flags().StringVar(&jobsStatusFilter, "status", "", "Filter by status (pending, running, completed, failed, stopped)")
	jobsListCmd.Flags().StringVar(&jobsUserFilter, "user", "", "Filter by user ID")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum jobs to list")

	JobsCmd.AddCommand(jobsListCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsLogsCmd)
	JobsCmd.AddCommand(jobsStopCmd)
}

// openJobStore opens the database read-only style for CLI inspection
func openJobStore(cmd *cobra.Command) (*ferry.Store, func(), error) {
	if _, err := loadConfig(cmd); err != nil {
		return nil, nil, err
	}
	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return nil, nil, err
	}

	database, err := db.Open(dbPath, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open database")
	}

	return ferry.NewStore(database), func() { database.Close() }, nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openJobStore(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	var jobs []*ferry.Job
	if jobsUserFilter != "" {
		jobs, err = store.ListJobsByUser(jobsUserFilter, jobsLimit)
	} else if jobsStatusFilter != "" {
		if !ferry.IsValidStatus(jobsStatusFilter) {
			return errors.Newf("invalid status %q", jobsStatusFilter)
		}
		status := ferry.JobStatus(jobsStatusFilter)
		jobs, err = store.ListJobs(&status, jobsLimit)
	} else {
		jobs, err = store.ListJobs(nil, jobsLimit)
	}
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}

	rows := pterm.TableData{
		{"ID", "USER", "STATUS", "PROGRESS", "FILES", "CREATED", "ERROR"},
	}
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID[:8],
			job.UserID,
			statusLabel(job.Status),
			fmt.Sprintf("%d%%", job.Progress.Percent),
			fmt.Sprintf("%d/%d", job.Progress.FilesDone, job.Progress.FilesTotal),
			job.CreatedAt.Format(time.RFC3339),
			truncate(job.Error, 40),
		})
	}

	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openJobStore(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	job, err := store.GetJob(args[0])
	if err != nil {
		return err
	}

	pterm.DefaultSection.Printf("Job %s", job.ID)
	data := pterm.TableData{
		{"User", job.UserID},
		{"Status", statusLabel(job.Status)},
		{"Destination", job.DstPrefix},
		{"Items", fmt.Sprintf("%d", len(job.Items))},
		{"Progress", fmt.Sprintf("%d%% (%d/%d files)", job.Progress.Percent, job.Progress.FilesDone, job.Progress.FilesTotal)},
		{"Created", job.CreatedAt.Format(time.RFC3339)},
	}
	if job.StartedAt != nil {
		data = append(data, []string{"Started", job.StartedAt.Format(time.RFC3339)})
	}
	if job.FinishedAt != nil {
		data = append(data, []string{"Finished", job.FinishedAt.Format(time.RFC3339)})
	}
	if job.ExitCode != nil {
		data = append(data, []string{"Exit code", fmt.Sprintf("%d", *job.ExitCode)})
	}
	if job.Error != "" {
		data = append(data, []string{"Error", job.Error})
	}
	if job.LogPath != "" {
		data = append(data, []string{"Log", job.LogPath})
	}

	return pterm.DefaultTable.WithData(data).Render()
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openJobStore(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	job, err := store.GetJob(args[0])
	if err != nil {
		return err
	}
	if job.LogPath == "" {
		pterm.Info.Println("Job has no log yet")
		return nil
	}

	content, err := readLogFile(job.LogPath)
	if err != nil {
		return err
	}
	fmt.Print(content)
	return nil
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	port := config.DefaultServerPort
	if cfg.Server.Port != nil {
		port = *cfg.Server.Port
	}

	// Stop goes through the daemon; only it holds the process handle
	url := fmt.Sprintf("http://127.0.0.1:%d/api/jobs/%s/stop", port, args[0])
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return errors.Wrap(err, "is the driveferry daemon running?")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		pterm.Success.Printf("Stop requested for job %s\n", args[0])
		return nil
	case http.StatusOK:
		pterm.Info.Printf("Job %s had already finished\n", args[0])
		return nil
	case http.StatusNotFound:
		return errors.NewNotFoundError("job %s", args[0])
	default:
		return errors.Newf("daemon returned status %d", resp.StatusCode)
	}
}

func readLogFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read log %s", path)
	}
	return string(data), nil
}

func statusLabel(status ferry.JobStatus) string {
	switch status {
	case ferry.JobStatusRunning:
		return pterm.FgCyan.Sprint(string(status))
	case ferry.JobStatusCompleted:
		return pterm.FgGreen.Sprint(string(status))
	case ferry.JobStatusFailed:
		return pterm.FgRed.Sprint(string(status))
	case ferry.JobStatusStopped:
		return pterm.FgYellow.Sprint(string(status))
	default:
		return string(status)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max-3]) + "..."
}
