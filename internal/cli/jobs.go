package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/raphaelgruber/distill/internal/models"
	"github.com/spf13/cobra"
)

var jobsJSON bool

var jobsCmd = &cobra.Command{
	Use:   "jobs <content-id>",
	Short: "Show the processing attempts of a content item",
	Long: `Show the status of a content item and every processing job recorded for
it, one row per attempted step.

Examples:
  distill jobs 0193a6f2-...
  distill jobs --json 0193a6f2-...`,
	Args: cobra.ExactArgs(1),
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().BoolVar(&jobsJSON, "json", false, "print item and jobs as JSON")
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, client, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if client != nil {
		defer func() { _ = client.Close(context.Background()) }()
	}

	item, err := store.GetContent(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get content: %w", err)
	}
	jobs, err := store.ListJobs(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if jobsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Item *models.ContentItem    `json:"item"`
			Jobs []models.ProcessingJob `json:"jobs"`
		}{item, jobs})
	}

	out := newPrinter(os.Stdout)
	out.printf("%s  %s  %s\n", item.ID, item.Type, item.Title)
	out.printf("status: %s\n", statusLabel(out, item.ProcessingStatus))
	if item.ErrorMessage != nil {
		out.printf("error:  %s\n", out.render(out.theme.hintStyle(), *item.ErrorMessage))
	}
	out.printf("\n")

	if len(jobs) == 0 {
		out.printf("No jobs recorded\n")
		return nil
	}

	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		errMsg := ""
		if j.ErrorMessage != nil {
			errMsg = *j.ErrorMessage
		}
		rows = append(rows, []string{
			shortID(j.ID),
			j.ProcessorName,
			string(j.Status),
			j.CreatedAt.Local().Format("15:04:05"),
			jobDuration(j),
			truncateText(errMsg, 60),
		})
	}
	out.table([]string{"JOB", "STEP", "STATUS", "CREATED", "DURATION", "ERROR"}, rows)
	return nil
}

func statusLabel(out *printer, s models.ProcessingStatus) string {
	switch s {
	case models.StatusCompleted:
		return out.render(out.theme.completedStyle(), string(s))
	case models.StatusFailed:
		return out.render(out.theme.errorStyle(), string(s))
	default:
		return out.render(out.theme.statusStyle(), string(s))
	}
}

func jobDuration(j models.ProcessingJob) string {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return "-"
	}
	return j.CompletedAt.Sub(*j.StartedAt).Round(time.Millisecond).String()
}

func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
