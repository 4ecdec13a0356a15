// Command jobctl inspects and drives jobs through the HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"content-orchestrator/internal/models"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "jobctl",
	Short:        "Inspect and manage content jobs",
	SilenceUsage: true,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's status and progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/jobs/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		if outputJSON {
			printJSON(data)
			return nil
		}

		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\t%s\n", job.ID)
		fmt.Fprintf(w, "TYPE\t%s\n", job.Type)
		fmt.Fprintf(w, "OWNER\t%s\n", job.OwnerID)
		fmt.Fprintf(w, "STATUS\t%s\n", job.Status)
		fmt.Fprintf(w, "ATTEMPTS\t%d/%d\n", job.AttemptCount, job.MaxAttempts)
		fmt.Fprintf(w, "NEXT ATTEMPT\t%s\n", formatTime(job.NextAttemptAt))
		fmt.Fprintf(w, "STAGE\t%s\n", job.Progress.Stage)
		if e := deref(job.Error); e != "" {
			fmt.Fprintf(w, "ERROR\t%s\n", e)
		}
		names := make([]string, 0, len(job.Progress.Counters))
		for name := range job.Progress.Counters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s\t%d\n", name, job.Progress.Counters[name])
		}
		return w.Flush()
	},
}

var eventsAfter int

var eventsCmd = &cobra.Command{
	Use:   "events <job-id>",
	Short: "List a job's pipeline events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/jobs/%s/events?after=%d", url.PathEscape(args[0]), eventsAfter)
		data, status, err := apiRequest("GET", path, nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		if outputJSON {
			printJSON(data)
			return nil
		}

		var resp struct {
			Events []models.PipelineEvent `json:"events"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tSTAGE\tSTATUS\tMESSAGE")
		for _, e := range resp.Events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				e.Sequence, formatTime(&e.CreatedAt), e.EventType, e.Stage, e.Status, e.Message)
		}
		return w.Flush()
	},
}

var (
	submitDocument    string
	submitPayload     string
	submitMaxAttempts int
	submitPriority    string
)

var submitCmd = &cobra.Command{
	Use:   "submit <type>",
	Short: "Submit a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := map[string]any{}
		if submitPayload != "" {
			if err := json.Unmarshal([]byte(submitPayload), &payload); err != nil {
				return fmt.Errorf("--payload must be a JSON object: %w", err)
			}
		}
		body := map[string]any{
			"type":         args[0],
			"document_ref": submitDocument,
			"payload":      payload,
			"max_attempts": submitMaxAttempts,
			"priority":     submitPriority,
		}
		data, status, err := apiRequest("POST", "/jobs", body)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		if outputJSON {
			printJSON(data)
			return nil
		}
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", job.ID, job.Status)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("POST", "/jobs/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		if outputJSON {
			printJSON(data)
			return nil
		}
		fmt.Printf("Job %s cancelled\n", args[0])
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Run a job's scheduled retry now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("POST", "/jobs/"+url.PathEscape(args[0])+"/retry", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		if outputJSON {
			printJSON(data)
			return nil
		}
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", job.ID, job.Status)
		return nil
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered jobs",
}

var dlqLimit int

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/dlq?limit="+strconv.Itoa(dlqLimit), nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		if outputJSON {
			printJSON(data)
			return nil
		}

		var resp struct {
			Items []models.DeadLetter `json:"items"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return err
		}
		if len(resp.Items) == 0 {
			fmt.Println("Dead-letter queue is empty")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tTYPE\tOWNER\tATTEMPTS\tFAILED AT\tERROR")
		for _, dl := range resp.Items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				dl.JobID, dl.JobType, dl.OwnerID, dl.Attempts, formatTime(&dl.FailedAt), dl.Error)
		}
		return w.Flush()
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <job-id>",
	Short: "Reopen a dead-lettered job and queue it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("POST", "/dlq/"+url.PathEscape(args[0])+"/replay", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		if outputJSON {
			printJSON(data)
			return nil
		}
		fmt.Printf("Job %s replayed\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("JOBCTL_SERVER", "http://localhost:8080"), "API server URL")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", os.Getenv("JOBCTL_OWNER"), "Owner id sent as X-Owner-ID")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")

	eventsCmd.Flags().IntVar(&eventsAfter, "after", 0, "Only events after this sequence")
	submitCmd.Flags().StringVar(&submitDocument, "document", "", "Document reference")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "", "Job payload as a JSON object")
	submitCmd.Flags().IntVar(&submitMaxAttempts, "max-attempts", 0, "Attempt budget (server default when 0)")
	submitCmd.Flags().StringVar(&submitPriority, "priority", "", "Queue priority")
	submitCmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency-Key header")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "Maximum entries")

	dlqCmd.AddCommand(dlqListCmd, dlqReplayCmd)
	rootCmd.AddCommand(statusCmd, eventsCmd, submitCmd, cancelCmd, retryCmd, dlqCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
