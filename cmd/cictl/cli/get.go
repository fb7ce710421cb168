package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raibid-labs/ci-core/internal/model"
)

var getCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a single job (GET /jobs/{id})",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	var j model.Job
	if err := newClient().do("GET", "/api/jobs/"+args[0], nil, &j); err != nil {
		return err
	}
	if jsonOut {
		printJSON(j)
		return nil
	}
	fmt.Printf("%-24s %-10s %s/%s@%s  attempt=%d worker=%s\n", j.ID, j.Status, j.Repo, j.Branch, short(j.Commit), j.Attempt, j.WorkerID)
	for _, s := range j.StepResults {
		fmt.Printf("  %-14s %-8s exit=%d\n", s.Name, s.State, s.ExitCode)
	}
	if j.Error != nil {
		fmt.Printf("  error: %s: %s\n", j.Error.Kind, j.Error.Message)
	}
	return nil
}

func short(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}
