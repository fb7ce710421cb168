package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raibid-labs/ci-core/internal/model"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job (POST /jobs/{id}/cancel)",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	var j model.Job
	if err := newClient().do("POST", "/api/jobs/"+args[0]+"/cancel", nil, &j); err != nil {
		return err
	}
	if jsonOut {
		printJSON(j)
		return nil
	}
	fmt.Printf("job %s now %s\n", j.ID, j.Status)
	return nil
}
