package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raibid-labs/ci-core/internal/model"
)

var (
	submitRepo   string
	submitBranch string
	submitCommit string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job directly (POST /jobs), bypassing the Git webhook",
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitRepo, "repo", "", "owner/name (required)")
	submitCmd.Flags().StringVar(&submitBranch, "branch", "main", "git ref")
	submitCmd.Flags().StringVar(&submitCommit, "commit", "", "commit sha, defaults to HEAD")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if submitRepo == "" {
		return usageError("--repo is required")
	}
	var j model.Job
	body := map[string]string{"repo": submitRepo, "branch": submitBranch, "commit": submitCommit}
	if err := newClient().do("POST", "/api/jobs", body, &j); err != nil {
		return err
	}
	if jsonOut {
		printJSON(j)
		return nil
	}
	fmt.Printf("submitted job %s (%s/%s)\n", j.ID, j.Repo, j.Branch)
	return nil
}
