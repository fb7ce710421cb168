package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raibid-labs/ci-core/internal/model"
)

var (
	listStatus string
	listRepo   string
	listBranch string
	listCursor string
	listLimit  int
)

type listResponse struct {
	Jobs       []model.Job `json:"jobs"`
	NextCursor string      `json:"next_cursor"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs (GET /jobs), descending by creation time",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listRepo, "repo", "", "filter by repo")
	listCmd.Flags().StringVar(&listBranch, "branch", "", "filter by branch")
	listCmd.Flags().StringVar(&listCursor, "cursor", "", "opaque pagination cursor")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "page size")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if listStatus != "" {
		q.Set("status", listStatus)
	}
	if listRepo != "" {
		q.Set("repo", listRepo)
	}
	if listBranch != "" {
		q.Set("branch", listBranch)
	}
	if listCursor != "" {
		q.Set("cursor", listCursor)
	}
	q.Set("limit", strconv.Itoa(listLimit))

	var page listResponse
	if err := newClient().do("GET", "/api/jobs?"+q.Encode(), nil, &page); err != nil {
		return err
	}
	if jsonOut {
		printJSON(page)
		return nil
	}
	if len(page.Jobs) == 0 {
		fmt.Println("no jobs found")
		return nil
	}
	fmt.Printf("%-24s %-10s %-30s %-14s %s\n", "JOB", "STATUS", "REPO", "BRANCH", "CREATED")
	fmt.Println(strings.Repeat("-", 100))
	for _, j := range page.Jobs {
		fmt.Printf("%-24s %-10s %-30s %-14s %s\n", j.ID, j.Status, j.Repo, j.Branch, j.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	if page.NextCursor != "" {
		fmt.Printf("\nnext cursor: %s\n", page.NextCursor)
	}
	return nil
}
