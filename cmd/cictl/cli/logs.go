package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var logsFromSeq int64

type logLine struct {
	Seq       int64  `json:"seq"`
	Step      string `json:"step"`
	Line      string `json:"line"`
	Timestamp string `json:"ts"`
}

var logsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Tail a job's log stream (GET /jobs/{id}/logs, SSE)",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().Int64Var(&logsFromSeq, "from-seq", 0, "replay lines with seq greater than this before following live")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/jobs/%s/logs?from_seq=%s", apiBase, args[0], strconv.FormatInt(logsFromSeq, 10))

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return usageError("build request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return unavailableError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &CLIError{Code: 1, Err: fmt.Errorf("control API returned %d", resp.StatusCode)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		data, ok := strings.CutPrefix(text, "data: ")
		if !ok {
			continue
		}
		var line logLine
		if json.Unmarshal([]byte(data), &line) != nil {
			continue
		}
		if jsonOut {
			printJSON(line)
			continue
		}
		fmt.Printf("[%s] %s\n", line.Step, line.Line)
	}
	return nil
}
