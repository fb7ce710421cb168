package cli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestRunLogs_StreamsDataLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: log\ndata: {\"seq\":1,\"step\":\"build\",\"line\":\"hello\"}\n\n"))
	}))
	defer srv.Close()

	origBase := apiBase
	apiBase = srv.URL
	t.Cleanup(func() { apiBase = origBase })

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	require.NoError(t, runLogs(cmd, []string{"job-1"}))
}

func TestRunLogs_ReturnsCLIErrorOnHTTPFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	origBase := apiBase
	apiBase = srv.URL
	t.Cleanup(func() { apiBase = origBase })

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	err := runLogs(cmd, []string{"missing"})
	require.Error(t, err)
	require.Equal(t, 1, ExitCodeOf(err))
}
