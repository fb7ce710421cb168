package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/raibid-labs/ci-core/internal/httpapi/response"
)

// apiClient is a thin REST wrapper; internal/KV/QS calls use a 5s
// timeout per spec §5, but a CLI request waits longer since it may sit
// behind a human watching a terminal.
type apiClient struct {
	base string
	hc   *http.Client
}

func newClient() *apiClient {
	return &apiClient{base: apiBase, hc: &http.Client{Timeout: 30 * time.Second}}
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &CLIError{Code: 1, Err: err}
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return usageError("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return unavailableError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &CLIError{Code: 1, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		var env response.ErrorEnvelope
		if jerr := json.Unmarshal(raw, &env); jerr == nil && env.Error.Message != "" {
			return &CLIError{Code: 1, Err: fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)}
		}
		return &CLIError{Code: 1, Err: fmt.Errorf("control API returned %d: %s", resp.StatusCode, string(raw))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &CLIError{Code: 1, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
