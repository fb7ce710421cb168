// Command cictl is the control-plane's REST client: submit, list,
// inspect, cancel jobs, and tail a job's log stream from the shell
// (spec §4.3 "direct CLI/API trigger"). Grounded on fixflow's
// cmd/fixflow/cli package shape (cobra root + one file per subcommand),
// with the sqlite store swapped for an HTTP client against the control
// API.
package main

import (
	"os"

	"github.com/raibid-labs/ci-core/cmd/cictl/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCodeOf(err))
	}
}
