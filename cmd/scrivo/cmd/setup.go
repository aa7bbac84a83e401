package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// setupCmd is a placeholder; interactive setup lives in the companion
// tooling, not in this binary.
var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Show how to configure scrivo",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		fmt.Println(`scrivo reads config.yaml from ., /etc/scrivo, or $HOME/.scrivo
(override with --config). Every key can also be set through the
environment with the SCRIVO_ prefix, e.g. SCRIVO_PATHS_WORK.

Minimal configuration:

  paths:
    input:   /srv/scrivo/in
    work:    /srv/scrivo/work
    results: /srv/scrivo/out
    providers: /etc/scrivo/providers.d

Provider credentials are read from the environment variable each
provider descriptor names (api_key_env) and are never written to disk.`)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
