// Package cli is the skinsync command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var version = "dev" // set by the linker

type globalOptions struct {
	configFile    string
	dataDir       string
	debug         bool
	passwordStdin bool
}

// Execute runs the root command with ctx and returns the process exit code.
func Execute(ctx context.Context) int {
	a := &app{opts: &globalOptions{}, stdin: os.Stdin}
	err := newRootCommand(a).ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", cerr)
		return 1
	}
	if err != nil {
		return 1
	}
	return 0
}

// newRootCommand builds a fresh command tree around a. The caller closes a.
func newRootCommand(a *app) *cobra.Command {
	opts := a.opts

	cmd := &cobra.Command{
		Use:   "skinsync",
		Short: "Keep Kodi skin settings in sync across CoreELEC boxes on the LAN.",
		Long: `skinsync finds CoreELEC appliances on the local network, installs a
local SSH key on them and copies skin settings, widget configuration and
keymaps between this machine and the appliances.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default is skinsync.yaml in the data directory)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "data directory (default $SKINSYNC_DATA_DIR or the OS config dir)")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&opts.passwordStdin, "password-stdin", false, "read the appliance password from stdin")
	flags.String("prefix", "", `network prefix to sweep, e.g. "192.168.1" (default derived from the outbound route)`)
	flags.String("transport", "", `remote transport: "openssh" or "native"`)

	cmd.AddCommand(
		newSetupCmd(a),
		newScanCmd(a),
		newAddCmd(a),
		newAuthorizeCmd(a),
		newPushCmd(a),
		newPullCmd(a),
		newPushAllCmd(a),
		newPullAllCmd(a),
		newPairedCmd(a),
		newResetKeysCmd(a),
		newBackupsCmd(a),
		newHistoryCmd(a),
	)
	return cmd
}

// boundFlags maps config keys onto the persistent flags that override them.
func boundFlags(cmd *cobra.Command) map[string]*pflag.Flag {
	return map[string]*pflag.Flag{
		"network.prefix": cmd.Flags().Lookup("prefix"),
		"transport":      cmd.Flags().Lookup("transport"),
	}
}
