package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"skinsync/models"
	"skinsync/orchestrator"
	"skinsync/storage"
)

type selectionFlags struct {
	settings bool
	widgets  bool
	keymaps  bool
}

func (s *selectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&s.settings, "settings", false, "include the skin settings directory")
	cmd.Flags().BoolVar(&s.widgets, "widgets", false, "include widget configuration")
	cmd.Flags().BoolVar(&s.keymaps, "keymaps", false, "include keymaps")
}

// selection returns the chosen categories, or all of them when no flag
// was given.
func (s *selectionFlags) selection() models.Selection {
	if !s.settings && !s.widgets && !s.keymaps {
		return models.NewSelection(models.AllCategories...)
	}
	sel := models.Selection{}
	if s.settings {
		sel[models.CategorySettings] = true
	}
	if s.widgets {
		sel[models.CategoryWidgets] = true
	}
	if s.keymaps {
		sel[models.CategoryKeymaps] = true
	}
	return sel
}

func newSetupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Generate a key pair, find appliances and install the key on them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			password, err := a.password(out, "")
			if err != nil {
				return err
			}
			stop := printEvents(out, a.orch.Events())
			report, err := a.orch.Setup(cmd.Context(), password)
			stop()
			if err != nil {
				return err
			}
			if len(report.Rejected) > 0 {
				fmt.Fprintf(out, "%d host(s) rejected the password\n", len(report.Rejected))
				password, err := a.retryPassword(out, "")
				switch {
				case errors.Is(err, models.ErrPasswordRequired):
				case err != nil:
					return err
				default:
					stop = printEvents(out, a.orch.Events())
					report, err = a.orch.RetryRejected(cmd.Context(), report, password)
					stop()
					if err != nil {
						return err
					}
				}
			}
			if report.Generated {
				fingerprint, _ := a.creds.Fingerprint()
				fmt.Fprintf(out, "generated key %s\n", fingerprint)
			}
			printDevices(out, report.Devices)
			fmt.Fprintf(out, "%d device(s) found, %d newly authorized\n", report.Found, report.Authorized)
			for _, host := range report.Failed {
				fmt.Fprintf(out, "could not authorize %s\n", host)
			}
			for _, c := range report.Rejected {
				fmt.Fprintf(out, "%s rejected the password\n", c.Address)
			}
			return nil
		},
	}
}

func newScanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List appliances reachable on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			stop := printEvents(out, a.orch.Events())
			res, err := a.orch.Scan(cmd.Context(), "")
			stop()
			if err != nil {
				return err
			}
			if len(res.NeedPassword) > 0 {
				if res, err = a.reverify(cmd, res, a.password); err != nil {
					return err
				}
			}
			if len(res.Rejected) > 0 {
				fmt.Fprintf(out, "%d host(s) rejected the password\n", len(res.Rejected))
				if res, err = a.reverify(cmd, res, a.retryPassword); err != nil {
					return err
				}
			}
			if res.FellBack {
				fmt.Fprintln(out, "zero-config discovery unavailable; used a subnet sweep")
			}
			printDevices(out, res.Devices)
			for _, c := range res.Rejected {
				fmt.Fprintf(out, "%s rejected the password\n", c.Address)
			}
			return nil
		},
	}
}

// reverify asks for a password through ask and retries the unverified
// hosts of res once. Without a password res is returned unchanged.
func (a *app) reverify(cmd *cobra.Command, res orchestrator.ScanResult, ask func(io.Writer, string) (string, error)) (orchestrator.ScanResult, error) {
	out := cmd.OutOrStdout()
	password, err := ask(out, "")
	if errors.Is(err, models.ErrPasswordRequired) {
		fmt.Fprintf(out, "%d host(s) need a password to verify; rerun with --password-stdin\n",
			len(res.NeedPassword)+len(res.Rejected))
		return res, nil
	}
	if err != nil {
		return res, err
	}
	stop := printEvents(out, a.orch.Events())
	defer stop()
	return a.orch.Reverify(cmd.Context(), res, password)
}

func newAddCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "add <address>",
		Short: "Check a single appliance by address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			dev, err := a.orch.ManualAdd(cmd.Context(), args[0], "")
			if errors.Is(err, models.ErrPasswordRequired) {
				password, perr := a.password(out, args[0])
				if perr != nil {
					return perr
				}
				dev, err = a.orch.ManualAdd(cmd.Context(), args[0], password)
			}
			if err != nil {
				return err
			}
			printDevices(out, []models.Device{dev})
			if !dev.KeyAuthorized {
				fmt.Fprintf(out, "run 'skinsync authorize %s' to install the key\n", dev.Address)
			}
			return nil
		},
	}
}

func newAuthorizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "authorize <address>",
		Short: "Install the local public key on an appliance and pair it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			password, err := a.password(out, args[0])
			if err != nil {
				return err
			}
			if err := a.orch.Authorize(cmd.Context(), args[0], password); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s authorized and paired\n", args[0])
			return nil
		},
	}
}

func newPushCmd(a *app) *cobra.Command {
	var sel selectionFlags
	var backupFirst, legacy bool
	cmd := &cobra.Command{
		Use:   "push <address>",
		Short: "Copy local artifacts to an appliance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			stop := printEvents(out, a.orch.Events())
			var (
				report orchestrator.Report
				err    error
			)
			if legacy {
				report, err = a.orch.SyncLegacy(cmd.Context(), args[0])
			} else {
				report, err = a.orch.Push(cmd.Context(), args[0], sel.selection(), orchestrator.PushOptions{Backup: backupFirst})
			}
			stop()
			if err != nil {
				return err
			}
			printReport(out, report)
			if !report.OK() {
				return errors.Newf("push to %s %s", args[0], report.Status())
			}
			return nil
		},
	}
	sel.register(cmd)
	cmd.Flags().BoolVar(&backupFirst, "backup", false, "snapshot the appliance's current files locally first")
	cmd.Flags().BoolVar(&legacy, "legacy", false, "copy settings only and restart without stopping the service")
	return cmd
}

func newPullCmd(a *app) *cobra.Command {
	var sel selectionFlags
	cmd := &cobra.Command{
		Use:   "pull <address>",
		Short: "Copy an appliance's artifacts over the local ones, after a local backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			stop := printEvents(out, a.orch.Events())
			report, err := a.orch.Pull(cmd.Context(), args[0], sel.selection())
			stop()
			if err != nil {
				return err
			}
			printReport(out, report)
			if !report.OK() {
				return errors.Newf("pull from %s %s", args[0], report.Status())
			}
			return nil
		},
	}
	sel.register(cmd)
	return cmd
}

func newPushAllCmd(a *app) *cobra.Command {
	var sel selectionFlags
	cmd := &cobra.Command{
		Use:   "push-all",
		Short: "Push to every reachable paired appliance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			stop := printEvents(out, a.orch.Events())
			batch, err := a.orch.PushAll(cmd.Context(), sel.selection())
			stop()
			if err != nil {
				return err
			}
			printBatch(cmd, batch)
			return nil
		},
	}
	sel.register(cmd)
	return cmd
}

func newPullAllCmd(a *app) *cobra.Command {
	var sel selectionFlags
	cmd := &cobra.Command{
		Use:   "pull-all",
		Short: "Pull from every reachable paired appliance in turn",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			stop := printEvents(out, a.orch.Events())
			batch, err := a.orch.PullAll(cmd.Context(), sel.selection())
			stop()
			if err != nil {
				return err
			}
			if batch.Backup != "" {
				fmt.Fprintf(out, "backup: %s\n", batch.Backup)
			}
			printBatch(cmd, batch)
			return nil
		},
	}
	sel.register(cmd)
	return cmd
}

func printBatch(cmd *cobra.Command, batch orchestrator.BatchResult) {
	out := cmd.OutOrStdout()
	for _, r := range batch.Reports {
		printReport(out, r)
	}
	fmt.Fprintln(out, batch.String())
}

func newPairedCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paired",
		Short: "Manage paired appliances",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List paired appliances",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				records, err := a.orch.ListPaired()
				if err != nil {
					return err
				}
				printPaired(cmd.OutOrStdout(), records)
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <address>",
			Short: "Forget a paired appliance",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				removed, err := a.orch.RemovePaired(args[0])
				if err != nil {
					return err
				}
				if !removed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s was not paired\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func newResetKeysCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset-keys",
		Short: "Delete the local key pair",
		Long: `Deletes the local key pair. Appliances keep the old public key in
authorized_keys; run setup or authorize again to install a new one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to delete the key pair without --yes")
			}
			if err := a.orch.ResetCredentials(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "key pair removed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func newBackupsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Inspect and restore local backups",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List backups, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				snaps, err := a.backups.List()
				if err != nil {
					return err
				}
				printBackups(cmd.OutOrStdout(), snaps)
				return nil
			},
		},
		&cobra.Command{
			Use:   "restore <name>",
			Short: "Restore a backup over the local userdata tree",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				snap, err := a.backups.Restore(args[0], a.layout.LocalUserdata)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s (%s) into %s\n",
					snap.Name, joinCategories(snap.Categories), a.layout.LocalUserdata)
				return nil
			},
		},
	)
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		host     string
		limit    int
		since    time.Duration
		runID    string
		trust    bool
		warnings bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past sync runs or trust events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if runID != "" {
				run, err := a.store.GetRun(runID)
				if err != nil {
					return err
				}
				printRun(out, *run)
				return nil
			}
			var cutoff int64
			if since > 0 {
				cutoff = time.Now().Add(-since).UnixMilli()
			}
			if trust || warnings {
				events, err := a.store.GetTrustEvents(storage.TrustEventFilter{
					Host:         host,
					WarningsOnly: warnings,
					Since:        cutoff,
					Limit:        limit,
				})
				if err != nil {
					return err
				}
				printTrustEvents(out, events)
				return nil
			}
			runs, err := a.store.ListRuns(storage.RunFilter{Host: host, Since: cutoff, Limit: limit})
			if err != nil {
				return err
			}
			printRuns(out, runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "only show this appliance")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of rows")
	cmd.Flags().DurationVar(&since, "since", 0, "only show entries newer than this, e.g. 72h")
	cmd.Flags().StringVar(&runID, "run", "", "show the full record of one run")
	cmd.Flags().BoolVar(&trust, "trust", false, "show trust events instead of sync runs")
	cmd.Flags().BoolVar(&warnings, "warnings", false, "show only trust events with warning or critical severity")
	return cmd
}
