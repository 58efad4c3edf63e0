package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"skinsync/models"
	"skinsync/orchestrator"
	"skinsync/storage"
)

// printEvents renders events as plain lines until the returned stop
// function is called. stop prints whatever is still buffered.
func printEvents(out io.Writer, events <-chan orchestrator.Event) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case ev := <-events:
				printEvent(out, ev)
			case <-done:
				for {
					select {
					case ev := <-events:
						printEvent(out, ev)
					default:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func printEvent(out io.Writer, ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventProgress:
		fmt.Fprintf(out, "[%3d%%] %s\n", ev.Percent, ev.Message)
	case orchestrator.EventDeviceFound:
		fmt.Fprintf(out, "found %s (%s)\n", ev.Host, ev.Message)
	case orchestrator.EventWarning:
		if ev.Host != "" {
			fmt.Fprintf(out, "warning: %s: %s\n", ev.Host, ev.Message)
		} else {
			fmt.Fprintf(out, "warning: %s\n", ev.Message)
		}
	default:
		if ev.Host != "" {
			fmt.Fprintf(out, "%s: %s\n", ev.Host, ev.Message)
		} else {
			fmt.Fprintln(out, ev.Message)
		}
	}
}

func printDevices(out io.Writer, devices []models.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(out, "no devices found")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tACCESS\tPAIRED")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Address, d.Name, access(d), yesNo(d.FromPairing))
	}
	_ = tw.Flush()
}

func access(d models.Device) string {
	switch {
	case d.KeyAuthorized:
		return "key"
	case d.TrustedByName:
		return "name only"
	default:
		return "password"
	}
}

func printPaired(out io.Writer, records []models.PairedRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no paired devices")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tPAIRED AT")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Address, r.Name, r.PairedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func printReport(out io.Writer, r orchestrator.Report) {
	fmt.Fprintf(out, "%s %s: %s", r.Direction, r.Host, r.Status())
	if len(r.Succeeded) > 0 {
		fmt.Fprintf(out, " (copied %s)", joinCategories(r.Succeeded))
	}
	fmt.Fprintln(out)
	if len(r.Failed) > 0 {
		fmt.Fprintf(out, "  failed: %s\n", joinCategories(r.Failed))
	}
	if len(r.Skipped) > 0 {
		fmt.Fprintf(out, "  skipped missing: %s\n", strings.Join(r.Skipped, ", "))
	}
	if r.Backup != "" {
		fmt.Fprintf(out, "  backup: %s\n", r.Backup)
	}
	if err := r.Err(); err != nil {
		fmt.Fprintf(out, "  %s\n", strings.ReplaceAll(strings.TrimSpace(err.Error()), "\n", "\n  "))
	}
}

func printBackups(out io.Writer, snaps []models.BackupSnapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(out, "no backups")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCREATED\tCATEGORIES")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.CreatedAt.Local().Format(time.DateTime), joinCategories(s.Categories))
	}
	_ = tw.Flush()
}

func printRuns(out io.Writer, runs []storage.SyncRun) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "no sync history")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tHOST\tDIRECTION\tCATEGORIES\tSTATUS\tBACKUP")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, time.UnixMilli(r.StartedAt).Local().Format(time.DateTime),
			r.Host, r.Direction, strings.Join(r.Categories, ","), r.Status, r.BackupName)
	}
	_ = tw.Flush()
}

func printRun(out io.Writer, r storage.SyncRun) {
	fmt.Fprintf(out, "run:        %s\n", r.RunID)
	fmt.Fprintf(out, "host:       %s\n", r.Host)
	fmt.Fprintf(out, "direction:  %s\n", r.Direction)
	fmt.Fprintf(out, "categories: %s\n", strings.Join(r.Categories, ","))
	fmt.Fprintf(out, "status:     %s\n", r.Status)
	fmt.Fprintf(out, "started:    %s\n", time.UnixMilli(r.StartedAt).Local().Format(time.DateTime))
	fmt.Fprintf(out, "finished:   %s\n", time.UnixMilli(r.FinishedAt).Local().Format(time.DateTime))
	if r.BackupName != "" {
		fmt.Fprintf(out, "backup:     %s\n", r.BackupName)
	}
	if r.Detail != "" {
		fmt.Fprintf(out, "detail:\n  %s\n", strings.ReplaceAll(strings.TrimSpace(r.Detail), "\n", "\n  "))
	}
}

func printTrustEvents(out io.Writer, events []storage.TrustEvent) {
	if len(events) == 0 {
		fmt.Fprintln(out, "no trust events")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tHOST\tSEVERITY\tDETAILS")
	for _, e := range events {
		host := ""
		if e.Host != nil {
			host = *e.Host
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(e.Timestamp).Local().Format(time.DateTime),
			e.EventType, host, e.Severity, e.Details)
	}
	_ = tw.Flush()
}

func joinCategories(categories []models.Category) string {
	names := make([]string, 0, len(categories))
	for _, c := range categories {
		names = append(names, string(c))
	}
	return strings.Join(names, ",")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
