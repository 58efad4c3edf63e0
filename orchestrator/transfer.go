package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"skinsync/artifacts"
	"skinsync/models"
	"skinsync/remote"
	"skinsync/storage"
)

// PushOptions tunes one push.
type PushOptions struct {
	// Backup snapshots the target's current trees locally before they are
	// overwritten. A failed snapshot aborts the push.
	Backup bool
}

type pullOptions struct {
	// skipBackup is set by PullAll, which takes one snapshot for the batch.
	skipBackup bool
}

// Push stops the remote service, copies every selected tree and starts the
// service again in the background. Per-category failures are recorded in
// the report; only setup failures are returned as errors.
func (o *Orchestrator) Push(ctx context.Context, address string, sel models.Selection, opts PushOptions) (Report, error) {
	if err := o.preflight(sel); err != nil {
		return Report{}, err
	}
	report := newReport(uuid.NewString(), address, storage.DirectionPush, sel, o.now())
	defer func() { o.finish(&report) }()

	items := o.cfg.Layout.ItemsFor(sel)
	if opts.Backup {
		snap, err := o.backupRemote(ctx, address, items)
		if err != nil {
			report.failRemaining(errors.Wrap(err, "back up remote trees"))
			return report, nil
		}
		report.Backup = snap.Name
	}

	o.transferEvent(address, "stopping "+o.cfg.Service)
	if err := o.serviceCommand(ctx, address, "systemctl stop %s && echo "+remote.SentinelDone); err != nil {
		if errors.Is(err, models.ErrHostUnreachable) {
			report.failRemaining(err)
			return report, nil
		}
		report.note(err)
		o.warn(address, err.Error())
	}

	if err := o.makeRemoteDirs(ctx, address, items); err != nil {
		report.failRemaining(err)
	} else {
		for _, c := range sel.Categories() {
			o.pushCategory(ctx, address, c, &report)
		}
	}

	o.transferEvent(address, "starting "+o.cfg.Service)
	if err := o.serviceCommand(ctx, address, "(sleep 1; systemctl start %s) >/dev/null 2>&1 </dev/null & echo "+remote.SentinelDone); err != nil {
		report.note(err)
		o.warn(address, err.Error())
	}

	if len(report.Succeeded) > 0 {
		if err := o.pair(address); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (o *Orchestrator) pushCategory(ctx context.Context, address string, c models.Category, report *Report) {
	copied := 0
	var failed error
	for _, it := range o.cfg.Layout.Items(c) {
		if _, err := os.Stat(it.Local); err != nil {
			o.log.Debugf("skip %s: %v", it.Rel, err)
			report.Skipped = append(report.Skipped, it.Rel)
			continue
		}
		o.transferEvent(address, "copying "+it.Rel)
		if err := o.deps.Executor.Upload(ctx, address, it.Local, it.Remote, o.cfg.CopyTimeout); err != nil {
			o.warn(address, fmt.Sprintf("copy %s: %v", it.Rel, err))
			failed = errors.CombineErrors(failed, errors.Wrapf(err, "%s %s", c, it.Rel))
			continue
		}
		copied++
	}

	switch {
	case failed != nil:
		report.fail(c, failed)
	case copied == 0:
		report.fail(c, errors.Mark(errors.Newf("%s: nothing to copy under %s", c, o.cfg.Layout.LocalUserdata), models.ErrTransferFailed))
	default:
		report.succeed(c)
	}
}

// Pull snapshots the local trees, then copies every selected remote tree
// over its local counterpart.
func (o *Orchestrator) Pull(ctx context.Context, address string, sel models.Selection) (Report, error) {
	if err := o.preflight(sel); err != nil {
		return Report{}, err
	}
	return o.pull(ctx, address, sel, pullOptions{})
}

func (o *Orchestrator) pull(ctx context.Context, address string, sel models.Selection, opts pullOptions) (Report, error) {
	report := newReport(uuid.NewString(), address, storage.DirectionPull, sel, o.now())
	items := o.cfg.Layout.ItemsFor(sel)

	if !opts.skipBackup {
		snap, err := o.backupLocal(items)
		if err != nil {
			return report, err
		}
		report.Backup = snap.Name
	}
	defer func() { o.finish(&report) }()

	present, err := o.remoteInventory(ctx, address, items)
	if err != nil {
		report.failRemaining(err)
		return report, nil
	}

	for _, c := range sel.Categories() {
		copied := 0
		var failed error
		for _, it := range o.cfg.Layout.Items(c) {
			if !present[it.Remote] {
				report.Skipped = append(report.Skipped, it.Rel)
				continue
			}
			o.transferEvent(address, "fetching "+it.Rel)
			if err := o.download(ctx, address, it); err != nil {
				o.warn(address, fmt.Sprintf("fetch %s: %v", it.Rel, err))
				failed = errors.CombineErrors(failed, errors.Wrapf(err, "%s %s", c, it.Rel))
				continue
			}
			copied++
		}
		switch {
		case failed != nil:
			report.fail(c, failed)
		case copied == 0:
			report.fail(c, errors.Mark(errors.Newf("%s: nothing to fetch from %s", c, address), models.ErrTransferFailed))
		default:
			report.succeed(c)
		}
	}

	if len(report.Succeeded) > 0 {
		if err := o.pair(address); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (o *Orchestrator) download(ctx context.Context, address string, it artifacts.Item) error {
	if err := os.MkdirAll(filepath.Dir(it.Local), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(it.Local))
	}
	return o.deps.Executor.Download(ctx, address, it.Remote, it.Local, o.cfg.CopyTimeout)
}

// PushAll pushes sel to every reachable paired host in turn.
func (o *Orchestrator) PushAll(ctx context.Context, sel models.Selection) (BatchResult, error) {
	if err := o.preflight(sel); err != nil {
		return BatchResult{}, err
	}
	targets, err := o.reachablePaired(ctx)
	if err != nil {
		return BatchResult{}, err
	}

	batch := BatchResult{Total: len(targets)}
	for _, address := range targets {
		report, err := o.Push(ctx, address, sel, PushOptions{})
		batch.add(report, err)
		if err != nil {
			o.warn(address, fmt.Sprintf("push: %v", err))
		}
	}
	o.log.Infof("push to all: %s", batch)
	return batch, nil
}

// PullAll takes one local snapshot, then pulls sel from every reachable
// paired host in turn. Later hosts overwrite what earlier ones fetched.
func (o *Orchestrator) PullAll(ctx context.Context, sel models.Selection) (BatchResult, error) {
	if err := o.preflight(sel); err != nil {
		return BatchResult{}, err
	}
	targets, err := o.reachablePaired(ctx)
	if err != nil {
		return BatchResult{}, err
	}

	batch := BatchResult{Total: len(targets)}
	if len(targets) == 0 {
		return batch, nil
	}
	snap, err := o.backupLocal(o.cfg.Layout.ItemsFor(sel))
	if err != nil {
		return batch, err
	}
	batch.Backup = snap.Name

	for _, address := range targets {
		report, err := o.pull(ctx, address, sel, pullOptions{skipBackup: true})
		batch.add(report, err)
		if err != nil {
			o.warn(address, fmt.Sprintf("pull: %v", err))
		}
	}
	o.log.Infof("pull from all: %s", batch)
	return batch, nil
}

func (b *BatchResult) add(report Report, err error) {
	if err != nil {
		report.note(err)
	} else if report.OK() {
		b.Succeeded++
	}
	b.Reports = append(b.Reports, report)
}

// SyncLegacy copies the settings tree and restarts the service in the
// background without stopping it first.
func (o *Orchestrator) SyncLegacy(ctx context.Context, address string) (Report, error) {
	sel := models.NewSelection(models.CategorySettings)
	if err := o.preflight(sel); err != nil {
		return Report{}, err
	}
	report := newReport(uuid.NewString(), address, storage.DirectionLegacy, sel, o.now())
	defer func() { o.finish(&report) }()

	items := o.cfg.Layout.Items(models.CategorySettings)
	if err := o.makeRemoteDirs(ctx, address, items); err != nil {
		report.failRemaining(err)
		return report, nil
	}
	o.pushCategory(ctx, address, models.CategorySettings, &report)

	if err := o.serviceCommand(ctx, address, "(sleep 1; systemctl restart %s) >/dev/null 2>&1 </dev/null & echo "+remote.SentinelDone); err != nil {
		report.note(err)
		o.warn(address, err.Error())
	}

	if len(report.Succeeded) > 0 {
		if err := o.pair(address); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (o *Orchestrator) preflight(sel models.Selection) error {
	if err := sel.Validate(); err != nil {
		return err
	}
	if !o.deps.Credentials.Exists() {
		return models.ErrCredentialMissing
	}
	return nil
}

func (o *Orchestrator) finish(report *Report) {
	report.FinishedAt = o.now()
	o.recordRun(*report)
	if err := report.Err(); err != nil {
		o.log.Warnf("%s %s: %s (%v)", report.Direction, report.Host, report.Status(), err)
	} else {
		o.log.Infof("%s %s: %s", report.Direction, report.Host, report.Status())
	}
	o.transferEvent(report.Host, fmt.Sprintf("%s %s", report.Direction, report.Status()))
}

// serviceCommand runs format with the quoted service name substituted. An
// answer without the sentinel is a service control failure; no answer at
// all means the host is unreachable.
func (o *Orchestrator) serviceCommand(ctx context.Context, address, format string) error {
	service, err := remote.Quote(o.cfg.Service)
	if err != nil {
		return errors.Mark(err, models.ErrRemoteServiceControl)
	}
	command := fmt.Sprintf(format, service)
	res := o.deps.Executor.Run(ctx, address, command, remote.KeyAuth(), o.cfg.CommandTimeout)
	return checkResult(address, command, res, models.ErrRemoteServiceControl)
}

func (o *Orchestrator) makeRemoteDirs(ctx context.Context, address string, items []artifacts.Item) error {
	seen := make(map[string]bool, len(items))
	quoted := make([]string, 0, len(items))
	for _, it := range items {
		dir := it.RemoteDir()
		if seen[dir] {
			continue
		}
		seen[dir] = true
		q, err := remote.Quote(dir)
		if err != nil {
			return errors.Mark(err, models.ErrTransferFailed)
		}
		quoted = append(quoted, q)
	}
	command := "mkdir -p " + strings.Join(quoted, " ") + " && echo " + remote.SentinelDone
	res := o.deps.Executor.Run(ctx, address, command, remote.KeyAuth(), o.cfg.CommandTimeout)
	return checkResult(address, command, res, models.ErrTransferFailed)
}

// remoteInventory reports which item paths exist on address.
func (o *Orchestrator) remoteInventory(ctx context.Context, address string, items []artifacts.Item) (map[string]bool, error) {
	quoted := make([]string, 0, len(items))
	for _, it := range items {
		q, err := remote.Quote(it.Remote)
		if err != nil {
			return nil, errors.Mark(err, models.ErrTransferFailed)
		}
		quoted = append(quoted, q)
	}
	command := "for p in " + strings.Join(quoted, " ") + `; do [ -e "$p" ] && echo "$p"; done; echo ` + remote.SentinelDone
	res := o.deps.Executor.Run(ctx, address, command, remote.KeyAuth(), o.cfg.CommandTimeout)
	if err := checkResult(address, command, res, models.ErrTransferFailed); err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(items))
	for _, line := range strings.Split(res.Text(), "\n") {
		present[strings.TrimSpace(line)] = true
	}
	return present, nil
}

func (o *Orchestrator) backupLocal(items []artifacts.Item) (models.BackupSnapshot, error) {
	snap, err := o.deps.Backups.Create("local-"+o.cfg.Layout.Skin, o.cfg.Layout.LocalUserdata, items)
	if err != nil {
		return snap, errors.Wrap(err, "back up local trees")
	}
	o.transferEvent("", "backup "+snap.Name)
	return snap, nil
}

// backupRemote fetches the current remote trees into a staging directory
// and snapshots them.
func (o *Orchestrator) backupRemote(ctx context.Context, address string, items []artifacts.Item) (models.BackupSnapshot, error) {
	present, err := o.remoteInventory(ctx, address, items)
	if err != nil {
		return models.BackupSnapshot{}, err
	}
	staging, err := os.MkdirTemp("", "skinsync-remote-*")
	if err != nil {
		return models.BackupSnapshot{}, errors.Wrap(err, "create staging directory")
	}
	defer func() {
		_ = os.RemoveAll(staging)
	}()

	for _, it := range items {
		if !present[it.Remote] {
			continue
		}
		local := filepath.Join(staging, filepath.FromSlash(it.Rel))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return models.BackupSnapshot{}, errors.Wrap(err, "create staging directory")
		}
		if err := o.deps.Executor.Download(ctx, address, it.Remote, local, o.cfg.CopyTimeout); err != nil {
			return models.BackupSnapshot{}, err
		}
	}

	snap, err := o.deps.Backups.Create(address+"-"+o.cfg.Layout.Skin, staging, items)
	if err != nil {
		return snap, err
	}
	o.transferEvent(address, "backup "+snap.Name)
	return snap, nil
}

// reachablePaired probes every paired host and returns those that answer.
func (o *Orchestrator) reachablePaired(ctx context.Context) ([]string, error) {
	records, err := o.deps.Registry.List()
	if err != nil {
		return nil, errors.Wrap(err, "read pairing registry")
	}
	out := make([]string, 0, len(records))
	for _, rec := range records {
		o.remember(rec.Address, rec.Name)
		if !o.deps.Probe(ctx, rec.Address, o.cfg.Port, o.cfg.ManualProbeTimeout) {
			o.warn(rec.Address, "unreachable, skipped")
			continue
		}
		out = append(out, rec.Address)
	}
	return out, nil
}

func checkResult(address, command string, res remote.Result, kind error) error {
	if !res.Completed {
		return errors.Mark(errors.Wrapf(models.ErrHostUnreachable, "%s: no answer", address), models.ErrTimeout)
	}
	if res.ExitCode == 255 {
		return errors.Wrapf(models.ErrHostUnreachable, "%s: %s", address, res.Text())
	}
	if !res.Contains(remote.SentinelDone) {
		return errors.Mark(errors.Newf("%s: %q failed: %s", address, command, res.Text()), kind)
	}
	return nil
}
