package remote

import (
	"context"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"skinsync/models"
)

// OpenSSH drives the system ssh and scp binaries.
type OpenSSH struct {
	cfg Config
	log *zap.SugaredLogger
}

// NewOpenSSH creates the binary-backed executor.
func NewOpenSSH(cfg Config) *OpenSSH {
	cfg = cfg.withDefaults()
	return &OpenSSH{cfg: cfg, log: cfg.Logger}
}

func (o *OpenSSH) target(host string) string {
	return o.cfg.Username + "@" + host
}

// commonOptions disables host key checking; appliances are reflashed often
// and live on a private LAN.
func (o *OpenSSH) commonOptions(auth Auth) []string {
	opts := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
	}
	if auth.Mode == AuthPassword {
		return append(opts,
			"-o", "ConnectTimeout="+seconds(PasswordConnectTimeout),
			"-o", "PubkeyAuthentication=no",
			"-o", "PreferredAuthentications=password,keyboard-interactive",
			"-o", "NumberOfPasswordPrompts=1",
		)
	}
	opts = append(opts,
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout="+seconds(o.cfg.ConnectTimeout),
	)
	if o.cfg.KeyPath != "" {
		opts = append(opts, "-o", "IdentitiesOnly=yes", "-i", o.cfg.KeyPath)
	}
	return opts
}

// Run executes command on host. Failures surface as exit codes and output;
// a timeout yields an empty, incomplete Result.
func (o *OpenSSH) Run(ctx context.Context, host, command string, auth Auth, timeout time.Duration) Result {
	runCtx, cancel := context.WithTimeout(ctx, orDefault(timeout, DefaultCommandTimeout))
	defer cancel()

	args := append(o.commonOptions(auth), "-p", strconv.Itoa(o.cfg.Port), o.target(host), command)
	cmd := exec.CommandContext(runCtx, o.cfg.SSHBinary, args...)
	cmd.Env = os.Environ()
	cmd.WaitDelay = time.Second

	if auth.Mode == AuthPassword {
		helper, err := newAskpass(auth.Password)
		if err != nil {
			o.log.Errorf("prepare password login for %s: %v", host, err)
			return Result{}
		}
		defer func() {
			if err := helper.Close(); err != nil {
				o.log.Warnf("remove askpass helper: %v", err)
			}
		}()
		cmd.Env = append(cmd.Env, helper.env()...)
	}

	o.log.Debugf("ssh %s: %s", o.target(host), command)
	out, err := cmd.CombinedOutput()
	if runCtx.Err() != nil {
		o.log.Warnf("ssh %s timed out after %s", host, orDefault(timeout, DefaultCommandTimeout))
		return Result{}
	}
	return resultFrom(out, err)
}

// Upload copies local onto host with scp. A directory is sent by name
// into the parent of remote, so the remote path ends up holding its
// contents merged over what was there.
func (o *OpenSSH) Upload(ctx context.Context, host, local, remote string, timeout time.Duration) error {
	info, err := os.Stat(local)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "stat %s", local), models.ErrTransferFailed)
	}
	if !info.IsDir() {
		return o.scp(ctx, timeout, local, o.target(host)+":"+remote)
	}

	remote = path.Clean(remote)
	src := filepath.Clean(local)
	if filepath.Base(src) != path.Base(remote) {
		staging, err := os.MkdirTemp("", "skinsync-push-")
		if err != nil {
			return errors.Mark(errors.Wrap(err, "create staging directory"), models.ErrTransferFailed)
		}
		defer os.RemoveAll(staging)
		src = filepath.Join(staging, path.Base(remote))
		if err := copyTree(local, src); err != nil {
			return errors.Mark(errors.Wrapf(err, "stage %s", local), models.ErrTransferFailed)
		}
	}
	return o.scp(ctx, timeout, src, o.target(host)+":"+path.Dir(remote)+"/")
}

// Download copies remote from host into a staging directory next to local
// and merges it over local.
func (o *OpenSSH) Download(ctx context.Context, host, remote, local string, timeout time.Duration) error {
	parent := filepath.Dir(local)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return errors.Mark(errors.Wrapf(err, "create %s", parent), models.ErrTransferFailed)
	}
	staging, err := os.MkdirTemp(parent, ".skinsync-pull-")
	if err != nil {
		return errors.Mark(errors.Wrap(err, "create staging directory"), models.ErrTransferFailed)
	}
	defer os.RemoveAll(staging)

	if err := o.scp(ctx, timeout, o.target(host)+":"+remote, staging+string(os.PathSeparator)); err != nil {
		return err
	}
	fetched := filepath.Join(staging, path.Base(path.Clean(remote)))
	if err := mergeInto(fetched, local); err != nil {
		return errors.Mark(errors.Wrapf(err, "install %s", local), models.ErrTransferFailed)
	}
	return nil
}

func (o *OpenSSH) scp(ctx context.Context, timeout time.Duration, src, dst string) error {
	copyCtx, cancel := context.WithTimeout(ctx, orDefault(timeout, DefaultCopyTimeout))
	defer cancel()

	args := append([]string{"-r", "-q", "-P", strconv.Itoa(o.cfg.Port)}, o.commonOptions(KeyAuth())...)
	args = append(args, src, dst)
	cmd := exec.CommandContext(copyCtx, o.cfg.SCPBinary, args...)
	cmd.WaitDelay = time.Second

	o.log.Debugf("scp %s -> %s", src, dst)
	out, err := cmd.CombinedOutput()
	if copyCtx.Err() != nil {
		return errors.Mark(errors.Mark(errors.Newf("scp %s -> %s timed out", src, dst), models.ErrTimeout), models.ErrTransferFailed)
	}
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "scp %s -> %s: %s", src, dst, trimOutput(out)), models.ErrTransferFailed)
	}
	return nil
}

func resultFrom(out []byte, err error) Result {
	res := Result{Output: out, Completed: true}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Output = append(res.Output, []byte(err.Error())...)
		}
	}
	return res
}

func seconds(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}

func trimOutput(out []byte) string {
	const max = 512
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return string(out)
}
