package remote

import (
	"context"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"skinsync/models"
)

// Native speaks SSH in-process with golang.org/x/crypto/ssh and moves files
// over SFTP.
type Native struct {
	cfg Config
	log *zap.SugaredLogger
}

// NewNative creates the in-process executor.
func NewNative(cfg Config) *Native {
	cfg = cfg.withDefaults()
	return &Native{cfg: cfg, log: cfg.Logger}
}

func (n *Native) clientConfig(auth Auth) (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{
		User: n.cfg.Username,
		// Appliances are reflashed often and live on a private LAN.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         n.cfg.ConnectTimeout,
	}

	if auth.Mode == AuthPassword {
		password := auth.Password
		config.Timeout = PasswordConnectTimeout
		config.Auth = []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}
		return config, nil
	}

	if n.cfg.Signer == nil {
		return nil, models.ErrCredentialMissing
	}
	signer, err := n.cfg.Signer()
	if err != nil {
		return nil, err
	}
	config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	return config, nil
}

func (n *Native) dial(ctx context.Context, host string, auth Auth) (*ssh.Client, error) {
	config, err := n.clientConfig(auth)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(n.cfg.Port))

	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "connect %s", addr), models.ErrHostUnreachable)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, errors.Mark(errors.Wrapf(err, "login %s", addr), models.ErrAuthenticationFailed)
		}
		return nil, errors.Wrapf(err, "handshake %s", addr)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// Run executes command in one session. Connection and login failures are
// reported the way ssh(1) reports them: exit code 255 and a message.
func (n *Native) Run(ctx context.Context, host, command string, auth Auth, timeout time.Duration) Result {
	runCtx, cancel := context.WithTimeout(ctx, orDefault(timeout, DefaultCommandTimeout))
	defer cancel()

	done := make(chan Result, 1)
	clientReady := make(chan *ssh.Client, 1)

	go func() {
		c, err := n.dial(runCtx, host, auth)
		clientReady <- c
		if err != nil {
			done <- Result{Output: []byte(err.Error()), Completed: true, ExitCode: 255}
			return
		}
		session, err := c.NewSession()
		if err != nil {
			done <- Result{Output: []byte(err.Error()), Completed: true, ExitCode: 255}
			return
		}
		defer session.Close()

		n.log.Debugf("ssh %s@%s: %s", n.cfg.Username, host, command)
		out, err := session.CombinedOutput(command)
		res := Result{Output: out, Completed: true}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
			} else {
				res.ExitCode = 255
				res.Output = append(res.Output, []byte(err.Error())...)
			}
		}
		done <- res
	}()

	if client := <-clientReady; client != nil {
		defer client.Close()
	}

	select {
	case res := <-done:
		if runCtx.Err() != nil {
			return Result{}
		}
		return res
	case <-runCtx.Done():
		n.log.Warnf("ssh %s timed out", host)
		return Result{}
	}
}

// Upload copies local onto host over SFTP.
func (n *Native) Upload(ctx context.Context, host, local, remote string, timeout time.Duration) error {
	return n.transfer(ctx, host, timeout, func(client *sftp.Client) error {
		return uploadTree(client, local, remote)
	})
}

// Download copies remote from host onto local over SFTP.
func (n *Native) Download(ctx context.Context, host, remote, local string, timeout time.Duration) error {
	return n.transfer(ctx, host, timeout, func(client *sftp.Client) error {
		return downloadTree(client, remote, local)
	})
}

func (n *Native) transfer(ctx context.Context, host string, timeout time.Duration, fn func(*sftp.Client) error) error {
	copyCtx, cancel := context.WithTimeout(ctx, orDefault(timeout, DefaultCopyTimeout))
	defer cancel()

	client, err := n.dial(copyCtx, host, KeyAuth())
	if err != nil {
		return errors.Mark(err, models.ErrTransferFailed)
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "start sftp"), models.ErrTransferFailed)
	}
	defer sftpClient.Close()

	done := make(chan error, 1)
	go func() { done <- fn(sftpClient) }()

	select {
	case err := <-done:
		if err != nil {
			return errors.Mark(err, models.ErrTransferFailed)
		}
		return nil
	case <-copyCtx.Done():
		_ = client.Close()
		return errors.Mark(errors.Mark(errors.Newf("transfer with %s timed out", host), models.ErrTimeout), models.ErrTransferFailed)
	}
}

func uploadTree(client *sftp.Client, local, remote string) error {
	info, err := os.Stat(local)
	if err != nil {
		return errors.Wrapf(err, "stat %s", local)
	}
	if !info.IsDir() {
		if err := client.MkdirAll(path.Dir(remote)); err != nil {
			return errors.Wrapf(err, "create %s", path.Dir(remote))
		}
		return uploadFile(client, local, remote, info.Mode().Perm())
	}

	return filepath.WalkDir(local, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(local, p)
		if err != nil {
			return err
		}
		target := path.Join(remote, filepath.ToSlash(rel))
		if d.IsDir() {
			if err := client.MkdirAll(target); err != nil {
				return errors.Wrapf(err, "create %s", target)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return uploadFile(client, p, target, fi.Mode().Perm())
	})
}

func uploadFile(client *sftp.Client, local, remote string, mode fs.FileMode) error {
	in, err := os.Open(local)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := client.Create(remote)
	if err != nil {
		return errors.Wrapf(err, "create %s", remote)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "write %s", remote)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return client.Chmod(remote, mode)
}

func downloadTree(client *sftp.Client, remote, local string) error {
	info, err := client.Stat(remote)
	if err != nil {
		return errors.Wrapf(err, "stat %s", remote)
	}
	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return err
		}
		return downloadFile(client, remote, local, info.Mode().Perm())
	}

	walker := client.Walk(remote)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), remote), "/")
		target := filepath.Join(local, filepath.FromSlash(rel))
		stat := walker.Stat()
		if stat.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if !stat.Mode().IsRegular() {
			continue
		}
		if err := downloadFile(client, walker.Path(), target, stat.Mode().Perm()); err != nil {
			return err
		}
	}
	return nil
}

func downloadFile(client *sftp.Client, remote, local string, mode fs.FileMode) error {
	in, err := client.Open(remote)
	if err != nil {
		return errors.Wrapf(err, "open %s", remote)
	}
	defer in.Close()

	tmp := local + ".skinsync-tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "read %s", remote)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, local)
}
