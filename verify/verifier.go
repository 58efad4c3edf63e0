// Package verify confirms that a host is a product appliance and installs
// this host's public key on it.
package verify

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"skinsync/models"
	"skinsync/remote"
)

const (
	// DefaultProductRoot is the directory whose presence identifies an
	// appliance.
	DefaultProductRoot = "/storage/.kodi"
	// DefaultVerifyTimeout bounds one identification command.
	DefaultVerifyTimeout = 10 * time.Second
	// DefaultAuthorizeTimeout bounds key installation.
	DefaultAuthorizeTimeout = 30 * time.Second
)

// Credentials is the part of the credential store the verifier reads.
type Credentials interface {
	Exists() bool
	PublicKey() (string, error)
}

// Verdict classifies one host.
type Verdict struct {
	Valid         bool
	KeyAuthorized bool
}

// Config wires a Verifier.
type Config struct {
	ProductRoot      string
	Timeout          time.Duration
	AuthorizeTimeout time.Duration
	Logger           *zap.SugaredLogger
}

// Verifier runs sentinel commands through a remote.Executor.
type Verifier struct {
	exec  remote.Executor
	creds Credentials
	cfg   Config
	log   *zap.SugaredLogger
}

// New creates a verifier.
func New(exec remote.Executor, creds Credentials, cfg Config) *Verifier {
	if cfg.ProductRoot == "" {
		cfg.ProductRoot = DefaultProductRoot
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultVerifyTimeout
	}
	if cfg.AuthorizeTimeout <= 0 {
		cfg.AuthorizeTimeout = DefaultAuthorizeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Verifier{exec: exec, creds: creds, cfg: cfg, log: cfg.Logger}
}

// ProbeCommand prints SentinelProductOK when root exists.
func ProbeCommand(root string) (string, error) {
	quoted, err := remote.Quote(root)
	if err != nil {
		return "", err
	}
	return "test -d " + quoted + " && echo " + remote.SentinelProductOK, nil
}

// AuthorizeCommand appends publicKey to ~/.ssh/authorized_keys, removes
// duplicate lines and tightens permissions. Running it twice leaves one
// copy.
func AuthorizeCommand(publicKey string) (string, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" || strings.ContainsAny(publicKey, "\r\n") {
		return "", errors.Mark(errors.New("public key must be a single line"), models.ErrKeyUnreadable)
	}
	quoted, err := remote.Quote(publicKey)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		"mkdir -p ~/.ssh",
		"chmod 700 ~/.ssh",
		"printf '%s\\n' " + quoted + " >> ~/.ssh/authorized_keys",
		"sort -u -o ~/.ssh/authorized_keys ~/.ssh/authorized_keys",
		"chmod 600 ~/.ssh/authorized_keys",
		"echo " + remote.SentinelKeyCopied,
	}, " && "), nil
}

// Verify tries key login first, then password login. Without a working
// key and without a password it returns models.ErrPasswordRequired so the
// caller can prompt and retry once.
func (v *Verifier) Verify(ctx context.Context, host, password string) (Verdict, error) {
	cmd, err := ProbeCommand(v.cfg.ProductRoot)
	if err != nil {
		return Verdict{}, err
	}

	if v.creds.Exists() {
		res := v.exec.Run(ctx, host, cmd, remote.KeyAuth(), v.cfg.Timeout)
		if res.Contains(remote.SentinelProductOK) {
			v.log.Debugf("%s verified with key", host)
			return Verdict{Valid: true, KeyAuthorized: true}, nil
		}
		v.log.Debugf("%s key login not accepted: %s", host, res.Text())
	}

	if password == "" {
		return Verdict{}, errors.Wrapf(models.ErrPasswordRequired, "verify %s", host)
	}

	res := v.exec.Run(ctx, host, cmd, remote.PasswordAuth(password), v.cfg.Timeout)
	if res.Contains(remote.SentinelProductOK) {
		v.log.Debugf("%s verified with password", host)
		return Verdict{Valid: true}, nil
	}
	if !res.Completed {
		return Verdict{}, errors.Mark(errors.Wrapf(models.ErrAuthenticationFailed, "verify %s: timed out", host), models.ErrTimeout)
	}
	return Verdict{}, errors.Wrapf(models.ErrAuthenticationFailed, "verify %s: %s", host, res.Text())
}

// AuthorizeKey installs the local public key on host using password
// login.
func (v *Verifier) AuthorizeKey(ctx context.Context, host, password string) error {
	publicKey, err := v.creds.PublicKey()
	if err != nil {
		return err
	}
	if password == "" {
		return errors.Wrapf(models.ErrPasswordRequired, "authorize %s", host)
	}
	cmd, err := AuthorizeCommand(publicKey)
	if err != nil {
		return err
	}

	res := v.exec.Run(ctx, host, cmd, remote.PasswordAuth(password), v.cfg.AuthorizeTimeout)
	if res.Contains(remote.SentinelKeyCopied) {
		v.log.Infof("installed public key on %s", host)
		return nil
	}
	if !res.Completed {
		return errors.Mark(errors.Wrapf(models.ErrAuthenticationFailed, "authorize %s: timed out", host), models.ErrTimeout)
	}
	return errors.Wrapf(models.ErrAuthenticationFailed, "authorize %s: %s", host, res.Text())
}
