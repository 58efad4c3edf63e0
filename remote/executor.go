// Package remote runs shell commands and copies configuration trees on
// appliances over SSH.
package remote

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"mvdan.cc/sh/v3/syntax"
)

// Sentinels echoed by remote commands. Success is judged by their presence
// in combined output, never by exit status alone.
const (
	SentinelProductOK = "COREELEC_OK"
	SentinelKeyCopied = "KEY_COPIED_OK"
	SentinelDone      = "SKINSYNC_OK"
)

const (
	// DefaultConnectTimeout bounds key-mode connection setup.
	DefaultConnectTimeout = 2 * time.Second
	// PasswordConnectTimeout bounds password-mode connection setup.
	PasswordConnectTimeout = 3 * time.Second
	// DefaultCommandTimeout applies when a caller passes no timeout.
	DefaultCommandTimeout = 15 * time.Second
	// DefaultCopyTimeout applies to transfers when a caller passes none.
	DefaultCopyTimeout = 2 * time.Minute
)

// Transport names accepted by New.
const (
	TransportOpenSSH = "openssh"
	TransportNative  = "native"
)

// AuthMode selects how a command authenticates.
type AuthMode int

const (
	// AuthKey uses the local private key with no interaction.
	AuthKey AuthMode = iota
	// AuthPassword disables key auth and answers the password prompt.
	AuthPassword
)

// Auth carries the credentials for one call.
type Auth struct {
	Mode     AuthMode
	Password string
}

// KeyAuth authenticates with the configured private key.
func KeyAuth() Auth { return Auth{Mode: AuthKey} }

// PasswordAuth authenticates with password only.
func PasswordAuth(password string) Auth { return Auth{Mode: AuthPassword, Password: password} }

// Result is the outcome of one remote command. Completed is false when the
// call timed out or could not be started; Output is then empty.
type Result struct {
	Output    []byte
	Completed bool
	ExitCode  int
}

// Contains reports whether the command completed and printed token.
func (r Result) Contains(token string) bool {
	return r.Completed && bytes.Contains(r.Output, []byte(token))
}

// Text returns the trimmed combined output.
func (r Result) Text() string {
	return strings.TrimSpace(string(r.Output))
}

// Executor is the remote command and file transfer primitive. Transfers
// always use key authentication. A directory source copies its contents
// into the destination directory; a file source replaces the destination
// file.
type Executor interface {
	Run(ctx context.Context, host, command string, auth Auth, timeout time.Duration) Result
	Upload(ctx context.Context, host, local, remote string, timeout time.Duration) error
	Download(ctx context.Context, host, remote, local string, timeout time.Duration) error
}

// Config is shared by both backends.
type Config struct {
	Username       string
	Port           int
	ConnectTimeout time.Duration

	// KeyPath is passed to ssh/scp with -i.
	KeyPath   string
	SSHBinary string
	SCPBinary string

	// Signer loads the private key for the native backend.
	Signer func() (ssh.Signer, error)

	Logger *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	out := c
	if out.Username == "" {
		out.Username = "root"
	}
	if out.Port <= 0 {
		out.Port = 22
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.SSHBinary == "" {
		out.SSHBinary = "ssh"
	}
	if out.SCPBinary == "" {
		out.SCPBinary = "scp"
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop().Sugar()
	}
	return out
}

// New returns the executor for transport.
func New(transport string, cfg Config) (Executor, error) {
	switch transport {
	case "", TransportOpenSSH:
		return NewOpenSSH(cfg), nil
	case TransportNative:
		return NewNative(cfg), nil
	default:
		return nil, errors.Newf("unknown transport %q", transport)
	}
}

// Quote renders s as a single POSIX shell word.
func Quote(s string) (string, error) {
	quoted, err := syntax.Quote(s, syntax.LangPOSIX)
	if err != nil {
		return "", errors.Wrapf(err, "quote %q", s)
	}
	return quoted, nil
}

func orDefault(timeout, fallback time.Duration) time.Duration {
	if timeout <= 0 {
		return fallback
	}
	return timeout
}
