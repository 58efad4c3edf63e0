package verify

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skinsync/models"
	"skinsync/remote"
)

// shellExecutor runs commands with the local /bin/sh under a fake HOME,
// gated by the same auth rules an appliance would apply.
type shellExecutor struct {
	home     string
	password string
	keyOK    bool
	timeout  bool
	calls    []remote.Auth
}

func (s *shellExecutor) Run(ctx context.Context, host, command string, auth remote.Auth, timeout time.Duration) remote.Result {
	s.calls = append(s.calls, auth)
	if s.timeout {
		return remote.Result{}
	}
	if auth.Mode == remote.AuthKey && !s.keyOK {
		return remote.Result{Output: []byte("Permission denied (publickey)."), Completed: true, ExitCode: 255}
	}
	if auth.Mode == remote.AuthPassword && auth.Password != s.password {
		return remote.Result{Output: []byte("Permission denied, please try again."), Completed: true, ExitCode: 255}
	}
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(), "HOME="+s.home)
	out, err := cmd.CombinedOutput()
	res := remote.Result{Output: out, Completed: true}
	if err != nil {
		res.ExitCode = 1
	}
	return res
}

func (s *shellExecutor) Upload(ctx context.Context, host, local, remotePath string, timeout time.Duration) error {
	return nil
}

func (s *shellExecutor) Download(ctx context.Context, host, remotePath, local string, timeout time.Duration) error {
	return nil
}

type fakeCreds struct {
	exists bool
	pub    string
	err    error
}

func (f fakeCreds) Exists() bool { return f.exists }

func (f fakeCreds) PublicKey() (string, error) { return f.pub, f.err }

const testPubKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIFakeKeyMaterialForTests skinsync"

func newAppliance(t *testing.T) (*shellExecutor, string) {
	t.Helper()
	home := t.TempDir()
	root := filepath.Join(home, ".kodi")
	require.NoError(t, os.MkdirAll(root, 0o755))
	return &shellExecutor{home: home, password: "coreelec"}, root
}

func TestVerifyWithKey(t *testing.T) {
	execer, root := newAppliance(t)
	execer.keyOK = true
	v := New(execer, fakeCreds{exists: true, pub: testPubKey}, Config{ProductRoot: root})

	verdict, err := v.Verify(context.Background(), "10.0.0.7", "")
	require.NoError(t, err)
	assert.Equal(t, Verdict{Valid: true, KeyAuthorized: true}, verdict)
	assert.Len(t, execer.calls, 1)
}

func TestVerifyFallsBackToPassword(t *testing.T) {
	execer, root := newAppliance(t)
	v := New(execer, fakeCreds{exists: true, pub: testPubKey}, Config{ProductRoot: root})

	verdict, err := v.Verify(context.Background(), "10.0.0.7", "coreelec")
	require.NoError(t, err)
	assert.Equal(t, Verdict{Valid: true}, verdict)
	require.Len(t, execer.calls, 2)
	assert.Equal(t, remote.AuthKey, execer.calls[0].Mode)
	assert.Equal(t, remote.AuthPassword, execer.calls[1].Mode)
}

func TestVerifyWithoutKeySkipsKeyLogin(t *testing.T) {
	execer, root := newAppliance(t)
	v := New(execer, fakeCreds{}, Config{ProductRoot: root})

	verdict, err := v.Verify(context.Background(), "10.0.0.7", "coreelec")
	require.NoError(t, err)
	assert.True(t, verdict.Valid)
	require.Len(t, execer.calls, 1)
	assert.Equal(t, remote.AuthPassword, execer.calls[0].Mode)
}

func TestVerifyNeedsPassword(t *testing.T) {
	execer, root := newAppliance(t)
	v := New(execer, fakeCreds{exists: true}, Config{ProductRoot: root})

	_, err := v.Verify(context.Background(), "10.0.0.7", "")
	assert.True(t, errors.Is(err, models.ErrPasswordRequired))
}

func TestVerifyWrongPassword(t *testing.T) {
	execer, root := newAppliance(t)
	v := New(execer, fakeCreds{}, Config{ProductRoot: root})

	_, err := v.Verify(context.Background(), "10.0.0.7", "hunter2")
	assert.True(t, errors.Is(err, models.ErrAuthenticationFailed))
}

func TestVerifyRejectsNonAppliance(t *testing.T) {
	execer, _ := newAppliance(t)
	v := New(execer, fakeCreds{}, Config{ProductRoot: filepath.Join(execer.home, "missing")})

	verdict, err := v.Verify(context.Background(), "10.0.0.9", "coreelec")
	assert.True(t, errors.Is(err, models.ErrAuthenticationFailed))
	assert.False(t, verdict.Valid)
}

func TestVerifyTimeout(t *testing.T) {
	execer, root := newAppliance(t)
	execer.timeout = true
	v := New(execer, fakeCreds{}, Config{ProductRoot: root})

	_, err := v.Verify(context.Background(), "10.0.0.7", "coreelec")
	assert.True(t, errors.Is(err, models.ErrTimeout))
	assert.True(t, errors.Is(err, models.ErrAuthenticationFailed))
}

func TestAuthorizeKeyTwiceLeavesOneCopy(t *testing.T) {
	execer, _ := newAppliance(t)
	authorized := filepath.Join(execer.home, ".ssh", "authorized_keys")
	require.NoError(t, os.MkdirAll(filepath.Dir(authorized), 0o755))
	require.NoError(t, os.WriteFile(authorized, []byte("ssh-rsa AAAAexisting other@host\n"), 0o644))

	v := New(execer, fakeCreds{exists: true, pub: testPubKey + "\n"}, Config{})
	require.NoError(t, v.AuthorizeKey(context.Background(), "10.0.0.7", "coreelec"))
	require.NoError(t, v.AuthorizeKey(context.Background(), "10.0.0.7", "coreelec"))

	raw, err := os.ReadFile(authorized)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), testPubKey))
	assert.Contains(t, string(raw), "other@host")

	info, err := os.Stat(authorized)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	dirInfo, err := os.Stat(filepath.Dir(authorized))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestAuthorizeKeyErrors(t *testing.T) {
	execer, _ := newAppliance(t)

	v := New(execer, fakeCreds{err: models.ErrKeyUnreadable}, Config{})
	err := v.AuthorizeKey(context.Background(), "10.0.0.7", "coreelec")
	assert.True(t, errors.Is(err, models.ErrKeyUnreadable))

	v = New(execer, fakeCreds{exists: true, pub: testPubKey}, Config{})
	err = v.AuthorizeKey(context.Background(), "10.0.0.7", "")
	assert.True(t, errors.Is(err, models.ErrPasswordRequired))

	err = v.AuthorizeKey(context.Background(), "10.0.0.7", "wrong")
	assert.True(t, errors.Is(err, models.ErrAuthenticationFailed))
}

func TestAuthorizeCommandRejectsMultiline(t *testing.T) {
	_, err := AuthorizeCommand("ssh-ed25519 AAAA\nrm -rf /")
	assert.Error(t, err)
}
