package remote

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skinsync/models"
)

const fakeSSH = `#!/bin/sh
printf '%s\n' "$@" > "$FAKE_LOG/ssh_args"
if [ -n "$SSH_ASKPASS" ]; then
  printf '%s' "$SSH_ASKPASS" > "$FAKE_LOG/askpass_path"
  echo "password=$("$SSH_ASKPASS")"
fi
case "$FAKE_MODE" in
  sleep) exec sleep 5 ;;
  deny) echo "Permission denied (publickey)." >&2; exit 255 ;;
esac
echo COREELEC_OK
`

const fakeSCP = `#!/bin/sh
printf '%s\n' "$@" > "$FAKE_LOG/scp_args"
eval "src=\${$(($# - 1))}"
eval "dst=\${$#}"
src=${src#*@*:}
dst=${dst#*@*:}
exec cp -R "$src" "$dst"
`

type fakeBinaries struct {
	log string
	ssh string
	scp string
}

func installFakeBinaries(t *testing.T) fakeBinaries {
	t.Helper()
	dir := t.TempDir()
	logDir := filepath.Join(dir, "log")
	require.NoError(t, os.Mkdir(logDir, 0o755))

	bins := fakeBinaries{
		log: logDir,
		ssh: filepath.Join(dir, "ssh"),
		scp: filepath.Join(dir, "scp"),
	}
	require.NoError(t, os.WriteFile(bins.ssh, []byte(fakeSSH), 0o755))
	require.NoError(t, os.WriteFile(bins.scp, []byte(fakeSCP), 0o755))

	t.Setenv("FAKE_LOG", logDir)
	t.Setenv("FAKE_MODE", "")
	t.Setenv("SSH_ASKPASS", "")
	return bins
}

func (f fakeBinaries) args(t *testing.T, name string) []string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(f.log, name))
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
}

func newFakeOpenSSH(bins fakeBinaries) *OpenSSH {
	return NewOpenSSH(Config{
		Username:  "root",
		Port:      2222,
		KeyPath:   "/keys/id_ed25519",
		SSHBinary: bins.ssh,
		SCPBinary: bins.scp,
	})
}

func TestOpenSSHRunKeyMode(t *testing.T) {
	bins := installFakeBinaries(t)
	exec := newFakeOpenSSH(bins)

	res := exec.Run(context.Background(), "10.0.0.7", "test -d /storage/.kodi && echo COREELEC_OK", KeyAuth(), time.Second)
	assert.True(t, res.Completed)
	assert.True(t, res.Contains(SentinelProductOK))
	assert.Zero(t, res.ExitCode)

	args := bins.args(t, "ssh_args")
	assert.Contains(t, args, "BatchMode=yes")
	assert.Contains(t, args, "StrictHostKeyChecking=no")
	assert.Contains(t, args, "ConnectTimeout=2")
	assert.Contains(t, args, "/keys/id_ed25519")
	assert.Contains(t, args, "2222")
	assert.Equal(t, "root@10.0.0.7", args[len(args)-2])
	assert.Equal(t, "test -d /storage/.kodi && echo COREELEC_OK", args[len(args)-1])
	assert.NoFileExists(t, filepath.Join(bins.log, "askpass_path"))
}

func TestOpenSSHRunPasswordModeRemovesHelper(t *testing.T) {
	bins := installFakeBinaries(t)
	exec := newFakeOpenSSH(bins)

	res := exec.Run(context.Background(), "10.0.0.7", "echo hi", PasswordAuth("s3cret"), time.Second)
	require.True(t, res.Completed)
	assert.Contains(t, string(res.Output), "password=s3cret")

	args := bins.args(t, "ssh_args")
	assert.Contains(t, args, "PubkeyAuthentication=no")
	assert.Contains(t, args, "NumberOfPasswordPrompts=1")
	assert.NotContains(t, args, "BatchMode=yes")
	assert.NotContains(t, args, "/keys/id_ed25519")

	helperPath, err := os.ReadFile(filepath.Join(bins.log, "askpass_path"))
	require.NoError(t, err)
	assert.NoFileExists(t, string(helperPath))
	assert.NoDirExists(t, filepath.Dir(string(helperPath)))
}

func TestOpenSSHRunTimeoutIsIncomplete(t *testing.T) {
	bins := installFakeBinaries(t)
	t.Setenv("FAKE_MODE", "sleep")
	exec := newFakeOpenSSH(bins)

	start := time.Now()
	res := exec.Run(context.Background(), "10.0.0.7", "true", PasswordAuth("pw"), 200*time.Millisecond)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.False(t, res.Completed)
	assert.Empty(t, res.Output)

	helperPath, err := os.ReadFile(filepath.Join(bins.log, "askpass_path"))
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Dir(string(helperPath)))
}

func TestOpenSSHRunFailureIsReportedNotRaised(t *testing.T) {
	bins := installFakeBinaries(t)
	t.Setenv("FAKE_MODE", "deny")
	exec := newFakeOpenSSH(bins)

	res := exec.Run(context.Background(), "10.0.0.7", "true", KeyAuth(), time.Second)
	assert.True(t, res.Completed)
	assert.Equal(t, 255, res.ExitCode)
	assert.False(t, res.Contains(SentinelProductOK))
	assert.Contains(t, res.Text(), "Permission denied")
}

func TestOpenSSHMissingBinary(t *testing.T) {
	exec := NewOpenSSH(Config{SSHBinary: filepath.Join(t.TempDir(), "missing-ssh")})

	res := exec.Run(context.Background(), "10.0.0.7", "true", KeyAuth(), time.Second)
	assert.True(t, res.Completed)
	assert.NotZero(t, res.ExitCode)
	assert.False(t, res.Contains(SentinelProductOK))
}

func TestOpenSSHUploadDirectorySendsItIntoRemoteParent(t *testing.T) {
	bins := installFakeBinaries(t)
	exec := newFakeOpenSSH(bins)

	local := filepath.Join(t.TempDir(), "skin.estuary")
	require.NoError(t, os.MkdirAll(filepath.Join(local, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "settings.xml"), []byte("<settings/>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(local, "nested", "a.txt"), []byte("a"), 0o644))
	parent := t.TempDir()
	remote := filepath.Join(parent, "skin.estuary")
	require.NoError(t, os.MkdirAll(remote, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(remote, "remote-only.xml"), []byte("keep"), 0o644))

	require.NoError(t, exec.Upload(context.Background(), "10.0.0.7", local, remote, time.Second))

	assert.FileExists(t, filepath.Join(remote, "settings.xml"))
	assert.FileExists(t, filepath.Join(remote, "nested", "a.txt"))
	assert.FileExists(t, filepath.Join(remote, "remote-only.xml"))
	assert.NoDirExists(t, filepath.Join(remote, "skin.estuary"))

	args := bins.args(t, "scp_args")
	assert.Equal(t, "-r", args[0])
	assert.Contains(t, args, "-P")
	assert.Equal(t, local, args[len(args)-2])
	assert.Equal(t, "root@10.0.0.7:"+parent+"/", args[len(args)-1])
	for _, arg := range args {
		assert.False(t, strings.HasSuffix(arg, "/."), "scp argument %q names the current directory", arg)
	}
}

func TestOpenSSHUploadDirectoryUnderDifferentName(t *testing.T) {
	bins := installFakeBinaries(t)
	exec := newFakeOpenSSH(bins)

	local := filepath.Join(t.TempDir(), "export")
	require.NoError(t, os.MkdirAll(local, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "settings.xml"), []byte("<settings/>"), 0o644))
	parent := t.TempDir()
	remote := filepath.Join(parent, "skin.estuary")

	require.NoError(t, exec.Upload(context.Background(), "10.0.0.7", local, remote, time.Second))

	assert.FileExists(t, filepath.Join(remote, "settings.xml"))
	assert.NoDirExists(t, filepath.Join(parent, "export"))
	assert.FileExists(t, filepath.Join(local, "settings.xml"))

	args := bins.args(t, "scp_args")
	assert.Equal(t, "skin.estuary", filepath.Base(args[len(args)-2]))
	assert.Equal(t, "root@10.0.0.7:"+parent+"/", args[len(args)-1])
}

func TestOpenSSHUploadMissingSource(t *testing.T) {
	bins := installFakeBinaries(t)
	exec := newFakeOpenSSH(bins)

	err := exec.Upload(context.Background(), "10.0.0.7", filepath.Join(t.TempDir(), "nope"), "/tmp/x", time.Second)
	assert.True(t, errors.Is(err, models.ErrTransferFailed))
}

func TestOpenSSHDownloadMergesOverLocal(t *testing.T) {
	bins := installFakeBinaries(t)
	exec := newFakeOpenSSH(bins)

	remote := filepath.Join(t.TempDir(), "skin.estuary")
	require.NoError(t, os.MkdirAll(remote, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(remote, "settings.xml"), []byte("remote"), 0o644))

	parent := t.TempDir()
	local := filepath.Join(parent, "skin.estuary")
	require.NoError(t, os.MkdirAll(local, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "settings.xml"), []byte("local"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(local, "only-local.xml"), []byte("keep"), 0o644))

	require.NoError(t, exec.Download(context.Background(), "10.0.0.7", remote, local, time.Second))

	got, err := os.ReadFile(filepath.Join(local, "settings.xml"))
	require.NoError(t, err)
	assert.Equal(t, "remote", string(got))
	assert.FileExists(t, filepath.Join(local, "only-local.xml"))

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Len(t, entries, 1, "staging directory must be removed")
}

func TestOpenSSHDownloadSingleFile(t *testing.T) {
	bins := installFakeBinaries(t)
	exec := newFakeOpenSSH(bins)

	remote := filepath.Join(t.TempDir(), "skin.estuary-widgets.json")
	require.NoError(t, os.WriteFile(remote, []byte(`{"a":1}`), 0o644))
	local := filepath.Join(t.TempDir(), "sub", "skin.estuary-widgets.json")

	require.NoError(t, exec.Download(context.Background(), "10.0.0.7", remote, local, time.Second))
	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestOpenSSHDownloadFailureIsTransferFailed(t *testing.T) {
	bins := installFakeBinaries(t)
	exec := newFakeOpenSSH(bins)

	err := exec.Download(context.Background(), "10.0.0.7", "/definitely/missing", filepath.Join(t.TempDir(), "x"), time.Second)
	assert.True(t, errors.Is(err, models.ErrTransferFailed))
}
