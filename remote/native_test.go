package remote

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"skinsync/models"
)

type testServer struct {
	port   int
	signer ssh.Signer
}

// startTestServer runs an SSH server that executes commands with /bin/sh
// and serves SFTP from the local filesystem.
func startTestServer(t *testing.T, password string) testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	_, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	clientSigner, err := ssh.NewSignerFromKey(clientPriv)
	require.NoError(t, err)
	authorized := clientSigner.PublicKey().Marshal()

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) == password {
				return nil, nil
			}
			return nil, errors.New("bad password")
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, config)
		}
	}()

	return testServer{port: listener.Addr().(*net.TCPAddr).Port, signer: clientSigner}
}

func serveConn(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go serveSession(channel, requests)
	}
}

func serveSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			cmd := exec.Command("/bin/sh", "-c", payload.Command)
			cmd.Stdout = channel
			cmd.Stderr = channel.Stderr()
			status := uint32(0)
			if err := cmd.Run(); err != nil {
				status = 1
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					status = uint32(exitErr.ExitCode())
				}
			}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func newTestNative(srv testServer) *Native {
	return NewNative(Config{
		Port:   srv.port,
		Signer: func() (ssh.Signer, error) { return srv.signer, nil },
	})
}

func TestNativeRunKeyMode(t *testing.T) {
	srv := startTestServer(t, "coreelec")
	native := newTestNative(srv)

	dir := t.TempDir()
	res := native.Run(context.Background(), "127.0.0.1", "test -d "+dir+" && echo COREELEC_OK", KeyAuth(), 5*time.Second)
	assert.True(t, res.Completed)
	assert.True(t, res.Contains(SentinelProductOK))

	res = native.Run(context.Background(), "127.0.0.1", "echo oops >&2; exit 3", KeyAuth(), 5*time.Second)
	assert.True(t, res.Completed)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Text(), "oops")
}

func TestNativeRunPasswordMode(t *testing.T) {
	srv := startTestServer(t, "coreelec")
	native := newTestNative(srv)

	res := native.Run(context.Background(), "127.0.0.1", "echo COREELEC_OK", PasswordAuth("coreelec"), 5*time.Second)
	assert.True(t, res.Contains(SentinelProductOK))

	res = native.Run(context.Background(), "127.0.0.1", "echo COREELEC_OK", PasswordAuth("wrong"), 5*time.Second)
	assert.True(t, res.Completed)
	assert.Equal(t, 255, res.ExitCode)
	assert.False(t, res.Contains(SentinelProductOK))
}

func TestNativeRunWithoutSigner(t *testing.T) {
	srv := startTestServer(t, "coreelec")
	native := NewNative(Config{Port: srv.port})

	res := native.Run(context.Background(), "127.0.0.1", "echo COREELEC_OK", KeyAuth(), 5*time.Second)
	assert.False(t, res.Contains(SentinelProductOK))
}

func TestNativeRunTimeout(t *testing.T) {
	srv := startTestServer(t, "coreelec")
	native := newTestNative(srv)

	res := native.Run(context.Background(), "127.0.0.1", "sleep 5", KeyAuth(), 300*time.Millisecond)
	assert.False(t, res.Completed)
	assert.Empty(t, res.Output)
}

func TestNativeUploadAndDownloadTree(t *testing.T) {
	srv := startTestServer(t, "coreelec")
	native := newTestNative(srv)

	local := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(local, "settings.xml"), []byte("<settings/>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(local, "nodes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "nodes", "home.xml"), []byte("home"), 0o600))

	remote := filepath.Join(t.TempDir(), "addon_data", "skin.estuary")
	require.NoError(t, native.Upload(context.Background(), "127.0.0.1", local, remote, 5*time.Second))
	assert.FileExists(t, filepath.Join(remote, "settings.xml"))
	assert.FileExists(t, filepath.Join(remote, "nodes", "home.xml"))

	back := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(back, "keep.xml"), []byte("keep"), 0o644))
	require.NoError(t, native.Download(context.Background(), "127.0.0.1", remote, back, 5*time.Second))

	got, err := os.ReadFile(filepath.Join(back, "nodes", "home.xml"))
	require.NoError(t, err)
	assert.Equal(t, "home", string(got))
	assert.FileExists(t, filepath.Join(back, "keep.xml"))
}

func TestNativeTransferSingleFile(t *testing.T) {
	srv := startTestServer(t, "coreelec")
	native := newTestNative(srv)

	src := filepath.Join(t.TempDir(), "skin.estuary-widgets.json")
	require.NoError(t, os.WriteFile(src, []byte("{}"), 0o644))
	remote := filepath.Join(t.TempDir(), "script.skinvariables", "skin.estuary-widgets.json")

	require.NoError(t, native.Upload(context.Background(), "127.0.0.1", src, remote, 5*time.Second))
	assert.FileExists(t, remote)

	local := filepath.Join(t.TempDir(), "out", "widgets.json")
	require.NoError(t, native.Download(context.Background(), "127.0.0.1", remote, local, 5*time.Second))
	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))
}

func TestNativeDownloadMissingIsTransferFailed(t *testing.T) {
	srv := startTestServer(t, "coreelec")
	native := newTestNative(srv)

	err := native.Download(context.Background(), "127.0.0.1", "/definitely/missing", filepath.Join(t.TempDir(), "x"), 5*time.Second)
	assert.True(t, errors.Is(err, models.ErrTransferFailed))
}

func TestNativeUnreachableHost(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	native := NewNative(Config{Port: port, Signer: func() (ssh.Signer, error) { return nil, errors.New("unused") }})
	err = native.Upload(context.Background(), "127.0.0.1", t.TempDir(), "/tmp/x", time.Second)
	assert.True(t, errors.Is(err, models.ErrTransferFailed))
}

func TestNewSelectsTransport(t *testing.T) {
	e, err := New("", Config{})
	require.NoError(t, err)
	assert.IsType(t, &OpenSSH{}, e)

	e, err = New(TransportNative, Config{})
	require.NoError(t, err)
	assert.IsType(t, &Native{}, e)

	_, err = New("telnet", Config{})
	assert.Error(t, err)
}

func TestQuoteSurvivesShell(t *testing.T) {
	for _, s := range []string{"plain", "with space", "it's", `"dq" $HOME ; rm -rf /`} {
		q, err := Quote(s)
		require.NoError(t, err)
		out, err := exec.Command("/bin/sh", "-c", "printf '%s' "+q).Output()
		require.NoError(t, err)
		assert.Equal(t, s, string(out))
	}
}
