package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"

	"skinsync/artifacts"
	"skinsync/backup"
	"skinsync/discovery"
	"skinsync/models"
	"skinsync/pairing"
	"skinsync/remote"
	"skinsync/verify"
)

const testSkin = "skin.test"

type fakeCreds struct {
	exists    bool
	generated int
	genErr    error
}

func (c *fakeCreds) Exists() bool { return c.exists }

func (c *fakeCreds) Generate(context.Context) error {
	if c.genErr != nil {
		return c.genErr
	}
	c.generated++
	c.exists = true
	return nil
}

func (c *fakeCreds) PublicKey() (string, error) {
	if !c.exists {
		return "", models.ErrCredentialMissing
	}
	return "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIFakeKeyForTests skinsync", nil
}

func (c *fakeCreds) Fingerprint() (string, error) { return "SHA256:test", nil }

func (c *fakeCreds) Reset() error {
	c.exists = false
	return nil
}

type fakeDiscoverer struct {
	result discovery.Result
	err    error
	calls  int
}

func (d *fakeDiscoverer) Discover(_ context.Context, progress discovery.ProgressFunc) (discovery.Result, error) {
	d.calls++
	if progress != nil {
		progress(discovery.ProgressDiscoveryDone, "done")
	}
	return d.result, d.err
}

type fakeBrowser struct {
	ads   []discovery.Advertisement
	err   error
	calls int
}

func (b *fakeBrowser) Name() string { return "fake" }

func (b *fakeBrowser) Browse(context.Context) ([]discovery.Advertisement, error) {
	b.calls++
	return b.ads, b.err
}

// fakeVerifier accepts hosts in valid. With password set, those hosts
// only verify once that password is supplied.
type fakeVerifier struct {
	valid      map[string]bool
	password   string
	verified   []string
	authorized []string
}

func (v *fakeVerifier) Verify(_ context.Context, host, password string) (verify.Verdict, error) {
	v.verified = append(v.verified, host)
	if !v.valid[host] {
		return verify.Verdict{}, models.ErrAuthenticationFailed
	}
	if v.password == "" {
		return verify.Verdict{Valid: true, KeyAuthorized: true}, nil
	}
	switch password {
	case "":
		return verify.Verdict{}, models.ErrPasswordRequired
	case v.password:
		return verify.Verdict{Valid: true}, nil
	default:
		return verify.Verdict{}, models.ErrAuthenticationFailed
	}
}

func (v *fakeVerifier) AuthorizeKey(_ context.Context, host, _ string) error {
	v.authorized = append(v.authorized, host)
	return nil
}

// shellExecutor treats the remote userdata root as a local directory. Shell
// commands run through /bin/sh; systemctl calls are only recorded.
type shellExecutor struct {
	mu       sync.Mutex
	down     map[string]bool
	commands []string
	uploads  []string
}

func newShellExecutor() *shellExecutor {
	return &shellExecutor{down: make(map[string]bool)}
}

func (e *shellExecutor) Run(ctx context.Context, host, command string, _ remote.Auth, _ time.Duration) remote.Result {
	e.mu.Lock()
	e.commands = append(e.commands, command)
	e.mu.Unlock()

	if e.down[host] {
		return remote.Result{}
	}
	if strings.Contains(command, "systemctl") {
		return remote.Result{Output: []byte(remote.SentinelDone + "\n"), Completed: true}
	}
	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
	res := remote.Result{Output: out, Completed: true}
	if err != nil {
		res.ExitCode = 1
	}
	return res
}

func (e *shellExecutor) Upload(_ context.Context, host, local, remotePath string, _ time.Duration) error {
	if e.down[host] {
		return errors.Mark(errors.New("connection refused"), models.ErrTransferFailed)
	}
	e.mu.Lock()
	e.uploads = append(e.uploads, local)
	e.mu.Unlock()
	return copyTree(local, remotePath)
}

func (e *shellExecutor) Download(_ context.Context, host, remotePath, local string, _ time.Duration) error {
	if e.down[host] {
		return errors.Mark(errors.New("connection refused"), models.ErrTransferFailed)
	}
	return copyTree(remotePath, local)
}

func (e *shellExecutor) ran(fragment string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.commands {
		if strings.Contains(c, fragment) {
			return true
		}
	}
	return false
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}
		return exec.Command("cp", "-R", src+"/.", dst+"/").Run()
	}
	return exec.Command("cp", src, dst).Run()
}

// scriptExecutor answers Run from a function and accepts every transfer.
type scriptExecutor struct {
	run func(host, command string) remote.Result
}

func (e scriptExecutor) Run(_ context.Context, host, command string, _ remote.Auth, _ time.Duration) remote.Result {
	return e.run(host, command)
}

func (scriptExecutor) Upload(context.Context, string, string, string, time.Duration) error {
	return nil
}

func (scriptExecutor) Download(context.Context, string, string, string, time.Duration) error {
	return nil
}

type fixture struct {
	local       string
	remote      string
	layout      artifacts.Layout
	creds       *fakeCreds
	registry    *pairing.Registry
	backups     *backup.Manager
	exec        *shellExecutor
	unreachable map[string]bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		local:       filepath.Join(base, "local"),
		remote:      filepath.Join(base, "remote"),
		creds:       &fakeCreds{exists: true},
		registry:    pairing.NewRegistry(filepath.Join(base, "paired_devices.json")),
		backups:     backup.NewManager(filepath.Join(base, "backups")),
		exec:        newShellExecutor(),
		unreachable: make(map[string]bool),
	}
	require.NoError(t, os.MkdirAll(f.local, 0o755))
	require.NoError(t, os.MkdirAll(f.remote, 0o755))
	layout, err := artifacts.NewLayout(f.local, f.remote, testSkin)
	require.NoError(t, err)
	f.layout = layout
	return f
}

// orchestrator fills every dependency deps leaves empty from the fixture.
func (f *fixture) orchestrator(t *testing.T, deps Deps) *Orchestrator {
	t.Helper()
	if deps.Credentials == nil {
		deps.Credentials = f.creds
	}
	if deps.Discoverer == nil {
		deps.Discoverer = &fakeDiscoverer{result: discovery.Result{Method: models.MethodZeroconf}}
	}
	if deps.Verifier == nil {
		deps.Verifier = &fakeVerifier{}
	}
	if deps.Executor == nil {
		deps.Executor = f.exec
	}
	if deps.Registry == nil {
		deps.Registry = f.registry
	}
	if deps.Backups == nil {
		deps.Backups = f.backups
	}
	if deps.Probe == nil {
		deps.Probe = func(_ context.Context, address string, _ int, _ time.Duration) bool {
			return !f.unreachable[address]
		}
	}
	o, err := New(Config{Layout: f.layout, EventBuffer: 1024}, deps)
	require.NoError(t, err)
	return o
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(raw)
}

func drain(o *Orchestrator) []Event {
	var out []Event
	for {
		select {
		case ev := <-o.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasKind(err, kind error) bool {
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return errors.Is(err, kind)
	}
	for _, e := range merr.Errors {
		if errors.Is(e, kind) {
			return true
		}
	}
	return false
}

func addresses(devices []models.Device) []string {
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Address)
	}
	return out
}

func candidateAddresses(candidates []models.Candidate) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Address)
	}
	return out
}
