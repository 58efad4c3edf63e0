package crypto

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"skinsync/models"
)

// DefaultComment is written into the public key so operators can recognise it
// in a remote authorized_keys file.
const DefaultComment = "skinsync"

// KeygenFunc writes a passphrase-less key pair to privatePath and privatePath+".pub".
type KeygenFunc func(ctx context.Context, privatePath, comment string) error

// CredentialStore owns the local key pair used for passwordless access.
type CredentialStore struct {
	privatePath string
	publicPath  string
	comment     string
	keygen      KeygenFunc
	log         *zap.SugaredLogger
}

// Option customises a CredentialStore.
type Option func(*CredentialStore)

// WithKeygen replaces the key generation primitive.
func WithKeygen(fn KeygenFunc) Option {
	return func(s *CredentialStore) { s.keygen = fn }
}

// WithComment sets the public key comment.
func WithComment(comment string) Option {
	return func(s *CredentialStore) { s.comment = comment }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *CredentialStore) { s.log = log }
}

// NewCredentialStore manages the key pair at privatePath and publicPath.
func NewCredentialStore(privatePath, publicPath string, opts ...Option) *CredentialStore {
	s := &CredentialStore{
		privatePath: privatePath,
		publicPath:  publicPath,
		comment:     DefaultComment,
		keygen:      NativeKeygen,
		log:         zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PrivateKeyPath returns the private half location.
func (s *CredentialStore) PrivateKeyPath() string {
	return s.privatePath
}

// Exists reports whether both halves are present. A lone half counts as absent.
func (s *CredentialStore) Exists() bool {
	return regularFile(s.privatePath) && regularFile(s.publicPath)
}

// Generate replaces any existing key pair with a fresh one.
func (s *CredentialStore) Generate(ctx context.Context) error {
	dir := filepath.Dir(s.privatePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Mark(errors.Wrapf(err, "create key directory %q", dir), models.ErrKeygenFailed)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return errors.Mark(errors.Wrapf(err, "restrict key directory %q", dir), models.ErrKeygenFailed)
	}

	if err := s.removeHalves(); err != nil {
		return errors.Mark(err, models.ErrKeygenFailed)
	}

	s.log.Infof("generating key pair at %s", s.privatePath)
	if err := s.keygen(ctx, s.privatePath, s.comment); err != nil {
		_ = s.removeHalves()
		return errors.Mark(errors.Wrap(err, "generate key pair"), models.ErrKeygenFailed)
	}
	if !s.Exists() {
		_ = s.removeHalves()
		return errors.Wrap(models.ErrKeygenFailed, "key generator left an incomplete pair")
	}
	return nil
}

// PublicKey returns the trimmed authorized_keys line of the public half.
func (s *CredentialStore) PublicKey() (string, error) {
	raw, err := os.ReadFile(s.publicPath)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "read public key %q", s.publicPath), models.ErrKeyUnreadable)
	}
	key := strings.TrimSpace(string(raw))
	if key == "" {
		return "", errors.Wrapf(models.ErrKeyUnreadable, "public key %q is empty", s.publicPath)
	}
	return key, nil
}

// Signer parses the private half for in-process SSH authentication.
func (s *CredentialStore) Signer() (ssh.Signer, error) {
	if !s.Exists() {
		return nil, models.ErrCredentialMissing
	}
	raw, err := os.ReadFile(s.privatePath)
	if err != nil {
		return nil, errors.Wrapf(err, "read private key %q", s.privatePath)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return signer, nil
}

// Fingerprint returns the SHA256 fingerprint of the public half.
func (s *CredentialStore) Fingerprint() (string, error) {
	line, err := s.PublicKey()
	if err != nil {
		return "", err
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "parse public key"), models.ErrKeyUnreadable)
	}
	return ssh.FingerprintSHA256(pub), nil
}

// Reset deletes both halves. It does not regenerate.
func (s *CredentialStore) Reset() error {
	s.log.Infof("removing key pair at %s", s.privatePath)
	return s.removeHalves()
}

func (s *CredentialStore) removeHalves() error {
	for _, path := range []string{s.privatePath, s.publicPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errors.Wrapf(err, "remove %q", path)
		}
	}
	return nil
}

// NativeKeygen generates an ed25519 pair in-process in OpenSSH format.
func NativeKeygen(_ context.Context, privatePath, comment string) error {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return errors.Wrap(err, "generate ed25519 key pair")
	}

	block, err := ssh.MarshalPrivateKey(privateKey, comment)
	if err != nil {
		return errors.Wrap(err, "marshal private key")
	}
	sshPublicKey, err := ssh.NewPublicKey(publicKey)
	if err != nil {
		return errors.Wrap(err, "create SSH public key")
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPublicKey)))
	if comment != "" {
		authorized += " " + comment
	}

	if err := writeFileAtomic(privatePath, pem.EncodeToMemory(block), 0o600); err != nil {
		return err
	}
	return writeFileAtomic(privatePath+".pub", []byte(authorized+"\n"), 0o644)
}

// SSHKeygen returns a KeygenFunc running the ssh-keygen binary.
func SSHKeygen(binary string) KeygenFunc {
	return func(ctx context.Context, privatePath, comment string) error {
		cmd := exec.CommandContext(ctx, binary, "-q", "-t", "ed25519", "-N", "", "-C", comment, "-f", privatePath)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			return errors.Wrapf(err, "%s: %s", binary, strings.TrimSpace(out.String()))
		}
		return nil
	}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "create temp file for %q", path)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "write %q", path)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "chmod %q", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %q", path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "rename into %q", path)
	}
	return nil
}

func regularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
