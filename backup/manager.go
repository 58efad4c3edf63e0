// Package backup writes and restores timestamped tar.zst snapshots of
// artifact trees. Snapshots are never deleted by this package.
package backup

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"skinsync/artifacts"
	"skinsync/models"
)

const (
	// Extension is appended to every snapshot name on disk.
	Extension = ".tar.zst"

	manifestFileName = "manifest.yaml"
	filesPrefix      = "files/"
	timestampLayout  = "20060102-150405"
)

// Manifest is stored as the first archive entry.
type Manifest struct {
	Version  string                `yaml:"version"`
	Snapshot models.BackupSnapshot `yaml:"snapshot"`
	Items    []string              `yaml:"items"`
}

// Manager owns one backup directory.
type Manager struct {
	dir string
	now func() time.Time
	log *zap.SugaredLogger
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager stores snapshots under dir.
func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{dir: dir, now: time.Now, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the backup directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Create archives every item that exists under root. Missing items are
// recorded as absent; the snapshot is written even when nothing exists.
func (m *Manager) Create(group, root string, items []artifacts.Item) (models.BackupSnapshot, error) {
	group = sanitizeGroup(group)
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return models.BackupSnapshot{}, errors.Wrap(err, "create backup directory")
	}

	created := m.now().UTC().Truncate(time.Second)
	name, file, err := m.reserve(group, created)
	if err != nil {
		return models.BackupSnapshot{}, err
	}

	snap := models.BackupSnapshot{
		Name:       name,
		Group:      group,
		CreatedAt:  created,
		Path:       file.Name(),
		Categories: categoriesOf(items),
	}
	manifest := Manifest{Version: "1", Snapshot: snap}

	present := make([]artifacts.Item, 0, len(items))
	for _, it := range items {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(it.Rel))); err == nil {
			present = append(present, it)
			manifest.Items = append(manifest.Items, it.Rel)
		}
	}

	if err := writeArchive(file, manifest, root, present); err != nil {
		_ = file.Close()
		_ = os.Remove(snap.Path)
		return models.BackupSnapshot{}, err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(snap.Path)
		return models.BackupSnapshot{}, errors.Wrap(err, "close backup archive")
	}
	if err := os.Chmod(snap.Path, 0o400); err != nil {
		m.log.Warnf("make %s read-only: %v", snap.Path, err)
	}

	m.log.Infof("backup %s written (%d item(s))", name, len(present))
	return snap, nil
}

// reserve creates the archive file exclusively, suffixing the name when a
// snapshot with the same second already exists.
func (m *Manager) reserve(group string, created time.Time) (string, *os.File, error) {
	base := group + "_" + created.Format(timestampLayout)
	for i := 1; i < 100; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		file, err := os.OpenFile(filepath.Join(m.dir, name+Extension), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return name, file, nil
		}
		if !os.IsExist(err) {
			return "", nil, errors.Wrap(err, "create backup archive")
		}
	}
	return "", nil, errors.Newf("too many backups named %s", base)
}

// List returns snapshots newest first. Unreadable archives are skipped.
func (m *Manager) List() ([]models.BackupSnapshot, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.BackupSnapshot{}, nil
		}
		return nil, errors.Wrap(err, "read backup directory")
	}

	out := make([]models.BackupSnapshot, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		manifest, err := readManifest(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.log.Warnf("skip backup %s: %v", e.Name(), err)
			continue
		}
		out = append(out, manifest.Snapshot)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name > out[j].Name
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Get loads one snapshot's manifest.
func (m *Manager) Get(name string) (Manifest, error) {
	file, err := m.archivePath(name)
	if err != nil {
		return Manifest{}, err
	}
	return readManifest(file)
}

// Restore extracts the snapshot over root. Files in root that the
// snapshot does not contain are left alone.
func (m *Manager) Restore(name, root string) (models.BackupSnapshot, error) {
	file, err := m.archivePath(name)
	if err != nil {
		return models.BackupSnapshot{}, err
	}

	f, err := os.Open(file)
	if err != nil {
		return models.BackupSnapshot{}, errors.Wrapf(err, "open backup %s", name)
	}
	defer f.Close()

	decoder, err := zstd.NewReader(f)
	if err != nil {
		return models.BackupSnapshot{}, errors.Wrap(err, "zstd reader")
	}
	defer decoder.Close()

	var manifest *Manifest
	tr := tar.NewReader(decoder)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return models.BackupSnapshot{}, errors.Wrapf(err, "read backup %s", name)
		}

		if hdr.Name == manifestFileName {
			parsed, err := decodeManifest(tr)
			if err != nil {
				return models.BackupSnapshot{}, err
			}
			manifest = parsed
			continue
		}
		if err := extractEntry(tr, hdr, root); err != nil {
			return models.BackupSnapshot{}, err
		}
	}
	if manifest == nil {
		return models.BackupSnapshot{}, errors.Newf("backup %s has no manifest", name)
	}

	snap := manifest.Snapshot
	snap.Path = file
	m.log.Infof("restored backup %s into %s", name, root)
	return snap, nil
}

func (m *Manager) archivePath(name string) (string, error) {
	name = strings.TrimSuffix(filepath.Base(name), Extension)
	if name == "" || name == "." {
		return "", errors.New("backup name is required")
	}
	file := filepath.Join(m.dir, name+Extension)
	if _, err := os.Stat(file); err != nil {
		return "", errors.Wrapf(err, "backup %s", name)
	}
	return file, nil
}

func writeArchive(w io.Writer, manifest Manifest, root string, items []artifacts.Item) error {
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "zstd writer")
	}
	tw := tar.NewWriter(encoder)

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return errors.Wrap(err, "marshal manifest")
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    manifestFileName,
		Mode:    0o644,
		Size:    int64(len(manifestBytes)),
		ModTime: manifest.Snapshot.CreatedAt,
	}); err != nil {
		return errors.Wrap(err, "write manifest header")
	}
	if _, err := tw.Write(manifestBytes); err != nil {
		return errors.Wrap(err, "write manifest")
	}

	for _, it := range items {
		src := filepath.Join(root, filepath.FromSlash(it.Rel))
		if err := addTree(tw, src, filesPrefix+it.Rel); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "close tar writer")
	}
	if err := encoder.Close(); err != nil {
		return errors.Wrap(err, "close zstd writer")
	}
	return nil
}

func addTree(tw *tar.Writer, src, prefix string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		name := prefix
		if rel != "." {
			name = path.Join(prefix, filepath.ToSlash(rel))
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			})
		case d.Type().IsRegular():
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Mode:     int64(info.Mode().Perm()),
				Size:     info.Size(),
				ModTime:  info.ModTime(),
			}); err != nil {
				return errors.Wrapf(err, "write header %s", name)
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return errors.Wrapf(err, "archive %s", p)
			}
			return nil
		default:
			return nil
		}
	})
}

func extractEntry(r io.Reader, hdr *tar.Header, root string) error {
	if !strings.HasPrefix(hdr.Name, filesPrefix) {
		return nil
	}
	rel := strings.TrimSuffix(strings.TrimPrefix(hdr.Name, filesPrefix), "/")
	clean := path.Clean("/" + rel)
	if rel == "" || clean != "/"+rel {
		return errors.Newf("unsafe path %q in backup", hdr.Name)
	}
	target := filepath.Join(root, filepath.FromSlash(rel))

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o755)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		mode := fs.FileMode(hdr.Mode).Perm()
		if mode == 0 {
			mode = 0o644
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			_ = out.Close()
			return errors.Wrapf(err, "restore %s", target)
		}
		return out.Close()
	default:
		return nil
	}
}

func readManifest(file string) (Manifest, error) {
	f, err := os.Open(file)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()

	decoder, err := zstd.NewReader(f)
	if err != nil {
		return Manifest{}, errors.Wrap(err, "zstd reader")
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	hdr, err := tr.Next()
	if err != nil {
		return Manifest{}, errors.Wrap(err, "read manifest header")
	}
	if hdr.Name != manifestFileName {
		return Manifest{}, errors.Newf("first entry is %q, not %s", hdr.Name, manifestFileName)
	}
	manifest, err := decodeManifest(tr)
	if err != nil {
		return Manifest{}, err
	}
	manifest.Snapshot.Path = file
	return *manifest, nil
}

func decodeManifest(r io.Reader) (*Manifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, errors.Wrap(err, "parse manifest")
	}
	return &manifest, nil
}

func categoriesOf(items []artifacts.Item) []models.Category {
	seen := make(map[models.Category]bool)
	out := make([]models.Category, 0, len(items))
	for _, it := range items {
		if !seen[it.Category] {
			seen[it.Category] = true
			out = append(out, it.Category)
		}
	}
	return out
}

func sanitizeGroup(group string) string {
	group = strings.TrimSpace(group)
	if group == "" {
		return "backup"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, group)
}
