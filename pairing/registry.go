// Package pairing persists the set of appliances this host has been paired
// with.
package pairing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"skinsync/models"
)

// Registry is a JSON list of PairedRecord rewritten whole on each change.
// A missing file is an empty registry.
type Registry struct {
	path string
	now  func() time.Time
	log  *zap.SugaredLogger

	mu sync.Mutex
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Registry) { r.log = log }
}

// NewRegistry opens the registry stored at path.
func NewRegistry(path string, opts ...Option) *Registry {
	r := &Registry{
		path: path,
		now:  time.Now,
		log:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the backing file.
func (r *Registry) Path() string {
	return r.path
}

// List returns all records in the order they were paired.
func (r *Registry) List() ([]models.PairedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Contains reports whether address is paired.
func (r *Registry) Contains(address string) (bool, error) {
	records, err := r.List()
	if err != nil {
		return false, err
	}
	return indexOf(records, address) >= 0, nil
}

// Add records address. Re-adding a known address is a no-op and reports
// false.
func (r *Registry) Add(address, name string) (bool, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return false, errors.New("address is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load()
	if err != nil {
		return false, err
	}
	if indexOf(records, address) >= 0 {
		return false, nil
	}

	records = append(records, models.PairedRecord{
		Address:  address,
		Name:     strings.TrimSpace(name),
		PairedAt: r.now().UTC(),
	})
	if err := r.save(records); err != nil {
		return false, err
	}
	r.log.Infof("paired %s", address)
	return true, nil
}

// Remove deletes address and reports whether it was present.
func (r *Registry) Remove(address string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load()
	if err != nil {
		return false, err
	}
	i := indexOf(records, strings.TrimSpace(address))
	if i < 0 {
		return false, nil
	}

	records = append(records[:i], records[i+1:]...)
	if err := r.save(records); err != nil {
		return false, err
	}
	r.log.Infof("unpaired %s", address)
	return true, nil
}

func (r *Registry) load() ([]models.PairedRecord, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.PairedRecord{}, nil
		}
		return nil, errors.Wrapf(err, "read pairing store %s", r.path)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return []models.PairedRecord{}, nil
	}

	var records []models.PairedRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, errors.Wrapf(err, "decode pairing store %s", r.path)
	}
	return records, nil
}

func (r *Registry) save(records []models.PairedRecord) error {
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode pairing store")
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create pairing temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "write pairing store")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "write pairing store")
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "chmod pairing store")
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "replace pairing store")
	}
	return nil
}

func indexOf(records []models.PairedRecord, address string) int {
	for i, rec := range records {
		if rec.Address == address {
			return i
		}
	}
	return -1
}
