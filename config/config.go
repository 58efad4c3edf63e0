package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "skinsync"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "SKINSYNC_DATA_DIR"
	// EnvPrefix prefixes every environment override (SKINSYNC_SSH_USERNAME, ...).
	EnvPrefix = "skinsync"

	configName     = "skinsync"
	configFileName = configName + ".yaml"
	pairingFile    = "paired_devices.json"
	historyFile    = "history.db"
	backupDirName  = "backups"
)

const (
	// TransportOpenSSH drives the system ssh/scp binaries.
	TransportOpenSSH = "openssh"
	// TransportNative uses the in-process SSH and SFTP clients.
	TransportNative = "native"

	// DiscoveryZeroconf browses mDNS in-process.
	DiscoveryZeroconf = "zeroconf"
	// DiscoveryAvahi runs avahi-browse and parses its output.
	DiscoveryAvahi = "avahi"
	// DiscoveryNone skips zero-config lookup and always sweeps the subnet.
	DiscoveryNone = "none"

	// KeygenNative generates keys in-process.
	KeygenNative = "native"
	// KeygenSSHKeygen shells out to ssh-keygen.
	KeygenSSHKeygen = "ssh-keygen"
)

// Settings is the resolved configuration injected into the core at construction.
type Settings struct {
	DataDir string `mapstructure:"-"`

	SSH       SSHSettings       `mapstructure:"ssh"`
	Network   NetworkSettings   `mapstructure:"network"`
	Kodi      KodiSettings      `mapstructure:"kodi"`
	Discovery DiscoverySettings `mapstructure:"discovery"`
	Timeouts  TimeoutSettings   `mapstructure:"timeouts"`
	Transport string            `mapstructure:"transport"`
	Log       LogSettings       `mapstructure:"log"`
	History   HistorySettings   `mapstructure:"history"`
}

// SSHSettings controls remote access.
type SSHSettings struct {
	Username     string `mapstructure:"username"`
	Port         int    `mapstructure:"port"`
	KeyDir       string `mapstructure:"key_dir"`
	KeyName      string `mapstructure:"key_name"`
	Keygen       string `mapstructure:"keygen"`
	SSHBinary    string `mapstructure:"ssh_binary"`
	SCPBinary    string `mapstructure:"scp_binary"`
	KeygenBinary string `mapstructure:"keygen_binary"`
}

// NetworkSettings controls the subnet sweep.
type NetworkSettings struct {
	// Prefix is "a.b.c" or "a.b.c.0/24". Empty derives it from the outbound route.
	Prefix string `mapstructure:"prefix"`
}

// KodiSettings names the product paths on both ends.
type KodiSettings struct {
	LocalUserdata  string `mapstructure:"local_userdata"`
	RemoteUserdata string `mapstructure:"remote_userdata"`
	ProductRoot    string `mapstructure:"product_root"`
	Skin           string `mapstructure:"skin"`
	Service        string `mapstructure:"service"`
}

// DiscoverySettings controls zero-config lookup.
type DiscoverySettings struct {
	Backend      string `mapstructure:"backend"`
	ProductToken string `mapstructure:"product_token"`
	// TrustByName accepts hosts whose advertised name carries ProductToken
	// without a verification round-trip.
	TrustByName bool   `mapstructure:"trust_by_name"`
	AvahiBinary string `mapstructure:"avahi_binary"`
}

// TimeoutSettings bounds every network and process operation.
type TimeoutSettings struct {
	ScanProbe   time.Duration `mapstructure:"scan_probe"`
	ManualProbe time.Duration `mapstructure:"manual_probe"`
	Discovery   time.Duration `mapstructure:"discovery"`
	Verify      time.Duration `mapstructure:"verify"`
	Authorize   time.Duration `mapstructure:"authorize"`
	Command     time.Duration `mapstructure:"command"`
	Copy        time.Duration `mapstructure:"copy"`
}

// LogSettings controls the process logger.
type LogSettings struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// HistorySettings controls the sync history database.
type HistorySettings struct {
	// Retention drops runs and trust events older than this. Zero keeps them.
	Retention time.Duration `mapstructure:"retention"`
}

// Defaults returns every configuration key with its default value.
func Defaults() map[string]any {
	return map[string]any{
		"ssh.username":            "root",
		"ssh.port":                22,
		"ssh.key_dir":             "/storage/.ssh",
		"ssh.key_name":            "id_ed25519",
		"ssh.keygen":              KeygenNative,
		"ssh.ssh_binary":          "ssh",
		"ssh.scp_binary":          "scp",
		"ssh.keygen_binary":       "ssh-keygen",
		"network.prefix":          "",
		"kodi.local_userdata":     "/storage/.kodi/userdata",
		"kodi.remote_userdata":    "/storage/.kodi/userdata",
		"kodi.product_root":       "/storage/.kodi",
		"kodi.skin":               "",
		"kodi.service":            "kodi",
		"discovery.backend":       DiscoveryZeroconf,
		"discovery.product_token": "coreelec",
		"discovery.trust_by_name": true,
		"discovery.avahi_binary":  "avahi-browse",
		"timeouts.scan_probe":     "500ms",
		"timeouts.manual_probe":   "3s",
		"timeouts.discovery":      "10s",
		"timeouts.verify":         "10s",
		"timeouts.authorize":      "30s",
		"timeouts.command":        "15s",
		"timeouts.copy":           "2m",
		"transport":               TransportOpenSSH,
		"log.level":               "info",
		"log.file":                "",
		"history.retention":       "8760h",
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SKINSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve user home")
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to skinsync.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, backupDirName)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrapf(err, "create directory %q", dir)
		}
	}
	return nil
}

// Load resolves settings from defaults, skinsync.yaml in dataDir (or
// explicitFile when set), SKINSYNC_* environment variables and the bound flags,
// in increasing precedence.
func Load(dataDir, explicitFile string, flags map[string]*pflag.Flag) (*Settings, error) {
	v := newViper()

	if explicitFile != "" {
		v.SetConfigFile(explicitFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(dataDir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, errors.Wrapf(err, "bind flag for %s", key)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	s.DataDir = dataDir
	s.normalize()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// WriteDefault writes a default skinsync.yaml when none exists yet.
// It reports whether a file was written.
func WriteDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	raw, err := yaml.Marshal(newViper().AllSettings())
	if err != nil {
		return false, errors.Wrap(err, "marshal default config")
	}

	header := "# SkinSync configuration. Every key can also be set through\n" +
		"# SKINSYNC_<SECTION>_<KEY> environment variables.\n"
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, errors.Wrap(err, "create config directory")
	}
	if err := os.WriteFile(path, append([]byte(header), raw...), 0o600); err != nil {
		return false, errors.Wrap(err, "write config")
	}
	return true, nil
}

// Validate rejects settings the core cannot run with.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.SSH.Username) == "" {
		return errors.New("ssh.username must not be empty")
	}
	if s.SSH.Port <= 0 || s.SSH.Port > 65535 {
		return errors.Newf("ssh.port %d out of range", s.SSH.Port)
	}
	switch s.Transport {
	case TransportOpenSSH, TransportNative:
	default:
		return errors.Newf("unknown transport %q", s.Transport)
	}
	switch s.Discovery.Backend {
	case DiscoveryZeroconf, DiscoveryAvahi, DiscoveryNone:
	default:
		return errors.Newf("unknown discovery backend %q", s.Discovery.Backend)
	}
	if s.History.Retention < 0 {
		return errors.Newf("history.retention %s must not be negative", s.History.Retention)
	}
	switch s.SSH.Keygen {
	case KeygenNative, KeygenSSHKeygen:
	default:
		return errors.Newf("unknown keygen %q", s.SSH.Keygen)
	}
	return nil
}

// PrivateKeyPath is the private half of the local key pair.
func (s *Settings) PrivateKeyPath() string {
	return filepath.Join(s.SSH.KeyDir, s.SSH.KeyName)
}

// PublicKeyPath is the public half of the local key pair.
func (s *Settings) PublicKeyPath() string {
	return s.PrivateKeyPath() + ".pub"
}

// PairingPath is the persisted pairing registry.
func (s *Settings) PairingPath() string {
	return filepath.Join(s.DataDir, pairingFile)
}

// HistoryPath is the SQLite sync history database.
func (s *Settings) HistoryPath() string {
	return filepath.Join(s.DataDir, historyFile)
}

// BackupDir holds backup snapshots.
func (s *Settings) BackupDir() string {
	return filepath.Join(s.DataDir, backupDirName)
}

func (s *Settings) normalize() {
	s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
	s.Discovery.Backend = strings.ToLower(strings.TrimSpace(s.Discovery.Backend))
	s.SSH.Keygen = strings.ToLower(strings.TrimSpace(s.SSH.Keygen))
	s.Network.Prefix = strings.TrimSpace(s.Network.Prefix)
	s.Discovery.ProductToken = strings.ToLower(strings.TrimSpace(s.Discovery.ProductToken))
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// String renders a one-line summary for debug logs.
func (s *Settings) String() string {
	return fmt.Sprintf("user=%s port=%d transport=%s discovery=%s prefix=%q data=%s",
		s.SSH.Username, s.SSH.Port, s.Transport, s.Discovery.Backend, s.Network.Prefix, s.DataDir)
}
