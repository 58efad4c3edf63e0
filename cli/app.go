package cli

import (
	"bufio"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"skinsync/artifacts"
	"skinsync/backup"
	"skinsync/config"
	"skinsync/crypto"
	"skinsync/discovery"
	"skinsync/logging"
	"skinsync/orchestrator"
	"skinsync/pairing"
	"skinsync/remote"
	"skinsync/storage"
	"skinsync/verify"
)

// app holds everything a command needs. open builds it once per process.
type app struct {
	opts  *globalOptions
	stdin io.Reader
	in    *bufio.Reader
	pw    string

	settings *config.Settings
	layout   artifacts.Layout
	creds    *crypto.CredentialStore
	registry *pairing.Registry
	backups  *backup.Manager
	store    *storage.Store
	orch     *orchestrator.Orchestrator
}

func (a *app) open(cmd *cobra.Command) error {
	dataDir := a.opts.dataDir
	if dataDir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return err
		}
		dataDir = resolved
	}
	if err := config.EnsureDataDirectories(dataDir); err != nil {
		return err
	}
	if a.opts.configFile == "" {
		if _, err := config.WriteDefault(config.ConfigPath(dataDir)); err != nil {
			return err
		}
	}

	settings, err := config.Load(dataDir, a.opts.configFile, boundFlags(cmd))
	if err != nil {
		return err
	}
	level := settings.Log.Level
	if a.opts.debug {
		level = "debug"
	}
	if err := logging.Init(level, settings.Log.File); err != nil {
		return errors.Wrap(err, "init logging")
	}
	logging.Debugf("settings: %s", settings)
	a.settings = settings

	skin, err := artifacts.ResolveSkin(settings.Kodi.Skin, settings.Kodi.LocalUserdata)
	if err != nil {
		return err
	}
	layout, err := artifacts.NewLayout(settings.Kodi.LocalUserdata, settings.Kodi.RemoteUserdata, skin)
	if err != nil {
		return err
	}
	a.layout = layout

	keygen := crypto.NativeKeygen
	if settings.SSH.Keygen == config.KeygenSSHKeygen {
		keygen = crypto.SSHKeygen(settings.SSH.KeygenBinary)
	}
	a.creds = crypto.NewCredentialStore(settings.PrivateKeyPath(), settings.PublicKeyPath(),
		crypto.WithKeygen(keygen),
		crypto.WithLogger(logging.Named("keys")),
	)

	exec, err := remote.New(settings.Transport, remote.Config{
		Username:  settings.SSH.Username,
		Port:      settings.SSH.Port,
		KeyPath:   settings.PrivateKeyPath(),
		SSHBinary: settings.SSH.SSHBinary,
		SCPBinary: settings.SSH.SCPBinary,
		Signer:    a.creds.Signer,
		Logger:    logging.Named("remote"),
	})
	if err != nil {
		return err
	}

	var browser discovery.Browser
	switch settings.Discovery.Backend {
	case config.DiscoveryZeroconf:
		browser = discovery.NewZeroconfBrowser(discovery.ZeroconfConfig{})
	case config.DiscoveryAvahi:
		browser = discovery.NewAvahiBrowser(settings.Discovery.AvahiBinary)
	}
	discoverer := discovery.New(discovery.Config{
		Browser:       browser,
		Port:          settings.SSH.Port,
		ProductToken:  settings.Discovery.ProductToken,
		TrustByName:   settings.Discovery.TrustByName,
		NetworkPrefix: settings.Network.Prefix,
		ProbeTimeout:  settings.Timeouts.ScanProbe,
		Timeout:       settings.Timeouts.Discovery,
		Logger:        logging.Named("discovery"),
	})

	verifier := verify.New(exec, a.creds, verify.Config{
		ProductRoot:      settings.Kodi.ProductRoot,
		Timeout:          settings.Timeouts.Verify,
		AuthorizeTimeout: settings.Timeouts.Authorize,
		Logger:           logging.Named("verify"),
	})

	a.registry = pairing.NewRegistry(settings.PairingPath(), pairing.WithLogger(logging.Named("pairing")))
	a.backups = backup.NewManager(settings.BackupDir(), backup.WithLogger(logging.Named("backup")))

	store, err := storage.OpenPath(settings.HistoryPath())
	if err != nil {
		return err
	}
	store.SetRetention(settings.History.Retention)
	a.store = store

	orch, err := orchestrator.New(orchestrator.Config{
		Layout:             layout,
		Port:               settings.SSH.Port,
		Service:            settings.Kodi.Service,
		ManualProbeTimeout: settings.Timeouts.ManualProbe,
		CommandTimeout:     settings.Timeouts.Command,
		CopyTimeout:        settings.Timeouts.Copy,
	}, orchestrator.Deps{
		Credentials: a.creds,
		Discoverer:  discoverer,
		Verifier:    verifier,
		Executor:    exec,
		Registry:    a.registry,
		Backups:     a.backups,
		History:     store,
		Logger:      logging.Named("sync"),
	})
	if err != nil {
		_ = store.Close()
		return err
	}
	a.orch = orch
	return nil
}

func (a *app) close() error {
	defer logging.Sync()
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
