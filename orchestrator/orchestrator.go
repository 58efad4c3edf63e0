// Package orchestrator drives discovery, trust bootstrap and artifact
// transfer against Kodi appliances.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"skinsync/artifacts"
	"skinsync/discovery"
	"skinsync/models"
	"skinsync/remote"
	"skinsync/storage"
	"skinsync/verify"
)

const (
	// DefaultService is the systemd unit stopped and started around a push.
	DefaultService = "kodi"
	// ProgressVerifyDone is the percentage reported when a scan completes.
	ProgressVerifyDone = 100
)

// Credentials is the local key pair.
type Credentials interface {
	Exists() bool
	Generate(ctx context.Context) error
	PublicKey() (string, error)
	Fingerprint() (string, error)
	Reset() error
}

// Discoverer finds candidate hosts.
type Discoverer interface {
	Discover(ctx context.Context, progress discovery.ProgressFunc) (discovery.Result, error)
}

// Verifier classifies candidates and installs the public key.
type Verifier interface {
	Verify(ctx context.Context, host, password string) (verify.Verdict, error)
	AuthorizeKey(ctx context.Context, host, password string) error
}

// Registry is the durable list of paired hosts.
type Registry interface {
	List() ([]models.PairedRecord, error)
	Contains(address string) (bool, error)
	Add(address, name string) (bool, error)
	Remove(address string) (bool, error)
}

// Backups writes snapshots of artifact trees.
type Backups interface {
	Create(group, root string, items []artifacts.Item) (models.BackupSnapshot, error)
}

// History records runs and trust changes. It is optional.
type History interface {
	RecordRun(run storage.SyncRun) (string, error)
	LogTrustEvent(event storage.TrustEvent) error
}

// Deps are the collaborators injected at construction.
type Deps struct {
	Credentials Credentials
	Discoverer  Discoverer
	Verifier    Verifier
	Executor    remote.Executor
	Registry    Registry
	Backups     Backups
	History     History
	// Probe checks a single paired or manual address. Defaults to discovery.IsOpen.
	Probe  discovery.ProbeFunc
	Logger *zap.SugaredLogger
}

// Config holds the per-run settings.
type Config struct {
	Layout             artifacts.Layout
	Port               int
	Service            string
	ManualProbeTimeout time.Duration
	CommandTimeout     time.Duration
	CopyTimeout        time.Duration
	EventBuffer        int
}

func (c Config) withDefaults() Config {
	out := c
	if out.Port <= 0 {
		out.Port = discovery.DefaultPort
	}
	if strings.TrimSpace(out.Service) == "" {
		out.Service = DefaultService
	}
	if out.ManualProbeTimeout <= 0 {
		out.ManualProbeTimeout = discovery.DefaultManualProbeTimeout
	}
	if out.CommandTimeout <= 0 {
		out.CommandTimeout = remote.DefaultCommandTimeout
	}
	if out.CopyTimeout <= 0 {
		out.CopyTimeout = remote.DefaultCopyTimeout
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = DefaultEventBuffer
	}
	return out
}

// Orchestrator runs one operation at a time against the LAN.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	log    *zap.SugaredLogger
	events chan Event
	now    func() time.Time

	mu    sync.Mutex
	names map[string]string
}

// New validates deps and applies config defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Credentials == nil:
		return nil, errors.New("orchestrator: credentials are required")
	case deps.Discoverer == nil:
		return nil, errors.New("orchestrator: discoverer is required")
	case deps.Verifier == nil:
		return nil, errors.New("orchestrator: verifier is required")
	case deps.Executor == nil:
		return nil, errors.New("orchestrator: executor is required")
	case deps.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case deps.Backups == nil:
		return nil, errors.New("orchestrator: backups are required")
	}
	if err := artifacts.ValidateSkin(cfg.Layout.Skin); err != nil {
		return nil, err
	}
	if deps.Probe == nil {
		deps.Probe = discovery.IsOpen
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger,
		events: make(chan Event, cfg.EventBuffer),
		now:    time.Now,
		names:  make(map[string]string),
	}, nil
}

// ScanResult is the verified device list of one scan.
type ScanResult struct {
	Devices  []models.Device
	Method   models.DiscoveryMethod
	FellBack bool
	// NeedPassword holds candidates that could not be checked without a
	// password. Pass the result to Reverify once one is known.
	NeedPassword []models.Candidate
	// Rejected holds candidates that failed authentication.
	Rejected []models.Candidate
}

// Scan discovers candidates, adds reachable paired hosts and verifies each
// one in address order. Hosts that fail verification are left out.
func (o *Orchestrator) Scan(ctx context.Context, password string) (ScanResult, error) {
	found, err := o.deps.Discoverer.Discover(ctx, o.progress)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ScanResult{}, ctxErr
		}
		o.warn("", fmt.Sprintf("discovery failed: %v", err))
	}

	paired, err := o.pairedIndex()
	if err != nil {
		return ScanResult{}, err
	}

	candidates := append([]models.Candidate(nil), found.Candidates...)
	live := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		live[c.Address] = true
	}
	for _, rec := range paired {
		if live[rec.Address] || rec.Address == found.LocalAddress {
			continue
		}
		if !o.deps.Probe(ctx, rec.Address, o.cfg.Port, o.cfg.ManualProbeTimeout) {
			o.log.Debugf("paired host %s unreachable, skipping", rec.Address)
			continue
		}
		live[rec.Address] = true
		candidates = append(candidates, models.Candidate{
			Address: rec.Address,
			Name:    rec.Name,
			Method:  models.MethodPaired,
		})
	}
	discovery.SortCandidates(candidates)

	result := ScanResult{Method: found.Method, FellBack: found.FellBack}
	total := len(candidates)
	for i, c := range candidates {
		if c.Name == "" {
			c.Name = paired[c.Address].Name
		}
		o.remember(c.Address, c.Name)
		o.verifyCandidate(ctx, c, password, paired, &result)
		o.progress(discovery.ProgressDiscoveryDone+(i+1)*(ProgressVerifyDone-discovery.ProgressDiscoveryDone)/total,
			fmt.Sprintf("checked %s", c.Address))
	}
	if total == 0 {
		o.progress(ProgressVerifyDone, "no hosts found")
	}
	o.log.Infof("scan found %d device(s), %d awaiting password", len(result.Devices), len(result.NeedPassword))
	return result, nil
}

func (o *Orchestrator) verifyCandidate(ctx context.Context, c models.Candidate, password string, paired map[string]models.PairedRecord, result *ScanResult) {
	_, fromPairing := paired[c.Address]
	if c.TrustedByName {
		o.trust(storage.TrustEventTrustedByName, c.Address,
			fmt.Sprintf("accepted %q on its advertised name", c.Name), storage.SeverityWarning)
		o.addDevice(result, models.Device{
			Address:       c.Address,
			Name:          c.Name,
			FromPairing:   fromPairing,
			TrustedByName: true,
		})
		return
	}

	verdict, err := o.deps.Verifier.Verify(ctx, c.Address, password)
	switch {
	case err == nil && verdict.Valid:
		o.addDevice(result, models.Device{
			Address:       c.Address,
			Name:          c.Name,
			KeyAuthorized: verdict.KeyAuthorized,
			FromPairing:   fromPairing,
		})
	case errors.Is(err, models.ErrPasswordRequired):
		result.NeedPassword = append(result.NeedPassword, c)
	case errors.Is(err, models.ErrAuthenticationFailed):
		o.log.Debugf("%s rejected: %v", c.Address, err)
		result.Rejected = append(result.Rejected, c)
	default:
		o.log.Debugf("%s is not a sync target: %v", c.Address, err)
	}
}

func (o *Orchestrator) addDevice(result *ScanResult, dev models.Device) {
	result.Devices = append(result.Devices, dev)
	o.emit(Event{Type: EventDeviceFound, Host: dev.Address, Message: dev.DisplayName()})
}

// Reverify retries the hosts of res that needed a password or rejected
// the previous one. Hosts that accept password move to Devices; the rest
// stay in NeedPassword or Rejected.
func (o *Orchestrator) Reverify(ctx context.Context, res ScanResult, password string) (ScanResult, error) {
	if password == "" {
		return res, models.ErrPasswordRequired
	}
	paired, err := o.pairedIndex()
	if err != nil {
		return res, err
	}
	pending := append(append([]models.Candidate(nil), res.NeedPassword...), res.Rejected...)
	discovery.SortCandidates(pending)
	res.NeedPassword = nil
	res.Rejected = nil
	for _, c := range pending {
		o.verifyCandidate(ctx, c, password, paired, &res)
	}
	SortDevices(res.Devices)
	return res, nil
}

// SortDevices orders devices numerically by address.
func SortDevices(devices []models.Device) {
	addresses := make([]string, len(devices))
	byAddr := make(map[string]models.Device, len(devices))
	for i, d := range devices {
		addresses[i] = d.Address
		byAddr[d.Address] = d
	}
	discovery.SortAddresses(addresses)
	for i, addr := range addresses {
		devices[i] = byAddr[addr]
	}
}

// ManualAdd checks one operator-supplied address. The host is not paired
// until a transfer or authorization succeeds.
func (o *Orchestrator) ManualAdd(ctx context.Context, address, password string) (models.Device, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return models.Device{}, errors.New("address is required")
	}
	if !o.deps.Probe(ctx, address, o.cfg.Port, o.cfg.ManualProbeTimeout) {
		return models.Device{}, errors.Wrapf(models.ErrHostUnreachable, "%s:%d", address, o.cfg.Port)
	}

	verdict, err := o.deps.Verifier.Verify(ctx, address, password)
	if err != nil {
		return models.Device{}, err
	}
	if !verdict.Valid {
		return models.Device{}, errors.Wrapf(models.ErrAuthenticationFailed, "%s", address)
	}

	paired, err := o.pairedIndex()
	if err != nil {
		return models.Device{}, err
	}
	rec, fromPairing := paired[address]
	dev := models.Device{
		Address:       address,
		Name:          rec.Name,
		KeyAuthorized: verdict.KeyAuthorized,
		FromPairing:   fromPairing,
	}
	o.remember(address, dev.Name)
	o.emit(Event{Type: EventDeviceFound, Host: address, Message: dev.DisplayName()})
	return dev, nil
}

// Authorize installs the local public key on address and pairs it.
func (o *Orchestrator) Authorize(ctx context.Context, address, password string) error {
	if !o.deps.Credentials.Exists() {
		return models.ErrCredentialMissing
	}
	if password == "" {
		return models.ErrPasswordRequired
	}
	if err := o.deps.Verifier.AuthorizeKey(ctx, address, password); err != nil {
		return err
	}

	fingerprint, err := o.deps.Credentials.Fingerprint()
	if err != nil {
		fingerprint = "unknown"
	}
	o.trust(storage.TrustEventKeyAuthorized, address, "installed key "+fingerprint, storage.SeverityInfo)
	o.transferEvent(address, "key authorized")
	return o.pair(address)
}

// SetupReport summarizes the first-time wizard.
type SetupReport struct {
	Found      int
	Authorized int
	Generated  bool
	Devices    []models.Device
	Failed     []string
	// Rejected holds hosts that refused the password. Pass the report to
	// RetryRejected with a freshly entered one.
	Rejected []models.Candidate
}

// Setup generates keys when missing, scans with password and authorizes
// the key on every valid device. Every device that ends up trusting the
// key is paired.
func (o *Orchestrator) Setup(ctx context.Context, password string) (SetupReport, error) {
	if password == "" {
		return SetupReport{}, models.ErrPasswordRequired
	}

	var report SetupReport
	if !o.deps.Credentials.Exists() {
		if err := o.deps.Credentials.Generate(ctx); err != nil {
			return report, err
		}
		report.Generated = true
		fingerprint, _ := o.deps.Credentials.Fingerprint()
		o.trust(storage.TrustEventKeysGenerated, "", "generated key "+fingerprint, storage.SeverityInfo)
	}

	scan, err := o.Scan(ctx, password)
	if err != nil {
		return report, err
	}
	report.Found = len(scan.Devices)
	report.Rejected = scan.Rejected
	return report, o.authorizeAll(ctx, scan.Devices, password, &report)
}

// RetryRejected verifies the hosts in report.Rejected again with password
// and authorizes the key on those that accept it.
func (o *Orchestrator) RetryRejected(ctx context.Context, report SetupReport, password string) (SetupReport, error) {
	if password == "" {
		return report, models.ErrPasswordRequired
	}
	scan, err := o.Reverify(ctx, ScanResult{Rejected: report.Rejected}, password)
	if err != nil {
		return report, err
	}
	report.Rejected = scan.Rejected
	report.Found += len(scan.Devices)
	if err := o.authorizeAll(ctx, scan.Devices, password, &report); err != nil {
		return report, err
	}
	SortDevices(report.Devices)
	return report, nil
}

func (o *Orchestrator) authorizeAll(ctx context.Context, devices []models.Device, password string, report *SetupReport) error {
	for _, dev := range devices {
		if !dev.KeyAuthorized {
			if err := o.Authorize(ctx, dev.Address, password); err != nil {
				if errors.Is(err, models.ErrKeyUnreadable) || isRegistryFailure(err) {
					return err
				}
				o.warn(dev.Address, fmt.Sprintf("authorize key: %v", err))
				report.Failed = append(report.Failed, dev.Address)
				continue
			}
			report.Authorized++
			dev.KeyAuthorized = true
		} else if err := o.pair(dev.Address); err != nil {
			return err
		}
		dev.FromPairing = true
		report.Devices = append(report.Devices, dev)
	}
	return nil
}

// ListPaired returns the pairing registry.
func (o *Orchestrator) ListPaired() ([]models.PairedRecord, error) {
	return o.deps.Registry.List()
}

// RemovePaired forgets address. It reports whether a record was removed.
func (o *Orchestrator) RemovePaired(address string) (bool, error) {
	removed, err := o.deps.Registry.Remove(address)
	if err != nil {
		return false, errors.Mark(err, errRegistry)
	}
	if removed {
		o.trust(storage.TrustEventUnpaired, address, "removed from pairing registry", storage.SeverityInfo)
	}
	return removed, nil
}

// ResetCredentials deletes the local key pair. Hosts keep the old public
// key in authorized_keys until removed there.
func (o *Orchestrator) ResetCredentials() error {
	fingerprint, _ := o.deps.Credentials.Fingerprint()
	if err := o.deps.Credentials.Reset(); err != nil {
		return err
	}
	details := "key pair removed"
	if fingerprint != "" {
		details = "removed key " + fingerprint
	}
	o.trust(storage.TrustEventKeysReset, "", details, storage.SeverityWarning)
	return nil
}

var errRegistry = errors.New("pairing registry write failed")

func isRegistryFailure(err error) bool {
	return errors.Is(err, errRegistry)
}

// pair adds address to the registry. A write failure is fatal to the
// current operation.
func (o *Orchestrator) pair(address string) error {
	added, err := o.deps.Registry.Add(address, o.nameOf(address))
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "pair %s", address), errRegistry)
	}
	if added {
		o.trust(storage.TrustEventPaired, address, "added to pairing registry", storage.SeverityInfo)
	}
	return nil
}

func (o *Orchestrator) pairedIndex() (map[string]models.PairedRecord, error) {
	records, err := o.deps.Registry.List()
	if err != nil {
		return nil, errors.Wrap(err, "read pairing registry")
	}
	index := make(map[string]models.PairedRecord, len(records))
	for _, rec := range records {
		index[rec.Address] = rec
	}
	return index, nil
}

func (o *Orchestrator) remember(address, name string) {
	if name == "" {
		return
	}
	o.mu.Lock()
	o.names[address] = name
	o.mu.Unlock()
}

func (o *Orchestrator) nameOf(address string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.names[address]
}

func (o *Orchestrator) trust(eventType, host, details, severity string) {
	if o.deps.History == nil {
		return
	}
	event := storage.TrustEvent{EventType: eventType, Details: details, Severity: severity}
	if host != "" {
		event.Host = &host
	}
	if err := o.deps.History.LogTrustEvent(event); err != nil {
		o.log.Warnf("record %s trust event: %v", eventType, err)
	}
}

func (o *Orchestrator) recordRun(report Report) {
	if o.deps.History == nil {
		return
	}
	categories := make([]string, 0, len(report.Selected))
	for _, c := range report.Selected {
		categories = append(categories, string(c))
	}
	_, err := o.deps.History.RecordRun(storage.SyncRun{
		RunID:      report.RunID,
		Host:       report.Host,
		Direction:  report.Direction,
		Categories: categories,
		Status:     report.Status(),
		Detail:     report.detail(),
		BackupName: report.Backup,
		StartedAt:  report.StartedAt.UnixMilli(),
		FinishedAt: report.FinishedAt.UnixMilli(),
	})
	if err != nil {
		o.log.Warnf("record %s run for %s: %v", report.Direction, report.Host, err)
	}
}
