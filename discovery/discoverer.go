package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"skinsync/models"
)

const (
	// DefaultPort is the SSH port probed and advertised.
	DefaultPort = 22
	// DefaultProductToken marks advertisements that are trusted without a
	// login check.
	DefaultProductToken = "coreelec"
	// DefaultDiscoveryTimeout bounds one zero-config lookup.
	DefaultDiscoveryTimeout = 10 * time.Second
	// ProgressDiscoveryDone is the percentage reached once candidates are
	// known; verification owns the rest of the range.
	ProgressDiscoveryDone = 50
)

// ProgressFunc receives monotonically non-decreasing percentages in
// [0, ProgressDiscoveryDone].
type ProgressFunc func(percent int, message string)

// Config wires one discovery run.
type Config struct {
	// Browser is the zero-config backend. Nil goes straight to the sweep.
	Browser       Browser
	Port          int
	ProductToken  string
	TrustByName   bool
	NetworkPrefix string
	LocalAddress  string
	ProbeTimeout  time.Duration
	Timeout       time.Duration
	MaxConcurrent int
	Probe         ProbeFunc
	Logger        *zap.SugaredLogger

	localAddrFn func() (string, error)
}

func (c Config) withDefaults() Config {
	out := c
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if strings.TrimSpace(out.ProductToken) == "" {
		out.ProductToken = DefaultProductToken
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultScanProbeTimeout
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultDiscoveryTimeout
	}
	if out.MaxConcurrent <= 0 || out.MaxConcurrent > MaxConcurrentProbes {
		out.MaxConcurrent = MaxConcurrentProbes
	}
	if out.Probe == nil {
		out.Probe = IsOpen
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop().Sugar()
	}
	if out.localAddrFn == nil {
		out.localAddrFn = LocalAddress
	}
	return out
}

// Result is the outcome of one discovery run.
type Result struct {
	Candidates   []models.Candidate
	Method       models.DiscoveryMethod
	FellBack     bool
	LocalAddress string
}

// Discoverer runs zero-config discovery and falls back to a subnet sweep
// only when zero-config could not run at all.
type Discoverer struct {
	cfg Config
	log *zap.SugaredLogger
}

// New creates a discoverer with config defaults applied.
func New(config Config) *Discoverer {
	cfg := config.withDefaults()
	return &Discoverer{cfg: cfg, log: cfg.Logger}
}

// Discover returns candidate hosts. An empty zero-config answer is final.
func (d *Discoverer) Discover(ctx context.Context, progress ProgressFunc) (Result, error) {
	reporter := &progressReporter{fn: progress, last: -1}

	local := d.cfg.LocalAddress
	if local == "" {
		addr, err := d.cfg.localAddrFn()
		if err != nil {
			d.log.Debugf("local address unknown: %v", err)
		} else {
			local = addr
		}
	}

	fellBack := false
	if d.cfg.Browser != nil {
		reporter.report(0, fmt.Sprintf("browsing %s via %s", DefaultService, d.cfg.Browser.Name()))

		browseCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		ads, err := d.cfg.Browser.Browse(browseCtx)
		cancel()
		if err == nil {
			candidates := d.fromAdvertisements(ads, local)
			d.log.Infof("%s discovery found %d candidate(s)", d.cfg.Browser.Name(), len(candidates))
			reporter.report(ProgressDiscoveryDone, fmt.Sprintf("found %d host(s)", len(candidates)))
			return Result{Candidates: candidates, Method: models.MethodZeroconf, LocalAddress: local}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		d.log.Warnf("%s discovery unavailable, falling back to port probe: %v", d.cfg.Browser.Name(), err)
		fellBack = true
	}

	prefix, err := ResolvePrefix(d.cfg.NetworkPrefix, local)
	if err != nil {
		return Result{}, err
	}
	hosts := SubnetHosts(prefix, local)
	reporter.report(0, fmt.Sprintf("probing %s.0/24 port %d", prefix, d.cfg.Port))

	open := Sweep(ctx, hosts, SweepConfig{
		Port:    d.cfg.Port,
		Timeout: d.cfg.ProbeTimeout,
		Limit:   d.cfg.MaxConcurrent,
		Probe:   d.cfg.Probe,
		Progress: func(done, total int) {
			reporter.report(done*ProgressDiscoveryDone/total, fmt.Sprintf("probed %d/%d", done, total))
		},
	})
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	candidates := make([]models.Candidate, 0, len(open))
	for _, addr := range open {
		candidates = append(candidates, models.Candidate{Address: addr, Method: models.MethodProbe})
	}
	d.log.Infof("port probe found %d host(s) with port %d open", len(candidates), d.cfg.Port)
	reporter.report(ProgressDiscoveryDone, fmt.Sprintf("found %d host(s)", len(candidates)))

	return Result{Candidates: candidates, Method: models.MethodProbe, FellBack: fellBack, LocalAddress: local}, nil
}

func (d *Discoverer) fromAdvertisements(ads []Advertisement, local string) []models.Candidate {
	seen := make(map[string]struct{})
	out := make([]models.Candidate, 0, len(ads))
	for _, ad := range ads {
		name := ad.Instance
		if name == "" {
			name = ad.HostName
		}
		trusted := d.cfg.TrustByName && d.matchesProduct(ad)
		for _, raw := range ad.Addresses {
			ip := net.ParseIP(strings.TrimSpace(raw))
			if ip == nil || ip.To4() == nil {
				continue
			}
			addr := ip.To4().String()
			if addr == local {
				continue
			}
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, models.Candidate{
				Address:       addr,
				Name:          name,
				Method:        models.MethodZeroconf,
				TrustedByName: trusted,
			})
		}
	}
	SortCandidates(out)
	return out
}

func (d *Discoverer) matchesProduct(ad Advertisement) bool {
	token := strings.ToLower(d.cfg.ProductToken)
	return strings.Contains(strings.ToLower(ad.Instance), token) ||
		strings.Contains(strings.ToLower(ad.HostName), token)
}

// SortCandidates orders candidates numerically by address.
func SortCandidates(candidates []models.Candidate) {
	addresses := make([]string, len(candidates))
	byAddr := make(map[string]models.Candidate, len(candidates))
	for i, c := range candidates {
		addresses[i] = c.Address
		byAddr[c.Address] = c
	}
	SortAddresses(addresses)
	for i, addr := range addresses {
		candidates[i] = byAddr[addr]
	}
}

type progressReporter struct {
	fn   ProgressFunc
	last int
}

// report drops updates that would move progress backwards or repeat it.
func (p *progressReporter) report(percent int, message string) {
	if p.fn == nil || percent <= p.last {
		return
	}
	p.last = percent
	p.fn(percent, message)
}
