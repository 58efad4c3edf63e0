package discovery

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/grandcat/zeroconf"

	"skinsync/models"
)

const (
	// DefaultService is the mDNS service type advertised by SSH daemons.
	DefaultService = "_ssh._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultBrowseWindow is how long the resolver collects answers.
	DefaultBrowseWindow = 3 * time.Second
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Advertisement is one resolved service instance.
type Advertisement struct {
	Instance  string
	HostName  string
	Addresses []string
	Port      int
}

// Browser performs a single bounded zero-config lookup. Any failure to run
// the lookup is reported as models.ErrDiscoveryUnavailable.
type Browser interface {
	Name() string
	Browse(ctx context.Context) ([]Advertisement, error)
}

// ZeroconfConfig controls the in-process mDNS browser.
type ZeroconfConfig struct {
	Service string
	Domain  string
	Window  time.Duration

	browseFn browseFunc
}

func (c ZeroconfConfig) withDefaults() ZeroconfConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Window <= 0 {
		out.Window = DefaultBrowseWindow
	}
	return out
}

// ZeroconfBrowser browses _ssh._tcp with github.com/grandcat/zeroconf.
type ZeroconfBrowser struct {
	cfg ZeroconfConfig
}

// NewZeroconfBrowser creates a browser with config defaults applied.
func NewZeroconfBrowser(config ZeroconfConfig) *ZeroconfBrowser {
	return &ZeroconfBrowser{cfg: config.withDefaults()}
}

// Name identifies the backend in logs.
func (b *ZeroconfBrowser) Name() string { return "zeroconf" }

// Browse collects answers until the browse window or ctx ends.
func (b *ZeroconfBrowser) Browse(ctx context.Context) ([]Advertisement, error) {
	browse := b.cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "create mDNS resolver"), models.ErrDiscoveryUnavailable)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, b.cfg.Window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Advertisement)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				ad := parseEntry(entry)
				collectedMu.Lock()
				collected[entry.ServiceInstanceName()] = ad
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, errors.Mark(errors.Wrap(err, "browse mDNS"), models.ErrDiscoveryUnavailable)
	}

	<-scanCtx.Done()
	<-collectorDone

	// The window ending is the normal way out; a cancelled parent is not.
	if err := ctx.Err(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "browse mDNS"), models.ErrDiscoveryUnavailable)
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]Advertisement, 0, len(collected))
	for _, ad := range collected {
		out = append(out, ad)
	}
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry) Advertisement {
	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		addresses = append(addresses, ip.String())
	}
	return Advertisement{
		Instance:  strings.TrimSpace(entry.Instance),
		HostName:  strings.TrimSuffix(strings.TrimSpace(entry.HostName), "."),
		Addresses: addresses,
		Port:      entry.Port,
	}
}
