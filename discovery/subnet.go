package discovery

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"skinsync/models"
)

// MaxConcurrentProbes caps simultaneous connection attempts during a sweep.
const MaxConcurrentProbes = 50

// LocalAddress returns the IPv4 address of the interface carrying the
// default route. No packet is sent.
func LocalAddress() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", errors.Wrap(err, "determine outbound interface")
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return "", errors.New("outbound interface has no IPv4 address")
	}
	return addr.IP.String(), nil
}

// ResolvePrefix returns the first three octets of the /24 to sweep.
// override accepts "a.b.c", "a.b.c." or a CIDR such as "a.b.c.0/24"; when it
// is empty the prefix is derived from localAddress.
func ResolvePrefix(override, localAddress string) (string, error) {
	override = strings.TrimSpace(override)
	if override != "" {
		if strings.Contains(override, "/") {
			ip, _, err := net.ParseCIDR(override)
			if err != nil || ip.To4() == nil {
				return "", errors.Newf("invalid network prefix %q", override)
			}
			return prefixOf(ip.To4().String()), nil
		}
		trimmed := strings.TrimSuffix(override, ".")
		parts := strings.Split(trimmed, ".")
		if len(parts) == 4 {
			parts = parts[:3]
		}
		if len(parts) != 3 || !validOctets(parts) {
			return "", errors.Newf("invalid network prefix %q", override)
		}
		return strings.Join(parts, "."), nil
	}

	ip := net.ParseIP(localAddress)
	if ip == nil || ip.To4() == nil {
		return "", models.ErrNoNetworkPrefix
	}
	return prefixOf(ip.To4().String()), nil
}

// SubnetHosts lists prefix.1 through prefix.254 without exclude.
func SubnetHosts(prefix, exclude string) []string {
	hosts := make([]string, 0, 254)
	for i := 1; i <= 254; i++ {
		host := prefix + "." + strconv.Itoa(i)
		if host == exclude {
			continue
		}
		hosts = append(hosts, host)
	}
	return hosts
}

// SweepConfig parameterises a bounded port sweep.
type SweepConfig struct {
	Port     int
	Timeout  time.Duration
	Limit    int
	Probe    ProbeFunc
	Progress func(done, total int)
}

type probeResult struct {
	host string
	open bool
}

// Sweep probes hosts with at most cfg.Limit checks in flight. Results are
// consumed as they complete; the returned open hosts are sorted numerically.
func Sweep(ctx context.Context, hosts []string, cfg SweepConfig) []string {
	limit := cfg.Limit
	if limit <= 0 || limit > MaxConcurrentProbes {
		limit = MaxConcurrentProbes
	}
	probe := cfg.Probe
	if probe == nil {
		probe = IsOpen
	}

	results := make(chan probeResult, limit)
	go func() {
		var g errgroup.Group
		g.SetLimit(limit)
		for _, host := range hosts {
			g.Go(func() error {
				results <- probeResult{host: host, open: probe(ctx, host, cfg.Port, cfg.Timeout)}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	open := make([]string, 0)
	done := 0
	for res := range results {
		done++
		if res.open {
			open = append(open, res.host)
		}
		if cfg.Progress != nil {
			cfg.Progress(done, len(hosts))
		}
	}

	SortAddresses(open)
	return open
}

// SortAddresses orders dotted IPv4 addresses numerically; anything else
// sorts after them lexically.
func SortAddresses(addresses []string) {
	sort.SliceStable(addresses, func(i, j int) bool {
		a, b := net.ParseIP(addresses[i]).To4(), net.ParseIP(addresses[j]).To4()
		switch {
		case a != nil && b != nil:
			for k := 0; k < 4; k++ {
				if a[k] != b[k] {
					return a[k] < b[k]
				}
			}
			return false
		case a != nil:
			return true
		case b != nil:
			return false
		default:
			return addresses[i] < addresses[j]
		}
	})
}

func prefixOf(ipv4 string) string {
	return ipv4[:strings.LastIndex(ipv4, ".")]
}

func validOctets(parts []string) bool {
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}
