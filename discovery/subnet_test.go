package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skinsync/models"
)

func TestResolvePrefix(t *testing.T) {
	cases := []struct {
		override string
		local    string
		want     string
	}{
		{"", "192.168.1.23", "192.168.1"},
		{"10.0.0", "192.168.1.23", "10.0.0"},
		{"10.0.0.", "", "10.0.0"},
		{"10.0.0.0/24", "", "10.0.0"},
		{"10.0.0.17", "", "10.0.0"},
	}
	for _, tc := range cases {
		got, err := ResolvePrefix(tc.override, tc.local)
		require.NoError(t, err, tc.override)
		assert.Equal(t, tc.want, got, tc.override)
	}
}

func TestResolvePrefixErrors(t *testing.T) {
	_, err := ResolvePrefix("", "")
	assert.True(t, errors.Is(err, models.ErrNoNetworkPrefix))

	for _, bad := range []string{"10.0", "10.0.300", "a.b.c", "fe80::/64"} {
		_, err := ResolvePrefix(bad, "192.168.1.2")
		assert.Error(t, err, bad)
	}
}

func TestSubnetHostsExcludesSelf(t *testing.T) {
	hosts := SubnetHosts("10.0.0", "10.0.0.5")
	assert.Len(t, hosts, 253)
	assert.Equal(t, "10.0.0.1", hosts[0])
	assert.Equal(t, "10.0.0.254", hosts[len(hosts)-1])
	assert.NotContains(t, hosts, "10.0.0.5")
	assert.NotContains(t, hosts, "10.0.0.0")
	assert.NotContains(t, hosts, "10.0.0.255")
}

func TestSweepBoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight int32
	probe := func(ctx context.Context, address string, port int, timeout time.Duration) bool {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			seen := atomic.LoadInt32(&maxInFlight)
			if n <= seen || atomic.CompareAndSwapInt32(&maxInFlight, seen, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return address == "10.0.0.9"
	}

	open := Sweep(context.Background(), SubnetHosts("10.0.0", ""), SweepConfig{Port: 22, Limit: 200, Probe: probe})
	assert.Equal(t, []string{"10.0.0.9"}, open)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(MaxConcurrentProbes))
	assert.Greater(t, atomic.LoadInt32(&maxInFlight), int32(1))
}

func TestSweepReportsEveryCompletionInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	probe := func(ctx context.Context, address string, port int, timeout time.Duration) bool { return false }

	hosts := SubnetHosts("10.0.0", "")
	Sweep(context.Background(), hosts, SweepConfig{
		Port:  22,
		Probe: probe,
		Progress: func(done, total int) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, len(hosts), total)
			seen = append(seen, done)
		},
	})

	require.Len(t, seen, len(hosts))
	for i, v := range seen {
		assert.Equal(t, i+1, v)
	}
}

func TestSortAddressesIsNumeric(t *testing.T) {
	addrs := []string{"10.0.0.12", "10.0.0.7", "10.0.1.1", "hostname", "10.0.0.100"}
	SortAddresses(addrs)
	assert.Equal(t, []string{"10.0.0.7", "10.0.0.12", "10.0.0.100", "10.0.1.1", "hostname"}, addrs)
}
