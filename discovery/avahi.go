package discovery

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"skinsync/models"
)

// DefaultAvahiBinary is looked up on PATH.
const DefaultAvahiBinary = "avahi-browse"

type commandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// AvahiBrowser shells out to avahi-browse in parsable, resolve, terminate
// mode.
type AvahiBrowser struct {
	binary  string
	service string
	run     commandFunc
}

// NewAvahiBrowser returns a browser for binary, or DefaultAvahiBinary.
func NewAvahiBrowser(binary string) *AvahiBrowser {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultAvahiBinary
	}
	return &AvahiBrowser{binary: binary, service: DefaultService, run: runCommand}
}

// Name identifies the backend in logs.
func (b *AvahiBrowser) Name() string { return "avahi" }

// Browse runs the tool once. A missing binary, a non-zero exit and an
// expired ctx all count as unavailable.
func (b *AvahiBrowser) Browse(ctx context.Context) ([]Advertisement, error) {
	out, err := b.run(ctx, b.binary, "-rpt", b.service)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.CombineErrors(ctxErr, err)
		}
		return nil, errors.Mark(errors.Wrapf(err, "run %s", b.binary), models.ErrDiscoveryUnavailable)
	}
	return ParseAvahiOutput(out), nil
}

// ParseAvahiOutput extracts resolved ("=") records from avahi-browse -p
// output. Fields are: type, interface, protocol, name, service, domain,
// hostname, address, port, txt.
func ParseAvahiOutput(out []byte) []Advertisement {
	ads := make([]Advertisement, 0)
	index := make(map[string]int)

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ";")
		if len(fields) < 9 || fields[0] != "=" {
			continue
		}
		if fields[2] != "IPv4" {
			continue
		}
		port, err := strconv.Atoi(fields[8])
		if err != nil {
			continue
		}
		name := decodeAvahiName(fields[3])
		address := strings.TrimSpace(fields[7])

		if i, ok := index[name]; ok {
			if !containsString(ads[i].Addresses, address) {
				ads[i].Addresses = append(ads[i].Addresses, address)
			}
			continue
		}
		index[name] = len(ads)
		ads = append(ads, Advertisement{
			Instance:  name,
			HostName:  strings.TrimSuffix(fields[6], ".local"),
			Addresses: []string{address},
			Port:      port,
		})
	}
	return ads
}

// decodeAvahiName undoes avahi's \DDD decimal escapes.
func decodeAvahiName(raw string) string {
	if !strings.Contains(raw, `\`) {
		return raw
	}
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 >= len(raw) {
			b.WriteByte(c)
			continue
		}
		if i+4 <= len(raw) && isDigits(raw[i+1:i+4]) {
			n, _ := strconv.Atoi(raw[i+1 : i+4])
			if n <= 255 {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(raw[i+1])
		i++
	}
	return b.String()
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
