// Package dnsx resolves MX records for probe targets. It offers the system
// resolver and a direct-upstream resolver that races configured servers,
// plus a TTL cache with singleflight deduplication in front of either.
package dnsx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver looks up MX records for a domain.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
}

// System returns the platform resolver.
func System() Resolver {
	return &net.Resolver{}
}

// RCodeError reports a non-NOERROR response from an upstream.
type RCodeError struct {
	Name string
	Code int
}

func (e RCodeError) Error() string {
	return "dnsx: rcode " + dns.RcodeToString[e.Code] + " looking up " + e.Name
}

// IsNotFound reports whether err means the domain has no MX records at all,
// as opposed to a transient lookup failure.
func IsNotFound(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	var rcodeErr RCodeError
	if errors.As(err, &rcodeErr) {
		return rcodeErr.Code == dns.RcodeNameError
	}
	return false
}

// Direct queries the configured upstream servers directly, racing them and
// taking the first successful answer. Bypassing the system resolver keeps
// lookups working when /etc/resolv.conf points at a flaky local cache.
type Direct struct {
	client  *dns.Client
	servers []string
	timeout time.Duration
}

// NewDirect creates a direct resolver. Servers are host or host:port;
// bare hosts get port 53.
func NewDirect(servers []string, timeout time.Duration) *Direct {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	return &Direct{
		client:  &dns.Client{Timeout: timeout},
		servers: normalized,
		timeout: timeout,
	}
}

type raceResult struct {
	records []*net.MX
	err     error
}

// LookupMX races the question across all upstreams and returns the first
// successful answer, sorted by preference.
func (d *Direct) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	if len(d.servers) == 0 {
		return nil, errors.New("dnsx: no upstream servers configured")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	msg.SetEdns0(4096, false)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	results := make(chan raceResult, len(d.servers))
	for _, srv := range d.servers {
		go func(srv string) {
			resp, _, err := d.client.ExchangeContext(ctx, msg.Copy(), srv)
			if err != nil {
				results <- raceResult{err: fmt.Errorf("dnsx: %s: %w", srv, err)}
				return
			}
			if resp.Rcode != dns.RcodeSuccess {
				results <- raceResult{err: RCodeError{Name: domain, Code: resp.Rcode}}
				return
			}
			results <- raceResult{records: mxFromAnswer(resp.Answer)}
		}(srv)
	}

	var lastErr error
	for range d.servers {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		case res := <-results:
			if res.err != nil {
				lastErr = res.err
				continue
			}
			return res.records, nil
		}
	}
	return nil, lastErr
}

func mxFromAnswer(answer []dns.RR) []*net.MX {
	records := make([]*net.MX, 0, len(answer))
	for _, rr := range answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		records = append(records, &net.MX{Host: mx.Mx, Pref: mx.Preference})
	}
	SortByPref(records)
	return records
}

// SortByPref orders records lowest preference first, host as tiebreaker.
func SortByPref(records []*net.MX) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Pref != records[j].Pref {
			return records[i].Pref < records[j].Pref
		}
		return records[i].Host < records[j].Host
	})
}

// NormalizeHost strips the trailing dot and lowercases an MX host so it can
// be compared against provider patterns.
func NormalizeHost(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// HostPort joins an MX host with the probe port.
func HostPort(host string, port int) string {
	return net.JoinHostPort(NormalizeHost(host), strconv.Itoa(port))
}
