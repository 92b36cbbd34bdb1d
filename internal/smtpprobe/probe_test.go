package smtpprobe

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ignite/email-verifier/internal/cache"
)

// fakeCache records verdict writes and serves canned answers.
type fakeCache struct {
	mu      sync.Mutex
	stored  map[string]*cache.Verdict
	answers map[string]*cache.Verdict
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		stored:  make(map[string]*cache.Verdict),
		answers: make(map[string]*cache.Verdict),
	}
}

func (f *fakeCache) Cache(_ context.Context, domain string, catchAll bool, confidence, testCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[domain] = &cache.Verdict{CatchAll: catchAll, Confidence: confidence, TestCount: testCount}
	return nil
}

func (f *fakeCache) Check(_ context.Context, domain string) (*cache.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answers[domain], nil
}

// script describes one fake MX host. rcpt decides the reply per address.
type script struct {
	banner    string
	ehloLines []string
	mailFrom  string
	rcpt      func(addr string) string
}

func defaultScript() script {
	return script{
		banner:    "220 mx.test ESMTP",
		ehloLines: []string{"250 mx.test"},
		mailFrom:  "250 2.1.0 Ok",
		rcpt:      func(string) string { return "250 2.1.5 Ok" },
	}
}

func serveSMTP(conn net.Conn, sc script) {
	defer conn.Close()

	fmt.Fprintf(conn, "%s\r\n", sc.banner)

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "EHLO"), strings.HasPrefix(line, "HELO"):
			for _, l := range sc.ehloLines {
				fmt.Fprintf(conn, "%s\r\n", l)
			}
		case strings.HasPrefix(line, "MAIL FROM"):
			fmt.Fprintf(conn, "%s\r\n", sc.mailFrom)
		case strings.HasPrefix(line, "RCPT TO"):
			addr := strings.TrimSuffix(strings.TrimPrefix(line, "RCPT TO:<"), ">")
			fmt.Fprintf(conn, "%s\r\n", sc.rcpt(addr))
		case strings.HasPrefix(line, "QUIT"):
			fmt.Fprintf(conn, "221 Bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "502 command not recognized\r\n")
		}
	}
}

func newTestProbe(sc script, verdicts cache.Cache) *Probe {
	p := New(Config{
		HeloDomain:  "verify.test",
		FromAddr:    "contact@verify.test",
		BaseTimeout: 2 * time.Second,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			client, server := net.Pipe()
			go serveSMTP(server, sc)
			return client, nil
		},
	}, verdicts)
	p.randLocal = func() string { return "zz9random9probe" }
	return p
}

func TestCheck_CatchAllDomainShortcutsRealProbes(t *testing.T) {
	verdicts := newFakeCache()
	p := newTestProbe(defaultScript(), verdicts)

	results := p.Check(context.Background(), []string{"mx.test."}, []string{"a@example.com", "b@example.com"})

	for _, email := range []string{"a@example.com", "b@example.com"} {
		r := results[email]
		require.NotNil(t, r)
		require.True(t, r.Done)
		require.True(t, r.HostExists)
		require.True(t, r.CatchAll)
		require.False(t, r.Error)
	}

	v := verdicts.stored["example.com"]
	require.NotNil(t, v)
	require.True(t, v.CatchAll)
	require.Equal(t, 95, v.Confidence)
}

func TestCheck_MixedDeliverability(t *testing.T) {
	sc := defaultScript()
	sc.rcpt = func(addr string) string {
		if addr == "ceo@corp.tld" {
			return "250 2.1.5 Ok"
		}
		return "550 5.1.1 user unknown"
	}
	verdicts := newFakeCache()
	p := newTestProbe(sc, verdicts)

	results := p.Check(context.Background(), []string{"mx.test"}, []string{"ceo@corp.tld", "zzz@corp.tld"})

	ceo := results["ceo@corp.tld"]
	require.True(t, ceo.Done)
	require.True(t, ceo.Deliverable)
	require.False(t, ceo.CatchAll)

	zzz := results["zzz@corp.tld"]
	require.True(t, zzz.Done)
	require.False(t, zzz.Deliverable)
	require.True(t, zzz.Error)

	v := verdicts.stored["corp.tld"]
	require.NotNil(t, v)
	require.False(t, v.CatchAll)
	require.Equal(t, 95, v.Confidence)
}

func TestCheck_GreylistedRecipient(t *testing.T) {
	sc := defaultScript()
	sc.rcpt = func(addr string) string {
		return "451 4.7.1 Greylisted, try again later"
	}
	p := newTestProbe(sc, newFakeCache())

	results := p.Check(context.Background(), []string{"mx.test"}, []string{"x@slow.tld"})

	r := results["x@slow.tld"]
	require.True(t, r.Done)
	require.True(t, r.Greylisted)
	require.True(t, r.RequiresRecheck)
	require.False(t, r.Deliverable)
}

func TestCheck_BlacklistedSessionDisablesBatch(t *testing.T) {
	sc := defaultScript()
	sc.ehloLines = []string{"554 5.7.1 rejected: listed at spamhaus"}
	p := newTestProbe(sc, newFakeCache())

	results := p.Check(context.Background(), []string{"mx.test"}, []string{"foo@site.tld", "bar@site.tld"})

	for _, email := range []string{"foo@site.tld", "bar@site.tld"} {
		r := results[email]
		require.True(t, r.Done)
		require.True(t, r.Disabled)
		require.False(t, r.CatchAll)
	}
}

// rcptRecorder collects RCPT addresses across server goroutines.
type rcptRecorder struct {
	mu    sync.Mutex
	addrs []string
}

func (rr *rcptRecorder) record(addr string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.addrs = append(rr.addrs, addr)
}

func (rr *rcptRecorder) seen() []string {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return append([]string(nil), rr.addrs...)
}

func TestCheck_CachedVerdictSkipsProbe(t *testing.T) {
	rec := &rcptRecorder{}
	sc := defaultScript()
	sc.rcpt = func(addr string) string {
		rec.record(addr)
		return "250 Ok"
	}
	verdicts := newFakeCache()
	verdicts.answers["example.com"] = &cache.Verdict{CatchAll: false, Confidence: 95}
	p := newTestProbe(sc, verdicts)

	results := p.Check(context.Background(), []string{"mx.test"}, []string{"a@example.com"})

	// The cached non-catch-all verdict suppresses the random probe, so the
	// only RCPT on the wire is the real recipient.
	require.Equal(t, []string{"a@example.com"}, rec.seen())
	r := results["a@example.com"]
	require.True(t, r.Deliverable)
	require.False(t, r.CatchAll)
}

func TestCheck_CachedCatchAllSendsNothing(t *testing.T) {
	rec := &rcptRecorder{}
	sc := defaultScript()
	sc.rcpt = func(addr string) string {
		rec.record(addr)
		return "250 Ok"
	}
	verdicts := newFakeCache()
	verdicts.answers["example.com"] = &cache.Verdict{CatchAll: true, Confidence: 95}
	p := newTestProbe(sc, verdicts)

	results := p.Check(context.Background(), []string{"mx.test"}, []string{"a@example.com"})

	require.Empty(t, rec.seen())
	r := results["a@example.com"]
	require.True(t, r.Done)
	require.True(t, r.CatchAll)
}

func TestCheck_HeloFallback(t *testing.T) {
	var sawHELO atomic.Bool
	sc := defaultScript()
	p := New(Config{
		HeloDomain:  "verify.test",
		FromAddr:    "contact@verify.test",
		BaseTimeout: 2 * time.Second,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			client, server := net.Pipe()
			go func() {
				defer server.Close()
				fmt.Fprintf(server, "220 mx.test ESMTP\r\n")
				r := bufio.NewReader(server)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimRight(line, "\r\n")
					switch {
					case strings.HasPrefix(line, "EHLO"):
						fmt.Fprintf(server, "500 command not recognized\r\n")
					case strings.HasPrefix(line, "HELO"):
						sawHELO.Store(true)
						fmt.Fprintf(server, "250 mx.test\r\n")
					case strings.HasPrefix(line, "MAIL FROM"):
						fmt.Fprintf(server, "%s\r\n", sc.mailFrom)
					case strings.HasPrefix(line, "RCPT TO"):
						fmt.Fprintf(server, "250 Ok\r\n")
					case strings.HasPrefix(line, "QUIT"):
						fmt.Fprintf(server, "221 Bye\r\n")
						return
					}
				}
			}()
			return client, nil
		},
	}, nil)
	p.randLocal = func() string { return "zz9random9probe" }

	results := p.Check(context.Background(), []string{"mx.test"}, []string{"a@example.com"})

	require.True(t, sawHELO.Load())
	require.True(t, results["a@example.com"].Done)
}

func TestCheck_UnreachableHostMarksTimeout(t *testing.T) {
	p := New(Config{
		HeloDomain:  "verify.test",
		FromAddr:    "contact@verify.test",
		BaseTimeout: time.Second,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, fmt.Errorf("connect %s: connection refused", address)
		},
	}, nil)

	results := p.Check(context.Background(), []string{"mx.dead"}, []string{"a@example.com"})

	r := results["a@example.com"]
	require.True(t, r.Done)
	require.True(t, r.Error)
	require.Equal(t, "timeout", r.ErrorMsg)
	require.False(t, r.HostExists)
}

func TestCheck_FullInboxRecipient(t *testing.T) {
	sc := defaultScript()
	sc.rcpt = func(addr string) string {
		if strings.HasPrefix(addr, "zz9random9probe") {
			return "550 5.1.1 no such user"
		}
		return "452 4.2.2 mailbox full, over quota"
	}
	p := newTestProbe(sc, newFakeCache())

	results := p.Check(context.Background(), []string{"mx.test"}, []string{"hoarder@corp.tld"})

	r := results["hoarder@corp.tld"]
	require.True(t, r.Done)
	require.True(t, r.FullInbox)
	require.False(t, r.Deliverable)
}
