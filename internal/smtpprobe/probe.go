package smtpprobe

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"math/big"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/email-verifier/internal/cache"
	"github.com/ignite/email-verifier/internal/metrics"
)

const (
	// DefaultMaxReconnects bounds reconnect attempts per MX host.
	DefaultMaxReconnects = 3
	// DefaultMaxEmailRetries bounds temporary-failure retries per email
	// within one Check call.
	DefaultMaxEmailRetries = 2

	randomLocalPartLen = 15
)

// Config holds the probe identity and timing knobs.
type Config struct {
	HeloDomain      string
	FromAddr        string
	Port            int
	BaseTimeout     time.Duration
	EnableSTARTTLS  bool
	MaxReconnects   int
	MaxEmailRetries int
	// Dial is injectable for tests; defaults to a plain TCP dialer.
	Dial DialFunc
}

// Result is the per-recipient outcome of a probe session.
type Result struct {
	HostExists      bool
	FullInbox       bool
	CatchAll        bool
	Deliverable     bool
	Disabled        bool
	Greylisted      bool
	RequiresRecheck bool
	CatchAllBlocked bool
	Done            bool
	Error           bool
	ErrorMsg        string
}

// Probe verifies batches of recipients against their MX hosts. A catch-all
// cache, when provided, lets it skip random-local-part probes for recently
// tested domains.
type Probe struct {
	cfg       Config
	verdicts  cache.Cache
	randLocal func() string
}

// New creates a probe. verdicts may be nil to disable the catch-all cache.
func New(cfg Config, verdicts cache.Cache) *Probe {
	if cfg.Port <= 0 {
		cfg.Port = 25
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 15 * time.Second
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.MaxEmailRetries <= 0 {
		cfg.MaxEmailRetries = DefaultMaxEmailRetries
	}
	return &Probe{
		cfg:       cfg,
		verdicts:  verdicts,
		randLocal: randomLocalPart,
	}
}

type seqEntry struct {
	addr   string
	email  string
	domain string
	probe  bool
}

type checkState struct {
	results       map[string]*Result
	seq           []seqEntry
	idx           int
	attempts      map[string]int
	sessionCA     map[string]bool // in-session catch-all verdicts
	domainGrey    map[string]bool
	relayBlocks   map[string]int
	cacheVerdicts map[string]bool
}

// Check probes every email in the batch over the given MX hosts, in order of
// preference. It always returns a result per email; recipients the servers
// never answered for come back with Error set.
func (p *Probe) Check(ctx context.Context, mxHosts, emails []string) map[string]*Result {
	st := p.newState(emails)
	defer p.flushCache(ctx, st)

	for _, host := range mxHosts {
		host = strings.ToLower(strings.TrimSuffix(host, "."))
		address := net.JoinHostPort(host, strconv.Itoa(p.cfg.Port))

		for reconnects := 0; reconnects < p.cfg.MaxReconnects; reconnects++ {
			if st.allDone() || st.idx >= len(st.seq) || ctx.Err() != nil {
				st.finalizeUndone()
				return st.results
			}

			sess, err := dialSession(ctx, &p.cfg, address, host)
			if err != nil {
				log.Printf("[SMTPProbe] %s: %v", host, err)
				continue
			}

			err = p.runSession(ctx, sess, st)
			if err == nil {
				sess.quit()
				st.finalizeUndone()
				return st.results
			}

			var bl *blacklistError
			if errors.As(err, &bl) {
				log.Printf("[SMTPProbe] %s: %v", host, err)
				st.markAllBlacklisted()
				sess.quit()
				return st.results
			}
			log.Printf("[SMTPProbe] %s session error: %v", host, err)
			sess.close()
		}
		if st.allDone() {
			break
		}
	}

	st.finalizeUndone()
	return st.results
}

func (p *Probe) newState(emails []string) *checkState {
	st := &checkState{
		results:       make(map[string]*Result, len(emails)),
		attempts:      make(map[string]int),
		sessionCA:     make(map[string]bool),
		domainGrey:    make(map[string]bool),
		relayBlocks:   make(map[string]int),
		cacheVerdicts: make(map[string]bool),
	}
	for _, email := range emails {
		domain := domainOf(email)
		st.results[email] = &Result{}
		st.seq = append(st.seq,
			seqEntry{addr: p.randLocal() + "@" + domain, email: email, domain: domain, probe: true},
			seqEntry{addr: email, email: email, domain: domain, probe: false},
		)
	}
	return st
}

func (p *Probe) runSession(ctx context.Context, sess *session, st *checkState) error {
	if err := sess.handshake(); err != nil {
		return err
	}

	// The host answered and accepted our sender: it exists, and until a
	// random probe says otherwise every domain is presumed catch-all.
	for _, r := range st.results {
		r.HostExists = true
		if !r.Done {
			r.CatchAll = true
		}
	}

	for st.idx < len(st.seq) {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := st.seq[st.idx]
		r := st.results[e.email]

		if r.Done {
			st.idx++
			continue
		}
		if st.relayBlocks[e.domain] >= 2 {
			r.Done, r.Error, r.Deliverable = true, true, false
			r.ErrorMsg = "Domain relay blocked"
			st.idx++
			continue
		}

		if e.probe {
			if p.probeShortcut(ctx, st, e) {
				continue
			}
		}
		reply, err := sess.rcpt(e.addr)
		metrics.RCPTProbes.Inc()
		if err != nil {
			return err
		}
		if e.probe {
			p.handleProbeReply(st, e, reply)
		} else {
			p.handleRealReply(st, e, reply)
		}
	}
	return nil
}

// probeShortcut resolves a random-probe entry without sending RCPT when a
// verdict for the domain is already known, either from this session or from
// the cache. Returns true when the entry was consumed.
func (p *Probe) probeShortcut(ctx context.Context, st *checkState, e seqEntry) bool {
	r := st.results[e.email]

	if catchAll, ok := st.sessionCA[e.domain]; ok {
		p.applyKnownVerdict(st, r, catchAll)
		return true
	}
	if p.verdicts == nil {
		return false
	}
	v, err := p.verdicts.Check(ctx, e.domain)
	if err != nil {
		log.Printf("[SMTPProbe] cache check %s: %v", e.domain, err)
		return false
	}
	if v == nil {
		return false
	}
	metrics.CacheHits.Inc()
	st.sessionCA[e.domain] = v.CatchAll
	p.applyKnownVerdict(st, r, v.CatchAll)
	return true
}

func (p *Probe) applyKnownVerdict(st *checkState, r *Result, catchAll bool) {
	if catchAll {
		r.CatchAll = true
		r.Done = true
		st.idx += 2
		return
	}
	r.CatchAll = false
	st.idx++
}

func (p *Probe) handleProbeReply(st *checkState, e seqEntry, reply Reply) {
	r := st.results[e.email]

	switch {
	case reply.Code == 250 || reply.Code == 251 || reply.Code == 252:
		// Random address accepted: the domain takes anything.
		st.sessionCA[e.domain] = true
		st.cacheVerdicts[e.domain] = true
		r.CatchAll = true
		r.Done = true
		st.idx += 2
		return
	}

	analysis := AnalyzeError(reply.Code, reply.Message)
	switch analysis.Type {
	case ErrBlocked, ErrNotAllowed:
		r.Disabled = true
		r.CatchAll = false
		r.CatchAllBlocked = true
		r.Done = true
		st.idx += 2
	case ErrGreylist:
		st.domainGrey[e.domain] = true
		st.idx++
	case ErrFullInbox:
		r.CatchAll = false
		st.idx++
	default:
		if reply.Code >= 500 {
			st.sessionCA[e.domain] = false
			st.cacheVerdicts[e.domain] = false
			r.CatchAll = false
		}
		st.idx++
	}
}

func (p *Probe) handleRealReply(st *checkState, e seqEntry, reply Reply) {
	r := st.results[e.email]
	st.idx++

	if reply.Code == 250 || reply.Code == 251 || reply.Code == 252 {
		r.Deliverable = true
		r.Disabled = false
		r.Greylisted = false
		r.Done = true
		return
	}

	if IsRelayBlock(reply.Message) {
		st.relayBlocks[e.domain]++
	}

	analysis := AnalyzeError(reply.Code, reply.Message)
	switch analysis.Type {
	case ErrFullInbox:
		r.FullInbox = true
		r.Done = true
	case ErrBlocked, ErrNotAllowed:
		r.Disabled = true
		r.CatchAll = false
		r.Done = true
	case ErrServerUnavailable:
		r.CatchAll = false
		r.Deliverable = false
		r.Error = true
		r.ErrorMsg = analysis.Message
		r.Done = true
	case ErrGreylist:
		metrics.GreylistHits.Inc()
		st.domainGrey[e.domain] = true
		r.Greylisted = true
		if analysis.Confidence >= 75 {
			r.RequiresRecheck = true
		}
		r.Done = true
	default:
		switch {
		case reply.Code >= 500:
			r.Deliverable = false
			r.Error = true
			r.ErrorMsg = analysis.Message
			r.Done = true
		case analysis.ShouldRetry:
			st.attempts[e.email]++
			if st.attempts[e.email] <= p.cfg.MaxEmailRetries {
				st.seq = append(st.seq, seqEntry{addr: e.email, email: e.email, domain: e.domain, probe: false})
				return
			}
			r.Deliverable = false
			r.Error = true
			r.ErrorMsg = analysis.Message
			r.Done = true
		default:
			r.RequiresRecheck = true
			r.Done = true
		}
	}
}

func (p *Probe) flushCache(ctx context.Context, st *checkState) {
	if p.verdicts == nil {
		return
	}
	for domain, catchAll := range st.cacheVerdicts {
		confidence := 95
		if st.domainGrey[domain] {
			confidence = 75
		}
		if err := p.verdicts.Cache(ctx, domain, catchAll, confidence, 1); err != nil {
			log.Printf("[SMTPProbe] cache write %s: %v", domain, err)
		}
	}
}

func (st *checkState) allDone() bool {
	for _, r := range st.results {
		if !r.Done {
			return false
		}
	}
	return true
}

func (st *checkState) markAllBlacklisted() {
	for _, r := range st.results {
		if r.Done {
			continue
		}
		r.Disabled = true
		r.CatchAll = false
		r.Done = true
	}
}

// finalizeUndone settles recipients no server ever answered for.
func (st *checkState) finalizeUndone() {
	for _, r := range st.results {
		if r.Done {
			continue
		}
		r.Deliverable = false
		r.Error = true
		if r.ErrorMsg == "" {
			r.ErrorMsg = "timeout"
		}
		r.Done = true
	}
}

func domainOf(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 {
		return strings.ToLower(email[at+1:])
	}
	return email
}

const localPartCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomLocalPart() string {
	b := make([]byte, randomLocalPartLen)
	for i := range b {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(localPartCharset))))
		b[i] = localPartCharset[n.Int64()]
	}
	return string(b)
}
