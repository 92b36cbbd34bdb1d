package verifier

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/email-verifier/internal/dnsx"
	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/pkg/logger"
	"github.com/ignite/email-verifier/internal/smtpprobe"
)

const quickBatchSize = 20

// Prober runs the SMTP probe for one batch against its MX hosts.
type Prober interface {
	Check(ctx context.Context, mxHosts, emails []string) map[string]*smtpprobe.Result
}

// Worker verifies one request at a time: quick checks, MX resolution,
// organization grouping and probing, then collation into a partial result
// for the controller.
type Worker struct {
	index      int
	resolver   dnsx.Resolver
	prober     Prober
	limiter    *OrgLimiter
	enrichers  []Enricher
	gravatar   *GravatarChecker
	pingFreq   time.Duration
	dnsTimeout time.Duration
	sleep      func(ctx context.Context, d time.Duration)
}

// Option configures a Worker.
type Option func(*Worker)

// WithEnrichers installs specialized verification paths.
func WithEnrichers(e ...Enricher) Option {
	return func(w *Worker) { w.enrichers = append(w.enrichers, e...) }
}

// WithGravatar enables the Gravatar liveness signal.
func WithGravatar(g *GravatarChecker) Option {
	return func(w *Worker) { w.gravatar = g }
}

// WithPingFreq sets the heartbeat period.
func WithPingFreq(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pingFreq = d
		}
	}
}

// WithDNSTimeout bounds each MX lookup.
func WithDNSTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.dnsTimeout = d
		}
	}
}

// NewWorker creates a verifier worker for one pool slot.
func NewWorker(index int, resolver dnsx.Resolver, prober Prober, limiter *OrgLimiter, opts ...Option) *Worker {
	w := &Worker{
		index:      index,
		resolver:   resolver,
		prober:     prober,
		limiter:    limiter,
		pingFreq:   10 * time.Second,
		dnsTimeout: 10 * time.Second,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Index returns the pool slot this worker occupies.
func (w *Worker) Index() int { return w.index }

// Run consumes requests until the channel closes or ctx ends, posting
// heartbeats and partial results on msgs.
func (w *Worker) Run(ctx context.Context, requests <-chan domain.Request, msgs chan<- domain.WorkerMessage) {
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go w.heartbeat(hbCtx, msgs)

	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			log.Printf("[Worker %d] verifying request %s (%d emails)", w.index, req.RequestID, len(req.Emails))
			partial := w.Verify(ctx, req)
			select {
			case msgs <- partial:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context, msgs chan<- domain.WorkerMessage) {
	ticker := time.NewTicker(w.pingFreq)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case msgs <- domain.PingMessage{WorkerIndex: w.index, At: time.Now()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Verify runs the full pipeline for one request and always returns a
// partial result, even when every path failed.
func (w *Worker) Verify(ctx context.Context, req domain.Request) domain.PartialResult {
	emails := dedupe(req.Emails)
	objs := w.quickChecks(ctx, emails)

	partial := domain.PartialResult{
		WorkerIndex: w.index,
		RequestID:   req.RequestID,
		Results:     make(domain.ResultMap, len(emails)),
	}

	// Split into probe-able organization groups; everything else is already
	// settled by the quick checks.
	orgGroups := make(map[string][]string)
	for _, email := range emails {
		obj := objs[email]
		switch {
		case !obj.Syntax.Valid:
			obj.Reachable = domain.ReachableNo
		case obj.Disposable:
			obj.Reachable = domain.ReachableNo
		case !obj.HasMXRecords:
			obj.Reachable = domain.ReachableUnknown
			partial.RecheckRequired = append(partial.RecheckRequired, email)
		default:
			org := ClassifyMX(obj.MX[0].Host)
			orgGroups[org] = append(orgGroups[org], email)
		}
	}

	for org, group := range orgGroups {
		profile := ProfileFor(org)
		remaining := group
		if profile.Method != MethodSMTP {
			remaining = w.runEnricher(ctx, profile, group, objs, &partial)
		}
		if len(remaining) > 0 {
			w.probeOrg(ctx, profile, remaining, objs, &partial)
		}
	}

	for _, email := range emails {
		partial.Results[email] = *objs[email]
	}
	return partial
}

// quickChecks runs syntax, list membership and MX resolution concurrently in
// bounded batches.
func (w *Worker) quickChecks(ctx context.Context, emails []string) map[string]*domain.VerificationObj {
	objs := make(map[string]*domain.VerificationObj, len(emails))
	var mu sync.Mutex

	for start := 0; start < len(emails); start += quickBatchSize {
		end := start + quickBatchSize
		if end > len(emails) {
			end = len(emails)
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, email := range emails[start:end] {
			g.Go(func() error {
				obj := w.quickCheck(gctx, email)
				mu.Lock()
				objs[email] = obj
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}
	return objs
}

func (w *Worker) quickCheck(ctx context.Context, email string) *domain.VerificationObj {
	obj := &domain.VerificationObj{
		Email:     email,
		Syntax:    ParseEmail(email),
		Reachable: domain.ReachableUnknown,
	}
	if !obj.Syntax.Valid {
		obj.Error = true
		obj.ErrorMsg = "invalid syntax"
		obj.Suggestion = SuggestDomain(obj.Syntax.Domain)
		return obj
	}

	obj.RoleAccount = IsRoleAccount(obj.Syntax.Username)
	obj.Free = IsFreeDomain(obj.Syntax.Domain)
	obj.Disposable = IsDisposable(obj.Syntax.Domain)
	if !obj.Free {
		obj.Suggestion = SuggestDomain(obj.Syntax.Domain)
	}
	if obj.Disposable {
		return obj
	}

	lookupCtx, cancel := context.WithTimeout(ctx, w.dnsTimeout)
	defer cancel()
	records, err := w.resolver.LookupMX(lookupCtx, obj.Syntax.Domain)
	if err != nil {
		if !dnsx.IsNotFound(err) {
			logger.Warn("mx lookup failed",
				"worker", w.index,
				"email", email,
				"error", err.Error())
		}
		return obj
	}
	dnsx.SortByPref(records)
	for _, r := range records {
		obj.MX = append(obj.MX, domain.MXRecord{Host: dnsx.NormalizeHost(r.Host), Pref: r.Pref})
	}
	obj.HasMXRecords = len(obj.MX) > 0

	if w.gravatar != nil {
		obj.Gravatar = w.gravatar.Has(ctx, email)
	}
	return obj
}

// runEnricher sends a group through its specialized path; emails the path
// could not settle are returned for the standard SMTP probe.
func (w *Worker) runEnricher(ctx context.Context, profile Profile, group []string, objs map[string]*domain.VerificationObj, partial *domain.PartialResult) []string {
	var enricher Enricher
	for _, e := range w.enrichers {
		if e.Handles(profile.Method) {
			enricher = e
			break
		}
	}
	if enricher == nil {
		return group
	}

	deltas, err := enricher.Verify(ctx, group)
	if err != nil {
		log.Printf("[Worker %d] %s path failed, falling back to SMTP: %v", w.index, enricher.Name(), err)
		return group
	}

	var remaining []string
	for _, email := range group {
		delta, ok := deltas[email]
		if !ok {
			remaining = append(remaining, email)
			continue
		}
		applyDelta(objs[email], delta, partial, email)
	}
	return remaining
}

func applyDelta(obj *domain.VerificationObj, d Delta, partial *domain.PartialResult, email string) {
	obj.SMTP = d.SMTP
	if d.Reachable != "" {
		obj.Reachable = d.Reachable
	}
	if d.Gravatar {
		obj.Gravatar = true
	}
	if d.Suggestion != "" {
		obj.Suggestion = d.Suggestion
	}
	obj.Error = d.Error
	obj.ErrorMsg = d.ErrorMsg
	if d.Greylisted {
		partial.Greylisted = append(partial.Greylisted, email)
	}
	if d.SMTP.Disabled {
		partial.Blacklisted = append(partial.Blacklisted, email)
	}
	if d.RequiresRecheck {
		partial.RecheckRequired = append(partial.RecheckRequired, email)
	}
}

// probeOrg batches one organization group and runs the SMTP probe per batch,
// honoring the profile's grouping, rate limit and inter-batch delay.
func (w *Worker) probeOrg(ctx context.Context, profile Profile, group []string, objs map[string]*domain.VerificationObj, partial *domain.PartialResult) {
	subGroups := w.subGroup(profile, group, objs)

	first := true
	for _, sub := range subGroups {
		for _, batch := range batches(sub, profile.BatchSize) {
			if ctx.Err() != nil {
				return
			}
			if !first {
				w.sleep(ctx, profile.DelayBetweenBatches)
			}
			first = false

			if w.limiter != nil {
				if err := w.limiter.Wait(ctx, profile.Organization, len(batch), profile.RateLimit); err != nil {
					return
				}
			}

			hosts := mxHostsFor(objs[batch[0]])
			results := w.prober.Check(ctx, hosts, batch)
			for _, email := range batch {
				if r := results[email]; r != nil {
					applyProbeResult(objs[email], r, partial, email)
				}
			}
		}
	}
}

// subGroup splits an organization group per the profile. Single-recipient MX
// infrastructures and domain-grouped profiles regroup by recipient domain;
// mx_domain groups by the preferred MX host.
func (w *Worker) subGroup(profile Profile, group []string, objs map[string]*domain.VerificationObj) [][]string {
	keyFor := func(email string) string {
		obj := objs[email]
		host := obj.MX[0].Host
		if IsSingleRecipientMX(host) || profile.GroupBy == GroupByDomain {
			return obj.Syntax.Domain
		}
		if profile.GroupBy == GroupByMXDomain {
			return host
		}
		return profile.Organization
	}

	byKey := make(map[string][]string)
	var order []string
	for _, email := range group {
		k := keyFor(email)
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], email)
	}

	out := make([][]string, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

func applyProbeResult(obj *domain.VerificationObj, r *smtpprobe.Result, partial *domain.PartialResult, email string) {
	obj.SMTP = domain.SMTPFlags{
		HostExists:  r.HostExists,
		FullInbox:   r.FullInbox,
		CatchAll:    r.CatchAll,
		Deliverable: r.Deliverable,
		Disabled:    r.Disabled,
	}
	obj.Error = r.Error
	obj.ErrorMsg = r.ErrorMsg

	switch {
	case r.Deliverable:
		obj.Reachable = domain.ReachableYes
	case r.CatchAll, r.Greylisted, r.RequiresRecheck:
		obj.Reachable = domain.ReachableUnknown
	default:
		obj.Reachable = domain.ReachableNo
	}

	if r.Greylisted {
		partial.Greylisted = append(partial.Greylisted, email)
	}
	if r.Disabled {
		partial.Blacklisted = append(partial.Blacklisted, email)
	}
	if r.RequiresRecheck {
		partial.RecheckRequired = append(partial.RecheckRequired, email)
	}
}

func mxHostsFor(obj *domain.VerificationObj) []string {
	hosts := make([]string, 0, len(obj.MX))
	for _, r := range obj.MX {
		hosts = append(hosts, r.Host)
	}
	return hosts
}

func batches(list []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for start := 0; start < len(list); start += size {
		end := start + size
		if end > len(list) {
			end = len(list)
		}
		out = append(out, list[start:end])
	}
	return out
}

func dedupe(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
