package controller

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ignite/email-verifier/internal/antigreylist"
	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/metrics"
	"github.com/ignite/email-verifier/internal/pkg/logger"
	"github.com/ignite/email-verifier/internal/queue"
)

// WorkerRunner is one pool worker. Run consumes requests until the channel
// closes or ctx ends, posting heartbeats and partials on msgs.
type WorkerRunner interface {
	Run(ctx context.Context, requests <-chan domain.Request, msgs chan<- domain.WorkerMessage)
}

// WorkerFactory builds the worker for a pool slot. The controller calls it
// again whenever the slot's worker is recycled.
type WorkerFactory func(index int) WorkerRunner

// slot is the controller-side state for one worker. All fields are touched
// only from the control loop goroutine.
type slot struct {
	index      int
	assignment *domain.Request
	requests   chan domain.Request
	lastPing   time.Time
	restartAt  time.Time
	restarting bool
	locked     bool
	cancel     context.CancelFunc
	done       chan struct{}
}

func (s *slot) free() bool {
	return s.assignment == nil && !s.locked && !s.restarting
}

// Config tunes the controller loop.
type Config struct {
	ThreadNum    int
	PingFreq     time.Duration
	RestartAfter time.Duration
	Tick         time.Duration
}

func (c *Config) defaults() {
	if c.ThreadNum <= 0 {
		c.ThreadNum = 4
	}
	if c.PingFreq <= 0 {
		c.PingFreq = 10 * time.Second
	}
	if c.RestartAfter <= 0 {
		c.RestartAfter = 10 * time.Minute
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
}

// Controller owns the worker pool. A single control-loop goroutine performs
// all slot mutation, so assignments never race.
type Controller struct {
	cfg         Config
	queue       *queue.Queue
	grey        *antigreylist.Store
	results     *Results
	archive     *Archive
	assignments *Assignments
	webhook     *WebhookSender
	factory     WorkerFactory

	msgs  chan domain.WorkerMessage
	slots []*slot
	ready <-chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New wires a controller. ready, when non-nil, gates dispatch until startup
// recovery signals completion.
func New(cfg Config, q *queue.Queue, grey *antigreylist.Store, results *Results, archive *Archive, assignments *Assignments, webhook *WebhookSender, factory WorkerFactory, ready <-chan struct{}) *Controller {
	cfg.defaults()
	return &Controller{
		cfg:         cfg,
		queue:       q,
		grey:        grey,
		results:     results,
		archive:     archive,
		assignments: assignments,
		webhook:     webhook,
		factory:     factory,
		msgs:        make(chan domain.WorkerMessage, cfg.ThreadNum*4),
		ready:       ready,
		now:         time.Now,
	}
}

// Start spawns the worker pool and the control loop.
func (c *Controller) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.slots = make([]*slot, c.cfg.ThreadNum)
	for i := range c.slots {
		c.slots[i] = &slot{index: i}
		c.spawnWorker(c.slots[i])
	}

	c.wg.Add(2)
	go c.loop()
	go c.cleanupLoop()
	log.Printf("[Controller] started with %d workers", c.cfg.ThreadNum)
}

// Stop cancels the pool and waits for the loop to drain.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	log.Printf("[Controller] stopped")
}

func (c *Controller) spawnWorker(s *slot) {
	wctx, cancel := context.WithCancel(c.ctx)
	s.requests = make(chan domain.Request, 1)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lastPing = c.now()
	s.restartAt = c.now().Add(c.cfg.RestartAfter)
	s.restarting = false

	worker := c.factory(s.index)
	reqCh := s.requests
	doneCh := s.done
	go func() {
		defer close(doneCh)
		worker.Run(wctx, reqCh, c.msgs)
	}()
}

// restartWorker tears the slot's worker down and spawns a replacement. When
// the slot still owns a request it is re-posted to the new worker and the
// assignment row is kept.
func (c *Controller) restartWorker(s *slot, reason string) {
	s.restarting = true
	log.Printf("[Controller] restarting worker %d: %s", s.index, reason)

	s.cancel()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		log.Printf("[Controller] worker %d did not exit in time", s.index)
	}

	c.spawnWorker(s)
	if s.assignment != nil {
		select {
		case s.requests <- *s.assignment:
			log.Printf("[Controller] reassigned %s to worker %d", s.assignment.RequestID, s.index)
		default:
			log.Printf("[Controller] could not reassign %s to worker %d", s.assignment.RequestID, s.index)
		}
	}
}

func (c *Controller) loop() {
	defer c.wg.Done()

	// Dispatch waits for startup recovery so orphans are reconciled before
	// any new work reaches a worker. Pings still flow meanwhile.
	dispatching := c.ready == nil

	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.ready:
			if !dispatching {
				dispatching = true
				c.ready = nil
				log.Printf("[Controller] recovery complete, dispatch enabled")
			}
		case msg := <-c.msgs:
			c.handleMessage(msg)
		case <-ticker.C:
			c.checkWorkers()
			if dispatching {
				c.pollGreylist()
				c.fillFromQueue()
			}
		}
	}
}

func (c *Controller) cleanupLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.archive.Cleanup(c.ctx); err != nil {
				log.Printf("[Controller] archive cleanup: %v", err)
			}
		}
	}
}

// checkWorkers recycles wedged workers (ping older than 2.5 heartbeats) and,
// when idle, workers past their periodic restart time.
func (c *Controller) checkWorkers() {
	now := c.now()
	staleAfter := time.Duration(float64(c.cfg.PingFreq) * 2.5)

	for _, s := range c.slots {
		if s.restarting || s.locked {
			continue
		}
		if now.Sub(s.lastPing) > staleAfter {
			c.restartWorker(s, "missed heartbeats")
			continue
		}
		if s.assignment == nil && now.After(s.restartAt) {
			c.restartWorker(s, "periodic recycle")
		}
	}
}

// pollGreylist dispatches retry-ready deferred requests and finalizes the
// ones that ran out of attempts from their archived partials.
func (c *Controller) pollGreylist() {
	ready, exhausted, err := c.grey.TryGreylisted(c.ctx)
	if err != nil {
		log.Printf("[Controller] greylist poll: %v", err)
		return
	}

	for _, id := range exhausted {
		c.finalizeFromArchive(id)
	}

	for _, req := range ready {
		s := c.freeSlot()
		if s == nil {
			// Stays in the store with its bumped window; picked up next time.
			log.Printf("[Controller] no free slot for greylist retry %s", req.RequestID)
			continue
		}
		c.assign(s, req)
	}
}

// fillFromQueue assigns queued requests to free slots until either runs out.
func (c *Controller) fillFromQueue() {
	if n, err := c.queue.Len(c.ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
	for {
		s := c.freeSlot()
		if s == nil {
			return
		}
		req, err := c.queue.Current(c.ctx)
		if err != nil {
			log.Printf("[Controller] queue peek: %v", err)
			return
		}
		if req == nil {
			return
		}
		if c.assign(s, *req) {
			if err := c.queue.Done(c.ctx, req.RequestID); err != nil {
				log.Printf("[Controller] queue done %s: %v", req.RequestID, err)
			}
		} else {
			return
		}
	}
}

func (c *Controller) freeSlot() *slot {
	for _, s := range c.slots {
		if s.free() {
			return s
		}
	}
	return nil
}

// assign hands a request to a slot, persisting the assignment and the
// processing transition atomically before the worker sees it.
func (c *Controller) assign(s *slot, req domain.Request) bool {
	s.locked = true
	defer func() { s.locked = false }()

	if err := c.assignments.Save(c.ctx, s.index, req); err != nil {
		log.Printf("[Controller] persist assignment %s: %v", req.RequestID, err)
		return false
	}

	select {
	case s.requests <- req:
		s.assignment = &req
		metrics.BusyWorkers.Inc()
		log.Printf("[Controller] assigned %s to worker %d", req.RequestID, s.index)
		return true
	default:
		// Worker still busy with a request we lost track of; undo.
		if err := c.assignments.Clear(c.ctx, s.index); err != nil {
			log.Printf("[Controller] rollback assignment slot %d: %v", s.index, err)
		}
		return false
	}
}

func (c *Controller) handleMessage(msg domain.WorkerMessage) {
	switch m := msg.(type) {
	case domain.PingMessage:
		if m.WorkerIndex >= 0 && m.WorkerIndex < len(c.slots) {
			c.slots[m.WorkerIndex].lastPing = c.now()
		}
	case domain.PartialResult:
		c.handlePartial(m)
	}
}

// handlePartial collates one worker pass. Greylisted requests are deferred
// with their partial archived (fresh verdicts win); everything else is
// terminal, with archived verdicts taking precedence over the final pass so
// earlier definitive answers survive a retry that only saw "greylisted".
func (c *Controller) handlePartial(p domain.PartialResult) {
	if p.WorkerIndex < 0 || p.WorkerIndex >= len(c.slots) {
		return
	}
	s := c.slots[p.WorkerIndex]
	if s.assignment == nil || s.assignment.RequestID != p.RequestID {
		log.Printf("[Controller] stale partial for %s from worker %d, ignoring", p.RequestID, p.WorkerIndex)
		return
	}
	req := *s.assignment
	ctx := c.ctx

	if len(p.Greylisted) > 0 {
		if err := c.results.MarkGreylistFound(ctx, p.RequestID); err != nil {
			log.Printf("[Controller] %v", err)
		}
	}
	if len(p.Blacklisted) > 0 {
		if err := c.results.MarkBlacklistFound(ctx, p.RequestID); err != nil {
			log.Printf("[Controller] %v", err)
		}
	}

	active, err := c.grey.CheckGreylist(ctx, p.RequestID)
	if err != nil {
		log.Printf("[Controller] greylist check %s: %v", p.RequestID, err)
	}
	exists, err := c.grey.Exists(ctx, p.RequestID)
	if err != nil {
		log.Printf("[Controller] greylist exists %s: %v", p.RequestID, err)
	}

	if len(p.Greylisted) > 0 && (active || !exists) {
		c.deferGreylisted(ctx, req, p)
	} else {
		c.finalize(ctx, req, p.Results)
	}

	s.assignment = nil
	metrics.BusyWorkers.Dec()
	if err := c.assignments.Clear(ctx, s.index); err != nil {
		log.Printf("[Controller] %v", err)
	}
}

func (c *Controller) deferGreylisted(ctx context.Context, req domain.Request, p domain.PartialResult) {
	if err := c.grey.Add(ctx, req.RequestID, p.Greylisted, req.ResponseURL); err != nil {
		log.Printf("[Controller] greylist add %s: %v", req.RequestID, err)
	}
	if err := c.archive.MergeFresh(ctx, req, p.Results); err != nil {
		log.Printf("[Controller] archive merge %s: %v", req.RequestID, err)
	}
	if err := c.results.MarkDeferred(ctx, req.RequestID); err != nil {
		log.Printf("[Controller] %v", err)
	}
	logger.Info("greylist deferral",
		"request_id", req.RequestID,
		"emails", strings.Join(p.Greylisted, ","))
}

// finalize merges the final pass under the archive and completes the request.
func (c *Controller) finalize(ctx context.Context, req domain.Request, fresh domain.ResultMap) {
	if err := c.grey.ClearGreylistForRequest(ctx, req.RequestID); err != nil {
		log.Printf("[Controller] %v", err)
	}

	final := make(domain.ResultMap, len(fresh))
	if e := c.archive.Get(req.RequestID); e != nil {
		final.Merge(e.Result, true)
	}
	final.Merge(fresh, false)

	c.complete(ctx, req.RequestID, req.ResponseURL, len(req.Emails), final)
}

// finalizeFromArchive completes a request whose greylist retries are spent,
// using only the archived partial. Missing or invalid archives fail the
// request instead.
func (c *Controller) finalizeFromArchive(requestID string) {
	ctx := c.ctx
	e := c.archive.Get(requestID)
	if !e.Valid() {
		log.Printf("[Controller] no usable archive for exhausted %s, failing", requestID)
		if err := c.results.Fail(ctx, requestID); err != nil {
			log.Printf("[Controller] %v", err)
		}
		metrics.RequestsFailed.Inc()
		return
	}
	c.complete(ctx, requestID, e.ResponseURL, len(e.Emails), e.Result)
}

func (c *Controller) complete(ctx context.Context, requestID, responseURL string, totalEmails int, final domain.ResultMap) {
	results := make([]domain.VerificationObj, 0, len(final))
	for _, obj := range final {
		results = append(results, obj)
	}

	if err := c.results.Complete(ctx, requestID, results); err != nil {
		log.Printf("[Controller] %v", err)
		return
	}
	if err := c.archive.Delete(ctx, requestID); err != nil {
		log.Printf("[Controller] %v", err)
	}
	metrics.RequestsCompleted.Inc()
	log.Printf("[Controller] completed %s (%d results)", requestID, len(results))

	// Delivery retries can take most of a minute; keep them off the control
	// loop so pings and dispatch stay responsive.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		sent, attempts := c.webhook.Send(ctx, responseURL, results, requestID, totalEmails)
		if !sent {
			metrics.WebhooksFailed.Inc()
		}
		if err := c.results.RecordWebhook(ctx, requestID, sent, attempts); err != nil {
			log.Printf("[Controller] %v", err)
		}
	}()
}
