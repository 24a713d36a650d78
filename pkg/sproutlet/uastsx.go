package sproutlet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/treetop-comms/canopy/pkg/logging"
	"github.com/treetop-comms/canopy/pkg/metrics"
	"github.com/treetop-comms/canopy/pkg/resolver"
)

// forkRef addresses one fork of one wrapper within a transaction.
type forkRef struct {
	up     *wrapper
	forkID int
}

// upstreamAdaptor abstracts where the root wrapper's responses go: the wire
// for externally received requests, a callback for internally originated
// ones.
type upstreamAdaptor interface {
	sendResponse(rsp *sip.Response)
	onDestroy()
}

// uacLeg is one real downstream client transaction.
type uacLeg interface {
	send(req *sip.Request)
	cancel(reason int)
	stop()
}

// uacFactory creates uacLegs. Tests substitute a capturing implementation.
type uacFactory interface {
	newUAC(tsx *uasTsx, ref forkRef, req *sip.Request) (uacLeg, error)
}

// pendingRequest is a queued downstream send awaiting scheduling.
type pendingRequest struct {
	req *sip.Request
	ref forkRef
}

// uasTsx coordinates one physical SIP server transaction: it owns the fork
// topology between sproutlet wrappers and real client transactions, and
// serializes every entry into the transaction on one mutex so sproutlet
// callbacks never race.
type uasTsx struct {
	proxy    *Proxy
	trail    string
	logger   *logging.Logger
	upstream upstreamAdaptor
	uacs     uacFactory

	mu            sync.Mutex
	root          *wrapper
	wrappers      []*wrapper
	dmapSproutlet map[forkRef]*wrapper
	dmapUAC       map[forkRef]uacLeg
	umapWrapper   map[*wrapper]forkRef
	umapUAC       map[uacLeg]forkRef
	pendingQ       []pendingRequest
	pendingTimers  map[TimerID]struct{}
	destroyed      bool
	userTerminated bool
}

func newUASTsx(p *Proxy, trail string, upstream upstreamAdaptor, uacs uacFactory, logger *logging.Logger) *uasTsx {
	return &uasTsx{
		proxy:         p,
		trail:         trail,
		logger:        logger,
		upstream:      upstream,
		uacs:          uacs,
		dmapSproutlet: make(map[forkRef]*wrapper),
		dmapUAC:       make(map[forkRef]uacLeg),
		umapWrapper:   make(map[*wrapper]forkRef),
		umapUAC:       make(map[uacLeg]forkRef),
		pendingTimers: make(map[TimerID]struct{}),
	}
}

// init creates the root wrapper. It returns false when the sproutlet
// declines the request.
func (t *uasTsx) init(target Sproutlet, alias string, req *sip.Request) bool {
	root := newWrapper(t.proxy, t, target, alias, req, t.trail)
	if root == nil {
		return false
	}
	t.root = root
	t.wrappers = append(t.wrappers, root)
	metrics.ActiveTransactionsGauge.Inc()
	return true
}

// enter serializes an entry into the transaction: it runs f, drains the
// pending request queue, and tears the transaction down once idle.
func (t *uasTsx) enter(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}
	f()
	t.scheduleRequests()
	t.checkDestroy()
}

// processRequest pumps the root request through the root wrapper.
func (t *uasTsx) processRequest(req *sip.Request) {
	t.enter(func() {
		t.root.rxRequest(req)
	})
}

// processCancel delivers an upstream CANCEL into the root wrapper.
func (t *uasTsx) processCancel(status int, cancel *sip.Request) {
	t.enter(func() {
		t.root.rxCancel(status, cancel)
	})
}

// processTimerPop re-enters the wrapper whose timer fired. It is called on
// the timer goroutine and takes the transaction lock through enter.
func (t *uasTsx) processTimerPop(w *wrapper, id TimerID, context interface{}) {
	t.enter(func() {
		delete(t.pendingTimers, id)
		w.onTimerPop(context)
	})
}

// processClientResponse routes a response from a real client transaction
// back to the owning wrapper fork.
func (t *uasTsx) processClientResponse(leg uacLeg, rsp *sip.Response) {
	t.enter(func() {
		ref, ok := t.umapUAC[leg]
		if !ok {
			t.logger.Debug("response for unlinked client transaction", "status", rsp.StatusCode)
			return
		}
		if rsp.StatusCode >= 200 {
			delete(t.dmapUAC, ref)
			delete(t.umapUAC, leg)
			leg.stop()
		}
		ref.up.rxResponse(ref.forkID, rsp)
	})
}

// processClientNotResponding synthesizes a fork error when a client
// transaction dies without a final response.
func (t *uasTsx) processClientNotResponding(leg uacLeg, err error) {
	t.enter(func() {
		ref, ok := t.umapUAC[leg]
		if !ok {
			return
		}
		delete(t.dmapUAC, ref)
		delete(t.umapUAC, leg)
		leg.stop()

		status := 503
		if errors.Is(err, sip.ErrTransactionTimeout) {
			status = 408
		}
		ref.up.rxForkError(ref.forkID, status)
	})
}

// terminate forces completion of an internally originated transaction.
// Depending on policy, in-flight forks are silently dropped or cancelled
// first.
func (t *uasTsx) terminate() {
	t.enter(func() {
		if t.userTerminated {
			return
		}
		t.userTerminated = true

		if !t.proxy.dropForks {
			for _, w := range t.wrappers {
				if !w.complete {
					w.CancelPendingForks(0)
					w.processActions(false)
				}
			}
		}

		// Drop whatever remains in flight.
		for ref, leg := range t.dmapUAC {
			leg.stop()
			delete(t.dmapUAC, ref)
			delete(t.umapUAC, leg)
		}
		for ref, child := range t.dmapSproutlet {
			child.forceComplete()
			delete(t.dmapSproutlet, ref)
			delete(t.umapWrapper, child)
		}
		t.pendingQ = nil
		for id := range t.pendingTimers {
			t.proxy.timers.cancel(id)
			delete(t.pendingTimers, id)
		}
		t.root.forceComplete()
	})
}

// txRequest queues a downstream send. Called synchronously from within a
// wrapper's action pump, already on the transaction executor.
func (t *uasTsx) txRequest(from *wrapper, forkID int, req *sip.Request) {
	t.pendingQ = append(t.pendingQ, pendingRequest{req: req, ref: forkRef{up: from, forkID: forkID}})
}

// txCancel routes a CANCEL to the existing downstream of a fork.
func (t *uasTsx) txCancel(from *wrapper, forkID int, cancel *sip.Request, reason int) {
	ref := forkRef{up: from, forkID: forkID}
	metrics.ForkCancelsTotal.Inc()

	if child, ok := t.dmapSproutlet[ref]; ok {
		child.rxCancel(487, cancel)
		return
	}
	if leg, ok := t.dmapUAC[ref]; ok {
		leg.cancel(reason)
		return
	}
	t.logger.Debug("cancel for unlinked fork", "fork_id", forkID)
}

// txResponse forwards a response emitted by a wrapper to its upstream:
// another wrapper's fork, or the real transaction for the root.
func (t *uasTsx) txResponse(from *wrapper, rsp *sip.Response) {
	if from == t.root {
		metrics.SIPResponsesTotal.WithLabelValues(metrics.ResponseClass(rsp.StatusCode)).Inc()
		t.upstream.sendResponse(rsp)
		return
	}

	ref, ok := t.umapWrapper[from]
	if !ok {
		t.logger.Debug("response from unlinked wrapper", "wrapper", from.id, "status", rsp.StatusCode)
		return
	}
	if rsp.StatusCode >= 200 {
		delete(t.dmapSproutlet, ref)
		delete(t.umapWrapper, from)
	}
	ref.up.rxResponse(ref.forkID, rsp)
}

// scheduleRequests drains the pending queue in FIFO order, creating child
// wrappers for reflexive next-hops and real client transactions otherwise.
func (t *uasTsx) scheduleRequests() {
	for len(t.pendingQ) > 0 {
		pr := t.pendingQ[0]
		t.pendingQ = t.pendingQ[1:]
		t.dispatch(pr)
	}
}

func (t *uasTsx) dispatch(pr pendingRequest) {
	target, alias := t.proxy.targetSproutlet(pr.req, 0)

	if target != nil {
		child := newWrapper(t.proxy, t, target, alias, pr.req, t.trail)
		if child != nil {
			t.dmapSproutlet[pr.ref] = child
			t.umapWrapper[child] = pr.ref
			t.wrappers = append(t.wrappers, child)
			metrics.ForksTotal.WithLabelValues("sproutlet").Inc()
			child.rxRequest(pr.req)
			return
		}
		// Declined; fall through to a real leg.
	}

	leg, err := t.uacs.newUAC(t, pr.ref, pr.req)
	if err != nil {
		t.logger.Error("failed to create client transaction", "error", err)
		pr.ref.up.rxForkError(pr.ref.forkID, 503)
		return
	}
	t.dmapUAC[pr.ref] = leg
	t.umapUAC[leg] = pr.ref
	metrics.ForksTotal.WithLabelValues("uac").Inc()
	leg.send(pr.req)
}

// scheduleTimer registers a wrapper timer with the proxy's timer service.
func (t *uasTsx) scheduleTimer(w *wrapper, context interface{}, d time.Duration) TimerID {
	id := t.proxy.timers.schedule(t, w, context, d)
	t.pendingTimers[id] = struct{}{}
	return id
}

func (t *uasTsx) cancelTimer(id TimerID) {
	if t.proxy.timers.cancel(id) {
		delete(t.pendingTimers, id)
	}
}

func (t *uasTsx) timerRunning(id TimerID) bool {
	return t.proxy.timers.running(id)
}

// canDestroy reports whether the transaction holds no live state: the root
// wrapper is complete, both downstream maps are empty, nothing is queued
// and no timers are outstanding.
func (t *uasTsx) canDestroy() bool {
	return t.root != nil &&
		t.root.complete &&
		len(t.dmapSproutlet) == 0 &&
		len(t.dmapUAC) == 0 &&
		len(t.pendingQ) == 0 &&
		len(t.pendingTimers) == 0
}

func (t *uasTsx) checkDestroy() {
	if t.destroyed || !t.canDestroy() {
		return
	}
	t.destroyed = true

	for _, w := range t.wrappers {
		w.reportLeaks()
	}
	t.upstream.onDestroy()
	metrics.ActiveTransactionsGauge.Dec()
	t.logger.Debug("transaction destroyed", "wrappers", len(t.wrappers))
}

// InternalTsx is the handle returned for internally originated
// transactions.
type InternalTsx struct {
	tsx      *uasTsx
	upstream *internalUpstream
}

// OnResponse registers the consumer for upstream responses. Responses
// received before registration are replayed in order.
func (it *InternalTsx) OnResponse(f func(rsp *sip.Response)) {
	it.upstream.setCallback(f)
}

// Terminate forces the transaction to complete even if downstream forks
// are still busy.
func (it *InternalTsx) Terminate() {
	it.tsx.terminate()
}

// wireUpstream forwards root responses onto the real server transaction.
type wireUpstream struct {
	stx    sip.ServerTransaction
	logger *logging.Logger
}

func (u *wireUpstream) sendResponse(rsp *sip.Response) {
	respond(u.stx, rsp, u.logger)
}

func (u *wireUpstream) onDestroy() {}

// internalUpstream buffers root responses for an internal originator.
type internalUpstream struct {
	mu        sync.Mutex
	callback  func(rsp *sip.Response)
	buffered  []*sip.Response
}

func (u *internalUpstream) sendResponse(rsp *sip.Response) {
	u.mu.Lock()
	cb := u.callback
	if cb == nil {
		u.buffered = append(u.buffered, rsp)
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()
	cb(rsp)
}

func (u *internalUpstream) setCallback(f func(rsp *sip.Response)) {
	u.mu.Lock()
	buffered := u.buffered
	u.buffered = nil
	u.callback = f
	u.mu.Unlock()
	for _, rsp := range buffered {
		f(rsp)
	}
}

func (u *internalUpstream) onDestroy() {}

// transactionContext bounds the lifetime of an outbound client
// transaction.
func transactionContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 64*sip.T1*2)
}

// wireUACFactory builds real outbound legs through the SIP stack, with
// next-hop selection through the resolver.
type wireUACFactory struct {
	client *sipgo.Client
	res    *resolver.Resolver
	logger *logging.Logger
}

func (f *wireUACFactory) newUAC(tsx *uasTsx, ref forkRef, req *sip.Request) (uacLeg, error) {
	if f.client == nil {
		return nil, errors.New("no outbound SIP client configured")
	}
	return &wireUAC{factory: f, tsx: tsx, req: req}, nil
}

// wireUAC drives one real client transaction, walking resolver targets on
// transport failure and blacklisting the ones that failed.
type wireUAC struct {
	factory *wireUACFactory
	tsx     *uasTsx
	req     *sip.Request

	mu       sync.Mutex
	clientTx sip.ClientTransaction
	sentReq  *sip.Request
	ctxStop  context.CancelFunc
	stopped  bool
}

func (u *wireUAC) send(req *sip.Request) {
	go u.run(req)
}

func (u *wireUAC) run(req *sip.Request) {
	ctx, cancel := transactionContext()
	u.mu.Lock()
	u.ctxStop = cancel
	u.mu.Unlock()

	if u.factory.res == nil {
		// No resolver configured: let the stack resolve the URI itself.
		clientTx, err := u.factory.client.TransactionRequest(ctx, req)
		if err != nil {
			cancel()
			u.tsx.processClientNotResponding(u, err)
			return
		}
		u.mu.Lock()
		u.clientTx = clientTx
		u.sentReq = req
		u.mu.Unlock()
		if final, err := u.drain(clientTx); !final {
			cancel()
			u.tsx.processClientNotResponding(u, err)
			return
		}
		cancel()
		return
	}

	targets, nextHop := u.resolveTargets(ctx, req)
	statelessHop := u.tsx.proxy.IsStatelessProxy(nextHop)

	var lastErr error = sip.ErrTransactionTransport
	for _, target := range targets {
		if u.isStopped() {
			cancel()
			return
		}

		attempt := req.Clone()
		attempt.SetDestination(target.Addr())
		attempt.SetTransport(target.Transport)

		clientTx, err := u.factory.client.TransactionRequest(ctx, attempt)
		if err != nil {
			lastErr = err
			if !statelessHop {
				u.factory.res.Blacklist(target)
			}
			continue
		}

		u.mu.Lock()
		u.clientTx = clientTx
		u.sentReq = attempt
		u.mu.Unlock()

		final, err := u.drain(clientTx)
		if final {
			u.factory.res.Success(target)
			cancel()
			return
		}
		lastErr = err
		if !statelessHop {
			u.factory.res.Blacklist(target)
		}
	}

	cancel()
	u.tsx.processClientNotResponding(u, lastErr)
}

// drain forwards responses until a final one arrives. It reports whether
// the leg completed normally.
func (u *wireUAC) drain(clientTx sip.ClientTransaction) (bool, error) {
	for {
		select {
		case rsp, ok := <-clientTx.Responses():
			if !ok {
				return false, sip.ErrTransactionTerminated
			}
			u.tsx.processClientResponse(u, rsp)
			if rsp.StatusCode >= 200 {
				return true, nil
			}
		case <-clientTx.Done():
			err := clientTx.Err()
			if err == nil {
				err = sip.ErrTransactionTerminated
			}
			return false, err
		}
	}
}

// resolveTargets picks concrete next-hops for the request: the top Route
// when set, else the request URI. It also returns the next-hop name for
// the stateless-proxy check.
func (u *wireUAC) resolveTargets(ctx context.Context, req *sip.Request) ([]resolver.Target, string) {
	uri := &req.Recipient
	if route := req.Route(); route != nil {
		uri = &route.Address
	}

	transport := ""
	if uri.UriParams != nil {
		if tp, ok := uri.UriParams.Get("transport"); ok {
			transport = tp
		}
	}

	targets, err := u.factory.res.Resolve(ctx, uri.Host, uri.Port, transport)
	if err != nil {
		u.factory.logger.Warn("failed to resolve next hop", "host", uri.Host, "error", err)
		return nil, uri.Host
	}
	return targets, uri.Host
}

func (u *wireUAC) cancel(reason int) {
	u.mu.Lock()
	clientTx := u.clientTx
	sent := u.sentReq
	u.mu.Unlock()
	if clientTx == nil {
		return
	}
	if sent == nil {
		sent = u.req
	}

	// The CANCEL must carry the Via of the request it cancels so the
	// downstream matches it to the right transaction.
	cancelReq := buildCancel(sent, reason)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 32*time.Second)
		defer cancel()
		if _, err := u.factory.client.TransactionRequest(ctx, cancelReq); err != nil {
			u.factory.logger.Warn("failed to send CANCEL", "error", err)
		}
	}()
}

func (u *wireUAC) stop() {
	u.mu.Lock()
	u.stopped = true
	clientTx := u.clientTx
	stopCtx := u.ctxStop
	u.mu.Unlock()
	if clientTx != nil {
		clientTx.Terminate()
	}
	if stopCtx != nil {
		stopCtx()
	}
}

func (u *wireUAC) isStopped() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stopped
}

// buildCancel constructs a CANCEL for a previously sent request, carrying
// a Reason header when a cause is given.
func buildCancel(req *sip.Request, reason int) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *req.Recipient.Clone())
	cancel.SipVersion = req.SipVersion

	if via := req.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", req, cancel)
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)
	if h := req.From(); h != nil {
		cancel.AppendHeader(sip.NewHeader("From", h.Value()))
	}
	if h := req.To(); h != nil {
		cancel.AppendHeader(sip.NewHeader("To", h.Value()))
	}
	if h := req.CallID(); h != nil {
		cancel.AppendHeader(sip.NewHeader("Call-ID", h.Value()))
	}
	if h := req.CSeq(); h != nil {
		cseq := sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL}
		cancel.AppendHeader(&cseq)
	}
	if reason != 0 {
		cancel.AppendHeader(sip.NewHeader("Reason", fmt.Sprintf("SIP;cause=%d", reason)))
	}

	cancel.SetTransport(req.Transport())
	cancel.SetDestination(req.Destination())
	return cancel
}
