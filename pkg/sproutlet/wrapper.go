package sproutlet

import (
	"fmt"
	"sort"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/treetop-comms/canopy/pkg/logging"
	"github.com/treetop-comms/canopy/pkg/metrics"
)

// forkStatus tracks one downstream fork of a wrapper.
type forkStatus struct {
	state         ForkState
	req           *sip.Request
	pendingCancel bool
	cancelReason  int
	cancelSent    bool
}

// wrapper is the per-sproutlet transaction context. It implements Helper
// for the hosted Tsx, queues the actions the sproutlet emits, aggregates
// fork responses, and tracks ownership of every message handed to the
// sproutlet through the packet registry.
//
// All methods run on the owning transaction's executor.
type wrapper struct {
	proxy     *Proxy
	tsx       *uasTsx
	sproutlet Sproutlet
	impl      Tsx

	serviceName string
	alias       string
	id          string
	trail       string

	original *sip.Request
	routeHdr *sip.RouteHeader

	packets       map[sip.Message]struct{}
	sendRequests  map[int]*sip.Request
	sendResponses []*sip.Response

	pendingSends     int
	pendingResponses int

	bestRsp  *sip.Response
	complete bool
	forks    []*forkStatus

	logger *logging.Logger
}

func newWrapper(p *Proxy, tsx *uasTsx, s Sproutlet, alias string, req *sip.Request, trail string) *wrapper {
	w := &wrapper{
		proxy:        p,
		tsx:          tsx,
		sproutlet:    s,
		serviceName:  s.ServiceName(),
		alias:        alias,
		trail:        trail,
		packets:      make(map[sip.Message]struct{}),
		sendRequests: make(map[int]*sip.Request),
	}
	w.id = fmt.Sprintf("%s@%p", w.serviceName, w)
	w.logger = p.logger.WithTrail(trail).SproutletLogger(w.serviceName, alias, w.id)
	if route := req.Route(); route != nil {
		w.routeHdr = route.Clone()
	}

	w.impl = s.NewTsx(w, alias, req)
	if w.impl == nil {
		return nil
	}
	metrics.SproutletDispatchesTotal.WithLabelValues(w.serviceName).Inc()
	return w
}

// --- Helper contract ---

func (w *wrapper) OriginalRequest() *sip.Request {
	return w.original
}

func (w *wrapper) CloneRequest(req *sip.Request) *sip.Request {
	clone := req.Clone()
	w.registerMsg(clone)
	return clone
}

func (w *wrapper) CreateResponse(req *sip.Request, status int, reason string) *sip.Response {
	if reason == "" {
		reason = defaultReason(status)
	}
	rsp := sip.NewResponseFromRequest(req, status, reason, nil)
	w.registerMsg(rsp)
	return rsp
}

func (w *wrapper) SendRequest(req *sip.Request) (int, error) {
	if w.complete {
		return -1, fmt.Errorf("sproutlet transaction %s is complete", w.id)
	}
	w.deregisterMsg(req)

	forkID := len(w.forks)
	w.forks = append(w.forks, &forkStatus{state: ForkNull, req: req})
	w.sendRequests[forkID] = req
	w.pendingSends++
	return forkID, nil
}

func (w *wrapper) SendResponse(rsp *sip.Response) {
	if w.complete {
		w.logger.Debug("dropping response from complete sproutlet", "status", rsp.StatusCode)
		w.deregisterMsg(rsp)
		return
	}
	w.deregisterMsg(rsp)
	w.sendResponses = append(w.sendResponses, rsp)
	w.pendingResponses++
}

func (w *wrapper) CancelFork(forkID int, reason int) {
	if forkID < 0 || forkID >= len(w.forks) {
		return
	}
	fork := w.forks[forkID]
	if fork.state == ForkTerminated {
		return
	}
	fork.pendingCancel = true
	if reason != 0 {
		fork.cancelReason = reason
	}
}

func (w *wrapper) CancelPendingForks(reason int) {
	for id := range w.forks {
		w.CancelFork(id, reason)
	}
}

func (w *wrapper) ForkStatus(forkID int) ForkStatus {
	if forkID < 0 || forkID >= len(w.forks) {
		return ForkStatus{State: ForkNull}
	}
	fork := w.forks[forkID]
	return ForkStatus{
		State:         fork.state,
		PendingCancel: fork.pendingCancel,
		CancelReason:  fork.cancelReason,
	}
}

func (w *wrapper) FreeMsg(msg sip.Message) {
	w.deregisterMsg(msg)
}

func (w *wrapper) ScheduleTimer(context interface{}, duration time.Duration) TimerID {
	return w.tsx.scheduleTimer(w, context, duration)
}

func (w *wrapper) CancelTimer(id TimerID) {
	w.tsx.cancelTimer(id)
}

func (w *wrapper) TimerRunning(id TimerID) bool {
	return w.tsx.timerRunning(id)
}

func (w *wrapper) RouteHdr() *sip.RouteHeader {
	return w.routeHdr
}

func (w *wrapper) IsURIReflexive(uri *sip.Uri) bool {
	return w.proxy.IsURIReflexive(uri)
}

func (w *wrapper) ReflexiveURI() *sip.Uri {
	return w.proxy.ReflexiveURI(w.sproutlet)
}

func (w *wrapper) Trail() string {
	return w.trail
}

// --- ingress from the coordinator ---

// rxRequest dispatches the request that created this wrapper into the
// sproutlet and pumps the resulting actions.
func (w *wrapper) rxRequest(req *sip.Request) {
	w.original = req

	clone := req.Clone()
	w.registerMsg(clone)

	w.safely(func() {
		if inDialog(req) {
			w.impl.OnRxInDialogRequest(clone)
		} else {
			w.impl.OnRxInitialRequest(clone)
		}
	})

	// ACK is terminal: no response will ever be sent.
	w.processActions(req.Method == sip.ACK)
}

// rxResponse delivers a downstream response for a fork.
func (w *wrapper) rxResponse(forkID int, rsp *sip.Response) {
	if forkID < 0 || forkID >= len(w.forks) {
		w.logger.Error("response for unknown fork", "fork_id", forkID, "status", rsp.StatusCode)
		return
	}
	fork := w.forks[forkID]

	if rsp.StatusCode < 200 {
		if fork.state == ForkCalling {
			fork.state = ForkProceeding
		}
	} else if fork.state != ForkTerminated {
		fork.state = ForkTerminated
		fork.pendingCancel = false
	}

	if rsp.StatusCode == 100 {
		// 100 Trying is hop-by-hop; absorb it.
		return
	}

	if w.complete {
		w.logger.Debug("absorbing response on complete sproutlet",
			"fork_id", forkID, "status", rsp.StatusCode)
		w.processActions(false)
		return
	}

	w.registerMsg(rsp)
	w.safely(func() {
		w.impl.OnRxResponse(rsp, forkID)
	})
	w.processActions(false)
}

// rxForkError synthesizes a final error response for a fork that will
// never answer.
func (w *wrapper) rxForkError(forkID int, status int) {
	if forkID < 0 || forkID >= len(w.forks) {
		return
	}
	fork := w.forks[forkID]
	if fork.state == ForkTerminated {
		return
	}

	req := fork.req
	if req == nil {
		req = w.original
	}
	rsp := sip.NewResponseFromRequest(req, status, defaultReason(status), nil)
	w.rxResponse(forkID, rsp)
}

// rxCancel delivers an upstream CANCEL, then cancels every pending fork.
func (w *wrapper) rxCancel(status int, cancel *sip.Request) {
	if cancel != nil {
		w.registerMsg(cancel)
	}
	w.safely(func() {
		w.impl.OnRxCancel(status, cancel)
	})
	w.CancelPendingForks(status)
	w.processActions(false)
}

// onTimerPop re-enters the sproutlet for a fired timer.
func (w *wrapper) onTimerPop(context interface{}) {
	w.safely(func() {
		w.impl.OnTimerExpiry(context)
	})
	w.processActions(false)
}

// --- the action pump ---

// processActions drains the queues the sproutlet filled during the last
// synchronous entry: responses are aggregated and forwarded, requests are
// handed downstream in fork order, deferred cancels are emitted, and the
// wrapper completes when nothing remains outstanding.
func (w *wrapper) processActions(completeAfter bool) {
	for len(w.sendResponses) > 0 {
		rsp := w.sendResponses[0]
		w.sendResponses = w.sendResponses[1:]
		w.pendingResponses--
		w.aggregateResponse(rsp)
	}

	if len(w.sendRequests) > 0 {
		ids := make([]int, 0, len(w.sendRequests))
		for id := range w.sendRequests {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			req := w.sendRequests[id]
			delete(w.sendRequests, id)
			w.pendingSends--

			fork := w.forks[id]
			if fork.state == ForkNull {
				fork.state = ForkCalling
			}
			w.tsx.txRequest(w, id, req)
		}
	}

	// CANCELs are only sent once a fork has seen a provisional response;
	// a fork still in Calling keeps its pending flag until then.
	for id, fork := range w.forks {
		if fork.pendingCancel && !fork.cancelSent && fork.state == ForkProceeding {
			fork.cancelSent = true
			cancel := buildCancel(fork.req, fork.cancelReason)
			w.tsx.txCancel(w, id, cancel, fork.cancelReason)
		}
	}

	if w.complete {
		return
	}
	if !w.allForksTerminated() || w.pendingResponses > 0 || w.pendingSends > 0 {
		return
	}

	switch {
	case w.bestRsp != nil:
		rsp := w.bestRsp
		w.bestRsp = nil
		w.forwardFinal(rsp)
	case len(w.forks) > 0:
		// Every fork died without a response.
		rsp := sip.NewResponseFromRequest(w.original, 408, "Request Timeout", nil)
		w.forwardFinal(rsp)
	case completeAfter:
		w.complete = true
	}
}

// aggregateResponse applies best-response selection to one queued
// response. A 2xx wins immediately and cancels the remaining forks;
// provisionals other than 100 pass straight through; the best non-2xx
// final is held until every fork has terminated.
func (w *wrapper) aggregateResponse(rsp *sip.Response) {
	code := rsp.StatusCode

	switch {
	case code < 200:
		if code != 100 {
			w.forward(rsp)
		} else {
			w.deregisterMsg(rsp)
		}

	case code < 300:
		if w.bestRsp != nil {
			w.deregisterMsg(w.bestRsp)
			w.bestRsp = nil
		}
		w.CancelPendingForks(0)
		w.forwardFinal(rsp)

	default:
		if w.bestRsp == nil || compareStatus(code, w.bestRsp.StatusCode) > 0 {
			if w.bestRsp != nil {
				w.deregisterMsg(w.bestRsp)
			}
			w.bestRsp = rsp
		} else {
			w.deregisterMsg(rsp)
		}
	}
}

// forward sends a provisional response upstream without consuming
// aggregation state.
func (w *wrapper) forward(rsp *sip.Response) {
	w.deregisterMsg(rsp)
	w.tsx.txResponse(w, rsp)
}

// forwardFinal sends the final response upstream and completes the
// wrapper. Further downstream responses are absorbed.
func (w *wrapper) forwardFinal(rsp *sip.Response) {
	w.deregisterMsg(rsp)
	w.complete = true
	w.tsx.txResponse(w, rsp)
}

// forceComplete abandons the wrapper: queued actions are released and no
// further responses are accepted.
func (w *wrapper) forceComplete() {
	for _, req := range w.sendRequests {
		w.deregisterMsg(req)
	}
	w.sendRequests = make(map[int]*sip.Request)
	w.pendingSends = 0

	for _, rsp := range w.sendResponses {
		w.deregisterMsg(rsp)
	}
	w.sendResponses = nil
	w.pendingResponses = 0

	if w.bestRsp != nil {
		w.deregisterMsg(w.bestRsp)
		w.bestRsp = nil
	}
	for _, fork := range w.forks {
		fork.state = ForkTerminated
		fork.pendingCancel = false
	}
	w.complete = true
}

func (w *wrapper) allForksTerminated() bool {
	for _, fork := range w.forks {
		if fork.state != ForkTerminated {
			return false
		}
	}
	return true
}

// safely runs a sproutlet callback, converting a panic into a 500 so one
// broken service cannot take the transaction down with it.
func (w *wrapper) safely(f func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("sproutlet panicked", "panic", r)
			w.forceComplete()
			if w.original != nil {
				rsp := sip.NewResponseFromRequest(w.original, 500, "Internal Server Error", nil)
				w.tsx.txResponse(w, rsp)
			}
		}
	}()
	f()
}

// --- packet registry ---

func (w *wrapper) registerMsg(msg sip.Message) {
	w.packets[msg] = struct{}{}
}

func (w *wrapper) deregisterMsg(msg sip.Message) {
	delete(w.packets, msg)
}

// reportLeaks flags messages the sproutlet never returned. Called at
// transaction teardown.
func (w *wrapper) reportLeaks() {
	if len(w.packets) == 0 {
		return
	}
	metrics.PacketLeaksTotal.Add(float64(len(w.packets)))
	w.logger.Error("sproutlet leaked messages", "count", len(w.packets))
}

// leakedPackets exposes the registry size for tests.
func (w *wrapper) leakedPackets() int {
	return len(w.packets)
}

// compareStatus orders final non-2xx status codes for best-response
// selection. Positive means a is better than b.
func compareStatus(a, b int) int {
	return statusScore(a) - statusScore(b)
}

func statusScore(code int) int {
	switch {
	case code >= 600:
		return 6
	case code == 401 || code == 407 || code == 415 || code == 420 || code == 484:
		return 5
	case code >= 400 && code < 500:
		return 4
	case code >= 500:
		return 3
	case code >= 300:
		return 2
	default:
		return 1
	}
}

func inDialog(req *sip.Request) bool {
	to := req.To()
	if to == nil || to.Params == nil {
		return false
	}
	tag, ok := to.Params["tag"]
	return ok && tag != ""
}

func defaultReason(status int) string {
	switch status {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 480:
		return "Temporarily Unavailable"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 487:
		return "Request Terminated"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	case 603:
		return "Decline"
	default:
		return "Unknown"
	}
}
