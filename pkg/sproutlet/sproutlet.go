// Package sproutlet hosts pluggable SIP micro-transactions inside a
// stateful proxy. A Proxy owns a set of registered sproutlets, routes
// incoming requests to them by URI, and composes their forks over one or
// more physical SIP transactions.
package sproutlet

import (
	"time"

	"github.com/emiago/sipgo/sip"
)

// Sproutlet is a registered service module. Implementations are stateless;
// per-transaction state lives in the Tsx returned by NewTsx.
type Sproutlet interface {
	// ServiceName returns the unique name under which the sproutlet is
	// addressed in reflexive URIs.
	ServiceName() string

	// Port returns the port the sproutlet claims for port-based
	// selection, or 0 when it has none.
	Port() int

	// ServiceHost returns the FQDN the sproutlet answers to, or "" to
	// use <service>.<root host>.
	ServiceHost() string

	// NewTsx creates a per-transaction execution context for an incoming
	// request. Returning nil declines the request, in which case the
	// proxy forwards it as a stateless next-hop.
	NewTsx(helper Helper, alias string, req *sip.Request) Tsx
}

// Tsx is the service-implemented transaction logic. Callbacks for one
// transaction are serialized under that transaction's lock, never run
// concurrently; implementations must return promptly and receive later
// input through further callbacks.
type Tsx interface {
	// OnRxInitialRequest is invoked for a dialog-initiating request.
	OnRxInitialRequest(req *sip.Request)

	// OnRxInDialogRequest is invoked for a request within an existing
	// dialog (the To header carries a tag).
	OnRxInDialogRequest(req *sip.Request)

	// OnRxResponse is invoked for each response received on a fork. The
	// implementation owns rsp and must either forward it with
	// SendResponse or release it with FreeMsg.
	OnRxResponse(rsp *sip.Response, forkID int)

	// OnRxCancel is invoked when the transaction is cancelled upstream.
	// status is the reason code carried by the CANCEL, msg the CANCEL
	// itself (owned by the implementation).
	OnRxCancel(status int, msg *sip.Request)

	// OnTimerExpiry is invoked when a timer scheduled through the helper
	// fires.
	OnTimerExpiry(context interface{})
}

// TimerID identifies a scheduled timer.
type TimerID uint64

// ForkState describes the lifecycle position of one downstream fork.
// Transitions are strictly forward: Null -> Calling -> Proceeding ->
// Terminated.
type ForkState int

const (
	ForkNull ForkState = iota
	ForkCalling
	ForkProceeding
	ForkTerminated
)

func (s ForkState) String() string {
	switch s {
	case ForkNull:
		return "null"
	case ForkCalling:
		return "calling"
	case ForkProceeding:
		return "proceeding"
	case ForkTerminated:
		return "terminated"
	}
	return "unknown"
}

// ForkStatus is the externally visible state of a fork.
type ForkStatus struct {
	State         ForkState
	PendingCancel bool
	CancelReason  int
}

// Helper is the capability handle given to each Tsx. It is implemented by
// the per-sproutlet wrapper and is only valid inside the transaction's
// callbacks, while the transaction's lock is held.
type Helper interface {
	// OriginalRequest returns the immutable request that created this
	// transaction. Callers must not modify it; use CloneRequest first.
	OriginalRequest() *sip.Request

	// CloneRequest deep-copies a request. The caller owns the clone.
	CloneRequest(req *sip.Request) *sip.Request

	// CreateResponse builds a response bound to req's transaction. The
	// caller owns the response until it is passed to SendResponse or
	// FreeMsg.
	CreateResponse(req *sip.Request, status int, reason string) *sip.Response

	// SendRequest transfers ownership of req and forwards it on a new
	// fork, returning the fork id. It fails once the transaction is
	// complete.
	SendRequest(req *sip.Request) (int, error)

	// SendResponse transfers ownership of rsp and queues it for upstream
	// aggregation.
	SendResponse(rsp *sip.Response)

	// CancelFork marks the fork for cancellation. It is a no-op on a
	// terminated fork. The CANCEL is only emitted once the fork has
	// received a provisional response.
	CancelFork(forkID int, reason int)

	// CancelPendingForks cancels every fork that is not yet terminated.
	CancelPendingForks(reason int)

	// ForkStatus returns the current status of a fork.
	ForkStatus(forkID int) ForkStatus

	// FreeMsg releases a message owned by this transaction without
	// sending it.
	FreeMsg(msg sip.Message)

	// ScheduleTimer starts a timer. Exactly one of the expiry callback
	// or CancelTimer occurs before the transaction is destroyed.
	ScheduleTimer(context interface{}, duration time.Duration) TimerID

	// CancelTimer stops a running timer.
	CancelTimer(id TimerID)

	// TimerRunning reports whether the timer has neither fired nor been
	// cancelled.
	TimerRunning(id TimerID) bool

	// RouteHdr returns the top Route header as seen on entry, or nil.
	RouteHdr() *sip.RouteHeader

	// IsURIReflexive reports whether a URI routes back into this proxy.
	IsURIReflexive(uri *sip.Uri) bool

	// ReflexiveURI builds a URI that routes back to this sproutlet.
	ReflexiveURI() *sip.Uri

	// Trail returns the correlation trail id for this transaction.
	Trail() string
}

// BaseTsx provides pass-through defaults for Tsx so sproutlets only
// implement the callbacks they care about.
type BaseTsx struct {
	H Helper
}

// OnRxInitialRequest forwards the request unchanged.
func (t *BaseTsx) OnRxInitialRequest(req *sip.Request) {
	t.H.SendRequest(req)
}

// OnRxInDialogRequest forwards the request unchanged.
func (t *BaseTsx) OnRxInDialogRequest(req *sip.Request) {
	t.H.SendRequest(req)
}

// OnRxResponse forwards the response upstream.
func (t *BaseTsx) OnRxResponse(rsp *sip.Response, forkID int) {
	t.H.SendResponse(rsp)
}

// OnRxCancel releases the CANCEL; the wrapper cancels pending forks.
func (t *BaseTsx) OnRxCancel(status int, msg *sip.Request) {
	if msg != nil {
		t.H.FreeMsg(msg)
	}
}

// OnTimerExpiry does nothing.
func (t *BaseTsx) OnTimerExpiry(context interface{}) {}
