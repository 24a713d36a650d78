package sproutlet

import (
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/treetop-comms/canopy/pkg/config"
	"github.com/treetop-comms/canopy/pkg/logging"
)

// testUpstream captures responses the root wrapper forwards upstream.
type testUpstream struct {
	mu        sync.Mutex
	responses []*sip.Response
	destroyed bool
}

func (u *testUpstream) sendResponse(rsp *sip.Response) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.responses = append(u.responses, rsp)
}

func (u *testUpstream) onDestroy() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.destroyed = true
}

func (u *testUpstream) statuses() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	codes := make([]int, len(u.responses))
	for i, rsp := range u.responses {
		codes[i] = rsp.StatusCode
	}
	return codes
}

func (u *testUpstream) last() *sip.Response {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.responses) == 0 {
		return nil
	}
	return u.responses[len(u.responses)-1]
}

func (u *testUpstream) isDestroyed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.destroyed
}

// testLeg is a captured outbound leg; tests feed responses back through
// the coordinator.
type testLeg struct {
	mu        sync.Mutex
	req       *sip.Request
	sent      bool
	cancelled bool
	stopped   bool
}

func (l *testLeg) send(req *sip.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.req = req
	l.sent = true
}

func (l *testLeg) cancel(reason int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelled = true
}

func (l *testLeg) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
}

func (l *testLeg) wasCancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled
}

// testUACFactory records every leg it creates.
type testUACFactory struct {
	mu   sync.Mutex
	legs []*testLeg
}

func (f *testUACFactory) newUAC(tsx *uasTsx, ref forkRef, req *sip.Request) (uacLeg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	leg := &testLeg{}
	f.legs = append(f.legs, leg)
	return leg, nil
}

func (f *testUACFactory) leg(i int) *testLeg {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.legs) {
		return nil
	}
	return f.legs[i]
}

func (f *testUACFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.legs)
}

// scriptedSproutlet builds Tsx values from a supplied constructor.
type scriptedSproutlet struct {
	name  string
	port  int
	newFn func(helper Helper, alias string, req *sip.Request) Tsx
}

func (s *scriptedSproutlet) ServiceName() string { return s.name }

func (s *scriptedSproutlet) Port() int { return s.port }

func (s *scriptedSproutlet) ServiceHost() string { return "" }

func (s *scriptedSproutlet) NewTsx(helper Helper, alias string, req *sip.Request) Tsx {
	return s.newFn(helper, alias, req)
}

// forkingTsx sends one copy of the request per configured destination.
type forkingTsx struct {
	BaseTsx
	destinations []string
	forkIDs      []int
}

func (t *forkingTsx) OnRxInitialRequest(req *sip.Request) {
	for _, dest := range t.destinations {
		clone := t.H.CloneRequest(req)
		var uri sip.Uri
		if err := sip.ParseUri(dest, &uri); err == nil {
			clone.Recipient = uri
		}
		id, err := t.H.SendRequest(clone)
		if err == nil {
			t.forkIDs = append(t.forkIDs, id)
		}
	}
	t.H.FreeMsg(req)
}

// testProxy builds a proxy with the given sproutlets and no wire client.
func testProxy(t interface{ Fatalf(string, ...interface{}) }, sproutlets ...Sproutlet) *Proxy {
	cfg := &config.ProxyConfig{
		RootHost:    "node.example.com",
		HostAliases: []string{"node-alias.example.com"},
	}
	p, err := New(cfg, sproutlets, logging.Discard())
	if err != nil {
		t.Fatalf("failed to build proxy: %v", err)
	}
	return p
}

// startTestTsx wires a transaction around the named sproutlet and pumps
// req through it.
func startTestTsx(t interface{ Fatalf(string, ...interface{}) }, p *Proxy, service string, req *sip.Request) (*uasTsx, *testUpstream, *testUACFactory) {
	upstream := &testUpstream{}
	uacs := &testUACFactory{}

	target := p.Sproutlet(service)
	if target == nil {
		t.Fatalf("no sproutlet %q registered", service)
	}

	tsx := newUASTsx(p, "test-trail", upstream, uacs, logging.Discard())
	if !tsx.init(target, service, req) {
		t.Fatalf("sproutlet %q declined request", service)
	}
	tsx.processRequest(req)
	return tsx, upstream, uacs
}

// inviteRequest builds a representative INVITE.
func inviteRequest(target string) *sip.Request {
	return buildRequest(sip.INVITE, target)
}

func buildRequest(method sip.RequestMethod, target string) *sip.Request {
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		panic(err)
	}
	req := sip.NewRequest(method, uri)

	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "caller.example.com",
		Port:            5060,
		Params:          sip.HeaderParams{"branch": "z9hG4bKtest1"},
	})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "alice", Host: "example.com"},
		Params:  sip.HeaderParams{"tag": "from-tag-1"},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: "bob", Host: "example.net"},
		Params:  sip.HeaderParams{},
	})
	callID := sip.CallIDHeader("call-1@caller.example.com")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	return req
}

// respond builds a downstream response for a captured leg request.
func legResponse(leg *testLeg, status int, reason string) *sip.Response {
	leg.mu.Lock()
	req := leg.req
	leg.mu.Unlock()
	return sip.NewResponseFromRequest(req, status, reason, nil)
}
