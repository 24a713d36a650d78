package sessionexpires

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treetop-comms/canopy/pkg/sproutlet"
)

// fakeHelper records what the sproutlet sends.
type fakeHelper struct {
	requests  []*sip.Request
	responses []*sip.Response
}

func (h *fakeHelper) OriginalRequest() *sip.Request { return nil }

func (h *fakeHelper) CloneRequest(req *sip.Request) *sip.Request { return req.Clone() }

func (h *fakeHelper) CreateResponse(req *sip.Request, status int, reason string) *sip.Response {
	return sip.NewResponseFromRequest(req, status, reason, nil)
}

func (h *fakeHelper) SendRequest(req *sip.Request) (int, error) {
	h.requests = append(h.requests, req)
	return len(h.requests) - 1, nil
}

func (h *fakeHelper) SendResponse(rsp *sip.Response) {
	h.responses = append(h.responses, rsp)
}

func (h *fakeHelper) CancelFork(forkID int, reason int) {}
func (h *fakeHelper) CancelPendingForks(reason int)     {}

func (h *fakeHelper) ForkStatus(forkID int) sproutlet.ForkStatus {
	return sproutlet.ForkStatus{}
}

func (h *fakeHelper) FreeMsg(msg sip.Message) {}

func (h *fakeHelper) ScheduleTimer(context interface{}, duration time.Duration) sproutlet.TimerID {
	return 0
}

func (h *fakeHelper) CancelTimer(id sproutlet.TimerID) {}

func (h *fakeHelper) TimerRunning(id sproutlet.TimerID) bool { return false }

func (h *fakeHelper) RouteHdr() *sip.RouteHeader { return nil }

func (h *fakeHelper) IsURIReflexive(uri *sip.Uri) bool { return false }

func (h *fakeHelper) ReflexiveURI() *sip.Uri { return nil }

func (h *fakeHelper) Trail() string { return "test-trail" }

func invite(headers ...sip.Header) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "example.net"})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "alice", Host: "example.com"},
		Params:  sip.HeaderParams{"tag": "ft1"},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: "bob", Host: "example.net"},
		Params:  sip.HeaderParams{},
	})
	callID := sip.CallIDHeader("se-test-call")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	for _, h := range headers {
		req.AppendHeader(h)
	}
	return req
}

func startInvite(t *testing.T, req *sip.Request) (*fakeHelper, sproutlet.Tsx) {
	helper := &fakeHelper{}
	s := New(600)
	tsx := s.NewTsx(helper, ServiceName, req)
	require.NotNil(t, tsx)
	tsx.OnRxInitialRequest(req)
	require.Len(t, helper.requests, 1)
	return helper, tsx
}

func sessionExpiresValue(t *testing.T, msg interface{ GetHeader(string) sip.Header }) string {
	h := msg.GetHeader("Session-Expires")
	if h == nil {
		return ""
	}
	return h.Value()
}

func TestRequestWithoutIntervalGetsDefault(t *testing.T) {
	helper, _ := startInvite(t, invite())
	assert.Equal(t, "600", sessionExpiresValue(t, helper.requests[0]))
}

func TestRequestAboveTargetIsCapped(t *testing.T) {
	helper, _ := startInvite(t, invite(sip.NewHeader("Session-Expires", "900")))
	assert.Equal(t, "600", sessionExpiresValue(t, helper.requests[0]))
}

func TestRequestBelowTargetIsUnchanged(t *testing.T) {
	helper, _ := startInvite(t, invite(sip.NewHeader("Session-Expires", "450")))
	assert.Equal(t, "450", sessionExpiresValue(t, helper.requests[0]))
}

func TestMinSERaisesInterval(t *testing.T) {
	helper, _ := startInvite(t, invite(sip.NewHeader("Min-SE", "1000")))
	assert.Equal(t, "1000", sessionExpiresValue(t, helper.requests[0]))
}

func TestLowMinSEIsIgnored(t *testing.T) {
	helper, _ := startInvite(t, invite(sip.NewHeader("Min-SE", "100")))
	assert.Equal(t, "600", sessionExpiresValue(t, helper.requests[0]))
}

func TestResponseImposedWhenClientSupportsTimer(t *testing.T) {
	helper, tsx := startInvite(t, invite(sip.NewHeader("Supported", "timer")))

	rsp := sip.NewResponseFromRequest(helper.requests[0], 200, "OK", nil)
	tsx.OnRxResponse(rsp, 0)

	require.Len(t, helper.responses, 1)
	out := helper.responses[0]
	assert.Equal(t, "600;refresher=uac", sessionExpiresValue(t, out))

	requireHdr := out.GetHeader("Require")
	require.NotNil(t, requireHdr)
	assert.Equal(t, "timer", requireHdr.Value())
}

func TestResponseUntouchedWhenNeitherSideSupportsTimer(t *testing.T) {
	helper, tsx := startInvite(t, invite())

	rsp := sip.NewResponseFromRequest(helper.requests[0], 200, "OK", nil)
	// The peer did not negotiate a session timer either.
	rsp.RemoveHeader("Session-Expires")
	tsx.OnRxResponse(rsp, 0)

	require.Len(t, helper.responses, 1)
	assert.Empty(t, sessionExpiresValue(t, helper.responses[0]))
	assert.Nil(t, helper.responses[0].GetHeader("Require"))
}

func TestResponseWithNegotiatedIntervalIsLeftAlone(t *testing.T) {
	helper, tsx := startInvite(t, invite(sip.NewHeader("Supported", "timer")))

	rsp := sip.NewResponseFromRequest(helper.requests[0], 200, "OK", nil)
	rsp.RemoveHeader("Session-Expires")
	rsp.AppendHeader(sip.NewHeader("Session-Expires", "500;refresher=uas"))
	tsx.OnRxResponse(rsp, 0)

	require.Len(t, helper.responses, 1)
	assert.Equal(t, "500;refresher=uas", sessionExpiresValue(t, helper.responses[0]))
}

func TestProvisionalResponsesPassThrough(t *testing.T) {
	helper, tsx := startInvite(t, invite(sip.NewHeader("Supported", "timer")))

	rsp := sip.NewResponseFromRequest(helper.requests[0], 180, "Ringing", nil)
	tsx.OnRxResponse(rsp, 0)

	require.Len(t, helper.responses, 1)
	assert.Empty(t, sessionExpiresValue(t, helper.responses[0]))
}
