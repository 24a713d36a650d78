// Package sessionexpires hosts the session-timer helper sproutlet. It
// polices the Session-Expires negotiation (RFC 4028) on INVITEs passing
// through the proxy: requests are clamped to the configured session
// interval, and responses from peers that do not run session timers get
// the interval imposed on the caller's behalf.
package sessionexpires

import (
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/treetop-comms/canopy/pkg/sproutlet"
)

// ServiceName is the name this sproutlet registers under.
const ServiceName = "session-expires"

// Sproutlet clamps session intervals to a configured target.
type Sproutlet struct {
	interval int
}

// New creates the helper with the target session interval in seconds.
func New(interval int) *Sproutlet {
	if interval <= 0 {
		interval = 600
	}
	return &Sproutlet{interval: interval}
}

func (s *Sproutlet) ServiceName() string { return ServiceName }

func (s *Sproutlet) Port() int { return 0 }

func (s *Sproutlet) ServiceHost() string { return "" }

// NewTsx creates the per-transaction context.
func (s *Sproutlet) NewTsx(helper sproutlet.Helper, alias string, req *sip.Request) sproutlet.Tsx {
	return &tsx{
		BaseTsx: sproutlet.BaseTsx{H: helper},
		target:  s.interval,
	}
}

type tsx struct {
	sproutlet.BaseTsx
	target           int
	uacSupportsTimer bool
	isInvite         bool
}

// OnRxInitialRequest clamps the requested session interval before
// forwarding. The interval never drops below the caller's Min-SE.
func (t *tsx) OnRxInitialRequest(req *sip.Request) {
	if req.Method == sip.INVITE {
		t.isInvite = true
		t.uacSupportsTimer = hasOption(req, "Supported", "timer") || hasOption(req, "Require", "timer")

		se, hasSE := headerSeconds(req, "Session-Expires")
		minSE, hasMinSE := headerSeconds(req, "Min-SE")

		interval := t.target
		if hasSE && se < interval {
			interval = se
		}
		if hasMinSE && interval < minSE {
			interval = minSE
		}

		req.RemoveHeader("Session-Expires")
		req.AppendHeader(sip.NewHeader("Session-Expires", strconv.Itoa(interval)))
	}

	t.H.SendRequest(req)
}

func (t *tsx) OnRxInDialogRequest(req *sip.Request) {
	t.H.SendRequest(req)
}

// OnRxResponse imposes the session timer on a 2xx when the peer did not
// negotiate one itself. If the caller supports timers it becomes the
// refresher; otherwise the interval is left out entirely.
func (t *tsx) OnRxResponse(rsp *sip.Response, forkID int) {
	if t.isInvite && rsp.StatusCode >= 200 && rsp.StatusCode < 300 {
		if rsp.GetHeader("Session-Expires") == nil {
			if t.uacSupportsTimer {
				rsp.AppendHeader(sip.NewHeader("Session-Expires",
					strconv.Itoa(t.target)+";refresher=uac"))
				if !hasOptionRsp(rsp, "Require", "timer") {
					rsp.AppendHeader(sip.NewHeader("Require", "timer"))
				}
			}
			// Neither side runs timers: nothing to impose.
		}
	}

	t.H.SendResponse(rsp)
}

// headerSeconds parses the integer interval at the front of a header
// value such as "600;refresher=uac".
func headerSeconds(req *sip.Request, name string) (int, bool) {
	h := req.GetHeader(name)
	if h == nil {
		return 0, false
	}
	value := h.Value()
	if idx := strings.IndexByte(value, ';'); idx >= 0 {
		value = value[:idx]
	}
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false
	}
	return secs, true
}

// hasOption reports whether a comma-separated option header names the
// given token.
func hasOption(req *sip.Request, header, token string) bool {
	for _, h := range req.GetHeaders(header) {
		if optionListed(h.Value(), token) {
			return true
		}
	}
	return false
}

func hasOptionRsp(rsp *sip.Response, header, token string) bool {
	for _, h := range rsp.GetHeaders(header) {
		if optionListed(h.Value(), token) {
			return true
		}
	}
	return false
}

func optionListed(value, token string) bool {
	for _, opt := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(opt), token) {
			return true
		}
	}
	return false
}
