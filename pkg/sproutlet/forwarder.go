package sproutlet

import (
	"github.com/emiago/sipgo/sip"
)

// ForwarderService is the service name of the built-in pass-through
// sproutlet.
const ForwarderService = "fwd"

// Forwarder is a pass-through sproutlet: every request is relayed to its
// request URI and every response relayed back. It gives internally
// originated requests a root context to run in.
type Forwarder struct{}

// NewForwarder creates the pass-through sproutlet.
func NewForwarder() *Forwarder {
	return &Forwarder{}
}

func (f *Forwarder) ServiceName() string { return ForwarderService }

func (f *Forwarder) Port() int { return 0 }

func (f *Forwarder) ServiceHost() string { return "" }

// NewTsx creates the pass-through transaction context.
func (f *Forwarder) NewTsx(helper Helper, alias string, req *sip.Request) Tsx {
	return &forwarderTsx{BaseTsx{H: helper}}
}

type forwarderTsx struct {
	BaseTsx
}
