package sproutlet

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/treetop-comms/canopy/pkg/config"
	"github.com/treetop-comms/canopy/pkg/logging"
	"github.com/treetop-comms/canopy/pkg/metrics"
	"github.com/treetop-comms/canopy/pkg/resolver"
)

// Proxy is the sproutlet dispatch layer. It owns the registered sproutlets,
// selects a target for each incoming request by inspecting the top Route
// header or Request-URI, and hosts the timer service that wrappers schedule
// against.
type Proxy struct {
	rootHost         string
	hostAliases      map[string]struct{}
	statelessProxies map[string]struct{}
	dropForks        bool

	sproutlets []Sproutlet
	byName     map[string]Sproutlet
	byPort     map[int]Sproutlet
	byHost     map[string]Sproutlet

	client *sipgo.Client
	res    *resolver.Resolver
	logger *logging.Logger

	timers timerService
}

// Option customizes a Proxy.
type Option func(*Proxy)

// WithClient supplies the SIP client used for real outbound legs.
func WithClient(client *sipgo.Client) Option {
	return func(p *Proxy) { p.client = client }
}

// WithResolver supplies the resolver used to pick outbound targets.
func WithResolver(res *resolver.Resolver) Option {
	return func(p *Proxy) { p.res = res }
}

// New creates the proxy with its sproutlet registry. The registry and
// host-alias set are immutable afterwards.
func New(cfg *config.ProxyConfig, sproutlets []Sproutlet, logger *logging.Logger, opts ...Option) (*Proxy, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	p := &Proxy{
		rootHost:         cfg.RootHost,
		hostAliases:      make(map[string]struct{}, len(cfg.HostAliases)+1),
		statelessProxies: make(map[string]struct{}, len(cfg.StatelessProxies)),
		dropForks:        cfg.DropForks(),
		sproutlets:       sproutlets,
		byName:           make(map[string]Sproutlet),
		byPort:           make(map[int]Sproutlet),
		byHost:           make(map[string]Sproutlet),
		logger:           logger,
	}
	p.timers.init()

	p.hostAliases[strings.ToLower(cfg.RootHost)] = struct{}{}
	for _, alias := range cfg.HostAliases {
		p.hostAliases[strings.ToLower(alias)] = struct{}{}
	}
	for _, sp := range cfg.StatelessProxies {
		p.statelessProxies[strings.ToLower(sp)] = struct{}{}
	}

	for _, s := range sproutlets {
		name := strings.ToLower(s.ServiceName())
		if name == "" {
			return nil, fmt.Errorf("sproutlet with empty service name")
		}
		if _, dup := p.byName[name]; dup {
			return nil, fmt.Errorf("duplicate sproutlet service name %q", name)
		}
		p.byName[name] = s
		if port := s.Port(); port != 0 {
			if _, dup := p.byPort[port]; dup {
				return nil, fmt.Errorf("duplicate sproutlet port %d", port)
			}
			p.byPort[port] = s
		}
		if host := strings.ToLower(s.ServiceHost()); host != "" {
			p.byHost[host] = s
		}
	}

	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Sproutlet returns the registered sproutlet with the given name.
func (p *Proxy) Sproutlet(name string) Sproutlet {
	return p.byName[strings.ToLower(name)]
}

// RootHost returns the host placed in reflexive URIs.
func (p *Proxy) RootHost() string {
	return p.rootHost
}

// HandleRequest is the external entry point: a request received on the
// wire together with its server transaction. port is the local port the
// request arrived on, used for port-based sproutlet selection.
func (p *Proxy) HandleRequest(req *sip.Request, stx sip.ServerTransaction, port int) {
	trail := uuid.NewString()
	logger := p.logger.WithTrail(trail)

	metrics.SIPRequestsTotal.WithLabelValues(req.Method.String(), "rx").Inc()

	target, alias := p.targetSproutlet(req, port)
	if target == nil {
		p.statelessForward(req, stx, logger)
		return
	}

	tsx := newUASTsx(p, trail, &wireUpstream{stx: stx, logger: logger}, p.wireUACs(), logger)
	if !tsx.init(target, alias, req) {
		// The sproutlet declined; fall back to stateless forwarding.
		p.statelessForward(req, stx, logger)
		return
	}

	if stx != nil {
		stx.OnCancel(func(cancel *sip.Request) {
			tsx.processCancel(487, cancel)
		})
	}

	tsx.processRequest(req)
}

// CreateInternalTsx originates a transaction locally: a sproutlet-built
// request is dispatched into the named service as if it had arrived on the
// wire. The returned handle exposes responses and termination.
func (p *Proxy) CreateInternalTsx(req *sip.Request, service string, trail string) (*InternalTsx, error) {
	target := p.Sproutlet(service)
	if target == nil {
		return nil, fmt.Errorf("no sproutlet registered for service %q", service)
	}
	if trail == "" {
		trail = uuid.NewString()
	}
	logger := p.logger.WithTrail(trail)

	upstream := &internalUpstream{}
	tsx := newUASTsx(p, trail, upstream, p.wireUACs(), logger)
	handle := &InternalTsx{tsx: tsx, upstream: upstream}
	if !tsx.init(target, strings.ToLower(service), req) {
		return nil, fmt.Errorf("sproutlet %q declined internal request", service)
	}
	tsx.processRequest(req)
	return handle, nil
}

// wireUACs builds the factory for real outbound legs. Tests replace it by
// constructing transactions directly.
func (p *Proxy) wireUACs() uacFactory {
	return &wireUACFactory{client: p.client, res: p.res, logger: p.logger}
}

// targetSproutlet selects the sproutlet an incoming request is addressed
// to, following the Route header, then the Request-URI, then the receiving
// port. A match on the top Route header pops it.
func (p *Proxy) targetSproutlet(req *sip.Request, port int) (Sproutlet, string) {
	if route := req.Route(); route != nil && p.IsURIReflexive(&route.Address) {
		if s, alias := p.serviceFromURI(&route.Address); s != nil {
			popRoute(req)
			return s, alias
		}
	}

	if p.IsURIReflexive(&req.Recipient) {
		if s, alias := p.serviceFromURI(&req.Recipient); s != nil {
			return s, alias
		}
	}

	if port != 0 {
		if s, ok := p.byPort[port]; ok {
			return s, strings.ToLower(s.ServiceName())
		}
	}

	return nil, ""
}

// serviceFromURI extracts the service from a reflexive URI: the services
// parameter wins, then the user part, then the host label preceding the
// root host.
func (p *Proxy) serviceFromURI(uri *sip.Uri) (Sproutlet, string) {
	if uri.UriParams != nil {
		if svc, ok := uri.UriParams.Get("services"); ok && svc != "" {
			if s := p.Sproutlet(svc); s != nil {
				return s, strings.ToLower(svc)
			}
		}
	}

	if uri.User != "" {
		if s := p.Sproutlet(uri.User); s != nil {
			return s, strings.ToLower(uri.User)
		}
	}

	host := strings.ToLower(uri.Host)
	if s, ok := p.byHost[host]; ok {
		return s, strings.ToLower(s.ServiceName())
	}
	if suffix := "." + strings.ToLower(p.rootHost); strings.HasSuffix(host, suffix) {
		label := strings.TrimSuffix(host, suffix)
		if !strings.Contains(label, ".") {
			if s := p.Sproutlet(label); s != nil {
				return s, label
			}
		}
	}

	return nil, ""
}

// IsURIReflexive reports whether a URI routes back into this proxy: its
// host is one of the configured aliases, its user part is a known service,
// or its services parameter names one.
func (p *Proxy) IsURIReflexive(uri *sip.Uri) bool {
	if _, ok := p.hostAliases[strings.ToLower(uri.Host)]; ok {
		return true
	}
	if _, ok := p.byHost[strings.ToLower(uri.Host)]; ok {
		return true
	}
	if uri.User != "" && p.Sproutlet(uri.User) != nil {
		return true
	}
	if uri.UriParams != nil {
		if svc, ok := uri.UriParams.Get("services"); ok && p.Sproutlet(svc) != nil {
			return true
		}
	}
	return false
}

// IsStatelessProxy reports whether a next-hop is a configured stateless
// proxy. Failures of such a hop are not blacklisted against it, since the
// element actually failing sits behind it.
func (p *Proxy) IsStatelessProxy(host string) bool {
	_, ok := p.statelessProxies[strings.ToLower(host)]
	return ok
}

// ReflexiveURI builds an absolute SIP URI that routes back into the given
// sproutlet through this proxy's dispatch layer.
func (p *Proxy) ReflexiveURI(s Sproutlet) *sip.Uri {
	name := strings.ToLower(s.ServiceName())
	return &sip.Uri{
		User:      name,
		Host:      p.rootHost,
		UriParams: sip.HeaderParams{"lr": "", "services": name},
	}
}

// statelessForward relays a request that matched no sproutlet to its
// request URI without retaining transaction state.
func (p *Proxy) statelessForward(req *sip.Request, stx sip.ServerTransaction, logger *logging.Logger) {
	if p.client == nil {
		logger.Warn("no next hop for request and no outbound client",
			"method", req.Method.String(), "ruri", req.Recipient.String())
		respond(stx, sip.NewResponseFromRequest(req, 404, "Not Found", nil), logger)
		return
	}

	fwd := req.Clone()
	go func() {
		ctx, cancel := transactionContext()
		defer cancel()

		clientTx, err := p.client.TransactionRequest(ctx, fwd)
		if err != nil {
			logger.Error("stateless forward failed", "error", err)
			respond(stx, sip.NewResponseFromRequest(req, 500, "Internal Server Error", nil), logger)
			return
		}
		defer clientTx.Terminate()

		for {
			select {
			case rsp, ok := <-clientTx.Responses():
				if !ok {
					return
				}
				out := sip.NewResponseFromRequest(req, rsp.StatusCode, rsp.Reason, rsp.Body())
				respond(stx, out, logger)
				if rsp.StatusCode >= 200 {
					return
				}
			case <-clientTx.Done():
				return
			}
		}
	}()
}

func respond(stx sip.ServerTransaction, rsp *sip.Response, logger *logging.Logger) {
	if stx == nil {
		return
	}
	if err := stx.Respond(rsp); err != nil {
		logger.Error("failed to respond on server transaction", "error", err)
	}
}

// popRoute removes the top route value, preserving any further values in
// the same Route header.
func popRoute(req *sip.Request) {
	if req.Route() == nil {
		return
	}
	req.RemoveHeader("Route")
}

// timerService backs the wrapper-scoped timers. A pop runs on the timer's
// own goroutine and enters the owning transaction through its lock, so it
// is serialized with every other entry into that transaction.
type timerService struct {
	mu     sync.Mutex
	nextID TimerID
	timers map[TimerID]*timerEntry
}

type timerEntry struct {
	timer   *time.Timer
	tsx     *uasTsx
	wrapper *wrapper
	context interface{}
}

func (ts *timerService) init() {
	ts.timers = make(map[TimerID]*timerEntry)
}

func (ts *timerService) schedule(tsx *uasTsx, w *wrapper, context interface{}, d time.Duration) TimerID {
	ts.mu.Lock()
	ts.nextID++
	id := ts.nextID
	entry := &timerEntry{tsx: tsx, wrapper: w, context: context}
	entry.timer = time.AfterFunc(d, func() { ts.pop(id) })
	ts.timers[id] = entry
	ts.mu.Unlock()
	return id
}

func (ts *timerService) pop(id TimerID) {
	ts.mu.Lock()
	entry, ok := ts.timers[id]
	delete(ts.timers, id)
	ts.mu.Unlock()
	if !ok {
		return
	}

	metrics.TimerPopsTotal.Inc()
	entry.tsx.processTimerPop(entry.wrapper, id, entry.context)
}

func (ts *timerService) cancel(id TimerID) bool {
	ts.mu.Lock()
	entry, ok := ts.timers[id]
	delete(ts.timers, id)
	ts.mu.Unlock()
	if !ok {
		return false
	}
	entry.timer.Stop()
	return true
}

func (ts *timerService) running(id TimerID) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.timers[id]
	return ok
}
