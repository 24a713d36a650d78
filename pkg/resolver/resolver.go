package resolver

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/treetop-comms/canopy/pkg/config"
	"github.com/treetop-comms/canopy/pkg/logging"
	"github.com/treetop-comms/canopy/pkg/metrics"
)

// Transport constants used in resolver targets.
const (
	TransportUDP = "UDP"
	TransportTCP = "TCP"
)

// DefaultSIPPort is used when neither the URI nor DNS supplies a port.
const DefaultSIPPort = 5060

// Target is a concrete next-hop produced by resolution.
type Target struct {
	Address     net.IP
	Port        int
	Transport   string
	Blacklisted bool
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%d;transport=%s", t.Address, t.Port, strings.ToLower(t.Transport))
}

// Addr returns the host:port form used as a transport destination.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Address.String(), fmt.Sprintf("%d", t.Port))
}

// key identifies a target in the blacklist.
func (t Target) key() string {
	return fmt.Sprintf("%s:%d:%s", t.Address, t.Port, t.Transport)
}

// Exchanger performs a single DNS exchange against a server. It exists so
// tests can substitute a canned responder for the wire client.
type Exchanger interface {
	Exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error)
}

type wireExchanger struct {
	client *dns.Client
}

func (w *wireExchanger) Exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	in, _, err := w.client.ExchangeContext(ctx, msg, server)
	return in, err
}

// naptrRule is a cached NAPTR replacement entry.
type naptrRule struct {
	flags       string
	transport   string
	replacement string
	expires     time.Time
}

// srvEntry is a cached SRV answer.
type srvEntry struct {
	records []*dns.SRV
	expires time.Time
}

// Resolver resolves SIP next-hops to concrete (address, port, transport)
// targets following RFC 3263, with failure blacklisting.
type Resolver struct {
	cfg    config.ResolverConfig
	exch   Exchanger
	logger *logging.Logger
	now    func() time.Time

	mu         sync.Mutex
	naptrCache map[string]naptrRule
	srvCache   map[string]srvEntry
	blacklist  map[string]time.Time
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithExchanger substitutes the DNS exchanger, typically with a test fake.
func WithExchanger(e Exchanger) Option {
	return func(r *Resolver) { r.exch = e }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New creates a SIP resolver.
func New(cfg config.ResolverConfig, logger *logging.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Resolver{
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		naptrCache: make(map[string]naptrRule),
		srvCache:   make(map[string]srvEntry),
		blacklist:  make(map[string]time.Time),
	}
	r.exch = &wireExchanger{client: &dns.Client{Timeout: cfg.Timeout}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve resolves name to an ordered list of targets. port of 0 and
// transport of "" mean unspecified, matching a bare SIP URI.
//
// Blacklisted targets are never dropped; they are moved behind every clean
// target so they are only tried once the rest are exhausted.
func (r *Resolver) Resolve(ctx context.Context, name string, port int, transport string) ([]Target, error) {
	timer := time.Now()
	targets, err := r.resolve(ctx, name, port, transport)
	metrics.ResolverLookups.WithLabelValues(outcome(err)).Inc()
	metrics.ResolverLatency.Observe(time.Since(timer).Seconds())
	if err != nil {
		return nil, err
	}

	ordered := r.applyBlacklist(targets)
	r.logger.Debug("resolved SIP target",
		"name", name, "port", port, "transport", transport,
		"targets", len(ordered))
	return ordered, nil
}

func (r *Resolver) resolve(ctx context.Context, name string, port int, transport string) ([]Target, error) {
	// Literal IP: no DNS resolution is possible, default port/transport.
	if ip := net.ParseIP(name); ip != nil {
		t := Target{Address: ip, Port: port, Transport: transport}
		if t.Port == 0 {
			t.Port = DefaultSIPPort
		}
		if t.Transport == "" {
			t.Transport = TransportUDP
		}
		return []Target{t}, nil
	}

	srvName := ""
	aName := name

	switch {
	case port != 0:
		// Explicit port: skip NAPTR and SRV, straight to address lookup.
		if transport == "" {
			transport = TransportUDP
		}

	case transport == "":
		// Neither port nor transport: NAPTR decides.
		rule, ok := r.lookupNAPTR(ctx, name)
		if ok {
			transport = rule.transport
			if strings.EqualFold(rule.flags, "S") {
				srvName = rule.replacement
			} else {
				aName = rule.replacement
			}
		} else {
			// NAPTR failed; probe SRV for both UDP and TCP and prefer UDP.
			udp := r.lookupSRV(ctx, "_sip._udp."+name)
			tcp := r.lookupSRV(ctx, "_sip._tcp."+name)
			if len(udp) > 0 {
				transport = TransportUDP
				srvName = "_sip._udp." + name
			} else if len(tcp) > 0 {
				transport = TransportTCP
				srvName = "_sip._tcp." + name
			} else {
				transport = TransportUDP
			}
		}

	case strings.EqualFold(transport, TransportUDP):
		if recs := r.lookupSRV(ctx, "_sip._udp."+name); len(recs) > 0 {
			srvName = "_sip._udp." + name
		}

	case strings.EqualFold(transport, TransportTCP):
		if recs := r.lookupSRV(ctx, "_sip._tcp."+name); len(recs) > 0 {
			srvName = "_sip._tcp." + name
		}
	}

	if srvName != "" {
		return r.srvResolve(ctx, srvName, transport)
	}

	if port == 0 {
		port = DefaultSIPPort
	}
	return r.addressResolve(ctx, aName, port, transport)
}

// lookupNAPTR queries NAPTR for name, returning the best supported rule.
// Results are cached until their DNS TTL expires.
func (r *Resolver) lookupNAPTR(ctx context.Context, name string) (naptrRule, bool) {
	r.mu.Lock()
	if rule, ok := r.naptrCache[name]; ok && r.now().Before(rule.expires) {
		r.mu.Unlock()
		return rule, true
	}
	r.mu.Unlock()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeNAPTR)
	in, err := r.query(ctx, msg)
	if err != nil {
		return naptrRule{}, false
	}

	// Accept only the SIP services we can transport, lowest order first.
	best := naptrRule{}
	bestOrder := -1
	var ttl uint32
	for _, rr := range in.Answer {
		naptr, ok := rr.(*dns.NAPTR)
		if !ok {
			continue
		}
		var transport string
		switch strings.ToUpper(naptr.Service) {
		case "SIP+D2U":
			transport = TransportUDP
		case "SIP+D2T":
			transport = TransportTCP
		default:
			continue
		}
		if bestOrder == -1 || int(naptr.Order) < bestOrder {
			bestOrder = int(naptr.Order)
			best = naptrRule{
				flags:       naptr.Flags,
				transport:   transport,
				replacement: strings.TrimSuffix(naptr.Replacement, "."),
			}
			ttl = naptr.Hdr.Ttl
		}
	}
	if bestOrder == -1 {
		return naptrRule{}, false
	}

	best.expires = r.now().Add(time.Duration(ttl) * time.Second)
	r.mu.Lock()
	r.naptrCache[name] = best
	r.mu.Unlock()
	return best, true
}

// lookupSRV queries SRV for name with TTL caching.
func (r *Resolver) lookupSRV(ctx context.Context, name string) []*dns.SRV {
	r.mu.Lock()
	if e, ok := r.srvCache[name]; ok && r.now().Before(e.expires) {
		r.mu.Unlock()
		return e.records
	}
	r.mu.Unlock()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	in, err := r.query(ctx, msg)
	if err != nil {
		return nil
	}

	var records []*dns.SRV
	ttl := uint32(0)
	for _, rr := range in.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
			if ttl == 0 || srv.Hdr.Ttl < ttl {
				ttl = srv.Hdr.Ttl
			}
		}
	}
	if len(records) > 0 {
		r.mu.Lock()
		r.srvCache[name] = srvEntry{
			records: records,
			expires: r.now().Add(time.Duration(ttl) * time.Second),
		}
		r.mu.Unlock()
	}
	return records
}

// srvResolve expands SRV records into address targets, ordered by priority
// then weight.
func (r *Resolver) srvResolve(ctx context.Context, srvName, transport string) ([]Target, error) {
	records := r.lookupSRV(ctx, srvName)
	if len(records) == 0 {
		return nil, fmt.Errorf("no SRV records for %s", srvName)
	}

	sorted := make([]*dns.SRV, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Weight > sorted[j].Weight
	})

	var targets []Target
	for _, srv := range sorted {
		host := strings.TrimSuffix(srv.Target, ".")
		port := int(srv.Port)
		if port == 0 {
			port = DefaultSIPPort
		}
		addrs, err := r.addressResolve(ctx, host, port, transport)
		if err != nil {
			r.logger.Debug("SRV target did not resolve", "target", host, "error", err)
			continue
		}
		targets = append(targets, addrs...)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no usable targets behind SRV %s", srvName)
	}
	return targets, nil
}

// addressResolve performs A and AAAA lookups for name.
func (r *Resolver) addressResolve(ctx context.Context, name string, port int, transport string) ([]Target, error) {
	if ip := net.ParseIP(name); ip != nil {
		return []Target{{Address: ip, Port: port, Transport: transport}}, nil
	}

	var targets []Target
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(name), qtype)
		in, err := r.query(ctx, msg)
		if err != nil {
			continue
		}
		for _, rr := range in.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				targets = append(targets, Target{Address: rec.A, Port: port, Transport: transport})
			case *dns.AAAA:
				targets = append(targets, Target{Address: rec.AAAA, Port: port, Transport: transport})
			}
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no address records for %s", name)
	}
	return targets, nil
}

// query tries each configured server in turn, retrying per configuration.
func (r *Resolver) query(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	attempts := r.cfg.Retries + 1
	for i := 0; i < attempts; i++ {
		for _, server := range r.cfg.Servers {
			in, err := r.exch.Exchange(ctx, msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			if in.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("dns rcode %s", dns.RcodeToString[in.Rcode])
				continue
			}
			return in, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no DNS servers configured")
	}
	return nil, lastErr
}

// Blacklist marks a target as failed for the configured duration.
func (r *Resolver) Blacklist(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklist[t.key()] = r.now().Add(r.cfg.BlacklistDuration)
	metrics.ResolverBlacklistSize.Set(float64(len(r.blacklist)))
}

// Success clears any blacklist entry for a target that has recovered.
func (r *Resolver) Success(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blacklist, t.key())
	metrics.ResolverBlacklistSize.Set(float64(len(r.blacklist)))
}

// applyBlacklist partitions targets so clean ones come first. Expired
// entries are dropped as a side effect.
func (r *Resolver) applyBlacklist(targets []Target) []Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var clean, listed []Target
	for _, t := range targets {
		expires, ok := r.blacklist[t.key()]
		if ok && now.Before(expires) {
			t.Blacklisted = true
			listed = append(listed, t)
			continue
		}
		if ok {
			delete(r.blacklist, t.key())
		}
		clean = append(clean, t)
	}
	metrics.ResolverBlacklistSize.Set(float64(len(r.blacklist)))
	return append(clean, listed...)
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
