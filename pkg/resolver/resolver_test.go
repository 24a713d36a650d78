package resolver

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treetop-comms/canopy/pkg/config"
	"github.com/treetop-comms/canopy/pkg/logging"
)

// fakeExchanger serves canned answers keyed by question name and type.
type fakeExchanger struct {
	answers map[string][]dns.RR
	queries []string
}

func newFakeExchanger() *fakeExchanger {
	return &fakeExchanger{answers: make(map[string][]dns.RR)}
}

func qkey(name string, qtype uint16) string {
	return fmt.Sprintf("%s/%d", dns.Fqdn(name), qtype)
}

func (f *fakeExchanger) add(name string, qtype uint16, rrs ...dns.RR) {
	f.answers[qkey(name, qtype)] = append(f.answers[qkey(name, qtype)], rrs...)
}

func (f *fakeExchanger) Exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	q := msg.Question[0]
	f.queries = append(f.queries, qkey(q.Name, q.Qtype))

	rsp := new(dns.Msg)
	rsp.SetReply(msg)
	rrs, ok := f.answers[qkey(q.Name, q.Qtype)]
	if !ok {
		rsp.Rcode = dns.RcodeNameError
		return rsp, nil
	}
	rsp.Answer = rrs
	return rsp, nil
}

func srvRR(name, target string, port uint16) *dns.SRV {
	return &dns.SRV{
		Hdr:      dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60},
		Priority: 1,
		Weight:   10,
		Port:     port,
		Target:   dns.Fqdn(target),
	}
}

func aRR(name, ip string) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.ParseIP(ip).To4(),
	}
}

func naptrRR(name, service, flags, replacement string) *dns.NAPTR {
	return &dns.NAPTR{
		Hdr:         dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeNAPTR, Class: dns.ClassINET, Ttl: 60},
		Order:       10,
		Preference:  10,
		Flags:       flags,
		Service:     service,
		Replacement: dns.Fqdn(replacement),
	}
}

func testResolver(exch Exchanger) *Resolver {
	cfg := config.ResolverConfig{
		Servers:           []string{"127.0.0.1:53"},
		Timeout:           time.Second,
		BlacklistDuration: 30 * time.Second,
		Retries:           0,
	}
	return New(cfg, logging.Discard(), WithExchanger(exch))
}

func TestResolveLiteralIP(t *testing.T) {
	r := testResolver(newFakeExchanger())

	targets, err := r.Resolve(context.Background(), "192.0.2.7", 0, "")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "192.0.2.7", targets[0].Address.String())
	assert.Equal(t, DefaultSIPPort, targets[0].Port)
	assert.Equal(t, TransportUDP, targets[0].Transport)
}

func TestResolveLiteralIPKeepsExplicitPortAndTransport(t *testing.T) {
	r := testResolver(newFakeExchanger())

	targets, err := r.Resolve(context.Background(), "192.0.2.7", 5080, "TCP")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 5080, targets[0].Port)
	assert.Equal(t, "TCP", targets[0].Transport)
}

func TestResolveExplicitPortSkipsSRV(t *testing.T) {
	exch := newFakeExchanger()
	exch.add("proxy.example.net", dns.TypeA, aRR("proxy.example.net", "192.0.2.10"))
	r := testResolver(exch)

	targets, err := r.Resolve(context.Background(), "proxy.example.net", 5080, "")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 5080, targets[0].Port)
	assert.Equal(t, TransportUDP, targets[0].Transport)

	for _, q := range exch.queries {
		assert.NotContains(t, q, "_sip._udp")
	}
}

func TestResolveNAPTRToSRV(t *testing.T) {
	exch := newFakeExchanger()
	exch.add("example.net", dns.TypeNAPTR, naptrRR("example.net", "SIP+D2T", "S", "_sip._tcp.example.net"))
	exch.add("_sip._tcp.example.net", dns.TypeSRV, srvRR("_sip._tcp.example.net", "edge.example.net", 5061))
	exch.add("edge.example.net", dns.TypeA, aRR("edge.example.net", "192.0.2.20"))
	r := testResolver(exch)

	targets, err := r.Resolve(context.Background(), "example.net", 0, "")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "192.0.2.20", targets[0].Address.String())
	assert.Equal(t, 5061, targets[0].Port)
	assert.Equal(t, TransportTCP, targets[0].Transport)
}

func TestResolveNAPTRAFlagGoesStraightToAddress(t *testing.T) {
	exch := newFakeExchanger()
	exch.add("example.net", dns.TypeNAPTR, naptrRR("example.net", "SIP+D2U", "A", "host.example.net"))
	exch.add("host.example.net", dns.TypeA, aRR("host.example.net", "192.0.2.30"))
	r := testResolver(exch)

	targets, err := r.Resolve(context.Background(), "example.net", 0, "")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "192.0.2.30", targets[0].Address.String())
	assert.Equal(t, DefaultSIPPort, targets[0].Port)
	assert.Equal(t, TransportUDP, targets[0].Transport)
}

func TestResolveNoNAPTRPrefersUDPSRV(t *testing.T) {
	// No NAPTR; UDP SRV has records, TCP SRV is empty. The resolver must
	// pick UDP and expand the SRV reply.
	exch := newFakeExchanger()
	exch.add("_sip._udp.example.net", dns.TypeSRV,
		srvRR("_sip._udp.example.net", "a.example.net", 5060),
		srvRR("_sip._udp.example.net", "b.example.net", 5062))
	exch.add("a.example.net", dns.TypeA, aRR("a.example.net", "192.0.2.41"))
	exch.add("b.example.net", dns.TypeA, aRR("b.example.net", "192.0.2.42"))
	r := testResolver(exch)

	targets, err := r.Resolve(context.Background(), "example.net", 0, "")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	for _, target := range targets {
		assert.Equal(t, TransportUDP, target.Transport)
	}
	ports := []int{targets[0].Port, targets[1].Port}
	assert.ElementsMatch(t, []int{5060, 5062}, ports)
}

func TestResolveNoSRVFallsBackToAddress(t *testing.T) {
	exch := newFakeExchanger()
	exch.add("bare.example.net", dns.TypeA, aRR("bare.example.net", "192.0.2.50"))
	r := testResolver(exch)

	targets, err := r.Resolve(context.Background(), "bare.example.net", 0, "")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, DefaultSIPPort, targets[0].Port)
	assert.Equal(t, TransportUDP, targets[0].Transport)
}

func TestResolveTransportGivenUsesSRV(t *testing.T) {
	exch := newFakeExchanger()
	exch.add("_sip._tcp.example.net", dns.TypeSRV, srvRR("_sip._tcp.example.net", "edge.example.net", 5070))
	exch.add("edge.example.net", dns.TypeA, aRR("edge.example.net", "192.0.2.60"))
	r := testResolver(exch)

	targets, err := r.Resolve(context.Background(), "example.net", 0, "TCP")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 5070, targets[0].Port)
	assert.Equal(t, "TCP", targets[0].Transport)
}

func TestBlacklistedTargetsComeLastButAreNeverDropped(t *testing.T) {
	exch := newFakeExchanger()
	exch.add("_sip._udp.example.net", dns.TypeSRV,
		srvRR("_sip._udp.example.net", "a.example.net", 5060),
		srvRR("_sip._udp.example.net", "b.example.net", 5060))
	exch.add("a.example.net", dns.TypeA, aRR("a.example.net", "192.0.2.41"))
	exch.add("b.example.net", dns.TypeA, aRR("b.example.net", "192.0.2.42"))
	r := testResolver(exch)

	targets, err := r.Resolve(context.Background(), "example.net", 0, "")
	require.NoError(t, err)
	require.Len(t, targets, 2)

	r.Blacklist(targets[0])

	targets, err = r.Resolve(context.Background(), "example.net", 0, "")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.False(t, targets[0].Blacklisted)
	assert.True(t, targets[1].Blacklisted)
	assert.Equal(t, "192.0.2.42", targets[0].Address.String())

	// With everything blacklisted the targets still come back, marked.
	r.Blacklist(targets[0])
	targets, err = r.Resolve(context.Background(), "example.net", 0, "")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.True(t, targets[0].Blacklisted)
	assert.True(t, targets[1].Blacklisted)
}

func TestBlacklistEntriesExpire(t *testing.T) {
	exch := newFakeExchanger()
	exch.add("a.example.net", dns.TypeA, aRR("a.example.net", "192.0.2.41"))

	now := time.Now()
	cfg := config.ResolverConfig{
		Servers:           []string{"127.0.0.1:53"},
		Timeout:           time.Second,
		BlacklistDuration: 30 * time.Second,
	}
	r := New(cfg, logging.Discard(), WithExchanger(exch), WithClock(func() time.Time { return now }))

	targets, err := r.Resolve(context.Background(), "a.example.net", 5060, "")
	require.NoError(t, err)
	r.Blacklist(targets[0])

	targets, err = r.Resolve(context.Background(), "a.example.net", 5060, "")
	require.NoError(t, err)
	assert.True(t, targets[0].Blacklisted)

	now = now.Add(31 * time.Second)
	targets, err = r.Resolve(context.Background(), "a.example.net", 5060, "")
	require.NoError(t, err)
	assert.False(t, targets[0].Blacklisted)
}

func TestSuccessClearsBlacklist(t *testing.T) {
	exch := newFakeExchanger()
	exch.add("a.example.net", dns.TypeA, aRR("a.example.net", "192.0.2.41"))
	r := testResolver(exch)

	targets, err := r.Resolve(context.Background(), "a.example.net", 5060, "")
	require.NoError(t, err)
	r.Blacklist(targets[0])
	r.Success(targets[0])

	targets, err = r.Resolve(context.Background(), "a.example.net", 5060, "")
	require.NoError(t, err)
	assert.False(t, targets[0].Blacklisted)
}
