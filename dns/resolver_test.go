package dns

import (
	"context"
	"errors"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
)

// fakeExchanger answers queries from a canned script, keyed by nameserver
// address, so tests can drive tier failover without touching the network.
type fakeExchanger struct {
	// responses maps "server" -> a queue of canned replies, consumed in
	// order across calls to that server.
	responses map[string][]fakeReply
	calls     []string
}

type fakeReply struct {
	rcode   int
	mx      []MX
	err     error
	timeout bool
}

func (f *fakeExchanger) ExchangeContext(ctx context.Context, m *mdns.Msg, address string) (*mdns.Msg, time.Duration, error) {
	f.calls = append(f.calls, address)

	queue := f.responses[address]
	if len(queue) == 0 {
		return nil, 0, mdns.ErrId
	}
	reply := queue[0]
	f.responses[address] = queue[1:]

	if reply.timeout {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}
	if reply.err != nil {
		return nil, 0, reply.err
	}

	resp := new(mdns.Msg)
	resp.Rcode = reply.rcode
	for _, mx := range reply.mx {
		resp.Answer = append(resp.Answer, &mdns.MX{
			Hdr: mdns.RR_Header{Name: m.Question[0].Name, Rrtype: mdns.TypeMX},
			Mx:  mx.Host + ".",
			Preference: mx.Priority,
		})
	}
	return resp, 0, nil
}

func TestResolveMX_HardFailShortCircuits(t *testing.T) {
	fe := &fakeExchanger{responses: map[string][]fakeReply{
		"ns1:53": {{rcode: mdns.RcodeNameError}},
	}}
	r := newWithExchanger([]Tier{
		{Name: "primary", Nameservers: []string{"ns1:53"}},
		{Name: "fallback", Nameservers: []string{"ns2:53"}},
	}, fe)

	_, err := r.ResolveMX(context.Background(), "example.com")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if derr.Kind != HardFail {
		t.Errorf("kind = %v, want HardFail", derr.Kind)
	}
	if len(fe.calls) != 1 {
		t.Errorf("expected hard fail to short-circuit after 1 call, got %d calls: %v", len(fe.calls), fe.calls)
	}
}

func TestResolveMX_SoftFailRetriesThenFailsOverTiers(t *testing.T) {
	fe := &fakeExchanger{responses: map[string][]fakeReply{
		"ns1:53": {
			{rcode: mdns.RcodeServerFailure},
			{rcode: mdns.RcodeServerFailure},
			{rcode: mdns.RcodeServerFailure},
		},
		"ns2:53": {
			{rcode: mdns.RcodeSuccess, mx: []MX{{Host: "mx1.example.com", Priority: 10}}},
		},
	}}
	r := newWithExchanger([]Tier{
		{Name: "primary", Nameservers: []string{"ns1:53"}},
		{Name: "fallback", Nameservers: []string{"ns2:53"}},
	}, fe)

	records, err := r.ResolveMX(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].Host != "mx1.example.com" {
		t.Errorf("unexpected records: %+v", records)
	}

	ns1Calls := 0
	for _, c := range fe.calls {
		if c == "ns1:53" {
			ns1Calls++
		}
	}
	if ns1Calls != 3 {
		t.Errorf("expected 3 attempts against primary tier, got %d", ns1Calls)
	}
}

func TestResolveMX_NoMXRecordsIsTerminal(t *testing.T) {
	fe := &fakeExchanger{responses: map[string][]fakeReply{
		"ns1:53": {{rcode: mdns.RcodeSuccess}},
	}}
	r := newWithExchanger([]Tier{{Name: "primary", Nameservers: []string{"ns1:53"}}}, fe)

	_, err := r.ResolveMX(context.Background(), "example.com")
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != NoMXRecords {
		t.Fatalf("expected NoMXRecords error, got %v", err)
	}
}

func TestResolveMX_InvalidDomainRejectedBeforeQuerying(t *testing.T) {
	fe := &fakeExchanger{responses: map[string][]fakeReply{}}
	r := newWithExchanger([]Tier{{Name: "primary", Nameservers: []string{"ns1:53"}}}, fe)

	_, err := r.ResolveMX(context.Background(), "not a domain")
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != InvalidDomain {
		t.Fatalf("expected InvalidDomain error, got %v", err)
	}
	if len(fe.calls) != 0 {
		t.Errorf("expected no network calls for invalid domain, got %d", len(fe.calls))
	}
}

func TestResolveMX_SortsAscendingByPriority(t *testing.T) {
	fe := &fakeExchanger{responses: map[string][]fakeReply{
		"ns1:53": {{rcode: mdns.RcodeSuccess, mx: []MX{
			{Host: "mx20.example.com", Priority: 20},
			{Host: "mx5.example.com", Priority: 5},
			{Host: "mx10.example.com", Priority: 10},
		}}},
	}}
	r := newWithExchanger([]Tier{{Name: "primary", Nameservers: []string{"ns1:53"}}}, fe)

	records, err := r.ResolveMX(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []uint16{5, 10, 20}
	for i, w := range want {
		if records[i].Priority != w {
			t.Errorf("records[%d].Priority = %d, want %d", i, records[i].Priority, w)
		}
	}
}

func TestNormalizeDomain_IDN(t *testing.T) {
	ascii, err := normalizeDomain("müller.de")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ascii != "xn--mller-kva.de" {
		t.Errorf("got %q, want xn--mller-kva.de", ascii)
	}
}
