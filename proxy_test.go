package dnshield

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestProxyEngine(t *testing.T, opt ProxyEngineOptions) *ProxyEngine {
	t.Helper()
	if opt.Store == nil {
		opt.Store = newTestRuleStore(t)
	}
	if opt.Retry == nil {
		opt.Retry = NewRetryController(RetryControllerOptions{})
	}
	engine := NewProxyEngine(opt)
	t.Cleanup(engine.Close)
	return engine
}

func TestSubmitQueryMalformedRepliesFormErr(t *testing.T) {
	engine := newTestProxyEngine(t, ProxyEngineOptions{})
	reply := engine.SubmitQuery(context.Background(), FlowMetadata{}, []byte{1, 2, 3})

	resp, err := ParseResponse(reply)
	require.NoError(t, err)
	require.Equal(t, RcodeFormErr, resp.ResponseCode)
}

func TestSubmitQueryBlockedARepliesSinkhole(t *testing.T) {
	store := newTestRuleStore(t)
	require.NoError(t, store.AddRules([]Rule{
		{Domain: "ads.example.com", Action: ActionBlock, Type: RuleExact, Priority: 100, Source: SourceUser, UpdatedAt: time.Now()},
	}))
	engine := newTestProxyEngine(t, ProxyEngineOptions{Store: store})

	raw := rawQuery(0x1234, "ads.example.com", TypeA)
	reply := engine.SubmitQuery(context.Background(), FlowMetadata{TransactionID: 0x1234}, raw)

	resp, err := ParseResponse(reply)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), resp.TransactionID)
	require.Equal(t, RcodeOK, resp.ResponseCode)
	require.Equal(t, []string{"127.0.0.1"}, resp.Answers)
	require.Equal(t, uint32(blockedTTL), resp.TTL)
}

func TestSubmitQueryBlockedOtherQTypeRepliesNXDomain(t *testing.T) {
	store := newTestRuleStore(t)
	require.NoError(t, store.AddRules([]Rule{
		{Domain: "ads.example.com", Action: ActionBlock, Type: RuleExact, Priority: 100, Source: SourceUser, UpdatedAt: time.Now()},
	}))
	engine := newTestProxyEngine(t, ProxyEngineOptions{Store: store})

	const typeMX uint16 = 15
	raw := rawQuery(1, "ads.example.com", typeMX)
	reply := engine.SubmitQuery(context.Background(), FlowMetadata{}, raw)

	resp, err := ParseResponse(reply)
	require.NoError(t, err)
	require.Equal(t, RcodeNXDomain, resp.ResponseCode)
}

// upstreamStub runs a minimal UDP server that replies to every datagram
// with a fixed-TTL A answer for the query it received, so forwarding can
// be exercised without a real resolver.
func upstreamStub(t *testing.T, ttl uint32) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			q, err := ParseQuery(buf[:n])
			if err != nil {
				continue
			}
			out := buildHeader(q, RcodeOK, 1)
			out = appendAnswer(out, TypeA, ttl, net.IPv4(93, 184, 216, 34).To4())
			conn.WriteToUDP(out, addr)
		}
	}()
	return conn.LocalAddr().String()
}

func TestSubmitQueryForwardsAndRewritesTTLCeiling(t *testing.T) {
	resolver := upstreamStub(t, 3600)
	engine := newTestProxyEngine(t, ProxyEngineOptions{
		TTLCeiling:      300,
		UpstreamTimeout: time.Second,
	})

	raw := rawQuery(42, "example.com", TypeA)
	reply := engine.SubmitQuery(context.Background(), FlowMetadata{
		TransactionID:    42,
		ResolverEndpoint: resolver,
	}, raw)

	resp, err := ParseResponse(reply)
	require.NoError(t, err)
	require.Equal(t, uint16(42), resp.TransactionID)
	require.Equal(t, RcodeOK, resp.ResponseCode)
	require.Equal(t, []string{"93.184.216.34"}, resp.Answers)
	require.Equal(t, uint32(300), resp.TTL)
}

func TestSubmitQueryForwardBelowCeilingUnchanged(t *testing.T) {
	resolver := upstreamStub(t, 60)
	engine := newTestProxyEngine(t, ProxyEngineOptions{
		TTLCeiling:      300,
		UpstreamTimeout: time.Second,
	})

	raw := rawQuery(7, "example.com", TypeA)
	reply := engine.SubmitQuery(context.Background(), FlowMetadata{
		TransactionID:    7,
		ResolverEndpoint: resolver,
	}, raw)

	resp, err := ParseResponse(reply)
	require.NoError(t, err)
	require.Equal(t, uint32(60), resp.TTL)
}

func TestSubmitQueryRetryExhaustionRepliesServFail(t *testing.T) {
	engine := newTestProxyEngine(t, ProxyEngineOptions{
		Retry:           NewRetryController(RetryControllerOptions{MaxRetries: 1, InitialBackoffMs: 10}),
		UpstreamTimeout: 30 * time.Millisecond,
	})

	raw := rawQuery(9, "example.com", TypeA)
	// TEST-NET-3 (RFC 5737): routable-looking, globally unassigned, never
	// answers, so the upstream read always times out deterministically.
	reply := engine.SubmitQuery(context.Background(), FlowMetadata{
		TransactionID:    9,
		ResolverEndpoint: "203.0.113.1:53",
	}, raw)

	resp, err := ParseResponse(reply)
	require.NoError(t, err)
	require.Equal(t, uint16(9), resp.TransactionID)
	require.Equal(t, RcodeServFail, resp.ResponseCode)
}
