package dnshield

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FlowMetadata carries what the flow surface knows about one client
// datagram; ProcessName is best-effort and may be absent.
type FlowMetadata struct {
	ProcessName      string
	TransactionID    uint16
	ClientEndpoint   string
	ResolverEndpoint string
}

// ProxyEngineOptions configures a ProxyEngine.
type ProxyEngineOptions struct {
	Store     *RuleStore
	Binder    *InterfaceBinder
	Retry     *RetryController
	Telemetry *TelemetrySink

	TTLCeiling    uint32 // 0 disables TTL rewriting
	UpstreamTimeout time.Duration // default 5s
}

// upstreamConn is a reusable UDP socket bound to a specific local
// interface, keyed so a retried send can ask for a different one after a
// fresh binding.
type upstreamConn struct {
	conn    *net.UDPConn
	binding InterfaceBinding
}

// ProxyEngine is the glue tying the wire codec, rule store, interface
// binder and retry controller to the host-provided flow surface. One
// instance serves every inbound datagram; per-transaction state (sticky
// bindings, retry history) lives in the owned C8 components and is
// cleared as each transaction concludes.
type ProxyEngine struct {
	opt ProxyEngineOptions

	mu    sync.Mutex
	conns map[string]*upstreamConn // interface name -> reusable socket
}

// NewProxyEngine returns a ProxyEngine ready to serve SubmitQuery calls.
func NewProxyEngine(opt ProxyEngineOptions) *ProxyEngine {
	if opt.UpstreamTimeout <= 0 {
		opt.UpstreamTimeout = 5 * time.Second
	}
	return &ProxyEngine{opt: opt, conns: make(map[string]*upstreamConn)}
}

// SubmitQuery is the core's single entry point for the flow surface: it
// decodes datagram, consults the rule store, and either synthesizes a
// reply directly or forwards upstream, returning bytes ready to hand
// back over the same flow. It never returns an error and never drops the
// datagram without a reply; malformed input yields a bytes-level FORMERR.
func (p *ProxyEngine) SubmitQuery(ctx context.Context, flow FlowMetadata, datagram []byte) []byte {
	q, err := ParseQuery(datagram)
	if err != nil {
		Log.WithFields(logrus.Fields{"client": flow.ClientEndpoint, "err": err}).Debug("malformed query, replying formerr")
		return BuildFormErrRaw(datagram)
	}
	if flow.TransactionID == 0 {
		flow.TransactionID = q.TransactionID
	}

	rule, err := p.opt.Store.RuleForDomain(q.Domain)
	if err != nil {
		p.emitQuery(q, "servfail", false, "")
		Log.WithFields(logrus.Fields{"domain": q.Domain, "err": err}).Warn("rule store unavailable, replying servfail")
		return BuildServFail(q)
	}

	if rule != nil && rule.Action == ActionBlock {
		reply := p.synthesizeBlock(q)
		p.emitQuery(q, "block", true, rule.CustomMessage)
		return reply
	}

	reply, err := p.forward(ctx, q, flow)
	if err != nil {
		p.opt.Retry.Clear(flow.TransactionID)
		if p.opt.Binder != nil {
			p.opt.Binder.ClearBinding(flow.TransactionID)
		}
		p.emitQuery(q, "servfail", false, "")
		Log.WithFields(logrus.Fields{"domain": q.Domain, "err": err}).Warn("upstream resolution failed, replying servfail")
		return BuildServFail(q)
	}
	p.opt.Retry.Clear(flow.TransactionID)
	if p.opt.Binder != nil {
		p.opt.Binder.ClearBinding(flow.TransactionID)
	}
	p.emitQuery(q, "forward", false, "")
	return reply
}

func (p *ProxyEngine) emitQuery(q *Query, action string, blocked bool, customMessage string) {
	if p.opt.Telemetry == nil {
		return
	}
	p.opt.Telemetry.EmitDNSQuery(q.Domain, action, q.QType, blocked, customMessage)
}

// synthesizeBlock picks the synthetic reply shape for a blocked query:
// A -> sinkhole A, AAAA -> sinkhole AAAA, everything else -> NXDOMAIN.
func (p *ProxyEngine) synthesizeBlock(q *Query) []byte {
	switch q.QType {
	case TypeA:
		return BuildBlockedA(q)
	case TypeAAAA:
		return BuildBlockedAAAA(q)
	default:
		return BuildNXDomain(q)
	}
}

// forward sends q to the upstream resolver named in flow, retrying per
// the C8 retry controller on transient failure, and returns the
// (optionally TTL-rewritten) upstream reply bytes.
func (p *ProxyEngine) forward(ctx context.Context, q *Query, flow FlowMetadata) ([]byte, error) {
	for {
		conn, binding, err := p.dial(flow)
		if err != nil {
			retry, delay, rerr := p.opt.Retry.Decide(flow.TransactionID, ReasonInterfaceUnavailable, flow.ResolverEndpoint, "", err)
			if !retry {
				return nil, rerr
			}
			if !sleepOrDone(ctx, delay) {
				return nil, ctx.Err()
			}
			continue
		}

		reply, sendErr := p.sendReceive(ctx, conn, q.OriginalBytes)
		if sendErr == nil {
			return p.applyTTLCeiling(reply)
		}

		reason := classifyUpstreamError(sendErr)
		retry, delay, rerr := p.opt.Retry.Decide(flow.TransactionID, reason, flow.ResolverEndpoint, binding.InterfaceName, sendErr)
		p.invalidateConn(binding.InterfaceName)
		if !retry {
			return nil, rerr
		}
		if !sleepOrDone(ctx, delay) {
			return nil, ctx.Err()
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func classifyUpstreamError(err error) RetryReason {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ReasonTimeout
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "closed") {
		return ReasonPeerClosed
	}
	return ReasonNetworkError
}

// dial obtains a binding from the interface binder and a reusable UDP
// socket bound to that interface's local address, opening a fresh one
// if none is cached or the cached one was invalidated.
func (p *ProxyEngine) dial(flow FlowMetadata) (*net.UDPConn, InterfaceBinding, error) {
	var binding InterfaceBinding
	var err error
	if p.opt.Binder != nil {
		binding, err = p.opt.Binder.Bind(flow.TransactionID, flow.ResolverEndpoint, nil)
		if err != nil {
			return nil, InterfaceBinding{}, err
		}
	}

	p.mu.Lock()
	if existing, ok := p.conns[binding.InterfaceName]; ok {
		p.mu.Unlock()
		return existing.conn, binding, nil
	}
	p.mu.Unlock()

	laddr, err := localAddrForInterface(binding.InterfaceName)
	if err != nil {
		return nil, binding, &InterfaceUnavailableError{Strategy: "dial"}
	}
	raddr, err := net.ResolveUDPAddr("udp", flow.ResolverEndpoint)
	if err != nil {
		return nil, binding, err
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, binding, err
	}

	p.mu.Lock()
	p.conns[binding.InterfaceName] = &upstreamConn{conn: conn, binding: binding}
	p.mu.Unlock()
	return conn, binding, nil
}

func (p *ProxyEngine) invalidateConn(interfaceName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[interfaceName]; ok {
		c.conn.Close()
		delete(p.conns, interfaceName)
	}
}

// localAddrForInterface resolves a UDP local address bound to the first
// usable unicast address on the named interface; an empty name (no
// binder configured) leaves the address unset so the OS picks.
func localAddrForInterface(name string) (*net.UDPAddr, error) {
	if name == "" {
		return &net.UDPAddr{}, nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
			return &net.UDPAddr{IP: ipnet.IP}, nil
		}
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			return &net.UDPAddr{IP: ipnet.IP}, nil
		}
	}
	return nil, &InterfaceUnavailableError{Strategy: "dial"}
}

func (p *ProxyEngine) sendReceive(ctx context.Context, conn *net.UDPConn, query []byte) ([]byte, error) {
	deadline := time.Now().Add(p.opt.UpstreamTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := conn.Write(query); err != nil {
		return nil, err
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *ProxyEngine) applyTTLCeiling(reply []byte) ([]byte, error) {
	if p.opt.TTLCeiling == 0 {
		return reply, nil
	}
	resp, err := ParseResponse(reply)
	if err != nil {
		return reply, nil // upstream bytes are passed through unchanged on parse trouble
	}
	if resp.TTL <= p.opt.TTLCeiling {
		return reply, nil
	}
	rewritten, err := UpdateTTL(reply, p.opt.TTLCeiling)
	if err != nil {
		return reply, nil
	}
	return rewritten, nil
}

// Close shuts down every pooled upstream socket.
func (p *ProxyEngine) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, c := range p.conns {
		c.conn.Close()
		delete(p.conns, k)
	}
}
