package dnshield

import (
	"net"
	"strings"
	"sync"
	"time"
)

// InterfaceType classifies a network interface for binding purposes.
type InterfaceType int

const (
	InterfaceUnknown InterfaceType = iota
	InterfaceWifi
	InterfaceCellular
	InterfaceWired
	InterfaceVPN
	InterfaceLoopback
)

// InterfaceBinding pins the egress interface for one DNS transaction.
type InterfaceBinding struct {
	InterfaceName   string
	InterfaceIndex  int
	InterfaceType   InterfaceType
	ResolverEndpoint string
	BindingTime     time.Time
	TransactionID   uint16
}

// BindStrategy selects the egress interface for an upstream query.
type BindStrategy int

const (
	// StrategyResolverCIDR is the default: prefer a VPN-like interface
	// when the resolver IP falls inside a configured VPN CIDR and VPN is
	// active; otherwise the default interface.
	StrategyResolverCIDR BindStrategy = iota
	// StrategyOriginalPath returns the interface the client flow
	// originated on, when knowable.
	StrategyOriginalPath
	// StrategyActiveResolver picks the interface through which the
	// resolver is most likely reachable; simplified to the default
	// interface per the open question in §9.
	StrategyActiveResolver
)

func (s BindStrategy) String() string {
	switch s {
	case StrategyOriginalPath:
		return "original_path"
	case StrategyActiveResolver:
		return "active_resolver"
	default:
		return "resolver_cidr"
	}
}

// InterfaceLister abstracts net.Interfaces for tests.
type InterfaceLister func() ([]net.Interface, error)

// InterfaceBinderOptions configures an InterfaceBinder.
type InterfaceBinderOptions struct {
	Strategy BindStrategy
	Sticky   bool
	VPNCIDRs []string // default {"100.64.0.0/10"}
	Lister   InterfaceLister // default net.Interfaces
}

// InterfaceBinder chooses the egress interface for each upstream query,
// maintains a sticky transaction->binding map, and clears all sticky
// bindings on VPN state transitions observed through NotifyVPNState.
type InterfaceBinder struct {
	opt   InterfaceBinderOptions
	cidrs []*cidrNet

	mu        sync.Mutex
	vpnActive bool
	sticky    map[uint16]InterfaceBinding
}

// NewInterfaceBinder returns an InterfaceBinder with defaults filled in.
func NewInterfaceBinder(opt InterfaceBinderOptions) *InterfaceBinder {
	if opt.Lister == nil {
		opt.Lister = net.Interfaces
	}
	if len(opt.VPNCIDRs) == 0 {
		opt.VPNCIDRs = []string{"100.64.0.0/10"}
	}
	b := &InterfaceBinder{opt: opt, sticky: make(map[uint16]InterfaceBinding)}
	for _, c := range opt.VPNCIDRs {
		if cn, err := parseCIDRNet(c); err == nil {
			b.cidrs = append(b.cidrs, cn)
		} else {
			Log.WithField("cidr", c).Warn("invalid VPN CIDR configured, ignoring")
		}
	}
	return b
}

// NotifyVPNState updates the binder's view of VPN connectivity; a
// transition clears every sticky binding.
func (b *InterfaceBinder) NotifyVPNState(active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if active != b.vpnActive {
		b.vpnActive = active
		b.sticky = make(map[uint16]InterfaceBinding)
	}
}

// ClearBinding drops the sticky binding for tid, e.g. once its
// transaction has completed.
func (b *InterfaceBinder) ClearBinding(tid uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sticky, tid)
}

// OriginalPathFunc, if set, resolves the client flow's originating
// interface name for a transaction; StrategyOriginalPath uses it.
type OriginalPathFunc func(tid uint16) (string, bool)

// Bind resolves the egress interface for resolverEndpoint and
// transaction tid. When sticky is enabled, repeated calls for the same
// tid return the same binding until VPN state changes or ClearBinding is
// called.
func (b *InterfaceBinder) Bind(tid uint16, resolverEndpoint string, originalPath OriginalPathFunc) (InterfaceBinding, error) {
	b.mu.Lock()
	if b.opt.Sticky {
		if existing, ok := b.sticky[tid]; ok {
			b.mu.Unlock()
			return existing, nil
		}
	}
	vpnActive := b.vpnActive
	b.mu.Unlock()

	ifaces, err := b.opt.Lister()
	if err != nil {
		return InterfaceBinding{}, &InterfaceUnavailableError{Strategy: b.opt.Strategy.String()}
	}

	var chosen *net.Interface
	switch b.opt.Strategy {
	case StrategyOriginalPath:
		if originalPath != nil {
			if name, ok := originalPath(tid); ok {
				chosen = findInterface(ifaces, name)
			}
		}
		if chosen == nil {
			chosen = defaultInterface(ifaces)
		}
	case StrategyActiveResolver:
		chosen = defaultInterface(ifaces)
	default: // StrategyResolverCIDR
		if vpnActive && b.resolverInVPNRange(resolverEndpoint) {
			chosen = firstVPNInterface(ifaces)
		}
		if chosen == nil {
			chosen = defaultInterface(ifaces)
		}
	}

	if chosen == nil || !satisfied(*chosen) {
		return InterfaceBinding{}, &InterfaceUnavailableError{Strategy: b.opt.Strategy.String()}
	}

	binding := InterfaceBinding{
		InterfaceName:    chosen.Name,
		InterfaceIndex:   chosen.Index,
		InterfaceType:    classifyInterface(chosen.Name),
		ResolverEndpoint: resolverEndpoint,
		BindingTime:      time.Now(),
		TransactionID:    tid,
	}
	if b.opt.Sticky {
		b.mu.Lock()
		b.sticky[tid] = binding
		b.mu.Unlock()
	}
	return binding, nil
}

func (b *InterfaceBinder) resolverInVPNRange(endpoint string) bool {
	host := endpoint
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, c := range b.cidrs {
		if c.contains(ip) {
			return true
		}
	}
	return false
}

// satisfied reports whether iface is up and running, the precondition to
// emitting a binding for it.
func satisfied(iface net.Interface) bool {
	return iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagRunning != 0
}

func findInterface(ifaces []net.Interface, name string) *net.Interface {
	for i := range ifaces {
		if ifaces[i].Name == name {
			return &ifaces[i]
		}
	}
	return nil
}

// firstVPNInterface returns the first satisfied interface whose name has
// a VPN-like prefix (utun/ipsec/ppp).
func firstVPNInterface(ifaces []net.Interface) *net.Interface {
	for i := range ifaces {
		if !satisfied(ifaces[i]) {
			continue
		}
		name := ifaces[i].Name
		if strings.HasPrefix(name, "utun") || strings.HasPrefix(name, "ipsec") || strings.HasPrefix(name, "ppp") {
			return &ifaces[i]
		}
	}
	return nil
}

// defaultInterface prefers en0, then any satisfied en* interface.
func defaultInterface(ifaces []net.Interface) *net.Interface {
	if en0 := findInterface(ifaces, "en0"); en0 != nil && satisfied(*en0) {
		return en0
	}
	for i := range ifaces {
		if satisfied(ifaces[i]) && strings.HasPrefix(ifaces[i].Name, "en") {
			return &ifaces[i]
		}
	}
	for i := range ifaces {
		if satisfied(ifaces[i]) && ifaces[i].Flags&net.FlagLoopback == 0 {
			return &ifaces[i]
		}
	}
	return nil
}

func classifyInterface(name string) InterfaceType {
	switch {
	case name == "lo0" || strings.HasPrefix(name, "lo"):
		return InterfaceLoopback
	case strings.HasPrefix(name, "utun") || strings.HasPrefix(name, "ipsec") || strings.HasPrefix(name, "ppp"):
		return InterfaceVPN
	case strings.HasPrefix(name, "en0") || name == "en0":
		return InterfaceWifi
	case strings.HasPrefix(name, "en"):
		return InterfaceWired
	case strings.HasPrefix(name, "pdp_ip") || strings.HasPrefix(name, "cellular"):
		return InterfaceCellular
	default:
		return InterfaceUnknown
	}
}

// cidrNet is a bitwise-mask CIDR membership test, for both IPv4 (32-bit
// mask from prefix length) and IPv6 (16-byte mask with leading full bytes
// and a partial trailing byte).
type cidrNet struct {
	ipnet *net.IPNet
}

func parseCIDRNet(s string) (*cidrNet, error) {
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, err
	}
	return &cidrNet{ipnet: ipnet}, nil
}

func (c *cidrNet) contains(ip net.IP) bool {
	return c.ipnet.Contains(ip)
}
