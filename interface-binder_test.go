package dnshield

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeInterfaces() ([]net.Interface, error) {
	up := net.FlagUp | net.FlagRunning
	return []net.Interface{
		{Index: 1, Name: "lo0", Flags: up | net.FlagLoopback},
		{Index: 2, Name: "en0", Flags: up},
		{Index: 3, Name: "utun4", Flags: up},
	}, nil
}

func TestInterfaceBinderDefaultsToEn0(t *testing.T) {
	b := NewInterfaceBinder(InterfaceBinderOptions{Lister: fakeInterfaces})
	binding, err := b.Bind(1, "8.8.8.8:53", nil)
	require.NoError(t, err)
	require.Equal(t, "en0", binding.InterfaceName)
}

func TestInterfaceBinderPrefersVPNInterfaceWhenResolverInRange(t *testing.T) {
	b := NewInterfaceBinder(InterfaceBinderOptions{
		Lister:   fakeInterfaces,
		VPNCIDRs: []string{"100.64.0.0/10"},
	})
	b.NotifyVPNState(true)
	binding, err := b.Bind(1, "100.64.1.2:53", nil)
	require.NoError(t, err)
	require.Equal(t, "utun4", binding.InterfaceName)
}

func TestInterfaceBinderStickyReturnsPriorBindingUntilVPNChange(t *testing.T) {
	b := NewInterfaceBinder(InterfaceBinderOptions{
		Lister: fakeInterfaces,
		Sticky: true,
	})
	first, err := b.Bind(7, "8.8.8.8:53", nil)
	require.NoError(t, err)
	second, err := b.Bind(7, "1.1.1.1:53", nil)
	require.NoError(t, err)
	require.Equal(t, first.InterfaceName, second.InterfaceName)
	require.Equal(t, first.BindingTime, second.BindingTime)

	b.NotifyVPNState(true)
	third, err := b.Bind(7, "8.8.8.8:53", nil)
	require.NoError(t, err)
	require.NotEqual(t, first.BindingTime, third.BindingTime)
}

func TestInterfaceBinderClearBindingDropsStickiness(t *testing.T) {
	b := NewInterfaceBinder(InterfaceBinderOptions{Lister: fakeInterfaces, Sticky: true})
	first, _ := b.Bind(9, "8.8.8.8:53", nil)
	b.ClearBinding(9)
	second, _ := b.Bind(9, "8.8.8.8:53", nil)
	require.Equal(t, first.InterfaceName, second.InterfaceName)
	require.NotEqual(t, first.BindingTime, second.BindingTime)
}

func TestInterfaceBinderOriginalPathStrategyUsesCallback(t *testing.T) {
	b := NewInterfaceBinder(InterfaceBinderOptions{
		Lister:   fakeInterfaces,
		Strategy: StrategyOriginalPath,
	})
	binding, err := b.Bind(1, "8.8.8.8:53", func(tid uint16) (string, bool) {
		return "utun4", true
	})
	require.NoError(t, err)
	require.Equal(t, "utun4", binding.InterfaceName)
}

func TestInterfaceBinderNoSatisfiedInterfaceErrors(t *testing.T) {
	b := NewInterfaceBinder(InterfaceBinderOptions{
		Lister: func() ([]net.Interface, error) { return nil, nil },
	})
	_, err := b.Bind(1, "8.8.8.8:53", nil)
	require.Error(t, err)
	var unavailable *InterfaceUnavailableError
	require.ErrorAs(t, err, &unavailable)
}
