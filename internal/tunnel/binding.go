package tunnel

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// netlinkBinding implements the wg-quick routing scheme: a dedicated
// table with a default route through the tunnel, a rule sending
// everything except the tunnel's own marked packets to that table, and a
// suppress-prefixlength rule keeping directly connected routes working.
// All rule changes for a tunnel-state transition happen under one mutex
// so two transitions cannot interleave contradictory routes.
type netlinkBinding struct {
	mu     sync.Mutex
	logger *logrus.Logger
}

// NewBinding returns the production traffic-binding policy.
func NewBinding(logger *logrus.Logger) Binding {
	if logger == nil {
		logger = logrus.New()
	}
	return &netlinkBinding{logger: logger}
}

func (b *netlinkBinding) Apply(iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("binding: interface %s: %w", iface, err)
	}

	_, defaultNet, _ := net.ParseCIDR("0.0.0.0/0")
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       defaultNet,
		Table:     wgMark,
	}
	if err := netlink.RouteReplace(route); err != nil {
		return fmt.Errorf("binding: install default route via %s: %w", iface, err)
	}

	escape := netlink.NewRule()
	escape.Mark = wgMark
	escape.Invert = true
	escape.Table = wgMark
	if err := netlink.RuleAdd(escape); err != nil {
		return fmt.Errorf("binding: install lookup rule: %w", err)
	}

	suppress := netlink.NewRule()
	suppress.Table = 254 // main
	suppress.SuppressPrefixlen = 0
	if err := netlink.RuleAdd(suppress); err != nil {
		// roll back the lookup rule so a half-applied policy cannot
		// blackhole traffic
		if delErr := netlink.RuleDel(escape); delErr != nil {
			b.logger.WithError(delErr).Warn("binding: rollback lookup rule")
		}
		return fmt.Errorf("binding: install suppress rule: %w", err)
	}

	b.logger.WithField("interface", iface).Info("transfer traffic bound to tunnel")
	return nil
}

// Remove undoes Apply. Each step runs even if an earlier one fails; the
// first error is reported after everything has been attempted.
func (b *netlinkBinding) Remove(iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error

	suppress := netlink.NewRule()
	suppress.Table = 254
	suppress.SuppressPrefixlen = 0
	if err := netlink.RuleDel(suppress); err != nil {
		firstErr = fmt.Errorf("binding: remove suppress rule: %w", err)
	}

	escape := netlink.NewRule()
	escape.Mark = wgMark
	escape.Invert = true
	escape.Table = wgMark
	if err := netlink.RuleDel(escape); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("binding: remove lookup rule: %w", err)
	}

	if link, err := netlink.LinkByName(iface); err == nil {
		_, defaultNet, _ := net.ParseCIDR("0.0.0.0/0")
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       defaultNet,
			Table:     wgMark,
		}
		if err := netlink.RouteDel(route); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("binding: remove default route: %w", err)
		}
	}

	if firstErr == nil {
		b.logger.WithField("interface", iface).Info("transfer traffic binding removed")
	}
	return firstErr
}
