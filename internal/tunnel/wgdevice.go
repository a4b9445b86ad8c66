package tunnel

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// wgMark is the firewall mark the tunnel's own encrypted packets carry so
// the binding policy can exempt them from the tunnel route (the wg-quick
// scheme). It doubles as the routing table id.
const wgMark = 51820

// wgDevice drives a kernel WireGuard interface through wgctrl and
// netlink.
type wgDevice struct {
	iface  string
	cfg    *InterfaceConfig
	logger *logrus.Logger
}

// NewWireGuardDevice builds the production Device for iface from a parsed
// wg-quick configuration.
func NewWireGuardDevice(iface string, cfg *InterfaceConfig, logger *logrus.Logger) Device {
	if logger == nil {
		logger = logrus.New()
	}
	return &wgDevice{iface: iface, cfg: cfg, logger: logger}
}

func (d *wgDevice) Up(ctx context.Context) (string, error) {
	link := &netlink.Wireguard{LinkAttrs: netlink.LinkAttrs{Name: d.iface}}
	if err := netlink.LinkAdd(link); err != nil {
		return "", fmt.Errorf("create interface %s: %w", d.iface, err)
	}

	wgConf, err := d.buildConfig()
	if err != nil {
		d.cleanup(link)
		return "", err
	}

	client, err := wgctrl.New()
	if err != nil {
		d.cleanup(link)
		return "", fmt.Errorf("open wireguard control: %w", err)
	}
	defer client.Close()

	if err := client.ConfigureDevice(d.iface, *wgConf); err != nil {
		d.cleanup(link)
		return "", fmt.Errorf("configure interface %s: %w", d.iface, err)
	}

	for _, addr := range d.cfg.Addresses {
		nlAddr, err := netlink.ParseAddr(addr)
		if err != nil {
			d.cleanup(link)
			return "", fmt.Errorf("parse address %q: %w", addr, err)
		}
		if err := netlink.AddrAdd(link, nlAddr); err != nil {
			d.cleanup(link)
			return "", fmt.Errorf("assign address %s: %w", addr, err)
		}
	}
	if d.cfg.MTU > 0 {
		if err := netlink.LinkSetMTU(link, d.cfg.MTU); err != nil {
			d.cleanup(link)
			return "", fmt.Errorf("set mtu: %w", err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		d.cleanup(link)
		return "", fmt.Errorf("bring up interface %s: %w", d.iface, err)
	}

	d.logger.WithFields(logrus.Fields{
		"interface": d.iface,
		"endpoint":  d.cfg.Peer.Endpoint,
	}).Debug("wireguard interface configured")
	return d.cfg.Peer.Endpoint, nil
}

func (d *wgDevice) Down(ctx context.Context) error {
	link, err := netlink.LinkByName(d.iface)
	if err != nil {
		// already gone
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("remove interface %s: %w", d.iface, err)
	}
	return nil
}

func (d *wgDevice) State(ctx context.Context) (DeviceState, error) {
	client, err := wgctrl.New()
	if err != nil {
		return DeviceState{}, fmt.Errorf("open wireguard control: %w", err)
	}
	defer client.Close()

	dev, err := client.Device(d.iface)
	if err != nil {
		return DeviceState{}, fmt.Errorf("read interface %s: %w", d.iface, err)
	}

	var state DeviceState
	for _, peer := range dev.Peers {
		state.RxBytes += peer.ReceiveBytes
		state.TxBytes += peer.TransmitBytes
		if peer.LastHandshakeTime.After(state.LastHandshake) {
			state.LastHandshake = peer.LastHandshakeTime
		}
	}
	return state, nil
}

func (d *wgDevice) buildConfig() (*wgtypes.Config, error) {
	privateKey, err := wgtypes.ParseKey(d.cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	publicKey, err := wgtypes.ParseKey(d.cfg.Peer.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}

	peer := wgtypes.PeerConfig{
		PublicKey:         publicKey,
		ReplaceAllowedIPs: true,
	}
	if d.cfg.Peer.PresharedKey != "" {
		psk, err := wgtypes.ParseKey(d.cfg.Peer.PresharedKey)
		if err != nil {
			return nil, fmt.Errorf("parse preshared key: %w", err)
		}
		peer.PresharedKey = &psk
	}
	endpoint, err := net.ResolveUDPAddr("udp", d.cfg.Peer.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint %q: %w", d.cfg.Peer.Endpoint, err)
	}
	peer.Endpoint = endpoint
	for _, cidr := range d.cfg.Peer.AllowedIPs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse allowed ip %q: %w", cidr, err)
		}
		peer.AllowedIPs = append(peer.AllowedIPs, *ipNet)
	}
	if d.cfg.Peer.PersistentKeepalive > 0 {
		keepalive := time.Duration(d.cfg.Peer.PersistentKeepalive) * time.Second
		peer.PersistentKeepaliveInterval = &keepalive
	}

	mark := wgMark
	conf := &wgtypes.Config{
		PrivateKey:   &privateKey,
		FirewallMark: &mark,
		ReplacePeers: true,
		Peers:        []wgtypes.PeerConfig{peer},
	}
	if d.cfg.ListenPort > 0 {
		port := d.cfg.ListenPort
		conf.ListenPort = &port
	}
	return conf, nil
}

// cleanup tears the link down after a failed Up step so a partial bring-up
// never leaves a dangling interface.
func (d *wgDevice) cleanup(link netlink.Link) {
	if err := netlink.LinkDel(link); err != nil {
		d.logger.WithError(err).WithField("interface", d.iface).Warn("remove interface after failed setup")
	}
}
