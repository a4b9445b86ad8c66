package tunnel

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// PeerConfig is the remote side of a wg-quick configuration.
type PeerConfig struct {
	PublicKey           string
	PresharedKey        string
	Endpoint            string
	AllowedIPs          []string
	PersistentKeepalive int
}

// InterfaceConfig is a parsed wg-quick [Interface]/[Peer] file.
type InterfaceConfig struct {
	PrivateKey string
	Addresses  []string
	ListenPort int
	MTU        int
	Peer       PeerConfig
}

// ParseConfigFile reads a wg-quick style configuration file.
func ParseConfigFile(path string) (*InterfaceConfig, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load tunnel config: %w", err)
	}
	return parseConfig(file)
}

// ParseConfig reads wg-quick configuration from raw bytes.
func ParseConfig(data []byte) (*InterfaceConfig, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("load tunnel config: %w", err)
	}
	return parseConfig(file)
}

func parseConfig(file *ini.File) (*InterfaceConfig, error) {
	iface := file.Section("Interface")
	peer := file.Section("Peer")

	cfg := &InterfaceConfig{
		PrivateKey: iface.Key("PrivateKey").String(),
		Addresses:  splitList(iface.Key("Address").String()),
		ListenPort: iface.Key("ListenPort").MustInt(0),
		MTU:        iface.Key("MTU").MustInt(0),
		Peer: PeerConfig{
			PublicKey:           peer.Key("PublicKey").String(),
			PresharedKey:        peer.Key("PresharedKey").String(),
			Endpoint:            peer.Key("Endpoint").String(),
			AllowedIPs:          splitList(peer.Key("AllowedIPs").String()),
			PersistentKeepalive: peer.Key("PersistentKeepalive").MustInt(25),
		},
	}

	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("tunnel config: missing PrivateKey")
	}
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("tunnel config: missing Address")
	}
	if cfg.Peer.PublicKey == "" {
		return nil, fmt.Errorf("tunnel config: missing peer PublicKey")
	}
	if cfg.Peer.Endpoint == "" {
		return nil, fmt.Errorf("tunnel config: missing peer Endpoint")
	}
	if len(cfg.Peer.AllowedIPs) == 0 {
		return nil, fmt.Errorf("tunnel config: missing peer AllowedIPs")
	}
	return cfg, nil
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
