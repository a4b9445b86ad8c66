package tunnel

import (
	"strings"
	"testing"
)

const sampleConf = `
[Interface]
PrivateKey = yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=
Address = 10.64.0.2/32, fc00:bbbb::2/128
MTU = 1420

[Peer]
PublicKey = xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=
Endpoint = vpn.example.com:51820
AllowedIPs = 0.0.0.0/0, ::/0
PersistentKeepalive = 15
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConf))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.PrivateKey != "yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=" {
		t.Fatalf("PrivateKey = %q", cfg.PrivateKey)
	}
	if len(cfg.Addresses) != 2 || cfg.Addresses[0] != "10.64.0.2/32" {
		t.Fatalf("Addresses = %v", cfg.Addresses)
	}
	if cfg.MTU != 1420 {
		t.Fatalf("MTU = %d", cfg.MTU)
	}
	if cfg.Peer.Endpoint != "vpn.example.com:51820" {
		t.Fatalf("Endpoint = %q", cfg.Peer.Endpoint)
	}
	if len(cfg.Peer.AllowedIPs) != 2 {
		t.Fatalf("AllowedIPs = %v", cfg.Peer.AllowedIPs)
	}
	if cfg.Peer.PersistentKeepalive != 15 {
		t.Fatalf("PersistentKeepalive = %d", cfg.Peer.PersistentKeepalive)
	}
}

func TestParseConfigKeepaliveDefault(t *testing.T) {
	conf := strings.Replace(sampleConf, "PersistentKeepalive = 15\n", "", 1)
	cfg, err := ParseConfig([]byte(conf))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Peer.PersistentKeepalive != 25 {
		t.Fatalf("PersistentKeepalive = %d, want default 25", cfg.Peer.PersistentKeepalive)
	}
}

func TestParseConfigMissingFields(t *testing.T) {
	required := []string{
		"PrivateKey = yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=\n",
		"Address = 10.64.0.2/32, fc00:bbbb::2/128\n",
		"PublicKey = xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=\n",
		"Endpoint = vpn.example.com:51820\n",
		"AllowedIPs = 0.0.0.0/0, ::/0\n",
	}
	for _, line := range required {
		conf := strings.Replace(sampleConf, line, "", 1)
		if _, err := ParseConfig([]byte(conf)); err == nil {
			t.Errorf("config without %q accepted", strings.TrimSpace(line))
		}
	}
}
