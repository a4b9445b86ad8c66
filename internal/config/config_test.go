package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	var c Config
	c.Download.PortRangeLo = 6881
	c.Download.PortRangeHi = 6889
	c.Seeding.Enabled = true
	c.Seeding.RatioLimit = 2.0
	return c
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsInvertedPortRange(t *testing.T) {
	c := validConfig()
	c.Download.PortRangeLo = 7000
	c.Download.PortRangeHi = 6000
	if err := c.Validate(); err == nil {
		t.Fatal("inverted port range accepted")
	}
}

func TestValidateRejectsKillSwitchWithoutTunnel(t *testing.T) {
	c := validConfig()
	c.Tunnel.KillSwitch = true
	err := c.Validate()
	if err == nil {
		t.Fatal("kill switch without tunnel accepted")
	}
	if !strings.Contains(err.Error(), "kill_switch") {
		t.Fatalf("error = %v", err)
	}
}

func TestValidateRequiresTunnelConfigFile(t *testing.T) {
	c := validConfig()
	c.Tunnel.Enabled = true
	if err := c.Validate(); err == nil {
		t.Fatal("enabled tunnel without config file accepted")
	}
	c.Tunnel.ConfigFile = "/etc/wireguard/wg0.conf"
	c.Tunnel.KillSwitch = true
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("MEDIAHARBOR_SERVER_ADDR", "127.0.0.1:9090")
	t.Setenv("MEDIAHARBOR_SEEDING_RATIOLIMIT", "1.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9090" {
		t.Fatalf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Seeding.RatioLimit != 1.5 {
		t.Fatalf("Seeding.RatioLimit = %v", cfg.Seeding.RatioLimit)
	}
	if cfg.Download.Directory != "data/downloads" {
		t.Fatalf("Download.Directory default = %q", cfg.Download.Directory)
	}
}
