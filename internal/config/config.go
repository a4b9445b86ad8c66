package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Download struct {
		Directory      string
		MaxConnections int
		PortRangeLo    int
		PortRangeHi    int
	}
	Seeding struct {
		Enabled    bool
		RatioLimit float64
		TimeLimit  time.Duration
	}
	Tunnel struct {
		Enabled             bool
		Interface           string
		ConfigFile          string
		KillSwitch          bool
		AutoReconnect       bool
		HealthCheckInterval time.Duration
		ReconnectMaxDelay   time.Duration
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		JWTSecret     string
		AdminPassword string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("MEDIAHARBOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/media-harbor.db")
	v.SetDefault("download.directory", "data/downloads")
	v.SetDefault("download.maxconnections", 200)
	v.SetDefault("download.portrangelo", 6881)
	v.SetDefault("download.portrangehi", 6889)
	v.SetDefault("seeding.enabled", true)
	v.SetDefault("seeding.ratiolimit", 2.0)
	v.SetDefault("seeding.timelimit", 48*time.Hour)
	v.SetDefault("tunnel.enabled", false)
	v.SetDefault("tunnel.interface", "wg0")
	v.SetDefault("tunnel.configfile", "")
	v.SetDefault("tunnel.killswitch", false)
	v.SetDefault("tunnel.autoreconnect", true)
	v.SetDefault("tunnel.healthcheckinterval", 30*time.Second)
	v.SetDefault("tunnel.reconnectmaxdelay", 5*time.Minute)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "media-harbor")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.adminpassword", "")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run safely.
func (c Config) Validate() error {
	if c.Download.PortRangeLo > c.Download.PortRangeHi {
		return fmt.Errorf("config: download port range %d-%d is inverted",
			c.Download.PortRangeLo, c.Download.PortRangeHi)
	}
	if c.Download.PortRangeLo < 0 || c.Download.PortRangeHi > 65535 {
		return fmt.Errorf("config: download port range %d-%d out of range",
			c.Download.PortRangeLo, c.Download.PortRangeHi)
	}
	// a kill switch without a tunnel would gate transfers on a connection
	// that can never come up
	if c.Tunnel.KillSwitch && !c.Tunnel.Enabled {
		return fmt.Errorf("config: tunnel.kill_switch requires tunnel.enabled")
	}
	if c.Tunnel.Enabled && c.Tunnel.ConfigFile == "" {
		return fmt.Errorf("config: tunnel.enabled requires tunnel.config_file")
	}
	if c.Seeding.Enabled && c.Seeding.RatioLimit < 0 {
		return fmt.Errorf("config: seeding.ratio_limit must not be negative")
	}
	return nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
