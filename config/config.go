// Package config loads the daemon configuration from defaults, an optional
// TOML or YAML file, DAVI_NFCD_ environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dotside-studios/davi-nfcd/buildinfo"
	"github.com/dotside-studios/davi-nfcd/nfc"
)

// EnvPrefix prefixes environment overrides, e.g. DAVI_NFCD_SERVER_PORT.
const EnvPrefix = "DAVI_NFCD"

// Hardware backends.
const (
	BackendVirtual = "virtual"
)

// Config holds daemon configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Transport TransportConfig `mapstructure:"transport"`
	Server    ServerConfig    `mapstructure:"server"`
	HCE       HCEConfig       `mapstructure:"hce"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Hardware  HardwareConfig  `mapstructure:"hardware"`

	// ShowVersion is set by --version.
	ShowVersion bool `mapstructure:"-"`
	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// StoreConfig holds route store settings.
type StoreConfig struct {
	Path string `mapstructure:"path"` // empty keeps routes in memory
}

// TransportConfig holds HCE socket settings.
type TransportConfig struct {
	SocketPath string `mapstructure:"socket_path"` // empty disables the socket
}

// ServerConfig holds control-plane settings.
type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	APISecret string `mapstructure:"api_secret"`
	MDNS      bool   `mapstructure:"mdns"`

	// TLS serves the control plane over https/wss with a certificate from
	// a local CA kept in TLSDir.
	TLS          bool   `mapstructure:"tls"`
	TLSDir       string `mapstructure:"tls_dir"`
	TLSInstallCA bool   `mapstructure:"tls_install_ca"`
	// TLSBootstrapPort serves the CA over plain http; 0 disables it.
	TLSBootstrapPort int `mapstructure:"tls_bootstrap_port"`
}

// HCEConfig holds routing and dispatch settings.
type HCEConfig struct {
	DefaultSE       string        `mapstructure:"default_se"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	PrefixMatching  bool          `mapstructure:"prefix_matching"`
	SelfTest        bool          `mapstructure:"selftest"`
}

// QueueConfig holds work queue settings.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// HardwareConfig selects the controller plugin.
type HardwareConfig struct {
	Backend string `mapstructure:"backend"`
}

// DefaultSEType returns the parsed hce.default_se.
func (c Config) DefaultSEType() nfc.SEType {
	se, _ := nfc.ParseSEType(c.HCE.DefaultSE)
	return se
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("store.path", filepath.Join(home, ".local", "share", buildinfo.DirName, "routes.db"))
	v.SetDefault("transport.socket_path", filepath.Join(os.TempDir(), buildinfo.DirName, "hce.sock"))
	v.SetDefault("server.port", 18080)
	v.SetDefault("server.api_secret", "")
	v.SetDefault("server.mdns", false)
	v.SetDefault("server.tls", false)
	v.SetDefault("server.tls_dir", filepath.Join(home, ".local", "share", buildinfo.DirName))
	v.SetDefault("server.tls_install_ca", false)
	v.SetDefault("server.tls_bootstrap_port", 18081)
	v.SetDefault("hce.default_se", "HCE")
	v.SetDefault("hce.response_timeout", 3*time.Second)
	v.SetDefault("hce.prefix_matching", false)
	v.SetDefault("hce.selftest", true)
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("hardware.backend", BackendVirtual)
}

// flagBindings maps config keys to flag names.
var flagBindings = map[string]string{
	"store.path":                "store",
	"transport.socket_path":     "socket",
	"server.port":               "port",
	"server.api_secret":         "api-secret",
	"server.mdns":               "mdns",
	"server.tls":                "tls",
	"server.tls_install_ca":     "tls-install-ca",
	"server.tls_bootstrap_port": "tls-bootstrap-port",
	"hce.default_se":            "default-se",
	"hce.response_timeout":      "response-timeout",
	"hce.prefix_matching":       "prefix-matching",
	"hce.selftest":              "selftest",
	"queue.capacity":            "queue-capacity",
	"hardware.backend":          "hardware",
}

// NewFlagSet returns the daemon's flags. Only flags the user set override
// lower layers.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "config file (TOML or YAML); also "+EnvPrefix+"_CONFIG")
	fs.String("store", "", "route store path; empty string keeps routes in memory")
	fs.String("socket", "", "HCE transport socket path")
	fs.Int("port", 0, "control-plane HTTP port")
	fs.String("api-secret", "", "secret required by /ws and /api/v1/hce/event")
	fs.Bool("mdns", false, "advertise the control plane over mDNS")
	fs.Bool("tls", false, "serve the control plane over https and wss")
	fs.Bool("tls-install-ca", false, "add the local CA to the system trust store")
	fs.Int("tls-bootstrap-port", 0, "plain-http port serving the CA certificate (0 disables)")
	fs.String("default-se", "", "default secure element (HCE, UICC, ESE, SDCARD)")
	fs.Duration("response-timeout", 0, "how long a handler may take to answer an APDU")
	fs.Bool("prefix-matching", false, "resolve SELECT against AID prefix registrations")
	fs.Bool("selftest", true, "register the built-in self-test applet")
	fs.Int("queue-capacity", 0, "work queue capacity")
	fs.String("hardware", "", "controller backend (virtual)")
	fs.BoolP("version", "v", false, "print version information and exit")
	return fs
}

// Load parses args and resolves the configuration.
// It returns pflag.ErrHelp when help was requested.
func Load(args []string) (Config, error) {
	fs := NewFlagSet(buildinfo.Name)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return FromFlags(fs)
}

// FromFlags resolves the configuration against an already parsed flag set.
func FromFlags(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, name := range flagBindings {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath, _ := fs.GetString("config")
	if cfgPath == "" {
		cfgPath = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, buildinfo.DirName))
		}
		v.AddConfigPath("/etc/" + buildinfo.DirName)
		v.SetConfigName("config")
		v.SetConfigType("toml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	c.File = v.ConfigFileUsed()
	c.ShowVersion, _ = fs.GetBool("version")

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values viper cannot type-check.
func (c Config) Validate() error {
	if _, err := nfc.ParseSEType(c.HCE.DefaultSE); err != nil {
		return fmt.Errorf("hce.default_se: %w", err)
	}
	if c.HCE.ResponseTimeout <= 0 {
		return fmt.Errorf("hce.response_timeout must be positive, got %s", c.HCE.ResponseTimeout)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.TLSBootstrapPort < 0 || c.Server.TLSBootstrapPort > 65535 {
		return fmt.Errorf("server.tls_bootstrap_port out of range: %d", c.Server.TLSBootstrapPort)
	}
	if c.Server.TLS && c.Server.TLSDir == "" {
		return fmt.Errorf("server.tls_dir is required when server.tls is set")
	}
	if c.Hardware.Backend != BackendVirtual {
		return fmt.Errorf("hardware.backend: unsupported backend %q", c.Hardware.Backend)
	}
	return nil
}
