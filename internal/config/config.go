package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string           `mapstructure:"mode"`
	Port       int              `mapstructure:"port"`
	LogLevel   string           `mapstructure:"log_level"`
	Account    AccountConfig    `mapstructure:"account"`
	Transport  TransportConfig  `mapstructure:"transport"`
	STUN       STUNConfig       `mapstructure:"stun"`
	TURN       TURNConfig       `mapstructure:"turn"`
	Security   SecurityConfig   `mapstructure:"security"`
	Media      MediaConfig      `mapstructure:"media"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Signal     SignalConfig     `mapstructure:"signal"`
}

type AccountConfig struct {
	JID          string `mapstructure:"jid"`
	Password     string `mapstructure:"password"`
	Resource     string `mapstructure:"resource"`
	WebsocketURL string `mapstructure:"websocket_url"`
}

type TransportConfig struct {
	Strategy      string        `mapstructure:"strategy"`
	PortMin       uint16        `mapstructure:"port_min"`
	PortMax       uint16        `mapstructure:"port_max"`
	RTCPMux       bool          `mapstructure:"rtcp_mux"`
	IPv6          bool          `mapstructure:"ipv6"`
	BindAddress   string        `mapstructure:"bind_address"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
	WrapupTimeout time.Duration `mapstructure:"wrapup_timeout"`
	WrapupPoll    time.Duration `mapstructure:"wrapup_poll"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

type ServerConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type STUNConfig struct {
	Discovery  bool           `mapstructure:"discovery"`
	UseDefault bool           `mapstructure:"use_default"`
	Servers    []ServerConfig `mapstructure:"servers"`
	Defaults   []ServerConfig `mapstructure:"defaults"`
}

type TURNConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Servers []ServerConfig `mapstructure:"servers"`
}

type SecurityConfig struct {
	EncryptionRequired bool `mapstructure:"encryption_required"`
	DeclineOnHangup    bool `mapstructure:"decline_on_hangup"`
}

type MediaConfig struct {
	VideoMandatory bool `mapstructure:"video_mandatory"`
}

type BridgeConfig struct {
	JID            string        `mapstructure:"jid"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type ReconcilerConfig struct {
	AcceptGate        string        `mapstructure:"accept_gate"`
	AcceptGateTimeout time.Duration `mapstructure:"accept_gate_timeout"`
	PendingTTL        time.Duration `mapstructure:"pending_ttl"`
}

type SignalConfig struct {
	SendQueue      int           `mapstructure:"send_queue"`
	DispatchQueue  int           `mapstructure:"dispatch_queue"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	InitiateRate   float64       `mapstructure:"initiate_rate"`
	InitiateBurst  int           `mapstructure:"initiate_burst"`
}

// Flags returns the command-line flags bound by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("jinglecall", pflag.ContinueOnError)
	fs.String("config-env", "", "config environment, selects config/config.<env>.yaml")
	fs.Int("port", 0, "control API port")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("strategy", "", "transport strategy (ice, rawudp)")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")

	v.SetDefault("account.resource", "jinglecall")

	v.SetDefault("transport.strategy", "ice")
	v.SetDefault("transport.rtcp_mux", true)
	v.SetDefault("transport.ipv6", false)
	v.SetDefault("transport.bind_address", "0.0.0.0")
	v.SetDefault("transport.gather_timeout", "3s")
	v.SetDefault("transport.wrapup_timeout", "5s")
	v.SetDefault("transport.wrapup_poll", "1s")
	v.SetDefault("transport.probe_timeout", "2s")

	v.SetDefault("stun.discovery", true)
	v.SetDefault("stun.use_default", true)
	v.SetDefault("stun.defaults", []map[string]any{
		{"uri": "stun:stun.l.google.com:19302"},
		{"uri": "stun:stun.jitsi.net:3478"},
	})
	v.SetDefault("turn.enabled", true)

	v.SetDefault("security.encryption_required", false)

	v.SetDefault("bridge.request_timeout", "5s")

	v.SetDefault("reconciler.accept_gate", "first-candidate")
	v.SetDefault("reconciler.accept_gate_timeout", "5s")
	v.SetDefault("reconciler.pending_ttl", "10s")

	v.SetDefault("signal.send_queue", 32)
	v.SetDefault("signal.dispatch_queue", 64)
	v.SetDefault("signal.request_timeout", "10s")
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.initiate_rate", 1.0)
	v.SetDefault("signal.initiate_burst", 5)
}

// Load reads config/config.<env>.yaml, environment overrides prefixed
// JINGLE_ and the given flags, in increasing precedence.
func Load(args []string) (*Config, error) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("JINGLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	env, _ := fs.GetString("config-env")
	if env == "" {
		env = os.Getenv("CONFIG_ENV")
	}
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	bindFlag(v, fs, "port", "port")
	bindFlag(v, fs, "log_level", "log-level")
	bindFlag(v, fs, "transport.strategy", "strategy")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("strategy", cfg.Transport.Strategy).
		Msg("config ready")
	return &cfg, nil
}

// bindFlag binds only flags the user set so zero flag defaults do not
// shadow file values.
func bindFlag(v *viper.Viper, fs *pflag.FlagSet, key, flag string) {
	if f := fs.Lookup(flag); f != nil && f.Changed {
		_ = v.BindPFlag(key, f)
	}
}

func (c *Config) Validate() error {
	switch c.Transport.Strategy {
	case "ice", "rawudp":
	default:
		return fmt.Errorf("unknown transport strategy %q", c.Transport.Strategy)
	}
	switch c.Reconciler.AcceptGate {
	case "first-candidate", "none":
	default:
		return fmt.Errorf("unknown accept gate %q", c.Reconciler.AcceptGate)
	}
	if c.Transport.PortMax != 0 && c.Transport.PortMax < c.Transport.PortMin {
		return fmt.Errorf("transport.port_max %d below port_min %d", c.Transport.PortMax, c.Transport.PortMin)
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"transport.wrapup_poll", c.Transport.WrapupPoll},
		{"transport.wrapup_timeout", c.Transport.WrapupTimeout},
		{"reconciler.accept_gate_timeout", c.Reconciler.AcceptGateTimeout},
		{"reconciler.pending_ttl", c.Reconciler.PendingTTL},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.val)
		}
	}
	return nil
}
