package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/csai/lab-shell/internal/registry"
	"github.com/csai/lab-shell/internal/token"
)

type Config struct {
	Server         ServerConfig                `yaml:"server"`
	Auth           AuthConfig                  `yaml:"auth"`
	RateLimit      RateLimitConfig             `yaml:"rate_limit"`
	Storage        StorageConfig               `yaml:"storage"`
	Connections    map[string]ConnectionConfig `yaml:"connections"`
	RelayDaemon    Endpoint                    `yaml:"relay_daemon"`
	ListenEndpoint Endpoint                    `yaml:"listen_endpoint"`
	Encryption     EncryptionConfig            `yaml:"encryption"`
	Compose        ComposeConfig               `yaml:"compose"`
	Gateway        GatewayConfig               `yaml:"gateway"`
	Session        SessionConfig               `yaml:"session"`
	Observability  ObsConfig                   `yaml:"observability"`
}

type ServerConfig struct {
	ListenAddr          string `yaml:"listen_addr"`
	Version             string `yaml:"version"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
	HealthPublic        bool   `yaml:"health_public"`
}

type AuthConfig struct {
	Mode            string `yaml:"mode"`
	BearerToken     string `yaml:"bearer_token"`
	HMACSecret      string `yaml:"hmac_secret"`
	HMACSkewSeconds int    `yaml:"hmac_skew_seconds"`
	NonceTTLSeconds int    `yaml:"nonce_ttl_seconds"`
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

type StorageConfig struct {
	StateFile string `yaml:"state_file"`
}

// ConnectionConfig is one entry of the connections map. Params keep their
// YAML key order.
type ConnectionConfig struct {
	Name     string              `yaml:"name"`
	Protocol string              `yaml:"protocol"`
	Params   registry.Parameters `yaml:"params"`
}

type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (e Endpoint) Addr() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

// WebsocketURL is the URL sessions dial, before the token is attached.
func (e Endpoint) WebsocketURL() string { return "ws://" + e.Addr() + "/" }

type EncryptionConfig struct {
	Cipher string `yaml:"cipher"`
	Key    string `yaml:"key"`
}

type ComposeConfig struct {
	File                 string   `yaml:"file"`
	Command              []string `yaml:"command"`
	Project              string   `yaml:"project"`
	StatusTimeoutSeconds int      `yaml:"status_timeout_seconds"`
	ReadyTimeoutSeconds  int      `yaml:"ready_timeout_seconds"`
	RelayContainer       string   `yaml:"relay_container"`
}

type GatewayConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type SessionConfig struct {
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
}

type ObsConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPath string `yaml:"metrics_path"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:          "127.0.0.1:9100",
			Version:             "dev",
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 30,
			IdleTimeoutSeconds:  60,
			HealthPublic:        true,
		},
		Auth: AuthConfig{
			Mode:            "none",
			HMACSkewSeconds: 300,
			NonceTTLSeconds: 360,
		},
		RateLimit: RateLimitConfig{Enabled: true, RPS: 20, Burst: 40},
		Storage:   StorageConfig{StateFile: defaultStateFile()},
		Connections: map[string]ConnectionConfig{
			"windows": {
				Name:     "Windows 11 (RDP)",
				Protocol: "rdp",
				Params: registry.Params(
					"hostname", "windows-rdp-target",
					"port", 3389,
					"username", "Administrator",
					"password", "Windows123!",
					"security", "any",
					"ignore-cert", true,
					"enable-wallpaper", true,
					"enable-theming", true,
					"enable-font-smoothing", true,
					"enable-full-window-drag", true,
					"enable-desktop-composition", true,
					"enable-menu-animations", true,
					"disable-bitmap-caching", false,
					"disable-offscreen-caching", false,
					"disable-glyph-caching", false,
				),
			},
			"ubuntu-vnc": {
				Name:     "Ubuntu Desktop (VNC)",
				Protocol: "vnc",
				Params: registry.Params(
					"hostname", "ubuntu-vnc-target",
					"port", 5900,
					"password", "Ubuntu123!",
				),
			},
			"ubuntu-ssh": {
				Name:     "Ubuntu Server (SSH)",
				Protocol: "ssh",
				Params: registry.Params(
					"hostname", "ubuntu-ssh-target",
					"port", 22,
					"username", "sshuser",
					"password", "Ubuntu123!",
				),
			},
		},
		RelayDaemon:    Endpoint{Host: "localhost", Port: 4822},
		ListenEndpoint: Endpoint{Host: "localhost", Port: 8000},
		Encryption: EncryptionConfig{
			Cipher: token.CipherAES256CBC,
			Key:    "MySuperSecretKeyForParamsToken12",
		},
		Compose: ComposeConfig{
			File:                 filepath.Join("docker", "docker-compose.yml"),
			StatusTimeoutSeconds: 8,
			ReadyTimeoutSeconds:  60,
			RelayContainer:       "guacd",
		},
		Gateway:       GatewayConfig{URL: "http://localhost:8080/guacamole", TimeoutSeconds: 5},
		Observability: ObsConfig{LogLevel: "info", MetricsPath: "/metrics"},
	}
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "lab-shell-state.json"
	}
	return filepath.Join(dir, "lab-shell", "state.json")
}

func Load() (Config, error) {
	return LoadFile(os.Getenv("LAB_SHELL_CONFIG_FILE"))
}

// LoadFile is Load with an explicit YAML file. An empty path means defaults
// plus environment only.
func LoadFile(configFile string) (Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadYAML(&cfg, configFile); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "LAB_SHELL_LISTEN_ADDR")
	setString(&cfg.Server.Version, "LAB_SHELL_VERSION")
	setInt(&cfg.Server.ReadTimeoutSeconds, "LAB_SHELL_READ_TIMEOUT_SECONDS")
	setInt(&cfg.Server.WriteTimeoutSeconds, "LAB_SHELL_WRITE_TIMEOUT_SECONDS")
	setInt(&cfg.Server.IdleTimeoutSeconds, "LAB_SHELL_IDLE_TIMEOUT_SECONDS")
	setBool(&cfg.Server.HealthPublic, "LAB_SHELL_HEALTH_PUBLIC")

	setString(&cfg.Auth.Mode, "LAB_SHELL_AUTH_MODE")
	setString(&cfg.Auth.BearerToken, "LAB_SHELL_TOKEN")
	setString(&cfg.Auth.HMACSecret, "LAB_SHELL_HMAC_SECRET")
	setInt(&cfg.Auth.HMACSkewSeconds, "LAB_SHELL_HMAC_SKEW_SECONDS")
	setInt(&cfg.Auth.NonceTTLSeconds, "LAB_SHELL_NONCE_TTL_SECONDS")

	setBool(&cfg.RateLimit.Enabled, "LAB_SHELL_RATE_LIMIT_ENABLED")
	setFloat64(&cfg.RateLimit.RPS, "LAB_SHELL_RATE_LIMIT_RPS")
	setInt(&cfg.RateLimit.Burst, "LAB_SHELL_RATE_LIMIT_BURST")

	setString(&cfg.Storage.StateFile, "LAB_SHELL_STATE_FILE")

	setString(&cfg.RelayDaemon.Host, "LAB_SHELL_RELAY_HOST")
	setInt(&cfg.RelayDaemon.Port, "LAB_SHELL_RELAY_PORT")
	setString(&cfg.ListenEndpoint.Host, "LAB_SHELL_LISTEN_ENDPOINT_HOST")
	setInt(&cfg.ListenEndpoint.Port, "LAB_SHELL_LISTEN_ENDPOINT_PORT")

	setString(&cfg.Encryption.Cipher, "LAB_SHELL_ENCRYPTION_CIPHER")
	setString(&cfg.Encryption.Key, "LAB_SHELL_ENCRYPTION_KEY")

	setString(&cfg.Compose.File, "LAB_SHELL_COMPOSE_FILE")
	setFields(&cfg.Compose.Command, "LAB_SHELL_COMPOSE_COMMAND")
	setString(&cfg.Compose.Project, "LAB_SHELL_COMPOSE_PROJECT")
	setInt(&cfg.Compose.StatusTimeoutSeconds, "LAB_SHELL_COMPOSE_STATUS_TIMEOUT_SECONDS")
	setInt(&cfg.Compose.ReadyTimeoutSeconds, "LAB_SHELL_COMPOSE_READY_TIMEOUT_SECONDS")
	setString(&cfg.Compose.RelayContainer, "LAB_SHELL_RELAY_CONTAINER")

	setString(&cfg.Gateway.URL, "LAB_SHELL_GATEWAY_URL")
	setInt(&cfg.Gateway.TimeoutSeconds, "LAB_SHELL_GATEWAY_TIMEOUT_SECONDS")

	setInt(&cfg.Session.ConnectTimeoutSeconds, "LAB_SHELL_CONNECT_TIMEOUT_SECONDS")

	setString(&cfg.Observability.LogLevel, "LAB_SHELL_LOG_LEVEL")
	setString(&cfg.Observability.MetricsPath, "LAB_SHELL_METRICS_PATH")
}

func validate(cfg Config) error {
	if cfg.Server.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	mode := strings.ToLower(cfg.Auth.Mode)
	switch mode {
	case "none", "bearer", "hmac", "either":
	default:
		return fmt.Errorf("invalid auth mode: %s", cfg.Auth.Mode)
	}
	if mode == "bearer" && cfg.Auth.BearerToken == "" {
		return errors.New("LAB_SHELL_TOKEN is required in bearer mode")
	}
	if mode == "hmac" && cfg.Auth.HMACSecret == "" {
		return errors.New("LAB_SHELL_HMAC_SECRET is required in hmac mode")
	}
	if mode == "either" && cfg.Auth.BearerToken == "" && cfg.Auth.HMACSecret == "" {
		return errors.New("either mode requires at least one auth secret (token or hmac)")
	}
	if mode == "hmac" || mode == "either" {
		if cfg.Auth.HMACSkewSeconds <= 0 {
			return errors.New("hmac skew must be > 0")
		}
		if cfg.Auth.NonceTTLSeconds < cfg.Auth.HMACSkewSeconds+60 {
			return errors.New("nonce ttl must be >= hmac skew + 60 seconds")
		}
	}
	if cfg.RateLimit.Enabled && (cfg.RateLimit.RPS <= 0 || cfg.RateLimit.Burst <= 0) {
		return errors.New("rate limit values must be > 0")
	}
	if cfg.Encryption.Cipher != token.CipherAES256CBC {
		return fmt.Errorf("%w: %q", token.ErrUnsupportedCipher, cfg.Encryption.Cipher)
	}
	if n := len(cfg.Encryption.Key); n != token.KeySize {
		return fmt.Errorf("encryption key: %w: got %d bytes, want %d", token.ErrInvalidKeyLength, n, token.KeySize)
	}
	if len(cfg.Connections) == 0 {
		return errors.New("at least one connection is required")
	}
	for id, c := range cfg.Connections {
		if strings.TrimSpace(id) == "" {
			return errors.New("connection id must not be empty")
		}
		if c.Protocol == "" {
			return fmt.Errorf("connection %q: protocol is required", id)
		}
		if err := token.CheckParameters(c.Params); err != nil {
			return fmt.Errorf("connection %q: %w", id, err)
		}
	}
	if err := validateEndpoint("relay_daemon", cfg.RelayDaemon); err != nil {
		return err
	}
	if err := validateEndpoint("listen_endpoint", cfg.ListenEndpoint); err != nil {
		return err
	}
	if cfg.Compose.StatusTimeoutSeconds <= 0 || cfg.Compose.ReadyTimeoutSeconds <= 0 {
		return errors.New("compose timeouts must be > 0")
	}
	if cfg.Gateway.TimeoutSeconds <= 0 {
		return errors.New("gateway timeout must be > 0")
	}
	if cfg.Session.ConnectTimeoutSeconds < 0 {
		return errors.New("session connect timeout must be >= 0")
	}
	return nil
}

func validateEndpoint(name string, e Endpoint) error {
	if e.Host == "" {
		return fmt.Errorf("%s host is required", name)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("%s port out of range: %d", name, e.Port)
	}
	return nil
}

// Profiles turns the connections map into registry profiles ordered by id.
func (c Config) Profiles() []registry.TargetProfile {
	ids := make([]string, 0, len(c.Connections))
	for id := range c.Connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]registry.TargetProfile, 0, len(ids))
	for _, id := range ids {
		cc := c.Connections[id]
		out = append(out, registry.TargetProfile{
			ID:          id,
			DisplayName: cc.Name,
			Protocol:    registry.Protocol(cc.Protocol),
			Parameters:  cc.Params.Clone(),
		})
	}
	return out
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Session.ConnectTimeoutSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
func setFields(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		if f := strings.Fields(v); len(f) > 0 {
			*dst = f
		}
	}
}
func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseBool(v); err == nil {
			*dst = p
		}
	}
}
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dst = p
		}
	}
}
func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = p
		}
	}
}
