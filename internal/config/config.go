// Package config loads the server configuration.
//
// Values are layered: built-in defaults, then the YAML file named by --config
// or CIPHERLINE_CONFIG, then any command-line flag that was set explicitly.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "CIPHERLINE_CONFIG"

// MemoryDSN selects the in-process store instead of PostgreSQL.
const MemoryDSN = "memory"

// Config is the server configuration.
type Config struct {
	// HTTPAddr serves the API and the websocket endpoint.
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves the health service. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr"`
	// DSN is a PostgreSQL connection string or "memory".
	DSN string `yaml:"dsn"`
	// JWTKey verifies HS256 bearer tokens. Required.
	JWTKey string `yaml:"jwt_key"`
	// TLSCert and TLSKey enable TLS on both listeners when both are set.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// StorageDir holds attachment bytes.
	StorageDir string `yaml:"storage_dir"`
	// MaxUploadBytes caps one send request body.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	WSIdleTimeout time.Duration `yaml:"ws_idle_timeout"`
	WSSendBuffer  int           `yaml:"ws_send_buffer"`

	// RedisAddr enables cross-instance push when set.
	RedisAddr string `yaml:"redis_addr"`

	SendLimit SendLimit `yaml:"send_limit"`

	// HealthInterval is how often storage is pinged for the health service.
	HealthInterval time.Duration `yaml:"health_interval"`

	// Dev enables development logging and gRPC reflection.
	Dev bool `yaml:"dev"`
}

// SendLimit configures the per-sender throttle. MaxSends 0 disables it.
type SendLimit struct {
	Window   time.Duration `yaml:"window"`
	MaxSends int           `yaml:"max_sends"`
}

// Enabled reports whether sends are throttled.
func (s SendLimit) Enabled() bool { return s.MaxSends > 0 }

// TLS reports whether a certificate pair is configured.
func (c *Config) TLS() bool { return c.TLSCert != "" && c.TLSKey != "" }

// Default returns the base configuration every file and flag is layered on.
func Default() *Config {
	return &Config{
		HTTPAddr:       ":8080",
		GRPCAddr:       ":8081",
		DSN:            MemoryDSN,
		StorageDir:     "./data/attachments",
		MaxUploadBytes: 25 << 20,
		WSIdleTimeout:  60 * time.Second,
		WSSendBuffer:   64,
		SendLimit:      SendLimit{Window: time.Minute},
		HealthInterval: 10 * time.Second,
	}
}

// LoadFile merges the YAML file at path over the defaults. Unknown keys are errors.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// Parse builds the configuration from command-line arguments (without the program name).
func Parse(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("cipherline-server", pflag.ContinueOnError)
	path := fs.String("config", "", "YAML config file (default $"+EnvConfig+")")
	fl := Default()
	fs.StringVar(&fl.HTTPAddr, "http-addr", fl.HTTPAddr, "HTTP listen address")
	fs.StringVar(&fl.GRPCAddr, "grpc-addr", fl.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&fl.DSN, "dsn", fl.DSN, `PostgreSQL DSN or "memory"`)
	fs.StringVar(&fl.JWTKey, "jwt-key", "", "HS256 verification key (required)")
	fs.StringVar(&fl.TLSCert, "tls-cert", "", "TLS certificate (PEM)")
	fs.StringVar(&fl.TLSKey, "tls-key", "", "TLS private key (PEM)")
	fs.StringVar(&fl.StorageDir, "storage-dir", fl.StorageDir, "attachment directory")
	fs.Int64Var(&fl.MaxUploadBytes, "max-upload-bytes", fl.MaxUploadBytes, "max send request size")
	fs.DurationVar(&fl.WSIdleTimeout, "ws-idle-timeout", fl.WSIdleTimeout, "websocket idle timeout")
	fs.IntVar(&fl.WSSendBuffer, "ws-send-buffer", fl.WSSendBuffer, "per-connection outbound frame buffer")
	fs.StringVar(&fl.RedisAddr, "redis-addr", "", "Redis address for cross-instance push")
	fs.DurationVar(&fl.SendLimit.Window, "send-limit-window", fl.SendLimit.Window, "send throttle window")
	fs.IntVar(&fl.SendLimit.MaxSends, "send-limit-max", 0, "max sends per window (0 disables)")
	fs.DurationVar(&fl.HealthInterval, "health-interval", fl.HealthInterval, "storage ping interval")
	fs.BoolVar(&fl.Dev, "dev", false, "development logging and gRPC reflection")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *path == "" {
		*path = os.Getenv(EnvConfig)
	}
	cfg := Default()
	if *path != "" {
		var err error
		if cfg, err = LoadFile(*path); err != nil {
			return nil, err
		}
	}

	overlay := map[string]func(){
		"http-addr":         func() { cfg.HTTPAddr = fl.HTTPAddr },
		"grpc-addr":         func() { cfg.GRPCAddr = fl.GRPCAddr },
		"dsn":               func() { cfg.DSN = fl.DSN },
		"jwt-key":           func() { cfg.JWTKey = fl.JWTKey },
		"tls-cert":          func() { cfg.TLSCert = fl.TLSCert },
		"tls-key":           func() { cfg.TLSKey = fl.TLSKey },
		"storage-dir":       func() { cfg.StorageDir = fl.StorageDir },
		"max-upload-bytes":  func() { cfg.MaxUploadBytes = fl.MaxUploadBytes },
		"ws-idle-timeout":   func() { cfg.WSIdleTimeout = fl.WSIdleTimeout },
		"ws-send-buffer":    func() { cfg.WSSendBuffer = fl.WSSendBuffer },
		"redis-addr":        func() { cfg.RedisAddr = fl.RedisAddr },
		"send-limit-window": func() { cfg.SendLimit.Window = fl.SendLimit.Window },
		"send-limit-max":    func() { cfg.SendLimit.MaxSends = fl.SendLimit.MaxSends },
		"health-interval":   func() { cfg.HealthInterval = fl.HealthInterval },
		"dev":               func() { cfg.Dev = fl.Dev },
	}
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := overlay[f.Name]; ok {
			apply()
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.DSN == "" {
		errs = append(errs, errors.New("dsn is required"))
	}
	if c.JWTKey == "" {
		errs = append(errs, errors.New("jwt_key is required"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if c.StorageDir == "" {
		errs = append(errs, errors.New("storage_dir is required"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_upload_bytes must be positive, got %d", c.MaxUploadBytes))
	}
	if c.WSIdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ws_idle_timeout must be positive, got %s", c.WSIdleTimeout))
	}
	if c.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("ws_send_buffer must be positive, got %d", c.WSSendBuffer))
	}
	if c.SendLimit.MaxSends < 0 {
		errs = append(errs, fmt.Errorf("send_limit.max_sends must not be negative, got %d", c.SendLimit.MaxSends))
	}
	if c.SendLimit.Enabled() && c.SendLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("send_limit.window must be positive, got %s", c.SendLimit.Window))
	}
	if c.HealthInterval <= 0 {
		errs = append(errs, fmt.Errorf("health_interval must be positive, got %s", c.HealthInterval))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
