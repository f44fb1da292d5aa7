package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "insight.yaml"

type TransportKind string

const (
	TransportHTTP TransportKind = "http"
	TransportGRPC TransportKind = "grpc"
)

type Config struct {
	IntervalSeconds int               `yaml:"interval_seconds"`
	SQLitePath      string            `yaml:"sqlite_path"`
	RetentionDays   int               `yaml:"retention_days"`
	EnableHTTP      bool              `yaml:"enable_http"`
	HTTPEndpoint    string            `yaml:"http_endpoint"`
	DeviceToken     string            `yaml:"device_token"`
	Tags            map[string]string `yaml:"tags"`
	DiskPath        string            `yaml:"disk_path"`

	UploadInterval  time.Duration `yaml:"upload_interval"`
	BatchLimit      int           `yaml:"batch_limit"`
	TopProcesses    int           `yaml:"top_processes"`
	Transport       TransportKind `yaml:"transport"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	GRPCMethod      string        `yaml:"grpc_method"`
	HTTPCompression bool          `yaml:"http_compression"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RetryMax        int           `yaml:"retry_max"`
	RetryWaitMin    time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax    time.Duration `yaml:"retry_wait_max"`

	StopTimeout     time.Duration `yaml:"stop_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	StatusAddr      string        `yaml:"status_addr"`

	TLSEnabled    bool   `yaml:"tls_enabled"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`
	TLSCAPath     string `yaml:"tls_ca_path"`
	TLSCertPath   string `yaml:"tls_cert_path"`
	TLSKeyPath    string `yaml:"tls_key_path"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

func Default() Config {
	return Config{
		IntervalSeconds: 30,
		SQLitePath:      "insight.db",
		RetentionDays:   14,
		Tags:            map[string]string{},
		DiskPath:        "/",
		UploadInterval:  10 * time.Second,
		BatchLimit:      200,
		TopProcesses:    8,
		Transport:       TransportHTTP,
		GRPCMethod:      "/insight.telemetry.v1.Collector/IngestBatch",
		RequestTimeout:  20 * time.Second,
		RetryMax:        4,
		RetryWaitMin:    1500 * time.Millisecond,
		RetryWaitMax:    30 * time.Second,
		StopTimeout:     2 * time.Second,
		ShutdownTimeout: 20 * time.Second,
		HealthInterval:  15 * time.Second,
		StatusAddr:      "127.0.0.1:9464",
		LogLevel:        "info",
	}
}

// Load layers defaults, the YAML file at path and INSIGHT_* variables, in that
// order. A missing file is not an error.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = env("INSIGHT_CONFIG", DefaultPath)
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if cfg.Tags == nil {
		cfg.Tags = map[string]string{}
	}

	cfg.applyEnv()
	cfg.Transport = TransportKind(strings.ToLower(string(cfg.Transport)))
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.IntervalSeconds = envInt("INSIGHT_INTERVAL_SECONDS", c.IntervalSeconds)
	c.SQLitePath = env("INSIGHT_SQLITE_PATH", c.SQLitePath)
	c.RetentionDays = envInt("INSIGHT_RETENTION_DAYS", c.RetentionDays)
	c.EnableHTTP = envBool("INSIGHT_ENABLE_HTTP", c.EnableHTTP)
	c.HTTPEndpoint = env("INSIGHT_HTTP_ENDPOINT", c.HTTPEndpoint)
	c.DeviceToken = env("INSIGHT_DEVICE_TOKEN", c.DeviceToken)
	c.DiskPath = env("INSIGHT_DISK_PATH", c.DiskPath)
	c.UploadInterval = envDuration("INSIGHT_UPLOAD_INTERVAL", c.UploadInterval)
	c.BatchLimit = envInt("INSIGHT_BATCH_LIMIT", c.BatchLimit)
	c.TopProcesses = envInt("INSIGHT_TOP_PROCESSES", c.TopProcesses)
	c.Transport = TransportKind(env("INSIGHT_TRANSPORT", string(c.Transport)))
	c.GRPCAddr = env("INSIGHT_GRPC_ADDR", c.GRPCAddr)
	c.GRPCMethod = env("INSIGHT_GRPC_METHOD", c.GRPCMethod)
	c.HTTPCompression = envBool("INSIGHT_HTTP_COMPRESSION", c.HTTPCompression)
	c.RequestTimeout = envDuration("INSIGHT_REQUEST_TIMEOUT", c.RequestTimeout)
	c.RetryMax = envInt("INSIGHT_RETRY_MAX", c.RetryMax)
	c.RetryWaitMin = envDuration("INSIGHT_RETRY_WAIT_MIN", c.RetryWaitMin)
	c.RetryWaitMax = envDuration("INSIGHT_RETRY_WAIT_MAX", c.RetryWaitMax)
	c.StopTimeout = envDuration("INSIGHT_STOP_TIMEOUT", c.StopTimeout)
	c.ShutdownTimeout = envDuration("INSIGHT_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.HealthInterval = envDuration("INSIGHT_HEALTH_INTERVAL", c.HealthInterval)
	if v, ok := os.LookupEnv("INSIGHT_STATUS_ADDR"); ok {
		// empty is meaningful here: it disables the status server
		c.StatusAddr = strings.TrimSpace(v)
	}
	c.TLSEnabled = envBool("INSIGHT_TLS_ENABLED", c.TLSEnabled)
	c.TLSSkipVerify = envBool("INSIGHT_TLS_SKIP_VERIFY", c.TLSSkipVerify)
	c.TLSCAPath = env("INSIGHT_TLS_CA_PATH", c.TLSCAPath)
	c.TLSCertPath = env("INSIGHT_TLS_CERT_PATH", c.TLSCertPath)
	c.TLSKeyPath = env("INSIGHT_TLS_KEY_PATH", c.TLSKeyPath)
	c.LogLevel = env("INSIGHT_LOG_LEVEL", c.LogLevel)
	c.LogJSON = envBool("INSIGHT_LOG_JSON", c.LogJSON)
}

func (c Config) Validate() error {
	var errs []error
	if c.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("interval_seconds must be > 0"))
	}
	if strings.TrimSpace(c.SQLitePath) == "" {
		errs = append(errs, errors.New("sqlite_path is required"))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, errors.New("retention_days must be >= 0"))
	}
	if c.UploadInterval <= 0 {
		errs = append(errs, errors.New("upload_interval must be > 0"))
	}
	if c.BatchLimit <= 0 {
		errs = append(errs, errors.New("batch_limit must be > 0"))
	}
	if c.TopProcesses <= 0 {
		errs = append(errs, errors.New("top_processes must be > 0"))
	}
	switch c.Transport {
	case TransportHTTP, TransportGRPC:
	default:
		errs = append(errs, fmt.Errorf("unsupported transport %q", c.Transport))
	}
	if c.Transport == TransportHTTP && c.HTTPEndpoint != "" {
		u, err := url.Parse(c.HTTPEndpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("http_endpoint %q must be an absolute http(s) URL", c.HTTPEndpoint))
		}
	}
	if c.Transport == TransportGRPC && strings.TrimSpace(c.GRPCMethod) == "" {
		errs = append(errs, errors.New("grpc_method is required for grpc transport"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be > 0"))
	}
	if c.RetryMax < 0 {
		errs = append(errs, errors.New("retry_max must be >= 0"))
	}
	if c.RetryWaitMin <= 0 || c.RetryWaitMax < c.RetryWaitMin {
		errs = append(errs, errors.New("retry waits must satisfy 0 < retry_wait_min <= retry_wait_max"))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, errors.New("stop_timeout must be > 0"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be > 0"))
	}
	if c.HealthInterval <= 0 {
		errs = append(errs, errors.New("health_interval must be > 0"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unsupported log_level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// UploadEnabled reports whether the uploader should run: uploads must be
// switched on and the selected transport must have a destination and a token.
func (c Config) UploadEnabled() bool {
	if !c.EnableHTTP || strings.TrimSpace(c.DeviceToken) == "" {
		return false
	}
	if c.Transport == TransportGRPC {
		return strings.TrimSpace(c.GRPCAddr) != ""
	}
	return strings.TrimSpace(c.HTTPEndpoint) != ""
}

func (c Config) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify}
	if c.TLSCAPath != "" {
		caBytes, err := os.ReadFile(c.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("append CA cert failed")
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return nil, errors.New("both TLS cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
