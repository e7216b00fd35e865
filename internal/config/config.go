// Package config resolves client and server settings. Sources apply in
// order: defaults, the optional YAML file named by --config, TERMXFER_*
// environment variables, then explicitly set flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/sheerbytes/termxfer/internal/chunker"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

const envPrefix = "TERMXFER_"

// Transports understood by the client.
const (
	TransportWebSocket = "ws"
	TransportQUIC      = "quic"
)

// ServerConfig holds configuration for the server binary.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	QUICAddr  string `yaml:"quic_addr"`
	Root      string `yaml:"root"`
	ChunkSize int    `yaml:"chunk_size"`
	Progress  bool   `yaml:"progress"`
	LogLevel  string `yaml:"log_level"`
}

// ClientConfig holds configuration for the client binary.
type ClientConfig struct {
	ServerURL       string        `yaml:"server_url"`
	QUICAddr        string        `yaml:"quic_addr"`
	Transport       string        `yaml:"transport"`
	Codec           string        `yaml:"codec"`
	ChunkSize       int           `yaml:"chunk_size"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	Insecure        bool          `yaml:"insecure"`
	LogLevel        string        `yaml:"log_level"`
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		Root:      ".",
		ChunkSize: chunker.DefaultChunkSize,
		Progress:  true,
		LogLevel:  "info",
	}
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:       "ws://localhost:8080/ws",
		QUICAddr:        "localhost:8443",
		Transport:       TransportWebSocket,
		Codec:           protocol.JSON.Name(),
		ChunkSize:       chunker.DefaultChunkSize,
		RequestTimeout:  30 * time.Second,
		DownloadTimeout: 10 * time.Minute,
		Insecure:        true,
		LogLevel:        "info",
	}
}

// RegisterServerFlags adds the server flags to fs. Flag defaults are only
// shown in help; unset flags never override file or environment values.
func RegisterServerFlags(fs *pflag.FlagSet) {
	d := DefaultServerConfig()
	fs.String("config", "", "YAML config file")
	fs.String("addr", d.Addr, "HTTP listen address")
	fs.String("quic-addr", d.QUICAddr, "QUIC listen address (empty disables QUIC)")
	fs.String("root", d.Root, "directory served to clients")
	fs.Int("chunk-size", d.ChunkSize, "chunk size in bytes")
	fs.Bool("progress", d.Progress, "send progress events to clients")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
}

// RegisterClientFlags adds the client flags to fs.
func RegisterClientFlags(fs *pflag.FlagSet) {
	d := DefaultClientConfig()
	fs.String("config", "", "YAML config file")
	fs.String("server-url", d.ServerURL, "WebSocket URL of the server")
	fs.String("quic-addr", d.QUICAddr, "QUIC address of the server")
	fs.String("transport", d.Transport, "transport (ws, quic)")
	fs.String("codec", d.Codec, "wire codec (json, msgpack)")
	fs.Int("chunk-size", d.ChunkSize, "upload chunk size in bytes when the server does not choose one")
	fs.Duration("request-timeout", d.RequestTimeout, "timeout for a single request")
	fs.Duration("download-timeout", d.DownloadTimeout, "timeout for a whole download")
	fs.Bool("insecure", d.Insecure, "accept self-signed QUIC certificates")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
}

// LoadServerConfig resolves the server configuration from fs, which must
// have been registered with RegisterServerFlags and parsed.
func LoadServerConfig(fs *pflag.FlagSet) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadFile(fs, &cfg); err != nil {
		return cfg, err
	}

	var e envReader
	e.setString("ADDR", &cfg.Addr)
	e.setString("QUIC_ADDR", &cfg.QUICAddr)
	e.setString("ROOT", &cfg.Root)
	e.setInt("CHUNK_SIZE", &cfg.ChunkSize)
	e.setBool("PROGRESS", &cfg.Progress)
	e.setString("LOG_LEVEL", &cfg.LogLevel)
	if e.err != nil {
		return cfg, e.err
	}

	f := flagReader{fs: fs}
	f.setString("addr", &cfg.Addr)
	f.setString("quic-addr", &cfg.QUICAddr)
	f.setString("root", &cfg.Root)
	f.setInt("chunk-size", &cfg.ChunkSize)
	f.setBool("progress", &cfg.Progress)
	f.setString("log-level", &cfg.LogLevel)
	if f.err != nil {
		return cfg, f.err
	}
	return cfg, cfg.Validate()
}

// LoadClientConfig resolves the client configuration from fs, which must
// have been registered with RegisterClientFlags and parsed.
func LoadClientConfig(fs *pflag.FlagSet) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadFile(fs, &cfg); err != nil {
		return cfg, err
	}

	var e envReader
	e.setString("SERVER_URL", &cfg.ServerURL)
	e.setString("QUIC_ADDR", &cfg.QUICAddr)
	e.setString("TRANSPORT", &cfg.Transport)
	e.setString("CODEC", &cfg.Codec)
	e.setInt("CHUNK_SIZE", &cfg.ChunkSize)
	e.setDuration("REQUEST_TIMEOUT", &cfg.RequestTimeout)
	e.setDuration("DOWNLOAD_TIMEOUT", &cfg.DownloadTimeout)
	e.setBool("INSECURE", &cfg.Insecure)
	e.setString("LOG_LEVEL", &cfg.LogLevel)
	if e.err != nil {
		return cfg, e.err
	}

	f := flagReader{fs: fs}
	f.setString("server-url", &cfg.ServerURL)
	f.setString("quic-addr", &cfg.QUICAddr)
	f.setString("transport", &cfg.Transport)
	f.setString("codec", &cfg.Codec)
	f.setInt("chunk-size", &cfg.ChunkSize)
	f.setDuration("request-timeout", &cfg.RequestTimeout)
	f.setDuration("download-timeout", &cfg.DownloadTimeout)
	f.setBool("insecure", &cfg.Insecure)
	f.setString("log-level", &cfg.LogLevel)
	if f.err != nil {
		return cfg, f.err
	}
	return cfg, cfg.Validate()
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ServerConfig, error) {
	RegisterServerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}
	return LoadServerConfig(fs)
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *pflag.FlagSet, args []string) (ClientConfig, error) {
	RegisterClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}
	return LoadClientConfig(fs)
}

// Validate checks the server settings.
func (c ServerConfig) Validate() error {
	if c.Addr == "" && c.QUICAddr == "" {
		return fmt.Errorf("config: at least one of addr and quic_addr is required")
	}
	if c.Root == "" {
		return fmt.Errorf("config: root is required")
	}
	return validateChunkSize(c.ChunkSize)
}

// Validate checks the client settings.
func (c ClientConfig) Validate() error {
	switch c.Transport {
	case TransportWebSocket:
		if c.ServerURL == "" {
			return fmt.Errorf("config: server_url is required for transport %q", c.Transport)
		}
	case TransportQUIC:
		if c.QUICAddr == "" {
			return fmt.Errorf("config: quic_addr is required for transport %q", c.Transport)
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if _, err := protocol.CodecByName(c.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.RequestTimeout <= 0 || c.DownloadTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	return validateChunkSize(c.ChunkSize)
}

func validateChunkSize(n int) error {
	if n <= 0 || n > chunker.MaxChunkSize {
		return fmt.Errorf("config: chunk_size must be in 1..%d, got %d", chunker.MaxChunkSize, n)
	}
	return nil
}

// loadFile applies the YAML file named by --config or TERMXFER_CONFIG.
// Keys missing from the file keep their current values.
func loadFile(fs *pflag.FlagSet, out any) error {
	path := os.Getenv(envPrefix + "CONFIG")
	if f := fs.Lookup("config"); f != nil && f.Changed {
		path = f.Value.String()
	}
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), out); err != nil {
		return fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return nil
}

// envReader applies TERMXFER_* variables and keeps the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(name, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s%s=%q: %w", envPrefix, name, v, err)
	}
}

func (e *envReader) setString(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) setInt(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setBool(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}

// flagReader copies flags the user set explicitly.
type flagReader struct {
	fs  *pflag.FlagSet
	err error
}

func (f *flagReader) changed(name string) bool {
	fl := f.fs.Lookup(name)
	return fl != nil && fl.Changed
}

func (f *flagReader) keep(err error) {
	if f.err == nil {
		f.err = err
	}
}

func (f *flagReader) setString(name string, dst *string) {
	if f.changed(name) {
		v, err := f.fs.GetString(name)
		f.keep(err)
		*dst = v
	}
}

func (f *flagReader) setInt(name string, dst *int) {
	if f.changed(name) {
		v, err := f.fs.GetInt(name)
		f.keep(err)
		*dst = v
	}
}

func (f *flagReader) setBool(name string, dst *bool) {
	if f.changed(name) {
		v, err := f.fs.GetBool(name)
		f.keep(err)
		*dst = v
	}
}

func (f *flagReader) setDuration(name string, dst *time.Duration) {
	if f.changed(name) {
		v, err := f.fs.GetDuration(name)
		f.keep(err)
		*dst = v
	}
}
