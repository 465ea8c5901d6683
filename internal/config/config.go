// Package config resolves abyssd's runtime configuration from flags,
// persisted database overrides, environment variables, an optional YAML
// file, and built-in defaults, in that priority order (flags highest).
package config

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rootacite/abyss/internal/database"
)

// Version holds the running daemon's version string.
var Version = "0.1.0"

// Config holds all resolved configuration for abyssd.
type Config struct {
	Media ServerConfig `json:"media"`
	DB    DatabaseConfig `json:"database"`
}

// ServerConfig holds the media root and network-facing settings.
type ServerConfig struct {
	MediaRoot    string `json:"media_root"`
	AllowedPorts string `json:"allowed_ports"` // space-separated, e.g. "443 8443"
	AdminSocket  string `json:"admin_socket"`
	HTTPAddr     string `json:"http_addr"`
	TLSDomain    string `json:"tls_domain"` // if set, the HTTP front-end serves automatic HTTPS for this domain
	DebugMode    bool   `json:"debug_mode"`
}

// DatabaseConfig holds the sqlite database location.
type DatabaseConfig struct {
	Path string `json:"path"`
}

var appConfig *Config

// CLIFlags holds command-line overrides, the highest-priority layer.
type CLIFlags struct {
	DBPath       string
	MediaRoot    string
	AllowedPorts string
	AdminSocket  string
	HTTPAddr     string
	TLSDomain    string
	ConfigFile   string
	Debug        bool
}

// ParseFlags parses abyssd's command-line flags.
func ParseFlags() *CLIFlags {
	flags := &CLIFlags{}
	flag.StringVar(&flags.DBPath, "db", "", "sqlite database path")
	flag.StringVar(&flags.MediaRoot, "media-root", "", "root directory served and authorized over")
	flag.StringVar(&flags.AllowedPorts, "allowed-ports", "", "space-separated local ports CONNECT may target")
	flag.StringVar(&flags.AdminSocket, "admin-socket", "", "unix socket path for the admin control plane")
	flag.StringVar(&flags.HTTPAddr, "http-addr", "", "address for the plain HTTP front-end")
	flag.StringVar(&flags.TLSDomain, "tls-domain", "", "if set, serve the HTTP front-end over automatic HTTPS for this domain")
	flag.StringVar(&flags.ConfigFile, "config", "abyss.yaml", "optional YAML file layered under env and flags")
	flag.BoolVar(&flags.Debug, "debug", false, "enable the loopback debug token")
	flag.Parse()
	return flags
}

// Load resolves configuration from defaults, an optional YAML file,
// environment, and flags, in that increasing order of priority. Database
// overrides, if any, are applied afterward via OverlayDB once the store
// is open.
func Load(flags *CLIFlags) (*Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}

	cfg := CreateDefaultConfig()
	if flags.ConfigFile != "" {
		if err := applyFile(cfg, flags.ConfigFile); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	applyCLIFlags(cfg, flags)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = cfg
	return appConfig, nil
}

// CreateDefaultConfig returns the built-in defaults: media root /opt,
// allowed ports 443 only, debug mode off.
func CreateDefaultConfig() *Config {
	return &Config{
		Media: ServerConfig{
			MediaRoot:    "/opt",
			AllowedPorts: "443",
			AdminSocket:  "/tmp/abyss-ctl.sock",
			HTTPAddr:     ":8080",
			DebugMode:    false,
		},
		DB: DatabaseConfig{
			Path: database.ResolvePath(""),
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MEDIA_ROOT"); v != "" {
		cfg.Media.MediaRoot = ExpandPath(v)
	}
	if v := os.Getenv("ALLOWED_PORTS"); v != "" {
		cfg.Media.AllowedPorts = v
	}
	if v := os.Getenv("ADMIN_SOCKET"); v != "" {
		cfg.Media.AdminSocket = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.Media.HTTPAddr = v
	}
	if v := os.Getenv("TLS_DOMAIN"); v != "" {
		cfg.Media.TLSDomain = v
	}
	if v := os.Getenv("DEBUG_MODE"); v != "" {
		cfg.Media.DebugMode = v == "Debug" || v == "1" || strings.EqualFold(v, "true")
	}
	cfg.DB.Path = database.ResolvePath("")
}

func applyCLIFlags(cfg *Config, flags *CLIFlags) {
	if flags.MediaRoot != "" {
		cfg.Media.MediaRoot = ExpandPath(flags.MediaRoot)
	}
	if flags.AllowedPorts != "" {
		cfg.Media.AllowedPorts = flags.AllowedPorts
	}
	if flags.AdminSocket != "" {
		cfg.Media.AdminSocket = flags.AdminSocket
	}
	if flags.HTTPAddr != "" {
		cfg.Media.HTTPAddr = flags.HTTPAddr
	}
	if flags.TLSDomain != "" {
		cfg.Media.TLSDomain = flags.TLSDomain
	}
	if flags.Debug {
		cfg.Media.DebugMode = true
	}
	if flags.DBPath != "" {
		cfg.DB.Path = database.ResolvePath(flags.DBPath)
	}
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return path
}

// Validate reports whether the configuration is self-consistent enough
// to start the daemon.
func (c *Config) Validate() error {
	if c.Media.MediaRoot == "" {
		return errors.New("media root cannot be empty")
	}
	info, err := os.Stat(c.Media.MediaRoot)
	if err != nil {
		return fmt.Errorf("media root %q: %w", c.Media.MediaRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("media root %q is not a directory", c.Media.MediaRoot)
	}
	for _, f := range strings.Fields(c.Media.AllowedPorts) {
		if _, err := strconv.Atoi(f); err != nil {
			return fmt.Errorf("invalid allowed port %q", f)
		}
	}
	if c.DB.Path == "" {
		return errors.New("database path cannot be empty")
	}
	return nil
}

// Get returns the process-wide configuration; Load must be called first.
func Get() *Config {
	if appConfig == nil {
		log.Fatal("config: Load() was not called before Get()")
	}
	return appConfig
}

// SetConfig installs cfg directly, for tests.
func SetConfig(cfg *Config) {
	appConfig = cfg
}
