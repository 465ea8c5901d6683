package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileOverrides is the subset of Config that an abyss.yaml file may set.
// It sits between the built-in defaults and the environment/flag layers:
// present only if the file exists, absent fields leave the prior layer's
// value untouched.
type fileOverrides struct {
	Media struct {
		MediaRoot    string `yaml:"media_root"`
		AllowedPorts string `yaml:"allowed_ports"`
		AdminSocket  string `yaml:"admin_socket"`
		HTTPAddr     string `yaml:"http_addr"`
		TLSDomain    string `yaml:"tls_domain"`
	} `yaml:"media"`
}

// applyFile loads path (if it exists) and overlays any set fields onto cfg.
// A missing file is not an error; a malformed one is.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fo fileOverrides
	if err := yaml.Unmarshal(data, &fo); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if fo.Media.MediaRoot != "" {
		cfg.Media.MediaRoot = ExpandPath(fo.Media.MediaRoot)
	}
	if fo.Media.AllowedPorts != "" {
		cfg.Media.AllowedPorts = fo.Media.AllowedPorts
	}
	if fo.Media.AdminSocket != "" {
		cfg.Media.AdminSocket = fo.Media.AdminSocket
	}
	if fo.Media.HTTPAddr != "" {
		cfg.Media.HTTPAddr = fo.Media.HTTPAddr
	}
	if fo.Media.TLSDomain != "" {
		cfg.Media.TLSDomain = fo.Media.TLSDomain
	}
	return nil
}
