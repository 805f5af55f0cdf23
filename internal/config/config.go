// Package config loads the WAGI server configuration from TOML and watches
// the module-map file for changes, rebuilding and atomically swapping the
// routing table on each edit.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/wasiogate/wagi/internal/routing"
)

// WagiConfiguration is the top-level server configuration: listen address,
// default hostname, TLS material, asset cache/log directories, and
// environment variable overrides threaded into every module's CGI
// environment.
type WagiConfiguration struct {
	ListenAddress string            `toml:"listen_address"`
	DefaultHost   string            `toml:"default_host"`
	UseTLS        bool              `toml:"use_tls"`
	TLSCertFile   string            `toml:"tls_cert_file"`
	TLSKeyFile    string            `toml:"tls_key_file"`
	CacheDir      string            `toml:"cache_dir"`
	LogDir        string            `toml:"log_dir"`
	BundleServer  string            `toml:"bindle_server"`
	EnvVars       map[string]string `toml:"env_vars"`
}

// ModuleMapFile is the on-disk shape of a module-map configuration file:
// a flat TOML list of module entries under the "module" key.
type ModuleMapFile struct {
	Module []ModuleMapFileEntry `toml:"module"`
}

// ModuleMapFileEntry is one row of a module-map file (§6 EXTERNAL
// INTERFACES).
type ModuleMapFileEntry struct {
	Route              string            `toml:"route"`
	Module             string            `toml:"module"`
	Entrypoint         string            `toml:"entrypoint"`
	BundleServer       string            `toml:"bindle_server"`
	Volumes            map[string]string `toml:"volumes"`
	AllowedHosts       []string          `toml:"allowed_hosts"`
	HTTPMaxConcurrency *uint32           `toml:"http_max_concurrency"`
}

// LoadWagiConfiguration parses the server configuration from path.
func LoadWagiConfiguration(path string) (WagiConfiguration, error) {
	var cfg WagiConfiguration
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":3000"
	}
	return cfg, nil
}

// LoadModuleMap parses a module-map file from path and converts it to
// routing entries.
func LoadModuleMap(path string) ([]routing.Entry, error) {
	var file ModuleMapFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("config: parsing module map %s: %w", path, err)
	}

	entries := make([]routing.ModuleMapEntry, 0, len(file.Module))
	for i, m := range file.Module {
		if m.Route == "" {
			return nil, fmt.Errorf("config: module map %s entry %d: route is required", path, i)
		}
		if m.Module == "" {
			return nil, fmt.Errorf("config: module map %s entry %d: module is required", path, i)
		}
		entries = append(entries, routing.ModuleMapEntry{
			Route:              m.Route,
			Module:             m.Module,
			Entrypoint:         m.Entrypoint,
			Volumes:            m.Volumes,
			AllowedHosts:       m.AllowedHosts,
			HTTPMaxConcurrency: m.HTTPMaxConcurrency,
		})
	}
	return routing.BuildFromModuleMap(entries), nil
}
