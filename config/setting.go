// Package config holds the process-wide configuration for qtun. It is set
// exactly once at process start (by the CLI, or by Reload in tests) and
// read everywhere else; nothing mutates GlobalCfg after that point.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Log controls the structured logging sink, mirroring the teacher's
// log.level/log.path setting.json fields.
type Log struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// Config is the full set of knobs listed in spec.md §6.
type Config struct {
	Log Log `json:"log"`

	Key              string `json:"key"`
	RemoteAddrs      string `json:"remote_addrs"`
	Listen           string `json:"listen"`
	TransportThreads int    `json:"transport_threads"`
	IP               string `json:"ip"`
	MTU              int    `json:"mtu"`
	ServerMode       bool   `json:"server_mode"`

	// NoDelay disables every connection's write-loop frame-coalescing
	// batch (transport.ClientConn/ServerConn.coalesce), trading a small
	// amount of write-side latency savings for one stream.Write syscall
	// per queued frame instead of per batch.
	NoDelay bool `json:"no_delay"`

	Socks5Port  uint16 `json:"socks5_port"`
	FileSvrPort uint16 `json:"file_svr_port"`
	FileDir     string `json:"file_dir"`
}

// Default returns the configuration described by spec.md §6.
func Default() *Config {
	return &Config{
		Log: Log{
			Level: "info",
			Path:  "qtun.log",
		},
		Key:              "hello-world",
		RemoteAddrs:      "2.2.2.2:8080",
		Listen:           "0.0.0.0:8080",
		TransportThreads: 1,
		IP:               "10.237.0.1/16",
		MTU:              1500,
		ServerMode:       false,
		NoDelay:          false,
		Socks5Port:       2080,
		FileSvrPort:      6061,
		FileDir:          "./static",
	}
}

// GlobalCfg is the effective configuration for this process.
var GlobalCfg = Default()

// Init installs cfg as the global configuration. Call exactly once, before
// any goroutine reads GlobalCfg.
func Init(cfg *Config) {
	GlobalCfg = cfg
}

// Reload overlays the JSON file at path onto a fresh default configuration
// and installs the result as GlobalCfg.
func Reload(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(buf, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	GlobalCfg = cfg
	return nil
}
