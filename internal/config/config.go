// Package config loads process settings from the environment and endpoints from a TOML file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/sessionbridge/internal/files"
	"github.com/guseggert/sessionbridge/rpc"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "SESSIONBRIDGE"

// Settings are read from SESSIONBRIDGE_* environment variables. Command line flags override them.
type Settings struct {
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr        string        `envconfig:"LISTEN_ADDR" default:"0.0.0.0:8080"`
	AgentURL          string        `envconfig:"AGENT_URL" default:"http://127.0.0.1:8080"`
	CallTimeout       time.Duration `envconfig:"CALL_TIMEOUT" default:"30s"`
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"1m"`
	ReconnectAttempts uint64        `envconfig:"RECONNECT_ATTEMPTS" default:"5"`
	ConfigFile        string        `envconfig:"CONFIG_FILE" default:"sessionbridge.toml"`
}

func LoadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return Settings{}, fmt.Errorf("reading %s_* settings: %w", envPrefix, err)
	}
	return s, nil
}

// Endpoint is a named terminal server.
type Endpoint struct {
	Label string `toml:"label"`
	URL   string `toml:"url"`
}

type TerminalDefaults struct {
	Command []string          `toml:"command"`
	Env     map[string]string `toml:"env"`
}

type File struct {
	Endpoints []Endpoint       `toml:"endpoints"`
	Accounts  []rpc.Account    `toml:"accounts"`
	Terminal  TerminalDefaults `toml:"terminal"`
}

func ReadFile(path string) (*File, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}
	for i, e := range f.Endpoints {
		if e.URL == "" {
			return nil, fmt.Errorf("endpoint %d (%q) in %s has no url", i, e.Label, path)
		}
	}
	return &f, nil
}

// Locate finds name in dir or one of its parents and reads it. A missing file yields an empty File.
func Locate(name, dir string) (*File, string, error) {
	path, err := files.FindUp(name, dir)
	if errors.Is(err, files.ErrNotFound) {
		return &File{}, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	f, err := ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

// Endpoint returns the endpoint with the given label.
func (f *File) Endpoint(label string) (Endpoint, bool) {
	for _, e := range f.Endpoints {
		if e.Label == label {
			return e, true
		}
	}
	return Endpoint{}, false
}
