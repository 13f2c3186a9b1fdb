// Package config loads the agent's settings from a TOML file and the process environment.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/termbridge/session"
	"github.com/guseggert/termbridge/session/automaton"
)

// Duration is a time.Duration read from a string like "1h30m".
// A bare integer is read as milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// ParseDuration accepts Go duration syntax or an integer number of milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", s, err)
	}
	return d, nil
}

// PTYMode selects whether sessions try a pseudo-terminal first.
type PTYMode string

const (
	// PTYAuto uses a pty unless the deployment environment is known to restrict them.
	PTYAuto PTYMode = "auto"
	PTYOn   PTYMode = "true"
	PTYOff  PTYMode = "false"
)

func (m *PTYMode) UnmarshalText(b []byte) error {
	switch v := PTYMode(strings.ToLower(strings.TrimSpace(string(b)))); v {
	case "", PTYAuto:
		*m = PTYAuto
	case PTYOn, PTYOff:
		*m = v
	default:
		return fmt.Errorf("unsupported use_pty %q, expected one of [auto,true,false]", string(b))
	}
	return nil
}

type Config struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	// OriginPatterns are the cross-origin hosts allowed to attach.
	OriginPatterns []string `toml:"origin_patterns"`

	SessionsDir string `toml:"sessions_dir"`
	ProjectDir  string `toml:"project_dir"`

	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Env     []string `toml:"env"`
	Cols    uint16   `toml:"cols"`
	Rows    uint16   `toml:"rows"`

	UsePTY    PTYMode  `toml:"use_pty"`
	KillGrace Duration `toml:"kill_grace"`

	PromptMarker string   `toml:"prompt_marker"`
	PromptReply  string   `toml:"prompt_reply"`
	PromptDelay  Duration `toml:"prompt_delay"`

	Greeting      string   `toml:"greeting"`
	GreetingDelay Duration `toml:"greeting_delay"`

	HistoryBytes   int      `toml:"history_bytes"`
	SessionTimeout Duration `toml:"session_timeout"`
	ReapInterval   Duration `toml:"reap_interval"`
}

func Default() Config {
	return Config{
		Host:          "0.0.0.0",
		Port:          3000,
		SessionsDir:   "/tmp/termbridge-sessions",
		Command:       "claude",
		Cols:          80,
		Rows:          24,
		UsePTY:        PTYAuto,
		KillGrace:     Duration(3 * time.Second),
		PromptMarker:  "Choose the text style",
		PromptReply:   "1\n",
		PromptDelay:   Duration(500 * time.Millisecond),
		GreetingDelay: Duration(100 * time.Millisecond),
		HistoryBytes:  64 * 1024,

		SessionTimeout: Duration(time.Hour),
		ReapInterval:   Duration(time.Minute),
	}
}

// Load reads path over the defaults. Keys missing from the file keep their default values.
// Unknown keys are returned so the caller can warn about them.
func Load(path string) (Config, []string, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	var unknown []string
	for _, k := range meta.Undecoded() {
		unknown = append(unknown, k.String())
	}
	return cfg, unknown, nil
}

func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("command is required")
	}
	if c.HistoryBytes < 0 {
		return fmt.Errorf("invalid history_bytes %d", c.HistoryBytes)
	}
	return nil
}

// Environment describes where the agent is running.
type Environment struct {
	Fly    bool
	Docker bool
}

// DetectEnvironment inspects the environment through getenv, usually os.Getenv.
func DetectEnvironment(getenv func(string) string) Environment {
	return Environment{
		Fly:    getenv("FLY_APP_NAME") != "" || getenv("FLY_REGION") != "",
		Docker: getenv("DOCKER_CONTAINER") == "true",
	}
}

// RestrictsPTY reports whether pty allocation is known to be unreliable here.
func (e Environment) RestrictsPTY() bool {
	return e.Fly || e.Docker
}

// DisablePTY resolves the pty mode against the environment.
func (c Config) DisablePTY(env Environment) bool {
	switch c.UsePTY {
	case PTYOn:
		return false
	case PTYOff:
		return true
	default:
		return env.RestrictsPTY()
	}
}

// SessionConfig converts c to the registry's config.
func (c Config) SessionConfig(env Environment) session.Config {
	return session.Config{
		SessionsDir: c.SessionsDir,
		ProjectDir:  c.ProjectDir,
		Command:     c.Command,
		Args:        c.Args,
		Env:         c.Env,
		Cols:        c.Cols,
		Rows:        c.Rows,
		DisablePTY:  c.DisablePTY(env),
		KillGrace:   time.Duration(c.KillGrace),
		Prompt: automaton.Rule{
			Marker: c.PromptMarker,
			Reply:  c.PromptReply,
			Delay:  time.Duration(c.PromptDelay),
		},
		Greeting:      c.Greeting,
		GreetingDelay: time.Duration(c.GreetingDelay),
		HistoryBytes:  c.HistoryBytes,
		IdleTimeout:   time.Duration(c.SessionTimeout),
		ReapInterval:  time.Duration(c.ReapInterval),
	}
}
