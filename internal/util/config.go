package util

import (
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ActorSpec is one actor registered at startup.
type ActorSpec struct {
	Path string `toml:"path"`
	Name string `toml:"name"`
}

// Configuration is built from defaults, then an optional TOML file, then
// command-line flags.
type Configuration struct {
	Version   string `toml:"-"`
	BuildDate string `toml:"-"`
	Commit    string `toml:"-"`

	Workers       int           `toml:"workers"`
	PollInterval  time.Duration `toml:"poll_interval"`
	Tick          time.Duration `toml:"tick"`
	ShutdownGrace time.Duration `toml:"shutdown_grace"`

	// Bootstrap is the first script registered; ScriptRoot resolves
	// relative script paths.
	Bootstrap   string        `toml:"bootstrap"`
	ScriptRoot  string        `toml:"script_root"`
	MaxDispatch time.Duration `toml:"max_dispatch"`

	// ControlAddr enables the HTTP control plane when set.
	ControlAddr string `toml:"control_addr"`

	// LogLevel overrides KERNEL_LOG_LEVEL for every component when set.
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
	// LogActor is the path of the log actor, "log://" for the shared output.
	LogActor string `toml:"log_actor"`

	Actors []ActorSpec `toml:"actors"`
}

func DefaultConfiguration() Configuration {
	return Configuration{
		Workers:       runtime.GOMAXPROCS(0),
		PollInterval:  100 * time.Microsecond,
		Tick:          10 * time.Millisecond,
		ShutdownGrace: 5 * time.Second,
		ScriptRoot:    ".",
		LogActor:      "log://",
	}
}

// LoadFile overlays the TOML file at path onto c. Unknown keys are an error so
// typos do not go unnoticed.
func (c *Configuration) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Wrapf(err, "config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return errors.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Validate rejects settings the kernel would refuse later with a less
// helpful message.
func (c *Configuration) Validate() error {
	switch {
	case c.Workers <= 0:
		return errors.Errorf("config: workers must be positive, got %d", c.Workers)
	case c.PollInterval < 0:
		return errors.Errorf("config: poll_interval must not be negative")
	case c.Tick <= 0:
		return errors.Errorf("config: tick must be positive")
	case c.ShutdownGrace < 0:
		return errors.Errorf("config: shutdown_grace must not be negative")
	case c.MaxDispatch < 0:
		return errors.Errorf("config: max_dispatch must not be negative")
	}
	if c.ScriptRoot != "" {
		if st, err := os.Stat(c.ScriptRoot); err != nil || !st.IsDir() {
			return errors.Errorf("config: script_root %q is not a directory", c.ScriptRoot)
		}
	}
	for i, a := range c.Actors {
		if a.Path == "" {
			return errors.Errorf("config: actors[%d] has no path", i)
		}
	}
	return nil
}
