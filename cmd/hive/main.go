package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hive/internal/hive"
	"hive/internal/kernel"
	"hive/internal/logger"
	"hive/internal/privileged"
	"hive/internal/svc"
	logsvc "hive/internal/svc/log"
	"hive/internal/svc/mysql"
	"hive/internal/svc/postgres"
	"hive/internal/svc/script"
	"hive/internal/svc/sqlite"
	"hive/internal/util"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/pkg/errors"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	BuildDate = "unknown"
	Commit    = "unknown"
	help      bool
	version   bool
	// config file; flags below override it
	configPath string
	workers    int
	tick       string
	rootPath   string
	bootstrap  string
	control    string
	// logging
	logLevel string
	logFile  string
)

var log = logger.NewLogger("main", kernel.SystemLogLevel())

func init() {
	flag.BoolVar(&help, "help", false, "Display help information and exit")
	flag.BoolVar(&help, "h", false, "Display help information and exit")
	flag.BoolVar(&version, "version", false, "Display version information and exit")
	flag.BoolVar(&version, "v", false, "Display version information and exit")
	flag.StringVar(&configPath, "config", "", "TOML configuration file")
	flag.IntVar(&workers, "workers", 0, "Number of worker goroutines (default GOMAXPROCS)")
	flag.StringVar(&tick, "tick", "", "Timer tick length, e.g. 10ms")
	flag.StringVar(&rootPath, "root", "", "Directory relative script paths are resolved against")
	flag.StringVar(&bootstrap, "bootstrap", "", "Script registered after the log actor and the configured actors")
	flag.StringVar(&control, "control", "", "Address for the HTTP control plane, e.g. 127.0.0.1:7070")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, none")
	flag.StringVar(&logFile, "log-file", "", "Log file path (if not set, logs to stderr)")
}

func main() {
	flag.Parse()

	if version {
		printVersion()
		return
	}
	if help {
		printHelp()
		return
	}

	config, err := loadConfiguration()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logWriter := configureLogWriter(config.LogFile)
	logger.Configure(logWriter)
	if config.LogLevel != "" {
		logger.SetAllLevels(logger.ParseLevel(config.LogLevel))
	}

	if err := run(config, logWriter); err != nil {
		log.Errorf("%v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfiguration() (util.Configuration, error) {
	config := util.DefaultConfiguration()
	config.Version = Version
	config.BuildDate = BuildDate
	config.Commit = Commit

	if configPath != "" {
		if err := config.LoadFile(configPath); err != nil {
			return config, err
		}
	}
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workers":
			config.Workers = workers
		case "tick":
			d, err := time.ParseDuration(tick)
			if err != nil {
				flagErr = errors.Wrap(err, "-tick")
			}
			config.Tick = d
		case "root":
			config.ScriptRoot = rootPath
		case "bootstrap":
			config.Bootstrap = bootstrap
		case "control":
			config.ControlAddr = control
		case "log-level":
			config.LogLevel = logLevel
		case "log-file":
			config.LogFile = logFile
		}
	})
	if flagErr != nil {
		return config, flagErr
	}
	if config.Bootstrap == "" && flag.NArg() > 0 {
		config.Bootstrap = flag.Arg(0)
	}
	return config, config.Validate()
}

func run(config util.Configuration, logWriter *os.File) error {
	h, err := hive.New(hive.Config{
		Workers:       config.Workers,
		PollInterval:  config.PollInterval,
		Tick:          config.Tick,
		ShutdownGrace: config.ShutdownGrace,
	})
	if err != nil {
		return err
	}
	h.RegisterFactory(script.Ext, script.Factory(script.Options{Root: config.ScriptRoot, MaxDispatch: config.MaxDispatch}))
	h.RegisterFactory(sqlite.Scheme, sqlite.Factory)
	h.RegisterFactory(mysql.Scheme, mysql.Factory)
	h.RegisterFactory(postgres.Scheme, postgres.Factory)
	actorLevel := logger.INFO
	if config.LogLevel != "" {
		actorLevel = logger.ParseLevel(config.LogLevel)
	}
	h.RegisterFactory(logsvc.Scheme, logsvc.Factory(actorLevel))
	log.Infof("actor kinds: %v", h.Kinds())
	if err := startActors(h, config); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return h.Run(gctx)
	})
	if config.ControlAddr != "" {
		cp := privileged.New(h.Kernel())
		g.Go(func() error { return cp.Serve(gctx, config.ControlAddr) })
	}
	if config.LogFile != "" {
		g.Go(func() error {
			reopenOnHangup(gctx, config.LogFile, logWriter)
			return nil
		})
	}
	return g.Wait()
}

// startActors registers the log actor, then the configured actors, then the
// bootstrap script, so the script can reach all of them by name.
func startActors(h *hive.Hive, config util.Configuration) error {
	if config.LogActor != "" {
		if _, err := h.Register(config.LogActor, svc.LogService); err != nil {
			return errors.Wrap(err, "log actor")
		}
	}
	for _, a := range config.Actors {
		if _, err := h.Register(a.Path, a.Name); err != nil {
			return err
		}
	}
	if config.Bootstrap != "" {
		if _, err := h.Register(config.Bootstrap, svc.BootstrapService); err != nil {
			return err
		}
	}
	return nil
}

// reopenOnHangup points the shared log output at a fresh handle for path on
// every SIGHUP, so rotated files are released.
func reopenOnHangup(ctx context.Context, path string, current *os.File) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			f := configureLogWriter(path)
			logger.Configure(f)
			if current != os.Stderr {
				_ = current.Close()
			}
			current = f
			log.Infof("reopened log file %s", path)
		}
	}
}

func configureLogWriter(logFile string) *os.File {
	if logFile == "" {
		return os.Stderr
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory for '%s': %v; falling back to stderr\n", logFile, err)
		return os.Stderr
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file '%s': %v; falling back to stderr\n", logFile, err)
		return os.Stderr
	}
	return f
}

func printVersion() {
	fmt.Printf("hive version 'v%s' %s %s\n", Version, BuildDate, Commit)
}

func printHelp() {
	fmt.Printf(`Usage: hive [options] [bootstrap.js]

Options:
  -config <path>     TOML configuration file. Flags override its values.
  -workers <n>       Number of worker goroutines. Default is GOMAXPROCS.
  -tick <duration>   Timer tick length. Default is 10ms.
  -root <path>       Directory relative script paths are resolved against. Default is '.'
  -bootstrap <path>  Script registered last, under the name 'bootstrap', once the
                     log actor and the configured actors exist.
  -control <addr>    Serve the HTTP control plane on addr.
  -help              Display this help information and exit.
  -version           Display version information and exit.
  -log-level <level> Set the log level: debug, info, warn, error, none. Default is KERNEL_LOG_LEVEL or 'error'.
  -log-file <path>   Specify a log file to write logs. Default is stderr.

Examples:
  hive main.js                         Run main.js with the default settings
  hive -config hive.toml               Start the actors listed in hive.toml
  hive -control 127.0.0.1:7070 main.js Run main.js and accept messages over HTTP

Version Information:
  Version:    %s
  Build Date: %s
  Commit:     %s
`, Version, BuildDate, Commit)
}
