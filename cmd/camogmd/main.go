// SPDX-License-Identifier: MIT

// Command camogmd is the recording daemon: it drains JPEG frames from up
// to four sensor capture rings into files, a raw block-device ring, an
// OGM stream, or a MOV container, and exposes a line-oriented command
// pipe and a status HTTP surface while it runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/elphel/camogm-go/internal/capture"
	"github.com/elphel/camogm-go/internal/config"
	"github.com/elphel/camogm-go/internal/daemon"
	"github.com/elphel/camogm-go/internal/drain"
	"github.com/elphel/camogm-go/internal/health"
	"github.com/elphel/camogm-go/internal/lock"
	"github.com/elphel/camogm-go/internal/logging"
	"github.com/elphel/camogm-go/internal/menu"
	"github.com/elphel/camogm-go/internal/readersvc"
	"github.com/elphel/camogm-go/internal/supervisor"
)

// Exit codes. Negative values map one-to-one to the initialization site
// that failed, matching the C daemon's convention of surfacing init
// failures through the process return code.
const (
	exitOK               = 0
	exitBadConfig        = -1
	exitLockFailed       = -2
	exitCapturePortsOpen = -3
	exitPipeOpen         = -4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 && args[0] == "menu" {
		return runMenu()
	}

	flags := pflag.NewFlagSet("camogmd", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "/etc/camogm/config.yaml", "path to the daemon configuration file")
	logLevel := flags.String("log-level", "info", "log level: debug|info|warn|error")
	logJSON := flags.Bool("log-json", false, "emit structured JSON logs instead of text")
	lockPath := flags.String("lock-file", "/var/run/camogmd.lock", "single-instance lock file path")
	printVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitBadConfig
	}
	if *printVersion {
		fmt.Println("camogmd", version)
		return exitOK
	}

	logger := logging.New(logging.Options{Level: *logLevel, JSON: *logJSON})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "err", err)
		return exitBadConfig
	}

	fileLock, err := lock.NewFileLock(*lockPath)
	if err != nil {
		logger.Error("failed to initialise lock file", "err", err)
		return exitLockFailed
	}
	if err := fileLock.Acquire(cfg.Session.FlockTimeout); err != nil {
		logger.Error("another camogmd instance holds the lock", "err", err, "lock_file", *lockPath)
		return exitLockFailed
	}
	defer fileLock.Release()

	ports, err := openPorts(cfg)
	if err != nil {
		logger.Error("failed to open capture ports", "err", err)
		return exitCapturePortsOpen
	}

	machine := drain.New(ports, nil)
	d := daemon.New(machine, cfg.Session, cfg.Ports, logger)

	sup := supervisor.New(supervisor.Config{Logger: slogWriter{logger}})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := sup.Add(newCmdPipeService(cfg.CmdPipe, d, logger)); err != nil {
		logger.Error("failed to register command pipe service", "err", err)
		return exitPipeOpen
	}

	if cfg.Health.Enabled {
		if err := sup.Add(newHealthService(cfg.Health, d)); err != nil {
			logger.Error("failed to register health service", "err", err)
		}
	}

	if cfg.Reader.Enabled {
		rawPort := firstRawPort(cfg)
		if rawPort != nil {
			svc := readersvc.NewService(rawPort.RingDevice, rawPort.LBAStart, rawPort.LBAEnd, cfg.Reader.ListenAddr, logger)
			d.SetReaderCancel(context.CancelFunc(svc.RequestStop))
			if err := sup.Add(svc); err != nil {
				logger.Error("failed to register reader service", "err", err)
			}
		} else {
			logger.Warn("reader enabled but no port has raw-device geometry configured; skipping")
		}
	}

	go func() {
		<-d.Done()
		stop()
	}()

	logger.Info("camogmd starting", "config", *configPath)
	if err := sup.Run(ctx); err != nil {
		logger.Error("supervisor exited with error", "err", err)
		return exitOK
	}
	logger.Info("camogmd stopped")
	return exitOK
}

// runMenu drives the interactive operator TUI (`camogmd menu`) in lieu of
// starting the daemon. It talks to an already-running camogmd purely
// through camogm-ctl and the command pipe, same as any other client.
func runMenu() int {
	if err := menu.CreateMainMenu().Display(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadConfig
	}
	return exitOK
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

// openPorts constructs the drain.Port array from configuration, using the
// registered capture.RingFactory. A port whose config is disabled is left
// nil and excluded from the active-port mask the daemon builds at Start.
func openPorts(cfg *config.Config) ([4]*drain.Port, error) {
	var ports [4]*drain.Port
	for i, pc := range cfg.Ports {
		if !pc.Enabled {
			continue
		}
		ring, hdr, exif, err := capture.Open(pc.RingDevice, pc.HeaderDevice, pc.ExifDevice)
		if err != nil {
			return ports, fmt.Errorf("port %d: %w", i, err)
		}
		ports[i] = &drain.Port{
			Ring:     ring,
			Header:   hdr,
			Exif:     exif,
			CircSize: ring.Size(),
		}
	}
	return ports, nil
}

// firstRawPort returns the first port config carrying raw-device ring
// geometry, which the reader service needs independently of whether that
// port is actively being drained to the same device right now.
func firstRawPort(cfg *config.Config) *config.PortConfig {
	for i := range cfg.Ports {
		if cfg.Ports[i].LBAEnd > cfg.Ports[i].LBAStart {
			return &cfg.Ports[i]
		}
	}
	return nil
}

// cmdPipeService adapts Daemon.Run (driven by a reopened named FIFO) to
// supervisor.Service: each command-pipe open/close cycle mirrors the
// C daemon's behaviour of reopening the pipe after every writer closes
// it, so a short-lived `camogm-ctl` invocation can send one command and
// exit without the daemon seeing EOF as a shutdown signal.
type cmdPipeService struct {
	path   string
	daemon *daemon.Daemon
	logger *slog.Logger
}

func newCmdPipeService(cfg config.CmdPipeConfig, d *daemon.Daemon, logger *slog.Logger) supervisor.Service {
	return &cmdPipeService{path: cfg.PipePath, daemon: d, logger: logger}
}

func (s *cmdPipeService) Name() string { return "cmdpipe" }

func (s *cmdPipeService) Run(ctx context.Context) error {
	if err := unix.Mkfifo(s.path, 0o600); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("cmdpipe: mkfifo %s: %w", s.path, err)
	}
	s.logger.Info("command pipe ready", "path", s.path)
	return s.daemon.Run(ctx, func() (io.ReadCloser, error) {
		return os.OpenFile(s.path, os.O_RDONLY, 0)
	})
}

// healthService adapts health.ListenAndServe to supervisor.Service.
type healthService struct {
	addr string
	d    *daemon.Daemon
}

func newHealthService(cfg config.HealthConfig, d *daemon.Daemon) supervisor.Service {
	return &healthService{addr: cfg.Addr, d: d}
}

func (s *healthService) Name() string { return "health" }

func (s *healthService) Run(ctx context.Context) error {
	return health.ListenAndServe(ctx, s.addr, health.NewHandler(s.d.Snapshot()))
}

const version = "0.1.0"

type slogWriter struct {
	logger interface {
		Error(msg string, args ...any)
	}
}

func (w slogWriter) Write(p []byte) (int, error) {
	w.logger.Error(string(p))
	return len(p), nil
}
