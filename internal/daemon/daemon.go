package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	logrus "github.com/sirupsen/logrus"

	"vectorguard/internal/backup"
	"vectorguard/internal/common"
	"vectorguard/internal/events"
	"vectorguard/internal/guard"
	"vectorguard/internal/metrics"
	"vectorguard/internal/process"
	"vectorguard/internal/recovery"
	"vectorguard/internal/validate"
	"vectorguard/internal/watcher"
)

func init() {
	// Default logging to discard until explicitly enabled
	logrus.SetOutput(io.Discard)
}

const maxLogSize = 50 * 1024 * 1024

// Daemon owns one guard engine and its housekeeping: lock, pid file, log,
// metrics endpoint and control socket.
type Daemon struct {
	ipcServer  *Server
	metricsSrv *metrics.Server
	logFile    *os.File
	logMu      sync.Mutex
	stopCh     chan struct{}
	stopOnce   sync.Once
	lock       *flock.Flock

	// SettingsFile overrides SettingsPath() when set.
	SettingsFile string
	// Root overrides settings.watch_root when set.
	Root string
	// LogLevel overrides settings.log_level when set: trace, debug, info, warn, none.
	LogLevel string
	// LogToStderr logs to stderr instead of the log file.
	LogToStderr bool

	settings *Settings
	root     string
	engine   *guard.Engine
	metrics  *metrics.Metrics
}

// New creates a new daemon instance
func New() *Daemon {
	return &Daemon{stopCh: make(chan struct{})}
}

// Run starts the guard and blocks until a signal, a stop request or ctx ends it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	settings, err := d.loadSettings()
	if err != nil {
		return err
	}
	d.settings = settings

	root, err := settings.ResolvedRoot()
	if err != nil {
		return fmt.Errorf("failed to resolve watch root: %w", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return fmt.Errorf("watch root %s: %w", root, common.ErrNotFound)
	}
	d.root = root

	d.lock, err = AcquireLock(ctx, LockPath(), settings.LockTimeout)
	if err != nil {
		return err
	}
	defer d.lock.Unlock()

	rootLock, err := AcquireLock(ctx, RootLockPath(root), settings.LockTimeout)
	if err != nil {
		return fmt.Errorf("watch root %s is guarded elsewhere: %w", root, err)
	}
	defer rootLock.Unlock()

	if err := d.setupLogging(settings.LogLevel); err != nil {
		return err
	}
	defer d.closeLog()

	if err := d.writePidFile(); err != nil {
		return err
	}
	defer d.removePidFile()

	log := logrus.WithField("component", "daemon")
	log.WithFields(logrus.Fields{"pid": os.Getpid(), "root": root}).Info("daemon started")

	engine, err := d.buildEngine()
	if err != nil {
		return err
	}
	d.engine = engine

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var engineUp sync.WaitGroup
	engineErr := make(chan error, 1)
	engineUp.Add(1)
	go func() {
		defer engineUp.Done()
		engineErr <- engine.Run(runCtx)
	}()

	if settings.MetricsAddr != "" {
		d.metricsSrv = metrics.NewServer(settings.MetricsAddr, d.metrics, func() bool {
			select {
			case <-engine.Done():
				return false
			default:
				return true
			}
		})
		d.metricsSrv.OnError = func(err error) { log.WithError(err).Error("metrics server failed") }
		if err := d.metricsSrv.Start(); err != nil {
			log.WithError(err).Warn("failed to start metrics server")
			d.metricsSrv = nil
		} else {
			log.WithField("addr", d.metricsSrv.Addr()).Info("metrics server started")
			defer func() {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer stopCancel()
				d.metricsSrv.Stop(stopCtx)
			}()
		}
	}

	d.ipcServer = NewServer(d.handleRequest)
	if err := d.ipcServer.Start(); err != nil {
		cancel()
		engineUp.Wait()
		return err
	}
	defer d.ipcServer.Stop()
	log.WithField("socket", SocketPath()).Info("IPC server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("received signal, shutting down")
	case <-d.stopCh:
		log.Info("stop requested, shutting down")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down")
	case runErr = <-engineErr:
		log.WithError(runErr).Error("guard engine exited")
	}

	cancel()
	engineUp.Wait()

	log.Info("daemon stopped")
	return runErr
}

func (d *Daemon) loadSettings() (*Settings, error) {
	settings, err := LoadSettings(d.SettingsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if d.Root != "" {
		settings.WatchRoot = d.Root
	}
	if d.LogLevel != "" {
		settings.LogLevel = d.LogLevel
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// buildEngine wires every guard component from d.settings.
func (d *Daemon) buildEngine() (*guard.Engine, error) {
	s := d.settings
	base := logrus.StandardLogger()
	d.metrics = metrics.New()

	v := validate.JSON{}
	queue := events.NewQueue()
	filter := BuildFileFilter(d.root, s.FilePattern, s.Excludes)

	ev := backup.NewEvaluator(v, s.CopyOptions(), base.WithField("component", "backup"), d.metrics)
	proc := process.NewController(s.ProcessConfig(), base.WithField("component", "process"))
	rec := recovery.NewMachine(proc, ev, v, s.RecoveryOptions(), base.WithField("component", "recovery"), d.metrics)

	w, err := watcher.New(d.root, queue, filter, base.WithField("component", "watcher"))
	if err != nil {
		return nil, err
	}

	return guard.NewEngine(guard.Config{
		Root:           d.root,
		Filter:         filter,
		PollInterval:   s.PollInterval,
		SweepInterval:  s.SweepInterval,
		HealthInterval: s.HealthInterval,
		Thresholds:     s.Thresholds(),
	}, guard.Deps{
		Queue:     queue,
		Evaluator: ev,
		Recovery:  rec,
		Watcher:   w,
		Health:    proc,
		Log:       base.WithField("component", "engine"),
		Metrics:   d.metrics,
	}), nil
}

// Stop asks a running daemon to shut down.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// handleRequest processes an IPC request
func (d *Daemon) handleRequest(req *Request) *Response {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	switch req.Type {
	case RequestStatus:
		return d.handleStatus(ctx)
	case RequestStop:
		d.Stop()
		return &Response{Success: true, Message: "Daemon stopping"}
	case RequestSweep:
		return d.handleSweep(ctx)
	case RequestReset:
		return d.handleReset(ctx, req)
	case RequestReloadConfig:
		return d.handleReloadConfig()
	default:
		return &Response{Success: false, Error: "unknown request type"}
	}
}

func (d *Daemon) handleStatus(ctx context.Context) *Response {
	st, err := d.engine.Status(ctx)
	if err != nil {
		return &Response{Success: false, Error: err.Error(), PID: os.Getpid()}
	}
	return &Response{Success: true, PID: os.Getpid(), Status: &st}
}

func (d *Daemon) handleSweep(ctx context.Context) *Response {
	sum, err := d.engine.TriggerSweep(ctx)
	if err != nil {
		return &Response{Success: false, Error: err.Error()}
	}
	return &Response{Success: true, Sweep: &sum}
}

func (d *Daemon) handleReset(ctx context.Context, req *Request) *Response {
	path := req.Path
	if !req.All && path == "" {
		return &Response{Success: false, Error: "reset needs a path or all"}
	}
	if req.All {
		path = ""
	}
	n, err := d.engine.ResetAttempts(ctx, path)
	if err != nil {
		return &Response{Success: false, Error: err.Error()}
	}
	return &Response{Success: true, Reset: n, Message: fmt.Sprintf("reset %d counter(s)", n)}
}

func (d *Daemon) handleReloadConfig() *Response {
	settings, err := LoadSettings(d.SettingsFile)
	if err != nil {
		return &Response{Success: false, Error: fmt.Sprintf("failed to load settings: %v", err)}
	}
	level := settings.LogLevel
	if d.LogLevel != "" {
		level = d.LogLevel
	}
	if err := d.setupLogging(level); err != nil {
		return &Response{Success: false, Error: err.Error()}
	}
	logrus.WithField("log_level", level).Info("configuration reloaded")
	return &Response{Success: true, Message: "Configuration reloaded"}
}

// setupLogging points logrus at stderr (foreground) or the log file and sets
// the level. "none" and "off" discard everything.
func (d *Daemon) setupLogging(level string) error {
	d.logMu.Lock()
	defer d.logMu.Unlock()

	level = strings.ToLower(level)
	if level == "" || level == "none" || level == "off" {
		logrus.SetOutput(io.Discard)
		return nil
	}

	if d.LogToStderr {
		logrus.SetOutput(os.Stderr)
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else if d.logFile == nil {
		if err := truncateLogFile(LogPath(), maxLogSize); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
		}
		logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		d.logFile = logFile
		logrus.SetOutput(logFile)
	} else {
		logrus.SetOutput(d.logFile)
	}

	logrus.SetLevel(ParseLogLevel(level))
	return nil
}

func (d *Daemon) closeLog() {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	if d.logFile != nil {
		logrus.SetOutput(io.Discard)
		d.logFile.Close()
		d.logFile = nil
	}
}

// ParseLogLevel maps a settings log level to logrus, defaulting to info.
func ParseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	default:
		return logrus.InfoLevel
	}
}

func (d *Daemon) writePidFile() error {
	data := []byte(strconv.Itoa(os.Getpid()))
	return os.WriteFile(PidPath(), data, 0600)
}

func (d *Daemon) removePidFile() {
	os.Remove(PidPath())
}

// GetPID reads the daemon PID from file
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// truncateLogFile keeps roughly the last half of the log when it exceeds maxSize.
func truncateLogFile(logPath string, maxSize int64) error {
	info, err := os.Stat(logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	if info.Size() <= maxSize {
		return nil
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		return err
	}

	keepSize := len(data) / 2
	startIdx := len(data) - keepSize

	// Find the next newline to avoid cutting a line in the middle
	for i := startIdx; i < len(data); i++ {
		if data[i] == '\n' {
			startIdx = i + 1
			break
		}
	}

	truncatedData := data[startIdx:]
	header := []byte(fmt.Sprintf("--- Log truncated at %s (kept last %d bytes) ---\n",
		time.Now().Format(time.RFC3339), len(truncatedData)))

	return os.WriteFile(logPath, append(header, truncatedData...), 0600)
}
