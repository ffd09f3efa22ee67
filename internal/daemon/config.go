package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"vectorguard/internal/artifacts"
	"vectorguard/internal/backup"
	"vectorguard/internal/common"
	"vectorguard/internal/guard"
	"vectorguard/internal/process"
	"vectorguard/internal/recovery"
)

// IgnoreFileName is the gitignore-style exclusion file read from the watch root.
const IgnoreFileName = ".vectorguardignore"

// getConfigDir returns the config directory path.
// Uses VECTORGUARD_CONFIG_DIR env var if set, otherwise defaults to ~/.vectorguard.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("VECTORGUARD_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vectorguard")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SocketPath returns the Unix socket path
func SocketPath() string {
	return filepath.Join(getConfigDir(), "daemon.sock")
}

// PidPath returns the PID file path
func PidPath() string {
	return filepath.Join(getConfigDir(), "daemon.pid")
}

// LogPath returns the log file path.
// Uses VECTORGUARD_DAEMON_LOG env var if set, otherwise defaults to config_dir/daemon.log.
func LogPath() string {
	if envPath := os.Getenv("VECTORGUARD_DAEMON_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "daemon.log")
}

// LockPath returns the daemon lock file path. It allows one daemon per config dir.
func LockPath() string {
	return filepath.Join(getConfigDir(), "daemon.lock")
}

// RootLockPath returns the lock file inside root. Whoever writes backups under
// root holds it, whatever config dir they run from.
func RootLockPath(root string) string {
	return filepath.Join(root, common.RootLockName)
}

// SettingsPath returns the settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir initializes the config directory with default files
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	settingsPath := SettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// InitWatchRoot writes a default ignore file into root unless one exists.
// It reports whether a file was written.
func InitWatchRoot(root string) (bool, error) {
	path := filepath.Join(root, IgnoreFileName)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, artifacts.DefaultIgnore, 0644); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", IgnoreFileName, err)
	}
	return true, nil
}

// CorruptionSettings configure the collapse heuristic.
type CorruptionSettings struct {
	ThresholdBytes int64   `yaml:"threshold_bytes" validate:"gte=0"`
	DropRatio      float64 `yaml:"drop_ratio" validate:"gt=0,lt=1"`
}

// CopySettings configure verified copies.
type CopySettings struct {
	MaxRetries int           `yaml:"max_retries" validate:"gte=1"` // total attempts
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gte=0"`
}

// RecoverySettings configure the recovery workflow.
type RecoverySettings struct {
	MaxAttempts      int           `yaml:"max_attempts" validate:"gte=1"`
	StopTimeout      time.Duration `yaml:"stop_timeout" validate:"gt=0"`
	SettleDelay      time.Duration `yaml:"settle_delay" validate:"gte=0"`
	StartSettle      time.Duration `yaml:"start_settle" validate:"gte=0"`
	StrictSizeVerify bool          `yaml:"strict_size_verify"`
}

// ProcessSettings describe the guarded process.
type ProcessSettings struct {
	Command       string        `yaml:"command"`
	Args          []string      `yaml:"args"`
	Workdir       string        `yaml:"workdir"`
	Env           []string      `yaml:"env" validate:"dive,required"`
	PIDFile       string        `yaml:"pid_file"`
	HealthURL     string        `yaml:"health_url" validate:"omitempty,url"`
	HealthTimeout time.Duration `yaml:"health_timeout" validate:"gte=0"`
}

// Settings represents the guard's settings file
type Settings struct {
	WatchRoot      string             `yaml:"watch_root" validate:"required"`
	FilePattern    string             `yaml:"file_pattern" validate:"required"`
	Excludes       []string           `yaml:"excludes"`
	PollInterval   time.Duration      `yaml:"poll_interval" validate:"gt=0"`
	SweepInterval  time.Duration      `yaml:"sweep_interval" validate:"gtfield=PollInterval"`
	HealthInterval time.Duration      `yaml:"health_interval" validate:"gt=0"`
	LockTimeout    time.Duration      `yaml:"lock_timeout" validate:"gte=0"`
	LogLevel       string             `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn warning none off"`
	MetricsAddr    string             `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	Corruption     CorruptionSettings `yaml:"corruption"`
	Copy           CopySettings       `yaml:"copy"`
	Recovery       RecoverySettings   `yaml:"recovery"`
	Process        ProcessSettings    `yaml:"process"`
}

// DefaultSettings returns the settings shipped in the embedded template.
func DefaultSettings() Settings {
	var s Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &s); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return s
}

// ApplyDefaults fills zero-value fields from the embedded template.
func (s *Settings) ApplyDefaults() {
	d := DefaultSettings()
	setString(&s.WatchRoot, d.WatchRoot)
	setString(&s.FilePattern, d.FilePattern)
	if s.Excludes == nil {
		s.Excludes = d.Excludes
	}
	setDuration(&s.PollInterval, d.PollInterval)
	setDuration(&s.SweepInterval, d.SweepInterval)
	setDuration(&s.HealthInterval, d.HealthInterval)
	setDuration(&s.LockTimeout, d.LockTimeout)
	setString(&s.LogLevel, d.LogLevel)

	if s.Corruption.ThresholdBytes == 0 {
		s.Corruption.ThresholdBytes = d.Corruption.ThresholdBytes
	}
	if s.Corruption.DropRatio == 0 {
		s.Corruption.DropRatio = d.Corruption.DropRatio
	}
	if s.Copy.MaxRetries == 0 {
		s.Copy.MaxRetries = d.Copy.MaxRetries
	}
	setDuration(&s.Copy.RetryDelay, d.Copy.RetryDelay)
	if s.Recovery.MaxAttempts == 0 {
		s.Recovery.MaxAttempts = d.Recovery.MaxAttempts
	}
	setDuration(&s.Recovery.StopTimeout, d.Recovery.StopTimeout)
	setDuration(&s.Recovery.SettleDelay, d.Recovery.SettleDelay)
	setDuration(&s.Recovery.StartSettle, d.Recovery.StartSettle)
	setDuration(&s.Process.HealthTimeout, d.Process.HealthTimeout)
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

var settingsValidator = validator.New()

// Validate checks field constraints and the file pattern syntax.
func (s *Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	if _, err := filepath.Match(s.FilePattern, "probe"); err != nil {
		return fmt.Errorf("invalid settings: file_pattern %q: %w", s.FilePattern, err)
	}
	return nil
}

// ResolvedRoot returns the absolute watch root with a leading ~ expanded.
func (s *Settings) ResolvedRoot() (string, error) {
	root := s.WatchRoot
	if root == "~" || strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		root = filepath.Join(home, strings.TrimPrefix(root, "~"))
	}
	return filepath.Abs(root)
}

// Thresholds returns the detector settings.
func (s *Settings) Thresholds() guard.Thresholds {
	return guard.Thresholds{
		ThresholdBytes: s.Corruption.ThresholdBytes,
		DropRatio:      s.Corruption.DropRatio,
	}
}

// CopyOptions returns the evaluator settings.
func (s *Settings) CopyOptions() backup.Options {
	return backup.Options{MaxRetries: s.Copy.MaxRetries, RetryDelay: s.Copy.RetryDelay}
}

// RecoveryOptions returns the recovery workflow settings.
func (s *Settings) RecoveryOptions() recovery.Options {
	return recovery.Options{
		MaxAttempts:      s.Recovery.MaxAttempts,
		StopTimeout:      s.Recovery.StopTimeout,
		SettleDelay:      s.Recovery.SettleDelay,
		StartSettle:      s.Recovery.StartSettle,
		StrictSizeVerify: s.Recovery.StrictSizeVerify,
	}
}

// ProcessConfig returns the process controller settings.
func (s *Settings) ProcessConfig() process.Config {
	return process.Config{
		Command:       s.Process.Command,
		Args:          s.Process.Args,
		Dir:           s.Process.Workdir,
		Env:           s.Process.Env,
		PIDFile:       s.Process.PIDFile,
		HealthURL:     s.Process.HealthURL,
		HealthTimeout: s.Process.HealthTimeout,
	}
}

// LoadSettings reads settings from path, or SettingsPath() when path is
// empty. A missing file yields the embedded defaults. Defaults are applied
// but the result is not validated.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		path = SettingsPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s := DefaultSettings()
			return &s, nil
		}
		return nil, err
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	s.ApplyDefaults()
	return &s, nil
}

// SaveSettings writes settings to SettingsPath().
func SaveSettings(s *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	header := []byte("# VectorGuard settings\n# See: vectorguard config --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}
