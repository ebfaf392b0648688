package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerxfer"
	// DataDirEnv overrides the OS-specific data directory.
	DataDirEnv = "PEERXFER_DATA_DIR"
	// EnvPrefix prefixes every environment override, e.g. PEERXFER_LOG_LEVEL.
	EnvPrefix = "PEERXFER"
	// DefaultListeningPort is the TCP port used in fixed port mode when none is set.
	DefaultListeningPort = 9999
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	DefaultMonitorInterval   = Duration(time.Second)
	DefaultMaxProgressErrors = 3
	DefaultSubscriberBuffer  = 256
	DefaultFileChunkSize     = 256 * 1024
	DefaultMaxChunkRetries   = 3
	DefaultResponseTimeout   = Duration(30 * time.Second)
	DefaultHistoryRetention  = Duration(30 * 24 * time.Hour)
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// envFileName is loaded from the working directory when present.
	envFileName = ".env"
)

var validate = validator.New()

// DeviceConfig contains persistent local-device settings. Every field except
// the device id can be overridden from the environment with the PEERXFER_
// prefix; overrides are applied in memory and never written back.
type DeviceConfig struct {
	DeviceID        string `json:"device_id" ignored:"true" validate:"required"`
	DeviceName      string `json:"device_name" split_words:"true" validate:"required"`
	PortMode        string `json:"port_mode" split_words:"true" validate:"oneof=automatic fixed"`
	ListeningPort   int    `json:"listening_port" envconfig:"LISTEN_PORT" validate:"gte=0,lte=65535"`
	IdentityKeyPath string `json:"identity_key_path" split_words:"true" validate:"required"`

	MonitorInterval   Duration `json:"monitor_interval" split_words:"true" validate:"gt=0"`
	MaxProgressErrors int      `json:"max_progress_errors" split_words:"true" validate:"gte=1"`
	SubscriberBuffer  int      `json:"subscriber_buffer" split_words:"true" validate:"gte=1"`

	FileChunkSize   int      `json:"file_chunk_size" split_words:"true" validate:"gte=1024,lte=4194304"`
	MaxChunkRetries int      `json:"max_chunk_retries" split_words:"true" validate:"gte=1,lte=20"`
	ResponseTimeout Duration `json:"response_timeout" split_words:"true" validate:"gt=0"`

	DownloadDir string        `json:"download_dir" split_words:"true" validate:"required"`
	AutoAccept  bool          `json:"auto_accept" split_words:"true"`
	StaticPeers PeerAddresses `json:"static_peers,omitempty" split_words:"true" validate:"omitempty,dive,hostname_port"`

	// HistoryRetention bounds how long finished transfers stay in the store.
	// A negative value keeps history forever.
	HistoryRetention Duration `json:"history_retention" split_words:"true"`

	LogLevel  string `json:"log_level" split_words:"true" validate:"oneof=trace debug info warn error"`
	LogFormat string `json:"log_format" split_words:"true" validate:"oneof=text json"`
}

// Duration is a time.Duration stored as a Go duration string ("1s", "30m").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return d.UnmarshalText([]byte(text))
	}
	var nanos int64
	if err := json.Unmarshal(raw, &nanos); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	*d = Duration(nanos)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used for env overrides.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// PeerAddresses maps peer device ids to "host:port" addresses.
type PeerAddresses map[string]string

// Decode parses "id=host:port,id2=host:port" from the environment.
func (p *PeerAddresses) Decode(value string) error {
	out := make(PeerAddresses)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, address, ok := strings.Cut(pair, "=")
		id, address = strings.TrimSpace(id), strings.TrimSpace(address)
		if !ok || id == "" || address == "" {
			return fmt.Errorf("invalid static peer %q, want id=host:port", pair)
		}
		out[id] = address
	}
	*p = out
	return nil
}

// IDs returns the configured peer ids in sorted order.
func (p PeerAddresses) IDs() []string {
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERXFER_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, applies environment
// overrides and validates the result. It returns the config, its path and
// the data directory.
func LoadOrCreate() (*DeviceConfig, string, error) {
	if err := godotenv.Load(envFileName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("load %s: %w", envFileName, err)
	}

	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case err == nil:
		if normalizeDefaults(cfg, dataDir) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	case errors.Is(err, fs.ErrNotExist):
		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	default:
		return nil, "", err
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	if err := Validate(cfg); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// ApplyEnv overlays PEERXFER_* environment variables onto cfg. Unset
// variables leave the loaded values untouched.
func ApplyEnv(cfg *DeviceConfig) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("apply environment overrides: %w", err)
	}
	if _, ok := os.LookupEnv(EnvPrefix + "_LISTEN_PORT"); ok && cfg.ListeningPort > 0 {
		cfg.PortMode = PortModeFixed
	}
	cfg.PortMode = normalizePortMode(cfg.PortMode, cfg.ListeningPort)
	return nil
}

// Validate checks field constraints.
func Validate(cfg *DeviceConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		return errors.New("invalid config: fixed port mode requires a listening port")
	}
	return nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "peerxfer device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *Duration, value Duration) {
		if *field == 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.IdentityKeyPath, filepath.Join(dataDir, "keys", "identity.pem"))
	setString(&cfg.DownloadDir, filepath.Join(dataDir, "downloads"))
	setString(&cfg.LogLevel, DefaultLogLevel)
	setString(&cfg.LogFormat, DefaultLogFormat)

	if mode := normalizePortMode(cfg.PortMode, cfg.ListeningPort); cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	setDuration(&cfg.MonitorInterval, DefaultMonitorInterval)
	setInt(&cfg.MaxProgressErrors, DefaultMaxProgressErrors)
	setInt(&cfg.SubscriberBuffer, DefaultSubscriberBuffer)
	setInt(&cfg.FileChunkSize, DefaultFileChunkSize)
	setInt(&cfg.MaxChunkRetries, DefaultMaxChunkRetries)
	setDuration(&cfg.ResponseTimeout, DefaultResponseTimeout)
	setDuration(&cfg.HistoryRetention, DefaultHistoryRetention)

	return updated
}

// normalizePortMode infers the mode from the port when the stored mode is
// missing or unknown.
func normalizePortMode(mode string, port int) string {
	switch mode {
	case PortModeAutomatic, PortModeFixed:
		return mode
	}
	if port > 0 {
		return PortModeFixed
	}
	return PortModeAutomatic
}
