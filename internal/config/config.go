// Package config loads process-wide configuration from a YAML file and
// environment variable overrides (command-line flags are parsed by the
// cmd/ binaries, not here), and watches
// the file for in-place edits so a subset of tunables can be hot-reloaded
// without restarting the serial or TCP listeners.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all process-wide configuration.
type Config struct {
	Serial SerialConfig `mapstructure:"serial"`
	RTU    RTUConfig    `mapstructure:"rtu"`
	Poll   PollConfig   `mapstructure:"poll"`
	Auto   AutoConfig   `mapstructure:"auto"`
	TCP    TCPConfig    `mapstructure:"tcp"`
	Limits LimitsConfig `mapstructure:"limits"`
	Logger LoggerConfig `mapstructure:"logger"`
}

// SerialConfig describes the RS-485/RS-232 line to the field devices.
type SerialConfig struct {
	Port   string `mapstructure:"port"`
	Baud   int    `mapstructure:"baud"`
	Parity string `mapstructure:"parity"`
}

// RTUConfig holds the Modbus slave addresses of the three field devices.
type RTUConfig struct {
	SlaveSensor  byte `mapstructure:"slave_sensor"`
	SlaveDriver  byte `mapstructure:"slave_driver"`
	SlaveCounter byte `mapstructure:"slave_counter"`
}

// PollConfig holds the device and supervisor polling cadences.
type PollConfig struct {
	DeviceMs     int `mapstructure:"device_ms"`
	SupervisorMs int `mapstructure:"supervisor_ms"`
}

// AutoConfig holds the AUTO engine's tick rate and motion parameters.
type AutoConfig struct {
	TickMs        int `mapstructure:"tick_ms"`
	MovePulses    int `mapstructure:"move_pulses"`
	MoveSpeed     int `mapstructure:"move_speed"`
	MotorTimeoutS int `mapstructure:"motor_timeout_s"`
}

// TCPConfig holds the two listener ports.
type TCPConfig struct {
	ModbusPort int `mapstructure:"modbus_port"`
	JSONPort   int `mapstructure:"json_port"`
}

// LimitsConfig holds the command-validation bounds.
type LimitsConfig struct {
	PosAbsMax int32  `mapstructure:"pos_abs_max"`
	SpeedMax  uint32 `mapstructure:"speed_max"`
	TargetMax uint16 `mapstructure:"target_max"`
}

// LoggerConfig contains logging settings.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HotReloadable is the subset a file-watch reload is allowed to change in
// place, without tearing down the serial port or TCP listeners.
type HotReloadable struct {
	PollDeviceMs     int
	PollSupervisorMs int
	AutoTickMs       int
	AutoMotorTimeout int
	LoggerLevel      string
}

// Loader reads configuration from file and environment, and optionally
// watches the file for edits to the hot-reloadable subset.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cfg Config

	onReload func(HotReloadable)
}

// Load reads configuration from configPath (or the default search path if
// empty), applying defaults and EDGEGW_-prefixed environment overrides.
func Load(configPath string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	v.SetEnvPrefix("EDGEGW")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &Loader{v: v, cfg: cfg}, nil
}

// Current returns a snapshot of the current configuration.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// OnReload registers a callback invoked with the hot-reloadable subset
// whenever the watched config file changes and re-parses successfully.
// Only one callback is kept; a later call replaces an earlier one.
func (l *Loader) OnReload(fn func(HotReloadable)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// Watch begins watching the config file for writes, reloading the
// hot-reloadable subset (poll intervals, AUTO tick/timeout, log level) on
// each change. The serial port, RTU slave addresses, and TCP listener
// ports are read once at startup and are not affected by a reload. Watch
// returns immediately if the loader has no backing config file.
func (l *Loader) Watch() error {
	file := l.v.ConfigFileUsed()
	if file == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}

	dir := filepath.Dir(file)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(file) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				l.reload()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return nil
}

func (l *Loader) reload() {
	if err := l.v.ReadInConfig(); err != nil {
		return
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return
	}

	l.mu.Lock()
	// Only the hot-reloadable subset is replaced; a serial port or TCP
	// port edit in the file is picked up on the next process restart.
	l.cfg.Poll = cfg.Poll
	l.cfg.Auto.TickMs = cfg.Auto.TickMs
	l.cfg.Auto.MotorTimeoutS = cfg.Auto.MotorTimeoutS
	l.cfg.Logger.Level = cfg.Logger.Level
	fn := l.onReload
	snapshot := HotReloadable{
		PollDeviceMs:     l.cfg.Poll.DeviceMs,
		PollSupervisorMs: l.cfg.Poll.SupervisorMs,
		AutoTickMs:       l.cfg.Auto.TickMs,
		AutoMotorTimeout: l.cfg.Auto.MotorTimeoutS,
		LoggerLevel:      l.cfg.Logger.Level,
	}
	l.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud", 9600)
	v.SetDefault("serial.parity", "E")

	v.SetDefault("rtu.slave_sensor", 1)
	v.SetDefault("rtu.slave_driver", 2)
	v.SetDefault("rtu.slave_counter", 3)

	v.SetDefault("poll.device_ms", 300)
	v.SetDefault("poll.supervisor_ms", 500)

	v.SetDefault("auto.tick_ms", 200)
	v.SetDefault("auto.move_pulses", 5000)
	v.SetDefault("auto.move_speed", 8000)
	v.SetDefault("auto.motor_timeout_s", 10)

	v.SetDefault("tcp.modbus_port", 502)
	v.SetDefault("tcp.json_port", 5002)

	v.SetDefault("limits.pos_abs_max", 2_000_000_000)
	v.SetDefault("limits.speed_max", 200000)
	v.SetDefault("limits.target_max", 65535)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".edgegw")
}
