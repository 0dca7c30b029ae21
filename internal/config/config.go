// Package config loads and validates the bridge's YAML configuration, and
// exposes a mutex-guarded view of it so a running bridge can update an
// inverter's learned serial/datalog once without restarting.
package config

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/spf13/viper"

	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
)

// Inverter is one configured connection target, matching the original's
// per-inverter field set and defaults.
type Inverter struct {
	Enabled                  bool   `mapstructure:"-"`
	EnabledRaw               *bool  `mapstructure:"enabled"`
	Host                     string `mapstructure:"host"`
	Port                     int    `mapstructure:"port"`
	Serial                   string `mapstructure:"serial"`
	Datalog                  string `mapstructure:"datalog"`
	Heartbeats               bool   `mapstructure:"heartbeats"`
	PublishHoldingsOnConnect bool   `mapstructure:"publish_holdings_on_connect"`
	ReadTimeout              int    `mapstructure:"read_timeout"`
	UseTCPNoDelay            bool   `mapstructure:"-"`
	UseTCPNoDelayRaw         *bool  `mapstructure:"use_tcp_nodelay"`
	RegisterBlockSize        uint16 `mapstructure:"register_block_size"`
	DelayMs                  int    `mapstructure:"delay_ms"`
	ReadOnly                 bool   `mapstructure:"read_only"`
	RegisterReadInterval     int    `mapstructure:"register_read_interval"`
}

// HomeAssistant is the MQTT block's nested Home Assistant discovery config.
type HomeAssistant struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
}

// MQTT is the MQTT broker connection and topic configuration.
type MQTT struct {
	Enabled                bool          `mapstructure:"enabled"`
	Host                   string        `mapstructure:"host"`
	Port                   int           `mapstructure:"port"`
	Username               string        `mapstructure:"username"`
	Password               string        `mapstructure:"password"`
	Namespace              string        `mapstructure:"namespace"`
	HomeAssistant          HomeAssistant `mapstructure:"homeassistant"`
	PublishIndividualInput bool          `mapstructure:"publish_individual_input"`
}

// Influx is the InfluxDB sink configuration.
type Influx struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// Database is one entry in the generic SQL sink's `databases` list.
type Database struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// Scheduler is the optional periodic-task configuration block.
type Scheduler struct {
	Enabled      bool   `mapstructure:"enabled"`
	TimesyncCron string `mapstructure:"timesync_cron"`
}

// Config is the full top-level configuration document.
type Config struct {
	Inverters            []Inverter `mapstructure:"inverters"`
	MQTT                 MQTT       `mapstructure:"mqtt"`
	Influx               Influx     `mapstructure:"influx"`
	Databases            []Database `mapstructure:"databases"`
	Scheduler            *Scheduler `mapstructure:"scheduler"`
	LogLevel             string     `mapstructure:"loglevel"`
	ReadOnly             bool       `mapstructure:"read_only"`
	HomeAssistantEnabled bool       `mapstructure:"homeassistant_enabled"`
	StrictDataCheck      bool       `mapstructure:"strict_data_check"`
	DatalogFile          string     `mapstructure:"datalog_file"`
	RegisterFile         string     `mapstructure:"register_file"`
	RegisterReadInterval int        `mapstructure:"register_read_interval"`
	Verbose              bool       `mapstructure:"verbose"`
	HumanTimestamps      bool       `mapstructure:"human_timestamps"`
	ShowUnknown          bool       `mapstructure:"show_unknown"`
	InverterTimeout      int        `mapstructure:"inverter_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.namespace", "lxp")
	v.SetDefault("mqtt.homeassistant.enabled", true)
	v.SetDefault("mqtt.homeassistant.prefix", "homeassistant")
	v.SetDefault("loglevel", "info")
	v.SetDefault("homeassistant_enabled", false)
	v.SetDefault("strict_data_check", false)
	v.SetDefault("register_read_interval", 60)
	v.SetDefault("verbose", false)
	v.SetDefault("human_timestamps", false)
	v.SetDefault("show_unknown", false)
	v.SetDefault("inverter_timeout", 300)
	v.SetDefault("databases", []Database{})
}

// Load reads path as YAML, applies defaults, and validates the result.
// It never panics: every failure comes back as an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	for i := range cfg.Inverters {
		inv := &cfg.Inverters[i]
		inv.Enabled = inv.EnabledRaw == nil || *inv.EnabledRaw
		inv.UseTCPNoDelay = inv.UseTCPNoDelayRaw == nil || *inv.UseTCPNoDelayRaw
		if inv.ReadTimeout == 0 {
			inv.ReadTimeout = 900
		}
		if inv.RegisterBlockSize == 0 {
			inv.RegisterBlockSize = 40
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.MQTT.Enabled {
		if cfg.MQTT.Host == "" {
			return fmt.Errorf("config: mqtt.host must be set when mqtt.enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			return fmt.Errorf("config: mqtt.port %d out of range", cfg.MQTT.Port)
		}
	}

	if cfg.Influx.Enabled {
		if _, err := url.Parse(cfg.Influx.URL); err != nil {
			return fmt.Errorf("config: influx.url %q: %w", cfg.Influx.URL, err)
		}
		if cfg.Influx.Database == "" {
			return fmt.Errorf("config: influx.database must be set when influx.enabled")
		}
	}

	for i, db := range cfg.Databases {
		if !db.Enabled {
			continue
		}
		if _, err := url.Parse(db.URL); err != nil {
			return fmt.Errorf("config: databases[%d].url %q: %w", i, db.URL, err)
		}
	}

	for i, inv := range cfg.Inverters {
		if !inv.Enabled {
			continue
		}
		if inv.Host == "" {
			return fmt.Errorf("config: inverters[%d].host must be set", i)
		}
		if inv.Port < 1 || inv.Port > 65535 {
			return fmt.Errorf("config: inverters[%d].port %d out of range", i, inv.Port)
		}
		if inv.ReadTimeout == 0 {
			return fmt.Errorf("config: inverters[%d].read_timeout must be non-zero", i)
		}
		if inv.Serial != "" {
			if _, err := serial.FromString(inv.Serial); err != nil {
				return fmt.Errorf("config: inverters[%d].serial %q: %w", i, inv.Serial, err)
			}
		}
		if inv.Datalog != "" {
			if _, err := serial.FromString(inv.Datalog); err != nil {
				return fmt.Errorf("config: inverters[%d].datalog %q: %w", i, inv.Datalog, err)
			}
		}
	}

	if cfg.Scheduler != nil && cfg.Scheduler.Enabled && cfg.Scheduler.TimesyncCron == "" {
		return fmt.Errorf("config: scheduler.timesync_cron must be set when scheduler is configured")
	}

	return nil
}

// Store is a mutex-guarded Config whose UpdateSerial/UpdateDatalog mirror
// the original ConfigWrapper's update_inverter_serial/
// update_inverter_datalog. The coordinator's RegisterInverter does not
// call them: a serial/datalog seen on the wire is not written back here.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore wraps cfg for concurrent access.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// Snapshot returns a copy of the current inverter list.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := *s.cfg
	cfg.Inverters = append([]Inverter(nil), s.cfg.Inverters...)
	return cfg
}

// UpdateSerial rewrites the serial of the inverter currently configured
// with oldSerial to newSerial. Returns an error if no such inverter exists.
func (s *Store) UpdateSerial(oldSerial, newSerial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cfg.Inverters {
		if s.cfg.Inverters[i].Serial == oldSerial {
			s.cfg.Inverters[i].Serial = newSerial
			return nil
		}
	}
	return fmt.Errorf("config: no inverter with serial %q", oldSerial)
}

// UpdateDatalog rewrites the datalog of the inverter currently configured
// with oldDatalog to newDatalog. Returns an error if no such inverter
// exists.
func (s *Store) UpdateDatalog(oldDatalog, newDatalog string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cfg.Inverters {
		if s.cfg.Inverters[i].Datalog == oldDatalog {
			s.cfg.Inverters[i].Datalog = newDatalog
			return nil
		}
	}
	return fmt.Errorf("config: no inverter with datalog %q", oldDatalog)
}
