// Package config loads the hmcentral configuration file.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Central       CentralConfig       `yaml:"central"`
	Interfaces    InterfacesConfig    `yaml:"interfaces"`
	Database      DatabaseConfig      `yaml:"database"`
	Queue         QueueConfig         `yaml:"queue"`
	PacketManager PacketManagerConfig `yaml:"packetmanager"`
	Firmware      FirmwareConfig      `yaml:"firmware"`
	CLI           CLIConfig           `yaml:"cli"`
	HTTP          HTTPConfig          `yaml:"http"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type CentralConfig struct {
	// Address is the BidCoS address of the central, 6 hex digits.
	Address string `yaml:"address"`
	// WiredAddress is the HomeMatic Wired address, 8 hex digits.
	WiredAddress        string        `yaml:"wired_address"`
	InstallModeDuration time.Duration `yaml:"install_mode_duration"`
}

type InterfacesConfig struct {
	UARTGW UARTGWConfig `yaml:"uartgw"`
	RS485  RS485Config  `yaml:"rs485"`
}

// UARTGWConfig configures an HM-MOD-RPI-PCB.
type UARTGWConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ID         string `yaml:"id"`
	SerialPort string `yaml:"serial_port"`
	// ResetPin is the GPIO connected to the module’s reset line.
	ResetPin string `yaml:"reset_pin"`
}

type RS485Config struct {
	Enabled  bool   `yaml:"enabled"`
	ID       string `yaml:"id"`
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

type QueueConfig struct {
	ResendSettle     time.Duration `yaml:"resend_settle"`
	ResendWait       time.Duration `yaml:"resend_wait"`
	ResendWaitBurst  time.Duration `yaml:"resend_wait_burst"`
	ResendJitter     time.Duration `yaml:"resend_jitter"`
	Retries          int           `yaml:"retries"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	LongIdleTimeout  time.Duration `yaml:"long_idle_timeout"`
	ShortIdleTimeout time.Duration `yaml:"short_idle_timeout"`
}

type PacketManagerConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxAge        time.Duration `yaml:"max_age"`
}

type FirmwareConfig struct {
	Dir          string `yaml:"dir"`
	BlockRetries int    `yaml:"block_retries"`
}

type CLIConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            int           `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type InfluxDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     uint          `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for everything the file does
// not set.
func Default() *Config {
	return &Config{
		Central: CentralConfig{
			Address:             "FDB02C",
			WiredAddress:        "00000001",
			InstallModeDuration: 60 * time.Second,
		},
		Interfaces: InterfacesConfig{
			UARTGW: UARTGWConfig{
				Enabled:    true,
				ID:         "rpi",
				SerialPort: "/dev/ttyAMA0",
				ResetPin:   "18",
			},
			RS485: RS485Config{
				ID:       "rs485",
				Port:     "/dev/ttyUSB0",
				BaudRate: 19200,
			},
		},
		Database: DatabaseConfig{
			Path:        "/perm/hmcentral/hmcentral.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Queue: QueueConfig{
			ResendSettle:     200 * time.Millisecond,
			ResendWait:       400 * time.Millisecond,
			ResendWaitBurst:  700 * time.Millisecond,
			Retries:          4,
			CleanupInterval:  time.Second,
			LongIdleTimeout:  20 * time.Second,
			ShortIdleTimeout: 5 * time.Second,
		},
		PacketManager: PacketManagerConfig{
			SweepInterval: 500 * time.Millisecond,
			MaxAge:        30 * time.Second,
		},
		Firmware: FirmwareConfig{
			Dir:          "/perm/hmcentral/firmware",
			BlockRetries: 10,
		},
		CLI: CLIConfig{
			SocketPath: "/run/hmcentral.sock",
		},
		HTTP: HTTPConfig{
			Listen: ":8013",
		},
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "hmcentral",
			TopicPrefix:    "hmcentral",
			QoS:            1,
			ConnectTimeout: 10 * time.Second,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "home",
			Bucket:        "hmcentral",
			BatchSize:     100,
			FlushInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration at path on top of the defaults, applies
// HMCENTRAL_* environment overrides and validates the result. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HMCENTRAL_CENTRAL_ADDRESS"); v != "" {
		cfg.Central.Address = v
	}
	if v := os.Getenv("HMCENTRAL_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("HMCENTRAL_UARTGW_SERIAL_PORT"); v != "" {
		cfg.Interfaces.UARTGW.SerialPort = v
	}
	if v := os.Getenv("HMCENTRAL_RS485_PORT"); v != "" {
		cfg.Interfaces.RS485.Port = v
	}
	if v := os.Getenv("HMCENTRAL_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("HMCENTRAL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("HMCENTRAL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("HMCENTRAL_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("HMCENTRAL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate returns all problems of the configuration at once.
func (c *Config) Validate() error {
	var errs []string

	if _, err := c.CentralAddress(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := c.CentralWiredAddress(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Interfaces.UARTGW.Enabled && c.Interfaces.UARTGW.SerialPort == "" {
		errs = append(errs, "interfaces.uartgw.serial_port is required")
	}
	if c.Interfaces.RS485.Enabled {
		if c.Interfaces.RS485.Port == "" {
			errs = append(errs, "interfaces.rs485.port is required")
		}
		if c.Interfaces.RS485.BaudRate <= 0 {
			errs = append(errs, "interfaces.rs485.baud_rate must be positive")
		}
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Queue.Retries < 2 {
		errs = append(errs, "queue.retries must be at least 2")
	}
	if c.Firmware.BlockRetries < 1 {
		errs = append(errs, "firmware.block_retries must be at least 1")
	}
	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format must be text or json, not %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CentralAddress returns the BidCoS address of the central.
func (c *Config) CentralAddress() ([3]byte, error) {
	var addr [3]byte
	b, err := hex.DecodeString(c.Central.Address)
	if err != nil || len(b) != 3 {
		return addr, fmt.Errorf("central.address must be 6 hex digits, not %q", c.Central.Address)
	}
	copy(addr[:], b)
	return addr, nil
}

// CentralWiredAddress returns the HomeMatic Wired address of the central.
func (c *Config) CentralWiredAddress() (int32, error) {
	v, err := strconv.ParseUint(c.Central.WiredAddress, 16, 32)
	if err != nil || len(c.Central.WiredAddress) != 8 {
		return 0, fmt.Errorf("central.wired_address must be 8 hex digits, not %q", c.Central.WiredAddress)
	}
	return int32(uint32(v)), nil
}
