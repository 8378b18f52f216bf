package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"hoymiles-bridge/internal/bridge"
)

type Config struct {
	TCP      TCPConfig             `mapstructure:"tcp"`
	RTU      RTUConfig             `mapstructure:"rtu"`
	Device   DeviceConfig          `mapstructure:"device"`
	Sources  []bridge.SourceConfig `mapstructure:"sources"`
	MQTT     MQTTConfig            `mapstructure:"mqtt"`
	API      APIConfig             `mapstructure:"api"`
	Database DatabaseConfig        `mapstructure:"database"`
}

type TCPConfig struct {
	Port int `mapstructure:"port"`
}

type RTUConfig struct {
	Device       string        `mapstructure:"device"`
	BaudRate     int           `mapstructure:"baud_rate"`
	DTUAddress   uint8         `mapstructure:"dtu_address"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// DeviceConfig is the identity of the synthetic SunSpec inverter.
type DeviceConfig struct {
	UnitID        uint8  `mapstructure:"unit_id"`
	Phases        uint8  `mapstructure:"phases"`
	RatedVoltageV uint16 `mapstructure:"rated_voltage_v"`
	Manufacturer  string `mapstructure:"manufacturer"`
	ModelName     string `mapstructure:"model_name"`
	SerialNumber  string `mapstructure:"serial_number"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type APIConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Load(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/hoymiles-bridge")
	}

	// Set defaults
	viper.SetDefault("tcp.port", 502)
	viper.SetDefault("rtu.device", "/dev/ttyUSB0")
	viper.SetDefault("rtu.baud_rate", 9600)
	viper.SetDefault("rtu.dtu_address", 126)
	viper.SetDefault("rtu.poll_interval", "5s")
	viper.SetDefault("rtu.timeout", "3s")
	viper.SetDefault("device.unit_id", 126)
	viper.SetDefault("device.phases", 1)
	viper.SetDefault("device.rated_voltage_v", 230)
	viper.SetDefault("device.manufacturer", "Hoymiles")
	viper.SetDefault("device.model_name", "Hoymiles Aggregate")
	viper.SetDefault("device.serial_number", "HM-BRIDGE-001")
	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic_prefix", "hoymiles-bridge")
	viper.SetDefault("mqtt.client_id", "hoymiles-bridge")
	viper.SetDefault("api.port", 8045)
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("database.enabled", false)
	viper.SetDefault("database.path", "./hoymiles-bridge.db")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Device.Phases != 1 && c.Device.Phases != 3 {
		return fmt.Errorf("device.phases must be 1 or 3, got %d", c.Device.Phases)
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	if len(c.Sources) > bridge.MaxSources {
		return fmt.Errorf("at most %d sources are supported, got %d", bridge.MaxSources, len(c.Sources))
	}
	for i, s := range c.Sources {
		if s.Phases != 0 && s.Phases != 1 && s.Phases != 3 {
			return fmt.Errorf("source %d: phases must be 1 or 3", i)
		}
		if s.Phases == 1 && s.ConnectedPhase != 0 && (s.ConnectedPhase < 1 || s.ConnectedPhase > 3) {
			return fmt.Errorf("source %d: connected_phase must be 1-3", i)
		}
	}
	for _, s := range []*string{&c.Device.Manufacturer, &c.Device.ModelName, &c.Device.SerialNumber} {
		if len(*s) > 31 {
			*s = (*s)[:31]
		}
	}
	return nil
}
