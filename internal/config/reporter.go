package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type ReporterConfig struct {
	Env       string          `yaml:"env" env-default:"prod"`
	UnitID    string          `yaml:"unit_id" env:"UNIT_ID" env-required:"true"`
	Interval  time.Duration   `yaml:"interval" env:"HEARTBEAT_INTERVAL" env-default:"60s"`
	Transport string          `yaml:"transport" env-default:"http"`
	Collector CollectorTarget `yaml:"collector"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Probe     ProbeConfig     `yaml:"probe"`
	DiskPath  string          `yaml:"disk_path" env-default:"/"`
	Log       ReporterLog     `yaml:"log"`
}

type CollectorTarget struct {
	URL     string        `yaml:"url" env:"COLLECTOR_URL" env-default:"http://localhost:8080"`
	Token   string        `yaml:"token" env:"COLLECTOR_TOKEN"`
	Timeout time.Duration `yaml:"timeout" env-default:"10s"`
}

type MQTTConfig struct {
	Broker   string        `yaml:"broker" env:"MQTT_BROKER" env-default:"tcp://localhost:1883"`
	Username string        `yaml:"username" env:"MQTT_USERNAME"`
	Password string        `yaml:"password" env:"MQTT_PASSWORD"`
	Topic    string        `yaml:"topic" env-default:"relaywatch/heartbeat"`
	QoS      byte          `yaml:"qos" env-default:"1"`
	Timeout  time.Duration `yaml:"timeout" env-default:"10s"`
}

// ProbeConfig points at the status endpoint of the relay process running
// next to the reporter. An empty URL disables the probe.
type ProbeConfig struct {
	URL     string        `yaml:"url" env:"RELAY_STATUS_URL"`
	Timeout time.Duration `yaml:"timeout" env-default:"3s"`
}

type ReporterLog struct {
	Level      string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format     string `yaml:"format" env-default:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" env-default:"10"`
	MaxBackups int    `yaml:"max_backups" env-default:"3"`
	MaxAgeDays int    `yaml:"max_age_days" env-default:"7"`
}

func MustLoadReporter(configPath string) *ReporterConfig {
	cfg, err := LoadReporter(configPath)
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

// LoadReporter reads the reporter config file, or the environment alone when
// no file exists, so a relay can be configured with env vars only.
func LoadReporter(configPath string) (*ReporterConfig, error) {
	_ = godotenv.Load()

	configPath = resolvePath(configPath, "config/reporter.yaml")

	var cfg ReporterConfig
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, &LoadError{Kind: "reporter environment", Path: configPath, Err: err}
		}
		return &cfg, nil
	}

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, &LoadError{Kind: "reporter config", Path: configPath, Err: err}
	}

	return &cfg, nil
}
