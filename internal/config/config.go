// Package config содержит логику чтения конфигурации киоска умной тележки.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации киоска.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	BackendAddress  string `env:"BACKEND_ADDRESS"`
	RedisAddress    string `env:"REDIS_ADDRESS"`
	MQTTBroker      string `env:"MQTT_BROKER"`
	HardwareCommand string `env:"HARDWARE_COMMAND"`
	SerialDevice    string `env:"SERIAL_DEVICE"`
	Debug           bool   `env:"DEBUG"`

	CartID        string `env:"CART_ID" envDefault:"smartcart-1"`
	SerialBaud    int    `env:"SERIAL_BAUD" envDefault:"115200"`
	AdminSecret   string `env:"ADMIN_SECRET" envDefault:"smartcart-secret"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	WeighPollInterval time.Duration `env:"WEIGH_POLL_INTERVAL" envDefault:"1s"`
	WeighSettle       time.Duration `env:"WEIGH_SETTLE" envDefault:"2s"`
	WeighDebounce     time.Duration `env:"WEIGH_DEBOUNCE" envDefault:"2s"`
	WeighTimeout      time.Duration `env:"WEIGH_TIMEOUT" envDefault:"60s"`
	WeighIdleIsStill  bool          `env:"WEIGH_IDLE_IS_STILL" envDefault:"true"`

	CardRetryBackoff  time.Duration `env:"CARD_RETRY_BACKOFF" envDefault:"2s"`
	CardMaxRetries    int           `env:"CARD_MAX_RETRIES" envDefault:"0"`
	OrderPollInterval time.Duration `env:"ORDER_POLL_INTERVAL" envDefault:"2s"`
	ReconnectMaxDelay time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
}

const defaultHardwareCommand = "python3 cart_ops.py"

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envBackendAddress := cfg.BackendAddress
	envRedisAddress := cfg.RedisAddress
	envMQTTBroker := cfg.MQTTBroker
	envHardwareCommand := cfg.HardwareCommand
	envSerialDevice := cfg.SerialDevice
	envDebug := cfg.Debug

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.BackendAddress, "b", "", "catalog and order backend address")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for cart snapshots")
	flag.StringVar(&cfg.MQTTBroker, "m", "", "mqtt broker for staff alerts")
	flag.StringVar(&cfg.HardwareCommand, "hw", defaultHardwareCommand, "hardware control process command line")
	flag.StringVar(&cfg.SerialDevice, "serial", "", "serial device instead of hardware process")
	flag.BoolVar(&cfg.Debug, "debug", false, "development logging")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envBackendAddress != "" {
		cfg.BackendAddress = envBackendAddress
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envMQTTBroker != "" {
		cfg.MQTTBroker = envMQTTBroker
	}
	if envHardwareCommand != "" {
		cfg.HardwareCommand = envHardwareCommand
	}
	if envSerialDevice != "" {
		cfg.SerialDevice = envSerialDevice
	}
	if envDebug {
		cfg.Debug = true
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.HardwareCommand == "" && cfg.SerialDevice == "" {
		cfg.HardwareCommand = defaultHardwareCommand
	}

	return cfg, nil
}
