package kafka

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Driver string

const (
	DriverNone  Driver = "none"
	DriverKafka Driver = "kafka"
)

type InvalidationConfig struct {
	Enabled bool   `env:"INVALIDATION_ENABLED" envDefault:"false"`
	Driver  Driver `env:"INVALIDATION_DRIVER" envDefault:"none"`

	Brokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"tile-invalidation"`
	GroupID string   `env:"KAFKA_GROUP_ID" envDefault:"tile-invalidator"`

	SessionTimeout   time.Duration `env:"KAFKA_SESSION_TIMEOUT" envDefault:"30s"`
	Heartbeat        time.Duration `env:"KAFKA_HEARTBEAT" envDefault:"3s"`
	RebalanceTimeout time.Duration `env:"KAFKA_REBALANCE_TIMEOUT" envDefault:"30s"`
	InitialOldest    bool          `env:"KAFKA_INITIAL_OLDEST" envDefault:"true"`
}

// Active reports whether the consumer and producer should run.
func (c InvalidationConfig) Active() bool {
	return c.Enabled && c.Driver == DriverKafka && len(c.Brokers) > 0
}

func FromEnv() (InvalidationConfig, error) {
	return env.ParseAs[InvalidationConfig]()
}
