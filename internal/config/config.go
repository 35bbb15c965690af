// Package config loads settings for the server, the tally producer and the
// inspector client from viper (flags, environment, config file).
package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/Guizzs26/election_inspection_system/internal/model"
)

// Init points v at the config file and the environment. An explicit file
// that cannot be read is an error; a missing default file is not.
func Init(v *viper.Viper, cfgFile, envPrefix string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/inspection")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			return nil
		}
		if cfgFile != "" {
			return &ConfigurationError{Field: "config", Value: cfgFile, Reason: "cannot read config file: " + err.Error()}
		}
		log.Warn().Err(err).Msg("Error reading config file")
	}
	return nil
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type RedisConfig struct {
	URL      string
	StateKey string
}

type ElectionConfig struct {
	Backend       string // "memory" or "redis"
	InitialState  model.ElectionState
	PollingPlaces int
}

type DeliveryConfig struct {
	Timeout     time.Duration
	QueueSize   int
	MaxFailures int
}

type GatewayConfig struct {
	ListenAddr   string
	PingInterval time.Duration
	WriteTimeout time.Duration
}

type MetricsConfig struct {
	Enabled    bool
	ListenAddr string
	Path       string
}

type ServerConfig struct {
	Gateway     GatewayConfig
	Metrics     MetricsConfig
	Kafka       KafkaConfig
	Redis       RedisConfig
	Election    ElectionConfig
	Delivery    DeliveryConfig
	Logging     LoggingConfig
	DedupWindow int
}

func SetServerDefaults(v *viper.Viper) {
	v.SetDefault("gateway.listen", ":8081")
	v.SetDefault("gateway.ping_interval", 20*time.Second)
	v.SetDefault("gateway.write_timeout", 10*time.Second)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "vote-events")
	v.SetDefault("kafka.group_id", "inspection-service")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.state_key", "election:state")
	v.SetDefault("election.backend", "memory")
	v.SetDefault("election.initial_state", "OPEN")
	v.SetDefault("election.polling_places", 0)
	v.SetDefault("delivery.timeout", 5*time.Second)
	v.SetDefault("delivery.queue_size", 64)
	v.SetDefault("delivery.max_failures", 3)
	v.SetDefault("forwarder.dedup_window", 10000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

func LoadServer(v *viper.Viper) (ServerConfig, error) {
	initial, err := model.ParseElectionState(v.GetString("election.initial_state"))
	if err != nil {
		return ServerConfig{}, &ConfigurationError{Field: "election.initial_state", Value: v.GetString("election.initial_state"), Reason: err.Error()}
	}

	cfg := ServerConfig{
		Gateway: GatewayConfig{
			ListenAddr:   v.GetString("gateway.listen"),
			PingInterval: v.GetDuration("gateway.ping_interval"),
			WriteTimeout: v.GetDuration("gateway.write_timeout"),
		},
		Metrics: MetricsConfig{
			Enabled:    v.GetBool("metrics.enabled"),
			ListenAddr: v.GetString("metrics.listen"),
			Path:       v.GetString("metrics.path"),
		},
		Kafka: KafkaConfig{
			Brokers: v.GetStringSlice("kafka.brokers"),
			Topic:   v.GetString("kafka.topic"),
			GroupID: v.GetString("kafka.group_id"),
		},
		Redis: RedisConfig{
			URL:      v.GetString("redis.url"),
			StateKey: v.GetString("redis.state_key"),
		},
		Election: ElectionConfig{
			Backend:       strings.ToLower(v.GetString("election.backend")),
			InitialState:  initial,
			PollingPlaces: v.GetInt("election.polling_places"),
		},
		Delivery: DeliveryConfig{
			Timeout:     v.GetDuration("delivery.timeout"),
			QueueSize:   v.GetInt("delivery.queue_size"),
			MaxFailures: v.GetInt("delivery.max_failures"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		DedupWindow: v.GetInt("forwarder.dedup_window"),
	}
	return cfg, cfg.Validate()
}

func (c ServerConfig) Validate() error {
	if c.Gateway.ListenAddr == "" {
		return &ConfigurationError{Field: "gateway.listen", Value: c.Gateway.ListenAddr, Reason: "gateway listen address is required"}
	}
	if c.Gateway.PingInterval <= 0 {
		return &ConfigurationError{Field: "gateway.ping_interval", Value: c.Gateway.PingInterval, Reason: "must be positive"}
	}
	if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
		return &ConfigurationError{Field: "kafka", Value: c.Kafka.Brokers, Reason: "kafka brokers and topic are required"}
	}
	switch c.Election.Backend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return &ConfigurationError{Field: "redis.url", Value: c.Redis.URL, Reason: "redis url is required for the redis election backend"}
		}
	default:
		return &ConfigurationError{Field: "election.backend", Value: c.Election.Backend, Reason: "must be memory or redis"}
	}
	if c.Election.PollingPlaces < 0 {
		return &ConfigurationError{Field: "election.polling_places", Value: c.Election.PollingPlaces, Reason: "must not be negative"}
	}
	if c.Delivery.Timeout <= 0 {
		return &ConfigurationError{Field: "delivery.timeout", Value: c.Delivery.Timeout, Reason: "must be positive"}
	}
	if c.Delivery.QueueSize < 1 || c.Delivery.QueueSize > 100000 {
		return &ConfigurationError{Field: "delivery.queue_size", Value: c.Delivery.QueueSize, Reason: "must be between 1 and 100000"}
	}
	if c.Delivery.MaxFailures < 0 {
		return &ConfigurationError{Field: "delivery.max_failures", Value: c.Delivery.MaxFailures, Reason: "must not be negative"}
	}
	return nil
}

type ProducerConfig struct {
	Kafka    KafkaConfig
	Redis    RedisConfig
	Tables   int
	Parties  []string
	Interval time.Duration
	// Every SummaryEvery ballots of a table, a table-wide event is published.
	SummaryEvery int
	Metrics      MetricsConfig
	Logging      LoggingConfig
}

func SetProducerDefaults(v *viper.Viper) {
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "vote-events")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("simulation.tables", 10)
	v.SetDefault("simulation.parties", []string{"Lilac", "Tiger", "Owl", "Jackalope"})
	v.SetDefault("simulation.interval", 500*time.Millisecond)
	v.SetDefault("simulation.summary_every", 10)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9091")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

func LoadProducer(v *viper.Viper) (ProducerConfig, error) {
	cfg := ProducerConfig{
		Kafka: KafkaConfig{
			Brokers: v.GetStringSlice("kafka.brokers"),
			Topic:   v.GetString("kafka.topic"),
		},
		Redis:        RedisConfig{URL: v.GetString("redis.url")},
		Tables:       v.GetInt("simulation.tables"),
		Parties:      v.GetStringSlice("simulation.parties"),
		Interval:     v.GetDuration("simulation.interval"),
		SummaryEvery: v.GetInt("simulation.summary_every"),
		Metrics: MetricsConfig{
			Enabled:    v.GetBool("metrics.enabled"),
			ListenAddr: v.GetString("metrics.listen"),
			Path:       v.GetString("metrics.path"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}

	if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
		return cfg, &ConfigurationError{Field: "kafka", Value: cfg.Kafka.Brokers, Reason: "kafka brokers and topic are required"}
	}
	if cfg.Tables < 1 {
		return cfg, &ConfigurationError{Field: "simulation.tables", Value: cfg.Tables, Reason: "must be positive"}
	}
	if len(cfg.Parties) == 0 {
		return cfg, &ConfigurationError{Field: "simulation.parties", Value: cfg.Parties, Reason: "at least one party is required"}
	}
	if cfg.Interval <= 0 {
		return cfg, &ConfigurationError{Field: "simulation.interval", Value: cfg.Interval, Reason: "must be positive"}
	}
	return cfg, nil
}

const (
	ErrMsgServerAddress = "Server Address must be supplied using --server-address and its format must be xx.xx.xx.xx:yyyy"
	ErrMsgTableID       = "Table ID must be supplied using --id and it must be a number"
	ErrMsgParty         = "Party Name must be supplied using --party"
)

type InspectorConfig struct {
	ServerAddress string
	TableID       int
	Party         string
	DialTimeout   time.Duration
	HistorySize   int
	Logging       LoggingConfig
}

func SetInspectorDefaults(v *viper.Viper) {
	v.SetDefault("dial_timeout", 10*time.Second)
	v.SetDefault("history_size", 100)
	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.format", "console")
}

// LoadInspector reads the three connection parameters. They are validated in
// the order the operator is most likely to get them wrong, and the first
// problem is reported.
func LoadInspector(v *viper.Viper) (InspectorConfig, error) {
	cfg := InspectorConfig{
		ServerAddress: strings.TrimSpace(v.GetString("server_address")),
		DialTimeout:   v.GetDuration("dial_timeout"),
		HistorySize:   v.GetInt("history_size"),
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}

	if err := ValidateServerAddress(cfg.ServerAddress); err != nil {
		return cfg, err
	}

	rawID := strings.TrimSpace(v.GetString("id"))
	id, err := strconv.Atoi(rawID)
	if err != nil {
		return cfg, &ConfigurationError{Field: "id", Value: rawID, Reason: ErrMsgTableID}
	}
	cfg.TableID = id

	cfg.Party = v.GetString("party")
	if cfg.Party == "" {
		return cfg, &ConfigurationError{Field: "party", Value: cfg.Party, Reason: ErrMsgParty}
	}

	if cfg.DialTimeout <= 0 {
		return cfg, &ConfigurationError{Field: "dial_timeout", Value: cfg.DialTimeout, Reason: "dial timeout must be positive"}
	}
	return cfg, nil
}

func ValidateServerAddress(addr string) error {
	bad := &ConfigurationError{Field: "server_address", Value: addr, Reason: ErrMsgServerAddress}

	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return bad
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return bad
	}
	return nil
}
