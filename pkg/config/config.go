package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

// RedisConfig backs the coordination manager's best-effort snapshot store
// , not a general-purpose cache.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	Enabled  bool   `mapstructure:"enabled"`
}

// KafkaConfig carries the out-of-process bridge half of the message
// router: register/heartbeat/execute/shutdown traffic to workers
// running outside the coordinator process.
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	Topic         string   `mapstructure:"topic"`
	Enabled       bool     `mapstructure:"enabled"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddCaller  bool   `mapstructure:"add_caller"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

// DiscoveryConfig selects the worker registry's external-registration
// backend: in-memory by default, etcd-backed for a multi-process
// deployment (discovery only, not consensus — see Non-goals).
type DiscoveryConfig struct {
	Backend       string   `mapstructure:"backend"` // "memory" or "etcd"
	EtcdEndpoints []string `mapstructure:"etcd_endpoints"`
}

// WorkStealingConfig is the nested `work_stealing.*` block.
type WorkStealingConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	StealThreshold int  `mapstructure:"steal_threshold"`
	MaxStealBatch  int  `mapstructure:"max_steal_batch"`
	Interval       int  `mapstructure:"interval"` // seconds
}

// CircuitBreakerConfig is the nested `circuit_breaker.*` block.
type CircuitBreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	SuccessThreshold int `mapstructure:"success_threshold"`
	Timeout          int `mapstructure:"timeout"` // seconds
	HalfOpenLimit    int `mapstructure:"half_open_limit"`
}

// CoordinationConfig carries the coordination core's tunables:
// scheduling, retry/backoff, resource and message timeouts, work
// stealing, circuit breaking, and metrics retention.
type CoordinationConfig struct {
	MaxRetries                int                  `mapstructure:"max_retries"`
	RetryDelay                int                  `mapstructure:"retry_delay"` // seconds
	ResourceTimeout           int                  `mapstructure:"resource_timeout"`
	MessageTimeout            int                  `mapstructure:"message_timeout"`
	DeadlockDetection         bool                 `mapstructure:"deadlock_detection"`
	MaxConcurrentTasks        int                  `mapstructure:"max_concurrent_tasks"`
	DefaultTaskTimeout        int                  `mapstructure:"default_task_timeout"`
	KillTimeout               int                  `mapstructure:"kill_timeout"`
	RetryBackoffBase          int                  `mapstructure:"retry_backoff_base"` // milliseconds
	RetryBackoffMax           int                  `mapstructure:"retry_backoff_max"`  // milliseconds
	WorkStealing              WorkStealingConfig   `mapstructure:"work_stealing"`
	CircuitBreaker            CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	LoadSamplingInterval      int                  `mapstructure:"load_sampling_interval"` // seconds
	HeartbeatInterval         int                  `mapstructure:"heartbeat_interval"`     // seconds
	RebalanceInterval         int                  `mapstructure:"rebalance_interval"`     // seconds
	MetricsRetention          int                  `mapstructure:"metrics_retention"`
	DeadlockInterval          int                  `mapstructure:"deadlock_interval"`           // seconds
	RouterMaintenanceInterval int                  `mapstructure:"router_maintenance_interval"` // seconds
	SnapshotInterval          int                  `mapstructure:"snapshot_interval"`           // seconds
	QuarantineOnDeregister    bool                 `mapstructure:"quarantine_on_deregister"`
	DeadLetterCapacity        int                  `mapstructure:"dead_letter_capacity"`
	ConflictHistoryCapacity   int                  `mapstructure:"conflict_history_capacity"`
	OptimisticLockMaxAge      int                  `mapstructure:"optimistic_lock_max_age"` // seconds
	StallTimeout              int                  `mapstructure:"stall_timeout"`           // seconds
	MinThroughputPerMin       float64              `mapstructure:"min_throughput_per_min"`
}

func Load(serviceName string) (*Config, error) {
	viper.SetConfigName(serviceName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/coordination-core")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("COORD")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideFromEnv(&config)

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.shutdown_timeout", 30)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.enabled", false)

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.consumer_group", "coordination-core")
	viper.SetDefault("kafka.topic", "coordination.worker-traffic")
	viper.SetDefault("kafka.enabled", false)

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.jaeger_url", "http://localhost:14268/api/traces")
	viper.SetDefault("telemetry.service_name", "coordination-core")
	viper.SetDefault("telemetry.sampling_rate", 1.0)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.output", "stdout")
	viper.SetDefault("logger.add_caller", true)
	viper.SetDefault("logger.stacktrace", false)

	viper.SetDefault("discovery.backend", "memory")

	viper.SetDefault("coordination.max_retries", 3)
	viper.SetDefault("coordination.retry_delay", 1)
	viper.SetDefault("coordination.resource_timeout", 30)
	viper.SetDefault("coordination.message_timeout", 30)
	viper.SetDefault("coordination.deadlock_detection", true)
	viper.SetDefault("coordination.max_concurrent_tasks", 50)
	viper.SetDefault("coordination.default_task_timeout", 300)
	viper.SetDefault("coordination.kill_timeout", 5)
	viper.SetDefault("coordination.retry_backoff_base", 500)
	viper.SetDefault("coordination.retry_backoff_max", 30000)
	viper.SetDefault("coordination.work_stealing.enabled", true)
	viper.SetDefault("coordination.work_stealing.steal_threshold", 3)
	viper.SetDefault("coordination.work_stealing.max_steal_batch", 5)
	viper.SetDefault("coordination.work_stealing.interval", 10)
	viper.SetDefault("coordination.circuit_breaker.failure_threshold", 3)
	viper.SetDefault("coordination.circuit_breaker.success_threshold", 2)
	viper.SetDefault("coordination.circuit_breaker.timeout", 30)
	viper.SetDefault("coordination.circuit_breaker.half_open_limit", 1)
	viper.SetDefault("coordination.load_sampling_interval", 5)
	viper.SetDefault("coordination.heartbeat_interval", 10)
	viper.SetDefault("coordination.rebalance_interval", 10)
	viper.SetDefault("coordination.metrics_retention", 10000)
	viper.SetDefault("coordination.deadlock_interval", 10)
	viper.SetDefault("coordination.router_maintenance_interval", 60)
	viper.SetDefault("coordination.snapshot_interval", 30)
	viper.SetDefault("coordination.quarantine_on_deregister", false)
	viper.SetDefault("coordination.dead_letter_capacity", 1000)
	viper.SetDefault("coordination.conflict_history_capacity", 500)
	viper.SetDefault("coordination.optimistic_lock_max_age", 300)
	viper.SetDefault("coordination.stall_timeout", 300)
	viper.SetDefault("coordination.min_throughput_per_min", 0.5)
}

func overrideFromEnv(cfg *Config) {
	if redisHost := viper.GetString("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort := viper.GetInt("REDIS_PORT"); redisPort != 0 {
		cfg.Redis.Port = redisPort
	}
	if brokers := viper.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if servicePort := viper.GetInt("SERVER_PORT"); servicePort != 0 {
		cfg.Server.Port = servicePort
	}
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
