package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"

	LockRedis = "redis"
	LockLocal = "local"

	BackboneRedis = "redis"
	BackboneNone  = "none"
)

type Config struct {
	HTTPAddr       string
	GRPCAddr       string
	AllowedOrigins []string

	LogLevel   string
	PrettyLogs bool

	StoreDriver          string
	MySQLDSN             string
	MySQLMaxOpenConns    int
	MySQLMaxIdleConns    int
	MySQLConnMaxLifetime time.Duration
	RunMigrations        bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	LockBackend string
	LockTimeout time.Duration
	LockTTL     time.Duration

	OrderServiceAddr string
	OrderWorkers     int
	OrderQueueSize   int
	OrderTimeout     time.Duration

	KafkaBrokers      []string
	KafkaFailureTopic string

	RealtimeBackbone string
	WSSendBuffer     int
	WSPingInterval   time.Duration

	ShutdownTimeout time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":50051")
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("store.driver", StoreMySQL)
	v.SetDefault("mysql.dsn", "root:root@tcp(localhost:3306)/negotiation?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 25)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("mysql.migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)

	v.SetDefault("lock.backend", LockRedis)
	v.SetDefault("lock.timeout", 3*time.Second)
	v.SetDefault("lock.ttl", 10*time.Second)

	v.SetDefault("orders.addr", "localhost:50061")
	v.SetDefault("orders.workers", 4)
	v.SetDefault("orders.queue_size", 1000)
	v.SetDefault("orders.timeout", 5*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.failure_topic", "negotiation-order-failures")

	v.SetDefault("realtime.backbone", BackboneRedis)
	v.SetDefault("realtime.send_buffer", 64)
	v.SetDefault("realtime.ping_interval", 30*time.Second)

	v.SetDefault("shutdown.timeout", 10*time.Second)
}

// Load reads config.yaml from path if present, then applies NEGOTIATION_*
// environment overrides (NEGOTIATION_MYSQL_DSN, NEGOTIATION_LOCK_BACKEND, ...).
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix("NEGOTIATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	cfg := Config{
		HTTPAddr:       v.GetString("http.addr"),
		GRPCAddr:       v.GetString("grpc.addr"),
		AllowedOrigins: splitList(v.GetStringSlice("http.allowed_origins")),

		LogLevel:   v.GetString("log.level"),
		PrettyLogs: v.GetBool("log.pretty"),

		StoreDriver:          v.GetString("store.driver"),
		MySQLDSN:             v.GetString("mysql.dsn"),
		MySQLMaxOpenConns:    v.GetInt("mysql.max_open_conns"),
		MySQLMaxIdleConns:    v.GetInt("mysql.max_idle_conns"),
		MySQLConnMaxLifetime: v.GetDuration("mysql.conn_max_lifetime"),
		RunMigrations:        v.GetBool("mysql.migrate"),

		RedisAddr:     v.GetString("redis.addr"),
		RedisPassword: v.GetString("redis.password"),
		RedisDB:       v.GetInt("redis.db"),
		RedisPoolSize: v.GetInt("redis.pool_size"),

		LockBackend: v.GetString("lock.backend"),
		LockTimeout: v.GetDuration("lock.timeout"),
		LockTTL:     v.GetDuration("lock.ttl"),

		OrderServiceAddr: v.GetString("orders.addr"),
		OrderWorkers:     v.GetInt("orders.workers"),
		OrderQueueSize:   v.GetInt("orders.queue_size"),
		OrderTimeout:     v.GetDuration("orders.timeout"),

		KafkaBrokers:      splitList(v.GetStringSlice("kafka.brokers")),
		KafkaFailureTopic: v.GetString("kafka.failure_topic"),

		RealtimeBackbone: v.GetString("realtime.backbone"),
		WSSendBuffer:     v.GetInt("realtime.send_buffer"),
		WSPingInterval:   v.GetDuration("realtime.ping_interval"),

		ShutdownTimeout: v.GetDuration("shutdown.timeout"),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMySQL, StoreMemory:
	default:
		return errors.New("store.driver must be mysql or memory")
	}
	switch c.LockBackend {
	case LockRedis, LockLocal:
	default:
		return errors.New("lock.backend must be redis or local")
	}
	switch c.RealtimeBackbone {
	case BackboneRedis, BackboneNone:
	default:
		return errors.New("realtime.backbone must be redis or none")
	}
	if c.LockTimeout <= 0 {
		return errors.New("lock.timeout must be positive")
	}
	if c.OrderWorkers <= 0 || c.OrderQueueSize <= 0 {
		return errors.New("orders.workers and orders.queue_size must be positive")
	}
	return nil
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.LockBackend == LockRedis || c.RealtimeBackbone == BackboneRedis
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
