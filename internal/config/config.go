package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Env             string `mapstructure:"env"`
	Port            int    `mapstructure:"port"`
	ShutdownSeconds int    `mapstructure:"shutdown_seconds"`
}

func (a AppConfig) PortString() string { return fmt.Sprintf("%d", a.Port) }

func (a AppConfig) IsDev() bool { return a.Env == "" || a.Env == "dev" || a.Env == "development" }

type MongoConfig struct {
	URI         string `mapstructure:"uri"`
	Database    string `mapstructure:"database"`
	Collection  string `mapstructure:"collection"`
	OpTimeoutMS int    `mapstructure:"op_timeout_ms"`
}

type BreakerConfig struct {
	MaxFailures uint32 `mapstructure:"max_failures"`
	OpenSeconds int    `mapstructure:"open_seconds"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	TopicEvents string   `mapstructure:"topic_events"`
}

type JWTConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Algorithm     string `mapstructure:"alg"`
	HSSecret      string `mapstructure:"hs_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type WSConfig struct {
	PingIntervalSeconds  int     `mapstructure:"ping_interval_seconds"`
	WriteDeadlineSeconds int     `mapstructure:"write_deadline_seconds"`
	ReadTimeoutSeconds   int     `mapstructure:"read_timeout_seconds"`
	MaxMessageSizeBytes  int64   `mapstructure:"max_message_size_bytes"`
	SendBuffer           int     `mapstructure:"send_buffer"`
	RatePerSecond        float64 `mapstructure:"rate_per_second"`
	RateBurst            int     `mapstructure:"rate_burst"`
}

type S3Config struct {
	Region     string `mapstructure:"region"`
	Bucket     string `mapstructure:"bucket"`
	Endpoint   string `mapstructure:"endpoint"`
	PublicRead bool   `mapstructure:"public_read"`
}

type StorageConfig struct {
	Driver         string   `mapstructure:"driver"`
	LocalDir       string   `mapstructure:"local_dir"`
	MaxUploadBytes int64    `mapstructure:"max_upload_bytes"`
	S3             S3Config `mapstructure:"s3"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Mongo   MongoConfig   `mapstructure:"mongo"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	WS      WSConfig      `mapstructure:"ws"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`

	// derived
	OpTimeout       time.Duration
	BreakerOpen     time.Duration
	PingInterval    time.Duration
	WriteDeadline   time.Duration
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

const DefaultPath = "config/config.yaml"

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.port", 8085)
	v.SetDefault("app.shutdown_seconds", 10)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "chatdb")
	v.SetDefault("mongo.collection", "chattings")
	v.SetDefault("mongo.op_timeout_ms", 5000)

	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.open_seconds", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "rt")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_events", "message.delivery")

	v.SetDefault("jwt.enabled", false)
	v.SetDefault("jwt.alg", "HS256")
	v.SetDefault("jwt.hs_secret", "")
	v.SetDefault("jwt.public_key_path", "./keys/jwt_pub.pem")

	v.SetDefault("ws.ping_interval_seconds", 25)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.read_timeout_seconds", 60)
	v.SetDefault("ws.max_message_size_bytes", 65536)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.rate_per_second", 20)
	v.SetDefault("ws.rate_burst", 40)

	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local_dir", "./uploads")
	v.SetDefault("storage.max_upload_bytes", 50*1024*1024)
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.public_read", false)

	v.SetDefault("log.level", "info")
}

// Load reads the YAML file at path (CONFIG_PATH or DefaultPath when empty),
// then applies .env and environment overrides such as APP_PORT or MONGO_URI.
// A missing config file is not an error; defaults and env cover everything.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.derive()
	return &c, nil
}

func (c *Config) validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("invalid app.port: %d", c.App.Port)
	}
	if c.Mongo.URI == "" || c.Mongo.Database == "" || c.Mongo.Collection == "" {
		return errors.New("mongo.uri, mongo.database and mongo.collection are required")
	}
	if c.Redis.Enabled && !strings.Contains(c.Redis.Addr, ":") {
		return fmt.Errorf("invalid redis.addr: %s (must be host:port)", c.Redis.Addr)
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.TopicEvents == "") {
		return errors.New("kafka.brokers and kafka.topic_events are required when kafka is enabled")
	}
	if c.JWT.Enabled {
		switch strings.ToUpper(c.JWT.Algorithm) {
		case "HS256":
			if c.JWT.HSSecret == "" {
				return errors.New("jwt.hs_secret is required for HS256")
			}
		case "RS256":
			if c.JWT.PublicKeyPath == "" {
				return errors.New("jwt.public_key_path is required for RS256")
			}
		default:
			return fmt.Errorf("unsupported jwt.alg %q", c.JWT.Algorithm)
		}
	}
	switch c.Storage.Driver {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	if c.WS.RatePerSecond <= 0 || c.WS.RateBurst <= 0 {
		return errors.New("ws.rate_per_second and ws.rate_burst must be positive")
	}
	return nil
}

func (c *Config) derive() {
	c.OpTimeout = time.Duration(c.Mongo.OpTimeoutMS) * time.Millisecond
	c.BreakerOpen = time.Duration(c.Breaker.OpenSeconds) * time.Second
	c.PingInterval = time.Duration(c.WS.PingIntervalSeconds) * time.Second
	c.WriteDeadline = time.Duration(c.WS.WriteDeadlineSeconds) * time.Second
	c.ReadTimeout = time.Duration(c.WS.ReadTimeoutSeconds) * time.Second
	c.ShutdownTimeout = time.Duration(c.App.ShutdownSeconds) * time.Second
	if c.WS.SendBuffer <= 0 {
		c.WS.SendBuffer = 256
	}
}
