package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Drive    DriveConfig    `mapstructure:"drive"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Client   ClientConfig   `mapstructure:"client"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// AuthConfig lists accepted bearer tokens. Kept as a list because viper
// lower-cases map keys.
type AuthConfig struct {
	Tokens []TokenConfig `mapstructure:"tokens"`
}

type TokenConfig struct {
	Token  string `mapstructure:"token"`
	UserID string `mapstructure:"user_id"`
}

// TokenTable returns the token -> user id lookup.
func (c AuthConfig) TokenTable() map[string]string {
	table := make(map[string]string, len(c.Tokens))
	for _, t := range c.Tokens {
		if t.Token != "" && t.UserID != "" {
			table[t.Token] = t.UserID
		}
	}
	return table
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // s3, r2, s3compatible, minio
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Presign   bool   `mapstructure:"presign"`
}

// RedisConfig enables the archive URL cache when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	Driver     string         `mapstructure:"driver"` // memory, rabbitmq
	BufferSize int            `mapstructure:"buffer_size"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq"`
}

type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	Queue      string `mapstructure:"queue"`
}

type DriveConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	AccessToken     string        `mapstructure:"access_token"`
	RootFolderID    string        `mapstructure:"root_folder_id"`
	PageSize        int           `mapstructure:"page_size"`
	Concurrency     int           `mapstructure:"concurrency"`
	RequestInterval time.Duration `mapstructure:"request_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type ArchiveConfig struct {
	Workers          int           `mapstructure:"workers"`
	TTL              time.Duration `mapstructure:"ttl"`
	TempDir          string        `mapstructure:"temp_dir"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
}

// ClientConfig configures the archivectl front-end.
type ClientConfig struct {
	ServerURL   string        `mapstructure:"server_url"`
	Token       string        `mapstructure:"token"`
	UserID      string        `mapstructure:"user_id"`
	DownloadDir string        `mapstructure:"download_dir"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("queue.rabbitmq.url", "RABBITMQ_URL")
	v.BindEnv("drive.credentials_file", "DRIVE_CREDENTIALS_FILE")
	v.BindEnv("drive.access_token", "DRIVE_ACCESS_TOKEN")
	v.BindEnv("client.token", "STUDIODESK_TOKEN")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/studiodesk.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.type", "s3compatible")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "archives")
	v.SetDefault("storage.presign", true)

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.buffer_size", 64)
	v.SetDefault("queue.rabbitmq.exchange", "studiodesk")
	v.SetDefault("queue.rabbitmq.routing_key", "archive.build")
	v.SetDefault("queue.rabbitmq.queue", "archive_jobs")

	v.SetDefault("drive.base_url", "https://www.googleapis.com/drive/v3")
	v.SetDefault("drive.page_size", 200)
	v.SetDefault("drive.concurrency", 4)
	v.SetDefault("drive.request_interval", 150*time.Millisecond)
	v.SetDefault("drive.timeout", 60*time.Second)

	v.SetDefault("archive.workers", 2)
	v.SetDefault("archive.ttl", 24*time.Hour)
	v.SetDefault("archive.key_prefix", "archives")
	v.SetDefault("archive.progress_interval", 500*time.Millisecond)
	v.SetDefault("archive.stale_after", 30*time.Minute)

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.download_dir", ".")
	v.SetDefault("client.timeout", 30*time.Second)
}
