// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Storage       StorageConfig       `mapstructure:"storage"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	S3            S3Config            `mapstructure:"s3"`
	Upload        UploadConfig        `mapstructure:"upload"`
	SMTP          SMTPConfig          `mapstructure:"smtp"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// PublicURL 用于拼接下载链接，为空时使用请求的 origin。
	PublicURL      string   `mapstructure:"public_url"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"` // mysql | postgres
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// PostgresConfig 存储 Postgres 数据库的配置。
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// AdminConfig 存储管理员账号与通知邮箱。
type AdminConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"` // bcrypt
	Email        string `mapstructure:"email"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置，Addresses 为空时不启用搜索。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// StorageConfig 选择对象存储后端。
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // minio | s3 | memory
	// MinPartSize 仅对 memory 后端生效，模拟 S3 的最小分片限制。
	MinPartSize int64 `mapstructure:"min_part_size"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// S3Config 存储 S3 兼容存储（R2、B2 等）的配置。
type S3Config struct {
	AccountID       string `mapstructure:"account_id"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
}

// UploadConfig 存储上传协议相关的限制。
type UploadConfig struct {
	SessionTTL          time.Duration   `mapstructure:"session_ttl"`
	MaxFileSize         int64           `mapstructure:"max_file_size"`
	MaxDirectBytes      int64           `mapstructure:"max_direct_bytes"`
	MaxPartBytes        int64           `mapstructure:"max_part_bytes"`
	EnforceVideoTypes   bool            `mapstructure:"enforce_video_types"`
	AllowedContentTypes []string        `mapstructure:"allowed_content_types"`
	AllowedExtensions   []string        `mapstructure:"allowed_extensions"`
	RateLimit           RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig 配置上传入口的按 IP 限流。
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// SMTPConfig 存储管理员通知邮件的发送配置，Host 为空时不发送邮件。
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	UseTLS   bool   `mapstructure:"use_tls"`
	From     string `mapstructure:"from"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("jwt.refresh_token_expire_days", 7)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "skydump-upload-events")
	v.SetDefault("kafka.group_id", "skydump-notifier")
	v.SetDefault("elasticsearch.index_name", "skydump_uploads")
	v.SetDefault("storage.driver", "minio")
	v.SetDefault("upload.session_ttl", 24*time.Hour)
	v.SetDefault("upload.max_file_size", int64(5)<<30)
	v.SetDefault("upload.max_direct_bytes", int64(100)<<20)
	v.SetDefault("upload.max_part_bytes", int64(128)<<20)
	v.SetDefault("upload.enforce_video_types", true)
	v.SetDefault("upload.allowed_content_types", []string{
		"video/mp4", "video/quicktime", "video/x-msvideo", "video/x-matroska", "video/webm",
	})
	v.SetDefault("upload.allowed_extensions", []string{".mp4", ".mov", ".avi", ".mkv", ".webm"})
	v.SetDefault("upload.rate_limit.rps", 5.0)
	v.SetDefault("upload.rate_limit.burst", 20)
	v.SetDefault("smtp.port", 587)
}

// envKeys 是没有默认值的配置项，需要显式绑定才能只靠环境变量设置。
var envKeys = []string{
	"server.public_url", "server.allowed_origins",
	"database.mysql.dsn", "database.postgres.dsn",
	"database.redis.addr", "database.redis.password", "database.redis.db",
	"jwt.secret",
	"admin.username", "admin.password_hash", "admin.email",
	"log.output_path",
	"kafka.enabled", "kafka.brokers",
	"elasticsearch.addresses", "elasticsearch.username", "elasticsearch.password",
	"storage.min_part_size",
	"minio.endpoint", "minio.access_key_id", "minio.secret_access_key", "minio.use_ssl", "minio.bucket_name",
	"s3.account_id", "s3.access_key_id", "s3.secret_access_key", "s3.bucket", "s3.region", "s3.endpoint",
	"smtp.host", "smtp.username", "smtp.password", "smtp.use_tls", "smtp.from",
}

// Load 读取配置文件并返回解析后的配置。
// 环境变量以 SKYDUMP_ 为前缀覆盖同名配置，如 SKYDUMP_DATABASE_REDIS_ADDR。
func Load(configPath string) (Config, error) {
	// .env 不存在是正常情况
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SKYDUMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
