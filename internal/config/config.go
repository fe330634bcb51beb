// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Log        LogConfig        `mapstructure:"log"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	MinIO      MinIOConfig      `mapstructure:"minio"`
	OCR        OCRConfig        `mapstructure:"ocr"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Index      IndexConfig      `mapstructure:"index"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Generation GenerationConfig `mapstructure:"generation"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port          string `mapstructure:"port"`
	Mode          string `mapstructure:"mode"`
	MaxUploadSize int64  `mapstructure:"max_upload_size"` // 单位字节，0 表示使用默认 16MB
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
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
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	Topic       string `mapstructure:"topic"`
	GroupID     string `mapstructure:"group_id"`
	MaxAttempts int    `mapstructure:"max_attempts"` // 单个任务的最大消费重试次数
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// OCRConfig 存储 OCR 识别服务相关的配置。
type OCRConfig struct {
	ServerURL      string  `mapstructure:"server_url"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MinConfidence  float64 `mapstructure:"min_confidence"` // 低于该置信度视为识别失败
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	Model        string `mapstructure:"model"`
	Dimensions   int    `mapstructure:"dimensions"`
	MaxBatchSize int    `mapstructure:"max_batch_size"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	MaxRetries int                 `mapstructure:"max_retries"` // 瞬时失败（限流/超时）的最大重试次数
	Generation LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// IndexConfig 存储向量索引（Elasticsearch）相关的配置。
type IndexConfig struct {
	Addresses  string `mapstructure:"addresses"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	BaseName   string `mapstructure:"base_name"`  // 索引别名，物理索引为 <base_name>_<模型版本>
	Similarity string `mapstructure:"similarity"` // cosine 或 dot_product，默认 cosine
}

// PipelineConfig 存储文档摄取管道相关的配置。
type PipelineConfig struct {
	ChunkSize       int     `mapstructure:"chunk_size"`        // 分块最大长度（以 rune 计）
	ChunkOverlap    float64 `mapstructure:"chunk_overlap"`     // 重叠比例，(0,1) 之间
	OCRMaxAttempts  int     `mapstructure:"ocr_max_attempts"`  // 单页 OCR 的最大尝试次数
	LeaseTTLSeconds int     `mapstructure:"lease_ttl_seconds"` // 文档摄取租约的有效期
}

// RetrievalConfig 存储检索相关的配置。
type RetrievalConfig struct {
	MinSimilarity       float64 `mapstructure:"min_similarity"`       // 低于该相似度的结果被丢弃
	RerankEnabled       bool    `mapstructure:"rerank_enabled"`       // 是否启用重排序（默认关闭）
	CandidateMultiplier int     `mapstructure:"candidate_multiplier"` // 重排序时召回 k*N 个候选
}

// GenerationConfig 存储答案生成相关的配置。
type GenerationConfig struct {
	MaxContextChars  int    `mapstructure:"max_context_chars"` // 上下文总长度上限（rune）
	EmptyContextMode string `mapstructure:"empty_context_mode"` // refuse 或 general
	Rules            string `mapstructure:"rules"`
	RefStart         string `mapstructure:"ref_start"`
	RefEnd           string `mapstructure:"ref_end"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}
