// Package config 负责加载和管理应用程序的配置
// 使用 viper 库支持 YAML 配置文件和环境变量覆盖
package config

import (
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 是应用程序的根配置结构
// 包含所有子配置模块
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`   // 服务器配置
	Database DatabaseConfig `mapstructure:"database"` // 数据库驱动选择
	MySQL    MySQLConfig    `mapstructure:"mysql"`    // MySQL 配置
	Redis    RedisConfig    `mapstructure:"redis"`    // Redis 配置
	JWT      JWTConfig      `mapstructure:"jwt"`      // JWT 配置
	Log      LogConfig      `mapstructure:"log"`      // 日志配置
	LLM      LLMConfig      `mapstructure:"llm"`      // 推理后端配置
	Chat     ChatConfig     `mapstructure:"chat"`     // 对话行为配置
}

// ServerConfig 服务器相关配置
type ServerConfig struct {
	Port int      `mapstructure:"port"` // 监听端口，默认 8080
	Mode string   `mapstructure:"mode"` // 运行模式: debug / release
	CORS []string `mapstructure:"cors"` // CORS 允许的域名，同时用于 WebSocket Origin 校验
}

// DatabaseConfig 数据库驱动配置
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`      // mysql / sqlite
	SQLitePath string `mapstructure:"sqlite_path"` // sqlite 数据库文件（或 file: URI）
}

// MySQLConfig MySQL 数据库连接配置
type MySQLConfig struct {
	Host         string `mapstructure:"host"`           // 数据库主机地址
	Port         int    `mapstructure:"port"`           // 数据库端口
	Username     string `mapstructure:"username"`       // 数据库用户名
	Password     string `mapstructure:"password"`       // 数据库密码
	Database     string `mapstructure:"database"`       // 数据库名称
	Charset      string `mapstructure:"charset"`        // 字符集
	MaxIdleConns int    `mapstructure:"max_idle_conns"` // 最大空闲连接数
	MaxOpenConns int    `mapstructure:"max_open_conns"` // 最大打开连接数
	MaxLifetime  int    `mapstructure:"max_lifetime"`   // 连接最大生命周期（秒）
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`   // 是否启用（关闭时不检查 Token 黑名单）
	Host     string `mapstructure:"host"`      // Redis 主机地址
	Port     int    `mapstructure:"port"`      // Redis 端口
	Username string `mapstructure:"username"`  // Redis 用户名
	Password string `mapstructure:"password"`  // Redis 密码
	DB       int    `mapstructure:"db"`        // 数据库索引 (0-15)
	PoolSize int    `mapstructure:"pool_size"` // 连接池大小
}

// JWTConfig JWT 认证配置
type JWTConfig struct {
	Secret       string        `mapstructure:"secret"`        // JWT 签名密钥，至少32字符
	AccessExpire time.Duration `mapstructure:"access_expire"` // Access Token 过期时间
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`  // 日志级别: debug/info/warn/error
	Format string `mapstructure:"format"` // 日志格式: json/text
}

// LLMConfig 推理后端配置
type LLMConfig struct {
	Backend           string                 `mapstructure:"backend"`            // openai / echo
	BaseURL           string                 `mapstructure:"base_url"`           // OpenAI 兼容服务地址（llama.cpp server 等）
	APIKey            string                 `mapstructure:"api_key"`            // 访问密钥，本地服务可留空
	DefaultModel      string                 `mapstructure:"default_model"`      // 新用户的默认模型
	QueueTimeout      time.Duration          `mapstructure:"queue_timeout"`      // 等待模型空闲的最长时间，0 表示一直等待
	GenerationTimeout time.Duration          `mapstructure:"generation_timeout"` // 单次生成的最长时间，0 表示不限制
	StopSequences     []string               `mapstructure:"stop_sequences"`     // 停止词
	Models            map[string]ModelConfig `mapstructure:"models"`             // 模型键 -> 模型配置
}

// ModelConfig 单个模型的加载参数
type ModelConfig struct {
	Name        string `mapstructure:"name"`         // 后端使用的模型名
	Path        string `mapstructure:"path"`         // 模型文件路径，留空表示由后端自行管理
	ContextSize int    `mapstructure:"context_size"` // 上下文窗口
	Threads     int    `mapstructure:"threads"`      // 推理线程数
	BaseURL     string `mapstructure:"base_url"`     // 覆盖全局 base_url
}

// ModelKeys 返回排序后的模型键
func (c LLMConfig) ModelKeys() []string {
	keys := make([]string, 0, len(c.Models))
	for k := range c.Models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ChatConfig 对话行为配置
type ChatConfig struct {
	SystemPrompt   string `mapstructure:"system_prompt"`    // 默认系统提示词
	TitleMaxLength int    `mapstructure:"title_max_length"` // 自动标题的最大字符数
	SendBuffer     int    `mapstructure:"send_buffer"`      // 每个连接的发送缓冲区
}

// DefaultSystemPrompt 未配置时使用的系统提示词
const DefaultSystemPrompt = "You are a helpful, friendly AI assistant. " +
	"Answer clearly and concisely, and admit when you do not know something."

// Load 从指定路径加载配置文件
// 支持环境变量覆盖配置项
// 参数:
//   - configPath: 配置文件目录路径 (如 "./configs")
//
// 返回:
//   - *Config: 配置对象
//   - error: 如果加载失败则返回错误
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	// 将环境变量中的 _ 映射到配置的 .
	// 例如: LLM_DEFAULT_MODEL -> llm.default_model
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVariables(v)
	setDefaults(v)

	// 配置文件不存在时继续使用默认值和环境变量
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindEnvVariables 绑定环境变量到配置项
func bindEnvVariables(v *viper.Viper) {
	// 服务器配置
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.mode", "SERVER_MODE")

	// 数据库配置
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.sqlite_path", "SQLITE_PATH")
	v.BindEnv("mysql.host", "MYSQL_HOST")
	v.BindEnv("mysql.port", "MYSQL_PORT")
	v.BindEnv("mysql.username", "MYSQL_USERNAME")
	v.BindEnv("mysql.password", "MYSQL_PASSWORD")
	v.BindEnv("mysql.database", "MYSQL_DATABASE")

	// Redis 配置
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.username", "REDIS_USERNAME")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// JWT 配置
	v.BindEnv("jwt.secret", "JWT_SECRET")

	// 推理后端配置
	v.BindEnv("llm.backend", "LLM_BACKEND")
	v.BindEnv("llm.base_url", "LLM_BASE_URL")
	v.BindEnv("llm.api_key", "LLM_API_KEY")
	v.BindEnv("llm.default_model", "DEFAULT_MODEL")
	for _, key := range []string{"llama3", "mistral", "qwen"} {
		v.BindEnv("llm.models."+key+".path", strings.ToUpper(key)+"_MODEL_PATH")
		v.BindEnv("llm.models."+key+".context_size", "LLM_CONTEXT_SIZE")
		v.BindEnv("llm.models."+key+".threads", "LLM_THREADS")
	}
}

// setDefaults 设置配置项的默认值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors", []string{"http://localhost:3000", "http://localhost:5173"})

	// 数据库默认配置
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.sqlite_path", "ia_chat.db")

	// MySQL 默认配置
	v.SetDefault("mysql.host", "localhost")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.charset", "utf8mb4")
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.max_open_conns", 100)
	v.SetDefault("mysql.max_lifetime", 3600)

	// Redis 默认配置
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)

	// JWT 默认配置
	v.SetDefault("jwt.access_expire", "24h")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// 推理后端默认配置
	v.SetDefault("llm.backend", "openai")
	v.SetDefault("llm.base_url", "http://localhost:8081/v1")
	v.SetDefault("llm.default_model", "llama3")
	v.SetDefault("llm.queue_timeout", "0s")
	v.SetDefault("llm.generation_timeout", "5m")
	v.SetDefault("llm.stop_sequences", []string{"<|end|>", "<|endoftext|>"})

	defaultModels := []struct {
		key, name   string
		contextSize int
	}{
		{"llama3", "Llama-3.2-3B-Instruct", 2048},
		{"mistral", "Mistral-Nemo-Instruct", 4096},
		{"qwen", "Qwen2-VL-7B-Instruct", 2048},
	}
	for _, m := range defaultModels {
		prefix := "llm.models." + m.key
		v.SetDefault(prefix+".name", m.name)
		v.SetDefault(prefix+".path", "")
		v.SetDefault(prefix+".context_size", m.contextSize)
		v.SetDefault(prefix+".threads", 4)
		v.SetDefault(prefix+".base_url", "")
	}

	// 对话默认配置
	v.SetDefault("chat.system_prompt", DefaultSystemPrompt)
	v.SetDefault("chat.title_max_length", 50)
	v.SetDefault("chat.send_buffer", 256)
}
