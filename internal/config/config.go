package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// ConfigEnv names the variable holding the config file path.
const ConfigEnv = "MISORA_CONFIG"

// ErrInvalid marks configuration that cannot be served.
var ErrInvalid = errors.New("invalid configuration")

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite3"
	StoreMySQL    = "mysql"
	StoreDynamoDB = "dynamodb"

	GatewayAuto          = "auto"
	GatewayCompletion    = "completion"
	GatewayKnowledgeBase = "knowledge_base"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	User        UserConfig                `mapstructure:"user"`
	Store       StoreConfig               `mapstructure:"store"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
	AWS         AWSConfig                 `mapstructure:"aws"`
	Gateway     GatewayConfig             `mapstructure:"gateway"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
}

type BasicConfig struct {
	ServerAddress string `mapstructure:"server_address"`
	Debug         bool   `mapstructure:"debug"`
	// RequestTimeout bounds reading a request, headers and body.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	TurnQueueSize  int           `mapstructure:"turn_queue_size"`
	WorkerIdle     time.Duration `mapstructure:"worker_idle"`
}

type UserConfig struct {
	DefaultUserName string `mapstructure:"default_user_name"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	// SelectNewConversation makes an explicitly created conversation the
	// session's current one.
	SelectNewConversation bool           `mapstructure:"select_new_conversation"`
	DynamoDB              DynamoDBConfig `mapstructure:"dynamodb"`
}

type DynamoDBConfig struct {
	ConversationsTable string `mapstructure:"conversations_table"`
	MessagesTable      string `mapstructure:"messages_table"`
	ConversationIndex  string `mapstructure:"conversation_index"`
	Endpoint           string `mapstructure:"endpoint"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type AWSConfig struct {
	Region          string `mapstructure:"region"`
	ModelID         string `mapstructure:"model_id"`
	KnowledgeBaseID string `mapstructure:"knowledge_base_id"`
}

type GatewayConfig struct {
	Mode         string        `mapstructure:"mode"`
	Provider     string        `mapstructure:"provider"`
	Model        string        `mapstructure:"model"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":5173")
	v.SetDefault("basic_config.debug", false)
	v.SetDefault("basic_config.request_timeout", 30*time.Second)
	v.SetDefault("basic_config.turn_queue_size", 16)
	v.SetDefault("basic_config.worker_idle", time.Minute)
	v.SetDefault("user.default_user_name", "Default User")
	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.select_new_conversation", true)
	v.SetDefault("store.dynamodb.conversations_table", "Conversation")
	v.SetDefault("store.dynamodb.messages_table", "Message")
	v.SetDefault("store.dynamodb.conversation_index", "byConversationId")
	v.SetDefault("store.dynamodb.endpoint", "")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", 5*time.Minute)
	v.SetDefault("aws.region", "ap-northeast-1")
	v.SetDefault("aws.model_id", "")
	v.SetDefault("aws.knowledge_base_id", "")
	v.SetDefault("gateway.mode", GatewayAuto)
	v.SetDefault("gateway.provider", "bedrock")
	v.SetDefault("gateway.model", "")
	v.SetDefault("gateway.system_prompt", "")
	v.SetDefault("gateway.max_tokens", 1024)
	v.SetDefault("gateway.timeout", 60*time.Second)
	v.SetDefault("gateway.max_retries", 0)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("MISORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names used by existing deployments.
	_ = v.BindEnv("aws.region", "AWS_REGION")
	_ = v.BindEnv("aws.model_id", "BEDROCK_MODEL_ID", "MODEL_ID")
	_ = v.BindEnv("aws.knowledge_base_id", "KNOWLEDGE_BASE_ID")
	_ = v.BindEnv("user.default_user_name", "DEFAULT_USER_NAME")
}

// LoadDotEnv reads .env.local and then .env from dir into the process
// environment. Variables that are already set are never overwritten, so the
// first file to define a key wins.
func LoadDotEnv(dir string) error {
	for _, name := range []string{".env.local", ".env"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := gotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads configuration from the provided path (falls back to
// MISORA_CONFIG, then to defaults and environment only).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	var baseDir string
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		v.SetConfigFile(absPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
		baseDir = filepath.Dir(absPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if sqliteCfg, ok := cfg.Databases[StoreSQLite]; ok && baseDir != "" {
		if dsn := sqliteCfg.DSN; dsn != "" && !strings.HasPrefix(dsn, ":memory:") && !strings.HasPrefix(dsn, "file:") && !filepath.IsAbs(dsn) {
			sqliteCfg.DSN = filepath.Join(baseDir, dsn)
			cfg.Databases[StoreSQLite] = sqliteCfg
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory, StoreSQLite, StoreMySQL, StoreDynamoDB:
	default:
		return fmt.Errorf("%w: unsupported store driver %q", ErrInvalid, c.Store.Driver)
	}
	switch c.Store.Driver {
	case StoreSQLite, StoreMySQL:
		if _, ok := c.Databases[c.Store.Driver]; !ok {
			return fmt.Errorf("%w: database config for %s not found", ErrInvalid, c.Store.Driver)
		}
	}
	switch c.Gateway.Mode {
	case GatewayAuto, GatewayCompletion:
	case GatewayKnowledgeBase:
		if c.AWS.KnowledgeBaseID == "" {
			return fmt.Errorf("%w: gateway mode %s requires aws.knowledge_base_id (KNOWLEDGE_BASE_ID)", ErrInvalid, GatewayKnowledgeBase)
		}
	default:
		return fmt.Errorf("%w: unsupported gateway mode %q", ErrInvalid, c.Gateway.Mode)
	}
	if c.GatewayMode() == GatewayKnowledgeBase && c.GatewayModel() == "" {
		return fmt.Errorf("%w: knowledge base mode requires a model arn (gateway.model or BEDROCK_MODEL_ID)", ErrInvalid)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("%w: gateway.timeout must be positive", ErrInvalid)
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("%w: gateway.max_retries cannot be negative", ErrInvalid)
	}
	return nil
}

// GatewayMode resolves "auto" into a concrete mode.
func (c *Config) GatewayMode() string {
	if c.Gateway.Mode != GatewayAuto {
		return c.Gateway.Mode
	}
	if c.AWS.KnowledgeBaseID != "" {
		return GatewayKnowledgeBase
	}
	return GatewayCompletion
}

// GatewayModel picks the generation model: gateway.model, then the AWS model
// id, then the provider default.
func (c *Config) GatewayModel() string {
	if c.Gateway.Model != "" {
		return c.Gateway.Model
	}
	if c.AWS.ModelID != "" {
		return c.AWS.ModelID
	}
	return c.Providers[c.Gateway.Provider].Model
}
