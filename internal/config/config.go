package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	AI         AIConfig
	Webhook    WebhookConfig
	History    HistoryConfig
	Generation GenerationConfig
	Dedupe     DedupeConfig
	Agent      AgentProfile
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	webhook, err := loadWebhookConfig()
	if err != nil {
		return nil, err
	}

	history, err := loadHistoryConfig()
	if err != nil {
		return nil, err
	}

	generation, err := loadGenerationConfig()
	if err != nil {
		return nil, err
	}

	dedupe, err := loadDedupeConfig()
	if err != nil {
		return nil, err
	}

	agent, err := LoadAgentProfile(getEnvOrDefault("AGENT_CONFIG_PATH", "layercode.config.json"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		Log:        loadLogConfig(),
		AI:         ai,
		Webhook:    webhook,
		History:    history,
		Generation: generation,
		Dedupe:     dedupe,
		Agent:      agent,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// LogConfig 描述日志输出。Format 为 "json" 或 "console"。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "console")),
	}
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个支持工具调用的模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ToolCallingChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// WebhookConfig 描述 webhook 签名校验。Secret 为空时不校验。
type WebhookConfig struct {
	Secret             string
	SignatureTolerance time.Duration
}

func loadWebhookConfig() (WebhookConfig, error) {
	tolerance, err := parseSecondsEnv("WEBHOOK_SIGNATURE_TOLERANCE", 300)
	if err != nil {
		return WebhookConfig{}, err
	}
	return WebhookConfig{
		Secret:             strings.TrimSpace(os.Getenv("LAYERCODE_WEBHOOK_SECRET")),
		SignatureTolerance: tolerance,
	}, nil
}

// History backends.
const (
	HistoryBackendMemory = "memory"
	HistoryBackendSQLite = "sqlite"
)

// HistoryConfig 选择会话历史的存储后端。
type HistoryConfig struct {
	Backend    string
	SQLitePath string
}

func loadHistoryConfig() (HistoryConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("HISTORY_BACKEND", HistoryBackendMemory))
	switch backend {
	case HistoryBackendMemory, HistoryBackendSQLite:
	default:
		return HistoryConfig{}, fmt.Errorf("invalid HISTORY_BACKEND value %q: want %s or %s", backend, HistoryBackendMemory, HistoryBackendSQLite)
	}
	return HistoryConfig{
		Backend:    backend,
		SQLitePath: getEnvOrDefault("HISTORY_SQLITE_PATH", "data/history.db"),
	}, nil
}

// maxGenerationSteps caps the model/tool loop of one turn.
const maxGenerationSteps = 10

// GenerationConfig 描述单轮生成的限制。
type GenerationConfig struct {
	MaxSteps int
	Timeout  time.Duration
}

func loadGenerationConfig() (GenerationConfig, error) {
	steps := maxGenerationSteps
	if override, err := parseOptionalIntEnv("GENERATION_MAX_STEPS"); err != nil {
		return GenerationConfig{}, err
	} else if override != nil {
		steps = min(max(*override, 1), maxGenerationSteps)
	}

	timeout, err := parseSecondsEnv("GENERATION_TIMEOUT", 60)
	if err != nil {
		return GenerationConfig{}, err
	}
	return GenerationConfig{MaxSteps: steps, Timeout: timeout}, nil
}

// DedupeConfig 描述重复投递检测窗口。
type DedupeConfig struct {
	TTL        time.Duration
	MaxEntries int
}

func loadDedupeConfig() (DedupeConfig, error) {
	ttl, err := parseSecondsEnv("DEDUPE_TTL", 300)
	if err != nil {
		return DedupeConfig{}, err
	}

	size := 4096
	if override, err := parseOptionalIntEnv("DEDUPE_MAX_ENTRIES"); err != nil {
		return DedupeConfig{}, err
	} else if override != nil {
		size = max(*override, 1)
	}
	return DedupeConfig{TTL: ttl, MaxEntries: size}, nil
}

// AgentProfile 是代理的提示词与欢迎语，来自 layercode.config.json。
// JSON 是 YAML 的子集，因此同一个解析器也接受 YAML 写法。
type AgentProfile struct {
	Prompt         string `yaml:"prompt"`
	WelcomeMessage string `yaml:"welcome_message"`
}

// DefaultAgentProfile is used when no profile file exists.
var DefaultAgentProfile = AgentProfile{
	Prompt:         "You are a helpful voice assistant. Keep answers short and conversational, they will be spoken aloud.",
	WelcomeMessage: "Hi! How can I help you today?",
}

// LoadAgentProfile reads the profile at path. A missing file yields
// DefaultAgentProfile, blank fields fall back to its values one by one, and a
// malformed file is an error.
func LoadAgentProfile(path string) (AgentProfile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultAgentProfile, nil
	}
	if err != nil {
		return AgentProfile{}, fmt.Errorf("read agent profile %s: %w", path, err)
	}

	var profile AgentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return AgentProfile{}, fmt.Errorf("parse agent profile %s: %w", path, err)
	}
	profile.Prompt = strings.TrimSpace(profile.Prompt)
	if profile.Prompt == "" {
		profile.Prompt = DefaultAgentProfile.Prompt
	}
	profile.WelcomeMessage = strings.TrimSpace(profile.WelcomeMessage)
	if profile.WelcomeMessage == "" {
		profile.WelcomeMessage = DefaultAgentProfile.WelcomeMessage
	}
	return profile, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// parseSecondsEnv 解析以秒为单位的整数，0 表示关闭对应限制。
func parseSecondsEnv(key string, defaultSeconds int) (time.Duration, error) {
	value, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	seconds := defaultSeconds
	if value != nil {
		if *value < 0 {
			return 0, fmt.Errorf("invalid %s value %d: must not be negative", key, *value)
		}
		seconds = *value
	}
	return time.Duration(seconds) * time.Second, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
