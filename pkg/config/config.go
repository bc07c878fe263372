package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// AccountConfig 单个自动化账号的凭据配置
type AccountConfig struct {
	Name        string `mapstructure:"name"`
	Email       string `mapstructure:"email"`
	Password    string `mapstructure:"password"`
	ProfileDir  string `mapstructure:"profile_dir"`
	CookiesFile string `mapstructure:"cookies_file"`
	Active      bool   `mapstructure:"active"`
}

// RenderConfig 渲染后端（浏览器自动化桥接服务）配置
type RenderConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	ImageTimeout time.Duration `mapstructure:"image_timeout"`
	VideoTimeout time.Duration `mapstructure:"video_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// PoolConfig 账号池的冷却与失败阈值配置
type PoolConfig struct {
	CooldownDuration time.Duration `mapstructure:"cooldown_duration"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// DispatchConfig 任务分发器配置
type DispatchConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	AcquireRetries int           `mapstructure:"acquire_retries"`
	AcquireBackoff time.Duration `mapstructure:"acquire_backoff"`
	Workers        int           `mapstructure:"workers"`
}

// SceneConfig 字幕分组为场景的时长边界（秒）
type SceneConfig struct {
	MinDuration float64 `mapstructure:"min_duration"`
	MaxDuration float64 `mapstructure:"max_duration"`
}

// LLMConfig 提示词生成所用大模型配置
type LLMConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// TranscribeConfig 语音转写服务配置
type TranscribeConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
}

// Config 工具全局配置，从 config.yaml 读取
type Config struct {
	ProjectRoot string           `mapstructure:"project_root"`
	LogLevel    string           `mapstructure:"log_level"`
	Accounts    []AccountConfig  `mapstructure:"accounts"`
	Render      RenderConfig     `mapstructure:"render"`
	Pool        PoolConfig       `mapstructure:"pool"`
	Dispatch    DispatchConfig   `mapstructure:"dispatch"`
	Scene       SceneConfig      `mapstructure:"scene"`
	LLM         LLMConfig        `mapstructure:"llm"`
	Transcribe  TranscribeConfig `mapstructure:"transcribe"`
}

// Load 加载配置文件。path 为空时先找当前工作目录，再找可执行文件目录。
func Load(path string) (*Config, error) {
	if path == "" {
		found, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = found
	}

	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfigPath() (string, error) {
	wd, err := os.Getwd()
	if err == nil {
		p := filepath.Join(wd, "config.yaml")
		if _, statErr := os.Stat(p); statErr == nil {
			return p, nil
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("无法获取可执行文件路径: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), "config.yaml"), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("render.image_timeout", "2m")
	v.SetDefault("render.video_timeout", "5m")
	v.SetDefault("render.poll_interval", "3s")
	v.SetDefault("pool.cooldown_duration", "10m")
	v.SetDefault("pool.failure_threshold", 3)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.acquire_retries", 5)
	v.SetDefault("dispatch.acquire_backoff", "2s")
	v.SetDefault("dispatch.workers", 1)
	v.SetDefault("scene.min_duration", 15)
	v.SetDefault("scene.max_duration", 25)
	v.SetDefault("transcribe.model", "base")
}

// Validate 校验必填项
func (c *Config) Validate() error {
	if c.ProjectRoot == "" {
		return fmt.Errorf("配置缺少必填项: project_root")
	}
	if c.Render.BaseURL == "" {
		return fmt.Errorf("配置缺少必填项: render.base_url")
	}
	if c.Scene.MinDuration <= 0 || c.Scene.MaxDuration < c.Scene.MinDuration {
		return fmt.Errorf("场景时长边界不合法: min=%v max=%v", c.Scene.MinDuration, c.Scene.MaxDuration)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts 必须至少为 1")
	}
	return nil
}

// ActiveAccounts 返回启用的账号数
func (c *Config) ActiveAccounts() int {
	n := 0
	for _, a := range c.Accounts {
		if a.Active {
			n++
		}
	}
	return n
}
