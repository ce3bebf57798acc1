package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"` // debug/test/release
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig 仅作为首次启动时 configs 表的种子，之后以数据库中的配置为准
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	ModelName   string  `yaml:"model_name"`
	Temperature float64 `yaml:"temperature"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8000, Mode: "release"},
		Database: DatabaseConfig{Path: "./followchat.db"},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			ModelName:   "gpt-3.5-turbo",
			Temperature: 1.0,
		},
	}
}

// Load 从文件加载配置，以默认值为基础覆盖，最后应用环境变量
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	return cfg, nil
}

// LoadEnv 读取 .env 文件（如果存在）并返回环境变量覆盖后的默认配置。
// 无配置文件时的兜底路径
func LoadEnv(envPath string) *Config {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// applyEnv LLM 设置允许用环境变量覆盖，便于不改配置文件就切换上游
func (c *Config) applyEnv() {
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL_NAME"); v != "" {
		c.LLM.ModelName = v
	}
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			c.LLM.Temperature = t
		}
	}
}
