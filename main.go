package main

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/followchat/followchat/server/config"
	"github.com/followchat/followchat/server/handler"
	"github.com/followchat/followchat/server/model"
	"github.com/followchat/followchat/server/store"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// 加载配置：有配置文件用配置文件，没有就走 .env / 环境变量
	cfgPath := os.Getenv("FOLLOWCHAT_CONFIG")
	if cfgPath == "" {
		cfgPath = "./config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfgPath).Msg("config file not loaded, falling back to env")
		cfg = config.LoadEnv("")
	}
	log.Info().Int("port", cfg.Server.Port).Str("db", cfg.Database.Path).Msg("config loaded")

	gin.SetMode(cfg.Server.Mode)

	// 初始化数据库
	db, err := model.InitDB(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init database")
	}
	s := store.New(db)
	log.Info().Msg("database initialized")

	// LLM 配置行不存在时用环境配置做种子
	if _, err := s.GetConfig(); err != nil {
		seed := cfg.LLM
		var apiKey, baseURL *string
		if seed.APIKey != "" {
			apiKey = &seed.APIKey
		}
		if seed.BaseURL != "" {
			baseURL = &seed.BaseURL
		}
		if _, err := s.UpsertConfig(apiKey, baseURL, seed.ModelName, seed.Temperature); err != nil {
			log.Fatal().Err(err).Msg("failed to seed llm config")
		}
		log.Info().Str("model", seed.ModelName).Msg("llm config seeded")
	}

	hub := handler.NewHub()
	r := handler.NewRouter(s, hub)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Info().Str("addr", addr).Msg("server starting")
	if err := r.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
}
