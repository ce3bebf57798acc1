package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/followchat/followchat/server/store"
)

// ConfigHandler LLM 配置的读取与整行覆盖
type ConfigHandler struct {
	Store *store.Store
}

type configUpdateRequest struct {
	APIKey      *string  `json:"api_key"`
	BaseURL     *string  `json:"base_url"`
	ModelName   string   `json:"model_name" binding:"required"`
	Temperature *float64 `json:"temperature"`
}

func (h *ConfigHandler) Get(c *gin.Context) {
	cfg, err := h.Store.GetConfig()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *ConfigHandler) Put(c *gin.Context) {
	var req configUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	temperature := 1.0
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	cfg, err := h.Store.UpsertConfig(req.APIKey, req.BaseURL, req.ModelName, temperature)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}
