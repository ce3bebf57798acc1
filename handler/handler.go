package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/followchat/followchat/server/llm"
	"github.com/followchat/followchat/server/store"
)

// statusFor 错误分类到状态码：400 入参/树完整性，404 缺失，502 上游，其余 500
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidParent),
		errors.Is(err, store.ErrCycleDetected),
		errors.Is(err, store.ErrEmptyUpdate):
		return http.StatusBadRequest
	case errors.Is(err, llm.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		// CorruptTree 等内部不变式破坏：记录细节，对外只报通用错误
		log.Error().Err(err).Str("path", c.FullPath()).Msg("internal error")
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}
