package handler

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"ia-chat-server/internal/llm"
	"ia-chat-server/pkg/response"
)

// ModelHandler 模型管理请求处理器
type ModelHandler struct {
	registry *llm.Registry
	logger   *slog.Logger
}

// NewModelHandler 创建 ModelHandler 实例
func NewModelHandler(registry *llm.Registry, logger *slog.Logger) *ModelHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelHandler{registry: registry, logger: logger}
}

// ModelResponse 模型信息
type ModelResponse struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
	Loaded      bool   `json:"loaded"`
}

// ListModels 列出已配置的模型及加载状态
// @Summary 模型列表
// @Tags 模型
// @Security Bearer
// @Produce json
// @Success 200 {object} response.Response{data=[]ModelResponse}
// @Router /api/v1/models [get]
func (h *ModelHandler) ListModels(c *gin.Context) {
	loaded := make(map[string]bool)
	for _, k := range h.registry.Loaded() {
		loaded[k] = true
	}

	keys := h.registry.Keys()
	models := make([]ModelResponse, 0, len(keys))
	for _, k := range keys {
		spec, _ := h.registry.Spec(k)
		models = append(models, ModelResponse{
			Key:         k,
			Name:        spec.Name,
			ContextSize: spec.ContextSize,
			Loaded:      loaded[k],
		})
	}
	response.Success(c, models)
}

// UnloadModel 卸载模型，等待正在进行的生成结束
// @Summary 卸载模型
// @Tags 模型
// @Security Bearer
// @Produce json
// @Param key path string true "模型键"
// @Success 200 {object} response.Response
// @Router /api/v1/models/{key} [delete]
func (h *ModelHandler) UnloadModel(c *gin.Context) {
	key := c.Param("key")
	if !h.registry.Has(key) {
		response.ModelNotFound(c, key)
		return
	}

	wasLoaded, err := h.registry.Unload(c.Request.Context(), key)
	if err != nil {
		h.logger.Error("unload model failed", "model", key, "error", err)
		response.InternalError(c, "卸载模型失败")
		return
	}
	response.Success(c, gin.H{"key": key, "unloaded": wasLoaded})
}

// RegisterRoutes 注册模型路由
func (h *ModelHandler) RegisterRoutes(r gin.IRouter) {
	models := r.Group("/models")
	{
		models.GET("", h.ListModels)
		models.DELETE("/:key", h.UnloadModel)
	}
}
