package handler

import (
	"errors"
	"log/slog"

	"github.com/gin-gonic/gin"

	"ia-chat-server/internal/middleware"
	"ia-chat-server/internal/service"
	"ia-chat-server/pkg/response"
)

// PreferenceHandler 用户偏好请求处理器
type PreferenceHandler struct {
	preferenceService *service.PreferenceService
	logger            *slog.Logger
}

// NewPreferenceHandler 创建 PreferenceHandler 实例
func NewPreferenceHandler(preferenceService *service.PreferenceService, logger *slog.Logger) *PreferenceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreferenceHandler{preferenceService: preferenceService, logger: logger}
}

// GetPreferences 获取当前用户偏好，不存在时按默认值创建
// @Summary 获取偏好
// @Tags 偏好
// @Security Bearer
// @Produce json
// @Success 200 {object} response.Response{data=model.Preference}
// @Router /api/v1/preferences [get]
func (h *PreferenceHandler) GetPreferences(c *gin.Context) {
	userID := middleware.GetUserID(c)

	pref, err := h.preferenceService.GetOrCreate(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("get preferences failed", "user_id", userID, "error", err)
		response.InternalError(c, "获取偏好失败")
		return
	}
	response.Success(c, pref)
}

// UpdatePreferences 更新当前用户偏好
// @Summary 更新偏好
// @Description 只更新请求中出现的字段，取值超出范围时拒绝
// @Tags 偏好
// @Security Bearer
// @Accept json
// @Produce json
// @Param body body service.UpdatePreferenceRequest true "偏好"
// @Success 200 {object} response.Response{data=model.Preference}
// @Router /api/v1/preferences [put]
func (h *PreferenceHandler) UpdatePreferences(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req service.UpdatePreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "无效的请求参数")
		return
	}

	pref, err := h.preferenceService.Update(c.Request.Context(), userID, &req)
	if err != nil {
		var ve *service.ValidationError
		if errors.As(err, &ve) {
			response.InvalidPreference(c, ve.Message)
			return
		}
		h.logger.Error("update preferences failed", "user_id", userID, "error", err)
		response.InternalError(c, "更新偏好失败")
		return
	}
	response.Success(c, pref)
}

// RegisterRoutes 注册偏好路由
func (h *PreferenceHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/preferences", h.GetPreferences)
	r.PUT("/preferences", h.UpdatePreferences)
}
