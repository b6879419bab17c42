package handler

import (
	"github.com/gin-gonic/gin"

	"forge-admin/internal/api/middleware"
	"forge-admin/internal/dto"
	"forge-admin/internal/pkg/aiservice"
	"forge-admin/internal/service"
	"forge-admin/pkg/responses"
	"forge-admin/pkg/utils"
)

var errCredentialNotFound = responses.New(responses.CodeNotFound, "凭据不存在")

type CredentialHandler struct {
	svc service.CredentialService
}

func NewCredentialHandler(svc service.CredentialService) *CredentialHandler {
	return &CredentialHandler{svc: svc}
}

// bindService 解析当前用户与路径中的服务, 失败时已写入响应
func bindService(c *gin.Context) (string, aiservice.Service, bool) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		responses.Error(c, responses.ErrUnauthorized)
		return "", "", false
	}

	var uri dto.ServiceURI
	if err := c.ShouldBindUri(&uri); err != nil {
		responses.ErrorWithDetail(c, responses.CodeValidationError, "不支持的 AI 服务", utils.FormatValidationError(err))
		return "", "", false
	}
	svc, err := aiservice.Parse(uri.Service)
	if err != nil {
		responses.ErrorWithDetail(c, responses.CodeValidationError, "不支持的 AI 服务", err.Error())
		return "", "", false
	}
	return userID, svc, true
}

// List 当前用户的全部凭据
// @Summary 凭据列表
// @Description 返回脱敏后的凭据, 只包含 key 前缀
// @Tags Credential
// @Produce json
// @Security BearerAuth
// @Success 200 {object} responses.Response{data=[]dto.CredentialResponse}
// @Router /credentials [get]
func (h *CredentialHandler) List(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		responses.Error(c, responses.ErrUnauthorized)
		return
	}
	list, err := h.svc.GetUserCredentials(c.Request.Context(), userID)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, list)
}

// Statuses 所有服务的配置状态
// @Summary 凭据状态总览
// @Tags Credential
// @Produce json
// @Security BearerAuth
// @Success 200 {object} responses.Response{data=[]dto.CredentialStatusResponse}
// @Router /credentials/status [get]
func (h *CredentialHandler) Statuses(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		responses.Error(c, responses.ErrUnauthorized)
		return
	}
	list, err := h.svc.GetCredentialStatuses(c.Request.Context(), userID)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, list)
}

// Events 凭据审计事件
// @Summary 凭据审计事件
// @Tags Credential
// @Produce json
// @Security BearerAuth
// @Param limit query int false "条数, 默认50, 最大200"
// @Success 200 {object} responses.Response{data=[]dto.CredentialEventResponse}
// @Router /credentials/events [get]
func (h *CredentialHandler) Events(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		responses.Error(c, responses.ErrUnauthorized)
		return
	}
	var query dto.CredentialEventQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		responses.ErrorWithDetail(c, responses.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}
	list, err := h.svc.ListEvents(c.Request.Context(), userID, query.GetLimit())
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, list)
}

// Set 保存或覆盖 API key
// @Summary 保存 API key
// @Description 同一服务重复保存会覆盖旧 key 并重新启用
// @Tags Credential
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param service path string true "服务标识" Enums(openai, anthropic, elevenlabs, meshy, fal, openrouter, ai-gateway)
// @Param request body dto.SetCredentialRequest true "API key"
// @Success 200 {object} responses.Response{data=dto.CredentialResponse}
// @Router /credentials/{service} [put]
func (h *CredentialHandler) Set(c *gin.Context) {
	userID, svc, ok := bindService(c)
	if !ok {
		return
	}
	var req dto.SetCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.ErrorWithDetail(c, responses.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}
	resp, err := h.svc.SetCredential(c.Request.Context(), userID, svc, req.APIKey)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.SuccessWithMessage(c, "保存成功", resp)
}

// Status 单个服务的配置状态
// @Summary 凭据状态
// @Tags Credential
// @Produce json
// @Security BearerAuth
// @Param service path string true "服务标识"
// @Success 200 {object} responses.Response{data=dto.CredentialStatusResponse}
// @Router /credentials/{service}/status [get]
func (h *CredentialHandler) Status(c *gin.Context) {
	userID, svc, ok := bindService(c)
	if !ok {
		return
	}
	status, err := h.svc.GetCredentialStatus(c.Request.Context(), userID, svc)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, status)
}

// Resolution 预览调用时会使用哪个 key
// @Summary key 解析预览
// @Description 只返回来源 (user/platform/none) 与前缀, 不返回 key
// @Tags Credential
// @Produce json
// @Security BearerAuth
// @Param service path string true "服务标识"
// @Success 200 {object} responses.Response{data=dto.CredentialResolutionResponse}
// @Router /credentials/{service}/resolution [get]
func (h *CredentialHandler) Resolution(c *gin.Context) {
	userID, svc, ok := bindService(c)
	if !ok {
		return
	}
	res := h.svc.ResolveAPIKey(c.Request.Context(), userID, svc)
	responses.Success(c, &dto.CredentialResolutionResponse{
		Service:   svc.String(),
		Source:    string(res.Source),
		KeyPrefix: res.KeyPrefix,
	})
}

// Deactivate 停用, 保留记录
// @Summary 停用凭据
// @Tags Credential
// @Produce json
// @Security BearerAuth
// @Param service path string true "服务标识"
// @Success 200 {object} responses.Response
// @Router /credentials/{service}/deactivate [post]
func (h *CredentialHandler) Deactivate(c *gin.Context) {
	userID, svc, ok := bindService(c)
	if !ok {
		return
	}
	found, err := h.svc.DeactivateCredential(c.Request.Context(), userID, svc)
	if err != nil {
		responses.Error(c, err)
		return
	}
	if !found {
		responses.Error(c, errCredentialNotFound)
		return
	}
	responses.SuccessWithMessage(c, "已停用", nil)
}

// Delete 删除
// @Summary 删除凭据
// @Tags Credential
// @Produce json
// @Security BearerAuth
// @Param service path string true "服务标识"
// @Success 200 {object} responses.Response
// @Router /credentials/{service} [delete]
func (h *CredentialHandler) Delete(c *gin.Context) {
	userID, svc, ok := bindService(c)
	if !ok {
		return
	}
	removed, err := h.svc.DeleteCredential(c.Request.Context(), userID, svc)
	if err != nil {
		responses.Error(c, err)
		return
	}
	if !removed {
		responses.Error(c, errCredentialNotFound)
		return
	}
	responses.SuccessWithMessage(c, "已删除", nil)
}
