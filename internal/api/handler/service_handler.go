package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"forge-admin/internal/dto"
	"forge-admin/internal/pkg/aiservice"
	"forge-admin/internal/pkg/platformkey"
	"forge-admin/pkg/responses"
)

// ServiceHandler 支持的 AI 服务目录
type ServiceHandler struct {
	platform *platformkey.Registry
}

func NewServiceHandler(platform *platformkey.Registry) *ServiceHandler {
	return &ServiceHandler{platform: platform}
}

// List 服务目录
// @Summary AI 服务目录
// @Description 支持的服务、平台 key 对应的环境变量, 以及平台 key 是否已配置
// @Tags Service
// @Produce json
// @Security BearerAuth
// @Success 200 {object} responses.Response{data=[]dto.ServiceCatalogResponse}
// @Router /services [get]
func (h *ServiceHandler) List(c *gin.Context) {
	list := lo.Map(aiservice.Catalog(), func(e aiservice.Entry, _ int) *dto.ServiceCatalogResponse {
		return &dto.ServiceCatalogResponse{
			ID:                e.ID.String(),
			Label:             e.Label,
			EnvVar:            e.Env,
			DocsURL:           e.DocsURL,
			PlatformAvailable: h.platform.Has(e.ID),
		}
	})
	responses.Success(c, list)
}
