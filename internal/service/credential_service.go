package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"forge-admin/internal/dto"
	"forge-admin/internal/model"
	"forge-admin/internal/pkg/aiservice"
	"forge-admin/internal/pkg/crypto"
	"forge-admin/internal/pkg/logger"
	"forge-admin/internal/pkg/platformkey"
	"forge-admin/internal/repository"
	pkgErrors "forge-admin/pkg/responses"
)

// asyncWriteTimeout 异步写入（last_used_at、审计）的超时
const asyncWriteTimeout = 5 * time.Second

// CredentialStore 凭据持久化
type CredentialStore interface {
	Create(ctx context.Context, c *model.UserCredential) error
	Find(ctx context.Context, userID string, service aiservice.Service, activeOnly bool) (*model.UserCredential, error)
	Exists(ctx context.Context, userID string, service aiservice.Service, activeOnly bool) (bool, error)
	UpdateKey(ctx context.Context, c *model.UserCredential) error
	SetActive(ctx context.Context, id string, active bool) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, userID string, service aiservice.Service) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]*model.UserCredential, error)
}

// CredentialEventStore 审计事件持久化
type CredentialEventStore interface {
	Create(ctx context.Context, e *model.CredentialEvent) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.CredentialEvent, error)
}

// KeySource 解析结果的来源
type KeySource string

const (
	KeySourceUser     KeySource = "user"
	KeySourcePlatform KeySource = "platform"
	KeySourceNone     KeySource = "none"
)

// Resolution 一次 key 解析的结果, Key 为明文, 不可序列化
type Resolution struct {
	Key       string    `json:"-"`
	Source    KeySource `json:"source"`
	KeyPrefix string    `json:"key_prefix,omitempty"`
}

type CredentialService interface {
	SetCredential(ctx context.Context, userID string, service aiservice.Service, apiKey string) (*dto.CredentialResponse, error)
	// GetAPIKey 用户 key 优先, 否则平台 key; 都没有时 ok=false。不会返回错误
	GetAPIKey(ctx context.Context, userID string, service aiservice.Service) (string, bool)
	ResolveAPIKey(ctx context.Context, userID string, service aiservice.Service) Resolution
	HasCredential(ctx context.Context, userID string, service aiservice.Service) (bool, error)
	GetUserCredentials(ctx context.Context, userID string) ([]*dto.CredentialResponse, error)
	DeactivateCredential(ctx context.Context, userID string, service aiservice.Service) (bool, error)
	DeleteCredential(ctx context.Context, userID string, service aiservice.Service) (bool, error)
	GetCredentialStatus(ctx context.Context, userID string, service aiservice.Service) (*dto.CredentialStatusResponse, error)
	GetCredentialStatuses(ctx context.Context, userID string) ([]*dto.CredentialStatusResponse, error)
	ListEvents(ctx context.Context, userID string, limit int) ([]*dto.CredentialEventResponse, error)
	// Wait 等待异步写入结束, 关闭时调用
	Wait()
}

type credentialService struct {
	store    CredentialStore
	events   CredentialEventStore
	cipher   crypto.Cipher
	platform *platformkey.Registry
	logger   *zap.Logger

	wg sync.WaitGroup
}

func NewCredentialService(
	store CredentialStore,
	events CredentialEventStore,
	cipher crypto.Cipher,
	platform *platformkey.Registry,
	logger *zap.Logger,
) CredentialService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &credentialService{
		store:    store,
		events:   events,
		cipher:   cipher,
		platform: platform,
		logger:   logger,
	}
}

func (s *credentialService) SetCredential(ctx context.Context, userID string, service aiservice.Service, apiKey string) (*dto.CredentialResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, pkgErrors.New(pkgErrors.CodeValidationError, "用户ID不能为空")
	}
	if !service.Valid() {
		return nil, pkgErrors.New(pkgErrors.CodeValidationError, fmt.Sprintf("不支持的 AI 服务: %s", service))
	}
	if !aiservice.ValidateFormat(service, apiKey) {
		return nil, pkgErrors.New(pkgErrors.CodeValidationError, fmt.Sprintf("%s API key 格式无效", service.Label()))
	}

	// 前缀取自明文
	prefix := aiservice.KeyPrefix(apiKey)
	enc, err := s.cipher.Encrypt(apiKey)
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeCryptoError, "凭据加密失败，请检查 crypto.aes_key 配置", err)
	}

	c, created, err := s.upsert(ctx, userID, service, enc, prefix)
	if err != nil {
		return nil, err
	}

	s.logger.Info("保存用户凭据",
		logger.UserID(userID),
		logger.Service(service),
		logger.KeyPrefix(prefix),
		zap.Bool("created", created),
	)
	s.record(ctx, userID, service, model.CredentialActionSet, map[string]interface{}{
		"key_prefix": prefix,
		"created":    created,
	})

	return toCredentialResponse(c), nil
}

// upsert 先查后写; 并发插入撞到唯一索引时按更新重试一次
func (s *credentialService) upsert(ctx context.Context, userID string, service aiservice.Service, enc, prefix string) (*model.UserCredential, bool, error) {
	existing, err := s.store.Find(ctx, userID, service, false)
	switch {
	case err == nil:
		existing.EncryptedKey = enc
		existing.KeyPrefix = prefix
		if err := s.store.UpdateKey(ctx, existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	case !errors.Is(err, pkgErrors.ErrRecordNotFound):
		return nil, false, err
	}

	c := &model.UserCredential{
		UserID:       userID,
		Service:      service,
		EncryptedKey: enc,
		KeyPrefix:    prefix,
		IsActive:     true,
	}
	err = s.store.Create(ctx, c)
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, repository.ErrDuplicateCredential) {
		return nil, false, err
	}

	s.logger.Debug("并发写入冲突, 改为更新", logger.UserID(userID), logger.Service(service))
	existing, err = s.store.Find(ctx, userID, service, false)
	if err != nil {
		return nil, false, err
	}
	existing.EncryptedKey = enc
	existing.KeyPrefix = prefix
	if err := s.store.UpdateKey(ctx, existing); err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *credentialService) GetAPIKey(ctx context.Context, userID string, service aiservice.Service) (string, bool) {
	res := s.ResolveAPIKey(ctx, userID, service)
	return res.Key, res.Source != KeySourceNone
}

func (s *credentialService) ResolveAPIKey(ctx context.Context, userID string, service aiservice.Service) Resolution {
	if res, ok := s.resolveUserKey(ctx, userID, service); ok {
		return res
	}
	return s.resolvePlatformKey(service)
}

// resolveUserKey 只有启用且能解密的用户 key 才会命中
func (s *credentialService) resolveUserKey(ctx context.Context, userID string, service aiservice.Service) (Resolution, bool) {
	if userID == "" || !service.Valid() {
		return Resolution{}, false
	}

	c, err := s.store.Find(ctx, userID, service, true)
	if err != nil {
		if !errors.Is(err, pkgErrors.ErrRecordNotFound) {
			s.logger.Error("查询用户凭据失败, 使用平台 key",
				logger.UserID(userID),
				logger.Service(service),
				zap.Error(err),
			)
		}
		return Resolution{}, false
	}

	plain, decErr := s.decrypt(c)
	if decErr != nil {
		_, hasPlatform := s.platform.Get(service)
		s.logger.Error("用户凭据解密失败, 回退到平台 key",
			logger.UserID(userID),
			logger.Service(service),
			zap.String("credential_id", c.ID),
			logger.KeyPrefix(c.KeyPrefix),
			zap.Bool("platform_available", hasPlatform),
			zap.Error(decErr),
		)
		s.recordAsync(ctx, userID, service, model.CredentialActionDecryptFailed, map[string]interface{}{
			"credential_id": c.ID,
			"reason":        decErr.Reason,
			"fallback":      lo.Ternary(hasPlatform, KeySourcePlatform, KeySourceNone),
		})
		return Resolution{}, false
	}

	s.touchLastUsed(ctx, c.ID)
	return Resolution{Key: plain, Source: KeySourceUser, KeyPrefix: c.KeyPrefix}, true
}

func (s *credentialService) resolvePlatformKey(service aiservice.Service) Resolution {
	if key, ok := s.platform.Get(service); ok {
		return Resolution{Key: key, Source: KeySourcePlatform, KeyPrefix: aiservice.KeyPrefix(key)}
	}
	return Resolution{Source: KeySourceNone}
}

// decrypt 显式返回解密失败, 由调用方决定是否回退
func (s *credentialService) decrypt(c *model.UserCredential) (string, *crypto.DecryptionError) {
	plain, err := s.cipher.Decrypt(c.EncryptedKey)
	if err == nil {
		return plain, nil
	}
	var decErr *crypto.DecryptionError
	if errors.As(err, &decErr) {
		return "", decErr
	}
	return "", &crypto.DecryptionError{Reason: "未知错误", Err: err}
}

// touchLastUsed 不阻塞解析结果, 失败只记录日志
func (s *credentialService) touchLastUsed(ctx context.Context, id string) {
	now := time.Now()
	s.async(ctx, func(ctx context.Context) {
		if err := s.store.TouchLastUsed(ctx, id, now); err != nil {
			s.logger.Warn("更新凭据使用时间失败", zap.String("credential_id", id), zap.Error(err))
		}
	})
}

func (s *credentialService) async(parent context.Context, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), asyncWriteTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *credentialService) Wait() {
	s.wg.Wait()
}

func (s *credentialService) HasCredential(ctx context.Context, userID string, service aiservice.Service) (bool, error) {
	if !service.Valid() {
		return false, nil
	}
	return s.store.Exists(ctx, userID, service, true)
}

func (s *credentialService) GetUserCredentials(ctx context.Context, userID string) ([]*dto.CredentialResponse, error) {
	list, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return lo.Map(list, func(c *model.UserCredential, _ int) *dto.CredentialResponse {
		return toCredentialResponse(c)
	}), nil
}

// DeactivateCredential 记录存在即返回 true, 与之前是否启用无关
func (s *credentialService) DeactivateCredential(ctx context.Context, userID string, service aiservice.Service) (bool, error) {
	if !service.Valid() {
		return false, nil
	}
	c, err := s.store.Find(ctx, userID, service, false)
	if err != nil {
		if errors.Is(err, pkgErrors.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.store.SetActive(ctx, c.ID, false); err != nil {
		return false, err
	}

	s.logger.Info("停用用户凭据", logger.UserID(userID), logger.Service(service))
	s.record(ctx, userID, service, model.CredentialActionDeactivate, map[string]interface{}{
		"key_prefix": c.KeyPrefix,
		"was_active": c.IsActive,
	})
	return true, nil
}

func (s *credentialService) DeleteCredential(ctx context.Context, userID string, service aiservice.Service) (bool, error) {
	if !service.Valid() {
		return false, nil
	}
	removed, err := s.store.Delete(ctx, userID, service)
	if err != nil {
		return false, err
	}
	if removed {
		s.logger.Info("删除用户凭据", logger.UserID(userID), logger.Service(service))
		s.record(ctx, userID, service, model.CredentialActionDelete, nil)
	}
	return removed, nil
}

func (s *credentialService) GetCredentialStatus(ctx context.Context, userID string, service aiservice.Service) (*dto.CredentialStatusResponse, error) {
	configured, err := s.HasCredential(ctx, userID, service)
	if err != nil {
		return nil, err
	}
	return &dto.CredentialStatusResponse{
		Service:           service.String(),
		ServiceLabel:      service.Label(),
		Configured:        configured,
		PlatformAvailable: s.platform.Has(service),
	}, nil
}

func (s *credentialService) GetCredentialStatuses(ctx context.Context, userID string) ([]*dto.CredentialStatusResponse, error) {
	list, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	active := lo.SliceToMap(lo.Filter(list, func(c *model.UserCredential, _ int) bool {
		return c.IsActive
	}), func(c *model.UserCredential) (aiservice.Service, bool) {
		return c.Service, true
	})

	return lo.Map(aiservice.All(), func(svc aiservice.Service, _ int) *dto.CredentialStatusResponse {
		return &dto.CredentialStatusResponse{
			Service:           svc.String(),
			ServiceLabel:      svc.Label(),
			Configured:        active[svc],
			PlatformAvailable: s.platform.Has(svc),
		}
	}), nil
}

func (s *credentialService) ListEvents(ctx context.Context, userID string, limit int) ([]*dto.CredentialEventResponse, error) {
	if s.events == nil {
		return []*dto.CredentialEventResponse{}, nil
	}
	list, err := s.events.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return lo.Map(list, func(e *model.CredentialEvent, _ int) *dto.CredentialEventResponse {
		resp := &dto.CredentialEventResponse{
			ID:        e.ID,
			Service:   e.Service.String(),
			Action:    string(e.Action),
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
		if len(e.Detail) > 0 {
			resp.Detail = json.RawMessage(e.Detail)
		}
		return resp
	}), nil
}

// record 同步写审计事件, 失败不影响主流程
func (s *credentialService) record(ctx context.Context, userID string, service aiservice.Service, action model.CredentialAction, detail map[string]interface{}) {
	if s.events == nil {
		return
	}
	e := &model.CredentialEvent{
		UserID:  userID,
		Service: service,
		Action:  action,
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			e.Detail = datatypes.JSON(raw)
		}
	}
	if err := s.events.Create(ctx, e); err != nil {
		s.logger.Warn("记录凭据事件失败",
			logger.UserID(userID),
			logger.Service(service),
			zap.String("action", string(action)),
			zap.Error(err),
		)
	}
}

func (s *credentialService) recordAsync(ctx context.Context, userID string, service aiservice.Service, action model.CredentialAction, detail map[string]interface{}) {
	if s.events == nil {
		return
	}
	s.async(ctx, func(ctx context.Context) {
		s.record(ctx, userID, service, action, detail)
	})
}

func toCredentialResponse(c *model.UserCredential) *dto.CredentialResponse {
	if c == nil {
		return nil
	}
	resp := &dto.CredentialResponse{
		ID:           c.ID,
		Service:      c.Service.String(),
		ServiceLabel: c.Service.Label(),
		KeyPrefix:    c.KeyPrefix,
		IsActive:     c.IsActive,
		CreatedAt:    c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    c.UpdatedAt.Format(time.RFC3339),
	}
	if c.LastUsedAt != nil {
		resp.LastUsedAt = lo.ToPtr(c.LastUsedAt.Format(time.RFC3339))
	}
	return resp
}
