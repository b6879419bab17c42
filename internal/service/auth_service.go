package service

import (
	"context"
	"errors"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"forge-admin/internal/dto"
	"forge-admin/internal/model"
	"forge-admin/internal/pkg/config"
	"forge-admin/internal/pkg/crypto"
	"forge-admin/internal/pkg/jwt"
	"forge-admin/internal/repository"
	"forge-admin/pkg/constants"
	pkgErrors "forge-admin/pkg/responses"
)

type AuthService interface {
	Login(ctx context.Context, req *dto.LoginRequest) (*dto.LoginResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*dto.LoginResponse, error)
	// VerifyToken 只接受 access token
	VerifyToken(token string) (*dto.UserInfo, error)
	// EnsureAdmin 本地管理员不存在时创建, 已存在不做修改
	EnsureAdmin(ctx context.Context) error
}

type authService struct {
	cfg         *config.AuthConfig
	userRepo    repository.UserRepository
	ldapService LDAPService
	tokens      *jwt.Manager
	logger      *zap.Logger
}

func NewAuthService(
	cfg *config.AuthConfig,
	userRepo repository.UserRepository,
	ldapService LDAPService,
	tokens *jwt.Manager,
	logger *zap.Logger,
) AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &authService{
		cfg:         cfg,
		userRepo:    userRepo,
		ldapService: ldapService,
		tokens:      tokens,
		logger:      logger,
	}
}

func (s *authService) Login(ctx context.Context, req *dto.LoginRequest) (*dto.LoginResponse, error) {
	var userInfo *dto.UserInfo
	var err error

	switch req.AuthType {
	case constants.AuthTypeLDAP:
		if !s.cfg.LDAP.Enabled {
			return nil, pkgErrors.New(pkgErrors.CodeAuthError, "LDAP认证未启用")
		}
		userInfo, err = s.ldapService.Authenticate(req.Username, req.Password)
		if err != nil {
			return nil, err
		}
		if err := s.syncLDAPUser(ctx, userInfo); err != nil {
			return nil, err
		}

	case constants.AuthTypeLocal:
		if !s.cfg.Local.Enabled {
			return nil, pkgErrors.New(pkgErrors.CodeAuthError, "本地认证未启用")
		}
		userInfo, err = s.authenticateLocal(ctx, req.Username, req.Password)
		if err != nil {
			return nil, err
		}

	default:
		return nil, pkgErrors.New(pkgErrors.CodeBadRequest, "不支持的认证类型")
	}

	s.logger.Info("用户登录", zap.String("user_id", userInfo.UserID), zap.String("username", userInfo.Username), zap.String("auth_type", userInfo.AuthType))
	return s.issue(userInfo)
}

func (s *authService) issue(userInfo *dto.UserInfo) (*dto.LoginResponse, error) {
	id := jwt.Identity{
		UserID:      userInfo.UserID,
		Username:    userInfo.Username,
		Email:       userInfo.Email,
		DisplayName: userInfo.DisplayName,
		AuthType:    userInfo.AuthType,
	}
	accessToken, err := s.tokens.GenerateAccessToken(id)
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeInternalError, "生成AccessToken失败", err)
	}
	refreshToken, err := s.tokens.GenerateRefreshToken(id)
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeInternalError, "生成RefreshToken失败", err)
	}

	return &dto.LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    s.tokens.AccessTokenExpire(),
		User:         userInfo,
	}, nil
}

func (s *authService) authenticateLocal(ctx context.Context, username, password string) (*dto.UserInfo, error) {
	user, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, pkgErrors.ErrRecordNotFound) {
			return nil, pkgErrors.ErrInvalidCredentials
		}
		return nil, err
	}

	// LDAP 同步的用户没有本地密码
	if user.AuthProvider != constants.AuthTypeLocal || user.Password == "" {
		return nil, pkgErrors.ErrInvalidCredentials
	}
	if user.Status != constants.StatusEnabled {
		return nil, pkgErrors.ErrUserDisabled
	}
	if !crypto.CheckPassword(password, user.Password) {
		return nil, pkgErrors.ErrInvalidCredentials
	}

	if err := s.userRepo.UpdateLastLogin(ctx, user.ID); err != nil {
		s.logger.Warn("更新登录时间失败", zap.String("user_id", user.ID), zap.Error(err))
	}
	return toUserInfo(user), nil
}

// syncLDAPUser 首次登录时创建本地用户, 并把本地ID写回 userInfo
func (s *authService) syncLDAPUser(ctx context.Context, userInfo *dto.UserInfo) error {
	user, err := s.userRepo.FindByUsername(ctx, userInfo.Username)
	switch {
	case err == nil:
		if user.AuthProvider != constants.AuthTypeLDAP {
			return pkgErrors.New(pkgErrors.CodeConflict, "用户名已被本地用户占用")
		}
		if user.Status != constants.StatusEnabled {
			return pkgErrors.ErrUserDisabled
		}
	case errors.Is(err, pkgErrors.ErrRecordNotFound):
		user = &model.User{
			AuthProvider: constants.AuthTypeLDAP,
			Username:     userInfo.Username,
			DisplayName:  lo.EmptyableToPtr(userInfo.DisplayName),
			Email:        lo.EmptyableToPtr(userInfo.Email),
			BaseStatus:   model.BaseStatus{Status: constants.StatusEnabled},
		}
		if err := s.userRepo.Create(ctx, user); err != nil {
			return err
		}
		s.logger.Info("同步 LDAP 用户", zap.String("user_id", user.ID), zap.String("username", user.Username))
	default:
		return err
	}

	userInfo.UserID = user.ID
	if err := s.userRepo.UpdateLastLogin(ctx, user.ID); err != nil {
		s.logger.Warn("更新登录时间失败", zap.String("user_id", user.ID), zap.Error(err))
	}
	return nil
}

func (s *authService) RefreshToken(ctx context.Context, refreshToken string) (*dto.LoginResponse, error) {
	claims, err := s.tokens.ValidateToken(refreshToken, constants.JWTTypeRefresh)
	if err != nil {
		return nil, err
	}

	// 用户被禁用或删除后不再续期
	user, err := s.userRepo.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, pkgErrors.ErrRecordNotFound) {
			return nil, pkgErrors.ErrInvalidToken
		}
		return nil, err
	}
	if user.Status != constants.StatusEnabled {
		return nil, pkgErrors.ErrUserDisabled
	}

	return s.issue(toUserInfo(user))
}

func (s *authService) VerifyToken(token string) (*dto.UserInfo, error) {
	claims, err := s.tokens.ValidateToken(token, constants.JWTTypeAccess)
	if err != nil {
		return nil, err
	}

	id := claims.Identity()
	return &dto.UserInfo{
		UserID:      id.UserID,
		Username:    id.Username,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		AuthType:    id.AuthType,
	}, nil
}

func (s *authService) EnsureAdmin(ctx context.Context) error {
	username := strings.TrimSpace(s.cfg.Local.AdminUsername)
	if !s.cfg.Local.Enabled || username == "" || s.cfg.Local.AdminPassword == "" {
		return nil
	}

	_, err := s.userRepo.FindByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pkgErrors.ErrRecordNotFound) {
		return err
	}

	hash, err := crypto.HashPassword(s.cfg.Local.AdminPassword)
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeInternalError, "生成密码哈希失败", err)
	}
	admin := &model.User{
		Username:     username,
		Password:     hash,
		AuthProvider: constants.AuthTypeLocal,
		DisplayName:  lo.ToPtr(username),
		BaseStatus:   model.BaseStatus{Status: constants.StatusEnabled},
	}
	if err := s.userRepo.Create(ctx, admin); err != nil {
		// 多实例同时启动
		if errors.Is(err, pkgErrors.ErrRecordExists) {
			return nil
		}
		return err
	}

	s.logger.Info("已创建初始管理员", zap.String("username", username))
	return nil
}

func toUserInfo(user *model.User) *dto.UserInfo {
	return &dto.UserInfo{
		UserID:      user.ID,
		Username:    user.Username,
		Email:       lo.FromPtr(user.Email),
		DisplayName: lo.FromPtrOr(user.DisplayName, user.Username),
		AuthType:    user.AuthProvider,
	}
}
