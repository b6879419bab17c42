package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"forge-admin/internal/pkg/config"
	"forge-admin/pkg/constants"
	pkgErrors "forge-admin/pkg/responses"
)

// Identity 签发 token 所需的用户信息
type Identity struct {
	UserID      string
	Username    string
	Email       string
	DisplayName string
	AuthType    string // ldap or local
}

// UserClaims 用户Claims, Subject 为用户ID
type UserClaims struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	AuthType    string `json:"auth_type"`
	Type        string `json:"type"` // access or refresh
	jwt.RegisteredClaims
}

// Identity 还原签发时的用户信息
func (c *UserClaims) Identity() Identity {
	return Identity{
		UserID:      c.Subject,
		Username:    c.Username,
		Email:       c.Email,
		DisplayName: c.DisplayName,
		AuthType:    c.AuthType,
	}
}

// Manager 签发与校验 HS256 token
type Manager struct {
	secret        []byte
	accessExpire  time.Duration
	refreshExpire time.Duration
	now           func() time.Time
}

func NewManager(cfg *config.JWTConfig) *Manager {
	return &Manager{
		secret:        []byte(cfg.Secret),
		accessExpire:  time.Duration(cfg.AccessTokenExpire) * time.Second,
		refreshExpire: time.Duration(cfg.RefreshTokenExpire) * time.Second,
		now:           time.Now,
	}
}

// AccessTokenExpire 秒
func (m *Manager) AccessTokenExpire() int {
	return int(m.accessExpire / time.Second)
}

// GenerateAccessToken 生成访问Token
func (m *Manager) GenerateAccessToken(id Identity) (string, error) {
	return m.generate(id, constants.JWTTypeAccess, m.accessExpire)
}

// GenerateRefreshToken 生成刷新Token
func (m *Manager) GenerateRefreshToken(id Identity) (string, error) {
	return m.generate(id, constants.JWTTypeRefresh, m.refreshExpire)
}

func (m *Manager) generate(id Identity, tokenType string, ttl time.Duration) (string, error) {
	if id.UserID == "" {
		return "", errors.New("jwt: 用户ID为空")
	}
	now := m.now()
	claims := UserClaims{
		Username:    id.Username,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		AuthType:    id.AuthType,
		Type:        tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ParseToken 解析并校验签名与有效期
func (m *Manager) ParseToken(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 验证签名方法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgErrors.ErrTokenExpired
		}
		return nil, pkgErrors.Wrap(pkgErrors.CodeUnauthorized, "解析Token失败", err)
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, pkgErrors.ErrInvalidToken
	}
	return claims, nil
}

// ValidateToken 校验 token 并要求类型一致
func (m *Manager) ValidateToken(tokenString, tokenType string) (*UserClaims, error) {
	claims, err := m.ParseToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != tokenType {
		return nil, pkgErrors.New(pkgErrors.CodeUnauthorized, "无效的Token类型")
	}
	return claims, nil
}
