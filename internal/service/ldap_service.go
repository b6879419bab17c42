package service

import (
	"fmt"

	"github.com/go-ldap/ldap/v3"

	"forge-admin/internal/dto"
	"forge-admin/internal/pkg/config"
	"forge-admin/pkg/constants"
	pkgErrors "forge-admin/pkg/responses"
)

type LDAPService interface {
	// Authenticate 返回的 UserInfo 不含 UserID, 由调用方同步本地用户后补齐
	Authenticate(username, password string) (*dto.UserInfo, error)
}

type ldapService struct {
	cfg *config.LDAPConfig
}

func NewLDAPService(cfg *config.LDAPConfig) LDAPService {
	return &ldapService{
		cfg: cfg,
	}
}

func (s *ldapService) Authenticate(username, password string) (*dto.UserInfo, error) {
	if !s.cfg.Enabled {
		return nil, pkgErrors.New(pkgErrors.CodeAuthError, "LDAP认证未启用")
	}
	// 空密码会被部分服务器当成匿名绑定
	if password == "" {
		return nil, pkgErrors.ErrInvalidCredentials
	}

	conn, err := s.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	userDN, attributes, err := s.searchUser(conn, username)
	if err != nil {
		return nil, err
	}

	// 验证密码
	if err := conn.Bind(userDN, password); err != nil {
		return nil, pkgErrors.ErrInvalidCredentials
	}

	displayName := attributes[s.cfg.Attributes.DisplayName]
	if displayName == "" {
		displayName = username
	}
	return &dto.UserInfo{
		Username:    username,
		Email:       attributes[s.cfg.Attributes.Email],
		DisplayName: displayName,
		AuthType:    constants.AuthTypeLDAP,
	}, nil
}

func (s *ldapService) connect() (*ldap.Conn, error) {
	var conn *ldap.Conn
	var err error

	address := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if s.cfg.UseSSL {
		conn, err = ldap.DialURL("ldaps://" + address)
	} else {
		conn, err = ldap.DialURL("ldap://" + address)
	}
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeAuthError, pkgErrors.ErrLDAPConnectionFailed.Message, err)
	}

	// 使用只读账号绑定
	if err := conn.Bind(s.cfg.BindDN, s.cfg.BindPassword); err != nil {
		conn.Close()
		return nil, pkgErrors.Wrap(pkgErrors.CodeAuthError, "LDAP绑定失败", err)
	}

	return conn, nil
}

func (s *ldapService) searchUser(conn *ldap.Conn, username string) (string, map[string]string, error) {
	attrs := []string{s.cfg.Attributes.Username, s.cfg.Attributes.Email, s.cfg.Attributes.DisplayName}
	searchRequest := ldap.NewSearchRequest(
		s.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2,
		0,
		false,
		fmt.Sprintf(s.cfg.UserFilter, ldap.EscapeFilter(username)),
		attrs,
		nil,
	)

	result, err := conn.Search(searchRequest)
	if err != nil {
		return "", nil, pkgErrors.Wrap(pkgErrors.CodeAuthError, "LDAP搜索失败", err)
	}

	switch len(result.Entries) {
	case 0:
		return "", nil, pkgErrors.ErrInvalidCredentials
	case 1:
	default:
		return "", nil, pkgErrors.New(pkgErrors.CodeAuthError, "找到多个匹配的用户")
	}

	entry := result.Entries[0]
	attributes := make(map[string]string, len(attrs))
	for _, a := range attrs {
		attributes[a] = entry.GetAttributeValue(a)
	}
	return entry.DN, attributes, nil
}
