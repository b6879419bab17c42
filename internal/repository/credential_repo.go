package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"forge-admin/internal/model"
	"forge-admin/internal/pkg/aiservice"
	pkgErrors "forge-admin/pkg/responses"
)

// ErrDuplicateCredential (user_id, service) 唯一索引冲突
var ErrDuplicateCredential = errors.New("credential already exists for user and service")

type CredentialRepository struct {
	db *gorm.DB
}

func NewCredentialRepository(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Create 插入新凭据, 唯一索引冲突时返回 ErrDuplicateCredential
func (r *CredentialRepository) Create(ctx context.Context, c *model.UserCredential) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateCredential
		}
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建凭据失败", err)
	}
	return nil
}

// Find 按 (user_id, service) 查询, activeOnly 时只返回启用的记录
func (r *CredentialRepository) Find(ctx context.Context, userID string, service aiservice.Service, activeOnly bool) (*model.UserCredential, error) {
	var c model.UserCredential
	q := r.db.WithContext(ctx).Where("user_id = ? AND service = ?", userID, service)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	if err := q.First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgErrors.ErrRecordNotFound
		}
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询凭据失败", err)
	}
	return &c, nil
}

// Exists 是否存在记录
func (r *CredentialRepository) Exists(ctx context.Context, userID string, service aiservice.Service, activeOnly bool) (bool, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&model.UserCredential{}).Where("user_id = ? AND service = ?", userID, service)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询凭据失败", err)
	}
	return count > 0, nil
}

// UpdateKey 覆盖密文与前缀并重新启用
func (r *CredentialRepository) UpdateKey(ctx context.Context, c *model.UserCredential) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&model.UserCredential{}).Where("id = ?", c.ID).Updates(map[string]interface{}{
		"encrypted_key": c.EncryptedKey,
		"key_prefix":    c.KeyPrefix,
		"is_active":     true,
		"updated_at":    now,
	}).Error
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新凭据失败", err)
	}
	c.IsActive = true
	c.UpdatedAt = now
	return nil
}

// SetActive 修改启用状态
func (r *CredentialRepository) SetActive(ctx context.Context, id string, active bool) error {
	err := r.db.WithContext(ctx).Model(&model.UserCredential{}).Where("id = ?", id).Updates(map[string]interface{}{
		"is_active":  active,
		"updated_at": time.Now(),
	}).Error
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新凭据状态失败", err)
	}
	return nil
}

// TouchLastUsed 更新最后使用时间, 不修改 updated_at
func (r *CredentialRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&model.UserCredential{}).Where("id = ?", id).UpdateColumn("last_used_at", at).Error
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新凭据使用时间失败", err)
	}
	return nil
}

// Delete 物理删除, 返回是否删除了记录
func (r *CredentialRepository) Delete(ctx context.Context, userID string, service aiservice.Service) (bool, error) {
	res := r.db.WithContext(ctx).Where("user_id = ? AND service = ?", userID, service).Delete(&model.UserCredential{})
	if res.Error != nil {
		return false, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "删除凭据失败", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListByUser 返回用户的全部凭据（含停用），按创建顺序
func (r *CredentialRepository) ListByUser(ctx context.Context, userID string) ([]*model.UserCredential, error) {
	var list []*model.UserCredential
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC, id ASC").Find(&list).Error; err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询凭据列表失败", err)
	}
	return list, nil
}

// ServiceUsage 按服务统计
type ServiceUsage struct {
	Service  aiservice.Service
	Active   int64
	Inactive int64
}

// CountByService 统计各服务的启用/停用数量
func (r *CredentialRepository) CountByService(ctx context.Context) ([]ServiceUsage, error) {
	var rows []struct {
		Service  aiservice.Service
		IsActive bool
		Total    int64
	}
	err := r.db.WithContext(ctx).Model(&model.UserCredential{}).
		Select("service, is_active, COUNT(*) AS total").
		Group("service, is_active").
		Scan(&rows).Error
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "统计凭据失败", err)
	}

	usage := make(map[aiservice.Service]*ServiceUsage)
	for _, row := range rows {
		u, ok := usage[row.Service]
		if !ok {
			u = &ServiceUsage{Service: row.Service}
			usage[row.Service] = u
		}
		if row.IsActive {
			u.Active += row.Total
		} else {
			u.Inactive += row.Total
		}
	}

	out := make([]ServiceUsage, 0, len(usage))
	for _, s := range aiservice.All() {
		if u, ok := usage[s]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}
