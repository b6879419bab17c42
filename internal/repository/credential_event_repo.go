package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"forge-admin/internal/model"
	pkgErrors "forge-admin/pkg/responses"
)

type CredentialEventRepository struct {
	db *gorm.DB
}

func NewCredentialEventRepository(db *gorm.DB) *CredentialEventRepository {
	return &CredentialEventRepository{db: db}
}

func (r *CredentialEventRepository) Create(ctx context.Context, e *model.CredentialEvent) error {
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "记录凭据事件失败", err)
	}
	return nil
}

// ListByUser 最近的事件在前
func (r *CredentialEventRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*model.CredentialEvent, error) {
	var list []*model.CredentialEvent
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC").Limit(limit).Find(&list).Error; err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询凭据事件失败", err)
	}
	return list, nil
}

// DeleteBefore 清理过期事件, 返回删除条数
func (r *CredentialEventRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", before).Delete(&model.CredentialEvent{})
	if res.Error != nil {
		return 0, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "清理凭据事件失败", res.Error)
	}
	return res.RowsAffected, nil
}
