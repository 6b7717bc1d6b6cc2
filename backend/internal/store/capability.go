package store

import (
	"context"

	"gorm.io/gorm"
)

// users 表归账号体系管，这里只读存在性。
type UserModel struct {
	ID       uint64 `gorm:"column:id;primaryKey"`
	Username string `gorm:"column:username;size:64;uniqueIndex"`
}

func (UserModel) TableName() string { return "users" }

// CapabilityStore 实现 live.Capability：权限评估的数据都在关系库里，
// 引擎在接受任何写入前先问这里。
type CapabilityStore struct {
	db *gorm.DB
}

func NewCapabilityStore(db *gorm.DB) *CapabilityStore {
	return &CapabilityStore{db: db}
}

func (s *CapabilityStore) CanConnect(ctx context.Context, userID uint64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", userID).Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CanEdit：块没有任何成员行时视为开放编辑（成员行由 CRUD 侧维护，
// 新建块在第一次授权前允许创建者直接写）。有成员行就按行判。
func (s *CapabilityStore) CanEdit(ctx context.Context, userID uint64, blockID string) (bool, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&BlockMemberModel{}).
		Where("block_id = ?", blockID).Count(&total).Error
	if err != nil {
		return false, err
	}
	if total == 0 {
		return true, nil
	}
	var n int64
	err = s.db.WithContext(ctx).Model(&BlockMemberModel{}).
		Where("block_id = ? AND user_id = ? AND can_edit = ?", blockID, userID, true).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
