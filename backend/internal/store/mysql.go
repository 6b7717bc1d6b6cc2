package store

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	// 引擎自己的表结构自己管（blocks / block_changes / block_members）
	if err := db.AutoMigrate(&BlockModel{}, &BlockChangeModel{}, &BlockMemberModel{}); err != nil {
		return nil, err
	}
	return db, nil
}
