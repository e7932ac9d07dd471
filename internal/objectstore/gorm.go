package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ObjectBlob 对象行
type ObjectBlob struct {
	Key       string    `gorm:"column:object_key;primaryKey;size:512"`
	Data      []byte    `gorm:"column:data;not null"`
	Size      int       `gorm:"column:size;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName 表名
func (ObjectBlob) TableName() string { return "object_blobs" }

// GormStore 把对象存放在关系库的 object_blobs 表
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Upload 实现 Store
func (s *GormStore) Upload(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	blob := ObjectBlob{Key: key, Data: data, Size: len(data), CreatedAt: time.Now()}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&blob)
	if res.Error != nil {
		return fmt.Errorf("upload %s: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	existing, err := s.Download(ctx, key)
	if err != nil {
		return err
	}
	if !bytes.Equal(existing, data) {
		return fmt.Errorf("%w: %s", ErrObjectExists, key)
	}
	return nil
}

// Download 实现 Store
func (s *GormStore) Download(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var blob ObjectBlob
	err := s.db.WithContext(ctx).Where("object_key = ?", key).Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return blob.Data, nil
}
