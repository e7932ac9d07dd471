package limiter

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ConcurrencyRule 用户级并发上限覆盖
type ConcurrencyRule struct {
	UserID        string    `gorm:"column:user_id;primaryKey;size:64"`
	MaxConcurrent int       `gorm:"column:max_concurrent;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

// TableName 表名
func (ConcurrencyRule) TableName() string { return "concurrency_rules" }

// GormRuleSource 从 concurrency_rules 表读取规则
type GormRuleSource struct {
	db *gorm.DB
}

// NewGormRuleSource 创建规则数据源
func NewGormRuleSource(db *gorm.DB) *GormRuleSource {
	return &GormRuleSource{db: db}
}

// LoadRules 实现 RuleSource
func (s *GormRuleSource) LoadRules(ctx context.Context) (map[string]int, error) {
	var rows []ConcurrencyRule
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load concurrency rules: %w", err)
	}
	rules := make(map[string]int, len(rows))
	for _, r := range rows {
		rules[r.UserID] = r.MaxConcurrent
	}
	return rules, nil
}

// Upsert 写入或更新一条规则
func (s *GormRuleSource) Upsert(ctx context.Context, userID string, maxConcurrent int) error {
	rule := ConcurrencyRule{UserID: userID, MaxConcurrent: maxConcurrent, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Save(&rule).Error
}
