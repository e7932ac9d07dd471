package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger 积分余额查询
type Ledger interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
}

// GormLedger 从 credit_accounts 表读取余额，没有账户视为 0
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger 创建账本
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) GetBalance(ctx context.Context, userID string) (int64, error) {
	var acct CreditAccount
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).Take(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance of %s: %w", userID, err)
	}
	return acct.Balance, nil
}

// SetBalance 写入余额
func (l *GormLedger) SetBalance(ctx context.Context, userID string, balance int64) error {
	acct := CreditAccount{UserID: userID, Balance: balance, UpdatedAt: time.Now()}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
	}).Create(&acct).Error
	if err != nil {
		return fmt.Errorf("set balance of %s: %w", userID, err)
	}
	return nil
}
