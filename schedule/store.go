package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordUpdate 记录状态迁移时一并写入的字段，零值表示不修改
type RecordUpdate struct {
	SnapshotKey    string
	ExecutionID    string
	FailureReason  FailureReason
	FailureMessage string
	TriggeredAt    *time.Time
	CompletedAt    *time.Time
	// ClearOutcome 清空失败原因、执行 ID、完成时间与失败计数，重试时使用
	ClearOutcome bool
	// IncrRetry 重试次数加一
	IncrRetry bool
}

// Store 定时任务与触发记录的持久化
type Store interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error)
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	AdvanceSchedule(ctx context.Context, scheduleID string, prev time.Time, next *time.Time) (bool, error)
	DisableSchedule(ctx context.Context, scheduleID string) error

	// CreateRecord 按 (schedule, scheduled_at) 幂等创建，已存在时返回已有记录
	CreateRecord(ctx context.Context, r *Record) (*Record, bool, error)
	GetRecord(ctx context.Context, recordID string) (*Record, error)
	GetUserRecord(ctx context.Context, userID, recordID string) (*Record, error)
	ListRecords(ctx context.Context, scheduleID string, limit int) ([]*Record, error)
	SetSnapshotKey(ctx context.Context, recordID, key string) error
	// IncrFireFailures 累计一次基础设施失败，返回累计后的次数；记录已离开 pending/processing 时返回 0
	IncrFireFailures(ctx context.Context, recordID string) (int, error)
	TransitionRecord(ctx context.Context, recordID string, from []RecordStatus, to RecordStatus, upd RecordUpdate) (bool, error)
}

// GormStore 基于 gorm 的 Store
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore 创建存储
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger.With(zap.String("component", "schedule_store"))}
}

// InitDatabase 自动迁移调度相关表，仅用于开发与测试
func InitDatabase(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

func (s *GormStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if err := s.db.WithContext(ctx).Create(sched).Error; err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (s *GormStore) GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error) {
	var sched Schedule
	err := s.db.WithContext(ctx).Where("schedule_id = ?", scheduleID).Take(&sched).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", scheduleID, err)
	}
	return &sched, nil
}

// DueSchedules 返回已启用且 next_run_at 不晚于 now 的定时任务
func (s *GormStore) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	var out []*Schedule
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Order("next_run_at").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	return out, nil
}

// AdvanceSchedule 仅当 next_run_at 仍等于 prev 时推进到 next
func (s *GormStore) AdvanceSchedule(ctx context.Context, scheduleID string, prev time.Time, next *time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Schedule{}).
		Where("schedule_id = ? AND next_run_at = ?", scheduleID, prev).
		Update("next_run_at", next)
	if res.Error != nil {
		return false, fmt.Errorf("advance schedule %s: %w", scheduleID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) DisableSchedule(ctx context.Context, scheduleID string) error {
	err := s.db.WithContext(ctx).Model(&Schedule{}).
		Where("schedule_id = ?", scheduleID).
		Updates(map[string]any{"enabled": false, "next_run_at": nil}).Error
	if err != nil {
		return fmt.Errorf("disable schedule %s: %w", scheduleID, err)
	}
	return nil
}

func (s *GormStore) CreateRecord(ctx context.Context, r *Record) (*Record, bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(r)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create schedule record: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return r, true, nil
	}

	var existing Record
	err := s.db.WithContext(ctx).
		Where("schedule_id = ? AND scheduled_at = ?", r.ScheduleID, r.ScheduledAt).
		Take(&existing).Error
	if err != nil {
		return nil, false, fmt.Errorf("load existing schedule record: %w", err)
	}
	return &existing, false, nil
}

func (s *GormStore) GetRecord(ctx context.Context, recordID string) (*Record, error) {
	var r Record
	err := s.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule record %s: %w", recordID, err)
	}
	return &r, nil
}

func (s *GormStore) GetUserRecord(ctx context.Context, userID, recordID string) (*Record, error) {
	var r Record
	err := s.db.WithContext(ctx).Where("record_id = ? AND user_id = ?", recordID, userID).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule record %s: %w", recordID, err)
	}
	return &r, nil
}

// ListRecords 按计划时间倒序
func (s *GormStore) ListRecords(ctx context.Context, scheduleID string, limit int) ([]*Record, error) {
	var out []*Record
	err := s.db.WithContext(ctx).
		Where("schedule_id = ?", scheduleID).
		Order("scheduled_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list schedule records: %w", err)
	}
	return out, nil
}

// SetSnapshotKey 只在尚未设置时写入，快照一经保存不会被替换
func (s *GormStore) SetSnapshotKey(ctx context.Context, recordID, key string) error {
	err := s.db.WithContext(ctx).Model(&Record{}).
		Where("record_id = ? AND (snapshot_key IS NULL OR snapshot_key = '')", recordID).
		Update("snapshot_key", key).Error
	if err != nil {
		return fmt.Errorf("set snapshot key of %s: %w", recordID, err)
	}
	return nil
}

// IncrFireFailures 累计触发过程中的基础设施失败
func (s *GormStore) IncrFireFailures(ctx context.Context, recordID string) (int, error) {
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("record_id = ? AND status IN ?", recordID, []RecordStatus{RecordPending, RecordProcessing}).
		Update("fire_failures", gorm.Expr("fire_failures + 1"))
	if res.Error != nil {
		return 0, fmt.Errorf("count fire failure of %s: %w", recordID, res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, nil
	}
	var rec Record
	if err := s.db.WithContext(ctx).Select("fire_failures").Where("record_id = ?", recordID).Take(&rec).Error; err != nil {
		return 0, fmt.Errorf("read fire failures of %s: %w", recordID, err)
	}
	return rec.FireFailures, nil
}

// TransitionRecord 仅当当前状态属于 from 时迁移到 to
func (s *GormStore) TransitionRecord(ctx context.Context, recordID string, from []RecordStatus, to RecordStatus, upd RecordUpdate) (bool, error) {
	values := map[string]any{"status": to}
	if upd.ClearOutcome {
		values["failure_reason"] = ""
		values["failure_message"] = ""
		values["execution_id"] = ""
		values["completed_at"] = nil
		values["fire_failures"] = 0
	}
	if upd.IncrRetry {
		values["retry_count"] = gorm.Expr("retry_count + 1")
	}
	if upd.SnapshotKey != "" {
		values["snapshot_key"] = upd.SnapshotKey
	}
	if upd.ExecutionID != "" {
		values["execution_id"] = upd.ExecutionID
	}
	if upd.FailureReason != "" {
		values["failure_reason"] = upd.FailureReason
	}
	if upd.FailureMessage != "" {
		values["failure_message"] = upd.FailureMessage
	}
	if upd.TriggeredAt != nil {
		values["triggered_at"] = *upd.TriggeredAt
	}
	if upd.CompletedAt != nil {
		values["completed_at"] = *upd.CompletedAt
	}

	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("record_id = ? AND status IN ?", recordID, from).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("transition schedule record %s to %s: %w", recordID, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}
