package schedule

import "time"

// RecordStatus 一次触发的状态
type RecordStatus string

const (
	RecordPending    RecordStatus = "pending"
	RecordProcessing RecordStatus = "processing"
	RecordRunning    RecordStatus = "running"
	RecordFinish     RecordStatus = "finish"
	RecordFailed     RecordStatus = "failed"
)

// IsTerminal 是否为终态
func (s RecordStatus) IsTerminal() bool {
	return s == RecordFinish || s == RecordFailed
}

// FailureReason 记录失败原因分类
type FailureReason string

const (
	ReasonInsufficientCredits FailureReason = "insufficient_credits"
	ReasonGraphUnavailable    FailureReason = "graph_unavailable"
	ReasonExecutionFailed     FailureReason = "execution_failed"
	ReasonExecutionTimeout    FailureReason = "execution_timeout"
	ReasonUnknown             FailureReason = "unknown"
)

// Schedule 一个定时任务：按 cron 表达式触发某张图
type Schedule struct {
	ID        string            `gorm:"column:schedule_id;primaryKey;size:64" json:"scheduleId"`
	UserID    string            `gorm:"column:user_id;size:64;not null;index" json:"userId"`
	GraphID   string            `gorm:"column:graph_id;size:64;not null" json:"graphId"`
	Name      string            `gorm:"column:name;size:255" json:"name"`
	CronExpr  string            `gorm:"column:cron_expr;size:128;not null" json:"cronExpr"`
	Timezone  string            `gorm:"column:timezone;size:64" json:"timezone,omitempty"`
	Enabled   bool              `gorm:"column:enabled;not null;index:idx_schedule_due,priority:1" json:"enabled"`
	Variables map[string]string `gorm:"column:variables;serializer:json;type:text" json:"variables,omitempty"`
	NextRunAt *time.Time        `gorm:"column:next_run_at;index:idx_schedule_due,priority:2" json:"nextRunAt,omitempty"`
	CreatedAt time.Time         `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time         `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName 表名
func (Schedule) TableName() string { return "workflow_schedules" }

// Record 定时任务的一次触发
type Record struct {
	ID             string        `gorm:"column:record_id;primaryKey;size:64" json:"recordId"`
	ScheduleID     string        `gorm:"column:schedule_id;size:64;not null;uniqueIndex:uk_record_firing,priority:1" json:"scheduleId"`
	UserID         string        `gorm:"column:user_id;size:64;not null;index" json:"userId"`
	GraphID        string        `gorm:"column:graph_id;size:64;not null" json:"graphId"`
	Status         RecordStatus  `gorm:"column:status;size:16;not null" json:"status"`
	SnapshotKey    string        `gorm:"column:snapshot_key;size:512" json:"snapshotKey,omitempty"`
	ExecutionID    string        `gorm:"column:execution_id;size:64" json:"executionId,omitempty"`
	FailureReason  FailureReason `gorm:"column:failure_reason;size:32" json:"failureReason,omitempty"`
	FailureMessage string        `gorm:"column:failure_message;type:text" json:"failureMessage,omitempty"`
	RetryCount     int           `gorm:"column:retry_count;not null;default:0" json:"retryCount"`
	FireFailures   int           `gorm:"column:fire_failures;not null;default:0" json:"fireFailures"`
	ScheduledAt    time.Time     `gorm:"column:scheduled_at;not null;uniqueIndex:uk_record_firing,priority:2" json:"scheduledAt"`
	TriggeredAt    *time.Time    `gorm:"column:triggered_at" json:"triggeredAt,omitempty"`
	CompletedAt    *time.Time    `gorm:"column:completed_at" json:"completedAt,omitempty"`
	CreatedAt      time.Time     `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt      time.Time     `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName 表名
func (Record) TableName() string { return "schedule_records" }

// CreditAccount 用户积分余额，GormLedger 读取
type CreditAccount struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:64" json:"userId"`
	Balance   int64     `gorm:"column:balance;not null;default:0" json:"balance"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName 表名
func (CreditAccount) TableName() string { return "credit_accounts" }

// Models 返回需要迁移的模型
func Models() []any {
	return []any{&Schedule{}, &Record{}, &CreditAccount{}}
}
